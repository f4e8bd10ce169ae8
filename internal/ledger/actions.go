package ledger

import "strings"

// Well-known audit actions emitted by the surrounding application. The route
// handlers own the full vocabulary; these constants cover the events the
// ledger itself emits plus the common security-relevant verbs.
const (
	ActionDocumentCreate     = "document.create"
	ActionDocumentUpdate     = "document.update"
	ActionDocumentDelete     = "document.delete"
	ActionDocumentViewDenied = "document.view_denied"

	ActionIssueCreate = "issue.create"
	ActionIssueUpdate = "issue.update"
	ActionIssueDelete = "issue.delete"

	ActionTokenIssued  = "api_token.issued"
	ActionTokenRevoked = "api_token.revoked"

	ActionMemberInvited = "member.invited"
	ActionMemberRemoved = "member.removed"

	// Maintenance transitions are appended by the archival path so the
	// immutability-guard suspension window is visible to later verification.
	ActionMaintenanceEnter = "ledger.maintenance_enter"
	ActionMaintenanceExit  = "ledger.maintenance_exit"
)

// criticalPrefixes classify action namespaces whose audit write is not
// skippable: failure to append must fail the caller's operation.
var criticalPrefixes = []string{
	"document.",
	"api_token.",
	"ledger.",
}

// IsCritical reports whether failure to audit the action must be surfaced to
// the caller as a failure of the overall operation. Access denials are always
// critical regardless of namespace.
func IsCritical(action string) bool {
	if strings.HasSuffix(action, "_denied") || strings.HasSuffix(action, ".denied") {
		return true
	}
	for _, p := range criticalPrefixes {
		if strings.HasPrefix(action, p) {
			return true
		}
	}
	return false
}
