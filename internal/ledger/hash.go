package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// Genesis is the previous-hash sentinel for the first record of a chain scope
// that has no archive checkpoint before it. It is distinct from any real
// SHA-256 digest of canonical record content.
var Genesis = strings.Repeat("0", 64)

// canonicalTimeFormat fixes timestamp encoding for hash input: UTC RFC 3339
// with exactly microsecond precision. Changing it breaks interoperability
// with stored history.
const canonicalTimeFormat = "2006-01-02T15:04:05.000000Z"

// canonicalRecord is the exact hash-input encoding. Field order, the
// timestamp format and JSON null for absent actor/workspace are part of the
// cross-implementation contract; two implementations given the same logical
// inputs must produce byte-identical JSON and therefore identical digests.
type canonicalRecord struct {
	PrevHash     string  `json:"prev_hash"`
	CreatedAt    string  `json:"created_at"`
	ActorUserID  *string `json:"actor_user_id"`
	Action       string  `json:"action"`
	ResourceType string  `json:"resource_type"`
	ResourceID   string  `json:"resource_id"`
	WorkspaceID  *string `json:"workspace_id"`
}

// ComputeRecordHash maps a record's chained fields to its SHA-256 digest,
// rendered as lowercase hex. Pure and deterministic; safe for concurrent use.
func ComputeRecordHash(prevHash string, createdAt time.Time, actorUserID *string, action, resourceType, resourceID string, workspaceID *string) string {
	in := canonicalRecord{
		PrevHash:     prevHash,
		CreatedAt:    createdAt.UTC().Format(canonicalTimeFormat),
		ActorUserID:  actorUserID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		WorkspaceID:  workspaceID,
	}
	// canonicalRecord holds only strings and string pointers; Marshal cannot fail.
	b, _ := json.Marshal(in)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// RecordHashOf recomputes the digest a record's stored fields imply, using
// the record's own claimed prev_hash. Verification compares this against the
// stored record_hash.
func RecordHashOf(r *AuditRecord) string {
	return ComputeRecordHash(r.PrevHash, r.CreatedAt, r.ActorUserID, r.Action, r.ResourceType, r.ResourceID, r.WorkspaceID)
}
