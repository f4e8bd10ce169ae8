// Package ledger implements the append-only, hash-chained audit ledger:
// canonical record hashing, the chain appender, and the chain verifier.
//
// Records are partitioned into independent chains per workspace; records
// without a workspace belong to a shared tenant-global chain. Within a chain
// scope every record commits to the hash of its predecessor, so retroactive
// edits or deletions of history are detectable by re-verification.
package ledger

import (
	"time"

	"github.com/google/uuid"
)

// ScopeGlobal is the chain scope for records that carry no workspace,
// such as system-initiated events and instance-wide token operations.
const ScopeGlobal = "global"

// ScopeFor returns the chain scope key for a workspace reference.
func ScopeFor(workspaceID *string) string {
	if workspaceID == nil || *workspaceID == "" {
		return ScopeGlobal
	}
	return *workspaceID
}

// AuditRecord is one immutable fact about a security-relevant event.
// It is created exactly once by the Appender and never updated; it is
// deleted only by the archival path, which anchors the chain with an
// ArchiveCheckpoint in the same transaction.
type AuditRecord struct {
	ID           uuid.UUID              `json:"id"`
	CreatedAt    time.Time              `json:"created_at"`
	ActorUserID  *string                `json:"actor_user_id"`
	WorkspaceID  *string                `json:"workspace_id"`
	Action       string                 `json:"action"`
	ResourceType string                 `json:"resource_type"`
	ResourceID   string                 `json:"resource_id"`
	Details      map[string]interface{} `json:"details,omitempty"`
	IPAddress    string                 `json:"ip_address,omitempty"`
	UserAgent    string                 `json:"user_agent,omitempty"`
	PrevHash     string                 `json:"prev_hash"`
	RecordHash   string                 `json:"record_hash"`
}

// Scope returns the chain scope this record belongs to.
func (r *AuditRecord) Scope() string {
	return ScopeFor(r.WorkspaceID)
}

// Clone returns a deep copy of the record. Stores hand out clones so callers
// can never reach the committed row through a shared pointer.
func (r *AuditRecord) Clone() *AuditRecord {
	c := *r
	if r.ActorUserID != nil {
		v := *r.ActorUserID
		c.ActorUserID = &v
	}
	if r.WorkspaceID != nil {
		v := *r.WorkspaceID
		c.WorkspaceID = &v
	}
	if r.Details != nil {
		c.Details = make(map[string]interface{}, len(r.Details))
		for k, v := range r.Details {
			c.Details[k] = v
		}
	}
	return &c
}

// ArchiveCheckpoint anchors a chain across an archival deletion boundary.
// The verifier accepts a surviving record whose prev_hash equals the
// checkpoint's LastRecordHash in place of the physically deleted predecessor.
type ArchiveCheckpoint struct {
	ID                  uuid.UUID `json:"id"`
	CreatedAt           time.Time `json:"created_at"`
	WorkspaceID         *string   `json:"workspace_id"`
	LastRecordID        uuid.UUID `json:"last_record_id"`
	LastRecordCreatedAt time.Time `json:"last_record_created_at"`
	LastRecordHash      string    `json:"last_record_hash"`
	RecordsArchived     int64     `json:"records_archived"`
}

// Scope returns the chain scope this checkpoint anchors.
func (c *ArchiveCheckpoint) Scope() string {
	return ScopeFor(c.WorkspaceID)
}

// Event is the caller-supplied input to Append. Hashes, ID and timestamp are
// assigned by the appender, never by the caller.
type Event struct {
	ActorUserID  *string
	WorkspaceID  *string
	Action       string
	ResourceType string
	ResourceID   string
	Details      map[string]interface{}
	IPAddress    string
	UserAgent    string
}

// RecordFilter selects records for the read-only query surface.
type RecordFilter struct {
	Scope        string
	ActorUserID  string
	Action       string
	ResourceType string
	From         time.Time
	To           time.Time
	Limit        int
	Offset       int
}
