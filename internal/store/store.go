// Package store provides the durable-storage boundary of the audit ledger.
//
// The Store interface is the immutability guard: it deliberately exposes no
// generic update or delete. Committed records can only be read, appended
// after, or removed through a privileged MaintenanceSession whose checkpoint
// and deletion commit atomically. The guard is a property of this boundary,
// not of individual callers, so "forgot to check" tampering has no code path.
package store

import (
	"context"
	"time"

	"github.com/workledger/go-core/internal/ledger"
)

// Store is the capability surface over the ledger's tables. The ledger
// subsystem exclusively owns those tables; nothing else writes to them.
type Store interface {
	// AppendRecord runs build under the scope's exclusive append lock with the
	// chain tip derived inside the same transaction, then persists the built
	// record. See ledger.AppendStore.
	AppendRecord(ctx context.Context, scope string, build func(prevHash string) (*ledger.AuditRecord, error)) (*ledger.AuditRecord, error)

	// RecordWindow and NearestCheckpoint implement ledger.RecordSource for the
	// verifier, against a snapshot of committed history.
	RecordWindow(ctx context.Context, scope string, limit int) ([]*ledger.AuditRecord, *ledger.AuditRecord, error)
	NearestCheckpoint(ctx context.Context, scope string, before time.Time) (*ledger.ArchiveCheckpoint, error)

	// QueryRecords serves the read-only reporting surface.
	QueryRecords(ctx context.Context, filter ledger.RecordFilter) ([]*ledger.AuditRecord, error)

	// Scopes lists every chain scope with at least one live record, for the
	// scheduled retention job.
	Scopes(ctx context.Context) ([]string, error)

	// EnterMaintenance opens the privileged maintenance path for one scope.
	// It serializes against appends and other maintenance on the same scope,
	// failing with ledger.ErrWriteConflict after a bounded wait.
	EnterMaintenance(ctx context.Context, scope string) (MaintenanceSession, error)
}

// MaintenanceSession is the only path that may remove committed records. A
// session holds the scope's exclusive lock until Close, so appends cannot
// read a tip the session is about to delete.
type MaintenanceSession interface {
	// ArchiveBefore atomically writes an ArchiveCheckpoint anchored on the
	// newest record older than cutoff and deletes every record in the scope
	// older than cutoff. Returns nil when no record qualifies. The checkpoint
	// is never committed without its deletions, nor vice versa; a partial
	// failure rolls back and reports ledger.ErrArchivalInconsistency. An
	// error terminates the session: its work is discarded, its lock released,
	// and Close must not be called.
	ArchiveBefore(ctx context.Context, cutoff time.Time) (*ledger.ArchiveCheckpoint, error)

	// Close commits the session's work and releases the scope lock. After
	// Close the session is unusable.
	Close(ctx context.Context) error
}
