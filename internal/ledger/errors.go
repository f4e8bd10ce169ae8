package ledger

import "errors"

// Error taxonomy for the ledger subsystem. Stores and the appender wrap these
// sentinels so callers can classify failures with errors.Is.
var (
	// ErrWriteConflict is transient contention acquiring the per-scope append
	// lock. Safe to retry.
	ErrWriteConflict = errors.New("ledger: write conflict on chain tip")

	// ErrStorage is a durable-store failure during append or archive. Fatal to
	// the caller's request; for critical actions the enclosing business
	// operation must fail rather than proceed unlogged.
	ErrStorage = errors.New("ledger: storage failure")

	// ErrImmutabilityViolation is an attempted update or delete of a committed
	// record outside privileged maintenance mode.
	ErrImmutabilityViolation = errors.New("ledger: audit records are immutable")

	// ErrArchivalInconsistency means checkpoint and deletion could not be
	// committed atomically. Nothing was applied.
	ErrArchivalInconsistency = errors.New("ledger: archival checkpoint and delete must commit atomically")

	// ErrMaintenanceRequired is returned when a privileged store operation is
	// attempted on a closed or never-opened maintenance session.
	ErrMaintenanceRequired = errors.New("ledger: operation requires an open maintenance session")
)
