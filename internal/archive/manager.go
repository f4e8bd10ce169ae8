// Package archive bounds ledger storage growth while keeping chains
// verifiable indefinitely: old records are swept behind an ArchiveCheckpoint
// that anchors the chain across the deletion boundary.
package archive

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/workledger/go-core/internal/ledger"
	"github.com/workledger/go-core/internal/store"
)

// Metrics is the instrumentation hook the manager reports to.
type Metrics interface {
	RecordArchive(scope string, recordsArchived int64)
}

// Manager runs archival operations. Each operation is bracketed by
// maintenance_enter/maintenance_exit records appended through the ordinary
// appender, so the window in which the immutability guard was suspended is
// itself part of the verifiable history.
type Manager struct {
	store    store.Store
	appender *ledger.Appender
	logger   *zap.Logger
	metrics  Metrics
	clock    func() time.Time
}

// NewManager creates an archival manager.
func NewManager(st store.Store, appender *ledger.Appender, logger *zap.Logger, metrics Metrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:    st,
		appender: appender,
		logger:   logger,
		metrics:  metrics,
		clock:    time.Now,
	}
}

// Archive moves every record in scope older than olderThan out of the live
// set, emitting a checkpoint anchored on the newest archived record. The
// checkpoint and the deletions commit atomically. Returns nil when nothing
// qualified for archival.
//
// The maintenance_enter record is appended before the scope lock is taken
// (the append path needs that lock), so the enter record always survives the
// sweep: it is newer than any admissible cutoff.
func (m *Manager) Archive(ctx context.Context, scope string, olderThan time.Time) (*ledger.ArchiveCheckpoint, error) {
	if !olderThan.Before(m.clock()) {
		return nil, fmt.Errorf("archival cutoff %s must be in the past", olderThan.Format(time.RFC3339))
	}

	if _, err := m.appender.Append(ctx, m.metaEvent(scope, ledger.ActionMaintenanceEnter, map[string]interface{}{
		"older_than": olderThan.UTC().Format(time.RFC3339Nano),
	})); err != nil {
		return nil, fmt.Errorf("record maintenance entry: %w", err)
	}

	cp, archiveErr := m.runArchive(ctx, scope, olderThan)

	exitDetails := map[string]interface{}{"outcome": "ok"}
	if archiveErr != nil {
		exitDetails["outcome"] = "failed"
	} else if cp != nil {
		exitDetails["records_archived"] = cp.RecordsArchived
		exitDetails["checkpoint_id"] = cp.ID.String()
	}
	if _, err := m.appender.Append(ctx, m.metaEvent(scope, ledger.ActionMaintenanceExit, exitDetails)); err != nil {
		// The archive itself already committed or rolled back atomically; a
		// missing exit record is surfaced but does not undo either outcome.
		m.logger.Error("failed to record maintenance exit", zap.String("scope", scope), zap.Error(err))
		if archiveErr == nil {
			archiveErr = fmt.Errorf("record maintenance exit: %w", err)
		}
	}
	if archiveErr != nil {
		return nil, archiveErr
	}

	if cp != nil {
		m.logger.Info("scope archived",
			zap.String("scope", scope),
			zap.Int64("records_archived", cp.RecordsArchived),
			zap.String("last_record_hash", cp.LastRecordHash),
		)
		if m.metrics != nil {
			m.metrics.RecordArchive(scope, cp.RecordsArchived)
		}
	}
	return cp, nil
}

// runArchive performs the locked checkpoint+delete unit of work.
func (m *Manager) runArchive(ctx context.Context, scope string, olderThan time.Time) (*ledger.ArchiveCheckpoint, error) {
	sess, err := m.store.EnterMaintenance(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("enter maintenance for scope %q: %w", scope, err)
	}

	cp, err := sess.ArchiveBefore(ctx, olderThan)
	if err != nil {
		// A failed sweep terminates the session with its work rolled back;
		// nothing was partially applied.
		return nil, fmt.Errorf("archive scope %q: %w", scope, err)
	}
	if err := sess.Close(ctx); err != nil {
		return nil, fmt.Errorf("commit archive for scope %q: %w", scope, err)
	}
	return cp, nil
}

// ArchiveAll sweeps every known scope. Per-scope failures are logged and do
// not stop the run; the first error is returned after all scopes were tried.
func (m *Manager) ArchiveAll(ctx context.Context, olderThan time.Time) error {
	scopes, err := m.store.Scopes(ctx)
	if err != nil {
		return fmt.Errorf("list scopes: %w", err)
	}
	var firstErr error
	for _, scope := range scopes {
		if _, err := m.Archive(ctx, scope, olderThan); err != nil {
			m.logger.Error("scope archival failed", zap.String("scope", scope), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m *Manager) metaEvent(scope, action string, details map[string]interface{}) ledger.Event {
	var workspaceID *string
	if scope != ledger.ScopeGlobal {
		s := scope
		workspaceID = &s
	}
	return ledger.Event{
		WorkspaceID:  workspaceID,
		Action:       action,
		ResourceType: "ledger_scope",
		ResourceID:   scope,
		Details:      details,
	}
}
