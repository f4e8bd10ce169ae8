package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/workledger/go-core/internal/ledger"
)

// scopeExpr maps a row to its chain scope key in SQL. Must stay in sync with
// ledger.ScopeFor.
const scopeExpr = "COALESCE(workspace_id, 'global')"

// advisoryLockClass namespaces this subsystem's advisory locks so they cannot
// collide with other users of pg_advisory_xact_lock on the same database.
const advisoryLockClass = 0x4c44 // "LD"

const recordColumns = `
	id, created_at, actor_user_id, workspace_id, action,
	resource_type, resource_id, details, ip_address, user_agent,
	prev_hash, record_hash`

// PostgresStore implements Store over PostgreSQL via lib/pq.
//
// Per-scope append serialization uses transaction-scoped advisory locks keyed
// on the scope string, with a bounded lock_timeout so contended appends fail
// fast with ErrWriteConflict instead of queueing. The chain tip is always
// read inside the same transaction as the insert that depends on it.
//
// A schema-level trigger rejects UPDATE/DELETE on audit_records unless the
// session is in maintenance mode (see internal/db migrations); the Store
// interface is the primary guard, the trigger is defense in depth against
// direct SQL access.
type PostgresStore struct {
	db       *sql.DB
	logger   *zap.Logger
	lockWait time.Duration
}

// NewPostgresStore creates a Store over an open database handle.
func NewPostgresStore(db *sql.DB, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{
		db:       db,
		logger:   logger,
		lockWait: 2 * time.Second,
	}
}

// SetLockWait overrides the bounded lock wait.
func (s *PostgresStore) SetLockWait(d time.Duration) { s.lockWait = d }

// lockScope takes the scope's transaction-scoped advisory lock with a bounded
// wait. The lock releases automatically at commit or rollback.
func (s *PostgresStore) lockScope(ctx context.Context, tx *sql.Tx, scope string) error {
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockWait.Milliseconds())); err != nil {
		return mapPQError("set lock timeout", err)
	}
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1, hashtext($2))", advisoryLockClass, scope); err != nil {
		return mapPQError("acquire scope lock", err)
	}
	return nil
}

// tip derives the scope's current chain tip inside tx: last live record, else
// most recent checkpoint anchor, else genesis.
func (s *PostgresStore) tip(ctx context.Context, tx *sql.Tx, scope string) (string, error) {
	var hash string
	err := tx.QueryRowContext(ctx, `
		SELECT record_hash FROM audit_records
		WHERE `+scopeExpr+` = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, scope).Scan(&hash)
	if err == nil {
		return hash, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", mapPQError("read chain tip", err)
	}

	err = tx.QueryRowContext(ctx, `
		SELECT last_record_hash FROM archive_checkpoints
		WHERE `+scopeExpr+` = $1
		ORDER BY last_record_created_at DESC
		LIMIT 1
	`, scope).Scan(&hash)
	if err == nil {
		return hash, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", mapPQError("read checkpoint tip", err)
	}
	return ledger.Genesis, nil
}

// AppendRecord implements Store.
func (s *PostgresStore) AppendRecord(ctx context.Context, scope string, build func(prevHash string) (*ledger.AuditRecord, error)) (*ledger.AuditRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapPQError("begin append", err)
	}
	defer tx.Rollback()

	if err := s.lockScope(ctx, tx, scope); err != nil {
		return nil, err
	}
	prev, err := s.tip(ctx, tx, scope)
	if err != nil {
		return nil, err
	}
	rec, err := build(prev)
	if err != nil {
		return nil, err
	}

	detailsJSON, err := json.Marshal(rec.Details)
	if err != nil {
		return nil, fmt.Errorf("marshal details: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		rec.ID,
		rec.CreatedAt,
		nullString(rec.ActorUserID),
		nullString(rec.WorkspaceID),
		rec.Action,
		rec.ResourceType,
		rec.ResourceID,
		detailsJSON,
		rec.IPAddress,
		rec.UserAgent,
		rec.PrevHash,
		rec.RecordHash,
	)
	if err != nil {
		return nil, mapPQError("insert audit record", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, mapPQError("commit append", err)
	}
	return rec, nil
}

// RecordWindow implements ledger.RecordSource. With a limit it fetches one
// extra row so the verifier can anchor the window on its immediate
// predecessor.
func (s *PostgresStore) RecordWindow(ctx context.Context, scope string, limit int) ([]*ledger.AuditRecord, *ledger.AuditRecord, error) {
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+recordColumns+` FROM (
				SELECT `+recordColumns+` FROM audit_records
				WHERE `+scopeExpr+` = $1
				ORDER BY created_at DESC, id DESC
				LIMIT $2
			) w ORDER BY created_at ASC, id ASC
		`, scope, limit+1)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+recordColumns+` FROM audit_records
			WHERE `+scopeExpr+` = $1
			ORDER BY created_at ASC, id ASC
		`, scope)
	}
	if err != nil {
		return nil, nil, mapPQError("query record window", err)
	}
	defer rows.Close()

	var records []*ledger.AuditRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, mapPQError("iterate record window", err)
	}

	var prior *ledger.AuditRecord
	if limit > 0 && len(records) > limit {
		prior = records[0]
		records = records[1:]
	}
	return records, prior, nil
}

// NearestCheckpoint implements ledger.RecordSource.
func (s *PostgresStore) NearestCheckpoint(ctx context.Context, scope string, before time.Time) (*ledger.ArchiveCheckpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, workspace_id, last_record_id,
		       last_record_created_at, last_record_hash, records_archived
		FROM archive_checkpoints
		WHERE `+scopeExpr+` = $1 AND last_record_created_at < $2
		ORDER BY last_record_created_at DESC
		LIMIT 1
	`, scope, before)

	var cp ledger.ArchiveCheckpoint
	var workspaceID sql.NullString
	err := row.Scan(&cp.ID, &cp.CreatedAt, &workspaceID, &cp.LastRecordID,
		&cp.LastRecordCreatedAt, &cp.LastRecordHash, &cp.RecordsArchived)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapPQError("query checkpoint", err)
	}
	if workspaceID.Valid {
		cp.WorkspaceID = &workspaceID.String
	}
	cp.CreatedAt = cp.CreatedAt.UTC()
	cp.LastRecordCreatedAt = cp.LastRecordCreatedAt.UTC()
	return &cp, nil
}

// QueryRecords implements Store.
func (s *PostgresStore) QueryRecords(ctx context.Context, filter ledger.RecordFilter) ([]*ledger.AuditRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM audit_records WHERE ` + scopeExpr + ` = $1`
	args := []interface{}{filter.Scope}
	argIndex := 2

	if filter.ActorUserID != "" {
		query += fmt.Sprintf(" AND actor_user_id = $%d", argIndex)
		args = append(args, filter.ActorUserID)
		argIndex++
	}
	if filter.Action != "" {
		query += fmt.Sprintf(" AND action LIKE $%d", argIndex)
		args = append(args, filter.Action+"%")
		argIndex++
	}
	if filter.ResourceType != "" {
		query += fmt.Sprintf(" AND resource_type = $%d", argIndex)
		args = append(args, filter.ResourceType)
		argIndex++
	}
	if !filter.From.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", argIndex)
		args = append(args, filter.From)
		argIndex++
	}
	if !filter.To.IsZero() {
		query += fmt.Sprintf(" AND created_at <= $%d", argIndex)
		args = append(args, filter.To)
		argIndex++
	}

	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, filter.Limit)
		argIndex++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIndex)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapPQError("query audit records", err)
	}
	defer rows.Close()

	var records []*ledger.AuditRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPQError("iterate audit records", err)
	}
	return records, nil
}

// Scopes implements Store.
func (s *PostgresStore) Scopes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT `+scopeExpr+` FROM audit_records ORDER BY 1`)
	if err != nil {
		return nil, mapPQError("query scopes", err)
	}
	defer rows.Close()

	var scopes []string
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, mapPQError("scan scope", err)
		}
		scopes = append(scopes, scope)
	}
	return scopes, rows.Err()
}

// EnterMaintenance implements Store. The session's transaction holds the
// scope's advisory lock and carries the maintenance GUC the immutability
// trigger checks, both released automatically at commit or rollback.
func (s *PostgresStore) EnterMaintenance(ctx context.Context, scope string) (MaintenanceSession, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapPQError("begin maintenance", err)
	}
	if err := s.lockScope(ctx, tx, scope); err != nil {
		tx.Rollback()
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, "SELECT set_config('app.ledger_maintenance', 'on', true)"); err != nil {
		tx.Rollback()
		return nil, mapPQError("enter maintenance mode", err)
	}
	s.logger.Info("ledger maintenance session opened", zap.String("scope", scope))
	return &pgSession{store: s, tx: tx, scope: scope}, nil
}

type pgSession struct {
	store  *PostgresStore
	tx     *sql.Tx
	scope  string
	closed bool
}

// ArchiveBefore implements MaintenanceSession. Checkpoint insert and record
// deletion share the session transaction, so they commit or fail as one.
func (p *pgSession) ArchiveBefore(ctx context.Context, cutoff time.Time) (*ledger.ArchiveCheckpoint, error) {
	if p.closed {
		return nil, ledger.ErrMaintenanceRequired
	}

	row := p.tx.QueryRowContext(ctx, `
		SELECT id, created_at, record_hash,
		       (SELECT COUNT(*) FROM audit_records
		        WHERE `+scopeExpr+` = $1 AND created_at < $2)
		FROM audit_records
		WHERE `+scopeExpr+` = $1 AND created_at < $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, p.scope, cutoff)

	var lastID uuid.UUID
	var lastCreatedAt time.Time
	var lastHash string
	var count int64
	err := row.Scan(&lastID, &lastCreatedAt, &lastHash, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		p.fail()
		return nil, mapPQError("select archival anchor", err)
	}

	var workspaceID *string
	if p.scope != ledger.ScopeGlobal {
		scope := p.scope
		workspaceID = &scope
	}
	cp := &ledger.ArchiveCheckpoint{
		ID:                  uuid.New(),
		CreatedAt:           time.Now().UTC(),
		WorkspaceID:         workspaceID,
		LastRecordID:        lastID,
		LastRecordCreatedAt: lastCreatedAt.UTC(),
		LastRecordHash:      lastHash,
		RecordsArchived:     count,
	}

	_, err = p.tx.ExecContext(ctx, `
		INSERT INTO archive_checkpoints (
			id, created_at, workspace_id, last_record_id,
			last_record_created_at, last_record_hash, records_archived
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, cp.ID, cp.CreatedAt, nullString(cp.WorkspaceID), cp.LastRecordID,
		cp.LastRecordCreatedAt, cp.LastRecordHash, cp.RecordsArchived)
	if err != nil {
		p.fail()
		return nil, fmt.Errorf("insert checkpoint: %v: %w", err, ledger.ErrArchivalInconsistency)
	}

	res, err := p.tx.ExecContext(ctx, `
		DELETE FROM audit_records WHERE `+scopeExpr+` = $1 AND created_at < $2
	`, p.scope, cutoff)
	if err != nil {
		p.fail()
		return nil, fmt.Errorf("delete archived records: %v: %w", err, ledger.ErrArchivalInconsistency)
	}
	if deleted, err := res.RowsAffected(); err == nil && deleted != count {
		p.fail()
		return nil, fmt.Errorf("archived %d records but checkpoint counted %d: %w",
			deleted, count, ledger.ErrArchivalInconsistency)
	}
	return cp, nil
}

// fail rolls the session back so a half-applied archive can never commit.
func (p *pgSession) fail() {
	p.closed = true
	p.tx.Rollback()
}

// Close implements MaintenanceSession.
func (p *pgSession) Close(ctx context.Context) error {
	if p.closed {
		return ledger.ErrMaintenanceRequired
	}
	p.closed = true
	if err := p.tx.Commit(); err != nil {
		return fmt.Errorf("commit maintenance session: %v: %w", err, ledger.ErrArchivalInconsistency)
	}
	p.store.logger.Info("ledger maintenance session committed", zap.String("scope", p.scope))
	return nil
}

// scanRecord scans one audit_records row.
func scanRecord(scanner interface{ Scan(dest ...interface{}) error }) (*ledger.AuditRecord, error) {
	var rec ledger.AuditRecord
	var actorUserID, workspaceID sql.NullString
	var detailsJSON []byte

	err := scanner.Scan(
		&rec.ID,
		&rec.CreatedAt,
		&actorUserID,
		&workspaceID,
		&rec.Action,
		&rec.ResourceType,
		&rec.ResourceID,
		&detailsJSON,
		&rec.IPAddress,
		&rec.UserAgent,
		&rec.PrevHash,
		&rec.RecordHash,
	)
	if err != nil {
		return nil, mapPQError("scan audit record", err)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	if actorUserID.Valid {
		rec.ActorUserID = &actorUserID.String
	}
	if workspaceID.Valid {
		rec.WorkspaceID = &workspaceID.String
	}
	if len(detailsJSON) > 0 {
		if err := json.Unmarshal(detailsJSON, &rec.Details); err != nil {
			return nil, fmt.Errorf("unmarshal details: %w", err)
		}
	}
	return &rec, nil
}

// nullString converts an optional field for parameter binding.
func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// mapPQError classifies a driver error into the ledger taxonomy while keeping
// the underlying message.
func mapPQError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case "55P03", "40001", "40P01": // lock_not_available, serialization, deadlock
			return fmt.Errorf("%s: %v: %w", op, err, ledger.ErrWriteConflict)
		}
		if strings.Contains(pqErr.Message, "LEDGER_IMMUTABLE") {
			return fmt.Errorf("%s: %v: %w", op, err, ledger.ErrImmutabilityViolation)
		}
	}
	return fmt.Errorf("%s: %v: %w", op, err, ledger.ErrStorage)
}
