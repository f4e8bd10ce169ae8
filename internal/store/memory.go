package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/workledger/go-core/internal/ledger"
)

// MemoryStore is an in-memory Store used by unit tests and by the one-shot
// verification tooling. It mirrors the Postgres store's semantics: per-scope
// exclusive append locks with a bounded wait, checkpoint fallback for the
// tip, and atomic checkpoint+delete under a maintenance session. All returned
// records are clones; the committed rows are unreachable from outside the
// package.
type MemoryStore struct {
	mu     sync.Mutex
	chains map[string]*memoryChain

	// lockWait bounds how long an append or maintenance entry waits for the
	// scope lock before failing with ErrWriteConflict.
	lockWait time.Duration
}

type memoryChain struct {
	lock        chan struct{} // capacity 1; held entry = locked
	records     []*ledger.AuditRecord
	checkpoints []*ledger.ArchiveCheckpoint
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chains:   make(map[string]*memoryChain),
		lockWait: 2 * time.Second,
	}
}

// SetLockWait overrides the bounded lock wait, for contention tests.
func (s *MemoryStore) SetLockWait(d time.Duration) { s.lockWait = d }

func (s *MemoryStore) chain(scope string) *memoryChain {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chains[scope]
	if !ok {
		c = &memoryChain{lock: make(chan struct{}, 1)}
		s.chains[scope] = c
	}
	return c
}

// acquire takes the scope's exclusive lock, failing fast after lockWait.
func (s *MemoryStore) acquire(ctx context.Context, c *memoryChain) (release func(), err error) {
	timer := time.NewTimer(s.lockWait)
	defer timer.Stop()
	select {
	case c.lock <- struct{}{}:
		return func() { <-c.lock }, nil
	case <-timer.C:
		return nil, fmt.Errorf("scope lock wait exceeded %s: %w", s.lockWait, ledger.ErrWriteConflict)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ledger.ErrWriteConflict, ctx.Err())
	}
}

// tipLocked derives the chain tip. Caller holds the scope lock.
func (c *memoryChain) tipLocked() string {
	if n := len(c.records); n > 0 {
		return c.records[n-1].RecordHash
	}
	if n := len(c.checkpoints); n > 0 {
		return c.checkpoints[n-1].LastRecordHash
	}
	return ledger.Genesis
}

// AppendRecord implements Store.
func (s *MemoryStore) AppendRecord(ctx context.Context, scope string, build func(prevHash string) (*ledger.AuditRecord, error)) (*ledger.AuditRecord, error) {
	c := s.chain(scope)
	release, err := s.acquire(ctx, c)
	if err != nil {
		return nil, err
	}
	defer release()

	s.mu.Lock()
	prev := c.tipLocked()
	s.mu.Unlock()

	rec, err := build(prev)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	c.records = append(c.records, rec.Clone())
	s.mu.Unlock()
	return rec, nil
}

// RecordWindow implements ledger.RecordSource.
func (s *MemoryStore) RecordWindow(ctx context.Context, scope string, limit int) ([]*ledger.AuditRecord, *ledger.AuditRecord, error) {
	c := s.chain(scope)
	s.mu.Lock()
	defer s.mu.Unlock()

	all := c.records
	var prior *ledger.AuditRecord
	if limit > 0 && len(all) > limit {
		prior = all[len(all)-limit-1].Clone()
		all = all[len(all)-limit:]
	}
	out := make([]*ledger.AuditRecord, 0, len(all))
	for _, r := range all {
		out = append(out, r.Clone())
	}
	return out, prior, nil
}

// NearestCheckpoint implements ledger.RecordSource.
func (s *MemoryStore) NearestCheckpoint(ctx context.Context, scope string, before time.Time) (*ledger.ArchiveCheckpoint, error) {
	c := s.chain(scope)
	s.mu.Lock()
	defer s.mu.Unlock()

	var nearest *ledger.ArchiveCheckpoint
	for _, cp := range c.checkpoints {
		if cp.LastRecordCreatedAt.Before(before) {
			if nearest == nil || cp.LastRecordCreatedAt.After(nearest.LastRecordCreatedAt) {
				nearest = cp
			}
		}
	}
	if nearest == nil {
		return nil, nil
	}
	cp := *nearest
	return &cp, nil
}

// QueryRecords implements Store.
func (s *MemoryStore) QueryRecords(ctx context.Context, filter ledger.RecordFilter) ([]*ledger.AuditRecord, error) {
	c := s.chain(filter.Scope)
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*ledger.AuditRecord
	for _, r := range c.records {
		if filter.ActorUserID != "" && (r.ActorUserID == nil || *r.ActorUserID != filter.ActorUserID) {
			continue
		}
		if filter.Action != "" && !strings.HasPrefix(r.Action, filter.Action) {
			continue
		}
		if filter.ResourceType != "" && r.ResourceType != filter.ResourceType {
			continue
		}
		if !filter.From.IsZero() && r.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && r.CreatedAt.After(filter.To) {
			continue
		}
		out = append(out, r.Clone())
	}
	// Most recent first, like the reporting UI shows them.
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Scopes implements Store.
func (s *MemoryStore) Scopes(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var scopes []string
	for scope, c := range s.chains {
		if len(c.records) > 0 {
			scopes = append(scopes, scope)
		}
	}
	sort.Strings(scopes)
	return scopes, nil
}

// EnterMaintenance implements Store. The session holds the scope's append
// lock until Close, so no append can read a tip the session deletes.
func (s *MemoryStore) EnterMaintenance(ctx context.Context, scope string) (MaintenanceSession, error) {
	c := s.chain(scope)
	release, err := s.acquire(ctx, c)
	if err != nil {
		return nil, err
	}
	return &memorySession{store: s, chain: c, scope: scope, release: release}, nil
}

type memorySession struct {
	store   *MemoryStore
	chain   *memoryChain
	scope   string
	release func()
	closed  bool
}

// ArchiveBefore implements MaintenanceSession. The slice swap commits the
// checkpoint and the deletions as one step.
func (m *memorySession) ArchiveBefore(ctx context.Context, cutoff time.Time) (*ledger.ArchiveCheckpoint, error) {
	if m.closed {
		return nil, ledger.ErrMaintenanceRequired
	}
	m.store.mu.Lock()
	defer m.store.mu.Unlock()

	// Records are held in created_at order; find the first survivor.
	idx := 0
	for idx < len(m.chain.records) && m.chain.records[idx].CreatedAt.Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return nil, nil
	}

	last := m.chain.records[idx-1]
	var workspaceID *string
	if m.scope != ledger.ScopeGlobal {
		scope := m.scope
		workspaceID = &scope
	}
	cp := &ledger.ArchiveCheckpoint{
		ID:                  uuid.New(),
		CreatedAt:           time.Now().UTC(),
		WorkspaceID:         workspaceID,
		LastRecordID:        last.ID,
		LastRecordCreatedAt: last.CreatedAt,
		LastRecordHash:      last.RecordHash,
		RecordsArchived:     int64(idx),
	}
	m.chain.checkpoints = append(m.chain.checkpoints, cp)
	m.chain.records = append([]*ledger.AuditRecord{}, m.chain.records[idx:]...)

	out := *cp
	return &out, nil
}

// Close implements MaintenanceSession.
func (m *memorySession) Close(ctx context.Context) error {
	if m.closed {
		return ledger.ErrMaintenanceRequired
	}
	m.closed = true
	m.release()
	return nil
}
