package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/workledger/go-core/internal/ledger"
	"github.com/workledger/go-core/internal/store"
)

func strPtr(s string) *string { return &s }

func testEvent(ws string, action string) ledger.Event {
	var workspaceID *string
	if ws != "" {
		workspaceID = &ws
	}
	return ledger.Event{
		ActorUserID:  strPtr("user-1"),
		WorkspaceID:  workspaceID,
		Action:       action,
		ResourceType: "document",
		ResourceID:   "doc-1",
		Details:      map[string]interface{}{"title_len": 42},
		IPAddress:    "10.0.0.7",
		UserAgent:    "workledger-web/3.1",
	}
}

func TestAppender_FirstRecordLinksGenesis(t *testing.T) {
	st := store.NewMemoryStore()
	appender := ledger.NewAppender(st, zap.NewNop())

	rec, err := appender.Append(context.Background(), testEvent("ws-1", ledger.ActionDocumentCreate))
	require.NoError(t, err)

	assert.Equal(t, ledger.Genesis, rec.PrevHash)
	assert.Equal(t, ledger.RecordHashOf(rec), rec.RecordHash)
	assert.False(t, rec.CreatedAt.IsZero())
	// The persisted timestamp carries exactly the canonical precision.
	assert.True(t, rec.CreatedAt.Equal(rec.CreatedAt.Truncate(time.Microsecond)))
}

func TestAppender_ChainLinks(t *testing.T) {
	st := store.NewMemoryStore()
	appender := ledger.NewAppender(st, zap.NewNop())
	ctx := context.Background()

	var prev string
	for i := 0; i < 5; i++ {
		rec, err := appender.Append(ctx, testEvent("ws-1", ledger.ActionDocumentUpdate))
		require.NoError(t, err)
		if i == 0 {
			assert.Equal(t, ledger.Genesis, rec.PrevHash)
		} else {
			assert.Equal(t, prev, rec.PrevHash)
		}
		prev = rec.RecordHash
	}

	findings, err := ledger.VerifyChain(ctx, st, "ws-1", 0)
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestAppender_ScopesAreIndependent(t *testing.T) {
	st := store.NewMemoryStore()
	appender := ledger.NewAppender(st, zap.NewNop())
	ctx := context.Background()

	a, err := appender.Append(ctx, testEvent("ws-1", ledger.ActionDocumentCreate))
	require.NoError(t, err)
	b, err := appender.Append(ctx, testEvent("ws-2", ledger.ActionDocumentCreate))
	require.NoError(t, err)
	g, err := appender.Append(ctx, testEvent("", ledger.ActionTokenIssued))
	require.NoError(t, err)

	// Every scope starts its own chain at genesis.
	assert.Equal(t, ledger.Genesis, a.PrevHash)
	assert.Equal(t, ledger.Genesis, b.PrevHash)
	assert.Equal(t, ledger.Genesis, g.PrevHash)
	assert.Equal(t, ledger.ScopeGlobal, g.Scope())
}

func TestAppender_Validation(t *testing.T) {
	st := store.NewMemoryStore()
	appender := ledger.NewAppender(st, zap.NewNop())
	ctx := context.Background()

	_, err := appender.Append(ctx, ledger.Event{ResourceType: "document", ResourceID: "doc-1"})
	assert.Error(t, err)

	_, err = appender.Append(ctx, ledger.Event{Action: "document.create"})
	assert.Error(t, err)
}

func TestAppender_NoForkUnderConcurrency(t *testing.T) {
	st := store.NewMemoryStore()
	appender := ledger.NewAppender(st, zap.NewNop())
	ctx := context.Background()

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := appender.Append(ctx, testEvent("ws-1", ledger.ActionDocumentUpdate))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	records, _, err := st.RecordWindow(ctx, "ws-1", 0)
	require.NoError(t, err)
	require.Len(t, records, writers)

	// No two records may claim the same predecessor.
	prevs := make(map[string]bool, writers)
	for _, r := range records {
		assert.False(t, prevs[r.PrevHash], "fork: duplicate prev_hash %s", r.PrevHash)
		prevs[r.PrevHash] = true
	}

	findings, err := ledger.VerifyChain(ctx, st, "ws-1", 0)
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestAppender_WriteConflictOnHeldLock(t *testing.T) {
	st := store.NewMemoryStore()
	st.SetLockWait(50 * time.Millisecond)
	appender := ledger.NewAppender(st, zap.NewNop())
	ctx := context.Background()

	// A maintenance session holds the scope's append lock until closed.
	sess, err := st.EnterMaintenance(ctx, "ws-1")
	require.NoError(t, err)

	_, err = appender.Append(ctx, testEvent("ws-1", ledger.ActionDocumentCreate))
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrWriteConflict)

	require.NoError(t, sess.Close(ctx))

	// Retrying after the lock is released succeeds.
	_, err = appender.Append(ctx, testEvent("ws-1", ledger.ActionDocumentCreate))
	assert.NoError(t, err)
}

type captureSink struct {
	mu      sync.Mutex
	records []*ledger.AuditRecord
}

func (c *captureSink) Publish(rec *ledger.AuditRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
}

func TestAppender_PublishesToSink(t *testing.T) {
	st := store.NewMemoryStore()
	sink := &captureSink{}
	appender := ledger.NewAppender(st, zap.NewNop(), ledger.WithSink(sink))

	rec, err := appender.Append(context.Background(), testEvent("ws-1", ledger.ActionDocumentCreate))
	require.NoError(t, err)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.records, 1)
	assert.Equal(t, rec.ID, sink.records[0].ID)
}
