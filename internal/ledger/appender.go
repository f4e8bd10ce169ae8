package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AppendStore is the slice of the durable store the appender depends on. The
// store owns the per-scope critical section: it acquires the scope lock,
// derives the current tip inside the same transaction, invokes build with it,
// persists the result and commits. The tip is never cached in process memory,
// so correctness holds across multiple instances and restarts.
type AppendStore interface {
	// AppendRecord serializes against concurrent appends on the same scope.
	// prevHash passed to build is the record_hash of the scope's last record,
	// the last_record_hash of its most recent checkpoint if the live set is
	// empty, or Genesis for a fresh scope.
	AppendRecord(ctx context.Context, scope string, build func(prevHash string) (*AuditRecord, error)) (*AuditRecord, error)
}

// Sink receives committed records for downstream export (log shipping).
// Implementations must not block; their failures never affect the append.
type Sink interface {
	Publish(rec *AuditRecord)
}

// AppenderMetrics is implemented by the metrics package; kept as a local
// interface so the ledger core stays dependency-light.
type AppenderMetrics interface {
	RecordAppend(action string, critical bool, d time.Duration)
	RecordAppendError(err error)
}

// Appender computes each new record's hashes and persists it through the
// store's serialized append path.
type Appender struct {
	store   AppendStore
	sink    Sink
	metrics AppenderMetrics
	logger  *zap.Logger
	clock   func() time.Time
}

// AppenderOption configures an Appender.
type AppenderOption func(*Appender)

// WithSink attaches a downstream export sink.
func WithSink(s Sink) AppenderOption {
	return func(a *Appender) { a.sink = s }
}

// WithAppenderMetrics attaches append instrumentation.
func WithAppenderMetrics(m AppenderMetrics) AppenderOption {
	return func(a *Appender) { a.metrics = m }
}

// WithClock overrides time source, for tests.
func WithClock(clock func() time.Time) AppenderOption {
	return func(a *Appender) { a.clock = clock }
}

// NewAppender creates an Appender over the given store.
func NewAppender(store AppendStore, logger *zap.Logger, opts ...AppenderOption) *Appender {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Appender{
		store:  store,
		logger: logger,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Append validates the event, links it to the current chain tip and persists
// it durably. It returns the committed record including its computed hashes.
//
// Errors wrap ErrWriteConflict (retryable contention) or ErrStorage. Callers
// of critical actions must treat an error here as a failure of the enclosing
// operation; sink delivery is fire-and-forget and never influences the result.
func (a *Appender) Append(ctx context.Context, ev Event) (*AuditRecord, error) {
	if err := validateEvent(ev); err != nil {
		return nil, err
	}

	scope := ScopeFor(ev.WorkspaceID)
	start := a.clock()

	rec, err := a.store.AppendRecord(ctx, scope, func(prevHash string) (*AuditRecord, error) {
		// Truncate to the canonical microsecond precision so the persisted
		// timestamp round-trips to the exact bytes that were hashed.
		now := a.clock().UTC().Truncate(time.Microsecond)
		r := &AuditRecord{
			ID:           uuid.New(),
			CreatedAt:    now,
			ActorUserID:  ev.ActorUserID,
			WorkspaceID:  ev.WorkspaceID,
			Action:       ev.Action,
			ResourceType: ev.ResourceType,
			ResourceID:   ev.ResourceID,
			Details:      ev.Details,
			IPAddress:    ev.IPAddress,
			UserAgent:    ev.UserAgent,
			PrevHash:     prevHash,
		}
		r.RecordHash = RecordHashOf(r)
		return r, nil
	})
	if err != nil {
		if a.metrics != nil {
			a.metrics.RecordAppendError(err)
		}
		a.logger.Error("audit append failed",
			zap.String("scope", scope),
			zap.String("action", ev.Action),
			zap.Bool("critical", IsCritical(ev.Action)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("append %s: %w", ev.Action, err)
	}

	if a.metrics != nil {
		a.metrics.RecordAppend(ev.Action, IsCritical(ev.Action), a.clock().Sub(start))
	}
	if a.sink != nil {
		a.sink.Publish(rec)
	}
	return rec, nil
}

func validateEvent(ev Event) error {
	if ev.Action == "" {
		return fmt.Errorf("audit event requires an action")
	}
	if ev.ResourceType == "" || ev.ResourceID == "" {
		return fmt.Errorf("audit event requires resource type and id")
	}
	return nil
}
