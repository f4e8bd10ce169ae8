// Package shipper forwards committed audit records to an external
// observability pipeline. Shipping is a read-only downstream concern: its
// failures are logged and counted but never roll back or block the local
// append, and a full buffer drops rather than applies backpressure.
package shipper

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/workledger/go-core/internal/ledger"
)

// Exporter delivers one committed record to the downstream system.
type Exporter interface {
	Export(ctx context.Context, rec *ledger.AuditRecord) error
	Close() error
}

// Metrics is the instrumentation hook for shipping outcomes.
type Metrics interface {
	RecordShipped()
	RecordShipDropped()
	RecordShipFailed()
}

// AsyncShipper implements ledger.Sink with a bounded buffer and a single
// background worker. Export errors are not retried beyond the exporter's own
// behavior, so a flaky downstream cannot duplicate side effects here.
type AsyncShipper struct {
	exporter Exporter
	logger   *zap.Logger
	metrics  Metrics

	buffer  chan *ledger.AuditRecord
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64

	exportTimeout time.Duration
}

// NewAsyncShipper starts a shipper over the given exporter. bufferSize bounds
// how many committed records may be in flight before new ones are dropped.
func NewAsyncShipper(exporter Exporter, bufferSize int, logger *zap.Logger, metrics Metrics) *AsyncShipper {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &AsyncShipper{
		exporter:      exporter,
		logger:        logger,
		metrics:       metrics,
		buffer:        make(chan *ledger.AuditRecord, bufferSize),
		done:          make(chan struct{}),
		exportTimeout: 5 * time.Second,
	}
	go s.run()
	return s
}

// Publish implements ledger.Sink. Non-blocking: a full buffer drops the
// record and counts the drop. The durable ledger row is unaffected either way.
func (s *AsyncShipper) Publish(rec *ledger.AuditRecord) {
	select {
	case s.buffer <- rec:
	default:
		s.dropped.Add(1)
		if s.metrics != nil {
			s.metrics.RecordShipDropped()
		}
		s.logger.Warn("shipper buffer full, record dropped",
			zap.String("record_id", rec.ID.String()),
			zap.Uint64("dropped_total", s.dropped.Load()),
		)
	}
}

// Dropped returns how many records were dropped since start.
func (s *AsyncShipper) Dropped() uint64 { return s.dropped.Load() }

// Close drains the buffer, ships what it can, and releases the exporter.
func (s *AsyncShipper) Close() error {
	s.once.Do(func() { close(s.buffer) })
	<-s.done
	return s.exporter.Close()
}

func (s *AsyncShipper) run() {
	defer close(s.done)
	for rec := range s.buffer {
		ctx, cancel := context.WithTimeout(context.Background(), s.exportTimeout)
		err := s.exporter.Export(ctx, rec)
		cancel()
		if err != nil {
			if s.metrics != nil {
				s.metrics.RecordShipFailed()
			}
			s.logger.Warn("record export failed",
				zap.String("record_id", rec.ID.String()),
				zap.Error(err),
			)
			continue
		}
		if s.metrics != nil {
			s.metrics.RecordShipped()
		}
	}
}
