package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workledger/go-core/internal/ledger"
)

func TestRecordAppend(t *testing.T) {
	m := New("test")

	m.RecordAppend("document.create", true, 2*time.Millisecond)
	m.RecordAppend("issue.update", false, time.Millisecond)
	m.RecordAppend("issue.update", false, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.appendsTotal.WithLabelValues("critical")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.appendsTotal.WithLabelValues("standard")))
}

func TestRecordAppendError(t *testing.T) {
	m := New("test")

	m.RecordAppendError(fmt.Errorf("append: %w", ledger.ErrWriteConflict))
	m.RecordAppendError(fmt.Errorf("append: %w", ledger.ErrStorage))
	m.RecordAppendError(errors.New("unclassified"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.appendErrorsTotal.WithLabelValues("write_conflict")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.appendErrorsTotal.WithLabelValues("storage")))
}

func TestRecordVerifyRun(t *testing.T) {
	m := New("test")

	m.RecordVerifyRun(nil)
	m.RecordVerifyRun([]ledger.Finding{
		{Message: ledger.FindingRecordHashMismatch},
		{Message: ledger.FindingRecordHashMismatch},
		{Message: ledger.FindingPrevHashMismatch},
	})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.verifyRunsTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.verifyFindingsTotal.WithLabelValues(ledger.FindingRecordHashMismatch)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.verifyFindingsTotal.WithLabelValues(ledger.FindingPrevHashMismatch)))
}

func TestRecordArchive(t *testing.T) {
	m := New("test")

	m.RecordArchive("ws-1", 40)
	m.RecordArchive("ws-2", 2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.archiveRunsTotal))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.archiveRecordsTotal))
}

func TestIsolatedRegistries(t *testing.T) {
	a := New("test")
	b := New("test")
	a.RecordShipped()

	require.NotSame(t, a.Registry(), b.Registry())
	assert.Equal(t, 1.0, testutil.ToFloat64(a.shippedTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.shippedTotal))
}
