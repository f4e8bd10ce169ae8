package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Finding reports one integrity violation discovered by VerifyChain. An empty
// result set means every record examined is internally consistent; findings
// are data for the caller, never errors.
type Finding struct {
	RecordID uuid.UUID `json:"record_id"`
	Message  string    `json:"message"`
}

// Finding messages. These strings are part of the operational contract with
// compliance tooling.
const (
	FindingRecordHashMismatch = "Record hash mismatch"
	FindingPrevHashMismatch   = "Previous hash mismatch"
	FindingOriginNotFound     = "Chain origin not found"
)

// RecordSource is the injected read capability VerifyChain runs over, so the
// algorithm is unit-testable without a storage engine. Implementations must
// read a consistent snapshot of committed history and never block writers.
type RecordSource interface {
	// RecordWindow returns up to limit of the most recent records in scope, in
	// ascending created_at order, together with the record immediately
	// preceding the window when the window is truncated. limit <= 0 means the
	// whole scope.
	RecordWindow(ctx context.Context, scope string, limit int) (records []*AuditRecord, prior *AuditRecord, err error)

	// NearestCheckpoint returns the most recent checkpoint in scope whose
	// anchor precedes the given instant, or nil if none exists.
	NearestCheckpoint(ctx context.Context, scope string, before time.Time) (*ArchiveCheckpoint, error)
}

// VerifyChain replays the scope's record window in chain order and returns
// every violation found, in created_at order. A limit bounds the scan to the
// most recent records: tampering strictly outside the window is undetectable
// by design. The returned error reports operational failures only; found
// tampering is never an error.
//
// For each record the stored record_hash is checked against the digest its
// fields imply, and the prev_hash link is checked against the predecessor. A
// prev_hash is accepted when it matches either the predecessor's stored
// record_hash or its recomputed digest, so one tampered record is reported
// exactly once instead of cascading into its successor. On a single record a
// broken link takes precedence over the hash check, since record_hash commits
// to prev_hash and both would otherwise always fire together.
func VerifyChain(ctx context.Context, src RecordSource, scope string, limit int) ([]Finding, error) {
	records, prior, err := src.RecordWindow(ctx, scope, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch records for scope %q: %w", scope, err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	var findings []Finding
	for i, r := range records {
		linked, f, err := checkLink(ctx, src, scope, records, prior, i)
		if err != nil {
			return nil, err
		}
		if !linked {
			findings = append(findings, f)
			continue
		}
		if RecordHashOf(r) != r.RecordHash {
			findings = append(findings, Finding{RecordID: r.ID, Message: FindingRecordHashMismatch})
		}
	}
	return findings, nil
}

// checkLink validates records[i].PrevHash against its expected predecessor
// anchor. linked is false when a finding is emitted in place of the
// record-hash check.
func checkLink(ctx context.Context, src RecordSource, scope string, records []*AuditRecord, prior *AuditRecord, i int) (linked bool, f Finding, err error) {
	r := records[i]

	// Within the window, and at its truncated edge, the anchor is the
	// immediately preceding record.
	pred := prior
	if i > 0 {
		pred = records[i-1]
	}
	if pred != nil {
		if r.PrevHash == pred.RecordHash || r.PrevHash == RecordHashOf(pred) {
			return true, Finding{}, nil
		}
		return false, Finding{RecordID: r.ID, Message: FindingPrevHashMismatch}, nil
	}

	// True start of the surviving set: anchor on the nearest checkpoint, or
	// the genesis sentinel when the scope was never archived.
	cp, err := src.NearestCheckpoint(ctx, scope, r.CreatedAt)
	if err != nil {
		return false, Finding{}, fmt.Errorf("fetch checkpoint for scope %q: %w", scope, err)
	}
	if cp != nil {
		if r.PrevHash == cp.LastRecordHash {
			return true, Finding{}, nil
		}
		return false, Finding{RecordID: r.ID, Message: FindingPrevHashMismatch}, nil
	}
	if r.PrevHash == Genesis {
		return true, Finding{}, nil
	}
	// No preceding record, no checkpoint, and not a genesis link: the chain's
	// origin was removed without an anchor.
	return false, Finding{RecordID: r.ID, Message: FindingOriginNotFound}, nil
}
