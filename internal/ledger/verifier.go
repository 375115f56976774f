package ledger

import (
	"context"
	"time"

	"github.com/auditra/auditra/domain"
	"github.com/auditra/auditra/infrastructure/service/logger"
	"github.com/auditra/auditra/internal/ports"
	"github.com/auditra/auditra/pkg/apperror"
)

// Verifier replays a subject's persisted history and reports every broken
// link or tampered payload. It is read-only: findings are surfaced to
// operators, never auto-corrected.
type Verifier struct {
	repo   ports.AuditRepository
	logger logger.Logger
}

// NewVerifier creates a chain verifier.
func NewVerifier(repo ports.AuditRepository, log logger.Logger) *Verifier {
	return &Verifier{repo: repo, logger: log}
}

// Verify walks the subject's records in persisted order and checks two
// independent tamper classes:
//
//   - link tampering: a record's previous_hash must equal the stored hash of
//     its immediate predecessor (stored hashes are the ground truth for
//     linkage);
//   - payload tampering: re-signing a record's stored fields must reproduce
//     its stored hash.
//
// Every broken record is enumerated; verification never stops at the first
// failure. An empty chain is trivially valid.
func (v *Verifier) Verify(ctx context.Context, subjectID string) (*domain.VerificationReport, error) {
	records, err := v.repo.ListBySubject(ctx, subjectID)
	if err != nil {
		return nil, apperror.ErrDatabaseError("load audit chain", err)
	}

	report := &domain.VerificationReport{
		SubjectID:   subjectID,
		Valid:       true,
		RecordCount: len(records),
		BrokenAt:    []string{},
		VerifiedAt:  time.Now().UTC(),
	}

	broken := make(map[string]bool)
	var prev *domain.AuditRecord
	for _, record := range records {
		// Verification is restartable and side-effect free, so it can
		// be cancelled freely between records.
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if prev != nil {
			if record.PreviousHash == nil || *record.PreviousHash != prev.Hash {
				v.addFinding(report, broken, record, domain.FindingLinkMismatch)
			}
		}

		expected, err := Sign(record.Event(), record.Timestamp, record.PreviousHash)
		if err != nil || expected != record.Hash {
			v.addFinding(report, broken, record, domain.FindingPayloadMismatch)
		}

		prev = record
	}

	if !report.Valid {
		v.logger.Warn(ctx, "Audit chain integrity violation", map[string]interface{}{
			"subject_id":   subjectID,
			"record_count": report.RecordCount,
			"broken_at":    report.BrokenAt,
		})
	}
	return report, nil
}

func (v *Verifier) addFinding(report *domain.VerificationReport, broken map[string]bool, record *domain.AuditRecord, reason domain.FindingReason) {
	report.Valid = false
	report.Findings = append(report.Findings, domain.ChainFinding{
		RecordID: record.ID,
		Seq:      record.Seq,
		Reason:   reason,
	})
	if !broken[record.ID] {
		broken[record.ID] = true
		report.BrokenAt = append(report.BrokenAt, record.ID)
	}
}
