package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/auditra/auditra/domain"
	"github.com/auditra/auditra/internal/ports"
)

// PostgresAuditRepository implements AuditRepository using PostgreSQL. The
// schema enforces chain linearity independently of in-process locking: a
// unique index on (subject_id, previous_hash) plus a partial unique index on
// subject_id for genesis rows makes two records chained to the same
// predecessor impossible, even across processes and retries. The BIGSERIAL
// seq column is the authoritative persisted order; wall-clock timestamps are
// never used for ordering.
type PostgresAuditRepository struct{ db *sql.DB }

func NewPostgresAuditRepository(db *sql.DB) ports.AuditRepository {
	return &PostgresAuditRepository{db: db}
}

const auditColumns = "seq, id, subject_id, event_type, metadata, ip_address, user_agent, ts, previous_hash, hash"

func (r *PostgresAuditRepository) Insert(ctx context.Context, record *domain.AuditRecord) error {
	// Compare-and-append: the row is only written when the subject's chain
	// head still equals the previous hash the caller resolved. Concurrent
	// writers that slip past the guard in the same snapshot are caught by
	// the unique indexes; both paths surface as ErrChainConflict.
	query := `
        INSERT INTO audit_records (id, subject_id, event_type, metadata, ip_address, user_agent, ts, previous_hash, hash)
        SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9
        WHERE (
            SELECT hash FROM audit_records
            WHERE subject_id = $2
            ORDER BY seq DESC
            LIMIT 1
        ) IS NOT DISTINCT FROM $8
        RETURNING seq
    `
	metadataJSON, err := json.Marshal(record.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	err = r.db.QueryRowContext(ctx, query,
		record.ID,
		record.SubjectID,
		record.EventType,
		metadataJSON,
		record.IPAddress,
		record.UserAgent,
		record.Timestamp,
		record.PreviousHash,
		record.Hash,
	).Scan(&record.Seq)
	if err != nil {
		if err == sql.ErrNoRows || isChainConflict(err) {
			return domain.ErrChainConflict
		}
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

func (r *PostgresAuditRepository) LatestHash(ctx context.Context, subjectID string) (*string, error) {
	query := `
        SELECT hash FROM audit_records
        WHERE subject_id = $1
        ORDER BY seq DESC
        LIMIT 1
    `
	var hash string
	err := r.db.QueryRowContext(ctx, query, subjectID).Scan(&hash)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to resolve latest hash: %w", err)
	}
	return &hash, nil
}

func (r *PostgresAuditRepository) FindByID(ctx context.Context, id string) (*domain.AuditRecord, error) {
	query := fmt.Sprintf(`
        SELECT %s FROM audit_records
        WHERE id = $1
    `, auditColumns)
	rows, err := r.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find audit record: %w", err)
	}
	defer rows.Close()
	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, domain.ErrRecordNotFound
	}
	return records[0], nil
}

func (r *PostgresAuditRepository) ListBySubject(ctx context.Context, subjectID string) ([]*domain.AuditRecord, error) {
	query := fmt.Sprintf(`
        SELECT %s FROM audit_records
        WHERE subject_id = $1
        ORDER BY seq ASC
    `, auditColumns)
	rows, err := r.db.QueryContext(ctx, query, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (r *PostgresAuditRepository) ListBySubjectPage(ctx context.Context, subjectID string, limit, offset int) ([]*domain.AuditRecord, error) {
	query := fmt.Sprintf(`
        SELECT %s FROM audit_records
        WHERE subject_id = $1
        ORDER BY seq ASC
        LIMIT $2 OFFSET $3
    `, auditColumns)
	rows, err := r.db.QueryContext(ctx, query, subjectID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (r *PostgresAuditRepository) CountBySubject(ctx context.Context, subjectID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_records WHERE subject_id = $1`, subjectID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit records: %w", err)
	}
	return count, nil
}

func (r *PostgresAuditRepository) ListSubjects(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT subject_id FROM audit_records ORDER BY subject_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list subjects: %w", err)
	}
	defer rows.Close()
	var subjects []string
	for rows.Next() {
		var subject string
		if err := rows.Scan(&subject); err != nil {
			return nil, fmt.Errorf("failed to scan subject: %w", err)
		}
		subjects = append(subjects, subject)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subjects: %w", err)
	}
	return subjects, nil
}

func scanRecords(rows *sql.Rows) ([]*domain.AuditRecord, error) {
	var records []*domain.AuditRecord
	for rows.Next() {
		var record domain.AuditRecord
		var metadataJSON []byte
		var ipAddress, userAgent, previousHash sql.NullString
		err := rows.Scan(
			&record.Seq,
			&record.ID,
			&record.SubjectID,
			&record.EventType,
			&metadataJSON,
			&ipAddress,
			&userAgent,
			&record.Timestamp,
			&previousHash,
			&record.Hash,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		if len(metadataJSON) > 0 && string(metadataJSON) != "null" {
			if err := json.Unmarshal(metadataJSON, &record.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		if ipAddress.Valid {
			record.IPAddress = &ipAddress.String
		}
		if userAgent.Valid {
			record.UserAgent = &userAgent.String
		}
		if previousHash.Valid {
			record.PreviousHash = &previousHash.String
		}
		record.Timestamp = record.Timestamp.UTC()
		records = append(records, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit records: %w", err)
	}
	return records, nil
}

// isChainConflict reports whether err is a unique violation on one of the
// chain-linearity indexes.
func isChainConflict(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	if pqErr.Code != "23505" {
		return false
	}
	return strings.HasPrefix(pqErr.Constraint, "audit_records_subject")
}
