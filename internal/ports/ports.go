package ports

import (
	"context"

	"github.com/auditra/auditra/domain"
)

// AuditRepository defines the persistence boundary of the ledger. The store
// only ever inserts and reads; records are immutable and have no update or
// delete path.
type AuditRepository interface {
	// Insert persists a new record atomically and fills in its Seq.
	// Returns domain.ErrChainConflict when another writer already appended
	// a record with the same previous hash for the subject.
	Insert(ctx context.Context, record *domain.AuditRecord) error

	// LatestHash returns the hash of the most recently persisted record
	// for the subject, or nil when the chain is empty.
	LatestHash(ctx context.Context, subjectID string) (*string, error)

	// FindByID retrieves a single record by its ID. Returns
	// domain.ErrRecordNotFound when it does not exist.
	FindByID(ctx context.Context, id string) (*domain.AuditRecord, error)

	// ListBySubject retrieves the subject's full history in persisted order.
	ListBySubject(ctx context.Context, subjectID string) ([]*domain.AuditRecord, error)

	// ListBySubjectPage retrieves a page of the subject's history in persisted order.
	ListBySubjectPage(ctx context.Context, subjectID string, limit, offset int) ([]*domain.AuditRecord, error)

	// CountBySubject returns the number of records in the subject's chain.
	CountBySubject(ctx context.Context, subjectID string) (int, error)

	// ListSubjects returns every subject ID that has at least one record.
	ListSubjects(ctx context.Context) ([]string, error)
}

// LatestHashCache is an optional process-external cache of each subject's
// latest hash. It is never authoritative: a miss or a suspected stale value
// always falls back to the repository.
type LatestHashCache interface {
	Get(ctx context.Context, subjectID string) (hash string, ok bool, err error)
	Set(ctx context.Context, subjectID, hash string) error
	Invalidate(ctx context.Context, subjectID string) error
}

// LedgerService is the inbound port producers call to append events.
type LedgerService interface {
	Append(ctx context.Context, event domain.AuditEvent) (*domain.AuditRecord, error)
}

// ChainVerifier is the inbound port operator tooling calls to check a chain.
type ChainVerifier interface {
	Verify(ctx context.Context, subjectID string) (*domain.VerificationReport, error)
}
