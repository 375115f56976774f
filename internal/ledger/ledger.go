package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/auditra/auditra/domain"
	"github.com/auditra/auditra/infrastructure/service/logger"
	"github.com/auditra/auditra/internal/ports"
	"github.com/auditra/auditra/pkg/apperror"
)

// DefaultAppendRetries bounds how often an append re-resolves and retries
// after losing a storage-level race to another writer.
const DefaultAppendRetries = 3

// Ledger is the single writer facade over the audit store. Appends for the
// same subject are serialized by a per-subject mutex; appends for different
// subjects proceed independently. The storage layer additionally rejects
// forks via a uniqueness constraint on (subject_id, previous_hash), which
// covers concurrent writers in other processes.
type Ledger struct {
	repo       ports.AuditRepository
	cache      ports.LatestHashCache
	logger     logger.Logger
	clock      func() time.Time
	maxRetries int

	mu       sync.Mutex
	subjects map[string]*sync.Mutex
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithCache attaches a non-authoritative latest-hash cache.
func WithCache(cache ports.LatestHashCache) Option {
	return func(l *Ledger) { l.cache = cache }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.clock = clock }
}

// WithMaxRetries overrides the conflict retry budget.
func WithMaxRetries(n int) Option {
	return func(l *Ledger) { l.maxRetries = n }
}

// NewLedger creates the ledger writer.
func NewLedger(repo ports.AuditRepository, log logger.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		repo:       repo,
		logger:     log,
		clock:      time.Now,
		maxRetries: DefaultAppendRetries,
		subjects:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append validates the event, signs it against the subject's current chain
// head and persists it atomically. Exactly one immutable record is appended
// per successful call. On a storage conflict the whole append is retried
// with a freshly resolved previous hash, never with a stale one.
func (l *Ledger) Append(ctx context.Context, event domain.AuditEvent) (*domain.AuditRecord, error) {
	if err := event.Validate(); err != nil {
		return nil, apperror.ErrInvalidEvent(err.Error(), err)
	}

	// Normalize before signing so the signed form matches what a later
	// read from the store decodes to.
	metadata, err := NormalizeMetadata(event.Metadata)
	if err != nil {
		return nil, err
	}
	event.Metadata = metadata

	lock := l.subjectLock(event.SubjectID)
	lock.Lock()
	defer lock.Unlock()

	var lastErr error
	for attempt := 0; attempt <= l.maxRetries; attempt++ {
		record, err := l.appendOnce(ctx, event)
		if err == nil {
			return record, nil
		}
		if !errors.Is(err, domain.ErrChainConflict) {
			return nil, err
		}
		lastErr = err
		l.invalidateCache(ctx, event.SubjectID)
		l.logger.Warn(ctx, "Audit append lost chain race, retrying", map[string]interface{}{
			"subject_id": event.SubjectID,
			"event_type": event.EventType,
			"attempt":    attempt + 1,
		})
	}
	return nil, apperror.ErrChainConflict(event.SubjectID, lastErr)
}

func (l *Ledger) appendOnce(ctx context.Context, event domain.AuditEvent) (*domain.AuditRecord, error) {
	// Timestamp is captured once, truncated to the precision the store
	// keeps, and persisted verbatim alongside the hash it fed into.
	timestamp := l.clock().UTC().Truncate(time.Microsecond)

	previousHash, err := l.resolvePreviousHash(ctx, event.SubjectID)
	if err != nil {
		return nil, err
	}

	hash, err := Sign(event, timestamp, previousHash)
	if err != nil {
		return nil, err
	}

	record := &domain.AuditRecord{
		ID:           uuid.NewString(),
		SubjectID:    event.SubjectID,
		EventType:    event.EventType,
		Metadata:     event.Metadata,
		IPAddress:    event.IPAddress,
		UserAgent:    event.UserAgent,
		Timestamp:    timestamp,
		PreviousHash: previousHash,
		Hash:         hash,
	}

	if err := l.repo.Insert(ctx, record); err != nil {
		if errors.Is(err, domain.ErrChainConflict) {
			return nil, err
		}
		return nil, apperror.ErrDatabaseError("insert audit record", err)
	}

	l.updateCache(ctx, event.SubjectID, hash)

	l.logger.Info(ctx, "Audit record appended", map[string]interface{}{
		"record_id":  record.ID,
		"subject_id": record.SubjectID,
		"event_type": record.EventType,
		"seq":        record.Seq,
	})
	return record, nil
}

// resolvePreviousHash returns the subject's current chain head, consulting
// the cache first and falling back to the store. The store stays the source
// of truth; a stale cache value is corrected by the conflict retry path.
func (l *Ledger) resolvePreviousHash(ctx context.Context, subjectID string) (*string, error) {
	if l.cache != nil {
		if hash, ok, err := l.cache.Get(ctx, subjectID); err == nil && ok {
			return &hash, nil
		}
	}

	hash, err := l.repo.LatestHash(ctx, subjectID)
	if err != nil {
		return nil, apperror.ErrDatabaseError("resolve previous hash", err)
	}
	return hash, nil
}

func (l *Ledger) subjectLock(subjectID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.subjects[subjectID]
	if !ok {
		lock = &sync.Mutex{}
		l.subjects[subjectID] = lock
	}
	return lock
}

func (l *Ledger) updateCache(ctx context.Context, subjectID, hash string) {
	if l.cache == nil {
		return
	}
	if err := l.cache.Set(ctx, subjectID, hash); err != nil {
		l.logger.Warn(ctx, "Failed to update latest-hash cache", map[string]interface{}{
			"subject_id": subjectID,
			"error":      fmt.Sprintf("%v", err),
		})
	}
}

func (l *Ledger) invalidateCache(ctx context.Context, subjectID string) {
	if l.cache == nil {
		return
	}
	if err := l.cache.Invalidate(ctx, subjectID); err != nil {
		l.logger.Warn(ctx, "Failed to invalidate latest-hash cache", map[string]interface{}{
			"subject_id": subjectID,
			"error":      fmt.Sprintf("%v", err),
		})
	}
}
