package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auditra/auditra/domain"
	"github.com/auditra/auditra/infrastructure/service/logger"
)

// memoryAuditRepository mirrors the Postgres adapter's semantics: a seq
// counter as authoritative order and a compare-and-append insert that only
// accepts a record whose previousHash equals the subject's current chain
// head.
type memoryAuditRepository struct {
	mu      sync.Mutex
	seq     int64
	records []*domain.AuditRecord
}

func newMemoryAuditRepository() *memoryAuditRepository {
	return &memoryAuditRepository{}
}

func (r *memoryAuditRepository) Insert(ctx context.Context, record *domain.AuditRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var head *string
	for i := len(r.records) - 1; i >= 0; i-- {
		if r.records[i].SubjectID == record.SubjectID {
			hash := r.records[i].Hash
			head = &hash
			break
		}
	}
	if (head == nil) != (record.PreviousHash == nil) {
		return domain.ErrChainConflict
	}
	if head != nil && *head != *record.PreviousHash {
		return domain.ErrChainConflict
	}
	r.seq++
	record.Seq = r.seq
	clone := *record
	r.records = append(r.records, &clone)
	return nil
}

func (r *memoryAuditRepository) FindByID(ctx context.Context, id string) (*domain.AuditRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, record := range r.records {
		if record.ID == id {
			clone := *record
			return &clone, nil
		}
	}
	return nil, domain.ErrRecordNotFound
}

func (r *memoryAuditRepository) LatestHash(ctx context.Context, subjectID string) (*string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.records) - 1; i >= 0; i-- {
		if r.records[i].SubjectID == subjectID {
			hash := r.records[i].Hash
			return &hash, nil
		}
	}
	return nil, nil
}

func (r *memoryAuditRepository) ListBySubject(ctx context.Context, subjectID string) ([]*domain.AuditRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.AuditRecord
	for _, record := range r.records {
		if record.SubjectID == subjectID {
			clone := *record
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (r *memoryAuditRepository) ListBySubjectPage(ctx context.Context, subjectID string, limit, offset int) ([]*domain.AuditRecord, error) {
	records, _ := r.ListBySubject(ctx, subjectID)
	if offset >= len(records) {
		return nil, nil
	}
	end := offset + limit
	if end > len(records) {
		end = len(records)
	}
	return records[offset:end], nil
}

func (r *memoryAuditRepository) CountBySubject(ctx context.Context, subjectID string) (int, error) {
	records, _ := r.ListBySubject(ctx, subjectID)
	return len(records), nil
}

func (r *memoryAuditRepository) ListSubjects(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[string]bool{}
	var subjects []string
	for _, record := range r.records {
		if !seen[record.SubjectID] {
			seen[record.SubjectID] = true
			subjects = append(subjects, record.SubjectID)
		}
	}
	return subjects, nil
}

// tamper mutates a stored record in place, bypassing the ledger's contract,
// to simulate direct modification of the backing store.
func (r *memoryAuditRepository) tamper(subjectID string, index int, mutate func(*domain.AuditRecord)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := 0
	for _, record := range r.records {
		if record.SubjectID != subjectID {
			continue
		}
		if i == index {
			mutate(record)
			return
		}
		i++
	}
}

func testLogger() logger.Logger {
	return logger.NewStructuredLogger(logger.LoggerConfig{
		Level:       "error",
		Format:      "text",
		ServiceName: "test",
	})
}

func TestLedger_AppendBuildsChain(t *testing.T) {
	repo := newMemoryAuditRepository()
	l := NewLedger(repo, testLogger())
	ctx := context.Background()

	first, err := l.Append(ctx, domain.AuditEvent{
		SubjectID: "user-42",
		EventType: domain.EventConsentGranted,
	})
	require.NoError(t, err)
	second, err := l.Append(ctx, domain.AuditEvent{
		SubjectID: "user-42",
		EventType: domain.EventPaymentAuthorized,
		Metadata:  map[string]interface{}{"amount": 100},
	})
	require.NoError(t, err)

	assert.Nil(t, first.PreviousHash)
	require.NotNil(t, second.PreviousHash)
	assert.Equal(t, first.Hash, *second.PreviousHash)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, int64(2), second.Seq)
}

func TestLedger_AppendRejectsInvalidEvent(t *testing.T) {
	repo := newMemoryAuditRepository()
	l := NewLedger(repo, testLogger())

	_, err := l.Append(context.Background(), domain.AuditEvent{EventType: "x"})
	assert.Error(t, err)

	_, err = l.Append(context.Background(), domain.AuditEvent{SubjectID: "user-42"})
	assert.Error(t, err)

	// Nothing may be persisted when validation fails.
	count, _ := repo.CountBySubject(context.Background(), "user-42")
	assert.Equal(t, 0, count)
}

func TestLedger_AppendRejectsBadMetadata(t *testing.T) {
	repo := newMemoryAuditRepository()
	l := NewLedger(repo, testLogger())

	_, err := l.Append(context.Background(), domain.AuditEvent{
		SubjectID: "user-42",
		EventType: domain.EventConsentGranted,
		Metadata:  map[string]interface{}{"bad": make(chan int)},
	})
	assert.Error(t, err)
}

func TestLedger_SubjectIsolation(t *testing.T) {
	repo := newMemoryAuditRepository()
	l := NewLedger(repo, testLogger())
	ctx := context.Background()

	b1, err := l.Append(ctx, domain.AuditEvent{SubjectID: "user-b", EventType: domain.EventConsentGranted})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := l.Append(ctx, domain.AuditEvent{SubjectID: "user-a", EventType: domain.EventExpenseApproved})
		require.NoError(t, err)
	}

	b2, err := l.Append(ctx, domain.AuditEvent{SubjectID: "user-b", EventType: domain.EventConsentRevoked})
	require.NoError(t, err)

	// B's chain links only to B's records, untouched by A's appends.
	require.NotNil(t, b2.PreviousHash)
	assert.Equal(t, b1.Hash, *b2.PreviousHash)

	countA, _ := repo.CountBySubject(ctx, "user-a")
	countB, _ := repo.CountBySubject(ctx, "user-b")
	assert.Equal(t, 10, countA)
	assert.Equal(t, 2, countB)
}

func TestLedger_ConcurrentAppendsSameSubject(t *testing.T) {
	repo := newMemoryAuditRepository()
	l := NewLedger(repo, testLogger())
	ctx := context.Background()

	const workers = 32
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = l.Append(ctx, domain.AuditEvent{
				SubjectID: "user-42",
				EventType: domain.EventPaymentAuthorized,
				Metadata:  map[string]interface{}{"worker": i},
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "worker %d", i)
	}

	records, err := repo.ListBySubject(ctx, "user-42")
	require.NoError(t, err)
	require.Len(t, records, workers)

	// One linear sequence, zero forks: every previousHash is unique and
	// each record links to its immediate predecessor's stored hash.
	seenPrev := map[string]bool{}
	for i, record := range records {
		if i == 0 {
			assert.Nil(t, record.PreviousHash)
			continue
		}
		require.NotNil(t, record.PreviousHash)
		assert.False(t, seenPrev[*record.PreviousHash], "fork: duplicate previous hash")
		seenPrev[*record.PreviousHash] = true
		assert.Equal(t, records[i-1].Hash, *record.PreviousHash)
	}
}

// conflictOnceRepository forces one chain conflict to exercise the
// re-resolve-and-retry path.
type conflictOnceRepository struct {
	*memoryAuditRepository
	mu       sync.Mutex
	injected bool
}

func (r *conflictOnceRepository) Insert(ctx context.Context, record *domain.AuditRecord) error {
	r.mu.Lock()
	if !r.injected {
		r.injected = true
		r.mu.Unlock()
		return domain.ErrChainConflict
	}
	r.mu.Unlock()
	return r.memoryAuditRepository.Insert(ctx, record)
}

func TestLedger_RetriesAfterChainConflict(t *testing.T) {
	repo := &conflictOnceRepository{memoryAuditRepository: newMemoryAuditRepository()}
	l := NewLedger(repo, testLogger())

	record, err := l.Append(context.Background(), domain.AuditEvent{
		SubjectID: "user-42",
		EventType: domain.EventConsentGranted,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, record.Hash)
}

// failingRepository simulates an unavailable store.
type failingRepository struct {
	*memoryAuditRepository
}

func (r *failingRepository) Insert(ctx context.Context, record *domain.AuditRecord) error {
	return errors.New("connection refused")
}

func TestLedger_SurfacesPersistenceFailure(t *testing.T) {
	repo := &failingRepository{memoryAuditRepository: newMemoryAuditRepository()}
	l := NewLedger(repo, testLogger())

	_, err := l.Append(context.Background(), domain.AuditEvent{
		SubjectID: "user-42",
		EventType: domain.EventConsentGranted,
	})
	// The event is not recorded and the failure is surfaced, never dropped.
	assert.Error(t, err)
}

// staleCache always returns a wrong hash to prove the cache is never
// authoritative: the storage constraint rejects the stale link and the
// retry falls back to the store.
type staleCache struct {
	mu          sync.Mutex
	invalidated int
	values      map[string]string
}

func (c *staleCache) Get(ctx context.Context, subjectID string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.values[subjectID]; ok {
		return v, true, nil
	}
	return "", false, nil
}

func (c *staleCache) Set(ctx context.Context, subjectID, hash string) error { return nil }

func (c *staleCache) Invalidate(ctx context.Context, subjectID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated++
	delete(c.values, subjectID)
	return nil
}

func TestLedger_StaleCacheFallsBackToStore(t *testing.T) {
	repo := newMemoryAuditRepository()
	cache := &staleCache{values: map[string]string{}}
	l := NewLedger(repo, testLogger(), WithCache(cache))
	ctx := context.Background()

	first, err := l.Append(ctx, domain.AuditEvent{SubjectID: "user-42", EventType: domain.EventConsentGranted})
	require.NoError(t, err)

	// Poison the cache with a hash that is not the chain head. The store's
	// compare-and-append rejects the stale link; the ledger invalidates the
	// cache and re-resolves from the store.
	cache.mu.Lock()
	cache.values["user-42"] = "0000000000000000000000000000000000000000000000000000000000000000"
	cache.mu.Unlock()

	second, err := l.Append(ctx, domain.AuditEvent{SubjectID: "user-42", EventType: domain.EventConsentRevoked})
	require.NoError(t, err)
	require.NotNil(t, second.PreviousHash)
	assert.Equal(t, first.Hash, *second.PreviousHash)
	assert.GreaterOrEqual(t, cache.invalidated, 1)
}
