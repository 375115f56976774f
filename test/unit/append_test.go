package unit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/auditra/auditra/domain"
	"github.com/auditra/auditra/infrastructure/service/logger"
	"github.com/auditra/auditra/internal/ledger"
)

// Mock implementations

type MockAuditRepository struct {
	mock.Mock
}

func (m *MockAuditRepository) Insert(ctx context.Context, record *domain.AuditRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockAuditRepository) LatestHash(ctx context.Context, subjectID string) (*string, error) {
	args := m.Called(ctx, subjectID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*string), args.Error(1)
}

func (m *MockAuditRepository) FindByID(ctx context.Context, id string) (*domain.AuditRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.AuditRecord), args.Error(1)
}

func (m *MockAuditRepository) ListBySubject(ctx context.Context, subjectID string) ([]*domain.AuditRecord, error) {
	args := m.Called(ctx, subjectID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.AuditRecord), args.Error(1)
}

func (m *MockAuditRepository) ListBySubjectPage(ctx context.Context, subjectID string, limit, offset int) ([]*domain.AuditRecord, error) {
	args := m.Called(ctx, subjectID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.AuditRecord), args.Error(1)
}

func (m *MockAuditRepository) CountBySubject(ctx context.Context, subjectID string) (int, error) {
	args := m.Called(ctx, subjectID)
	return args.Int(0), args.Error(1)
}

func (m *MockAuditRepository) ListSubjects(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

type MockLatestHashCache struct {
	mock.Mock
}

func (m *MockLatestHashCache) Get(ctx context.Context, subjectID string) (string, bool, error) {
	args := m.Called(ctx, subjectID)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *MockLatestHashCache) Set(ctx context.Context, subjectID, hash string) error {
	args := m.Called(ctx, subjectID, hash)
	return args.Error(0)
}

func (m *MockLatestHashCache) Invalidate(ctx context.Context, subjectID string) error {
	args := m.Called(ctx, subjectID)
	return args.Error(0)
}

func testLogger() logger.Logger {
	return logger.NewStructuredLogger(logger.LoggerConfig{
		Level:       "error",
		Format:      "text",
		ServiceName: "test",
	})
}

func TestAppend_GenesisRecord(t *testing.T) {
	repo := &MockAuditRepository{}
	l := ledger.NewLedger(repo, testLogger())

	repo.On("LatestHash", mock.Anything, "user-42").Return(nil, nil)
	repo.On("Insert", mock.Anything, mock.MatchedBy(func(r *domain.AuditRecord) bool {
		return r.SubjectID == "user-42" &&
			r.PreviousHash == nil &&
			r.Hash != "" &&
			r.ID != "" &&
			!r.Timestamp.IsZero()
	})).Return(nil)

	record, err := l.Append(context.Background(), domain.AuditEvent{
		SubjectID: "user-42",
		EventType: domain.EventConsentGranted,
	})

	require.NoError(t, err)
	assert.Nil(t, record.PreviousHash)
	repo.AssertExpectations(t)
}

func TestAppend_ChainsToLatestHash(t *testing.T) {
	repo := &MockAuditRepository{}
	l := ledger.NewLedger(repo, testLogger())

	head := "aabbcc"
	repo.On("LatestHash", mock.Anything, "user-42").Return(&head, nil)
	repo.On("Insert", mock.Anything, mock.MatchedBy(func(r *domain.AuditRecord) bool {
		return r.PreviousHash != nil && *r.PreviousHash == head
	})).Return(nil)

	record, err := l.Append(context.Background(), domain.AuditEvent{
		SubjectID: "user-42",
		EventType: domain.EventPaymentAuthorized,
		Metadata:  map[string]interface{}{"amount": 100},
	})

	require.NoError(t, err)
	require.NotNil(t, record.PreviousHash)
	assert.Equal(t, head, *record.PreviousHash)
	repo.AssertExpectations(t)
}

func TestAppend_UsesCacheAndUpdatesIt(t *testing.T) {
	repo := &MockAuditRepository{}
	cache := &MockLatestHashCache{}
	l := ledger.NewLedger(repo, testLogger(), ledger.WithCache(cache))

	cache.On("Get", mock.Anything, "user-42").Return("cachedhash", true, nil)
	repo.On("Insert", mock.Anything, mock.MatchedBy(func(r *domain.AuditRecord) bool {
		return r.PreviousHash != nil && *r.PreviousHash == "cachedhash"
	})).Return(nil)
	cache.On("Set", mock.Anything, "user-42", mock.Anything).Return(nil)

	_, err := l.Append(context.Background(), domain.AuditEvent{
		SubjectID: "user-42",
		EventType: domain.EventConsentRevoked,
	})

	require.NoError(t, err)
	// Cache hit: the store is never queried for the latest hash.
	repo.AssertNotCalled(t, "LatestHash", mock.Anything, mock.Anything)
	cache.AssertExpectations(t)
}

func TestAppend_ConflictInvalidatesCacheAndRetries(t *testing.T) {
	repo := &MockAuditRepository{}
	cache := &MockLatestHashCache{}
	l := ledger.NewLedger(repo, testLogger(), ledger.WithCache(cache))

	stale := "stalehash"
	fresh := "freshhash"

	cache.On("Get", mock.Anything, "user-42").Return(stale, true, nil).Once()
	repo.On("Insert", mock.Anything, mock.MatchedBy(func(r *domain.AuditRecord) bool {
		return r.PreviousHash != nil && *r.PreviousHash == stale
	})).Return(domain.ErrChainConflict).Once()
	cache.On("Invalidate", mock.Anything, "user-42").Return(nil).Once()

	cache.On("Get", mock.Anything, "user-42").Return("", false, nil).Once()
	repo.On("LatestHash", mock.Anything, "user-42").Return(&fresh, nil).Once()
	repo.On("Insert", mock.Anything, mock.MatchedBy(func(r *domain.AuditRecord) bool {
		return r.PreviousHash != nil && *r.PreviousHash == fresh
	})).Return(nil).Once()
	cache.On("Set", mock.Anything, "user-42", mock.Anything).Return(nil).Once()

	record, err := l.Append(context.Background(), domain.AuditEvent{
		SubjectID: "user-42",
		EventType: domain.EventExpenseApproved,
	})

	require.NoError(t, err)
	require.NotNil(t, record.PreviousHash)
	assert.Equal(t, fresh, *record.PreviousHash)
	repo.AssertExpectations(t)
	cache.AssertExpectations(t)
}

func TestAppend_GivesUpAfterRetryBudget(t *testing.T) {
	repo := &MockAuditRepository{}
	l := ledger.NewLedger(repo, testLogger(), ledger.WithMaxRetries(2))

	repo.On("LatestHash", mock.Anything, "user-42").Return(nil, nil)
	repo.On("Insert", mock.Anything, mock.Anything).Return(domain.ErrChainConflict)

	_, err := l.Append(context.Background(), domain.AuditEvent{
		SubjectID: "user-42",
		EventType: domain.EventConsentGranted,
	})

	assert.Error(t, err)
	// Initial attempt plus two retries.
	repo.AssertNumberOfCalls(t, "Insert", 3)
}
