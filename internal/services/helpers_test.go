package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/nimasrn/otp-gateway/internal/catalog"
	gateway "github.com/nimasrn/otp-gateway/internal/gateways"
	"github.com/nimasrn/otp-gateway/internal/model"
	"github.com/nimasrn/otp-gateway/internal/repository"
	"github.com/nimasrn/otp-gateway/pkg/logger"
	"github.com/nimasrn/otp-gateway/pkg/pg"
	"github.com/nimasrn/otp-gateway/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) Service() string { return "wa" }

func (m *MockProvider) Available() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockProvider) AcquireNumber(ctx context.Context, countryCode int) (gateway.NumberResult, error) {
	args := m.Called(ctx, countryCode)
	return args.Get(0).(gateway.NumberResult), args.Error(1)
}

func (m *MockProvider) GetStatus(ctx context.Context, rentalID string) (string, error) {
	args := m.Called(ctx, rentalID)
	return args.String(0), args.Error(1)
}

func (m *MockProvider) SetStatus(ctx context.Context, rentalID string, status int) (string, error) {
	args := m.Called(ctx, rentalID, status)
	return args.String(0), args.Error(1)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishJSON(ctx context.Context, data interface{}, metadata map[string]string) (string, error) {
	args := m.Called(ctx, data, metadata)
	return args.String(0), args.Error(1)
}

func newRedis(t *testing.T) (redis.RedisAdapter, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return redis.NewFromClient(client, "otp:"), mr
}

type testEnv struct {
	db        *pg.DB
	accounts  *repository.AccountRepository
	rentals   *repository.RentalRepository
	journal   *repository.TransactionRepository
	ledger    *LedgerService
	refunds   *RefundService
	provider  *MockProvider
	publisher *MockPublisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := repository.NewTestDB(t)
	e := &testEnv{
		db:        db,
		accounts:  repository.NewAccountRepository(db),
		rentals:   repository.NewRentalRepository(db),
		journal:   repository.NewTransactionRepository(db),
		provider:  new(MockProvider),
		publisher: new(MockPublisher),
	}
	e.ledger = NewLedgerService(db, e.accounts, e.journal, 0, logger.NewNop())
	e.refunds = NewRefundService(e.ledger, e.rentals, e.publisher, logger.NewNop())
	return e
}

func (e *testEnv) numbers(guard CancelGuard, opts NumberOptions) *NumberService {
	return NewNumberService(catalog.New(catalog.DefaultSlug), e.ledger, e.refunds, e.rentals, e.journal, e.provider, guard, opts, logger.NewNop())
}

func (e *testEnv) account(t *testing.T, email string, balance uint) *model.Account {
	t.Helper()
	acc, err := e.accounts.Create(context.Background(), email, balance)
	require.NoError(t, err)
	return acc
}

func (e *testEnv) balance(t *testing.T, id int64) uint {
	t.Helper()
	b, err := e.accounts.GetBalance(context.Background(), id)
	require.NoError(t, err)
	return b
}

func (e *testEnv) journalLines(t *testing.T, accountID int64) []*model.Transaction {
	t.Helper()
	var rows []*repository.TransactionEntity
	err := e.db.Read(context.Background()).Where("account_id = ?", accountID).Order("id DESC").Find(&rows).Error
	require.NoError(t, err)

	lines := make([]*model.Transaction, len(rows))
	for i, r := range rows {
		lines[i] = &model.Transaction{
			ID:        r.ID,
			AccountID: r.AccountID,
			Amount:    r.Amount,
			Type:      model.TransactionType(r.Type),
			Reference: r.Reference,
			RentalID:  r.RentalID,
		}
	}
	return lines
}

func (e *testEnv) journalLine(t *testing.T, accountID int64, reference string) *model.Transaction {
	t.Helper()
	for _, l := range e.journalLines(t, accountID) {
		if l.Reference == reference {
			return l
		}
	}
	t.Fatalf("no journal line %q", reference)
	return nil
}

var errConnRefused = errors.New("dial tcp 127.0.0.1:5432: connect: connection refused")

// memAccounts is an in-memory wallet store with the same compare-and-set
// contract as the gorm repository.
type memAccounts struct {
	mu       sync.Mutex
	balances map[int64]uint
	failAdd  bool
}

func newMemAccounts(balances map[int64]uint) *memAccounts {
	return &memAccounts{balances: balances}
}

func (m *memAccounts) FindAccountIDByAPIKey(ctx context.Context, key string) (int64, error) {
	return 0, repository.ErrAPIKeyNotFound
}

func (m *memAccounts) GetByID(ctx context.Context, id int64) (*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balances[id]
	if !ok {
		return nil, repository.ErrAccountNotFound
	}
	return &model.Account{ID: id, Balance: b}, nil
}

func (m *memAccounts) GetBalance(ctx context.Context, id int64) (uint, error) {
	acc, err := m.GetByID(ctx, id)
	if err != nil {
		return 0, err
	}
	return acc.Balance, nil
}

func (m *memAccounts) DeductBalance(ctx context.Context, id int64, amount uint) (uint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balances[id]
	if !ok {
		return 0, repository.ErrAccountNotFound
	}
	if b < amount {
		return b, repository.ErrInsufficientBalance
	}
	m.balances[id] = b - amount
	return b - amount, nil
}

func (m *memAccounts) AddBalance(ctx context.Context, id int64, amount uint) (uint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAdd {
		return 0, errConnRefused
	}
	b, ok := m.balances[id]
	if !ok {
		return 0, repository.ErrAccountNotFound
	}
	m.balances[id] = b + amount
	return b + amount, nil
}

type memJournal struct {
	mu   sync.Mutex
	refs map[string]*model.Transaction
}

func newMemJournal() *memJournal {
	return &memJournal{refs: make(map[string]*model.Transaction)}
}

func (m *memJournal) Create(ctx context.Context, txn *model.Transaction) (*model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.refs[txn.Reference]; ok {
		return nil, repository.ErrDuplicateReference
	}
	cp := *txn
	cp.ID = int64(len(m.refs) + 1)
	m.refs[txn.Reference] = &cp
	return &cp, nil
}

func (m *memJournal) ExistsReference(ctx context.Context, reference string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.refs[reference]
	return ok, nil
}

func (m *memJournal) AttachRental(ctx context.Context, reference string, rentalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.refs[reference]
	if !ok {
		return repository.ErrTransactionNotFound
	}
	t.RentalID = &rentalID
	return nil
}

type noTx struct{}

func (noTx) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
