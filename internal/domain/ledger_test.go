package domain_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bancosol/ledger-service/internal/domain"
	"github.com/bancosol/ledger-service/internal/memstore"
)

// recordingPublisher captures published events for assertions. It can be
// switched into failure mode to verify that publish errors never reach
// the ledger caller.
type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.BalanceChangedEvent
	fail   bool
}

func (p *recordingPublisher) PublishBalanceChanged(_ context.Context, event domain.BalanceChangedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker down")
	}
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type fixture struct {
	store     *memstore.Store
	publisher *recordingPublisher
	ledger    *domain.LedgerService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	publisher := &recordingPublisher{}
	return &fixture{
		store:     store,
		publisher: publisher,
		ledger:    domain.NewLedgerService(store, store, store, publisher, zap.NewNop()),
	}
}

func (f *fixture) createAccount(t *testing.T, number, balance string) *domain.Account {
	t.Helper()
	account, err := f.ledger.CreateAccount(context.Background(), number, "holder "+number, uuid.New(), decimal.RequireFromString(balance))
	require.NoError(t, err)
	return account
}

func (f *fixture) balance(t *testing.T, id uuid.UUID) decimal.Decimal {
	t.Helper()
	account, err := f.ledger.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return account.Balance
}

func amount(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}

func TestDeposit(t *testing.T) {
	f := newFixture(t)
	account := f.createAccount(t, "ACC-001", "0")

	newBalance, err := f.ledger.Deposit(context.Background(), account.ID, amount("25.50"), "op-1")
	require.NoError(t, err)
	assert.True(t, newBalance.Equal(amount("25.50")))

	ops, err := f.store.FindByOperationID(context.Background(), "op-1")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, domain.OperationTypeDeposit, ops[0].Type)
	assert.Equal(t, domain.OperationStatusCompleted, ops[0].Status)
	assert.True(t, ops[0].BalanceAfter.Equal(amount("25.50")))
}

func TestDepositValidation(t *testing.T) {
	f := newFixture(t)
	account := f.createAccount(t, "ACC-001", "10")

	_, err := f.ledger.Deposit(context.Background(), account.ID, amount("-5"), "op-1")
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = f.ledger.Deposit(context.Background(), account.ID, decimal.Zero, "op-2")
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = f.ledger.Deposit(context.Background(), uuid.New(), amount("5"), "op-3")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)

	// No state was touched by any of the rejected requests.
	assert.True(t, f.balance(t, account.ID).Equal(amount("10")))
	ops, err := f.store.ListByAccount(context.Background(), account.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestDepositIdempotentReplay(t *testing.T) {
	f := newFixture(t)
	account := f.createAccount(t, "ACC-001", "0")

	first, err := f.ledger.Deposit(context.Background(), account.ID, amount("10"), "op-1")
	require.NoError(t, err)

	second, err := f.ledger.Deposit(context.Background(), account.ID, amount("10"), "op-1")
	require.NoError(t, err)

	// Exactly one balance increase and one audit record.
	assert.True(t, first.Equal(second))
	assert.True(t, f.balance(t, account.ID).Equal(amount("10")))
	ops, err := f.store.FindByOperationID(context.Background(), "op-1")
	require.NoError(t, err)
	assert.Len(t, ops, 1)
}

func TestWithdraw(t *testing.T) {
	f := newFixture(t)
	account := f.createAccount(t, "ACC-001", "100")

	newBalance, err := f.ledger.Withdraw(context.Background(), account.ID, amount("40"), "op-1")
	require.NoError(t, err)
	assert.True(t, newBalance.Equal(amount("60")))
}

func TestWithdrawInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	account := f.createAccount(t, "ACC-001", "30")

	_, err := f.ledger.Withdraw(context.Background(), account.ID, amount("30.01"), "op-1")
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.True(t, f.balance(t, account.ID).Equal(amount("30")))

	// The rejection is audited, and replaying the same key surfaces the
	// same rejection without re-evaluating.
	ops, err := f.store.FindByOperationID(context.Background(), "op-1")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, domain.OperationStatusRejected, ops[0].Status)

	_, err = f.ledger.Withdraw(context.Background(), account.ID, amount("30.01"), "op-1")
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
}

func TestWithdrawToZeroAllowed(t *testing.T) {
	f := newFixture(t)
	account := f.createAccount(t, "ACC-001", "30")

	newBalance, err := f.ledger.Withdraw(context.Background(), account.ID, amount("30"), "op-1")
	require.NoError(t, err)
	assert.True(t, newBalance.IsZero())
}

func TestTransfer(t *testing.T) {
	f := newFixture(t)
	source := f.createAccount(t, "ACC-001", "100")
	dest := f.createAccount(t, "ACC-002", "50")

	result, err := f.ledger.Transfer(context.Background(), source.ID, dest.ID, amount("30"), "op-1")
	require.NoError(t, err)
	assert.True(t, result.SourceBalance.Equal(amount("70")))
	assert.True(t, result.DestBalance.Equal(amount("80")))

	ops, err := f.store.FindByOperationID(context.Background(), "op-1")
	require.NoError(t, err)
	require.Len(t, ops, 2)

	byType := map[domain.OperationType]*domain.LedgerOperation{}
	for _, op := range ops {
		byType[op.Type] = op
	}
	debit := byType[domain.OperationTypeTransferDebit]
	credit := byType[domain.OperationTypeTransferCredit]
	require.NotNil(t, debit)
	require.NotNil(t, credit)
	assert.True(t, debit.Amount.Equal(credit.Amount))
	assert.Equal(t, source.ID, debit.AccountID)
	assert.Equal(t, dest.ID, credit.AccountID)
	require.NotNil(t, debit.CounterAccountID)
	require.NotNil(t, credit.CounterAccountID)
	assert.Equal(t, dest.ID, *debit.CounterAccountID)
	assert.Equal(t, source.ID, *credit.CounterAccountID)
	assert.True(t, debit.Timestamp.Equal(credit.Timestamp))
}

func TestTransferValidation(t *testing.T) {
	f := newFixture(t)
	source := f.createAccount(t, "ACC-001", "100")
	dest := f.createAccount(t, "ACC-002", "50")

	_, err := f.ledger.Transfer(context.Background(), source.ID, source.ID, amount("10"), "op-1")
	assert.ErrorIs(t, err, domain.ErrSameAccount)

	_, err = f.ledger.Transfer(context.Background(), source.ID, dest.ID, amount("0"), "op-2")
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = f.ledger.Transfer(context.Background(), source.ID, uuid.New(), amount("10"), "op-3")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)

	_, err = f.ledger.Transfer(context.Background(), source.ID, dest.ID, amount("100.01"), "op-4")
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	assert.True(t, f.balance(t, source.ID).Equal(amount("100")))
	assert.True(t, f.balance(t, dest.ID).Equal(amount("50")))
}

// TestLedgerScenario walks the reference scenario end to end: transfer,
// idempotent replay, then an overdraft attempt.
func TestLedgerScenario(t *testing.T) {
	f := newFixture(t)
	a := f.createAccount(t, "ACC-A", "100")
	b := f.createAccount(t, "ACC-B", "50")

	result, err := f.ledger.Transfer(context.Background(), a.ID, b.ID, amount("30"), "op-1")
	require.NoError(t, err)
	assert.True(t, result.SourceBalance.Equal(amount("70")))
	assert.True(t, result.DestBalance.Equal(amount("80")))

	ops, err := f.store.FindByOperationID(context.Background(), "op-1")
	require.NoError(t, err)
	assert.Len(t, ops, 2)

	// Replaying op-1 returns the same balances and writes nothing new.
	replayed, err := f.ledger.Transfer(context.Background(), a.ID, b.ID, amount("30"), "op-1")
	require.NoError(t, err)
	assert.True(t, replayed.SourceBalance.Equal(amount("70")))
	assert.True(t, replayed.DestBalance.Equal(amount("80")))

	ops, err = f.store.FindByOperationID(context.Background(), "op-1")
	require.NoError(t, err)
	assert.Len(t, ops, 2)

	_, err = f.ledger.Withdraw(context.Background(), a.ID, amount("1000"), "op-2")
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.True(t, f.balance(t, a.ID).Equal(amount("70")))
	assert.True(t, f.balance(t, b.ID).Equal(amount("80")))
}

// TestOppositeTransfersNoDeadlock interleaves transfers in both
// directions between the same pair of accounts. Both must complete and
// the final balances must reflect both.
func TestOppositeTransfersNoDeadlock(t *testing.T) {
	f := newFixture(t)
	a := f.createAccount(t, "ACC-A", "100")
	b := f.createAccount(t, "ACC-B", "100")

	var wg sync.WaitGroup
	errs := make([]error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = f.ledger.Transfer(context.Background(), a.ID, b.ID, amount("10"), "op-x")
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = f.ledger.Transfer(context.Background(), b.ID, a.ID, amount("5"), "op-y")
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("transfers deadlocked")
	}

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.True(t, f.balance(t, a.ID).Equal(amount("95")))
	assert.True(t, f.balance(t, b.ID).Equal(amount("105")))
}

// TestConcurrentTransfersConserveMoney hammers a small set of accounts
// with parallel transfers and checks that the total across all accounts
// never changes. Individual transfers are allowed to give up with
// ErrConflict; that still conserves money.
func TestConcurrentTransfersConserveMoney(t *testing.T) {
	f := newFixture(t)
	accounts := []*domain.Account{
		f.createAccount(t, "ACC-0", "1000"),
		f.createAccount(t, "ACC-1", "1000"),
		f.createAccount(t, "ACC-2", "1000"),
		f.createAccount(t, "ACC-3", "1000"),
	}
	total := amount("4000")

	const workers = 8
	const transfersPerWorker = 25

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < transfersPerWorker; i++ {
				source := accounts[(w+i)%len(accounts)]
				dest := accounts[(w+i+1)%len(accounts)]
				opID := uuid.New().String()
				_, err := f.ledger.Transfer(context.Background(), source.ID, dest.ID, amount("3"), opID)
				if err != nil && !errors.Is(err, domain.ErrConflict) && !errors.Is(err, domain.ErrInsufficientFunds) {
					t.Errorf("unexpected transfer error: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	sum := decimal.Zero
	for _, account := range accounts {
		balance := f.balance(t, account.ID)
		assert.False(t, balance.IsNegative(), "account %s went negative", account.AccountNumber)
		sum = sum.Add(balance)
	}
	assert.True(t, sum.Equal(total), "expected total %s, got %s", total, sum)
}

// failingAudit wraps the store and fails every Append, simulating a crash
// between the balance mutation and the audit write.
type failingAudit struct {
	*memstore.Store
}

func (f *failingAudit) Append(context.Context, *domain.LedgerOperation) error {
	return errors.New("audit log write failed")
}

// TestAtomicityUnderAppendFailure verifies that when the audit append
// fails, the balance mutation staged in the same transaction never
// becomes visible: both applied or neither.
func TestAtomicityUnderAppendFailure(t *testing.T) {
	store := memstore.New()
	ledger := domain.NewLedgerService(store, &failingAudit{store}, store, nil, zap.NewNop())

	account := domain.NewAccount("ACC-001", "holder", uuid.New(), amount("100"))
	require.NoError(t, store.Create(context.Background(), account))

	_, err := ledger.Deposit(context.Background(), account.ID, amount("10"), "op-1")
	require.Error(t, err)

	stored, err := store.Get(context.Background(), account.ID)
	require.NoError(t, err)
	assert.True(t, stored.Balance.Equal(amount("100")), "balance changed without an audit record")
	assert.Equal(t, int64(1), stored.Version)

	ops, err := store.FindByOperationID(context.Background(), "op-1")
	require.NoError(t, err)
	assert.Empty(t, ops)
}

// conflictingAccounts wraps the store so every CAS reports a version
// conflict, forcing the retry budget to run out.
type conflictingAccounts struct {
	*memstore.Store
}

func (c *conflictingAccounts) CompareAndSwap(context.Context, uuid.UUID, int64, decimal.Decimal) (int64, error) {
	return 0, domain.ErrVersionConflict
}

func TestConflictAfterRetriesExhausted(t *testing.T) {
	store := memstore.New()
	ledger := domain.NewLedgerService(&conflictingAccounts{store}, store, store, nil, zap.NewNop())

	account := domain.NewAccount("ACC-001", "holder", uuid.New(), amount("100"))
	require.NoError(t, store.Create(context.Background(), account))

	_, err := ledger.Deposit(context.Background(), account.ID, amount("10"), "op-1")
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestEventsPublishedAfterCommit(t *testing.T) {
	f := newFixture(t)
	source := f.createAccount(t, "ACC-001", "100")
	dest := f.createAccount(t, "ACC-002", "0")

	_, err := f.ledger.Deposit(context.Background(), source.ID, amount("10"), "op-1")
	require.NoError(t, err)
	_, err = f.ledger.Transfer(context.Background(), source.ID, dest.ID, amount("20"), "op-2")
	require.NoError(t, err)

	// One event for the deposit, one per transfer leg.
	require.Eventually(t, func() bool { return f.publisher.count() == 3 }, 2*time.Second, 10*time.Millisecond)

	f.publisher.mu.Lock()
	defer f.publisher.mu.Unlock()
	types := map[string]int{}
	for _, event := range f.publisher.events {
		types[event.OperationType]++
	}
	assert.Equal(t, 1, types[string(domain.OperationTypeDeposit)])
	assert.Equal(t, 1, types[string(domain.OperationTypeTransferDebit)])
	assert.Equal(t, 1, types[string(domain.OperationTypeTransferCredit)])
}

func TestPublishFailureDoesNotFailOperation(t *testing.T) {
	f := newFixture(t)
	f.publisher.fail = true
	account := f.createAccount(t, "ACC-001", "0")

	newBalance, err := f.ledger.Deposit(context.Background(), account.ID, amount("10"), "op-1")
	require.NoError(t, err)
	assert.True(t, newBalance.Equal(amount("10")))
}

func TestCreateAccount(t *testing.T) {
	f := newFixture(t)

	account := f.createAccount(t, "ACC-001", "50")
	assert.Equal(t, int64(1), account.Version)
	assert.True(t, account.Balance.Equal(amount("50")))

	_, err := f.ledger.CreateAccount(context.Background(), "ACC-001", "someone else", uuid.New(), decimal.Zero)
	assert.ErrorIs(t, err, domain.ErrDuplicateAccountNumber)

	_, err = f.ledger.CreateAccount(context.Background(), "", "no number", uuid.New(), decimal.Zero)
	assert.ErrorIs(t, err, domain.ErrInvalidAccountNumber)

	byNumber, err := f.ledger.GetAccountByNumber(context.Background(), "ACC-001")
	require.NoError(t, err)
	assert.Equal(t, account.ID, byNumber.ID)
}

func TestDeleteAccountPolicy(t *testing.T) {
	f := newFixture(t)
	funded := f.createAccount(t, "ACC-001", "10")
	empty := f.createAccount(t, "ACC-002", "0")

	// Deleting a funded account is an explicit policy violation.
	err := f.ledger.DeleteAccount(context.Background(), funded.ID)
	assert.ErrorIs(t, err, domain.ErrAccountNotEmpty)

	require.NoError(t, f.ledger.DeleteAccount(context.Background(), empty.ID))
	_, err = f.ledger.GetAccount(context.Background(), empty.ID)
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestListOperations(t *testing.T) {
	f := newFixture(t)
	account := f.createAccount(t, "ACC-001", "100")

	_, err := f.ledger.Deposit(context.Background(), account.ID, amount("10"), "op-1")
	require.NoError(t, err)
	_, err = f.ledger.Withdraw(context.Background(), account.ID, amount("5"), "op-2")
	require.NoError(t, err)

	ops, err := f.ledger.ListOperations(context.Background(), account.ID, 10)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	// Newest first.
	assert.Equal(t, "op-2", ops[0].OperationID)
	assert.Equal(t, "op-1", ops[1].OperationID)

	_, err = f.ledger.ListOperations(context.Background(), uuid.New(), 10)
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}
