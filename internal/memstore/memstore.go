// Package memstore provides in-memory implementations of the ledger's
// storage ports with the same optimistic-concurrency semantics as the
// PostgreSQL layer. It backs the unit tests and local development runs
// where no database is available.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bancosol/ledger-service/internal/domain"
)

// Store implements domain.AccountStore, domain.AuditLog and
// domain.TransactionManager over process memory.
//
// A transaction stages its CompareAndSwap and Append calls and applies
// them under the store mutex at commit time, re-verifying every version
// check against the committed state. Either all staged writes land or
// none do, mirroring the database transaction boundary.
type Store struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*domain.Account
	byNumber map[string]uuid.UUID
	ops      map[opKey]*domain.LedgerOperation
	opList   []*domain.LedgerOperation
}

type opKey struct {
	operationID string
	opType      domain.OperationType
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		accounts: make(map[uuid.UUID]*domain.Account),
		byNumber: make(map[string]uuid.UUID),
		ops:      make(map[opKey]*domain.LedgerOperation),
	}
}

type txKey struct{}

type casOp struct {
	id              uuid.UUID
	expectedVersion int64
	newBalance      decimal.Decimal
}

type txState struct {
	cas     []casOp
	appends []*domain.LedgerOperation
}

func txOf(ctx context.Context) *txState {
	if st, ok := ctx.Value(txKey{}).(*txState); ok {
		return st
	}
	return nil
}

// WithTransaction implements domain.TransactionManager. The staged writes
// are committed atomically once fn returns without error.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	state := &txState{}
	if err := fn(context.WithValue(ctx, txKey{}, state)); err != nil {
		return err
	}
	return s.commit(state)
}

func (s *Store) commit(state *txState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Verify everything before touching anything.
	for _, op := range state.cas {
		account, ok := s.accounts[op.id]
		if !ok {
			return domain.ErrAccountNotFound
		}
		if account.Version != op.expectedVersion {
			return domain.ErrVersionConflict
		}
	}
	for _, record := range state.appends {
		if _, exists := s.ops[opKey{record.OperationID, record.Type}]; exists {
			return domain.ErrDuplicateOperation
		}
	}

	for _, op := range state.cas {
		account := s.accounts[op.id]
		account.Balance = op.newBalance
		account.Version++
		account.UpdatedAt = time.Now().UTC()
	}
	for _, record := range state.appends {
		s.appendLocked(record)
	}
	return nil
}

// Get retrieves an account by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return cloneAccount(account), nil
}

// GetByNumber retrieves an account by its external number.
func (s *Store) GetByNumber(ctx context.Context, accountNumber string) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byNumber[accountNumber]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return cloneAccount(s.accounts[id]), nil
}

// List returns all accounts ordered by creation time.
func (s *Store) List(ctx context.Context) ([]*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	accounts := make([]*domain.Account, 0, len(s.accounts))
	for _, account := range s.accounts {
		accounts = append(accounts, cloneAccount(account))
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].CreatedAt.Before(accounts[j].CreatedAt)
	})
	return accounts, nil
}

// Create persists a new account.
func (s *Store) Create(ctx context.Context, account *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byNumber[account.AccountNumber]; exists {
		return domain.ErrDuplicateAccountNumber
	}
	s.accounts[account.ID] = cloneAccount(account)
	s.byNumber[account.AccountNumber] = account.ID
	return nil
}

// CompareAndSwap stages the version-checked balance update when running
// inside a transaction, or applies it immediately otherwise. Both paths
// fail fast on a stale version; the staged path is re-verified at commit.
func (s *Store) CompareAndSwap(ctx context.Context, id uuid.UUID, expectedVersion int64, newBalance decimal.Decimal) (int64, error) {
	s.mu.Lock()
	account, ok := s.accounts[id]
	if !ok {
		s.mu.Unlock()
		return 0, domain.ErrAccountNotFound
	}
	if account.Version != expectedVersion {
		s.mu.Unlock()
		return 0, domain.ErrVersionConflict
	}

	if st := txOf(ctx); st != nil {
		s.mu.Unlock()
		st.cas = append(st.cas, casOp{id: id, expectedVersion: expectedVersion, newBalance: newBalance})
		return expectedVersion + 1, nil
	}

	account.Balance = newBalance
	account.Version++
	account.UpdatedAt = time.Now().UTC()
	version := account.Version
	s.mu.Unlock()
	return version, nil
}

// Delete removes an account with a zero balance.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[id]
	if !ok {
		return domain.ErrAccountNotFound
	}
	if !account.Balance.IsZero() {
		return domain.ErrAccountNotEmpty
	}
	delete(s.byNumber, account.AccountNumber)
	delete(s.accounts, id)
	return nil
}

// Append stages or writes one audit record.
func (s *Store) Append(ctx context.Context, op *domain.LedgerOperation) error {
	key := opKey{op.OperationID, op.Type}

	s.mu.Lock()
	_, exists := s.ops[key]
	s.mu.Unlock()
	if exists {
		return domain.ErrDuplicateOperation
	}

	if st := txOf(ctx); st != nil {
		for _, staged := range st.appends {
			if staged.OperationID == op.OperationID && staged.Type == op.Type {
				return domain.ErrDuplicateOperation
			}
		}
		st.appends = append(st.appends, op)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.ops[key]; exists {
		return domain.ErrDuplicateOperation
	}
	s.appendLocked(op)
	return nil
}

// FindByOperationID returns all committed records under an idempotency key.
func (s *Store) FindByOperationID(ctx context.Context, operationID string) ([]*domain.LedgerOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found []*domain.LedgerOperation
	for _, op := range s.opList {
		if op.OperationID == operationID {
			found = append(found, cloneOperation(op))
		}
	}
	return found, nil
}

// ListByAccount returns committed records touching an account, newest first.
func (s *Store) ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]*domain.LedgerOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found []*domain.LedgerOperation
	for i := len(s.opList) - 1; i >= 0 && len(found) < limit; i-- {
		if s.opList[i].AccountID == accountID {
			found = append(found, cloneOperation(s.opList[i]))
		}
	}
	return found, nil
}

func (s *Store) appendLocked(op *domain.LedgerOperation) {
	clone := cloneOperation(op)
	s.ops[opKey{op.OperationID, op.Type}] = clone
	s.opList = append(s.opList, clone)
}

func cloneAccount(account *domain.Account) *domain.Account {
	clone := *account
	return &clone
}

func cloneOperation(op *domain.LedgerOperation) *domain.LedgerOperation {
	clone := *op
	if op.CounterAccountID != nil {
		counter := *op.CounterAccountID
		clone.CounterAccountID = &counter
	}
	return &clone
}
