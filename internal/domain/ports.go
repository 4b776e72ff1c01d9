package domain

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AccountStore defines the interface for durable account storage.
// CompareAndSwap is the sole mutation primitive for balances: there is no
// unconditional save, so every write is version-checked.
type AccountStore interface {
	// Get retrieves an account by its unique identifier.
	// Returns ErrAccountNotFound if the account doesn't exist.
	Get(ctx context.Context, id uuid.UUID) (*Account, error)

	// GetByNumber retrieves an account by its external account number.
	GetByNumber(ctx context.Context, accountNumber string) (*Account, error)

	// List returns all accounts.
	List(ctx context.Context) ([]*Account, error)

	// Create persists a new account.
	// Returns ErrDuplicateAccountNumber if the number is already taken.
	Create(ctx context.Context, account *Account) error

	// CompareAndSwap atomically sets the balance if the stored version
	// still equals expectedVersion, incrementing the version. Returns the
	// new version on success, ErrVersionConflict if the version moved, or
	// ErrAccountNotFound if the account doesn't exist.
	CompareAndSwap(ctx context.Context, id uuid.UUID, expectedVersion int64, newBalance decimal.Decimal) (int64, error)

	// Delete removes an account. Only accounts with a zero balance may be
	// deleted; ErrAccountNotEmpty is returned otherwise.
	Delete(ctx context.Context, id uuid.UUID) error
}

// AuditLog defines the interface for the append-only operation log.
// An Append and the CompareAndSwap it records must be committed in the
// same transaction (see TransactionManager).
type AuditLog interface {
	// Append writes one audit record. Returns ErrDuplicateOperation if a
	// record with the same operation id and type was already written.
	Append(ctx context.Context, op *LedgerOperation) error

	// FindByOperationID returns all records written under an idempotency
	// key: two for a completed transfer, one otherwise, none if the key
	// was never committed. Used for idempotent replay.
	FindByOperationID(ctx context.Context, operationID string) ([]*LedgerOperation, error)

	// ListByAccount returns the most recent records touching an account,
	// newest first.
	ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]*LedgerOperation, error)
}

// TransactionManager executes a function within one atomic storage
// transaction. All store calls made with the derived context commit or
// roll back together; this is what keeps a balance mutation and its
// audit record inseparable.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// EventPublisher publishes balance-changed events to external consumers
// after a mutation commits. Publishing is best-effort: failures are
// logged by the caller and never surfaced as ledger errors.
type EventPublisher interface {
	PublishBalanceChanged(ctx context.Context, event BalanceChangedEvent) error
}
