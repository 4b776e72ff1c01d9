package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Account represents a bank account in the ledger.
// The balance is only ever mutated through LedgerService operations;
// Version is the optimistic-concurrency token checked by CompareAndSwap.
type Account struct {
	ID            uuid.UUID       // Unique identifier of the account
	AccountNumber string          // Externally visible account number, immutable after creation
	Holder        string          // Display name of the account holder
	OwnerID       uuid.UUID       // Identity that owns the account
	Balance       decimal.Decimal // Current balance, never negative between transactions
	Version       int64           // Incremented on every successful mutation
	CreatedAt     time.Time       // Timestamp when the account was created
	UpdatedAt     time.Time       // Timestamp of the last balance mutation
}

// NewAccount creates a new Account with the given number, holder and
// initial balance. The version starts at 1.
func NewAccount(accountNumber, holder string, ownerID uuid.UUID, initialBalance decimal.Decimal) *Account {
	now := time.Now().UTC()
	return &Account{
		ID:            uuid.New(),
		AccountNumber: accountNumber,
		Holder:        holder,
		OwnerID:       ownerID,
		Balance:       initialBalance,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// OperationType identifies the kind of balance mutation an audit record
// describes. A transfer produces exactly one debit and one credit record.
type OperationType string

const (
	OperationTypeDeposit        OperationType = "DEPOSIT"
	OperationTypeWithdraw       OperationType = "WITHDRAW"
	OperationTypeTransferDebit  OperationType = "TRANSFER_DEBIT"
	OperationTypeTransferCredit OperationType = "TRANSFER_CREDIT"
)

// OperationStatus represents the terminal state of a ledger operation.
type OperationStatus string

const (
	OperationStatusCompleted OperationStatus = "COMPLETED"
	OperationStatusRejected  OperationStatus = "REJECTED"
)

// LedgerOperation is an immutable audit record describing one balance
// mutation (or one rejected attempt). Records are append-only: they are
// never updated or deleted once written.
type LedgerOperation struct {
	ID               uuid.UUID       // Primary key of the audit row
	OperationID      string          // Idempotency key; unique per (OperationID, Type)
	Type             OperationType   // What kind of mutation this records
	AccountID        uuid.UUID       // Account whose balance changed
	CounterAccountID *uuid.UUID      // The other leg of a transfer, nil otherwise
	Amount           decimal.Decimal // Amount moved, always positive
	BalanceAfter     decimal.Decimal // Account balance after the mutation
	Status           OperationStatus // COMPLETED or REJECTED
	Timestamp        time.Time       // When the operation committed
}

// NewOperation builds a completed audit record.
func NewOperation(operationID string, opType OperationType, accountID uuid.UUID, counterAccountID *uuid.UUID, amount, balanceAfter decimal.Decimal, at time.Time) *LedgerOperation {
	return &LedgerOperation{
		ID:               uuid.New(),
		OperationID:      operationID,
		Type:             opType,
		AccountID:        accountID,
		CounterAccountID: counterAccountID,
		Amount:           amount,
		BalanceAfter:     balanceAfter,
		Status:           OperationStatusCompleted,
		Timestamp:        at,
	}
}

// NewRejectedOperation builds an audit record for an attempt that was
// refused by a business rule (insufficient funds). The balance is the
// one observed at rejection time and is unchanged by the operation.
func NewRejectedOperation(operationID string, opType OperationType, accountID uuid.UUID, counterAccountID *uuid.UUID, amount, balance decimal.Decimal, at time.Time) *LedgerOperation {
	op := NewOperation(operationID, opType, accountID, counterAccountID, amount, balance, at)
	op.Status = OperationStatusRejected
	return op
}

// TransferResult holds the post-commit balances of both legs of a transfer.
type TransferResult struct {
	SourceBalance decimal.Decimal
	DestBalance   decimal.Decimal
}

// BalanceChangedEvent is the payload published to the notification
// exchange after a successful mutation. Delivery is best-effort and
// at-least-once; consumers must deduplicate on eventId or operationId.
type BalanceChangedEvent struct {
	EventID       string `json:"eventId"`
	OperationID   string `json:"operationId"`
	AccountID     string `json:"accountId"`
	OperationType string `json:"operationType"`
	Amount        string `json:"amount"`
	BalanceAfter  string `json:"balanceAfter"`
	Timestamp     string `json:"timestamp"`
}

// NewBalanceChangedEvent builds the notification payload for a committed
// audit record.
func NewBalanceChangedEvent(op *LedgerOperation) BalanceChangedEvent {
	return BalanceChangedEvent{
		EventID:       uuid.New().String(),
		OperationID:   op.OperationID,
		AccountID:     op.AccountID.String(),
		OperationType: string(op.Type),
		Amount:        op.Amount.StringFixed(2),
		BalanceAfter:  op.BalanceAfter.StringFixed(2),
		Timestamp:     op.Timestamp.UTC().Format(time.RFC3339),
	}
}
