package domain

import "errors"

var (
	// ErrAccountNotFound is returned when an account doesn't exist
	ErrAccountNotFound = errors.New("account not found")

	// ErrDuplicateAccountNumber is returned when creating an account with a
	// number that is already taken
	ErrDuplicateAccountNumber = errors.New("account number already exists")

	// ErrAccountNotEmpty is returned when deleting an account that still
	// holds funds
	ErrAccountNotEmpty = errors.New("account balance must be zero before deletion")

	// ErrInvalidAmount is returned when the operation amount is not a
	// positive decimal with at most two fractional digits
	ErrInvalidAmount = errors.New("invalid amount: must be positive")

	// ErrInvalidAccountNumber is returned when creating an account without
	// a usable account number
	ErrInvalidAccountNumber = errors.New("account number is required")

	// ErrInsufficientFunds is returned when a withdraw or transfer debit
	// would drive the balance negative
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrSameAccount is returned when source and destination of a transfer
	// are the same account
	ErrSameAccount = errors.New("source and destination must be different accounts")

	// ErrVersionConflict is returned by CompareAndSwap when the stored
	// version no longer matches the expected one; retried internally
	ErrVersionConflict = errors.New("account version conflict")

	// ErrConflict is surfaced to the caller once the internal retry budget
	// for version conflicts is exhausted
	ErrConflict = errors.New("operation conflicted with concurrent updates, retry")

	// ErrDuplicateOperation is returned by the audit log when a record with
	// the same operation id and type was already written
	ErrDuplicateOperation = errors.New("operation already recorded")

	// ErrStorageUnavailable wraps infrastructure failures of the backing
	// store; always safe to retry since no partial mutation can have occurred
	ErrStorageUnavailable = errors.New("storage unavailable")
)
