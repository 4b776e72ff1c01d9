package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	// Version conflicts are retried this many times before the caller
	// receives ErrConflict and must resubmit.
	defaultMaxRetries = 5

	// First backoff delay; doubled after every failed attempt.
	defaultRetryBackoff = 5 * time.Millisecond

	// Ceiling for the doubling backoff.
	maxRetryBackoff = 100 * time.Millisecond

	// Budget for the asynchronous post-commit event publish.
	publishTimeout = 5 * time.Second
)

// LedgerService orchestrates deposits, withdrawals and transfers against
// the AccountStore and AuditLog, enforcing the money-conservation and
// non-negative-balance invariants under concurrent access.
//
// Per-account mutation is serialized through optimistic concurrency: every
// write is a version-checked CompareAndSwap, and a conflict triggers a
// bounded, capped-backoff retry. Within a transfer the two CAS updates run
// in ascending account-id order, so two concurrent opposite-direction
// transfers between the same pair of accounts cannot deadlock.
type LedgerService struct {
	accounts  AccountStore
	audit     AuditLog
	txManager TransactionManager
	// Optional publisher for post-commit balance-changed events.
	publisher EventPublisher
	logger    *zap.Logger

	maxRetries   int
	retryBackoff time.Duration
}

// NewLedgerService creates a LedgerService. Pass nil for publisher if no
// events should be emitted.
func NewLedgerService(
	accounts AccountStore,
	audit AuditLog,
	txManager TransactionManager,
	publisher EventPublisher,
	logger *zap.Logger,
) *LedgerService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerService{
		accounts:     accounts,
		audit:        audit,
		txManager:    txManager,
		publisher:    publisher,
		logger:       logger,
		maxRetries:   defaultMaxRetries,
		retryBackoff: defaultRetryBackoff,
	}
}

// Deposit adds amount to the account's balance. Idempotent on operationID:
// a replay returns the already-committed balance without re-mutating.
func (s *LedgerService) Deposit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, operationID string) (decimal.Decimal, error) {
	if err := ValidateAmount(amount); err != nil {
		return decimal.Zero, err
	}

	if balance, replayed, err := s.replaySingle(ctx, operationID, OperationTypeDeposit); err != nil || replayed {
		return balance, err
	}

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if err := s.backoff(ctx, attempt); err != nil {
			return decimal.Zero, err
		}

		account, err := s.accounts.Get(ctx, accountID)
		if err != nil {
			return decimal.Zero, err
		}

		newBalance := account.Balance.Add(amount)
		record := NewOperation(operationID, OperationTypeDeposit, account.ID, nil, amount, newBalance, time.Now().UTC())

		err = s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
			if _, err := s.accounts.CompareAndSwap(txCtx, account.ID, account.Version, newBalance); err != nil {
				return err
			}
			return s.audit.Append(txCtx, record)
		})
		switch {
		case err == nil:
			s.logger.Info("deposit committed",
				zap.String("operation_id", operationID),
				zap.String("account_id", account.ID.String()),
				zap.String("amount", amount.StringFixed(2)))
			s.publishAsync(record)
			return newBalance, nil
		case errors.Is(err, ErrVersionConflict):
			continue
		case errors.Is(err, ErrDuplicateOperation):
			// A concurrent request with the same operationID committed
			// first; hand back its result.
			balance, _, rerr := s.replaySingle(ctx, operationID, OperationTypeDeposit)
			return balance, rerr
		default:
			return decimal.Zero, err
		}
	}

	return decimal.Zero, ErrConflict
}

// Withdraw subtracts amount from the account's balance, rejecting with
// ErrInsufficientFunds when the balance doesn't cover it. The sufficiency
// check and the CompareAndSwap use the same balance snapshot, so a stale
// read can never produce an overdraft: a concurrent mutation bumps the
// version and the CAS fails instead.
func (s *LedgerService) Withdraw(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, operationID string) (decimal.Decimal, error) {
	if err := ValidateAmount(amount); err != nil {
		return decimal.Zero, err
	}

	if balance, replayed, err := s.replaySingle(ctx, operationID, OperationTypeWithdraw); err != nil || replayed {
		return balance, err
	}

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if err := s.backoff(ctx, attempt); err != nil {
			return decimal.Zero, err
		}

		account, err := s.accounts.Get(ctx, accountID)
		if err != nil {
			return decimal.Zero, err
		}

		if account.Balance.LessThan(amount) {
			s.recordRejection(ctx, NewRejectedOperation(operationID, OperationTypeWithdraw, account.ID, nil, amount, account.Balance, time.Now().UTC()))
			return decimal.Zero, ErrInsufficientFunds
		}

		newBalance := account.Balance.Sub(amount)
		record := NewOperation(operationID, OperationTypeWithdraw, account.ID, nil, amount, newBalance, time.Now().UTC())

		err = s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
			if _, err := s.accounts.CompareAndSwap(txCtx, account.ID, account.Version, newBalance); err != nil {
				return err
			}
			return s.audit.Append(txCtx, record)
		})
		switch {
		case err == nil:
			s.logger.Info("withdrawal committed",
				zap.String("operation_id", operationID),
				zap.String("account_id", account.ID.String()),
				zap.String("amount", amount.StringFixed(2)))
			s.publishAsync(record)
			return newBalance, nil
		case errors.Is(err, ErrVersionConflict):
			continue
		case errors.Is(err, ErrDuplicateOperation):
			balance, _, rerr := s.replaySingle(ctx, operationID, OperationTypeWithdraw)
			return balance, rerr
		default:
			return decimal.Zero, err
		}
	}

	return decimal.Zero, ErrConflict
}

// Transfer moves amount from the source account to the destination
// account. Either both the debit and the credit commit together with both
// audit records, or nothing does; no partial transfer is ever observable.
func (s *LedgerService) Transfer(ctx context.Context, sourceID, destID uuid.UUID, amount decimal.Decimal, operationID string) (*TransferResult, error) {
	if err := ValidateAmount(amount); err != nil {
		return nil, err
	}
	if sourceID == destID {
		return nil, ErrSameAccount
	}

	if result, replayed, err := s.replayTransfer(ctx, operationID); err != nil || replayed {
		return result, err
	}

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if err := s.backoff(ctx, attempt); err != nil {
			return nil, err
		}

		source, err := s.accounts.Get(ctx, sourceID)
		if err != nil {
			return nil, err
		}
		dest, err := s.accounts.Get(ctx, destID)
		if err != nil {
			return nil, err
		}

		if source.Balance.LessThan(amount) {
			now := time.Now().UTC()
			s.recordRejection(ctx, NewRejectedOperation(operationID, OperationTypeTransferDebit, source.ID, &dest.ID, amount, source.Balance, now))
			return nil, ErrInsufficientFunds
		}

		newSourceBalance := source.Balance.Sub(amount)
		newDestBalance := dest.Balance.Add(amount)

		now := time.Now().UTC()
		debit := NewOperation(operationID, OperationTypeTransferDebit, source.ID, &dest.ID, amount, newSourceBalance, now)
		credit := NewOperation(operationID, OperationTypeTransferCredit, dest.ID, &source.ID, amount, newDestBalance, now)

		err = s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
			// CAS in ascending account-id order so concurrent
			// opposite-direction transfers acquire row locks in the same
			// order and cannot deadlock.
			first, second := source, dest
			firstBalance, secondBalance := newSourceBalance, newDestBalance
			if dest.ID.String() < source.ID.String() {
				first, second = dest, source
				firstBalance, secondBalance = newDestBalance, newSourceBalance
			}

			if _, err := s.accounts.CompareAndSwap(txCtx, first.ID, first.Version, firstBalance); err != nil {
				return err
			}
			if _, err := s.accounts.CompareAndSwap(txCtx, second.ID, second.Version, secondBalance); err != nil {
				return err
			}
			if err := s.audit.Append(txCtx, debit); err != nil {
				return err
			}
			return s.audit.Append(txCtx, credit)
		})
		switch {
		case err == nil:
			s.logger.Info("transfer committed",
				zap.String("operation_id", operationID),
				zap.String("source_account_id", source.ID.String()),
				zap.String("dest_account_id", dest.ID.String()),
				zap.String("amount", amount.StringFixed(2)))
			s.publishAsync(debit, credit)
			return &TransferResult{SourceBalance: newSourceBalance, DestBalance: newDestBalance}, nil
		case errors.Is(err, ErrVersionConflict):
			continue
		case errors.Is(err, ErrDuplicateOperation):
			result, _, rerr := s.replayTransfer(ctx, operationID)
			return result, rerr
		default:
			return nil, err
		}
	}

	return nil, ErrConflict
}

// CreateAccount registers a new account. The account number and initial
// balance are the only caller-controlled fields that reach storage;
// everything else is assigned here.
func (s *LedgerService) CreateAccount(ctx context.Context, accountNumber, holder string, ownerID uuid.UUID, initialBalance decimal.Decimal) (*Account, error) {
	if accountNumber == "" {
		return nil, ErrInvalidAccountNumber
	}
	if initialBalance.IsNegative() {
		return nil, ErrInvalidAmount
	}

	account := NewAccount(accountNumber, holder, ownerID, initialBalance)
	if err := s.accounts.Create(ctx, account); err != nil {
		return nil, err
	}

	s.logger.Info("account created",
		zap.String("account_id", account.ID.String()),
		zap.String("account_number", account.AccountNumber))
	return account, nil
}

// GetAccount retrieves an account by id.
func (s *LedgerService) GetAccount(ctx context.Context, accountID uuid.UUID) (*Account, error) {
	return s.accounts.Get(ctx, accountID)
}

// GetAccountByNumber retrieves an account by its external number.
func (s *LedgerService) GetAccountByNumber(ctx context.Context, accountNumber string) (*Account, error) {
	return s.accounts.GetByNumber(ctx, accountNumber)
}

// ListAccounts returns all accounts.
func (s *LedgerService) ListAccounts(ctx context.Context) ([]*Account, error) {
	return s.accounts.List(ctx)
}

// DeleteAccount removes an account. Deleting a funded account is refused
// with ErrAccountNotEmpty; the caller must withdraw or transfer the
// remaining balance first.
func (s *LedgerService) DeleteAccount(ctx context.Context, accountID uuid.UUID) error {
	if err := s.accounts.Delete(ctx, accountID); err != nil {
		return err
	}
	s.logger.Info("account deleted", zap.String("account_id", accountID.String()))
	return nil
}

// ListOperations returns the most recent audit records for an account,
// newest first.
func (s *LedgerService) ListOperations(ctx context.Context, accountID uuid.UUID, limit int) ([]*LedgerOperation, error) {
	if _, err := s.accounts.Get(ctx, accountID); err != nil {
		return nil, err
	}
	return s.audit.ListByAccount(ctx, accountID, limit)
}

// replaySingle checks the audit log for an already-committed deposit or
// withdrawal under the given idempotency key. The second return value is
// true when a stored result was found and the caller should not mutate.
func (s *LedgerService) replaySingle(ctx context.Context, operationID string, opType OperationType) (decimal.Decimal, bool, error) {
	records, err := s.audit.FindByOperationID(ctx, operationID)
	if err != nil {
		return decimal.Zero, false, err
	}
	for _, record := range records {
		if record.Type != opType {
			continue
		}
		if record.Status == OperationStatusRejected {
			return decimal.Zero, true, ErrInsufficientFunds
		}
		s.logger.Debug("idempotent replay", zap.String("operation_id", operationID), zap.String("type", string(opType)))
		return record.BalanceAfter, true, nil
	}
	return decimal.Zero, false, nil
}

// replayTransfer reconstructs a transfer result from its two audit rows.
func (s *LedgerService) replayTransfer(ctx context.Context, operationID string) (*TransferResult, bool, error) {
	records, err := s.audit.FindByOperationID(ctx, operationID)
	if err != nil {
		return nil, false, err
	}

	var result TransferResult
	var haveDebit, haveCredit bool
	for _, record := range records {
		switch record.Type {
		case OperationTypeTransferDebit:
			if record.Status == OperationStatusRejected {
				return nil, true, ErrInsufficientFunds
			}
			result.SourceBalance = record.BalanceAfter
			haveDebit = true
		case OperationTypeTransferCredit:
			result.DestBalance = record.BalanceAfter
			haveCredit = true
		}
	}
	if haveDebit && haveCredit {
		s.logger.Debug("idempotent transfer replay", zap.String("operation_id", operationID))
		return &result, true, nil
	}
	return nil, false, nil
}

// recordRejection appends a REJECTED audit row outside any transaction.
// A duplicate (the same rejection replayed) is not an error; any other
// failure is logged but doesn't mask the business-rule error the caller
// is about to receive.
func (s *LedgerService) recordRejection(ctx context.Context, record *LedgerOperation) {
	if err := s.audit.Append(ctx, record); err != nil && !errors.Is(err, ErrDuplicateOperation) {
		s.logger.Warn("failed to record rejected operation",
			zap.String("operation_id", record.OperationID),
			zap.Error(err))
	}
}

// backoff sleeps before retry attempts > 0, doubling the delay each time
// up to a cap, and respects context cancellation.
func (s *LedgerService) backoff(ctx context.Context, attempt int) error {
	if attempt == 0 {
		return nil
	}
	delay := s.retryBackoff << (attempt - 1)
	if delay > maxRetryBackoff {
		delay = maxRetryBackoff
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// publishAsync emits balance-changed events for committed records from a
// goroutine. Publish failures are logged and never escalate into ledger
// errors.
func (s *LedgerService) publishAsync(records ...*LedgerOperation) {
	if s.publisher == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		for _, record := range records {
			event := NewBalanceChangedEvent(record)
			if err := s.publisher.PublishBalanceChanged(ctx, event); err != nil {
				s.logger.Warn("failed to publish balance-changed event",
					zap.String("operation_id", record.OperationID),
					zap.String("account_id", record.AccountID.String()),
					zap.Error(err))
			}
		}
	}()
}
