package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/bancosol/ledger-service/internal/domain"
)

// uniqueViolation is the PostgreSQL error code for a unique constraint
// violation.
const uniqueViolation = "23505"

// AccountStore implements domain.AccountStore on PostgreSQL.
// Balances travel as strings on the wire and are stored in a NUMERIC
// column, so no binary floating point is involved at any point.
type AccountStore struct {
	pool *pgxpool.Pool
}

// NewAccountStore creates a new AccountStore.
func NewAccountStore(pool *pgxpool.Pool) *AccountStore {
	return &AccountStore{pool: pool}
}

// q returns the active transaction when called under WithTransaction,
// otherwise the pool.
func (s *AccountStore) q(ctx context.Context) querier {
	if tx := getTx(ctx); tx != nil {
		return tx
	}
	return s.pool
}

const accountColumns = `id, account_number, holder, owner_id, balance::text, version, created_at, updated_at`

// Get retrieves an account by its unique identifier.
func (s *AccountStore) Get(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return s.scanAccount(s.q(ctx).QueryRow(ctx, query, id))
}

// GetByNumber retrieves an account by its external account number.
func (s *AccountStore) GetByNumber(ctx context.Context, accountNumber string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE account_number = $1`
	return s.scanAccount(s.q(ctx).QueryRow(ctx, query, accountNumber))
}

// List returns all accounts ordered by creation time.
func (s *AccountStore) List(ctx context.Context) ([]*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts ORDER BY created_at`

	rows, err := s.q(ctx).Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list accounts: %v", domain.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var accounts []*domain.Account
	for rows.Next() {
		account, err := s.scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to list accounts: %v", domain.ErrStorageUnavailable, err)
	}
	return accounts, nil
}

// Create persists a new account. The unique index on account_number
// enforces number uniqueness at the store layer.
func (s *AccountStore) Create(ctx context.Context, account *domain.Account) error {
	query := `
		INSERT INTO accounts (id, account_number, holder, owner_id, balance, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8)
	`

	_, err := s.q(ctx).Exec(ctx, query,
		account.ID,
		account.AccountNumber,
		account.Holder,
		account.OwnerID,
		account.Balance.StringFixed(2),
		account.Version,
		account.CreatedAt,
		account.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrDuplicateAccountNumber
		}
		return fmt.Errorf("%w: failed to create account: %v", domain.ErrStorageUnavailable, err)
	}
	return nil
}

// CompareAndSwap conditionally updates the balance. The WHERE clause on
// version makes the update atomic: if another transaction won the race,
// zero rows match and the caller gets ErrVersionConflict.
func (s *AccountStore) CompareAndSwap(ctx context.Context, id uuid.UUID, expectedVersion int64, newBalance decimal.Decimal) (int64, error) {
	query := `
		UPDATE accounts
		SET balance = $3::numeric,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1 AND version = $2
		RETURNING version
	`

	var newVersion int64
	err := s.q(ctx).QueryRow(ctx, query, id, expectedVersion, newBalance.StringFixed(2)).Scan(&newVersion)
	if err == nil {
		return newVersion, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: failed to update account: %v", domain.ErrStorageUnavailable, err)
	}

	// No row matched: either the account is gone or the version moved.
	var exists bool
	if err := s.q(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, id).Scan(&exists); err != nil {
		return 0, fmt.Errorf("%w: failed to check account existence: %v", domain.ErrStorageUnavailable, err)
	}
	if !exists {
		return 0, domain.ErrAccountNotFound
	}
	return 0, domain.ErrVersionConflict
}

// Delete removes an account, refusing when funds remain. The balance
// check sits in the DELETE itself so no separate read can go stale.
func (s *AccountStore) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := s.q(ctx).Exec(ctx, `DELETE FROM accounts WHERE id = $1 AND balance = 0`, id)
	if err != nil {
		return fmt.Errorf("%w: failed to delete account: %v", domain.ErrStorageUnavailable, err)
	}
	if result.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := s.q(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("%w: failed to check account existence: %v", domain.ErrStorageUnavailable, err)
	}
	if !exists {
		return domain.ErrAccountNotFound
	}
	return domain.ErrAccountNotEmpty
}

// scanAccount scans one account row.
func (s *AccountStore) scanAccount(row pgx.Row) (*domain.Account, error) {
	var account domain.Account
	var balance string

	err := row.Scan(
		&account.ID,
		&account.AccountNumber,
		&account.Holder,
		&account.OwnerID,
		&balance,
		&account.Version,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("%w: failed to get account: %v", domain.ErrStorageUnavailable, err)
	}

	account.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("invalid balance %q for account %s: %w", balance, account.ID, err)
	}
	return &account, nil
}
