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

// AuditLog implements domain.AuditLog on PostgreSQL. Rows are insert-only;
// there is deliberately no update or delete statement in this file.
type AuditLog struct {
	pool *pgxpool.Pool
}

// NewAuditLog creates a new AuditLog.
func NewAuditLog(pool *pgxpool.Pool) *AuditLog {
	return &AuditLog{pool: pool}
}

func (l *AuditLog) q(ctx context.Context) querier {
	if tx := getTx(ctx); tx != nil {
		return tx
	}
	return l.pool
}

const operationColumns = `id, operation_id, type, account_id, counter_account_id, amount::text, balance_after::text, status, occurred_at`

// Append writes one audit record. The unique index on
// (operation_id, type) makes a replayed write fail with
// ErrDuplicateOperation instead of producing a second row.
func (l *AuditLog) Append(ctx context.Context, op *domain.LedgerOperation) error {
	query := `
		INSERT INTO ledger_operations (id, operation_id, type, account_id, counter_account_id, amount, balance_after, status, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8, $9)
	`

	_, err := l.q(ctx).Exec(ctx, query,
		op.ID,
		op.OperationID,
		string(op.Type),
		op.AccountID,
		op.CounterAccountID,
		op.Amount.StringFixed(2),
		op.BalanceAfter.StringFixed(2),
		string(op.Status),
		op.Timestamp,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrDuplicateOperation
		}
		return fmt.Errorf("%w: failed to append audit record: %v", domain.ErrStorageUnavailable, err)
	}
	return nil
}

// FindByOperationID returns every record written under an idempotency key.
func (l *AuditLog) FindByOperationID(ctx context.Context, operationID string) ([]*domain.LedgerOperation, error) {
	query := `SELECT ` + operationColumns + ` FROM ledger_operations WHERE operation_id = $1 ORDER BY occurred_at, type`

	rows, err := l.q(ctx).Query(ctx, query, operationID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to find operations: %v", domain.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	return l.collect(rows)
}

// ListByAccount returns the most recent records touching an account,
// newest first.
func (l *AuditLog) ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]*domain.LedgerOperation, error) {
	query := `SELECT ` + operationColumns + ` FROM ledger_operations WHERE account_id = $1 ORDER BY occurred_at DESC LIMIT $2`

	rows, err := l.q(ctx).Query(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list operations: %v", domain.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	return l.collect(rows)
}

func (l *AuditLog) collect(rows pgx.Rows) ([]*domain.LedgerOperation, error) {
	var ops []*domain.LedgerOperation
	for rows.Next() {
		var op domain.LedgerOperation
		var opType, status, amount, balanceAfter string

		err := rows.Scan(
			&op.ID,
			&op.OperationID,
			&opType,
			&op.AccountID,
			&op.CounterAccountID,
			&amount,
			&balanceAfter,
			&status,
			&op.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan audit record: %v", domain.ErrStorageUnavailable, err)
		}

		op.Type = domain.OperationType(opType)
		op.Status = domain.OperationStatus(status)
		if op.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("invalid amount %q in audit record %s: %w", amount, op.ID, err)
		}
		if op.BalanceAfter, err = decimal.NewFromString(balanceAfter); err != nil {
			return nil, fmt.Errorf("invalid balance %q in audit record %s: %w", balanceAfter, op.ID, err)
		}
		ops = append(ops, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to read audit records: %v", domain.ErrStorageUnavailable, err)
	}
	return ops, nil
}
