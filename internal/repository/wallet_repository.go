package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ignatzorin/artisan-market/internal/models"
	"github.com/ignatzorin/artisan-market/internal/pkg/apperror"
	"github.com/ignatzorin/artisan-market/internal/repository/common"
)

var (
	ErrInsufficientFunds  = apperror.ErrInsufficientFunds
	ErrDuplicateReference = apperror.ErrDuplicateReference
	ErrTransactionMissing = apperror.ErrTransactionMissing
)

const walletColumns = `user_id, balance, currency, last_activity, created_at`

const transactionColumns = `id, user_id, type, amount, reference, status, related_order, bank_details, created_at, completed_at`

// WalletRepository хранит кошельки и журнал транзакций.
type WalletRepository struct {
	db *sqlx.DB
}

func NewWalletRepository(db *sqlx.DB) *WalletRepository {
	return &WalletRepository{db: db}
}

// GetOrCreate возвращает кошелёк пользователя, создаёт пустой если его нет.
func (r *WalletRepository) GetOrCreate(ctx context.Context, userID uuid.UUID, currency string) (*models.Wallet, error) {
	var wallet models.Wallet
	query := `
		INSERT INTO wallets (user_id, balance, currency)
		VALUES ($1, 0, $2)
		ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING ` + walletColumns
	if err := r.db.GetContext(ctx, &wallet, query, userID, currency); err != nil {
		return nil, fmt.Errorf("wallet repository: get or create %w", err)
	}
	return &wallet, nil
}

// Apply атомарно добавляет транзакцию в журнал и меняет баланс на её знаковую сумму.
// Для списаний при requireFunds проверяет, что баланс не уйдёт в минус.
func (r *WalletRepository) Apply(ctx context.Context, t *models.Transaction, currency string, requireFunds bool) (*models.Wallet, error) {
	var wallet models.Wallet
	err := common.WithTransaction(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO wallets (user_id, balance, currency) VALUES ($1, 0, $2)
			ON CONFLICT (user_id) DO NOTHING
		`, t.UserID, currency); err != nil {
			return fmt.Errorf("wallet repository: ensure wallet %w", err)
		}

		if err := tx.GetContext(ctx, &wallet, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 FOR UPDATE`, t.UserID); err != nil {
			return fmt.Errorf("wallet repository: lock wallet %w", err)
		}

		delta := t.SignedAmount()
		if requireFunds && delta < 0 && wallet.Balance+delta < 0 {
			return ErrInsufficientFunds
		}

		if err := insertTransaction(ctx, tx, t); err != nil {
			return err
		}

		if err := tx.GetContext(ctx, &wallet, `
			UPDATE wallets SET balance = balance + $2, last_activity = NOW()
			WHERE user_id = $1
			RETURNING `+walletColumns, t.UserID, delta); err != nil {
			return fmt.Errorf("wallet repository: update balance %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &wallet, nil
}

func insertTransaction(ctx context.Context, tx *sqlx.Tx, t *models.Transaction) error {
	query := `
		INSERT INTO wallet_transactions (user_id, type, amount, reference, status, related_order, bank_details, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`
	err := tx.QueryRowxContext(ctx, query,
		t.UserID, t.Type, t.Amount, t.Reference, t.Status, t.RelatedOrder, t.BankDetails, t.CompletedAt,
	).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		if common.IsUniqueViolation(err) {
			return ErrDuplicateReference
		}
		return fmt.Errorf("wallet repository: insert transaction %w", err)
	}
	return nil
}

// GetTransactionByReference возвращает транзакцию по ключу идемпотентности.
func (r *WalletRepository) GetTransactionByReference(ctx context.Context, reference string) (*models.Transaction, error) {
	var t models.Transaction
	err := r.db.GetContext(ctx, &t, `SELECT `+transactionColumns+` FROM wallet_transactions WHERE reference = $1`, reference)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTransactionMissing
		}
		return nil, fmt.Errorf("wallet repository: get by reference %w", err)
	}
	return &t, nil
}

// CompletePending переводит pending транзакцию в completed.
func (r *WalletRepository) CompletePending(ctx context.Context, reference string, at time.Time) (*models.Transaction, error) {
	var t models.Transaction
	err := r.db.GetContext(ctx, &t, `
		UPDATE wallet_transactions SET status = 'completed', completed_at = $2
		WHERE reference = $1 AND status = 'pending'
		RETURNING `+transactionColumns, reference, at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrStaleState
		}
		return nil, fmt.Errorf("wallet repository: complete pending %w", err)
	}
	return &t, nil
}

// ReversePending помечает pending транзакцию как reversed и записывает
// компенсирующую транзакцию, возвращая средства на баланс.
func (r *WalletRepository) ReversePending(ctx context.Context, reference string, compensation *models.Transaction, currency string) (*models.Wallet, error) {
	var wallet models.Wallet
	err := common.WithTransaction(ctx, r.db, func(tx *sqlx.Tx) error {
		var original models.Transaction
		err := tx.GetContext(ctx, &original, `
			SELECT `+transactionColumns+` FROM wallet_transactions WHERE reference = $1 FOR UPDATE
		`, reference)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrTransactionMissing
			}
			return fmt.Errorf("wallet repository: lock transaction %w", err)
		}
		if original.Status != models.TransactionStatusPending {
			return common.ErrStaleState
		}

		if _, err := tx.ExecContext(ctx, `UPDATE wallet_transactions SET status = 'reversed', completed_at = NOW() WHERE id = $1`, original.ID); err != nil {
			return fmt.Errorf("wallet repository: mark reversed %w", err)
		}

		if err := tx.GetContext(ctx, &wallet, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 FOR UPDATE`, original.UserID); err != nil {
			return fmt.Errorf("wallet repository: lock wallet %w", err)
		}

		compensation.UserID = original.UserID
		compensation.Amount = original.Amount
		if err := insertTransaction(ctx, tx, compensation); err != nil {
			return err
		}

		return tx.GetContext(ctx, &wallet, `
			UPDATE wallets SET balance = balance + $2, last_activity = NOW()
			WHERE user_id = $1
			RETURNING `+walletColumns, original.UserID, compensation.SignedAmount())
	})
	if err != nil {
		return nil, err
	}
	return &wallet, nil
}

// ListTransactions возвращает историю транзакций пользователя.
func (r *WalletRepository) ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Transaction, error) {
	transactions := []models.Transaction{}
	err := r.db.SelectContext(ctx, &transactions, `
		SELECT `+transactionColumns+`
		FROM wallet_transactions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("wallet repository: list transactions %w", err)
	}
	return transactions, nil
}

// LedgerSum считает знаковую сумму журнала пользователя.
func (r *WalletRepository) LedgerSum(ctx context.Context, userID uuid.UUID) (int64, int, error) {
	var row struct {
		Sum   int64 `db:"sum"`
		Count int   `db:"count"`
	}
	err := r.db.GetContext(ctx, &row, `
		SELECT
			COALESCE(SUM(CASE WHEN type IN ('credit', 'refund') THEN amount ELSE -amount END), 0) AS sum,
			COUNT(*) AS count
		FROM wallet_transactions WHERE user_id = $1
	`, userID)
	if err != nil {
		return 0, 0, fmt.Errorf("wallet repository: ledger sum %w", err)
	}
	return row.Sum, row.Count, nil
}
