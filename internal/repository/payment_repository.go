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
	ErrPaymentNotFound = apperror.ErrPaymentNotFound
	// ErrPaymentAlreadyExists - по заказу уже есть платёж не в статусе failed.
	ErrPaymentAlreadyExists = apperror.ErrPaymentAlreadyExists
)

const paymentColumns = `id, order_id, payer_id, payee_id, amount, platform_fee, currency, payment_method, status,
	processor_intent_id, transfer_id, released_amount, escrow, refund, dispute_id, payout_id, failure_reason,
	created_at, updated_at`

type PaymentRepository struct {
	db *sqlx.DB
}

func NewPaymentRepository(db *sqlx.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// Create сохраняет новый платёж в статусе pending.
func (r *PaymentRepository) Create(ctx context.Context, p *models.Payment) error {
	query := `
		INSERT INTO payments (order_id, payer_id, payee_id, amount, platform_fee, currency, payment_method, status, escrow)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at
	`
	if err := r.db.QueryRowxContext(ctx, query,
		p.OrderID, p.PayerID, p.PayeeID, p.Amount, p.PlatformFee, p.Currency, p.PaymentMethod, p.Status, p.Escrow,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if common.IsUniqueViolation(err) {
			return ErrPaymentAlreadyExists
		}
		return fmt.Errorf("payment repository: create %w", err)
	}
	return nil
}

func (r *PaymentRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	return r.getOne(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
}

// GetByIntentID ищет платёж по идентификатору намерения оплаты в процессоре.
func (r *PaymentRepository) GetByIntentID(ctx context.Context, intentID string) (*models.Payment, error) {
	return r.getOne(ctx, `SELECT `+paymentColumns+` FROM payments WHERE processor_intent_id = $1`, intentID)
}

// GetByOrderID возвращает последний платёж по заказу.
func (r *PaymentRepository) GetByOrderID(ctx context.Context, orderID uuid.UUID) (*models.Payment, error) {
	return r.getOne(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_id = $1 ORDER BY created_at DESC LIMIT 1`, orderID)
}

func (r *PaymentRepository) getOne(ctx context.Context, query string, arg any) (*models.Payment, error) {
	var p models.Payment
	if err := r.db.GetContext(ctx, &p, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("payment repository: get %w", err)
	}
	return &p, nil
}

// ListForUser возвращает платежи, где пользователь плательщик или получатель.
func (r *PaymentRepository) ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Payment, error) {
	payments := []models.Payment{}
	err := r.db.SelectContext(ctx, &payments, `
		SELECT `+paymentColumns+` FROM payments
		WHERE payer_id = $1 OR payee_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("payment repository: list for user %w", err)
	}
	return payments, nil
}

// Update сохраняет изменения платежа, только если статус в БД всё ещё expectedStatus.
// Так конкурентные переходы одного платежа не могут перезаписать друг друга.
func (r *PaymentRepository) Update(ctx context.Context, p *models.Payment, expectedStatus string) error {
	query := `
		UPDATE payments SET
			status = $3, processor_intent_id = $4, transfer_id = $5, released_amount = $6,
			escrow = $7, refund = $8, dispute_id = $9, failure_reason = $10, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING updated_at
	`
	err := r.db.QueryRowxContext(ctx, query,
		p.ID, expectedStatus, p.Status, p.ProcessorIntentID, p.TransferID, p.ReleasedAmount,
		p.Escrow, p.Refund, p.DisputeID, p.FailureReason,
	).Scan(&p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return common.ErrStaleState
		}
		return fmt.Errorf("payment repository: update %w", err)
	}
	return nil
}

// ListReleasedForPayout возвращает выплаченные в кошелёк, но ещё не включённые
// в выплату платежи, освобождённые раньше releasedBefore.
func (r *PaymentRepository) ListReleasedForPayout(ctx context.Context, releasedBefore time.Time) ([]models.Payment, error) {
	payments := []models.Payment{}
	err := r.db.SelectContext(ctx, &payments, `
		SELECT `+paymentColumns+` FROM payments
		WHERE status = 'released'
		  AND payout_id IS NULL
		  AND released_amount > 0
		  AND (escrow->>'released_at')::timestamptz < $1
		ORDER BY payee_id, created_at
	`, releasedBefore)
	if err != nil {
		return nil, fmt.Errorf("payment repository: list released for payout %w", err)
	}
	return payments, nil
}

// CountRefundsSince считает платежи плательщика с возвратом после since.
func (r *PaymentRepository) CountRefundsSince(ctx context.Context, payerID uuid.UUID, since time.Time) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM payments
		WHERE payer_id = $1 AND refund IS NOT NULL
		  AND (refund->>'requested_at')::timestamptz >= $2
	`, payerID, since)
	if err != nil {
		return 0, fmt.Errorf("payment repository: count refunds %w", err)
	}
	return count, nil
}
