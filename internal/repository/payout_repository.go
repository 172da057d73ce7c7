package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ignatzorin/artisan-market/internal/models"
	"github.com/ignatzorin/artisan-market/internal/pkg/apperror"
	"github.com/ignatzorin/artisan-market/internal/repository/common"
)

var (
	ErrPayoutNotFound = apperror.ErrPayoutNotFound
	// ErrNothingToClaim возвращается, если все платежи пакета уже забраны другим прогоном.
	ErrNothingToClaim = errors.New("payout repository: nothing to claim")
)

const payoutColumns = `id, artisan_id, currency, gross_amount, net_amount, processing_fee, transfer_amount, status,
	processor_payout_id, failure_reason, idempotency_key, attempts, period_start, period_end, payment_ids, created_at, updated_at, paid_at`

type PayoutRepository struct {
	db *sqlx.DB
}

func NewPayoutRepository(db *sqlx.DB) *PayoutRepository {
	return &PayoutRepository{db: db}
}

// ClaimBatch в одной транзакции создаёт выплату и привязывает к ней платежи,
// которые ещё не принадлежат другой выплате. finalize заполняет суммы выплаты
// по фактически забранным платежам до сохранения.
func (r *PayoutRepository) ClaimBatch(
	ctx context.Context,
	payout *models.Payout,
	paymentIDs []uuid.UUID,
	finalize func(p *models.Payout, claimed []models.Payment),
) ([]models.Payment, error) {
	var claimed []models.Payment
	err := common.WithTransaction(ctx, r.db, func(tx *sqlx.Tx) error {
		if err := tx.QueryRowxContext(ctx, `
			INSERT INTO payouts (artisan_id, currency, status, period_start, period_end)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, created_at, updated_at
		`, payout.ArtisanID, payout.Currency, payout.Status, payout.PeriodStart, payout.PeriodEnd,
		).Scan(&payout.ID, &payout.CreatedAt, &payout.UpdatedAt); err != nil {
			return fmt.Errorf("payout repository: insert %w", err)
		}

		ids := make([]string, len(paymentIDs))
		for i, id := range paymentIDs {
			ids[i] = id.String()
		}

		if err := tx.SelectContext(ctx, &claimed, `
			UPDATE payments SET payout_id = $1, updated_at = NOW()
			WHERE id = ANY($2::uuid[]) AND payout_id IS NULL AND status = 'released'
			RETURNING `+paymentColumns, payout.ID, pq.Array(ids)); err != nil {
			return fmt.Errorf("payout repository: claim payments %w", err)
		}
		if len(claimed) == 0 {
			return ErrNothingToClaim
		}

		finalize(payout, claimed)

		_, err := tx.ExecContext(ctx, `
			UPDATE payouts SET gross_amount = $2, net_amount = $3, processing_fee = $4, transfer_amount = $5, payment_ids = $6
			WHERE id = $1
		`, payout.ID, payout.GrossAmount, payout.NetAmount, payout.ProcessingFee, payout.TransferAmount, payout.PaymentIDs)
		if err != nil {
			return fmt.Errorf("payout repository: finalize %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *PayoutRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Payout, error) {
	var p models.Payout
	if err := r.db.GetContext(ctx, &p, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPayoutNotFound
		}
		return nil, fmt.Errorf("payout repository: get by id %w", err)
	}
	return &p, nil
}

// GetByProcessorID ищет выплату по идентификатору процессора (для webhook).
func (r *PayoutRepository) GetByProcessorID(ctx context.Context, processorID string) (*models.Payout, error) {
	var p models.Payout
	if err := r.db.GetContext(ctx, &p, `SELECT `+payoutColumns+` FROM payouts WHERE processor_payout_id = $1`, processorID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPayoutNotFound
		}
		return nil, fmt.Errorf("payout repository: get by processor id %w", err)
	}
	return &p, nil
}

func (r *PayoutRepository) ListByArtisan(ctx context.Context, artisanID uuid.UUID, limit, offset int) ([]models.Payout, error) {
	payouts := []models.Payout{}
	err := r.db.SelectContext(ctx, &payouts, `
		SELECT `+payoutColumns+` FROM payouts
		WHERE artisan_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, artisanID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("payout repository: list by artisan %w", err)
	}
	return payouts, nil
}

// Update сохраняет статус выплаты, если он всё ещё равен expectedStatus.
func (r *PayoutRepository) Update(ctx context.Context, p *models.Payout, expectedStatus string) error {
	err := r.db.QueryRowxContext(ctx, `
		UPDATE payouts SET status = $3, processor_payout_id = $4, failure_reason = $5, paid_at = $6,
			idempotency_key = $7, attempts = $8, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING updated_at
	`, p.ID, expectedStatus, p.Status, p.ProcessorPayoutID, p.FailureReason, p.PaidAt,
		p.IdempotencyKey, p.Attempts).Scan(&p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return common.ErrStaleState
		}
		return fmt.Errorf("payout repository: update %w", err)
	}
	return nil
}
