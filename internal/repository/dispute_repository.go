package repository

import (
	"context"
	"database/sql"
	"encoding/json"
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
	ErrDisputeNotFound      = apperror.ErrDisputeNotFound
	ErrDisputeAlreadyExists = apperror.ErrDisputeAlreadyExists
)

const disputeColumns = `id, order_id, payment_id, raised_by, against, type, status, description, evidence, messages,
	resolution, escalation_reason, reviewer_id, closed_reason, processor_case_id, created_at, updated_at`

type DisputeRepository struct {
	db *sqlx.DB
}

func NewDisputeRepository(db *sqlx.DB) *DisputeRepository {
	return &DisputeRepository{db: db}
}

// Create сохраняет спор. Уникальный частичный индекс по payment_id среди активных
// споров гарантирует не более одного активного спора на платёж.
func (r *DisputeRepository) Create(ctx context.Context, d *models.Dispute) error {
	query := `
		INSERT INTO disputes (order_id, payment_id, raised_by, against, type, status, description, evidence, messages, processor_case_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at
	`
	err := r.db.QueryRowxContext(ctx, query,
		d.OrderID, d.PaymentID, d.RaisedBy, d.Against, d.Type, d.Status, d.Description, d.Evidence, d.Messages, d.ProcessorCaseID,
	).Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if common.IsUniqueViolation(err) {
			return ErrDisputeAlreadyExists
		}
		return fmt.Errorf("dispute repository: create %w", err)
	}
	return nil
}

func (r *DisputeRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Dispute, error) {
	var d models.Dispute
	if err := r.db.GetContext(ctx, &d, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDisputeNotFound
		}
		return nil, fmt.Errorf("dispute repository: get by id %w", err)
	}
	return &d, nil
}

// GetActiveByPaymentID возвращает незавершённый спор по платежу.
func (r *DisputeRepository) GetActiveByPaymentID(ctx context.Context, paymentID uuid.UUID) (*models.Dispute, error) {
	var d models.Dispute
	err := r.db.GetContext(ctx, &d, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE payment_id = $1 AND status = ANY($2)
	`, paymentID, pq.Array(models.ActiveDisputeStatuses))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDisputeNotFound
		}
		return nil, fmt.Errorf("dispute repository: get active by payment %w", err)
	}
	return &d, nil
}

// HasActiveDispute сообщает, удерживается ли escrow платежа спором.
func (r *DisputeRepository) HasActiveDispute(ctx context.Context, paymentID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `
		SELECT EXISTS (SELECT 1 FROM disputes WHERE payment_id = $1 AND status = ANY($2))
	`, paymentID, pq.Array(models.ActiveDisputeStatuses))
	if err != nil {
		return false, fmt.Errorf("dispute repository: has active %w", err)
	}
	return exists, nil
}

// ListForUser возвращает споры, где пользователь является стороной.
func (r *DisputeRepository) ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Dispute, error) {
	disputes := []models.Dispute{}
	err := r.db.SelectContext(ctx, &disputes, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE raised_by = $1 OR against = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("dispute repository: list for user %w", err)
	}
	return disputes, nil
}

// ListByStatus используется в очереди администратора.
func (r *DisputeRepository) ListByStatus(ctx context.Context, statuses []string, limit, offset int) ([]models.Dispute, error) {
	disputes := []models.Dispute{}
	err := r.db.SelectContext(ctx, &disputes, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE status = ANY($1)
		ORDER BY created_at ASC LIMIT $2 OFFSET $3
	`, pq.Array(statuses), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("dispute repository: list by status %w", err)
	}
	return disputes, nil
}

// AppendMessage атомарно дописывает сообщение в переписку активного спора.
func (r *DisputeRepository) AppendMessage(ctx context.Context, id uuid.UUID, msg models.DisputeMessage) (*models.Dispute, error) {
	return r.appendJSON(ctx, id, "messages", msg)
}

// AppendEvidence атомарно добавляет доказательство к активному спору.
func (r *DisputeRepository) AppendEvidence(ctx context.Context, id uuid.UUID, ev models.Evidence) (*models.Dispute, error) {
	return r.appendJSON(ctx, id, "evidence", ev)
}

func (r *DisputeRepository) appendJSON(ctx context.Context, id uuid.UUID, column string, item any) (*models.Dispute, error) {
	raw, err := json.Marshal([]any{item})
	if err != nil {
		return nil, fmt.Errorf("dispute repository: marshal %s %w", column, err)
	}

	var d models.Dispute
	query := fmt.Sprintf(`
		UPDATE disputes SET %[1]s = %[1]s || $2::jsonb, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
		RETURNING %[2]s
	`, column, disputeColumns)
	if err := r.db.GetContext(ctx, &d, query, id, raw, pq.Array(models.ActiveDisputeStatuses)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrStaleState
		}
		return nil, fmt.Errorf("dispute repository: append %s %w", column, err)
	}
	return &d, nil
}

// UpdateState сохраняет статус и сопутствующие поля, если текущий статус входит в expected.
func (r *DisputeRepository) UpdateState(ctx context.Context, d *models.Dispute, expected []string) error {
	query := `
		UPDATE disputes SET
			status = $3, resolution = $4, escalation_reason = $5, reviewer_id = $6, closed_reason = $7, updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)
		RETURNING updated_at
	`
	err := r.db.QueryRowxContext(ctx, query,
		d.ID, pq.Array(expected), d.Status, d.Resolution, d.EscalationReason, d.ReviewerID, d.ClosedReason,
	).Scan(&d.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return common.ErrStaleState
		}
		return fmt.Errorf("dispute repository: update state %w", err)
	}
	return nil
}
