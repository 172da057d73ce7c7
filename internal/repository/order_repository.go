package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ignatzorin/artisan-market/internal/models"
	"github.com/ignatzorin/artisan-market/internal/pkg/apperror"
)

// ErrOrderNotFound возвращается, когда заказ не найден.
var ErrOrderNotFound = apperror.ErrOrderNotFound

const orderColumns = `id, customer_id, artisan_id, title, amount, currency, status, payment_status, scheduled_at,
	created_at, updated_at`

// OrderRepository отвечает за работу с бронированиями.
// Платёжное ядро только читает заказ и записывает статус оплаты.
type OrderRepository struct {
	db *sqlx.DB
}

// NewOrderRepository создаёт новый экземпляр.
func NewOrderRepository(db *sqlx.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Create сохраняет новое бронирование.
func (r *OrderRepository) Create(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (customer_id, artisan_id, title, amount, currency, status, payment_status, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at
	`
	if err := r.db.QueryRowxContext(ctx, query,
		order.CustomerID, order.ArtisanID, order.Title, order.Amount, order.Currency, order.Status, order.PaymentStatus, order.ScheduledAt,
	).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt); err != nil {
		return fmt.Errorf("order repository: create %w", err)
	}
	return nil
}

// GetByID возвращает заказ по идентификатору.
func (r *OrderRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := r.db.GetContext(ctx, &order, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("order repository: get by id %w", err)
	}
	return &order, nil
}

// ListForUser возвращает заказы, где пользователь заказчик или исполнитель.
func (r *OrderRepository) ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Order, error) {
	orders := []models.Order{}
	err := r.db.SelectContext(ctx, &orders, `
		SELECT `+orderColumns+` FROM orders
		WHERE customer_id = $1 OR artisan_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("order repository: list for user %w", err)
	}
	return orders, nil
}

// UpdatePaymentStatus записывает статус оплаты заказа.
func (r *OrderRepository) UpdatePaymentStatus(ctx context.Context, id uuid.UUID, paymentStatus string) error {
	return r.exec(ctx, "update payment status",
		`UPDATE orders SET payment_status = $2, updated_at = NOW() WHERE id = $1`, id, paymentStatus)
}

// UpdateStatus записывает статус бронирования.
func (r *OrderRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	return r.exec(ctx, "update status",
		`UPDATE orders SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
}

func (r *OrderRepository) exec(ctx context.Context, op, query string, args ...interface{}) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("order repository: %s %w", op, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("order repository: %s rows affected %w", op, err)
	}
	if rowsAffected == 0 {
		return ErrOrderNotFound
	}
	return nil
}
