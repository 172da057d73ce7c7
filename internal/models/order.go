package models

import (
	"time"

	"github.com/google/uuid"
)

// Order описывает бронирование услуги исполнителя.
type Order struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	CustomerID    uuid.UUID  `db:"customer_id" json:"customer_id"`
	ArtisanID     uuid.UUID  `db:"artisan_id" json:"artisan_id"`
	Title         string     `db:"title" json:"title"`
	Amount        int64      `db:"amount" json:"amount"`
	Currency      string     `db:"currency" json:"currency"`
	Status        string     `db:"status" json:"status"`
	PaymentStatus string     `db:"payment_status" json:"payment_status"`
	ScheduledAt   *time.Time `db:"scheduled_at" json:"scheduled_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

// IsPayable сообщает, можно ли создать по заказу платёж.
func (o *Order) IsPayable() bool {
	if o.Amount <= 0 {
		return false
	}
	if _, ok := payableOrderStatuses[o.Status]; !ok {
		return false
	}
	return o.PaymentStatus == OrderPaymentStatusUnpaid || o.PaymentStatus == OrderPaymentStatusFailed
}
