package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const (
	PayoutStatusPending    = "pending"
	PayoutStatusProcessing = "processing"
	PayoutStatusPaid       = "paid"
	PayoutStatusFailed     = "failed"
)

// Payout - пакет выплаченных исполнителю платежей за период.
// NetAmount равна сумме ReleasedAmount входящих платежей,
// TransferAmount = NetAmount - ProcessingFee уходит на внешний счёт.
type Payout struct {
	ID                uuid.UUID      `db:"id" json:"id"`
	ArtisanID         uuid.UUID      `db:"artisan_id" json:"artisan_id"`
	Currency          string         `db:"currency" json:"currency"`
	GrossAmount       int64          `db:"gross_amount" json:"gross_amount"`
	NetAmount         int64          `db:"net_amount" json:"net_amount"`
	ProcessingFee     int64          `db:"processing_fee" json:"processing_fee"`
	TransferAmount    int64          `db:"transfer_amount" json:"transfer_amount"`
	Status            string         `db:"status" json:"status"`
	ProcessorPayoutID *string        `db:"processor_payout_id" json:"processor_payout_id,omitempty"`
	FailureReason     *string        `db:"failure_reason" json:"failure_reason,omitempty"`
	IdempotencyKey    string         `db:"idempotency_key" json:"-"`
	Attempts          int            `db:"attempts" json:"attempts"`
	PeriodStart       time.Time      `db:"period_start" json:"period_start"`
	PeriodEnd         time.Time      `db:"period_end" json:"period_end"`
	PaymentIDs        pq.StringArray `db:"payment_ids" json:"payment_ids"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at" json:"updated_at"`
	PaidAt            *time.Time     `db:"paid_at" json:"paid_at,omitempty"`
}

// PayoutRunSummary - итог одного прогона планировщика выплат.
type PayoutRunSummary struct {
	Groups  int         `json:"groups"`
	Created int         `json:"created"`
	Paid    int         `json:"paid"`
	Failed  int         `json:"failed"`
	Payouts []uuid.UUID `json:"payouts"`
}
