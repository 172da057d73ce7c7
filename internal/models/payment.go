package models

import (
	"database/sql/driver"
	"time"

	"github.com/google/uuid"
)

// Статусы платежа. Переходы монотонны и описаны в paymentTransitions.
const (
	PaymentStatusPending    = "pending"
	PaymentStatusProcessing = "processing"
	PaymentStatusInEscrow   = "in_escrow"
	PaymentStatusReleased   = "released"
	PaymentStatusRefunded   = "refunded"
	PaymentStatusFailed     = "failed"
)

// Условия, которые должны быть выполнены до выплаты исполнителю.
const (
	EscrowConditionServiceCompleted = "service_completed"
	EscrowConditionCustomerApproved = "customer_approved"
)

// DefaultEscrowConditions выставляются при подтверждении списания.
var DefaultEscrowConditions = []string{EscrowConditionServiceCompleted, EscrowConditionCustomerApproved}

// Статусы возврата.
const (
	RefundStatusProcessorApproved = "processor_approved"
	RefundStatusCompleted         = "completed"
)

var paymentTransitions = map[string][]string{
	PaymentStatusPending:    {PaymentStatusProcessing, PaymentStatusFailed},
	PaymentStatusProcessing: {PaymentStatusInEscrow, PaymentStatusFailed},
	PaymentStatusInEscrow:   {PaymentStatusReleased, PaymentStatusRefunded},
	PaymentStatusReleased:   {PaymentStatusRefunded},
}

// CanTransitionPayment проверяет, разрешён ли переход статуса платежа.
func CanTransitionPayment(from, to string) bool {
	for _, next := range paymentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalPaymentStatus сообщает, что из статуса нет переходов.
func IsTerminalPaymentStatus(status string) bool {
	return len(paymentTransitions[status]) == 0
}

// Escrow описывает условия удержания средств платформой.
type Escrow struct {
	Conditions []string   `json:"conditions"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
	ReleasedBy *uuid.UUID `json:"released_by,omitempty"`
}

func (e Escrow) Value() (driver.Value, error) { return jsonValue(e) }
func (e *Escrow) Scan(src any) error         { return jsonScan(src, e) }

// Refund фиксирует возврат средств плательщику.
type Refund struct {
	Amount          int64      `json:"amount"`
	Reason          string     `json:"reason"`
	Status          string     `json:"status"`
	ProcessorID     string     `json:"processor_id,omitempty"`
	ReversalPending bool       `json:"reversal_pending"`
	ReversedAmount  int64      `json:"reversed_amount"`
	RequestedAt     time.Time  `json:"requested_at"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
}

func (r Refund) Value() (driver.Value, error) { return jsonValue(r) }
func (r *Refund) Scan(src any) error         { return jsonScan(src, r) }

// Payment - платёж за заказ, удерживаемый в escrow до выплаты исполнителю.
// Суммы хранятся в минимальных единицах валюты.
type Payment struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	OrderID           uuid.UUID  `db:"order_id" json:"order_id"`
	PayerID           uuid.UUID  `db:"payer_id" json:"payer_id"`
	PayeeID           uuid.UUID  `db:"payee_id" json:"payee_id"`
	Amount            int64      `db:"amount" json:"amount"`
	PlatformFee       int64      `db:"platform_fee" json:"platform_fee"`
	Currency          string     `db:"currency" json:"currency"`
	PaymentMethod     string     `db:"payment_method" json:"payment_method"`
	Status            string     `db:"status" json:"status"`
	ProcessorIntentID *string    `db:"processor_intent_id" json:"processor_intent_id,omitempty"`
	TransferID        *string    `db:"transfer_id" json:"transfer_id,omitempty"`
	ReleasedAmount    int64      `db:"released_amount" json:"released_amount"`
	Escrow            Escrow     `db:"escrow" json:"escrow"`
	Refund            *Refund    `db:"refund" json:"refund,omitempty"`
	DisputeID         *uuid.UUID `db:"dispute_id" json:"dispute_id,omitempty"`
	PayoutID          *uuid.UUID `db:"payout_id" json:"payout_id,omitempty"`
	FailureReason     *string    `db:"failure_reason" json:"failure_reason,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// NetAmount - сумма исполнителю за вычетом комиссии платформы.
func (p *Payment) NetAmount() int64 {
	return p.Amount - p.PlatformFee
}

// RefundedAmount - сколько уже возвращено плательщику.
func (p *Payment) RefundedAmount() int64 {
	if p.Refund == nil {
		return 0
	}
	return p.Refund.Amount
}

// RefundableAmount - остаток платежа, который ещё можно вернуть.
func (p *Payment) RefundableAmount() int64 {
	return p.Amount - p.RefundedAmount()
}

// ReleasableNet - сколько можно перевести исполнителю после уже проведённых возвратов и комиссии.
func (p *Payment) ReleasableNet() int64 {
	net := p.Amount - p.RefundedAmount() - p.PlatformFee
	if net < 0 {
		return 0
	}
	return net
}

// PaymentHandle возвращается клиенту для подтверждения оплаты на стороне процессора.
type PaymentHandle struct {
	PaymentID    uuid.UUID `json:"payment_id"`
	ClientSecret string    `json:"client_secret"`
	Amount       int64     `json:"amount"`
	PlatformFee  int64     `json:"platform_fee"`
	Currency     string    `json:"currency"`
}
