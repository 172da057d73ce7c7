// Package processor описывает внешний платёжный процессор: списания в escrow,
// переводы исполнителям, возвраты и выплаты на внешние счета.
package processor

import (
	"context"
	"errors"
	"net"
)

// ChargeIntentRequest - запрос на создание намерения оплаты.
type ChargeIntentRequest struct {
	Amount         int64
	Currency       string
	Destination    string
	ApplicationFee int64
	Metadata       map[string]string
	IdempotencyKey string
}

// ChargeIntent - созданное намерение оплаты.
type ChargeIntent struct {
	IntentID     string
	ClientSecret string
}

type TransferRequest struct {
	Amount         int64
	Currency       string
	Destination    string
	TransferGroup  string
	Metadata       map[string]string
	IdempotencyKey string
}

type RefundRequest struct {
	IntentID       string
	Amount         int64
	Reason         string
	IdempotencyKey string
}

type RefundResult struct {
	RefundID string
	Status   string
}

// PayoutRequest - выплата с баланса подключённого счёта исполнителя на его банковский счёт.
type PayoutRequest struct {
	Amount         int64
	Currency       string
	Destination    string
	Metadata       map[string]string
	IdempotencyKey string
}

type PayoutResult struct {
	PayoutID string
	Status   string
}

// Processor - операции, которые платёжное ядро запрашивает у процессора.
// Каждая операция идемпотентна по IdempotencyKey.
type Processor interface {
	CreateChargeIntent(ctx context.Context, req ChargeIntentRequest) (*ChargeIntent, error)
	CreateTransfer(ctx context.Context, req TransferRequest) (string, error)
	CreateRefund(ctx context.Context, req RefundRequest) (*RefundResult, error)
	CreatePayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error)
}

// WebhookParser проверяет и разбирает входящее событие процессора.
type WebhookParser interface {
	ParseWebhook(payload []byte, signature string) (*Event, error)
}

// Типы событий процессора, которые понимает ядро.
const (
	EventChargeSucceeded = "charge.succeeded"
	EventChargeFailed    = "charge.failed"
	EventTransferPaid    = "transfer.paid"
	EventTransferFailed  = "transfer.failed"
	EventPayoutPaid      = "payout.paid"
	EventPayoutFailed    = "payout.failed"
	EventDisputeCreated  = "dispute.created"
)

// Event - нормализованное событие процессора.
type Event struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	IntentID       string `json:"intent_id,omitempty"`
	TransferID     string `json:"transfer_id,omitempty"`
	PayoutID       string `json:"payout_id,omitempty"`
	FailureMessage string `json:"failure_message,omitempty"`
	DisputeReason  string `json:"dispute_reason,omitempty"`
	CaseID         string `json:"case_id,omitempty"`
	Amount         int64  `json:"amount,omitempty"`
}

// ErrInvalidSignature возвращается, если подпись webhook не прошла проверку.
var ErrInvalidSignature = errors.New("processor: invalid webhook signature")

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
