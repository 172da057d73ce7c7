package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/ignatzorin/artisan-market/internal/logger"
	"github.com/ignatzorin/artisan-market/internal/pkg/apperror"
)

// Stripe - адаптер процессора поверх Stripe Connect.
// Списание попадает на баланс платформы (escrow), перевод исполнителю делается
// отдельным Transfer при освобождении, выплата на банк - Payout от имени подключённого счёта.
type Stripe struct {
	api           *client.API
	webhookSecret string
	timeout       time.Duration
}

func NewStripe(secretKey, webhookSecret string, timeout time.Duration) *Stripe {
	return &Stripe{
		api:           client.New(secretKey, nil),
		webhookSecret: webhookSecret,
		timeout:       timeout,
	}
}

func (s *Stripe) CreateChargeIntent(ctx context.Context, req ChargeIntentRequest) (*ChargeIntent, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(req.Currency),
		TransferGroup: stripe.String(req.Metadata["payment_id"]),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.AddMetadata("destination", req.Destination)
	params.AddMetadata("application_fee", strconv.FormatInt(req.ApplicationFee, 10))

	intent, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return nil, classify("create payment intent", err)
	}

	return &ChargeIntent{IntentID: intent.ID, ClientSecret: intent.ClientSecret}, nil
}

func (s *Stripe) CreateTransfer(ctx context.Context, req TransferRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := &stripe.TransferParams{
		Amount:      stripe.Int64(req.Amount),
		Currency:    stripe.String(req.Currency),
		Destination: stripe.String(req.Destination),
	}
	if req.TransferGroup != "" {
		params.TransferGroup = stripe.String(req.TransferGroup)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	transfer, err := s.api.Transfers.New(params)
	if err != nil {
		return "", classify("create transfer", err)
	}

	return transfer.ID, nil
}

func (s *Stripe) CreateRefund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.IntentID),
		Amount:        stripe.Int64(req.Amount),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("reason", req.Reason)

	refund, err := s.api.Refunds.New(params)
	if err != nil {
		return nil, classify("create refund", err)
	}

	return &RefundResult{RefundID: refund.ID, Status: string(refund.Status)}, nil
}

func (s *Stripe) CreatePayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := &stripe.PayoutParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(req.Currency),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.SetStripeAccount(req.Destination)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	payout, err := s.api.Payouts.New(params)
	if err != nil {
		return nil, classify("create payout", err)
	}

	return &PayoutResult{PayoutID: payout.ID, Status: string(payout.Status)}, nil
}

// ParseWebhook проверяет подпись Stripe и приводит событие к Event.
// Неизвестные типы возвращаются с пустым Type.
func (s *Stripe) ParseWebhook(payload []byte, signature string) (*Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	return translateEvent(event)
}

func translateEvent(event stripe.Event) (*Event, error) {
	out := &Event{ID: event.ID}

	switch event.Type {
	case stripe.EventTypePaymentIntentSucceeded, stripe.EventTypePaymentIntentPaymentFailed:
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return nil, fmt.Errorf("processor: parse payment intent: %w", err)
		}
		out.IntentID = intent.ID
		out.Amount = intent.Amount
		out.Type = EventChargeSucceeded
		if event.Type == stripe.EventTypePaymentIntentPaymentFailed {
			out.Type = EventChargeFailed
			if intent.LastPaymentError != nil {
				out.FailureMessage = intent.LastPaymentError.Msg
			}
		}

	case stripe.EventTypeTransferCreated, stripe.EventTypeTransferReversed:
		var transfer stripe.Transfer
		if err := json.Unmarshal(event.Data.Raw, &transfer); err != nil {
			return nil, fmt.Errorf("processor: parse transfer: %w", err)
		}
		out.TransferID = transfer.ID
		out.Amount = transfer.Amount
		out.Type = EventTransferPaid
		if event.Type == stripe.EventTypeTransferReversed {
			out.Type = EventTransferFailed
		}

	case stripe.EventTypePayoutPaid, stripe.EventTypePayoutFailed:
		var payout stripe.Payout
		if err := json.Unmarshal(event.Data.Raw, &payout); err != nil {
			return nil, fmt.Errorf("processor: parse payout: %w", err)
		}
		out.PayoutID = payout.ID
		out.Amount = payout.Amount
		out.Type = EventPayoutPaid
		if event.Type == stripe.EventTypePayoutFailed {
			out.Type = EventPayoutFailed
			out.FailureMessage = payout.FailureMessage
		}

	case stripe.EventTypeChargeDisputeCreated:
		var dispute stripe.Dispute
		if err := json.Unmarshal(event.Data.Raw, &dispute); err != nil {
			return nil, fmt.Errorf("processor: parse dispute: %w", err)
		}
		if dispute.PaymentIntent != nil {
			out.IntentID = dispute.PaymentIntent.ID
		}
		out.Amount = dispute.Amount
		out.DisputeReason = string(dispute.Reason)
		out.CaseID = dispute.ID
		out.Type = EventDisputeCreated

	default:
		logger.Log.WithFields(logrus.Fields{
			"event_id":   event.ID,
			"event_type": event.Type,
		}).Debug("processor: unhandled stripe event")
	}

	return out, nil
}

// classify отделяет истечение таймаута от явного отказа процессора.
func classify(op string, err error) error {
	if isTimeout(err) {
		return apperror.ErrProcessorTimeout.WithCause(fmt.Errorf("stripe %s: %w", op, err))
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return apperror.ErrProcessor.WithCause(fmt.Errorf("stripe %s: %s (%s)", op, stripeErr.Msg, stripeErr.Code))
	}

	return apperror.ErrProcessor.WithCause(fmt.Errorf("stripe %s: %w", op, err))
}
