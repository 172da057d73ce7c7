package service

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/artisan-market/internal/logger"
	"github.com/ignatzorin/artisan-market/internal/metrics"
	"github.com/ignatzorin/artisan-market/internal/models"
	"github.com/ignatzorin/artisan-market/internal/pkg/apperror"
	"github.com/ignatzorin/artisan-market/internal/processor"
)

// ChargeEvents - реакции платёжного ядра на события списания.
type ChargeEvents interface {
	OnProcessorChargeConfirmed(ctx context.Context, intentID string) (*models.Payment, error)
	OnProcessorChargeFailed(ctx context.Context, intentID, reason string) (*models.Payment, error)
}

// ChargebackEvents открывает спор по событию процессора.
type ChargebackEvents interface {
	OpenChargeback(ctx context.Context, intentID, reason, caseID string) (*models.Dispute, error)
}

// PayoutEvents - реакции движка выплат на события процессора.
type PayoutEvents interface {
	OnProcessorPayoutPaid(ctx context.Context, processorID string) (*models.Payout, error)
	OnProcessorPayoutFailed(ctx context.Context, processorID, reason string) (*models.Payout, error)
}

// WebhookService принимает события процессора. Доставка at-least-once,
// поэтому каждый обработчик идемпотентен.
type WebhookService struct {
	parser      processor.WebhookParser
	charges     ChargeEvents
	chargebacks ChargebackEvents
	payouts     PayoutEvents
	notifier    Notifier
}

func NewWebhookService(parser processor.WebhookParser, charges ChargeEvents, chargebacks ChargebackEvents, payouts PayoutEvents, notifier Notifier) *WebhookService {
	return &WebhookService{
		parser:      parser,
		charges:     charges,
		chargebacks: chargebacks,
		payouts:     payouts,
		notifier:    notifier,
	}
}

var errInvalidWebhook = apperror.New(apperror.ErrCodeBadRequest, "невалидная подпись события")

// Handle проверяет подпись и применяет событие. Ошибка означает, что процессор
// должен повторить доставку; события о чужих сущностях подтверждаются без действий.
func (s *WebhookService) Handle(ctx context.Context, payload []byte, signature string) (*processor.Event, error) {
	event, err := s.parser.ParseWebhook(payload, signature)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("unknown", "rejected").Inc()
		if errors.Is(err, processor.ErrInvalidSignature) {
			return nil, errInvalidWebhook.WithCause(err)
		}
		return nil, apperror.Wrap(err, apperror.ErrCodeBadRequest, "не удалось разобрать событие")
	}

	err = s.dispatch(ctx, event)
	if err != nil && apperror.IsNotFound(err) {
		logger.Log.WithFields(logrus.Fields{
			"event_id":   event.ID,
			"event_type": event.Type,
		}).Warn("webhook: event references unknown entity, acknowledged")
		err = nil
	}

	label := event.Type
	if label == "" {
		label = "ignored"
	}
	metrics.WebhookEvents.WithLabelValues(label, metrics.Outcome(err)).Inc()

	if err != nil {
		logger.Log.WithError(err).WithFields(logrus.Fields{
			"event_id":   event.ID,
			"event_type": event.Type,
		}).Error("webhook: event handling failed")
		return nil, err
	}
	return event, nil
}

func (s *WebhookService) dispatch(ctx context.Context, event *processor.Event) error {
	var err error
	switch event.Type {
	case processor.EventChargeSucceeded:
		_, err = s.charges.OnProcessorChargeConfirmed(ctx, event.IntentID)
	case processor.EventChargeFailed:
		_, err = s.charges.OnProcessorChargeFailed(ctx, event.IntentID, event.FailureMessage)
	case processor.EventDisputeCreated:
		_, err = s.chargebacks.OpenChargeback(ctx, event.IntentID, event.DisputeReason, event.CaseID)
	case processor.EventPayoutPaid:
		_, err = s.payouts.OnProcessorPayoutPaid(ctx, event.PayoutID)
	case processor.EventPayoutFailed:
		_, err = s.payouts.OnProcessorPayoutFailed(ctx, event.PayoutID, event.FailureMessage)
	case processor.EventTransferPaid:
		logger.Log.WithField("transfer_id", event.TransferID).Info("webhook: transfer confirmed")
	case processor.EventTransferFailed:
		logger.Log.WithField("transfer_id", event.TransferID).Error("webhook: transfer reversed")
		s.notifier.NotifyRole(ctx, models.RoleAdmin, NotifyRequest{
			Type:     models.NotificationTypeSystem,
			Title:    "Перевод исполнителю отменён",
			Message:  "Процессор отменил перевод " + event.TransferID,
			Priority: models.NotificationPriorityUrgent,
		})
	}
	return err
}
