package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/artisan-market/internal/logger"
	"github.com/ignatzorin/artisan-market/internal/models"
	"github.com/ignatzorin/artisan-market/internal/pkg/apperror"
)

const refundHistoryWindow = 30 * 24 * time.Hour

// AutoRefundOutcome - результат заявки на автоматический возврат.
// Если возврат не проведён, Reasons перечисляет невыполненные условия.
type AutoRefundOutcome struct {
	Refunded bool            `json:"refunded"`
	Payment  *models.Payment `json:"payment"`
	Reasons  []string        `json:"reasons,omitempty"`
}

// RequestAutomaticRefund проводит полный возврат без участия администратора,
// если заявка подходит под правила. Иначе заказ уходит на ручную проверку.
func (s *PaymentService) RequestAutomaticRefund(ctx context.Context, orderID, requesterID uuid.UUID, reason string) (*AutoRefundOutcome, error) {
	found, err := s.payments.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(paymentKey(found.ID))
	defer unlock()

	payment, err := s.payments.GetByID(ctx, found.ID)
	if err != nil {
		return nil, err
	}
	if payment.PayerID != requesterID {
		return nil, apperror.ErrNotAuthorized
	}
	if payment.Status != models.PaymentStatusInEscrow && payment.Status != models.PaymentStatusReleased {
		return nil, apperror.ErrPaymentNotRefundable
	}

	reasons, err := s.autoRefundBlockers(ctx, payment, reason)
	if err != nil {
		return nil, err
	}

	if len(reasons) > 0 {
		s.sendToRefundReview(ctx, payment, reason, reasons)
		return &AutoRefundOutcome{Payment: payment, Reasons: reasons}, nil
	}

	if err := s.refund(ctx, payment, reason, 0); err != nil {
		if errors.Is(err, apperror.ErrInsufficientWalletBalance) {
			return &AutoRefundOutcome{Refunded: true, Payment: payment}, err
		}
		return nil, err
	}

	logger.Log.WithFields(logrus.Fields{
		"payment_id": payment.ID,
		"order_id":   orderID,
		"reason":     reason,
	}).Info("payment: automatic refund processed")

	return &AutoRefundOutcome{Refunded: true, Payment: payment}, nil
}

func (s *PaymentService) autoRefundBlockers(ctx context.Context, payment *models.Payment, reason string) ([]string, error) {
	var reasons []string

	if s.now().Sub(payment.CreatedAt) > s.cfg.AutoRefundWindow {
		reasons = append(reasons, "истёк срок автоматического возврата")
	}

	held, err := s.holds.HasActiveDispute(ctx, payment.ID)
	if err != nil {
		return nil, err
	}
	if held {
		reasons = append(reasons, "по платежу открыт спор")
	}

	if _, ok := models.AutoRefundReasons[reason]; !ok {
		reasons = append(reasons, "причина требует проверки администратором")
	}

	recent, err := s.payments.CountRefundsSince(ctx, payment.PayerID, s.now().Add(-refundHistoryWindow))
	if err != nil {
		return nil, err
	}
	if recent > 0 {
		reasons = append(reasons, "возврат уже оформлялся за последние 30 дней")
	}

	return reasons, nil
}

func (s *PaymentService) sendToRefundReview(ctx context.Context, payment *models.Payment, reason string, blockers []string) {
	s.writeOrderStatus(ctx, payment.OrderID, models.OrderStatusRefundReview)

	related := &models.RelatedEntity{Kind: models.RelatedKindPayment, ID: payment.ID}
	s.notifier.NotifyRole(ctx, models.RoleAdmin, NotifyRequest{
		Type:     models.NotificationTypeRefundReview,
		Title:    "Заявка на возврат требует проверки",
		Message:  fmt.Sprintf("Платёж %s, причина: %s", payment.ID, reason),
		Priority: models.NotificationPriorityHigh,
		Related:  related,
		Data: map[string]any{
			"payment_id": payment.ID,
			"order_id":   payment.OrderID,
			"reason":     reason,
			"blockers":   blockers,
		},
	})
	s.notifier.Notify(ctx, NotifyRequest{
		UserID:  payment.PayerID,
		Type:    models.NotificationTypeRefundReview,
		Title:   "Заявка на возврат принята",
		Message: "Заявку рассмотрит администратор",
		Related: related,
	})
}
