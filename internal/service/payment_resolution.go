package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/artisan-market/internal/logger"
	"github.com/ignatzorin/artisan-market/internal/models"
	"github.com/ignatzorin/artisan-market/internal/pkg/apperror"
)

// ValidateResolution проверяет решение спора до любых движений денег.
func ValidateResolution(payment *models.Payment, r models.DisputeResolution) error {
	switch r.Type {
	case models.ResolutionRefund:
		if r.Amount < 0 || r.Amount > payment.RefundableAmount() {
			return apperror.ErrRefundExceedsAmount
		}
	case models.ResolutionPartialRefund:
		if r.Amount <= 0 || r.Amount >= payment.RefundableAmount() {
			return apperror.New(apperror.ErrCodeValidation, "частичный возврат должен быть меньше невозвращённого остатка")
		}
	case models.ResolutionReleasePayment:
	case models.ResolutionSplitPayment:
		if r.RefundAmount <= 0 || r.ReleaseAmount <= 0 || r.RefundAmount+r.ReleaseAmount != payment.Amount {
			return apperror.ErrInvalidSplitAmount
		}
		// повтор раздела после сбоя перевода допустим только с теми же суммами
		if payment.Refund != nil && payment.Refund.Amount != r.RefundAmount {
			return apperror.ErrRefundInProgress
		}
	default:
		return apperror.ErrInvalidResolution
	}
	return nil
}

// ApplyResolution проводит денежную часть решения спора. Проверка удержания
// escrow спором не выполняется: именно это решение снимает удержание.
// ErrInsufficientWalletBalance означает, что деньги уже движутся и сторно ждёт ручной обработки.
func (s *PaymentService) ApplyResolution(ctx context.Context, paymentID uuid.UUID, r models.DisputeResolution) (*models.Payment, error) {
	unlock := s.locks.Lock(paymentKey(paymentID))
	defer unlock()

	payment, err := s.payments.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if err := ValidateResolution(payment, r); err != nil {
		return nil, err
	}

	reason := r.Description
	if reason == "" {
		reason = "решение по спору"
	}

	switch r.Type {
	case models.ResolutionRefund, models.ResolutionPartialRefund:
		err = s.refund(ctx, payment, reason, r.Amount)
	case models.ResolutionReleasePayment:
		err = s.release(ctx, payment, r.ResolvedBy, payment.ReleasableNet(), false)
	case models.ResolutionSplitPayment:
		err = s.split(ctx, payment, r, reason)
	}
	if err != nil {
		if errors.Is(err, apperror.ErrInsufficientWalletBalance) {
			return payment, err
		}
		return nil, err
	}

	logger.Log.WithFields(logrus.Fields{
		"payment_id": payment.ID,
		"resolution": r.Type,
		"status":     payment.Status,
	}).Info("payment: dispute resolution applied")

	return payment, nil
}

// AttachDispute отмечает на платеже открытый по нему спор.
func (s *PaymentService) AttachDispute(ctx context.Context, paymentID, disputeID uuid.UUID) error {
	unlock := s.locks.Lock(paymentKey(paymentID))
	defer unlock()

	payment, err := s.payments.GetByID(ctx, paymentID)
	if err != nil {
		return err
	}
	if payment.DisputeID != nil && *payment.DisputeID == disputeID {
		return nil
	}

	next := *payment
	next.DisputeID = &disputeID
	return s.payments.Update(ctx, &next, payment.Status)
}

// split возвращает плательщику RefundAmount и переводит исполнителю остаток за вычетом комиссии.
// Запись о возврате сохраняется до перевода: повтор после сбоя перевода не возвращает деньги
// дважды, а любое другое решение видит уже возвращённую часть.
func (s *PaymentService) split(ctx context.Context, payment *models.Payment, r models.DisputeResolution, reason string) error {
	if payment.Status != models.PaymentStatusInEscrow {
		return apperror.ErrPaymentNotInEscrow
	}

	if payment.Refund == nil {
		refund, err := s.processorRefund(ctx, payment, r.RefundAmount, reason)
		if err != nil {
			return err
		}

		next := *payment
		next.Refund = refund
		if err := s.payments.Update(ctx, &next, payment.Status); err != nil {
			return err
		}
		*payment = next
	}

	if err := s.release(ctx, payment, r.ResolvedBy, payment.ReleasableNet(), false); err != nil {
		return err
	}

	s.notifier.Notify(ctx, NotifyRequest{
		UserID:  payment.PayerID,
		Type:    models.NotificationTypeRefundProcessed,
		Title:   "Частичный возврат оформлен",
		Message: "Вам возвращено " + formatAmount(r.RefundAmount, payment.Currency),
		Related: &models.RelatedEntity{Kind: models.RelatedKindPayment, ID: payment.ID},
		Data:    paymentEvent(payment),
	})
	return nil
}
