package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/artisan-market/internal/logger"
	"github.com/ignatzorin/artisan-market/internal/metrics"
	"github.com/ignatzorin/artisan-market/internal/models"
	"github.com/ignatzorin/artisan-market/internal/pkg/apperror"
	"github.com/ignatzorin/artisan-market/internal/processor"
	"github.com/ignatzorin/artisan-market/internal/repository/common"
)

// PaymentRepository описывает хранилище платежей.
type PaymentRepository interface {
	Create(ctx context.Context, p *models.Payment) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	GetByIntentID(ctx context.Context, intentID string) (*models.Payment, error)
	GetByOrderID(ctx context.Context, orderID uuid.UUID) (*models.Payment, error)
	ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Payment, error)
	Update(ctx context.Context, p *models.Payment, expectedStatus string) error
	CountRefundsSince(ctx context.Context, payerID uuid.UUID, since time.Time) (int, error)
}

// OrderRepository - то, что платёжное ядро читает и пишет в бронированиях.
type OrderRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	UpdatePaymentStatus(ctx context.Context, id uuid.UUID, paymentStatus string) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
}

// HoldChecker сообщает, удерживается ли escrow платежа активным спором.
type HoldChecker interface {
	HasActiveDispute(ctx context.Context, paymentID uuid.UUID) (bool, error)
}

// Ledger - операции кошелька, которые использует платёжное ядро.
type Ledger interface {
	Credit(ctx context.Context, userID uuid.UUID, amount int64, reference string, relatedOrder *uuid.UUID) (*models.Transaction, error)
	Debit(ctx context.Context, userID uuid.UUID, amount int64, reference string, relatedOrder *uuid.UUID) (*models.Transaction, error)
}

// Actor - пользователь, выполняющий действие.
type Actor struct {
	ID   uuid.UUID
	Role string
}

func (a Actor) IsAdmin() bool {
	return a.Role == models.RoleAdmin
}

// PaymentConfig - параметры комиссии и валюты.
type PaymentConfig struct {
	PlatformFeeBps   int64
	Currency         string
	AutoRefundWindow time.Duration
}

// PaymentService владеет машиной состояний платежа:
// pending -> processing -> in_escrow -> released | refunded, до выплаты -> failed.
// Все переходы одного платежа выполняются под его ключом в KeyedLocker,
// а запись в БД дополнительно проверяет ожидаемый статус.
type PaymentService struct {
	payments  PaymentRepository
	orders    OrderRepository
	users     UserDirectory
	holds     HoldChecker
	ledger    Ledger
	processor processor.Processor
	notifier  Notifier
	locks     *KeyedLocker
	cfg       PaymentConfig
	now       func() time.Time
}

func NewPaymentService(
	payments PaymentRepository,
	orders OrderRepository,
	users UserDirectory,
	holds HoldChecker,
	ledger Ledger,
	proc processor.Processor,
	notifier Notifier,
	cfg PaymentConfig,
) *PaymentService {
	if cfg.AutoRefundWindow <= 0 {
		cfg.AutoRefundWindow = 24 * time.Hour
	}
	return &PaymentService{
		payments:  payments,
		orders:    orders,
		users:     users,
		holds:     holds,
		ledger:    ledger,
		processor: proc,
		notifier:  notifier,
		locks:     NewKeyedLocker(),
		cfg:       cfg,
		now:       time.Now,
	}
}

// PlatformFee считает комиссию платформы с округлением до ближайшей единицы.
func PlatformFee(amount, bps int64) int64 {
	return (amount*bps + 5000) / 10000
}

// CreateEscrowPayment создаёт платёж по заказу и намерение оплаты в процессоре.
// Если предыдущая попытка оставила платёж в pending, он переиспользуется
// с тем же ключом идемпотентности.
func (s *PaymentService) CreateEscrowPayment(ctx context.Context, orderID, payerID uuid.UUID, paymentMethod string) (*models.PaymentHandle, error) {
	unlock := s.locks.Lock(orderKey(orderID))
	defer unlock()

	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.CustomerID != payerID {
		return nil, apperror.ErrNotAuthorized
	}
	if !order.IsPayable() {
		return nil, apperror.ErrOrderNotPayable
	}

	fee := PlatformFee(order.Amount, s.cfg.PlatformFeeBps)
	if fee >= order.Amount {
		return nil, apperror.ErrOrderNotPayable
	}

	currency := order.Currency
	if currency == "" {
		currency = s.cfg.Currency
	}
	if paymentMethod == "" {
		paymentMethod = "card"
	}

	payment, err := s.payments.GetByOrderID(ctx, orderID)
	if err == nil && payment.Status == models.PaymentStatusPending && payment.Amount != order.Amount {
		// сумма заказа изменилась: старый черновик закрывается, чтобы не занимать заказ
		if err := s.transition(ctx, payment, models.PaymentStatusFailed, func(p *models.Payment) {
			reason := "сумма заказа изменилась"
			p.FailureReason = &reason
		}); err != nil {
			return nil, err
		}
	}
	switch {
	case err == nil && payment.Status == models.PaymentStatusPending:
	case err == nil || errors.Is(err, apperror.ErrPaymentNotFound):
		payment = &models.Payment{
			OrderID:       order.ID,
			PayerID:       order.CustomerID,
			PayeeID:       order.ArtisanID,
			Amount:        order.Amount,
			PlatformFee:   fee,
			Currency:      currency,
			PaymentMethod: paymentMethod,
			Status:        models.PaymentStatusPending,
		}
		if err := s.payments.Create(ctx, payment); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	destination := ""
	if payee, err := s.users.GetByID(ctx, payment.PayeeID); err == nil && payee.StripeAccountID != nil {
		destination = *payee.StripeAccountID
	}

	intent, err := s.processor.CreateChargeIntent(ctx, processor.ChargeIntentRequest{
		Amount:         payment.Amount,
		Currency:       payment.Currency,
		Destination:    destination,
		ApplicationFee: payment.PlatformFee,
		Metadata: map[string]string{
			"payment_id": payment.ID.String(),
			"order_id":   payment.OrderID.String(),
			"payer_id":   payment.PayerID.String(),
			"payee_id":   payment.PayeeID.String(),
		},
		IdempotencyKey: "intent:" + payment.ID.String(),
	})
	metrics.ProcessorCalls.WithLabelValues("charge_intent", metrics.Outcome(err)).Inc()
	if err != nil {
		return nil, err
	}

	if err := s.transition(ctx, payment, models.PaymentStatusProcessing, func(p *models.Payment) {
		p.ProcessorIntentID = &intent.IntentID
	}); err != nil {
		return nil, err
	}

	s.writeOrderPaymentStatus(ctx, payment.OrderID, models.OrderPaymentStatusProcessing)

	return &models.PaymentHandle{
		PaymentID:    payment.ID,
		ClientSecret: intent.ClientSecret,
		Amount:       payment.Amount,
		PlatformFee:  payment.PlatformFee,
		Currency:     payment.Currency,
	}, nil
}

// OnProcessorChargeConfirmed переводит платёж в escrow. Повтор события ничего не меняет.
func (s *PaymentService) OnProcessorChargeConfirmed(ctx context.Context, intentID string) (*models.Payment, error) {
	payment, unlock, err := s.lockByIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if payment.Status != models.PaymentStatusProcessing {
		logger.Log.WithFields(logrus.Fields{
			"payment_id": payment.ID,
			"status":     payment.Status,
		}).Info("payment: charge confirmation replay ignored")
		return payment, nil
	}

	if err := s.transition(ctx, payment, models.PaymentStatusInEscrow, func(p *models.Payment) {
		p.Escrow.Conditions = append([]string(nil), models.DefaultEscrowConditions...)
	}); err != nil {
		return nil, err
	}

	s.writeOrderPaymentStatus(ctx, payment.OrderID, models.OrderPaymentStatusPaid)

	related := &models.RelatedEntity{Kind: models.RelatedKindPayment, ID: payment.ID}
	s.notifier.Notify(ctx, NotifyRequest{
		UserID:  payment.PayerID,
		Type:    models.NotificationTypeBookingUpdate,
		Title:   "Оплата подтверждена",
		Message: "Средства зарезервированы до завершения заказа",
		Related: related,
		Data:    paymentEvent(payment),
	})
	s.notifier.Notify(ctx, NotifyRequest{
		UserID:  payment.PayeeID,
		Type:    models.NotificationTypePaymentReceived,
		Title:   "Заказ оплачен",
		Message: fmt.Sprintf("Заказчик оплатил %s, средства удерживаются до завершения работы", formatAmount(payment.Amount, payment.Currency)),
		Related: related,
		Data:    paymentEvent(payment),
	})

	return payment, nil
}

// OnProcessorChargeFailed завершает платёж ошибкой. Повтор события ничего не меняет.
func (s *PaymentService) OnProcessorChargeFailed(ctx context.Context, intentID, reason string) (*models.Payment, error) {
	payment, unlock, err := s.lockByIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if !models.CanTransitionPayment(payment.Status, models.PaymentStatusFailed) {
		logger.Log.WithFields(logrus.Fields{
			"payment_id": payment.ID,
			"status":     payment.Status,
		}).Info("payment: charge failure replay ignored")
		return payment, nil
	}

	if reason == "" {
		reason = "платёж отклонён процессором"
	}
	if err := s.transition(ctx, payment, models.PaymentStatusFailed, func(p *models.Payment) {
		p.FailureReason = &reason
	}); err != nil {
		return nil, err
	}

	s.writeOrderPaymentStatus(ctx, payment.OrderID, models.OrderPaymentStatusFailed)

	s.notifier.Notify(ctx, NotifyRequest{
		UserID:   payment.PayerID,
		Type:     models.NotificationTypePaymentFailed,
		Title:    "Оплата не прошла",
		Message:  reason,
		Priority: models.NotificationPriorityHigh,
		Related:  &models.RelatedEntity{Kind: models.RelatedKindPayment, ID: payment.ID},
		Data:     paymentEvent(payment),
	})

	return payment, nil
}

// ReleaseEscrowPayment переводит средства исполнителю. Доступно заказчику и администратору.
func (s *PaymentService) ReleaseEscrowPayment(ctx context.Context, paymentID uuid.UUID, actor Actor) (*models.Payment, error) {
	unlock := s.locks.Lock(paymentKey(paymentID))
	defer unlock()

	payment, err := s.payments.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if actor.ID != payment.PayerID && !actor.IsAdmin() {
		return nil, apperror.ErrNotAuthorized
	}

	if err := s.release(ctx, payment, actor.ID, payment.ReleasableNet(), true); err != nil {
		return nil, err
	}
	return payment, nil
}

// release переводит releaseNet исполнителю и закрывает escrow. Вызывается под блокировкой платежа.
// Уже проведённый частичный возврат остаётся на платеже.
func (s *PaymentService) release(ctx context.Context, payment *models.Payment, releasedBy uuid.UUID, releaseNet int64, checkHold bool) error {
	if payment.Status != models.PaymentStatusInEscrow {
		return apperror.ErrPaymentNotInEscrow
	}

	if checkHold {
		held, err := s.holds.HasActiveDispute(ctx, payment.ID)
		if err != nil {
			return err
		}
		if held {
			return apperror.ErrEscrowHeld
		}
	}

	var transferID *string
	if releaseNet > 0 {
		payee, err := s.users.GetByID(ctx, payment.PayeeID)
		if err != nil {
			return err
		}
		if !payee.HasPayoutDestination() {
			return apperror.ErrPayoutDestinationMissing
		}

		id, err := s.processor.CreateTransfer(ctx, processor.TransferRequest{
			Amount:         releaseNet,
			Currency:       payment.Currency,
			Destination:    *payee.StripeAccountID,
			TransferGroup:  payment.ID.String(),
			Metadata:       map[string]string{"payment_id": payment.ID.String()},
			IdempotencyKey: "release:" + payment.ID.String(),
		})
		metrics.ProcessorCalls.WithLabelValues("transfer", metrics.Outcome(err)).Inc()
		if err != nil {
			return err
		}
		transferID = &id

		orderID := payment.OrderID
		if _, err := s.ledger.Credit(ctx, payment.PayeeID, releaseNet, payment.ID.String(), &orderID); err != nil &&
			!errors.Is(err, apperror.ErrDuplicateReference) {
			return err
		}
	}

	now := s.now()
	if err := s.transition(ctx, payment, models.PaymentStatusReleased, func(p *models.Payment) {
		p.Escrow.ReleasedAt = &now
		p.Escrow.ReleasedBy = &releasedBy
		p.TransferID = transferID
		p.ReleasedAmount = releaseNet
	}); err != nil {
		return err
	}

	s.writeOrderPaymentStatus(ctx, payment.OrderID, models.OrderPaymentStatusReleased)

	related := &models.RelatedEntity{Kind: models.RelatedKindPayment, ID: payment.ID}
	s.notifier.Notify(ctx, NotifyRequest{
		UserID:  payment.PayeeID,
		Type:    models.NotificationTypePaymentReleased,
		Title:   "Средства переведены",
		Message: fmt.Sprintf("На ваш баланс зачислено %s", formatAmount(releaseNet, payment.Currency)),
		Related: related,
		Data:    paymentEvent(payment),
	})
	s.notifier.Notify(ctx, NotifyRequest{
		UserID:  payment.PayerID,
		Type:    models.NotificationTypeBookingUpdate,
		Title:   "Оплата передана исполнителю",
		Related: related,
		Data:    paymentEvent(payment),
	})

	return nil
}

// ProcessRefund возвращает средства плательщику. Доступно исполнителю и администратору.
// Если средства уже были у исполнителя и его кошелёк не покрывает сторно, возврат
// всё равно фиксируется, а ошибка ErrInsufficientWalletBalance возвращается вместе с платежом.
func (s *PaymentService) ProcessRefund(ctx context.Context, paymentID uuid.UUID, reason string, amount int64, actor Actor) (*models.Payment, error) {
	unlock := s.locks.Lock(paymentKey(paymentID))
	defer unlock()

	payment, err := s.payments.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if actor.ID != payment.PayeeID && !actor.IsAdmin() {
		return nil, apperror.ErrNotAuthorized
	}

	if err := s.refund(ctx, payment, reason, amount); err != nil {
		if errors.Is(err, apperror.ErrInsufficientWalletBalance) {
			return payment, err
		}
		return nil, err
	}
	return payment, nil
}

// refund выполняет возврат. Вызывается под блокировкой платежа.
func (s *PaymentService) refund(ctx context.Context, payment *models.Payment, reason string, amount int64) error {
	if payment.Status != models.PaymentStatusInEscrow && payment.Status != models.PaymentStatusReleased {
		return apperror.ErrPaymentNotRefundable
	}
	refundable := payment.RefundableAmount()
	if refundable <= 0 {
		return apperror.ErrPaymentNotRefundable
	}
	if amount == 0 {
		amount = refundable
	}
	if amount < 0 {
		return apperror.ErrInvalidAmount
	}
	if amount > refundable {
		return apperror.ErrRefundExceedsAmount
	}
	refund, err := s.processorRefund(ctx, payment, amount, reason)
	if err != nil {
		return err
	}
	refund = accumulateRefund(payment.Refund, refund)

	var reversalErr error
	if payment.Status == models.PaymentStatusReleased {
		reversalErr = s.reverseRelease(ctx, payment, refund, amount)
		if reversalErr != nil && !errors.Is(reversalErr, apperror.ErrInsufficientWalletBalance) {
			return reversalErr
		}
	}

	if err := s.transition(ctx, payment, models.PaymentStatusRefunded, func(p *models.Payment) {
		p.Refund = refund
	}); err != nil {
		return err
	}

	s.writeOrderPaymentStatus(ctx, payment.OrderID, models.OrderPaymentStatusRefunded)
	s.writeOrderStatus(ctx, payment.OrderID, models.OrderStatusRefunded)

	related := &models.RelatedEntity{Kind: models.RelatedKindPayment, ID: payment.ID}
	s.notifier.Notify(ctx, NotifyRequest{
		UserID:  payment.PayerID,
		Type:    models.NotificationTypeRefundProcessed,
		Title:   "Возврат оформлен",
		Message: fmt.Sprintf("Вам возвращено %s", formatAmount(amount, payment.Currency)),
		Related: related,
		Data:    paymentEvent(payment),
	})
	s.notifier.Notify(ctx, NotifyRequest{
		UserID:  payment.PayeeID,
		Type:    models.NotificationTypeRefundProcessed,
		Title:   "По заказу оформлен возврат",
		Message: reason,
		Related: related,
		Data:    paymentEvent(payment),
	})

	return reversalErr
}

// processorRefund запрашивает возврат у процессора и возвращает запись о нём.
func (s *PaymentService) processorRefund(ctx context.Context, payment *models.Payment, amount int64, reason string) (*models.Refund, error) {
	if payment.ProcessorIntentID == nil {
		return nil, apperror.ErrPaymentNotRefundable
	}

	result, err := s.processor.CreateRefund(ctx, processor.RefundRequest{
		IntentID:       *payment.ProcessorIntentID,
		Amount:         amount,
		Reason:         reason,
		IdempotencyKey: fmt.Sprintf("refund:%s:%d:%d", payment.ID, payment.RefundedAmount(), amount),
	})
	metrics.ProcessorCalls.WithLabelValues("refund", metrics.Outcome(err)).Inc()
	if err != nil {
		return nil, err
	}

	now := s.now()
	return &models.Refund{
		Amount:      amount,
		Reason:      reason,
		Status:      models.RefundStatusCompleted,
		ProcessorID: result.RefundID,
		RequestedAt: now,
		ProcessedAt: &now,
	}, nil
}

// accumulateRefund складывает новый возврат с уже проведённым: на платеже хранится общий итог.
func accumulateRefund(prev, next *models.Refund) *models.Refund {
	if prev == nil {
		return next
	}
	merged := *next
	merged.Amount += prev.Amount
	merged.ReversedAmount += prev.ReversedAmount
	merged.RequestedAt = prev.RequestedAt
	return &merged
}

// reverseRelease списывает с исполнителя уже выплаченную ему часть возврата amount.
// Если средств не хватает, возврат помечается для ручной обработки.
func (s *PaymentService) reverseRelease(ctx context.Context, payment *models.Payment, refund *models.Refund, amount int64) error {
	reversal := amount
	if available := payment.ReleasedAmount - refund.ReversedAmount; available < reversal {
		reversal = available
	}
	if reversal <= 0 {
		return nil
	}

	orderID := payment.OrderID
	reference := fmt.Sprintf("refund:%s:%d:reversal", payment.ID, payment.RefundedAmount())
	_, err := s.ledger.Debit(ctx, payment.PayeeID, reversal, reference, &orderID)
	switch {
	case err == nil, errors.Is(err, apperror.ErrDuplicateReference):
		refund.ReversedAmount += reversal
		return nil
	case errors.Is(err, apperror.ErrInsufficientFunds):
		refund.Status = models.RefundStatusProcessorApproved
		refund.ReversalPending = true

		logger.Log.WithFields(logrus.Fields{
			"payment_id": payment.ID,
			"payee_id":   payment.PayeeID,
			"reversal":   reversal,
		}).Warn("payment: refund reversal pending, payee wallet insufficient")

		s.notifier.NotifyRole(ctx, models.RoleAdmin, NotifyRequest{
			Type:     models.NotificationTypeReversalPending,
			Title:    "Требуется ручное сторнирование",
			Message:  fmt.Sprintf("Возврат по платежу %s проведён, но кошелёк исполнителя не покрывает %s", payment.ID, formatAmount(reversal, payment.Currency)),
			Priority: models.NotificationPriorityUrgent,
			Related:  &models.RelatedEntity{Kind: models.RelatedKindPayment, ID: payment.ID},
		})
		return apperror.ErrInsufficientWalletBalance
	default:
		return err
	}
}

// transition применяет переход статуса, если он разрешён и статус в хранилище не изменился.
func (s *PaymentService) transition(ctx context.Context, payment *models.Payment, to string, mutate func(*models.Payment)) error {
	from := payment.Status
	if !models.CanTransitionPayment(from, to) {
		return apperror.ErrInvalidTransition
	}

	next := *payment
	if mutate != nil {
		mutate(&next)
	}
	next.Status = to

	if err := s.payments.Update(ctx, &next, from); err != nil {
		if errors.Is(err, common.ErrStaleState) {
			return apperror.ErrInvalidTransition.WithCause(err)
		}
		return err
	}
	*payment = next

	metrics.PaymentTransitions.WithLabelValues(from, to).Inc()
	logger.Log.WithFields(logrus.Fields{
		"payment_id": payment.ID,
		"from":       from,
		"to":         to,
	}).Info("payment: status changed")
	return nil
}

func (s *PaymentService) lockByIntent(ctx context.Context, intentID string) (*models.Payment, func(), error) {
	found, err := s.payments.GetByIntentID(ctx, intentID)
	if err != nil {
		return nil, nil, err
	}

	unlock := s.locks.Lock(paymentKey(found.ID))
	payment, err := s.payments.GetByID(ctx, found.ID)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return payment, unlock, nil
}

// GetPayment возвращает платёж участнику сделки или администратору.
func (s *PaymentService) GetPayment(ctx context.Context, paymentID uuid.UUID, actor Actor) (*models.Payment, error) {
	payment, err := s.payments.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if !canSeePayment(payment, actor) {
		return nil, apperror.ErrNotAuthorized
	}
	return payment, nil
}

// GetPaymentByOrder возвращает последний платёж заказа.
func (s *PaymentService) GetPaymentByOrder(ctx context.Context, orderID uuid.UUID, actor Actor) (*models.Payment, error) {
	payment, err := s.payments.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !canSeePayment(payment, actor) {
		return nil, apperror.ErrNotAuthorized
	}
	return payment, nil
}

// ListPaymentsForUser возвращает платежи, где пользователь плательщик или получатель.
func (s *PaymentService) ListPaymentsForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Payment, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.payments.ListForUser(ctx, userID, limit, offset)
}

func canSeePayment(p *models.Payment, actor Actor) bool {
	return actor.IsAdmin() || actor.ID == p.PayerID || actor.ID == p.PayeeID
}

// writeOrderPaymentStatus синхронизирует бронирование. Ошибка не откатывает платёж.
func (s *PaymentService) writeOrderPaymentStatus(ctx context.Context, orderID uuid.UUID, status string) {
	if err := s.orders.UpdatePaymentStatus(ctx, orderID, status); err != nil {
		logger.Log.WithError(err).WithFields(logrus.Fields{
			"order_id":       orderID,
			"payment_status": status,
		}).Error("payment: order payment status write-back failed")
	}
}

func (s *PaymentService) writeOrderStatus(ctx context.Context, orderID uuid.UUID, status string) {
	if err := s.orders.UpdateStatus(ctx, orderID, status); err != nil {
		logger.Log.WithError(err).WithFields(logrus.Fields{
			"order_id": orderID,
			"status":   status,
		}).Error("payment: order status write-back failed")
	}
}

func paymentEvent(p *models.Payment) map[string]any {
	return map[string]any{
		"payment_id": p.ID,
		"order_id":   p.OrderID,
		"status":     p.Status,
		"amount":     p.Amount,
		"currency":   p.Currency,
	}
}

func formatAmount(amount int64, currency string) string {
	return fmt.Sprintf("%d.%02d %s", amount/100, amount%100, currency)
}

func paymentKey(id uuid.UUID) string {
	return "payment:" + id.String()
}

func orderKey(id uuid.UUID) string {
	return "order:" + id.String()
}
