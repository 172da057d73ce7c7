package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/artisan-market/internal/logger"
	"github.com/ignatzorin/artisan-market/internal/metrics"
	"github.com/ignatzorin/artisan-market/internal/models"
	"github.com/ignatzorin/artisan-market/internal/pkg/apperror"
	"github.com/ignatzorin/artisan-market/internal/repository/common"
)

const disputePreviewLength = 100

// DisputeRepository описывает хранилище споров.
type DisputeRepository interface {
	Create(ctx context.Context, d *models.Dispute) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Dispute, error)
	GetActiveByPaymentID(ctx context.Context, paymentID uuid.UUID) (*models.Dispute, error)
	ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Dispute, error)
	ListByStatus(ctx context.Context, statuses []string, limit, offset int) ([]models.Dispute, error)
	AppendMessage(ctx context.Context, id uuid.UUID, msg models.DisputeMessage) (*models.Dispute, error)
	AppendEvidence(ctx context.Context, id uuid.UUID, ev models.Evidence) (*models.Dispute, error)
	UpdateState(ctx context.Context, d *models.Dispute, expected []string) error
}

// PaymentLookup - чтение платежей для движка споров.
type PaymentLookup interface {
	GetByOrderID(ctx context.Context, orderID uuid.UUID) (*models.Payment, error)
	GetByIntentID(ctx context.Context, intentID string) (*models.Payment, error)
}

// ResolutionApplier проводит денежную часть решения спора.
type ResolutionApplier interface {
	ApplyResolution(ctx context.Context, paymentID uuid.UUID, r models.DisputeResolution) (*models.Payment, error)
	AttachDispute(ctx context.Context, paymentID, disputeID uuid.UUID) error
}

// InitiateDisputeInput - данные для открытия спора.
type InitiateDisputeInput struct {
	OrderID     uuid.UUID
	RaisedBy    uuid.UUID
	Type        string
	Description string
	Evidence    []string
}

type DisputeService struct {
	disputes DisputeRepository
	payments PaymentLookup
	engine   ResolutionApplier
	orders   OrderRepository
	notifier Notifier
	locks    *KeyedLocker
	now      func() time.Time
}

func NewDisputeService(disputes DisputeRepository, payments PaymentLookup, engine ResolutionApplier, orders OrderRepository, notifier Notifier) *DisputeService {
	return &DisputeService{
		disputes: disputes,
		payments: payments,
		engine:   engine,
		orders:   orders,
		notifier: notifier,
		locks:    NewKeyedLocker(),
		now:      time.Now,
	}
}

// InitiateDispute открывает спор по платежу заказа. Пока спор активен,
// выплата исполнителю из escrow запрещена.
func (s *DisputeService) InitiateDispute(ctx context.Context, in InitiateDisputeInput) (*models.Dispute, error) {
	if _, ok := models.ValidDisputeTypes[in.Type]; !ok {
		return nil, apperror.New(apperror.ErrCodeValidation, "неизвестный тип спора")
	}
	if strings.TrimSpace(in.Description) == "" {
		return nil, apperror.New(apperror.ErrCodeValidation, "опишите суть спора")
	}

	payment, err := s.payments.GetByOrderID(ctx, in.OrderID)
	if err != nil {
		return nil, err
	}
	if in.RaisedBy != payment.PayerID && in.RaisedBy != payment.PayeeID {
		return nil, apperror.ErrNotAuthorized
	}
	if payment.Status != models.PaymentStatusInEscrow && payment.Status != models.PaymentStatusReleased {
		return nil, apperror.ErrPaymentNotDisputable
	}

	against := payment.PayeeID
	if in.RaisedBy == payment.PayeeID {
		against = payment.PayerID
	}

	now := s.now()
	evidence := make(models.EvidenceList, 0, len(in.Evidence))
	for _, url := range in.Evidence {
		if strings.TrimSpace(url) == "" {
			continue
		}
		evidence = append(evidence, models.Evidence{URL: url, UploadedBy: in.RaisedBy, UploadedAt: now})
	}

	d := &models.Dispute{
		OrderID:     payment.OrderID,
		PaymentID:   payment.ID,
		RaisedBy:    in.RaisedBy,
		Against:     against,
		Type:        in.Type,
		Status:      models.DisputeStatusOpen,
		Description: in.Description,
		Evidence:    evidence,
		Messages:    models.DisputeMessages{},
	}

	if err := s.create(ctx, d); err != nil {
		return nil, err
	}

	s.notifier.Notify(ctx, NotifyRequest{
		UserID:   against,
		Type:     models.NotificationTypeDisputeOpened,
		Title:    "Открыт спор по заказу",
		Message:  truncatePreview(in.Description),
		Priority: models.NotificationPriorityHigh,
		Related:  &models.RelatedEntity{Kind: models.RelatedKindDispute, ID: d.ID},
		Data:     disputeEvent(d),
	})

	return d, nil
}

// OpenChargeback открывает спор по событию процессора. Плательщик оспорил списание
// у банка, поэтому спор всегда от плательщика к исполнителю. Повтор события
// возвращает уже открытый спор.
func (s *DisputeService) OpenChargeback(ctx context.Context, intentID, reason, caseID string) (*models.Dispute, error) {
	payment, err := s.payments.GetByIntentID(ctx, intentID)
	if err != nil {
		return nil, err
	}

	if existing, err := s.disputes.GetActiveByPaymentID(ctx, payment.ID); err == nil {
		return existing, nil
	} else if !errors.Is(err, apperror.ErrDisputeNotFound) {
		return nil, err
	}

	description := "Плательщик оспорил списание в банке"
	if reason != "" {
		description += ": " + reason
	}

	d := &models.Dispute{
		OrderID:     payment.OrderID,
		PaymentID:   payment.ID,
		RaisedBy:    payment.PayerID,
		Against:     payment.PayeeID,
		Type:        models.DisputeTypePayment,
		Status:      models.DisputeStatusOpen,
		Description: description,
		Evidence:    models.EvidenceList{},
		Messages:    models.DisputeMessages{},
	}
	if caseID != "" {
		d.ProcessorCaseID = &caseID
	}

	if err := s.create(ctx, d); err != nil {
		if errors.Is(err, apperror.ErrDisputeAlreadyExists) {
			return s.disputes.GetActiveByPaymentID(ctx, payment.ID)
		}
		return nil, err
	}

	related := &models.RelatedEntity{Kind: models.RelatedKindDispute, ID: d.ID}
	s.notifier.Notify(ctx, NotifyRequest{
		UserID:   payment.PayeeID,
		Type:     models.NotificationTypeDisputeOpened,
		Title:    "Платёж оспорен в банке",
		Message:  description,
		Priority: models.NotificationPriorityHigh,
		Related:  related,
		Data:     disputeEvent(d),
	})
	s.notifier.NotifyRole(ctx, models.RoleAdmin, NotifyRequest{
		Type:     models.NotificationTypeDisputeOpened,
		Title:    "Новый chargeback",
		Message:  description,
		Priority: models.NotificationPriorityUrgent,
		Related:  related,
		Data:     disputeEvent(d),
	})

	return d, nil
}

func (s *DisputeService) create(ctx context.Context, d *models.Dispute) error {
	unlock := s.locks.Lock("dispute-payment:" + d.PaymentID.String())
	defer unlock()

	if _, err := s.disputes.GetActiveByPaymentID(ctx, d.PaymentID); err == nil {
		return apperror.ErrDisputeAlreadyExists
	} else if !errors.Is(err, apperror.ErrDisputeNotFound) {
		return err
	}

	if err := s.disputes.Create(ctx, d); err != nil {
		return err
	}

	if err := s.engine.AttachDispute(ctx, d.PaymentID, d.ID); err != nil {
		logger.Log.WithError(err).WithField("payment_id", d.PaymentID).Error("dispute: payment write-back failed")
	}
	if err := s.orders.UpdateStatus(ctx, d.OrderID, models.OrderStatusDisputed); err != nil {
		logger.Log.WithError(err).WithField("order_id", d.OrderID).Error("dispute: order status write-back failed")
	}

	metrics.DisputeTransitions.WithLabelValues(models.DisputeStatusOpen).Inc()
	logger.Log.WithFields(logrus.Fields{
		"dispute_id": d.ID,
		"payment_id": d.PaymentID,
		"raised_by":  d.RaisedBy,
	}).Info("dispute: opened")
	return nil
}

// AddDisputeMessage дописывает сообщение в переписку. Второй стороне уходит
// уведомление с коротким превью.
func (s *DisputeService) AddDisputeMessage(ctx context.Context, disputeID, senderID uuid.UUID, text string, attachments []string) (*models.Dispute, error) {
	if strings.TrimSpace(text) == "" {
		return nil, apperror.ErrEmptyMessage
	}

	d, err := s.disputes.GetByID(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !d.IsParty(senderID) {
		return nil, apperror.ErrNotAuthorized
	}

	msg := models.DisputeMessage{
		ID:          uuid.New(),
		SenderID:    senderID,
		Text:        text,
		Attachments: attachments,
		CreatedAt:   s.now(),
	}

	updated, err := s.disputes.AppendMessage(ctx, disputeID, msg)
	if err != nil {
		if errors.Is(err, common.ErrStaleState) {
			return nil, apperror.ErrDisputeResolved
		}
		return nil, err
	}

	s.notifier.Notify(ctx, NotifyRequest{
		UserID:  updated.Counterparty(senderID),
		Type:    models.NotificationTypeDisputeMessage,
		Title:   "Новое сообщение в споре",
		Message: truncatePreview(text),
		Related: &models.RelatedEntity{Kind: models.RelatedKindDispute, ID: updated.ID},
		Data: map[string]any{
			"dispute_id": updated.ID,
			"message_id": msg.ID,
			"sender_id":  senderID,
		},
	})

	return updated, nil
}

// AddEvidence прикрепляет доказательство к активному спору.
func (s *DisputeService) AddEvidence(ctx context.Context, disputeID, userID uuid.UUID, url, description string) (*models.Dispute, error) {
	if strings.TrimSpace(url) == "" {
		return nil, apperror.New(apperror.ErrCodeValidation, "не указан файл доказательства")
	}

	d, err := s.disputes.GetByID(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !d.IsParty(userID) {
		return nil, apperror.ErrNotAuthorized
	}

	updated, err := s.disputes.AppendEvidence(ctx, disputeID, models.Evidence{
		URL:         url,
		Description: description,
		UploadedBy:  userID,
		UploadedAt:  s.now(),
	})
	if err != nil {
		if errors.Is(err, common.ErrStaleState) {
			return nil, apperror.ErrDisputeResolved
		}
		return nil, err
	}
	return updated, nil
}

// StartReview берёт открытый спор в работу администратором.
func (s *DisputeService) StartReview(ctx context.Context, disputeID uuid.UUID, actor Actor) (*models.Dispute, error) {
	if !actor.IsAdmin() {
		return nil, apperror.ErrNotAuthorized
	}

	return s.changeState(ctx, disputeID, []string{models.DisputeStatusOpen}, func(d *models.Dispute) {
		d.Status = models.DisputeStatusUnderReview
		reviewer := actor.ID
		d.ReviewerID = &reviewer
	}, func(d *models.Dispute) {
		s.notifyParties(ctx, d, models.NotificationTypeDisputeUpdated, "Спор передан на рассмотрение", "")
	})
}

// EscalateDispute передаёт спор администраторам.
func (s *DisputeService) EscalateDispute(ctx context.Context, disputeID uuid.UUID, actor Actor, reason string) (*models.Dispute, error) {
	d, err := s.disputes.GetByID(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !d.IsParty(actor.ID) && !actor.IsAdmin() {
		return nil, apperror.ErrNotAuthorized
	}

	return s.changeState(ctx, disputeID, []string{models.DisputeStatusOpen, models.DisputeStatusUnderReview}, func(d *models.Dispute) {
		d.Status = models.DisputeStatusEscalated
		if reason != "" {
			d.EscalationReason = &reason
		}
	}, func(d *models.Dispute) {
		s.notifier.NotifyRole(ctx, models.RoleAdmin, NotifyRequest{
			Type:     models.NotificationTypeDisputeEscalated,
			Title:    "Спор эскалирован",
			Message:  truncatePreview(reason),
			Priority: models.NotificationPriorityUrgent,
			Related:  &models.RelatedEntity{Kind: models.RelatedKindDispute, ID: d.ID},
			Data:     disputeEvent(d),
		})
		s.notifyParties(ctx, d, models.NotificationTypeDisputeEscalated, "Спор передан администрации", reason)
	})
}

// ResolveDispute проводит решение администратора. Спор помечается решённым только
// после того, как деньги перемещены; при ошибке платёжного ядра спор не меняется.
func (s *DisputeService) ResolveDispute(ctx context.Context, disputeID uuid.UUID, resolution models.DisputeResolution, actor Actor) (*models.Dispute, error) {
	if !actor.IsAdmin() {
		return nil, apperror.ErrNotAuthorized
	}

	unlock := s.locks.Lock(disputeKey(disputeID))
	defer unlock()

	d, err := s.disputes.GetByID(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !models.IsActiveDisputeStatus(d.Status) {
		return nil, apperror.ErrDisputeResolved
	}

	resolution.ResolvedBy = actor.ID
	resolution.ResolvedAt = s.now()

	_, err = s.engine.ApplyResolution(ctx, d.PaymentID, resolution)
	if err != nil && !errors.Is(err, apperror.ErrInsufficientWalletBalance) {
		logger.Log.WithError(err).WithFields(logrus.Fields{
			"dispute_id": d.ID,
			"resolution": resolution.Type,
		}).Warn("dispute: resolution aborted, dispute left unchanged")
		return nil, err
	}

	previous := d.Status
	d.Status = models.DisputeStatusResolved
	d.Resolution = &resolution
	if err := s.disputes.UpdateState(ctx, d, models.ActiveDisputeStatuses); err != nil {
		logger.Log.WithError(err).WithFields(logrus.Fields{
			"dispute_id": d.ID,
			"payment_id": d.PaymentID,
		}).Error("dispute: money moved but dispute state not saved")
		return nil, err
	}

	metrics.DisputeTransitions.WithLabelValues(d.Status).Inc()
	logger.Log.WithFields(logrus.Fields{
		"dispute_id": d.ID,
		"from":       previous,
		"resolution": resolution.Type,
	}).Info("dispute: resolved")

	s.notifyParties(ctx, d, models.NotificationTypeDisputeResolved, "Спор решён", resolution.Description)
	return d, nil
}

// CloseDispute закрывает спор без решения. Доступно инициатору и администратору.
func (s *DisputeService) CloseDispute(ctx context.Context, disputeID uuid.UUID, actor Actor, reason string) (*models.Dispute, error) {
	d, err := s.disputes.GetByID(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.RaisedBy != actor.ID && !actor.IsAdmin() {
		return nil, apperror.ErrNotAuthorized
	}

	return s.changeState(ctx, disputeID, models.ActiveDisputeStatuses, func(d *models.Dispute) {
		d.Status = models.DisputeStatusClosed
		if reason != "" {
			d.ClosedReason = &reason
		}
	}, func(d *models.Dispute) {
		s.notifyParties(ctx, d, models.NotificationTypeDisputeUpdated, "Спор закрыт", reason)
	})
}

func (s *DisputeService) changeState(ctx context.Context, disputeID uuid.UUID, expected []string, mutate func(*models.Dispute), after func(*models.Dispute)) (*models.Dispute, error) {
	unlock := s.locks.Lock(disputeKey(disputeID))
	defer unlock()

	d, err := s.disputes.GetByID(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !containsStatus(expected, d.Status) {
		if !models.IsActiveDisputeStatus(d.Status) {
			return nil, apperror.ErrDisputeResolved
		}
		return nil, apperror.ErrInvalidTransition
	}

	previous := d.Status
	mutate(d)
	if err := s.disputes.UpdateState(ctx, d, []string{previous}); err != nil {
		if errors.Is(err, common.ErrStaleState) {
			return nil, apperror.ErrInvalidTransition.WithCause(err)
		}
		return nil, err
	}

	metrics.DisputeTransitions.WithLabelValues(d.Status).Inc()
	logger.Log.WithFields(logrus.Fields{
		"dispute_id": d.ID,
		"from":       previous,
		"to":         d.Status,
	}).Info("dispute: status changed")

	after(d)
	return d, nil
}

// GetDispute возвращает спор стороне или администратору.
func (s *DisputeService) GetDispute(ctx context.Context, disputeID uuid.UUID, actor Actor) (*models.Dispute, error) {
	d, err := s.disputes.GetByID(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !d.IsParty(actor.ID) && !actor.IsAdmin() {
		return nil, apperror.ErrNotAuthorized
	}
	return d, nil
}

// ListDisputes: администратор видит очередь активных споров, остальные свои споры.
func (s *DisputeService) ListDisputes(ctx context.Context, actor Actor, limit, offset int) ([]models.Dispute, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	if actor.IsAdmin() {
		return s.disputes.ListByStatus(ctx, models.ActiveDisputeStatuses, limit, offset)
	}
	return s.disputes.ListForUser(ctx, actor.ID, limit, offset)
}

func (s *DisputeService) notifyParties(ctx context.Context, d *models.Dispute, notificationType, title, message string) {
	for _, userID := range []uuid.UUID{d.RaisedBy, d.Against} {
		s.notifier.Notify(ctx, NotifyRequest{
			UserID:  userID,
			Type:    notificationType,
			Title:   title,
			Message: truncatePreview(message),
			Related: &models.RelatedEntity{Kind: models.RelatedKindDispute, ID: d.ID},
			Data:    disputeEvent(d),
		})
	}
}

func disputeEvent(d *models.Dispute) map[string]any {
	return map[string]any{
		"dispute_id": d.ID,
		"payment_id": d.PaymentID,
		"order_id":   d.OrderID,
		"status":     d.Status,
	}
}

// truncatePreview обрезает текст для push-уведомления.
func truncatePreview(text string) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= disputePreviewLength {
		return string(runes)
	}
	return string(runes[:disputePreviewLength]) + "..."
}

func containsStatus(list []string, status string) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}

func disputeKey(id uuid.UUID) string {
	return "dispute:" + id.String()
}
