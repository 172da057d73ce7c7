package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/artisan-market/internal/goroutine"
	"github.com/ignatzorin/artisan-market/internal/logger"
	"github.com/ignatzorin/artisan-market/internal/metrics"
	"github.com/ignatzorin/artisan-market/internal/models"
	"github.com/ignatzorin/artisan-market/internal/pkg/apperror"
)

// NotificationRepository описывает взаимодействие сервиса с хранилищем уведомлений.
type NotificationRepository interface {
	Create(ctx context.Context, notification *models.Notification) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Notification, error)
	List(ctx context.Context, userID uuid.UUID, limit, offset int, unreadOnly bool) ([]models.Notification, error)
	MarkRead(ctx context.Context, userID, id uuid.UUID) error
	MarkManyRead(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) (int64, error)
	MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error)
	ClearOlderThan(ctx context.Context, userID uuid.UUID, before time.Time) (int64, error)
	Delete(ctx context.Context, userID, id uuid.UUID) error
	CountUnread(ctx context.Context, userID uuid.UUID) (int, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// Realtime - доставка событий подключённым клиентам.
type Realtime interface {
	IsOnline(userID uuid.UUID) bool
	SendToUser(userID uuid.UUID, event string, data any)
}

// EmailSender отправляет письмо. Ошибки только логируются.
type EmailSender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// UserDirectory - чтение пользователей для рассылки по роли и по почте.
type UserDirectory interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	ListIDsByRole(ctx context.Context, role string) ([]uuid.UUID, error)
}

// Notifier - то, что доменные сервисы знают о рассылке уведомлений.
// Вызовы не возвращают ошибок: сбой доставки не должен ломать бизнес-операцию.
type Notifier interface {
	Notify(ctx context.Context, req NotifyRequest)
	NotifyRole(ctx context.Context, role string, req NotifyRequest)
}

// NotifyRequest - доменное событие для одного получателя.
type NotifyRequest struct {
	UserID   uuid.UUID
	Type     string
	Title    string
	Message  string
	Priority string
	Related  *models.RelatedEntity
	Data     any
}

type relatedAction struct {
	path string
	text string
}

// relatedActions связывает вид сущности со ссылкой для клиента.
var relatedActions = map[string]relatedAction{
	models.RelatedKindBooking: {path: "/bookings/%s", text: "Открыть бронирование"},
	models.RelatedKindChat:    {path: "/chats/%s", text: "Перейти в чат"},
	models.RelatedKindPayment: {path: "/payments/%s", text: "Открыть платёж"},
	models.RelatedKindDispute: {path: "/disputes/%s", text: "Открыть спор"},
	models.RelatedKindPayout:  {path: "/payouts/%s", text: "Открыть выплату"},
}

// realtimeEvents - дополнительное типизированное событие для некоторых типов уведомлений.
var realtimeEvents = map[string]string{
	models.NotificationTypeBookingUpdate:    "bookingUpdate",
	models.NotificationTypePayoutProcessed:  "payoutProcessed",
	models.NotificationTypePayoutFailed:     "payoutProcessed",
	models.NotificationTypeDisputeOpened:    "disputeUpdate",
	models.NotificationTypeDisputeMessage:   "disputeUpdate",
	models.NotificationTypeDisputeUpdated:   "disputeUpdate",
	models.NotificationTypeDisputeEscalated: "disputeUpdate",
	models.NotificationTypeDisputeResolved:  "disputeUpdate",
}

// NotificationService сохраняет уведомления и доставляет их в realtime канал.
type NotificationService struct {
	repo     NotificationRepository
	realtime Realtime
	users    UserDirectory
	email    EmailSender
	ttl      time.Duration
	async    bool
	now      func() time.Time
}

// NewNotificationService создаёт новый сервис уведомлений.
func NewNotificationService(repo NotificationRepository, realtime Realtime, users UserDirectory, ttl time.Duration, async bool) *NotificationService {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &NotificationService{
		repo:     repo,
		realtime: realtime,
		users:    users,
		ttl:      ttl,
		async:    async,
		now:      time.Now,
	}
}

// SetEmailSender подключает почту для срочных уведомлений офлайн пользователям.
func (s *NotificationService) SetEmailSender(sender EmailSender) {
	s.email = sender
}

// Notify сохраняет и доставляет уведомление, не возвращая ошибок.
func (s *NotificationService) Notify(ctx context.Context, req NotifyRequest) {
	if !s.async {
		s.dispatchLogged(ctx, req)
		return
	}

	detached := context.WithoutCancel(ctx)
	goroutine.SafeGoNamed("notification_dispatch", func() {
		s.dispatchLogged(detached, req)
	})
}

// NotifyRole рассылает уведомление всем активным пользователям роли.
func (s *NotificationService) NotifyRole(ctx context.Context, role string, req NotifyRequest) {
	if s.users == nil {
		return
	}
	ids, err := s.users.ListIDsByRole(ctx, role)
	if err != nil {
		logger.Log.WithError(err).WithField("role", role).Error("notification: list role recipients")
		return
	}
	for _, id := range ids {
		r := req
		r.UserID = id
		s.Notify(ctx, r)
	}
}

func (s *NotificationService) dispatchLogged(ctx context.Context, req NotifyRequest) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.WithFields(logrus.Fields{
				"user_id": req.UserID,
				"type":    req.Type,
				"panic":   r,
			}).Error("notification: delivery panicked")
		}
	}()

	if _, err := s.Send(ctx, req); err != nil {
		logger.Log.WithError(err).WithFields(logrus.Fields{
			"user_id": req.UserID,
			"type":    req.Type,
		}).Error("notification: dispatch failed")
	}
}

// Send сохраняет уведомление и пытается доставить его сразу.
// Ошибку возвращает только сохранение, доставка best effort.
func (s *NotificationService) Send(ctx context.Context, req NotifyRequest) (*models.Notification, error) {
	n, err := s.build(req)
	if err != nil {
		return nil, err
	}

	if err := s.repo.Create(ctx, n); err != nil {
		metrics.NotificationsDispatched.WithLabelValues("store", "error").Inc()
		return nil, err
	}
	metrics.NotificationsDispatched.WithLabelValues("store", "ok").Inc()

	online := s.realtime != nil && s.realtime.IsOnline(n.UserID)
	if online {
		s.realtime.SendToUser(n.UserID, "notification", n)
		if event, ok := realtimeEvents[n.Type]; ok {
			s.realtime.SendToUser(n.UserID, event, req.Data)
		}
		metrics.NotificationsDispatched.WithLabelValues("realtime", "ok").Inc()
	}

	if !online && n.IsUrgent() {
		s.sendEmail(ctx, n)
	}

	return n, nil
}

func (s *NotificationService) build(req NotifyRequest) (*models.Notification, error) {
	if req.UserID == uuid.Nil {
		return nil, apperror.New(apperror.ErrCodeValidation, "не указан получатель уведомления")
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, apperror.New(apperror.ErrCodeValidation, "не указан заголовок уведомления")
	}

	now := s.now()
	n := &models.Notification{
		UserID:    req.UserID,
		Title:     req.Title,
		Message:   req.Message,
		Type:      req.Type,
		Priority:  req.Priority,
		ExpiresAt: now.Add(s.ttl),
		CreatedAt: now,
	}
	if n.Type == "" {
		n.Type = models.NotificationTypeSystem
	}
	if n.Priority == "" {
		n.Priority = models.NotificationPriorityNormal
	}

	if req.Related != nil {
		kind := req.Related.Kind
		id := req.Related.ID
		n.RelatedKind = &kind
		n.RelatedID = &id
		if action, ok := relatedActions[kind]; ok {
			url := fmt.Sprintf(action.path, id)
			text := action.text
			n.ActionURL = &url
			n.ActionText = &text
		}
	}

	if req.Data != nil {
		payload, err := json.Marshal(req.Data)
		if err != nil {
			return nil, fmt.Errorf("notification service: marshal payload %w", err)
		}
		n.Payload = payload
	}

	return n, nil
}

func (s *NotificationService) sendEmail(ctx context.Context, n *models.Notification) {
	if s.email == nil || s.users == nil {
		return
	}

	user, err := s.users.GetByID(ctx, n.UserID)
	if err != nil {
		logger.Log.WithError(err).WithField("user_id", n.UserID).Warn("notification: email recipient lookup failed")
		return
	}

	body := n.Message
	if n.ActionURL != nil {
		body += "\n\n" + *n.ActionURL
	}
	if err := s.email.Send(ctx, user.Email, n.Title, body); err != nil {
		metrics.NotificationsDispatched.WithLabelValues("email", "error").Inc()
		logger.Log.WithError(err).WithFields(logrus.Fields{
			"user_id":         n.UserID,
			"notification_id": n.ID,
		}).Warn("notification: email delivery failed")
		return
	}
	metrics.NotificationsDispatched.WithLabelValues("email", "ok").Inc()
}

// GetNotification возвращает уведомление получателя.
func (s *NotificationService) GetNotification(ctx context.Context, id, userID uuid.UUID) (*models.Notification, error) {
	n, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.UserID != userID {
		return nil, apperror.ErrNotificationNotFound
	}
	return n, nil
}

// ListNotifications возвращает список уведомлений пользователя.
func (s *NotificationService) ListNotifications(ctx context.Context, userID uuid.UUID, limit, offset int, unreadOnly bool) ([]models.Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	return s.repo.List(ctx, userID, limit, offset, unreadOnly)
}

// MarkRead отмечает уведомление прочитанным. Повторный вызов не ошибка.
func (s *NotificationService) MarkRead(ctx context.Context, userID, id uuid.UUID) error {
	return s.repo.MarkRead(ctx, userID, id)
}

// MarkManyRead отмечает прочитанными несколько уведомлений получателя.
func (s *NotificationService) MarkManyRead(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return s.repo.MarkManyRead(ctx, userID, ids)
}

// MarkAllRead отмечает все уведомления пользователя как прочитанные.
func (s *NotificationService) MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error) {
	return s.repo.MarkAllRead(ctx, userID)
}

// ClearOlderThan удаляет уведомления пользователя старше days дней.
func (s *NotificationService) ClearOlderThan(ctx context.Context, userID uuid.UUID, days int) (int64, error) {
	if days < 0 {
		return 0, apperror.New(apperror.ErrCodeValidation, "количество дней не может быть отрицательным")
	}
	return s.repo.ClearOlderThan(ctx, userID, s.now().AddDate(0, 0, -days))
}

// DeleteNotification удаляет уведомление.
func (s *NotificationService) DeleteNotification(ctx context.Context, id, userID uuid.UUID) error {
	return s.repo.Delete(ctx, userID, id)
}

// CountUnread возвращает количество непрочитанных уведомлений.
func (s *NotificationService) CountUnread(ctx context.Context, userID uuid.UUID) (int, error) {
	return s.repo.CountUnread(ctx, userID)
}

// PurgeExpired удаляет уведомления с истёкшим сроком хранения.
func (s *NotificationService) PurgeExpired(ctx context.Context) (int64, error) {
	removed, err := s.repo.PurgeExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		logger.Log.WithField("removed", removed).Info("notification: purged expired")
	}
	return removed, nil
}
