package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Типы уведомлений
const (
	NotificationTypeBookingUpdate    = "booking_update"
	NotificationTypePaymentReceived  = "payment_received"
	NotificationTypePaymentFailed    = "payment_failed"
	NotificationTypePaymentReleased  = "payment_released"
	NotificationTypeRefundProcessed  = "refund_processed"
	NotificationTypeRefundReview     = "refund_review"
	NotificationTypeReversalPending  = "reversal_pending"
	NotificationTypeDisputeOpened    = "dispute_opened"
	NotificationTypeDisputeMessage   = "dispute_message"
	NotificationTypeDisputeUpdated   = "dispute_updated"
	NotificationTypeDisputeEscalated = "dispute_escalated"
	NotificationTypeDisputeResolved  = "dispute_resolved"
	NotificationTypePayoutProcessed  = "payout_processed"
	NotificationTypePayoutFailed     = "payout_failed"
	NotificationTypeNewMessage       = "new_message"
	NotificationTypeSystem           = "system"
)

// Приоритеты уведомлений
const (
	NotificationPriorityLow    = "low"
	NotificationPriorityNormal = "normal"
	NotificationPriorityHigh   = "high"
	NotificationPriorityUrgent = "urgent"
)

// Виды связанных сущностей
const (
	RelatedKindBooking = "booking"
	RelatedKindChat    = "chat"
	RelatedKindPayment = "payment"
	RelatedKindDispute = "dispute"
	RelatedKindPayout  = "payout"
)

// RelatedEntity - ссылка на сущность, к которой относится уведомление.
type RelatedEntity struct {
	Kind string    `json:"kind"`
	ID   uuid.UUID `json:"id"`
}

// Notification - персистентное уведомление пользователя.
type Notification struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	UserID      uuid.UUID       `db:"user_id" json:"user_id"`
	Title       string          `db:"title" json:"title"`
	Message     string          `db:"message" json:"message"`
	Type        string          `db:"type" json:"type"`
	Priority    string          `db:"priority" json:"priority"`
	IsRead      bool            `db:"is_read" json:"is_read"`
	RelatedKind *string         `db:"related_kind" json:"related_kind,omitempty"`
	RelatedID   *uuid.UUID      `db:"related_id" json:"related_id,omitempty"`
	ActionURL   *string         `db:"action_url" json:"action_url,omitempty"`
	ActionText  *string         `db:"action_text" json:"action_text,omitempty"`
	Payload     json.RawMessage `db:"payload" json:"payload,omitempty"`
	ExpiresAt   time.Time       `db:"expires_at" json:"expires_at"`
	ReadAt      *time.Time      `db:"read_at" json:"read_at,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
}

// Related восстанавливает ссылку на связанную сущность.
func (n *Notification) Related() *RelatedEntity {
	if n.RelatedKind == nil || n.RelatedID == nil {
		return nil
	}
	return &RelatedEntity{Kind: *n.RelatedKind, ID: *n.RelatedID}
}

// IsUrgent сообщает, что уведомление стоит продублировать по почте.
func (n *Notification) IsUrgent() bool {
	return n.Priority == NotificationPriorityHigh || n.Priority == NotificationPriorityUrgent
}
