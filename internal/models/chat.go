package models

import (
	"database/sql/driver"
	"time"

	"github.com/google/uuid"
)

const (
	MessageTypeText       = "text"
	MessageTypeSystem     = "system"
	MessageTypeQuickReply = "quick_reply"
	MessageTypeFile       = "file"
)

var ValidMessageTypes = map[string]struct{}{
	MessageTypeText:       {},
	MessageTypeSystem:     {},
	MessageTypeQuickReply: {},
	MessageTypeFile:       {},
}

// Статусы доставки сообщения конкретному получателю
const (
	MessageStatusSent      = "sent"
	MessageStatusDelivered = "delivered"
	MessageStatusRead      = "read"
)

// Типы вложений
const (
	AttachmentTypeImage    = "image"
	AttachmentTypeDocument = "document"
	AttachmentTypeAudio    = "audio"
	AttachmentTypeVideo    = "video"
)

// Chat - диалог между заказчиком и исполнителем, опционально привязанный к заказу.
type Chat struct {
	ID                 uuid.UUID  `db:"id" json:"id"`
	UserID             uuid.UUID  `db:"user_id" json:"user_id"`
	ArtisanID          uuid.UUID  `db:"artisan_id" json:"artisan_id"`
	BookingID          *uuid.UUID `db:"booking_id" json:"booking_id,omitempty"`
	LastMessageID      *uuid.UUID `db:"last_message_id" json:"last_message_id,omitempty"`
	LastMessagePreview *string    `db:"last_message_preview" json:"last_message_preview,omitempty"`
	LastMessageAt      *time.Time `db:"last_message_at" json:"last_message_at,omitempty"`
	IsBlocked          bool       `db:"is_blocked" json:"is_blocked"`
	EncryptionEnabled  bool       `db:"encryption_enabled" json:"encryption_enabled"`
	MessageTTLSeconds  *int64     `db:"message_ttl_seconds" json:"message_ttl_seconds,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
}

// Participants возвращает обоих участников.
func (c *Chat) Participants() []uuid.UUID {
	return []uuid.UUID{c.UserID, c.ArtisanID}
}

func (c *Chat) HasParticipant(userID uuid.UUID) bool {
	return c.UserID == userID || c.ArtisanID == userID
}

// Counterparty возвращает собеседника пользователя.
func (c *Chat) Counterparty(userID uuid.UUID) uuid.UUID {
	if c.UserID == userID {
		return c.ArtisanID
	}
	return c.UserID
}

// RoomID - имя комнаты realtime канала для чата.
func (c *Chat) RoomID() string {
	return "chat:" + c.ID.String()
}

type Attachment struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	Type string `json:"type"`
	MIME string `json:"mime,omitempty"`
	Size int64  `json:"size"`
}

type Attachments []Attachment

func (a Attachments) Value() (driver.Value, error) {
	if a == nil {
		a = Attachments{}
	}
	return jsonValue(a)
}
func (a *Attachments) Scan(src any) error { return jsonScan(src, a) }

type Reaction struct {
	UserID    uuid.UUID `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

type Reactions []Reaction

func (r Reactions) Value() (driver.Value, error) {
	if r == nil {
		r = Reactions{}
	}
	return jsonValue(r)
}
func (r *Reactions) Scan(src any) error { return jsonScan(src, r) }

// Receipts - множество получателей с моментом доставки или прочтения.
// Записи только добавляются.
type Receipts map[string]time.Time

func (r Receipts) Value() (driver.Value, error) {
	if r == nil {
		r = Receipts{}
	}
	return jsonValue(r)
}
func (r *Receipts) Scan(src any) error { return jsonScan(src, r) }

func (r Receipts) Has(userID uuid.UUID) bool {
	_, ok := r[userID.String()]
	return ok
}

type EditRecord struct {
	Content  string    `json:"content"`
	EditedAt time.Time `json:"edited_at"`
}

type EditHistory []EditRecord

func (h EditHistory) Value() (driver.Value, error) {
	if h == nil {
		h = EditHistory{}
	}
	return jsonValue(h)
}
func (h *EditHistory) Scan(src any) error { return jsonScan(src, h) }

// Message - сообщение чата. Content хранится зашифрованным, если Encrypted.
type Message struct {
	ID          uuid.UUID   `db:"id" json:"id"`
	ChatID      uuid.UUID   `db:"chat_id" json:"chat_id"`
	SenderID    uuid.UUID   `db:"sender_id" json:"sender_id"`
	Content     string      `db:"content" json:"content"`
	Encrypted   bool        `db:"encrypted" json:"-"`
	Type        string      `db:"type" json:"type"`
	Attachments Attachments `db:"attachments" json:"attachments"`
	Reactions   Reactions   `db:"reactions" json:"reactions"`
	DeliveredTo Receipts    `db:"delivered_to" json:"delivered_to"`
	ReadBy      Receipts    `db:"read_by" json:"read_by"`
	EditHistory EditHistory `db:"edit_history" json:"edit_history,omitempty"`
	ReplyTo     *uuid.UUID  `db:"reply_to" json:"reply_to,omitempty"`
	ExpiresAt   *time.Time  `db:"expires_at" json:"expires_at,omitempty"`
	EditedAt    *time.Time  `db:"edited_at" json:"edited_at,omitempty"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
}

// StatusFor возвращает статус сообщения для получателя: read подразумевает delivered.
func (m *Message) StatusFor(recipientID uuid.UUID) string {
	switch {
	case m.ReadBy.Has(recipientID):
		return MessageStatusRead
	case m.DeliveredTo.Has(recipientID):
		return MessageStatusDelivered
	default:
		return MessageStatusSent
	}
}

// ChatSummary - чат со счётчиком непрочитанных для списка диалогов.
type ChatSummary struct {
	Chat
	UnreadCount int `db:"unread_count" json:"unread_count"`
}
