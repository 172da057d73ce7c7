package ws

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/artisan-market/internal/logger"
	"github.com/ignatzorin/artisan-market/internal/models"
	"github.com/ignatzorin/artisan-market/internal/pkg/apperror"
	"github.com/ignatzorin/artisan-market/internal/service"
)

// Входящие события клиента
const (
	EventJoinRoom         = "join_room"
	EventLeaveRoom        = "leave_room"
	EventSendMessage      = "sendMessage"
	EventTyping           = "typing"
	EventMessageDelivered = "messageDelivered"
	EventMessageRead      = "messageRead"
)

// ChatHandler - операции чата, доступные из realtime канала.
type ChatHandler interface {
	CanJoinRoom(ctx context.Context, userID uuid.UUID, room string) error
	SendMessage(ctx context.Context, in service.SendMessageInput) (*models.Message, error)
	Typing(ctx context.Context, chatID, userID uuid.UUID, isTyping bool) error
	MarkDelivered(ctx context.Context, messageID, userID uuid.UUID) (*models.Message, error)
	MarkRead(ctx context.Context, messageID, userID uuid.UUID) (*models.Message, error)
}

type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type roomPayload struct {
	Room string `json:"room"`
}

type sendMessagePayload struct {
	ChatID  uuid.UUID  `json:"chat_id"`
	Content string     `json:"content"`
	Type    string     `json:"type"`
	ReplyTo *uuid.UUID `json:"reply_to"`
}

type typingPayload struct {
	ChatID   uuid.UUID `json:"chat_id"`
	IsTyping bool      `json:"is_typing"`
}

type receiptPayload struct {
	MessageID uuid.UUID `json:"message_id"`
}

type errorPayload struct {
	Event   string `json:"event,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HandleInbound разбирает кадр клиента и выполняет событие. Ошибки возвращаются
// отправителю событием error и не разрывают соединение.
func (h *Hub) HandleInbound(ctx context.Context, client *Client, raw []byte) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.reply(client, "", apperror.New(apperror.ErrCodeBadRequest, "некорректный формат события"))
		return
	}

	if err := h.dispatch(ctx, client, msg); err != nil {
		logger.Log.WithError(err).WithFields(logrus.Fields{
			"user_id": client.userID,
			"event":   msg.Type,
		}).Debug("ws: inbound event rejected")
		h.reply(client, msg.Type, err)
	}
}

func (h *Hub) dispatch(ctx context.Context, client *Client, msg inbound) error {
	switch msg.Type {
	case EventJoinRoom, EventLeaveRoom:
		var p roomPayload
		if err := decode(msg.Data, &p); err != nil || p.Room == "" {
			return apperror.New(apperror.ErrCodeValidation, "room обязателен")
		}
		if msg.Type == EventLeaveRoom {
			h.LeaveRoom(client, p.Room)
			return nil
		}
		if err := h.JoinRoom(ctx, client, p.Room); err != nil {
			return err
		}
		h.push(client, mustEncode("roomJoined", p))
		return nil
	}

	h.mu.RLock()
	chat := h.chat
	h.mu.RUnlock()
	if chat == nil {
		return apperror.New(apperror.ErrCodeBadRequest, "неизвестное событие")
	}

	switch msg.Type {
	case EventSendMessage:
		var p sendMessagePayload
		if err := decode(msg.Data, &p); err != nil {
			return err
		}
		_, err := chat.SendMessage(ctx, service.SendMessageInput{
			ChatID:   p.ChatID,
			SenderID: client.userID,
			Content:  p.Content,
			Type:     p.Type,
			ReplyTo:  p.ReplyTo,
		})
		return err
	case EventTyping:
		var p typingPayload
		if err := decode(msg.Data, &p); err != nil {
			return err
		}
		return chat.Typing(ctx, p.ChatID, client.userID, p.IsTyping)
	case EventMessageDelivered:
		var p receiptPayload
		if err := decode(msg.Data, &p); err != nil {
			return err
		}
		_, err := chat.MarkDelivered(ctx, p.MessageID, client.userID)
		return err
	case EventMessageRead:
		var p receiptPayload
		if err := decode(msg.Data, &p); err != nil {
			return err
		}
		_, err := chat.MarkRead(ctx, p.MessageID, client.userID)
		return err
	default:
		return apperror.New(apperror.ErrCodeBadRequest, "неизвестное событие")
	}
}

func (h *Hub) reply(client *Client, event string, err error) {
	payload := errorPayload{Event: event, Code: string(apperror.ErrCodeInternal), Message: apperror.ErrInternal.Message}
	if appErr, ok := apperror.As(err); ok {
		payload.Code = string(appErr.Code)
		payload.Message = appErr.Message
	}
	h.push(client, mustEncode("error", payload))
}

func decode(data json.RawMessage, out any) error {
	if len(data) == 0 {
		return apperror.New(apperror.ErrCodeValidation, "data обязателен")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperror.New(apperror.ErrCodeValidation, "некорректные данные события")
	}
	return nil
}

func mustEncode(event string, data any) []byte {
	raw, ok := encode(event, data)
	if !ok {
		raw, _ = json.Marshal(frame{Type: event})
	}
	return raw
}
