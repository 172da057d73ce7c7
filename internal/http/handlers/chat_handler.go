package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ignatzorin/artisan-market/internal/http/handlers/common"
	"github.com/ignatzorin/artisan-market/internal/pkg/apperror"
	"github.com/ignatzorin/artisan-market/internal/service"
)

// ChatHandler обслуживает переписку заказчика с мастером.
type ChatHandler struct {
	chats *service.ChatService
}

func NewChatHandler(chats *service.ChatService) *ChatHandler {
	return &ChatHandler{chats: chats}
}

// StartChat POST /chats
func (h *ChatHandler) StartChat(c *gin.Context) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	var req struct {
		ArtisanID uuid.UUID  `json:"artisan_id" binding:"required"`
		BookingID *uuid.UUID `json:"booking_id"`
	}
	if err := common.BindJSON(c, &req); err != nil {
		common.RespondAppError(c, err)
		return
	}

	chat, err := h.chats.StartChat(c.Request.Context(), userID, req.ArtisanID, req.BookingID)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	common.RespondOK(c, chat)
}

// ListChats GET /chats
func (h *ChatHandler) ListChats(c *gin.Context) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	limit, offset := common.GetPagination(c)
	chats, err := h.chats.ListChats(c.Request.Context(), userID, limit, offset)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	common.RespondOK(c, gin.H{"chats": chats})
}

// GetChat GET /chats/:id
func (h *ChatHandler) GetChat(c *gin.Context) {
	userID, chatID, ok := userAndParam(c, "id")
	if !ok {
		return
	}

	chat, err := h.chats.GetChat(c.Request.Context(), chatID, userID)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	common.RespondOK(c, chat)
}

// UnreadCount GET /chats/unread-count
func (h *ChatHandler) UnreadCount(c *gin.Context) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	count, err := h.chats.UnreadCount(c.Request.Context(), userID)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	common.RespondOK(c, gin.H{"count": count})
}

// ListMessages GET /chats/:id/messages?before=RFC3339&limit=N
func (h *ChatHandler) ListMessages(c *gin.Context) {
	userID, chatID, ok := userAndParam(c, "id")
	if !ok {
		return
	}

	var before *time.Time
	if raw := c.Query("before"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			common.RespondAppError(c, apperror.New(apperror.ErrCodeValidation, "параметр before должен быть в формате RFC3339"))
			return
		}
		before = &parsed
	}

	limit, _ := common.GetPagination(c)
	messages, err := h.chats.ListMessages(c.Request.Context(), chatID, userID, before, limit)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	common.RespondOK(c, gin.H{"messages": messages})
}

// SendMessage POST /chats/:id/messages
func (h *ChatHandler) SendMessage(c *gin.Context) {
	userID, chatID, ok := userAndParam(c, "id")
	if !ok {
		return
	}

	var req struct {
		Content string     `json:"content"`
		Type    string     `json:"type"`
		ReplyTo *uuid.UUID `json:"reply_to"`
	}
	if err := common.BindJSON(c, &req); err != nil {
		common.RespondAppError(c, err)
		return
	}

	message, err := h.chats.SendMessage(c.Request.Context(), service.SendMessageInput{
		ChatID:   chatID,
		SenderID: userID,
		Content:  req.Content,
		Type:     req.Type,
		ReplyTo:  req.ReplyTo,
	})
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	c.JSON(http.StatusCreated, message)
}

// UploadAttachment POST /chats/:id/attachments (multipart: file, caption)
func (h *ChatHandler) UploadAttachment(c *gin.Context) {
	userID, chatID, ok := userAndParam(c, "id")
	if !ok {
		return
	}

	header, err := c.FormFile("file")
	if err != nil {
		common.RespondAppError(c, apperror.Wrap(err, apperror.ErrCodeValidation, "файл обязателен"))
		return
	}

	file, err := header.Open()
	if err != nil {
		common.RespondAppError(c, apperror.Wrap(err, apperror.ErrCodeBadRequest, "не удалось прочитать файл"))
		return
	}
	defer file.Close()

	message, err := h.chats.SendAttachment(c.Request.Context(), chatID, userID, c.PostForm("caption"), header.Filename, file)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	c.JSON(http.StatusCreated, message)
}

// MarkAllRead POST /chats/:id/read
func (h *ChatHandler) MarkAllRead(c *gin.Context) {
	userID, chatID, ok := userAndParam(c, "id")
	if !ok {
		return
	}

	updated, err := h.chats.MarkAllRead(c.Request.Context(), chatID, userID)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	common.RespondOK(c, gin.H{"updated": updated})
}

// UpdateSettings PATCH /chats/:id/settings
func (h *ChatHandler) UpdateSettings(c *gin.Context) {
	userID, chatID, ok := userAndParam(c, "id")
	if !ok {
		return
	}

	var req struct {
		EncryptionEnabled *bool  `json:"encryption_enabled"`
		MessageTTLSeconds *int64 `json:"message_ttl_seconds"`
		Blocked           *bool  `json:"blocked"`
	}
	if err := common.BindJSON(c, &req); err != nil {
		common.RespondAppError(c, err)
		return
	}

	settings := service.ChatSettings{
		EncryptionEnabled: req.EncryptionEnabled,
		Blocked:           req.Blocked,
	}
	if req.MessageTTLSeconds != nil {
		if *req.MessageTTLSeconds < 0 {
			common.RespondAppError(c, apperror.New(apperror.ErrCodeValidation, "срок жизни сообщений не может быть отрицательным"))
			return
		}
		ttl := time.Duration(*req.MessageTTLSeconds) * time.Second
		settings.MessageTTL = &ttl
	}

	chat, err := h.chats.UpdateSettings(c.Request.Context(), chatID, userID, settings)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	common.RespondOK(c, chat)
}

// EditMessage PUT /messages/:messageId
func (h *ChatHandler) EditMessage(c *gin.Context) {
	userID, messageID, ok := userAndParam(c, "messageId")
	if !ok {
		return
	}

	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := common.BindJSON(c, &req); err != nil {
		common.RespondAppError(c, err)
		return
	}

	message, err := h.chats.EditMessage(c.Request.Context(), messageID, userID, req.Content)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	common.RespondOK(c, message)
}

// React POST /messages/:messageId/reactions
func (h *ChatHandler) React(c *gin.Context) {
	userID, messageID, ok := userAndParam(c, "messageId")
	if !ok {
		return
	}

	var req struct {
		Emoji string `json:"emoji" binding:"required"`
	}
	if err := common.BindJSON(c, &req); err != nil {
		common.RespondAppError(c, err)
		return
	}

	message, err := h.chats.React(c.Request.Context(), messageID, userID, req.Emoji)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	common.RespondOK(c, message)
}

// RemoveReaction DELETE /messages/:messageId/reactions
func (h *ChatHandler) RemoveReaction(c *gin.Context) {
	userID, messageID, ok := userAndParam(c, "messageId")
	if !ok {
		return
	}

	message, err := h.chats.RemoveReaction(c.Request.Context(), messageID, userID)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	common.RespondOK(c, message)
}
