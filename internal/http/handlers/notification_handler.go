package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ignatzorin/artisan-market/internal/http/handlers/common"
	"github.com/ignatzorin/artisan-market/internal/service"
)

// NotificationHandler обслуживает маршруты уведомлений.
type NotificationHandler struct {
	notifications *service.NotificationService
}

// NewNotificationHandler создаёт новый хэндлер.
func NewNotificationHandler(notifications *service.NotificationService) *NotificationHandler {
	return &NotificationHandler{notifications: notifications}
}

// ListNotifications обрабатывает GET /notifications.
func (h *NotificationHandler) ListNotifications(c *gin.Context) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	limit, offset := common.GetPagination(c)
	unreadOnly := c.Query("unread_only") == "true"

	notifications, err := h.notifications.ListNotifications(c.Request.Context(), userID, limit, offset, unreadOnly)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	unread, err := h.notifications.CountUnread(c.Request.Context(), userID)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	common.RespondOK(c, gin.H{
		"notifications": notifications,
		"unread_count":  unread,
	})
}

// GetNotification обрабатывает GET /notifications/:id.
func (h *NotificationHandler) GetNotification(c *gin.Context) {
	userID, id, ok := userAndParam(c, "id")
	if !ok {
		return
	}

	notification, err := h.notifications.GetNotification(c.Request.Context(), id, userID)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	common.RespondOK(c, notification)
}

// CountUnread обрабатывает GET /notifications/unread-count.
func (h *NotificationHandler) CountUnread(c *gin.Context) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	count, err := h.notifications.CountUnread(c.Request.Context(), userID)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	common.RespondOK(c, gin.H{"count": count})
}

// MarkRead обрабатывает PUT /notifications/:id/read.
func (h *NotificationHandler) MarkRead(c *gin.Context) {
	userID, id, ok := userAndParam(c, "id")
	if !ok {
		return
	}

	if err := h.notifications.MarkRead(c.Request.Context(), userID, id); err != nil {
		common.RespondAppError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// MarkManyRead обрабатывает PUT /notifications/read.
// Без списка идентификаторов отмечаются все уведомления.
func (h *NotificationHandler) MarkManyRead(c *gin.Context) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	var req struct {
		IDs []uuid.UUID `json:"ids"`
	}
	if err := common.BindOptionalJSON(c, &req); err != nil {
		common.RespondAppError(c, err)
		return
	}

	var updated int64
	if len(req.IDs) == 0 {
		updated, err = h.notifications.MarkAllRead(c.Request.Context(), userID)
	} else {
		updated, err = h.notifications.MarkManyRead(c.Request.Context(), userID, req.IDs)
	}
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	common.RespondOK(c, gin.H{"updated": updated})
}

// DeleteNotification обрабатывает DELETE /notifications/:id.
func (h *NotificationHandler) DeleteNotification(c *gin.Context) {
	userID, id, ok := userAndParam(c, "id")
	if !ok {
		return
	}

	if err := h.notifications.DeleteNotification(c.Request.Context(), id, userID); err != nil {
		common.RespondAppError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// ClearOld обрабатывает DELETE /notifications?older_than_days=N.
func (h *NotificationHandler) ClearOld(c *gin.Context) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	days := common.ParseIntQuery(c, "older_than_days", 30)
	removed, err := h.notifications.ClearOlderThan(c.Request.Context(), userID, days)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	common.RespondOK(c, gin.H{"removed": removed})
}
