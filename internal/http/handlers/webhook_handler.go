package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ignatzorin/artisan-market/internal/http/handlers/common"
	"github.com/ignatzorin/artisan-market/internal/pkg/apperror"
	"github.com/ignatzorin/artisan-market/internal/service"
)

const maxWebhookBody = 64 << 10

// WebhookHandler принимает события платёжного процессора.
type WebhookHandler struct {
	webhooks *service.WebhookService
}

func NewWebhookHandler(webhooks *service.WebhookService) *WebhookHandler {
	return &WebhookHandler{webhooks: webhooks}
}

// Handle POST /payments/webhook
func (h *WebhookHandler) Handle(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		common.RespondAppError(c, apperror.Wrap(err, apperror.ErrCodeBadRequest, "не удалось прочитать тело запроса"))
		return
	}
	if len(payload) > maxWebhookBody {
		common.RespondAppError(c, apperror.New(apperror.ErrCodeBadRequest, "тело запроса слишком большое"))
		return
	}

	event, err := h.webhooks.Handle(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true, "id": event.ID})
}
