package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ignatzorin/artisan-market/internal/http/handlers/common"
	"github.com/ignatzorin/artisan-market/internal/service"
)

// PayoutHandler обслуживает выплаты мастерам.
type PayoutHandler struct {
	payouts *service.PayoutService
}

func NewPayoutHandler(payouts *service.PayoutService) *PayoutHandler {
	return &PayoutHandler{payouts: payouts}
}

// ListPayouts GET /payouts
func (h *PayoutHandler) ListPayouts(c *gin.Context) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	limit, offset := common.GetPagination(c)
	payouts, err := h.payouts.ListPayouts(c.Request.Context(), userID, limit, offset)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	common.RespondOK(c, gin.H{"payouts": payouts})
}

// GetPayout GET /payouts/:id
func (h *PayoutHandler) GetPayout(c *gin.Context) {
	actor, err := common.CurrentActor(c)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	payoutID, err := common.ParseUUIDParam(c, "id")
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	payout, err := h.payouts.GetPayout(c.Request.Context(), payoutID, actor)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	common.RespondOK(c, payout)
}

// RetryPayout POST /admin/payouts/:id/retry
func (h *PayoutHandler) RetryPayout(c *gin.Context) {
	actor, err := common.CurrentActor(c)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	payoutID, err := common.ParseUUIDParam(c, "id")
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	payout, err := h.payouts.RetryPayout(c.Request.Context(), payoutID, actor)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	common.RespondOK(c, payout)
}

// RunPayouts POST /admin/payouts/run запускает пакетные выплаты вне расписания.
func (h *PayoutHandler) RunPayouts(c *gin.Context) {
	summary, err := h.payouts.RunPayouts(c.Request.Context(), time.Now())
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	common.RespondOK(c, summary)
}
