package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ignatzorin/artisan-market/internal/http/handlers/common"
	"github.com/ignatzorin/artisan-market/internal/service"
)

// PaymentHandler обслуживает escrow-платежи.
type PaymentHandler struct {
	payments *service.PaymentService
}

func NewPaymentHandler(payments *service.PaymentService) *PaymentHandler {
	return &PaymentHandler{payments: payments}
}

// CreateIntent POST /payments/create-intent
func (h *PaymentHandler) CreateIntent(c *gin.Context) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	var req struct {
		OrderID       uuid.UUID `json:"order_id" binding:"required"`
		PaymentMethod string    `json:"payment_method"`
	}
	if err := common.BindJSON(c, &req); err != nil {
		common.RespondAppError(c, err)
		return
	}

	handle, err := h.payments.CreateEscrowPayment(c.Request.Context(), req.OrderID, userID, req.PaymentMethod)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	c.JSON(http.StatusCreated, handle)
}

// Release POST /payments/release/:paymentId
func (h *PaymentHandler) Release(c *gin.Context) {
	actor, err := common.CurrentActor(c)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	paymentID, err := common.ParseUUIDParam(c, "paymentId")
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	payment, err := h.payments.ReleaseEscrowPayment(c.Request.Context(), paymentID, actor)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	common.RespondOK(c, payment)
}

// Refund POST /payments/refund/:paymentId. Нулевая сумма означает полный возврат.
func (h *PaymentHandler) Refund(c *gin.Context) {
	actor, err := common.CurrentActor(c)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	paymentID, err := common.ParseUUIDParam(c, "paymentId")
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	var req struct {
		Reason string `json:"reason" binding:"required"`
		Amount int64  `json:"amount" binding:"gte=0"`
	}
	if err := common.BindJSON(c, &req); err != nil {
		common.RespondAppError(c, err)
		return
	}

	payment, err := h.payments.ProcessRefund(c.Request.Context(), paymentID, req.Reason, req.Amount, actor)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	common.RespondOK(c, payment)
}

// AutoRefund POST /orders/:orderId/auto-refund
func (h *PaymentHandler) AutoRefund(c *gin.Context) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	orderID, err := common.ParseUUIDParam(c, "orderId")
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	var req struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := common.BindJSON(c, &req); err != nil {
		common.RespondAppError(c, err)
		return
	}

	outcome, err := h.payments.RequestAutomaticRefund(c.Request.Context(), orderID, userID, req.Reason)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	status := http.StatusOK
	if !outcome.Refunded {
		status = http.StatusAccepted
	}
	c.JSON(status, outcome)
}

// GetPayment GET /payments/:paymentId
func (h *PaymentHandler) GetPayment(c *gin.Context) {
	actor, err := common.CurrentActor(c)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	paymentID, err := common.ParseUUIDParam(c, "paymentId")
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	payment, err := h.payments.GetPayment(c.Request.Context(), paymentID, actor)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	common.RespondOK(c, payment)
}

// GetByOrder GET /orders/:orderId/payment
func (h *PaymentHandler) GetByOrder(c *gin.Context) {
	actor, err := common.CurrentActor(c)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	orderID, err := common.ParseUUIDParam(c, "orderId")
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	payment, err := h.payments.GetPaymentByOrder(c.Request.Context(), orderID, actor)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	common.RespondOK(c, payment)
}

// ListPayments GET /payments
func (h *PaymentHandler) ListPayments(c *gin.Context) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	limit, offset := common.GetPagination(c)
	payments, err := h.payments.ListPaymentsForUser(c.Request.Context(), userID, limit, offset)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	common.RespondOK(c, gin.H{"payments": payments})
}
