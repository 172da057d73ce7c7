package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ignatzorin/artisan-market/internal/http/handlers/common"
	"github.com/ignatzorin/artisan-market/internal/models"
	"github.com/ignatzorin/artisan-market/internal/service"
)

// DisputeHandler обслуживает споры по заказам.
type DisputeHandler struct {
	svc *service.DisputeService
}

func NewDisputeHandler(s *service.DisputeService) *DisputeHandler {
	return &DisputeHandler{svc: s}
}

// CreateDispute POST /disputes
func (h *DisputeHandler) CreateDispute(c *gin.Context) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	var req struct {
		OrderID     uuid.UUID `json:"order_id" binding:"required"`
		Type        string    `json:"type" binding:"required"`
		Description string    `json:"description" binding:"required"`
		Evidence    []string  `json:"evidence"`
	}
	if err := common.BindJSON(c, &req); err != nil {
		common.RespondAppError(c, err)
		return
	}

	dispute, err := h.svc.InitiateDispute(c.Request.Context(), service.InitiateDisputeInput{
		OrderID:     req.OrderID,
		RaisedBy:    userID,
		Type:        req.Type,
		Description: req.Description,
		Evidence:    req.Evidence,
	})
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	c.JSON(http.StatusCreated, dispute)
}

// GetDispute GET /disputes/:id
func (h *DisputeHandler) GetDispute(c *gin.Context) {
	actor, disputeID, ok := h.actorAndID(c)
	if !ok {
		return
	}

	dispute, err := h.svc.GetDispute(c.Request.Context(), disputeID, actor)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	common.RespondOK(c, dispute)
}

// ListDisputes GET /disputes. Администратор видит все споры.
func (h *DisputeHandler) ListDisputes(c *gin.Context) {
	actor, err := common.CurrentActor(c)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	limit, offset := common.GetPagination(c)
	disputes, err := h.svc.ListDisputes(c.Request.Context(), actor, limit, offset)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	common.RespondOK(c, gin.H{"disputes": disputes})
}

// AddMessage POST /disputes/:id/messages
func (h *DisputeHandler) AddMessage(c *gin.Context) {
	actor, disputeID, ok := h.actorAndID(c)
	if !ok {
		return
	}

	var req struct {
		Message     string   `json:"message" binding:"required"`
		Attachments []string `json:"attachments"`
	}
	if err := common.BindJSON(c, &req); err != nil {
		common.RespondAppError(c, err)
		return
	}

	dispute, err := h.svc.AddDisputeMessage(c.Request.Context(), disputeID, actor.ID, req.Message, req.Attachments)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	c.JSON(http.StatusCreated, dispute)
}

// AddEvidence POST /disputes/:id/evidence
func (h *DisputeHandler) AddEvidence(c *gin.Context) {
	actor, disputeID, ok := h.actorAndID(c)
	if !ok {
		return
	}

	var req struct {
		URL         string `json:"url" binding:"required"`
		Description string `json:"description"`
	}
	if err := common.BindJSON(c, &req); err != nil {
		common.RespondAppError(c, err)
		return
	}

	dispute, err := h.svc.AddEvidence(c.Request.Context(), disputeID, actor.ID, req.URL, req.Description)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	c.JSON(http.StatusCreated, dispute)
}

// Escalate POST /disputes/:id/escalate
func (h *DisputeHandler) Escalate(c *gin.Context) {
	actor, disputeID, ok := h.actorAndID(c)
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := common.BindOptionalJSON(c, &req); err != nil {
		common.RespondAppError(c, err)
		return
	}

	dispute, err := h.svc.EscalateDispute(c.Request.Context(), disputeID, actor, req.Reason)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	common.RespondOK(c, dispute)
}

// StartReview POST /disputes/:id/review (admin)
func (h *DisputeHandler) StartReview(c *gin.Context) {
	actor, disputeID, ok := h.actorAndID(c)
	if !ok {
		return
	}

	dispute, err := h.svc.StartReview(c.Request.Context(), disputeID, actor)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	common.RespondOK(c, dispute)
}

// Resolve POST /disputes/:id/resolve (admin)
func (h *DisputeHandler) Resolve(c *gin.Context) {
	actor, disputeID, ok := h.actorAndID(c)
	if !ok {
		return
	}

	var req struct {
		Resolution struct {
			Type          string `json:"type" binding:"required"`
			Amount        int64  `json:"amount"`
			RefundAmount  int64  `json:"refund_amount"`
			ReleaseAmount int64  `json:"release_amount"`
			Description   string `json:"description"`
		} `json:"resolution" binding:"required"`
	}
	if err := common.BindJSON(c, &req); err != nil {
		common.RespondAppError(c, err)
		return
	}

	dispute, err := h.svc.ResolveDispute(c.Request.Context(), disputeID, models.DisputeResolution{
		Type:          req.Resolution.Type,
		Amount:        req.Resolution.Amount,
		RefundAmount:  req.Resolution.RefundAmount,
		ReleaseAmount: req.Resolution.ReleaseAmount,
		Description:   req.Resolution.Description,
	}, actor)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	common.RespondOK(c, dispute)
}

// Close POST /disputes/:id/close
func (h *DisputeHandler) Close(c *gin.Context) {
	actor, disputeID, ok := h.actorAndID(c)
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := common.BindOptionalJSON(c, &req); err != nil {
		common.RespondAppError(c, err)
		return
	}

	dispute, err := h.svc.CloseDispute(c.Request.Context(), disputeID, actor, req.Reason)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	common.RespondOK(c, dispute)
}

func (h *DisputeHandler) actorAndID(c *gin.Context) (service.Actor, uuid.UUID, bool) {
	actor, err := common.CurrentActor(c)
	if err != nil {
		common.RespondAppError(c, err)
		return service.Actor{}, uuid.Nil, false
	}

	disputeID, err := common.ParseUUIDParam(c, "id")
	if err != nil {
		common.RespondAppError(c, err)
		return service.Actor{}, uuid.Nil, false
	}

	return actor, disputeID, true
}
