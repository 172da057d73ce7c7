package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ignatzorin/artisan-market/internal/http/handlers/common"
	"github.com/ignatzorin/artisan-market/internal/models"
	"github.com/ignatzorin/artisan-market/internal/service"
)

// WalletHandler обслуживает кошелёк и вывод средств.
type WalletHandler struct {
	ledger *service.LedgerService
}

func NewWalletHandler(ledger *service.LedgerService) *WalletHandler {
	return &WalletHandler{ledger: ledger}
}

// GetWallet GET /wallet
func (h *WalletHandler) GetWallet(c *gin.Context) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	wallet, err := h.ledger.GetWallet(c.Request.Context(), userID)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	common.RespondOK(c, wallet)
}

// ListTransactions GET /wallet/transactions
func (h *WalletHandler) ListTransactions(c *gin.Context) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	limit, offset := common.GetPagination(c)
	transactions, err := h.ledger.ListTransactions(c.Request.Context(), userID, limit, offset)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	common.RespondOK(c, gin.H{"transactions": transactions})
}

// Withdraw POST /wallet/withdraw
func (h *WalletHandler) Withdraw(c *gin.Context) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	var req struct {
		Amount      int64              `json:"amount" binding:"required,gt=0"`
		BankDetails models.BankDetails `json:"bank_details" binding:"required"`
	}
	if err := common.BindJSON(c, &req); err != nil {
		common.RespondAppError(c, err)
		return
	}

	tx, err := h.ledger.Withdraw(c.Request.Context(), userID, req.Amount, req.BankDetails)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, tx)
}

// Reconcile GET /admin/wallets/:userId/reconcile
func (h *WalletHandler) Reconcile(c *gin.Context) {
	userID, err := common.ParseUUIDParam(c, "userId")
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	report, err := h.ledger.Reconcile(c.Request.Context(), userID)
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	common.RespondOK(c, report)
}

// ConfirmWithdrawal POST /admin/withdrawals/:reference/confirm
func (h *WalletHandler) ConfirmWithdrawal(c *gin.Context) {
	tx, err := h.ledger.ConfirmWithdrawal(c.Request.Context(), c.Param("reference"))
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	common.RespondOK(c, tx)
}

// ReverseWithdrawal POST /admin/withdrawals/:reference/reverse
func (h *WalletHandler) ReverseWithdrawal(c *gin.Context) {
	wallet, err := h.ledger.ReverseWithdrawal(c.Request.Context(), c.Param("reference"))
	if err != nil {
		common.RespondAppError(c, err)
		return
	}

	common.RespondOK(c, wallet)
}
