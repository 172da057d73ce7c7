package router

import (
	"github.com/gin-gonic/gin"

	"github.com/ignatzorin/artisan-market/internal/config"
	"github.com/ignatzorin/artisan-market/internal/http/handlers"
	"github.com/ignatzorin/artisan-market/internal/http/middleware"
	"github.com/ignatzorin/artisan-market/internal/metrics"
	"github.com/ignatzorin/artisan-market/internal/models"
)

// AttachmentsPrefix - URL-префикс, по которому раздаются вложения чатов.
const AttachmentsPrefix = "/files"

// Handlers собирает все HTTP хэндлеры приложения.
type Handlers struct {
	Auth         *handlers.AuthHandler
	Payment      *handlers.PaymentHandler
	Webhook      *handlers.WebhookHandler
	Dispute      *handlers.DisputeHandler
	Payout       *handlers.PayoutHandler
	Wallet       *handlers.WalletHandler
	Notification *handlers.NotificationHandler
	Chat         *handlers.ChatHandler
	WS           *handlers.WSHandler
	Health       *handlers.HealthHandler
}

func SetupRouter(cfg *config.Config, tokens middleware.AccessTokenParser, h Handlers) *gin.Engine {
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.Default()
	r.Use(metrics.GinMiddleware())
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.CORSMiddleware(cfg.AllowedOrigins))

	r.GET("/health", h.Health.Health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.Static(AttachmentsPrefix, cfg.AttachmentStoragePath)

	api := r.Group("/api")

	authGroup := api.Group("/auth")
	authGroup.Use(middleware.RateLimitMiddleware(cfg.RateLimitLimit, cfg.RateLimitPeriod))
	{
		authGroup.POST("/register", h.Auth.Register)
		authGroup.POST("/login", h.Auth.Login)
		authGroup.POST("/refresh", h.Auth.Refresh)
		authGroup.POST("/logout", h.Auth.Logout)
	}

	// Процессор повторяет доставку при ошибке, поэтому лимит выше пользовательского.
	api.POST("/payments/webhook", middleware.RateLimitMiddleware(cfg.RateLimitLimit*30, cfg.RateLimitPeriod), h.Webhook.Handle)
	api.GET("/ws", middleware.RateLimitMiddleware(cfg.RateLimitLimit, cfg.RateLimitPeriod), h.WS.Handle)

	protected := api.Group("/")
	protected.Use(middleware.AuthMiddleware(tokens))
	{
		protected.GET("/auth/me", h.Auth.Me)
		protected.PUT("/auth/payout-account", middleware.RequireRole(models.RoleArtisan), h.Auth.SetPayoutAccount)

		protected.POST("/payments/create-intent", h.Payment.CreateIntent)
		protected.GET("/payments", h.Payment.ListPayments)
		protected.GET("/payments/:paymentId", middleware.UUIDValidator("paymentId"), h.Payment.GetPayment)
		protected.POST("/payments/release/:paymentId", middleware.UUIDValidator("paymentId"), h.Payment.Release)
		protected.POST("/payments/refund/:paymentId", middleware.UUIDValidator("paymentId"), h.Payment.Refund)
		protected.GET("/orders/:orderId/payment", middleware.UUIDValidator("orderId"), h.Payment.GetByOrder)
		protected.POST("/orders/:orderId/auto-refund", middleware.UUIDValidator("orderId"), h.Payment.AutoRefund)

		protected.POST("/disputes", h.Dispute.CreateDispute)
		protected.GET("/disputes", h.Dispute.ListDisputes)
		protected.GET("/disputes/:id", middleware.UUIDValidator("id"), h.Dispute.GetDispute)
		protected.POST("/disputes/:id/messages", middleware.UUIDValidator("id"), h.Dispute.AddMessage)
		protected.POST("/disputes/:id/evidence", middleware.UUIDValidator("id"), h.Dispute.AddEvidence)
		protected.POST("/disputes/:id/escalate", middleware.UUIDValidator("id"), h.Dispute.Escalate)
		protected.POST("/disputes/:id/close", middleware.UUIDValidator("id"), h.Dispute.Close)

		protected.GET("/payouts", middleware.RequireRole(models.RoleArtisan), h.Payout.ListPayouts)
		protected.GET("/payouts/:id", middleware.UUIDValidator("id"), h.Payout.GetPayout)

		protected.GET("/wallet", h.Wallet.GetWallet)
		protected.GET("/wallet/transactions", h.Wallet.ListTransactions)
		protected.POST("/wallet/withdraw", h.Wallet.Withdraw)

		protected.GET("/notifications", h.Notification.ListNotifications)
		protected.DELETE("/notifications", h.Notification.ClearOld)
		protected.GET("/notifications/unread-count", h.Notification.CountUnread)
		protected.PUT("/notifications/read", h.Notification.MarkManyRead)
		protected.GET("/notifications/:id", middleware.UUIDValidator("id"), h.Notification.GetNotification)
		protected.PUT("/notifications/:id/read", middleware.UUIDValidator("id"), h.Notification.MarkRead)
		protected.DELETE("/notifications/:id", middleware.UUIDValidator("id"), h.Notification.DeleteNotification)

		protected.POST("/chats", h.Chat.StartChat)
		protected.GET("/chats", h.Chat.ListChats)
		protected.GET("/chats/unread-count", h.Chat.UnreadCount)
		protected.GET("/chats/:id", middleware.UUIDValidator("id"), h.Chat.GetChat)
		protected.GET("/chats/:id/messages", middleware.UUIDValidator("id"), h.Chat.ListMessages)
		protected.POST("/chats/:id/messages", middleware.UUIDValidator("id"), h.Chat.SendMessage)
		protected.POST("/chats/:id/attachments", middleware.UUIDValidator("id"), h.Chat.UploadAttachment)
		protected.POST("/chats/:id/read", middleware.UUIDValidator("id"), h.Chat.MarkAllRead)
		protected.PATCH("/chats/:id/settings", middleware.UUIDValidator("id"), h.Chat.UpdateSettings)
		protected.PUT("/messages/:messageId", middleware.UUIDValidator("messageId"), h.Chat.EditMessage)
		protected.POST("/messages/:messageId/reactions", middleware.UUIDValidator("messageId"), h.Chat.React)
		protected.DELETE("/messages/:messageId/reactions", middleware.UUIDValidator("messageId"), h.Chat.RemoveReaction)
	}

	admin := api.Group("/admin")
	admin.Use(middleware.AuthMiddleware(tokens), middleware.RequireRole(models.RoleAdmin))
	{
		admin.POST("/disputes/:id/review", middleware.UUIDValidator("id"), h.Dispute.StartReview)
		admin.POST("/disputes/:id/resolve", middleware.UUIDValidator("id"), h.Dispute.Resolve)
		admin.POST("/payouts/run", h.Payout.RunPayouts)
		admin.POST("/payouts/:id/retry", middleware.UUIDValidator("id"), h.Payout.RetryPayout)
		admin.GET("/wallets/:userId/reconcile", middleware.UUIDValidator("userId"), h.Wallet.Reconcile)
		admin.POST("/withdrawals/:reference/confirm", h.Wallet.ConfirmWithdrawal)
		admin.POST("/withdrawals/:reference/reverse", h.Wallet.ReverseWithdrawal)
	}

	return r
}
