package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ignatzorin/artisan-market/internal/config"
	"github.com/ignatzorin/artisan-market/internal/crypto"
	"github.com/ignatzorin/artisan-market/internal/db"
	"github.com/ignatzorin/artisan-market/internal/email"
	httpHandlers "github.com/ignatzorin/artisan-market/internal/http/handlers"
	httpRouter "github.com/ignatzorin/artisan-market/internal/http/router"
	"github.com/ignatzorin/artisan-market/internal/logger"
	"github.com/ignatzorin/artisan-market/internal/processor"
	"github.com/ignatzorin/artisan-market/internal/repository"
	"github.com/ignatzorin/artisan-market/internal/scheduler"
	"github.com/ignatzorin/artisan-market/internal/service"
	"github.com/ignatzorin/artisan-market/internal/storage"
	"github.com/ignatzorin/artisan-market/internal/ws"
)

// paymentProcessor - процессор вместе с разбором его вебхуков.
type paymentProcessor interface {
	processor.Processor
	processor.WebhookParser
}

func main() {
	// Готовим контекст для graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("main: ошибка загрузки конфигурации: %v", err)
	}

	if cfg.Env == "development" {
		logger.Init("debug")
		logger.SetTextFormatter()
	} else {
		logger.Init("info")
	}

	// Подключение к базе и миграции.
	dbConn, err := db.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("main: ошибка подключения к базе: %v", err)
	}
	defer safeClose(dbConn)

	if err := db.RunMigrations(ctx, dbConn, cfg.MigrationsPath); err != nil {
		log.Fatalf("main: ошибка миграций: %v", err)
	}

	tokenManager := service.NewTokenManager(cfg.JWTSecret, cfg.RefreshSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)

	attachments, err := storage.NewAttachmentStorage(cfg.AttachmentStoragePath, httpRouter.AttachmentsPrefix, cfg.MaxUploadSizeMB)
	if err != nil {
		log.Fatalf("main: не удалось подготовить файловое хранилище: %v", err)
	}

	var proc paymentProcessor
	if cfg.Stripe.SecretKey != "" {
		proc = processor.NewStripe(cfg.Stripe.SecretKey, cfg.Stripe.WebhookSecret, cfg.Stripe.Timeout)
	} else {
		logger.Log.Warn("main: STRIPE_SECRET_KEY не задан, используется песочница процессора")
		proc = processor.NewSandbox()
	}

	// Репозитории.
	userRepo := repository.NewUserRepository(dbConn)
	orderRepo := repository.NewOrderRepository(dbConn)
	paymentRepo := repository.NewPaymentRepository(dbConn)
	disputeRepo := repository.NewDisputeRepository(dbConn)
	payoutRepo := repository.NewPayoutRepository(dbConn)
	walletRepo := repository.NewWalletRepository(dbConn)
	notificationRepo := repository.NewNotificationRepository(dbConn)
	chatRepo := repository.NewChatRepository(dbConn)

	// Уведомления и чаты читают профили на каждое событие.
	directory := service.NewCachedUserDirectory(userRepo, time.Minute)

	// Реестр realtime сессий создаётся до сервисов, которые в него пишут.
	hub := ws.NewHub(tokenManager, nil)

	notificationService := service.NewNotificationService(notificationRepo, hub, directory, cfg.Notify.TTL, cfg.Notify.Async)
	if cfg.SMTP.Enabled() {
		notificationService.SetEmailSender(email.NewSMTPSender(email.Config{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		}))
	} else {
		notificationService.SetEmailSender(email.LogSender{})
	}

	var cipher service.MessageCipher
	if len(cfg.Chat.EncryptionKey) > 0 {
		c, err := crypto.NewCipher(cfg.Chat.EncryptionKey)
		if err != nil {
			log.Fatalf("main: ошибка ключа шифрования сообщений: %v", err)
		}
		cipher = c
	}

	authService := service.NewAuthService(userRepo, tokenManager)
	ledgerService := service.NewLedgerService(walletRepo, cfg.Payments.Currency)
	paymentService := service.NewPaymentService(paymentRepo, orderRepo, userRepo, disputeRepo, ledgerService, proc, notificationService, service.PaymentConfig{
		PlatformFeeBps:   cfg.Payments.PlatformFeeBps,
		Currency:         cfg.Payments.Currency,
		AutoRefundWindow: cfg.Payments.AutoRefundWindow,
	})
	disputeService := service.NewDisputeService(disputeRepo, paymentRepo, paymentService, orderRepo, notificationService)
	payoutService := service.NewPayoutService(payoutRepo, paymentRepo, userRepo, ledgerService, proc, notificationService, service.PayoutConfig{
		FeeBps:      cfg.Payouts.FeeBps,
		FeeFixed:    cfg.Payouts.FeeFixed,
		Hold:        cfg.Payouts.Hold,
		Concurrency: cfg.Payouts.Concurrency,
	})
	webhookService := service.NewWebhookService(proc, paymentService, disputeService, payoutService, notificationService)
	chatService := service.NewChatService(chatRepo, directory, hub, notificationService, cipher, attachments, service.ChatConfig{
		EditWindow: cfg.Chat.EditWindow,
	})

	hub.SetPresenceAudience(chatService)
	hub.SetChatHandler(chatService)

	jobs := scheduler.New(scheduler.Config{
		PayoutSchedule:            cfg.Payouts.Schedule,
		MessageSweepSchedule:      cfg.Chat.SweepSchedule,
		NotificationPurgeSchedule: cfg.Notify.PurgeSchedule,
	}, payoutService, chatService, notificationService)
	if err := jobs.Start(ctx); err != nil {
		log.Fatalf("main: ошибка запуска планировщика: %v", err)
	}

	engine := httpRouter.SetupRouter(cfg, tokenManager, httpRouter.Handlers{
		Auth:         httpHandlers.NewAuthHandler(authService),
		Payment:      httpHandlers.NewPaymentHandler(paymentService),
		Webhook:      httpHandlers.NewWebhookHandler(webhookService),
		Dispute:      httpHandlers.NewDisputeHandler(disputeService),
		Payout:       httpHandlers.NewPayoutHandler(payoutService),
		Wallet:       httpHandlers.NewWalletHandler(ledgerService),
		Notification: httpHandlers.NewNotificationHandler(notificationService),
		Chat:         httpHandlers.NewChatHandler(chatService),
		WS:           httpHandlers.NewWSHandler(hub, cfg.AllowedOrigins),
		Health:       httpHandlers.NewHealthHandler(dbConn, hub),
	})

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Завершаем сервер и планировщик при получении сигнала.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("main: ошибка остановки http сервера: %v", err)
		}
		select {
		case <-jobs.Stop().Done():
		case <-shutdownCtx.Done():
			log.Printf("main: планировщик не успел завершить задачи")
		}
	}()

	logger.Log.WithField("port", cfg.HTTPPort).Info("main: HTTP сервер запущен")

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("main: сервер завершился с ошибкой: %v", err)
	}
}

// safeClose закрывает соединение с базой.
func safeClose(db *sqlx.DB) {
	if err := db.Close(); err != nil {
		log.Printf("main: ошибка закрытия базы: %v", err)
	}
}
