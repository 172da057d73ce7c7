package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/artisan-market/internal/models"
	"github.com/ignatzorin/artisan-market/internal/processor"
)

// testEngine собирает платёжное ядро, споры и выплаты поверх хранилищ в памяти и песочницы процессора.
type testEngine struct {
	payments *memPayments
	orders   *memOrders
	users    *memUsers
	disputes *memDisputes
	wallets  *memWallets
	payouts  *memPayouts
	sandbox  *processor.Sandbox
	notifier *recordingNotifier

	ledger     *LedgerService
	pay        *PaymentService
	disputeSvc *DisputeService
	payoutSvc  *PayoutService
	webhooks   *WebhookService

	payer uuid.UUID
	payee uuid.UUID
	admin uuid.UUID
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	return newTestEngineWithNotifier(t, nil)
}

// newTestEngineWithNotifier подключает к сервисам заданную доставку уведомлений.
// При nil используется recordingNotifier.
func newTestEngineWithNotifier(t *testing.T, notifier Notifier) *testEngine {
	t.Helper()

	e := &testEngine{
		payments: newMemPayments(),
		orders:   newMemOrders(),
		users:    newMemUsers(),
		disputes: newMemDisputes(),
		wallets:  newMemWallets(),
		sandbox:  processor.NewSandbox(),
		notifier: &recordingNotifier{},
	}
	e.payouts = newMemPayouts(e.payments)

	e.payer = e.users.add(models.RoleUser, "")
	e.payee = e.users.add(models.RoleArtisan, "acct_artisan")
	e.admin = e.users.add(models.RoleAdmin, "")
	if notifier == nil {
		notifier = e.notifier
	}

	e.ledger = NewLedgerService(e.wallets, "usd")
	e.pay = NewPaymentService(e.payments, e.orders, e.users, e.disputes, e.ledger, e.sandbox, notifier, PaymentConfig{
		PlatformFeeBps:   500,
		Currency:         "usd",
		AutoRefundWindow: 24 * time.Hour,
	})
	e.disputeSvc = NewDisputeService(e.disputes, e.payments, e.pay, e.orders, notifier)
	e.payoutSvc = NewPayoutService(e.payouts, e.payments, e.users, e.ledger, e.sandbox, notifier, PayoutConfig{
		FeeBps:   290,
		FeeFixed: 30,
		Hold:     time.Hour,
	})
	e.webhooks = NewWebhookService(e.sandbox, e.pay, e.disputeSvc, e.payoutSvc, notifier)
	return e
}

func (e *testEngine) payerActor() Actor { return Actor{ID: e.payer, Role: models.RoleUser} }
func (e *testEngine) payeeActor() Actor { return Actor{ID: e.payee, Role: models.RoleArtisan} }
func (e *testEngine) adminActor() Actor { return Actor{ID: e.admin, Role: models.RoleAdmin} }

func (e *testEngine) newOrder(amount int64) models.Order {
	return e.orders.add(models.Order{
		CustomerID:    e.payer,
		ArtisanID:     e.payee,
		Title:         "Ремонт стула",
		Amount:        amount,
		Currency:      "usd",
		Status:        models.OrderStatusConfirmed,
		PaymentStatus: models.OrderPaymentStatusUnpaid,
	})
}

// processingPayment создаёт платёж и намерение оплаты.
func (e *testEngine) processingPayment(t *testing.T, amount int64) models.Payment {
	t.Helper()
	order := e.newOrder(amount)
	handle, err := e.pay.CreateEscrowPayment(context.Background(), order.ID, e.payer, "card")
	require.NoError(t, err)
	return e.payments.get(handle.PaymentID)
}

// escrowPayment проводит платёж до in_escrow через подтверждение процессора.
func (e *testEngine) escrowPayment(t *testing.T, amount int64) models.Payment {
	t.Helper()
	p := e.processingPayment(t, amount)
	_, err := e.pay.OnProcessorChargeConfirmed(context.Background(), *p.ProcessorIntentID)
	require.NoError(t, err)
	return e.payments.get(p.ID)
}

// releasedPayment проводит платёж до released.
func (e *testEngine) releasedPayment(t *testing.T, amount int64) models.Payment {
	t.Helper()
	p := e.escrowPayment(t, amount)
	_, err := e.pay.ReleaseEscrowPayment(context.Background(), p.ID, e.payerActor())
	require.NoError(t, err)
	return e.payments.get(p.ID)
}

func (e *testEngine) openDispute(t *testing.T, p models.Payment) *models.Dispute {
	t.Helper()
	d, err := e.disputeSvc.InitiateDispute(context.Background(), InitiateDisputeInput{
		OrderID:     p.OrderID,
		RaisedBy:    e.payer,
		Type:        models.DisputeTypeQuality,
		Description: "Работа выполнена не полностью",
	})
	require.NoError(t, err)
	return d
}
