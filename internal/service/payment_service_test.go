package service

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/artisan-market/internal/models"
	"github.com/ignatzorin/artisan-market/internal/pkg/apperror"
	"github.com/ignatzorin/artisan-market/internal/processor"
)

func TestPaymentService_CreateEscrowPayment(t *testing.T) {
	e := newTestEngine(t)
	order := e.newOrder(10000)

	handle, err := e.pay.CreateEscrowPayment(context.Background(), order.ID, e.payer, "card")
	require.NoError(t, err)

	assert.Equal(t, int64(10000), handle.Amount)
	assert.Equal(t, int64(500), handle.PlatformFee)
	assert.NotEmpty(t, handle.ClientSecret)

	p := e.payments.get(handle.PaymentID)
	assert.Equal(t, models.PaymentStatusProcessing, p.Status)
	require.NotNil(t, p.ProcessorIntentID)
	assert.Equal(t, models.OrderPaymentStatusProcessing, e.orders.get(order.ID).PaymentStatus)
	assert.Equal(t, 1, e.sandbox.Calls(processor.OpCharge))
}

func TestPaymentService_CreateEscrowPayment_Rejections(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	order := e.newOrder(10000)
	_, err := e.pay.CreateEscrowPayment(ctx, order.ID, e.payee, "card")
	assert.ErrorIs(t, err, apperror.ErrNotAuthorized)

	completed := e.orders.add(models.Order{
		CustomerID: e.payer, ArtisanID: e.payee, Amount: 5000, Currency: "usd",
		Status: models.OrderStatusCompleted, PaymentStatus: models.OrderPaymentStatusUnpaid,
	})
	_, err = e.pay.CreateEscrowPayment(ctx, completed.ID, e.payer, "card")
	assert.ErrorIs(t, err, apperror.ErrOrderNotPayable)

	_, err = e.pay.CreateEscrowPayment(ctx, uuid.New(), e.payer, "card")
	assert.ErrorIs(t, err, apperror.ErrOrderNotFound)
}

func TestPaymentService_CreateEscrowPayment_ProcessorErrorLeavesPending(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	order := e.newOrder(10000)

	e.sandbox.FailNext(processor.OpCharge, apperror.ErrProcessor)
	_, err := e.pay.CreateEscrowPayment(ctx, order.ID, e.payer, "card")
	require.ErrorIs(t, err, apperror.ErrProcessor)

	pending, err := e.payments.GetByOrderID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, pending.Status)

	handle, err := e.pay.CreateEscrowPayment(ctx, order.ID, e.payer, "card")
	require.NoError(t, err)
	assert.Equal(t, pending.ID, handle.PaymentID)
	assert.Equal(t, models.PaymentStatusProcessing, e.payments.get(handle.PaymentID).Status)
}

func TestPaymentService_CreateEscrowPayment_StalePendingReplaced(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	order := e.newOrder(10000)

	e.sandbox.FailNext(processor.OpCharge, apperror.ErrProcessor)
	_, err := e.pay.CreateEscrowPayment(ctx, order.ID, e.payer, "card")
	require.ErrorIs(t, err, apperror.ErrProcessor)
	stale, err := e.payments.GetByOrderID(ctx, order.ID)
	require.NoError(t, err)

	order.Amount = 12000
	e.orders.add(order)

	handle, err := e.pay.CreateEscrowPayment(ctx, order.ID, e.payer, "card")
	require.NoError(t, err)
	assert.NotEqual(t, stale.ID, handle.PaymentID)
	assert.Equal(t, int64(12000), handle.Amount)
	assert.Equal(t, models.PaymentStatusFailed, e.payments.get(stale.ID).Status)
}

func TestPaymentService_CreateEscrowPayment_LivePaymentConflict(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	p := e.processingPayment(t, 10000)

	// статус заказа не записался, но по заказу уже идёт оплата
	require.NoError(t, e.orders.UpdatePaymentStatus(ctx, p.OrderID, models.OrderPaymentStatusUnpaid))

	_, err := e.pay.CreateEscrowPayment(ctx, p.OrderID, e.payer, "card")
	require.ErrorIs(t, err, apperror.ErrPaymentAlreadyExists)
	assert.Equal(t, 1, e.sandbox.Calls(processor.OpCharge))
	assert.Equal(t, models.PaymentStatusProcessing, e.payments.get(p.ID).Status)
}

func TestPaymentService_ChargeConfirmedReplayIsNoop(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	p := e.processingPayment(t, 10000)

	first, err := e.pay.OnProcessorChargeConfirmed(ctx, *p.ProcessorIntentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusInEscrow, first.Status)
	assert.Equal(t, models.DefaultEscrowConditions, first.Escrow.Conditions)

	second, err := e.pay.OnProcessorChargeConfirmed(ctx, *p.ProcessorIntentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusInEscrow, second.Status)

	assert.Equal(t, 1, e.notifier.count(e.payee, models.NotificationTypePaymentReceived))
	assert.Equal(t, models.OrderPaymentStatusPaid, e.orders.get(p.OrderID).PaymentStatus)
	assert.Equal(t, int64(0), e.wallets.balance(e.payee))
}

func TestPaymentService_ChargeFailed(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	p := e.processingPayment(t, 10000)

	failed, err := e.pay.OnProcessorChargeFailed(ctx, *p.ProcessorIntentID, "card declined")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, failed.Status)
	require.NotNil(t, failed.FailureReason)
	assert.Equal(t, "card declined", *failed.FailureReason)
	assert.Equal(t, models.OrderPaymentStatusFailed, e.orders.get(p.OrderID).PaymentStatus)

	// подтверждение после отказа не оживляет платёж
	after, err := e.pay.OnProcessorChargeConfirmed(ctx, *p.ProcessorIntentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, after.Status)
	assert.Equal(t, 1, e.notifier.count(e.payer, models.NotificationTypePaymentFailed))
}

func TestPaymentService_ChargeFailedAfterEscrowIsNoop(t *testing.T) {
	e := newTestEngine(t)
	p := e.escrowPayment(t, 10000)

	got, err := e.pay.OnProcessorChargeFailed(context.Background(), *p.ProcessorIntentID, "late")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusInEscrow, got.Status)
}

func TestPaymentService_Release(t *testing.T) {
	e := newTestEngine(t)
	p := e.escrowPayment(t, 10000)

	released, err := e.pay.ReleaseEscrowPayment(context.Background(), p.ID, e.payerActor())
	require.NoError(t, err)

	assert.Equal(t, models.PaymentStatusReleased, released.Status)
	assert.Equal(t, int64(9500), released.ReleasedAmount)
	require.NotNil(t, released.Escrow.ReleasedBy)
	assert.Equal(t, e.payer, *released.Escrow.ReleasedBy)
	assert.Equal(t, int64(9500), e.wallets.balance(e.payee))
	assert.Equal(t, models.OrderPaymentStatusReleased, e.orders.get(p.OrderID).PaymentStatus)
}

func TestPaymentService_ReleaseAuthorization(t *testing.T) {
	e := newTestEngine(t)
	p := e.escrowPayment(t, 10000)

	_, err := e.pay.ReleaseEscrowPayment(context.Background(), p.ID, e.payeeActor())
	assert.ErrorIs(t, err, apperror.ErrNotAuthorized)

	_, err = e.pay.ReleaseEscrowPayment(context.Background(), p.ID, e.adminActor())
	assert.NoError(t, err)
}

func TestPaymentService_ReleaseHeldByDispute(t *testing.T) {
	e := newTestEngine(t)
	p := e.escrowPayment(t, 10000)
	e.openDispute(t, p)

	_, err := e.pay.ReleaseEscrowPayment(context.Background(), p.ID, e.payerActor())
	assert.ErrorIs(t, err, apperror.ErrEscrowHeld)
	assert.Equal(t, models.PaymentStatusInEscrow, e.payments.get(p.ID).Status)
	assert.Equal(t, 0, e.sandbox.Calls(processor.OpTransfer))
}

func TestPaymentService_ReleaseRequiresPayoutDestination(t *testing.T) {
	e := newTestEngine(t)
	e.payee = e.users.add(models.RoleArtisan, "")
	p := e.escrowPayment(t, 10000)

	_, err := e.pay.ReleaseEscrowPayment(context.Background(), p.ID, e.payerActor())
	assert.ErrorIs(t, err, apperror.ErrPayoutDestinationMissing)
	assert.Equal(t, models.PaymentStatusInEscrow, e.payments.get(p.ID).Status)
}

func TestPaymentService_ReleaseTimeoutLeavesEscrow(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	p := e.escrowPayment(t, 10000)

	e.sandbox.FailNext(processor.OpTransfer, apperror.ErrProcessorTimeout)
	_, err := e.pay.ReleaseEscrowPayment(ctx, p.ID, e.payerActor())
	require.ErrorIs(t, err, apperror.ErrProcessorTimeout)
	assert.Equal(t, models.PaymentStatusInEscrow, e.payments.get(p.ID).Status)
	assert.Equal(t, int64(0), e.wallets.balance(e.payee))

	_, err = e.pay.ReleaseEscrowPayment(ctx, p.ID, e.payerActor())
	require.NoError(t, err)
	assert.Equal(t, int64(9500), e.wallets.balance(e.payee))
}

func TestPaymentService_ConcurrentReleaseSucceedsOnce(t *testing.T) {
	e := newTestEngine(t)
	p := e.escrowPayment(t, 10000)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.pay.ReleaseEscrowPayment(context.Background(), p.ID, e.payerActor())
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, apperror.ErrPaymentNotInEscrow)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, int64(9500), e.wallets.balance(e.payee))
	assert.Equal(t, 1, e.sandbox.Calls(processor.OpTransfer))
}

func TestPaymentService_StatusNeverMovesBackwards(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	p := e.releasedPayment(t, 10000)

	_, err := e.pay.OnProcessorChargeConfirmed(ctx, *p.ProcessorIntentID)
	require.NoError(t, err)
	_, err = e.pay.OnProcessorChargeFailed(ctx, *p.ProcessorIntentID, "replay")
	require.NoError(t, err)

	assert.Equal(t, models.PaymentStatusReleased, e.payments.get(p.ID).Status)
	assert.Equal(t, int64(9500), e.wallets.balance(e.payee))
}

func TestPaymentService_RefundFromEscrow(t *testing.T) {
	e := newTestEngine(t)
	p := e.escrowPayment(t, 10000)

	refunded, err := e.pay.ProcessRefund(context.Background(), p.ID, "отмена", 0, e.adminActor())
	require.NoError(t, err)

	assert.Equal(t, models.PaymentStatusRefunded, refunded.Status)
	require.NotNil(t, refunded.Refund)
	assert.Equal(t, int64(10000), refunded.Refund.Amount)
	assert.Equal(t, models.RefundStatusCompleted, refunded.Refund.Status)
	assert.Equal(t, models.OrderStatusRefunded, e.orders.get(p.OrderID).Status)
	assert.Equal(t, int64(0), e.wallets.balance(e.payee))
}

func TestPaymentService_RefundValidation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	p := e.escrowPayment(t, 10000)

	_, err := e.pay.ProcessRefund(ctx, p.ID, "много", 20000, e.adminActor())
	assert.ErrorIs(t, err, apperror.ErrRefundExceedsAmount)

	_, err = e.pay.ProcessRefund(ctx, p.ID, "хочу", 0, e.payerActor())
	assert.ErrorIs(t, err, apperror.ErrNotAuthorized)

	failed := e.processingPayment(t, 5000)
	_, err = e.pay.ProcessRefund(ctx, failed.ID, "рано", 0, e.adminActor())
	assert.ErrorIs(t, err, apperror.ErrPaymentNotRefundable)
}

func TestPaymentService_RefundAfterReleaseReversesWallet(t *testing.T) {
	e := newTestEngine(t)
	p := e.releasedPayment(t, 10000)

	refunded, err := e.pay.ProcessRefund(context.Background(), p.ID, "брак", 0, e.payeeActor())
	require.NoError(t, err)

	assert.Equal(t, models.PaymentStatusRefunded, refunded.Status)
	assert.Equal(t, int64(9500), refunded.Refund.ReversedAmount)
	assert.False(t, refunded.Refund.ReversalPending)
	assert.Equal(t, int64(0), e.wallets.balance(e.payee))
}

func TestPaymentService_RefundAfterReleaseInsufficientWallet(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	p := e.releasedPayment(t, 10000)

	_, err := e.ledger.Withdraw(ctx, e.payee, 9000, models.BankDetails{AccountHolder: "Иван", AccountNumber: "40817810099910004312"})
	require.NoError(t, err)

	refunded, err := e.pay.ProcessRefund(ctx, p.ID, "брак", 0, e.adminActor())
	require.ErrorIs(t, err, apperror.ErrInsufficientWalletBalance)
	require.NotNil(t, refunded)

	assert.Equal(t, models.PaymentStatusRefunded, refunded.Status)
	assert.True(t, refunded.Refund.ReversalPending)
	assert.Equal(t, models.RefundStatusProcessorApproved, refunded.Refund.Status)
	assert.Equal(t, int64(500), e.wallets.balance(e.payee))
	assert.True(t, e.notifier.hasType(models.NotificationTypeReversalPending))

	stored := e.payments.get(p.ID)
	assert.True(t, stored.Refund.ReversalPending)
}

func TestPaymentService_GetPaymentVisibility(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	p := e.escrowPayment(t, 10000)

	_, err := e.pay.GetPayment(ctx, p.ID, e.payerActor())
	assert.NoError(t, err)

	stranger := Actor{ID: e.users.add(models.RoleUser, ""), Role: models.RoleUser}
	_, err = e.pay.GetPayment(ctx, p.ID, stranger)
	assert.ErrorIs(t, err, apperror.ErrNotAuthorized)

	list, err := e.pay.ListPaymentsForUser(ctx, e.payee, 0, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestPlatformFee(t *testing.T) {
	assert.Equal(t, int64(500), PlatformFee(10000, 500))
	assert.Equal(t, int64(1), PlatformFee(10, 500))
	assert.Equal(t, int64(0), PlatformFee(9, 500))
}

func TestAutomaticRefund(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	p := e.escrowPayment(t, 10000)

	out, err := e.pay.RequestAutomaticRefund(ctx, p.OrderID, e.payer, models.RefundReasonServiceNotStarted)
	require.NoError(t, err)
	assert.True(t, out.Refunded)
	assert.Equal(t, models.PaymentStatusRefunded, e.payments.get(p.ID).Status)

	// второй возврат за 30 дней уходит на проверку
	second := e.escrowPayment(t, 5000)
	out, err = e.pay.RequestAutomaticRefund(ctx, second.OrderID, e.payer, models.RefundReasonCustomerRequest)
	require.NoError(t, err)
	assert.False(t, out.Refunded)
	assert.NotEmpty(t, out.Reasons)
	assert.Equal(t, models.PaymentStatusInEscrow, e.payments.get(second.ID).Status)
	assert.Equal(t, models.OrderStatusRefundReview, e.orders.get(second.OrderID).Status)
	assert.Contains(t, e.notifier.roles, models.RoleAdmin)
}

func TestAutomaticRefund_UnknownReasonAndDispute(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	p := e.escrowPayment(t, 10000)
	e.openDispute(t, p)

	out, err := e.pay.RequestAutomaticRefund(ctx, p.OrderID, e.payer, "не понравилось")
	require.NoError(t, err)
	assert.False(t, out.Refunded)
	assert.Len(t, out.Reasons, 2)

	_, err = e.pay.RequestAutomaticRefund(ctx, p.OrderID, e.payee, models.RefundReasonSystemError)
	assert.ErrorIs(t, err, apperror.ErrNotAuthorized)
}
