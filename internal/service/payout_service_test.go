package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/artisan-market/internal/models"
	"github.com/ignatzorin/artisan-market/internal/pkg/apperror"
	"github.com/ignatzorin/artisan-market/internal/processor"
)

func TestPayoutFee(t *testing.T) {
	assert.Equal(t, int64(581), PayoutFee(19000, 290, 30))
	assert.Equal(t, int64(30), PayoutFee(0, 290, 30))
}

func TestPayoutService_RunPayoutsClaimsOnce(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	first := e.releasedPayment(t, 10000)
	second := e.releasedPayment(t, 10000)
	later := time.Now().Add(2 * time.Hour)

	summary, err := e.payoutSvc.RunPayouts(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Groups)
	assert.Equal(t, 1, summary.Created)
	assert.Equal(t, 1, summary.Paid)
	require.Len(t, summary.Payouts, 1)

	payout, err := e.payouts.GetByID(ctx, summary.Payouts[0])
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusPaid, payout.Status)
	assert.Equal(t, int64(20000), payout.GrossAmount)
	assert.Equal(t, int64(19000), payout.NetAmount)
	assert.Equal(t, int64(581), payout.ProcessingFee)
	assert.Equal(t, int64(18419), payout.TransferAmount)
	assert.ElementsMatch(t, []string{first.ID.String(), second.ID.String()}, []string(payout.PaymentIDs))
	assert.Equal(t, int64(0), e.wallets.balance(e.payee))

	again, err := e.payoutSvc.RunPayouts(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Created)
	assert.Equal(t, 1, e.sandbox.Calls(processor.OpPayout))
}

func TestPayoutService_HoldWindow(t *testing.T) {
	e := newTestEngine(t)
	e.releasedPayment(t, 10000)

	summary, err := e.payoutSvc.RunPayouts(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Groups)
	assert.Equal(t, 0, summary.Created)
}

func TestPayoutService_FailureAndRetry(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.releasedPayment(t, 10000)

	e.sandbox.FailNext(processor.OpPayout, apperror.ErrProcessor)
	summary, err := e.payoutSvc.RunPayouts(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	payoutID := summary.Payouts[0]
	failed, err := e.payouts.GetByID(ctx, payoutID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusFailed, failed.Status)
	require.NotNil(t, failed.FailureReason)
	assert.Equal(t, 1, e.notifier.count(e.payee, models.NotificationTypePayoutFailed))

	_, err = e.payoutSvc.RetryPayout(ctx, payoutID, e.payeeActor())
	assert.ErrorIs(t, err, apperror.ErrNotAuthorized)

	retried, err := e.payoutSvc.RetryPayout(ctx, payoutID, e.adminActor())
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusPaid, retried.Status)
	// списание из кошелька сделано один раз
	assert.Equal(t, int64(0), e.wallets.balance(e.payee))

	_, err = e.payoutSvc.RetryPayout(ctx, payoutID, e.adminActor())
	assert.ErrorIs(t, err, apperror.ErrInvalidTransition)
}

func TestPayoutService_RetryAfterTimeoutReusesKey(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.releasedPayment(t, 10000)

	e.sandbox.LoseNextResponse(processor.OpPayout)
	summary, err := e.payoutSvc.RunPayouts(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, e.sandbox.Calls(processor.OpPayout))

	payoutID := summary.Payouts[0]
	failed, err := e.payouts.GetByID(ctx, payoutID)
	require.NoError(t, err)
	assert.Equal(t, "payout:"+payoutID.String(), failed.IdempotencyKey)
	assert.Equal(t, 0, failed.Attempts)

	retried, err := e.payoutSvc.RetryPayout(ctx, payoutID, e.adminActor())
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusPaid, retried.Status)
	assert.Equal(t, failed.IdempotencyKey, retried.IdempotencyKey)
	// процессор уже выполнил первый вызов, повтор вернул его результат
	assert.Equal(t, 1, e.sandbox.Calls(processor.OpPayout))
	assert.Equal(t, int64(0), e.wallets.balance(e.payee))
}

func TestPayoutService_RetryAfterRejectionRotatesKey(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.releasedPayment(t, 10000)

	e.sandbox.FailNext(processor.OpPayout, apperror.ErrProcessor)
	summary, err := e.payoutSvc.RunPayouts(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	payoutID := summary.Payouts[0]

	failed, err := e.payouts.GetByID(ctx, payoutID)
	require.NoError(t, err)
	assert.Equal(t, 1, failed.Attempts)
	assert.NotEqual(t, "payout:"+payoutID.String(), failed.IdempotencyKey)

	retried, err := e.payoutSvc.RetryPayout(ctx, payoutID, e.adminActor())
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusPaid, retried.Status)
	assert.Equal(t, failed.IdempotencyKey, retried.IdempotencyKey)
	assert.Equal(t, 1, e.sandbox.Calls(processor.OpPayout))
}

func TestPayoutService_BouncedPayoutRetriesWithNewKey(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.releasedPayment(t, 10000)

	summary, err := e.payoutSvc.RunPayouts(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	paid, err := e.payouts.GetByID(ctx, summary.Payouts[0])
	require.NoError(t, err)

	_, err = e.payoutSvc.OnProcessorPayoutFailed(ctx, *paid.ProcessorPayoutID, "account closed")
	require.NoError(t, err)

	retried, err := e.payoutSvc.RetryPayout(ctx, paid.ID, e.adminActor())
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusPaid, retried.Status)
	assert.Equal(t, 1, retried.Attempts)
	require.NotNil(t, retried.ProcessorPayoutID)
	assert.NotEqual(t, *paid.ProcessorPayoutID, *retried.ProcessorPayoutID)
	assert.Equal(t, 2, e.sandbox.Calls(processor.OpPayout))
}

func TestPayoutService_ProcessorEvents(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.releasedPayment(t, 10000)

	summary, err := e.payoutSvc.RunPayouts(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	payout, err := e.payouts.GetByID(ctx, summary.Payouts[0])
	require.NoError(t, err)
	require.NotNil(t, payout.ProcessorPayoutID)

	same, err := e.payoutSvc.OnProcessorPayoutPaid(ctx, *payout.ProcessorPayoutID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusPaid, same.Status)

	bounced, err := e.payoutSvc.OnProcessorPayoutFailed(ctx, *payout.ProcessorPayoutID, "account closed")
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusFailed, bounced.Status)

	list, err := e.payoutSvc.ListPayouts(ctx, e.payee, 0, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = e.payoutSvc.GetPayout(ctx, payout.ID, e.payerActor())
	assert.ErrorIs(t, err, apperror.ErrNotAuthorized)
}
