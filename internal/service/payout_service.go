package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ignatzorin/artisan-market/internal/logger"
	"github.com/ignatzorin/artisan-market/internal/metrics"
	"github.com/ignatzorin/artisan-market/internal/models"
	"github.com/ignatzorin/artisan-market/internal/pkg/apperror"
	"github.com/ignatzorin/artisan-market/internal/processor"
	"github.com/ignatzorin/artisan-market/internal/repository"
	"github.com/ignatzorin/artisan-market/internal/repository/common"
)

// PayoutRepository описывает хранилище выплат.
type PayoutRepository interface {
	ClaimBatch(ctx context.Context, payout *models.Payout, paymentIDs []uuid.UUID, finalize func(*models.Payout, []models.Payment)) ([]models.Payment, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Payout, error)
	GetByProcessorID(ctx context.Context, processorID string) (*models.Payout, error)
	ListByArtisan(ctx context.Context, artisanID uuid.UUID, limit, offset int) ([]models.Payout, error)
	Update(ctx context.Context, p *models.Payout, expectedStatus string) error
}

// ReleasedPayments отдаёт платежи, готовые к выплате.
type ReleasedPayments interface {
	ListReleasedForPayout(ctx context.Context, releasedBefore time.Time) ([]models.Payment, error)
}

type PayoutConfig struct {
	FeeBps      int64
	FeeFixed    int64
	Hold        time.Duration
	Concurrency int
}

// PayoutService собирает освобождённые платежи в пакеты по исполнителю
// и отправляет их на внешний счёт.
type PayoutService struct {
	payouts   PayoutRepository
	payments  ReleasedPayments
	users     UserDirectory
	ledger    Ledger
	processor processor.Processor
	notifier  Notifier
	locks     *KeyedLocker
	cfg       PayoutConfig
	now       func() time.Time
}

func NewPayoutService(
	payouts PayoutRepository,
	payments ReleasedPayments,
	users UserDirectory,
	ledger Ledger,
	proc processor.Processor,
	notifier Notifier,
	cfg PayoutConfig,
) *PayoutService {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &PayoutService{
		payouts:   payouts,
		payments:  payments,
		users:     users,
		ledger:    ledger,
		processor: proc,
		notifier:  notifier,
		locks:     NewKeyedLocker(),
		cfg:       cfg,
		now:       time.Now,
	}
}

// PayoutFee - комиссия за вывод: процент от суммы плюс фиксированная часть.
func PayoutFee(net, bps, fixed int64) int64 {
	return (net*bps+5000)/10000 + fixed
}

type payoutGroup struct {
	artisanID uuid.UUID
	currency  string
	payments  []models.Payment
}

// RunPayouts обрабатывает все платежи, освобождённые раньше now минус период удержания.
// Платёж попадает в выплату только один раз: повторный прогон без новых платежей
// не создаёт выплат.
func (s *PayoutService) RunPayouts(ctx context.Context, now time.Time) (*models.PayoutRunSummary, error) {
	eligible, err := s.payments.ListReleasedForPayout(ctx, now.Add(-s.cfg.Hold))
	if err != nil {
		return nil, err
	}

	groups := groupByPayee(eligible)
	summary := &models.PayoutRunSummary{Groups: len(groups), Payouts: []uuid.UUID{}}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, group := range groups {
		group := group
		g.Go(func() error {
			payout, err := s.processGroup(gctx, group, now)
			if err != nil {
				logger.Log.WithError(err).WithField("artisan_id", group.artisanID).Error("payout: batch failed")
				return nil
			}
			if payout == nil {
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			summary.Created++
			summary.Payouts = append(summary.Payouts, payout.ID)
			if payout.Status == models.PayoutStatusPaid {
				summary.Paid++
			} else {
				summary.Failed++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}

	logger.Log.WithFields(logrus.Fields{
		"groups":  summary.Groups,
		"created": summary.Created,
		"paid":    summary.Paid,
		"failed":  summary.Failed,
	}).Info("payout: run finished")

	return summary, nil
}

func groupByPayee(payments []models.Payment) []payoutGroup {
	index := make(map[string]int)
	var groups []payoutGroup
	for _, p := range payments {
		key := p.PayeeID.String() + ":" + p.Currency
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, payoutGroup{artisanID: p.PayeeID, currency: p.Currency})
		}
		groups[i].payments = append(groups[i].payments, p)
	}
	return groups
}

func (s *PayoutService) processGroup(ctx context.Context, group payoutGroup, now time.Time) (*models.Payout, error) {
	ids := make([]uuid.UUID, 0, len(group.payments))
	periodStart := now
	for _, p := range group.payments {
		ids = append(ids, p.ID)
		if p.Escrow.ReleasedAt != nil && p.Escrow.ReleasedAt.Before(periodStart) {
			periodStart = *p.Escrow.ReleasedAt
		}
	}

	payout := &models.Payout{
		ArtisanID:   group.artisanID,
		Currency:    group.currency,
		Status:      models.PayoutStatusProcessing,
		PeriodStart: periodStart,
		PeriodEnd:   now,
	}

	_, err := s.payouts.ClaimBatch(ctx, payout, ids, func(p *models.Payout, claimed []models.Payment) {
		p.GrossAmount, p.NetAmount = 0, 0
		p.PaymentIDs = p.PaymentIDs[:0]
		for _, c := range claimed {
			p.GrossAmount += c.Amount
			p.NetAmount += c.ReleasedAmount
			p.PaymentIDs = append(p.PaymentIDs, c.ID.String())
		}
		p.ProcessingFee = PayoutFee(p.NetAmount, s.cfg.FeeBps, s.cfg.FeeFixed)
		p.TransferAmount = p.NetAmount - p.ProcessingFee
		if p.TransferAmount < 0 {
			p.TransferAmount = 0
		}
	})
	if err != nil {
		if errors.Is(err, repository.ErrNothingToClaim) {
			return nil, nil
		}
		return nil, err
	}

	unlock := s.locks.Lock(payoutKey(payout.ID))
	defer unlock()

	s.send(ctx, payout)
	return payout, nil
}

// send резервирует сумму в кошельке исполнителя и отправляет выплату.
// Списание из кошелька при ошибке процессора не откатывается: повторная
// попытка использует тот же reference.
func (s *PayoutService) send(ctx context.Context, payout *models.Payout) {
	if payout.IdempotencyKey == "" {
		payout.IdempotencyKey = payoutAttemptKey(payout.ID, payout.Attempts)
	}
	if payout.TransferAmount <= 0 {
		s.fail(ctx, payout, "сумма выплаты не покрывает комиссию")
		return
	}

	artisan, err := s.users.GetByID(ctx, payout.ArtisanID)
	if err != nil {
		s.fail(ctx, payout, err.Error())
		return
	}
	if !artisan.HasPayoutDestination() {
		s.fail(ctx, payout, apperror.ErrPayoutDestinationMissing.Message)
		return
	}

	if _, err := s.ledger.Debit(ctx, payout.ArtisanID, payout.NetAmount, "payout:"+payout.ID.String(), nil); err != nil &&
		!errors.Is(err, apperror.ErrDuplicateReference) {
		s.fail(ctx, payout, err.Error())
		return
	}

	result, err := s.processor.CreatePayout(ctx, processor.PayoutRequest{
		Amount:      payout.TransferAmount,
		Currency:    payout.Currency,
		Destination: *artisan.StripeAccountID,
		Metadata: map[string]string{
			"payout_id":  payout.ID.String(),
			"artisan_id": payout.ArtisanID.String(),
		},
		IdempotencyKey: payout.IdempotencyKey,
	})
	metrics.ProcessorCalls.WithLabelValues("payout", metrics.Outcome(err)).Inc()
	if err != nil {
		// при таймауте исход неизвестен: повтор обязан прийти с тем же ключом
		if !apperror.HasCode(err, apperror.ErrCodeProcessorTimeout) {
			rotatePayoutKey(payout)
		}
		s.fail(ctx, payout, err.Error())
		return
	}

	previous := payout.Status
	now := s.now()
	payout.Status = models.PayoutStatusPaid
	payout.ProcessorPayoutID = &result.PayoutID
	payout.FailureReason = nil
	payout.PaidAt = &now
	if err := s.payouts.Update(ctx, payout, previous); err != nil {
		logger.Log.WithError(err).WithField("payout_id", payout.ID).Error("payout: paid status not saved")
		return
	}

	metrics.Payouts.WithLabelValues(models.PayoutStatusPaid).Inc()
	logger.Log.WithFields(logrus.Fields{
		"payout_id":  payout.ID,
		"artisan_id": payout.ArtisanID,
		"amount":     payout.TransferAmount,
	}).Info("payout: sent")

	s.notifier.Notify(ctx, NotifyRequest{
		UserID:  payout.ArtisanID,
		Type:    models.NotificationTypePayoutProcessed,
		Title:   "Выплата отправлена",
		Message: fmt.Sprintf("На ваш счёт отправлено %s", formatAmount(payout.TransferAmount, payout.Currency)),
		Related: &models.RelatedEntity{Kind: models.RelatedKindPayout, ID: payout.ID},
		Data:    payoutEvent(payout),
	})
}

func (s *PayoutService) fail(ctx context.Context, payout *models.Payout, reason string) {
	previous := payout.Status
	payout.Status = models.PayoutStatusFailed
	payout.FailureReason = &reason
	if err := s.payouts.Update(ctx, payout, previous); err != nil {
		logger.Log.WithError(err).WithField("payout_id", payout.ID).Error("payout: failed status not saved")
		return
	}

	metrics.Payouts.WithLabelValues(models.PayoutStatusFailed).Inc()
	logger.Log.WithFields(logrus.Fields{
		"payout_id":  payout.ID,
		"artisan_id": payout.ArtisanID,
		"reason":     reason,
	}).Warn("payout: failed")

	s.notifier.Notify(ctx, NotifyRequest{
		UserID:   payout.ArtisanID,
		Type:     models.NotificationTypePayoutFailed,
		Title:    "Выплата не прошла",
		Message:  reason,
		Priority: models.NotificationPriorityHigh,
		Related:  &models.RelatedEntity{Kind: models.RelatedKindPayout, ID: payout.ID},
		Data:     payoutEvent(payout),
	})
}

// RetryPayout повторяет неудавшуюся выплату. Только для администратора.
func (s *PayoutService) RetryPayout(ctx context.Context, payoutID uuid.UUID, actor Actor) (*models.Payout, error) {
	if !actor.IsAdmin() {
		return nil, apperror.ErrNotAuthorized
	}

	unlock := s.locks.Lock(payoutKey(payoutID))
	defer unlock()

	payout, err := s.payouts.GetByID(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if payout.Status != models.PayoutStatusFailed {
		return nil, apperror.ErrInvalidTransition
	}

	payout.Status = models.PayoutStatusProcessing
	if err := s.payouts.Update(ctx, payout, models.PayoutStatusFailed); err != nil {
		if errors.Is(err, common.ErrStaleState) {
			return nil, apperror.ErrInvalidTransition.WithCause(err)
		}
		return nil, err
	}

	s.send(ctx, payout)
	return payout, nil
}

// OnProcessorPayoutPaid подтверждает выплату по событию процессора.
func (s *PayoutService) OnProcessorPayoutPaid(ctx context.Context, processorID string) (*models.Payout, error) {
	payout, unlock, err := s.lockByProcessorID(ctx, processorID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if payout.Status != models.PayoutStatusProcessing {
		return payout, nil
	}

	now := s.now()
	payout.Status = models.PayoutStatusPaid
	payout.PaidAt = &now
	if err := s.payouts.Update(ctx, payout, models.PayoutStatusProcessing); err != nil {
		return nil, err
	}
	metrics.Payouts.WithLabelValues(models.PayoutStatusPaid).Inc()
	return payout, nil
}

// OnProcessorPayoutFailed отмечает выплату неудавшейся, если банк её вернул.
func (s *PayoutService) OnProcessorPayoutFailed(ctx context.Context, processorID, reason string) (*models.Payout, error) {
	payout, unlock, err := s.lockByProcessorID(ctx, processorID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if payout.Status == models.PayoutStatusFailed {
		return payout, nil
	}
	if reason == "" {
		reason = "банк отклонил выплату"
	}
	rotatePayoutKey(payout)
	s.fail(ctx, payout, reason)
	return payout, nil
}

func (s *PayoutService) lockByProcessorID(ctx context.Context, processorID string) (*models.Payout, func(), error) {
	found, err := s.payouts.GetByProcessorID(ctx, processorID)
	if err != nil {
		return nil, nil, err
	}
	unlock := s.locks.Lock(payoutKey(found.ID))
	payout, err := s.payouts.GetByID(ctx, found.ID)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return payout, unlock, nil
}

// GetPayout возвращает выплату исполнителю или администратору.
func (s *PayoutService) GetPayout(ctx context.Context, payoutID uuid.UUID, actor Actor) (*models.Payout, error) {
	payout, err := s.payouts.GetByID(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if payout.ArtisanID != actor.ID && !actor.IsAdmin() {
		return nil, apperror.ErrNotAuthorized
	}
	return payout, nil
}

func (s *PayoutService) ListPayouts(ctx context.Context, artisanID uuid.UUID, limit, offset int) ([]models.Payout, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.payouts.ListByArtisan(ctx, artisanID, limit, offset)
}

// payoutAttemptKey - ключ идемпотентности попытки выплаты. Первая попытка
// использует ключ "payout:<id>".
func payoutAttemptKey(id uuid.UUID, attempt int) string {
	if attempt == 0 {
		return "payout:" + id.String()
	}
	return fmt.Sprintf("payout:%s:%d", id, attempt)
}

// rotatePayoutKey выдаёт новый ключ после явного отказа процессора или банка.
func rotatePayoutKey(p *models.Payout) {
	p.Attempts++
	p.IdempotencyKey = payoutAttemptKey(p.ID, p.Attempts)
}

func payoutEvent(p *models.Payout) map[string]any {
	return map[string]any{
		"payout_id": p.ID,
		"status":    p.Status,
		"amount":    p.TransferAmount,
		"currency":  p.Currency,
	}
}

func payoutKey(id uuid.UUID) string {
	return "payout:" + id.String()
}
