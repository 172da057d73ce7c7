// Package scheduler запускает периодические задачи: пакетные выплаты,
// удаление просроченных сообщений и очистку старых уведомлений.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/artisan-market/internal/logger"
	"github.com/ignatzorin/artisan-market/internal/metrics"
	"github.com/ignatzorin/artisan-market/internal/models"
)

// Имена задач, они же метки в метриках.
const (
	JobPayouts           = "payouts"
	JobMessageSweep      = "message_sweep"
	JobNotificationPurge = "notification_purge"
	defaultJobTimeout    = 10 * time.Minute
)

// PayoutRunner выполняет пакетные выплаты.
type PayoutRunner interface {
	RunPayouts(ctx context.Context, now time.Time) (*models.PayoutRunSummary, error)
}

// Purger удаляет устаревшие записи.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Config - расписания задач в cron-формате. Пустое расписание отключает задачу.
type Config struct {
	PayoutSchedule            string
	MessageSweepSchedule      string
	NotificationPurgeSchedule string
	JobTimeout                time.Duration
}

// Scheduler управляет cron-задачами.
type Scheduler struct {
	cron          *cron.Cron
	cfg           Config
	payouts       PayoutRunner
	messages      Purger
	notifications Purger
	now           func() time.Time
	baseCtx       context.Context
}

// New создаёт планировщик. Повторный запуск задачи пропускается, пока идёт предыдущий.
func New(cfg Config, payouts PayoutRunner, messages, notifications Purger) *Scheduler {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}

	cronLogger := cron.PrintfLogger(logger.Log)
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger),
		cron.SkipIfStillRunning(cronLogger),
	))

	return &Scheduler{
		cron:          c,
		cfg:           cfg,
		payouts:       payouts,
		messages:      messages,
		notifications: notifications,
		now:           time.Now,
		baseCtx:       context.Background(),
	}
}

// Start регистрирует задачи и запускает планировщик. Задачи получают
// контекст, производный от ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.baseCtx = ctx

	jobs := []struct {
		name     string
		schedule string
		enabled  bool
	}{
		{JobPayouts, s.cfg.PayoutSchedule, s.payouts != nil},
		{JobMessageSweep, s.cfg.MessageSweepSchedule, s.messages != nil},
		{JobNotificationPurge, s.cfg.NotificationPurgeSchedule, s.notifications != nil},
	}

	for _, job := range jobs {
		if job.schedule == "" || !job.enabled {
			logger.Log.WithField("job", job.name).Info("scheduler: задача отключена")
			continue
		}

		name := job.name
		if _, err := s.cron.AddFunc(job.schedule, func() { _ = s.Run(name) }); err != nil {
			return fmt.Errorf("scheduler: schedule %s %w", name, err)
		}
		logger.Log.WithFields(logrus.Fields{"job": name, "schedule": job.schedule}).Info("scheduler: задача запланирована")
	}

	s.cron.Start()
	return nil
}

// Stop останавливает планировщик; возвращённый контекст завершается,
// когда закончатся выполняющиеся задачи.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Run выполняет задачу немедленно.
func (s *Scheduler) Run(name string) error {
	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.JobTimeout)
	defer cancel()

	started := s.now()
	fields := logrus.Fields{"job": name}

	var err error
	switch name {
	case JobPayouts:
		var summary *models.PayoutRunSummary
		summary, err = s.payouts.RunPayouts(ctx, started)
		if summary != nil {
			fields["groups"] = summary.Groups
			fields["created"] = summary.Created
			fields["paid"] = summary.Paid
			fields["failed"] = summary.Failed
		}
	case JobMessageSweep:
		var removed int64
		removed, err = s.messages.PurgeExpired(ctx)
		fields["removed"] = removed
	case JobNotificationPurge:
		var removed int64
		removed, err = s.notifications.PurgeExpired(ctx)
		fields["removed"] = removed
	default:
		return fmt.Errorf("scheduler: unknown job %q", name)
	}

	metrics.ScheduledJobs.WithLabelValues(name, metrics.Outcome(err)).Inc()
	fields["duration"] = time.Since(started).String()

	if err != nil {
		fields["error"] = err.Error()
		logger.Log.WithFields(fields).Error("scheduler: задача завершилась с ошибкой")
		return err
	}

	logger.Log.WithFields(fields).Info("scheduler: задача выполнена")
	return nil
}
