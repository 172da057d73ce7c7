package goroutine

import (
	"runtime/debug"

	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/artisan-market/internal/logger"
	"github.com/ignatzorin/artisan-market/internal/metrics"
)

// PanicReporter получает сведения о панике в фоновой задаче.
type PanicReporter func(task string, recovered any, stack []byte)

// RecoveryHandler запускает фоновые задачи так, чтобы паника не роняла процесс.
type RecoveryHandler struct {
	report PanicReporter
}

// NewRecoveryHandler создаёт обработчик с заданным получателем паник.
func NewRecoveryHandler(report PanicReporter) *RecoveryHandler {
	return &RecoveryHandler{report: report}
}

// Go запускает именованную горутину с обработкой panic.
func (rh *RecoveryHandler) Go(task string, fn func()) {
	go func() {
		defer rh.recover(task)
		fn()
	}()
}

func (rh *RecoveryHandler) recover(task string) {
	if r := recover(); r != nil {
		rh.report(task, r, debug.Stack())
	}
}

// logPanic берёт текущий глобальный логгер в момент записи,
// так как logger.Init может заменить его после старта.
func logPanic(task string, recovered any, stack []byte) {
	metrics.RecoveredPanics.WithLabelValues(task).Inc()
	logger.Log.WithFields(logrus.Fields{
		"task":  task,
		"panic": recovered,
		"stack": string(stack),
	}).Error("goroutine: panic recovered")
}

// DefaultRecoveryHandler пишет паники в logrus и метрики.
var DefaultRecoveryHandler = NewRecoveryHandler(logPanic)

// SafeGoNamed запускает безопасную горутину с меткой задачи для логов и метрик.
func SafeGoNamed(task string, fn func()) {
	DefaultRecoveryHandler.Go(task, fn)
}
