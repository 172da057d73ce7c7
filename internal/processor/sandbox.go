package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ignatzorin/artisan-market/internal/pkg/apperror"
)

// Операции песочницы для внедрения сбоев.
const (
	OpCharge   = "charge"
	OpTransfer = "transfer"
	OpRefund   = "refund"
	OpPayout   = "payout"
)

// Sandbox - процессор в памяти для разработки без ключей Stripe и для тестов.
// Повтор запроса с тем же ключом идемпотентности возвращает прежний результат.
type Sandbox struct {
	mu       sync.Mutex
	seq      int
	results  map[string]any
	failures map[string]error
	lost     map[string]bool
	calls    map[string]int
}

func NewSandbox() *Sandbox {
	return &Sandbox{
		results:  make(map[string]any),
		failures: make(map[string]error),
		lost:     make(map[string]bool),
		calls:    make(map[string]int),
	}
}

// FailNext заставляет следующий вызов операции вернуть err.
func (s *Sandbox) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = err
}

// LoseNextResponse выполняет следующий вызов операции, но отвечает таймаутом,
// как будто ответ процессора потерялся в сети.
func (s *Sandbox) LoseNextResponse(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lost[op] = true
}

// Calls возвращает число успешно выполненных (не повторных) вызовов операции.
func (s *Sandbox) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *Sandbox) do(ctx context.Context, op, key string, build func(id string) any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperror.ErrProcessorTimeout.WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err, ok := s.failures[op]; ok {
		delete(s.failures, op)
		return nil, err
	}

	if key != "" {
		if res, ok := s.results[op+"|"+key]; ok {
			return res, nil
		}
	}

	s.seq++
	res := build(fmt.Sprintf("%s_sandbox_%d", op, s.seq))
	s.calls[op]++
	if key != "" {
		s.results[op+"|"+key] = res
	}
	if s.lost[op] {
		delete(s.lost, op)
		return nil, apperror.ErrProcessorTimeout.WithCause(fmt.Errorf("sandbox: %s response lost", op))
	}
	return res, nil
}

func (s *Sandbox) CreateChargeIntent(ctx context.Context, req ChargeIntentRequest) (*ChargeIntent, error) {
	if req.Amount <= 0 {
		return nil, apperror.ErrProcessor.WithCause(fmt.Errorf("sandbox: invalid amount %d", req.Amount))
	}
	res, err := s.do(ctx, OpCharge, req.IdempotencyKey, func(id string) any {
		return &ChargeIntent{IntentID: id, ClientSecret: id + "_secret"}
	})
	if err != nil {
		return nil, err
	}
	return res.(*ChargeIntent), nil
}

func (s *Sandbox) CreateTransfer(ctx context.Context, req TransferRequest) (string, error) {
	res, err := s.do(ctx, OpTransfer, req.IdempotencyKey, func(id string) any { return id })
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func (s *Sandbox) CreateRefund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	res, err := s.do(ctx, OpRefund, req.IdempotencyKey, func(id string) any {
		return &RefundResult{RefundID: id, Status: "succeeded"}
	})
	if err != nil {
		return nil, err
	}
	return res.(*RefundResult), nil
}

func (s *Sandbox) CreatePayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	res, err := s.do(ctx, OpPayout, req.IdempotencyKey, func(id string) any {
		return &PayoutResult{PayoutID: id, Status: "paid"}
	})
	if err != nil {
		return nil, err
	}
	return res.(*PayoutResult), nil
}

// ParseWebhook принимает событие в нормализованном виде без подписи.
func (s *Sandbox) ParseWebhook(payload []byte, _ string) (*Event, error) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return &event, nil
}
