package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/artisan-market/internal/logger"
	"github.com/ignatzorin/artisan-market/internal/models"
	"github.com/ignatzorin/artisan-market/internal/pkg/apperror"
	"github.com/ignatzorin/artisan-market/internal/repository/common"
)

// WalletRepository описывает хранилище кошельков и журнала транзакций.
type WalletRepository interface {
	GetOrCreate(ctx context.Context, userID uuid.UUID, currency string) (*models.Wallet, error)
	Apply(ctx context.Context, t *models.Transaction, currency string, requireFunds bool) (*models.Wallet, error)
	GetTransactionByReference(ctx context.Context, reference string) (*models.Transaction, error)
	CompletePending(ctx context.Context, reference string, at time.Time) (*models.Transaction, error)
	ReversePending(ctx context.Context, reference string, compensation *models.Transaction, currency string) (*models.Wallet, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Transaction, error)
	LedgerSum(ctx context.Context, userID uuid.UUID) (int64, int, error)
}

// LedgerService - единственная точка изменения баланса кошелька.
// Повторы не выполняются: вызывающий передаёт уникальный reference.
type LedgerService struct {
	repo     WalletRepository
	locks    *KeyedLocker
	currency string
	now      func() time.Time
}

func NewLedgerService(repo WalletRepository, currency string) *LedgerService {
	return &LedgerService{
		repo:     repo,
		locks:    NewKeyedLocker(),
		currency: currency,
		now:      time.Now,
	}
}

// Credit зачисляет средства. Повторный reference возвращает ErrDuplicateReference.
func (s *LedgerService) Credit(ctx context.Context, userID uuid.UUID, amount int64, reference string, relatedOrder *uuid.UUID) (*models.Transaction, error) {
	return s.apply(ctx, userID, models.TransactionTypeCredit, amount, reference, relatedOrder, false)
}

// Debit списывает средства, если их хватает.
func (s *LedgerService) Debit(ctx context.Context, userID uuid.UUID, amount int64, reference string, relatedOrder *uuid.UUID) (*models.Transaction, error) {
	return s.apply(ctx, userID, models.TransactionTypeDebit, amount, reference, relatedOrder, true)
}

func (s *LedgerService) apply(ctx context.Context, userID uuid.UUID, txType string, amount int64, reference string, relatedOrder *uuid.UUID, requireFunds bool) (*models.Transaction, error) {
	if amount <= 0 {
		return nil, apperror.ErrInvalidAmount
	}
	if strings.TrimSpace(reference) == "" {
		return nil, apperror.New(apperror.ErrCodeValidation, "reference обязателен")
	}

	unlock := s.locks.Lock(walletKey(userID))
	defer unlock()

	now := s.now()
	t := &models.Transaction{
		UserID:       userID,
		Type:         txType,
		Amount:       amount,
		Reference:    reference,
		Status:       models.TransactionStatusCompleted,
		RelatedOrder: relatedOrder,
		CompletedAt:  &now,
	}

	if _, err := s.repo.Apply(ctx, t, s.currency, requireFunds); err != nil {
		return nil, err
	}

	logger.Log.WithFields(logrus.Fields{
		"user_id":   userID,
		"type":      txType,
		"amount":    amount,
		"reference": reference,
	}).Info("ledger: transaction applied")

	return t, nil
}

// Withdraw резервирует средства под вывод: баланс уменьшается сразу,
// транзакция остаётся pending до подтверждения или отмены.
func (s *LedgerService) Withdraw(ctx context.Context, userID uuid.UUID, amount int64, bank models.BankDetails) (*models.Transaction, error) {
	if amount <= 0 {
		return nil, apperror.ErrInvalidAmount
	}
	if strings.TrimSpace(bank.AccountHolder) == "" || strings.TrimSpace(bank.AccountNumber) == "" {
		return nil, apperror.New(apperror.ErrCodeValidation, "укажите владельца и номер счёта")
	}

	unlock := s.locks.Lock(walletKey(userID))
	defer unlock()

	t := &models.Transaction{
		UserID:      userID,
		Type:        models.TransactionTypeWithdrawal,
		Amount:      amount,
		Reference:   "withdrawal:" + uuid.NewString(),
		Status:      models.TransactionStatusPending,
		BankDetails: &bank,
	}

	if _, err := s.repo.Apply(ctx, t, s.currency, true); err != nil {
		return nil, err
	}

	masked := bank.Masked()
	t.BankDetails = &masked
	return t, nil
}

// ConfirmWithdrawal завершает pending вывод. Повторное подтверждение не ошибка.
func (s *LedgerService) ConfirmWithdrawal(ctx context.Context, reference string) (*models.Transaction, error) {
	t, err := s.repo.CompletePending(ctx, reference, s.now())
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, common.ErrStaleState) {
		return nil, err
	}

	current, getErr := s.repo.GetTransactionByReference(ctx, reference)
	if getErr != nil {
		return nil, getErr
	}
	if current.Status == models.TransactionStatusCompleted {
		return current, nil
	}
	return nil, apperror.ErrInvalidTransition
}

// ReverseWithdrawal отменяет pending вывод и возвращает средства компенсирующей транзакцией.
func (s *LedgerService) ReverseWithdrawal(ctx context.Context, reference string) (*models.Wallet, error) {
	original, err := s.repo.GetTransactionByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if original.Type != models.TransactionTypeWithdrawal {
		return nil, apperror.ErrInvalidTransition
	}

	unlock := s.locks.Lock(walletKey(original.UserID))
	defer unlock()

	now := s.now()
	compensation := &models.Transaction{
		Type:        models.TransactionTypeRefund,
		Reference:   reference + ":reversal",
		Status:      models.TransactionStatusCompleted,
		CompletedAt: &now,
	}

	wallet, err := s.repo.ReversePending(ctx, reference, compensation, s.currency)
	if err == nil {
		return wallet, nil
	}
	if !errors.Is(err, common.ErrStaleState) {
		return nil, err
	}

	current, getErr := s.repo.GetTransactionByReference(ctx, reference)
	if getErr != nil {
		return nil, getErr
	}
	if current.Status == models.TransactionStatusReversed {
		return s.repo.GetOrCreate(ctx, current.UserID, s.currency)
	}
	return nil, apperror.ErrInvalidTransition
}

// GetWallet возвращает кошелёк пользователя.
func (s *LedgerService) GetWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	return s.repo.GetOrCreate(ctx, userID, s.currency)
}

// ListTransactions возвращает историю транзакций.
func (s *LedgerService) ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	transactions, err := s.repo.ListTransactions(ctx, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	for i := range transactions {
		if transactions[i].BankDetails != nil {
			masked := transactions[i].BankDetails.Masked()
			transactions[i].BankDetails = &masked
		}
	}
	return transactions, nil
}

// Reconcile сверяет баланс со знаковой суммой журнала.
func (s *LedgerService) Reconcile(ctx context.Context, userID uuid.UUID) (*models.ReconcileReport, error) {
	unlock := s.locks.Lock(walletKey(userID))
	defer unlock()

	wallet, err := s.repo.GetOrCreate(ctx, userID, s.currency)
	if err != nil {
		return nil, err
	}
	sum, count, err := s.repo.LedgerSum(ctx, userID)
	if err != nil {
		return nil, err
	}

	report := &models.ReconcileReport{
		UserID:           userID,
		Balance:          wallet.Balance,
		LedgerSum:        sum,
		TransactionCount: count,
		Consistent:       wallet.Balance == sum,
		CheckedAt:        s.now(),
	}
	if !report.Consistent {
		logger.Log.WithFields(logrus.Fields{
			"user_id":    userID,
			"balance":    wallet.Balance,
			"ledger_sum": sum,
		}).Error("ledger: balance does not match transaction log")
	}
	return report, nil
}

func walletKey(userID uuid.UUID) string {
	return "wallet:" + userID.String()
}
