package models

import (
	"database/sql/driver"
	"time"

	"github.com/google/uuid"
)

// Типы транзакций кошелька
const (
	TransactionTypeCredit     = "credit"
	TransactionTypeDebit      = "debit"
	TransactionTypeRefund     = "refund"
	TransactionTypeWithdrawal = "withdrawal"
)

// Статусы транзакций
const (
	TransactionStatusPending   = "pending"
	TransactionStatusCompleted = "completed"
	TransactionStatusReversed  = "reversed"
)

// Wallet - баланс пользователя в минимальных единицах валюты.
type Wallet struct {
	UserID       uuid.UUID `db:"user_id" json:"user_id"`
	Balance      int64     `db:"balance" json:"balance"`
	Currency     string    `db:"currency" json:"currency"`
	LastActivity time.Time `db:"last_activity" json:"last_activity"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// BankDetails - реквизиты для вывода средств.
type BankDetails struct {
	AccountHolder string `json:"account_holder"`
	AccountNumber string `json:"account_number"`
	RoutingNumber string `json:"routing_number,omitempty"`
	BankName      string `json:"bank_name,omitempty"`
}

func (b BankDetails) Value() (driver.Value, error) { return jsonValue(b) }
func (b *BankDetails) Scan(src any) error         { return jsonScan(src, b) }

// Masked скрывает номер счёта, оставляя последние 4 цифры.
func (b BankDetails) Masked() BankDetails {
	n := len(b.AccountNumber)
	if n > 4 {
		b.AccountNumber = "****" + b.AccountNumber[n-4:]
	}
	return b
}

// Transaction - запись журнала кошелька. Reference уникален глобально
// и служит ключом идемпотентности.
type Transaction struct {
	ID           uuid.UUID    `db:"id" json:"id"`
	UserID       uuid.UUID    `db:"user_id" json:"user_id"`
	Type         string       `db:"type" json:"type"`
	Amount       int64        `db:"amount" json:"amount"`
	Reference    string       `db:"reference" json:"reference"`
	Status       string       `db:"status" json:"status"`
	RelatedOrder *uuid.UUID   `db:"related_order" json:"related_order,omitempty"`
	BankDetails  *BankDetails `db:"bank_details" json:"bank_details,omitempty"`
	CreatedAt    time.Time    `db:"created_at" json:"created_at"`
	CompletedAt  *time.Time   `db:"completed_at" json:"completed_at,omitempty"`
}

// SignedAmount возвращает вклад транзакции в баланс. Отменённый вывод
// компенсируется отдельной транзакцией типа refund, поэтому знак зависит
// только от типа.
func (t *Transaction) SignedAmount() int64 {
	switch t.Type {
	case TransactionTypeCredit, TransactionTypeRefund:
		return t.Amount
	default:
		return -t.Amount
	}
}

// ReconcileReport - результат сверки баланса с журналом.
type ReconcileReport struct {
	UserID           uuid.UUID `json:"user_id"`
	Balance          int64     `json:"balance"`
	LedgerSum        int64     `json:"ledger_sum"`
	TransactionCount int       `json:"transactions"`
	Consistent       bool      `json:"consistent"`
	CheckedAt        time.Time `json:"checked_at"`
}
