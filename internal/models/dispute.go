package models

import (
	"database/sql/driver"
	"time"

	"github.com/google/uuid"
)

const (
	DisputeStatusOpen        = "open"
	DisputeStatusUnderReview = "under_review"
	DisputeStatusEscalated   = "escalated"
	DisputeStatusResolved    = "resolved"
	DisputeStatusClosed      = "closed"
)

// ActiveDisputeStatuses - статусы, при которых спор удерживает escrow.
var ActiveDisputeStatuses = []string{DisputeStatusOpen, DisputeStatusUnderReview, DisputeStatusEscalated}

// IsActiveDisputeStatus сообщает, что спор ещё не завершён.
func IsActiveDisputeStatus(status string) bool {
	for _, s := range ActiveDisputeStatuses {
		if s == status {
			return true
		}
	}
	return false
}

const (
	DisputeTypeQuality       = "quality"
	DisputeTypeDelivery      = "delivery"
	DisputeTypePayment       = "payment"
	DisputeTypeCommunication = "communication"
	DisputeTypeOther         = "other"
)

var ValidDisputeTypes = map[string]struct{}{
	DisputeTypeQuality:       {},
	DisputeTypeDelivery:      {},
	DisputeTypePayment:       {},
	DisputeTypeCommunication: {},
	DisputeTypeOther:         {},
}

const (
	ResolutionRefund         = "refund"
	ResolutionPartialRefund  = "partial_refund"
	ResolutionReleasePayment = "release_payment"
	ResolutionSplitPayment   = "split_payment"
)

// Evidence - доказательство, приложенное стороной спора.
type Evidence struct {
	URL         string    `json:"url"`
	Description string    `json:"description,omitempty"`
	UploadedBy  uuid.UUID `json:"uploaded_by"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

type EvidenceList []Evidence

func (l EvidenceList) Value() (driver.Value, error) {
	if l == nil {
		l = EvidenceList{}
	}
	return jsonValue(l)
}
func (l *EvidenceList) Scan(src any) error { return jsonScan(src, l) }

// DisputeMessage - сообщение в переписке по спору.
type DisputeMessage struct {
	ID          uuid.UUID `json:"id"`
	SenderID    uuid.UUID `json:"sender_id"`
	Text        string    `json:"text"`
	Attachments []string  `json:"attachments,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type DisputeMessages []DisputeMessage

func (m DisputeMessages) Value() (driver.Value, error) {
	if m == nil {
		m = DisputeMessages{}
	}
	return jsonValue(m)
}
func (m *DisputeMessages) Scan(src any) error { return jsonScan(src, m) }

// DisputeResolution - решение администратора. Для split_payment заполняются
// RefundAmount и ReleaseAmount, для остальных типов Amount.
type DisputeResolution struct {
	Type          string    `json:"type"`
	Amount        int64     `json:"amount,omitempty"`
	RefundAmount  int64     `json:"refund_amount,omitempty"`
	ReleaseAmount int64     `json:"release_amount,omitempty"`
	Description   string    `json:"description,omitempty"`
	ResolvedBy    uuid.UUID `json:"resolved_by"`
	ResolvedAt    time.Time `json:"resolved_at"`
}

func (r DisputeResolution) Value() (driver.Value, error) { return jsonValue(r) }
func (r *DisputeResolution) Scan(src any) error         { return jsonScan(src, r) }

type Dispute struct {
	ID               uuid.UUID          `db:"id" json:"id"`
	OrderID          uuid.UUID          `db:"order_id" json:"order_id"`
	PaymentID        uuid.UUID          `db:"payment_id" json:"payment_id"`
	RaisedBy         uuid.UUID          `db:"raised_by" json:"raised_by"`
	Against          uuid.UUID          `db:"against" json:"against"`
	Type             string             `db:"type" json:"type"`
	Status           string             `db:"status" json:"status"`
	Description      string             `db:"description" json:"description"`
	Evidence         EvidenceList       `db:"evidence" json:"evidence"`
	Messages         DisputeMessages    `db:"messages" json:"messages"`
	Resolution       *DisputeResolution `db:"resolution" json:"resolution,omitempty"`
	EscalationReason *string            `db:"escalation_reason" json:"escalation_reason,omitempty"`
	ReviewerID       *uuid.UUID         `db:"reviewer_id" json:"reviewer_id,omitempty"`
	ClosedReason     *string            `db:"closed_reason" json:"closed_reason,omitempty"`
	ProcessorCaseID  *string            `db:"processor_case_id" json:"processor_case_id,omitempty"`
	CreatedAt        time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time          `db:"updated_at" json:"updated_at"`
}

// IsParty сообщает, является ли пользователь стороной спора.
func (d *Dispute) IsParty(userID uuid.UUID) bool {
	return d.RaisedBy == userID || d.Against == userID
}

// Counterparty возвращает вторую сторону спора.
func (d *Dispute) Counterparty(userID uuid.UUID) uuid.UUID {
	if d.RaisedBy == userID {
		return d.Against
	}
	return d.RaisedBy
}
