package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/artisan-market/internal/logger"
	"github.com/ignatzorin/artisan-market/internal/models"
	"github.com/ignatzorin/artisan-market/internal/pkg/apperror"
	"github.com/ignatzorin/artisan-market/internal/repository"
	"github.com/ignatzorin/artisan-market/internal/repository/common"
)

func init() {
	logger.Silence()
}

// memPayments хранит платежи в памяти и повторяет условное обновление по статусу.
type memPayments struct {
	mu   sync.Mutex
	byID map[uuid.UUID]models.Payment
	seq  int
}

func newMemPayments() *memPayments {
	return &memPayments{byID: make(map[uuid.UUID]models.Payment)}
}

func (m *memPayments) Create(_ context.Context, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// как частичный уникальный индекс по order_id для статусов кроме failed
	for _, existing := range m.byID {
		if existing.OrderID == p.OrderID && existing.Status != models.PaymentStatusFailed {
			return apperror.ErrPaymentAlreadyExists
		}
	}
	m.seq++
	p.ID = uuid.New()
	p.CreatedAt = time.Now().Add(time.Duration(m.seq) * time.Microsecond)
	p.UpdatedAt = p.CreatedAt
	m.byID[p.ID] = *p
	return nil
}

func (m *memPayments) GetByID(_ context.Context, id uuid.UUID) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return nil, apperror.ErrPaymentNotFound
	}
	return &p, nil
}

func (m *memPayments) GetByIntentID(_ context.Context, intentID string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.byID {
		if p.ProcessorIntentID != nil && *p.ProcessorIntentID == intentID {
			return &p, nil
		}
	}
	return nil, apperror.ErrPaymentNotFound
}

func (m *memPayments) GetByOrderID(_ context.Context, orderID uuid.UUID) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.Payment
	for _, p := range m.byID {
		if p.OrderID != orderID {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			c := p
			latest = &c
		}
	}
	if latest == nil {
		return nil, apperror.ErrPaymentNotFound
	}
	return latest, nil
}

func (m *memPayments) ListForUser(_ context.Context, userID uuid.UUID, limit, offset int) ([]models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Payment{}
	for _, p := range m.byID {
		if p.PayerID == userID || p.PayeeID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return []models.Payment{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memPayments) Update(_ context.Context, p *models.Payment, expectedStatus string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.byID[p.ID]
	if !ok || current.Status != expectedStatus {
		return common.ErrStaleState
	}
	p.UpdatedAt = time.Now()
	p.PayoutID = current.PayoutID
	m.byID[p.ID] = *p
	return nil
}

func (m *memPayments) CountRefundsSince(_ context.Context, payerID uuid.UUID, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.byID {
		if p.PayerID == payerID && p.Refund != nil && !p.Refund.RequestedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *memPayments) ListReleasedForPayout(_ context.Context, releasedBefore time.Time) ([]models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Payment{}
	for _, p := range m.byID {
		if p.Status == models.PaymentStatusReleased && p.PayoutID == nil && p.ReleasedAmount > 0 &&
			p.Escrow.ReleasedAt != nil && p.Escrow.ReleasedAt.Before(releasedBefore) {
			out = append(out, p)
		}
	}
	return out, nil
}

// put кладёт платёж в обход Create, для подготовки состояния.
func (m *memPayments) put(p models.Payment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[p.ID] = p
}

func (m *memPayments) get(id uuid.UUID) models.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id]
}

type memOrders struct {
	mu   sync.Mutex
	byID map[uuid.UUID]models.Order
}

func newMemOrders() *memOrders {
	return &memOrders{byID: make(map[uuid.UUID]models.Order)}
}

func (m *memOrders) add(o models.Order) models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	m.byID[o.ID] = o
	return o
}

func (m *memOrders) GetByID(_ context.Context, id uuid.UUID) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.byID[id]
	if !ok {
		return nil, apperror.ErrOrderNotFound
	}
	return &o, nil
}

func (m *memOrders) UpdatePaymentStatus(_ context.Context, id uuid.UUID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.byID[id]
	if !ok {
		return apperror.ErrOrderNotFound
	}
	o.PaymentStatus = status
	m.byID[id] = o
	return nil
}

func (m *memOrders) UpdateStatus(_ context.Context, id uuid.UUID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.byID[id]
	if !ok {
		return apperror.ErrOrderNotFound
	}
	o.Status = status
	m.byID[id] = o
	return nil
}

func (m *memOrders) get(id uuid.UUID) models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id]
}

type memUsers struct {
	mu    sync.Mutex
	byID  map[uuid.UUID]models.User
	roles map[string][]uuid.UUID
}

func newMemUsers() *memUsers {
	return &memUsers{byID: make(map[uuid.UUID]models.User), roles: make(map[string][]uuid.UUID)}
}

func (m *memUsers) add(role string, stripeAccount string) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := models.User{ID: uuid.New(), Role: role, Email: uuid.NewString() + "@example.com", IsActive: true}
	if stripeAccount != "" {
		u.StripeAccountID = &stripeAccount
	}
	m.byID[u.ID] = u
	m.roles[role] = append(m.roles[role], u.ID)
	return u.ID
}

func (m *memUsers) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return nil, apperror.ErrUserNotFound
	}
	return &u, nil
}

func (m *memUsers) ListIDsByRole(_ context.Context, role string) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uuid.UUID(nil), m.roles[role]...), nil
}

type memDisputes struct {
	mu   sync.Mutex
	byID map[uuid.UUID]models.Dispute
}

func newMemDisputes() *memDisputes {
	return &memDisputes{byID: make(map[uuid.UUID]models.Dispute)}
}

func (m *memDisputes) Create(_ context.Context, d *models.Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.byID {
		if existing.PaymentID == d.PaymentID && models.IsActiveDisputeStatus(existing.Status) {
			return apperror.ErrDisputeAlreadyExists
		}
	}
	d.ID = uuid.New()
	d.CreatedAt = time.Now()
	d.UpdatedAt = d.CreatedAt
	m.byID[d.ID] = *d
	return nil
}

func (m *memDisputes) GetByID(_ context.Context, id uuid.UUID) (*models.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.byID[id]
	if !ok {
		return nil, apperror.ErrDisputeNotFound
	}
	return &d, nil
}

func (m *memDisputes) GetActiveByPaymentID(_ context.Context, paymentID uuid.UUID) (*models.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.byID {
		if d.PaymentID == paymentID && models.IsActiveDisputeStatus(d.Status) {
			return &d, nil
		}
	}
	return nil, apperror.ErrDisputeNotFound
}

func (m *memDisputes) HasActiveDispute(ctx context.Context, paymentID uuid.UUID) (bool, error) {
	_, err := m.GetActiveByPaymentID(ctx, paymentID)
	if err != nil {
		return false, nil
	}
	return true, nil
}

func (m *memDisputes) ListForUser(_ context.Context, userID uuid.UUID, _, _ int) ([]models.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Dispute{}
	for _, d := range m.byID {
		if d.IsParty(userID) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memDisputes) ListByStatus(_ context.Context, statuses []string, _, _ int) ([]models.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Dispute{}
	for _, d := range m.byID {
		if containsStatus(statuses, d.Status) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memDisputes) AppendMessage(_ context.Context, id uuid.UUID, msg models.DisputeMessage) (*models.Dispute, error) {
	return m.mutateActive(id, func(d *models.Dispute) { d.Messages = append(d.Messages, msg) })
}

func (m *memDisputes) AppendEvidence(_ context.Context, id uuid.UUID, ev models.Evidence) (*models.Dispute, error) {
	return m.mutateActive(id, func(d *models.Dispute) { d.Evidence = append(d.Evidence, ev) })
}

func (m *memDisputes) mutateActive(id uuid.UUID, fn func(*models.Dispute)) (*models.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.byID[id]
	if !ok || !models.IsActiveDisputeStatus(d.Status) {
		return nil, common.ErrStaleState
	}
	fn(&d)
	m.byID[id] = d
	return &d, nil
}

func (m *memDisputes) UpdateState(_ context.Context, d *models.Dispute, expected []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.byID[d.ID]
	if !ok || !containsStatus(expected, current.Status) {
		return common.ErrStaleState
	}
	current.Status = d.Status
	current.Resolution = d.Resolution
	current.EscalationReason = d.EscalationReason
	current.ReviewerID = d.ReviewerID
	current.ClosedReason = d.ClosedReason
	m.byID[d.ID] = current
	return nil
}

func (m *memDisputes) get(id uuid.UUID) models.Dispute {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id]
}

// memWallets повторяет семантику WalletRepository: уникальный reference,
// проверку средств и компенсацию pending вывода.
type memWallets struct {
	mu      sync.Mutex
	wallets map[uuid.UUID]*models.Wallet
	txs     []models.Transaction
}

func newMemWallets() *memWallets {
	return &memWallets{wallets: make(map[uuid.UUID]*models.Wallet)}
}

func (m *memWallets) wallet(userID uuid.UUID, currency string) *models.Wallet {
	w, ok := m.wallets[userID]
	if !ok {
		w = &models.Wallet{UserID: userID, Currency: currency, CreatedAt: time.Now()}
		m.wallets[userID] = w
	}
	return w
}

func (m *memWallets) GetOrCreate(_ context.Context, userID uuid.UUID, currency string) (*models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := *m.wallet(userID, currency)
	return &w, nil
}

func (m *memWallets) insert(t *models.Transaction) error {
	for _, existing := range m.txs {
		if existing.Reference == t.Reference {
			return apperror.ErrDuplicateReference
		}
	}
	t.ID = uuid.New()
	t.CreatedAt = time.Now()
	m.txs = append(m.txs, *t)
	return nil
}

func (m *memWallets) Apply(_ context.Context, t *models.Transaction, currency string, requireFunds bool) (*models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.wallet(t.UserID, currency)
	delta := t.SignedAmount()
	if requireFunds && delta < 0 && w.Balance+delta < 0 {
		return nil, apperror.ErrInsufficientFunds
	}
	if err := m.insert(t); err != nil {
		return nil, err
	}
	w.Balance += delta
	w.LastActivity = time.Now()
	out := *w
	return &out, nil
}

func (m *memWallets) GetTransactionByReference(_ context.Context, reference string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.txs {
		if t.Reference == reference {
			return &t, nil
		}
	}
	return nil, apperror.ErrTransactionMissing
}

func (m *memWallets) CompletePending(_ context.Context, reference string, at time.Time) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.txs {
		if m.txs[i].Reference == reference && m.txs[i].Status == models.TransactionStatusPending {
			m.txs[i].Status = models.TransactionStatusCompleted
			m.txs[i].CompletedAt = &at
			t := m.txs[i]
			return &t, nil
		}
	}
	return nil, common.ErrStaleState
}

func (m *memWallets) ReversePending(_ context.Context, reference string, compensation *models.Transaction, currency string) (*models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.txs {
		if m.txs[i].Reference != reference {
			continue
		}
		if m.txs[i].Status != models.TransactionStatusPending {
			return nil, common.ErrStaleState
		}
		m.txs[i].Status = models.TransactionStatusReversed
		compensation.UserID = m.txs[i].UserID
		compensation.Amount = m.txs[i].Amount
		if err := m.insert(compensation); err != nil {
			return nil, err
		}
		w := m.wallet(compensation.UserID, currency)
		w.Balance += compensation.SignedAmount()
		out := *w
		return &out, nil
	}
	return nil, apperror.ErrTransactionMissing
}

func (m *memWallets) ListTransactions(_ context.Context, userID uuid.UUID, _, _ int) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Transaction{}
	for _, t := range m.txs {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memWallets) LedgerSum(_ context.Context, userID uuid.UUID) (int64, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum int64
	count := 0
	for _, t := range m.txs {
		if t.UserID == userID {
			sum += t.SignedAmount()
			count++
		}
	}
	return sum, count, nil
}

func (m *memWallets) balance(userID uuid.UUID) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.wallets[userID]; ok {
		return w.Balance
	}
	return 0
}

// memPayouts повторяет атомарный захват платежей в пакет.
type memPayouts struct {
	mu       sync.Mutex
	byID     map[uuid.UUID]models.Payout
	payments *memPayments
}

func newMemPayouts(payments *memPayments) *memPayouts {
	return &memPayouts{byID: make(map[uuid.UUID]models.Payout), payments: payments}
}

func (m *memPayouts) ClaimBatch(_ context.Context, payout *models.Payout, paymentIDs []uuid.UUID, finalize func(*models.Payout, []models.Payment)) ([]models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments.mu.Lock()
	defer m.payments.mu.Unlock()

	payout.ID = uuid.New()
	var claimed []models.Payment
	for _, id := range paymentIDs {
		p, ok := m.payments.byID[id]
		if !ok || p.PayoutID != nil || p.Status != models.PaymentStatusReleased {
			continue
		}
		pid := payout.ID
		p.PayoutID = &pid
		m.payments.byID[id] = p
		claimed = append(claimed, p)
	}
	if len(claimed) == 0 {
		return nil, repository.ErrNothingToClaim
	}
	finalize(payout, claimed)
	payout.CreatedAt = time.Now()
	payout.UpdatedAt = payout.CreatedAt
	m.byID[payout.ID] = *payout
	return claimed, nil
}

func (m *memPayouts) GetByID(_ context.Context, id uuid.UUID) (*models.Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return nil, apperror.ErrPayoutNotFound
	}
	return &p, nil
}

func (m *memPayouts) GetByProcessorID(_ context.Context, processorID string) (*models.Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.byID {
		if p.ProcessorPayoutID != nil && *p.ProcessorPayoutID == processorID {
			return &p, nil
		}
	}
	return nil, apperror.ErrPayoutNotFound
}

func (m *memPayouts) ListByArtisan(_ context.Context, artisanID uuid.UUID, _, _ int) ([]models.Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Payout{}
	for _, p := range m.byID {
		if p.ArtisanID == artisanID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memPayouts) Update(_ context.Context, p *models.Payout, expectedStatus string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.byID[p.ID]
	if !ok || current.Status != expectedStatus {
		return common.ErrStaleState
	}
	p.UpdatedAt = time.Now()
	m.byID[p.ID] = *p
	return nil
}

// recordingNotifier запоминает уведомления вместо доставки.
type recordingNotifier struct {
	mu    sync.Mutex
	sent  []NotifyRequest
	roles []string
}

func (n *recordingNotifier) Notify(_ context.Context, req NotifyRequest) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, req)
}

func (n *recordingNotifier) NotifyRole(_ context.Context, role string, req NotifyRequest) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.roles = append(n.roles, role)
	n.sent = append(n.sent, req)
}

func (n *recordingNotifier) count(userID uuid.UUID, notificationType string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, r := range n.sent {
		if r.UserID == userID && r.Type == notificationType {
			c++
		}
	}
	return c
}

func (n *recordingNotifier) hasType(notificationType string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, r := range n.sent {
		if r.Type == notificationType {
			return true
		}
	}
	return false
}

// memNotifications повторяет семантику SQL хранилища уведомлений:
// повторная отметка прочтения находит строку, очистка ограничена получателем.
type memNotifications struct {
	mu   sync.Mutex
	byID map[uuid.UUID]models.Notification
}

func newMemNotifications() *memNotifications {
	return &memNotifications{byID: make(map[uuid.UUID]models.Notification)}
}

func (m *memNotifications) Create(_ context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n.ID = uuid.New()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	m.byID[n.ID] = *n
	return nil
}

func (m *memNotifications) GetByID(_ context.Context, id uuid.UUID) (*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.byID[id]
	if !ok {
		return nil, apperror.ErrNotificationNotFound
	}
	return &n, nil
}

func (m *memNotifications) List(_ context.Context, userID uuid.UUID, _, _ int, unreadOnly bool) ([]models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Notification{}
	for _, n := range m.byID {
		if n.UserID == userID && (!unreadOnly || !n.IsRead) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *memNotifications) MarkRead(_ context.Context, userID, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.byID[id]
	if !ok || n.UserID != userID {
		return apperror.ErrNotificationNotFound
	}
	if n.ReadAt == nil {
		now := time.Now()
		n.ReadAt = &now
	}
	n.IsRead = true
	m.byID[id] = n
	return nil
}

func (m *memNotifications) MarkManyRead(_ context.Context, userID uuid.UUID, ids []uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var changed int64
	for _, id := range ids {
		n, ok := m.byID[id]
		if !ok || n.UserID != userID || n.IsRead {
			continue
		}
		now := time.Now()
		n.IsRead, n.ReadAt = true, &now
		m.byID[id] = n
		changed++
	}
	return changed, nil
}

func (m *memNotifications) MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error) {
	m.mu.Lock()
	ids := []uuid.UUID{}
	for id, n := range m.byID {
		if n.UserID == userID {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	return m.MarkManyRead(ctx, userID, ids)
}

func (m *memNotifications) ClearOlderThan(_ context.Context, userID uuid.UUID, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for id, n := range m.byID {
		if n.UserID == userID && n.CreatedAt.Before(before) {
			delete(m.byID, id)
			removed++
		}
	}
	return removed, nil
}

func (m *memNotifications) Delete(_ context.Context, userID, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.byID[id]
	if !ok || n.UserID != userID {
		return apperror.ErrNotificationNotFound
	}
	delete(m.byID, id)
	return nil
}

func (m *memNotifications) CountUnread(_ context.Context, userID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, n := range m.byID {
		if n.UserID == userID && !n.IsRead {
			count++
		}
	}
	return count, nil
}

func (m *memNotifications) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for id, n := range m.byID {
		if !n.ExpiresAt.After(now) {
			delete(m.byID, id)
			removed++
		}
	}
	return removed, nil
}

func (m *memNotifications) count(userID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, n := range m.byID {
		if n.UserID == userID {
			count++
		}
	}
	return count
}
