package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/passwallet/access-service/internal/domain"
	"github.com/shopspring/decimal"
)

// MemoryRepository is an in-process Repository. A single mutex serialises every
// operation, which gives each method the same all-or-nothing behaviour as the
// transactional PostgreSQL queries.
type MemoryRepository struct {
	mu sync.Mutex

	users        map[uuid.UUID]*domain.User
	services     map[uuid.UUID]*domain.Service
	offers       []domain.Offer
	referrals    map[uuid.UUID]*domain.Referral
	passes       map[uuid.UUID]*domain.Pass
	transactions []*domain.Transaction
	usage        []domain.UsageLog

	now func() time.Time
}

// NewMemoryRepository creates an empty in-memory store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:     make(map[uuid.UUID]*domain.User),
		services:  make(map[uuid.UUID]*domain.Service),
		referrals: make(map[uuid.UUID]*domain.Referral),
		passes:    make(map[uuid.UUID]*domain.Pass),
		now:       time.Now,
	}
}

// SetClock overrides the time source used for timestamps and expiry checks.
func (r *MemoryRepository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// SeedUser inserts or replaces a user.
func (r *MemoryRepository) SeedUser(u domain.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = r.now()
		u.UpdatedAt = u.CreatedAt
	}
	r.users[u.ID] = &u
}

// SeedService inserts or replaces a catalog entry.
func (r *MemoryRepository) SeedService(s domain.Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[s.ID] = &s
}

// SeedOffer appends a cashback offer.
func (r *MemoryRepository) SeedOffer(o domain.Offer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = r.now()
	}
	r.offers = append(r.offers, o)
}

// SeedReferral inserts a referral keyed by referee.
func (r *MemoryRepository) SeedReferral(ref domain.Referral) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ref.Status == "" {
		ref.Status = domain.ReferralPending
	}
	r.referrals[ref.RefereeID] = &ref
}

// SeedPass inserts or replaces a pass.
func (r *MemoryRepository) SeedPass(p domain.Pass) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.passes[p.ID] = &p
}

func (r *MemoryRepository) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *MemoryRepository) SetWalletLock(ctx context.Context, userID uuid.UUID, locked bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.IsWalletLocked = locked
	u.UpdatedAt = r.now()
	return nil
}

func (r *MemoryRepository) FindServiceByID(ctx context.Context, serviceID uuid.UUID) (*domain.Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.services[serviceID]
	if !ok {
		return nil, ErrServiceNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *MemoryRepository) FindActiveCashbackOffers(ctx context.Context) ([]domain.Offer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Offer
	for _, o := range r.offers {
		if o.IsActive {
			out = append(out, o)
		}
	}
	return out, nil
}

func (r *MemoryRepository) ApplyWalletDebit(ctx context.Context, entry *domain.Transaction) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[entry.UserID]
	if !ok {
		return decimal.Zero, ErrUserNotFound
	}
	if u.IsWalletLocked {
		return decimal.Zero, ErrWalletLocked
	}
	amount := entry.Amount.Abs()
	if u.WalletBalance.LessThan(amount) {
		return decimal.Zero, ErrInsufficientFunds
	}
	u.WalletBalance = u.WalletBalance.Sub(amount)
	u.UpdatedAt = r.now()
	entry.Amount = amount.Neg()
	r.appendTransaction(entry)
	return u.WalletBalance, nil
}

func (r *MemoryRepository) ApplyWalletCredit(ctx context.Context, entry *domain.Transaction) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	amount := entry.Amount.Abs()
	if err := r.credit(entry.UserID, amount, entry.Type); err != nil {
		return decimal.Zero, err
	}
	entry.Amount = amount
	r.appendTransaction(entry)
	return r.users[entry.UserID].WalletBalance, nil
}

// credit must be called with mu held.
func (r *MemoryRepository) credit(userID uuid.UUID, amount decimal.Decimal, txType domain.TransactionType) error {
	u, ok := r.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.WalletBalance = u.WalletBalance.Add(amount)
	switch txType {
	case domain.TransactionCashback:
		u.TotalCashbackEarned = u.TotalCashbackEarned.Add(amount)
	case domain.TransactionReferralReward:
		u.TotalReferralEarned = u.TotalReferralEarned.Add(amount)
	}
	u.UpdatedAt = r.now()
	return nil
}

// appendTransaction must be called with mu held.
func (r *MemoryRepository) appendTransaction(entry *domain.Transaction) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Status == "" {
		entry.Status = domain.TransactionSuccess
	}
	entry.CreatedAt = r.now()
	entry.UpdatedAt = entry.CreatedAt
	cp := *entry
	r.transactions = append(r.transactions, &cp)
}

func (r *MemoryRepository) CreateTransaction(ctx context.Context, entry *domain.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[entry.UserID]; !ok {
		return ErrUserNotFound
	}
	r.appendTransaction(entry)
	return nil
}

// findTransaction must be called with mu held.
func (r *MemoryRepository) findTransaction(id uuid.UUID) *domain.Transaction {
	for _, t := range r.transactions {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (r *MemoryRepository) FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.findTransaction(transactionID)
	if t == nil {
		return nil, ErrTransactionNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *MemoryRepository) FindTransactionByOrderID(ctx context.Context, orderID string) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.transactions {
		if t.ExternalOrderID != nil && *t.ExternalOrderID == orderID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrTransactionNotFound
}

func (r *MemoryRepository) CompleteDeposit(ctx context.Context, transactionID uuid.UUID, paymentID string) (*domain.Transaction, decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.findTransaction(transactionID)
	if t == nil {
		return nil, decimal.Zero, ErrTransactionNotFound
	}
	if t.Status != domain.TransactionPending || t.Type != domain.TransactionDeposit {
		return nil, decimal.Zero, ErrTransactionNotPending
	}
	if err := r.credit(t.UserID, t.Amount.Abs(), t.Type); err != nil {
		return nil, decimal.Zero, err
	}
	t.Status = domain.TransactionSuccess
	t.ExternalPaymentID = &paymentID
	t.UpdatedAt = r.now()
	cp := *t
	return &cp, r.users[t.UserID].WalletBalance, nil
}

func (r *MemoryRepository) FailTransaction(ctx context.Context, transactionID uuid.UUID, paymentID *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.findTransaction(transactionID)
	if t == nil {
		return ErrTransactionNotFound
	}
	if t.Status != domain.TransactionPending {
		return ErrTransactionNotPending
	}
	t.Status = domain.TransactionFailed
	if paymentID != nil {
		t.ExternalPaymentID = paymentID
	}
	t.UpdatedAt = r.now()
	return nil
}

func (r *MemoryRepository) SettleWithdrawal(ctx context.Context, transactionID uuid.UUID, success bool) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.findTransaction(transactionID)
	if t == nil {
		return nil, ErrTransactionNotFound
	}
	if t.Status != domain.TransactionPending || t.Type != domain.TransactionWithdrawal {
		return nil, ErrTransactionNotPending
	}
	if success {
		t.Status = domain.TransactionSuccess
	} else {
		if err := r.credit(t.UserID, t.Amount.Abs(), t.Type); err != nil {
			return nil, err
		}
		t.Status = domain.TransactionFailed
	}
	t.UpdatedAt = r.now()
	cp := *t
	return &cp, nil
}

func (r *MemoryRepository) ListTransactionsByUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	limit = clampLimit(limit)
	var out []domain.Transaction
	for i := len(r.transactions) - 1; i >= 0 && len(out) < limit; i-- {
		if r.transactions[i].UserID == userID {
			out = append(out, *r.transactions[i])
		}
	}
	return out, nil
}

func (r *MemoryRepository) CountSuccessfulPurchases(ctx context.Context, userID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, t := range r.transactions {
		if t.UserID == userID && t.Type == domain.TransactionPurchase && t.Status == domain.TransactionSuccess && t.Amount.IsNegative() {
			count++
		}
	}
	return count, nil
}

func (r *MemoryRepository) FindReferralByReferee(ctx context.Context, refereeID uuid.UUID) (*domain.Referral, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.referrals[refereeID]
	if !ok {
		return nil, ErrReferralNotFound
	}
	cp := *ref
	return &cp, nil
}

func (r *MemoryRepository) CompleteReferral(ctx context.Context, payout domain.ReferralPayout) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ref *domain.Referral
	for _, candidate := range r.referrals {
		if candidate.ID == payout.ReferralID {
			ref = candidate
			break
		}
	}
	if ref == nil {
		return ErrReferralNotFound
	}
	if ref.Status != domain.ReferralPending {
		return ErrReferralAlreadyCompleted
	}
	for _, id := range []uuid.UUID{payout.ReferrerID, payout.RefereeID} {
		if _, ok := r.users[id]; !ok {
			return ErrUserNotFound
		}
	}

	now := r.now()
	ref.Status = domain.ReferralCompleted
	ref.CompletedAt = &now

	bonuses := []struct {
		userID uuid.UUID
		amount decimal.Decimal
		desc   string
	}{
		{payout.ReferrerID, payout.ReferrerBonus, "Referral bonus"},
		{payout.RefereeID, payout.RefereeBonus, "Welcome referral bonus"},
	}
	for _, b := range bonuses {
		if !b.amount.IsPositive() {
			continue
		}
		_ = r.credit(b.userID, b.amount, domain.TransactionReferralReward)
		r.appendTransaction(&domain.Transaction{
			UserID:      b.userID,
			Amount:      b.amount,
			Type:        domain.TransactionReferralReward,
			Status:      domain.TransactionSuccess,
			Description: b.desc,
		})
	}
	return nil
}

func (r *MemoryRepository) FindPassByID(ctx context.Context, passID uuid.UUID) (*domain.Pass, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.passes[passID]
	if !ok {
		return nil, ErrPassNotFound
	}
	cp := *p
	return &cp, nil
}

// sortedPasses must be called with mu held. Newest first.
func (r *MemoryRepository) sortedPasses(keep func(*domain.Pass) bool) []domain.Pass {
	var out []domain.Pass
	for _, p := range r.passes {
		if keep(p) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (r *MemoryRepository) FindPassesByUserAndService(ctx context.Context, userID, serviceID uuid.UUID) ([]domain.Pass, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedPasses(func(p *domain.Pass) bool {
		return p.UserID == userID && p.ServiceID == serviceID
	}), nil
}

func (r *MemoryRepository) ListPassesByUser(ctx context.Context, userID uuid.UUID) ([]domain.Pass, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedPasses(func(p *domain.Pass) bool { return p.UserID == userID }), nil
}

func (r *MemoryRepository) UpsertPassGrant(ctx context.Context, grant domain.PassGrant) (*domain.Pass, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[grant.UserID]; !ok {
		return nil, ErrUserNotFound
	}

	var existing *domain.Pass
	for _, p := range r.passes {
		if p.UserID == grant.UserID && p.ServiceID == grant.ServiceID {
			existing = p
			break
		}
	}

	extension := time.Duration(grant.Amount) * time.Hour
	if existing == nil {
		p := &domain.Pass{
			ID:              uuid.New(),
			UserID:          grant.UserID,
			ServiceID:       grant.ServiceID,
			ServiceType:     grant.ServiceType,
			TotalLimit:      grant.Amount,
			RemainingAmount: grant.Amount,
			Status:          domain.PassActive,
			CreatedAt:       r.now(),
		}
		if grant.ServiceType == domain.ServiceTypeTime {
			e := grant.Now.Add(extension)
			p.ExpiresAt = &e
		}
		p.UpdatedAt = p.CreatedAt
		r.passes[p.ID] = p
		cp := *p
		return &cp, nil
	}

	existing.TotalLimit += grant.Amount
	existing.RemainingAmount += grant.Amount
	if grant.ServiceType == domain.ServiceTypeTime {
		base := grant.Now
		if existing.ExpiresAt != nil && existing.ExpiresAt.After(base) {
			base = *existing.ExpiresAt
		}
		e := base.Add(extension)
		existing.ExpiresAt = &e
	}
	existing.Status = domain.PassActive
	existing.ExpiryWarningSent = false
	existing.ExpiryEmailSent = false
	existing.UpdatedAt = r.now()
	cp := *existing
	return &cp, nil
}

// appendUsage must be called with mu held.
func (r *MemoryRepository) appendUsage(p *domain.Pass, amount int64, entry *domain.UsageLog) {
	if entry == nil {
		entry = &domain.UsageLog{}
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.UserID = p.UserID
	entry.ServiceID = p.ServiceID
	entry.PassID = p.ID
	entry.AmountUsed = amount
	entry.CreatedAt = r.now()
	r.usage = append(r.usage, *entry)
}

func (r *MemoryRepository) ConsumePassUnits(ctx context.Context, passID uuid.UUID, amount int64, entry *domain.UsageLog) (*domain.Pass, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.passes[passID]
	if !ok {
		return nil, ErrPassNotFound
	}
	if domain.EffectiveStatus(*p, r.now()) == domain.PassExpired {
		return nil, ErrPassExpired
	}
	if p.RemainingAmount < amount {
		return nil, ErrInsufficientUsage
	}
	p.RemainingAmount -= amount
	if p.RemainingAmount <= 0 {
		p.Status = domain.PassExpired
	}
	p.UpdatedAt = r.now()
	r.appendUsage(p, amount, entry)
	cp := *p
	return &cp, nil
}

func (r *MemoryRepository) ConsumeTimedPass(ctx context.Context, passID uuid.UUID, now time.Time, entry *domain.UsageLog) (*domain.Pass, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.passes[passID]
	if !ok {
		return nil, ErrPassNotFound
	}
	if p.Status != domain.PassActive || p.ExpiresAt == nil || !p.ExpiresAt.After(now) {
		return nil, ErrPassExpired
	}
	p.UpdatedAt = r.now()
	r.appendUsage(p, 1, entry)
	cp := *p
	return &cp, nil
}

func (r *MemoryRepository) ExpirePass(ctx context.Context, passID uuid.UUID, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.passes[passID]
	if !ok {
		return false, ErrPassNotFound
	}
	if p.Status != domain.PassActive {
		return false, nil
	}
	lapsed := p.ExpiresAt != nil && !p.ExpiresAt.After(now)
	drained := p.ServiceType == domain.ServiceTypeUsage && p.RemainingAmount <= 0
	if !lapsed && !drained {
		return false, nil
	}
	p.Status = domain.PassExpired
	p.UpdatedAt = r.now()
	return true, nil
}

func (r *MemoryRepository) DeletePass(ctx context.Context, passID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.passes[passID]; !ok {
		return ErrPassNotFound
	}
	delete(r.passes, passID)
	return nil
}

func (r *MemoryRepository) ListUsageByUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.UsageLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	limit = clampLimit(limit)
	var out []domain.UsageLog
	for i := len(r.usage) - 1; i >= 0 && len(out) < limit; i-- {
		if r.usage[i].UserID == userID {
			out = append(out, r.usage[i])
		}
	}
	return out, nil
}

// notices must be called with mu held.
func (r *MemoryRepository) notices(keep func(*domain.Pass) bool) []domain.PassNotice {
	var out []domain.PassNotice
	for _, p := range r.passes {
		if !keep(p) {
			continue
		}
		n := domain.PassNotice{Pass: *p}
		if u, ok := r.users[p.UserID]; ok {
			n.UserEmail = u.Email
			n.UserName = u.FullName
		}
		if s, ok := r.services[p.ServiceID]; ok {
			n.ServiceName = s.Name
			n.UnitName = s.UnitName
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pass.CreatedAt.Before(out[j].Pass.CreatedAt) })
	return out
}

func (r *MemoryRepository) FindPassesNeedingWarning(ctx context.Context, now time.Time, horizon time.Duration, lowThreshold int64) ([]domain.PassNotice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	deadline := now.Add(horizon)
	return r.notices(func(p *domain.Pass) bool {
		if p.Status != domain.PassActive || p.ExpiryWarningSent {
			return false
		}
		switch p.ServiceType {
		case domain.ServiceTypeTime:
			return p.ExpiresAt != nil && p.ExpiresAt.After(now) && !p.ExpiresAt.After(deadline)
		case domain.ServiceTypeUsage:
			return p.RemainingAmount > 0 && p.RemainingAmount <= lowThreshold
		}
		return false
	}), nil
}

func (r *MemoryRepository) FindPassesToExpire(ctx context.Context, now time.Time) ([]domain.PassNotice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.notices(func(p *domain.Pass) bool {
		if p.Status == domain.PassActive {
			return p.ExpiresAt != nil && !p.ExpiresAt.After(now)
		}
		return !p.ExpiryEmailSent
	}), nil
}

func (r *MemoryRepository) MarkExpiryWarningSent(ctx context.Context, passID uuid.UUID, expiresAt *time.Time, remaining int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.passes[passID]
	if !ok {
		return false, ErrPassNotFound
	}
	if p.Status != domain.PassActive || p.ExpiryWarningSent {
		return false, nil
	}
	if !sameInstant(p.ExpiresAt, expiresAt) || p.RemainingAmount > remaining {
		return false, nil
	}
	p.ExpiryWarningSent = true
	return true, nil
}

func (r *MemoryRepository) MarkExpiryEmailSent(ctx context.Context, passID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.passes[passID]
	if !ok {
		return false, ErrPassNotFound
	}
	if p.Status != domain.PassExpired || p.ExpiryEmailSent {
		return false, nil
	}
	p.ExpiryEmailSent = true
	return true, nil
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

var _ Repository = (*MemoryRepository)(nil)
var _ Repository = (*PostgresRepository)(nil)
