/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * Balance mutations lock the user row (SELECT ... FOR UPDATE) and write the ledger
 * entry inside the same database transaction; pass counters are decremented with
 * conditional UPDATEs so concurrent consumers cannot overdraw a pass.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: NUMERIC columns map to decimal.Decimal.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/passwallet/access-service/internal/domain"
	"github.com/shopspring/decimal"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const userColumns = `id, email, full_name, wallet_balance, is_wallet_locked, is_suspended,
	referred_by, total_cashback_earned, total_referral_earned, created_at, updated_at`

const passColumns = `id, user_id, service_id, service_type, total_limit, remaining_amount, expires_at,
	status, expiry_warning_sent, expiry_email_sent, created_at, updated_at`

const transactionColumns = `id, user_id, amount, type, status, description, service_id,
	external_order_id, external_payment_id, created_at, updated_at`

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Email, &u.FullName, &u.WalletBalance, &u.IsWalletLocked, &u.IsSuspended,
		&u.ReferredBy, &u.TotalCashbackEarned, &u.TotalReferralEarned, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func scanPass(row pgx.Row) (*domain.Pass, error) {
	var p domain.Pass
	var serviceType, status string
	err := row.Scan(&p.ID, &p.UserID, &p.ServiceID, &serviceType, &p.TotalLimit, &p.RemainingAmount, &p.ExpiresAt,
		&status, &p.ExpiryWarningSent, &p.ExpiryEmailSent, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.ServiceType = domain.ServiceType(serviceType)
	p.Status = domain.PassStatus(status)
	return &p, nil
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	var txType, status string
	err := row.Scan(&t.ID, &t.UserID, &t.Amount, &txType, &status, &t.Description, &t.ServiceID,
		&t.ExternalOrderID, &t.ExternalPaymentID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Type = domain.TransactionType(txType)
	t.Status = domain.TransactionStatus(status)
	return &t, nil
}

// FindUserByID retrieves a user's ledger projection.
func (r *PostgresRepository) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	user, err := scanUser(r.db.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

// SetWalletLock sets the administrative freeze flag.
func (r *PostgresRepository) SetWalletLock(ctx context.Context, userID uuid.UUID, locked bool) error {
	tag, err := r.db.Exec(ctx, "UPDATE users SET is_wallet_locked = $1, updated_at = NOW() WHERE id = $2", locked, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// FindServiceByID retrieves a catalog entry.
func (r *PostgresRepository) FindServiceByID(ctx context.Context, serviceID uuid.UUID) (*domain.Service, error) {
	var s domain.Service
	var serviceType string
	query := `SELECT id, name, type, cost_per_unit, unit_name, active, created_at FROM services WHERE id = $1`
	err := r.db.QueryRow(ctx, query, serviceID).Scan(&s.ID, &s.Name, &serviceType, &s.CostPerUnit, &s.UnitName, &s.Active, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrServiceNotFound
		}
		return nil, err
	}
	s.Type = domain.ServiceType(serviceType)
	return &s, nil
}

// FindActiveCashbackOffers returns every active offer. Selection between them is a
// business rule and lives in the app layer.
func (r *PostgresRepository) FindActiveCashbackOffers(ctx context.Context) ([]domain.Offer, error) {
	query := `
		SELECT id, title, percentage, max_cap, is_active, is_default, created_at
		FROM offers
		WHERE is_active = TRUE
		ORDER BY created_at ASC
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var offers []domain.Offer
	for rows.Next() {
		var o domain.Offer
		if err := rows.Scan(&o.ID, &o.Title, &o.Percentage, &o.MaxCap, &o.IsActive, &o.IsDefault, &o.CreatedAt); err != nil {
			return nil, err
		}
		offers = append(offers, o)
	}
	return offers, rows.Err()
}

// ApplyWalletDebit debits a wallet and records the ledger entry in one transaction.
func (r *PostgresRepository) ApplyWalletDebit(ctx context.Context, entry *domain.Transaction) (decimal.Decimal, error) {
	amount := entry.Amount.Abs()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	defer tx.Rollback(ctx)

	var balance decimal.Decimal
	var locked bool
	// Use FOR UPDATE to lock the row, preventing race conditions.
	err = tx.QueryRow(ctx, "SELECT wallet_balance, is_wallet_locked FROM users WHERE id = $1 FOR UPDATE", entry.UserID).Scan(&balance, &locked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrUserNotFound
		}
		return decimal.Zero, err
	}
	if locked {
		return decimal.Zero, ErrWalletLocked
	}
	if balance.LessThan(amount) {
		return decimal.Zero, ErrInsufficientFunds
	}

	var newBalance decimal.Decimal
	err = tx.QueryRow(ctx,
		"UPDATE users SET wallet_balance = wallet_balance - $1, updated_at = NOW() WHERE id = $2 RETURNING wallet_balance",
		amount, entry.UserID,
	).Scan(&newBalance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to debit wallet: %w", err)
	}

	entry.Amount = amount.Neg()
	if err := insertTransaction(ctx, tx, entry); err != nil {
		return decimal.Zero, err
	}

	if err := tx.Commit(ctx); err != nil {
		return decimal.Zero, err
	}
	return newBalance, nil
}

// ApplyWalletCredit credits a wallet and records the ledger entry in one transaction.
// Cashback and referral credits also advance the user's lifetime reward totals.
func (r *PostgresRepository) ApplyWalletCredit(ctx context.Context, entry *domain.Transaction) (decimal.Decimal, error) {
	amount := entry.Amount.Abs()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	defer tx.Rollback(ctx)

	newBalance, err := creditUserTx(ctx, tx, entry.UserID, amount, entry.Type)
	if err != nil {
		return decimal.Zero, err
	}

	entry.Amount = amount
	if err := insertTransaction(ctx, tx, entry); err != nil {
		return decimal.Zero, err
	}

	if err := tx.Commit(ctx); err != nil {
		return decimal.Zero, err
	}
	return newBalance, nil
}

func creditUserTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal, txType domain.TransactionType) (decimal.Decimal, error) {
	cashback, referral := decimal.Zero, decimal.Zero
	switch txType {
	case domain.TransactionCashback:
		cashback = amount
	case domain.TransactionReferralReward:
		referral = amount
	}

	var newBalance decimal.Decimal
	err := tx.QueryRow(ctx, `
		UPDATE users
		SET wallet_balance = wallet_balance + $1,
		    total_cashback_earned = total_cashback_earned + $2,
		    total_referral_earned = total_referral_earned + $3,
		    updated_at = NOW()
		WHERE id = $4
		RETURNING wallet_balance
	`, amount, cashback, referral, userID).Scan(&newBalance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrUserNotFound
		}
		return decimal.Zero, fmt.Errorf("failed to credit wallet: %w", err)
	}
	return newBalance, nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertTransaction(ctx context.Context, q querier, entry *domain.Transaction) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Status == "" {
		entry.Status = domain.TransactionSuccess
	}
	query := `
		INSERT INTO transactions (id, user_id, amount, type, status, description, service_id, external_order_id, external_payment_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`
	err := q.QueryRow(ctx, query,
		entry.ID, entry.UserID, entry.Amount, string(entry.Type), string(entry.Status), entry.Description,
		entry.ServiceID, entry.ExternalOrderID, entry.ExternalPaymentID,
	).Scan(&entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

// CreateTransaction records a ledger entry without touching the balance. Used for
// pending deposits whose credit happens at confirmation.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, entry *domain.Transaction) error {
	return insertTransaction(ctx, r.db, entry)
}

// FindTransactionByID retrieves a ledger entry.
func (r *PostgresRepository) FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	t, err := scanTransaction(r.db.QueryRow(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE id = $1", transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return t, nil
}

// FindTransactionByOrderID retrieves the ledger entry correlated with a provider order.
func (r *PostgresRepository) FindTransactionByOrderID(ctx context.Context, orderID string) (*domain.Transaction, error) {
	t, err := scanTransaction(r.db.QueryRow(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE external_order_id = $1", orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return t, nil
}

// CompleteDeposit flips a pending deposit to success and credits its amount. The
// status guard makes a second completion fail with ErrTransactionNotPending.
func (r *PostgresRepository) CompleteDeposit(ctx context.Context, transactionID uuid.UUID, paymentID string) (*domain.Transaction, decimal.Decimal, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, decimal.Zero, err
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE transactions
		SET status = 'success', external_payment_id = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending' AND type = 'deposit'
		RETURNING ` + transactionColumns
	t, err := scanTransaction(tx.QueryRow(ctx, query, transactionID, paymentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, decimal.Zero, r.pendingMiss(ctx, transactionID)
		}
		return nil, decimal.Zero, err
	}

	newBalance, err := creditUserTx(ctx, tx, t.UserID, t.Amount.Abs(), t.Type)
	if err != nil {
		return nil, decimal.Zero, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, decimal.Zero, err
	}
	return t, newBalance, nil
}

// pendingMiss explains why a status-guarded update matched no row.
func (r *PostgresRepository) pendingMiss(ctx context.Context, transactionID uuid.UUID) error {
	var exists bool
	if err := r.db.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)", transactionID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrTransactionNotFound
	}
	return ErrTransactionNotPending
}

// FailTransaction marks a pending entry failed. Failing an already settled entry is
// reported as ErrTransactionNotPending.
func (r *PostgresRepository) FailTransaction(ctx context.Context, transactionID uuid.UUID, paymentID *string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE transactions
		SET status = 'failed', external_payment_id = COALESCE($2, external_payment_id), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, transactionID, paymentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.pendingMiss(ctx, transactionID)
	}
	return nil
}

// SettleWithdrawal moves a pending withdrawal to success, or to failed with the held
// amount returned to the wallet.
func (r *PostgresRepository) SettleWithdrawal(ctx context.Context, transactionID uuid.UUID, success bool) (*domain.Transaction, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	status := domain.TransactionFailed
	if success {
		status = domain.TransactionSuccess
	}
	query := `
		UPDATE transactions
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending' AND type = 'withdrawal'
		RETURNING ` + transactionColumns
	t, err := scanTransaction(tx.QueryRow(ctx, query, transactionID, string(status)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.pendingMiss(ctx, transactionID)
		}
		return nil, err
	}

	if !success {
		if _, err := creditUserTx(ctx, tx, t.UserID, t.Amount.Abs(), t.Type); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// ListTransactionsByUser returns the newest ledger entries first.
func (r *PostgresRepository) ListTransactionsByUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.Transaction, error) {
	query := "SELECT " + transactionColumns + " FROM transactions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2"
	rows, err := r.db.Query(ctx, query, userID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// CountSuccessfulPurchases counts settled purchase debits for a user. Refund credits
// for a failed grant are recorded as positive purchase entries and are not counted.
func (r *PostgresRepository) CountSuccessfulPurchases(ctx context.Context, userID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		"SELECT COUNT(*) FROM transactions WHERE user_id = $1 AND type = 'purchase' AND status = 'success' AND amount < 0",
		userID,
	).Scan(&count)
	return count, err
}

// FindReferralByReferee retrieves the referral that brought a user in.
func (r *PostgresRepository) FindReferralByReferee(ctx context.Context, refereeID uuid.UUID) (*domain.Referral, error) {
	var ref domain.Referral
	var status string
	query := `SELECT id, referrer_id, referee_id, status, completed_at, created_at FROM referrals WHERE referee_id = $1`
	err := r.db.QueryRow(ctx, query, refereeID).Scan(&ref.ID, &ref.ReferrerID, &ref.RefereeID, &status, &ref.CompletedAt, &ref.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReferralNotFound
		}
		return nil, err
	}
	ref.Status = domain.ReferralStatus(status)
	return &ref, nil
}

// CompleteReferral flips a pending referral to completed and credits both bonuses in
// one transaction. A referral that is already completed pays nothing.
func (r *PostgresRepository) CompleteReferral(ctx context.Context, payout domain.ReferralPayout) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE referrals SET status = 'completed', completed_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, payout.ReferralID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM referrals WHERE id = $1)", payout.ReferralID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrReferralNotFound
		}
		return ErrReferralAlreadyCompleted
	}

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
		if _, err := creditUserTx(ctx, tx, b.userID, b.amount, domain.TransactionReferralReward); err != nil {
			return err
		}
		entry := &domain.Transaction{
			UserID:      b.userID,
			Amount:      b.amount,
			Type:        domain.TransactionReferralReward,
			Status:      domain.TransactionSuccess,
			Description: b.desc,
		}
		if err := insertTransaction(ctx, tx, entry); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// FindPassByID retrieves a pass.
func (r *PostgresRepository) FindPassByID(ctx context.Context, passID uuid.UUID) (*domain.Pass, error) {
	p, err := scanPass(r.db.QueryRow(ctx, "SELECT "+passColumns+" FROM passes WHERE id = $1", passID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPassNotFound
		}
		return nil, err
	}
	return p, nil
}

func (r *PostgresRepository) queryPasses(ctx context.Context, query string, args ...any) ([]domain.Pass, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Pass
	for rows.Next() {
		p, err := scanPass(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// FindPassesByUserAndService returns the passes for a (user, service) pair, newest first.
func (r *PostgresRepository) FindPassesByUserAndService(ctx context.Context, userID, serviceID uuid.UUID) ([]domain.Pass, error) {
	return r.queryPasses(ctx,
		"SELECT "+passColumns+" FROM passes WHERE user_id = $1 AND service_id = $2 ORDER BY created_at DESC",
		userID, serviceID)
}

// ListPassesByUser returns every pass the user holds.
func (r *PostgresRepository) ListPassesByUser(ctx context.Context, userID uuid.UUID) ([]domain.Pass, error) {
	return r.queryPasses(ctx, "SELECT "+passColumns+" FROM passes WHERE user_id = $1 ORDER BY created_at DESC", userID)
}

// UpsertPassGrant merges a purchase into the single pass for (user, service). Time
// passes extend from max(now, expiresAt); both one-shot notification flags reset so a
// revived or extended pass is warned about again.
func (r *PostgresRepository) UpsertPassGrant(ctx context.Context, grant domain.PassGrant) (*domain.Pass, error) {
	var initialExpiry *time.Time
	if grant.ServiceType == domain.ServiceTypeTime {
		e := grant.Now.Add(time.Duration(grant.Amount) * time.Hour)
		initialExpiry = &e
	}

	query := `
		INSERT INTO passes (id, user_id, service_id, service_type, total_limit, remaining_amount, expires_at, status)
		VALUES ($1, $2, $3, $4, $5, $5, $6, 'active')
		ON CONFLICT (user_id, service_id) DO UPDATE SET
			total_limit = passes.total_limit + EXCLUDED.total_limit,
			remaining_amount = passes.remaining_amount + EXCLUDED.remaining_amount,
			expires_at = CASE
				WHEN EXCLUDED.service_type = 'time'
					THEN GREATEST(COALESCE(passes.expires_at, $7), $7) + ($5::bigint * INTERVAL '1 hour')
				ELSE passes.expires_at
			END,
			status = 'active',
			expiry_warning_sent = FALSE,
			expiry_email_sent = FALSE,
			updated_at = NOW()
		RETURNING ` + passColumns
	p, err := scanPass(r.db.QueryRow(ctx, query,
		uuid.New(), grant.UserID, grant.ServiceID, string(grant.ServiceType), grant.Amount, initialExpiry, grant.Now,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert pass: %w", err)
	}
	return p, nil
}

func insertUsageLog(ctx context.Context, tx pgx.Tx, p *domain.Pass, amount int64, entry *domain.UsageLog) error {
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
	return tx.QueryRow(ctx, `
		INSERT INTO usage_logs (id, user_id, service_id, pass_id, amount_used)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, entry.ID, entry.UserID, entry.ServiceID, entry.PassID, entry.AmountUsed).Scan(&entry.CreatedAt)
}

// ConsumePassUnits decrements a usage pass by amount and appends the usage log in one
// transaction. The decrement only applies while enough units remain; exhausting the
// counter flips the pass to expired in the same statement.
func (r *PostgresRepository) ConsumePassUnits(ctx context.Context, passID uuid.UUID, amount int64, entry *domain.UsageLog) (*domain.Pass, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE passes SET
			remaining_amount = remaining_amount - $2,
			status = CASE WHEN remaining_amount - $2 <= 0 THEN 'expired' ELSE status END,
			updated_at = NOW()
		WHERE id = $1
			AND status = 'active'
			AND remaining_amount >= $2
			AND (expires_at IS NULL OR expires_at > NOW())
		RETURNING ` + passColumns
	p, err := scanPass(tx.QueryRow(ctx, query, passID, amount))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.consumeMiss(ctx, passID, time.Now())
		}
		return nil, err
	}

	if err := insertUsageLog(ctx, tx, p, amount, entry); err != nil {
		return nil, fmt.Errorf("failed to insert usage log: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// ConsumeTimedPass records one access against a time pass that is still inside its
// window. Time passes have no counter to decrement.
func (r *PostgresRepository) ConsumeTimedPass(ctx context.Context, passID uuid.UUID, now time.Time, entry *domain.UsageLog) (*domain.Pass, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE passes SET updated_at = NOW()
		WHERE id = $1 AND status = 'active' AND expires_at > $2
		RETURNING ` + passColumns
	p, err := scanPass(tx.QueryRow(ctx, query, passID, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.consumeMiss(ctx, passID, now)
		}
		return nil, err
	}

	if err := insertUsageLog(ctx, tx, p, 1, entry); err != nil {
		return nil, fmt.Errorf("failed to insert usage log: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// consumeMiss explains why a guarded consume matched no row.
func (r *PostgresRepository) consumeMiss(ctx context.Context, passID uuid.UUID, now time.Time) error {
	p, err := r.FindPassByID(ctx, passID)
	if err != nil {
		return err
	}
	if domain.EffectiveStatus(*p, now) == domain.PassExpired {
		return ErrPassExpired
	}
	return ErrInsufficientUsage
}

// ExpirePass persists an expiry correction. The update only matches while the pass is
// still stale at now, so a grant that revived the pass in the meantime is kept. It
// reports false when nothing was changed.
func (r *PostgresRepository) ExpirePass(ctx context.Context, passID uuid.UUID, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE passes SET status = 'expired', updated_at = NOW()
		WHERE id = $1 AND status = 'active' AND (
			(expires_at IS NOT NULL AND expires_at <= $2)
			OR (service_type = 'usage' AND remaining_amount <= 0)
		)
	`, passID, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// DeletePass hard-deletes a pass. Only administrative revoke calls this.
func (r *PostgresRepository) DeletePass(ctx context.Context, passID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM passes WHERE id = $1", passID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPassNotFound
	}
	return nil
}

// ListUsageByUser returns the newest usage log rows first.
func (r *PostgresRepository) ListUsageByUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.UsageLog, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, user_id, service_id, pass_id, amount_used, created_at
		FROM usage_logs WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.UsageLog
	for rows.Next() {
		var l domain.UsageLog
		if err := rows.Scan(&l.ID, &l.UserID, &l.ServiceID, &l.PassID, &l.AmountUsed, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

const noticeSelect = `
	SELECT p.id, p.user_id, p.service_id, p.service_type, p.total_limit, p.remaining_amount, p.expires_at,
		p.status, p.expiry_warning_sent, p.expiry_email_sent, p.created_at, p.updated_at,
		u.email, u.full_name, s.name, s.unit_name
	FROM passes p
	JOIN users u ON u.id = p.user_id
	JOIN services s ON s.id = p.service_id
`

func (r *PostgresRepository) queryNotices(ctx context.Context, query string, args ...any) ([]domain.PassNotice, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PassNotice
	for rows.Next() {
		var n domain.PassNotice
		var serviceType, status string
		p := &n.Pass
		if err := rows.Scan(&p.ID, &p.UserID, &p.ServiceID, &serviceType, &p.TotalLimit, &p.RemainingAmount, &p.ExpiresAt,
			&status, &p.ExpiryWarningSent, &p.ExpiryEmailSent, &p.CreatedAt, &p.UpdatedAt,
			&n.UserEmail, &n.UserName, &n.ServiceName, &n.UnitName); err != nil {
			return nil, err
		}
		p.ServiceType = domain.ServiceType(serviceType)
		p.Status = domain.PassStatus(status)
		out = append(out, n)
	}
	return out, rows.Err()
}

// FindPassesNeedingWarning returns active passes that are about to run out and have
// not been warned: time passes expiring within horizon, usage passes at or below
// lowThreshold units.
func (r *PostgresRepository) FindPassesNeedingWarning(ctx context.Context, now time.Time, horizon time.Duration, lowThreshold int64) ([]domain.PassNotice, error) {
	query := noticeSelect + `
	WHERE p.status = 'active' AND p.expiry_warning_sent = FALSE AND (
		(p.service_type = 'time' AND p.expires_at > $1 AND p.expires_at <= $2)
		OR (p.service_type = 'usage' AND p.remaining_amount > 0 AND p.remaining_amount <= $3)
	)
	ORDER BY p.expires_at ASC NULLS LAST
	`
	return r.queryNotices(ctx, query, now, now.Add(horizon), lowThreshold)
}

// FindPassesToExpire returns active passes past their expiry plus expired passes whose
// expiry notification was never recorded.
func (r *PostgresRepository) FindPassesToExpire(ctx context.Context, now time.Time) ([]domain.PassNotice, error) {
	query := noticeSelect + `
	WHERE (p.status = 'active' AND p.expires_at IS NOT NULL AND p.expires_at <= $1)
		OR (p.status = 'expired' AND p.expiry_email_sent = FALSE)
	ORDER BY p.expires_at ASC NULLS LAST
	`
	return r.queryNotices(ctx, query, now)
}

// MarkExpiryWarningSent sets the warning flag once. expiresAt and remaining are the
// values the warning was based on; a pass extended or topped up since then is left
// unflagged.
func (r *PostgresRepository) MarkExpiryWarningSent(ctx context.Context, passID uuid.UUID, expiresAt *time.Time, remaining int64) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE passes SET expiry_warning_sent = TRUE, updated_at = NOW()
		WHERE id = $1 AND status = 'active' AND expiry_warning_sent = FALSE
			AND expires_at IS NOT DISTINCT FROM $2::timestamptz AND remaining_amount <= $3
	`, passID, expiresAt, remaining)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkExpiryEmailSent sets the expiry notification flag once, and only on a pass that
// is still stored as expired.
func (r *PostgresRepository) MarkExpiryEmailSent(ctx context.Context, passID uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx, "UPDATE passes SET expiry_email_sent = TRUE, updated_at = NOW() WHERE id = $1 AND status = 'expired' AND expiry_email_sent = FALSE", passID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
