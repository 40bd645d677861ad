package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"credit_system/internal/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the gorm data access for balances, ledger rows and reservations.
// A Store handed out by WithTx is bound to that transaction.
type Store struct {
	db *gorm.DB
}

// NewStore wraps a gorm connection.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx runs fn inside one database transaction. Any returned error rolls back everything fn did.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func strVal(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// amountArg casts a bound amount to the column type so arithmetic stays in fixed point.
const amountArg = "CAST(? AS DECIMAL(12,2))"

// --- balances ---

// EnsureBalance inserts a zero balance row for the user if none exists.
// An existing row only gets updated_at refreshed; balance columns are never part of the update.
func (s *Store) EnsureBalance(ctx context.Context, userID, currency string, now time.Time) error {
	row := domain.CreditBalance{
		UserID:         userID,
		Balance:        decimal.Zero,
		LifetimeEarned: decimal.Zero,
		Currency:       currency,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]any{"updated_at": now}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("ensure balance: %w", err)
	}
	return nil
}

// LockBalance reads the user's balance row with a row lock held until the transaction ends.
func (s *Store) LockBalance(ctx context.Context, userID string) (*domain.CreditBalance, error) {
	var row domain.CreditBalance
	err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: balance row for user %s missing after ensure", ErrConsistency, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("lock balance: %w", err)
	}
	return normalizeBalance(&row), nil
}

// FindBalance returns the user's balance row, or nil when the user has never been touched.
func (s *Store) FindBalance(ctx context.Context, userID string) (*domain.CreditBalance, error) {
	var row domain.CreditBalance
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find balance: %w", err)
	}
	return normalizeBalance(&row), nil
}

// IncrementBalance adds amount to the balance in a single statement, and to lifetime_earned when earned.
func (s *Store) IncrementBalance(ctx context.Context, userID string, amount decimal.Decimal, earned bool, now time.Time) error {
	updates := map[string]any{
		"balance":    gorm.Expr("ROUND(balance + "+amountArg+", 2)", amount),
		"updated_at": now,
	}
	if earned {
		updates["lifetime_earned"] = gorm.Expr("ROUND(lifetime_earned + "+amountArg+", 2)", amount)
	}
	res := s.db.WithContext(ctx).
		Model(&domain.CreditBalance{}).
		Where("user_id = ?", userID).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("increment balance: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: increment of %s for user %s affected no rows", ErrConsistency, FormatAmount(amount), userID)
	}
	return nil
}

// DecrementBalance subtracts amount in a single statement guarded by balance >= amount.
func (s *Store) DecrementBalance(ctx context.Context, userID string, amount decimal.Decimal, now time.Time) error {
	res := s.db.WithContext(ctx).
		Model(&domain.CreditBalance{}).
		Where("user_id = ? AND ROUND(balance, 2) >= "+amountArg, userID, amount).
		Updates(map[string]any{
			"balance":    gorm.Expr("ROUND(balance - "+amountArg+", 2)", amount),
			"updated_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("decrement balance: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: decrement of %s for user %s affected no rows", ErrConsistency, FormatAmount(amount), userID)
	}
	return nil
}

// --- ledger ---

// AppendLedger inserts a ledger row. Rows are never updated afterwards.
func (s *Store) AppendLedger(ctx context.Context, entry *domain.LedgerEntry) error {
	if !entry.Type.Valid() {
		return ErrInvalidLedgerType
	}
	if entry.ID == "" {
		entry.ID = newID()
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("append %s ledger entry: %w", entry.Type, err)
	}
	return nil
}

// FindLedgerByRef returns the ledger row for an (external reference, type) pair, or nil.
func (s *Store) FindLedgerByRef(ctx context.Context, ref string, typ domain.LedgerType) (*domain.LedgerEntry, error) {
	var row domain.LedgerEntry
	err := s.db.WithContext(ctx).
		Where("external_payment_ref = ? AND type = ?", ref, typ).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find ledger by ref: %w", err)
	}
	return normalizeEntry(&row), nil
}

// FindLedgerByReservation returns the newest ledger row of the given type for a reservation, or nil.
func (s *Store) FindLedgerByReservation(ctx context.Context, reservationID string, typ domain.LedgerType) (*domain.LedgerEntry, error) {
	var row domain.LedgerEntry
	err := s.db.WithContext(ctx).
		Where("reservation_id = ? AND type = ?", reservationID, typ).
		Order("created_at DESC, id DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find ledger by reservation: %w", err)
	}
	return normalizeEntry(&row), nil
}

// ListLedger returns the user's ledger, newest first.
func (s *Store) ListLedger(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	var rows []domain.LedgerEntry
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	for i := range rows {
		normalizeEntry(&rows[i])
	}
	return rows, nil
}

// LedgerTotal is the sum of one (type, earned) group of a user's ledger.
type LedgerTotal struct {
	Type   domain.LedgerType
	Earned bool
	Total  decimal.Decimal
	Count  int64
}

// LedgerTotals aggregates the user's ledger by type and earned flag.
func (s *Store) LedgerTotals(ctx context.Context, userID string) ([]LedgerTotal, error) {
	var rows []LedgerTotal
	err := s.db.WithContext(ctx).
		Model(&domain.LedgerEntry{}).
		Select("type, earned, SUM(amount) AS total, COUNT(*) AS count").
		Where("user_id = ?", userID).
		Group("type, earned").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("ledger totals: %w", err)
	}
	for i := range rows {
		rows[i].Total = RoundAmount(rows[i].Total)
	}
	return rows, nil
}

// --- reservations ---

// CreateReservation inserts a new hold.
func (s *Store) CreateReservation(ctx context.Context, r *domain.Reservation) error {
	if r.ID == "" {
		r.ID = newID()
	}
	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		return fmt.Errorf("create reservation: %w", err)
	}
	return nil
}

// FindActiveReservationByRef returns the ACTIVE reservation holding an external reference, or nil.
func (s *Store) FindActiveReservationByRef(ctx context.Context, ref string) (*domain.Reservation, error) {
	return s.findReservation(ctx, "active_payment_ref = ? AND status = ?", ref, domain.ReservationActive)
}

// FindReservationByKey returns the reservation created with the user's idempotency key, or nil.
func (s *Store) FindReservationByKey(ctx context.Context, userID, key string) (*domain.Reservation, error) {
	return s.findReservation(ctx, "user_id = ? AND idempotency_key = ?", userID, key)
}

// FindReservation returns a reservation by id without locking it, or nil.
func (s *Store) FindReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	return s.findReservation(ctx, "id = ?", id)
}

// GetReservation returns a reservation of the user in any state, or nil.
func (s *Store) GetReservation(ctx context.Context, userID, id string) (*domain.Reservation, error) {
	return s.findReservation(ctx, "id = ? AND user_id = ?", id, userID)
}

// LockActiveReservation reads an ACTIVE reservation with a row lock, or returns nil when
// the reservation does not exist or has already left ACTIVE.
func (s *Store) LockActiveReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	var row domain.Reservation
	err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND status = ?", id, domain.ReservationActive).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock reservation: %w", err)
	}
	return normalizeReservation(&row), nil
}

// TransitionReservation moves an ACTIVE reservation to a terminal status and frees its active reference.
func (s *Store) TransitionReservation(ctx context.Context, id string, to domain.ReservationStatus, extra map[string]any, now time.Time) error {
	updates := map[string]any{
		"status":             to,
		"active_payment_ref": nil,
		"updated_at":         now,
	}
	for k, v := range extra {
		updates[k] = v
	}
	res := s.db.WithContext(ctx).
		Model(&domain.Reservation{}).
		Where("id = ? AND status = ?", id, domain.ReservationActive).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("transition reservation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: reservation %s left ACTIVE while locked", ErrConsistency, id)
	}
	return nil
}

// ListActiveReservations returns the user's ACTIVE reservations, newest first.
func (s *Store) ListActiveReservations(ctx context.Context, userID string) ([]domain.Reservation, error) {
	var rows []domain.Reservation
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, domain.ReservationActive).
		Order("created_at DESC, id DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	for i := range rows {
		normalizeReservation(&rows[i])
	}
	return rows, nil
}

func (s *Store) findReservation(ctx context.Context, query string, args ...any) (*domain.Reservation, error) {
	var row domain.Reservation
	err := s.db.WithContext(ctx).Where(query, args...).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find reservation: %w", err)
	}
	return normalizeReservation(&row), nil
}

// Drivers without a native DECIMAL type hand back floats; everything leaving the store is cents.

func normalizeBalance(b *domain.CreditBalance) *domain.CreditBalance {
	b.Balance = RoundAmount(b.Balance)
	b.LifetimeEarned = RoundAmount(b.LifetimeEarned)
	return b
}

func normalizeEntry(e *domain.LedgerEntry) *domain.LedgerEntry {
	e.Amount = RoundAmount(e.Amount)
	e.BalanceAfter = RoundAmount(e.BalanceAfter)
	return e
}

func normalizeReservation(r *domain.Reservation) *domain.Reservation {
	r.Amount = RoundAmount(r.Amount)
	r.BalanceAfter = RoundAmount(r.BalanceAfter)
	return r
}
