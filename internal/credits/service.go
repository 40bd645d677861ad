package credits

import (
	"context"
	"fmt"
	"strings"
	"time"

	"credit_system/internal/domain"

	"github.com/shopspring/decimal"
)

const (
	DefaultLedgerLimit = 50  // Page size when the caller gives none
	MaxLedgerLimit     = 200 // Upper bound on a ledger page

	defaultForceRefundNote = "admin force refund"
)

// Service exposes the caller-facing credit operations. Every mutating call except
// AddCredits takes an idempotency key, and a repeated call is answered from the rows
// the first call persisted so both responses are identical.
type Service struct {
	engine         *Engine
	store          *Store
	reservationTTL time.Duration
}

// NewService wraps engine. reservationTTL is the advisory expiry applied when a
// reservation request does not carry its own.
func NewService(engine *Engine, reservationTTL time.Duration) *Service {
	return &Service{engine: engine, store: engine.store, reservationTTL: reservationTTL}
}

// BalanceResponse is a user's balance.
type BalanceResponse struct {
	UserID         string `json:"user_id"`
	Balance        string `json:"balance"`
	LifetimeEarned string `json:"lifetime_earned"`
	Currency       string `json:"currency"`
}

// ReservationResponse describes a reservation as it was when created.
type ReservationResponse struct {
	ReservationID string `json:"reservation_id"`
	Status        string `json:"status"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	OrderID       string `json:"order_id,omitempty"`
	BalanceAfter  string `json:"balance_after"`
	ExpiresAt     string `json:"expires_at,omitempty"`
}

// ConfirmResponse is the outcome of converting a reservation.
type ConfirmResponse struct {
	ReservationID      string `json:"reservation_id"`
	Status             string `json:"status"`
	CapturedAmount     string `json:"captured_amount"`
	Currency           string `json:"currency"`
	ExternalPaymentRef string `json:"external_payment_ref"`
	Balance            string `json:"balance"`
}

// CancelResponse is the outcome of releasing a reservation.
type CancelResponse struct {
	ReservationID  string `json:"reservation_id"`
	Status         string `json:"status"`
	ReleasedAmount string `json:"released_amount"`
	Currency       string `json:"currency"`
	Balance        string `json:"balance"`
}

// RefundResponse is the outcome of a refund.
type RefundResponse struct {
	OrderID        string `json:"order_id"`
	RefundedAmount string `json:"refunded_amount"`
	Currency       string `json:"currency"`
	Balance        string `json:"balance"`
}

// EarnResponse is the outcome of crediting cashback for a payment.
type EarnResponse struct {
	OrderID            string `json:"order_id,omitempty"`
	ExternalPaymentRef string `json:"external_payment_ref"`
	EarnedAmount       string `json:"earned_amount"`
	Currency           string `json:"currency"`
	Balance            string `json:"balance_after"`
}

// AdminCreditResponse is the outcome of a manual credit.
type AdminCreditResponse struct {
	Amount         string `json:"amount"`
	Balance        string `json:"balance"`
	LifetimeEarned string `json:"lifetime_earned"`
	Currency       string `json:"currency"`
}

// LedgerEntryResponse is one ledger row.
type LedgerEntryResponse struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Amount             string `json:"amount"`
	Currency           string `json:"currency"`
	Earned             bool   `json:"earned"`
	BalanceAfter       string `json:"balance_after"`
	OrderID            string `json:"order_id,omitempty"`
	ReservationID      string `json:"reservation_id,omitempty"`
	ExternalPaymentRef string `json:"external_payment_ref,omitempty"`
	Note               string `json:"note,omitempty"`
	CreatedAt          string `json:"created_at"`
}

// ReconcileReport compares the stored balance with the one derived from the ledger.
type ReconcileReport struct {
	UserID                string `json:"user_id"`
	Currency              string `json:"currency"`
	StoredBalance         string `json:"stored_balance"`
	DerivedBalance        string `json:"derived_balance"`
	StoredLifetimeEarned  string `json:"stored_lifetime_earned"`
	DerivedLifetimeEarned string `json:"derived_lifetime_earned"`
	HeldInReservations    string `json:"held_in_reservations"`
	Entries               int64  `json:"entries"`
	Consistent            bool   `json:"consistent"`
}

func formatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

func reservationResponse(r *domain.Reservation) ReservationResponse {
	resp := ReservationResponse{
		ReservationID: r.ID,
		Status:        string(domain.ReservationActive), // status at creation
		Amount:        FormatAmount(r.Amount),
		Currency:      r.Currency,
		OrderID:       strVal(r.OrderID),
		BalanceAfter:  FormatAmount(r.BalanceAfter),
	}
	if r.ExpiresAt != nil {
		resp.ExpiresAt = formatTime(*r.ExpiresAt)
	}
	return resp
}

func ledgerEntryResponse(e *domain.LedgerEntry) LedgerEntryResponse {
	return LedgerEntryResponse{
		ID:                 e.ID,
		Type:               string(e.Type),
		Amount:             FormatAmount(e.Amount),
		Currency:           e.Currency,
		Earned:             e.Earned,
		BalanceAfter:       FormatAmount(e.BalanceAfter),
		OrderID:            strVal(e.OrderID),
		ReservationID:      strVal(e.ReservationID),
		ExternalPaymentRef: strVal(e.ExternalPaymentRef),
		Note:               e.Note,
		CreatedAt:          formatTime(e.CreatedAt),
	}
}

// --- reservations ---

// CreateReservationRequest opens a hold at checkout.
type CreateReservationRequest struct {
	UserID             string
	Amount             decimal.Decimal
	Currency           string
	IdempotencyKey     string
	OrderID            string
	ExternalPaymentRef string
	Note               string
	ExpiresIn          time.Duration // Zero applies the service default
}

// CreateReservation holds funds for an order. Repeating the call with the same key and
// amount returns the original reservation; a different amount is a conflict.
func (s *Service) CreateReservation(ctx context.Context, req CreateReservationRequest) (*ReservationResponse, error) {
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return nil, ErrMissingIdempotencyKey
	}
	ttl := req.ExpiresIn
	if ttl <= 0 {
		ttl = s.reservationTTL
	}
	var expiresAt *time.Time
	if ttl > 0 {
		t := s.engine.clock().Add(ttl).Truncate(time.Second)
		expiresAt = &t
	}

	res, err := s.engine.Reserve(ctx, ReserveRequest{
		UserID:             req.UserID,
		Amount:             req.Amount,
		Currency:           req.Currency,
		ExternalPaymentRef: req.ExternalPaymentRef,
		IdempotencyKey:     key,
		OrderID:            req.OrderID,
		Note:               req.Note,
		ExpiresAt:          expiresAt,
	})
	if err != nil {
		return nil, err
	}
	resp := reservationResponse(res.Reservation)
	return &resp, nil
}

// ConfirmReservation converts the user's reservation into a debit once the payment
// gateway confirmed the payment. The idempotency key is the gateway's payment reference.
func (s *Service) ConfirmReservation(ctx context.Context, userID, reservationID, orderID, key string) (*ConfirmResponse, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrMissingIdempotencyKey
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, ErrMissingOrderID
	}

	for attempt := 0; attempt < 2; attempt++ {
		r, err := s.store.GetReservation(ctx, userID, reservationID)
		if err != nil {
			return nil, err
		}
		if r == nil {
			return nil, ErrReservationNotFound
		}
		if r.OrderID != nil && *r.OrderID != orderID {
			return nil, ErrInvalidReservationState
		}
		if r.ExternalPaymentRef != nil && *r.ExternalPaymentRef != key {
			return nil, ErrIdempotencyConflict
		}

		switch r.Status {
		case domain.ReservationReleased:
			return nil, ErrInvalidReservationState
		case domain.ReservationConverted:
			return s.confirmedResponse(ctx, r, key)
		}

		if _, err := s.engine.Convert(ctx, r.ID, ConvertOptions{ExternalPaymentRef: key, OrderID: orderID}); err != nil {
			return nil, err
		}
		// Read back the terminal state so first call and replays share one code path.
	}
	return nil, fmt.Errorf("%w: reservation %s still ACTIVE after convert", ErrConsistency, reservationID)
}

func (s *Service) confirmedResponse(ctx context.Context, r *domain.Reservation, key string) (*ConfirmResponse, error) {
	entry, err := s.store.FindLedgerByReservation(ctx, r.ID, domain.LedgerDebit)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		if entry, err = s.store.FindLedgerByRef(ctx, key, domain.LedgerDebit); err != nil {
			return nil, err
		}
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: converted reservation %s has no debit entry", ErrConsistency, r.ID)
	}
	return &ConfirmResponse{
		ReservationID:      r.ID,
		Status:             string(domain.ReservationConverted),
		CapturedAmount:     FormatAmount(r.Amount),
		Currency:           r.Currency,
		ExternalPaymentRef: key,
		Balance:            FormatAmount(entry.BalanceAfter),
	}, nil
}

// CancelReservation releases the user's reservation back to the balance.
// Cancelling an already released reservation returns the original outcome.
func (s *Service) CancelReservation(ctx context.Context, userID, reservationID, note string) (*CancelResponse, error) {
	for attempt := 0; attempt < 2; attempt++ {
		r, err := s.store.GetReservation(ctx, userID, reservationID)
		if err != nil {
			return nil, err
		}
		if r == nil {
			return nil, ErrReservationNotFound
		}

		switch r.Status {
		case domain.ReservationConverted:
			return nil, ErrInvalidReservationState
		case domain.ReservationReleased:
			return s.releasedResponse(ctx, r)
		}

		if _, err := s.engine.Release(ctx, r.ID, note); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: reservation %s still ACTIVE after release", ErrConsistency, reservationID)
}

func (s *Service) releasedResponse(ctx context.Context, r *domain.Reservation) (*CancelResponse, error) {
	entry, err := s.store.FindLedgerByReservation(ctx, r.ID, domain.LedgerRelease)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: released reservation %s has no release entry", ErrConsistency, r.ID)
	}
	return &CancelResponse{
		ReservationID:  r.ID,
		Status:         string(domain.ReservationReleased),
		ReleasedAmount: FormatAmount(entry.Amount),
		Currency:       entry.Currency,
		Balance:        FormatAmount(entry.BalanceAfter),
	}, nil
}

// --- credits ---

// RefundRequest returns money for an order to the user as credits.
type RefundRequest struct {
	UserID         string
	OrderID        string
	Amount         decimal.Decimal
	IdempotencyKey string
	Note           string
}

// Refund credits the user without counting toward lifetime earned. The key is
// recorded as the entry's reference, so a retry returns the original refund.
func (s *Service) Refund(ctx context.Context, req RefundRequest) (*RefundResponse, error) {
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return nil, ErrMissingIdempotencyKey
	}
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		return nil, ErrMissingOrderID
	}
	amount, err := positiveAmount(req.Amount)
	if err != nil {
		return nil, err
	}

	res, err := s.engine.Credit(ctx, CreditRequest{
		UserID:             req.UserID,
		Amount:             amount,
		Type:               domain.LedgerCredit,
		Refund:             true,
		OrderID:            orderID,
		Note:               req.Note,
		ExternalPaymentRef: key,
	})
	if err != nil {
		return nil, err
	}
	e := res.Entry
	if res.Replayed && (e.Earned || !e.Amount.Equal(amount) || strVal(e.OrderID) != orderID) {
		return nil, ErrIdempotencyConflict
	}
	return &RefundResponse{
		OrderID:        strVal(e.OrderID),
		RefundedAmount: FormatAmount(e.Amount),
		Currency:       e.Currency,
		Balance:        FormatAmount(e.BalanceAfter),
	}, nil
}

// ForceRefund is the admin variant of Refund.
func (s *Service) ForceRefund(ctx context.Context, req RefundRequest) (*RefundResponse, error) {
	if strings.TrimSpace(req.Note) == "" {
		req.Note = defaultForceRefundNote
	}
	return s.Refund(ctx, req)
}

// EarnRequest credits cashback for a confirmed payment.
type EarnRequest struct {
	UserID             string
	OrderID            string
	Amount             decimal.Decimal
	ExternalPaymentRef string
	Note               string
}

// Earn credits cashback once per payment reference, however often the payment
// notification is delivered.
func (s *Service) Earn(ctx context.Context, req EarnRequest) (*EarnResponse, error) {
	ref := strings.TrimSpace(req.ExternalPaymentRef)
	if ref == "" {
		return nil, ErrMissingIdempotencyKey
	}
	res, err := s.engine.Credit(ctx, CreditRequest{
		UserID:             req.UserID,
		Amount:             req.Amount,
		Type:               domain.LedgerCredit,
		OrderID:            req.OrderID,
		Note:               req.Note,
		ExternalPaymentRef: ref,
	})
	if err != nil {
		return nil, err
	}
	e := res.Entry
	if res.Replayed && (!e.Earned || !e.Amount.Equal(RoundAmount(req.Amount)) || strVal(e.OrderID) != strings.TrimSpace(req.OrderID)) {
		return nil, ErrIdempotencyConflict
	}
	return &EarnResponse{
		OrderID:            strVal(res.Entry.OrderID),
		ExternalPaymentRef: ref,
		EarnedAmount:       FormatAmount(res.Entry.Amount),
		Currency:           res.Entry.Currency,
		Balance:            FormatAmount(res.Entry.BalanceAfter),
	}, nil
}

// AddCredits is a manual, earned credit by an admin.
func (s *Service) AddCredits(ctx context.Context, userID string, amount decimal.Decimal, note string) (*AdminCreditResponse, error) {
	res, err := s.engine.Credit(ctx, CreditRequest{
		UserID: userID,
		Amount: amount,
		Type:   domain.LedgerCredit,
		Note:   note,
	})
	if err != nil {
		return nil, err
	}
	return &AdminCreditResponse{
		Amount:         FormatAmount(res.Entry.Amount),
		Balance:        FormatAmount(res.Balance.Balance),
		LifetimeEarned: FormatAmount(res.Balance.LifetimeEarned),
		Currency:       res.Balance.Currency,
	}, nil
}

// --- reads ---

// GetBalance returns the user's balance. A user never seen before has a zero balance
// in the default currency; no row is written for them.
func (s *Service) GetBalance(ctx context.Context, userID string) (*BalanceResponse, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrMissingUserID
	}
	bal, err := s.store.FindBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if bal == nil {
		return &BalanceResponse{
			UserID:         userID,
			Balance:        FormatAmount(decimal.Zero),
			LifetimeEarned: FormatAmount(decimal.Zero),
			Currency:       s.engine.Currency(),
		}, nil
	}
	return &BalanceResponse{
		UserID:         bal.UserID,
		Balance:        FormatAmount(bal.Balance),
		LifetimeEarned: FormatAmount(bal.LifetimeEarned),
		Currency:       bal.Currency,
	}, nil
}

// ClampLedgerLimit maps a requested page size onto the allowed range.
func ClampLedgerLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLedgerLimit
	case limit > MaxLedgerLimit:
		return MaxLedgerLimit
	}
	return limit
}

// GetLedger returns the user's most recent ledger entries, newest first.
func (s *Service) GetLedger(ctx context.Context, userID string, limit int) ([]LedgerEntryResponse, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrMissingUserID
	}
	rows, err := s.store.ListLedger(ctx, userID, ClampLedgerLimit(limit))
	if err != nil {
		return nil, err
	}
	out := make([]LedgerEntryResponse, 0, len(rows))
	for i := range rows {
		out = append(out, ledgerEntryResponse(&rows[i]))
	}
	return out, nil
}

// ActiveReservations lists the user's open holds, newest first.
func (s *Service) ActiveReservations(ctx context.Context, userID string) ([]ReservationResponse, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrMissingUserID
	}
	rows, err := s.store.ListActiveReservations(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]ReservationResponse, 0, len(rows))
	for i := range rows {
		out = append(out, reservationResponse(&rows[i]))
	}
	return out, nil
}

// Reconcile replays the user's ledger and compares the result with the stored balance.
func (s *Service) Reconcile(ctx context.Context, userID string) (*ReconcileReport, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrMissingUserID
	}
	bal, err := s.store.FindBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if bal == nil {
		bal = &domain.CreditBalance{UserID: userID, Currency: s.engine.Currency()}
	}
	totals, err := s.store.LedgerTotals(ctx, userID)
	if err != nil {
		return nil, err
	}
	active, err := s.store.ListActiveReservations(ctx, userID)
	if err != nil {
		return nil, err
	}

	derived, earned, held := decimal.Zero, decimal.Zero, decimal.Zero
	var entries int64
	for _, t := range totals {
		derived = derived.Add(t.Type.BalanceEffect(t.Total))
		if t.Earned {
			earned = earned.Add(t.Total)
		}
		entries += t.Count
	}
	for _, r := range active {
		held = held.Add(r.Amount)
	}

	return &ReconcileReport{
		UserID:                userID,
		Currency:              bal.Currency,
		StoredBalance:         FormatAmount(bal.Balance),
		DerivedBalance:        FormatAmount(derived),
		StoredLifetimeEarned:  FormatAmount(bal.LifetimeEarned),
		DerivedLifetimeEarned: FormatAmount(earned),
		HeldInReservations:    FormatAmount(held),
		Entries:               entries,
		Consistent:            bal.Balance.Equal(derived) && bal.LifetimeEarned.Equal(earned),
	}, nil
}
