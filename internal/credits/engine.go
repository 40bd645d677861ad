package credits

import (
	"context"
	"errors"
	"strings"
	"time"

	"credit_system/internal/domain"
	"credit_system/internal/metrics"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Options configures an Engine.
type Options struct {
	MinLifetimeEarned decimal.Decimal    // Lifetime earned must be strictly above this to spend
	Currency          string             // Currency of newly created balances
	Logger            logrus.FieldLogger // Defaults to the standard logrus logger
	Now               func() time.Time   // Clock, defaults to time.Now
}

// Engine runs every balance mutation inside a single transaction.
// Each transaction locks the user's balance row before touching any reservation row.
type Engine struct {
	store     *Store
	threshold decimal.Decimal
	currency  string
	log       logrus.FieldLogger
	now       func() time.Time
}

// NewEngine builds an Engine on top of store.
func NewEngine(store *Store, opts Options) *Engine {
	e := &Engine{
		store:     store,
		threshold: RoundAmount(opts.MinLifetimeEarned),
		currency:  normalizeCurrency(opts.Currency),
		log:       opts.Logger,
		now:       opts.Now,
	}
	if e.currency == "" {
		e.currency = "USD"
	}
	if e.log == nil {
		e.log = logrus.StandardLogger()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Currency returns the currency used for balances created by this engine.
func (e *Engine) Currency() string { return e.currency }

func (e *Engine) clock() time.Time {
	return e.now().UTC()
}

func (e *Engine) resolveCurrency(c string) string {
	if c = normalizeCurrency(c); c == "" {
		return e.currency
	}
	return c
}

// ReserveRequest holds funds for an order.
type ReserveRequest struct {
	UserID             string
	Amount             decimal.Decimal
	Currency           string
	ExternalPaymentRef string
	IdempotencyKey     string
	OrderID            string
	Note               string
	ExpiresAt          *time.Time
}

// ReserveResult is the reservation created, or the earlier one a retry resolved to.
type ReserveResult struct {
	Reservation *domain.Reservation
	Replayed    bool
}

// Reserve moves amount from the user's balance into a new ACTIVE reservation.
//
// A call carrying an external payment reference that already has an ACTIVE reservation,
// or an idempotency key the user already reserved with, returns that reservation
// instead. Replays are resolved before the eligibility and balance checks so a retry
// still succeeds after the first call consumed the balance.
func (e *Engine) Reserve(ctx context.Context, req ReserveRequest) (*ReserveResult, error) {
	start := time.Now()
	res, err := e.reserve(ctx, req)
	e.observe("reserve", start, err, res != nil && res.Replayed, false)
	return res, err
}

func (e *Engine) reserve(ctx context.Context, req ReserveRequest) (*ReserveResult, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, ErrMissingUserID
	}
	amount, err := positiveAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	currency := e.resolveCurrency(req.Currency)
	ref := strings.TrimSpace(req.ExternalPaymentRef)
	key := strings.TrimSpace(req.IdempotencyKey)
	now := e.clock()

	var result *ReserveResult
	err = e.store.WithTx(ctx, func(tx *Store) error {
		if err := tx.EnsureBalance(ctx, userID, currency, now); err != nil {
			return err
		}
		bal, err := tx.LockBalance(ctx, userID)
		if err != nil {
			return err
		}
		if bal.Currency != currency {
			return ErrCurrencyMismatch
		}

		existing, err := e.findReplay(ctx, tx, userID, ref, key, amount)
		if err != nil {
			return err
		}
		if existing != nil {
			result = &ReserveResult{Reservation: existing, Replayed: true}
			return nil
		}

		if !bal.LifetimeEarned.GreaterThan(e.threshold) {
			return &IneligibleError{LifetimeEarned: bal.LifetimeEarned, Threshold: e.threshold}
		}
		if bal.Balance.LessThan(amount) {
			return &InsufficientBalanceError{Available: bal.Balance, Requested: amount}
		}
		if err := tx.DecrementBalance(ctx, userID, amount, now); err != nil {
			return err
		}
		after := bal.Balance.Sub(amount)

		r := &domain.Reservation{
			ID:                 newID(),
			UserID:             userID,
			OrderID:            strPtr(req.OrderID),
			Amount:             amount,
			Currency:           currency,
			Status:             domain.ReservationActive,
			ExternalPaymentRef: strPtr(ref),
			ActivePaymentRef:   strPtr(ref), // cleared on the terminal transition
			IdempotencyKey:     strPtr(key),
			Note:               req.Note,
			BalanceAfter:       after,
			ExpiresAt:          req.ExpiresAt,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := tx.CreateReservation(ctx, r); err != nil {
			return err
		}
		if err := tx.AppendLedger(ctx, &domain.LedgerEntry{
			UserID:        userID,
			OrderID:       r.OrderID,
			ReservationID: &r.ID,
			Type:          domain.LedgerReservation,
			Amount:        amount,
			Currency:      currency,
			BalanceAfter:  after,
			Note:          req.Note,
			CreatedAt:     now,
		}); err != nil {
			return err
		}
		result = &ReserveResult{Reservation: r}
		return nil
	})
	if err != nil {
		// A concurrent duplicate may have committed first and tripped a unique index.
		if !IsBusinessError(err) && (ref != "" || key != "") {
			if existing, lookupErr := e.findReplay(ctx, e.store, userID, ref, key, amount); lookupErr == nil && existing != nil {
				return &ReserveResult{Reservation: existing, Replayed: true}, nil
			}
		}
		e.logFailure("reserve", err, logrus.Fields{"user_id": userID, "amount": FormatAmount(amount), "external_payment_ref": ref})
		return nil, err
	}

	if !result.Replayed {
		e.log.WithFields(logrus.Fields{
			"user_id":        userID,
			"reservation_id": result.Reservation.ID,
			"amount":         FormatAmount(amount),
			"balance_after":  FormatAmount(result.Reservation.BalanceAfter),
		}).Info("Credits reserved")
	}
	return result, nil
}

// findReplay looks for a reservation an earlier call already created for the same request.
func (e *Engine) findReplay(ctx context.Context, s *Store, userID, ref, key string, amount decimal.Decimal) (*domain.Reservation, error) {
	if ref != "" {
		r, err := s.FindActiveReservationByRef(ctx, ref)
		if err != nil {
			return nil, err
		}
		if r != nil {
			if r.UserID != userID {
				return nil, ErrIdempotencyConflict
			}
			return r, nil
		}
	}
	if key != "" {
		r, err := s.FindReservationByKey(ctx, userID, key)
		if err != nil {
			return nil, err
		}
		if r != nil {
			if !r.Amount.Equal(amount) {
				return nil, ErrIdempotencyConflict
			}
			return r, nil
		}
	}
	return nil, nil
}

// Release returns an ACTIVE reservation's amount to the balance and returns the RELEASE entry.
// A reservation that is unknown or no longer ACTIVE is left alone and (nil, nil) is returned.
func (e *Engine) Release(ctx context.Context, reservationID, reason string) (*domain.LedgerEntry, error) {
	start := time.Now()
	entry, err := e.release(ctx, reservationID, reason)
	e.observe("release", start, err, false, err == nil && entry == nil)
	return entry, err
}

func (e *Engine) release(ctx context.Context, reservationID, reason string) (*domain.LedgerEntry, error) {
	now := e.clock()
	var entry *domain.LedgerEntry
	err := e.store.WithTx(ctx, func(tx *Store) error {
		r, bal, err := e.lockForTransition(ctx, tx, reservationID)
		if err != nil || r == nil {
			return err
		}
		if err := tx.IncrementBalance(ctx, r.UserID, r.Amount, false, now); err != nil {
			return err
		}
		if err := tx.TransitionReservation(ctx, r.ID, domain.ReservationReleased, nil, now); err != nil {
			return err
		}
		entry = &domain.LedgerEntry{
			UserID:        r.UserID,
			OrderID:       r.OrderID,
			ReservationID: &r.ID,
			Type:          domain.LedgerRelease,
			Amount:        r.Amount,
			Currency:      r.Currency,
			BalanceAfter:  bal.Balance.Add(r.Amount),
			Note:          reason,
			CreatedAt:     now,
		}
		return tx.AppendLedger(ctx, entry)
	})
	if err != nil {
		e.logFailure("release", err, logrus.Fields{"reservation_id": reservationID})
		return nil, err
	}
	if entry != nil {
		e.log.WithFields(logrus.Fields{
			"user_id":        entry.UserID,
			"reservation_id": reservationID,
			"amount":         FormatAmount(entry.Amount),
			"balance_after":  FormatAmount(entry.BalanceAfter),
		}).Info("Credit reservation released")
	}
	return entry, nil
}

// ConvertOptions carries what the payment confirmation adds to a reservation.
type ConvertOptions struct {
	ExternalPaymentRef string // Supplies or confirms the reference captured at reserve time
	OrderID            string // Recorded when the reservation has no order yet
}

// Convert makes an ACTIVE reservation permanent and returns its DEBIT entry. The balance
// is not touched; it was decremented when the hold was taken.
//
// If a DEBIT already exists for the payment reference, the reservation is only promoted
// to CONVERTED and the existing entry is returned. A reservation that is unknown or no
// longer ACTIVE is left alone and (nil, nil) is returned.
func (e *Engine) Convert(ctx context.Context, reservationID string, opts ConvertOptions) (*domain.LedgerEntry, error) {
	start := time.Now()
	entry, replayed, err := e.convert(ctx, reservationID, opts)
	if err != nil && !IsBusinessError(err) && e.debitCommitted(ctx, reservationID, opts) {
		// The DEBIT for this reference committed after our snapshot; promote onto it.
		entry, replayed, err = e.convert(ctx, reservationID, opts)
	}
	if err != nil {
		e.logFailure("convert", err, logrus.Fields{"reservation_id": reservationID, "external_payment_ref": opts.ExternalPaymentRef})
	}
	e.observe("convert", start, err, replayed, err == nil && entry == nil)
	return entry, err
}

// debitCommitted reports whether the reservation's owner already has a DEBIT for the
// reference a conversion would record.
func (e *Engine) debitCommitted(ctx context.Context, reservationID string, opts ConvertOptions) bool {
	r, err := e.store.FindReservation(ctx, reservationID)
	if err != nil || r == nil || r.Status.Terminal() {
		return false
	}
	ref := strings.TrimSpace(opts.ExternalPaymentRef)
	if ref == "" {
		ref = strVal(r.ExternalPaymentRef)
	}
	if ref == "" {
		return false
	}
	existing, err := e.store.FindLedgerByRef(ctx, ref, domain.LedgerDebit)
	return err == nil && existing != nil && existing.UserID == r.UserID
}

func (e *Engine) convert(ctx context.Context, reservationID string, opts ConvertOptions) (*domain.LedgerEntry, bool, error) {
	now := e.clock()
	var (
		entry    *domain.LedgerEntry
		replayed bool
	)
	err := e.store.WithTx(ctx, func(tx *Store) error {
		r, bal, err := e.lockForTransition(ctx, tx, reservationID)
		if err != nil || r == nil {
			return err
		}

		ref := strings.TrimSpace(opts.ExternalPaymentRef)
		if ref == "" {
			ref = strVal(r.ExternalPaymentRef)
		}
		orderID := r.OrderID
		extra := map[string]any{}
		if ref != "" {
			extra["external_payment_ref"] = ref
		}
		if orderID == nil && strings.TrimSpace(opts.OrderID) != "" {
			orderID = strPtr(strings.TrimSpace(opts.OrderID))
			extra["order_id"] = *orderID
		}

		if ref != "" {
			existing, err := tx.FindLedgerByRef(ctx, ref, domain.LedgerDebit)
			if err != nil {
				return err
			}
			if existing != nil {
				if existing.UserID != r.UserID {
					return ErrIdempotencyConflict
				}
				// A previous attempt recorded the debit but not the transition.
				entry, replayed = existing, true
				return tx.TransitionReservation(ctx, r.ID, domain.ReservationConverted, extra, now)
			}
		}

		if err := tx.TransitionReservation(ctx, r.ID, domain.ReservationConverted, extra, now); err != nil {
			return err
		}
		entry = &domain.LedgerEntry{
			UserID:             r.UserID,
			OrderID:            orderID,
			ReservationID:      &r.ID,
			Type:               domain.LedgerDebit,
			Amount:             r.Amount,
			Currency:           r.Currency,
			ExternalPaymentRef: strPtr(ref),
			BalanceAfter:       bal.Balance,
			Note:               r.Note,
			CreatedAt:          now,
		}
		return tx.AppendLedger(ctx, entry)
	})
	if err != nil {
		return nil, false, err
	}
	if entry != nil && !replayed {
		e.log.WithFields(logrus.Fields{
			"user_id":              entry.UserID,
			"reservation_id":       reservationID,
			"amount":               FormatAmount(entry.Amount),
			"external_payment_ref": strVal(entry.ExternalPaymentRef),
		}).Info("Credit reservation converted to debit")
	}
	return entry, replayed, nil
}

// lockForTransition locks the owner's balance row and then the reservation.
// It returns a nil reservation when there is nothing to transition.
func (e *Engine) lockForTransition(ctx context.Context, tx *Store, reservationID string) (*domain.Reservation, *domain.CreditBalance, error) {
	r, err := tx.FindReservation(ctx, reservationID)
	if err != nil || r == nil || r.Status.Terminal() {
		return nil, nil, err
	}
	bal, err := tx.LockBalance(ctx, r.UserID)
	if err != nil {
		return nil, nil, err
	}
	// Re-read under lock; a concurrent transition may have won.
	r, err = tx.LockActiveReservation(ctx, reservationID)
	if err != nil || r == nil {
		return nil, nil, err
	}
	return r, bal, nil
}

// CreditRequest adds funds to a user's balance.
type CreditRequest struct {
	UserID             string
	Amount             decimal.Decimal
	Currency           string
	Type               domain.LedgerType // CREDIT (default) or ADJUSTMENT
	Refund             bool              // A refund is a CREDIT that does not count as earned
	OrderID            string
	Note               string
	ExternalPaymentRef string // At most one entry of Type per reference
}

// CreditResult is the entry recorded, or the earlier one a duplicate resolved to.
type CreditResult struct {
	Entry    *domain.LedgerEntry
	Balance  *domain.CreditBalance // Balance right after this call
	Replayed bool
}

// Credit appends a CREDIT or ADJUSTMENT entry and increments the balance.
// Only non-refund CREDIT entries increase lifetime earned.
func (e *Engine) Credit(ctx context.Context, req CreditRequest) (*CreditResult, error) {
	start := time.Now()
	res, err := e.credit(ctx, req)
	e.observe("credit", start, err, res != nil && res.Replayed, false)
	return res, err
}

func (e *Engine) credit(ctx context.Context, req CreditRequest) (*CreditResult, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, ErrMissingUserID
	}
	amount, err := positiveAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	typ := req.Type
	if typ == "" {
		typ = domain.LedgerCredit
	}
	if typ != domain.LedgerCredit && typ != domain.LedgerAdjustment {
		return nil, ErrInvalidLedgerType
	}
	earned := typ == domain.LedgerCredit && !req.Refund
	currency := e.resolveCurrency(req.Currency)
	ref := strings.TrimSpace(req.ExternalPaymentRef)
	now := e.clock()

	var result *CreditResult
	err = e.store.WithTx(ctx, func(tx *Store) error {
		if err := tx.EnsureBalance(ctx, userID, currency, now); err != nil {
			return err
		}
		bal, err := tx.LockBalance(ctx, userID)
		if err != nil {
			return err
		}
		if bal.Currency != currency {
			return ErrCurrencyMismatch
		}

		if ref != "" {
			existing, err := tx.FindLedgerByRef(ctx, ref, typ)
			if err != nil {
				return err
			}
			if existing != nil {
				if existing.UserID != userID {
					return ErrIdempotencyConflict
				}
				result = &CreditResult{Entry: existing, Balance: bal, Replayed: true}
				return nil
			}
		}

		if err := tx.IncrementBalance(ctx, userID, amount, earned, now); err != nil {
			return err
		}
		bal.Balance = bal.Balance.Add(amount)
		if earned {
			bal.LifetimeEarned = bal.LifetimeEarned.Add(amount)
		}
		bal.UpdatedAt = now

		entry := &domain.LedgerEntry{
			UserID:             userID,
			OrderID:            strPtr(req.OrderID),
			Type:               typ,
			Amount:             amount,
			Currency:           currency,
			ExternalPaymentRef: strPtr(ref),
			Earned:             earned,
			BalanceAfter:       bal.Balance,
			Note:               req.Note,
			CreatedAt:          now,
		}
		if err := tx.AppendLedger(ctx, entry); err != nil {
			return err
		}
		result = &CreditResult{Entry: entry, Balance: bal}
		return nil
	})
	if err != nil {
		if !IsBusinessError(err) && ref != "" {
			if res := e.creditReplay(ctx, userID, ref, typ); res != nil {
				return res, nil
			}
		}
		e.logFailure("credit", err, logrus.Fields{"user_id": userID, "amount": FormatAmount(amount), "type": typ, "external_payment_ref": ref})
		return nil, err
	}

	if !result.Replayed {
		e.log.WithFields(logrus.Fields{
			"user_id":       userID,
			"type":          typ,
			"earned":        earned,
			"amount":        FormatAmount(amount),
			"balance_after": FormatAmount(result.Entry.BalanceAfter),
		}).Info("Credits added")
	}
	return result, nil
}

// creditReplay resolves a duplicate that lost the race on the (reference, type) index.
func (e *Engine) creditReplay(ctx context.Context, userID, ref string, typ domain.LedgerType) *CreditResult {
	existing, err := e.store.FindLedgerByRef(ctx, ref, typ)
	if err != nil || existing == nil || existing.UserID != userID {
		return nil
	}
	bal, err := e.store.FindBalance(ctx, userID)
	if err != nil || bal == nil {
		return nil
	}
	return &CreditResult{Entry: existing, Balance: bal, Replayed: true}
}

func (e *Engine) logFailure(operation string, err error, fields logrus.Fields) {
	if IsBusinessError(err) {
		return
	}
	entry := e.log.WithFields(fields).WithField("operation", operation).WithError(err)
	if errors.Is(err, ErrConsistency) {
		entry.Error("Credit ledger consistency violation, transaction rolled back")
		return
	}
	entry.Error("Credit operation failed")
}

func (e *Engine) observe(operation string, start time.Time, err error, replayed, noop bool) {
	metrics.ObserveOperation(operation, outcomeOf(err, replayed, noop), start)
}

func outcomeOf(err error, replayed, noop bool) string {
	switch {
	case err == nil && replayed:
		return metrics.OutcomeReplay
	case err == nil && noop:
		return metrics.OutcomeNoop
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, ErrConsistency):
		return metrics.OutcomeConsistency
	case IsBusinessError(err):
		return metrics.OutcomeRejected
	}
	return metrics.OutcomeError
}
