package credits

import (
	"context"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"credit_system/internal/domain"
	"credit_system/internal/testutil"

	"github.com/shopspring/decimal"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type testEnv struct {
	db      *gorm.DB
	store   *Store
	engine  *Engine
	service *Service
	logs    *logrustest.Hook
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gdb := testutil.NewDB(t)
	logger, hook := logrustest.NewNullLogger()
	store := NewStore(gdb)
	engine := NewEngine(store, Options{
		MinLifetimeEarned: dec("7.00"),
		Currency:          "USD",
		Logger:            logger,
	})
	return &testEnv{
		db:      gdb,
		store:   store,
		engine:  engine,
		service: NewService(engine, 15*time.Minute),
		logs:    hook,
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// fund gives the user an earned credit so reservations pass the eligibility gate.
func (env *testEnv) fund(t *testing.T, userID, amount string) {
	t.Helper()
	_, err := env.service.AddCredits(context.Background(), userID, dec(amount), "seed")
	require.NoError(t, err)
}

func (env *testEnv) balance(t *testing.T, userID string) *domain.CreditBalance {
	t.Helper()
	bal, err := env.store.FindBalance(context.Background(), userID)
	require.NoError(t, err)
	require.NotNil(t, bal)
	return bal
}

func (env *testEnv) entries(t *testing.T, userID string, typ domain.LedgerType) []domain.LedgerEntry {
	t.Helper()
	rows, err := env.store.ListLedger(context.Background(), userID, MaxLedgerLimit)
	require.NoError(t, err)
	var out []domain.LedgerEntry
	for _, r := range rows {
		if r.Type == typ {
			out = append(out, r)
		}
	}
	return out
}

func (env *testEnv) requireConsistent(t *testing.T, userID string) {
	t.Helper()
	report, err := env.service.Reconcile(context.Background(), userID)
	require.NoError(t, err)
	require.True(t, report.Consistent, "stored %s / derived %s, earned %s / %s",
		report.StoredBalance, report.DerivedBalance, report.StoredLifetimeEarned, report.DerivedLifetimeEarned)
}

// missNextLookup makes the next query whose SQL contains where come back empty, the way a
// transaction snapshot taken before a concurrent commit would. It reports whether it fired.
func (env *testEnv) missNextLookup(t *testing.T, where string) *atomic.Bool {
	t.Helper()
	armed, fired := &atomic.Bool{}, &atomic.Bool{}
	armed.Store(true)
	err := env.db.Callback().Query().After("gorm:query").Register("test:miss_next_lookup", func(db *gorm.DB) {
		if db.Error != nil || !strings.Contains(db.Statement.SQL.String(), where) || !armed.CompareAndSwap(true, false) {
			return
		}
		if dest := reflect.ValueOf(db.Statement.Dest); dest.Kind() == reflect.Ptr {
			dest.Elem().Set(reflect.Zero(dest.Elem().Type()))
		}
		db.Statement.RowsAffected = 0
		db.RowsAffected = 0
		_ = db.AddError(gorm.ErrRecordNotFound)
		fired.Store(true)
	})
	require.NoError(t, err)
	return fired
}
