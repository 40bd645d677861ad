package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"credit_system/internal/credits"
	"credit_system/internal/middleware"
	"credit_system/internal/testutil"
	"credit_system/internal/utils"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	testSecret     = "test-secret"
	testServiceKey = "payments-service-key"
)

type testServer struct {
	router *gin.Engine
	redis  *miniredis.Miniredis
	rdb    *redis.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger, _ := logrustest.NewNullLogger()
	engine := credits.NewEngine(credits.NewStore(testutil.NewDB(t)), credits.Options{
		MinLifetimeEarned: decimal.RequireFromString("7.00"),
		Currency:          "USD",
		Logger:            logger,
	})
	svc := credits.NewService(engine, 15*time.Minute)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	hash, err := bcrypt.GenerateFromPassword([]byte(testServiceKey), bcrypt.MinCost)
	require.NoError(t, err)

	r := gin.New()
	RegisterRoutes(r, svc, rdb, RouteConfig{
		JWTSecret:      testSecret,
		ServiceKeyHash: string(hash),
		CacheTTL:       time.Minute,
	})
	return &testServer{router: r, redis: mr, rdb: rdb}
}

func token(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := utils.GenerateJWT(userID, role, testSecret, time.Hour)
	require.NoError(t, err)
	return tok
}

type call struct {
	method  string
	path    string
	body    string
	token   string
	key     string
	service bool
}

func (s *testServer) do(c call) *httptest.ResponseRecorder {
	var req *http.Request
	if c.body != "" {
		req = httptest.NewRequest(c.method, c.path, strings.NewReader(c.body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(c.method, c.path, nil)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.key != "" {
		req.Header.Set(IdempotencyKeyHeader, c.key)
	}
	if c.service {
		req.Header.Set(middleware.ServiceKeyHeader, testServiceKey)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func TestCreditsFlow(t *testing.T) {
	s := newTestServer(t)
	admin := token(t, "admin-1", utils.RoleAdmin)
	user := token(t, "u1", "")

	w := s.do(call{method: "POST", path: "/admin/credits/users/u1/credits", body: `{"amount":"10.00","note":"welcome"}`, token: admin})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "10.00", decode(t, w)["lifetime_earned"])

	// Balance is read from the DB once, then from the cache.
	w = s.do(call{method: "GET", path: "/credits/balance", token: user})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["cached"])
	w = s.do(call{method: "GET", path: "/credits/balance", token: user})
	assert.Equal(t, true, decode(t, w)["cached"])

	w = s.do(call{method: "POST", path: "/credits/reservations", body: `{"amount":"4.00","order_id":"O1"}`, token: user, key: "checkout-1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := w.Body.String()
	body := decode(t, w)
	assert.Equal(t, "ACTIVE", body["status"])
	assert.Equal(t, "6.00", body["balance_after"])
	reservationID := body["reservation_id"].(string)

	w = s.do(call{method: "POST", path: "/credits/reservations", body: `{"amount":"4.00","order_id":"O1"}`, token: user, key: "checkout-1"})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, created, w.Body.String(), "a retry returns the identical body")

	// The reservation invalidated the cached balance.
	w = s.do(call{method: "GET", path: "/credits/balance", token: user})
	body = decode(t, w)
	assert.Equal(t, false, body["cached"])
	assert.Equal(t, "6.00", body["balance"].(map[string]any)["balance"])

	w = s.do(call{method: "GET", path: "/credits/reservations", token: user})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["reservations"], 1)

	confirmPath := "/internal/credits/users/u1/reservations/" + reservationID + "/confirm"
	w = s.do(call{method: "POST", path: confirmPath, body: `{"order_id":"O1"}`, key: "pi_1", service: true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	confirmed := w.Body.String()
	body = decode(t, w)
	assert.Equal(t, "CONVERTED", body["status"])
	assert.Equal(t, "6.00", body["balance"])

	w = s.do(call{method: "POST", path: confirmPath, body: `{"order_id":"O1"}`, key: "pi_1", service: true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, confirmed, w.Body.String(), "duplicate webhook gets the same answer")

	w = s.do(call{method: "POST", path: "/credits/reservations/" + reservationID + "/cancel", token: user})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_reservation_state", decode(t, w)["error"])

	w = s.do(call{method: "GET", path: "/credits/ledger?limit=10", token: user})
	require.Equal(t, http.StatusOK, w.Code)
	entries := decode(t, w)["entries"].([]any)
	require.Len(t, entries, 3)
	assert.Equal(t, "DEBIT", entries[0].(map[string]any)["type"])

	w = s.do(call{method: "GET", path: "/admin/credits/users/u1/reconcile", token: admin})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["consistent"])
}

func TestCreateReservationErrors(t *testing.T) {
	s := newTestServer(t)
	admin := token(t, "admin-1", utils.RoleAdmin)
	user := token(t, "u1", "")

	w := s.do(call{method: "POST", path: "/credits/reservations", body: `{"amount":"1.00"}`, token: user})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "missing_idempotency_key", decode(t, w)["error"])

	w = s.do(call{method: "POST", path: "/credits/reservations", body: `{"amount":"-1.00"}`, token: user, key: "k"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_amount", decode(t, w)["error"])

	w = s.do(call{method: "POST", path: "/credits/reservations", body: `{"amount":"1.00"}`, token: user, key: "k"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	body := decode(t, w)
	assert.Equal(t, "ineligible_for_credits", body["error"])
	assert.Equal(t, "0.00", body["lifetime_earned"])
	assert.Equal(t, "7.00", body["threshold"])

	w = s.do(call{method: "POST", path: "/admin/credits/users/u1/credits", body: `{"amount":"8.00"}`, token: admin})
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(call{method: "POST", path: "/credits/reservations", body: `{"amount":"9.00"}`, token: user, key: "k"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	body = decode(t, w)
	assert.Equal(t, "insufficient_balance", body["error"])
	assert.Equal(t, "8.00", body["available"])
	assert.Equal(t, "9.00", body["requested"])

	w = s.do(call{method: "POST", path: "/credits/reservations", body: `{"amount":`, token: user, key: "k"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", decode(t, w)["error"])

	w = s.do(call{method: "POST", path: "/credits/reservations/missing/cancel", token: user})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "reservation_not_found", decode(t, w)["error"])
}

func TestRefundRoutes(t *testing.T) {
	s := newTestServer(t)
	admin := token(t, "admin-1", utils.RoleAdmin)

	w := s.do(call{method: "POST", path: "/internal/credits/users/u1/refunds", body: `{"order_id":"O1","amount":"2.50"}`, service: true})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "missing_idempotency_key", decode(t, w)["error"])

	w = s.do(call{method: "POST", path: "/internal/credits/users/u1/refunds", body: `{"order_id":"O1","amount":"2.50"}`, key: "refund-O1", service: true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	first := w.Body.String()
	assert.Equal(t, "2.50", decode(t, w)["balance"])

	w = s.do(call{method: "POST", path: "/internal/credits/users/u1/refunds", body: `{"order_id":"O1","amount":"2.50"}`, key: "refund-O1", service: true})
	assert.Equal(t, first, w.Body.String())

	w = s.do(call{method: "POST", path: "/internal/credits/users/u1/refunds", body: `{"order_id":"O1","amount":"3.00"}`, key: "refund-O1", service: true})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(call{method: "POST", path: "/admin/credits/users/u1/refunds", body: `{"order_id":"O2","amount":"1.00"}`, key: "force-O2", token: admin})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "3.50", decode(t, w)["balance"])

	w = s.do(call{method: "POST", path: "/internal/credits/users/u1/earnings", body: `{"order_id":"O3","amount":"0.50"}`, key: "pi_3", service: true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "4.00", decode(t, w)["balance_after"])

	w = s.do(call{method: "GET", path: "/admin/credits/users/u1/balance", token: admin})
	require.Equal(t, http.StatusOK, w.Code)
	bal := decode(t, w)["balance"].(map[string]any)
	assert.Equal(t, "4.00", bal["balance"])
	assert.Equal(t, "0.50", bal["lifetime_earned"], "refunds do not count as earned")
}

func TestRouteAuthorization(t *testing.T) {
	s := newTestServer(t)
	user := token(t, "u1", "")

	w := s.do(call{method: "GET", path: "/credits/balance"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(call{method: "GET", path: "/credits/balance", token: "not-a-token"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(call{method: "POST", path: "/admin/credits/users/u1/credits", body: `{"amount":"10.00"}`, token: user})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(call{method: "POST", path: "/internal/credits/users/u1/refunds", body: `{"order_id":"O1","amount":"1.00"}`, key: "k"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// A user token is not a service key.
	w = s.do(call{method: "POST", path: "/internal/credits/users/u1/refunds", body: `{"order_id":"O1","amount":"1.00"}`, key: "k", token: user})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLedgerLimitValidation(t *testing.T) {
	s := newTestServer(t)
	user := token(t, "u1", "")

	w := s.do(call{method: "GET", path: "/credits/ledger?limit=abc", token: user})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(call{method: "GET", path: "/credits/ledger?limit=5000", token: user})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(credits.MaxLedgerLimit), decode(t, w)["limit"])

	keys := s.redis.Keys()
	assert.Contains(t, keys, utils.LedgerKey("u1", credits.MaxLedgerLimit))
}

func TestMutationInvalidatesLedgerPages(t *testing.T) {
	s := newTestServer(t)
	admin := token(t, "admin-1", utils.RoleAdmin)
	user := token(t, "u1", "")

	for _, path := range []string{"/credits/ledger", "/credits/ledger?limit=10", "/credits/balance"} {
		w := s.do(call{method: "GET", path: path, token: user})
		require.Equal(t, http.StatusOK, w.Code)
	}
	require.Len(t, s.redis.Keys(), 3)

	w := s.do(call{method: "POST", path: "/admin/credits/users/u1/credits", body: `{"amount":"1.00"}`, token: admin})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{utils.GenerationKeyPrefix + "u1"}, s.redis.Keys())

	found, err := utils.GetCache(context.Background(), s.rdb, utils.BalanceKey("u1"), &credits.BalanceResponse{})
	require.NoError(t, err)
	assert.False(t, found)

	// Reads after the mutation are cached again.
	w = s.do(call{method: "GET", path: "/credits/balance", token: user})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["cached"])
	w = s.do(call{method: "GET", path: "/credits/balance", token: user})
	assert.Equal(t, true, decode(t, w)["cached"])
}

func TestMetricsRoute(t *testing.T) {
	s := newTestServer(t)
	s.do(call{method: "GET", path: "/credits/balance"})

	w := s.do(call{method: "GET", path: "/metrics"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "credits_http_requests_total")
}
