package utils

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndParseJWT(t *testing.T) {
	tok, err := GenerateJWT("user-42", RoleAdmin, "secret", time.Hour)
	require.NoError(t, err)

	claims, err := ParseJWT(tok, "secret")
	require.NoError(t, err)
	assert.Equal(t, "user-42", claims.UserID)
	assert.Equal(t, RoleAdmin, claims.Role)
	assert.Equal(t, "user-42", claims.Subject)

	_, err = ParseJWT(tok, "other")
	assert.Error(t, err)

	anonymous, err := GenerateJWT("", "", "secret", time.Hour)
	require.NoError(t, err)
	_, err = ParseJWT(anonymous, "secret")
	assert.Error(t, err, "a token must name a user")
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestCacheRoundTripAndExpiry(t *testing.T) {
	mr, rdb := newRedis(t)
	ctx := context.Background()

	type payload struct {
		Balance string `json:"balance"`
	}
	require.NoError(t, SetCache(ctx, rdb, BalanceKey("u1"), payload{Balance: "1.00"}, time.Minute))

	var got payload
	found, err := GetCache(ctx, rdb, BalanceKey("u1"), &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "1.00", got.Balance)

	mr.FastForward(2 * time.Minute)
	found, err = GetCache(ctx, rdb, BalanceKey("u1"), &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestInvalidateUserCredits(t *testing.T) {
	mr, rdb := newRedis(t)
	ctx := context.Background()

	for _, key := range []string{BalanceKey("u1"), LedgerKey("u1", 50), LedgerKey("u1", 10), LedgerKey("u10", 50), BalanceKey("u2")} {
		require.NoError(t, SetCache(ctx, rdb, key, "x", time.Minute))
	}
	require.NoError(t, InvalidateUserCredits(ctx, rdb, "u1"))

	assert.ElementsMatch(t, []string{LedgerKey("u10", 50), BalanceKey("u2"), GenerationKeyPrefix + "u1"}, mr.Keys())
}

func TestSetCacheIfCurrent_SkipsReadsOlderThanInvalidation(t *testing.T) {
	mr, rdb := newRedis(t)
	ctx := context.Background()

	// A read starts, a mutation invalidates the user, then the read finishes.
	gen, err := CacheGeneration(ctx, rdb, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), gen)
	require.NoError(t, InvalidateUserCredits(ctx, rdb, "u1"))
	require.NoError(t, SetCacheIfCurrent(ctx, rdb, "u1", gen, BalanceKey("u1"), "stale", time.Minute))
	assert.False(t, mr.Exists(BalanceKey("u1")))

	// A read that starts after the invalidation is cached.
	gen, err = CacheGeneration(ctx, rdb, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), gen)
	require.NoError(t, SetCacheIfCurrent(ctx, rdb, "u1", gen, BalanceKey("u1"), "fresh", time.Minute))
	var got string
	found, err := GetCache(ctx, rdb, BalanceKey("u1"), &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "fresh", got)

	// Other users are unaffected.
	require.NoError(t, SetCacheIfCurrent(ctx, rdb, "u2", 0, BalanceKey("u2"), "u2", time.Minute))
	assert.True(t, mr.Exists(BalanceKey("u2")))
}

func TestCacheWithoutClient(t *testing.T) {
	ctx := context.Background()
	var dest string

	found, err := GetCache(ctx, nil, "k", &dest)
	assert.NoError(t, err)
	assert.False(t, found)
	assert.NoError(t, SetCache(ctx, nil, "k", "v", time.Minute))
	assert.NoError(t, DeleteCache(ctx, nil, "k"))
	assert.NoError(t, InvalidateUserCredits(ctx, nil, "u1"))
	assert.NoError(t, SetCacheIfCurrent(ctx, nil, "u1", 0, "k", "v", time.Minute))
	gen, err := CacheGeneration(ctx, nil, "u1")
	assert.NoError(t, err)
	assert.Zero(t, gen)
}
