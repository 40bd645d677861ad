package utils

import (
	"context"       // Context for Redis operations
	"encoding/json" // JSON encoding/decoding
	"errors"        // Error inspection
	"strconv"       // String conversion
	"time"          // Time durations

	"github.com/redis/go-redis/v9" // Redis client
)

// Cache keys for credit reads
const (
	BalanceKeyPrefix    = "credits:balance:user:" // + user ID
	LedgerKeyPrefix     = "credits:ledger:user:"  // + user ID + ":limit:" + limit
	GenerationKeyPrefix = "credits:gen:user:"     // + user ID, bumped on every invalidation
)

// generationTTL keeps idle counters from piling up
const generationTTL = 24 * time.Hour

// BalanceKey returns the cache key of a user's balance
func BalanceKey(userID string) string {
	return BalanceKeyPrefix + userID
}

// LedgerKey returns the cache key of one ledger page of a user
func LedgerKey(userID string, limit int) string {
	return LedgerKeyPrefix + userID + ":limit:" + strconv.Itoa(limit)
}

// GetCache retrieves a value from Redis and unmarshals it into dest. A nil client is a miss.
func GetCache(ctx context.Context, rdb *redis.Client, key string, dest any) (bool, error) {
	if rdb == nil {
		return false, nil // Cache disabled
	}
	val, err := rdb.Get(ctx, key).Bytes() // Get value from Redis
	if errors.Is(err, redis.Nil) {
		return false, nil // Key does not exist
	} else if err != nil {
		return false, err // Other Redis error
	}
	if err := json.Unmarshal(val, dest); err != nil {
		return false, err // Corrupt entry, treat as miss
	}
	return true, nil
}

// SetCache sets a value in Redis with a specified TTL
func SetCache(ctx context.Context, rdb *redis.Client, key string, value any, ttl time.Duration) error {
	if rdb == nil {
		return nil // Cache disabled
	}
	b, err := json.Marshal(value) // Marshal value to JSON
	if err != nil {
		return err // Return error if marshaling fails
	}
	return rdb.Set(ctx, key, b, ttl).Err() // Set value in Redis with TTL
}

// DeleteCache deletes a key from Redis
func DeleteCache(ctx context.Context, rdb *redis.Client, key string) error {
	if rdb == nil {
		return nil // Cache disabled
	}
	return rdb.Del(ctx, key).Err() // Delete key from Redis
}

// DeleteCacheByPrefix deletes every key starting with prefix
func DeleteCacheByPrefix(ctx context.Context, rdb *redis.Client, prefix string) error {
	if rdb == nil {
		return nil // Cache disabled
	}
	iter := rdb.Scan(ctx, 0, prefix+"*", 100).Iterator() // Walk matching keys in batches
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err // Scan failed
	}
	if len(keys) == 0 {
		return nil // Nothing cached
	}
	return rdb.Del(ctx, keys...).Err() // Delete all matches
}

// CacheGeneration returns the user's invalidation counter. Read it before loading a
// value from the database and hand it to SetCacheIfCurrent.
func CacheGeneration(ctx context.Context, rdb *redis.Client, userID string) (int64, error) {
	if rdb == nil {
		return 0, nil // Cache disabled
	}
	gen, err := rdb.Get(ctx, GenerationKeyPrefix+userID).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil // Never invalidated
	}
	return gen, err
}

// SetCacheIfCurrent caches value only if the user's cache was not invalidated since gen
// was read, so a slow read cannot put back a value older than the last mutation.
func SetCacheIfCurrent(ctx context.Context, rdb *redis.Client, userID string, gen int64, key string, value any, ttl time.Duration) error {
	if rdb == nil {
		return nil // Cache disabled
	}
	b, err := json.Marshal(value) // Marshal value to JSON
	if err != nil {
		return err
	}
	genKey := GenerationKeyPrefix + userID
	err = rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, genKey).Int64()
		if errors.Is(err, redis.Nil) {
			current, err = 0, nil
		}
		if err != nil {
			return err
		}
		if current != gen {
			return nil // Invalidated while we were reading
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, ttl)
			return nil
		})
		return err
	}, genKey)
	if errors.Is(err, redis.TxFailedErr) {
		return nil // Invalidated between the check and the write
	}
	return err
}

// InvalidateUserCredits drops every cached read of a user after a mutation
func InvalidateUserCredits(ctx context.Context, rdb *redis.Client, userID string) error {
	if rdb == nil {
		return nil // Cache disabled
	}
	genKey := GenerationKeyPrefix + userID
	// Bump the generation first so in-flight reads do not write back what we delete
	if _, err := rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genKey)
		pipe.Expire(ctx, genKey, generationTTL)
		return nil
	}); err != nil {
		return err
	}
	if err := DeleteCache(ctx, rdb, BalanceKey(userID)); err != nil {
		return err
	}
	return DeleteCacheByPrefix(ctx, rdb, LedgerKeyPrefix+userID+":") // All ledger pages
}
