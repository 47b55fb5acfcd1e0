// Package kv defines the capability set the dispatch pipeline needs from a
// shared key/value store, and a Redis-backed implementation of it.
//
// Every operation returns decoded Go values: callers never parse raw byte
// payloads as integers themselves. That decode-before-parse rule is
// deliberate — treating an undecoded reply as an integer is the recurring
// bug this package exists to make impossible.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps any error returned by the underlying store so callers
// can treat it uniformly as a transient condition.
var ErrUnavailable = errors.New("kv: store unavailable")

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kv: not found")

// ZMember is one entry of a sorted set, as returned by ZRangeByScore.
type ZMember struct {
	Member string
	Score  float64
}

// Store is the minimal primitive set the dispatch pipeline needs from a
// shared key/value store: counters with expiry, plain get/set, sorted-set
// range operations, hashes, and lists. No cross-key transactions are
// required by any caller.
type Store interface {
	// Incr atomically increments key by 1 and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)
	// Decr atomically decrements key by 1 and returns the new value.
	Decr(ctx context.Context, key string) (int64, error)
	// Expire sets a TTL on key. It is a no-op if the key does not exist.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Get returns the decoded string value of key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key with the given TTL (0 means no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Del removes one or more keys. Missing keys are ignored.
	Del(ctx context.Context, keys ...string) error

	// ZAdd adds member to the sorted set at key with the given score.
	ZAdd(ctx context.Context, key string, score float64, member string) error
	// ZRangeByScore returns members scored within [min, max], oldest first,
	// capped at limit entries (limit <= 0 means unbounded).
	ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]ZMember, error)
	// ZRem removes member from the sorted set at key. It returns true if the
	// member was present and removed by this call — callers use this to
	// resolve races over who gets to act on a given entry.
	ZRem(ctx context.Context, key, member string) (bool, error)

	// HSet sets field on the hash at key.
	HSet(ctx context.Context, key, field, value string) error
	// HGet returns the value of field on the hash at key, or ErrNotFound.
	HGet(ctx context.Context, key, field string) (string, error)
	// HDel removes field from the hash at key.
	HDel(ctx context.Context, key, field string) error
	// HGetAll returns every field/value pair on the hash at key.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// RPush appends value to the list at key.
	RPush(ctx context.Context, key, value string) error
	// BLPop blocks up to timeout waiting for an entry at the head of the
	// list at key, and pops it if one arrives. Returns ErrNotFound on
	// timeout with no error.
	BLPop(ctx context.Context, key string, timeout time.Duration) (string, error)
	// LRem removes up to one occurrence of value from the list at key.
	LRem(ctx context.Context, key, value string) error
}
