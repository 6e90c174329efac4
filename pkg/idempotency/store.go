// Package idempotency caches results of mutating tool calls so a retried
// call returns the original result instead of repeating its side effect.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidTTL is returned by Set when ttl is not positive.
var ErrInvalidTTL = errors.New("idempotency ttl must be positive")

// Store is a key -> result cache with per-entry expiration.
// Implementations must never return an expired entry and must reject a
// non-positive ttl with ErrInvalidTTL.
type Store interface {
	Exists(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// DeriveKey builds a key from the natural identity of an operation:
// the operation name, the caller and a fingerprint of the payload.
// encoding/json sorts map keys, so equal payloads yield equal keys.
func DeriveKey(callerID, operation string, payload interface{}) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to fingerprint payload: %w", err)
	}
	sum := sha256.Sum256(data)
	return operation + ":" + callerID + ":" + hex.EncodeToString(sum[:]), nil
}

// CallerKey namespaces a caller supplied key so two callers using the same
// key never see each other's results.
func CallerKey(callerID, operation, key string) string {
	return operation + ":" + callerID + ":k:" + strings.TrimSpace(key)
}

// Do returns the stored result for key when present. Otherwise it runs fn and
// stores its result for ttl. Nothing is stored when fn fails or ctx is
// cancelled before fn returns.
func Do(ctx context.Context, store Store, key string, ttl time.Duration, fn func(ctx context.Context) ([]byte, error)) ([]byte, bool, error) {
	value, ok, err := store.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("idempotency lookup failed: %w", err)
	}
	if ok {
		return value, true, nil
	}

	value, err = fn(ctx)
	if err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	if err := store.Set(ctx, key, value, ttl); err != nil {
		return value, false, fmt.Errorf("failed to store idempotent result: %w", err)
	}
	return value, false, nil
}
