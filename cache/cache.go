package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Cache is a string key/value store with per-entry expiry. An expiry of 0 keeps the entry
// until it is deleted or evicted.
type Cache interface {
	Set(ctx context.Context, key string, value string, expiry time.Duration) error
	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value string, expiry time.Duration) (bool, error)
	// Get returns ErrKeyNotFound for missing or expired keys.
	Get(ctx context.Context, key string) (string, error)
	Sets(ctx context.Context, kvs map[string]string, expiry time.Duration) error
	SetsNX(ctx context.Context, kvs map[string]string, expiry time.Duration) (map[string]bool, error)
	// Gets returns the entries that exist; missing keys are omitted.
	Gets(ctx context.Context, keys []string) (map[string]string, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// Expire resets the time to live of an existing key. It returns false if the key is missing.
	Expire(ctx context.Context, key string, expiry time.Duration) (bool, error)
	// TTL returns the remaining time to live, 0 for keys without expiry and ErrKeyNotFound for missing keys.
	TTL(ctx context.Context, key string) (time.Duration, error)
	Clear(ctx context.Context) error
}

func encode[T any](key string, value T) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("%w: key %s: %w", ErrJsonMarshal, key, err)
	}
	return string(data), nil
}

func decode[T any](key, raw string) (T, error) {
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return v, fmt.Errorf("%w: key %s: %w", ErrJsonUnmarshal, key, err)
	}
	return v, nil
}

func encodeAll[T any](kvs map[string]T) (map[string]string, error) {
	out := make(map[string]string, len(kvs))
	for key, value := range kvs {
		raw, err := encode(key, value)
		if err != nil {
			return nil, err
		}
		out[key] = raw
	}
	return out, nil
}

// SetTyped stores value as JSON.
func SetTyped[T any](ctx context.Context, c Cache, key string, value T, expiry time.Duration) error {
	raw, err := encode(key, value)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, raw, expiry)
}

func SetNXTyped[T any](ctx context.Context, c Cache, key string, value T, expiry time.Duration) (bool, error) {
	raw, err := encode(key, value)
	if err != nil {
		return false, err
	}
	return c.SetNX(ctx, key, raw, expiry)
}

// GetTyped reads a JSON value written by SetTyped.
func GetTyped[T any](ctx context.Context, c Cache, key string) (T, error) {
	raw, err := c.Get(ctx, key)
	if err != nil {
		var zero T
		return zero, err
	}
	return decode[T](key, raw)
}

func SetsTyped[T any](ctx context.Context, c Cache, kvs map[string]T, expiry time.Duration) error {
	encoded, err := encodeAll(kvs)
	if err != nil {
		return err
	}
	return c.Sets(ctx, encoded, expiry)
}

func SetsNXTyped[T any](ctx context.Context, c Cache, kvs map[string]T, expiry time.Duration) (map[string]bool, error) {
	encoded, err := encodeAll(kvs)
	if err != nil {
		return nil, err
	}
	return c.SetsNX(ctx, encoded, expiry)
}

// GetsTyped decodes every entry Gets returns and fails on the first undecodable one.
func GetsTyped[T any](ctx context.Context, c Cache, keys []string) (map[string]T, error) {
	raws, err := c.Gets(ctx, keys)
	if err != nil {
		return nil, err
	}

	out := make(map[string]T, len(raws))
	for key, raw := range raws {
		v, err := decode[T](key, raw)
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, nil
}
