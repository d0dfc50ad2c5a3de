package cache

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"math/big"
	"time"
)

// MissMarker is stored for keys whose source reported nothing, so repeated
// lookups for absent records do not reach the database.
const MissMarker = "$NULL$"

// FenceMarker replaces a key right after its source changed. Reads treat it
// as a miss and fills never overwrite it, so a load that started before the
// change cannot put the old value back.
const FenceMarker = "$FENCE$"

// FenceTTL bounds how long a key stays uncacheable after a change. It must
// outlast the slowest source read.
var FenceTTL = 5 * time.Second

// Codec converts values to and from their cached string form.
type Codec[T any] struct {
	Encode func(T) (string, error)
	Decode func(string) (T, error)
}

// JSONCodec encodes values as JSON.
func JSONCodec[T any]() Codec[T] {
	return Codec[T]{
		Encode: func(v T) (string, error) {
			data, err := json.Marshal(v)
			return string(data), err
		},
		Decode: func(s string) (T, error) {
			var v T
			err := json.Unmarshal([]byte(s), &v)
			return v, err
		},
	}
}

// Entry describes one read-through key.
type Entry[T any] struct {
	Key     string
	TTL     time.Duration
	MissTTL time.Duration
	Codec   Codec[T]
	// Missing reports whether a loaded value means "absent". Absent values
	// are cached as a marker for MissTTL and returned as the zero value.
	Missing func(T) bool
}

// ReadThrough returns the cached value for e.Key, loading and storing it on a miss.
// Cache failures degrade to calling load; load errors are never cached.
// Fills use SetNX, so they lose against a concurrent Fence.
func ReadThrough[T any](ctx context.Context, c Cache, e Entry[T], load func(context.Context) (T, error)) (T, error) {
	var zero T
	raw, err := c.Get(ctx, e.Key)
	fenced := err == nil && raw == FenceMarker
	if err == nil && raw != "" && !fenced {
		if raw == MissMarker {
			return zero, nil
		}
		if v, err := e.Codec.Decode(raw); err == nil {
			return v, nil
		}
		_ = c.Del(ctx, e.Key)
	}

	v, err := load(ctx)
	if err != nil {
		return zero, err
	}
	if e.Missing != nil && e.Missing(v) {
		if e.MissTTL > 0 && !fenced {
			_, _ = c.SetNX(ctx, e.Key, MissMarker, e.MissTTL)
		}
		return zero, nil
	}
	if fenced {
		return v, nil
	}
	if raw, err := e.Codec.Encode(v); err == nil {
		_, _ = c.SetNX(ctx, e.Key, raw, e.TTL)
	}
	return v, nil
}

// Fence marks key as changed for FenceTTL. If the marker cannot be written the
// key is deleted instead.
func Fence(ctx context.Context, c Cache, key string) error {
	if err := c.Set(ctx, key, FenceMarker, FenceTTL); err != nil {
		return c.Del(ctx, key)
	}
	return nil
}

// Invalidate runs write and fences key once it succeeds. A failed write leaves
// the cached value in place.
func Invalidate(ctx context.Context, c Cache, key string, write func(context.Context) error) error {
	if err := write(ctx); err != nil {
		return err
	}
	_ = Fence(ctx, c, key)
	return nil
}

// JitterTTL shortens ttl by up to 10% so keys written together do not expire together.
func JitterTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return ttl
	}
	maxJitter := int64(ttl / 10)
	if maxJitter <= 0 {
		return ttl
	}
	n, err := rand.Int(rand.Reader, big.NewInt(maxJitter+1))
	if err != nil {
		return ttl
	}
	return ttl - time.Duration(n.Int64())
}
