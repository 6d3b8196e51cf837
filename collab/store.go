package collab

import (
	"context"
	"time"
)

// the shared store holds the authoritative state that every process
// synchronizes against: locks, operation history, sequence counters,
// conflict records, sessions, and the permission cache.
//
// every method is a single atomic operation against the store. callers
// never do a read-modify-write across two separate calls; multi-step
// mutations go through Update, which the implementation runs as a
// compare-and-swap with retry.

const KeepTtl = time.Duration(0)
const NoTtl = time.Duration(-1)

// mutate receives the current value, or nil if the key is absent.
// returning (nil, nil) deletes the key. any other error aborts the
// update and is returned unchanged to the caller.
type UpdateFunc func(value []byte) ([]byte, error)

type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// ttl KeepTtl preserves the current expiry, NoTtl stores without one
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Update(ctx context.Context, key string, ttl time.Duration, mutate UpdateFunc) error
	Delete(ctx context.Context, key string) error
	Increment(ctx context.Context, key string) (int64, error)
	SetAdd(ctx context.Context, key string, member string) error
	SetRemove(ctx context.Context, key string, member string) error
	SetMembers(ctx context.Context, key string) ([]string, error)
	ListAppend(ctx context.Context, key string, value []byte) error
	// start and stop are inclusive indexes, negative counts from the end
	ListRange(ctx context.Context, key string, start int64, stop int64) ([][]byte, error)
	ListLen(ctx context.Context, key string) (int64, error)
	Close()
}
