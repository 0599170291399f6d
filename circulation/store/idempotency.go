package store

import (
	"context"
	"sync"
	"time"

	"github.com/warp/circulation-engine/circulation"
)

// =============================================================================
// MEMORY IDEMPOTENCY STORE
// =============================================================================

const (
	DefaultKeyTTL = 24 * time.Hour

	// maxPruneInterval bounds how long expired keys linger between sweeps.
	maxPruneInterval = time.Minute
)

type keyRecord struct {
	done      bool
	copyID    circulation.CopyID
	expiresAt time.Time
}

// MemoryKeys implements circulation.IdempotencyStore in process memory.
type MemoryKeys struct {
	mu   sync.Mutex
	keys map[string]keyRecord
	ttl  time.Duration
	now  func() time.Time

	nextPrune time.Time
}

var _ circulation.IdempotencyStore = (*MemoryKeys)(nil)

// NewMemoryKeys creates a key store; keys expire after ttl (DefaultKeyTTL if zero).
func NewMemoryKeys(ttl time.Duration) *MemoryKeys {
	if ttl <= 0 {
		ttl = DefaultKeyTTL
	}
	return &MemoryKeys{keys: make(map[string]keyRecord), ttl: ttl, now: time.Now}
}

func (k *MemoryKeys) Begin(_ context.Context, key string) (circulation.IdempotencyState, circulation.CopyID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	k.prune(now)
	if rec, ok := k.keys[key]; ok && now.Before(rec.expiresAt) {
		if rec.done {
			return circulation.KeyCompleted, rec.copyID, nil
		}
		return circulation.KeyPending, "", nil
	}
	k.keys[key] = keyRecord{expiresAt: now.Add(k.ttl)}
	return circulation.KeyNew, "", nil
}

func (k *MemoryKeys) Complete(_ context.Context, key string, id circulation.CopyID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[key] = keyRecord{done: true, copyID: id, expiresAt: k.now().Add(k.ttl)}
	return nil
}

func (k *MemoryKeys) Release(_ context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.keys, key)
	return nil
}

// prune drops expired keys, at most once per prune interval. Caller holds mu.
func (k *MemoryKeys) prune(now time.Time) {
	if now.Before(k.nextPrune) {
		return
	}
	for key, rec := range k.keys {
		if !now.Before(rec.expiresAt) {
			delete(k.keys, key)
		}
	}
	interval := k.ttl
	if interval > maxPruneInterval {
		interval = maxPruneInterval
	}
	k.nextPrune = now.Add(interval)
}
