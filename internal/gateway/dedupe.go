package gateway

import (
	"sync"
	"time"

	"github.com/opengate-ai/opengate/pkg/protocol"
)

const (
	dedupeTTL      = 60 * time.Second
	dedupeCapacity = 1000
)

// cachedOutcome is a finished RPC result, success or error, keyed by
// (method, idempotency key). Retried requests get the same answer
// without re-executing.
type cachedOutcome struct {
	result  any
	errBody *protocol.ErrorBody
	ts      time.Time
}

type rpcDedupe struct {
	mu      sync.Mutex
	entries map[string]cachedOutcome
	ttl     time.Duration
	cap     int
	now     func() time.Time
}

func newRPCDedupe(ttl time.Duration, capacity int) *rpcDedupe {
	return &rpcDedupe{
		entries: make(map[string]cachedOutcome),
		ttl:     ttl,
		cap:     capacity,
		now:     time.Now,
	}
}

func dedupeKey(method, idemKey string) string { return method + "\x00" + idemKey }

// lookup returns the cached outcome for an unexpired key. Expired
// entries are removed on read.
func (d *rpcDedupe) lookup(method, idemKey string) (cachedOutcome, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := dedupeKey(method, idemKey)
	e, ok := d.entries[k]
	if !ok {
		return cachedOutcome{}, false
	}
	if d.now().Sub(e.ts) > d.ttl {
		delete(d.entries, k)
		return cachedOutcome{}, false
	}
	return e, true
}

// record caches an RPC outcome. Over capacity, expired entries are
// pruned first, then the oldest entries by ts.
func (d *rpcDedupe) record(method, idemKey string, result any, errBody *protocol.ErrorBody) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	d.entries[dedupeKey(method, idemKey)] = cachedOutcome{result: result, errBody: errBody, ts: now}

	if len(d.entries) <= d.cap {
		return
	}
	for k, e := range d.entries {
		if now.Sub(e.ts) > d.ttl {
			delete(d.entries, k)
		}
	}
	for len(d.entries) > d.cap {
		var oldestKey string
		var oldest time.Time
		for k, e := range d.entries {
			if oldestKey == "" || e.ts.Before(oldest) {
				oldestKey, oldest = k, e.ts
			}
		}
		delete(d.entries, oldestKey)
	}
}
