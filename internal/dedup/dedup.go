// Package dedup collapses byte-identical in-flight requests into a single
// upstream call and replays recently completed responses.
//
// A request body hashes to a key. The first caller to join a key becomes the
// owner and performs the upstream call; concurrent callers with the same key
// attach as waiters and receive the owner's result. Completed responses are
// retained for a short TTL so an immediate client retry (for example after a
// dropped connection on the client side) replays the identical bytes instead
// of reaching the provider twice.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	. "github.com/blockrun/blockrun/internal/logging"
	. "github.com/blockrun/blockrun/internal/metrics"
)

// hopHeaders are transport artifacts of the original exchange and are never
// retained for replay. The replay writes its own framing.
var hopHeaders = []string{"Transfer-Encoding", "Connection", "Content-Encoding"}

const defaultTTL = 30 * time.Second

// Key derives the dedup key for a raw request body.
func Key(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Response is a completed upstream result retained for replay.
type Response struct {
	Status      int
	Header      http.Header
	Body        []byte
	CompletedAt time.Time
}

// inflightEntry tracks one owned upstream call. resp is written exactly once
// before done is closed; waiters read it only after done.
type inflightEntry struct {
	done chan struct{}
	resp *Response
}

// Waiter is a handle held by an attached caller while the owner's call runs.
type Waiter struct {
	entry *inflightEntry
}

// Done is closed when the owner resolves or aborts the call.
func (w *Waiter) Done() <-chan struct{} {
	return w.entry.done
}

// Response returns the owner's result once Done is closed. It returns nil
// when the owner aborted, in which case the caller should Join again.
func (w *Waiter) Response() *Response {
	return w.entry.resp
}

// JoinResult describes the caller's role for a key. Exactly one field is set.
type JoinResult struct {
	// Owner is true when the caller must perform the upstream call and
	// finish with Complete, CompleteUncached or Abort.
	Owner bool
	// Response is a retained completed response to replay as-is.
	Response *Response
	// Waiter is non-nil when another caller owns the key.
	Waiter *Waiter
}

// Deduplicator keys in-flight and recently completed requests by body hash.
// A key is in at most one of the two maps at any time.
type Deduplicator struct {
	mu        sync.Mutex
	inflight  map[string]*inflightEntry
	completed map[string]*Response

	ttl      time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a deduplicator whose completed entries expire after ttl.
func New(ttl time.Duration) *Deduplicator {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	d := &Deduplicator{
		inflight:  make(map[string]*inflightEntry),
		completed: make(map[string]*Response),
		ttl:       ttl,
		stopCh:    make(chan struct{}),
	}
	go d.sweepLoop()
	return d
}

// Join resolves the caller's role for key in one atomic step: replay a
// completed response, attach to an in-flight call, or become the owner.
func (d *Deduplicator) Join(key string) JoinResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	if resp, ok := d.completed[key]; ok {
		if time.Since(resp.CompletedAt) <= d.ttl {
			MetricHit("dedup", "replay")
			return JoinResult{Response: resp}
		}
		delete(d.completed, key)
	}

	if e, ok := d.inflight[key]; ok {
		MetricHit("dedup", "attach")
		return JoinResult{Waiter: &Waiter{entry: e}}
	}

	MetricMiss("dedup", "attach")
	e := &inflightEntry{done: make(chan struct{})}
	d.inflight[key] = e
	return JoinResult{Owner: true}
}

// Complete resolves key with resp, waking all waiters, and retains resp for
// replay until the TTL lapses. Hop-by-hop headers are dropped before
// retention. A nil resp is treated as an abort.
func (d *Deduplicator) Complete(key string, resp *Response) {
	if resp == nil {
		d.Abort(key)
		return
	}
	resp.Header = sanitizeHeader(resp.Header)
	resp.CompletedAt = time.Now()

	d.mu.Lock()
	e, ok := d.inflight[key]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.inflight, key)
	d.completed[key] = resp
	e.resp = resp
	d.mu.Unlock()

	close(e.done)
}

// CompleteUncached resolves key with resp for the attached waiters but
// retains nothing, so the next identical request goes upstream again. Used
// when the real response is too large to hold for replay.
func (d *Deduplicator) CompleteUncached(key string, resp *Response) {
	if resp == nil {
		d.Abort(key)
		return
	}
	resp.Header = sanitizeHeader(resp.Header)
	resp.CompletedAt = time.Now()

	d.mu.Lock()
	e, ok := d.inflight[key]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.inflight, key)
	e.resp = resp
	d.mu.Unlock()

	MetricInc("dedup", "uncached")
	close(e.done)
}

// Abort drops the in-flight entry for key without recording a result, waking
// waiters with a nil response so one of them can retry as the new owner.
func (d *Deduplicator) Abort(key string) {
	d.mu.Lock()
	e, ok := d.inflight[key]
	if ok {
		delete(d.inflight, key)
	}
	d.mu.Unlock()

	if ok {
		MetricInc("dedup", "aborted")
		close(e.done)
	}
}

// InflightLen reports the number of owned in-flight calls.
func (d *Deduplicator) InflightLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// CompletedLen reports the number of responses retained for replay.
func (d *Deduplicator) CompletedLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.completed)
}

// Close stops the background sweeper. In-flight entries are untouched; their
// owners still resolve them.
func (d *Deduplicator) Close() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
	})
}

func (d *Deduplicator) sweepLoop() {
	ticker := time.NewTicker(d.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.sweep()
		}
	}
}

func (d *Deduplicator) sweep() {
	now := time.Now()
	d.mu.Lock()
	removed := 0
	for key, resp := range d.completed {
		if now.Sub(resp.CompletedAt) > d.ttl {
			delete(d.completed, key)
			removed++
		}
	}
	d.mu.Unlock()

	if removed > 0 {
		L_debug("dedup: swept %d expired replay entries", removed)
		MetricAdd("dedup", "swept", int64(removed))
	}
}

func sanitizeHeader(h http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	out := h.Clone()
	for _, name := range hopHeaders {
		out.Del(name)
	}
	return out
}
