package stream

import (
	"bytes"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Default eviction policy for incomplete messages.
const (
	DefaultFragmentTTL = 5 * time.Second
	DefaultMaxPending  = 1024

	// MaxFragments is the largest accepted Sum.
	MaxFragments = 4096
)

// Eviction reasons.
const (
	EvictExpired  = "expired"
	EvictCapacity = "capacity"
	EvictReset    = "reset"
)

// Fragment is one piece of a logical data message. Seq is 0-based and must
// satisfy 0 <= Seq < Sum.
type Fragment struct {
	MessageID string
	TraceID   string
	Service   int32
	Sum       int
	Seq       int
	Payload   []byte
}

// Eviction describes an incomplete message that was dropped.
type Eviction struct {
	MessageID string
	TraceID   string
	Service   int32
	Sum       int
	Received  int
	Reason    string
	Age       time.Duration
}

// ReassemblerConfig configures the eviction policy.
type ReassemblerConfig struct {
	// TTL is how long an incomplete message may sit idle after its last
	// fragment before it is dropped.
	TTL time.Duration
	// MaxPending caps the number of incomplete messages held at once. When
	// a new message would exceed it, the least recently updated one is
	// dropped.
	MaxPending int
}

type fragmentBuffer struct {
	sum      int
	parts    [][]byte
	received int
	traceID  string
	service  int32
	created  time.Time
	updated  time.Time
}

// Reassembler buffers data-frame fragments per message id until every
// position has arrived. It owns no I/O and is safe for concurrent use.
type Reassembler struct {
	mu      sync.Mutex
	pending map[string]*fragmentBuffer
	cfg     ReassemblerConfig
	now     func() time.Time
	onEvict func(Eviction)
	logger  *slog.Logger
}

// ReassemblerOption configures a Reassembler.
type ReassemblerOption func(*Reassembler)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) ReassemblerOption {
	return func(r *Reassembler) { r.now = now }
}

// WithEvictionHook registers a callback invoked (outside the lock) for every
// dropped incomplete message.
func WithEvictionHook(fn func(Eviction)) ReassemblerOption {
	return func(r *Reassembler) { r.onEvict = fn }
}

// NewReassembler creates a Reassembler. Zero config values take defaults.
func NewReassembler(cfg ReassemblerConfig, logger *slog.Logger, opts ...ReassemblerOption) *Reassembler {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultFragmentTTL
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	r := &Reassembler{
		pending: make(map[string]*fragmentBuffer),
		cfg:     cfg,
		now:     time.Now,
		logger:  logger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Add feeds one fragment. It returns the full payload and true once every
// position of the message has been received. A self-contained fragment
// (Sum <= 1) is returned immediately without buffering. Fragments with an
// out-of-range Seq, or whose Sum disagrees with the first fragment seen for
// the same message, are ignored. Re-delivering a position overwrites it.
func (r *Reassembler) Add(f Fragment) ([]byte, bool) {
	if f.Sum <= 1 {
		if f.Seq != 0 {
			return nil, false
		}
		return f.Payload, true
	}
	if f.Sum > MaxFragments || f.Seq < 0 || f.Seq >= f.Sum {
		return nil, false
	}

	now := r.now()
	var evicted []Eviction

	r.mu.Lock()
	evicted = r.sweepLocked(now, evicted)

	buf, ok := r.pending[f.MessageID]
	if !ok {
		if len(r.pending) >= r.cfg.MaxPending {
			evicted = r.evictOldestLocked(now, evicted)
		}
		buf = &fragmentBuffer{
			sum:     f.Sum,
			parts:   make([][]byte, f.Sum),
			traceID: f.TraceID,
			service: f.Service,
			created: now,
		}
		r.pending[f.MessageID] = buf
	}
	if buf.sum != f.Sum {
		r.mu.Unlock()
		r.report(evicted)
		r.logger.Warn("fragment sum mismatch, dropping fragment",
			"message_id", f.MessageID, "want_sum", buf.sum, "got_sum", f.Sum)
		return nil, false
	}

	if buf.parts[f.Seq] == nil {
		buf.received++
	}
	if f.Payload == nil {
		buf.parts[f.Seq] = []byte{}
	} else {
		buf.parts[f.Seq] = f.Payload
	}
	buf.updated = now

	var out []byte
	done := buf.received == buf.sum
	if done {
		out = bytes.Join(buf.parts, nil)
		delete(r.pending, f.MessageID)
	}
	r.mu.Unlock()

	r.report(evicted)
	return out, done
}

// Sweep drops every incomplete message idle for longer than the TTL and
// returns how many were dropped.
func (r *Reassembler) Sweep() int {
	r.mu.Lock()
	evicted := r.sweepLocked(r.now(), nil)
	r.mu.Unlock()
	r.report(evicted)
	return len(evicted)
}

// Reset drops all buffered fragments. Message ids are not unique across
// connections, so this runs on every new connection.
func (r *Reassembler) Reset() {
	now := r.now()
	r.mu.Lock()
	evicted := make([]Eviction, 0, len(r.pending))
	for id, buf := range r.pending {
		evicted = append(evicted, buf.eviction(id, EvictReset, now))
	}
	r.pending = make(map[string]*fragmentBuffer)
	r.mu.Unlock()
	r.report(evicted)
}

// Pending returns the number of incomplete messages currently buffered.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Reassembler) sweepLocked(now time.Time, evicted []Eviction) []Eviction {
	for id, buf := range r.pending {
		if now.Sub(buf.updated) > r.cfg.TTL {
			evicted = append(evicted, buf.eviction(id, EvictExpired, now))
			delete(r.pending, id)
		}
	}
	return evicted
}

func (r *Reassembler) evictOldestLocked(now time.Time, evicted []Eviction) []Eviction {
	ids := make([]string, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return r.pending[ids[i]].updated.Before(r.pending[ids[j]].updated)
	})
	for _, id := range ids {
		if len(r.pending) < r.cfg.MaxPending {
			break
		}
		evicted = append(evicted, r.pending[id].eviction(id, EvictCapacity, now))
		delete(r.pending, id)
	}
	return evicted
}

func (b *fragmentBuffer) eviction(id, reason string, now time.Time) Eviction {
	return Eviction{
		MessageID: id,
		TraceID:   b.traceID,
		Service:   b.service,
		Sum:       b.sum,
		Received:  b.received,
		Reason:    reason,
		Age:       now.Sub(b.created),
	}
}

func (r *Reassembler) report(evicted []Eviction) {
	for _, e := range evicted {
		r.logger.Warn("incomplete message evicted",
			"message_id", e.MessageID,
			"trace_id", e.TraceID,
			"service", e.Service,
			"reason", e.Reason,
			"received", e.Received,
			"sum", e.Sum,
			"age", e.Age,
		)
		if r.onEvict != nil {
			r.onEvict(e)
		}
	}
}
