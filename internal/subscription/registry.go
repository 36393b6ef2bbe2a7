package subscription

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rickgao/blinkmux/internal/codec"
	"github.com/rickgao/blinkmux/internal/correlation"
)

// Key names a delivery channel in the registry.
type Key string

// TypeKey is the key for every message of a given type.
func TypeKey(msgType string) Key {
	return Key("type:" + msgType)
}

// StreamKey is the key for updates carrying a standing request's identifier.
func StreamKey(id correlation.ID) Key {
	return Key("stream:" + string(id))
}

// FieldKey is the key for messages of a type whose field has a given value,
// e.g. execution reports of one ExecType.
func FieldKey(msgType, field, value string) Key {
	return Key("type:" + msgType + "/" + field + "=" + value)
}

// Callback receives a published message. Messages are shared between
// subscribers and must not be modified.
type Callback func(codec.Message)

// Handle identifies one registration.
type Handle struct {
	id  uint64
	key Key
}

// Key returns the key the handle was registered under.
func (h Handle) Key() Key { return h.key }

// IsZero reports whether h is the zero handle.
func (h Handle) IsZero() bool { return h.id == 0 }

// Same reports whether h and o name the same registration, even if one of
// them predates a Rekey.
func (h Handle) Same(o Handle) bool { return h.id != 0 && h.id == o.id }

// Config configures a Registry.
type Config struct {
	// QueueSize is the per-subscriber buffer limit. Zero delivers inline on
	// the publishing goroutine.
	QueueSize int
}

// Stats contains runtime statistics.
type Stats struct {
	Subscriptions int
	Keys          int
	Published     int64 // events offered to a subscriber
	Delivered     int64 // callbacks completed
	Dropped       int64 // events refused by a full queue
	Panics        int64
}

type entry struct {
	id      uint64
	key     Key
	cb      Callback
	queue   *Queue[codec.Message]
	removed atomic.Bool
}

// Registry maps keys to ordered lists of subscriber callbacks.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[Key][]*entry
	byID    map[uint64]*entry
	nextID  uint64
	active  bool

	wg sync.WaitGroup

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
	panics    atomic.Int64
}

// NewRegistry creates an active, empty registry.
func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		cfg:     cfg,
		logger:  logger,
		entries: make(map[Key][]*entry),
		byID:    make(map[uint64]*entry),
		active:  true,
	}
}

// Subscribe appends cb to the subscribers of key.
func (r *Registry) Subscribe(key Key, cb Callback) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	e := &entry{id: r.nextID, key: key, cb: cb}

	if r.cfg.QueueSize > 0 {
		e.queue = NewQueue[codec.Message](min(64, r.cfg.QueueSize), r.cfg.QueueSize)
		r.wg.Add(1)
		go r.deliverLoop(e)
	}

	r.entries[key] = append(r.entries[key], e)
	r.byID[e.id] = e

	return Handle{id: e.id, key: key}
}

// Unsubscribe removes exactly the registration h. Returns false if it was
// already removed.
func (r *Registry) Unsubscribe(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[h.id]
	if !ok {
		return false
	}
	r.remove(e)
	return true
}

// Rekey moves the registration h to newKey, keeping its identity and
// position at the end of newKey's subscribers.
func (r *Registry) Rekey(h Handle, newKey Key) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[h.id]
	if !ok {
		return Handle{}, false
	}

	r.detach(e)
	e.key = newKey
	r.entries[newKey] = append(r.entries[newKey], e)

	return Handle{id: e.id, key: newKey}, true
}

// Publish delivers event to every subscriber of key in registration order
// and returns how many accepted it. Nothing is delivered while inactive.
func (r *Registry) Publish(key Key, event codec.Message) int {
	r.mu.RLock()
	if !r.active {
		r.mu.RUnlock()
		return 0
	}
	subs := r.entries[key]
	r.mu.RUnlock()

	// subs is never mutated in place, so it is safe to range without the lock.
	n := 0
	for _, e := range subs {
		if e.removed.Load() {
			continue
		}
		r.published.Add(1)

		if e.queue == nil {
			r.invoke(e, event)
			n++
			continue
		}

		if !e.queue.Send(event) {
			if !e.removed.Load() {
				r.dropped.Add(1)
				r.logger.Warn("subscriber queue full, dropping event", "key", key)
			}
			continue
		}
		n++
	}
	return n
}

// SetActive enables or suspends delivery to all registrations.
func (r *Registry) SetActive(active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = active
}

// Active reports whether delivery is enabled.
func (r *Registry) Active() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Has reports whether key has any subscribers.
func (r *Registry) Has(key Key) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries[key]) > 0
}

// Len returns the number of registrations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Keys returns the keys with at least one subscriber, sorted.
func (r *Registry) Keys() []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]Key, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Close removes every registration and waits for queued deliveries to stop.
// Must not be called from within a callback.
func (r *Registry) Close() {
	r.mu.Lock()
	for _, e := range r.byID {
		r.remove(e)
	}
	r.mu.Unlock()

	r.wg.Wait()
}

// Stats returns current statistics.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	subs, keys := len(r.byID), len(r.entries)
	r.mu.RUnlock()

	return Stats{
		Subscriptions: subs,
		Keys:          keys,
		Published:     r.published.Load(),
		Delivered:     r.delivered.Load(),
		Dropped:       r.dropped.Load(),
		Panics:        r.panics.Load(),
	}
}

// remove drops e entirely. Must be called with lock held.
func (r *Registry) remove(e *entry) {
	e.removed.Store(true)
	r.detach(e)
	delete(r.byID, e.id)
	if e.queue != nil {
		e.queue.Close()
	}
}

// detach removes e from its key's list by copying, so in-flight publishers
// keep a consistent snapshot. Must be called with lock held.
func (r *Registry) detach(e *entry) {
	old := r.entries[e.key]
	if len(old) == 1 {
		delete(r.entries, e.key)
		return
	}

	next := make([]*entry, 0, len(old)-1)
	for _, x := range old {
		if x != e {
			next = append(next, x)
		}
	}
	r.entries[e.key] = next
}

func (r *Registry) deliverLoop(e *entry) {
	defer r.wg.Done()

	for {
		event, ok := e.queue.Receive()
		if !ok {
			return
		}
		if e.removed.Load() {
			continue
		}
		r.invoke(e, event)
	}
}

func (r *Registry) invoke(e *entry, event codec.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			r.panics.Add(1)
			r.logger.Error("subscriber callback panicked", "key", e.key, "panic", rec)
		}
	}()

	e.cb(event)
	r.delivered.Add(1)
}
