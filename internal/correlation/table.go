package correlation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/blinkmux/internal/codec"
)

// Errors
var (
	ErrDuplicateID    = errors.New("request id already outstanding")
	ErrUnmatchedReply = errors.New("reply has no pending request")
	ErrTimeout        = errors.New("request timed out")
	ErrCancelled      = errors.New("request cancelled")
)

// Pending is the single-settlement outcome slot of an in-flight request.
type Pending struct {
	id    ID
	table *Table

	once  sync.Once
	done  chan struct{}
	reply codec.Message
	err   error
	timer *time.Timer
}

// ID returns the request identifier.
func (p *Pending) ID() ID { return p.id }

// Done is closed once the request is settled.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Result returns the outcome. Only meaningful after Done is closed.
func (p *Pending) Result() (codec.Message, error) {
	select {
	case <-p.done:
		return p.reply, p.err
	default:
		return nil, errors.New("request not settled")
	}
}

// Wait blocks until the request settles or ctx ends. If ctx ends first the
// request is cancelled, so a late reply is treated as unmatched.
func (p *Pending) Wait(ctx context.Context) (codec.Message, error) {
	select {
	case <-p.done:
		return p.reply, p.err
	case <-ctx.Done():
		p.table.Cancel(p.id, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err()))
		<-p.done
		return p.reply, p.err
	}
}

// Cancel withdraws the request. Returns false if it had already settled.
func (p *Pending) Cancel() bool {
	return p.table.Cancel(p.id, ErrCancelled)
}

// settle stores the outcome exactly once.
func (p *Pending) settle(reply codec.Message, err error) bool {
	settled := false
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.reply = reply
		p.err = err
		close(p.done)
		settled = true
	})
	return settled
}

// TableStats contains runtime statistics.
type TableStats struct {
	Registered  int64
	Settled     int64
	Cancelled   int64
	TimedOut    int64
	Unmatched   int64
	Outstanding int
}

// Table maps outstanding request identifiers to their pending completions.
type Table struct {
	logger *slog.Logger

	mu      sync.Mutex
	pending map[ID]*Pending
	stats   TableStats
}

// NewTable creates an empty correlation table.
func NewTable(logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}

	return &Table{
		logger:  logger,
		pending: make(map[ID]*Pending),
	}
}

// Register creates a pending completion for id.
func (t *Table) Register(id ID) (*Pending, error) {
	return t.RegisterWithDeadline(id, 0)
}

// RegisterWithDeadline creates a pending completion that fails with
// ErrTimeout if not settled within timeout. Zero means no deadline.
func (t *Table) RegisterWithDeadline(id ID, timeout time.Duration) (*Pending, error) {
	if id == "" {
		return nil, errors.New("empty request id")
	}

	p := &Pending{
		id:    id,
		table: t,
		done:  make(chan struct{}),
	}

	t.mu.Lock()
	if _, exists := t.pending[id]; exists {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	t.pending[id] = p
	t.stats.Registered++
	if timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() { t.expire(p, timeout) })
	}
	t.mu.Unlock()

	return p, nil
}

// Settle resolves the pending completion for id and removes it. A miss is
// counted as an unmatched reply and otherwise ignored.
func (t *Table) Settle(id ID, reply codec.Message, err error) bool {
	p, ok := t.take(id)
	t.mu.Lock()
	if ok {
		t.stats.Settled++
	} else {
		t.stats.Unmatched++
	}
	t.mu.Unlock()

	if !ok {
		t.logger.Debug("unmatched reply", "id", id, "error", ErrUnmatchedReply)
		return false
	}
	return p.settle(reply, err)
}

// Cancel force-settles the pending completion for id with reason.
func (t *Table) Cancel(id ID, reason error) bool {
	p, ok := t.take(id)
	if !ok {
		return false
	}

	t.mu.Lock()
	t.stats.Cancelled++
	t.mu.Unlock()

	return p.settle(nil, reason)
}

// CancelAll fails every outstanding completion with reason.
func (t *Table) CancelAll(reason error) int {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[ID]*Pending)
	t.stats.Cancelled += int64(len(pending))
	t.mu.Unlock()

	for _, p := range pending {
		p.settle(nil, reason)
	}

	if len(pending) > 0 {
		t.logger.Warn("cancelled outstanding requests", "count", len(pending), "reason", reason)
	}
	return len(pending)
}

// Has reports whether id is outstanding.
func (t *Table) Has(id ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[id]
	return ok
}

// Len returns the number of outstanding completions.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Stats returns current statistics.
func (t *Table) Stats() TableStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stats
	s.Outstanding = len(t.pending)
	return s
}

// take removes and returns the pending completion for id.
func (t *Table) take(id ID) (*Pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	return p, ok
}

// expire fails p with ErrTimeout if it is still the entry for its id.
func (t *Table) expire(p *Pending, timeout time.Duration) {
	t.mu.Lock()
	cur, ok := t.pending[p.id]
	if !ok || cur != p {
		t.mu.Unlock()
		return
	}
	delete(t.pending, p.id)
	t.stats.TimedOut++
	t.mu.Unlock()

	t.logger.Debug("request timed out", "id", p.id, "timeout", timeout)
	p.settle(nil, fmt.Errorf("%w after %s", ErrTimeout, timeout))
}
