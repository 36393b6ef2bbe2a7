package journal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/blinkmux/internal/codec"
	"github.com/rickgao/blinkmux/internal/subscription"
)

// Columns written for every entry, in CopyFrom order.
var Columns = []string{"id", "received_at", "sub_key", "msg_type", "payload"}

// DB is the subset of *pgxpool.Pool the journal writes through.
type DB interface {
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Config configures a Journal.
type Config struct {
	Table         string
	TypeField     string // Message-type field stored in msg_type
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int // Entries held before new pushes are dropped
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Table:         "pushes",
		TypeField:     "MsgType",
		BatchSize:     1000,
		FlushInterval: time.Second,
		BufferSize:    10000,
	}
}

// Entry is one recorded push.
type Entry struct {
	ID         uuid.UUID
	ReceivedAt time.Time
	Key        subscription.Key
	MsgType    string
	Message    codec.Message
}

// Stats contains runtime statistics.
type Stats struct {
	Recorded int64
	Dropped  int64
	Inserted int64
	Errors   int64
	Flushes  int64
	Pending  int
}

// Journal batches published pushes into a Postgres table.
type Journal struct {
	cfg    Config
	db     DB
	logger *slog.Logger

	queue *subscription.Queue[Entry]
	kick  chan struct{}
	now   func() time.Time

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	stats Stats
}

// New creates a Journal writing to db.
func New(cfg Config, db DB, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultConfig()
	if cfg.Table == "" {
		cfg.Table = d.Table
	}
	if cfg.TypeField == "" {
		cfg.TypeField = d.TypeField
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = d.FlushInterval
	}
	if cfg.BufferSize < cfg.BatchSize {
		cfg.BufferSize = max(d.BufferSize, cfg.BatchSize)
	}

	return &Journal{
		cfg:    cfg,
		db:     db,
		logger: logger,
		queue:  subscription.NewQueue[Entry](min(cfg.BatchSize, cfg.BufferSize), cfg.BufferSize),
		kick:   make(chan struct{}, 1),
		now:    time.Now,
	}
}

// EnsureSchema creates the journal table if it does not exist.
func (j *Journal) EnsureSchema(ctx context.Context) error {
	table := pgx.Identifier{j.cfg.Table}.Sanitize()
	_, err := j.db.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id          UUID PRIMARY KEY,
			received_at TIMESTAMPTZ NOT NULL,
			sub_key     TEXT NOT NULL,
			msg_type    TEXT NOT NULL,
			payload     JSONB NOT NULL
		)`, table))
	if err != nil {
		return fmt.Errorf("create journal table: %w", err)
	}
	return nil
}

// Callback returns a subscription callback recording pushes under key.
func (j *Journal) Callback(key subscription.Key) subscription.Callback {
	return func(msg codec.Message) {
		j.Record(key, msg)
	}
}

// Record queues msg for the next flush. It returns false when the buffer
// is full or the journal is stopped.
func (j *Journal) Record(key subscription.Key, msg codec.Message) bool {
	e := Entry{
		ID:         uuid.New(),
		ReceivedAt: j.now(),
		Key:        key,
		MsgType:    msg.Type(j.cfg.TypeField),
		Message:    msg,
	}

	if !j.queue.Send(e) {
		j.mu.Lock()
		j.stats.Dropped++
		j.mu.Unlock()
		return false
	}

	j.mu.Lock()
	j.stats.Recorded++
	j.mu.Unlock()

	if j.queue.Len() >= j.cfg.BatchSize {
		select {
		case j.kick <- struct{}{}:
		default:
		}
	}
	return true
}

// Start begins periodic flushing.
func (j *Journal) Start(ctx context.Context) error {
	j.ctx, j.cancel = context.WithCancel(ctx)

	j.wg.Add(1)
	go j.flushLoop()

	j.logger.Info("journal started",
		"table", j.cfg.Table,
		"batch_size", j.cfg.BatchSize,
		"flush_interval", j.cfg.FlushInterval,
	)
	return nil
}

// Stop halts flushing, writes what is buffered and closes the buffer.
func (j *Journal) Stop(ctx context.Context) error {
	j.logger.Info("stopping journal")

	if j.cancel != nil {
		j.cancel()
	}

	// Wait for goroutines
	done := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		j.logger.Warn("journal stop timed out")
	}

	j.queue.Close()

	// Final flush
	j.Flush(ctx)
	j.logger.Info("journal stopped")
	return nil
}

// Flush writes every buffered entry in batches and returns the number
// inserted.
func (j *Journal) Flush(ctx context.Context) int {
	total := 0
	for {
		batch := j.queue.DrainTo(j.cfg.BatchSize)
		if len(batch) == 0 {
			return total
		}
		total += j.write(ctx, batch)
		if len(batch) < j.cfg.BatchSize {
			return total
		}
	}
}

// Stats returns current statistics.
func (j *Journal) Stats() Stats {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := j.stats
	s.Pending = j.queue.Len()
	return s
}

// flushLoop flushes on every tick and whenever a full batch is waiting.
func (j *Journal) flushLoop() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-j.ctx.Done():
			return
		case <-ticker.C:
			j.Flush(j.ctx)
		case <-j.kick:
			j.Flush(j.ctx)
		}
	}
}

func (j *Journal) write(ctx context.Context, batch []Entry) int {
	start := time.Now()

	rows := make([][]any, 0, len(batch))
	for _, e := range batch {
		payload, err := codec.Encode(e.Message)
		if err != nil {
			j.logger.Warn("skipping unencodable push", "key", e.Key, "error", err)
			continue
		}
		rows = append(rows, []any{e.ID, e.ReceivedAt, string(e.Key), e.MsgType, payload})
	}

	if len(rows) == 0 {
		return 0
	}

	n, err := j.db.CopyFrom(ctx, pgx.Identifier{j.cfg.Table}, Columns, pgx.CopyFromRows(rows))

	j.mu.Lock()
	j.stats.Flushes++
	if err != nil {
		j.stats.Errors++
	} else {
		j.stats.Inserted += n
	}
	j.mu.Unlock()

	if err != nil {
		j.logger.Error("journal batch insert failed", "error", err, "count", len(rows))
		return 0
	}

	j.logger.Debug("flushed journal",
		"rows", n,
		"duration", time.Since(start),
	)
	return int(n)
}
