package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/blinkmux/internal/codec"
	"github.com/rickgao/blinkmux/internal/correlation"
	"github.com/rickgao/blinkmux/internal/dispatch"
	"github.com/rickgao/blinkmux/internal/subscription"
	"github.com/rickgao/blinkmux/internal/version"
)

// RequestSigner adds authentication to an outbound HTTP request.
type RequestSigner interface {
	Apply(req *http.Request) error
}

// OneShotConfig configures a OneShot transport.
type OneShotConfig struct {
	URL            string
	Protocol       codec.Protocol
	DefaultTimeout time.Duration // Reply deadline when a request sets none (0 = none)
	MaxRetries     int
	RetryBackoff   time.Duration
}

// OneShotStats contains runtime statistics.
type OneShotStats struct {
	Requests int64
	Retries  int64
	Failures int64
	Table    correlation.TableStats
}

// OneShotOption configures a OneShot.
type OneShotOption func(*OneShot)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) OneShotOption {
	return func(o *OneShot) {
		o.httpClient = hc
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) OneShotOption {
	return func(o *OneShot) {
		o.logger = logger
	}
}

// WithSigner signs every request.
func WithSigner(s RequestSigner) OneShotOption {
	return func(o *OneShot) {
		o.signer = s
	}
}

// WithIDGenerator sets the request identifier generator.
func WithIDGenerator(g correlation.Generator) OneShotOption {
	return func(o *OneShot) {
		o.ids = g
	}
}

// OneShot carries each request as its own HTTP POST. It has no push
// channel, so subscriptions are unsupported.
type OneShot struct {
	cfg        OneShotConfig
	httpClient *http.Client
	logger     *slog.Logger
	signer     RequestSigner
	ids        correlation.Generator
	table      *correlation.Table

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool

	requests atomic.Int64
	retries  atomic.Int64
	failures atomic.Int64
}

// NewOneShot creates a OneShot transport posting to cfg.URL.
func NewOneShot(cfg OneShotConfig, opts ...OneShotOption) *OneShot {
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}

	o := &OneShot{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(o)
	}

	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.ids == nil {
		o.ids = defaultGenerator()
	}
	o.table = correlation.NewTable(o.logger.With("component", "correlation"))
	o.ctx, o.cancel = context.WithCancel(context.Background())

	return o
}

// Submit posts req in the background and returns its pending Call.
func (o *OneShot) Submit(ctx context.Context, req Request) (*Call, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Stream != nil {
		return nil, fmt.Errorf("%w: stream requests need a persistent connection", ErrUnsupportedOperation)
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	o.wg.Add(1)
	o.mu.Unlock()

	msg, field, p, err := register(o.table, o.ids, o.cfg.Protocol, req, o.cfg.DefaultTimeout, nil)
	if err != nil {
		o.wg.Done()
		return nil, err
	}

	body, err := codec.Encode(msg)
	if err != nil {
		o.wg.Done()
		o.table.Cancel(p.ID(), err)
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	go o.roundTrip(p, field, body)

	return &Call{pending: p, message: msg}, nil
}

// Subscribe is unsupported. It has no side effects.
func (o *OneShot) Subscribe(subscription.Key, subscription.Callback) (subscription.Handle, error) {
	return subscription.Handle{}, ErrUnsupportedOperation
}

// Unsubscribe always returns false; there are no listeners.
func (o *OneShot) Unsubscribe(subscription.Handle) bool {
	return false
}

// Close aborts in-flight requests, failing their calls with ErrClosed.
func (o *OneShot) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.table.CancelAll(ErrClosed)
	o.cancel()
	o.wg.Wait()
	return nil
}

// Stats returns current statistics.
func (o *OneShot) Stats() OneShotStats {
	return OneShotStats{
		Requests: o.requests.Load(),
		Retries:  o.retries.Load(),
		Failures: o.failures.Load(),
		Table:    o.table.Stats(),
	}
}

// roundTrip performs the exchange and settles p, unless p already ended
// through its deadline or cancellation.
func (o *OneShot) roundTrip(p *correlation.Pending, field string, body []byte) {
	defer o.wg.Done()

	ctx, cancel := context.WithCancel(o.ctx)
	defer cancel()

	go func() {
		select {
		case <-p.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	reply, err := o.exchange(ctx, p.ID(), field, body)

	select {
	case <-p.Done():
		return
	default:
	}

	if err != nil {
		o.failures.Add(1)
		o.logger.Debug("one-shot request failed", "id", p.ID(), "error", err)
	}
	o.table.Settle(p.ID(), reply, err)
}

// exchange posts body with retries and returns the decoded reply.
func (o *OneShot) exchange(ctx context.Context, id correlation.ID, field string, body []byte) (codec.Message, error) {
	data, err := o.doWithRetry(ctx, body)
	if err != nil {
		return nil, err
	}

	envelope, err := codec.Decode(data)
	if err != nil {
		return nil, err
	}

	msg, err := o.unwrap(envelope, id, field)
	if err != nil {
		return nil, err
	}

	msg, err = codec.ExpandGroups(msg, o.cfg.Protocol.ColumnsField, o.cfg.Protocol.GroupSuffix)
	if err != nil {
		return nil, err
	}

	if o.cfg.Protocol.IsError(msg.Type(o.cfg.Protocol.TypeField)) {
		return nil, dispatch.ReplyError(o.cfg.Protocol, msg)
	}
	return msg, nil
}

// unwrap selects the reply from a {"Status","Description","Responses"}
// envelope: the response carrying the request's identifier, else the
// first. Bodies without Responses are the reply itself.
func (o *OneShot) unwrap(envelope codec.Message, id correlation.ID, field string) (codec.Message, error) {
	raw, ok := envelope["Responses"]
	if !ok {
		return envelope, nil
	}

	if status, ok := envelope.Int("Status"); ok && status != http.StatusOK {
		return nil, &HTTPError{
			StatusCode: int(status),
			Message:    envelope.String("Description"),
		}
	}

	responses, ok := raw.([]any)
	if !ok {
		return nil, &codec.DecodeError{Field: "Responses", Reason: "not an array"}
	}

	var first codec.Message
	for _, r := range responses {
		obj, ok := r.(map[string]any)
		if !ok {
			continue
		}
		msg := codec.Message(obj)
		if first == nil {
			first = msg
		}
		if got, ok := correlation.IDOf(msg[field]); ok && got == id {
			return msg, nil
		}
	}

	if first == nil {
		return nil, &codec.DecodeError{Field: "Responses", Reason: "no response objects"}
	}
	return first, nil
}

// doRequest performs a single POST.
func (o *OneShot) doRequest(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("X-Request-ID", uuid.NewString())
	if o.signer != nil {
		if err := o.signer.Apply(req); err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
	}

	o.requests.Add(1)
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: do request: %w", ErrConnectivity, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", ErrConnectivity, err)
	}

	if resp.StatusCode >= 400 {
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Body:       data,
		}
	}

	return data, nil
}

// doWithRetry performs the POST with jittered exponential backoff.
func (o *OneShot) doWithRetry(ctx context.Context, body []byte) ([]byte, error) {
	var lastErr error
	backoff := o.cfg.RetryBackoff

	for attempt := 0; attempt <= o.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			// Add jitter: backoff * (0.5 to 1.5)
			jitter := backoff/2 + time.Duration(rand.Int64N(int64(backoff)))
			o.retries.Add(1)
			o.logger.Debug("retrying request",
				"attempt", attempt,
				"backoff", jitter,
			)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jitter):
			}

			backoff *= 2
		}

		data, err := o.doRequest(ctx, body)
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		if !retryable(err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func retryable(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.IsRetryable()
	}
	return errors.Is(err, ErrConnectivity)
}
