// muxclient connects to a BlinkTrade-style venue, multiplexes requests over
// one transport and streams pushes to the log.
// Usage: go run ./cmd/muxclient --config configs/muxclient.yaml --subscribe type:8,type:f
//
// Credentials come from the config file; use ${VAR} to read them from the
// environment:
//
//	BLINKTRADE_API_KEY    - API key
//	BLINKTRADE_API_SECRET - HMAC secret
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/blinkmux/internal/auth"
	"github.com/rickgao/blinkmux/internal/codec"
	"github.com/rickgao/blinkmux/internal/config"
	"github.com/rickgao/blinkmux/internal/connection"
	"github.com/rickgao/blinkmux/internal/database"
	"github.com/rickgao/blinkmux/internal/journal"
	"github.com/rickgao/blinkmux/internal/metrics"
	"github.com/rickgao/blinkmux/internal/session"
	"github.com/rickgao/blinkmux/internal/subscription"
	"github.com/rickgao/blinkmux/internal/transport"
	"github.com/rickgao/blinkmux/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/muxclient.yaml", "path to config file")
	subscribe := flag.String("subscribe", "", "comma-separated subscription keys to log (e.g. type:8,type:f)")
	heartbeat := flag.Duration("heartbeat", 30*time.Second, "test request interval (0 disables)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Set up structured logging
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting muxclient",
		"version", version.Version,
		"commit", version.Commit,
		"instance_id", cfg.Instance.ID,
		"mode", cfg.Transport.Mode,
	)

	if err := run(cfg, parseKeys(*subscribe), *heartbeat, logger); err != nil {
		logger.Error("muxclient failed", "error", err)
		os.Exit(1)
	}
	logger.Info("muxclient stopped")
}

func run(cfg *config.Config, keys []subscription.Key, heartbeat time.Duration, logger *slog.Logger) error {
	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	creds, err := loadCredentials(cfg.Transport)
	if err != nil {
		return err
	}

	proto := cfg.Protocol.Codec()
	g, gctx := errgroup.WithContext(ctx)

	var (
		mux     transport.Transport
		stream  *transport.Stream
		oneShot *transport.OneShot
		sup     *session.Supervisor
	)

	switch cfg.Transport.Mode {
	case config.ModeStream:
		stream = transport.NewStream(transport.StreamConfig{
			Protocol:       proto,
			Registry:       subscription.Config{QueueSize: cfg.Dispatch.QueueSize},
			DefaultTimeout: cfg.Transport.Timeout,
		}, logger.With("component", "stream"))

		sup = session.New(session.Config{
			BaseDelay:   cfg.Reconnect.BaseDelay,
			MaxDelay:    cfg.Reconnect.MaxDelay,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
		}, stream, webSocketDialer(cfg.Transport, creds, logger.With("component", "connection")), logger.With("component", "session"))

		g.Go(func() error {
			err := sup.Run(gctx)
			if errors.Is(err, session.ErrStopped) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
		mux = stream

	case config.ModeOneShot:
		opts := []transport.OneShotOption{transport.WithLogger(logger.With("component", "oneshot"))}
		if creds != nil {
			opts = append(opts, transport.WithSigner(creds))
		}
		oneShot = transport.NewOneShot(transport.OneShotConfig{
			URL:            cfg.Transport.RestURL,
			Protocol:       proto,
			DefaultTimeout: cfg.Transport.Timeout,
			MaxRetries:     cfg.Transport.MaxRetries,
			RetryBackoff:   cfg.Transport.RetryBackoff,
		}, opts...)
		mux = oneShot
	}

	// Log pushes for the requested keys
	for _, key := range keys {
		if _, err := mux.Subscribe(key, logPush(key, logger)); err != nil {
			if errors.Is(err, transport.ErrUnsupportedOperation) {
				logger.Warn("subscriptions need stream mode", "key", key)
				break
			}
			return fmt.Errorf("subscribe %s: %w", key, err)
		}
	}

	// Journal pushes to Postgres
	var (
		jrnl *journal.Journal
		pool *pgxpool.Pool
	)
	if cfg.Journal.Enabled {
		if stream == nil {
			logger.Warn("journal needs stream mode, disabled")
		} else {
			pool, err = database.Connect(ctx, cfg.Journal.Database)
			if err != nil {
				return fmt.Errorf("connect journal database: %w", err)
			}
			defer pool.Close()

			jrnl = journal.New(journal.Config{
				Table:         cfg.Journal.Table,
				TypeField:     proto.TypeField,
				BatchSize:     cfg.Journal.BatchSize,
				FlushInterval: cfg.Journal.FlushInterval,
				BufferSize:    cfg.Journal.BufferSize,
			}, pool, logger.With("component", "journal"))

			if err := jrnl.EnsureSchema(ctx); err != nil {
				return err
			}
			for _, k := range cfg.Journal.Keys {
				key := subscription.Key(k)
				if _, err := stream.Subscribe(key, jrnl.Callback(key)); err != nil {
					return fmt.Errorf("journal subscribe %s: %w", key, err)
				}
			}
			if err := jrnl.Start(ctx); err != nil {
				return err
			}
		}
	}

	// Metrics and health endpoints
	if cfg.Metrics.Enabled {
		src := metrics.Sources{}
		if stream != nil {
			src.Stream = stream.Stats
		}
		if oneShot != nil {
			src.OneShot = oneShot.Stats
		}
		if sup != nil {
			src.Session = sup.Stats
		}
		if jrnl != nil {
			src.Journal = jrnl.Stats
		}

		reg, err := metrics.NewRegistry(metrics.NewCollector(src))
		if err != nil {
			return err
		}

		httpMux := http.NewServeMux()
		httpMux.Handle(cfg.Metrics.Path, metrics.Handler(reg))
		httpMux.Handle("/health", healthHandler(sup, pool))

		g.Go(func() error {
			return metrics.Serve(gctx, cfg.Metrics.Port, httpMux, logger.With("component", "metrics"))
		})
	}

	if heartbeat > 0 {
		g.Go(func() error {
			heartbeatLoop(gctx, mux, sup, proto, heartbeat, logger)
			return nil
		})
	}

	g.Go(func() error {
		statsLoop(gctx, stream, oneShot, sup, logger)
		return nil
	})

	logger.Info("muxclient running - press Ctrl+C to stop")

	// Shut everything down once the first component fails or a signal arrives.
	g.Go(func() error {
		<-gctx.Done()
		if sup != nil {
			sup.Stop()
		}
		return mux.Close()
	})

	err = g.Wait()

	if jrnl != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		jrnl.Stop(shutdownCtx)
	}

	if errors.Is(err, transport.ErrClosed) {
		return nil
	}
	return err
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func loadCredentials(cfg config.TransportConfig) (*auth.Credentials, error) {
	switch {
	case cfg.APIKey == "":
		return nil, nil
	case cfg.APISecretFile != "":
		return auth.LoadCredentials(cfg.APIKey, cfg.APISecretFile)
	default:
		return auth.NewCredentials(cfg.APIKey, cfg.APISecret)
	}
}

// webSocketDialer signs every handshake with a fresh nonce.
func webSocketDialer(cfg config.TransportConfig, creds *auth.Credentials, logger *slog.Logger) session.Dialer {
	return session.DialFunc(func(ctx context.Context) (transport.Conn, error) {
		header := http.Header{}
		if cfg.Origin != "" {
			header.Set("Origin", cfg.Origin)
		}
		if creds != nil {
			for k, v := range creds.SignRequest() {
				header.Set(k, v)
			}
		}

		return session.WebSocketDialer(connection.ClientConfig{
			URL:          cfg.WSURL,
			Header:       header,
			PingInterval: cfg.PingInterval,
			PingTimeout:  cfg.PingTimeout,
			WriteTimeout: cfg.WriteTimeout,
			BufferSize:   cfg.BufferSize,
		}, logger).Dial(ctx)
	})
}

// parseKeys splits a comma-separated key list, skipping blanks.
func parseKeys(s string) []subscription.Key {
	var keys []subscription.Key
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			keys = append(keys, subscription.Key(part))
		}
	}
	return keys
}

func logPush(key subscription.Key, logger *slog.Logger) subscription.Callback {
	return func(msg codec.Message) {
		data, err := codec.Encode(msg)
		if err != nil {
			logger.Warn("unprintable push", "key", key, "error", err)
			return
		}
		logger.Info("push", "key", key, "message", string(data))
	}
}

// heartbeatLoop sends TestRequest messages and logs the round trip.
func heartbeatLoop(ctx context.Context, mux transport.Transport, sup *session.Supervisor, proto codec.Protocol, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if sup != nil && !sup.Connected() {
			continue
		}

		start := time.Now()
		call, err := mux.Submit(ctx, transport.Request{
			Message: codec.Message{proto.TypeField: "1", "TestReqID": nil},
			IDField: "TestReqID",
		})
		if err != nil {
			logger.Warn("heartbeat failed", "error", err)
			continue
		}
		if _, err := call.Wait(ctx); err != nil {
			logger.Warn("heartbeat failed", "id", call.ID(), "error", err)
			continue
		}
		logger.Debug("heartbeat", "id", call.ID(), "rtt", time.Since(start))
	}
}

// statsLoop logs a stats line every 30 seconds.
func statsLoop(ctx context.Context, stream *transport.Stream, oneShot *transport.OneShot, sup *session.Supervisor, logger *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if stream != nil {
			s := stream.Stats()
			logger.Info("stats",
				"received", s.Dispatch.Received,
				"correlated", s.Dispatch.Correlated,
				"published", s.Dispatch.Published,
				"unmatched", s.Dispatch.Unmatched,
				"outstanding", s.Table.Outstanding,
				"listeners", s.Registry.Subscriptions,
				"dropped", s.Registry.Dropped,
			)
		}
		if oneShot != nil {
			s := oneShot.Stats()
			logger.Info("stats",
				"requests", s.Requests,
				"retries", s.Retries,
				"failures", s.Failures,
				"outstanding", s.Table.Outstanding,
			)
		}
		if sup != nil {
			s := sup.Stats()
			logger.Info("session",
				"connected", s.Connected,
				"reconnects", s.Reconnects,
				"dial_failures", s.Failures,
			)
		}
	}
}
