// Package main runs the AutoSync dashboard core: one telemetry session and a
// local console API that renderers poll and post input events to.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"github.com/WessleyAI/autosync/engine/session"
	"github.com/WessleyAI/autosync/engine/telemetry"
	"github.com/WessleyAI/autosync/internal/config"
	"github.com/WessleyAI/autosync/internal/tracing"
	"github.com/WessleyAI/autosync/pkg/backend"
	"github.com/WessleyAI/autosync/pkg/fn"
	"github.com/WessleyAI/autosync/pkg/metrics"
	"github.com/WessleyAI/autosync/pkg/natsutil"
	"github.com/WessleyAI/autosync/pkg/resilience"
)

type flags struct {
	configFile string
	envFile    string
	addr       string
	logLevel   string
}

func parseFlags(args []string) (flags, error) {
	var f flags
	fs := pflag.NewFlagSet("dashboard", pflag.ContinueOnError)
	fs.StringVarP(&f.configFile, "config", "c", "", "YAML config file (default: "+config.DefaultFile+" if present)")
	fs.StringVar(&f.envFile, "env-file", "", "dotenv file (default: .env if present)")
	fs.StringVar(&f.addr, "addr", "", "console API listen address (overrides console.addr)")
	fs.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides log.level)")
	if err := fs.Parse(args); err != nil {
		return flags{}, err
	}
	return f, nil
}

func main() {
	f, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	cfg, err := config.Load(config.Options{File: f.configFile, EnvFile: f.envFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if f.addr != "" {
		cfg.Console.Addr = f.addr
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}

	logger, err := newLogger(cfg.Log, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("dashboard exited with error", "err", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(cfg.Tracing.ServiceName, cfg.Tracing.Stdout, os.Stderr, logger)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error("tracing shutdown failed", "err", err)
		}
	}()

	reg := metrics.New()
	sessionID := uuid.NewString()
	opts := []session.Option{
		session.WithID(sessionID),
		session.WithLogger(logger),
		session.WithMetrics(reg),
	}

	// --- Optional event bus ---
	var nc *nats.Conn
	var bus session.EventSink
	if cfg.NATS.URL != "" {
		nc, err = natsutil.Connect(cfg.NATS.URL, cfg.Tracing.ServiceName, logger)
		if err != nil {
			return err
		}
		defer nc.Drain()
		prefix := sessionSubject(cfg.NATS.SubjectPrefix, sessionID)
		bus = natsutil.NewPublisher(nc, prefix)
		logger.Info("publishing session events", "subject", prefix+".>")
	}
	events := newBroadcaster(bus, logger)
	opts = append(opts, session.WithEventSink(events))

	sess := buildSession(cfg, logger, reg, opts...)
	defer sess.Close()

	if nc != nil {
		sub, err := subscribeInput(nc, cfg.NATS.SubjectPrefix, sess, logger)
		if err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
		defer sub.Unsubscribe()
	}

	go startSession(ctx, sess, cfg.Stream, logger)

	srv := &http.Server{
		Addr:         cfg.Console.Addr,
		Handler:      newConsole(sess, events, reg, cfg.Console, cfg.Tracing.ServiceName, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Backend.RequestTimeout + 15*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("console api starting", "addr", cfg.Console.Addr, "session", sessionID)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sess.Close(); err != nil {
		logger.Warn("session close", "err", err)
	}
	return srv.Shutdown(shutCtx)
}

func buildSession(cfg config.Config, logger *slog.Logger, reg *metrics.Registry, opts ...session.Option) *session.Session {
	be := backend.New(cfg.Backend.BaseURL,
		backend.WithTimeout(cfg.Backend.RequestTimeout),
		backend.WithRateLimit(rate.Limit(cfg.Backend.RateLimit), cfg.Backend.RateBurst),
		backend.WithBreaker(resilience.BreakerOpts{
			FailThreshold: cfg.Backend.BreakerThreshold,
			Timeout:       cfg.Backend.BreakerTimeout,
		}),
		backend.WithMetrics(reg),
		backend.WithLogger(logger),
	)
	stream := telemetry.New(cfg.Stream.URL,
		telemetry.WithBackoff(streamBackoff(cfg.Stream)),
		telemetry.WithReadTimeout(cfg.Stream.ReadTimeout),
		telemetry.WithMetrics(reg),
		telemetry.WithLogger(logger),
	)
	return session.New(stream, be, opts...)
}

func streamBackoff(cfg config.StreamConfig) fn.Backoff {
	return fn.Backoff{
		Initial:     cfg.BackoffInitial,
		Max:         cfg.BackoffMax,
		MaxAttempts: cfg.MaxAttempts,
		Jitter:      true,
	}
}

// startSession retries the first stream connect with the stream backoff. The
// console keeps serving chat and prediction while the stream is down.
func startSession(ctx context.Context, sess *session.Session, cfg config.StreamConfig, logger *slog.Logger) {
	b := streamBackoff(cfg)
	for attempt := 0; ; attempt++ {
		err := sess.Start(ctx)
		if err == nil || errors.Is(err, session.ErrClosed) || errors.Is(err, session.ErrAlreadyStarted) {
			return
		}
		logger.Warn("telemetry stream unavailable", "attempt", attempt+1, "url", cfg.URL, "err", err)
		if b.Exhausted(attempt + 1) {
			logger.Error("giving up on telemetry stream", "attempts", attempt+1)
			return
		}
		if fn.Sleep(ctx, b.Delay(attempt)) != nil {
			return
		}
	}
}

func sessionSubject(prefix, id string) string {
	return prefix + ".session." + id
}
