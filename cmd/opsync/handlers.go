package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/opsync/internal/client"
	"github.com/haasonsaas/opsync/internal/config"
	"github.com/haasonsaas/opsync/internal/observability"
	"github.com/haasonsaas/opsync/internal/presence"
	"github.com/haasonsaas/opsync/internal/protocol"
	"github.com/haasonsaas/opsync/internal/realtime"
	"github.com/haasonsaas/opsync/internal/typing"
)

type watchOptions struct {
	configPath string
	threads    []string
	status     string
	debug      bool
}

// runWatch runs a client until ctx is cancelled or a shutdown signal arrives.
func runWatch(ctx context.Context, out io.Writer, opts watchOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", opts.configPath, err)
	}
	if opts.status != "" {
		if _, err := protocol.ParseStatus(opts.status); err != nil {
			return err
		}
		cfg.Presence.InitialStatus = opts.status
	}

	logCfg := observability.LogConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format}
	if opts.debug {
		logCfg.Level = "debug"
	}
	logger := observability.NewLogger(logCfg)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var metrics *observability.Metrics
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = observability.NewMetrics(reg)
		metricsServer, err = startMetricsServer(cfg.Metrics.Addr, reg, logger)
		if err != nil {
			return err
		}
	}

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.Rate(),
		EnableInsecure: cfg.Tracing.Insecure,
	})

	c, err := client.New(client.Options{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics,
		Tracer:  tracer,
	})
	if err != nil {
		return err
	}

	printer := &notificationPrinter{out: out}
	c.OnStateChange(printer.state)
	c.Presence().OnChange(printer.presence)
	for _, thread := range opts.threads {
		thread = strings.TrimSpace(thread)
		if coord := c.Typing(thread); coord != nil {
			coord.OnChange(func(users []typing.User) { printer.typing(thread, users) })
		}
	}

	if err := c.Start(); err != nil {
		return err
	}
	logger.Info("opsync watch started",
		"url", cfg.Connection.URL,
		"tenant_id", cfg.Connection.TenantID,
		"user_id", cfg.Connection.UserID,
		"threads", opts.threads,
	)

	<-ctx.Done()
	logger.Info("shutdown signal received, disconnecting")
	c.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", "error", err)
		}
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown failed", "error", err)
	}
	return nil
}

func startMetricsServer(addr string, reg *prometheus.Registry, logger *slog.Logger) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen: %w", err)
	}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", listener.Addr().String())
	return server, nil
}

// runConfigValidate loads the file at path and reports the effective endpoint.
func runConfigValidate(out io.Writer, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("invalid configuration %s: %w", path, err)
	}
	fmt.Fprintf(out, "Configuration OK: %s\n", path)
	fmt.Fprintf(out, "  endpoint:  %s\n", cfg.Connection.URL)
	fmt.Fprintf(out, "  tenant:    %s\n", cfg.Connection.TenantID)
	fmt.Fprintf(out, "  user:      %s (%s)\n", cfg.Connection.UserID, cfg.Connection.UserName)
	fmt.Fprintf(out, "  backoff:   %s x%.2g up to %s\n", cfg.Connection.BaseInterval, cfg.Connection.Factor, cfg.Connection.MaxInterval)
	fmt.Fprintf(out, "  heartbeat: %s, stale after %s\n", cfg.Presence.HeartbeatInterval, cfg.Presence.StaleTimeout)
	fmt.Fprintf(out, "  sources:   %s\n", strings.Join(cfg.Sources, ", "))
	return nil
}

// notificationPrinter writes one line per notification. Notifications arrive
// from several goroutines.
type notificationPrinter struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *notificationPrinter) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format+"\n", args...)
}

func (p *notificationPrinter) state(ev realtime.StateEvent) {
	switch {
	case ev.Exhausted:
		p.printf("connection: gave up reconnecting (%v)", ev.Err)
	case ev.Err != nil:
		p.printf("connection: %s -> %s (%v)", ev.Old, ev.New, ev.Err)
	default:
		p.printf("connection: %s -> %s", ev.Old, ev.New)
	}
}

func (p *notificationPrinter) presence(c presence.Change) {
	p.printf("presence: %s %s -> %s", c.UserID, c.Old, c.New)
}

func (p *notificationPrinter) typing(thread string, users []typing.User) {
	if len(users) == 0 {
		p.printf("typing[%s]: nobody", thread)
		return
	}
	names := make([]string, len(users))
	for i, u := range users {
		names[i] = u.UserName
	}
	p.printf("typing[%s]: %s", thread, strings.Join(names, ", "))
}
