// Command forkcored is a standalone daemon wrapping the forking engine
// with a sipgo transport, a chi-routed operational HTTP endpoint, and
// graceful shutdown, grounded on flowpbx-flowpbx/cmd/flowpbx/main.go's
// shape (config load, structured logging, signal-driven shutdown). Unlike
// flowpbx, this core has no dialplan/registrar of its own (spec.md marks
// URI resolution out of scope), so it operates in a single static mode:
// every stateful request it accepts is forked to one configured next-hop
// UriSet. Embedders with real URI resolution wire internal/core.Engine
// directly instead of running this binary.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/sipwire/forkcore/internal/config"
	"github.com/sipwire/forkcore/internal/core"
	"github.com/sipwire/forkcore/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	logger.Info("starting forkcored",
		"sip_port", cfg.SIPPort,
		"http_port", cfg.HTTPPort,
		"app_id", cfg.AppID,
		"tls", cfg.TLSEnabled(),
	)

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(cfg.AppID),
	)
	if err != nil {
		logger.Error("failed to create sip user agent", "error", err)
		os.Exit(1)
	}
	defer ua.Close()

	srv, err := sipgo.NewServer(ua, sipgo.WithServerLogger(logger.With("component", "sip-server")))
	if err != nil {
		logger.Error("failed to create sip server", "error", err)
		os.Exit(1)
	}

	client, err := sipgo.NewClient(ua, sipgo.WithClientLogger(logger.With("component", "sip-client")))
	if err != nil {
		logger.Error("failed to create sip client", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	admissionRate := rate.Limit(0)
	if cfg.AdmissionRatePerSec > 0 {
		admissionRate = rate.Limit(cfg.AdmissionRatePerSec)
	}
	router := core.NewRouter(core.RouterConfig{
		AppID:              cfg.AppID,
		Domain:             cfg.Domain,
		MaxForwardsDefault: uint8(cfg.MaxForwards),
		AdmissionRate:      admissionRate,
		AdmissionBurst:     cfg.AdmissionBurst,
	})

	startTime := time.Now()
	stats := &engineStatsRef{}
	collector := metrics.NewCollector(stats, startTime)
	prometheus.MustRegister(collector)

	engine := core.NewEngine(core.EngineConfig{
		Router:    router,
		Transport: client,
		Metrics:   collector,
		Log:       logger.With("component", "engine"),
	})
	stats.engine = engine

	targets := core.Normalize(cfg.NextHop)
	if targets.IsEmpty() {
		logger.Warn("no next-hop configured; every inbound request will receive 503 temporarily_unavailable", "flag", "-next-hop")
	}

	d := &daemon{engine: engine, targets: targets, log: logger}
	srv.OnInvite(d.handleRequest)
	srv.OnOptions(d.handleRequest)
	srv.OnRegister(d.handleRequest)
	srv.OnMessage(d.handleRequest)
	srv.OnAck(d.handleAck)
	srv.OnCancel(d.handleCancel)
	srv.OnBye(d.handleRequest)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf("0.0.0.0:%d", cfg.SIPPort)
		logger.Info("sip udp listener starting", "addr", addr)
		if err := srv.ListenAndServe(ctx, "udp", addr); err != nil {
			errCh <- fmt.Errorf("sip udp listener: %w", err)
		}
	}()

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      operationalRouter(engine),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case sig := <-ctx.Done():
		_ = sig
		logger.Info("received shutdown signal")
	case err := <-errCh:
		logger.Error("fatal listener error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	srv.Close()
	logger.Info("forkcored stopped")
}

// operationalRouter mounts the /metrics and /healthz endpoints a forking
// proxy needs for liveness/scraping, grounded on
// flowpbx-flowpbx/internal/api/server.go's chi-router shape (RequestID,
// RealIP, Recoverer middleware stack) and the Prometheus registry wired
// above.
func operationalRouter(stats metrics.CallStatsProvider) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok active_calls=%d active_branches=%d\n", stats.ActiveCallCount(), stats.ActiveForkBranchCount())
	})
	return r
}

// daemon bridges inbound sip.ServerTransaction events to the Engine,
// supplying the one thing this standalone binary hardcodes that a real
// embedder would resolve dynamically: the UriSet each request is forked
// to (spec.md explicitly delegates URI resolution to the caller).
type daemon struct {
	engine  *core.Engine
	targets core.UriSet
	log     *slog.Logger
}

func (d *daemon) handleRequest(req *sip.Request, tx sip.ServerTransaction) {
	d.engine.Route(context.Background(), req, serverTxBridge{tx}, d.targets, core.Options{})
}

// handleAck delivers ACK through the same Route path (spec.md §4.2 steps
// 5/6 special-case ACK internally), with no server transaction since
// sipgo requires ACK to go straight to the transport layer.
func (d *daemon) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	d.engine.Route(context.Background(), req, noopUAS{}, d.targets, core.Options{})
}

// handleCancel routes an inbound CANCEL to the Call already running for
// its Call-ID (spec.md §6 uac_cancel/fork_cancel), replying 200 to the
// CANCEL itself either way per RFC 3261 9.2.
func (d *daemon) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	if cid := req.CallID(); cid != nil {
		if !d.engine.Cancel(cid.Value()) {
			d.log.Debug("cancel for unknown or already-finished call", "call_id", cid.Value())
		}
	}
	_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
}

// serverTxBridge adapts a sip.ServerTransaction to core.UASBridge.
type serverTxBridge struct {
	tx sip.ServerTransaction
}

func (b serverTxBridge) Respond(res *sip.Response) error {
	return b.tx.Respond(res)
}

// noopUAS discards a response, used for ACK which carries no response of
// its own.
type noopUAS struct{}

func (noopUAS) Respond(*sip.Response) error { return nil }

// engineStatsRef defers to an *core.Engine set after construction, which
// breaks the construction cycle between metrics.NewCollector (wants a
// CallStatsProvider up front) and core.NewEngine (wants the collector as
// its EngineMetrics).
type engineStatsRef struct {
	engine *core.Engine
}

func (s *engineStatsRef) ActiveCallCount() int {
	if s.engine == nil {
		return 0
	}
	return s.engine.ActiveCallCount()
}

func (s *engineStatsRef) ActiveForkBranchCount() int {
	if s.engine == nil {
		return 0
	}
	return s.engine.ActiveForkBranchCount()
}
