// Package app wires the detection service together.
//
// The App struct owns the full lifecycle: New builds the engine and the HTTP
// surface from a config, Run serves until its context is cancelled, and
// Shutdown drains the server and releases providers.
//
// For testing, inject test doubles via functional options (WithMetrics,
// WithGatherer, WithListener).
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/amdetect/internal/amd"
	"github.com/MrWong99/amdetect/internal/config"
	"github.com/MrWong99/amdetect/internal/health"
	"github.com/MrWong99/amdetect/internal/observe"
	"github.com/MrWong99/amdetect/internal/resilience"
	"github.com/MrWong99/amdetect/internal/server"
	"github.com/MrWong99/amdetect/internal/speech"
	"github.com/MrWong99/amdetect/pkg/provider/stt"
)

// NamedSTT pairs an STT provider with the name it was configured under.
type NamedSTT struct {
	Name     string
	Provider stt.Provider
}

// Providers holds the STT backends built by main.go via the config
// registry. STT is required; fallbacks are tried in order when it cannot
// open a stream.
type Providers struct {
	STT          NamedSTT
	STTFallbacks []NamedSTT
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics  *observe.Metrics
	gatherer prometheus.Gatherer
	logLevel *slog.LevelVar
	version  string
	listener net.Listener
	watcher  *config.Watcher

	engine  *amd.Engine
	stt     *resilience.STTFallback
	handler http.Handler
	httpSrv *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics injects the metrics instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithGatherer sets the Prometheus registry served on /metrics.
// Default: [prometheus.DefaultGatherer].
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// WithLogLevel lets configuration reloads change the level of a logger
// built around lv.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithVersion sets the version reported by GET /.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// WithListener serves on l instead of listening on cfg.Server.ListenAddr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithWatcher runs w during Run and applies its reloads to the engine.
// The watcher must have been created with [App.OnConfigChange] as its
// callback, or with a callback that forwards to it.
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New builds the engine and HTTP surface from cfg and providers.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.STT.Provider == nil {
		return nil, fmt.Errorf("app: %w: no STT provider", amd.ErrEngineUnavailable)
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		gatherer:  prometheus.DefaultGatherer,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. STT failover group ────────────────────────────────────────────
	a.stt = resilience.NewSTTFallback(providers.STT.Provider, providers.STT.Name, resilience.FallbackConfig{
		OnFailure: func(name string, err error) {
			slog.Warn("stt provider failed to open stream", "provider", name, "err", err)
		},
	}, a.metrics)
	a.addCloser(providers.STT.Provider)
	for _, fb := range providers.STTFallbacks {
		a.stt.AddFallback(fb.Name, fb.Provider)
		a.addCloser(fb.Provider)
	}

	// ── 2. Decision engine ───────────────────────────────────────────────
	factory := speech.NewFactory(a.stt, speech.WithLanguage(cfg.Detection.Language))
	engine, err := amd.NewEngine(factory, amd.EngineConfig{
		Rules:   cfg.Detection.Rules(),
		Timing:  cfg.Detection.Timing(),
		Metrics: a.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.engine = engine

	// ── 3. HTTP surface ──────────────────────────────────────────────────
	mux := http.NewServeMux()
	server.New(engine,
		server.WithSampleRate(cfg.Detection.SampleRate),
		server.WithVersion(a.version),
	).Register(mux)
	health.New(engine, health.Checker{Name: "stt", Check: a.checkSTT}).Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	a.handler = observe.Middleware(a.metrics)(mux)

	slog.Info("detection engine ready",
		"stt", a.stt.Names(),
		"decision_timeout", engine.Timing().DecisionTimeout,
		"keywords", len(engine.Classifier().Keywords()),
	)
	return a, nil
}

// addCloser registers p for Shutdown if it holds resources.
func (a *App) addCloser(p stt.Provider) {
	if c, ok := p.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}
}

func (a *App) checkSTT(context.Context) error {
	if !a.engine.ModelLoaded() {
		return errors.New("all STT providers are unavailable")
	}
	return nil
}

// Engine returns the decision engine.
func (a *App) Engine() *amd.Engine { return a.engine }

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// ─── Config reload ───────────────────────────────────────────────────────────

// OnConfigChange applies the hot-reloadable parts of a new config. Sessions
// already running keep the rules and timing they started with.
func (a *App) OnConfigChange(_, new *config.Config, diff config.ConfigDiff) {
	if diff.RulesChanged {
		a.engine.SetRules(new.Detection.Rules())
		slog.Info("detection rules updated",
			"keywords", len(new.Detection.VoicemailKeywords),
			"greetings", len(new.Detection.HumanGreetings),
			"machine_speech_seconds", new.Detection.MachineSpeechSeconds,
		)
	}
	if diff.TimingChanged {
		a.engine.SetTiming(new.Detection.Timing())
		slog.Info("detection timing updated", "decision_timeout", a.engine.Timing().DecisionTimeout)
	}
	if diff.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(diff.NewLogLevel.SlogLevel())
		slog.Info("log level updated", "level", diff.NewLogLevel)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP, and polls the config file if a watcher is set, until ctx
// is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen on %s: %w", a.cfg.Server.ListenAddr, err)
		}
	}
	a.httpSrv = &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", ln.Addr().String())
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpSrv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpSrv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown", "err", err)
		}
		return nil
	})
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the HTTP server if it is still running and closes the
// providers. If ctx expires first, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "active_sessions", a.engine.ActiveSessions(), "closers", len(a.closers))

		if a.httpSrv != nil {
			if err := a.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Warn("http server shutdown error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
