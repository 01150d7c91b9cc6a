package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jelmer/ctrlproxy/internal/config"
	"github.com/jelmer/ctrlproxy/internal/constants"
	"github.com/jelmer/ctrlproxy/internal/events"
	"github.com/jelmer/ctrlproxy/internal/linestack"
	"github.com/jelmer/ctrlproxy/internal/logger"
	"github.com/jelmer/ctrlproxy/internal/metrics"
	"github.com/jelmer/ctrlproxy/internal/network"
	"github.com/jelmer/ctrlproxy/internal/proxy"
	"github.com/jelmer/ctrlproxy/internal/reactor"
	"golang.org/x/sync/errgroup"
)

// App wires the configured networks, listeners and history together
type App struct {
	cfg       *config.Config
	loop      *reactor.Loop
	stack     *linestack.Stack
	metrics   *metrics.Metrics
	mux       *proxy.Multiplexer
	networks  []*network.Network
	listeners []*proxy.Listener
}

// NewApp builds everything the configuration describes; nothing connects or
// listens until Run
func NewApp(cfg *config.Config) (*App, error) {
	stack, err := linestack.NewRegistry().Open(cfg.Global.Linestack, cfg.Global.LinestackConfig())
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	hooks := events.NewEventBus()
	m.Subscribe(hooks)
	stack.OnInsert = m.ObserveInsert

	loop := reactor.New()
	app := &App{
		cfg:     cfg,
		loop:    loop,
		stack:   stack,
		metrics: m,
		mux:     proxy.NewMultiplexer(loop, stack, hooks),
	}

	virtuals := network.NewVirtualRegistry()
	for _, nc := range cfg.Networks {
		app.networks = append(app.networks, network.New(nc, loop, network.Options{Virtuals: virtuals}))
	}
	for _, lc := range cfg.Listeners {
		pc, err := lc.ProxyConfig()
		if err != nil {
			stack.Close()
			return nil, err
		}
		app.listeners = append(app.listeners, proxy.NewListener(pc, app.mux))
	}
	return app, nil
}

// Run serves until ctx is cancelled, then says goodbye to every network
func (a *App) Run(ctx context.Context) error {
	defer a.stack.Close()

	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	loopDone := make(chan error, 1)
	go func() { loopDone <- a.loop.Run(loopCtx) }()

	err := a.loop.Do(func() {
		for _, n := range a.networks {
			if err := a.mux.AddNetwork(n); err != nil {
				logger.Log.Error().Err(err).Str("network", n.Name()).Msg("Skipping network")
				continue
			}
			if n.Autoconnect() {
				if err := n.Connect(); err != nil {
					logger.Log.Warn().Err(err).Str("network", n.Name()).Msg("Failed to connect")
				}
			}
		}
	})
	if err != nil {
		return err
	}

	for _, l := range a.listeners {
		if err := l.Listen(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return ctx.Err()
	})
	for _, l := range a.listeners {
		l := l
		g.Go(func() error { return l.Serve(gctx) })
	}
	if addr := a.cfg.Global.MetricsAddress; addr != "" {
		g.Go(func() error { return a.serveMetrics(gctx, addr) })
	}
	logger.Log.Info().Int("networks", len(a.networks)).Int("listeners", len(a.listeners)).Msg("ctrlproxy running")

	err = g.Wait()
	a.shutdown()
	stopLoop()
	<-loopDone
	return err
}

func (a *App) serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	logger.Log.Info().Str("address", addr).Msg("Serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}

// shutdown closes every network with a QUIT and waits until each
// connection has written it or given up
func (a *App) shutdown() {
	logger.Log.Info().Msg("Shutting down")
	var pending []<-chan struct{}
	err := a.loop.Do(func() {
		for _, n := range a.networks {
			pending = append(pending, n.Close("ctrlproxy shutting down"))
		}
	})
	if err != nil {
		logger.Log.Warn().Err(err).Msg("Loop already stopped")
		return
	}
	deadline := time.After(constants.ShutdownTimeout)
	for _, done := range pending {
		select {
		case <-done:
		case <-deadline:
			logger.Log.Warn().Msg("Gave up waiting for connections to close")
			return
		}
	}
}
