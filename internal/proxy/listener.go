package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jelmer/ctrlproxy/internal/constants"
	"github.com/jelmer/ctrlproxy/internal/logger"
	"github.com/jelmer/ctrlproxy/internal/transport"
	"github.com/rs/zerolog"
)

// ListenerConfig describes one place clients connect to
type ListenerConfig struct {
	Name    string
	Address string

	// TLS is optional TLS configuration for the listener
	TLS *tls.Config

	// WebSocket serves clients over WebSocket at Path instead of raw TCP
	WebSocket bool
	Path      string

	Client ClientOptions
}

// Listener accepts clients and hands them to the multiplexer
type Listener struct {
	cfg ListenerConfig
	mux *Multiplexer
	ln  net.Listener
	log zerolog.Logger

	upgrader websocket.Upgrader
}

// NewListener creates a listener; nothing is bound until Listen
func NewListener(cfg ListenerConfig, mux *Multiplexer) *Listener {
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	return &Listener{
		cfg: cfg,
		mux: mux,
		log: logger.WithComponent("listener").With().Str("listener", cfg.Name).Logger(),
		upgrader: websocket.Upgrader{
			Subprotocols: []string{"text.ircv3.net"},
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Listen binds the configured address
func (l *Listener) Listen() error {
	ln, err := net.Listen("tcp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.cfg.Address, err)
	}
	if l.cfg.TLS != nil {
		ln = tls.NewListener(ln, l.cfg.TLS)
	}
	l.ln = ln
	l.log.Info().Str("address", ln.Addr().String()).Bool("tls", l.cfg.TLS != nil).Bool("websocket", l.cfg.WebSocket).Msg("Listening for clients")
	return nil
}

// Addr returns the bound address
func (l *Listener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Serve accepts clients until ctx is cancelled. Listen must have succeeded.
func (l *Listener) Serve(ctx context.Context) error {
	if l.ln == nil {
		if err := l.Listen(); err != nil {
			return err
		}
	}
	if l.cfg.WebSocket {
		return l.serveWebSocket(ctx)
	}

	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				l.log.Warn().Err(err).Msg("Temporary accept failure")
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return fmt.Errorf("failed to accept client: %w", err)
		}
		l.admit(transport.FromConn(conn))
	}
}

func (l *Listener) serveWebSocket(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(l.cfg.Path, func(w http.ResponseWriter, r *http.Request) {
		conn, err := l.upgrader.Upgrade(w, r, nil)
		if err != nil {
			l.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
			return
		}
		l.admit(transport.FromWebSocket(conn))
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: constants.DialTimeout}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(l.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket listener failed: %w", err)
	}
	return nil
}

// admit creates the client on the loop
func (l *Listener) admit(ep transport.Endpoint) {
	l.log.Debug().Str("peer", ep.PeerName()).Msg("Accepted client")
	if !l.mux.Loop().Post(func() { NewClient(ep, l.mux, l.cfg.Client) }) {
		ep.Close()
	}
}
