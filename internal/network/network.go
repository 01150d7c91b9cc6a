// Package network maintains one upstream IRC connection per configured
// network: dialing, login, liveness checks and reconnection.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"time"

	"github.com/jelmer/ctrlproxy/internal/constants"
	"github.com/jelmer/ctrlproxy/internal/irc"
	"github.com/jelmer/ctrlproxy/internal/isupport"
	"github.com/jelmer/ctrlproxy/internal/logger"
	"github.com/jelmer/ctrlproxy/internal/reactor"
	"github.com/jelmer/ctrlproxy/internal/state"
	"github.com/jelmer/ctrlproxy/internal/transport"
	"github.com/rs/zerolog"
)

var (
	// ErrConnectInProgress is returned by Connect while a dial is outstanding
	ErrConnectInProgress = errors.New("network: connect already in progress")
	// ErrAlreadyConnected is returned by Connect on a live connection
	ErrAlreadyConnected = errors.New("network: already connected")
	// ErrNoServers is returned by Connect for a TCP network without servers
	ErrNoServers = errors.New("network: no servers configured")
	// ErrNotConnected is returned when sending on a network that is down
	ErrNotConnected = errors.New("network: not connected")
)

// State is the lifecycle stage of a network connection
type State int

const (
	NotConnected State = iota
	Connecting
	Connected
	LoginSent
	MotdReceived
	ReconnectPending
)

func (s State) String() string {
	switch s {
	case NotConnected:
		return "not-connected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case LoginSent:
		return "login-sent"
	case MotdReceived:
		return "motd-received"
	case ReconnectPending:
		return "reconnect-pending"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// SASLConfig selects a SASL mechanism for login
type SASLConfig struct {
	Mechanism string
	Username  string
	Password  string
}

// Config describes one network
type Config struct {
	Name     string
	Nick     string
	AltNicks []string
	Username string
	RealName string
	// Password is sent as PASS when the server entry has none
	Password string
	SASL     *SASLConfig
	Charset  string
	// Channels are joined once the MOTD has been received
	Channels    []string
	Autoconnect bool

	ReconnectInterval time.Duration
	PingInterval      time.Duration
	IdleTimeout       time.Duration
	SilenceTimeout    time.Duration

	Target Target
}

func (c *Config) setDefaults() {
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = constants.DefaultReconnectInterval
	}
	if c.PingInterval <= 0 {
		c.PingInterval = constants.PingCheckInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = constants.IdleThreshold
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = constants.SilenceThreshold
	}
}

// Observer is told about everything a network receives. Methods run on the
// loop.
type Observer interface {
	// NetworkLine is called for every line from upstream after the network
	// state has been updated with it
	NetworkLine(n *Network, l *irc.Line)
	// NetworkReady is called once login has completed
	NetworkReady(n *Network)
	// NetworkDown is called after the connection and its state are gone
	NetworkDown(n *Network)
}

// Options carries the collaborators of a network
type Options struct {
	Dial     DialFunc
	Virtuals *VirtualRegistry
}

// Network is one upstream connection. All methods must be called on the
// loop.
type Network struct {
	cfg      Config
	loop     *reactor.Loop
	dial     DialFunc
	virtuals *VirtualRegistry
	log      zerolog.Logger

	state     State
	tr        *transport.Transport
	info      *isupport.Info
	st        *state.State
	server    string
	current   *Server
	virtual   Virtual
	cmd       *exec.Cmd
	observers []Observer

	// gen invalidates the completion of dials that were abandoned
	gen        int
	cancelDial context.CancelFunc
	liveness   *reactor.Timer
	reconnect  *reactor.Timer
	connected  time.Time

	nickIndex   int
	pinged      bool
	sasl        irc.SASLClient
	saslBuf     irc.SASLBuffer
	capPending  bool
	autoconnect bool
}

// New creates a network in the NotConnected state
func New(cfg Config, loop *reactor.Loop, opts Options) *Network {
	cfg.setDefaults()
	if opts.Dial == nil {
		opts.Dial = Dial
	}
	if opts.Virtuals == nil {
		opts.Virtuals = NewVirtualRegistry()
	}
	n := &Network{
		cfg:         cfg,
		loop:        loop,
		dial:        opts.Dial,
		virtuals:    opts.Virtuals,
		autoconnect: cfg.Autoconnect,
		log:         logger.WithComponent("network").With().Str("network", cfg.Name).Logger(),
	}
	if t, ok := cfg.Target.(*TCPTarget); ok && len(t.Servers) == 0 && n.autoconnect {
		n.log.Warn().Msg("No servers configured, disabling autoconnect")
		n.autoconnect = false
	}
	return n
}

// Name returns the configured network name
func (n *Network) Name() string { return n.cfg.Name }

// Config returns the network's configuration
func (n *Network) Config() Config { return n.cfg }

// State returns the lifecycle state
func (n *Network) State() State { return n.state }

// Autoconnect reports whether the network should be connected at startup
func (n *Network) Autoconnect() bool { return n.autoconnect }

// Ready reports whether login has completed
func (n *Network) Ready() bool { return n.state == MotdReceived }

// Info returns the feature table of the current connection, or nil
func (n *Network) Info() *isupport.Info { return n.info }

// NetworkState returns the mirrored session, or nil before 001
func (n *Network) NetworkState() *state.State { return n.st }

// ServerName is the name the server uses as origin for its replies
func (n *Network) ServerName() string {
	if n.server != "" {
		return n.server
	}
	return n.cfg.Name
}

// CurrentServer returns the server of the current or last TCP connection
func (n *Network) CurrentServer() (Server, bool) {
	if n.current == nil {
		return Server{}, false
	}
	return *n.current, true
}

// AddObserver registers o for network events
func (n *Network) AddObserver(o Observer) {
	n.observers = append(n.observers, o)
}

// RemoveObserver unregisters o
func (n *Network) RemoveObserver(o Observer) {
	for i, x := range n.observers {
		if x == o {
			n.observers = append(n.observers[:i], n.observers[i+1:]...)
			return
		}
	}
}

// Connect starts connecting. It is only legal from NotConnected and
// ReconnectPending; a failed dial ends in ReconnectPending, not in an error.
func (n *Network) Connect() error {
	switch n.state {
	case Connecting:
		return ErrConnectInProgress
	case Connected, LoginSent, MotdReceived:
		return ErrAlreadyConnected
	}
	n.reconnect.Stop()
	n.reconnect = nil

	switch t := n.cfg.Target.(type) {
	case *TCPTarget:
		return n.connectTCP(t)
	case *ProgramTarget:
		return n.connectProgram(t)
	case *VirtualTarget:
		return n.connectVirtual(t)
	}
	return fmt.Errorf("network %s: no target configured", n.cfg.Name)
}

func (n *Network) connectTCP(t *TCPTarget) error {
	srv, ok := t.Next()
	if !ok {
		n.log.Warn().Msg("No servers configured, disabling autoconnect")
		n.autoconnect = false
		return ErrNoServers
	}
	n.current = &srv
	n.setState(Connecting)
	n.log.Info().Str("server", srv.Address()).Msg("Connecting")

	n.gen++
	gen := n.gen
	ctx, cancel := context.WithCancel(context.Background())
	n.cancelDial = cancel
	proxyURL := t.Proxy
	go func() {
		conn, err := n.dial(ctx, srv, proxyURL)
		if !n.loop.Post(func() { n.dialed(gen, srv, conn, err) }) && conn != nil {
			conn.Close()
		}
	}()
	return nil
}

func (n *Network) dialed(gen int, srv Server, conn net.Conn, err error) {
	if gen != n.gen || n.state != Connecting {
		if conn != nil {
			conn.Close()
		}
		return
	}
	n.cancelDial()
	n.cancelDial = nil
	if err != nil {
		n.log.Warn().Err(err).Str("server", srv.Address()).Msg("Failed to connect")
		n.lost()
		return
	}
	password := srv.Password
	if password == "" {
		password = n.cfg.Password
	}
	n.established(transport.FromConn(conn), password)
}

func (n *Network) connectProgram(t *ProgramTarget) error {
	n.setState(Connecting)
	ep, cmd, err := startProgram(t, n.log)
	if err != nil {
		n.log.Warn().Err(err).Str("command", t.Command).Msg("Failed to start program")
		n.lost()
		return nil
	}
	n.cmd = cmd
	n.established(ep, n.cfg.Password)
	return nil
}

func (n *Network) connectVirtual(t *VirtualTarget) error {
	v, err := n.virtuals.New(t.Name)
	if err != nil {
		return err
	}
	n.virtual = v
	n.info = isupport.New()
	n.connected = time.Now()
	n.setState(LoginSent)
	if err := v.Init(n); err != nil {
		n.virtual = nil
		n.info = nil
		n.setState(NotConnected)
		return fmt.Errorf("failed to initialise virtual network %s: %w", t.Name, err)
	}
	if n.virtual != v {
		// Init hung up on itself
		return nil
	}
	if n.st == nil {
		n.st = state.New(n.cfg.Name, n.info, n.cfg.Nick)
	}
	if n.state == LoginSent {
		n.motdReceived()
	}
	return nil
}

// established installs the transport of a fresh connection and logs in
func (n *Network) established(ep transport.Endpoint, password string) {
	n.tr = transport.New(ep, n.loop, n)
	if err := n.tr.SetCharset(n.cfg.Charset); err != nil {
		n.log.Warn().Err(err).Msg("Ignoring charset")
	}
	n.tr.Activate()
	n.info = isupport.New()
	n.connected = time.Now()
	n.pinged = false
	n.setState(Connected)
	n.log.Info().Str("peer", n.tr.PeerName()).Msg("Connected")

	n.liveness = n.loop.Every(n.cfg.PingInterval, n.checkLiveness)
	n.login(password)
}

func (n *Network) checkLiveness() {
	if n.tr == nil {
		return
	}
	last := n.tr.LastReceived()
	if last.IsZero() {
		last = n.connected
	}
	silence := time.Since(last)
	switch {
	case silence > n.cfg.SilenceTimeout:
		n.log.Warn().Dur("silence", silence).Msg("Ping timeout, reconnecting")
		n.teardown("Ping timeout")
		n.lost()
	case silence > n.cfg.IdleTimeout && !n.pinged:
		n.pinged = true
		n.send(irc.NewLine("", "PING", n.ServerName()))
	}
}

// Send forwards a line upstream
func (n *Network) Send(l *irc.Line) error {
	if n.virtual != nil {
		return n.virtual.HandleLine(n, l)
	}
	if n.tr == nil {
		return ErrNotConnected
	}
	return n.tr.Send(l)
}

func (n *Network) send(l *irc.Line) {
	if err := n.Send(l); err != nil {
		n.log.Warn().Err(err).Str("command", l.Command()).Msg("Failed to send line")
	}
}

// Inject processes l as if the server had sent it. Virtual networks use this
// to talk to their clients.
func (n *Network) Inject(l *irc.Line) {
	if n.down() {
		return
	}
	n.receive(l)
}

// Disconnect drops the connection with a QUIT and schedules a reconnect
func (n *Network) Disconnect(reason string) error {
	if n.down() {
		return ErrNotConnected
	}
	n.log.Info().Str("reason", reason).Msg("Disconnecting")
	n.teardown(reason)
	n.lost()
	return nil
}

// Close drops the connection without reconnecting. The returned channel is
// closed once the QUIT has been written or given up on.
func (n *Network) Close(reason string) <-chan struct{} {
	var done <-chan struct{} = closedChan
	if n.tr != nil {
		done = n.tr.Done()
	}
	n.reconnect.Stop()
	n.reconnect = nil
	if !n.down() {
		n.log.Info().Str("reason", reason).Msg("Closing")
		n.teardown(reason)
	}
	n.setState(NotConnected)
	return done
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// teardown releases the connection and discards everything learnt on it
func (n *Network) teardown(quit string) {
	wasUp := n.st != nil
	if n.tr != nil {
		if quit != "" && n.tr.Send(irc.NewLine("", "QUIT", quit)) == nil {
			n.tr.Close()
		} else {
			n.tr.Disconnect()
		}
		n.tr = nil
	}
	if n.cancelDial != nil {
		n.cancelDial()
		n.cancelDial = nil
	}
	n.gen++
	n.liveness.Stop()
	n.liveness = nil
	stopChild(n.cmd)
	n.cmd = nil
	if n.virtual != nil {
		n.virtual.Fini(n)
		n.virtual = nil
	}
	n.st = nil
	n.info = nil
	n.server = ""
	n.sasl = nil
	n.saslBuf = irc.SASLBuffer{}
	n.capPending = false
	n.nickIndex = 0
	n.pinged = false

	if wasUp {
		for _, o := range n.observers {
			o.NetworkDown(n)
		}
	}
}

// lost moves a torn down network on: a timer for TCP and program
// networks, a reconnect on the next loop turn for virtual ones
func (n *Network) lost() {
	n.reconnect.Stop()
	n.reconnect = nil
	if t, ok := n.cfg.Target.(*VirtualTarget); ok {
		n.setState(NotConnected)
		if t.Reconnectable {
			n.reconnect = n.loop.Soon(func() {
				n.reconnect = nil
				if err := n.Connect(); err != nil {
					n.log.Warn().Err(err).Msg("Failed to reconnect virtual network")
				}
			})
		}
		return
	}
	n.setState(ReconnectPending)
	n.reconnect = n.loop.AfterFunc(n.cfg.ReconnectInterval, func() {
		n.reconnect = nil
		if err := n.Connect(); err != nil {
			n.log.Warn().Err(err).Msg("Reconnect failed")
		}
	})
}

func (n *Network) down() bool {
	return n.state == NotConnected || n.state == ReconnectPending
}

func (n *Network) setState(s State) {
	if n.state == s {
		return
	}
	n.log.Debug().Stringer("from", n.state).Stringer("state", s).Msg("State change")
	n.state = s
}

// TransportLine implements transport.Handler
func (n *Network) TransportLine(t *transport.Transport, l *irc.Line) {
	if t != n.tr {
		return
	}
	n.receive(l)
}

// TransportCharsetError implements transport.Handler
func (n *Network) TransportCharsetError(_ *transport.Transport, raw []byte, err error) {
	n.log.Warn().Err(err).Bytes("raw", raw).Msg("Dropping line that could not be decoded")
}

// TransportHangup implements transport.Handler
func (n *Network) TransportHangup(t *transport.Transport) {
	if t != n.tr {
		return
	}
	n.log.Warn().Msg("Connection closed by server")
	n.teardown("")
	n.lost()
}

// TransportError implements transport.Handler
func (n *Network) TransportError(t *transport.Transport, err error) {
	if t != n.tr {
		return
	}
	n.log.Warn().Err(err).Msg("Connection error")
	n.teardown("")
	n.lost()
}
