package proxy

import (
	"crypto/subtle"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jelmer/ctrlproxy/internal/constants"
	"github.com/jelmer/ctrlproxy/internal/irc"
	"github.com/jelmer/ctrlproxy/internal/isupport"
	"github.com/jelmer/ctrlproxy/internal/logger"
	"github.com/jelmer/ctrlproxy/internal/reactor"
	"github.com/jelmer/ctrlproxy/internal/state"
	"github.com/jelmer/ctrlproxy/internal/transport"
	"github.com/rs/zerolog"
)

// ClientOptions configure how a listener admits clients
type ClientOptions struct {
	// Password, when set, must be given with PASS
	Password string
	// DefaultNetwork is used when PASS names no network
	DefaultNetwork string
	// Charset of the client connection, empty for pass-through
	Charset string
	// RegistrationTimeout bounds the time between accept and USER/NICK
	RegistrationTimeout time.Duration
}

// Client is one local connection. It is owned by the multiplexer's
// attachment table once registered.
type Client struct {
	id   string
	mux  *Multiplexer
	tr   *transport.Transport
	opts ClientOptions
	log  zerolog.Logger

	pass       string
	nick       string
	username   string
	realname   string
	registered bool
	closed     bool
	regTimer   *reactor.Timer

	// network is a lookup key, not an owning reference
	network string
	pending bool
	synced  *state.State
}

// NewClient wraps an accepted endpoint. Must be called on the loop.
func NewClient(ep transport.Endpoint, mux *Multiplexer, opts ClientOptions) *Client {
	if opts.RegistrationTimeout <= 0 {
		opts.RegistrationTimeout = constants.ClientRegistrationTimeout
	}
	c := &Client{
		id:   uuid.NewString(),
		mux:  mux,
		opts: opts,
	}
	c.log = logger.WithComponent("client").With().Str("client", c.id).Str("peer", ep.PeerName()).Logger()
	c.tr = transport.New(ep, mux.Loop(), c)
	if err := c.tr.SetCharset(opts.Charset); err != nil {
		c.log.Warn().Err(err).Str("charset", opts.Charset).Msg("Unsupported client charset, passing bytes through")
	}
	c.regTimer = mux.Loop().AfterFunc(opts.RegistrationTimeout, func() {
		if !c.registered {
			c.Close("Registration timed out")
		}
	})
	c.tr.Activate()
	c.log.Debug().Msg("Client connected")
	return c
}

// ID returns the client's unique id
func (c *Client) ID() string { return c.id }

// Nick returns the nick the client knows itself by
func (c *Client) Nick() string { return c.nick }

// Network returns the name of the network the client is attached to
func (c *Client) Network() string { return c.network }

// Registered reports whether the client completed NICK/USER
func (c *Client) Registered() bool { return c.registered }

// Send queues a line for the client. A dead connection is dropped when its
// hangup is reported, not here.
func (c *Client) Send(l *irc.Line) {
	if c.closed {
		return
	}
	if err := c.tr.Send(l); err != nil {
		c.log.Debug().Err(err).Msg("Failed to send to client")
	}
}

// SendAll queues lines in order
func (c *Client) SendAll(lines []*irc.Line) error {
	if c.closed {
		return transport.ErrHangup
	}
	return c.tr.SendAll(lines)
}

func (c *Client) reply(args ...string) {
	nick := c.nick
	if nick == "" {
		nick = "*"
	}
	l := irc.NewLine(ServerName, append([]string{args[0], nick}, args[1:]...)...)
	l.HasTrailing = len(args) > 1
	c.Send(l)
}

func (c *Client) notice(text string) {
	nick := c.nick
	if nick == "" {
		nick = "*"
	}
	c.Send(irc.NewLine(ServerName, "NOTICE", nick, text))
}

// Close sends ERROR, detaches and drops the connection
func (c *Client) Close(reason string) {
	if c.closed {
		return
	}
	c.Send(irc.NewLine("", "ERROR", reason))
	c.release()
	c.tr.Close()
}

// drop handles a connection that is already gone
func (c *Client) drop() {
	if c.closed {
		return
	}
	c.release()
	c.tr.Disconnect()
}

func (c *Client) release() {
	c.closed = true
	c.regTimer.Stop()
	if c.network != "" {
		c.mux.Detach(c)
	}
	c.log.Debug().Msg("Client gone")
}

// TransportLine implements transport.Handler
func (c *Client) TransportLine(_ *transport.Transport, l *irc.Line) {
	if c.closed {
		return
	}
	switch l.Command() {
	case "PING":
		c.Send(irc.NewLine(ServerName, "PONG", ServerName, l.Arg(1)))
		return
	case "QUIT":
		c.Close("Bye")
		return
	case "CAP":
		c.handleCap(l)
		return
	}
	if !c.registered {
		c.register(l)
		return
	}
	switch l.Command() {
	case "PASS", "USER":
		c.reply(irc.ERR_ALREADYREGISTRED, "You may not reregister")
	case "PONG":
	default:
		c.mux.route(c, l)
	}
}

// TransportCharsetError implements transport.Handler
func (c *Client) TransportCharsetError(_ *transport.Transport, raw []byte, err error) {
	c.log.Warn().Err(err).Int("bytes", len(raw)).Msg("Dropping undecodable client line")
}

// TransportHangup implements transport.Handler
func (c *Client) TransportHangup(*transport.Transport) {
	c.drop()
}

// TransportError implements transport.Handler
func (c *Client) TransportError(_ *transport.Transport, err error) {
	c.log.Warn().Err(err).Msg("Client connection failed")
	c.drop()
}

// handleCap answers capability negotiation with an empty list so clients
// that always start with CAP LS do not stall
func (c *Client) handleCap(l *irc.Line) {
	nick := c.nick
	if nick == "" {
		nick = "*"
	}
	switch strings.ToUpper(l.Arg(1)) {
	case "LS", "LIST":
		c.Send(irc.NewLine(ServerName, "CAP", nick, strings.ToUpper(l.Arg(1)), ""))
	case "REQ":
		c.Send(irc.NewLine(ServerName, "CAP", nick, "NAK", l.Arg(2)))
	}
}

func (c *Client) register(l *irc.Line) {
	switch l.Command() {
	case "PASS":
		if l.Arg(1) == "" {
			c.reply(irc.ERR_NEEDMOREPARAMS, "PASS", "Not enough parameters")
			return
		}
		c.pass = l.Arg(1)
	case "NICK":
		if l.Arg(1) == "" {
			c.reply(irc.ERR_NONICKNAMEGIVEN, "No nickname given")
			return
		}
		c.nick = l.Arg(1)
	case "USER":
		if len(l.Params()) < 4 {
			c.reply(irc.ERR_NEEDMOREPARAMS, "USER", "Not enough parameters")
			return
		}
		c.username = l.Arg(1)
		c.realname = l.Arg(4)
	default:
		c.reply(irc.ERR_NOTREGISTERED, "You have not registered")
		return
	}
	if c.nick != "" && c.username != "" {
		c.completeRegistration()
	}
}

// splitPass takes "network:password" apart. A bare word is a password for
// the default network, unless it names a network and no password is set.
func (c *Client) splitPass() (network, password string) {
	if name, pw, ok := strings.Cut(c.pass, ":"); ok {
		return name, pw
	}
	if c.opts.Password == "" && c.pass != "" {
		if _, ok := c.mux.Network(c.pass); ok {
			return c.pass, ""
		}
	}
	return c.opts.DefaultNetwork, c.pass
}

func (c *Client) completeRegistration() {
	name, password := c.splitPass()
	if c.opts.Password != "" && subtle.ConstantTimeCompare([]byte(password), []byte(c.opts.Password)) != 1 {
		c.log.Warn().Msg("Client gave a wrong password")
		c.reply(irc.ERR_PASSWDMISMATCH, "Password incorrect")
		c.Close("Bad password")
		return
	}
	n, ok := c.mux.Network(name)
	if !ok {
		c.log.Warn().Str("network", name).Msg("Client asked for an unknown network")
		c.Close("No such network: " + name)
		return
	}

	c.registered = true
	c.regTimer.Stop()
	c.log = c.log.With().Str("network", name).Logger()

	info := n.Info()
	if st := n.NetworkState(); st != nil {
		c.nick = st.Me.Nick
	}
	c.welcome(n.ServerName(), info)

	if err := c.mux.Attach(c, name); err != nil {
		c.Close(err.Error())
	}
}

// welcome sends the registration burst a server would
func (c *Client) welcome(server string, info *isupport.Info) {
	c.reply(irc.RPL_WELCOME, "Welcome to the ctrlproxy Internet Relay Chat Network "+c.nick)
	c.reply(irc.RPL_YOURHOST, "Your host is "+ServerName+", running "+server)
	c.reply(irc.RPL_CREATED, "This server was created at proxy startup")
	c.Send(irc.NewLine(ServerName, irc.RPL_MYINFO, c.nick, ServerName, "ctrlproxy", "iowrs", "beIklimnpst"))

	if info == nil {
		info = isupport.New()
	}
	tokens := info.Tokens()
	for len(tokens) > 0 {
		n := min(len(tokens), 13)
		args := append([]string{irc.RPL_ISUPPORT, c.nick}, tokens[:n]...)
		args = append(args, "are supported by this server")
		c.Send(irc.NewLine(ServerName, args...))
		tokens = tokens[n:]
	}
	c.reply(irc.ERR_NOMOTD, "MOTD File is missing")
}
