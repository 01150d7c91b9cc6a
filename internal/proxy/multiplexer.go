// Package proxy lets any number of local clients share the upstream
// networks. It keeps attached clients in sync with the network state and
// replays what a network saw while nobody was attached.
package proxy

import (
	"errors"
	"sort"
	"time"

	"github.com/jelmer/ctrlproxy/internal/events"
	"github.com/jelmer/ctrlproxy/internal/irc"
	"github.com/jelmer/ctrlproxy/internal/linestack"
	"github.com/jelmer/ctrlproxy/internal/logger"
	"github.com/jelmer/ctrlproxy/internal/network"
	"github.com/jelmer/ctrlproxy/internal/reactor"
	"github.com/jelmer/ctrlproxy/internal/state"
	"github.com/rs/zerolog"
)

var (
	ErrUnknownNetwork   = errors.New("proxy: unknown network")
	ErrDuplicateNetwork = errors.New("proxy: network already registered")
	ErrNotAttached      = errors.New("proxy: client not attached")
)

// ServerName is the origin of replies the proxy generates itself
const ServerName = "ctrlproxy"

type networkEntry struct {
	net     *network.Network
	clients []*Client

	// view is the state clients were last shown; it outlives the
	// network's own reference when the connection drops
	view *state.State

	// since marks the end of history the last time every client was gone
	since linestack.Marker
}

// Multiplexer owns the networks and the clients attached to them. All
// methods run on the loop.
type Multiplexer struct {
	loop     *reactor.Loop
	stack    *linestack.Stack
	hooks    *events.EventBus
	networks map[string]*networkEntry
	log      zerolog.Logger
}

// NewMultiplexer creates a multiplexer. stack and hooks may be nil.
func NewMultiplexer(loop *reactor.Loop, stack *linestack.Stack, hooks *events.EventBus) *Multiplexer {
	if hooks == nil {
		hooks = events.NewEventBus()
	}
	return &Multiplexer{
		loop:     loop,
		stack:    stack,
		hooks:    hooks,
		networks: make(map[string]*networkEntry),
		log:      logger.WithComponent("proxy"),
	}
}

// Hooks returns the hook bus lines pass through
func (m *Multiplexer) Hooks() *events.EventBus { return m.hooks }

// Loop returns the loop everything runs on
func (m *Multiplexer) Loop() *reactor.Loop { return m.loop }

// AddNetwork registers n and starts observing it
func (m *Multiplexer) AddNetwork(n *network.Network) error {
	if _, ok := m.networks[n.Name()]; ok {
		return ErrDuplicateNetwork
	}
	m.networks[n.Name()] = &networkEntry{net: n}
	n.AddObserver(m)
	return nil
}

// Network looks up a registered network
func (m *Multiplexer) Network(name string) (*network.Network, bool) {
	e, ok := m.networks[name]
	if !ok {
		return nil, false
	}
	return e.net, true
}

// Networks returns the registered networks sorted by name
func (m *Multiplexer) Networks() []*network.Network {
	out := make([]*network.Network, 0, len(m.networks))
	for _, e := range m.networks {
		out = append(out, e.net)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Clients returns the clients attached to a network
func (m *Multiplexer) Clients(name string) []*Client {
	e, ok := m.networks[name]
	if !ok {
		return nil
	}
	return append([]*Client(nil), e.clients...)
}

// Attach adds c to a network. A client attached to a network that is not
// ready yet is held back until login completes; a disconnected network is
// asked to connect.
func (m *Multiplexer) Attach(c *Client, name string) error {
	e, ok := m.networks[name]
	if !ok {
		return ErrUnknownNetwork
	}
	if c.network != "" {
		m.Detach(c)
	}
	c.network = name
	c.pending = true
	e.clients = append(e.clients, c)

	m.log.Info().Str("client", c.ID()).Str("network", name).Msg("Client attached")
	m.hooks.Emit(&events.Event{
		Type:    events.EventClientAttached,
		Network: name,
		Client:  c.ID(),
		Source:  events.EventSourceClient,
	})

	if e.net.Ready() {
		m.activate(e, c)
		return nil
	}
	switch e.net.State() {
	case network.NotConnected, network.ReconnectPending:
		if err := e.net.Connect(); err != nil {
			c.notice("Unable to connect to " + name + ": " + err.Error())
		}
	}
	if !e.net.Ready() {
		c.notice("Waiting for " + name + " to finish connecting")
	}
	return nil
}

// activate brings a pending client up to date
func (m *Multiplexer) activate(e *networkEntry, c *Client) {
	c.pending = false
	if err := m.SendSync(c, e.net.Name()); err != nil {
		m.log.Warn().Err(err).Str("client", c.ID()).Msg("Failed to synchronise client")
		return
	}
	m.replayBacklog(e, c)
}

// Detach removes c from its network. When the last client leaves, the
// current position in the history is remembered for the next attach.
func (m *Multiplexer) Detach(c *Client) {
	e, ok := m.networks[c.network]
	if !ok {
		return
	}
	for i, x := range e.clients {
		if x == c {
			e.clients = append(e.clients[:i], e.clients[i+1:]...)
			break
		}
	}
	name := c.network
	c.network = ""
	c.synced = nil

	m.log.Info().Str("client", c.ID()).Str("network", name).Msg("Client detached")
	m.hooks.Emit(&events.Event{
		Type:    events.EventClientDetached,
		Network: name,
		Client:  c.ID(),
		Source:  events.EventSourceClient,
	})

	if len(e.clients) == 0 && m.stack != nil {
		marker, err := m.stack.Checkpoint(name, e.net.NetworkState())
		if err != nil {
			return
		}
		m.stack.FreeMarker(e.since)
		e.since = marker
	}
}

// Broadcast sends l to every client of a network that is up to date,
// except the given one
func (m *Multiplexer) Broadcast(name string, l *irc.Line, except *Client) {
	e, ok := m.networks[name]
	if !ok {
		return
	}
	for _, c := range e.clients {
		if c == except || c.pending {
			continue
		}
		c.Send(l)
	}
}

// SendSync brings c up to the network's current state. A client that saw
// an earlier state of the network gets only the difference.
func (m *Multiplexer) SendSync(c *Client, name string) error {
	e, ok := m.networks[name]
	if !ok {
		return ErrUnknownNetwork
	}
	if c.network != name {
		return ErrNotAttached
	}
	st := e.net.NetworkState()
	if st == nil {
		return linestack.ErrNoState
	}

	// a diff carries its own NICK change
	if c.synced == nil && c.nick != "" && !st.Info.Equal(c.nick, st.Me.Nick) {
		c.Send(irc.NewLine(c.nick, "NICK", st.Me.Nick))
	}
	c.nick = st.Me.Nick

	lines := state.Diff(c.synced, st, e.net.ServerName())
	c.synced = nil
	c.pending = false
	return c.SendAll(lines)
}

// replayBacklog sends the messages stored since every client went away.
// The state at that point tells whose hostmask sent our own lines.
func (m *Multiplexer) replayBacklog(e *networkEntry, c *Client) {
	if m.stack == nil || e.since == nil {
		return
	}
	name := e.net.Name()
	now, err := m.stack.GetMarker(name)
	if err != nil {
		return
	}
	defer m.stack.FreeMarker(now)

	me := ""
	if st := e.net.NetworkState(); st != nil {
		me = st.Me.Hostmask()
	}
	then, err := m.stack.GetState(name, e.since)
	if err != nil {
		then = nil
	}

	var lines []*irc.Line
	err = m.stack.Traverse(name, e.since, now, func(l *irc.Line, dir linestack.Direction, t time.Time) error {
		if dir == linestack.FromServer && then != nil {
			then.HandleLine(l)
		}
		if !l.Is("PRIVMSG") && !l.Is("NOTICE") {
			return nil
		}
		out := l.Copy()
		if dir == linestack.ToServer {
			out.Origin = me
			if then != nil {
				out.Origin = then.Me.Hostmask()
			}
		}
		if out.Tags == nil {
			out.Tags = make(map[string]string)
		}
		out.Tags["time"] = t.UTC().Format("2006-01-02T15:04:05.000Z")
		lines = append(lines, out)
		return nil
	})
	if err != nil {
		m.log.Warn().Err(err).Str("network", name).Msg("Failed to replay history")
	}
	if len(lines) > 0 {
		m.log.Debug().Str("client", c.ID()).Int("lines", len(lines)).Msg("Replaying history")
		c.SendAll(lines)
	}
}

// route handles a registered client's line bound for its network
func (m *Multiplexer) route(c *Client, l *irc.Line) {
	e, ok := m.networks[c.network]
	if !ok {
		return
	}
	ev := &events.Event{
		Type:    events.EventClientLine,
		Network: c.network,
		Client:  c.ID(),
		Line:    l,
		Source:  events.EventSourceClient,
	}
	if !m.hooks.Emit(ev) {
		return
	}
	l = ev.Line

	if err := e.net.Send(l); err != nil {
		c.notice("Not connected to " + c.network)
		return
	}
	if m.stack != nil {
		m.stack.InsertLine(c.network, l, linestack.ToServer, e.net.NetworkState())
	}

	if (l.Is("PRIVMSG") || l.Is("NOTICE")) && !isCTCPRequest(l) {
		if st := e.net.NetworkState(); st != nil {
			m.Broadcast(c.network, l.WithOrigin(st.Me.Hostmask()), c)
		}
	}
}

// isCTCPRequest reports whether l is a CTCP query other than ACTION
func isCTCPRequest(l *irc.Line) bool {
	text := l.Arg(2)
	if len(text) < 2 || text[0] != '\x01' {
		return false
	}
	return !(len(text) >= 7 && text[1:7] == "ACTION")
}

// NetworkLine implements network.Observer
func (m *Multiplexer) NetworkLine(n *network.Network, l *irc.Line) {
	e, ok := m.networks[n.Name()]
	if !ok {
		return
	}
	ev := &events.Event{
		Type:    events.EventServerLine,
		Network: n.Name(),
		Line:    l,
		Source:  events.EventSourceServer,
	}
	if !m.hooks.Emit(ev) {
		return
	}
	l = ev.Line

	if m.stack != nil {
		if stored, err := m.stack.InsertLine(n.Name(), l, linestack.FromServer, n.NetworkState()); stored && err == nil {
			m.hooks.Emit(&events.Event{
				Type:    events.EventLineStored,
				Network: n.Name(),
				Line:    l,
				Source:  events.EventSourceSystem,
			})
		}
	}

	// login chatter is replaced by the welcome burst each client gets
	if !n.Ready() {
		return
	}
	renamed := ""
	if st := n.NetworkState(); st != nil && l.Is("NICK") && st.Info.Equal(l.Arg(1), st.Me.Nick) {
		renamed = st.Me.Nick
	}
	for _, c := range e.clients {
		if c.pending {
			continue
		}
		c.Send(l)
		if renamed != "" {
			c.nick = renamed
		}
	}
}

// NetworkReady implements network.Observer
func (m *Multiplexer) NetworkReady(n *network.Network) {
	e, ok := m.networks[n.Name()]
	if !ok {
		return
	}
	e.view = n.NetworkState()
	if m.stack != nil {
		m.stack.Snapshot(n.Name(), e.view)
	}
	for _, c := range append([]*Client(nil), e.clients...) {
		if c.pending && c.synced == nil {
			m.activate(e, c)
			continue
		}
		if err := m.SendSync(c, n.Name()); err != nil {
			m.log.Warn().Err(err).Str("client", c.ID()).Msg("Failed to resynchronise client")
		}
	}
	m.hooks.Emit(&events.Event{
		Type:    events.EventNetworkReady,
		Network: n.Name(),
		Source:  events.EventSourceSystem,
	})
}

// NetworkDown implements network.Observer. Clients stay attached and keep
// the last state they saw so they can be resynchronised by difference.
func (m *Multiplexer) NetworkDown(n *network.Network) {
	e, ok := m.networks[n.Name()]
	if !ok {
		return
	}
	for _, c := range e.clients {
		if !c.pending {
			c.synced = e.view
			c.pending = true
		}
		c.notice("Disconnected from " + n.Name())
	}
	e.view = nil
	m.hooks.Emit(&events.Event{
		Type:    events.EventNetworkDown,
		Network: n.Name(),
		Source:  events.EventSourceSystem,
	})
}
