// Package transport turns an Endpoint into framed, charset converted line
// I/O driven by a reactor loop.
package transport

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/jelmer/ctrlproxy/internal/irc"
	"github.com/jelmer/ctrlproxy/internal/logger"
	"github.com/jelmer/ctrlproxy/internal/reactor"
	"github.com/rs/zerolog"
)

// ErrHangup is returned by Send once the transport is disconnected
var ErrHangup = errors.New("transport: hangup")

// lingerTimeout bounds how long a disconnected transport waits for its
// in-flight write before the endpoint is closed regardless
const lingerTimeout = time.Second

// Handler receives transport events. All methods are called on the loop,
// in the order the events happened. After Disconnect no method is called.
type Handler interface {
	TransportLine(t *Transport, l *irc.Line)
	TransportCharsetError(t *Transport, raw []byte, err error)
	TransportHangup(t *Transport)
	TransportError(t *Transport, err error)
}

// Transport is one framed line connection. Its methods must be called from
// the loop.
type Transport struct {
	ep      Endpoint
	loop    *reactor.Loop
	handler Handler
	log     zerolog.Logger

	in, out *codec

	connected bool
	active    bool
	failed    bool

	// queue holds encoded lines while a write is in flight
	queue   [][]byte
	writing bool
	writes  chan []byte

	lastSent time.Time
	lastRecv time.Time

	release sync.Once
	done    chan struct{}
}

// New wraps an endpoint. Nothing is read until Activate.
func New(ep Endpoint, loop *reactor.Loop, h Handler) *Transport {
	return &Transport{
		ep:        ep,
		loop:      loop,
		handler:   h,
		connected: true,
		done:      make(chan struct{}),
		log:       logger.WithComponent("transport").With().Str("peer", ep.PeerName()).Logger(),
	}
}

// Activate starts reading and flushes anything sent before activation
func (t *Transport) Activate() {
	if t.active || !t.connected {
		return
	}
	t.active = true
	t.writes = make(chan []byte, 1)
	go t.readLoop(t.ep)
	go t.writeLoop(t.ep, t.writes)
	t.flush()
}

// SetHandler replaces the event receiver, e.g. when a client moves from
// registration to its network
func (t *Transport) SetHandler(h Handler) {
	t.handler = h
}

// SetCharset sets the charset used in both directions. An empty name
// disables conversion.
func (t *Transport) SetCharset(name string) error {
	return t.SetCharsets(name, name)
}

// SetCharsets sets the incoming and outgoing charsets independently
func (t *Transport) SetCharsets(in, out string) error {
	inc, err := lookupCharset(in)
	if err != nil {
		return err
	}
	outc, err := lookupCharset(out)
	if err != nil {
		return err
	}
	t.in, t.out = inc, outc
	return nil
}

// Charsets returns the configured incoming and outgoing charset names
func (t *Transport) Charsets() (in, out string) {
	return t.in.String(), t.out.String()
}

// Send encodes and writes a line. If a write is already in flight the line
// is queued behind it. It returns ErrHangup after Disconnect and an
// ErrCharset error if the line cannot be encoded.
func (t *Transport) Send(l *irc.Line) error {
	if !t.connected {
		return ErrHangup
	}
	data, err := t.out.encode(l.String())
	if err != nil {
		return err
	}
	data = append(data, '\r', '\n')
	t.lastSent = time.Now()
	t.queue = append(t.queue, data)
	t.flush()
	return nil
}

// SendAll sends lines in order, stopping at the first failure
func (t *Transport) SendAll(lines []*irc.Line) error {
	for _, l := range lines {
		if err := t.Send(l); err != nil {
			return err
		}
	}
	return nil
}

// flush hands the head of the queue to the writer when it is idle
func (t *Transport) flush() {
	if !t.active || t.writing || len(t.queue) == 0 {
		return
	}
	data := t.queue[0]
	t.queue[0] = nil
	t.queue = t.queue[1:]
	t.writing = true
	t.writes <- data
}

// closeEndpoint closes the endpoint once, from whichever goroutine gets
// there first
func (t *Transport) closeEndpoint() {
	t.release.Do(func() {
		t.ep.Close()
		close(t.done)
	})
}

func (t *Transport) writeLoop(ep Endpoint, writes <-chan []byte) {
	defer t.closeEndpoint()
	for data := range writes {
		_, err := ep.Write(data)
		t.loop.Post(func() { t.written(err) })
		if err != nil {
			return
		}
	}
}

func (t *Transport) written(err error) {
	if !t.connected {
		return
	}
	t.writing = false
	if err != nil {
		t.fatal(err)
		return
	}
	t.flush()
}

func (t *Transport) readLoop(ep Endpoint) {
	for {
		raw, err := ep.ReadLine()
		if data := bytes.TrimRight(raw, "\r\n"); len(data) > 0 {
			t.loop.Post(func() { t.receive(data) })
		}
		if err != nil {
			t.loop.Post(func() { t.fatal(err) })
			return
		}
	}
}

func (t *Transport) receive(data []byte) {
	if !t.connected {
		return
	}
	text, err := t.in.decode(data)
	if err != nil {
		t.handler.TransportCharsetError(t, data, err)
		return
	}
	l, err := irc.Parse(text)
	if err != nil {
		t.log.Debug().Err(err).Str("line", text).Msg("Malformed line")
	}
	if len(l.Args) == 0 {
		return
	}
	t.lastRecv = time.Now()
	t.handler.TransportLine(t, l)
}

// fatal reports the first hangup or error; the owner decides what to do
// with the transport
func (t *Transport) fatal(err error) {
	if !t.connected || t.failed {
		return
	}
	t.failed = true
	if errors.Is(err, io.EOF) {
		t.log.Debug().Msg("Connection closed by peer")
		t.handler.TransportHangup(t)
		return
	}
	t.log.Debug().Err(err).Msg("Connection error")
	t.handler.TransportError(t, err)
}

// Disconnect drops the queue and closes the endpoint. No handler method is
// called afterwards. A write already in flight gets a short grace period to
// complete.
func (t *Transport) Disconnect() {
	if !t.connected {
		return
	}
	t.connected = false
	t.queue = nil
	if !t.active {
		t.closeEndpoint()
		return
	}
	// the writer closes the endpoint once it drained its channel
	close(t.writes)
	time.AfterFunc(lingerTimeout, t.closeEndpoint)
}

// Close is Disconnect, except that lines already queued are still written
// within the linger period
func (t *Transport) Close() {
	if !t.connected || !t.active {
		t.Disconnect()
		return
	}
	t.connected = false
	queue, writes := t.queue, t.writes
	t.queue = nil
	time.AfterFunc(lingerTimeout, t.closeEndpoint)
	go func() {
		defer close(writes)
		for _, data := range queue {
			select {
			case writes <- data:
			case <-time.After(lingerTimeout):
				return
			}
		}
	}()
}

// Done is closed once the endpoint has been closed, after Disconnect or
// Close finished writing what they were going to write
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// IsConnected reports whether Disconnect has not been called yet
func (t *Transport) IsConnected() bool {
	return t.connected
}

// PeerName describes the remote end
func (t *Transport) PeerName() string {
	return t.ep.PeerName()
}

// LastSent returns when the last line was sent
func (t *Transport) LastSent() time.Time {
	return t.lastSent
}

// LastReceived returns when the last line was received
func (t *Transport) LastReceived() time.Time {
	return t.lastRecv
}

// Queued returns how many lines wait behind the in-flight write
func (t *Transport) Queued() int {
	return len(t.queue)
}
