package transport

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"

	"github.com/gorilla/websocket"
)

// Endpoint is the byte channel a Transport runs over: a socket, a TLS
// session, a pair of pipes or a WebSocket.
type Endpoint interface {
	// ReadLine returns the next raw line; terminators may be left in place
	ReadLine() ([]byte, error)
	// Write sends one encoded line
	Write(p []byte) (int, error)
	Close() error
	PeerName() string
}

// maxLineLength caps how much we buffer waiting for a terminator
const maxLineLength = 16 * 1024

var errLineTooLong = errors.New("transport: line too long")

type streamEndpoint struct {
	r    *bufio.Reader
	w    io.Writer
	c    []io.Closer
	peer string
}

func (s *streamEndpoint) ReadLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := s.r.ReadSlice('\n')
		line = append(line, chunk...)
		if err == bufio.ErrBufferFull {
			if len(line) > maxLineLength {
				return nil, errLineTooLong
			}
			continue
		}
		return line, err
	}
}

func (s *streamEndpoint) Write(p []byte) (int, error) { return s.w.Write(p) }

func (s *streamEndpoint) Close() error {
	var first error
	for _, c := range s.c {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (s *streamEndpoint) PeerName() string { return s.peer }

// FromConn wraps a TCP or TLS connection
func FromConn(c net.Conn) Endpoint {
	peer := "unknown"
	if addr := c.RemoteAddr(); addr != nil {
		peer = addr.String()
	}
	return &streamEndpoint{r: bufio.NewReader(c), w: c, c: []io.Closer{c}, peer: peer}
}

// FromPipes wraps a read side and a write side, e.g. a child's stdout and stdin
func FromPipes(r io.ReadCloser, w io.WriteCloser, name string) Endpoint {
	return &streamEndpoint{r: bufio.NewReader(r), w: w, c: []io.Closer{w, r}, peer: name}
}

type wsEndpoint struct {
	conn *websocket.Conn
}

// FromWebSocket wraps a WebSocket connection carrying one line per text message
func FromWebSocket(c *websocket.Conn) Endpoint {
	return &wsEndpoint{conn: c}
}

func (w *wsEndpoint) ReadLine() ([]byte, error) {
	for {
		kind, data, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (w *wsEndpoint) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.TextMessage, bytes.TrimRight(p, "\r\n")); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsEndpoint) Close() error { return w.conn.Close() }

func (w *wsEndpoint) PeerName() string { return w.conn.RemoteAddr().String() }
