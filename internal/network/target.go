package network

import (
	"net"
	"strconv"
)

// Target says how a network is reached. It is one of *TCPTarget,
// *ProgramTarget or *VirtualTarget.
type Target interface {
	isTarget()
}

// Server is one entry of a TCP network's server list
type Server struct {
	Host     string
	Port     int
	TLS      bool
	Insecure bool
	Password string
	// BindAddress is the optional local address to dial from
	BindAddress string
}

// Address returns host:port, defaulting the port by TLS setting
func (s Server) Address() string {
	port := s.Port
	if port == 0 {
		port = 6667
		if s.TLS {
			port = 6697
		}
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(port))
}

// TCPTarget dials its servers in turn, wrapping after the last
type TCPTarget struct {
	Servers []Server
	// Proxy is an optional socks5:// URL to dial through
	Proxy string

	next int
}

// Next returns the server for the coming dial and advances the rotation
func (t *TCPTarget) Next() (Server, bool) {
	if len(t.Servers) == 0 {
		return Server{}, false
	}
	if t.next >= len(t.Servers) {
		t.next = 0
	}
	srv := t.Servers[t.next]
	t.next = (t.next + 1) % len(t.Servers)
	return srv, true
}

// ProgramTarget runs a command and speaks IRC over its stdin and stdout
type ProgramTarget struct {
	Command string
	Args    []string
}

// VirtualTarget is served by an in-process implementation looked up by name
type VirtualTarget struct {
	Name string
	// Reconnectable networks are brought back up as soon as they go down
	Reconnectable bool
}

func (*TCPTarget) isTarget()     {}
func (*ProgramTarget) isTarget() {}
func (*VirtualTarget) isTarget() {}
