// Package linestack records per-network protocol history with markers, so a
// client that was away can be brought up to date. Storage engines are
// pluggable backends selected by name.
package linestack

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jelmer/ctrlproxy/internal/irc"
	"github.com/jelmer/ctrlproxy/internal/logger"
	"github.com/jelmer/ctrlproxy/internal/state"
	"github.com/rs/zerolog"
)

var (
	// ErrDuplicateBackend is returned when a backend name is registered twice
	ErrDuplicateBackend = errors.New("linestack: backend already registered")
	// ErrUnknownBackend is returned by Open for unregistered names
	ErrUnknownBackend = errors.New("linestack: unknown backend")
	// ErrBackendActive is returned by Open while another stack is open
	ErrBackendActive = errors.New("linestack: a backend is already active")
	// ErrNoState is returned when the state at a marker cannot be rebuilt
	ErrNoState = errors.New("linestack: no state available")
	// ErrForeignMarker is returned for markers made by another backend instance
	ErrForeignMarker = errors.New("linestack: marker belongs to another backend")
)

// Direction tells which way a line travelled
type Direction int

const (
	// FromServer lines were received from the upstream network
	FromServer Direction = iota
	// ToServer lines were sent upstream on behalf of a client
	ToServer
)

func (d Direction) String() string {
	if d == ToServer {
		return "out"
	}
	return "in"
}

// ParseDirection is the inverse of Direction.String
func ParseDirection(s string) Direction {
	if s == "out" {
		return ToServer
	}
	return FromServer
}

// Marker is an opaque position in one network's history. Markers from the
// same backend instance never decrease over time.
type Marker interface {
	owner() Backend
}

// Visitor is called once per stored line, in order
type Visitor func(l *irc.Line, dir Direction, t time.Time) error

// Config configures a backend
type Config struct {
	// SnapshotInterval is the number of stored lines between snapshots for
	// backends that take them periodically
	SnapshotInterval int
	// Retain is how many snapshots per network durable backends keep; 0 keeps all
	Retain int
	// Path is the database file of the sqlite backend
	Path string
	// URL is the server URL of the redis backend
	URL string
	// MaxAge lets the sqlite backend drop lines older than this once no
	// retained snapshot needs them; 0 keeps everything
	MaxAge time.Duration
	// MaxLines caps the per-network stream of the redis backend; 0 is unbounded
	MaxLines int64
}

// Backend stores lines and snapshots. Methods are called from the loop.
type Backend interface {
	Init(cfg Config) error
	Fini() error
	// InsertLine stores l; st is the network state after l was applied
	InsertLine(network string, l *irc.Line, dir Direction, st *state.State) error
	// Snapshot records st as the full state at the current position
	Snapshot(network string, st *state.State) error
	GetMarker(network string) (Marker, error)
	// GetState rebuilds the network state as of m
	GetState(network string, m Marker) (*state.State, error)
	// Traverse visits the lines after from up to and including to
	Traverse(network string, from, to Marker, fn Visitor) error
	FreeMarker(m Marker)
}

// Factory creates an uninitialised backend
type Factory func() Backend

// Registry maps backend names to factories and allows one open stack
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	active    *Stack
}

// NewRegistry returns a registry with the built-in backends
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("memory", func() Backend { return &memoryBackend{} })
	r.Register("sqlite", func() Backend { return &sqliteBackend{} })
	r.Register("redis", func() Backend { return &redisBackend{} })
	return r
}

// Register adds a backend factory
func (r *Registry) Register(name string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateBackend, name)
	}
	r.factories[name] = f
	return nil
}

// Names lists the registered backends
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open initialises the named backend and makes it the active stack
func (r *Registry) Open(name string, cfg Config) (*Stack, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return nil, fmt.Errorf("%w: %s", ErrBackendActive, r.active.name)
	}
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
	b := f()
	if err := b.Init(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialise %s linestack: %w", name, err)
	}
	r.active = &Stack{
		name:     name,
		backend:  b,
		registry: r,
		log:      logger.WithComponent("linestack").With().Str("backend", name).Logger(),
	}
	return r.active, nil
}

// Stack is the active linestack. It decides which lines are worth keeping
// and logs backend failures.
type Stack struct {
	name     string
	backend  Backend
	registry *Registry
	log      zerolog.Logger

	// OnInsert, when set, is told about every line offered to the stack
	OnInsert func(network string, stored bool, err error)
}

// Name returns the backend name
func (s *Stack) Name() string { return s.name }

var (
	storedFromServer = map[string]bool{
		"PRIVMSG": true, "NOTICE": true, "JOIN": true, "PART": true, "KICK": true,
		"QUIT": true, "NICK": true, "MODE": true, "TOPIC": true,
	}
	storedToServer = map[string]bool{"PRIVMSG": true, "NOTICE": true}
)

// Stores reports whether lines with command cmd going in dir are kept
func Stores(cmd string, dir Direction) bool {
	if dir == ToServer {
		return storedToServer[cmd]
	}
	return storedFromServer[cmd]
}

// InsertLine stores l if it is of a kind worth replaying. A skipped line is
// not an error. Backend errors leave a gap in the history; they are logged
// and returned.
func (s *Stack) InsertLine(network string, l *irc.Line, dir Direction, st *state.State) (bool, error) {
	if !Stores(l.Command(), dir) {
		s.notify(network, false, nil)
		return false, nil
	}
	if err := s.backend.InsertLine(network, l, dir, st); err != nil {
		s.log.Error().Err(err).Str("network", network).Str("command", l.Command()).Msg("Failed to store line")
		s.notify(network, false, err)
		return false, err
	}
	s.notify(network, true, nil)
	return true, nil
}

func (s *Stack) notify(network string, stored bool, err error) {
	if s.OnInsert != nil {
		s.OnInsert(network, stored, err)
	}
}

// Snapshot records the full state of a network, e.g. after it was rebuilt
// on a new connection
func (s *Stack) Snapshot(network string, st *state.State) error {
	if st == nil {
		return nil
	}
	if err := s.backend.Snapshot(network, st); err != nil {
		s.log.Error().Err(err).Str("network", network).Msg("Failed to store snapshot")
		return err
	}
	return nil
}

// Checkpoint snapshots st and returns the marker it is valid at
func (s *Stack) Checkpoint(network string, st *state.State) (Marker, error) {
	if err := s.Snapshot(network, st); err != nil {
		return nil, err
	}
	return s.GetMarker(network)
}

// GetMarker returns the current end of a network's history
func (s *Stack) GetMarker(network string) (Marker, error) {
	m, err := s.backend.GetMarker(network)
	if err != nil {
		s.log.Error().Err(err).Str("network", network).Msg("Failed to get marker")
	}
	return m, err
}

// GetState returns the network state as of m, or an error wrapping
// ErrNoState
func (s *Stack) GetState(network string, m Marker) (*state.State, error) {
	st, err := s.backend.GetState(network, m)
	if err != nil {
		s.log.Warn().Err(err).Str("network", network).Msg("Failed to rebuild state")
		if !errors.Is(err, ErrNoState) {
			err = fmt.Errorf("%w: %w", ErrNoState, err)
		}
		return nil, err
	}
	return st, nil
}

// Traverse visits the lines stored between two markers
func (s *Stack) Traverse(network string, from, to Marker, fn Visitor) error {
	return s.backend.Traverse(network, from, to, fn)
}

// FreeMarker releases a marker
func (s *Stack) FreeMarker(m Marker) {
	if m != nil {
		s.backend.FreeMarker(m)
	}
}

// Close finalises the backend and frees the registry for another Open
func (s *Stack) Close() error {
	err := s.backend.Fini()
	s.registry.mu.Lock()
	if s.registry.active == s {
		s.registry.active = nil
	}
	s.registry.mu.Unlock()
	return err
}

// replay applies stored server lines to st, the way the network state saw
// them when they arrived
func replay(st *state.State, l *irc.Line, dir Direction) {
	if dir == FromServer {
		st.HandleLine(l)
	}
}
