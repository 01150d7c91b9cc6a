package linestack

import (
	"fmt"
	"sort"
	"time"

	"github.com/jelmer/ctrlproxy/internal/irc"
	"github.com/jelmer/ctrlproxy/internal/state"
)

type memoryMarker struct {
	b   *memoryBackend
	pos int64
}

func (m *memoryMarker) owner() Backend { return m.b }

type memoryEntry struct {
	pos  int64
	line *irc.Line
	dir  Direction
	time time.Time
}

type memorySnapshot struct {
	pos int64
	st  *state.State
}

type memoryHistory struct {
	lines     []memoryEntry
	snapshots []memorySnapshot
}

// memoryBackend keeps every line in memory. Snapshots are only taken when
// asked for; the state at a marker is the last snapshot before it with the
// lines since replayed on top.
type memoryBackend struct {
	pos      int64
	networks map[string]*memoryHistory
}

func (b *memoryBackend) Init(Config) error {
	b.networks = make(map[string]*memoryHistory)
	return nil
}

func (b *memoryBackend) Fini() error {
	b.networks = nil
	return nil
}

func (b *memoryBackend) history(network string) *memoryHistory {
	h, ok := b.networks[network]
	if !ok {
		h = &memoryHistory{}
		b.networks[network] = h
	}
	return h
}

func (b *memoryBackend) InsertLine(network string, l *irc.Line, dir Direction, _ *state.State) error {
	b.pos++
	h := b.history(network)
	h.lines = append(h.lines, memoryEntry{pos: b.pos, line: l.Copy(), dir: dir, time: time.Now()})
	return nil
}

func (b *memoryBackend) Snapshot(network string, st *state.State) error {
	h := b.history(network)
	h.snapshots = append(h.snapshots, memorySnapshot{pos: b.pos, st: st.Copy()})
	return nil
}

func (b *memoryBackend) GetMarker(string) (Marker, error) {
	return &memoryMarker{b: b, pos: b.pos}, nil
}

func (b *memoryBackend) marker(m Marker) (*memoryMarker, error) {
	mm, ok := m.(*memoryMarker)
	if !ok || mm.b != b {
		return nil, ErrForeignMarker
	}
	return mm, nil
}

func (b *memoryBackend) GetState(network string, m Marker) (*state.State, error) {
	mm, err := b.marker(m)
	if err != nil {
		return nil, err
	}
	h, ok := b.networks[network]
	if !ok {
		return nil, fmt.Errorf("%w: no history for %s", ErrNoState, network)
	}
	// last snapshot taken at or before the marker
	i := sort.Search(len(h.snapshots), func(i int) bool { return h.snapshots[i].pos > mm.pos }) - 1
	if i < 0 {
		return nil, fmt.Errorf("%w: no snapshot before marker", ErrNoState)
	}
	snap := h.snapshots[i]
	st := snap.st.Copy()
	for _, e := range h.between(snap.pos, mm.pos) {
		replay(st, e.line, e.dir)
	}
	return st, nil
}

// between returns the entries with from < pos <= to
func (h *memoryHistory) between(from, to int64) []memoryEntry {
	start := sort.Search(len(h.lines), func(i int) bool { return h.lines[i].pos > from })
	end := sort.Search(len(h.lines), func(i int) bool { return h.lines[i].pos > to })
	if start >= end {
		return nil
	}
	return h.lines[start:end]
}

func (b *memoryBackend) Traverse(network string, from, to Marker, fn Visitor) error {
	fm, err := b.marker(from)
	if err != nil {
		return err
	}
	tm, err := b.marker(to)
	if err != nil {
		return err
	}
	h, ok := b.networks[network]
	if !ok {
		return nil
	}
	for _, e := range h.between(fm.pos, tm.pos) {
		if err := fn(e.line, e.dir, e.time); err != nil {
			return err
		}
	}
	return nil
}

func (b *memoryBackend) FreeMarker(Marker) {}
