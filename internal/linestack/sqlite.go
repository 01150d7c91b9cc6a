package linestack

import (
	"errors"
	"fmt"
	"time"

	"github.com/jelmer/ctrlproxy/internal/constants"
	"github.com/jelmer/ctrlproxy/internal/irc"
	"github.com/jelmer/ctrlproxy/internal/state"
	"github.com/jelmer/ctrlproxy/internal/storage"
)

type sqliteMarker struct {
	b  *sqliteBackend
	id int64
}

func (m *sqliteMarker) owner() Backend { return m.b }

// sqliteBackend keeps history in a SQLite database and snapshots every
// SnapshotInterval stored lines, so rebuilding a state never replays more
// than that many lines.
type sqliteBackend struct {
	db       *storage.Storage
	interval int
	retain   int
	maxAge   time.Duration
	// lines stored per network since its last snapshot
	since map[string]int
}

func (b *sqliteBackend) Init(cfg Config) error {
	if cfg.Path == "" {
		return errors.New("sqlite linestack needs a database path")
	}
	db, err := storage.Open(cfg.Path, constants.StorageBufferSize, constants.StorageFlushInterval)
	if err != nil {
		return err
	}
	b.db = db
	b.interval = cfg.SnapshotInterval
	if b.interval <= 0 {
		b.interval = constants.DefaultSnapshotInterval
	}
	b.retain = cfg.Retain
	b.maxAge = cfg.MaxAge
	// lines from before a restart count towards the next snapshot
	if b.since, err = db.LinesSinceSnapshot(); err != nil {
		db.Close()
		return err
	}
	return nil
}

func (b *sqliteBackend) Fini() error {
	return b.db.Close()
}

func (b *sqliteBackend) InsertLine(network string, l *irc.Line, dir Direction, st *state.State) error {
	if _, err := b.db.AppendLine(network, dir.String(), l.String(), time.Now()); err != nil {
		return err
	}
	b.since[network]++
	if st != nil && b.since[network] >= b.interval {
		return b.Snapshot(network, st)
	}
	return nil
}

func (b *sqliteBackend) Snapshot(network string, st *state.State) error {
	data, err := st.MarshalSnapshot()
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	if err := b.db.WriteSnapshot(network, b.db.LastLineID(), data, b.retain); err != nil {
		return err
	}
	b.since[network] = 0
	if b.maxAge > 0 {
		if _, err := b.db.PruneLines(network, time.Now().Add(-b.maxAge)); err != nil {
			return err
		}
	}
	return nil
}

func (b *sqliteBackend) GetMarker(string) (Marker, error) {
	return &sqliteMarker{b: b, id: b.db.LastLineID()}, nil
}

func (b *sqliteBackend) marker(m Marker) (*sqliteMarker, error) {
	sm, ok := m.(*sqliteMarker)
	if !ok || sm.b != b {
		return nil, ErrForeignMarker
	}
	return sm, nil
}

func (b *sqliteBackend) GetState(network string, m Marker) (*state.State, error) {
	sm, err := b.marker(m)
	if err != nil {
		return nil, err
	}
	snap, err := b.db.LatestSnapshot(network, sm.id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: no snapshot before marker", ErrNoState)
	}
	if err != nil {
		return nil, err
	}
	st, err := state.UnmarshalSnapshot(snap.State)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoState, err)
	}
	err = b.db.Lines(network, snap.LineID, sm.id, func(row storage.Line) error {
		l, err := irc.Parse(row.Raw)
		if err != nil {
			return err
		}
		replay(st, l, ParseDirection(row.Direction))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (b *sqliteBackend) Traverse(network string, from, to Marker, fn Visitor) error {
	fm, err := b.marker(from)
	if err != nil {
		return err
	}
	tm, err := b.marker(to)
	if err != nil {
		return err
	}
	return b.db.Lines(network, fm.id, tm.id, func(row storage.Line) error {
		l, err := irc.Parse(row.Raw)
		if err != nil {
			return fmt.Errorf("stored line %d: %w", row.ID, err)
		}
		return fn(l, ParseDirection(row.Direction), row.Time)
	})
}

func (b *sqliteBackend) FreeMarker(Marker) {}
