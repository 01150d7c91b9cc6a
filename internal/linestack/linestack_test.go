package linestack

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jelmer/ctrlproxy/internal/irc"
	"github.com/jelmer/ctrlproxy/internal/isupport"
	"github.com/jelmer/ctrlproxy/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends returns the configurations every backend test runs against
func backends(t *testing.T) map[string]Config {
	cfgs := map[string]Config{
		"memory": {},
		"sqlite": {Path: filepath.Join(t.TempDir(), "history.db"), SnapshotInterval: 3},
	}
	if url := os.Getenv("CTRLPROXY_TEST_REDIS"); url != "" {
		cfgs["redis"] = Config{URL: url, SnapshotInterval: 3}
	}
	return cfgs
}

func openStack(t *testing.T, name string, cfg Config) *Stack {
	t.Helper()
	s, err := NewRegistry().Open(name, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// session feeds lines to a state and to the stack, like the proxy does
type session struct {
	t       *testing.T
	stack   *Stack
	network string
	st      *state.State
}

func newSession(t *testing.T, stack *Stack) *session {
	network := fmt.Sprintf("net-%d", time.Now().UnixNano())
	st := state.New(network, isupport.New(), "me")
	st.HandleLine(irc.MustParse(":srv 001 me :Welcome"))
	require.NoError(t, stack.Snapshot(network, st))
	return &session{t: t, stack: stack, network: network, st: st}
}

func (s *session) recv(raws ...string) {
	for _, raw := range raws {
		l := irc.MustParse(raw)
		s.st.HandleLine(l)
		_, err := s.stack.InsertLine(s.network, l, FromServer, s.st)
		require.NoError(s.t, err)
	}
}

// snapshotOf drops the timestamps a replay assigns afresh
func snapshotOf(st *state.State) *state.Snapshot {
	snap := st.Snapshot()
	for i := range snap.Channels {
		snap.Channels[i].TopicSetTime = 0
		for _, list := range snap.Channels[i].Lists {
			for j := range list {
				list[j].SetAt = 0
			}
		}
	}
	return snap
}

func (s *session) marker() Marker {
	m, err := s.stack.GetMarker(s.network)
	require.NoError(s.t, err)
	return m
}

func (s *session) traverse(from, to Marker) []string {
	var got []string
	require.NoError(s.t, s.stack.Traverse(s.network, from, to, func(l *irc.Line, dir Direction, _ time.Time) error {
		got = append(got, dir.String()+" "+l.String())
		return nil
	}))
	return got
}

func TestTraverseVisitsLinesBetweenMarkers(t *testing.T) {
	for name, cfg := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := newSession(t, openStack(t, name, cfg))
			s.recv(":me!u@h JOIN #c", ":alice!a@h JOIN #c")
			before := s.marker()

			var want []string
			for i := 0; i < 7; i++ {
				raw := fmt.Sprintf(":alice!a@h PRIVMSG #c :message %d", i)
				s.recv(raw)
				want = append(want, "in "+irc.MustParse(raw).String())
			}
			// not stored
			s.recv("PING :x", ":srv 372 me :motd")
			_, err := s.stack.InsertLine(s.network, irc.MustParse("PRIVMSG #c :mine"), ToServer, s.st)
			require.NoError(t, err)
			want = append(want, "out "+irc.MustParse("PRIVMSG #c :mine").String())
			after := s.marker()

			s.recv(":alice!a@h PRIVMSG #c :later")

			assert.Equal(t, want, s.traverse(before, after))
			assert.Empty(t, s.traverse(after, after))
			s.stack.FreeMarker(before)
			s.stack.FreeMarker(after)
		})
	}
}

func TestGetStateAtMarker(t *testing.T) {
	for name, cfg := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := newSession(t, openStack(t, name, cfg))
			s.recv(
				":me!u@h JOIN #c",
				":alice!a@h JOIN #c",
				":bob!b@h JOIN #c",
				":alice!a@h TOPIC #c :first topic",
				":srv MODE #c +o alice",
			)
			m := s.marker()
			want := snapshotOf(s.st)

			s.recv(
				":bob!b@h PART #c",
				":alice!a@h TOPIC #c :second topic",
				":alice!a@h NICK alicia",
			)

			got, err := s.stack.GetState(s.network, m)
			require.NoError(t, err)
			assert.Equal(t, want, snapshotOf(got))
			assert.Equal(t, "first topic", got.Channel("#c").Topic)
			assert.NotNil(t, got.Member("#c", "bob"))

			now, err := s.stack.GetState(s.network, s.marker())
			require.NoError(t, err)
			assert.Equal(t, snapshotOf(s.st), snapshotOf(now))
		})
	}
}

func TestCheckpoint(t *testing.T) {
	for name, cfg := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := newSession(t, openStack(t, name, cfg))
			// NAMES replies are not stored, so only a checkpoint preserves the roster
			s.recv(":me!u@h JOIN #c")
			s.st.HandleLine(irc.MustParse(":srv 353 me = #c :me @carol dave"))
			s.st.HandleLine(irc.MustParse(":srv 366 me #c :End of /NAMES list."))

			m, err := s.stack.Checkpoint(s.network, s.st)
			require.NoError(t, err)
			s.recv(":carol!c@h PART #c")

			got, err := s.stack.GetState(s.network, m)
			require.NoError(t, err)
			require.NotNil(t, got.Member("#c", "carol"))
			assert.Equal(t, "o", got.Member("#c", "carol").Modes)
			assert.NotNil(t, got.Member("#c", "dave"))
		})
	}
}

func TestGetStateWithoutSnapshot(t *testing.T) {
	for name, cfg := range backends(t) {
		t.Run(name, func(t *testing.T) {
			stack := openStack(t, name, cfg)
			m, err := stack.GetMarker("never-seen")
			require.NoError(t, err)
			_, err = stack.GetState("never-seen", m)
			assert.ErrorIs(t, err, ErrNoState)
		})
	}
}

func TestForeignMarker(t *testing.T) {
	a := openStack(t, "memory", Config{})
	b := openStack(t, "memory", Config{})
	m, err := a.GetMarker("net")
	require.NoError(t, err)

	err = b.Traverse("net", m, m, func(*irc.Line, Direction, time.Time) error { return nil })
	assert.ErrorIs(t, err, ErrForeignMarker)
	_, err = b.GetState("net", m)
	assert.ErrorIs(t, err, ErrNoState)
	assert.ErrorIs(t, err, ErrForeignMarker)
}

func TestInsertFilter(t *testing.T) {
	stack := openStack(t, "memory", Config{})
	var calls []bool
	stack.OnInsert = func(_ string, stored bool, err error) {
		assert.NoError(t, err)
		calls = append(calls, stored)
	}

	cases := []struct {
		raw  string
		dir  Direction
		want bool
	}{
		{":a!b@c PRIVMSG #c :hi", FromServer, true},
		{":a!b@c NOTICE #c :hi", FromServer, true},
		{":a!b@c KICK #c d", FromServer, true},
		{":a!b@c QUIT :bye", FromServer, true},
		{":srv 353 me = #c :a", FromServer, false},
		{"PING :x", FromServer, false},
		{"PRIVMSG #c :hi", ToServer, true},
		{"JOIN #c", ToServer, false},
		{"MODE #c +o x", ToServer, false},
	}
	for _, c := range cases {
		stored, err := stack.InsertLine("net", irc.MustParse(c.raw), c.dir, nil)
		require.NoError(t, err)
		assert.Equal(t, c.want, stored, c.raw)
	}
	assert.Len(t, calls, len(cases))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{"memory", "redis", "sqlite"}, r.Names())

	err := r.Register("memory", func() Backend { return &memoryBackend{} })
	assert.ErrorIs(t, err, ErrDuplicateBackend)

	_, err = r.Open("tape", Config{})
	assert.ErrorIs(t, err, ErrUnknownBackend)

	s, err := r.Open("memory", Config{})
	require.NoError(t, err)
	_, err = r.Open("memory", Config{})
	assert.ErrorIs(t, err, ErrBackendActive)

	require.NoError(t, s.Close())
	s, err = r.Open("memory", Config{})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = r.Open("sqlite", Config{})
	assert.Error(t, err)
}

func TestSQLiteSnapshotsPeriodically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	stack := openStack(t, "sqlite", Config{Path: path, SnapshotInterval: 2})
	s := newSession(t, stack)
	s.recv(":me!u@h JOIN #c", ":x!x@h JOIN #c", ":y!y@h JOIN #c", ":z!z@h JOIN #c", ":x!x@h PART #c")

	b := stack.backend.(*sqliteBackend)
	snap, err := b.db.LatestSnapshot(s.network, b.db.LastLineID())
	require.NoError(t, err)
	// five lines with an interval of two: the last snapshot was after the fourth
	assert.Equal(t, b.db.LastLineID()-1, snap.LineID)
	assert.Equal(t, 1, b.since[s.network])
}

func TestSQLiteCountsLinesAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	cfg := Config{Path: path, SnapshotInterval: 3}
	first, err := NewRegistry().Open("sqlite", cfg)
	require.NoError(t, err)
	s := newSession(t, first)
	s.recv(":x!x@h JOIN #c", ":y!y@h JOIN #c")
	require.NoError(t, first.Close())

	stack := openStack(t, "sqlite", cfg)
	b := stack.backend.(*sqliteBackend)
	assert.Equal(t, 2, b.since[s.network])

	s.stack = stack
	s.recv(":z!z@h JOIN #c")
	snap, err := b.db.LatestSnapshot(s.network, b.db.LastLineID())
	require.NoError(t, err)
	assert.Equal(t, b.db.LastLineID(), snap.LineID)
	assert.Equal(t, 0, b.since[s.network])
}

func TestStreamID(t *testing.T) {
	id, err := parseStreamID("1700000000000-3")
	require.NoError(t, err)
	assert.Equal(t, streamID{1700000000000, 3}, id)
	assert.Equal(t, "1700000000000-3", id.String())
	assert.True(t, id.after(streamID{1700000000000, 2}))
	assert.False(t, id.after(id))

	_, err = parseStreamID("nope")
	assert.Error(t, err)
}
