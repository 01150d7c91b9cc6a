package state

import (
	"sort"
	"testing"

	"github.com/jelmer/ctrlproxy/internal/irc"
	"github.com/jelmer/ctrlproxy/internal/isupport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feed(s *State, lines ...string) {
	for _, raw := range lines {
		s.HandleLine(irc.MustParse(raw))
	}
}

func newTestState() *State {
	s := New("test", isupport.New(), "me")
	feed(s,
		":irc.example.com 001 me :Welcome to the network",
		":me!user@host JOIN #chan",
		":irc.example.com 353 me = #chan :@me +alice bob",
		":irc.example.com 366 me #chan :End of /NAMES list.",
	)
	return s
}

func roster(s *State, channel string) []string {
	ch := s.Channel(channel)
	if ch == nil {
		return nil
	}
	var out []string
	for _, m := range ch.Members() {
		out = append(out, s.Info.Prefixes(m.Modes)+m.Nick.Nick)
	}
	return out
}

// assertConsistent checks that both membership collections mirror each other
// and that every member is in the nickname table
func assertConsistent(t *testing.T, s *State) {
	t.Helper()
	for _, ch := range s.Channels() {
		for _, m := range ch.Members() {
			assert.Same(t, m.Nick, s.Nick(m.Nick.Nick), "member %s of %s missing from nick table", m.Nick.Nick, ch.Name)
			assert.Contains(t, m.Nick.Channels(), ch.Name)
		}
	}
	for _, n := range s.nicks {
		for _, name := range n.Channels() {
			assert.NotNil(t, s.Member(name, n.Nick), "%s claims %s", n.Nick, name)
		}
	}
}

func TestJoinPart(t *testing.T) {
	s := newTestState()
	assert.Equal(t, []string{"+alice", "bob", "@me"}, roster(s, "#chan"))

	feed(s, ":carol!c@example.org JOIN #chan")
	n := s.Nick("carol")
	require.NotNil(t, n)
	assert.Equal(t, "carol!c@example.org", n.Hostmask())

	feed(s, ":carol!c@example.org PART #chan :bye")
	assert.Nil(t, s.Nick("carol"))
	assert.Equal(t, []string{"+alice", "bob", "@me"}, roster(s, "#chan"))

	feed(s, ":me!user@host PART #chan")
	assert.Nil(t, s.Channel("#chan"))
	assert.Nil(t, s.Nick("alice"))
	assert.NotNil(t, s.Nick("me"))
	assertConsistent(t, s)
}

func TestJoinUnknownChannelIgnored(t *testing.T) {
	s := newTestState()
	feed(s, ":carol!c@h JOIN #elsewhere")
	assert.Nil(t, s.Channel("#elsewhere"))
	assert.Nil(t, s.Nick("carol"))
}

func TestNamesAtomic(t *testing.T) {
	s := New("test", isupport.New(), "me")
	feed(s, ":me!u@h JOIN #big")
	before := roster(s, "#big")
	assert.Equal(t, []string{"me"}, before)

	feed(s, ":srv 353 me = #big :@me a b")
	assert.Equal(t, before, roster(s, "#big"))
	feed(s, ":srv 353 me = #big :+c d")
	assert.Equal(t, before, roster(s, "#big"))
	feed(s, ":srv 353 me = #big :e")
	assert.Equal(t, before, roster(s, "#big"))

	feed(s, ":srv 366 me #big :End of /NAMES list.")
	assert.Equal(t, []string{"a", "b", "+c", "d", "e", "@me"}, roster(s, "#big"))
	assertConsistent(t, s)

	// A refresh replaces the roster
	feed(s,
		":srv 353 me = #big :@me a",
		":srv 366 me #big :End of /NAMES list.",
	)
	assert.Equal(t, []string{"a", "@me"}, roster(s, "#big"))
	assert.Nil(t, s.Nick("e"))
	assertConsistent(t, s)
}

func TestNamesUserhost(t *testing.T) {
	s := New("test", isupport.New(), "me")
	feed(s,
		":me!u@h JOIN #c",
		":srv 353 me = #c :@me!u@h +x!xu@xh",
		":srv 366 me #c :End",
	)
	assert.Equal(t, []string{"@me", "+x"}, roster(s, "#c"))
	assert.Equal(t, "x!xu@xh", s.Nick("x").Hostmask())
}

func TestMode(t *testing.T) {
	s := newTestState()
	feed(s, ":op!o@h MODE #chan +l 10")
	assert.Equal(t, "10", s.Channel("#chan").Modes['l'])

	feed(s, ":op!o@h MODE #chan +ovk-l alice bob key")
	ch := s.Channel("#chan")
	assert.Equal(t, "key", ch.Modes['k'])
	_, hasLimit := ch.Modes['l']
	assert.False(t, hasLimit)
	assert.Equal(t, []string{"@+alice", "+bob", "@me"}, roster(s, "#chan"))

	feed(s, ":op!o@h MODE #chan +b-o *!*@bad alice")
	require.Len(t, ch.Lists['b'], 1)
	assert.Equal(t, "*!*@bad", ch.Lists['b'][0].Mask)
	assert.Equal(t, "op!o@h", ch.Lists['b'][0].SetBy)
	assert.Equal(t, "+alice", roster(s, "#chan")[0])

	feed(s, ":op!o@h MODE #chan -b *!*@BAD")
	assert.Empty(t, ch.Lists['b'])

	// missing parameter: nothing applies
	feed(s, ":op!o@h MODE #chan +nl")
	_, hasN := ch.Modes['n']
	assert.False(t, hasN)

	feed(s, ":op!o@h MODE #chan -k *")
	_, hasKey := ch.Modes['k']
	assert.False(t, hasKey)
}

func TestUserMode(t *testing.T) {
	s := newTestState()
	feed(s, ":me MODE me :+iw")
	assert.Equal(t, "iw", s.UserModes)
	feed(s, ":me MODE me -w+x")
	assert.Equal(t, "ix", s.UserModes)
	feed(s, ":srv 221 me +Zi")
	assert.Equal(t, "Zi", s.UserModes)
}

func TestParseModes(t *testing.T) {
	info := isupport.New()
	table := []struct {
		modes  string
		params []string
		want   []ModeChange
		err    bool
	}{
		{"+o", []string{"a"}, []ModeChange{{true, 'o', "a"}}, false},
		{"+nt-s", nil, []ModeChange{{true, 'n', ""}, {true, 't', ""}, {false, 's', ""}}, false},
		{"-l+l", []string{"5"}, []ModeChange{{false, 'l', ""}, {true, 'l', "5"}}, false},
		{"-k+b", []string{"key", "m"}, []ModeChange{{false, 'k', "key"}, {true, 'b', "m"}}, false},
		{"+b", nil, nil, true},
		{"+n", []string{"extra"}, []ModeChange{{true, 'n', ""}}, true},
	}

	for _, row := range table {
		t.Run(row.modes, func(t *testing.T) {
			changes, err := ParseModes(info, row.modes, row.params, true)
			if row.err {
				assert.ErrorIs(t, err, ErrMalformedMode)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, row.want, changes)
		})
	}

	modes, params := FormatModes([]ModeChange{{true, 'o', "a"}, {true, 'v', "b"}, {false, 'k', "x"}, {false, 'n', ""}})
	assert.Equal(t, "+ov-kn", modes)
	assert.Equal(t, []string{"a", "b", "x"}, params)
}

func TestNickChange(t *testing.T) {
	s := newTestState()
	feed(s, ":alice!a@h NICK alicia")
	assert.Nil(t, s.Nick("alice"))
	assert.Equal(t, []string{"+alicia", "bob", "@me"}, roster(s, "#chan"))

	feed(s, ":me!user@host NICK :Me2")
	assert.Equal(t, "Me2", s.Me.Nick)
	assert.True(t, s.IsMe("me2"))
	assert.Same(t, s.Me, s.Nick("ME2"))
	assert.Equal(t, "user", s.Me.Username)
	assertConsistent(t, s)
}

func TestWelcomeAdoptsServerNick(t *testing.T) {
	s := New("test", isupport.New(), "wanted")
	feed(s, ":srv 001 wanted_ :Welcome")
	assert.Equal(t, "wanted_", s.Me.Nick)
	assert.Nil(t, s.Nick("wanted"))
}

func TestQuitRemovesEverywhere(t *testing.T) {
	s := newTestState()
	feed(s,
		":me!user@host JOIN #two",
		":srv 353 me = #two :me alice",
		":srv 366 me #two :End",
	)
	assert.Equal(t, []string{"#chan", "#two"}, s.Nick("alice").Channels())

	feed(s, ":alice!a@h QUIT :Ping timeout")
	assert.Nil(t, s.Nick("alice"))
	assert.Equal(t, []string{"bob", "@me"}, roster(s, "#chan"))
	assert.Equal(t, []string{"me"}, roster(s, "#two"))
	assertConsistent(t, s)
}

func TestKick(t *testing.T) {
	s := newTestState()
	feed(s, ":op!o@h KICK #chan bob :out")
	assert.Equal(t, []string{"+alice", "@me"}, roster(s, "#chan"))

	feed(s, ":op!o@h KICK #chan me :you too")
	assert.Nil(t, s.Channel("#chan"))
	assert.Equal(t, 1, s.NickCount())
}

func TestTopic(t *testing.T) {
	s := newTestState()
	feed(s,
		":srv 332 me #chan :Old topic",
		":srv 333 me #chan alice!a@h 1700000000",
	)
	ch := s.Channel("#chan")
	assert.Equal(t, "Old topic", ch.Topic)
	assert.Equal(t, "alice!a@h", ch.TopicSetBy)
	assert.Equal(t, int64(1700000000), ch.TopicSetTime)

	feed(s, ":bob!b@h TOPIC #chan :New topic")
	assert.Equal(t, "New topic", ch.Topic)
	assert.Equal(t, "bob!b@h", ch.TopicSetBy)

	feed(s, ":srv 331 me #chan :No topic is set")
	assert.Empty(t, ch.Topic)
}

func TestBanListAtomic(t *testing.T) {
	s := newTestState()
	ch := s.Channel("#chan")
	ch.Lists['b'] = []ListEntry{{Mask: "old!*@*"}}

	feed(s, ":srv 367 me #chan a!*@* op 1")
	assert.Equal(t, []ListEntry{{Mask: "old!*@*"}}, ch.Lists['b'])
	feed(s,
		":srv 367 me #chan b!*@* op 2",
		":srv 368 me #chan :End of channel ban list",
	)
	assert.Equal(t, []ListEntry{{"a!*@*", "op", 1}, {"b!*@*", "op", 2}}, ch.Lists['b'])

	feed(s, ":srv 348 me #chan ex!*@*", ":srv 349 me #chan :End")
	assert.Len(t, ch.Lists['e'], 1)
}

func TestChannelModeIs(t *testing.T) {
	s := newTestState()
	feed(s, ":srv 324 me #chan +ntk secret", ":srv 329 me #chan 1600000000")
	ch := s.Channel("#chan")
	modes, params := ch.ModeString()
	assert.Equal(t, "+knt", modes)
	assert.Equal(t, []string{"secret"}, params)
	assert.Equal(t, int64(1600000000), ch.CreationTime)
}

func TestCasemappingRekey(t *testing.T) {
	s := New("test", isupport.New(), "me")
	feed(s, ":me!u@h JOIN #Foo[1]")
	assert.NotNil(t, s.Channel("#foo{1}"))

	s.Info.ParseTokens([]string{"CASEMAPPING=ascii"})
	s.Rekey()
	assert.Nil(t, s.Channel("#foo{1}"))
	assert.NotNil(t, s.Channel("#FOO[1]"))
	assert.NotNil(t, s.Member("#foo[1]", "ME"))
}

func TestWhoAndAway(t *testing.T) {
	s := newTestState()
	feed(s, ":srv 352 me #chan ~b bhost srv bob G :0 Bob Builder")
	n := s.Nick("bob")
	assert.Equal(t, "bob!~b@bhost", n.Hostmask())
	assert.Equal(t, "Bob Builder", n.RealName)
	assert.NotEmpty(t, n.Away)

	feed(s, ":bob!~b@bhost AWAY")
	assert.Empty(t, n.Away)
	feed(s, ":bob!~b@bhost CHGHOST nb new.host")
	assert.Equal(t, "bob!nb@new.host", n.Hostmask())
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := newTestState()
	feed(s,
		":op!o@h MODE #chan +kb key *!*@x",
		":srv 332 me #chan :Topic here",
	)
	s.Info.ParseTokens([]string{"NETWORK=Example"})

	data, err := s.MarshalSnapshot()
	require.NoError(t, err)
	restored, err := UnmarshalSnapshot(data)
	require.NoError(t, err)

	want, got := s.Snapshot(), restored.Snapshot()
	sortNicks := func(snap *Snapshot) {
		sort.Slice(snap.Nicks, func(i, j int) bool { return snap.Nicks[i].Nick < snap.Nicks[j].Nick })
	}
	sortNicks(want)
	sortNicks(got)
	assert.Equal(t, want, got)
	assert.Equal(t, "Example", restored.Info.Network())
	assertConsistent(t, restored)

	// the copy is independent
	c := s.Copy()
	feed(c, ":alice!a@h PART #chan")
	assert.NotNil(t, s.Member("#chan", "alice"))
}

func TestSyncLines(t *testing.T) {
	s := newTestState()
	feed(s,
		":srv 332 me #chan :Hello there",
		":srv 333 me #chan alice 1700000000",
		":op!o@h MODE #chan +nt",
	)

	var got []string
	for _, l := range s.SyncLines("proxy") {
		got = append(got, l.String())
	}
	assert.Equal(t, []string{
		":me!user@host JOIN #chan",
		":proxy 332 me #chan :Hello there",
		":proxy 333 me #chan alice 1700000000",
		":proxy 324 me #chan +nt",
		":proxy 353 me = #chan :+alice bob @me",
		":proxy 366 me #chan :End of /NAMES list.",
	}, got)
}

func TestNamesLinesSplit(t *testing.T) {
	s := New("test", isupport.New(), "me")
	feed(s, ":me!u@h JOIN #c")
	ch := s.Channel("#c")
	for i := 0; i < 100; i++ {
		s.addMember(ch, s.nick("someverylongnickname"+string(rune('a'+i%26))+string(rune('a'+i/26))), "")
	}
	lines := s.NamesLines(ch, "srv")
	require.Greater(t, len(lines), 2)
	for _, l := range lines[:len(lines)-1] {
		assert.Equal(t, irc.RPL_NAMREPLY, l.Command())
		assert.LessOrEqual(t, len(l.Last()), namesLineLimit)
	}
	assert.Equal(t, irc.RPL_ENDOFNAMES, lines[len(lines)-1].Command())

	// Feeding our own output back gives the same roster
	c := New("test", isupport.New(), "me")
	feed(c, ":me!u@h JOIN #c")
	for _, l := range lines {
		c.HandleLine(l)
	}
	assert.Equal(t, roster(s, "#c"), roster(c, "#c"))
}

func TestDiffReplaysToCurrent(t *testing.T) {
	old := newTestState()
	feed(old, ":me!user@host JOIN #gone", ":srv 353 me = #gone :me", ":srv 366 me #gone :End")

	cur := old.Copy()
	feed(cur,
		":me!user@host PART #gone",
		":carol!c@h JOIN #chan",
		":alice!a@h PART #chan",
		":op!o@h MODE #chan +o bob",
		":op!o@h MODE #chan +k sekrit",
		":bob!b@h TOPIC #chan :changed",
		":me!user@host JOIN #new",
		":srv 353 me = #new :@me dave",
		":srv 366 me #new :End",
		":me!user@host NICK newme",
	)

	lines := Diff(old, cur, "proxy")
	require.NotEmpty(t, lines)

	replay := old.Copy()
	for _, l := range lines {
		replay.HandleLine(l)
	}

	assert.Equal(t, cur.Me.Nick, replay.Me.Nick)
	require.Len(t, replay.Channels(), len(cur.Channels()))
	for _, ch := range cur.Channels() {
		rch := replay.Channel(ch.Name)
		require.NotNil(t, rch, ch.Name)
		assert.Equal(t, roster(cur, ch.Name), roster(replay, ch.Name), ch.Name)
		assert.Equal(t, ch.Topic, rch.Topic, ch.Name)
		assert.Equal(t, ch.Modes, rch.Modes, ch.Name)
	}
	assertConsistent(t, replay)
}

func TestDiffNoChanges(t *testing.T) {
	s := newTestState()
	assert.Empty(t, Diff(s, s.Copy(), "proxy"))
	assert.Equal(t, s.SyncLines("proxy"), Diff(nil, s, "proxy"))
}

func TestServerTimeTag(t *testing.T) {
	s := newTestState()
	feed(s,
		"@time=2023-11-14T22:13:20.000Z :alice!a@h TOPIC #chan :tagged",
		"@time=2023-11-14T22:13:20.000Z :op!o@h MODE #chan +b *!*@spam",
	)
	ch := s.Channel("#chan")
	assert.Equal(t, int64(1700000000), ch.TopicSetTime)
	require.Len(t, ch.Lists['b'], 1)
	assert.Equal(t, int64(1700000000), ch.Lists['b'][0].SetAt)
}
