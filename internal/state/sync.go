package state

import (
	"sort"
	"strconv"
	"strings"

	"github.com/jelmer/ctrlproxy/internal/irc"
	"github.com/jelmer/ctrlproxy/internal/isupport"
)

const (
	// namesLineLimit bounds the names payload of a single 353
	namesLineLimit = 400
	// modesPerLine is how many changes go into one synthesized MODE
	modesPerLine = 4
)

func reply(server string, args ...string) *irc.Line {
	l := irc.NewLine(server, args...)
	l.HasTrailing = true
	return l
}

// SyncLines renders the state the way a server would when we join each
// channel: JOIN, topic, modes and names for every channel.
func (s *State) SyncLines(server string) []*irc.Line {
	var lines []*irc.Line
	for _, ch := range s.Channels() {
		lines = append(lines, s.channelLines(ch, server)...)
	}
	return lines
}

func (s *State) channelLines(ch *Channel, server string) []*irc.Line {
	nick := s.Me.Nick
	lines := []*irc.Line{irc.NewLine(s.Me.Hostmask(), "JOIN", ch.Name)}

	if ch.Topic != "" {
		lines = append(lines, reply(server, irc.RPL_TOPIC, nick, ch.Name, ch.Topic))
		if ch.TopicSetBy != "" {
			lines = append(lines, irc.NewLine(server, irc.RPL_TOPICWHOTIME, nick, ch.Name,
				ch.TopicSetBy, strconv.FormatInt(ch.TopicSetTime, 10)))
		}
	} else {
		lines = append(lines, reply(server, irc.RPL_NOTOPIC, nick, ch.Name, "No topic is set"))
	}

	if modes, params := ch.ModeString(); modes != "" {
		args := append([]string{irc.RPL_CHANNELMODEIS, nick, ch.Name, modes}, params...)
		lines = append(lines, irc.NewLine(server, args...))
	}
	if ch.CreationTime > 0 {
		lines = append(lines, irc.NewLine(server, irc.RPL_CREATIONTIME, nick, ch.Name, strconv.FormatInt(ch.CreationTime, 10)))
	}

	return append(lines, s.NamesLines(ch, server)...)
}

// NamesLines renders the roster as 353 replies followed by 366
func (s *State) NamesLines(ch *Channel, server string) []*irc.Line {
	nick := s.Me.Nick
	kind := "="
	if _, ok := ch.Modes['s']; ok {
		kind = "@"
	} else if _, ok := ch.Modes['p']; ok {
		kind = "*"
	}

	var lines []*irc.Line
	var b strings.Builder
	flush := func() {
		if b.Len() > 0 {
			lines = append(lines, reply(server, irc.RPL_NAMREPLY, nick, kind, ch.Name, b.String()))
			b.Reset()
		}
	}
	for _, m := range ch.Members() {
		entry := m.Nick.Nick
		if prefixes := s.Info.Prefixes(m.Modes); prefixes != "" {
			entry = prefixes[:1] + entry
		}
		if b.Len() > 0 && b.Len()+1+len(entry) > namesLineLimit {
			flush()
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(entry)
	}
	flush()

	return append(lines, reply(server, irc.RPL_ENDOFNAMES, nick, ch.Name, "End of /NAMES list."))
}

// Diff returns the lines that take a client that last saw old to cur.
// With no previous state it falls back to a full sync.
func Diff(old, cur *State, server string) []*irc.Line {
	if old == nil {
		return cur.SyncLines(server)
	}

	var lines []*irc.Line
	if old.Me.Nick != cur.Me.Nick {
		lines = append(lines, irc.NewLine(old.Me.Hostmask(), "NICK", cur.Me.Nick))
	}
	if changes := diffFlags(old.UserModes, cur.UserModes); len(changes) > 0 {
		modes, _ := FormatModes(changes)
		lines = append(lines, irc.NewLine(cur.Me.Nick, "MODE", cur.Me.Nick, modes))
	}

	me := cur.Me.Hostmask()
	for _, och := range old.Channels() {
		if cur.Channel(och.Name) == nil {
			lines = append(lines, irc.NewLine(me, "PART", och.Name))
		}
	}
	for _, ch := range cur.Channels() {
		och := old.Channel(ch.Name)
		if och == nil {
			lines = append(lines, cur.channelLines(ch, server)...)
			continue
		}
		lines = append(lines, diffChannel(old, cur, och, ch, server)...)
	}
	return lines
}

func diffChannel(old, cur *State, och, ch *Channel, server string) []*irc.Line {
	var lines []*irc.Line

	if och.Topic != ch.Topic {
		setter := ch.TopicSetBy
		if setter == "" {
			setter = server
		}
		lines = append(lines, reply(setter, "TOPIC", ch.Name, ch.Topic))
	}

	var changes []ModeChange
	before := make(map[string]*Member, len(och.members))
	for _, m := range och.members {
		key := cur.Info.Fold(m.Nick.Nick)
		if m.Nick == old.Me {
			// our own rename was already sent as NICK
			key = cur.Info.Fold(cur.Me.Nick)
		}
		before[key] = m
	}
	for _, m := range ch.Members() {
		key := cur.Info.Fold(m.Nick.Nick)
		om, ok := before[key]
		delete(before, key)
		if !ok {
			lines = append(lines, irc.NewLine(m.Nick.Hostmask(), "JOIN", ch.Name))
			for _, mode := range m.Modes {
				changes = append(changes, ModeChange{Add: true, Mode: mode, Param: m.Nick.Nick})
			}
			continue
		}
		for _, c := range diffFlags(om.Modes, m.Modes) {
			c.Param = m.Nick.Nick
			changes = append(changes, c)
		}
	}
	for _, om := range (&Channel{members: before}).Members() {
		lines = append(lines, irc.NewLine(om.Nick.Hostmask(), "PART", ch.Name))
	}

	changes = append(changes, diffChannelModes(cur.Info, och, ch)...)
	for len(changes) > 0 {
		n := min(len(changes), modesPerLine)
		modes, params := FormatModes(changes[:n])
		args := append([]string{"MODE", ch.Name, modes}, params...)
		lines = append(lines, irc.NewLine(server, args...))
		changes = changes[n:]
	}
	return lines
}

func diffChannelModes(info *isupport.Info, och, ch *Channel) []ModeChange {
	var changes []ModeChange
	for _, m := range sortedModes(och.Modes) {
		p := och.Modes[m]
		np, ok := ch.Modes[m]
		if ok && (np == p || info.ModeClass(m) == isupport.ModeSetParam) {
			continue
		}
		c := ModeChange{Add: false, Mode: m}
		if info.ModeTakesArgument(m, false) {
			c.Param = p
		}
		changes = append(changes, c)
	}
	for _, m := range sortedModes(ch.Modes) {
		if op, ok := och.Modes[m]; !ok || op != ch.Modes[m] {
			changes = append(changes, ModeChange{Add: true, Mode: m, Param: ch.Modes[m]})
		}
	}

	for _, m := range sortedListModes(och.Lists, ch.Lists) {
		for _, e := range och.Lists[m] {
			if !containsMask(info, ch.Lists[m], e.Mask) {
				changes = append(changes, ModeChange{Add: false, Mode: m, Param: e.Mask})
			}
		}
		for _, e := range ch.Lists[m] {
			if !containsMask(info, och.Lists[m], e.Mask) {
				changes = append(changes, ModeChange{Add: true, Mode: m, Param: e.Mask})
			}
		}
	}
	return changes
}

func diffFlags(old, cur string) []ModeChange {
	var changes []ModeChange
	for _, m := range old {
		if !strings.ContainsRune(cur, m) {
			changes = append(changes, ModeChange{Add: false, Mode: m})
		}
	}
	for _, m := range cur {
		if !strings.ContainsRune(old, m) {
			changes = append(changes, ModeChange{Add: true, Mode: m})
		}
	}
	return changes
}

func sortedModes(modes map[rune]string) []rune {
	out := make([]rune, 0, len(modes))
	for m := range modes {
		out = append(out, m)
	}
	sortRunes(out)
	return out
}

func sortedListModes(a, b map[rune][]ListEntry) []rune {
	seen := make(map[rune]bool)
	var out []rune
	for _, lists := range []map[rune][]ListEntry{a, b} {
		for m := range lists {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	sortRunes(out)
	return out
}

func sortRunes(r []rune) {
	sort.Slice(r, func(i, j int) bool { return r[i] < r[j] })
}

func containsMask(info *isupport.Info, list []ListEntry, mask string) bool {
	for _, e := range list {
		if info.Equal(e.Mask, mask) {
			return true
		}
	}
	return false
}
