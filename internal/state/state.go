// Package state mirrors the session a network connection has with its
// server: our identity, the channels we are in and everyone we can see.
package state

import (
	"sort"
	"strings"

	"github.com/jelmer/ctrlproxy/internal/irc"
	"github.com/jelmer/ctrlproxy/internal/isupport"
	"github.com/jelmer/ctrlproxy/internal/logger"
	"github.com/rs/zerolog"
)

// Nick is an entry of the global nickname table
type Nick struct {
	Nick     string
	Username string
	Hostname string
	RealName string
	Away     string

	channels map[string]*Channel
}

// Hostmask returns nick!user@host with whatever parts are known
func (n *Nick) Hostmask() string {
	return irc.Hostmask{Nick: n.Nick, User: n.Username, Host: n.Hostname}.String()
}

// Channels returns the names of the channels the nick is seen in, sorted
func (n *Nick) Channels() []string {
	names := make([]string, 0, len(n.channels))
	for _, ch := range n.channels {
		names = append(names, ch.Name)
	}
	sort.Strings(names)
	return names
}

// Member is a nick's presence in one channel
type Member struct {
	Nick  *Nick
	Modes string
}

// ListEntry is a ban, ban exception or invite exception
type ListEntry struct {
	Mask  string `json:"mask"`
	SetBy string `json:"set_by,omitempty"`
	SetAt int64  `json:"set_at,omitempty"`
}

// Channel is a joined channel
type Channel struct {
	Name         string
	Topic        string
	TopicSetBy   string
	TopicSetTime int64
	CreationTime int64
	// Modes holds non-list, non-status modes; flags map to ""
	Modes map[rune]string
	// Lists holds list modes by letter ('b', 'e', 'I', ...)
	Lists map[rune][]ListEntry

	members      map[string]*Member
	pendingNames map[string]*pendingMember
	namesOpen    bool
	pendingLists map[rune][]ListEntry
}

type pendingMember struct {
	hostmask irc.Hostmask
	modes    string
}

func newChannel(name string) *Channel {
	return &Channel{
		Name:    name,
		Modes:   make(map[rune]string),
		Lists:   make(map[rune][]ListEntry),
		members: make(map[string]*Member),
	}
}

// Members returns the roster sorted by nick
func (c *Channel) Members() []*Member {
	members := make([]*Member, 0, len(c.members))
	for _, m := range c.members {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].Nick.Nick < members[j].Nick.Nick
	})
	return members
}

// MemberCount returns the size of the roster
func (c *Channel) MemberCount() int {
	return len(c.members)
}

// ModeString renders Modes as "+ntk key"
func (c *Channel) ModeString() (string, []string) {
	letters := make([]rune, 0, len(c.Modes))
	for m := range c.Modes {
		letters = append(letters, m)
	}
	sort.Slice(letters, func(i, j int) bool { return letters[i] < letters[j] })

	var b strings.Builder
	var params []string
	b.WriteByte('+')
	for _, m := range letters {
		b.WriteRune(m)
		if p := c.Modes[m]; p != "" {
			params = append(params, p)
		}
	}
	if b.Len() == 1 {
		return "", nil
	}
	return b.String(), params
}

// State is the mirrored session of one connection. It is owned by the
// connection's event loop; nothing here locks.
type State struct {
	Network   string
	Info      *isupport.Info
	Me        *Nick
	UserModes string

	channels map[string]*Channel
	nicks    map[string]*Nick
	log      zerolog.Logger
}

// New creates the state for a session that registered as nick
func New(network string, info *isupport.Info, nick string) *State {
	if info == nil {
		info = isupport.New()
	}
	s := &State{
		Network:  network,
		Info:     info,
		channels: make(map[string]*Channel),
		nicks:    make(map[string]*Nick),
		log:      logger.WithComponent("state").With().Str("network", network).Logger(),
	}
	s.Me = s.nick(nick)
	return s
}

// Channel looks up a joined channel
func (s *State) Channel(name string) *Channel {
	return s.channels[s.Info.Fold(name)]
}

// Channels returns the joined channels sorted by name
func (s *State) Channels() []*Channel {
	chans := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		chans = append(chans, ch)
	}
	sort.Slice(chans, func(i, j int) bool { return chans[i].Name < chans[j].Name })
	return chans
}

// Nick looks up an entry of the global nickname table
func (s *State) Nick(name string) *Nick {
	return s.nicks[s.Info.Fold(name)]
}

// NickCount returns the size of the global nickname table
func (s *State) NickCount() int {
	return len(s.nicks)
}

// Member looks up a nick in a channel roster
func (s *State) Member(channel, nick string) *Member {
	ch := s.Channel(channel)
	if ch == nil {
		return nil
	}
	return ch.members[s.Info.Fold(nick)]
}

// IsMe reports whether a nick is our own
func (s *State) IsMe(nick string) bool {
	return s.Info.Equal(nick, s.Me.Nick)
}

// Rekey rebuilds every name-keyed table. It must be called after the
// casemapping of Info changed.
func (s *State) Rekey() {
	nicks := make(map[string]*Nick, len(s.nicks))
	for _, n := range s.nicks {
		nicks[s.Info.Fold(n.Nick)] = n
		chans := make(map[string]*Channel, len(n.channels))
		for _, ch := range n.channels {
			chans[s.Info.Fold(ch.Name)] = ch
		}
		n.channels = chans
	}
	s.nicks = nicks

	channels := make(map[string]*Channel, len(s.channels))
	for _, ch := range s.channels {
		channels[s.Info.Fold(ch.Name)] = ch
		members := make(map[string]*Member, len(ch.members))
		for _, m := range ch.members {
			members[s.Info.Fold(m.Nick.Nick)] = m
		}
		ch.members = members
	}
	s.channels = channels
}

// The functions below are the only ones that touch membership. Every
// handler goes through them so that channel->members and nick->channels
// stay mirror images of each other.

// nick returns the table entry for name, creating it when missing
func (s *State) nick(name string) *Nick {
	key := s.Info.Fold(name)
	if n, ok := s.nicks[key]; ok {
		return n
	}
	n := &Nick{Nick: name, channels: make(map[string]*Channel)}
	s.nicks[key] = n
	return n
}

func (s *State) addChannel(name string) *Channel {
	key := s.Info.Fold(name)
	if ch, ok := s.channels[key]; ok {
		return ch
	}
	ch := newChannel(name)
	s.channels[key] = ch
	return ch
}

func (s *State) addMember(ch *Channel, n *Nick, modes string) *Member {
	// n always comes from s.nick, so it is in the table already
	key := s.Info.Fold(n.Nick)
	m, ok := ch.members[key]
	if !ok {
		m = &Member{Nick: n}
		ch.members[key] = m
	}
	m.Modes = modes
	n.channels[s.Info.Fold(ch.Name)] = ch
	return m
}

func (s *State) removeMember(ch *Channel, n *Nick) {
	delete(ch.members, s.Info.Fold(n.Nick))
	delete(n.channels, s.Info.Fold(ch.Name))
	if len(n.channels) == 0 && n != s.Me {
		delete(s.nicks, s.Info.Fold(n.Nick))
	}
}

func (s *State) removeNick(n *Nick) {
	for _, ch := range n.channels {
		s.removeMember(ch, n)
	}
	if n != s.Me {
		delete(s.nicks, s.Info.Fold(n.Nick))
	}
}

func (s *State) removeChannel(ch *Channel) {
	for _, m := range ch.members {
		s.removeMember(ch, m.Nick)
	}
	delete(s.channels, s.Info.Fold(ch.Name))
}

func (s *State) renameNick(n *Nick, newName string) {
	oldKey := s.Info.Fold(n.Nick)
	newKey := s.Info.Fold(newName)

	if other, ok := s.nicks[newKey]; ok && other != n {
		// A stale entry under the new name can only be an inconsistency
		// on the server's side; the rename wins.
		s.log.Warn().Str("nick", newName).Msg("Nick change onto a known nick, dropping the old entry")
		s.removeNick(other)
	}

	delete(s.nicks, oldKey)
	n.Nick = newName
	s.nicks[newKey] = n
	for _, ch := range n.channels {
		if m, ok := ch.members[oldKey]; ok {
			delete(ch.members, oldKey)
			ch.members[newKey] = m
		}
	}
}

// updateFromHostmask fills in user and host from a line origin
func (s *State) updateFromHostmask(n *Nick, hm irc.Hostmask) {
	if hm.User != "" {
		n.Username = hm.User
	}
	if hm.Host != "" {
		n.Hostname = hm.Host
	}
}

func modeAdd(modes string, mode rune) string {
	if strings.ContainsRune(modes, mode) {
		return modes
	}
	return modes + string(mode)
}

func modeRemove(modes string, mode rune) string {
	return strings.ReplaceAll(modes, string(mode), "")
}
