package state

import (
	"strconv"
	"strings"
	"time"

	"github.com/jelmer/ctrlproxy/internal/irc"
)

type handlerFunc func(s *State, l *irc.Line)

var handlers map[string]handlerFunc

func init() {
	handlers = map[string]handlerFunc{
		"JOIN":                handleJoin,
		"PART":                handlePart,
		"KICK":                handleKick,
		"QUIT":                handleQuit,
		"NICK":                handleNick,
		"MODE":                handleMode,
		"TOPIC":               handleTopic,
		"CHGHOST":             handleChghost,
		"AWAY":                handleAway,
		irc.RPL_WELCOME:       handleWelcome,
		irc.RPL_UMODEIS:       handleUmodeIs,
		irc.RPL_UNAWAY:        handleUnaway,
		irc.RPL_NOWAWAY:       handleNowAway,
		irc.RPL_CHANNELMODEIS: handleChannelModeIs,
		irc.RPL_CREATIONTIME:  handleCreationTime,
		irc.RPL_NOTOPIC:       handleNoTopic,
		irc.RPL_TOPIC:         handleTopicReply,
		irc.RPL_TOPICWHOTIME:  handleTopicWhoTime,
		irc.RPL_WHOREPLY:      handleWhoReply,
		irc.RPL_NAMREPLY:      handleNamReply,
		irc.RPL_ENDOFNAMES:    handleEndOfNames,
		irc.RPL_BANLIST:       listEntryHandler('b'),
		irc.RPL_ENDOFBANLIST:  listEndHandler('b'),
		irc.RPL_EXCEPTLIST:    listEntryHandler('e'),
		irc.RPL_ENDOFEXCEPT:   listEndHandler('e'),
		irc.RPL_INVITELIST:    listEntryHandler('I'),
		irc.RPL_ENDOFINVITE:   listEndHandler('I'),
	}
}

// HandleLine applies a line received from the server. Lines the state does
// not track are ignored; inconsistent ones are logged and leave the state as
// it was.
func (s *State) HandleLine(l *irc.Line) {
	if h, ok := handlers[l.Command()]; ok {
		h(s, l)
	}
}

// Handles reports whether a command changes the state
func Handles(command string) bool {
	_, ok := handlers[strings.ToUpper(command)]
	return ok
}

// lineTime is the server-time tag of l, or now
func lineTime(l *irc.Line) int64 {
	if v, ok := l.Tags["time"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t.Unix()
		}
	}
	return time.Now().Unix()
}

func (s *State) requireArgs(l *irc.Line, n int) bool {
	if len(l.Args) < n {
		s.log.Warn().Str("line", l.String()).Msg("Too few arguments, ignoring")
		return false
	}
	return true
}

func (s *State) knownChannel(l *irc.Line, name string) *Channel {
	ch := s.Channel(name)
	if ch == nil {
		s.log.Warn().Str("channel", name).Str("command", l.Command()).Msg("Line for a channel we are not in")
	}
	return ch
}

func handleJoin(s *State, l *irc.Line) {
	if !s.requireArgs(l, 2) {
		return
	}
	hm := irc.ParseHostmask(l.Origin)
	for _, name := range strings.Split(l.Args[1], ",") {
		var ch *Channel
		if s.IsMe(hm.Nick) {
			ch = s.addChannel(name)
		} else if ch = s.knownChannel(l, name); ch == nil {
			continue
		}
		n := s.nick(hm.Nick)
		s.updateFromHostmask(n, hm)
		// extended-join: JOIN #chan account :realname
		if len(l.Args) >= 4 {
			n.RealName = l.Args[3]
		}
		s.addMember(ch, n, "")
	}
}

func handlePart(s *State, l *irc.Line) {
	if !s.requireArgs(l, 2) {
		return
	}
	nick := l.Nick()
	for _, name := range strings.Split(l.Args[1], ",") {
		ch := s.knownChannel(l, name)
		if ch == nil {
			continue
		}
		if s.IsMe(nick) {
			s.removeChannel(ch)
			continue
		}
		n := s.Nick(nick)
		if n == nil {
			s.log.Warn().Str("nick", nick).Str("channel", name).Msg("PART from unknown nick")
			continue
		}
		s.removeMember(ch, n)
	}
}

func handleKick(s *State, l *irc.Line) {
	if !s.requireArgs(l, 3) {
		return
	}
	ch := s.knownChannel(l, l.Args[1])
	if ch == nil {
		return
	}
	for _, victim := range strings.Split(l.Args[2], ",") {
		if s.IsMe(victim) {
			s.removeChannel(ch)
			return
		}
		n := s.Nick(victim)
		if n == nil {
			s.log.Warn().Str("nick", victim).Str("channel", ch.Name).Msg("KICK of unknown nick")
			continue
		}
		s.removeMember(ch, n)
	}
}

func handleQuit(s *State, l *irc.Line) {
	nick := l.Nick()
	if s.IsMe(nick) {
		return
	}
	if n := s.Nick(nick); n != nil {
		s.removeNick(n)
	}
}

func handleNick(s *State, l *irc.Line) {
	if !s.requireArgs(l, 2) {
		return
	}
	hm := irc.ParseHostmask(l.Origin)
	n := s.Nick(hm.Nick)
	if n == nil {
		s.log.Warn().Str("nick", hm.Nick).Msg("NICK change of unknown nick")
		return
	}
	// Our own entry is the same object as Me, so this also tracks our nick
	s.updateFromHostmask(n, hm)
	s.renameNick(n, l.Args[1])
}

func handleMode(s *State, l *irc.Line) {
	if !s.requireArgs(l, 3) {
		return
	}
	target := l.Args[1]
	if s.Info.IsChannel(target) {
		ch := s.knownChannel(l, target)
		if ch == nil {
			return
		}
		changes, err := ParseModes(s.Info, l.Args[2], l.Args[3:], true)
		if err != nil {
			s.log.Warn().Err(err).Str("channel", target).Msg("Ignoring mode change")
			return
		}
		s.applyChannelModes(ch, changes, l.Origin, lineTime(l))
		return
	}
	if !s.IsMe(target) {
		s.log.Warn().Str("target", target).Msg("MODE for another user")
		return
	}
	changes, err := ParseModes(s.Info, l.Args[2], nil, false)
	if err != nil {
		s.log.Warn().Err(err).Msg("Ignoring user mode change")
		return
	}
	s.applyUserModes(changes)
}

func handleTopic(s *State, l *irc.Line) {
	if !s.requireArgs(l, 3) {
		return
	}
	ch := s.knownChannel(l, l.Args[1])
	if ch == nil {
		return
	}
	ch.Topic = l.Args[2]
	ch.TopicSetBy = l.Origin
	ch.TopicSetTime = lineTime(l)
}

func handleChghost(s *State, l *irc.Line) {
	if !s.requireArgs(l, 3) {
		return
	}
	if n := s.Nick(l.Nick()); n != nil {
		n.Username = l.Args[1]
		n.Hostname = l.Args[2]
	}
}

func handleAway(s *State, l *irc.Line) {
	n := s.Nick(l.Nick())
	if n == nil {
		return
	}
	n.Away = l.Arg(1)
}

// 001 <nick> :Welcome
func handleWelcome(s *State, l *irc.Line) {
	if !s.requireArgs(l, 2) {
		return
	}
	if nick := l.Args[1]; nick != s.Me.Nick {
		s.renameNick(s.Me, nick)
	}
}

// 221 <nick> <modes>
func handleUmodeIs(s *State, l *irc.Line) {
	if !s.requireArgs(l, 3) {
		return
	}
	s.UserModes = strings.TrimPrefix(l.Args[2], "+")
}

func handleUnaway(s *State, l *irc.Line) {
	s.Me.Away = ""
}

func handleNowAway(s *State, l *irc.Line) {
	if s.Me.Away == "" {
		s.Me.Away = "away"
	}
}

// 324 <nick> <channel> <modes> [params...]
func handleChannelModeIs(s *State, l *irc.Line) {
	if !s.requireArgs(l, 4) {
		return
	}
	ch := s.knownChannel(l, l.Args[2])
	if ch == nil {
		return
	}
	changes, err := ParseModes(s.Info, l.Args[3], l.Args[4:], true)
	if err != nil {
		s.log.Warn().Err(err).Str("channel", ch.Name).Msg("Ignoring channel mode reply")
		return
	}
	ch.Modes = make(map[rune]string)
	s.applyChannelModes(ch, changes, "", 0)
}

// 329 <nick> <channel> <time>
func handleCreationTime(s *State, l *irc.Line) {
	if !s.requireArgs(l, 4) {
		return
	}
	if ch := s.knownChannel(l, l.Args[2]); ch != nil {
		ch.CreationTime, _ = strconv.ParseInt(l.Args[3], 10, 64)
	}
}

// 331 <nick> <channel> :No topic is set
func handleNoTopic(s *State, l *irc.Line) {
	if !s.requireArgs(l, 3) {
		return
	}
	if ch := s.knownChannel(l, l.Args[2]); ch != nil {
		ch.Topic, ch.TopicSetBy, ch.TopicSetTime = "", "", 0
	}
}

// 332 <nick> <channel> :<topic>
func handleTopicReply(s *State, l *irc.Line) {
	if !s.requireArgs(l, 4) {
		return
	}
	if ch := s.knownChannel(l, l.Args[2]); ch != nil {
		ch.Topic = l.Args[3]
	}
}

// 333 <nick> <channel> <setter> <time>
func handleTopicWhoTime(s *State, l *irc.Line) {
	if !s.requireArgs(l, 5) {
		return
	}
	if ch := s.knownChannel(l, l.Args[2]); ch != nil {
		ch.TopicSetBy = l.Args[3]
		ch.TopicSetTime, _ = strconv.ParseInt(l.Args[4], 10, 64)
	}
}

// 352 <me> <channel> <user> <host> <server> <nick> <flags> :<hops> <realname>
func handleWhoReply(s *State, l *irc.Line) {
	if !s.requireArgs(l, 9) {
		return
	}
	n := s.Nick(l.Args[6])
	if n == nil {
		return
	}
	n.Username = l.Args[3]
	n.Hostname = l.Args[4]
	if _, realname, ok := strings.Cut(l.Args[8], " "); ok {
		n.RealName = realname
	}
	if strings.HasPrefix(l.Args[7], "G") {
		if n.Away == "" {
			n.Away = "away"
		}
	} else {
		n.Away = ""
	}
}

// 353 <me> <type> <channel> :<names>
func handleNamReply(s *State, l *irc.Line) {
	if !s.requireArgs(l, 5) {
		return
	}
	ch := s.knownChannel(l, l.Args[3])
	if ch == nil {
		return
	}
	if !ch.namesOpen {
		ch.pendingNames = make(map[string]*pendingMember)
		ch.namesOpen = true
	}
	for _, entry := range strings.Fields(l.Args[4]) {
		nick, modes, _ := s.Info.ParsePrefixedNick(entry)
		if nick == "" {
			s.log.Warn().Str("channel", ch.Name).Str("entry", entry).Msg("Empty names entry")
			continue
		}
		// userhost-in-names gives nick!user@host
		hm := irc.ParseHostmask(nick)
		ch.pendingNames[s.Info.Fold(hm.Nick)] = &pendingMember{hostmask: hm, modes: modes}
	}
}

// 366 <me> <channel> :End of /NAMES list. Commits the roster gathered by 353.
func handleEndOfNames(s *State, l *irc.Line) {
	if !s.requireArgs(l, 3) {
		return
	}
	ch := s.knownChannel(l, l.Args[2])
	if ch == nil {
		return
	}
	pending := ch.pendingNames
	ch.pendingNames, ch.namesOpen = nil, false

	for key, m := range ch.members {
		if _, ok := pending[key]; !ok {
			s.removeMember(ch, m.Nick)
		}
	}
	for _, p := range pending {
		n := s.nick(p.hostmask.Nick)
		s.updateFromHostmask(n, p.hostmask)
		s.addMember(ch, n, s.Info.SortModes(p.modes))
	}
}

// 367 <me> <channel> <mask> [<setter> <time>], and the same layout for 346 and 348
func listEntryHandler(mode rune) handlerFunc {
	return func(s *State, l *irc.Line) {
		if !s.requireArgs(l, 4) {
			return
		}
		ch := s.knownChannel(l, l.Args[2])
		if ch == nil {
			return
		}
		if ch.pendingLists == nil {
			ch.pendingLists = make(map[rune][]ListEntry)
		}
		e := ListEntry{Mask: l.Args[3], SetBy: l.Arg(4)}
		e.SetAt, _ = strconv.ParseInt(l.Arg(5), 10, 64)
		ch.pendingLists[mode] = append(ch.pendingLists[mode], e)
	}
}

func listEndHandler(mode rune) handlerFunc {
	return func(s *State, l *irc.Line) {
		if !s.requireArgs(l, 3) {
			return
		}
		ch := s.knownChannel(l, l.Args[2])
		if ch == nil {
			return
		}
		ch.Lists[mode] = ch.pendingLists[mode]
		delete(ch.pendingLists, mode)
	}
}
