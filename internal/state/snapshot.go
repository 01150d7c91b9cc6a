package state

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/jelmer/ctrlproxy/internal/isupport"
)

// Snapshot is the serialisable form of a State, used by durable history
// backends and for deep copies
type Snapshot struct {
	Network   string            `json:"network"`
	ISupport  []string          `json:"isupport,omitempty"`
	Me        NickSnapshot      `json:"me"`
	UserModes string            `json:"user_modes,omitempty"`
	Nicks     []NickSnapshot    `json:"nicks,omitempty"`
	Channels  []ChannelSnapshot `json:"channels,omitempty"`
}

// NickSnapshot is a Nick without its channel links
type NickSnapshot struct {
	Nick     string `json:"nick"`
	Username string `json:"username,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	RealName string `json:"realname,omitempty"`
	Away     string `json:"away,omitempty"`
}

// MemberSnapshot is one channel member, referring to its nick by name
type MemberSnapshot struct {
	Nick  string `json:"nick"`
	Modes string `json:"modes,omitempty"`
}

// ChannelSnapshot is a Channel with modes keyed by mode letter
type ChannelSnapshot struct {
	Name         string                 `json:"name"`
	Topic        string                 `json:"topic,omitempty"`
	TopicSetBy   string                 `json:"topic_set_by,omitempty"`
	TopicSetTime int64                  `json:"topic_set_time,omitempty"`
	CreationTime int64                  `json:"creation_time,omitempty"`
	Modes        map[string]string      `json:"modes,omitempty"`
	Lists        map[string][]ListEntry `json:"lists,omitempty"`
	Members      []MemberSnapshot       `json:"members,omitempty"`
}

func snapshotNick(n *Nick) NickSnapshot {
	return NickSnapshot{Nick: n.Nick, Username: n.Username, Hostname: n.Hostname, RealName: n.RealName, Away: n.Away}
}

// Snapshot captures the state
func (s *State) Snapshot() *Snapshot {
	snap := &Snapshot{
		Network:   s.Network,
		ISupport:  s.Info.Tokens(),
		Me:        snapshotNick(s.Me),
		UserModes: s.UserModes,
	}
	for _, n := range s.nicks {
		if n != s.Me {
			snap.Nicks = append(snap.Nicks, snapshotNick(n))
		}
	}
	sort.Slice(snap.Nicks, func(i, j int) bool { return snap.Nicks[i].Nick < snap.Nicks[j].Nick })
	for _, ch := range s.Channels() {
		cs := ChannelSnapshot{
			Name:         ch.Name,
			Topic:        ch.Topic,
			TopicSetBy:   ch.TopicSetBy,
			TopicSetTime: ch.TopicSetTime,
			CreationTime: ch.CreationTime,
			Modes:        make(map[string]string, len(ch.Modes)),
			Lists:        make(map[string][]ListEntry, len(ch.Lists)),
		}
		for m, p := range ch.Modes {
			cs.Modes[string(m)] = p
		}
		for m, list := range ch.Lists {
			if len(list) > 0 {
				cs.Lists[string(m)] = append([]ListEntry(nil), list...)
			}
		}
		for _, m := range ch.Members() {
			cs.Members = append(cs.Members, MemberSnapshot{Nick: m.Nick.Nick, Modes: m.Modes})
		}
		snap.Channels = append(snap.Channels, cs)
	}
	return snap
}

// FromSnapshot rebuilds a State
func FromSnapshot(snap *Snapshot) *State {
	info := isupport.New()
	info.ParseTokens(snap.ISupport)

	s := New(snap.Network, info, snap.Me.Nick)
	restoreNick(s.Me, snap.Me)
	s.UserModes = snap.UserModes
	for _, ns := range snap.Nicks {
		restoreNick(s.nick(ns.Nick), ns)
	}
	for _, cs := range snap.Channels {
		ch := s.addChannel(cs.Name)
		ch.Topic = cs.Topic
		ch.TopicSetBy = cs.TopicSetBy
		ch.TopicSetTime = cs.TopicSetTime
		ch.CreationTime = cs.CreationTime
		for m, p := range cs.Modes {
			if r := []rune(m); len(r) == 1 {
				ch.Modes[r[0]] = p
			}
		}
		for m, list := range cs.Lists {
			if r := []rune(m); len(r) == 1 {
				ch.Lists[r[0]] = append([]ListEntry(nil), list...)
			}
		}
		for _, ms := range cs.Members {
			s.addMember(ch, s.nick(ms.Nick), ms.Modes)
		}
	}
	return s
}

func restoreNick(n *Nick, ns NickSnapshot) {
	n.Username, n.Hostname, n.RealName, n.Away = ns.Username, ns.Hostname, ns.RealName, ns.Away
}

// Copy returns a deep copy, including its own feature table
func (s *State) Copy() *State {
	return FromSnapshot(s.Snapshot())
}

// MarshalSnapshot encodes the state for storage
func (s *State) MarshalSnapshot() ([]byte, error) {
	data, err := json.Marshal(s.Snapshot())
	if err != nil {
		return nil, fmt.Errorf("failed to encode state snapshot: %w", err)
	}
	return data, nil
}

// UnmarshalSnapshot decodes a state written by MarshalSnapshot
func UnmarshalSnapshot(data []byte) (*State, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode state snapshot: %w", err)
	}
	return FromSnapshot(&snap), nil
}
