package state

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jelmer/ctrlproxy/internal/isupport"
)

// ErrMalformedMode is returned for a mode string whose parameters do not line up
var ErrMalformedMode = errors.New("state: malformed mode change")

// ModeChange is one letter of a MODE line with its sign and parameter
type ModeChange struct {
	Add   bool
	Mode  rune
	Param string
}

// ParseModes splits a mode string and its parameters positionally. Each
// letter consumes a parameter depending on its class and the current sign.
// Letters before the first sign are treated as additions.
func ParseModes(info *isupport.Info, modes string, params []string, channel bool) ([]ModeChange, error) {
	var changes []ModeChange
	add := true
	next := 0
	for _, m := range modes {
		switch m {
		case '+':
			add = true
			continue
		case '-':
			add = false
			continue
		}
		change := ModeChange{Add: add, Mode: m}
		if channel && info.ModeTakesArgument(m, add) {
			if next >= len(params) {
				return changes, fmt.Errorf("%w: %c needs a parameter in %q", ErrMalformedMode, m, modes)
			}
			change.Param = params[next]
			next++
		}
		changes = append(changes, change)
	}
	if next < len(params) {
		return changes, fmt.Errorf("%w: %d unused parameters in %q", ErrMalformedMode, len(params)-next, modes)
	}
	return changes, nil
}

// FormatModes renders changes as a mode string and its parameters
func FormatModes(changes []ModeChange) (string, []string) {
	var b strings.Builder
	var params []string
	sign := byte(0)
	for _, c := range changes {
		want := byte('-')
		if c.Add {
			want = '+'
		}
		if want != sign {
			b.WriteByte(want)
			sign = want
		}
		b.WriteRune(c.Mode)
		if c.Param != "" {
			params = append(params, c.Param)
		}
	}
	return b.String(), params
}

func (s *State) applyChannelModes(ch *Channel, changes []ModeChange, setter string, now int64) {
	for _, c := range changes {
		switch s.Info.ModeClass(c.Mode) {
		case isupport.ModePrefix:
			m := ch.members[s.Info.Fold(c.Param)]
			if m == nil {
				s.log.Warn().Str("channel", ch.Name).Str("nick", c.Param).Msgf("Status mode %c for unknown member", c.Mode)
				continue
			}
			if c.Add {
				m.Modes = s.Info.SortModes(modeAdd(m.Modes, c.Mode))
			} else {
				m.Modes = modeRemove(m.Modes, c.Mode)
			}
		case isupport.ModeList:
			if c.Add {
				ch.Lists[c.Mode] = addListEntry(s, ch.Lists[c.Mode], ListEntry{Mask: c.Param, SetBy: setter, SetAt: now})
			} else {
				ch.Lists[c.Mode] = removeListEntry(s, ch.Lists[c.Mode], c.Param)
			}
		default:
			if c.Add {
				ch.Modes[c.Mode] = c.Param
			} else {
				delete(ch.Modes, c.Mode)
			}
		}
	}
}

func (s *State) applyUserModes(changes []ModeChange) {
	for _, c := range changes {
		if c.Add {
			s.UserModes = modeAdd(s.UserModes, c.Mode)
		} else {
			s.UserModes = modeRemove(s.UserModes, c.Mode)
		}
	}
}

func addListEntry(s *State, list []ListEntry, e ListEntry) []ListEntry {
	for _, old := range list {
		if s.Info.Equal(old.Mask, e.Mask) {
			return list
		}
	}
	return append(list, e)
}

func removeListEntry(s *State, list []ListEntry, mask string) []ListEntry {
	out := list[:0:0]
	for _, e := range list {
		if !s.Info.Equal(e.Mask, mask) {
			out = append(out, e)
		}
	}
	return out
}
