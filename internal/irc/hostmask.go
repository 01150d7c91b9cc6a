package irc

import (
	"strings"

	"github.com/ergochat/irc-go/ircmsg"
)

// Hostmask is a nick!user@host origin
type Hostmask struct {
	Nick string
	User string
	Host string
}

// ParseHostmask splits an origin. Server names (no '!' or '@') come back as Nick.
func ParseHostmask(origin string) Hostmask {
	if origin == "" {
		return Hostmask{}
	}
	nuh, err := ircmsg.ParseNUH(origin)
	if err != nil {
		nick, _, _ := strings.Cut(origin, "!")
		return Hostmask{Nick: nick}
	}
	return Hostmask{Nick: nuh.Name, User: nuh.User, Host: nuh.Host}
}

// String reassembles the mask, omitting missing parts
func (h Hostmask) String() string {
	s := h.Nick
	if h.User != "" {
		s += "!" + h.User
	}
	if h.Host != "" {
		s += "@" + h.Host
	}
	return s
}
