package irc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ergochat/irc-go/ircmsg"
)

// ErrMalformed is wrapped by Parse when the input does not follow the line grammar.
// The returned Line is still the best-effort parse.
var ErrMalformed = errors.New("irc: malformed line")

// Line is a single protocol line: an optional origin, the command and its
// arguments, and whether the last argument was written with the ':' marker.
// A Line is treated as immutable once it has been handed to another component;
// use Copy to derive a modified one.
type Line struct {
	Origin      string
	Args        []string
	Tags        map[string]string
	HasTrailing bool
}

// NewLine builds a line from an origin (may be empty) and its arguments
func NewLine(origin string, args ...string) *Line {
	return &Line{Origin: origin, Args: args}
}

// Parse splits a raw wire line. Line terminators are stripped; an empty input
// yields a Line with no arguments.
func Parse(raw string) (*Line, error) {
	raw = strings.TrimRight(raw, "\r\n")
	l := &Line{}
	rest := raw

	if strings.HasPrefix(rest, "@") {
		tagPart := rest
		if sp := strings.IndexByte(rest, ' '); sp >= 0 {
			tagPart, rest = rest[:sp], rest[sp+1:]
		} else {
			rest = ""
		}
		l.Tags = parseTags(tagPart)
	}

	rest = strings.TrimLeft(rest, " ")
	if strings.HasPrefix(rest, ":") {
		sp := strings.IndexByte(rest, ' ')
		if sp < 0 {
			l.Origin = rest[1:]
			return l, fmt.Errorf("%w: origin %q without command", ErrMalformed, l.Origin)
		}
		l.Origin, rest = rest[1:sp], rest[sp+1:]
	}

	for {
		rest = strings.TrimLeft(rest, " ")
		if rest == "" {
			break
		}
		if rest[0] == ':' && len(l.Args) > 0 {
			l.Args = append(l.Args, rest[1:])
			l.HasTrailing = true
			break
		}
		sp := strings.IndexByte(rest, ' ')
		if sp < 0 {
			l.Args = append(l.Args, rest)
			break
		}
		l.Args = append(l.Args, rest[:sp])
		rest = rest[sp+1:]
	}

	if l.Origin != "" && len(l.Args) == 0 {
		return l, fmt.Errorf("%w: origin %q without command", ErrMalformed, l.Origin)
	}
	return l, nil
}

// MustParse is Parse for literals in tests and fixed protocol replies
func MustParse(raw string) *Line {
	l, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return l
}

func parseTags(tagPart string) map[string]string {
	// ircmsg handles the escaping rules; give it a dummy command to parse against
	msg, err := ircmsg.ParseLine(tagPart + " PING")
	if err != nil {
		return nil
	}
	tags := msg.AllTags()
	if len(tags) == 0 {
		return nil
	}
	return tags
}

// Command returns the upper-cased command, or "" for a content-free line
func (l *Line) Command() string {
	if len(l.Args) == 0 {
		return ""
	}
	return strings.ToUpper(l.Args[0])
}

// Is reports whether the line carries the given command
func (l *Line) Is(command string) bool {
	return len(l.Args) > 0 && strings.EqualFold(l.Args[0], command)
}

// Arg returns argument i (0 is the command) or "" when absent
func (l *Line) Arg(i int) string {
	if i < 0 || i >= len(l.Args) {
		return ""
	}
	return l.Args[i]
}

// Params returns the arguments after the command
func (l *Line) Params() []string {
	if len(l.Args) <= 1 {
		return nil
	}
	return l.Args[1:]
}

// Last returns the final argument
func (l *Line) Last() string {
	if len(l.Args) == 0 {
		return ""
	}
	return l.Args[len(l.Args)-1]
}

// Nick returns the nickname part of the origin
func (l *Line) Nick() string {
	return ParseHostmask(l.Origin).Nick
}

// Copy returns a deep copy
func (l *Line) Copy() *Line {
	c := &Line{
		Origin:      l.Origin,
		Args:        append([]string(nil), l.Args...),
		HasTrailing: l.HasTrailing,
	}
	if l.Tags != nil {
		c.Tags = make(map[string]string, len(l.Tags))
		for k, v := range l.Tags {
			c.Tags[k] = v
		}
	}
	return c
}

// WithOrigin returns a copy with the origin replaced
func (l *Line) WithOrigin(origin string) *Line {
	c := l.Copy()
	c.Origin = origin
	return c
}

// Equal compares origin, arguments, tags and trailing-marker usage
func (l *Line) Equal(o *Line) bool {
	if l == nil || o == nil {
		return l == o
	}
	if l.Origin != o.Origin || l.HasTrailing != o.HasTrailing || len(l.Args) != len(o.Args) || len(l.Tags) != len(o.Tags) {
		return false
	}
	for i := range l.Args {
		if l.Args[i] != o.Args[i] {
			return false
		}
	}
	for k, v := range l.Tags {
		if ov, ok := o.Tags[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

func needsTrailing(arg string) bool {
	return arg == "" || strings.IndexByte(arg, ' ') >= 0 || arg[0] == ':'
}

// String serialises the line without a terminator
func (l *Line) String() string {
	if len(l.Args) == 0 {
		return ""
	}

	msg := ircmsg.MakeMessage(l.Tags, l.Origin, l.Args[0], l.Args[1:]...)
	if l.HasTrailing && len(l.Args) > 1 {
		msg.ForceTrailing()
	}
	if out, err := msg.Line(); err == nil {
		return strings.TrimRight(out, "\r\n")
	}

	// ircmsg rejects some content a server may still hand us (bad bytes,
	// odd middle params); write those out directly
	return l.format()
}

func (l *Line) format() string {
	var b strings.Builder
	if l.Origin != "" {
		b.WriteByte(':')
		b.WriteString(l.Origin)
		b.WriteByte(' ')
	}
	b.WriteString(l.Args[0])
	last := len(l.Args) - 1
	for i := 1; i <= last; i++ {
		b.WriteByte(' ')
		arg := l.Args[i]
		if i == last && (l.HasTrailing || needsTrailing(arg)) {
			b.WriteByte(':')
		}
		b.WriteString(arg)
	}
	return b.String()
}

// Bytes serialises the line with its CRLF terminator
func (l *Line) Bytes() []byte {
	return []byte(l.String() + "\r\n")
}
