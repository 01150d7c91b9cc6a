package transport

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
)

var (
	// ErrCharset is reported when a line cannot be converted
	ErrCharset = errors.New("transport: charset conversion failed")
	// ErrUnsupportedCharset is returned for charset names we cannot convert
	ErrUnsupportedCharset = errors.New("transport: unsupported charset")
)

// codec converts between the wire charset and UTF-8. A nil codec passes
// bytes through untouched.
type codec struct {
	name   string
	enc    encoding.Encoding
	strict bool
}

func lookupCharset(name string) (*codec, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	switch strings.ToUpper(name) {
	case "UTF-8", "UTF8":
		return &codec{name: "UTF-8", strict: true}, nil
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil || enc == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCharset, name)
	}
	canonical, err := ianaindex.IANA.Name(enc)
	if err != nil {
		canonical = name
	}
	return &codec{name: canonical, enc: enc}, nil
}

func (c *codec) String() string {
	if c == nil {
		return ""
	}
	return c.name
}

func (c *codec) decode(b []byte) (string, error) {
	if c == nil {
		return string(b), nil
	}
	if c.strict {
		if !utf8.Valid(b) {
			return "", fmt.Errorf("%w: invalid UTF-8", ErrCharset)
		}
		return string(b), nil
	}
	out, err := c.enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrCharset, c.name, err)
	}
	return string(out), nil
}

func (c *codec) encode(s string) ([]byte, error) {
	if c == nil {
		return []byte(s), nil
	}
	if c.strict {
		if !utf8.ValidString(s) {
			return nil, fmt.Errorf("%w: invalid UTF-8", ErrCharset)
		}
		return []byte(s), nil
	}
	out, err := c.enc.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCharset, c.name, err)
	}
	return out, nil
}
