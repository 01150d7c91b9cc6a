package irc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	table := []struct {
		raw         string
		origin      string
		args        []string
		hasTrailing bool
	}{
		{"PING :irc.example.com", "", []string{"PING", "irc.example.com"}, true},
		{":nick!user@host PRIVMSG #chan :hello world", "nick!user@host", []string{"PRIVMSG", "#chan", "hello world"}, true},
		{":server 005 me CHANTYPES=# PREFIX=(ov)@+ :are supported", "server", []string{"005", "me", "CHANTYPES=#", "PREFIX=(ov)@+", "are supported"}, true},
		{"MODE #chan +o  nick", "", []string{"MODE", "#chan", "+o", "nick"}, false},
		{"JOIN #chan\r\n\r\n", "", []string{"JOIN", "#chan"}, false},
		{"TOPIC #chan :", "", []string{"TOPIC", "#chan", ""}, true},
		{"PRIVMSG #chan ::-)", "", []string{"PRIVMSG", "#chan", ":-)"}, true},
		{"PRIVMSG #chan :a  b ", "", []string{"PRIVMSG", "#chan", "a  b "}, true},
		{"", "", nil, false},
		{"\r\n", "", nil, false},
		{"   ", "", nil, false},
	}

	for _, row := range table {
		t.Run(row.raw, func(t *testing.T) {
			l, err := Parse(row.raw)
			require.NoError(t, err)
			assert.Equal(t, row.origin, l.Origin)
			assert.Equal(t, row.args, l.Args)
			assert.Equal(t, row.hasTrailing, l.HasTrailing)
		})
	}
}

func TestParseTags(t *testing.T) {
	l, err := Parse(`@time=2024-01-01T00:00:00.000Z;msgid=a\sb :n!u@h PRIVMSG #c :hi`)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01T00:00:00.000Z", l.Tags["time"])
	assert.Equal(t, "a b", l.Tags["msgid"])
	assert.Equal(t, "n!u@h", l.Origin)
	assert.Equal(t, "PRIVMSG", l.Command())
}

func TestParseMalformed(t *testing.T) {
	l, err := Parse(":lonely.origin")
	assert.ErrorIs(t, err, ErrMalformed)
	require.NotNil(t, l)
	assert.Equal(t, "lonely.origin", l.Origin)
	assert.Empty(t, l.Args)
}

func TestSerialize(t *testing.T) {
	table := []struct {
		line *Line
		out  string
	}{
		{NewLine("", "NICK", "jelmer"), "NICK jelmer"},
		{NewLine("", "PRIVMSG", "#chan", "hello world"), "PRIVMSG #chan :hello world"},
		{NewLine("", "PRIVMSG", "#chan", ":)"), "PRIVMSG #chan ::)"},
		{NewLine("", "TOPIC", "#chan", ""), "TOPIC #chan :"},
		{NewLine("me!u@h", "JOIN", "#chan"), ":me!u@h JOIN #chan"},
		{&Line{Args: []string{"PRIVMSG", "#chan", "single"}, HasTrailing: true}, "PRIVMSG #chan :single"},
		{&Line{}, ""},
	}

	for _, row := range table {
		t.Run(row.out, func(t *testing.T) {
			assert.Equal(t, row.out, row.line.String())
		})
	}
}

func TestRoundTrip(t *testing.T) {
	inputs := []string{
		":nick!user@host PRIVMSG #chan :hello world",
		"PRIVMSG #chan :single",
		"PRIVMSG #chan single",
		":srv 353 me = #chan :@op +voice plain",
		":srv 005 me NETWORK=Test CASEMAPPING=rfc1459 :are supported by this server",
		"TOPIC #chan :",
		"PRIVMSG #chan ::leading colon",
		"MODE #chan +ov a b",
		"@label=x PING :token",
	}

	for _, raw := range inputs {
		t.Run(raw, func(t *testing.T) {
			first, err := Parse(raw)
			require.NoError(t, err)
			second, err := Parse(first.String())
			require.NoError(t, err)
			assert.True(t, first.Equal(second), "%q != %q", first.String(), second.String())
		})
	}
}

func TestBytesTerminated(t *testing.T) {
	assert.Equal(t, []byte("QUIT :bye now\r\n"), NewLine("", "QUIT", "bye now").Bytes())
}

func TestCopyIsDeep(t *testing.T) {
	l := MustParse("@a=b :n!u@h PRIVMSG #chan :text")
	c := l.Copy()
	c.Args[1] = "#other"
	c.Tags["a"] = "c"
	assert.Equal(t, "#chan", l.Args[1])
	assert.Equal(t, "b", l.Tags["a"])
	assert.False(t, l.Equal(c))
}

func TestNickAndHostmask(t *testing.T) {
	l := MustParse(":dan-!d@localhost QUIT :Quit: Bye")
	assert.Equal(t, "dan-", l.Nick())

	hm := ParseHostmask("dan-!d@localhost")
	assert.Equal(t, Hostmask{Nick: "dan-", User: "d", Host: "localhost"}, hm)
	assert.Equal(t, "dan-!d@localhost", hm.String())

	assert.Equal(t, "irc.example.com", ParseHostmask("irc.example.com").Nick)
	assert.Equal(t, Hostmask{}, ParseHostmask(""))
}

func TestLineAccessors(t *testing.T) {
	l := MustParse("privmsg #chan :hi")
	assert.Equal(t, "PRIVMSG", l.Command())
	assert.True(t, l.Is("PRIVMSG"))
	assert.Equal(t, "#chan", l.Arg(1))
	assert.Equal(t, "", l.Arg(5))
	assert.Equal(t, []string{"#chan", "hi"}, l.Params())
	assert.Equal(t, "hi", l.Last())
}
