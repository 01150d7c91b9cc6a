package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateNetworkConfig(t *testing.T) {
	tests := []struct {
		name     string
		network  string
		nick     string
		username string
		realname string
		servers  []Server
		wantErr  string
	}{
		{"valid", "libera", "bob", "bob", "Bob", []Server{{Host: "irc.libera.chat", Port: 6697}}, ""},
		{"no servers", "local", "bob", "bob", "Bob", nil, ""},
		{"missing name", "", "bob", "bob", "Bob", nil, "network name is required"},
		{"colon in name", "a:b", "bob", "bob", "Bob", nil, "invalid characters"},
		{"missing nick", "libera", " ", "bob", "Bob", nil, "nickname is required"},
		{"digit nick", "libera", "1bob", "bob", "Bob", nil, "must not start"},
		{"missing username", "libera", "bob", "", "Bob", nil, "username is required"},
		{"missing realname", "libera", "bob", "bob", "", nil, "realname is required"},
		{"bad port", "libera", "bob", "bob", "Bob", []Server{{Host: "irc", Port: 70000}}, "server 1: port"},
		{"missing host", "libera", "bob", "bob", "Bob", []Server{{Host: "a"}, {Host: ""}}, "server 2: server address"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateNetworkConfig(tt.network, tt.nick, tt.username, tt.realname, tt.servers)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestValidateChannelName(t *testing.T) {
	for _, ok := range []string{"#go", "&local", "+modeless", "!12345chan"} {
		assert.NoError(t, ValidateChannelName(ok), ok)
	}
	for _, bad := range []string{"", "go", "#a b", "#a,b", "#bell\x07"} {
		assert.Error(t, ValidateChannelName(bad), bad)
	}
}

func TestValidateListenAddress(t *testing.T) {
	assert.NoError(t, ValidateListenAddress("127.0.0.1:6667"))
	assert.NoError(t, ValidateListenAddress(":6667"))
	assert.Error(t, ValidateListenAddress("localhost"))
	assert.Error(t, ValidateListenAddress("localhost:http2"))
}
