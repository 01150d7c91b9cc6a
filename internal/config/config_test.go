package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jelmer/ctrlproxy/internal/network"
	"github.com/jelmer/ctrlproxy/internal/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

const sample = `
[global]
log_level = debug
linestack = sqlite
linestack_path = /tmp/history.db
snapshot_interval = 50
snapshot_retain = 3
max_age = 168h
nick = bob

[listener:default]
address = 127.0.0.1:6680
network = libera
password = keyring:listener

[listener:web]
address = 127.0.0.1:6681
websocket = true
path = /irc

[network:libera]
servers = ircs://irc.libera.chat:6697, irc.eu.libera.chat
alt_nicks = bob_, bob__
channels = #go, #ctrlproxy
sasl_mechanism = plain
sasl_password = keyring:libera/sasl
reconnect_interval = 30s
proxy = socks5://127.0.0.1:1080

[network:local]
virtual = loopback
nick = alice

[network:bnc]
program = /usr/bin/ssh -T example.org ircd
autoconnect = false
`

func TestParse(t *testing.T) {
	keyring.MockInit()
	kc := security.NewKeychain()
	require.NoError(t, kc.StorePassword("listener", "letmein"))
	require.NoError(t, kc.StorePassword("libera/sasl", "s3cret"))

	cfg, err := Parse([]byte(sample), kc)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.Global.LogLevel)
	assert.Equal(t, "sqlite", cfg.Global.Linestack)
	ls := cfg.Global.LinestackConfig()
	assert.Equal(t, "/tmp/history.db", ls.Path)
	assert.Equal(t, 50, ls.SnapshotInterval)
	assert.Equal(t, 3, ls.Retain)
	assert.Equal(t, 168*time.Hour, ls.MaxAge)

	require.Len(t, cfg.Listeners, 2)
	assert.Equal(t, Listener{Name: "default", Address: "127.0.0.1:6680", Network: "libera", Password: "letmein", Path: "/"}, cfg.Listeners[0])
	assert.True(t, cfg.Listeners[1].WebSocket)
	assert.Equal(t, "/irc", cfg.Listeners[1].Path)

	require.Len(t, cfg.Networks, 3)
	libera := cfg.Networks[0]
	assert.Equal(t, "libera", libera.Name)
	assert.Equal(t, "bob", libera.Nick)
	assert.Equal(t, "bob", libera.Username)
	assert.Equal(t, []string{"bob_", "bob__"}, libera.AltNicks)
	assert.Equal(t, []string{"#go", "#ctrlproxy"}, libera.Channels)
	assert.Equal(t, 30*time.Second, libera.ReconnectInterval)
	assert.True(t, libera.Autoconnect)
	assert.Equal(t, &network.SASLConfig{Mechanism: "PLAIN", Username: "bob", Password: "s3cret"}, libera.SASL)

	tcp, ok := libera.Target.(*network.TCPTarget)
	require.True(t, ok)
	assert.Equal(t, "socks5://127.0.0.1:1080", tcp.Proxy)
	require.Len(t, tcp.Servers, 2)
	assert.Equal(t, network.Server{Host: "irc.libera.chat", Port: 6697, TLS: true}, tcp.Servers[0])
	assert.Equal(t, "irc.eu.libera.chat:6667", tcp.Servers[1].Address())

	local := cfg.Networks[1]
	assert.Equal(t, "alice", local.Nick)
	assert.Equal(t, &network.VirtualTarget{Name: "loopback", Reconnectable: true}, local.Target)

	bnc := cfg.Networks[2]
	assert.False(t, bnc.Autoconnect)
	assert.Equal(t, &network.ProgramTarget{Command: "/usr/bin/ssh", Args: []string{"-T", "example.org", "ircd"}}, bnc.Target)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CTRLPROXY_LOG_LEVEL", "warn")
	t.Setenv("CTRLPROXY_METRICS_ADDRESS", "127.0.0.1:9100")

	cfg, err := Parse([]byte("[global]\nlog_level = debug\n"), nil)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Global.LogLevel)
	assert.Equal(t, "127.0.0.1:9100", cfg.Global.MetricsAddress)
	assert.Equal(t, "memory", cfg.Global.Linestack)
}

func TestInvalidConfigs(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{"bad listen address", "[listener:x]\naddress = nowhere\n", "listener x"},
		{"half tls", "[listener:x]\naddress = :6667\ntls_cert = a.pem\n", "tls_cert and tls_key"},
		{"bad channel", "[network:n]\nnick = bob\nchannels = go\n", "channel \"go\""},
		{"bad scheme", "[network:n]\nnick = bob\nservers = http://irc\n", "unknown scheme"},
		{"bad proxy", "[network:n]\nnick = bob\nservers = irc\nproxy = http://p:80\n", "socks5"},
		{"empty program", "[network:n]\nnick = bob\nprogram =\n", "program is empty"},
		{"bad nick", "[network:n]\nnick = 9lives\n", "must not start"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), nil)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestValidate(t *testing.T) {
	cfg, err := Parse([]byte("[network:n]\nnick = bob\n"), nil)
	require.NoError(t, err)
	assert.ErrorIs(t, cfg.Validate(), ErrNoListeners)

	cfg, err = Parse([]byte("[listener:l]\naddress = :6667\nnetwork = other\n[network:n]\nnick = bob\n"), nil)
	require.NoError(t, err)
	assert.ErrorContains(t, cfg.Validate(), "unknown network other")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctrlproxy.ini")
	require.NoError(t, os.WriteFile(path, []byte("[listener:l]\naddress = :6667\n"), 0o600))
	cfg, err := Load(path, nil)
	require.NoError(t, err)
	require.Len(t, cfg.Listeners, 1)

	_, err = Load(filepath.Join(t.TempDir(), "missing.ini"), nil)
	assert.Error(t, err)
}
