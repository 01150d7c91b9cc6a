// Package config loads ctrlproxy.ini. Sections:
//
//	[global]            logging, linestack and metrics settings
//	[listener:NAME]     a place clients connect to
//	[network:NAME]      an upstream network
//
// Global settings can be overridden with CTRLPROXY_* environment variables.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"os/user"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/jelmer/ctrlproxy/internal/constants"
	"github.com/jelmer/ctrlproxy/internal/linestack"
	"github.com/jelmer/ctrlproxy/internal/logger"
	"github.com/jelmer/ctrlproxy/internal/network"
	"github.com/jelmer/ctrlproxy/internal/proxy"
	"github.com/jelmer/ctrlproxy/internal/validation"
	"gopkg.in/ini.v1"
)

const (
	listenerPrefix = "listener:"
	networkPrefix  = "network:"
)

var ErrNoListeners = errors.New("config: no listeners configured")

// channel names start with '#', which must not read as a comment
var loadOptions = ini.LoadOptions{IgnoreInlineComment: true}

// PasswordSource resolves configured password values, e.g. keychain
// references
type PasswordSource interface {
	Resolve(value string) (string, error)
}

type plainPasswords struct{}

func (plainPasswords) Resolve(value string) (string, error) { return value, nil }

// Global holds the [global] section
type Global struct {
	LogLevel string `ini:"log_level" env:"LOG_LEVEL"`

	Linestack        string        `ini:"linestack" env:"LINESTACK"`
	LinestackPath    string        `ini:"linestack_path" env:"LINESTACK_PATH"`
	LinestackURL     string        `ini:"linestack_url" env:"LINESTACK_URL"`
	SnapshotInterval int           `ini:"snapshot_interval" env:"SNAPSHOT_INTERVAL"`
	SnapshotRetain   int           `ini:"snapshot_retain" env:"SNAPSHOT_RETAIN"`
	MaxAge           time.Duration `ini:"max_age" env:"MAX_AGE"`
	MaxLines         int64         `ini:"max_lines" env:"MAX_LINES"`

	MetricsAddress string `ini:"metrics_address" env:"METRICS_ADDRESS"`

	// Identity defaults for networks that do not set their own
	Nick     string `ini:"nick" env:"NICK"`
	Username string `ini:"username" env:"USERNAME"`
	RealName string `ini:"realname" env:"REALNAME"`
}

// Listener holds one [listener:NAME] section
type Listener struct {
	Name      string
	Address   string
	Password  string
	Network   string
	Charset   string
	TLSCert   string
	TLSKey    string
	WebSocket bool
	Path      string
}

// Config is the whole configuration file
type Config struct {
	Global    Global
	Listeners []Listener
	Networks  []network.Config
}

// Load reads a configuration file. Per-section settings are checked here;
// Validate checks the file as a whole.
func Load(path string, passwords PasswordSource) (*Config, error) {
	f, err := ini.LoadSources(loadOptions, path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return fromFile(f, passwords)
}

// Parse reads a configuration from memory
func Parse(data []byte, passwords PasswordSource) (*Config, error) {
	f, err := ini.LoadSources(loadOptions, data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return fromFile(f, passwords)
}

func fromFile(f *ini.File, passwords PasswordSource) (*Config, error) {
	if passwords == nil {
		passwords = plainPasswords{}
	}
	cfg := &Config{Global: Global{Linestack: "memory", LogLevel: "info"}}
	if err := f.Section("global").MapTo(&cfg.Global); err != nil {
		return nil, fmt.Errorf("failed to read [global]: %w", err)
	}
	if err := env.ParseWithOptions(&cfg.Global, env.Options{Prefix: "CTRLPROXY_"}); err != nil {
		return nil, fmt.Errorf("failed to read environment overrides: %w", err)
	}
	if cfg.Global.Nick == "" {
		cfg.Global.Nick = defaultNick()
	}
	if cfg.Global.Username == "" {
		cfg.Global.Username = cfg.Global.Nick
	}
	if cfg.Global.RealName == "" {
		cfg.Global.RealName = cfg.Global.Nick
	}

	for _, sec := range f.Sections() {
		switch {
		case strings.HasPrefix(sec.Name(), listenerPrefix):
			l, err := readListener(sec, passwords)
			if err != nil {
				return nil, err
			}
			cfg.Listeners = append(cfg.Listeners, l)
		case strings.HasPrefix(sec.Name(), networkPrefix):
			n, err := readNetwork(sec, cfg.Global, passwords)
			if err != nil {
				return nil, err
			}
			cfg.Networks = append(cfg.Networks, n)
		case sec.Name() == ini.DefaultSection || sec.Name() == "global":
		default:
			logger.Log.Warn().Str("section", sec.Name()).Msg("Ignoring unknown config section")
		}
	}
	return cfg, nil
}

func defaultNick() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		if validation.ValidateNickname(u.Username) == nil {
			return u.Username
		}
	}
	return "ctrlproxy"
}

func readListener(sec *ini.Section, passwords PasswordSource) (Listener, error) {
	l := Listener{
		Name:      strings.TrimPrefix(sec.Name(), listenerPrefix),
		Address:   sec.Key("address").MustString("127.0.0.1:6667"),
		Network:   sec.Key("network").String(),
		Charset:   sec.Key("charset").String(),
		TLSCert:   sec.Key("tls_cert").String(),
		TLSKey:    sec.Key("tls_key").String(),
		WebSocket: sec.Key("websocket").MustBool(false),
		Path:      sec.Key("path").MustString("/"),
	}
	if err := validation.ValidateListenAddress(l.Address); err != nil {
		return l, fmt.Errorf("listener %s: %w", l.Name, err)
	}
	if (l.TLSCert == "") != (l.TLSKey == "") {
		return l, fmt.Errorf("listener %s: tls_cert and tls_key must be set together", l.Name)
	}
	pw, err := passwords.Resolve(sec.Key("password").String())
	if err != nil {
		return l, fmt.Errorf("listener %s: %w", l.Name, err)
	}
	l.Password = pw
	return l, nil
}

// ProxyConfig builds what the proxy needs to serve this listener
func (l Listener) ProxyConfig() (proxy.ListenerConfig, error) {
	out := proxy.ListenerConfig{
		Name:      l.Name,
		Address:   l.Address,
		WebSocket: l.WebSocket,
		Path:      l.Path,
		Client: proxy.ClientOptions{
			Password:       l.Password,
			DefaultNetwork: l.Network,
			Charset:        l.Charset,
		},
	}
	if l.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(l.TLSCert, l.TLSKey)
		if err != nil {
			return out, fmt.Errorf("listener %s: failed to load certificate: %w", l.Name, err)
		}
		out.TLS = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}
	return out, nil
}

func readNetwork(sec *ini.Section, g Global, passwords PasswordSource) (network.Config, error) {
	name := strings.TrimPrefix(sec.Name(), networkPrefix)
	cfg := network.Config{
		Name:              name,
		Nick:              sec.Key("nick").MustString(g.Nick),
		AltNicks:          sec.Key("alt_nicks").Strings(","),
		Username:          sec.Key("username").MustString(g.Username),
		RealName:          sec.Key("realname").MustString(g.RealName),
		Charset:           sec.Key("charset").String(),
		Channels:          sec.Key("channels").Strings(","),
		Autoconnect:       sec.Key("autoconnect").MustBool(true),
		ReconnectInterval: sec.Key("reconnect_interval").MustDuration(constants.DefaultReconnectInterval),
		PingInterval:      sec.Key("ping_interval").MustDuration(constants.PingCheckInterval),
	}
	fail := func(err error) (network.Config, error) {
		return cfg, fmt.Errorf("network %s: %w", name, err)
	}

	var err error
	if cfg.Password, err = passwords.Resolve(sec.Key("password").String()); err != nil {
		return fail(err)
	}
	for _, ch := range cfg.Channels {
		if err := validation.ValidateChannelName(ch); err != nil {
			return fail(fmt.Errorf("channel %q: %w", ch, err))
		}
	}

	if mech := sec.Key("sasl_mechanism").String(); mech != "" {
		pw, err := passwords.Resolve(sec.Key("sasl_password").String())
		if err != nil {
			return fail(err)
		}
		cfg.SASL = &network.SASLConfig{
			Mechanism: strings.ToUpper(mech),
			Username:  sec.Key("sasl_username").MustString(cfg.Nick),
			Password:  pw,
		}
	}

	var servers []validation.Server
	switch {
	case sec.HasKey("program"):
		fields := strings.Fields(sec.Key("program").String())
		if len(fields) == 0 {
			return fail(errors.New("program is empty"))
		}
		cfg.Target = &network.ProgramTarget{Command: fields[0], Args: fields[1:]}
	case sec.HasKey("virtual"):
		cfg.Target = &network.VirtualTarget{
			Name:          sec.Key("virtual").String(),
			Reconnectable: sec.Key("reconnect").MustBool(true),
		}
	default:
		t := &network.TCPTarget{Proxy: sec.Key("proxy").String()}
		for _, raw := range sec.Key("servers").Strings(",") {
			srv, err := parseServer(raw)
			if err != nil {
				return fail(err)
			}
			srv.Insecure = sec.Key("tls_insecure").MustBool(false)
			srv.BindAddress = sec.Key("bind_address").String()
			t.Servers = append(t.Servers, srv)
			servers = append(servers, validation.Server{Host: srv.Host, Port: srv.Port})
		}
		if t.Proxy != "" {
			if u, err := url.Parse(t.Proxy); err != nil || u.Scheme != "socks5" {
				return fail(fmt.Errorf("proxy %q must be a socks5:// URL", t.Proxy))
			}
		}
		cfg.Target = t
	}

	if err := validation.ValidateNetworkConfig(cfg.Name, cfg.Nick, cfg.Username, cfg.RealName, servers); err != nil {
		return fail(err)
	}
	return cfg, nil
}

// parseServer reads "host[:port]", "irc://host[:port]" or
// "ircs://host[:port]"; ircs selects TLS
func parseServer(raw string) (network.Server, error) {
	var srv network.Server
	hostport := raw
	if scheme, rest, ok := strings.Cut(raw, "://"); ok {
		switch scheme {
		case "irc":
		case "ircs":
			srv.TLS = true
		default:
			return srv, fmt.Errorf("server %q: unknown scheme %q", raw, scheme)
		}
		hostport = rest
	}
	u, err := url.Parse("//" + hostport)
	if err != nil {
		return srv, fmt.Errorf("server %q: %w", raw, err)
	}
	srv.Host = u.Hostname()
	if p := u.Port(); p != "" {
		if srv.Port, err = strconv.Atoi(p); err != nil {
			return srv, fmt.Errorf("server %q: bad port", raw)
		}
	}
	return srv, nil
}

// LinestackConfig returns the settings for the configured backend
func (g Global) LinestackConfig() linestack.Config {
	return linestack.Config{
		SnapshotInterval: g.SnapshotInterval,
		Retain:           g.SnapshotRetain,
		MaxAge:           g.MaxAge,
		Path:             g.LinestackPath,
		URL:              g.LinestackURL,
		MaxLines:         g.MaxLines,
	}
}

// Validate checks settings that span sections
func (c *Config) Validate() error {
	if len(c.Listeners) == 0 {
		return ErrNoListeners
	}
	names := make(map[string]bool, len(c.Networks))
	for _, n := range c.Networks {
		if names[n.Name] {
			return fmt.Errorf("network %s is defined twice", n.Name)
		}
		names[n.Name] = true
	}
	for _, l := range c.Listeners {
		if l.Network != "" && !names[l.Network] {
			return fmt.Errorf("listener %s: unknown network %s", l.Name, l.Network)
		}
	}
	return nil
}
