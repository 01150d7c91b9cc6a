package validation

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Server is the part of a server entry that can be checked statically
type Server struct {
	Host string
	Port int
}

// ValidateNetworkConfig validates the identity and server list of a TCP
// network. An empty server list is allowed; such a network never connects
// on its own.
func ValidateNetworkConfig(name, nickname, username, realname string, servers []Server) error {
	if err := ValidateNetworkName(name); err != nil {
		return err
	}
	if err := ValidateNickname(nickname); err != nil {
		return err
	}
	if strings.TrimSpace(username) == "" {
		return fmt.Errorf("username is required")
	}
	if strings.ContainsAny(username, " @!\x00\r\n") {
		return fmt.Errorf("username %q contains invalid characters", username)
	}
	if strings.TrimSpace(realname) == "" {
		return fmt.Errorf("realname is required")
	}
	for i, srv := range servers {
		if err := ValidateServerAddress(srv.Host, srv.Port); err != nil {
			return fmt.Errorf("server %d: %w", i+1, err)
		}
	}
	return nil
}

// ValidateNetworkName validates the name clients select a network by
func ValidateNetworkName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("network name is required")
	}
	// PASS network:password splits on the first colon
	if strings.ContainsAny(name, ": \x00\r\n") {
		return fmt.Errorf("network name %q contains invalid characters", name)
	}
	return nil
}

// ValidateNickname validates an IRC nickname
func ValidateNickname(nick string) error {
	if strings.TrimSpace(nick) == "" {
		return fmt.Errorf("nickname is required")
	}
	if strings.ContainsAny(nick, " ,*?!@:#&\x00\r\n") {
		return fmt.Errorf("nickname %q contains invalid characters", nick)
	}
	if nick[0] == '$' || (nick[0] >= '0' && nick[0] <= '9') || nick[0] == '-' {
		return fmt.Errorf("nickname %q must not start with %q", nick, nick[0])
	}
	return nil
}

// ValidateChannelName validates an IRC channel name
func ValidateChannelName(channel string) error {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return fmt.Errorf("channel name is required")
	}
	// IRC channels must start with #, &, +, or !
	if channel[0] != '#' && channel[0] != '&' && channel[0] != '+' && channel[0] != '!' {
		return fmt.Errorf("channel name must start with #, &, +, or !")
	}
	if len(channel) > 200 {
		return fmt.Errorf("channel name too long (max 200 characters)")
	}
	if strings.ContainsAny(channel, " \x00\x07\x0A\x0D,") {
		return fmt.Errorf("channel name contains invalid characters")
	}
	return nil
}

// ValidateServerAddress validates a server address and port. Port 0 means
// the default for the connection type.
func ValidateServerAddress(address string, port int) error {
	address = strings.TrimSpace(address)
	if address == "" {
		return fmt.Errorf("server address is required")
	}
	if port < 0 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	return nil
}

// ValidateListenAddress validates a host:port to listen on
func ValidateListenAddress(address string) error {
	_, port, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", address, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return fmt.Errorf("invalid listen port %q", port)
	}
	return nil
}
