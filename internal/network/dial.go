package network

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"

	"github.com/jelmer/ctrlproxy/internal/constants"
	"golang.org/x/net/proxy"
)

// DialFunc opens the connection to one server. It runs off the loop.
type DialFunc func(ctx context.Context, srv Server, proxyURL string) (net.Conn, error)

// Dial is the default DialFunc: plain TCP from an optional bind address,
// optionally through a socks5:// proxy, optionally wrapped in TLS.
func Dial(ctx context.Context, srv Server, proxyURL string) (net.Conn, error) {
	d := &net.Dialer{Timeout: constants.DialTimeout}
	if srv.BindAddress != "" {
		local, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(srv.BindAddress, "0"))
		if err != nil {
			return nil, fmt.Errorf("failed to resolve bind address %s: %w", srv.BindAddress, err)
		}
		d.LocalAddr = local
	}

	var cd proxy.ContextDialer = d
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse proxy URL: %w", err)
		}
		pd, err := proxy.FromURL(u, d)
		if err != nil {
			return nil, fmt.Errorf("failed to create proxy dialer: %w", err)
		}
		pcd, ok := pd.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("proxy scheme %q does not support cancellation", u.Scheme)
		}
		cd = pcd
	}

	conn, err := cd.DialContext(ctx, "tcp", srv.Address())
	if err != nil {
		return nil, err
	}
	if !srv.TLS {
		return conn, nil
	}

	tc := tls.Client(conn, &tls.Config{
		ServerName:         srv.Host,
		InsecureSkipVerify: srv.Insecure,
	})
	if err := tc.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("TLS handshake with %s failed: %w", srv.Address(), err)
	}
	return tc, nil
}
