// Package dialer provides the client transport: direct TCP or a SOCKS5 proxy such as Tor.
package dialer

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/proxy"

	"wardenchat/pkg/protocol"
)

const (
	// DefaultConnectionTimeout is the timeout for establishing connections
	DefaultConnectionTimeout = 30 * time.Second

	// DefaultKeepAlive is the keep-alive interval for connections
	DefaultKeepAlive = 30 * time.Second

	// ProxyTestTimeout is the timeout for testing proxy availability
	ProxyTestTimeout = 2 * time.Second
)

// OnionRegex validates v3 .onion addresses
var OnionRegex = regexp.MustCompile(`^[a-z2-7]{56}\.onion(:[0-9]{1,5})?$`)

// IsOnion reports whether addr names a hidden service.
func IsOnion(addr string) bool {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	return strings.HasSuffix(host, ".onion")
}

// ValidateOnionAddress validates that an address is a proper v3 .onion address.
func ValidateOnionAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if !OnionRegex.MatchString(addr) {
		return fmt.Errorf("invalid .onion address format (must be v3: 56 chars + .onion:port)")
	}
	return nil
}

// ParseProxyURL accepts "socks5://host:port" or a bare "host:port".
func ParseProxyURL(raw string) (*url.URL, error) {
	if !strings.Contains(raw, "://") {
		raw = "socks5://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}
	if u.Scheme != "socks5" && u.Scheme != "socks5h" {
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("proxy URL %q has no host", raw)
	}
	return u, nil
}

// TestProxyAvailable tests if a SOCKS5 proxy is listening at the given address.
func TestProxyAvailable(ctx context.Context, proxyAddr string) error {
	u, err := ParseProxyURL(proxyAddr)
	if err != nil {
		return err
	}

	d := net.Dialer{Timeout: ProxyTestTimeout}
	conn, err := d.DialContext(ctx, "tcp", u.Host)
	if err != nil {
		return fmt.Errorf("proxy not responding: %w", err)
	}
	conn.Close()

	return nil
}

// Dialer connects a client to the chat server, through ProxyAddress when set.
type Dialer struct {
	ProxyAddress string
	Timeout      time.Duration
	KeepAlive    time.Duration
}

// New creates a Dialer with default timeouts.
func New(proxyAddress string, timeout time.Duration) *Dialer {
	if timeout <= 0 {
		timeout = DefaultConnectionTimeout
	}
	return &Dialer{
		ProxyAddress: proxyAddress,
		Timeout:      timeout,
		KeepAlive:    DefaultKeepAlive,
	}
}

// DialContext opens a TCP stream to addr. Hidden services require a proxy.
// Failures are reported as *protocol.TransportError.
func (d *Dialer) DialContext(ctx context.Context, addr string) (net.Conn, error) {
	conn, err := d.dial(ctx, addr)
	if err != nil {
		return nil, &protocol.TransportError{Op: "dial", Err: err}
	}
	return conn, nil
}

func (d *Dialer) dial(ctx context.Context, addr string) (net.Conn, error) {
	if addr == "" {
		return nil, fmt.Errorf("address cannot be empty")
	}

	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	baseDialer := &net.Dialer{
		Timeout:   d.Timeout,
		KeepAlive: d.KeepAlive,
	}

	if IsOnion(addr) {
		if d.ProxyAddress == "" {
			return nil, fmt.Errorf("%s is a .onion address and no proxy is configured", addr)
		}
		if err := ValidateOnionAddress(addr); err != nil {
			return nil, err
		}
	}

	if d.ProxyAddress == "" {
		return baseDialer.DialContext(ctx, "tcp", addr)
	}

	proxyURL, err := ParseProxyURL(d.ProxyAddress)
	if err != nil {
		return nil, err
	}

	pd, err := proxy.FromURL(proxyURL, baseDialer)
	if err != nil {
		return nil, fmt.Errorf("proxy setup failed: %w", err)
	}

	var conn net.Conn
	if cd, ok := pd.(proxy.ContextDialer); ok {
		conn, err = cd.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = pd.Dial("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("connection via %s failed: %w", proxyURL.Host, err)
	}
	return conn, nil
}

// IsAvailable checks whether the configured proxy answers. A Dialer without a
// proxy is always available.
func (d *Dialer) IsAvailable(ctx context.Context) bool {
	if d.ProxyAddress == "" {
		return true
	}
	return TestProxyAvailable(ctx, d.ProxyAddress) == nil
}
