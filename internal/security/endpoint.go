package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// ErrBlockedEndpoint marks a callback URL the server refuses to call.
var ErrBlockedEndpoint = errors.New("endpoint not allowed")

var blockedHosts = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
	"metadata.google":          true,
}

// ValidateCallbackURL checks that rawURL is safe to request from the
// server. The host, and every address it resolves to, must be a public
// unicast address. Userinfo in the URL is rejected.
func ValidateCallbackURL(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: invalid URL", ErrBlockedEndpoint)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%w: scheme must be http or https", ErrBlockedEndpoint)
	}
	if u.User != nil {
		return fmt.Errorf("%w: credentials in URL", ErrBlockedEndpoint)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrBlockedEndpoint)
	}
	if blockedHosts[strings.ToLower(strings.TrimSuffix(host, "."))] {
		return fmt.Errorf("%w: host %q", ErrBlockedEndpoint, host)
	}

	if ip, err := netip.ParseAddr(host); err == nil {
		return checkAddr(ip)
	}

	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve %s", ErrBlockedEndpoint, host)
	}
	for _, ip := range addrs {
		if err := checkAddr(ip); err != nil {
			return fmt.Errorf("%s resolves to a blocked address: %w", host, err)
		}
	}
	return nil
}

func checkAddr(ip netip.Addr) error {
	ip = ip.Unmap()
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("%w: loopback address", ErrBlockedEndpoint)
	case ip.IsPrivate():
		return fmt.Errorf("%w: private address", ErrBlockedEndpoint)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local address", ErrBlockedEndpoint)
	case ip.IsUnspecified(), ip.IsMulticast():
		return fmt.Errorf("%w: non-unicast address", ErrBlockedEndpoint)
	}
	return nil
}
