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

// ErrBlockedEndpoint is returned for notification endpoints the server must
// not call.
var ErrBlockedEndpoint = errors.New("security: endpoint not allowed")

var blockedHosts = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
	"metadata.google":          true,
}

// Carrier-grade NAT space is reachable from many cloud VPCs.
var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

// ValidateEndpointURL checks an outbound endpoint such as NOTIFY_URL: http(s)
// with a host that neither is nor resolves to an internal address. With
// requireTLS only https passes.
func ValidateEndpointURL(ctx context.Context, rawURL string, requireTLS bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: malformed URL", ErrBlockedEndpoint)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if requireTLS {
			return fmt.Errorf("%w: https required", ErrBlockedEndpoint)
		}
	default:
		return fmt.Errorf("%w: scheme %q", ErrBlockedEndpoint, u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrBlockedEndpoint)
	}
	if blockedHosts[host] {
		return fmt.Errorf("%w: host %q", ErrBlockedEndpoint, host)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr)
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve %q", ErrBlockedEndpoint, host)
	}
	for _, addr := range addrs {
		if err := checkAddr(addr); err != nil {
			return fmt.Errorf("%s resolves to %s: %w", host, addr, err)
		}
	}
	return nil
}

func checkAddr(addr netip.Addr) error {
	addr = addr.Unmap()
	switch {
	case addr.IsLoopback(), addr.IsPrivate(), addr.IsUnspecified(),
		addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast(),
		sharedAddressSpace.Contains(addr):
		return fmt.Errorf("%w: internal address %s", ErrBlockedEndpoint, addr)
	}
	return nil
}
