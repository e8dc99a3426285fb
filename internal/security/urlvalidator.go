package security

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// artifactHosts are the CDN domains that serve generated images and videos
// for both the domestic and international sites.
var artifactHosts = []string{
	"byteimg.com",
	"ibyteimg.com",
	"vlabvod.com",
	"capcut.com",
	"capcutcdn.com",
	"capcutcdn-us.com",
	"jianying.com",
}

// reservedPrefixes are ranges net.IP's helpers do not already cover.
var reservedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),
}

var (
	ErrPrivateIP     = errors.New("URL resolves to a private address")
	ErrUntrustedHost = errors.New("URL host is not an artifact CDN")
	ErrInvalidScheme = errors.New("only HTTPS URLs are allowed")
	ErrMissingHost   = errors.New("URL has no host")
)

var (
	skipValidation = false
	lookupIP       = net.LookupIP
)

// SetSkipValidation disables all URL checks; tests use it to reach
// httptest servers.
func SetSkipValidation(skip bool) {
	skipValidation = skip
}

// ValidateURL rejects non-HTTPS URLs and hosts that resolve to private
// addresses. In strict mode the host must also be a known artifact CDN.
func ValidateURL(rawURL string, strict bool) error {
	if skipValidation {
		return nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "https" {
		return ErrInvalidScheme
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return ErrMissingHost
	}
	if strict && !IsArtifactHost(host) {
		return fmt.Errorf("%w: %s", ErrUntrustedHost, host)
	}
	return checkAddresses(host)
}

func IsArtifactHost(host string) bool {
	host = strings.ToLower(host)
	for _, h := range artifactHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

// checkAddresses fails when host is, or resolves to, a non-public address.
// Lookup failures are left to the HTTP client to report.
func checkAddresses(host string) error {
	if addr, err := netip.ParseAddr(host); err == nil {
		if isPrivate(addr) {
			return ErrPrivateIP
		}
		return nil
	}

	ips, err := lookupIP(host)
	if err != nil {
		return nil
	}
	for _, ip := range ips {
		addr, ok := netip.AddrFromSlice(ip)
		if ok && isPrivate(addr) {
			return ErrPrivateIP
		}
	}
	return nil
}

func isPrivate(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || addr.IsMulticast() {
		return true
	}
	for _, p := range reservedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
