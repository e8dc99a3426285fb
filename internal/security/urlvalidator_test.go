package security

import (
	"errors"
	"net"
	"net/netip"
	"testing"
)

func stubLookup(t *testing.T, addrs map[string][]string) {
	t.Helper()
	orig := lookupIP
	lookupIP = func(host string) ([]net.IP, error) {
		list, ok := addrs[host]
		if !ok {
			return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
		}
		ips := make([]net.IP, len(list))
		for i, a := range list {
			ips[i] = net.ParseIP(a)
		}
		return ips, nil
	}
	t.Cleanup(func() { lookupIP = orig })
}

func TestValidateURL(t *testing.T) {
	stubLookup(t, map[string][]string{
		"p3-dreamina-sign.byteimg.com": {"23.40.1.1"},
		"v3-artist.vlabvod.com":        {"23.40.1.2"},
		"example.com":                  {"93.184.216.34"},
		"localhost":                    {"127.0.0.1"},
		"internal.byteimg.com":         {"10.1.2.3"},
	})

	tests := []struct {
		name    string
		url     string
		strict  bool
		wantErr error
	}{
		{"image CDN", "https://p3-dreamina-sign.byteimg.com/tos-cn-i/abc~tplv.webp", true, nil},
		{"video CDN", "https://v3-artist.vlabvod.com/video/origin.mp4", true, nil},
		{"lookalike host", "https://evilbyteimg.com/a.png", true, ErrUntrustedHost},
		{"other host lenient", "https://example.com/a.png", false, nil},
		{"other host strict", "https://example.com/a.png", true, ErrUntrustedHost},
		{"plain http", "http://p3-dreamina-sign.byteimg.com/a.png", false, ErrInvalidScheme},
		{"no host", "https:///a.png", false, ErrMissingHost},
		{"localhost", "https://localhost/a.png", false, ErrPrivateIP},
		{"loopback literal", "https://127.0.0.1/a.png", false, ErrPrivateIP},
		{"ipv6 loopback", "https://[::1]/a.png", false, ErrPrivateIP},
		{"cdn name resolving private", "https://internal.byteimg.com/a.png", true, ErrPrivateIP},
		{"unresolvable", "https://nowhere.example/a.png", false, nil},
		{"public literal", "https://8.8.8.8/a.png", false, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL(tt.url, tt.strict)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateURL(%q, %v) error = %v, want %v", tt.url, tt.strict, err, tt.wantErr)
			}
		})
	}
}

func TestSetSkipValidation(t *testing.T) {
	SetSkipValidation(true)
	defer SetSkipValidation(false)

	if err := ValidateURL("http://127.0.0.1/a.png", true); err != nil {
		t.Errorf("ValidateURL() with validation skipped error = %v", err)
	}
}

func TestIsArtifactHost(t *testing.T) {
	tests := []struct {
		host string
		want bool
	}{
		{"byteimg.com", true},
		{"P9-Heycan-HGT-Sign.BYTEIMG.com", true},
		{"sf16-web-tos-buz.capcutcdn-us.com", true},
		{"lf3-jianying.jianying.com", true},
		{"byteimg.com.evil.net", false},
		{"notcapcut.com", false},
	}
	for _, tt := range tests {
		if got := IsArtifactHost(tt.host); got != tt.want {
			t.Errorf("IsArtifactHost(%q) = %v, want %v", tt.host, got, tt.want)
		}
	}
}

func TestIsPrivate(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"10.0.0.1", true},
		{"172.16.5.4", true},
		{"192.168.1.1", true},
		{"169.254.169.254", true},
		{"100.64.0.1", true},
		{"0.1.2.3", true},
		{"192.0.2.10", true},
		{"198.18.0.1", true},
		{"203.0.113.9", true},
		{"224.0.0.1", true},
		{"250.1.1.1", true},
		{"::ffff:10.0.0.1", true},
		{"fe80::1", true},
		{"fc00::1", true},
		{"8.8.8.8", false},
		{"2606:4700:4700::1111", false},
	}
	for _, tt := range tests {
		if got := isPrivate(netip.MustParseAddr(tt.addr)); got != tt.want {
			t.Errorf("isPrivate(%s) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}
