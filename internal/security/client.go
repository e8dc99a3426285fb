package security

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"syscall"
	"time"
)

const maxRedirects = 5

var ErrTooManyRedirects = errors.New("too many redirects")

// guardedTransport is shared by every fetch client so connections pool
// across requests. Proxies are disabled because the dial check must see
// the real destination.
var guardedTransport = sync.OnceValue(func() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   dialControl,
	}
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.Proxy = nil
	t.DialContext = dialer.DialContext
	return t
})

// NewFetchClient returns a client for fetching caller-supplied URLs.
// Each redirect hop goes through ValidateURL, and the dialer refuses
// non-public addresses, which also covers DNS answers that change after
// the first check. strict reports whether hops must stay on artifact
// CDNs; nil means lenient.
func NewFetchClient(timeout time.Duration, strict func() bool) *http.Client {
	return &http.Client{
		Timeout:       timeout,
		Transport:     guardedTransport(),
		CheckRedirect: checkRedirect(strict),
	}
}

func checkRedirect(strict func() bool) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("%w: stopped after %d", ErrTooManyRedirects, len(via))
		}
		if err := ValidateURL(req.URL.String(), strict != nil && strict()); err != nil {
			return fmt.Errorf("redirect to %s: %w", req.URL.Redacted(), err)
		}
		return nil
	}
}

// dialControl runs after name resolution, so address is always ip:port.
func dialControl(_, address string, _ syscall.RawConn) error {
	if skipValidation {
		return nil
	}
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("unexpected dial address %q: %w", address, err)
	}
	if isPrivate(addr) {
		return fmt.Errorf("%w: %s", ErrPrivateIP, addr)
	}
	return nil
}
