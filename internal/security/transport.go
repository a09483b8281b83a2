// Package security guards outbound webhook traffic against server-side
// request forgery.
//
// SafeTransport resolves every destination itself and refuses to dial
// loopback, private, link-local (including the cloud metadata endpoint) and
// carrier-grade NAT addresses. Redirects are re-checked hop by hop.
package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"time"
)

// dnsTimeout bounds each resolution made before dialing.
const dnsTimeout = 500 * time.Millisecond

var (
	// ErrSSRFBlocked is returned when a destination resolves to a blocked range.
	ErrSSRFBlocked = errors.New("ssrf: request to blocked IP range")
	// ErrSSRFDNSTimeout is returned when resolution exceeds dnsTimeout.
	ErrSSRFDNSTimeout = errors.New("ssrf: DNS resolution timeout")
	// ErrSSRFDNSFailed is returned when resolution fails or yields nothing.
	ErrSSRFDNSFailed = errors.New("ssrf: DNS resolution failed")
	// ErrSSRFTooManyRedirects is returned when the redirect limit is exceeded.
	ErrSSRFTooManyRedirects = errors.New("ssrf: too many redirects")
)

var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

// IsBlocked reports whether ip falls in a blocked range. IPv4-mapped IPv6
// addresses are checked as IPv4.
func IsBlocked(ip net.IP) bool {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return true
	}
	addr = addr.Unmap()
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Resolver abstracts DNS resolution for testability.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// checkHost resolves host and fails if any address is blocked. Checking all
// addresses defeats rebinding answers that mix public and private ones.
func checkHost(ctx context.Context, resolver Resolver, host string) ([]net.IPAddr, error) {
	if ip := net.ParseIP(host); ip != nil {
		if IsBlocked(ip) {
			return nil, fmt.Errorf("%w: %s", ErrSSRFBlocked, ip)
		}
		return []net.IPAddr{{IP: ip}}, nil
	}

	dnsCtx, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()

	ips, err := resolver.LookupIPAddr(dnsCtx, host)
	if err != nil {
		if dnsCtx.Err() != nil {
			return nil, fmt.Errorf("%w: host %q", ErrSSRFDNSTimeout, host)
		}
		return nil, fmt.Errorf("%w: host %q: %v", ErrSSRFDNSFailed, host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("%w: host %q resolved to no addresses", ErrSSRFDNSFailed, host)
	}
	for _, a := range ips {
		if IsBlocked(a.IP) {
			return nil, fmt.Errorf("%w: %s (resolved from %s)", ErrSSRFBlocked, a.IP, host)
		}
	}
	return ips, nil
}

// SafeTransport is an http.RoundTripper whose dialer only connects to
// addresses that passed checkHost.
type SafeTransport struct {
	Base *http.Transport
	// Resolver is used for DNS lookups; nil means net.DefaultResolver.
	Resolver Resolver
}

// NewSafeTransport wraps base, or a fresh transport when base is nil.
func NewSafeTransport(base *http.Transport) *SafeTransport {
	if base == nil {
		base = &http.Transport{}
	}
	st := &SafeTransport{Base: base}
	base.DialContext = st.dialContext
	return st
}

// RoundTrip implements http.RoundTripper.
func (st *SafeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return st.Base.RoundTrip(req)
}

func (st *SafeTransport) resolver() Resolver {
	if st.Resolver != nil {
		return st.Resolver
	}
	return net.DefaultResolver
}

func (st *SafeTransport) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("ssrf: invalid address %q: %w", addr, err)
	}
	ips, err := checkHost(ctx, st.resolver(), host)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	return d.DialContext(ctx, network, net.JoinHostPort(ips[0].IP.String(), port))
}

// CheckRedirect returns an http.Client CheckRedirect function that applies
// the same checks to every redirect target.
func CheckRedirect(maxRedirects int, resolver Resolver) func(req *http.Request, via []*http.Request) error {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("%w: limit is %d", ErrSSRFTooManyRedirects, maxRedirects)
		}
		host := req.URL.Hostname()
		if host == "" {
			return fmt.Errorf("%w: redirect URL has no host", ErrSSRFBlocked)
		}
		_, err := checkHost(req.Context(), resolver, host)
		return err
	}
}

// ValidateURL rejects webhook URLs that are not http(s) or that point at a
// blocked range. Plugin configuration uses it for early feedback; the
// transport still checks at dial time.
func ValidateURL(ctx context.Context, rawURL string, resolver Resolver) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSSRFBlocked, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrSSRFBlocked, u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("%w: URL has no host", ErrSSRFBlocked)
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	_, err = checkHost(ctx, resolver, u.Hostname())
	return err
}

// NewSafeHTTPClient returns a client using SafeTransport and redirect checks.
func NewSafeHTTPClient(timeout time.Duration, maxRedirects int) *http.Client {
	return &http.Client{
		Transport:     NewSafeTransport(nil),
		Timeout:       timeout,
		CheckRedirect: CheckRedirect(maxRedirects, nil),
	}
}
