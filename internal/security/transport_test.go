package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockResolver implements Resolver for deterministic testing.
type mockResolver struct {
	ips map[string][]string
}

func (m *mockResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	raw, ok := m.ips[host]
	if !ok {
		return nil, fmt.Errorf("no such host: %s", host)
	}
	addrs := make([]net.IPAddr, len(raw))
	for i, s := range raw {
		addrs[i] = net.IPAddr{IP: net.ParseIP(s)}
	}
	return addrs, nil
}

// slowResolver outlives dnsTimeout.
type slowResolver struct{}

func (slowResolver) LookupIPAddr(ctx context.Context, _ string) ([]net.IPAddr, error) {
	select {
	case <-time.After(2 * time.Second):
		return []net.IPAddr{{IP: net.ParseIP("93.184.216.34")}}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestIsBlocked(t *testing.T) {
	tests := []struct {
		ip      string
		blocked bool
	}{
		{"127.0.0.1", true},
		{"::1", true},
		{"10.1.2.3", true},
		{"172.16.0.1", true},
		{"172.32.0.0", false},
		{"192.168.1.1", true},
		{"169.254.169.254", true},
		{"100.64.0.1", true},
		{"::ffff:10.0.0.1", true},
		{"fd00::1", true},
		{"93.184.216.34", false},
		{"2606:4700::1111", false},
	}
	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			ip := net.ParseIP(tt.ip)
			require.NotNil(t, ip)
			assert.Equal(t, tt.blocked, IsBlocked(ip))
		})
	}
}

func TestSafeTransport_BlocksResolvedPrivateIPs(t *testing.T) {
	transport := NewSafeTransport(nil)
	transport.Resolver = &mockResolver{ips: map[string][]string{
		"evil.example.com":  {"127.0.0.1"},
		"mixed.example.com": {"93.184.216.34", "10.0.0.1"},
	}}
	client := &http.Client{Transport: transport, Timeout: 5 * time.Second}

	for _, host := range []string{"evil.example.com", "mixed.example.com"} {
		_, err := client.Get("http://" + host + "/hook")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrSSRFBlocked), "host %s: %v", host, err)
	}
}

func TestSafeTransport_BlocksIPLiteral(t *testing.T) {
	client := &http.Client{Transport: NewSafeTransport(nil), Timeout: 5 * time.Second}

	_, err := client.Get("http://169.254.169.254/latest/meta-data/")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSSRFBlocked))
}

func TestSafeTransport_DNSTimeout(t *testing.T) {
	transport := NewSafeTransport(nil)
	transport.Resolver = slowResolver{}
	client := &http.Client{Transport: transport, Timeout: 5 * time.Second}

	_, err := client.Get("http://slow.example.com/hook")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSSRFDNSTimeout), "got %v", err)
}

func TestCheckRedirect(t *testing.T) {
	resolver := &mockResolver{ips: map[string][]string{
		"public.example.com":  {"93.184.216.34"},
		"private.example.com": {"192.168.0.10"},
	}}
	check := CheckRedirect(2, resolver)

	redirect := func(raw string) *http.Request {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		return (&http.Request{URL: u}).WithContext(context.Background())
	}

	assert.NoError(t, check(redirect("https://public.example.com/next"), nil))
	assert.ErrorIs(t, check(redirect("https://private.example.com/next"), nil), ErrSSRFBlocked)
	assert.ErrorIs(t, check(redirect("http://127.0.0.1/next"), nil), ErrSSRFBlocked)

	via := []*http.Request{{}, {}}
	assert.ErrorIs(t, check(redirect("https://public.example.com/next"), via), ErrSSRFTooManyRedirects)
}

func TestValidateURL(t *testing.T) {
	resolver := &mockResolver{ips: map[string][]string{
		"hooks.example.com": {"93.184.216.34"},
		"intranet.corp":     {"10.0.0.8"},
	}}
	ctx := context.Background()

	assert.NoError(t, ValidateURL(ctx, "https://hooks.example.com/notify", resolver))
	assert.ErrorIs(t, ValidateURL(ctx, "https://intranet.corp/notify", resolver), ErrSSRFBlocked)
	assert.ErrorIs(t, ValidateURL(ctx, "ftp://hooks.example.com/notify", resolver), ErrSSRFBlocked)
	assert.ErrorIs(t, ValidateURL(ctx, "https:///nohost", resolver), ErrSSRFBlocked)
	assert.ErrorIs(t, ValidateURL(ctx, "https://unknown.example.com", resolver), ErrSSRFDNSFailed)
}
