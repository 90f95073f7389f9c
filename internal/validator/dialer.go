package validator

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
)

const defaultDNSRefresh = 5 * time.Minute

// CachingDialer resolves hosts through a shared DNS cache so frequent
// validation calls do not hit the resolver every time.
type CachingDialer struct {
	resolver *dnscache.Resolver
	dialer   *net.Dialer
}

// NewCachingDialer returns a dialer with an empty cache.
func NewCachingDialer() *CachingDialer {
	return &CachingDialer{
		resolver: &dnscache.Resolver{},
		dialer: &net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		},
	}
}

// RunRefresh refreshes cached entries every interval until ctx ends.
func (d *CachingDialer) RunRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultDNSRefresh
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.resolver.Refresh(true)
			log.Debug().Dur("interval", interval).Msg("DNS cache refreshed")
		case <-ctx.Done():
			return
		}
	}
}

// DialContext dials the first cached address for the host.
func (d *CachingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	if ip := net.ParseIP(host); ip != nil {
		return d.dialer.DialContext(ctx, network, address)
	}

	ips, err := d.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no IP addresses found", Name: host}
	}
	return d.dialer.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
}

// HTTPClient returns a client whose transport dials through the cache.
func (d *CachingDialer) HTTPClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = d.DialContext
	return &http.Client{Transport: transport, Timeout: timeout}
}
