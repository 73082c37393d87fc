// Package httpclient configures the HTTP client used to fetch remote artifacts.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

const DefaultUserAgent = "geolens-cache/1.0"

type userAgent struct {
	ua   string
	next http.RoundTripper
}

func (u userAgent) RoundTrip(r *http.Request) (*http.Response, error) {
	if r.Header.Get("User-Agent") == "" {
		r = r.Clone(r.Context())
		r.Header.Set("User-Agent", u.ua)
	}
	return u.next.RoundTrip(r)
}

// NewOutbound creates the shared outbound client. Tile servers reject
// requests without a user agent, so one is always set.
func NewOutbound(timeout time.Duration, ua string) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if ua == "" {
		ua = DefaultUserAgent
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Transport: userAgent{ua: ua, next: transport},
		Timeout:   timeout,
	}
}
