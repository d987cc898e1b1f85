// Package httpclient provides an SSRF-guarded HTTP client used for
// catalog fetches and the network capability handed to plugins.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/CarryPigeon/CarryPigeon-Desktop-sub001/errors"
)

// SaferClient wraps http.Client with SSRF protection: only http/https
// schemes, no localhost or private-range targets, bounded redirects.
// Resolution happens again at dial time so DNS rebinding cannot bypass
// the hostname check.
type SaferClient struct {
	*http.Client
	blockPrivateIP bool
	maxRedirects   int
}

// Options customizes SSRF protection.
type Options struct {
	// AllowPrivate disables private-IP and localhost blocking. Used for
	// bridges and catalogs served from the local machine.
	AllowPrivate bool
	MaxRedirects int // 0 means the default of 10
}

// New creates an HTTP client with SSRF protection.
func New(timeout time.Duration, opts Options) *SaferClient {
	maxRedirects := opts.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = 10
	}

	c := &SaferClient{
		Client: &http.Client{
			Timeout: timeout,
		},
		blockPrivateIP: !opts.AllowPrivate,
		maxRedirects:   maxRedirects,
	}

	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= c.maxRedirects {
			return errors.Newf("stopped after %d redirects", c.maxRedirects)
		}
		if err := c.validateURL(req.URL); err != nil {
			return errors.Wrap(err, "redirect blocked")
		}
		return nil
	}

	if c.blockPrivateIP {
		dialer := &net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}

		c.Transport = &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, _, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, errors.Wrap(err, "invalid address")
				}

				ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
				if err != nil {
					return nil, errors.Wrapf(err, "failed to resolve host %q", host)
				}

				for _, ip := range ips {
					if isBlockedIP(ip) {
						return nil, errors.Newf("private IP address blocked: %s", ip)
					}
				}

				return dialer.DialContext(ctx, network, addr)
			},
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
	}

	return c
}

// ValidateURL validates a URL string before creating a request.
func (c *SaferClient) ValidateURL(urlStr string) (*url.URL, error) {
	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, errors.Wrap(err, "invalid URL")
	}
	if err := c.validateURL(u); err != nil {
		return nil, err
	}
	return u, nil
}

// Get is a convenience wrapper for http.Get with URL validation.
func (c *SaferClient) Get(urlStr string) (*http.Response, error) {
	u, err := c.ValidateURL(urlStr)
	if err != nil {
		return nil, err
	}
	return c.Client.Get(u.String())
}

func (c *SaferClient) validateURL(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return errors.Newf("scheme %q not allowed", scheme)
	}

	// Credential injection / URL confusion: http://evil.com@localhost/
	if u.User != nil {
		return errors.New("URL must not carry userinfo")
	}

	hostname := u.Hostname()
	if hostname == "" {
		return errors.New("URL missing hostname")
	}

	if c.blockPrivateIP {
		if isLocalhost(hostname) {
			return errors.New("localhost access blocked")
		}
		if ip := net.ParseIP(hostname); ip != nil && isBlockedIP(ip) {
			return errors.Newf("private IP address blocked: %s", hostname)
		}
	}

	return nil
}

// isBlockedIP reports whether an IP is in a private or special-use range.
func isBlockedIP(ip net.IP) bool {
	return ip.IsPrivate() ||
		ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() ||
		ip.IsUnspecified()
}

// isLocalhost checks for localhost hostname variants.
func isLocalhost(hostname string) bool {
	hostname = strings.ToLower(hostname)
	return hostname == "localhost" ||
		hostname == "localhost.localdomain" ||
		strings.HasSuffix(hostname, ".localhost")
}
