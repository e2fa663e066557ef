// Package httpclient builds the HTTP clients used to reach scanners, verification
// endpoints and exploit targets.
package httpclient

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

const userAgent = "seclab/1.0"

type Config struct {
	Timeout time.Duration
	// BlockPrivateIPs refuses connections that resolve to loopback, private or link-local space.
	BlockPrivateIPs bool
	FollowRedirects bool
	MaxRedirects    int
}

func DefaultConfig() Config {
	return Config{
		Timeout:         10 * time.Second,
		BlockPrivateIPs: false,
		FollowRedirects: true,
		MaxRedirects:    5,
	}
}

func New(cfg Config) *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if !cfg.BlockPrivateIPs {
				return dialer.DialContext(ctx, network, addr)
			}
			// Dial the address that was checked so a second lookup cannot rebind it.
			safe, err := resolvePublic(ctx, addr)
			if err != nil {
				return nil, fmt.Errorf("SSRF protection: %w", err)
			}
			return dialer.DialContext(ctx, network, safe)
		},
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: &uaTransport{next: transport},
	}

	switch {
	case !cfg.FollowRedirects:
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	case cfg.MaxRedirects > 0:
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= cfg.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", cfg.MaxRedirects)
			}
			if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
				return fmt.Errorf("refusing redirect to %s", redactURL(req.URL))
			}
			return nil
		}
	}

	return client
}

type uaTransport struct {
	next http.RoundTripper
}

func (t *uaTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", userAgent)
	}
	return t.next.RoundTrip(req)
}

func resolvePublic(ctx context.Context, addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", host, err)
	}
	if len(ips) == 0 {
		return "", fmt.Errorf("no addresses for %s", host)
	}
	for _, ip := range ips {
		if IsPrivateIP(ip.IP) {
			return "", fmt.Errorf("blocked private IP: %s (%s)", ip.IP, host)
		}
	}
	return net.JoinHostPort(ips[0].IP.String(), port), nil
}

// IsPrivateIP reports loopback, private, link-local and unspecified addresses.
func IsPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}

func redactURL(u *url.URL) string {
	c := *u
	c.User = nil
	c.RawQuery = ""
	return c.String()
}

// DoWithContext performs req bound to ctx and reports cancellation distinctly.
func DoWithContext(ctx context.Context, client *http.Client, req *http.Request) (*http.Response, error) {
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("request cancelled: %w", ctx.Err())
		}
		return nil, err
	}
	return resp, nil
}

// ReadBody reads at most limit bytes of the response body.
func ReadBody(resp *http.Response, limit int64) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, nil
	}
	return io.ReadAll(io.LimitReader(resp.Body, limit))
}

// CloseBody drains and closes the body so the connection can be reused.
func CloseBody(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
}
