package carecache

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"
)

// Network performs a real fetch. An error means the request never produced
// a response (offline, DNS, reset, timeout); any HTTP status is a success.
type Network interface {
	Fetch(ctx context.Context, req *Request) (CacheEntry, error)
}

// NetworkFunc adapts a function to Network.
type NetworkFunc func(ctx context.Context, req *Request) (CacheEntry, error)

func (f NetworkFunc) Fetch(ctx context.Context, req *Request) (CacheEntry, error) {
	return f(ctx, req)
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// HTTPNetwork fetches through an http.Client.
type HTTPNetwork struct {
	Client *http.Client
}

func NewHTTPNetwork(timeout time.Duration) *HTTPNetwork {
	return &HTTPNetwork{Client: &http.Client{Timeout: timeout}}
}

func (n *HTTPNetwork) Fetch(ctx context.Context, r *Request) (CacheEntry, error) {
	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL.String(), body)
	if err != nil {
		return CacheEntry{}, err
	}
	copyHeaders(req.Header, r.Header)
	// Bodies are stored as-is, so ask for them unencoded.
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := n.Client.Do(req)
	if err != nil {
		return CacheEntry{}, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return CacheEntry{}, err
	}
	ent := newEntry(resp.StatusCode, resp.Header, b)
	for _, h := range hopHeaders {
		ent.Header.Del(h)
	}
	return ent, nil
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") || isHopHeader(k) {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}
