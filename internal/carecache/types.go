package carecache

import (
	"hash/crc32"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// CacheEntry is a captured response. Entries are never mutated after they are
// written; a refresh replaces the whole entry under the same key.
type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix nanoseconds
	Hash32   uint32
}

// OK reports whether the status is in the 2xx range.
func (e CacheEntry) OK() bool { return e.Status >= 200 && e.Status < 300 }

func newEntry(status int, h http.Header, body []byte) CacheEntry {
	ent := CacheEntry{
		Status:   status,
		Header:   cloneHeader(h),
		Body:     body,
		StoredAt: time.Now().UnixNano(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
	ent.Header.Del("Content-Length")
	return ent
}

// clone returns a copy whose header and body do not alias e.
func (e CacheEntry) clone() CacheEntry {
	out := e
	out.Header = cloneHeader(e.Header)
	if e.Body != nil {
		out.Body = append([]byte(nil), e.Body...)
	}
	return out
}

// RequestKey identifies a cache entry: the upper-cased method and the
// absolute URL without fragment.
type RequestKey struct {
	Method string
	URL    string
}

func (k RequestKey) String() string { return k.Method + " " + k.URL }

func parseRequestKey(s string) (RequestKey, bool) {
	method, u, ok := strings.Cut(s, " ")
	if !ok || method == "" || u == "" {
		return RequestKey{}, false
	}
	return RequestKey{Method: method, URL: u}, true
}

// RequestMode mirrors the fetch mode of the intercepted request. Only
// navigations get the offline fallback.
type RequestMode string

const (
	ModeNavigate RequestMode = "navigate"
	ModeOther    RequestMode = "other"
)

// Request is an intercepted fetch.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
	Mode   RequestMode
}

// NewRequest resolves rawURL against origin. Relative URLs are required to
// have an origin.
func NewRequest(method, rawURL string, origin *url.URL) (*Request, error) {
	u, err := resolveURL(rawURL, origin)
	if err != nil {
		return nil, err
	}
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		Method: strings.ToUpper(method),
		URL:    u,
		Header: make(http.Header),
		Mode:   ModeOther,
	}, nil
}

func (r *Request) Key() RequestKey {
	return RequestKey{Method: strings.ToUpper(r.Method), URL: r.URL.String()}
}

func (r *Request) IsGet() bool { return strings.EqualFold(r.Method, http.MethodGet) }

func resolveURL(rawURL string, origin *url.URL) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() {
		if origin == nil {
			return nil, errRelativeWithoutOrigin
		}
		u = origin.ResolveReference(u)
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u, nil
}

// Source says where a served response came from. It is exposed to clients in
// the X-Carecache header.
type Source string

const (
	SourceNetwork  Source = "network"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
	SourceOffline  Source = "offline"
)

// Response is what a fetch handler hands back to the host.
type Response struct {
	CacheEntry
	Source Source
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
