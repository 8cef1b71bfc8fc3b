package carecache

import "strings"

// Strategy is how a fetch is answered.
type Strategy int

const (
	// NetworkFirst prefers live data and falls back to the cache.
	NetworkFirst Strategy = iota
	// CacheFirst serves a cached copy immediately and refreshes it in the
	// background (stale-while-revalidate).
	CacheFirst
)

func (s Strategy) String() string {
	switch s {
	case NetworkFirst:
		return "network-first"
	case CacheFirst:
		return "cache-first"
	}
	return "unknown"
}

type router struct {
	apiPrefix string
}

// classify routes API paths network-first and everything else cache-first.
// Only the path is considered, so cross-origin URLs under /api/ are treated
// as API calls too.
func (rt router) classify(req *Request) Strategy {
	if strings.HasPrefix(req.URL.Path, rt.apiPrefix) {
		return NetworkFirst
	}
	return CacheFirst
}
