package carecache

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

const testOrigin = "http://app.test"

var errOffline = errors.New("offline")

type fetchFunc func(ctx context.Context, req *Request) (CacheEntry, error)

// fakeNet answers from a route table keyed by "METHOD URL". Unknown routes
// behave as if the device were offline.
type fakeNet struct {
	mu     sync.Mutex
	routes map[string]fetchFunc
	calls  []string
	bodies map[string][][]byte
}

func newFakeNet() *fakeNet {
	return &fakeNet{routes: map[string]fetchFunc{}, bodies: map[string][][]byte{}}
}

func (f *fakeNet) on(method, url string, fn fetchFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[method+" "+url] = fn
}

func (f *fakeNet) respond(method, url string, status int, body string) {
	f.on(method, url, func(context.Context, *Request) (CacheEntry, error) {
		return newEntry(status, http.Header{"Content-Type": {"text/plain"}}, []byte(body)), nil
	})
}

func (f *fakeNet) fail(method, url string) {
	f.on(method, url, func(context.Context, *Request) (CacheEntry, error) {
		return CacheEntry{}, errOffline
	})
}

func (f *fakeNet) hang(method, url string) {
	f.on(method, url, func(ctx context.Context, _ *Request) (CacheEntry, error) {
		<-ctx.Done()
		return CacheEntry{}, ctx.Err()
	})
}

func (f *fakeNet) Fetch(ctx context.Context, req *Request) (CacheEntry, error) {
	k := req.Method + " " + req.URL.String()
	f.mu.Lock()
	f.calls = append(f.calls, k)
	f.bodies[k] = append(f.bodies[k], append([]byte(nil), req.Body...))
	fn := f.routes[k]
	f.mu.Unlock()
	if fn == nil {
		return CacheEntry{}, errOffline
	}
	return fn(ctx, req)
}

func (f *fakeNet) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeNet) count(method, url string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == method+" "+url {
			n++
		}
	}
	return n
}

func testConfig(t *testing.T, extra string) Config {
	t.Helper()
	cfg, err := ParseConfig([]byte("server:\n  origin: " + testOrigin + "\nstorage:\n  driver: memory\n" + extra))
	require.NoError(t, err)
	return cfg
}

type testDeps struct {
	store    *MemStorage
	queue    *MemQueue
	net      *fakeNet
	notifier *NotificationCenter
	clients  *ClientRegistry
}

func newTestWorker(t *testing.T, cfg Config) (*Worker, testDeps) {
	t.Helper()
	d := testDeps{
		store: NewMemStorage(),
		queue: NewMemQueue(),
		net:   newFakeNet(),
	}
	w, err := NewWorker(cfg, Options{Storage: d.store, Queue: d.queue, Network: d.net})
	require.NoError(t, err)
	d.notifier = w.notifier.(*NotificationCenter)
	d.clients = w.clients.(*ClientRegistry)
	t.Cleanup(func() { _ = w.Close() })
	return w, d
}

// waitBackground blocks until every background store and refresh finished.
func waitBackground(w *Worker) { w.wg.Wait() }

func getKey(path string) RequestKey {
	return RequestKey{Method: http.MethodGet, URL: testOrigin + path}
}

func seed(t *testing.T, s Storage, cache, path string, status int, body string) {
	t.Helper()
	c, err := s.Open(cache)
	require.NoError(t, err)
	require.NoError(t, c.Put(getKey(path), newEntry(status, http.Header{"Content-Type": {"application/json"}}, []byte(body))))
}

func getRequest(t *testing.T, path string) *Request {
	t.Helper()
	req, err := NewRequest(http.MethodGet, path, mustParseOrigin(t))
	require.NoError(t, err)
	return req
}

func mustParseOrigin(t *testing.T) *url.URL {
	t.Helper()
	u, err := url.Parse(testOrigin)
	require.NoError(t, err)
	return u
}
