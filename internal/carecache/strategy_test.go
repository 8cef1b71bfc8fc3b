package carecache

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterClassify(t *testing.T) {
	rt := router{apiPrefix: "/api/"}
	for _, path := range []string{"/api/health", "/api/medications/1"} {
		assert.Equal(t, NetworkFirst, rt.classify(getRequest(t, path)), path)
	}
	for _, path := range []string{"/", "/api", "/apiary", "/static/app.js", "/manifest.json?v=2"} {
		assert.Equal(t, CacheFirst, rt.classify(getRequest(t, path)), path)
	}
}

func TestNetworkFirst_FallsBackToCachedEntry(t *testing.T) {
	w, d := newTestWorker(t, testConfig(t, ""))
	seed(t, d.store, DefaultGeneration, "/api/health", http.StatusOK, `{"ok":true}`)
	d.net.fail(http.MethodGet, testOrigin+"/api/health")

	resp, err := w.Fetch(context.Background(), getRequest(t, "/api/health"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, `{"ok":true}`, string(resp.Body))
	assert.Equal(t, SourceFallback, resp.Source)
}

func TestNetworkFirst_NoCacheNoNetwork(t *testing.T) {
	w, _ := newTestWorker(t, testConfig(t, ""))

	_, err := w.Fetch(context.Background(), getRequest(t, "/api/health"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoResponse))
	assert.True(t, errors.Is(err, errOffline))
}

func TestNetworkFirst_StoresOnlySuccessfulGets(t *testing.T) {
	w, d := newTestWorker(t, testConfig(t, ""))
	d.net.respond(http.MethodGet, testOrigin+"/api/health", http.StatusOK, `{"ok":true}`)
	d.net.respond(http.MethodGet, testOrigin+"/api/missing", http.StatusNotFound, `nope`)
	d.net.respond(http.MethodPost, testOrigin+"/api/alerts/emergency", http.StatusOK, `{}`)

	resp, err := w.Fetch(context.Background(), getRequest(t, "/api/health"))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, resp.Source)

	resp, err = w.Fetch(context.Background(), getRequest(t, "/api/missing"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Status)

	post, err := NewRequest(http.MethodPost, "/api/alerts/emergency", w.cfg.origin)
	require.NoError(t, err)
	_, err = w.Fetch(context.Background(), post)
	require.NoError(t, err)

	waitBackground(w)

	_, ok, _ := d.store.Match(getKey("/api/health"))
	assert.True(t, ok, "200 GET is cached")
	_, ok, _ = d.store.Match(getKey("/api/missing"))
	assert.False(t, ok, "404 is not cached")
	_, ok, _ = d.store.Match(RequestKey{Method: http.MethodPost, URL: testOrigin + "/api/alerts/emergency"})
	assert.False(t, ok, "POST is not cached")
}

func TestNetworkFirst_PrefersLiveResponse(t *testing.T) {
	w, d := newTestWorker(t, testConfig(t, ""))
	seed(t, d.store, DefaultGeneration, "/api/health", http.StatusOK, `{"ok":false}`)
	d.net.respond(http.MethodGet, testOrigin+"/api/health", http.StatusOK, `{"ok":true}`)

	resp, err := w.Fetch(context.Background(), getRequest(t, "/api/health"))
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(resp.Body))

	waitBackground(w)
	ent, ok, _ := d.store.Match(getKey("/api/health"))
	require.True(t, ok)
	assert.Equal(t, `{"ok":true}`, string(ent.Body))
}

func TestCacheFirst_HitRefreshesInBackground(t *testing.T) {
	w, d := newTestWorker(t, testConfig(t, ""))
	seed(t, d.store, DefaultGeneration, "/static/app.js", http.StatusOK, "old")
	d.net.respond(http.MethodGet, testOrigin+"/static/app.js", http.StatusOK, "new")

	resp, err := w.Fetch(context.Background(), getRequest(t, "/static/app.js"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(resp.Body))
	assert.Equal(t, SourceCache, resp.Source)

	waitBackground(w)
	assert.Equal(t, 1, d.net.count(http.MethodGet, testOrigin+"/static/app.js"))
	ent, ok, _ := d.store.Match(getKey("/static/app.js"))
	require.True(t, ok)
	assert.Equal(t, "new", string(ent.Body))
}

func TestCacheFirst_RefreshIgnoresNon200(t *testing.T) {
	w, d := newTestWorker(t, testConfig(t, ""))
	seed(t, d.store, DefaultGeneration, "/static/app.js", http.StatusOK, "old")
	d.net.respond(http.MethodGet, testOrigin+"/static/app.js", http.StatusInternalServerError, "boom")

	_, err := w.Fetch(context.Background(), getRequest(t, "/static/app.js"))
	require.NoError(t, err)
	waitBackground(w)

	ent, _, _ := d.store.Match(getKey("/static/app.js"))
	assert.Equal(t, "old", string(ent.Body))
}

func TestCacheFirst_RefreshFailureIsSwallowed(t *testing.T) {
	w, d := newTestWorker(t, testConfig(t, ""))
	seed(t, d.store, DefaultGeneration, "/static/app.js", http.StatusOK, "old")
	d.net.fail(http.MethodGet, testOrigin+"/static/app.js")

	resp, err := w.Fetch(context.Background(), getRequest(t, "/static/app.js"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(resp.Body))
	waitBackground(w)

	ent, ok, _ := d.store.Match(getKey("/static/app.js"))
	require.True(t, ok)
	assert.Equal(t, "old", string(ent.Body))
}

func TestCacheFirst_HitDoesNotWaitForRefresh(t *testing.T) {
	w, d := newTestWorker(t, testConfig(t, ""))
	seed(t, d.store, DefaultGeneration, "/static/app.js", http.StatusOK, "cached")
	d.net.hang(http.MethodGet, testOrigin+"/static/app.js")

	req := getRequest(t, "/static/app.js")
	done := make(chan Response, 1)
	go func() {
		resp, err := w.Fetch(context.Background(), req)
		if err == nil {
			done <- resp
		}
		close(done)
	}()

	select {
	case resp, ok := <-done:
		require.True(t, ok, "fetch failed")
		assert.Equal(t, "cached", string(resp.Body))
	case <-time.After(2 * time.Second):
		t.Fatal("cache hit blocked on background refresh")
	}
	// Close cancels the hung refresh.
	require.NoError(t, w.Close())
}

func TestCacheFirst_RespondsBeforeRefreshIsIssued(t *testing.T) {
	w, d := newTestWorker(t, testConfig(t, ""))
	seed(t, d.store, DefaultGeneration, "/static/app.js", http.StatusOK, "cached")
	d.net.respond(http.MethodGet, testOrigin+"/static/app.js", http.StatusOK, "fresh")

	var callsAtRespond int
	err := w.Dispatch(context.Background(), &FetchEvent{
		Request: getRequest(t, "/static/app.js"),
		RespondWith: func(Response) {
			callsAtRespond = len(d.net.Calls())
		},
	})
	require.NoError(t, err)
	waitBackground(w)

	assert.Equal(t, 0, callsAtRespond)
	assert.Len(t, d.net.Calls(), 1)
}

func TestCacheFirst_MissStoresCopy(t *testing.T) {
	w, d := newTestWorker(t, testConfig(t, ""))
	d.net.respond(http.MethodGet, testOrigin+"/static/icons/icon-192.png", http.StatusOK, "png")

	resp, err := w.Fetch(context.Background(), getRequest(t, "/static/icons/icon-192.png"))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, resp.Source)
	waitBackground(w)

	c, err := d.store.Open(DefaultGeneration)
	require.NoError(t, err)
	ent, ok, err := c.Match(getKey("/static/icons/icon-192.png"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "png", string(ent.Body))
}

func TestCacheFirst_NavigationFallsBackToOfflinePage(t *testing.T) {
	w, d := newTestWorker(t, testConfig(t, ""))
	seed(t, d.store, DefaultGeneration, "/", http.StatusOK, "<html>shell</html>")

	req := getRequest(t, "/medications")
	req.Mode = ModeNavigate
	resp, err := w.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, SourceOffline, resp.Source)
	assert.Equal(t, "<html>shell</html>", string(resp.Body))

	_, err = w.Fetch(context.Background(), getRequest(t, "/static/other.js"))
	assert.ErrorIs(t, err, ErrNoResponse)
}

func TestCacheFirst_NavigationWithoutOfflinePage(t *testing.T) {
	w, _ := newTestWorker(t, testConfig(t, ""))

	req := getRequest(t, "/medications")
	req.Mode = ModeNavigate
	_, err := w.Fetch(context.Background(), req)
	assert.ErrorIs(t, err, ErrNoResponse)
}

func TestFetch_ReadsAnyGenerationWritesController(t *testing.T) {
	w, d := newTestWorker(t, testConfig(t, "cache:\n  generation: seniorcare-v2\n"))
	seed(t, d.store, "seniorcare-v1", "/static/app.js", http.StatusOK, "from-v1")
	d.net.respond(http.MethodGet, testOrigin+"/static/app.js", http.StatusOK, "fresh")

	resp, err := w.Fetch(context.Background(), getRequest(t, "/static/app.js"))
	require.NoError(t, err)
	assert.Equal(t, "from-v1", string(resp.Body))
	waitBackground(w)

	v2, err := d.store.Open("seniorcare-v2")
	require.NoError(t, err)
	ent, ok, _ := v2.Match(getKey("/static/app.js"))
	require.True(t, ok)
	assert.Equal(t, "fresh", string(ent.Body))
}

func TestFetch_StatsCountSources(t *testing.T) {
	w, d := newTestWorker(t, testConfig(t, ""))
	seed(t, d.store, DefaultGeneration, "/api/health", http.StatusOK, `{"ok":true}`)

	_, err := w.Fetch(context.Background(), getRequest(t, "/api/health"))
	require.NoError(t, err)
	_, err = w.Fetch(context.Background(), getRequest(t, "/api/other"))
	require.Error(t, err)

	ss := w.stats.Snapshot()
	assert.Equal(t, uint64(1), ss.Fallback)
	assert.Equal(t, uint64(1), ss.NoResponse)
	assert.Equal(t, uint64(len(`{"ok":true}`)), ss.MaxRespBytes)
}
