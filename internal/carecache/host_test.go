package carecache

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, h http.Handler, method, target string, body io.Reader, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_FetchSetsProvenanceHeader(t *testing.T) {
	w, d := newTestWorker(t, testConfig(t, ""))
	seed(t, d.store, DefaultGeneration, "/static/app.js", http.StatusOK, "cached")
	d.net.respond(http.MethodGet, testOrigin+"/api/health", http.StatusOK, `{"ok":true}`)
	h := w.Handler()

	rec := serve(t, h, http.MethodGet, "/static/app.js", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cached", rec.Body.String())
	assert.Equal(t, "cache", rec.Header().Get(headerSource))
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), headerSource)

	rec = serve(t, h, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "network", rec.Header().Get(headerSource))
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
}

func TestHandler_CrossOriginAssetKeepsItsHost(t *testing.T) {
	const font = "https://fonts.googleapis.com/css2?family=Nunito:wght@400;600;700;800&display=swap"
	w, d := newTestWorker(t, testConfig(t, ""))
	cfgFont := w.cfg.manifestURLs[len(w.cfg.manifestURLs)-1].String()
	require.Equal(t, font, cfgFont)

	c, err := d.store.Open(DefaultGeneration)
	require.NoError(t, err)
	css := newEntry(http.StatusOK, http.Header{"Content-Type": {"text/css"}}, []byte("@font-face{}"))
	require.NoError(t, c.Put(RequestKey{Method: http.MethodGet, URL: cfgFont}, css))

	rec := serve(t, w.Handler(), http.MethodGet, font, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "@font-face{}", rec.Body.String())
	assert.Equal(t, "cache", rec.Header().Get(headerSource))

	waitBackground(w)
	assert.Equal(t, []string{"GET " + font}, d.net.Calls(), "refresh goes to the asset's own host")
}

func TestHandler_NoResponseIsNetworkError(t *testing.T) {
	w, _ := newTestWorker(t, testConfig(t, ""))

	rec := serve(t, w.Handler(), http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, "network-error", rec.Header().Get(headerSource))
}

func TestHandler_NavigationGetsOfflinePage(t *testing.T) {
	w, d := newTestWorker(t, testConfig(t, ""))
	seed(t, d.store, DefaultGeneration, "/", http.StatusOK, "<html>shell</html>")
	h := w.Handler()

	rec := serve(t, h, http.MethodGet, "/medications", nil, "Sec-Fetch-Mode", "navigate")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "offline", rec.Header().Get(headerSource))

	rec = serve(t, h, http.MethodGet, "/medications", nil, "Accept", "text/html,application/xhtml+xml")
	assert.Equal(t, "offline", rec.Header().Get(headerSource))

	rec = serve(t, h, http.MethodGet, "/medications", nil, "Sec-Fetch-Mode", "cors", "Accept", "text/html")
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestHandler_ForwardsRequestBody(t *testing.T) {
	w, d := newTestWorker(t, testConfig(t, ""))
	d.net.respond(http.MethodPost, testOrigin+"/api/alerts/emergency", http.StatusCreated, "")

	rec := serve(t, w.Handler(), http.MethodPost, "/api/alerts/emergency", strings.NewReader(`{"type":"fall"}`))
	assert.Equal(t, http.StatusCreated, rec.Code)

	d.net.mu.Lock()
	bodies := d.net.bodies["POST "+testOrigin+"/api/alerts/emergency"]
	d.net.mu.Unlock()
	require.Len(t, bodies, 1)
	assert.Equal(t, `{"type":"fall"}`, string(bodies[0]))
}

func TestHandler_Lifecycle(t *testing.T) {
	w, d := newTestWorker(t, testConfig(t, shellManifest))
	h := w.Handler()

	rec := serve(t, h, http.MethodPost, ControlPrefix+"/activate", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = serve(t, h, http.MethodPost, ControlPrefix+"/install", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(StateRedundant), body["state"])
	assert.NotEmpty(t, body["error"])

	serveShell(d.net)
	rec = serve(t, h, http.MethodPost, ControlPrefix+"/install", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = serve(t, h, http.MethodPost, ControlPrefix+"/activate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(StateActivated), body["state"])
	assert.Equal(t, "seniorcare-v2", body["controller"])

	rec = serve(t, h, http.MethodGet, ControlPrefix+"/caches", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var caches []cacheListing
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &caches))
	require.Len(t, caches, 1)
	assert.Equal(t, "seniorcare-v2", caches[0].Name)
	assert.ElementsMatch(t, []string{"GET " + testOrigin + "/", "GET " + testOrigin + "/manifest.json"}, caches[0].Keys)
}

func TestHandler_PushAndClick(t *testing.T) {
	w, d := newTestWorker(t, testConfig(t, ""))
	h := w.Handler()

	rec := serve(t, h, http.MethodPost, ControlPrefix+"/push", strings.NewReader("Hora do medicamento"))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = serve(t, h, http.MethodGet, ControlPrefix+"/notifications", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var shown []Notification
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &shown))
	require.Len(t, shown, 1)
	assert.Equal(t, "Hora do medicamento", shown[0].Body)

	rec = serve(t, h, http.MethodPost, ControlPrefix+"/notifications/seniorcare-notification/click?action=open", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, d.notifier.Visible())
	assert.Equal(t, 1, d.clients.Opened(testOrigin+"/"))
}

func TestHandler_QueueAndSync(t *testing.T) {
	w, d := newTestWorker(t, testConfig(t, ""))
	d.net.respond(http.MethodPost, testOrigin+"/api/medications/m1/take", http.StatusOK, "")
	h := w.Handler()

	rec := serve(t, h, http.MethodPost, ControlPrefix+"/queue/medication-log", strings.NewReader(`{"medicationId":"m1"}`))
	require.Equal(t, http.StatusAccepted, rec.Code)
	var op Operation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &op))
	assert.NotEmpty(t, op.ID)

	rec = serve(t, h, http.MethodPost, ControlPrefix+"/queue/photos", strings.NewReader(`{}`))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = serve(t, h, http.MethodPost, ControlPrefix+"/queue/alert", strings.NewReader(`{nope`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, h, http.MethodPost, ControlPrefix+"/sync/"+SyncMedications, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report ReplayReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, ReplayReport{Kind: QueueMedicationLog, Attempted: 1, Delivered: 1}, report)
	assert.Empty(t, pending(t, d.queue, QueueMedicationLog))

	rec = serve(t, h, http.MethodPost, ControlPrefix+"/sync/sync-photos", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_Greeting(t *testing.T) {
	w, _ := newTestWorker(t, testConfig(t, ""))
	h := w.Handler()

	rec := serve(t, h, http.MethodGet, ControlPrefix+"/greeting?lang=fr", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "fr", body["language"])
	assert.NotEmpty(t, body["greeting"])

	rec = serve(t, h, http.MethodGet, ControlPrefix+"/greeting", nil, "Accept-Language", "de-DE,de;q=0.9")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "de", body["language"])

	rec = serve(t, h, http.MethodGet, ControlPrefix+"/greeting", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "pt", body["language"])
}

func TestEnsureExposedHeader(t *testing.T) {
	h := http.Header{}
	ensureExposedHeader(h, headerSource)
	assert.Equal(t, headerSource, h.Get("Access-Control-Expose-Headers"))

	h = http.Header{"Access-Control-Expose-Headers": {"ETag"}}
	ensureExposedHeader(h, headerSource)
	assert.Equal(t, "ETag, "+headerSource, h.Get("Access-Control-Expose-Headers"))

	ensureExposedHeader(h, strings.ToLower(headerSource))
	assert.Equal(t, "ETag, "+headerSource, h.Get("Access-Control-Expose-Headers"))
}
