package carecache

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"carecache/internal/i18n"
)

// ControlPrefix is reserved for lifecycle, push and sync signals; every other
// path is intercepted as a fetch.
const ControlPrefix = "/__carecache"

const headerSource = "X-Carecache"

// maxPushBody bounds control payloads.
const maxPushBody = 1 << 20

// Handler returns the host for the worker: control routes plus fetch
// interception for everything else.
func (w *Worker) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route(ControlPrefix, func(cr chi.Router) {
		cr.Post("/install", w.serveLifecycle(w.Install))
		cr.Post("/activate", w.serveLifecycle(w.Activate))
		cr.Post("/push", w.servePush)
		cr.Post("/notifications/{tag}/click", w.serveNotificationClick)
		cr.Get("/notifications", w.serveNotifications)
		cr.Post("/sync/{tag}", w.serveSync)
		cr.Post("/queue/{kind}", w.serveEnqueue)
		cr.Get("/caches", w.serveCaches)
		cr.Get("/greeting", w.serveGreeting)
	})
	r.HandleFunc("/*", w.serveFetch)
	return r
}

func (w *Worker) serveFetch(rw http.ResponseWriter, r *http.Request) {
	req, err := w.requestFromHTTP(r)
	if err != nil {
		http.Error(rw, "bad request", http.StatusBadRequest)
		return
	}
	err = w.Dispatch(r.Context(), &FetchEvent{
		Request: req,
		RespondWith: func(resp Response) {
			writeResponse(rw, resp)
		},
	})
	if err != nil {
		if !errors.Is(err, ErrNoResponse) {
			w.log.Error("fetch failed", zap.Error(err))
		}
		rw.Header().Set(headerSource, "network-error")
		ensureExposedHeader(rw.Header(), headerSource)
		http.Error(rw, "network error", http.StatusGatewayTimeout)
	}
}

// requestFromHTTP keeps absolute-form targets as they are, so cross-origin
// assets keep their host; origin-form targets resolve against the origin.
func (w *Worker) requestFromHTTP(r *http.Request) (*Request, error) {
	target := r.URL.RequestURI()
	if r.URL.IsAbs() {
		target = r.URL.String()
	}
	req, err := NewRequest(r.Method, target, w.cfg.origin)
	if err != nil {
		return nil, err
	}
	copyHeaders(req.Header, r.Header)
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		req.Body = b
	}
	if isNavigation(r) {
		req.Mode = ModeNavigate
	}
	return req, nil
}

// isNavigation trusts Sec-Fetch-Mode and falls back to an HTML Accept for
// clients that do not send it.
func isNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	return r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html")
}

func writeResponse(rw http.ResponseWriter, resp Response) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, headerSource) {
			continue
		}
		for _, v := range vs {
			rw.Header().Add(k, v)
		}
	}
	rw.Header().Set(headerSource, string(resp.Source))
	ensureExposedHeader(rw.Header(), headerSource)
	rw.WriteHeader(resp.Status)
	_, _ = rw.Write(resp.Body)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func (w *Worker) serveLifecycle(step func(context.Context) error) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		err := step(r.Context())
		status := http.StatusOK
		switch {
		case errors.Is(err, ErrNotInstalled):
			status = http.StatusConflict
		case errors.Is(err, ErrInstallFailed):
			status = http.StatusBadGateway
		case err != nil:
			status = http.StatusInternalServerError
		}
		body := map[string]any{"state": w.State(), "controller": w.controllerName()}
		if err != nil {
			body["error"] = err.Error()
		}
		writeJSON(rw, status, body)
	}
}

func (w *Worker) servePush(rw http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxPushBody))
	if err != nil {
		http.Error(rw, "bad request", http.StatusBadRequest)
		return
	}
	if err := w.Push(r.Context(), data); err != nil {
		w.log.Error("push failed", zap.Error(err))
		http.Error(rw, "push failed", http.StatusInternalServerError)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (w *Worker) serveNotificationClick(rw http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "tag")
	action := r.URL.Query().Get("action")
	if err := w.NotificationClick(r.Context(), tag, action); err != nil {
		w.log.Error("notification click failed", zap.Error(err))
		http.Error(rw, "notification click failed", http.StatusInternalServerError)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (w *Worker) serveNotifications(rw http.ResponseWriter, r *http.Request) {
	nc, ok := w.notifier.(*NotificationCenter)
	if !ok {
		http.Error(rw, "notifications are not tracked", http.StatusNotImplemented)
		return
	}
	writeJSON(rw, http.StatusOK, nc.Visible())
}

func (w *Worker) serveSync(rw http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "tag")
	kind, ok := KindForSyncTag(tag)
	if !ok {
		http.Error(rw, "unknown sync tag", http.StatusNotFound)
		return
	}
	report, err := w.Replay(r.Context(), kind)
	if err != nil {
		w.log.Error("sync failed", zap.String("tag", tag), zap.Error(err))
		http.Error(rw, "sync failed", http.StatusInternalServerError)
		return
	}
	writeJSON(rw, http.StatusOK, report)
}

func (w *Worker) serveEnqueue(rw http.ResponseWriter, r *http.Request) {
	kind, err := ParseQueueKind(chi.URLParam(r, "kind"))
	if err != nil {
		http.Error(rw, err.Error(), http.StatusNotFound)
		return
	}
	b, err := io.ReadAll(io.LimitReader(r.Body, maxPushBody))
	if err != nil {
		http.Error(rw, "bad request", http.StatusBadRequest)
		return
	}
	op, err := w.Enqueue(kind, b)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(rw, http.StatusAccepted, op)
}

type cacheListing struct {
	Name string   `json:"name"`
	Keys []string `json:"keys"`
}

func (w *Worker) serveCaches(rw http.ResponseWriter, r *http.Request) {
	names, err := w.store.Names()
	if err != nil {
		http.Error(rw, "list caches failed", http.StatusInternalServerError)
		return
	}
	out := make([]cacheListing, 0, len(names))
	for _, name := range names {
		c, ok, err := w.store.Lookup(name)
		if err != nil || !ok {
			continue
		}
		keys, err := c.Keys()
		if err != nil {
			continue
		}
		l := cacheListing{Name: name, Keys: make([]string, 0, len(keys))}
		for _, k := range keys {
			l.Keys = append(l.Keys, k.String())
		}
		out = append(out, l)
	}
	writeJSON(rw, http.StatusOK, out)
}

func (w *Worker) serveGreeting(rw http.ResponseWriter, r *http.Request) {
	cat, err := i18n.Default()
	if err != nil {
		http.Error(rw, "translations unavailable", http.StatusInternalServerError)
		return
	}
	lang := r.URL.Query().Get("lang")
	if lang == "" {
		lang = w.tr.Language()
		if al := r.Header.Get("Accept-Language"); al != "" {
			lang = cat.Match(al)
		}
	}
	tr := i18n.NewTranslator(cat, lang)
	writeJSON(rw, http.StatusOK, map[string]string{
		"language": tr.Language(),
		"greeting": tr.Greeting(time.Now()),
	})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}
