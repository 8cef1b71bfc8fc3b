package carecache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

func (w *Worker) onFetch(ctx context.Context, ev *FetchEvent) error {
	req := ev.Request
	if req == nil || req.URL == nil {
		return fmt.Errorf("%w: fetch event without request", ErrNoResponse)
	}

	var (
		resp  Response
		after func()
		err   error
	)
	switch w.router.classify(req) {
	case NetworkFirst:
		resp, err = w.networkFirst(ctx, req)
	default:
		resp, after, err = w.cacheFirst(ctx, req)
	}
	if err != nil {
		w.stats.NoResponse()
		return err
	}
	w.stats.Observe(resp)
	ev.respond(resp)
	if after != nil {
		after()
	}
	return nil
}

// networkFirst returns the live response and only reads the cache when the
// network did not answer.
func (w *Worker) networkFirst(ctx context.Context, req *Request) (Response, error) {
	key := req.Key()
	fctx, cancel := w.withTimeout(ctx)
	ent, err := w.net.Fetch(fctx, req)
	cancel()
	if err == nil {
		if req.IsGet() && ent.Status == http.StatusOK {
			w.storeAsync(key, ent)
		}
		return Response{CacheEntry: ent, Source: SourceNetwork}, nil
	}

	w.log.Debug("network failed, trying cache", zap.String("key", key.String()), zap.Error(err))
	if cached, ok := w.match(key); ok {
		return Response{CacheEntry: cached, Source: SourceFallback}, nil
	}
	return Response{}, fmt.Errorf("%w: %s: %w", ErrNoResponse, key, err)
}

// cacheFirst serves a hit immediately; the returned func issues the
// background refresh and must run only after the hit was handed over.
func (w *Worker) cacheFirst(ctx context.Context, req *Request) (Response, func(), error) {
	key := req.Key()
	if req.IsGet() {
		if cached, ok := w.match(key); ok {
			return Response{CacheEntry: cached, Source: SourceCache}, func() { w.revalidateAsync(req) }, nil
		}
	}

	fctx, cancel := w.withTimeout(ctx)
	ent, err := w.net.Fetch(fctx, req)
	cancel()
	if err == nil {
		if req.IsGet() && ent.Status == http.StatusOK {
			w.storeAsync(key, ent)
		}
		return Response{CacheEntry: ent, Source: SourceNetwork}, nil, nil
	}

	if req.Mode == ModeNavigate {
		offline := RequestKey{Method: http.MethodGet, URL: w.cfg.offlineURL.String()}
		if page, ok := w.match(offline); ok {
			w.log.Debug("serving offline page", zap.String("key", key.String()))
			return Response{CacheEntry: page, Source: SourceOffline}, nil, nil
		}
	}
	return Response{}, nil, fmt.Errorf("%w: %s: %w", ErrNoResponse, key, err)
}

// match searches every cache. Store errors count as a miss.
func (w *Worker) match(key RequestKey) (CacheEntry, bool) {
	ent, ok, err := w.store.Match(key)
	if err != nil {
		w.log.Warn("cache lookup failed", zap.String("key", key.String()), zap.Error(err))
		return CacheEntry{}, false
	}
	return ent, ok
}

// storeAsync writes a copy of ent to the controlling cache. Failures are
// logged and never reach the caller.
func (w *Worker) storeAsync(key RequestKey, ent CacheEntry) {
	ent = ent.clone()
	w.goBackground(func(context.Context) {
		w.put(key, ent)
	})
}

func (w *Worker) put(key RequestKey, ent CacheEntry) {
	name, create := w.writeTarget()
	if name == "" {
		w.log.Debug("no cache in control, write skipped", zap.String("key", key.String()))
		return
	}
	c, err := w.writeCache(name, create)
	if err == nil {
		err = c.Put(key, ent)
	}
	if errors.Is(err, errCacheDeleted) {
		w.log.Debug("cache gone, write skipped", zap.String("cache", name), zap.String("key", key.String()))
		return
	}
	if err != nil {
		w.writeLog.Warn("cache write failed",
			zap.String("cache", name),
			zap.String("key", key.String()),
			zap.Error(err),
		)
	}
}

// writeCache opens name for a write-back without bringing a deleted cache
// back unless create is set.
func (w *Worker) writeCache(name string, create bool) (Cache, error) {
	if create {
		return w.store.Open(name)
	}
	c, ok, err := w.store.Lookup(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errCacheDeleted
	}
	return c, nil
}

// revalidateAsync refreshes a cached GET. When the background limit is
// reached the refresh is skipped; the next hit will try again.
func (w *Worker) revalidateAsync(req *Request) {
	select {
	case w.bgSem <- struct{}{}:
	default:
		w.log.Debug("background refresh skipped", zap.String("url", req.URL.String()))
		return
	}
	started := w.goBackground(func(ctx context.Context) {
		defer func() { <-w.bgSem }()
		w.revalidateOnce(ctx, req)
	})
	if !started {
		<-w.bgSem
	}
}

func (w *Worker) revalidateOnce(ctx context.Context, req *Request) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	key := req.Key()
	ent, err := w.net.Fetch(ctx, req)
	if err != nil {
		w.log.Debug("background refresh failed", zap.String("key", key.String()), zap.Error(err))
		return
	}
	if ent.Status != http.StatusOK {
		return
	}
	if cur, ok := w.match(key); ok && cur.Status == ent.Status && sameBody(cur, ent) {
		return
	}
	w.put(key, ent)
}

func sameBody(a, b CacheEntry) bool {
	if a.Hash32 != 0 && b.Hash32 != 0 && a.Hash32 != b.Hash32 {
		return false
	}
	return bytes.Equal(a.Body, b.Body)
}
