package carecache

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// GenerationState tracks the current generation through install and
// activation.
type GenerationState string

const (
	StateParsed     GenerationState = "parsed"
	StateInstalling GenerationState = "installing"
	StateInstalled  GenerationState = "installed"
	StateActivating GenerationState = "activating"
	StateActivated  GenerationState = "activated"
	// StateRedundant means install failed; the previous generation keeps
	// control.
	StateRedundant GenerationState = "redundant"
)

func (w *Worker) State() GenerationState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// controllerName is the cache that receives writes: the activated generation,
// the one left in control by a failed install, or the configured one.
func (w *Worker) controllerName() string {
	name, _ := w.writeTarget()
	if name == "" {
		return w.cfg.Cache.Generation
	}
	return name
}

// writeTarget names the cache for write-backs and whether the write may
// create it. Only the configured generation is ever created this way; after
// a failed install with nothing left in control there is no target.
func (w *Worker) writeTarget() (name string, create bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	gen := w.cfg.Cache.Generation
	switch {
	case w.controller != "":
		return w.controller, w.controller == gen
	case w.state == StateRedundant:
		return "", false
	default:
		return gen, true
	}
}

func (w *Worker) setState(s GenerationState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// onInstall caches the whole manifest or nothing at all.
func (w *Worker) onInstall(ctx context.Context) error {
	gen := w.cfg.Cache.Generation
	w.mu.Lock()
	prev := w.state
	w.state = StateInstalling
	w.mu.Unlock()

	existed, err := w.store.Has(gen)
	if err != nil {
		w.installFailed(prev, gen, true)
		return fmt.Errorf("%w: %s: %w", ErrInstallFailed, gen, err)
	}
	c, err := w.store.Open(gen)
	if err != nil {
		w.installFailed(prev, gen, existed)
		return fmt.Errorf("%w: open %s: %w", ErrInstallFailed, gen, err)
	}

	recs, err := w.fetchManifest(ctx)
	if err == nil {
		err = c.PutAll(recs)
	}
	if err != nil {
		w.installFailed(prev, gen, existed)
		w.log.Error("install failed", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	w.mu.Lock()
	w.state = StateInstalled
	w.skipWait = true
	w.mu.Unlock()
	w.log.Info("generation installed", zap.Int("assets", len(recs)))
	return nil
}

// installFailed leaves the previous generation in control. A cache created by
// this attempt is dropped so no partial generation remains.
func (w *Worker) installFailed(prev GenerationState, gen string, existed bool) {
	if !existed {
		if _, err := w.store.Delete(gen); err != nil {
			w.log.Warn("drop partial cache", zap.Error(err))
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if prev == StateActivated {
		w.state = StateActivated
		return
	}
	w.state = StateRedundant
	if w.controller != "" && w.controller != gen {
		return
	}
	w.controller = ""
	if names, err := w.store.Names(); err == nil {
		for i := len(names) - 1; i >= 0; i-- {
			if names[i] != gen {
				w.controller = names[i]
				break
			}
		}
	}
}

func (w *Worker) fetchManifest(ctx context.Context) ([]Record, error) {
	urls := w.cfg.manifestURLs
	recs := make([]Record, len(urls))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for i, u := range urls {
		wg.Add(1)
		go func(i int, u *url.URL) {
			defer wg.Done()
			rec, err := w.fetchAsset(ctx, u)
			if err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", u, err))
				mu.Unlock()
				return
			}
			recs[i] = rec
		}(i, u)
	}
	wg.Wait()
	if errs != nil {
		return nil, errs
	}
	return recs, nil
}

func (w *Worker) fetchAsset(ctx context.Context, u *url.URL) (Record, error) {
	req := &Request{
		Method: http.MethodGet,
		URL:    u,
		Header: make(http.Header),
		Mode:   ModeOther,
	}
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()
	ent, err := w.net.Fetch(ctx, req)
	if err != nil {
		return Record{}, err
	}
	if !ent.OK() {
		return Record{}, fmt.Errorf("unexpected status %d", ent.Status)
	}
	return Record{Key: req.Key(), Entry: ent}, nil
}

// onActivate drops every other generation, then claims the clients.
func (w *Worker) onActivate(ctx context.Context) error {
	gen := w.cfg.Cache.Generation
	w.mu.Lock()
	if w.state != StateInstalled && w.state != StateActivated {
		st := w.state
		w.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotInstalled, gen, st)
	}
	prev, prevController := w.state, w.controller
	w.state = StateActivating
	// Writes must target the new generation before the old ones go away.
	w.controller = gen
	w.mu.Unlock()

	names, err := w.store.Names()
	if err != nil {
		w.mu.Lock()
		w.state, w.controller = prev, prevController
		w.mu.Unlock()
		return fmt.Errorf("list caches: %w", err)
	}
	for _, name := range names {
		if name == gen {
			continue
		}
		w.log.Info("removing old cache", zap.String("cache", name))
		if _, err := w.store.Delete(name); err != nil {
			w.setState(prev)
			return fmt.Errorf("delete cache %s: %w", name, err)
		}
	}

	w.setState(StateActivated)

	if err := w.clients.Claim(ctx, gen); err != nil {
		return fmt.Errorf("claim clients: %w", err)
	}
	w.log.Info("generation activated")
	return nil
}
