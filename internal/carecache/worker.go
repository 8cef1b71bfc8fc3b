package carecache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"carecache/internal/i18n"
)

// Options injects the worker's collaborators. Nil fields get in-process
// defaults, except Storage, Queue and Network which are required by
// NewWorker.
type Options struct {
	Storage    Storage
	Queue      QueueStore
	Network    Network
	Notifier   Notifier
	Clients    Clients
	Translator *i18n.Translator
	Logger     *zap.Logger
}

// Worker is the cache orchestrator. Each event kind is handled by one entry
// of a dispatch table; fetches run concurrently, every other kind is
// serialized.
type Worker struct {
	cfg Config
	log *zap.Logger

	store    Storage
	queue    QueueStore
	net      Network
	notifier Notifier
	clients  Clients
	tr       *i18n.Translator
	router   router

	handlers map[EventKind]handlerFunc
	locks    map[EventKind]*sync.Mutex

	mu         sync.Mutex
	state      GenerationState
	controller string
	skipWait   bool
	closed     bool

	ctx    context.Context
	cancel context.CancelFunc
	bgSem  chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	writeLog *rateLimitedLogger
	stats    *statsCollector
}

// Open wires a Worker from configuration alone: the configured storage
// driver, an HTTP network and in-process notification and client registries.
func Open(cfg Config, log *zap.Logger) (*Worker, error) {
	if cfg.origin == nil {
		if err := cfg.compile(); err != nil {
			return nil, err
		}
	}
	if log == nil {
		log = zap.NewNop()
	}

	var (
		store Storage
		queue QueueStore
	)
	switch cfg.Storage.Driver {
	case "memory":
		store, queue = NewMemStorage(), NewMemQueue()
	default:
		db, err := OpenLevelDB(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("open storage %s: %w", cfg.Storage.Path, err)
		}
		store, queue = db, db
	}
	if cfg.ramMax > 0 {
		store = NewRAMFront(store, cfg.ramMax)
	}

	w, err := NewWorker(cfg, Options{
		Storage: store,
		Queue:   queue,
		Network: NewHTTPNetwork(cfg.timeoutDur),
		Logger:  log,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return w, nil
}

func NewWorker(cfg Config, opts Options) (*Worker, error) {
	if cfg.origin == nil {
		if err := cfg.compile(); err != nil {
			return nil, err
		}
	}
	if opts.Storage == nil || opts.Queue == nil || opts.Network == nil {
		return nil, errors.New("carecache: storage, queue and network are required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("component", "carecache"), zap.String("generation", cfg.Cache.Generation))

	tr := opts.Translator
	if tr == nil {
		cat, err := i18n.Default()
		if err != nil {
			return nil, fmt.Errorf("load translations: %w", err)
		}
		tr = i18n.NewTranslator(cat, cfg.Notifications.Language)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		cfg:      cfg,
		log:      log,
		store:    opts.Storage,
		queue:    opts.Queue,
		net:      opts.Network,
		notifier: opts.Notifier,
		clients:  opts.Clients,
		tr:       tr,
		router:   router{apiPrefix: cfg.Cache.APIPrefix},
		state:    StateParsed,
		ctx:      ctx,
		cancel:   cancel,
		bgSem:    make(chan struct{}, cfg.Network.BackgroundLimit),
		stopCh:   make(chan struct{}),
		writeLog: newRateLimitedLogger(log, time.Minute),
		stats:    newStatsCollector(),
	}
	if w.notifier == nil {
		w.notifier = NewNotificationCenter(log)
	}
	if w.clients == nil {
		w.clients = NewClientRegistry(log)
	}

	lifecycle := &sync.Mutex{}
	w.handlers = map[EventKind]handlerFunc{
		EventInstall:           handle(func(ctx context.Context, _ InstallEvent) error { return w.onInstall(ctx) }),
		EventActivate:          handle(func(ctx context.Context, _ ActivateEvent) error { return w.onActivate(ctx) }),
		EventFetch:             handle(w.onFetch),
		EventPush:              handle(w.onPush),
		EventNotificationClick: handle(w.onNotificationClick),
		EventSync:              handle(w.onSync),
	}
	w.locks = map[EventKind]*sync.Mutex{
		EventInstall:           lifecycle,
		EventActivate:          lifecycle,
		EventPush:              {},
		EventNotificationClick: {},
		EventSync:              {},
	}

	if cfg.logStatsEveryDur > 0 {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.statsLoop(cfg.logStatsEveryDur)
		}()
	}
	return w, nil
}

// Dispatch runs the handler registered for ev's kind.
func (w *Worker) Dispatch(ctx context.Context, ev Event) error {
	h, ok := w.handlers[ev.Kind()]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Kind())
	}
	if mu := w.locks[ev.Kind()]; mu != nil {
		mu.Lock()
		defer mu.Unlock()
	}
	return h(ctx, ev)
}

func (w *Worker) Install(ctx context.Context) error  { return w.Dispatch(ctx, InstallEvent{}) }
func (w *Worker) Activate(ctx context.Context) error { return w.Dispatch(ctx, ActivateEvent{}) }

// Start installs the current generation and, because install asks to skip
// waiting, activates it right away.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.Install(ctx); err != nil {
		return err
	}
	w.mu.Lock()
	skip := w.skipWait
	w.mu.Unlock()
	if !skip {
		return nil
	}
	return w.Activate(ctx)
}

// Fetch answers req. The returned response is final before any background
// refresh for req begins.
func (w *Worker) Fetch(ctx context.Context, req *Request) (Response, error) {
	var out Response
	err := w.Dispatch(ctx, &FetchEvent{Request: req, RespondWith: func(r Response) { out = r }})
	return out, err
}

func (w *Worker) Push(ctx context.Context, data []byte) error {
	return w.Dispatch(ctx, PushEvent{Data: data})
}

func (w *Worker) NotificationClick(ctx context.Context, tag, action string) error {
	return w.Dispatch(ctx, NotificationClickEvent{Tag: tag, Action: action})
}

func (w *Worker) Sync(ctx context.Context, tag string) error {
	return w.Dispatch(ctx, SyncEvent{Tag: tag})
}

// Enqueue stores an operation for the next sync of its kind.
func (w *Worker) Enqueue(kind QueueKind, payload []byte) (Operation, error) {
	return w.queue.Enqueue(kind, payload)
}

// Storage exposes the durable cache store.
func (w *Worker) Storage() Storage { return w.store }

func (w *Worker) Config() Config { return w.cfg }

// Close stops background work, waits for it and closes the store.
func (w *Worker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.stopCh)
	w.cancel()
	w.wg.Wait()
	return w.store.Close()
}

// goBackground runs fn on the worker's context unless the worker is closing.
func (w *Worker) goBackground(fn func(ctx context.Context)) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn(w.ctx)
	}()
	return true
}

// withTimeout applies network.timeout when one is configured.
func (w *Worker) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if w.cfg.timeoutDur > 0 {
		return context.WithTimeout(ctx, w.cfg.timeoutDur)
	}
	return context.WithCancel(ctx)
}
