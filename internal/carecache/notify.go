package carecache

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	ActionOpen    = "open"
	ActionDismiss = "dismiss"
)

type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Notification is shown to the user and never persisted.
type Notification struct {
	Title              string               `json:"title"`
	Body               string               `json:"body"`
	Tag                string               `json:"tag"`
	Icon               string               `json:"icon,omitempty"`
	Badge              string               `json:"badge,omitempty"`
	Vibrate            []int                `json:"vibrate,omitempty"`
	RequireInteraction bool                 `json:"requireInteraction"`
	Actions            []NotificationAction `json:"actions"`
	ShownAt            time.Time            `json:"shownAt"`
}

// Notifier displays notifications. Show returns once the notification is
// visible; a notification with the same tag replaces the previous one.
type Notifier interface {
	Show(ctx context.Context, n Notification) error
	Close(ctx context.Context, tag string) error
}

// Clients are the application windows controlled by the worker.
type Clients interface {
	// Claim takes control of every open client for generation.
	Claim(ctx context.Context, generation string) error
	// OpenWindow focuses a client at url or opens a new one.
	OpenWindow(ctx context.Context, url string) error
}

// NotificationCenter is an in-process Notifier that keeps the visible set.
type NotificationCenter struct {
	log *zap.Logger

	mu    sync.Mutex
	shown map[string]Notification
}

func NewNotificationCenter(log *zap.Logger) *NotificationCenter {
	return &NotificationCenter{log: log, shown: map[string]Notification{}}
}

func (c *NotificationCenter) Show(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	_, replaced := c.shown[n.Tag]
	c.shown[n.Tag] = n
	c.mu.Unlock()
	c.log.Info("notification shown",
		zap.String("tag", n.Tag),
		zap.String("title", n.Title),
		zap.Bool("replaced", replaced),
	)
	return nil
}

func (c *NotificationCenter) Close(_ context.Context, tag string) error {
	c.mu.Lock()
	delete(c.shown, tag)
	c.mu.Unlock()
	return nil
}

// Visible returns shown notifications ordered by tag.
func (c *NotificationCenter) Visible() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Notification, 0, len(c.shown))
	for _, n := range c.shown {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}

// ClientRegistry is an in-process Clients implementation. The proxy host has
// no window manager, so opening a window is recorded and logged.
type ClientRegistry struct {
	log *zap.Logger

	mu         sync.Mutex
	controller string
	windows    map[string]int
}

func NewClientRegistry(log *zap.Logger) *ClientRegistry {
	return &ClientRegistry{log: log, windows: map[string]int{}}
}

func (r *ClientRegistry) Claim(_ context.Context, generation string) error {
	r.mu.Lock()
	prev := r.controller
	r.controller = generation
	r.mu.Unlock()
	r.log.Info("clients claimed", zap.String("generation", generation), zap.String("previous", prev))
	return nil
}

func (r *ClientRegistry) OpenWindow(_ context.Context, url string) error {
	r.mu.Lock()
	r.windows[url]++
	focused := r.windows[url] > 1
	r.mu.Unlock()
	if focused {
		r.log.Info("client window focused", zap.String("url", url))
	} else {
		r.log.Info("client window opened", zap.String("url", url))
	}
	return nil
}

// Controller is the generation that last claimed the clients.
func (r *ClientRegistry) Controller() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.controller
}

// Opened reports how many times url was opened or focused.
func (r *ClientRegistry) Opened(url string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.windows[url]
}

func (w *Worker) onPush(ctx context.Context, ev PushEvent) error {
	nc := w.cfg.Notifications
	body := string(ev.Data)
	if len(ev.Data) == 0 {
		body = w.tr.T("notification_default", nil)
	}
	n := Notification{
		Title:              w.tr.T("app_name", nil),
		Body:               body,
		Tag:                nc.Tag,
		Icon:               nc.Icon,
		Badge:              nc.Badge,
		Vibrate:            append([]int(nil), nc.Vibrate...),
		RequireInteraction: *nc.RequireInteraction,
		Actions: []NotificationAction{
			{Action: ActionOpen, Title: w.tr.T("notification_open", nil)},
			{Action: ActionDismiss, Title: w.tr.T("notification_dismiss", nil)},
		},
		ShownAt: time.Now().UTC(),
	}
	return w.notifier.Show(ctx, n)
}

func (w *Worker) onNotificationClick(ctx context.Context, ev NotificationClickEvent) error {
	tag := ev.Tag
	if tag == "" {
		tag = w.cfg.Notifications.Tag
	}
	if err := w.notifier.Close(ctx, tag); err != nil {
		w.log.Warn("close notification", zap.String("tag", tag), zap.Error(err))
	}
	if ev.Action != ActionOpen && ev.Action != "" {
		return nil
	}
	u, err := resolveURL(w.cfg.Notifications.OpenURL, w.cfg.origin)
	if err != nil {
		return err
	}
	return w.clients.OpenWindow(ctx, u.String())
}
