package carecache

import (
	"context"
	"fmt"
)

// EventKind keys the dispatch table.
type EventKind string

const (
	EventInstall           EventKind = "install"
	EventActivate          EventKind = "activate"
	EventFetch             EventKind = "fetch"
	EventPush              EventKind = "push"
	EventNotificationClick EventKind = "notificationclick"
	EventSync              EventKind = "sync"
)

// Event is anything the host delivers to the worker.
type Event interface {
	Kind() EventKind
}

type InstallEvent struct{}

func (InstallEvent) Kind() EventKind { return EventInstall }

type ActivateEvent struct{}

func (ActivateEvent) Kind() EventKind { return EventActivate }

// FetchEvent carries an intercepted request. RespondWith receives the
// response before any background work for the request is started.
type FetchEvent struct {
	Request     *Request
	RespondWith func(Response)
}

func (*FetchEvent) Kind() EventKind { return EventFetch }

func (e *FetchEvent) respond(r Response) {
	if e.RespondWith != nil {
		e.RespondWith(r)
	}
}

// PushEvent carries an opaque push payload.
type PushEvent struct {
	Data []byte
}

func (PushEvent) Kind() EventKind { return EventPush }

// NotificationClickEvent reports interaction with a shown notification.
// Action is empty when the body of the notification was clicked.
type NotificationClickEvent struct {
	Tag    string
	Action string
}

func (NotificationClickEvent) Kind() EventKind { return EventNotificationClick }

type SyncEvent struct {
	Tag string
}

func (SyncEvent) Kind() EventKind { return EventSync }

type handlerFunc func(ctx context.Context, ev Event) error

func handle[E Event](fn func(context.Context, E) error) handlerFunc {
	return func(ctx context.Context, ev Event) error {
		e, ok := ev.(E)
		if !ok {
			return fmt.Errorf("%w: %T for %s", ErrUnknownEvent, ev, ev.Kind())
		}
		return fn(ctx, e)
	}
}
