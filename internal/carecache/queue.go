package carecache

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// QueueKind names one deferred write queue.
type QueueKind string

const (
	QueueMedicationLog QueueKind = "medication-log"
	QueueAlert         QueueKind = "alert"
)

// Sync tags delivered by the background-sync trigger.
const (
	SyncMedications = "sync-medications"
	SyncAlerts      = "sync-alerts"
)

var syncTags = map[string]QueueKind{
	SyncMedications: QueueMedicationLog,
	SyncAlerts:      QueueAlert,
}

// KindForSyncTag maps a sync tag to the queue it drains.
func KindForSyncTag(tag string) (QueueKind, bool) {
	k, ok := syncTags[tag]
	return k, ok
}

func ParseQueueKind(s string) (QueueKind, error) {
	switch k := QueueKind(s); k {
	case QueueMedicationLog, QueueAlert:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownQueue, s)
}

// Operation is a write the application could not deliver online.
type Operation struct {
	ID         string          `json:"id"`
	Kind       QueueKind       `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// QueueStore holds deferred operations per kind, oldest first.
type QueueStore interface {
	Enqueue(kind QueueKind, payload json.RawMessage) (Operation, error)
	Pending(kind QueueKind) ([]Operation, error)
	// Remove drops the given operations. Unknown ids are ignored.
	Remove(kind QueueKind, ids []string) error
}

func newOperation(kind QueueKind, payload json.RawMessage) (Operation, error) {
	if _, err := ParseQueueKind(string(kind)); err != nil {
		return Operation{}, err
	}
	if !json.Valid(payload) {
		return Operation{}, fmt.Errorf("payload for %s is not valid json", kind)
	}
	// v7 ids sort by creation time, which keeps leveldb iteration in
	// enqueue order.
	id, err := uuid.NewV7()
	if err != nil {
		return Operation{}, err
	}
	return Operation{
		ID:         id.String(),
		Kind:       kind,
		Payload:    append(json.RawMessage(nil), payload...),
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// MemQueue is an in-process QueueStore.
type MemQueue struct {
	mu  sync.Mutex
	ops map[QueueKind][]Operation
}

func NewMemQueue() *MemQueue {
	return &MemQueue{ops: map[QueueKind][]Operation{}}
}

func (q *MemQueue) Enqueue(kind QueueKind, payload json.RawMessage) (Operation, error) {
	op, err := newOperation(kind, payload)
	if err != nil {
		return Operation{}, err
	}
	q.mu.Lock()
	q.ops[kind] = append(q.ops[kind], op)
	q.mu.Unlock()
	return op, nil
}

func (q *MemQueue) Pending(kind QueueKind) ([]Operation, error) {
	if _, err := ParseQueueKind(string(kind)); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Operation(nil), q.ops[kind]...), nil
}

func (q *MemQueue) Remove(kind QueueKind, ids []string) error {
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.ops[kind][:0]
	for _, op := range q.ops[kind] {
		if _, ok := drop[op.ID]; !ok {
			kept = append(kept, op)
		}
	}
	if len(kept) == 0 {
		delete(q.ops, kind)
		return nil
	}
	q.ops[kind] = kept
	return nil
}
