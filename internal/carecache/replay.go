package carecache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// ReplayReport summarizes one drain of a deferred queue.
type ReplayReport struct {
	Kind      QueueKind `json:"kind"`
	Attempted int       `json:"attempted"`
	Delivered int       `json:"delivered"`
	Failed    int       `json:"failed"`
}

func (w *Worker) onSync(ctx context.Context, ev SyncEvent) error {
	kind, ok := KindForSyncTag(ev.Tag)
	if !ok {
		w.log.Debug("ignoring sync tag", zap.String("tag", ev.Tag))
		return nil
	}
	_, err := w.replay(ctx, kind)
	return err
}

// Replay drains kind the same way its sync signal does.
func (w *Worker) Replay(ctx context.Context, kind QueueKind) (ReplayReport, error) {
	mu := w.locks[EventSync]
	mu.Lock()
	defer mu.Unlock()
	return w.replay(ctx, kind)
}

// replay posts every pending operation once, in order, then removes the whole
// batch it read. A failed operation is logged and dropped with the rest;
// there is no retry.
func (w *Worker) replay(ctx context.Context, kind QueueKind) (ReplayReport, error) {
	report := ReplayReport{Kind: kind}
	ops, err := w.queue.Pending(kind)
	if err != nil {
		return report, fmt.Errorf("read %s queue: %w", kind, err)
	}
	if len(ops) == 0 {
		return report, nil
	}

	ids := make([]string, 0, len(ops))
	for _, op := range ops {
		ids = append(ids, op.ID)
		report.Attempted++
		if err := w.deliver(ctx, op); err != nil {
			report.Failed++
			w.log.Error("failed to sync deferred operation",
				zap.String("kind", string(kind)),
				zap.String("id", op.ID),
				zap.Error(err),
			)
			continue
		}
		report.Delivered++
	}

	if err := w.queue.Remove(kind, ids); err != nil {
		return report, fmt.Errorf("clear %s queue: %w", kind, err)
	}
	w.log.Info("deferred queue replayed",
		zap.String("kind", string(kind)),
		zap.Int("attempted", report.Attempted),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

func (w *Worker) deliver(ctx context.Context, op Operation) error {
	req, err := w.replayRequest(op)
	if err != nil {
		return err
	}
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()
	ent, err := w.net.Fetch(ctx, req)
	if err != nil {
		return err
	}
	// Any HTTP answer counts as delivered.
	w.log.Debug("deferred operation sent",
		zap.String("url", req.URL.String()),
		zap.Int("status", ent.Status),
	)
	return nil
}

// replayRequest builds the POST for op. The body is the operation payload as
// the application queued it.
func (w *Worker) replayRequest(op Operation) (*Request, error) {
	var endpoint string
	switch op.Kind {
	case QueueMedicationLog:
		id, err := medicationID(op.Payload)
		if err != nil {
			return nil, err
		}
		endpoint = strings.ReplaceAll(w.cfg.Sync.MedicationEndpoint, "{medicationId}", url.PathEscape(id))
	case QueueAlert:
		endpoint = w.cfg.Sync.AlertEndpoint
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownQueue, op.Kind)
	}

	req, err := NewRequest(http.MethodPost, endpoint, w.cfg.origin)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Body = append([]byte(nil), op.Payload...)
	return req, nil
}

var errNoMedicationID = errors.New("payload has no medicationId")

func medicationID(payload json.RawMessage) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var body struct {
		MedicationID any `json:"medicationId"`
	}
	if err := dec.Decode(&body); err != nil {
		return "", fmt.Errorf("decode payload: %w", err)
	}
	switch v := body.MedicationID.(type) {
	case string:
		if v != "" {
			return v, nil
		}
	case json.Number:
		return v.String(), nil
	}
	return "", errNoMedicationID
}
