// Package a2a serves the Agent-to-Agent task protocol on top of the engine
// runtime: JSON-RPC methods, server-sent update streams, the agent card and
// the push notification key set.
package a2a

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/agentrt/internal/engine"
	"github.com/rendis/agentrt/internal/logging"
	"github.com/rendis/agentrt/internal/mapping"
	"github.com/rendis/agentrt/internal/streaming"
	"github.com/rendis/agentrt/pkg/schema"
)

// TaskManager implements the A2A task methods. Each request id keys one
// record in the runtime's TaskStore; the message itself is routed to a
// long-lived runtime task.
type TaskManager struct {
	rt     *engine.Runtime
	logger *slog.Logger
}

func NewTaskManager(rt *engine.Runtime, logger *slog.Logger) *TaskManager {
	return &TaskManager{rt: rt, logger: logging.OrDefault(logger)}
}

// Send records the request and delivers its message. Unless the metadata
// asks for async_response, it blocks until the serving run ends or the
// runtime's TaskTimeout elapses; on timeout the current record is returned,
// reported as working unless it already ended, and the run keeps going.
func (m *TaskManager) Send(ctx context.Context, p schema.TaskSendParams) (schema.Task, error) {
	ctx = logging.WithRequestID(ctx, p.ID)
	async, _ := p.Metadata["async_response"].(bool)

	rec, err := m.accept(ctx, p, !async)
	if err != nil {
		return schema.Task{}, err
	}
	if async {
		return withHistory(rec, p.HistoryLength), nil
	}

	out, err := m.rt.Waiters().Wait(ctx, p.ID, m.rt.Config().TaskTimeout)
	switch schema.CodeOf(err) {
	case "":
		return withHistory(out, p.HistoryLength), nil
	case schema.ErrCodeTimeout, schema.ErrCodeCancelled:
		cur, ok := m.rt.Records().Get(p.ID)
		if !ok {
			return schema.Task{}, err
		}
		// The caller only learns the run is still going; the stored record
		// keeps its real state.
		if !cur.Status.State.Terminal() {
			cur.Status.State = schema.TaskStateWorking
		}
		logging.LogWith(ctx, m.logger).Info("returning record before run ended", "state", string(cur.Status.State), "reason", schema.CodeOf(err))
		return withHistory(cur, p.HistoryLength), nil
	}
	return schema.Task{}, err
}

// Subscription is an open update stream for one request. Initial holds the
// events already known when the stream opened.
type Subscription struct {
	Initial []streaming.StreamEvent
	Events  <-chan streaming.StreamEvent
	close   func()
}

// Close releases the hub subscription.
func (s *Subscription) Close() {
	if s.close != nil {
		s.close()
	}
}

// SendSubscribe records and delivers the request like an async Send and
// streams its status and artifact updates.
func (m *TaskManager) SendSubscribe(ctx context.Context, p schema.TaskSendParams) (*Subscription, error) {
	ctx = logging.WithRequestID(ctx, p.ID)
	ch, unsub, err := m.rt.Hub().Subscribe(ctx, streaming.EventFilter{TaskID: p.ID})
	if err != nil {
		return nil, err
	}
	rec, err := m.accept(ctx, p, false)
	if err != nil {
		unsub()
		return nil, err
	}
	return &Subscription{Initial: []streaming.StreamEvent{statusEvent(rec)}, Events: ch, close: unsub}, nil
}

// Resubscribe reopens the update stream of a known request. A finished
// request yields its final status and nothing else.
func (m *TaskManager) Resubscribe(ctx context.Context, p schema.TaskIDParams) (*Subscription, error) {
	rec, ok := m.rt.Records().Get(p.ID)
	if !ok {
		return nil, notFound(p.ID)
	}
	if rec.Status.State.Terminal() {
		return &Subscription{Initial: []streaming.StreamEvent{statusEvent(rec)}}, nil
	}
	ch, unsub, err := m.rt.Hub().Subscribe(ctx, streaming.EventFilter{TaskID: p.ID})
	if err != nil {
		return nil, err
	}
	// The record may have moved on between Get and Subscribe.
	if cur, ok := m.rt.Records().Get(p.ID); ok {
		rec = cur
	}
	return &Subscription{Initial: []streaming.StreamEvent{statusEvent(rec)}, Events: ch, close: unsub}, nil
}

// Get returns a request's record with at most historyLength history entries.
func (m *TaskManager) Get(_ context.Context, p schema.TaskQueryParams) (schema.Task, error) {
	rec, ok := m.rt.Records().Get(p.ID)
	if !ok {
		return schema.Task{}, notFound(p.ID)
	}
	return withHistory(rec, p.HistoryLength), nil
}

// Cancel cancels a request, and the runtime task serving it when the
// request belongs to that task's current run.
func (m *TaskManager) Cancel(ctx context.Context, p schema.TaskIDParams) (schema.Task, error) {
	return m.rt.CancelRequest(ctx, p.ID)
}

// SetPushNotification verifies and stores the push target of a request.
func (m *TaskManager) SetPushNotification(ctx context.Context, p schema.TaskPushNotificationConfig) (schema.TaskPushNotificationConfig, error) {
	n := m.rt.Notifier()
	if n == nil {
		return schema.TaskPushNotificationConfig{}, pushNotSupported()
	}
	if _, ok := m.rt.Records().Get(p.ID); !ok {
		return schema.TaskPushNotificationConfig{}, notFound(p.ID)
	}
	if err := n.SetConfig(ctx, p.ID, p.PushNotificationConfig); err != nil {
		return schema.TaskPushNotificationConfig{}, err
	}
	return p, nil
}

// GetPushNotification returns the stored push target of a request.
func (m *TaskManager) GetPushNotification(_ context.Context, p schema.TaskIDParams) (schema.TaskPushNotificationConfig, error) {
	n := m.rt.Notifier()
	if n == nil {
		return schema.TaskPushNotificationConfig{}, pushNotSupported()
	}
	cfg, ok := n.Get(p.ID)
	if !ok {
		return schema.TaskPushNotificationConfig{}, schema.NewErrorf(schema.ErrCodeNotFound, "no push notification config for task %s", p.ID)
	}
	return schema.TaskPushNotificationConfig{ID: p.ID, PushNotificationConfig: cfg}, nil
}

// accept records the request, registers its push target and waiter, and
// submits the message. A failed submit leaves no trace of a new request.
func (m *TaskManager) accept(ctx context.Context, p schema.TaskSendParams, wait bool) (schema.Task, error) {
	if p.ID == "" {
		return schema.Task{}, schema.NewError(schema.ErrCodeInvalidParams, "id is required")
	}
	records := m.rt.Records()
	prev, existed := records.Get(p.ID)
	if existed && prev.Status.State.Terminal() {
		return schema.Task{}, schema.NewErrorf(schema.ErrCodeConflict, "task %s is already %s", p.ID, prev.Status.State).
			WithDetails(map[string]any{"state": string(prev.Status.State)})
	}
	if p.PushNotification != nil && m.rt.Notifier() == nil {
		return schema.Task{}, pushNotSupported()
	}

	msg := p.Message
	if existed {
		if _, err := records.Update(p.ID, func(r *schema.Task) {
			r.History = append(r.History, msg)
			if p.SessionID != "" {
				r.SessionID = p.SessionID
			}
		}); err != nil {
			return schema.Task{}, err
		}
	} else {
		records.Put(schema.Task{
			ID:        p.ID,
			SessionID: p.SessionID,
			Status:    schema.TaskStatus{State: schema.TaskStateSubmitted, Timestamp: time.Now().UTC()},
			History:   []schema.Message{msg},
			Metadata:  mapping.CloneMap(p.Metadata),
		})
	}
	discard := func() {
		if !existed {
			records.Delete(p.ID)
		}
	}

	if p.PushNotification != nil {
		if err := m.rt.Notifier().SetConfig(ctx, p.ID, *p.PushNotification); err != nil {
			discard()
			return schema.Task{}, err
		}
	}
	if wait {
		m.rt.Waiters().Create(p.ID)
	}
	t, err := m.rt.Submit(ctx, engine.Submission{
		RequestID:           p.ID,
		SessionID:           p.SessionID,
		Message:             &msg,
		Metadata:            p.Metadata,
		AcceptedOutputModes: p.AcceptedOutputModes,
	})
	if err != nil {
		if wait {
			m.rt.Waiters().Drop(p.ID)
		}
		if !existed && m.rt.Notifier() != nil {
			m.rt.Notifier().Remove(p.ID)
		}
		discard()
		logging.LogWith(ctx, m.logger).Warn("request rejected", "error", err)
		return schema.Task{}, err
	}
	logging.LogWith(ctx, m.logger).Info("request accepted", "task_id", t.ID(), "wait", wait)

	rec, _ := records.Get(p.ID)
	return rec, nil
}

func withHistory(t schema.Task, n *int) schema.Task {
	if n == nil {
		return t
	}
	return t.WithHistory(*n)
}

func statusEvent(rec schema.Task) streaming.StreamEvent {
	final := rec.Status.State.Final()
	return streaming.StreamEvent{
		TaskID:    rec.ID,
		EventType: schema.EventStatusUpdate,
		Final:     final,
		Payload:   schema.TaskStatusUpdateEvent{ID: rec.ID, Status: rec.Status, Final: final},
		Timestamp: rec.Status.Timestamp,
	}
}

func notFound(id string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "task %s not found", id)
}

func pushNotSupported() error {
	return schema.NewError(schema.ErrCodePushNotSupported, "push notifications are not supported")
}
