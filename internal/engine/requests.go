package engine

import (
	"context"
	"slices"
	"time"

	"github.com/rendis/agentrt/internal/logging"
	"github.com/rendis/agentrt/internal/streaming"
	"github.com/rendis/agentrt/internal/task"
	"github.com/rendis/agentrt/pkg/schema"
)

// project mirrors a runtime status transition onto the A2A records of the
// requests the current run serves, then streams and pushes each update.
func (rt *Runtime) project(ctx context.Context, t *task.Task, _, to schema.TaskState) {
	ids := t.Requests()
	if len(ids) == 0 {
		return
	}
	status := schema.TaskStatus{
		State:     to,
		Message:   agentMessage(t.StatusMessage()),
		Timestamp: time.Now().UTC(),
	}
	var artifact *schema.Artifact
	if to == schema.TaskStateCompleted {
		if msg := t.StatusMessage(); len(msg) > 0 {
			artifact = &schema.Artifact{Name: "result", Parts: []schema.Part{schema.DataPart(msg)}, LastChunk: true}
		}
	}
	for _, id := range ids {
		rt.updateRecord(ctx, id, status, artifact)
	}
}

// updateRecord applies status, and artifact when set, to a request record.
// Records that already reached a terminal state are left alone.
func (rt *Runtime) updateRecord(ctx context.Context, id string, status schema.TaskStatus, artifact *schema.Artifact) (schema.Task, bool) {
	applied := false
	rec, err := rt.records.Update(id, func(r *schema.Task) {
		if r.Status.State.Terminal() {
			return
		}
		applied = true
		r.Status = status
		if status.Message != nil && status.State.Final() {
			r.History = append(r.History, *status.Message)
		}
		if artifact != nil {
			a := *artifact
			a.Index = len(r.Artifacts)
			r.Artifacts = append(r.Artifacts, a)
		}
	})
	if err != nil || !applied {
		return rec, false
	}

	now := status.Timestamp
	if artifact != nil {
		a := rec.Artifacts[len(rec.Artifacts)-1]
		rt.publish(ctx, streaming.StreamEvent{
			TaskID:    id,
			EventType: schema.EventArtifactUpdate,
			Payload:   schema.TaskArtifactUpdateEvent{ID: id, Artifact: a},
			Timestamp: now,
		})
	}
	final := status.State.Final()
	rt.publish(ctx, streaming.StreamEvent{
		TaskID:    id,
		EventType: schema.EventStatusUpdate,
		Final:     final,
		Payload:   schema.TaskStatusUpdateEvent{ID: id, Status: status, Final: final},
		Timestamp: now,
	})
	if rt.push != nil {
		rt.push.Dispatch(rec)
	}
	return rec, true
}

func (rt *Runtime) publish(ctx context.Context, ev streaming.StreamEvent) {
	if err := rt.hub.Publish(ctx, ev); err != nil {
		logging.LogWith(ctx, rt.logger).Warn("publish record update", "request_id", ev.TaskID, "error", err)
	}
}

// CancelRequest cancels the request with the given id. When the request is
// being served by a run, the owning task is canceled with it.
func (rt *Runtime) CancelRequest(ctx context.Context, requestID string) (schema.Task, error) {
	ctx = logging.WithRequestID(ctx, requestID)
	rec, ok := rt.records.Get(requestID)
	if !ok {
		return schema.Task{}, schema.NewErrorf(schema.ErrCodeNotFound, "task %s not found", requestID)
	}
	if rec.Status.State.Terminal() {
		return rec, schema.NewErrorf(schema.ErrCodeNotCancelable, "task %s is %s", requestID, rec.Status.State).
			WithDetails(map[string]any{"state": string(rec.Status.State)})
	}

	if t, ok := rt.Owner(requestID); ok && slices.Contains(t.Requests(), requestID) {
		if err := rt.CancelTask(ctx, t.ID()); err != nil && schema.CodeOf(err) != schema.ErrCodeNotCancelable {
			return rec, err
		}
	}
	status := schema.TaskStatus{State: schema.TaskStateCanceled, Timestamp: time.Now().UTC()}
	if out, applied := rt.updateRecord(ctx, requestID, status, nil); applied {
		rec = out
	} else if cur, ok := rt.records.Get(requestID); ok {
		rec = cur
	}
	rt.waiters.Fail(requestID, schema.NewError(schema.ErrCodeCancelled, "task canceled"))
	logging.LogWith(ctx, rt.logger).Info("request canceled")
	return rec, nil
}

// agentMessage renders a status payload as an agent message: a text part
// when the payload carries "text", and the payload itself as data.
func agentMessage(payload map[string]any) *schema.Message {
	if len(payload) == 0 {
		return nil
	}
	msg := &schema.Message{Role: "agent"}
	if text, ok := payload["text"].(string); ok && text != "" {
		msg.Parts = append(msg.Parts, schema.TextPart(text))
	}
	msg.Parts = append(msg.Parts, schema.DataPart(payload))
	return msg
}
