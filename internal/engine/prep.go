package engine

import (
	"context"

	"github.com/rendis/agentrt/internal/mapping"
	"github.com/rendis/agentrt/internal/resume"
	"github.com/rendis/agentrt/internal/task"
)

// StatePreparer builds the initial workflow state of a run.
type StatePreparer interface {
	Prepare(ctx context.Context, t *task.Task, in *task.Inbound) (map[string]any, error)
}

// StatePreparerFunc adapts a function to StatePreparer.
type StatePreparerFunc func(ctx context.Context, t *task.Task, in *task.Inbound) (map[string]any, error)

func (f StatePreparerFunc) Prepare(ctx context.Context, t *task.Task, in *task.Inbound) (map[string]any, error) {
	return f(ctx, t, in)
}

// DefaultPreparer seeds a run with the task identity, the triggering event
// and a two-message transcript whose second entry carries the chat id.
type DefaultPreparer struct{}

func (DefaultPreparer) Prepare(_ context.Context, t *task.Task, in *task.Inbound) (map[string]any, error) {
	attrs := map[string]any{
		"task_id":   t.ID(),
		"task_name": t.Name(),
		"trigger":   string(t.Trigger()),
	}
	state := map[string]any{
		"attributes": attrs,
		"messages": []any{
			map[string]any{"role": "system", "content": t.Description()},
		},
	}
	if in == nil || in.Sentinel() {
		return state, nil
	}

	ev := resume.Normalize(in)
	// attributes.params holds the chat params flattened, plus the whole
	// request metadata under params.metadata.
	params := map[string]any{}
	if p, ok := ev.Data.Metadata["params"].(map[string]any); ok {
		params = mapping.CloneMap(p)
	}
	params["metadata"] = mapping.CloneMap(ev.Data.Metadata)
	attrs["params"] = params
	if ev.Tag != "" {
		attrs["i_tag"] = ev.Tag
	}
	state["messages"] = append(state["messages"].([]any), map[string]any{
		"role":    "user",
		"content": ev.Data.HumanText,
		"chatId":  ev.Context.ChatID,
		"msgId":   ev.Context.MsgID,
	})
	state["human_text"] = ev.Data.HumanText
	state["metadata"] = mapping.CloneMap(ev.Data.Metadata)
	state["event"] = ev.Map()
	return state, nil
}
