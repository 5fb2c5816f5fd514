package store

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/rendis/agentrt/internal/skill"
	"github.com/rendis/agentrt/internal/task"
	"github.com/rendis/agentrt/pkg/schema"
)

// Sanitize returns a JSON-encodable copy of v. Messages and interrupts are
// down-converted to {type, content, role}; anything else that cannot be
// encoded becomes "<non-serializable: T>".
func Sanitize(v any) any {
	switch x := v.(type) {
	case nil, string, bool, float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
		return x
	case map[string]any:
		return SanitizeMap(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = Sanitize(e)
		}
		return out
	case schema.Message:
		return placeholderMessage(&x)
	case *schema.Message:
		return placeholderMessage(x)
	case skill.Interrupt:
		return map[string]any{"type": "interrupt", "content": SanitizeMap(x.Value), "role": x.Tag}
	case *skill.Interrupt:
		return map[string]any{"type": "interrupt", "content": SanitizeMap(x.Value), "role": x.Tag}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return placeholder(v)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return placeholder(v)
	}
	return out
}

// SanitizeMap applies Sanitize to every value of m.
func SanitizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = Sanitize(v)
	}
	return out
}

func placeholderMessage(m *schema.Message) map[string]any {
	if m == nil {
		return nil
	}
	return map[string]any{"type": "message", "content": m.Text(), "role": m.Role}
}

func placeholder(v any) string {
	return fmt.Sprintf("<non-serializable: %s>", reflect.TypeOf(v))
}

func sanitizeCheckpoints(rec *TaskRecord) []task.CheckpointEntry {
	out := make([]task.CheckpointEntry, 0, len(rec.CheckpointNodes))
	for _, e := range rec.CheckpointNodes {
		if e.Checkpoint == nil {
			out = append(out, e)
			continue
		}
		cp := *e.Checkpoint
		cp.Values = SanitizeMap(cp.Values)
		if cp.Config != nil {
			cfg := *cp.Config
			cfg.Configurable = SanitizeMap(cfg.Configurable)
			cp.Config = &cfg
		}
		out = append(out, task.CheckpointEntry{Tag: e.Tag, Checkpoint: &cp})
	}
	return out
}
