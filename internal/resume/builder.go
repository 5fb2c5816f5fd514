package resume

import (
	"context"
	"log/slog"

	"github.com/rendis/agentrt/internal/logging"
	"github.com/rendis/agentrt/internal/mapping"
	"github.com/rendis/agentrt/internal/skill"
	"github.com/rendis/agentrt/internal/task"
)

// Output is everything needed to resume a paused run.
type Output struct {
	Event      Event
	Tag        string
	Node       string
	Resume     *skill.Resume
	Checkpoint *skill.Snapshot
	StatePatch map[string]any
	// RuleSource is "node", "skill", "default" or "fallback".
	RuleSource string
}

// Builder builds resume inputs. It is safe for concurrent use.
type Builder struct {
	eval    *mapping.Evaluator
	defs    func(skillName string) *skill.Definition
	runMode string
	logger  *slog.Logger
}

// NewBuilder creates a Builder. defs resolves a skill's effective definition.
func NewBuilder(eval *mapping.Evaluator, defs func(string) *skill.Definition, runMode string, logger *slog.Logger) *Builder {
	if runMode == "" {
		runMode = skill.RunModeReleased
	}
	return &Builder{eval: eval, defs: defs, runMode: runMode, logger: logging.OrDefault(logger)}
}

// Build normalizes in, pops the checkpoint it resumes, applies the mapping
// rules and post-processes the result. The checkpoint is consumed from the
// task's stack; the caller owns the returned copy.
func (b *Builder) Build(ctx context.Context, t *task.Task, in *task.Inbound) (*Output, error) {
	log := logging.LogWith(ctx, b.logger)
	ev := Normalize(in)
	out := &Output{Event: ev}

	b.selectCheckpoint(log, t, out)
	ev = out.Event
	state := t.State()
	out.Node = CurrentNode(out.Checkpoint, state)

	rs, source := b.rules(t.SkillName(), out.Node)
	out.RuleSource = source
	res, err := b.eval.Apply(ctx, rs, mapping.Sources{
		Event: ev.Map(),
		State: state,
		Node:  nodeRoot(state),
		Task: map[string]any{
			"id":      t.ID(),
			"name":    t.Name(),
			"trigger": string(t.Trigger()),
			"status":  string(t.Status()),
		},
	})
	if err != nil {
		return nil, err
	}

	payload, patch := res.Resume, res.StatePatch
	if !res.Produced() {
		out.RuleSource = "fallback"
		payload, patch = fallback(ev)
	}

	b.postProcess(ev, state, out.Checkpoint, patch)
	out.Tag = ev.Tag
	out.StatePatch = patch
	out.Resume = &skill.Resume{Payload: payload, Patch: patch}
	log.Debug("resume built", "tag", out.Tag, "node", out.Node, "rules", out.RuleSource)
	return out, nil
}

// selectCheckpoint pops the entry matching the event tag. Without a tag, or
// when no entry matches, the top of the stack is used and the event
// inherits its stored tag. An unmatched tag is never carried forward.
func (b *Builder) selectCheckpoint(log *slog.Logger, t *task.Task, out *Output) {
	if out.Event.Tag != "" {
		if e, ok := t.PopCheckpoint(out.Event.Tag); ok {
			out.Checkpoint = e.Checkpoint.Clone()
			return
		}
		log.Warn("no checkpoint for tag, using most recent", "tag", out.Event.Tag)
		out.Event.Tag = ""
	}
	e, ok := t.PopCheckpoint("")
	if !ok {
		return
	}
	out.Checkpoint = e.Checkpoint.Clone()
	if out.Checkpoint == nil {
		out.Event.Tag = e.Tag
		return
	}
	attrs := out.Checkpoint.Attributes()
	for _, k := range []string{"i_tag", "cloud_task_id"} {
		if s, ok := attrs[k].(string); ok && s != "" {
			out.Event.Tag = s
			return
		}
	}
	out.Event.Tag = e.Tag
}

// rules resolves node rules, then skill rules for the run mode, then the
// built-in defaults. Legacy node.* sources are rewritten.
func (b *Builder) rules(skillName, node string) (*mapping.RuleSet, string) {
	var def *skill.Definition
	if b.defs != nil {
		def = b.defs(skillName)
	}
	if rs := def.NodeRules(node); rs != nil {
		return rs.RewriteLegacy(), "node"
	}
	if rs := def.Rules(b.runMode); rs != nil {
		return rs.RewriteLegacy(), "skill"
	}
	return Defaults(b.runMode), "default"
}

// postProcess injects the tag as cloud_task_id into the checkpoint and the
// task state, and keeps messages[1].chatId in sync with params.chatId.
func (b *Builder) postProcess(ev Event, state map[string]any, cp *skill.Snapshot, patch map[string]any) {
	if ev.Tag != "" {
		if cp != nil {
			cp.Attributes()["cloud_task_id"] = ev.Tag
			cp.Attributes()["i_tag"] = ev.Tag
		}
		mapping.Set(patch, "attributes.cloud_task_id", ev.Tag)
	}

	v, _ := mapping.Get(patch, "attributes.params.chatId")
	chatID, _ := v.(string)
	if chatID == "" {
		chatID = ev.Context.ChatID
	}
	if chatID == "" {
		return
	}
	if msgs, ok := syncChatID(state["messages"], chatID); ok {
		patch["messages"] = msgs
	}
	if cp != nil {
		if msgs, ok := syncChatID(cp.Values["messages"], chatID); ok {
			cp.Values["messages"] = msgs
		}
	}
}

func syncChatID(v any, chatID string) ([]any, bool) {
	msgs, ok := v.([]any)
	if !ok || len(msgs) < 2 {
		return nil, false
	}
	second, ok := msgs[1].(map[string]any)
	if cur, _ := second["chatId"].(string); !ok || cur == chatID {
		return nil, false
	}
	out := mapping.CloneValue(msgs).([]any)
	out[1].(map[string]any)["chatId"] = chatID
	return out, true
}

// fallback copies human text and metadata into canonical locations when no
// rule produced anything.
func fallback(ev Event) (map[string]any, map[string]any) {
	payload := map[string]any{
		"human_text": ev.Data.HumanText,
		"metadata":   mapping.CloneMap(ev.Data.Metadata),
	}
	for _, k := range []string{"qa_form_to_agent", "notification_to_agent"} {
		if v, ok := ev.Data.Metadata[k]; ok {
			payload[k] = mapping.CloneValue(v)
		}
	}
	for k, v := range ev.Data.Raw {
		if k == "correlation_id" || k == "result" || k == "error" {
			payload[k] = mapping.CloneValue(v)
		}
	}
	if ev.Tag != "" {
		payload["i_tag"] = ev.Tag
	}
	patch := map[string]any{}
	if params, ok := ev.Data.Metadata["params"].(map[string]any); ok {
		mapping.Set(patch, "attributes.params", mapping.CloneMap(params))
	}
	return payload, patch
}

// CurrentNode is the checkpoint's next node, or the last node recorded in
// state.attributes.__this_node__.
func CurrentNode(cp *skill.Snapshot, state map[string]any) string {
	if cp != nil && len(cp.Next) > 0 {
		return cp.Next[0]
	}
	return ThisNode(state)
}

// ThisNode reads state.attributes.__this_node__.name.
func ThisNode(state map[string]any) string {
	v, _ := mapping.Get(state, "attributes.__this_node__.name")
	s, _ := v.(string)
	return s
}

func nodeRoot(state map[string]any) map[string]any {
	m, _ := state["result"].(map[string]any)
	return m
}
