// Package routing delivers inbound events to the task whose skill declares a
// matching event_routing rule.
package routing

import (
	"context"
	"log/slog"
	"strings"

	"github.com/rendis/agentrt/internal/expressions"
	"github.com/rendis/agentrt/internal/logging"
	"github.com/rendis/agentrt/internal/skill"
	"github.com/rendis/agentrt/internal/task"
	"github.com/rendis/agentrt/pkg/schema"
)

// Canonical event types.
const (
	EventA2A  = string(task.InboundA2A)
	EventChat = string(task.InboundChat)
	EventDev  = string(task.InboundDev)
)

// Selector prefixes.
const (
	SelectorID           = "id:"
	SelectorName         = "name:"
	SelectorNameContains = "name_contains:"
	SelectorExpr         = "expr:"
)

var mtypes = map[string]string{
	"send_task":     EventA2A,
	"send_chat":     EventChat,
	"dev_send_chat": EventDev,
}

// CanonicalType maps the metadata mtype of an A2A request onto an event
// type. Unknown or missing mtypes are A2A messages.
func CanonicalType(metadata map[string]any) string {
	mt, _ := metadata["mtype"].(string)
	if t, ok := mtypes[mt]; ok {
		return t
	}
	return EventA2A
}

// Router resolves event types to tasks.
type Router struct {
	defs   func(skillName string) *skill.Definition
	expr   *expressions.ExprEngine
	logger *slog.Logger
	// OnRoute is called with the event type and whether a task matched.
	OnRoute func(eventType string, matched bool)
}

func New(defs func(string) *skill.Definition, logger *slog.Logger) *Router {
	return &Router{defs: defs, expr: expressions.NewExprEngine(), logger: logging.OrDefault(logger)}
}

// Route returns the first task, in order, whose skill routes eventType with a
// selector matching it. Canceled tasks are skipped; completed and failed
// ones start a new run on their next event.
func (r *Router) Route(ctx context.Context, eventType string, tasks []*task.Task) (*task.Task, error) {
	log := logging.LogWith(ctx, r.logger)
	for _, t := range tasks {
		if t.Cancelled() || t.Status() == schema.TaskStateCanceled {
			continue
		}
		rule, ok := r.defs(t.SkillName()).Routes(eventType)
		if !ok {
			continue
		}
		matched, err := r.Match(ctx, rule.TaskSelector, eventType, t)
		if err != nil {
			log.Warn("routing selector failed", "task_id", t.ID(), "selector", rule.TaskSelector, "error", err)
			continue
		}
		if matched {
			r.report(eventType, true)
			log.Debug("event routed", "event_type", eventType, "task_id", t.ID())
			return t, nil
		}
	}
	r.report(eventType, false)
	log.Error("no routing rule matched, dropping event", "event_type", eventType)
	return nil, schema.NewErrorf(schema.ErrCodeRouting, "no task routes event type %q", eventType).
		WithDetails(map[string]any{"event_type": eventType})
}

// Match evaluates a task selector against t.
func (r *Router) Match(ctx context.Context, selector, eventType string, t *task.Task) (bool, error) {
	selector = strings.TrimSpace(selector)
	switch {
	case selector == "":
		return true, nil
	case strings.HasPrefix(selector, SelectorID):
		return t.ID() == strings.TrimPrefix(selector, SelectorID), nil
	case strings.HasPrefix(selector, SelectorNameContains):
		return strings.Contains(t.Name(), strings.TrimPrefix(selector, SelectorNameContains)), nil
	case strings.HasPrefix(selector, SelectorName):
		return t.Name() == strings.TrimPrefix(selector, SelectorName), nil
	case strings.HasPrefix(selector, SelectorExpr):
		return expressions.EvaluateBool(ctx, r.expr, strings.TrimPrefix(selector, SelectorExpr), map[string]any{
			"task": map[string]any{
				"id":      t.ID(),
				"name":    t.Name(),
				"status":  string(t.Status()),
				"trigger": string(t.Trigger()),
			},
			"event": map[string]any{"type": eventType},
		})
	}
	return false, schema.NewErrorf(schema.ErrCodeValidation, "unknown task selector %q", selector)
}

// CheckSelector validates a selector without a task.
func (r *Router) CheckSelector(selector string) error {
	selector = strings.TrimSpace(selector)
	switch {
	case selector == "",
		strings.HasPrefix(selector, SelectorID),
		strings.HasPrefix(selector, SelectorNameContains),
		strings.HasPrefix(selector, SelectorName):
		return nil
	case strings.HasPrefix(selector, SelectorExpr):
		return r.expr.Compile(strings.TrimPrefix(selector, SelectorExpr))
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "unknown task selector %q", selector)
}

func (r *Router) report(eventType string, matched bool) {
	if r.OnRoute != nil {
		r.OnRoute(eventType, matched)
	}
}
