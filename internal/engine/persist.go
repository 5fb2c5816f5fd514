package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/agentrt/internal/logging"
	"github.com/rendis/agentrt/internal/scheduler"
	"github.com/rendis/agentrt/internal/skill"
	"github.com/rendis/agentrt/internal/store"
	"github.com/rendis/agentrt/internal/task"
)

// recordOf converts a runtime task into its persisted layout.
func recordOf(t *task.Task) *store.TaskRecord {
	meta := map[string]any{}
	if cfg := t.Config(); cfg != nil {
		meta["config"] = configMap(cfg)
	}
	if msg := t.StatusMessage(); msg != nil {
		meta["status_message"] = msg
	}
	if pending := t.Pending.Snapshot(); len(pending) > 0 {
		list := make([]any, len(pending))
		for i, p := range pending {
			list[i] = p
		}
		meta["pending_events"] = list
	}

	rec := &store.TaskRecord{
		ID:              t.ID(),
		AgentID:         t.AgentID(),
		RunID:           t.RunID(),
		SessionID:       t.SessionID(),
		Name:            t.Name(),
		Description:     t.Description(),
		Skill:           t.SkillName(),
		Status:          t.Status(),
		Metadata:        meta,
		State:           t.State(),
		ResumeFrom:      t.ResumeFrom(),
		Trigger:         string(t.Trigger()),
		Schedule:        t.Schedule(),
		CheckpointNodes: t.Checkpoints(),
		Priority:        t.Priority().String(),
		AlreadyRun:      t.AlreadyRun(),
	}
	if last := t.LastRunAt(); !last.IsZero() {
		rec.LastRunAt = &last
	}
	return rec
}

// restoredOf extracts the fields Task.Restore applies from a record.
func restoredOf(rec *store.TaskRecord) task.Restored {
	r := task.Restored{
		RunID:       rec.RunID,
		SessionID:   rec.SessionID,
		Status:      rec.Status,
		State:       rec.State,
		ResumeFrom:  rec.ResumeFrom,
		AlreadyRun:  rec.AlreadyRun,
		Checkpoints: rec.CheckpointNodes,
	}
	if rec.LastRunAt != nil {
		r.LastRunAt = *rec.LastRunAt
	}
	if raw, ok := rec.Metadata["config"]; ok {
		r.Config = configFrom(raw)
	}
	return r
}

// specOf rebuilds the static part of a task from a record, for records
// whose task is not declared by the manifest.
func specOf(rec *store.TaskRecord) task.Spec {
	prio, _ := scheduler.ParsePriority(rec.Priority)
	return task.Spec{
		ID:          rec.ID,
		Name:        rec.Name,
		Description: rec.Description,
		AgentID:     rec.AgentID,
		Skill:       rec.Skill,
		Trigger:     skill.Trigger(rec.Trigger),
		Priority:    prio,
		Schedule:    rec.Schedule,
	}
}

func configMap(cfg *skill.RunConfig) map[string]any {
	return map[string]any{
		"configurable":    store.SanitizeMap(cfg.Configurable),
		"recursion_limit": cfg.RecursionLimit,
	}
}

func configFrom(v any) *skill.RunConfig {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var cfg skill.RunConfig
	if err := json.Unmarshal(raw, &cfg); err != nil || cfg.ThreadID() == "" {
		return nil
	}
	return &cfg
}

// persist writes t's snapshot. Failures are logged; the in-memory task
// stays authoritative.
func (rt *Runtime) persist(ctx context.Context, t *task.Task) {
	if rt.persister == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := rt.persister.SaveTask(ctx, recordOf(t)); err != nil {
		logging.LogWith(ctx, rt.logger).Warn("persist task", "task_id", t.ID(), "error", err)
	}
}

// restore applies persisted snapshots to the declared tasks. Records of
// tasks the manifest no longer declares are recreated when their skill is
// still registered.
func (rt *Runtime) restore(ctx context.Context) error {
	if rt.persister == nil {
		return nil
	}
	recs, err := rt.persister.ListTasks(ctx, store.TaskFilter{AgentID: rt.cfg.AgentID})
	if err != nil {
		return err
	}
	for _, rec := range recs {
		t, ok := rt.Task(rec.ID)
		if !ok {
			if _, known := rt.skills.Get(rec.Skill); !known {
				rt.logger.Warn("skip persisted task with unknown skill", "task_id", rec.ID, "skill", rec.Skill)
				continue
			}
			if t, err = rt.AddTask(specOf(rec)); err != nil {
				return err
			}
		}
		t.Restore(restoredOf(rec))
		rt.logger.Info("task restored", "task_id", t.ID(), "status", string(t.Status()))
	}
	return nil
}


