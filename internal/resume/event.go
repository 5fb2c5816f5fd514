// Package resume turns an inbound message into the resume payload, the
// checkpoint to restore from and the state patch for a paused task.
package resume

import (
	"encoding/json"
	"time"

	"github.com/rendis/agentrt/internal/mapping"
	"github.com/rendis/agentrt/internal/task"
	"github.com/rendis/agentrt/pkg/schema"
)

// Event is the canonical, shape-agnostic form of an inbound message.
type Event struct {
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	Tag       string    `json:"tag,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      Data      `json:"data"`
	Context   Context   `json:"context"`
}

// Data is the content of an event.
type Data struct {
	HumanText string         `json:"human_text"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Raw       map[string]any `json:"raw,omitempty"`
}

// Context identifies where an event came from.
type Context struct {
	ID        string `json:"id,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	ChatID    string `json:"chatId,omitempty"`
	MsgID     string `json:"msgId,omitempty"`
	SenderID  string `json:"senderId,omitempty"`
}

// Map returns the event as the `event` root seen by mapping rules.
func (e Event) Map() map[string]any {
	return map[string]any{
		"type":      e.Type,
		"source":    e.Source,
		"tag":       nilIfEmpty(e.Tag),
		"timestamp": e.Timestamp.Format(time.RFC3339Nano),
		"data": map[string]any{
			"human_text": e.Data.HumanText,
			"metadata":   mapping.CloneMap(e.Data.Metadata),
			"raw":        mapping.CloneMap(e.Data.Raw),
		},
		"context": map[string]any{
			"id":        nilIfEmpty(e.Context.ID),
			"sessionId": nilIfEmpty(e.Context.SessionID),
			"chatId":    nilIfEmpty(e.Context.ChatID),
			"msgId":     nilIfEmpty(e.Context.MsgID),
			"senderId":  nilIfEmpty(e.Context.SenderID),
		},
	}
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func sourceOf(t task.InboundType) string {
	switch t {
	case task.InboundA2A:
		return "a2a"
	case task.InboundChat, task.InboundDev:
		return "chat"
	case task.InboundAsyncResult, task.InboundAsyncTimeout:
		return "tool"
	}
	return "runtime"
}

// Normalize builds the canonical event for an inbound item.
func Normalize(in *task.Inbound) Event {
	meta := mapping.CloneMap(in.Metadata)
	if meta == nil {
		meta = map[string]any{}
	}
	ev := Event{
		Type:      string(in.Type),
		Source:    sourceOf(in.Type),
		Tag:       tagOf(meta),
		Timestamp: in.ReceivedAt,
		Data: Data{
			HumanText: in.Message.Text(),
			Metadata:  meta,
			Raw:       map[string]any{},
		},
		Context: Context{
			ID:        in.RequestID,
			SessionID: in.SessionID,
			ChatID:    paramString(meta, "chatId"),
			MsgID:     paramString(meta, "msgId"),
			SenderID:  paramString(meta, "senderId"),
		},
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	if in.Message != nil {
		ev.Data.Raw["message"] = messageMap(in.Message)
		if data := dataParts(in.Message); len(data) > 0 {
			ev.Data.Raw["data"] = data
		}
	}
	if in.CorrelationID != "" {
		ev.Data.Raw["correlation_id"] = in.CorrelationID
	}
	if in.Result != nil {
		ev.Data.Raw["result"] = mapping.CloneValue(in.Result)
	}
	if in.Error != "" {
		ev.Data.Raw["error"] = in.Error
	}
	return ev
}

// ToInbound projects an event back onto an inbound item. Human text, tag
// and metadata (including every params key) survive Normalize/ToInbound.
func ToInbound(e Event) *task.Inbound {
	meta := mapping.CloneMap(e.Data.Metadata)
	if meta == nil {
		meta = map[string]any{}
	}
	if e.Tag != "" {
		if _, ok := meta["i_tag"]; !ok {
			meta["i_tag"] = e.Tag
		}
	}
	in := &task.Inbound{
		Type:       task.InboundType(e.Type),
		RequestID:  e.Context.ID,
		SessionID:  e.Context.SessionID,
		Metadata:   meta,
		ReceivedAt: e.Timestamp,
	}
	if e.Data.HumanText != "" {
		in.Message = &schema.Message{Role: "user", Parts: []schema.Part{schema.TextPart(e.Data.HumanText)}}
	}
	if cid, ok := e.Data.Raw["correlation_id"].(string); ok {
		in.CorrelationID = cid
	}
	in.Result = e.Data.Raw["result"]
	if msg, ok := e.Data.Raw["error"].(string); ok {
		in.Error = msg
	}
	return in
}

func tagOf(meta map[string]any) string {
	for _, k := range []string{"i_tag", "tag"} {
		if s, ok := meta[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func paramString(meta map[string]any, key string) string {
	v, _ := mapping.Get(meta, "params."+key)
	s, _ := v.(string)
	return s
}

func messageMap(m *schema.Message) map[string]any {
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}

func dataParts(m *schema.Message) map[string]any {
	var out map[string]any
	for _, p := range m.Parts {
		if p.Type == schema.PartData && len(p.Data) > 0 {
			out = mapping.MergeDeep(out, p.Data)
		}
	}
	return out
}
