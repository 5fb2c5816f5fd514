package task

import (
	"time"

	"github.com/rendis/agentrt/pkg/schema"
)

// InboundType classifies a work queue item.
type InboundType string

const (
	InboundA2A          InboundType = "a2a_message"
	InboundChat         InboundType = "chat_message"
	InboundDev          InboundType = "dev_message"
	InboundAsyncResult  InboundType = "async_result"
	InboundAsyncTimeout InboundType = "async_timeout"
	InboundShutdown     InboundType = "shutdown"
	InboundKickoff      InboundType = "kickoff"
)

// Inbound is one item on a task's work queue.
type Inbound struct {
	Type      InboundType
	RequestID string
	SessionID string
	Message   *schema.Message
	Metadata  map[string]any

	CorrelationID string
	Result        any
	Error         string

	ReceivedAt time.Time
}

// Sentinel reports whether the item is a control sentinel rather than an event.
func (in *Inbound) Sentinel() bool {
	return in.Type == InboundShutdown || in.Type == InboundKickoff
}
