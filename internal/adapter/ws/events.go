package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
)

// Event type constants for WebSocket messages.
const (
	EventNodeDelta   = "node.delta"
	EventNodeDone    = "node.done"
	EventTreeUpdated = "tree.updated"
	EventTurnFailed  = "turn.failed"
)

// NodeDeltaEvent is broadcast for each streamed content fragment.
type NodeDeltaEvent struct {
	ConversationID string `json:"conversationId"`
	NodeID         string `json:"nodeId"`
	Content        string `json:"content"`
}

// NodeDoneEvent is broadcast when a node's content is finalized.
// Content is the full authoritative text.
type NodeDoneEvent struct {
	ConversationID string `json:"conversationId"`
	NodeID         string `json:"nodeId"`
	Content        string `json:"content"`
}

// TreeUpdatedEvent is broadcast when a new tree snapshot is published.
type TreeUpdatedEvent struct {
	ConversationID string `json:"conversationId"`
	Revision       int64  `json:"revision"`
}

// TurnFailedEvent is broadcast when streaming fails mid-turn.
type TurnFailedEvent struct {
	ConversationID string `json:"conversationId"`
	NodeID         string `json:"nodeId"`
	Error          string `json:"error"`
}

// EventTypeForSubject maps a queue subject to the client-facing event type
// by stripping the "conversations." prefix. Unknown subjects map to "".
func EventTypeForSubject(subject string) string {
	rest, ok := strings.CutPrefix(subject, "conversations.")
	if !ok || strings.HasSuffix(rest, ".dlq") {
		return ""
	}
	switch rest {
	case EventNodeDelta, EventNodeDone, EventTreeUpdated, EventTurnFailed:
		return rest
	}
	return ""
}

// BroadcastEvent is a convenience method that marshals a typed event and broadcasts it.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}

// BroadcastRaw forwards an already-encoded payload, used by the queue
// fan-out path where the payload was validated on consume.
func (h *Hub) BroadcastRaw(ctx context.Context, eventType string, payload []byte) {
	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(payload),
	})
}
