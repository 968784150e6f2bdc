package messagequeue

// NodeDeltaPayload is the schema for conversations.node.delta messages.
type NodeDeltaPayload struct {
	ConversationID string `json:"conversationId"`
	NodeID         string `json:"nodeId"`
	Content        string `json:"content"`
}

// NodeDonePayload is the schema for conversations.node.done messages.
// Content carries the full authoritative text, not a fragment.
type NodeDonePayload struct {
	ConversationID string `json:"conversationId"`
	NodeID         string `json:"nodeId"`
	Content        string `json:"content"`
}

// TreeUpdatedPayload is the schema for conversations.tree.updated messages.
type TreeUpdatedPayload struct {
	ConversationID string `json:"conversationId"`
	Revision       int64  `json:"revision"`
}

// TurnFailedPayload is the schema for conversations.turn.failed messages.
type TurnFailedPayload struct {
	ConversationID string `json:"conversationId"`
	NodeID         string `json:"nodeId"`
	Error          string `json:"error"`
}
