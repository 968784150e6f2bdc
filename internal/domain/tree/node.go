// Package tree holds the conversation tree domain model. A conversation is a
// tree of user and assistant nodes keyed by ID; all mutation helpers operate
// copy-on-write so published snapshots are never changed in place.
package tree

import (
	"time"

	"github.com/google/uuid"
)

// NodeType distinguishes user messages from assistant responses.
type NodeType string

const (
	NodeUser      NodeType = "user"
	NodeAssistant NodeType = "assistant"
)

// Default canvas positions for newly created nodes. Assistant nodes are
// placed one horizontal step right of their user node; clients re-layout
// afterwards.
const (
	userNodeX      = 0
	assistantNodeX = 400
)

// Position is a node's location on the mind-map canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Metadata carries per-node bookkeeping.
type Metadata struct {
	Timestamp time.Time `json:"timestamp"`
	Tokens    int       `json:"tokens,omitempty"`
	Cost      float64   `json:"cost,omitempty"`
}

// Node is a single message in the conversation tree. ParentID is empty for
// the root node. JSON tags match the stored document shape.
type Node struct {
	ID       string   `json:"id"`
	Type     NodeType `json:"type"`
	Content  string   `json:"content"`
	Model    string   `json:"model,omitempty"`
	ParentID string   `json:"parentId"`
	Children []string `json:"children"`
	Metadata Metadata `json:"metadata"`
	Position Position `json:"position"`
}

// NewUserNode creates a user message node. parentID is empty for a root node.
func NewUserNode(content, parentID string) Node {
	return Node{
		ID:       uuid.NewString(),
		Type:     NodeUser,
		Content:  content,
		ParentID: parentID,
		Children: []string{},
		Metadata: Metadata{Timestamp: time.Now().UTC()},
		Position: Position{X: userNodeX},
	}
}

// NewAssistantNode creates an assistant node with empty content, to be filled
// as the model streams. Model is stored as a display name.
func NewAssistantNode(modelID, parentID string) Node {
	return Node{
		ID:       uuid.NewString(),
		Type:     NodeAssistant,
		Model:    ModelDisplayName(modelID),
		ParentID: parentID,
		Children: []string{},
		Metadata: Metadata{Timestamp: time.Now().UTC()},
		Position: Position{X: assistantNodeX},
	}
}

// clone returns a deep copy of the node.
func (n Node) clone() Node {
	c := n
	c.Children = make([]string, len(n.Children))
	copy(c.Children, n.Children)
	return c
}
