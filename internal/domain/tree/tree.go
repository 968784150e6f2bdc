package tree

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/treechat/treechat/internal/domain"
)

// Layout names a mind-map layout algorithm. Unknown values are preserved;
// the server only stores them.
type Layout string

const (
	LayoutTree   Layout = "tree"
	LayoutRadial Layout = "radial"
	LayoutForce  Layout = "force"
)

const titleMaxRunes = 50

// Tree is a whole conversation: a node map plus document-level bookkeeping.
// Revision counts successful persists and is used for optimistic locking.
// JSON tags match the stored document shape.
type Tree struct {
	ID             string          `json:"id"`
	Title          string          `json:"title"`
	RootNode       string          `json:"rootNode"`
	Nodes          map[string]Node `json:"nodes"`
	Layout         Layout          `json:"layout"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	UserID         string          `json:"userId,omitempty"`
	InitialMessage string          `json:"initialMessage,omitempty"`
	InitialModel   string          `json:"initialModel,omitempty"`
	Revision       int64           `json:"revision"`
}

// TitleFor derives a conversation title from the first user message:
// the first 50 runes, with a single ellipsis rune appended when truncated.
func TitleFor(message string) string {
	if utf8.RuneCountInString(message) <= titleMaxRunes {
		return message
	}
	runes := []rune(message)
	return string(runes[:titleMaxRunes]) + "…"
}

// New creates an empty conversation tree titled after the first user message.
// Nodes stay empty until the first turn materializes; InitialMessage and
// InitialModel record what that turn should be.
func New(message, modelID string) *Tree {
	now := time.Now().UTC()
	return &Tree{
		ID:             uuid.NewString(),
		Title:          TitleFor(message),
		Nodes:          map[string]Node{},
		Layout:         LayoutTree,
		CreatedAt:      now,
		UpdatedAt:      now,
		InitialMessage: message,
		InitialModel:   modelID,
	}
}

// Clone returns a deep copy of the tree.
func (t *Tree) Clone() *Tree {
	c := *t
	c.Nodes = make(map[string]Node, len(t.Nodes))
	for id, n := range t.Nodes {
		c.Nodes[id] = n.clone()
	}
	return &c
}

// AddTurn inserts a user node and its assistant child under parentID and
// returns a new tree; the receiver is not modified. An empty parentID starts
// the tree: the user node becomes the root. A missing parent is an error.
func (t *Tree) AddTurn(parentID string, user, assistant Node) (*Tree, error) {
	c := t.Clone()

	user.ParentID = parentID
	user.Children = append([]string{}, assistant.ID)
	assistant.ParentID = user.ID

	if parentID == "" {
		if len(c.Nodes) != 0 {
			return nil, fmt.Errorf("conversation %s already has a root: %w", t.ID, domain.ErrValidation)
		}
		c.RootNode = user.ID
	} else {
		parent, ok := c.Nodes[parentID]
		if !ok {
			return nil, fmt.Errorf("parent node %s: %w", parentID, domain.ErrNotFound)
		}
		parent.Children = append(parent.Children, user.ID)
		c.Nodes[parentID] = parent
	}

	c.Nodes[user.ID] = user
	c.Nodes[assistant.ID] = assistant
	c.UpdatedAt = time.Now().UTC()
	return c, nil
}

// UpdateNodeContent returns a new tree with the node's content replaced.
// A missing node ID is a deliberate no-op: content updates race against
// deletes, and losing the update is the correct outcome.
func (t *Tree) UpdateNodeContent(nodeID, content string) *Tree {
	c := t.Clone()
	n, ok := c.Nodes[nodeID]
	if !ok {
		return c
	}
	n.Content = content
	c.Nodes[nodeID] = n
	return c
}

// AppendNodeContent returns a new tree with delta appended to the node's
// content. Missing node IDs are a no-op, matching UpdateNodeContent.
func (t *Tree) AppendNodeContent(nodeID, delta string) *Tree {
	n, ok := t.Nodes[nodeID]
	if !ok {
		return t.Clone()
	}
	return t.UpdateNodeContent(nodeID, n.Content+delta)
}

// Touch returns a new tree with UpdatedAt refreshed.
func (t *Tree) Touch() *Tree {
	c := t.Clone()
	c.UpdatedAt = time.Now().UTC()
	return c
}

// HasAssistantContent reports whether any assistant node has non-empty
// content. Autosave is suppressed until this is true.
func (t *Tree) HasAssistantContent() bool {
	for _, n := range t.Nodes {
		if n.Type == NodeAssistant && n.Content != "" {
			return true
		}
	}
	return false
}

// Validate checks structural integrity: the root exists, every non-root
// node's parent exists, and children lists reference existing nodes.
func (t *Tree) Validate() error {
	if len(t.Nodes) == 0 {
		return nil
	}
	if _, ok := t.Nodes[t.RootNode]; !ok {
		return fmt.Errorf("root node %s missing from node map: %w", t.RootNode, domain.ErrValidation)
	}
	for id, n := range t.Nodes {
		if n.ParentID == "" && id != t.RootNode {
			return fmt.Errorf("node %s has no parent but is not the root: %w", id, domain.ErrValidation)
		}
		if n.ParentID != "" {
			if _, ok := t.Nodes[n.ParentID]; !ok {
				return fmt.Errorf("node %s references missing parent %s: %w", id, n.ParentID, domain.ErrValidation)
			}
		}
		for _, child := range n.Children {
			if _, ok := t.Nodes[child]; !ok {
				return fmt.Errorf("node %s references missing child %s: %w", id, child, domain.ErrValidation)
			}
		}
	}
	return nil
}
