// Package database defines the database store port (interface).
package database

import (
	"context"

	"github.com/treechat/treechat/internal/domain/tree"
)

// Store is the port interface for conversation persistence.
type Store interface {
	// ListConversations returns conversations ordered by most recently
	// updated. An empty userID returns all conversations.
	ListConversations(ctx context.Context, userID string) ([]tree.Tree, error)

	// GetConversation loads a single conversation document.
	// Returns domain.ErrNotFound if the id is unknown.
	GetConversation(ctx context.Context, id string) (*tree.Tree, error)

	// CreateInitialConversation inserts an empty conversation shell that
	// records the first message and model for later materialization.
	CreateInitialConversation(ctx context.Context, message, model string) (*tree.Tree, error)

	// SaveConversation upserts the full document. The write is rejected
	// with domain.ErrConflict when t.Revision is stale; on success the
	// new revision is returned.
	SaveConversation(ctx context.Context, t *tree.Tree) (int64, error)

	// DeleteConversation removes a conversation. The boolean reports
	// whether a row actually existed; deleting a missing id is not an error.
	DeleteConversation(ctx context.Context, id string) (bool, error)
}
