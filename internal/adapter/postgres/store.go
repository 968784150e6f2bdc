package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/treechat/treechat/internal/domain"
	"github.com/treechat/treechat/internal/domain/tree"
)

// Store implements database.Store using PostgreSQL. Conversations are
// stored as whole documents with the node map in a JSONB column.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const conversationColumns = `id, title, COALESCE(root_node, ''), nodes, layout,
	COALESCE(user_id, ''), COALESCE(initial_message, ''), COALESCE(initial_model, ''),
	revision, created_at, updated_at`

func (s *Store) ListConversations(ctx context.Context, userID string) ([]tree.Tree, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations ORDER BY updated_at DESC`
	args := []any{}
	if userID != "" {
		query = `SELECT ` + conversationColumns + ` FROM conversations WHERE user_id = $1 ORDER BY updated_at DESC`
		args = append(args, userID)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var result []tree.Tree
	for rows.Next() {
		t, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		result = append(result, *t)
	}
	return result, rows.Err()
}

func (s *Store) GetConversation(ctx context.Context, id string) (*tree.Tree, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	t, err := scanConversation(row)
	if err != nil {
		return nil, notFoundWrap(err, "get conversation %s", id)
	}
	return t, nil
}

func (s *Store) CreateInitialConversation(ctx context.Context, message, model string) (*tree.Tree, error) {
	t := tree.New(message, model)
	t.Revision = 1

	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (id, title, nodes, layout, initial_message, initial_model, revision, created_at, updated_at)
		 VALUES ($1, $2, '{}'::jsonb, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.Title, string(t.Layout), nullIfEmpty(t.InitialMessage), nullIfEmpty(t.InitialModel),
		t.Revision, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return t, nil
}

// SaveConversation upserts the whole document. An insert takes revision 1;
// an update succeeds only when the stored revision matches t.Revision and
// bumps it by one. A stale revision returns domain.ErrConflict.
func (s *Store) SaveConversation(ctx context.Context, t *tree.Tree) (int64, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	nodes, err := json.Marshal(t.Nodes)
	if err != nil {
		return 0, fmt.Errorf("marshal nodes: %w", err)
	}

	var revision int64
	err = s.pool.QueryRow(ctx,
		`INSERT INTO conversations (id, title, root_node, nodes, layout, user_id, initial_message, initial_model, revision, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9, NOW())
		 ON CONFLICT (id) DO UPDATE SET
		   title = EXCLUDED.title,
		   root_node = EXCLUDED.root_node,
		   nodes = EXCLUDED.nodes,
		   layout = EXCLUDED.layout,
		   user_id = EXCLUDED.user_id,
		   initial_message = EXCLUDED.initial_message,
		   initial_model = EXCLUDED.initial_model,
		   revision = conversations.revision + 1,
		   updated_at = NOW()
		 WHERE conversations.revision = $10
		 RETURNING revision`,
		t.ID, t.Title, nullIfEmpty(t.RootNode), nodes, string(t.Layout),
		nullIfEmpty(t.UserID), nullIfEmpty(t.InitialMessage), nullIfEmpty(t.InitialModel),
		t.CreatedAt, t.Revision,
	).Scan(&revision)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("save conversation %s at revision %d: %w", t.ID, t.Revision, domain.ErrConflict)
		}
		return 0, fmt.Errorf("save conversation %s: %w", t.ID, err)
	}
	return revision, nil
}

// DeleteConversation removes a row. Deleting a missing id is not an error;
// the boolean reports whether anything was removed.
func (s *Store) DeleteConversation(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete conversation %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// scannable abstracts pgx.Row and pgx.Rows for shared scan helpers.
type scannable interface {
	Scan(dest ...any) error
}

func scanConversation(row scannable) (*tree.Tree, error) {
	var t tree.Tree
	var layout string
	var nodes []byte
	err := row.Scan(&t.ID, &t.Title, &t.RootNode, &nodes, &layout,
		&t.UserID, &t.InitialMessage, &t.InitialModel,
		&t.Revision, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Layout = tree.Layout(layout)

	// Old rows can carry NULL or empty nodes; both mean an empty map.
	t.Nodes = map[string]tree.Node{}
	if len(nodes) > 0 {
		if err := json.Unmarshal(nodes, &t.Nodes); err != nil {
			return nil, fmt.Errorf("unmarshal nodes: %w", err)
		}
		if t.Nodes == nil {
			t.Nodes = map[string]tree.Node{}
		}
	}
	return &t, nil
}
