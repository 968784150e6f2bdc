package tree

import (
	"errors"
	"strings"
	"testing"

	"github.com/treechat/treechat/internal/domain"
)

func TestTitleFor(t *testing.T) {
	if got := TitleFor("short question"); got != "short question" {
		t.Fatalf("expected unchanged title, got %q", got)
	}

	long := strings.Repeat("a", 80)
	got := TitleFor(long)
	if got != strings.Repeat("a", 50)+"…" {
		t.Fatalf("expected truncated title with ellipsis, got %q", got)
	}

	// Rune-aware: multi-byte characters must not be split.
	cjk := strings.Repeat("好", 60)
	got = TitleFor(cjk)
	if got != strings.Repeat("好", 50)+"…" {
		t.Fatalf("expected 50 runes plus ellipsis, got %q", got)
	}

	// Exactly at the limit there is nothing to truncate.
	exact := strings.Repeat("b", 50)
	if got := TitleFor(exact); got != exact {
		t.Fatalf("expected 50-rune title untouched, got %q", got)
	}
}

func TestNewTreeStartsEmpty(t *testing.T) {
	tr := New("what is a monad?", "google/gemini-2.5-flash")

	if tr.ID == "" {
		t.Fatal("expected generated tree ID")
	}
	if len(tr.Nodes) != 0 {
		t.Fatalf("expected empty node map, got %d nodes", len(tr.Nodes))
	}
	if tr.InitialMessage != "what is a monad?" {
		t.Fatalf("unexpected initial message: %q", tr.InitialMessage)
	}
	if tr.Layout != LayoutTree {
		t.Fatalf("expected tree layout, got %q", tr.Layout)
	}
	if err := tr.Validate(); err != nil {
		t.Fatalf("empty tree must validate: %v", err)
	}
}

func TestAddTurnRoot(t *testing.T) {
	tr := New("hello", "deepseek/deepseek-v3.2")
	user := NewUserNode("hello", "")
	assistant := NewAssistantNode("deepseek/deepseek-v3.2", user.ID)

	next, err := tr.AddTurn("", user, assistant)
	if err != nil {
		t.Fatalf("AddTurn failed: %v", err)
	}

	if next.RootNode != user.ID {
		t.Fatalf("expected root %s, got %s", user.ID, next.RootNode)
	}
	if len(next.Nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(next.Nodes))
	}
	got := next.Nodes[user.ID]
	if len(got.Children) != 1 || got.Children[0] != assistant.ID {
		t.Fatalf("user node children = %v, want [%s]", got.Children, assistant.ID)
	}
	if next.Nodes[assistant.ID].ParentID != user.ID {
		t.Fatal("assistant node not linked to user node")
	}
	if err := next.Validate(); err != nil {
		t.Fatalf("tree invalid after AddTurn: %v", err)
	}

	// The receiver must be untouched.
	if len(tr.Nodes) != 0 {
		t.Fatal("AddTurn mutated the original tree")
	}
}

func TestAddTurnBranch(t *testing.T) {
	tr := New("hello", "deepseek/deepseek-v3.2")
	u1 := NewUserNode("hello", "")
	a1 := NewAssistantNode("deepseek/deepseek-v3.2", u1.ID)
	tr, err := tr.AddTurn("", u1, a1)
	if err != nil {
		t.Fatalf("root turn: %v", err)
	}

	// Two sibling turns under the same assistant node.
	u2 := NewUserNode("branch one", a1.ID)
	a2 := NewAssistantNode("deepseek/deepseek-v3.2", u2.ID)
	tr, err = tr.AddTurn(a1.ID, u2, a2)
	if err != nil {
		t.Fatalf("first branch: %v", err)
	}

	u3 := NewUserNode("branch two", a1.ID)
	a3 := NewAssistantNode("google/gemini-2.5-pro", u3.ID)
	tr, err = tr.AddTurn(a1.ID, u3, a3)
	if err != nil {
		t.Fatalf("second branch: %v", err)
	}

	parent := tr.Nodes[a1.ID]
	if len(parent.Children) != 2 {
		t.Fatalf("expected 2 children under %s, got %v", a1.ID, parent.Children)
	}
	if err := tr.Validate(); err != nil {
		t.Fatalf("tree invalid after branching: %v", err)
	}
}

func TestAddTurnMissingParent(t *testing.T) {
	tr := New("hello", "deepseek/deepseek-v3.2")
	u := NewUserNode("hello", "")
	a := NewAssistantNode("deepseek/deepseek-v3.2", u.ID)
	tr, err := tr.AddTurn("", u, a)
	if err != nil {
		t.Fatalf("root turn: %v", err)
	}

	u2 := NewUserNode("orphan", "nope")
	a2 := NewAssistantNode("deepseek/deepseek-v3.2", u2.ID)
	if _, err := tr.AddTurn("nope", u2, a2); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing parent, got %v", err)
	}
}

func TestAddTurnSecondRootRejected(t *testing.T) {
	tr := New("hello", "deepseek/deepseek-v3.2")
	u := NewUserNode("hello", "")
	a := NewAssistantNode("deepseek/deepseek-v3.2", u.ID)
	tr, err := tr.AddTurn("", u, a)
	if err != nil {
		t.Fatalf("root turn: %v", err)
	}

	u2 := NewUserNode("again", "")
	a2 := NewAssistantNode("deepseek/deepseek-v3.2", u2.ID)
	if _, err := tr.AddTurn("", u2, a2); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation for second root, got %v", err)
	}
}

func TestUpdateNodeContent(t *testing.T) {
	tr := New("hello", "deepseek/deepseek-v3.2")
	u := NewUserNode("hello", "")
	a := NewAssistantNode("deepseek/deepseek-v3.2", u.ID)
	tr, err := tr.AddTurn("", u, a)
	if err != nil {
		t.Fatalf("root turn: %v", err)
	}

	next := tr.UpdateNodeContent(a.ID, "partial answer")
	if next.Nodes[a.ID].Content != "partial answer" {
		t.Fatalf("content not updated: %q", next.Nodes[a.ID].Content)
	}
	if tr.Nodes[a.ID].Content != "" {
		t.Fatal("UpdateNodeContent mutated the original tree")
	}

	// Missing node ID is a silent no-op.
	same := tr.UpdateNodeContent("missing", "x")
	if len(same.Nodes) != len(tr.Nodes) {
		t.Fatal("no-op update changed node count")
	}
	for id, n := range tr.Nodes {
		if same.Nodes[id].Content != n.Content {
			t.Fatalf("no-op update changed node %s", id)
		}
	}
}

func TestAppendNodeContent(t *testing.T) {
	tr := New("hello", "deepseek/deepseek-v3.2")
	u := NewUserNode("hello", "")
	a := NewAssistantNode("deepseek/deepseek-v3.2", u.ID)
	tr, err := tr.AddTurn("", u, a)
	if err != nil {
		t.Fatalf("root turn: %v", err)
	}

	tr = tr.AppendNodeContent(a.ID, "Hello")
	tr = tr.AppendNodeContent(a.ID, ", world")
	if got := tr.Nodes[a.ID].Content; got != "Hello, world" {
		t.Fatalf("expected accumulated content, got %q", got)
	}
}

func TestHasAssistantContent(t *testing.T) {
	tr := New("hello", "deepseek/deepseek-v3.2")
	if tr.HasAssistantContent() {
		t.Fatal("empty tree must not report assistant content")
	}

	u := NewUserNode("hello", "")
	a := NewAssistantNode("deepseek/deepseek-v3.2", u.ID)
	tr, err := tr.AddTurn("", u, a)
	if err != nil {
		t.Fatalf("root turn: %v", err)
	}
	if tr.HasAssistantContent() {
		t.Fatal("pending assistant node must not count as content")
	}

	tr = tr.UpdateNodeContent(a.ID, "answer")
	if !tr.HasAssistantContent() {
		t.Fatal("expected assistant content after update")
	}
}

func TestCloneIsDeep(t *testing.T) {
	tr := New("hello", "deepseek/deepseek-v3.2")
	u := NewUserNode("hello", "")
	a := NewAssistantNode("deepseek/deepseek-v3.2", u.ID)
	tr, err := tr.AddTurn("", u, a)
	if err != nil {
		t.Fatalf("root turn: %v", err)
	}

	c := tr.Clone()
	n := c.Nodes[u.ID]
	n.Children = append(n.Children, "extra")
	c.Nodes[u.ID] = n

	if len(tr.Nodes[u.ID].Children) != 1 {
		t.Fatal("clone shares children slice with original")
	}
}

func TestValidateDetectsMissingParent(t *testing.T) {
	tr := New("hello", "deepseek/deepseek-v3.2")
	u := NewUserNode("hello", "")
	a := NewAssistantNode("deepseek/deepseek-v3.2", u.ID)
	tr, err := tr.AddTurn("", u, a)
	if err != nil {
		t.Fatalf("root turn: %v", err)
	}

	broken := tr.Clone()
	n := broken.Nodes[a.ID]
	n.ParentID = "gone"
	broken.Nodes[a.ID] = n

	if err := broken.Validate(); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}
