// Package service contains the application services that coordinate
// domain logic, persistence, and real-time delivery.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/treechat/treechat/internal/adapter/otel"
	"github.com/treechat/treechat/internal/adapter/ws"
	"github.com/treechat/treechat/internal/domain"
	"github.com/treechat/treechat/internal/domain/tree"
	"github.com/treechat/treechat/internal/port/broadcast"
	"github.com/treechat/treechat/internal/port/cache"
	"github.com/treechat/treechat/internal/port/chat"
	"github.com/treechat/treechat/internal/port/database"
	"github.com/treechat/treechat/internal/port/messagequeue"
)

const defaultCacheTTL = 5 * time.Minute

// ConversationDeps carries the ports a ConversationService needs.
// Queue, Cache and Metrics are optional; a nil Queue broadcasts events
// directly to the hub, a nil Cache disables read caching.
type ConversationDeps struct {
	DB            database.Store
	LLM           chat.Client
	Hub           broadcast.Broadcaster
	Queue         messagequeue.Queue
	Cache         cache.Cache
	CacheTTL      time.Duration
	Metrics       *otel.Metrics
	AutosaveDelay time.Duration
}

// ConversationService owns conversation trees. All mutations go through
// it: each conversation has a session guarding an immutable published
// snapshot, and every mutation swaps in a fresh copy.
type ConversationService struct {
	db      database.Store
	llm     chat.Client
	hub     broadcast.Broadcaster
	queue   messagequeue.Queue
	cache   cache.Cache
	metrics *otel.Metrics

	cacheTTL time.Duration

	autosave *Autosaver
	group    singleflight.Group

	mu       sync.Mutex
	sessions map[string]*session
}

// session serializes mutations for one conversation. snapshot is the
// published tree; readers receive it as-is and must not modify it.
type session struct {
	mu       sync.Mutex
	snapshot *tree.Tree
}

// TurnRef identifies the node pair created by a turn.
type TurnRef struct {
	ConversationID  string `json:"conversationId"`
	UserNodeID      string `json:"userNodeId"`
	AssistantNodeID string `json:"assistantNodeId"`
}

// NewConversationService creates the service.
func NewConversationService(d ConversationDeps) *ConversationService {
	s := &ConversationService{
		db:       d.DB,
		llm:      d.LLM,
		hub:      d.Hub,
		queue:    d.Queue,
		cache:    d.Cache,
		metrics:  d.Metrics,
		cacheTTL: d.CacheTTL,
		sessions: make(map[string]*session),
	}
	if s.cacheTTL <= 0 {
		s.cacheTTL = defaultCacheTTL
	}
	s.autosave = NewAutosaver(d.AutosaveDelay, s.autosaveFlush)
	return s
}

// Models returns the supported model registry.
func (s *ConversationService) Models() []tree.Model {
	return tree.Models()
}

// List returns conversation summaries, most recently updated first.
func (s *ConversationService) List(ctx context.Context, userID string) ([]tree.Tree, error) {
	return s.db.ListConversations(ctx, userID)
}

// Get loads a conversation. The published in-memory snapshot wins over
// storage so clients never observe a tree older than what they were
// streamed.
func (s *ConversationService) Get(ctx context.Context, id string) (*tree.Tree, error) {
	if sess := s.lookupSession(id); sess != nil {
		sess.mu.Lock()
		snap := sess.snapshot
		sess.mu.Unlock()
		if snap != nil {
			return snap, nil
		}
	}

	if s.cache != nil {
		if data, ok, err := s.cache.Get(ctx, cacheKey(id)); err == nil && ok {
			var t tree.Tree
			if err := json.Unmarshal(data, &t); err == nil {
				return &t, nil
			}
		}
	}

	v, err, _ := s.group.Do(id, func() (any, error) {
		t, err := s.db.GetConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		s.cacheSet(ctx, t)
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tree.Tree), nil
}

// Create starts a conversation from its first message without calling the
// model yet. The stored shell records the message and model so the first
// turn can materialize them.
func (s *ConversationService) Create(ctx context.Context, message, model string) (*tree.Tree, error) {
	if message == "" {
		return nil, fmt.Errorf("message is required: %w", domain.ErrValidation)
	}
	if _, ok := tree.ModelByID(model); !ok && model != "" {
		return nil, fmt.Errorf("unknown model %q: %w", model, domain.ErrValidation)
	}
	return s.db.CreateInitialConversation(ctx, message, model)
}

// StartConversation creates a conversation from its first message and
// immediately begins the first turn, streaming the assistant's reply in the
// background.
func (s *ConversationService) StartConversation(ctx context.Context, message, model string) (*tree.Tree, *TurnRef, error) {
	t, err := s.Create(ctx, message, model)
	if err != nil {
		return nil, nil, err
	}
	ref, err := s.BeginTurn(ctx, t.ID, "", "", "")
	if err != nil {
		return nil, nil, err
	}
	return t, ref, nil
}

// Save validates and persists a full document supplied by the client,
// then publishes it as the new snapshot. Returns the new revision;
// a stale t.Revision yields domain.ErrConflict.
func (s *ConversationService) Save(ctx context.Context, t *tree.Tree) (int64, error) {
	if err := t.Validate(); err != nil {
		return 0, err
	}

	sess := s.sessionFor(t.ID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	rev, err := s.persistLocked(ctx, sess, t)
	if err != nil {
		return 0, err
	}
	return rev, nil
}

// Delete removes a conversation everywhere: storage, cache, session
// state, pending autosaves. Deleting a missing id reports false.
func (s *ConversationService) Delete(ctx context.Context, id string) (bool, error) {
	deleted, err := s.db.DeleteConversation(ctx, id)
	if err != nil {
		return false, err
	}

	s.autosave.Cancel(id)
	s.cacheDelete(ctx, id)
	s.mu.Lock()
	sess := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	// Clearing the snapshot tells any in-flight stream for this conversation
	// to stop applying fragments.
	if sess != nil {
		sess.mu.Lock()
		sess.snapshot = nil
		sess.mu.Unlock()
	}

	return deleted, nil
}

// Complete proxies a one-shot completion.
func (s *ConversationService) Complete(ctx context.Context, message, model string) (string, error) {
	return s.llm.Complete(ctx, message, model)
}

// Stream proxies a streaming completion.
func (s *ConversationService) Stream(ctx context.Context, message, model string, onFragment func(string)) (string, error) {
	return s.llm.Stream(ctx, message, model, onFragment)
}

// BeginTurn appends a user node and a pending assistant node under
// parentID, publishes the new snapshot, and starts streaming the
// assistant's reply in the background. An empty parentID is only valid
// for the first turn; empty message or model then fall back to the
// values recorded at creation.
func (s *ConversationService) BeginTurn(ctx context.Context, convID, parentID, message, model string) (*TurnRef, error) {
	cur, err := s.Get(ctx, convID)
	if err != nil {
		return nil, err
	}

	if parentID == "" && len(cur.Nodes) == 0 {
		if message == "" {
			message = cur.InitialMessage
		}
		if model == "" {
			model = cur.InitialModel
		}
	}
	if message == "" {
		return nil, fmt.Errorf("message is required: %w", domain.ErrValidation)
	}
	if _, ok := tree.ModelByID(model); !ok {
		return nil, fmt.Errorf("unknown model %q: %w", model, domain.ErrValidation)
	}

	user := tree.NewUserNode(message, parentID)
	assistant := tree.NewAssistantNode(model, user.ID)

	sess := s.sessionFor(convID)
	sess.mu.Lock()
	if sess.snapshot != nil {
		cur = sess.snapshot
	}
	next, err := cur.AddTurn(parentID, user, assistant)
	if err != nil {
		sess.mu.Unlock()
		return nil, err
	}
	sess.snapshot = next
	sess.mu.Unlock()

	if s.metrics != nil {
		s.metrics.TurnsStarted.Add(ctx, 1)
	}

	// The stream must outlive the HTTP request that started it.
	bg := context.WithoutCancel(ctx)
	go s.streamTurn(bg, convID, assistant.ID, message, model)

	return &TurnRef{
		ConversationID:  convID,
		UserNodeID:      user.ID,
		AssistantNodeID: assistant.ID,
	}, nil
}

// streamTurn drives one assistant reply: fragments append to fresh
// snapshots as they arrive, then the full text from the final response
// replaces the accumulated content. Whatever arrived before a failure
// stays in the tree.
func (s *ConversationService) streamTurn(ctx context.Context, convID, nodeID, message, model string) {
	start := time.Now()
	ctx, span := otel.StartTurnSpan(ctx, convID, nodeID, model)
	defer span.End()

	// The session is gone when Delete won the race against this goroutine
	// starting; the turn is then moot and applying fragments would resurrect
	// state for a conversation that no longer exists.
	sess := s.lookupSession(convID)
	if sess == nil {
		slog.Debug("turn dropped, conversation deleted", "conversation", convID, "node", nodeID)
		return
	}

	streamCtx, streamSpan := otel.StartStreamSpan(ctx, model)
	full, err := s.llm.Stream(streamCtx, message, model, func(delta string) {
		sess.mu.Lock()
		if sess.snapshot == nil {
			sess.mu.Unlock()
			return
		}
		sess.snapshot = sess.snapshot.AppendNodeContent(nodeID, delta)
		sess.mu.Unlock()

		if s.metrics != nil {
			s.metrics.Fragments.Add(ctx, 1)
		}
		s.emit(ctx, messagequeue.SubjectNodeDelta, messagequeue.NodeDeltaPayload{
			ConversationID: convID,
			NodeID:         nodeID,
			Content:        delta,
		})
		s.autosave.Schedule(convID)
	})
	streamSpan.End()

	sess.mu.Lock()
	if sess.snapshot == nil {
		sess.mu.Unlock()
		return
	}
	sess.snapshot = sess.snapshot.UpdateNodeContent(nodeID, full).Touch()
	final := sess.snapshot
	sess.mu.Unlock()

	if err != nil {
		slog.Error("turn stream failed", "conversation", convID, "node", nodeID, "error", err)
		if s.metrics != nil {
			s.metrics.TurnsFailed.Add(ctx, 1)
		}
		s.emit(ctx, messagequeue.SubjectTurnFailed, messagequeue.TurnFailedPayload{
			ConversationID: convID,
			NodeID:         nodeID,
			Error:          err.Error(),
		})
	} else {
		if s.metrics != nil {
			s.metrics.TurnsCompleted.Add(ctx, 1)
			s.metrics.TurnDuration.Record(ctx, time.Since(start).Seconds())
		}
		s.emit(ctx, messagequeue.SubjectNodeDone, messagequeue.NodeDonePayload{
			ConversationID: convID,
			NodeID:         nodeID,
			Content:        full,
		})
	}

	// Persist whatever we have, completed or partial.
	s.autosave.Cancel(convID)
	if final.HasAssistantContent() {
		s.saveSnapshot(ctx, convID)
	}
}

// autosaveFlush runs when a debounce timer fires.
func (s *ConversationService) autosaveFlush(convID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.saveSnapshot(ctx, convID)
}

// saveSnapshot persists the current published snapshot if it has any
// assistant content yet. Conflicts from concurrent writers are logged,
// not retried; the next flush carries the newer state anyway.
func (s *ConversationService) saveSnapshot(ctx context.Context, convID string) {
	sess := s.lookupSession(convID)
	if sess == nil {
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.snapshot == nil || !sess.snapshot.HasAssistantContent() {
		return
	}
	if _, err := s.persistLocked(ctx, sess, sess.snapshot); err != nil {
		if errors.Is(err, domain.ErrConflict) && s.metrics != nil {
			s.metrics.SaveConflicts.Add(ctx, 1)
		}
		slog.Error("conversation save failed", "conversation", convID, "error", err)
	}
}

// persistLocked writes t, publishes it as the session snapshot with the
// new revision, and announces the update. The session mutex must be held.
func (s *ConversationService) persistLocked(ctx context.Context, sess *session, t *tree.Tree) (int64, error) {
	ctx, span := otel.StartSaveSpan(ctx, t.ID, t.Revision)
	defer span.End()

	rev, err := s.db.SaveConversation(ctx, t)
	if err != nil {
		return 0, err
	}

	published := t.Clone()
	published.Revision = rev
	sess.snapshot = published

	s.cacheDelete(ctx, t.ID)
	s.emit(ctx, messagequeue.SubjectTreeUpdated, messagequeue.TreeUpdatedPayload{
		ConversationID: t.ID,
		Revision:       rev,
	})
	return rev, nil
}

// emit routes an event through the queue when one is connected, falling
// back to a direct hub broadcast. StartEventFanout bridges queue events
// back to the hub, so each event reaches clients exactly once.
func (s *ConversationService) emit(ctx context.Context, subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal event", "subject", subject, "error", err)
		return
	}

	if s.queue != nil && s.queue.IsConnected() {
		if err := s.queue.Publish(ctx, subject, data); err != nil {
			slog.Error("publish event", "subject", subject, "error", err)
		}
		return
	}
	s.hub.BroadcastEvent(ctx, ws.EventTypeForSubject(subject), payload)
}

// StartEventFanout subscribes to the conversation event stream and
// forwards each event to connected WebSocket clients. It is the single
// delivery path when a queue is configured, so multiple server instances
// all see every event.
func (s *ConversationService) StartEventFanout(ctx context.Context, hub *ws.Hub) (func(), error) {
	if s.queue == nil {
		return func() {}, nil
	}
	return s.queue.Subscribe(ctx, messagequeue.SubjectConversationsAll,
		func(ctx context.Context, subject string, data []byte) error {
			eventType := ws.EventTypeForSubject(subject)
			if eventType == "" {
				return nil
			}
			hub.BroadcastRaw(ctx, eventType, data)
			return nil
		})
}

func (s *ConversationService) sessionFor(id string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		sess = &session{}
		s.sessions[id] = sess
	}
	return sess
}

func (s *ConversationService) lookupSession(id string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

func (s *ConversationService) cacheSet(ctx context.Context, t *tree.Tree) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(t)
	if err != nil {
		return
	}
	_ = s.cache.Set(ctx, cacheKey(t.ID), data, s.cacheTTL)
}

func (s *ConversationService) cacheDelete(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Delete(ctx, cacheKey(id))
}

func cacheKey(id string) string {
	return "conversation:" + id
}
