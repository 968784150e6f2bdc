package http

import (
	"encoding/json"
	"net/http"

	"github.com/treechat/treechat/internal/domain/tree"
)

// CreateConversation handles POST /api/conversations.
// The body is either {message, model} for a two-phase create (the tree shell
// is minted now, nodes arrive with the first turn) or a full serialized tree
// to store as-is. With {start: true} the first turn begins immediately and
// the response includes its node refs.
func (h *Handlers) CreateConversation(w http.ResponseWriter, r *http.Request) {
	raw, ok := readJSON[json.RawMessage](w, r, maxRequestBodySize)
	if !ok {
		return
	}

	var probe struct {
		Message string          `json:"message"`
		Model   string          `json:"model"`
		Start   bool            `json:"start"`
		Nodes   json.RawMessage `json:"nodes"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if probe.Nodes == nil {
		if probe.Start {
			conv, ref, err := h.Conversations.StartConversation(r.Context(), probe.Message, probe.Model)
			if err != nil {
				writeDomainError(w, err, "create conversation")
				return
			}
			writeData(w, http.StatusCreated, map[string]any{"id": conv.ID, "turn": ref})
			return
		}
		conv, err := h.Conversations.Create(r.Context(), probe.Message, probe.Model)
		if err != nil {
			writeDomainError(w, err, "create conversation")
			return
		}
		writeData(w, http.StatusCreated, map[string]any{"id": conv.ID})
		return
	}

	var t tree.Tree
	if err := json.Unmarshal(raw, &t); err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation document")
		return
	}
	rev, err := h.Conversations.Save(r.Context(), &t)
	if err != nil {
		writeDomainError(w, err, "create conversation")
		return
	}
	writeData(w, http.StatusCreated, map[string]any{"id": t.ID, "revision": rev})
}

// GetOrListConversations handles GET /api/conversations.
// With ?id= it fetches one document; without it lists summaries, optionally
// filtered by ?userId=.
func (h *Handlers) GetOrListConversations(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("id"); id != "" {
		conv, err := h.Conversations.Get(r.Context(), id)
		if err != nil {
			writeDomainError(w, err, "conversation not found")
			return
		}
		writeData(w, http.StatusOK, conv)
		return
	}

	list, err := h.Conversations.List(r.Context(), r.URL.Query().Get("userId"))
	if err != nil {
		writeDomainError(w, err, "list conversations")
		return
	}
	if list == nil {
		list = []tree.Tree{}
	}
	writeData(w, http.StatusOK, list)
}

// SaveConversation handles PUT /api/conversations: an upsert keyed by the id
// in the body. A stale revision is rejected with 409.
func (h *Handlers) SaveConversation(w http.ResponseWriter, r *http.Request) {
	t, ok := readJSON[tree.Tree](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	if t.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	rev, err := h.Conversations.Save(r.Context(), &t)
	if err != nil {
		writeDomainError(w, err, "save conversation")
		return
	}
	writeData(w, http.StatusOK, map[string]any{"id": t.ID, "revision": rev})
}

// DeleteConversation handles DELETE /api/conversations/{id}.
func (h *Handlers) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	deleted, err := h.Conversations.Delete(r.Context(), id)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	writeData(w, http.StatusOK, map[string]any{"id": id})
}

// BeginTurn handles POST /api/conversations/{id}/turns. The turn is accepted
// immediately; fragments and the final text arrive as WebSocket events.
func (h *Handlers) BeginTurn(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")

	req, ok := readJSON[struct {
		ParentID string `json:"parent_id"`
		Message  string `json:"message"`
		Model    string `json:"model"`
	}](w, r, maxRequestBodySize)
	if !ok {
		return
	}

	ref, err := h.Conversations.BeginTurn(r.Context(), id, req.ParentID, req.Message, req.Model)
	if err != nil {
		writeDomainError(w, err, "conversation not found")
		return
	}
	writeData(w, http.StatusAccepted, ref)
}

// ListModels handles GET /api/models.
func (h *Handlers) ListModels(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, h.Conversations.Models())
}
