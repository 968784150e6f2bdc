package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/treechat/treechat/internal/adapter/openrouter"
)

// sseChunk mirrors the upstream provider's delta frame shape so browser
// clients can reuse their provider parsing against this proxy.
type sseChunk struct {
	Choices []sseChoice `json:"choices"`
}

type sseChoice struct {
	Delta sseDelta `json:"delta"`
}

type sseDelta struct {
	Content string `json:"content"`
}

// ChatCompletion handles POST /api/chat/completion, the stateless completion
// proxy. It does not touch conversation storage.
func (h *Handlers) ChatCompletion(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[struct {
		Message string `json:"message"`
		Model   string `json:"model"`
		Stream  bool   `json:"stream"`
	}](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	if req.Message == "" || req.Model == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Message and model are required"})
		return
	}

	if req.Stream {
		h.streamCompletion(w, r, req.Message, req.Model)
		return
	}

	full, err := h.Conversations.Complete(r.Context(), req.Message, req.Model)
	if err != nil {
		status := http.StatusInternalServerError
		var apiErr *openrouter.APIError
		if errors.As(err, &apiErr) {
			status = apiErr.Status
		}
		slog.Error("completion failed", "model", req.Model, "error", err)
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"response": full})
}

// streamCompletion relays upstream fragments as server-sent events. The
// stream is always terminated by a [DONE] frame, including after an upstream
// error, so clients never hang on a half-open response.
func (h *Handlers) streamCompletion(w http.ResponseWriter, r *http.Request, message, model string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	_, err := h.Conversations.Stream(r.Context(), message, model, func(delta string) {
		frame, merr := json.Marshal(sseChunk{Choices: []sseChoice{{Delta: sseDelta{Content: delta}}}})
		if merr != nil {
			return
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(frame)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	})
	if err != nil {
		slog.Error("completion stream failed", "model", model, "error", err)
		frame, merr := json.Marshal(map[string]string{"error": err.Error()})
		if merr == nil {
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(frame)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}

	_, _ = w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}
