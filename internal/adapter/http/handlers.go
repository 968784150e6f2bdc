package http

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/treechat/treechat/internal/adapter/ws"
	"github.com/treechat/treechat/internal/port/messagequeue"
	"github.com/treechat/treechat/internal/resilience"
	"github.com/treechat/treechat/internal/service"
)

const maxRequestBodySize int64 = 1 << 20 // 1 MiB

// Handlers aggregates the dependencies the HTTP layer needs.
// Pool, Queue and Breaker are optional; Health reports on whatever is wired.
type Handlers struct {
	Conversations *service.ConversationService
	Hub           *ws.Hub
	Pool          *pgxpool.Pool
	Queue         messagequeue.Queue
	Breaker       *resilience.Breaker
}

// Health handles GET /api/health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	report := map[string]any{
		"status":     "ok",
		"websockets": h.Hub.ConnectionCount(),
	}

	if h.Pool != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Pool.Ping(ctx); err != nil {
			report["status"] = "degraded"
			report["database"] = "unreachable"
			status = http.StatusServiceUnavailable
		} else {
			report["database"] = "ok"
		}
	}

	if h.Queue != nil {
		if h.Queue.IsConnected() {
			report["queue"] = "connected"
		} else {
			report["queue"] = "disconnected"
			report["status"] = "degraded"
		}
	}

	if h.Breaker != nil {
		report["llm_breaker"] = h.Breaker.State()
	}

	writeData(w, status, report)
}
