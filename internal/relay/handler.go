package relay

import (
	"log/slog"
	"net/http"

	"github.com/koopa0/system-design/14-battleship/internal/httpx"
)

// Handler HTTP 請求處理器
type Handler struct {
	hub    *Hub
	logger *slog.Logger
}

// NewHandler 創建 HTTP 處理器
func NewHandler(hub *Hub, logger *slog.Logger) *Handler {
	return &Handler{
		hub:    hub,
		logger: logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// WebSocket 升級需要原始的 ResponseWriter（Hijacker），只套 recoverer
	mux.HandleFunc("GET /ws", httpx.Recoverer(h.logger, h.hub.ServeWS))

	mux.HandleFunc("GET /health", httpx.Wrap(h.logger, httpx.Health(h.logger)))
	mux.HandleFunc("GET /stats", httpx.Wrap(h.logger, h.stats))

	return mux
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, h.logger, h.hub.Stats(), http.StatusOK)
}
