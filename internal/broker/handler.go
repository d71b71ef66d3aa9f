package broker

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/koopa0/system-design/14-battleship/internal/history"
	"github.com/koopa0/system-design/14-battleship/internal/httpx"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// Handler 配對伺服器的管理 API
type Handler struct {
	broker   *Broker
	recorder history.Recorder
	logger   *slog.Logger
}

// NewHandler 創建 HTTP 處理器
func NewHandler(b *Broker, recorder history.Recorder, logger *slog.Logger) *Handler {
	return &Handler{
		broker:   b,
		recorder: recorder,
		logger:   logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return httpx.Wrap(h.logger, handler)
	}

	mux.HandleFunc("GET /api/v1/queue", wrap(h.listQueue))
	mux.HandleFunc("GET /api/v1/matches", wrap(h.listMatches))
	mux.HandleFunc("GET /api/v1/matches/{match_id}", wrap(h.getMatch))

	mux.HandleFunc("GET /health", wrap(httpx.Health(h.logger)))
	mux.HandleFunc("GET /stats", wrap(h.stats))

	return mux
}

// listQueue 列出排隊中的客戶端
func (h *Handler) listQueue(w http.ResponseWriter, r *http.Request) {
	entries, err := h.broker.Waiting(r.Context())
	if err != nil {
		h.logger.Error("讀取佇列失敗", "error", err)
		httpx.Error(w, h.logger, "讀取佇列失敗", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []Entry{}
	}

	httpx.JSON(w, h.logger, map[string]any{
		"entries": entries,
		"total":   len(entries),
	}, http.StatusOK)
}

// listMatches 最近的對局，?limit= 預設 20，上限 100
func (h *Handler) listMatches(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httpx.Error(w, h.logger, "limit 必須是正整數", http.StatusBadRequest)
			return
		}
		limit = min(n, maxListLimit)
	}

	matches, err := h.recorder.Recent(r.Context(), limit)
	if err != nil {
		h.logger.Error("讀取對局紀錄失敗", "error", err)
		httpx.Error(w, h.logger, "讀取對局紀錄失敗", http.StatusInternalServerError)
		return
	}
	if matches == nil {
		matches = []history.Match{}
	}

	httpx.JSON(w, h.logger, map[string]any{
		"matches": matches,
		"total":   len(matches),
	}, http.StatusOK)
}

// getMatch 單一對局
func (h *Handler) getMatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("match_id")

	m, err := h.recorder.Get(r.Context(), id)
	if errors.Is(err, history.ErrNotFound) {
		httpx.Error(w, h.logger, "對局不存在", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("讀取對局紀錄失敗", "error", err, "match_id", id)
		httpx.Error(w, h.logger, "讀取對局紀錄失敗", http.StatusInternalServerError)
		return
	}

	httpx.JSON(w, h.logger, m, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, h.logger, h.broker.Stats(r.Context()), http.StatusOK)
}
