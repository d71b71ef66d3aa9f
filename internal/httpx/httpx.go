// Package httpx 中繼與配對伺服器共用的 HTTP 工具：JSON 回應與中間件。
package httpx

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// JSON 返回 JSON 響應
func JSON(w http.ResponseWriter, logger *slog.Logger, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// Error 返回錯誤響應
func Error(w http.ResponseWriter, logger *slog.Logger, message string, status int) {
	JSON(w, logger, map[string]any{
		"error": message,
	}, status)
}

// Health 健康檢查
func Health(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		JSON(w, logger, map[string]any{
			"status": "healthy",
			"time":   time.Now().Unix(),
		}, http.StatusOK)
	}
}

// Wrap 中間件鏈：recoverer(logger(handler))
func Wrap(logger *slog.Logger, handler http.HandlerFunc) http.HandlerFunc {
	return Recoverer(logger, Logger(logger, handler))
}

// Logger 日誌中間件
func Logger(logger *slog.Logger, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以獲取狀態碼
		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		logger.Info("HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// Recoverer panic 恢復中間件
func Recoverer(logger *slog.Logger, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				Error(w, logger, "內部伺服器錯誤", http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
