// Package logger 提供結構化日誌功能
package logger

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

// contextKey 用於上下文的鍵類型
type contextKey string

const (
	// AddressKey 本端位址的上下文鍵
	AddressKey contextKey = "address"
	// MatchIDKey 對局 ID 的上下文鍵
	MatchIDKey contextKey = "match_id"
)

// Config 日誌配置
type Config struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// New 建立日誌記錄器
//
// debug 級別時顯示源碼位置，並以 contextHandler 包裝，
// 讓帶有位址或對局 ID 的 context 自動附加欄位。
func New(cfg Config, w io.Writer) *slog.Logger {
	level := ParseLevel(cfg.Level)

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(&contextHandler{Handler: handler})
}

// Discard 測試用，不輸出任何日誌
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// ParseLevel 解析日誌級別
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// contextHandler 從上下文中提取資訊的處理器
type contextHandler struct {
	slog.Handler
}

// Handle 處理日誌記錄
func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if addr, ok := ctx.Value(AddressKey).(string); ok && addr != "" {
		r.AddAttrs(slog.String("address", addr))
	}
	if matchID, ok := ctx.Value(MatchIDKey).(string); ok && matchID != "" {
		r.AddAttrs(slog.String("match_id", matchID))
	}
	return h.Handler.Handle(ctx, r)
}

// WithAttrs 保留 contextHandler 包裝
func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

// WithGroup 保留 contextHandler 包裝
func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithGroup(name)}
}

// WithAddress 添加本端位址到上下文
func WithAddress(ctx context.Context, address string) context.Context {
	return context.WithValue(ctx, AddressKey, address)
}

// WithMatchID 添加對局 ID 到上下文
func WithMatchID(ctx context.Context, matchID string) context.Context {
	return context.WithValue(ctx, MatchIDKey, matchID)
}
