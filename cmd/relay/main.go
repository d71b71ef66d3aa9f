package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/koopa0/system-design/14-battleship/internal/config"
	"github.com/koopa0/system-design/14-battleship/internal/relay"
	"github.com/koopa0/system-design/14-battleship/pkg/logger"
)

func main() {
	// 解析命令行參數
	var (
		configPath = flag.String("config", "", "配置檔案路徑（YAML）")
		port       = flag.Int("port", 0, "服務器端口（覆蓋配置）")
		logLevel   = flag.String("log-level", "", "日誌級別 (debug, info, warn, error)")
		logFormat  = flag.String("log-format", "", "日誌格式 (text, json)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Relay.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}

	// 設置日誌
	log := logger.New(cfg.Log, os.Stdout)
	slog.SetDefault(log)

	hub := relay.NewHub(log)
	handler := relay.NewHandler(hub, log)

	// 已升級的 WebSocket 連線由 readPump / writePump 重設讀寫期限
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Relay.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Relay.ReadTimeout,
		WriteTimeout: cfg.Relay.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// 啟動服務器
	serverErrors := make(chan error, 1)
	go func() {
		log.Info("中繼服務器啟動",
			"port", cfg.Relay.Port,
			"log_level", cfg.Log.Level,
			"log_format", cfg.Log.Format)
		serverErrors <- server.ListenAndServe()
	}()

	// 等待中斷信號
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("服務器啟動失敗", "error", err)
			os.Exit(1)
		}
	case <-sigChan:
		log.Info("收到關閉信號，開始優雅關閉...")
	}

	// 優雅關閉
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 停止接受新連接；已升級的連線不受 Shutdown 影響，由 hub.Stop 關閉
	if err := server.Shutdown(ctx); err != nil {
		log.Error("服務器關閉失敗", "error", err)
	}
	hub.Stop()

	log.Info("服務器已關閉")
}
