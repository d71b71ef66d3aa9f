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

	"github.com/koopa0/system-design/14-battleship/internal/broker"
	"github.com/koopa0/system-design/14-battleship/internal/config"
	"github.com/koopa0/system-design/14-battleship/internal/history"
	"github.com/koopa0/system-design/14-battleship/internal/transport"
	"github.com/koopa0/system-design/14-battleship/pkg/logger"
	"github.com/redis/go-redis/v9"
)

func main() {
	os.Exit(run())
}

// run 回傳結束碼，讓關閉 Redis / PostgreSQL 的 defer 在離開前執行
func run() int {
	var (
		configPath = flag.String("config", "", "配置檔案路徑（YAML）")
		address    = flag.String("address", "", "配對伺服器位址（覆蓋配置）")
		port       = flag.Int("port", 0, "管理 API 端口（覆蓋配置）")
		logLevel   = flag.String("log-level", "", "日誌級別 (debug, info, warn, error)")
		logFormat  = flag.String("log-format", "", "日誌格式 (text, json)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}
	if *port != 0 {
		cfg.Broker.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	brokerAddr := cfg.Matchmaking.Broker
	if *address != "" {
		brokerAddr = *address
	}

	log := logger.New(cfg.Log, os.Stdout)
	slog.SetDefault(log)

	ctx := context.Background()

	// 排隊佇列
	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Error("建立排隊佇列失敗", "error", err)
		return 1
	}
	defer closeStore()

	// 對局紀錄
	recorder, closeRecorder, err := openRecorder(ctx, cfg, log)
	if err != nil {
		log.Error("建立對局紀錄失敗", "error", err)
		return 1
	}
	defer closeRecorder()

	// 連上訊息網路
	link, err := cfg.NewLink(nil, log)
	if err != nil {
		log.Error("建立連線失敗", "error", err)
		return 1
	}
	net := transport.NewClient(link, log)
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err = net.Connect(dialCtx, brokerAddr)
	cancel()
	if err != nil {
		log.Error("連線訊息網路失敗", "error", err, "transport", cfg.Transport.Kind)
		return 1
	}

	b := broker.New(net, store, recorder, cfg.Broker.Config, log)
	handler := broker.NewHandler(b, recorder, log)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Broker.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("配對伺服器啟動",
			"address", brokerAddr,
			"port", cfg.Broker.Port,
			"transport", cfg.Transport.Kind,
			"store", cfg.Broker.Store,
			"history", cfg.Broker.History)
		serverErrors <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	code := 0
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("管理 API 啟動失敗", "error", err)
			code = 1
		}
	case <-sigChan:
		log.Info("收到關閉信號，開始優雅關閉...")
	case <-link.Done():
		log.Error("訊息網路連線中斷")
		code = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("服務器關閉失敗", "error", err)
	}

	// 先停背景工作，再離開訊息網路
	b.Stop()
	if err := net.Disconnect(); err != nil {
		log.Debug("中斷連線", "error", err)
	}

	log.Info("配對伺服器已關閉")
	return code
}

// openStore 依配置建立排隊佇列
func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (broker.Store, func(), error) {
	if cfg.Broker.Store != config.StoreRedis {
		return broker.NewMemoryStore(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		MaxRetries:   cfg.Redis.MaxRetries,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	log.Info("已連線 Redis", "addr", cfg.Redis.Addr, "prefix", cfg.Redis.Prefix)

	return broker.NewRedisStore(client, cfg.Redis.Prefix), func() { _ = client.Close() }, nil
}

// openRecorder 依配置建立對局紀錄，PostgreSQL 會先執行遷移
func openRecorder(ctx context.Context, cfg *config.Config, log *slog.Logger) (history.Recorder, func(), error) {
	if cfg.Broker.History != config.StorePostgres {
		return history.NewMemoryRecorder(), func() {}, nil
	}

	dsn := cfg.PostgresDSN()

	migrator, err := history.NewMigrator(dsn, log)
	if err != nil {
		return nil, nil, err
	}
	if err := migrator.Up(); err != nil {
		_ = migrator.Close()
		return nil, nil, err
	}
	if err := migrator.Close(); err != nil {
		log.Warn("關閉遷移管理器失敗", "error", err)
	}

	pool, err := history.Connect(ctx, dsn, history.PoolLimits{
		MaxConns: cfg.Postgres.MaxConns,
		MinConns: cfg.Postgres.MinConns,
	})
	if err != nil {
		return nil, nil, err
	}
	log.Info("已連線 PostgreSQL", "host", cfg.Postgres.Host, "dbname", cfg.Postgres.DBName)

	return history.NewPostgresRecorder(pool, log), pool.Close, nil
}
