// Command client 無介面的玩家：連線、排隊、擺放標準艦隊、確認、擲骰，
// 進入戰鬥後把開局結果以 JSON 輸出。
//
// transport.kind 為 memory 時在同一個行程內啟動配對伺服器與第二位玩家，
// 不需要任何外部服務即可跑完整個流程。
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/koopa0/system-design/14-battleship/internal/broker"
	"github.com/koopa0/system-design/14-battleship/internal/config"
	"github.com/koopa0/system-design/14-battleship/internal/history"
	"github.com/koopa0/system-design/14-battleship/internal/player"
	"github.com/koopa0/system-design/14-battleship/internal/transport"
	"github.com/koopa0/system-design/14-battleship/pkg/logger"
)

func main() {
	os.Exit(run())
}

// run 回傳結束碼，讓所有 defer 在離開前執行
func run() int {
	var (
		configPath = flag.String("config", "", "配置檔案路徑（YAML）")
		address    = flag.String("address", "", "本端位址（覆蓋配置）")
		brokerAddr = flag.String("broker", "", "配對伺服器位址（覆蓋配置）")
		kind       = flag.String("transport", "", "傳輸方式 (websocket, nats, memory)")
		timeout    = flag.Duration("timeout", 5*time.Minute, "整個流程的逾時")
		logLevel   = flag.String("log-level", "", "日誌級別 (debug, info, warn, error)")
		logFormat  = flag.String("log-format", "", "日誌格式 (text, json)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}
	if *address != "" {
		cfg.Address = *address
	}
	if *brokerAddr != "" {
		cfg.Matchmaking.Broker = *brokerAddr
	}
	if *kind != "" {
		cfg.Transport.Kind = *kind
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if cfg.Address == "" {
		cfg.Address = "player-" + uuid.NewString()[:8] + "@battleship.me"
	}

	// 日誌寫到 stderr，stdout 只留結果
	log := logger.New(cfg.Log, os.Stderr)
	slog.SetDefault(log)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var hub *transport.MemoryHub
	if cfg.Transport.Kind == config.TransportMemory {
		// 記憶體網路不會遺失訊息，不需要等待重送的 assign
		cfg.Matchmaking.AssignLinger = 0

		hub = transport.NewMemoryHub()
		shutdown, err := startLocalOpponent(ctx, cfg, hub, log)
		if err != nil {
			log.Error("啟動本地對手失敗", "error", err)
			return 1
		}
		defer shutdown()
	}

	err = play(ctx, cfg, hub, cfg.Address, log, func(res player.Result) error {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	})
	if err != nil {
		log.Error("對局開始失敗", "error", err)
		return 1
	}
	return 0
}

// play 連線並跑完一場開局
//
// 進入戰鬥後先交出結果，再保留配對通道 AssignLinger 的時間才離線。
func play(ctx context.Context, cfg *config.Config, hub *transport.MemoryHub, address string, log *slog.Logger, report func(player.Result) error) error {
	link, err := cfg.NewLink(hub, log)
	if err != nil {
		return err
	}
	net := transport.NewClient(link, log)
	if err := net.Connect(ctx, address); err != nil {
		return err
	}
	defer func() { _ = net.Disconnect() }()

	m, err := player.Start(ctx, net, player.Config{
		Broker:           cfg.Matchmaking.Broker,
		PingInterval:     cfg.Matchmaking.PingInterval,
		SendTimeout:      cfg.Matchmaking.SendTimeout,
		BoardSize:        cfg.Game.BoardSize,
		HandshakeTimeout: cfg.Game.HandshakeTimeout,
		HandshakeRetries: cfg.Game.HandshakeRetries,
		DiceAckTimeout:   cfg.Game.DiceAckTimeout,
		DiceRetries:      cfg.Game.DiceRetries,
		Logger:           log,
	})
	if err != nil {
		return err
	}
	defer m.Close()

	if err := report(m.Result()); err != nil {
		return fmt.Errorf("輸出結果失敗: %w", err)
	}
	m.Linger(ctx, cfg.Matchmaking.AssignLinger)
	return nil
}

// startLocalOpponent 在記憶體網路上啟動配對伺服器與一位對手
func startLocalOpponent(ctx context.Context, cfg *config.Config, hub *transport.MemoryHub, log *slog.Logger) (func(), error) {
	net := transport.NewClient(hub.Link(), log)
	if err := net.Connect(ctx, cfg.Matchmaking.Broker); err != nil {
		return nil, err
	}
	b := broker.New(net, broker.NewMemoryStore(), history.NewMemoryRecorder(), cfg.Broker.Config, log.With("component", "broker"))

	opponentCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		opponentLog := log.With("component", "opponent")
		discard := func(player.Result) error { return nil }
		if err := play(opponentCtx, cfg, hub, "opponent-"+uuid.NewString()[:8]+"@battleship.me", opponentLog, discard); err != nil {
			opponentLog.Warn("本地對手結束", "error", err)
		}
	}()

	return func() {
		cancel()
		<-done
		b.Stop()
		_ = net.Disconnect()
	}, nil
}
