// Package player 串起一位玩家從排隊到開局的完整流程（無介面版本）。
//
// 流程：
//
//	排隊 → 收到 assign → 開啟對手通道 → 擺放艦隊 → 確認 → 擲骰握手 → 戰鬥
//
// 介面層（或 cmd/client）只需要提供擺放策略。
package player

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-battleship/internal/fleet"
	"github.com/koopa0/system-design/14-battleship/internal/game"
	"github.com/koopa0/system-design/14-battleship/internal/matchmaking"
	"github.com/koopa0/system-design/14-battleship/internal/peer"
	"github.com/koopa0/system-design/14-battleship/internal/transport"
	apperrors "github.com/koopa0/system-design/14-battleship/pkg/errors"
	"github.com/koopa0/system-design/14-battleship/pkg/logger"
)

// Placer 擺放策略，在 ConfirmPlacement 之前呼叫
type Placer func(s *game.Session) error

// PlaceInRows 第 i 艘船水平擺在第 i 列，從第 0 欄開始
func PlaceInRows(s *game.Session) error {
	for i := range s.OwnFleet() {
		if err := s.MoveVessel(i, fleet.Point{X: 0, Y: i}, fleet.Horizontal); err != nil {
			return err
		}
	}
	return nil
}

// Config 玩家設定
type Config struct {
	Broker           string
	PingInterval     time.Duration
	SendTimeout      time.Duration
	BoardSize        int
	HandshakeTimeout time.Duration
	HandshakeRetries int
	DiceAckTimeout   time.Duration
	DiceRetries      uint64
	Place            Placer
	Roller           func() int
	Logger           *slog.Logger

	// AssignLinger 進入戰鬥後 Run 繼續回應配對伺服器重送 assign 的時間
	AssignLinger time.Duration
}

func (c Config) withDefaults() Config {
	if c.Broker == "" {
		c.Broker = matchmaking.DefaultBrokerAddress
	}
	if c.Place == nil {
		c.Place = PlaceInRows
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Result 開局結果
type Result struct {
	Opponent     string     `json:"opponent"`
	MatchID      string     `json:"match_id"`
	LocalRoll    int        `json:"local_roll"`
	OpponentRoll int        `json:"opponent_roll"`
	Phase        game.Phase `json:"phase"`
}

// FirstToFire 擲骰較大的一方先攻；平手時回傳 false，雙方都不先攻
func (r Result) FirstToFire() bool {
	return r.LocalRoll > r.OpponentRoll
}

type assignment struct {
	opponent string
	matchID  string
}

// Match 已進入戰鬥的對局
//
// Close 之前配對客戶端保持監聽：自己的確認遺失時，
// 配對伺服器重送的 assign 仍會得到確認，對局不會被當成放棄。
type Match struct {
	result  Result
	session *game.Session
	peer    *peer.Client
	mm      *matchmaking.Client

	closeOnce sync.Once
}

// Result 開局結果
func (m *Match) Result() Result { return m.result }

// Session 對局狀態機，戰鬥階段由呼叫端接手
func (m *Match) Session() *game.Session { return m.session }

// Linger 等待 d 或 ctx 結束，期間繼續回應配對伺服器
func (m *Match) Linger(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// Close 結束對局並停止監聽配對伺服器
func (m *Match) Close() {
	m.closeOnce.Do(func() {
		if m.session != nil {
			m.session.Close()
		}
		if m.peer != nil {
			m.peer.Close()
		}
		m.mm.Cleanup()
	})
}

// Run 以已連線的 net 跑完一場開局
//
// 成功時回傳的 Result.Phase 一定是 battle，且雙方的擲骰都已知。
// 返回前保留配對通道 cfg.AssignLinger 的時間。
func Run(ctx context.Context, net *transport.Client, cfg Config) (Result, error) {
	m, err := Start(ctx, net, cfg)
	if err != nil {
		return Result{}, err
	}
	defer m.Close()

	m.Linger(ctx, cfg.AssignLinger)
	return m.Result(), nil
}

// Start 排隊、配對、擺放並完成擲骰握手，回傳進入戰鬥的對局
//
// 呼叫端負責 Close。
func Start(ctx context.Context, net *transport.Client, cfg Config) (_ *Match, err error) {
	cfg = cfg.withDefaults()
	log := cfg.Logger.With("address", net.Address())

	mm, a, err := queue(ctx, net, cfg, log)
	if err != nil {
		return nil, err
	}
	m := &Match{mm: mm}
	defer func() {
		if err != nil {
			m.Close()
		}
	}()

	ctx = logger.WithMatchID(ctx, a.matchID)
	log.InfoContext(ctx, "配對成功", "opponent", a.opponent)

	conv, err := net.Channel(a.opponent)
	if err != nil {
		return nil, err
	}
	peerOpts := []peer.Option{peer.WithLogger(log)}
	if cfg.DiceAckTimeout > 0 {
		peerOpts = append(peerOpts, peer.WithAckTimeout(cfg.DiceAckTimeout))
	}
	if cfg.DiceRetries > 0 {
		peerOpts = append(peerOpts, peer.WithMaxRetries(cfg.DiceRetries))
	}
	m.peer = peer.New(conv, peerOpts...)

	gameOpts := []game.Option{
		game.WithBoardSize(cfg.BoardSize),
		game.WithHandshakeTimeout(cfg.HandshakeTimeout),
		game.WithLogger(log),
	}
	if cfg.Roller != nil {
		gameOpts = append(gameOpts, game.WithRoller(cfg.Roller))
	}
	s, err := game.Start(a.opponent, m.peer, gameOpts...)
	if err != nil {
		return nil, err
	}
	m.session = s

	if err := cfg.Place(s); err != nil {
		return nil, fmt.Errorf("擺放艦隊: %w", err)
	}
	if !s.ConfirmPlacement() {
		return nil, apperrors.ErrInvalidInput.WithDetails(fmt.Sprintf("placement rejected, overlaps=%d", len(s.OverlappingCells())))
	}

	if err := waitForBattle(ctx, s, cfg.HandshakeRetries, log); err != nil {
		return nil, err
	}

	local, opponent := s.Rolls()
	m.result = Result{
		Opponent:     a.opponent,
		MatchID:      a.matchID,
		LocalRoll:    local,
		OpponentRoll: opponent,
		Phase:        s.Phase(),
	}
	log.InfoContext(ctx, "進入戰鬥",
		"local_roll", m.result.LocalRoll,
		"opponent_roll", m.result.OpponentRoll,
		"first", m.result.FirstToFire())
	return m, nil
}

// queue 排隊直到收到 assign，成功時配對客戶端交給呼叫端清理
func queue(ctx context.Context, net *transport.Client, cfg Config, log *slog.Logger) (*matchmaking.Client, assignment, error) {
	conv, err := net.Channel(cfg.Broker)
	if err != nil {
		return nil, assignment{}, err
	}

	assigned := make(chan assignment, 1)
	mm := matchmaking.New(conv,
		matchmaking.ListenerFunc(func(opponent, matchID string) {
			select {
			case assigned <- assignment{opponent: opponent, matchID: matchID}:
			default:
			}
		}),
		matchmaking.WithPingInterval(cfg.PingInterval),
		matchmaking.WithSendTimeout(cfg.SendTimeout),
		matchmaking.WithLogger(log),
	)

	if err := mm.Queue(ctx); err != nil {
		mm.Cleanup()
		return nil, assignment{}, err
	}
	log.InfoContext(ctx, "已送出排隊請求", "broker", cfg.Broker)

	select {
	case a := <-assigned:
		return mm, a, nil
	case <-ctx.Done():
		mm.Cleanup()
		return nil, assignment{}, ctx.Err()
	}
}

// waitForBattle 等到本方進入戰鬥且收到對手擲骰
func waitForBattle(ctx context.Context, s *game.Session, retries int, log *slog.Logger) error {
	attempts := 0
	for {
		local, opponent := s.Rolls()
		if s.Phase() == game.PhaseBattle && local != 0 && opponent != 0 {
			return nil
		}

		select {
		case ev, ok := <-s.Events():
			if !ok {
				return apperrors.ErrSessionClosed
			}
			if ev.Type != game.EventHandshakeFailed {
				continue
			}
			if attempts >= retries {
				return apperrors.New(apperrors.ErrCodeSendFailed, "開局握手失敗")
			}
			attempts++
			log.WarnContext(ctx, "重試開局握手", "attempt", attempts)
			if err := s.RetryHandshake(); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
