package player_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-battleship/internal/broker"
	"github.com/koopa0/system-design/14-battleship/internal/game"
	"github.com/koopa0/system-design/14-battleship/internal/history"
	"github.com/koopa0/system-design/14-battleship/internal/matchmaking"
	"github.com/koopa0/system-design/14-battleship/internal/player"
	"github.com/koopa0/system-design/14-battleship/internal/relay"
	"github.com/koopa0/system-design/14-battleship/internal/transport"
	apperrors "github.com/koopa0/system-design/14-battleship/pkg/errors"
	"github.com/koopa0/system-design/14-battleship/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice = "alice@example.org"
	bob   = "bob@example.org"
)

func brokerConfig() broker.Config {
	return broker.Config{
		TTL:              time.Minute,
		PingInterval:     time.Hour,
		AckTimeout:       5 * time.Second,
		MaxAssignRetries: 2,
		SweepInterval:    time.Hour,
		SendTimeout:      time.Second,
	}
}

func startBroker(t *testing.T, link transport.Link) *history.MemoryRecorder {
	t.Helper()
	_, rec := startBrokerWith(t, link, brokerConfig())
	return rec
}

func startBrokerWith(t *testing.T, link transport.Link, cfg broker.Config) (*broker.Broker, *history.MemoryRecorder) {
	t.Helper()
	c := transport.NewClient(link, logger.Discard())
	require.NoError(t, c.Connect(context.Background(), matchmaking.DefaultBrokerAddress))
	t.Cleanup(func() { _ = c.Disconnect() })

	rec := history.NewMemoryRecorder()
	b := broker.New(c, broker.NewMemoryStore(), rec, cfg, logger.Discard())
	t.Cleanup(b.Stop)
	return b, rec
}

func connect(t *testing.T, link transport.Link, address string) *transport.Client {
	t.Helper()
	c := transport.NewClient(link, logger.Discard())
	require.NoError(t, c.Connect(context.Background(), address))
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

type outcome struct {
	res player.Result
	err error
}

func run(ctx context.Context, c *transport.Client, cfg player.Config) <-chan outcome {
	out := make(chan outcome, 1)
	go func() {
		res, err := player.Run(ctx, c, cfg)
		out <- outcome{res: res, err: err}
	}()
	return out
}

func fixedRoll(v int) func() int {
	return func() int { return v }
}

func playerConfig(roll int) player.Config {
	return player.Config{
		HandshakeTimeout: 5 * time.Second,
		DiceAckTimeout:   200 * time.Millisecond,
		Roller:           fixedRoll(roll),
		Logger:           logger.Discard(),
	}
}

// assertOpening 驗證雙方看到同一場對局與一致的擲骰
func assertOpening(t *testing.T, a, b outcome) {
	t.Helper()
	require.NoError(t, a.err)
	require.NoError(t, b.err)

	assert.Equal(t, bob, a.res.Opponent)
	assert.Equal(t, alice, b.res.Opponent)
	assert.Equal(t, a.res.MatchID, b.res.MatchID)
	assert.NotEmpty(t, a.res.MatchID)

	assert.Equal(t, game.PhaseBattle, a.res.Phase)
	assert.Equal(t, game.PhaseBattle, b.res.Phase)
	assert.Equal(t, a.res.LocalRoll, b.res.OpponentRoll)
	assert.Equal(t, b.res.LocalRoll, a.res.OpponentRoll)
}

func await(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(10 * time.Second):
		t.Fatal("player did not finish")
		return outcome{}
	}
}

// TestRun_CompleteFlow 排隊、配對、擺放、擲骰，最後雙方進入戰鬥
func TestRun_CompleteFlow(t *testing.T) {
	hub := transport.NewMemoryHub()
	rec := startBroker(t, hub.Link())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	aliceDone := run(ctx, connect(t, hub.Link(), alice), playerConfig(5))
	bobDone := run(ctx, connect(t, hub.Link(), bob), playerConfig(2))

	a, b := await(t, aliceDone), await(t, bobDone)
	assertOpening(t, a, b)

	assert.Equal(t, 5, a.res.LocalRoll)
	assert.True(t, a.res.FirstToFire())
	assert.False(t, b.res.FirstToFire())

	// 雙方都確認了 assign
	require.Eventually(t, func() bool {
		m, err := rec.Get(context.Background(), a.res.MatchID)
		return err == nil && m.Status == history.StatusConfirmed
	}, 2*time.Second, 10*time.Millisecond)
}

// TestRun_LostAssignAck 第一次 assign 確認遺失時，重送的 assign 仍會得到確認
func TestRun_LostAssignAck(t *testing.T) {
	hub := transport.NewMemoryHub()
	cfg := brokerConfig()
	cfg.AckTimeout = 100 * time.Millisecond
	cfg.SweepInterval = 20 * time.Millisecond
	b, rec := startBrokerWith(t, hub.Link(), cfg)

	// 丟掉 alice 送給配對伺服器的第一個 assign 確認
	var dropped atomic.Bool
	hub.SetFilter(func(from, to string, data []byte) bool {
		if from != alice || to != matchmaking.DefaultBrokerAddress {
			return true
		}
		msg, err := transport.Decode(data)
		if err != nil || msg.Action != matchmaking.ActionAssign {
			return true
		}
		return !dropped.CompareAndSwap(false, true)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	aliceCfg, bobCfg := playerConfig(5), playerConfig(2)
	aliceCfg.AssignLinger = time.Second
	bobCfg.AssignLinger = time.Second
	aliceDone := run(ctx, connect(t, hub.Link(), alice), aliceCfg)
	bobDone := run(ctx, connect(t, hub.Link(), bob), bobCfg)

	a, o := await(t, aliceDone), await(t, bobDone)
	assertOpening(t, a, o)
	require.True(t, dropped.Load())

	require.Eventually(t, func() bool {
		m, err := rec.Get(context.Background(), a.res.MatchID)
		return err == nil && m.Status == history.StatusConfirmed
	}, 2*time.Second, 10*time.Millisecond)

	stats := b.Stats(context.Background())
	assert.EqualValues(t, 1, stats["total_confirmed"])
	assert.EqualValues(t, 0, stats["total_abandoned"])
}

// TestStart_MatchOutlivesOpening 對局交給呼叫端後，關閉前仍回應配對伺服器
func TestStart_MatchOutlivesOpening(t *testing.T) {
	hub := transport.NewMemoryHub()
	startBroker(t, hub.Link())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bobDone := run(ctx, connect(t, hub.Link(), bob), playerConfig(2))

	m, err := player.Start(ctx, connect(t, hub.Link(), alice), playerConfig(5))
	require.NoError(t, err)
	require.NoError(t, await(t, bobDone).err)

	assert.Equal(t, game.PhaseBattle, m.Session().Phase())
	assert.Equal(t, bob, m.Result().Opponent)
	assert.False(t, m.Session().Closed())

	m.Close()
	m.Close()
	assert.True(t, m.Session().Closed())
}

// TestRun_OverRelay 同一流程改走 WebSocket 中繼
func TestRun_OverRelay(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping relay flow in short mode")
	}

	hub := relay.NewHub(logger.Discard())
	srv := httptest.NewServer(relay.NewHandler(hub, logger.Discard()).Routes())
	t.Cleanup(func() {
		hub.Stop()
		srv.Close()
	})
	url := strings.Replace(srv.URL, "http", "ws", 1) + "/ws"
	newLink := func() transport.Link { return transport.NewWebSocketLink(url, logger.Discard()) }

	startBroker(t, newLink())
	require.Eventually(t, func() bool { return hub.Online(matchmaking.DefaultBrokerAddress) }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	aliceDone := run(ctx, connect(t, newLink(), alice), playerConfig(6))
	bobDone := run(ctx, connect(t, newLink(), bob), playerConfig(1))

	assertOpening(t, await(t, aliceDone), await(t, bobDone))
}

func TestRun_TiedRoll(t *testing.T) {
	hub := transport.NewMemoryHub()
	startBroker(t, hub.Link())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	aliceDone := run(ctx, connect(t, hub.Link(), alice), playerConfig(3))
	bobDone := run(ctx, connect(t, hub.Link(), bob), playerConfig(3))

	a, b := await(t, aliceDone), await(t, bobDone)
	assertOpening(t, a, b)
	assert.False(t, a.res.FirstToFire())
	assert.False(t, b.res.FirstToFire())
}

func TestRun_OpponentNeverConfirms(t *testing.T) {
	hub := transport.NewMemoryHub()
	startBroker(t, hub.Link())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := playerConfig(4)
	cfg.DiceAckTimeout = 50 * time.Millisecond
	cfg.DiceRetries = 1
	cfg.HandshakeRetries = 1
	aliceDone := run(ctx, connect(t, hub.Link(), alice), cfg)

	// bob 只排隊並確認 assign，從不開啟對手通道
	bobNet := connect(t, hub.Link(), bob)
	conv, err := bobNet.Channel(matchmaking.DefaultBrokerAddress)
	require.NoError(t, err)
	mm := matchmaking.New(conv, matchmaking.ListenerFunc(func(string, string) {}), matchmaking.WithLogger(logger.Discard()))
	t.Cleanup(mm.Cleanup)
	require.NoError(t, mm.Queue(ctx))

	a := await(t, aliceDone)
	require.Error(t, a.err)
	assert.Equal(t, apperrors.ErrCodeSendFailed, apperrors.GetCode(a.err))
	assert.Eventually(t, func() bool { return mm.State() == matchmaking.StateAssigned }, time.Second, 10*time.Millisecond)
}

func TestRun_RejectedPlacement(t *testing.T) {
	hub := transport.NewMemoryHub()
	startBroker(t, hub.Link())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 什麼都不擺，確認會被拒絕
	cfg := playerConfig(4)
	cfg.Place = func(*game.Session) error { return nil }
	aliceDone := run(ctx, connect(t, hub.Link(), alice), cfg)
	bobDone := run(ctx, connect(t, hub.Link(), bob), cfg)

	for _, o := range []outcome{await(t, aliceDone), await(t, bobDone)} {
		require.Error(t, o.err)
		assert.ErrorIs(t, o.err, apperrors.ErrInvalidInput)
	}
}

func TestRun_CancelWhileQueued(t *testing.T) {
	hub := transport.NewMemoryHub()
	startBroker(t, hub.Link())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := player.Run(ctx, connect(t, hub.Link(), alice), playerConfig(1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRun_BrokerUnreachable(t *testing.T) {
	// 記憶體網路上沒有配對伺服器
	hub := transport.NewMemoryHub()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := player.Run(ctx, connect(t, hub.Link(), alice), playerConfig(1))
	assert.Error(t, err)
}

func TestResult_FirstToFire(t *testing.T) {
	tests := []struct {
		name     string
		local    int
		opponent int
		want     bool
	}{
		{name: "higher roll fires first", local: 6, opponent: 2, want: true},
		{name: "lower roll waits", local: 1, opponent: 5, want: false},
		{name: "tie", local: 3, opponent: 3, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := player.Result{LocalRoll: tt.local, OpponentRoll: tt.opponent}
			assert.Equal(t, tt.want, r.FirstToFire())
		})
	}
}
