package peer_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-battleship/internal/peer"
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

// pair 建立兩個透過記憶體網路互連的對手通道
func pair(t *testing.T, hub *transport.MemoryHub, opts ...peer.Option) (*peer.Client, *peer.Client) {
	t.Helper()

	open := func(self, other string) *peer.Client {
		c := transport.NewClient(hub.Link(), logger.Discard())
		require.NoError(t, c.Connect(context.Background(), self))
		t.Cleanup(func() { _ = c.Disconnect() })

		ch, err := c.Channel(other)
		require.NoError(t, err)

		p := peer.New(ch, append([]peer.Option{peer.WithLogger(logger.Discard())}, opts...)...)
		t.Cleanup(p.Close)
		return p
	}

	return open(alice, bob), open(bob, alice)
}

type rolls struct {
	mu     sync.Mutex
	values []int
}

func (r *rolls) add(v int) {
	r.mu.Lock()
	r.values = append(r.values, v)
	r.mu.Unlock()
}

func (r *rolls) snapshot() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.values...)
}

func TestSendDiceRoll(t *testing.T) {
	hub := transport.NewMemoryHub()
	a, b := pair(t, hub)

	var got rolls
	b.OnDiceRoll(got.add)

	require.NoError(t, a.SendDiceRoll(context.Background(), 4))
	require.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{4}, got.snapshot())
}

func TestOnDiceRoll_DeliversEarlyRoll(t *testing.T) {
	hub := transport.NewMemoryHub()
	a, b := pair(t, hub)

	// 對手在處理函數設定前就送出擲骰
	require.NoError(t, a.SendDiceRoll(context.Background(), 3))

	var got rolls
	b.OnDiceRoll(got.add)
	require.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{3}, got.snapshot())
}

func TestSendDiceRoll_InvalidValue(t *testing.T) {
	hub := transport.NewMemoryHub()
	a, _ := pair(t, hub)

	for _, v := range []int{0, 7, -1} {
		err := a.SendDiceRoll(context.Background(), v)
		assert.ErrorIs(t, err, apperrors.ErrInvalidInput, "value %d", v)
	}
}

// TestSendDiceRoll_RetriesLostMessage 第一則擲骰遺失時重送，接收端只處理一次
func TestSendDiceRoll_RetriesLostMessage(t *testing.T) {
	hub := transport.NewMemoryHub()

	var dropped atomic.Int32
	hub.SetFilter(func(from, to string, data []byte) bool {
		m, err := transport.Decode(data)
		if err != nil {
			return true
		}
		// 丟掉第一則確認，讓發送端重送
		if m.Action == peer.ActionDiceAck && dropped.CompareAndSwap(0, 1) {
			return false
		}
		return true
	})

	a, b := pair(t, hub,
		peer.WithAckTimeout(30*time.Millisecond),
		peer.WithInitialBackoff(5*time.Millisecond))

	var got rolls
	b.OnDiceRoll(got.add)

	require.NoError(t, a.SendDiceRoll(context.Background(), 6))
	assert.Equal(t, int32(1), dropped.Load())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []int{6}, got.snapshot())
}

// TestSendDiceRoll_GivesUp 對手不在線時重試用盡
func TestSendDiceRoll_GivesUp(t *testing.T) {
	hub := transport.NewMemoryHub()
	c := transport.NewClient(hub.Link(), logger.Discard())
	require.NoError(t, c.Connect(context.Background(), alice))
	defer c.Disconnect()

	ch, err := c.Channel(bob)
	require.NoError(t, err)

	p := peer.New(ch,
		peer.WithLogger(logger.Discard()),
		peer.WithAckTimeout(5*time.Millisecond),
		peer.WithInitialBackoff(time.Millisecond),
		peer.WithMaxRetries(2))
	defer p.Close()

	err = p.SendDiceRoll(context.Background(), 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrSendFailed)
}

func TestSendDiceRoll_ContextCancel(t *testing.T) {
	hub := transport.NewMemoryHub()
	c := transport.NewClient(hub.Link(), logger.Discard())
	require.NoError(t, c.Connect(context.Background(), alice))
	defer c.Disconnect()

	ch, err := c.Channel(bob)
	require.NoError(t, err)
	p := peer.New(ch, peer.WithLogger(logger.Discard()), peer.WithAckTimeout(time.Second))
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = p.SendDiceRoll(ctx, 2)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestSendDiceRoll_AfterClose(t *testing.T) {
	hub := transport.NewMemoryHub()
	a, _ := pair(t, hub)

	a.Close()
	err := a.SendDiceRoll(context.Background(), 1)
	assert.True(t, apperrors.IsSessionClosed(err))
}

func TestOnMessage_Extension(t *testing.T) {
	hub := transport.NewMemoryHub()
	c := transport.NewClient(hub.Link(), logger.Discard())
	require.NoError(t, c.Connect(context.Background(), alice))
	defer c.Disconnect()
	other := transport.NewClient(hub.Link(), logger.Discard())
	require.NoError(t, other.Connect(context.Background(), bob))
	defer other.Disconnect()

	ch, err := c.Channel(bob)
	require.NoError(t, err)
	p := peer.New(ch, peer.WithLogger(logger.Discard()))
	defer p.Close()

	var shots atomic.Int32
	p.OnMessage(func(m transport.Message) {
		if m.Action == "shot" {
			shots.Add(1)
		}
	})

	out, err := other.Channel(alice)
	require.NoError(t, err)
	require.NoError(t, out.Send(context.Background(), transport.NewMessage("shot", "x", "3", "y", "4")))
	// 無效的擲骰不會觸發任何處理
	require.NoError(t, out.Send(context.Background(), transport.NewMessage(peer.ActionDice, peer.AttrValue, "9", peer.AttrSeq, "1")))

	require.Eventually(t, func() bool { return shots.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSendDiceRoll_FailsFastWhenUndeliverable(t *testing.T) {
	hub := transport.NewMemoryHub()

	c := transport.NewClient(hub.Link(), logger.Discard())
	require.NoError(t, c.Connect(context.Background(), alice))
	defer c.Disconnect()

	// 中繼：對手收到擲骰後，模擬中繼回報對手已離線
	relay := transport.NewClient(hub.Link(), logger.Discard())
	require.NoError(t, relay.Connect(context.Background(), transport.RelayAddress))
	defer relay.Disconnect()
	other := transport.NewClient(hub.Link(), logger.Discard())
	require.NoError(t, other.Connect(context.Background(), bob))
	defer other.Disconnect()

	in, err := other.Channel(alice)
	require.NoError(t, err)
	in.Listen(func(m transport.Message) {
		if m.Action != peer.ActionDice {
			return
		}
		reply := transport.NewMessage(transport.ActionUndeliverable, transport.AttrTo, bob)
		reply.To = alice
		_ = relay.Send(context.Background(), reply)
	})

	ch, err := c.Channel(bob)
	require.NoError(t, err)
	p := peer.New(ch,
		peer.WithLogger(logger.Discard()),
		peer.WithAckTimeout(5*time.Second),
		peer.WithMaxRetries(5))
	defer p.Close()

	start := time.Now()
	err = p.SendDiceRoll(context.Background(), 2)
	require.Error(t, err)
	assert.True(t, apperrors.IsUnreachable(err))
	assert.Less(t, time.Since(start), 2*time.Second, "不等待確認逾時")
}
