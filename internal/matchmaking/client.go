// Package matchmaking 實作與配對伺服器之間的排隊協定。
package matchmaking

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-battleship/internal/transport"
	apperrors "github.com/koopa0/system-design/14-battleship/pkg/errors"
)

// 協定常數
const (
	DefaultBrokerAddress = "matchmaker@battleship.me"
	DefaultPingInterval  = 15 * time.Second
	DefaultSendTimeout   = 5 * time.Second

	ActionQueue   = "queue"
	ActionSuccess = "success"
	ActionPing    = "ping"
	ActionAssign  = "assign"

	AttrID       = "id"  // 排隊 ID
	AttrOpponent = "jid" // 對手位址
	AttrMatch    = "mid" // 對局 ID
)

// State 排隊狀態
//
// 有限狀態機設計：
//
//	idle → pending → acknowledged → assigned
//	  ↑______↓ (發送失敗)
//
// 任何狀態 → closed：Cleanup
type State int

const (
	StateIdle         State = iota // 尚未排隊
	StatePending                   // 已送出 queue，等待 success
	StateAcknowledged              // 已取得排隊 ID，定期 ping
	StateAssigned                  // 已配對（終止）
	StateClosed                    // 已清理（終止）
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateAcknowledged:
		return "acknowledged"
	case StateAssigned:
		return "assigned"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conversation 與配對伺服器的通道（*transport.Channel 即符合）
type Conversation interface {
	Send(ctx context.Context, msg transport.Message) error
	Listen(h transport.Handler) (remove func())
}

// Listener 配對完成的通知
type Listener interface {
	OnOpponentAssigned(opponent, matchID string)
}

// ListenerFunc 讓函數符合 Listener
type ListenerFunc func(opponent, matchID string)

func (f ListenerFunc) OnOpponentAssigned(opponent, matchID string) { f(opponent, matchID) }

// Option 設定選項
type Option func(*Client)

// WithPingInterval 設定 ping 間隔
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithSendTimeout 設定單次發送逾時
func WithSendTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.sendTimeout = d
		}
	}
}

// WithLogger 設定日誌
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client 配對客戶端
//
// 系統設計考量：
//
//  1. 單一互斥鎖：
//     收到訊息的回呼、ping goroutine、呼叫 Queue/Cleanup 的執行緒
//     可能同時執行；狀態、排隊 ID、監聽者、ping 停止通道都由 mu 保護。
//     ping 在持有鎖的情況下發送，因此「ping 觸發」與「配對清除排隊 ID」
//     不會交錯。
//
//  2. 取消語意：
//     Cleanup 關閉停止通道並等待 ping goroutine 結束，
//     返回之後不會再有任何 ping 送出。
//
//  3. 冪等確認：
//     重複收到同一個對局的 assign 時重送確認，但不重複通知。
//     配對伺服器在確認遺失時會重送 assign。
type Client struct {
	conv        Conversation
	logger      *slog.Logger
	interval    time.Duration
	sendTimeout time.Duration

	mu       sync.Mutex
	state    State
	queueID  string
	opponent string
	matchID  string
	listener Listener
	stopPing chan struct{}
	remove   func()
	wg       sync.WaitGroup
}

// New 創建配對客戶端並開始監聽
func New(conv Conversation, listener Listener, opts ...Option) *Client {
	c := &Client{
		conv:        conv,
		logger:      slog.Default(),
		interval:    DefaultPingInterval,
		sendTimeout: DefaultSendTimeout,
		listener:    listener,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.remove = conv.Listen(c.handle)
	return c
}

// Queue 送出排隊請求
//
// 已在排隊中（等待或已取得排隊 ID）時不重複送出。
// 發送失敗時回到 idle 並回傳錯誤，呼叫端可以重試。
func (c *Client) Queue(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return apperrors.ErrSessionClosed
	case StateAssigned:
		c.mu.Unlock()
		return apperrors.ErrInvalidState.WithDetails("已配對")
	case StatePending, StateAcknowledged:
		state := c.state
		c.mu.Unlock()
		c.logger.Info("已在排隊中，忽略重複請求", "state", state.String())
		return nil
	}
	c.state = StatePending
	c.mu.Unlock()

	if err := c.conv.Send(ctx, transport.NewMessage(ActionQueue)); err != nil {
		c.mu.Lock()
		if c.state == StatePending {
			c.state = StateIdle
		}
		c.mu.Unlock()
		c.logger.Warn("排隊請求發送失敗", "error", err)
		return err
	}

	c.logger.Info("已送出排隊請求")
	return nil
}

// State 目前狀態
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// QueueID 目前持有的排隊 ID
func (c *Client) QueueID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queueID
}

// Assignment 配對結果
func (c *Client) Assignment() (opponent, matchID string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opponent, c.matchID, c.state == StateAssigned
}

// Cleanup 停止監聽與 ping，之後此物件不可再使用
func (c *Client) Cleanup() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.queueID = ""
	c.listener = nil
	c.stopPingLocked()
	remove := c.remove
	c.remove = nil
	c.mu.Unlock()

	if remove != nil {
		remove()
	}
	c.wg.Wait()
}

// handle 依 action 分派配對伺服器的訊息
func (c *Client) handle(msg transport.Message) {
	switch msg.Action {
	case ActionSuccess:
		c.onSuccess(msg)
	case ActionPing:
		c.logger.Debug("收到配對伺服器 ping")
	case ActionAssign:
		c.onAssign(msg)
	case transport.ActionUndeliverable:
		c.logger.Warn("配對伺服器不在線", "to", msg.Attr(transport.AttrTo))
	default:
		c.logger.Warn("無法解析的配對訊息，已忽略",
			"action", msg.Action,
			"from", msg.From)
	}
}

func (c *Client) onSuccess(msg transport.Message) {
	id := msg.Attr(AttrID)
	if id == "" {
		c.logger.Warn("success 缺少排隊 ID，已忽略")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StatePending:
		c.queueID = id
		c.state = StateAcknowledged
		c.startPingLocked()
		c.logger.Info("排隊成功", "queue_id", id)
	case StateAcknowledged:
		// 重複的 success 只更新 ID，不重開 ping
		c.queueID = id
	default:
		c.logger.Debug("目前狀態不接受 success", "state", c.state.String())
	}
}

func (c *Client) onAssign(msg transport.Message) {
	opponent, matchID := msg.Attr(AttrOpponent), msg.Attr(AttrMatch)
	if opponent == "" || matchID == "" {
		c.logger.Warn("assign 缺少對手或對局 ID，已忽略",
			"jid", opponent,
			"mid", matchID)
		return
	}

	c.mu.Lock()
	switch c.state {
	case StatePending, StateAcknowledged:
	case StateAssigned:
		same := c.matchID == matchID
		c.mu.Unlock()
		if same {
			c.logger.Debug("重複的 assign，重送確認", "mid", matchID)
			c.ack(opponent, matchID)
		}
		return
	default:
		c.mu.Unlock()
		c.logger.Debug("目前狀態不接受 assign", "mid", matchID)
		return
	}

	c.stopPingLocked()
	c.state = StateAssigned
	c.queueID = ""
	c.opponent = opponent
	c.matchID = matchID
	listener := c.listener
	c.mu.Unlock()

	c.logger.Info("配對成功", "opponent", opponent, "mid", matchID)

	c.ack(opponent, matchID)
	if listener != nil {
		listener.OnOpponentAssigned(opponent, matchID)
	}
}

func (c *Client) ack(opponent, matchID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.sendTimeout)
	defer cancel()

	msg := transport.NewMessage(ActionAssign, AttrOpponent, opponent, AttrMatch, matchID)
	if err := c.conv.Send(ctx, msg); err != nil {
		c.logger.Warn("配對確認發送失敗", "mid", matchID, "error", err)
	}
}

// startPingLocked 啟動 ping（需持有鎖）
func (c *Client) startPingLocked() {
	stop := make(chan struct{})
	c.stopPing = stop
	c.wg.Add(1)
	go c.pingLoop(stop)
}

// stopPingLocked 停止 ping（需持有鎖）
func (c *Client) stopPingLocked() {
	if c.stopPing != nil {
		close(c.stopPing)
		c.stopPing = nil
	}
}

// pingLoop 定期 ping，第一次在一個間隔之後
//
// 發送失敗只記錄日誌，不中斷排程。
func (c *Client) pingLoop(stop <-chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.ping(stop)
		case <-stop:
			return
		}
	}
}

func (c *Client) ping(stop <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// 取得鎖之前可能已經被配對或清理
	select {
	case <-stop:
		return
	default:
	}
	if c.state != StateAcknowledged || c.queueID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.sendTimeout)
	defer cancel()

	if err := c.conv.Send(ctx, transport.NewMessage(ActionPing, AttrID, c.queueID)); err != nil {
		c.logger.Warn("ping 發送失敗", "queue_id", c.queueID, "error", err)
	}
}
