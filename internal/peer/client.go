// Package peer 實作與對手之間的點對點通道。
//
// 目前只有開局擲骰；其他回合訊息透過 OnMessage 擴充。
package peer

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/koopa0/system-design/14-battleship/internal/transport"
	apperrors "github.com/koopa0/system-design/14-battleship/pkg/errors"
)

const (
	ActionDice    = "dice"
	ActionDiceAck = "dice-ack"

	AttrValue = "value"
	AttrSeq   = "seq"

	DefaultAckTimeout = 2 * time.Second
	DefaultMaxRetries = 5
)

var errNoAck = errors.New("等待確認逾時")

// Conversation 與對手的通道（*transport.Channel 即符合）
type Conversation interface {
	Send(ctx context.Context, msg transport.Message) error
	Listen(h transport.Handler) (remove func())
}

// Option 設定選項
type Option func(*Client)

// WithAckTimeout 每次發送後等待確認的時間
func WithAckTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.ackTimeout = d
		}
	}
}

// WithMaxRetries 最多重送次數
func WithMaxRetries(n uint64) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithInitialBackoff 第一次重送前的等待時間
func WithInitialBackoff(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.initialBackoff = d
		}
	}
}

// WithLogger 設定日誌
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// Client 對手通道
//
// 擲骰訊息帶有序號，對方收到後回覆 dice-ack。
// 沒收到確認就以指數退避重送；接收端以序號去重，
// 重送只會觸發一次 OnDiceRoll。
type Client struct {
	conv           Conversation
	logger         *slog.Logger
	ackTimeout     time.Duration
	maxRetries     uint64
	initialBackoff time.Duration

	mu       sync.Mutex
	seq      uint64
	pending  map[uint64]chan error // seq -> 結果（nil 為已確認）
	seen     map[uint64]struct{}
	onDice   func(value int)
	early    []int
	handlers []transport.Handler
	remove   func()
	done     chan struct{}
	closed   bool
}

// New 創建對手通道並開始監聽
func New(conv Conversation, opts ...Option) *Client {
	c := &Client{
		conv:           conv,
		logger:         slog.Default(),
		ackTimeout:     DefaultAckTimeout,
		maxRetries:     DefaultMaxRetries,
		initialBackoff: 200 * time.Millisecond,
		pending:        make(map[uint64]chan error),
		seen:           make(map[uint64]struct{}),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.remove = conv.Listen(c.handle)
	return c
}

// OnDiceRoll 設定收到對手擲骰時的處理函數
func (c *Client) OnDiceRoll(fn func(value int)) {
	c.mu.Lock()
	c.onDice = fn
	early := c.early
	c.early = nil
	c.mu.Unlock()

	// 設定處理函數之前收到的擲骰
	if fn != nil {
		for _, v := range early {
			fn(v)
		}
	}
}

// OnMessage 註冊其他訊息的處理函數（擴充點）
func (c *Client) OnMessage(h transport.Handler) {
	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	c.mu.Unlock()
}

// SendDiceRoll 發送擲骰結果，直到對方確認或重試次數用盡
func (c *Client) SendDiceRoll(ctx context.Context, value int) error {
	if value < 1 || value > 6 {
		return apperrors.ErrInvalidInput.WithDetails("dice value " + strconv.Itoa(value))
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return apperrors.ErrSessionClosed
	}
	c.seq++
	seq := c.seq
	result := make(chan error, 1)
	c.pending[seq] = result
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
	}()

	msg := transport.NewMessage(ActionDice,
		AttrValue, strconv.Itoa(value),
		AttrSeq, strconv.FormatUint(seq, 10))

	attempt := 0
	operation := func() error {
		attempt++
		if err := c.conv.Send(ctx, msg); err != nil {
			c.logger.Warn("擲骰發送失敗", "seq", seq, "attempt", attempt, "error", err)
			return err
		}

		timer := time.NewTimer(c.ackTimeout)
		defer timer.Stop()

		select {
		case err := <-result:
			if err != nil {
				return backoff.Permanent(err)
			}
			return nil
		case <-timer.C:
			c.logger.Debug("擲骰未獲確認，準備重送", "seq", seq, "attempt", attempt)
			return errNoAck
		case <-c.done:
			return backoff.Permanent(apperrors.ErrSessionClosed)
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialBackoff
	b.MaxElapsedTime = 0 // 以重試次數為準

	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, c.maxRetries), ctx)); err != nil {
		if errors.Is(err, errNoAck) {
			return apperrors.Wrap(err, apperrors.ErrCodeSendFailed, "對手沒有回應")
		}
		return err
	}

	c.logger.Info("擲骰已送達", "value", value, "seq", seq, "attempts", attempt)
	return nil
}

// Close 停止監聽，進行中的發送會立即返回
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	remove := c.remove
	c.mu.Unlock()

	if remove != nil {
		remove()
	}
}

func (c *Client) handle(msg transport.Message) {
	switch msg.Action {
	case ActionDice:
		c.onDiceMessage(msg)
	case ActionDiceAck:
		c.onDiceAck(msg)
	case transport.ActionUndeliverable:
		c.onUndeliverable(msg)
	default:
		c.mu.Lock()
		handlers := append([]transport.Handler(nil), c.handlers...)
		c.mu.Unlock()

		if len(handlers) == 0 {
			c.logger.Debug("未處理的對手訊息", "action", msg.Action)
			return
		}
		for _, h := range handlers {
			h(msg)
		}
	}
}

func (c *Client) onDiceMessage(msg transport.Message) {
	value, err := strconv.Atoi(msg.Attr(AttrValue))
	if err != nil || value < 1 || value > 6 {
		c.logger.Warn("無效的擲骰訊息，已忽略", "value", msg.Attr(AttrValue))
		return
	}
	seq, err := strconv.ParseUint(msg.Attr(AttrSeq), 10, 64)
	if err != nil {
		c.logger.Warn("擲骰訊息缺少序號，已忽略", "seq", msg.Attr(AttrSeq))
		return
	}

	// 重複的訊息也要回覆確認（上一次的確認可能遺失）
	ctx, cancel := context.WithTimeout(context.Background(), c.ackTimeout)
	defer cancel()
	if err := c.conv.Send(ctx, transport.NewMessage(ActionDiceAck, AttrSeq, msg.Attr(AttrSeq))); err != nil {
		c.logger.Warn("擲骰確認發送失敗", "seq", seq, "error", err)
	}

	c.mu.Lock()
	if _, dup := c.seen[seq]; dup {
		c.mu.Unlock()
		return
	}
	c.seen[seq] = struct{}{}
	fn := c.onDice
	if fn == nil {
		c.early = append(c.early, value)
	}
	c.mu.Unlock()

	c.logger.Info("收到對手擲骰", "value", value, "seq", seq)
	if fn != nil {
		fn(value)
	}
}

func (c *Client) onDiceAck(msg transport.Message) {
	seq, err := strconv.ParseUint(msg.Attr(AttrSeq), 10, 64)
	if err != nil {
		c.logger.Warn("無效的擲骰確認，已忽略", "seq", msg.Attr(AttrSeq))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if result, ok := c.pending[seq]; ok {
		result <- nil
		delete(c.pending, seq)
	}
}

// onUndeliverable 對手不在線，進行中的發送全部以 UNREACHABLE 結束
func (c *Client) onUndeliverable(msg transport.Message) {
	c.logger.Warn("對手不在線", "to", msg.Attr(transport.AttrTo))

	c.mu.Lock()
	defer c.mu.Unlock()
	for seq, result := range c.pending {
		result <- apperrors.New(apperrors.ErrCodeUnreachable, "對手不在線")
		delete(c.pending, seq)
	}
}
