package transport

import (
	"context"
	"log/slog"
	"sync"

	apperrors "github.com/koopa0/system-design/14-battleship/pkg/errors"
)

// Link 底層連線
//
// Dial 之後，每一則送到本端位址的訊息都會依到達順序呼叫 deliver，
// 同一時間只有一個 deliver 在執行。Done 在連線中斷（包含 Close）後關閉。
// Close 之後可以再次 Dial。
type Link interface {
	Dial(ctx context.Context, address string, deliver func([]byte)) error
	Publish(ctx context.Context, to string, data []byte) error
	Close() error
	Done() <-chan struct{}
}

// Client 訊息網路客戶端
//
// 系統設計考量：
//
//  1. 依發送者分派：
//     每個對端位址對應一個 Channel，收到的訊息依 From 找到 Channel，
//     沒有對應 Channel 的訊息交給 unsolicited handler（配對伺服器用）。
//     中繼回覆的 undeliverable{to} 交給通往 to 的 Channel。
//
//  2. 斷線通知：
//     監看 Link.Done，斷線時關閉所有 Channel 的 Lost 通道。
//     以 generation 區分新舊連線，避免舊連線的通知誤傷新連線。
type Client struct {
	link   Link
	logger *slog.Logger

	mu          sync.RWMutex
	address     string
	connected   bool
	dialing     bool
	generation  uint64
	channels    map[string]*Channel
	unsolicited Handler
}

// NewClient 創建客戶端
func NewClient(link Link, logger *slog.Logger) *Client {
	return &Client{
		link:     link,
		logger:   logger,
		channels: make(map[string]*Channel),
	}
}

// Connect 以指定位址連線
//
// 已連線時回傳 ErrAlreadyConnected；底層撥號失敗回傳 UNREACHABLE。
func (c *Client) Connect(ctx context.Context, address string) error {
	if address == "" {
		return apperrors.ErrInvalidInput.WithDetails("address")
	}

	c.mu.Lock()
	if c.connected || c.dialing {
		c.mu.Unlock()
		return apperrors.ErrAlreadyConnected
	}
	c.dialing = true
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	if err := c.link.Dial(ctx, address, c.deliver); err != nil {
		c.mu.Lock()
		c.dialing = false
		c.mu.Unlock()
		c.logger.Warn("連線失敗", "address", address, "error", err)
		return apperrors.Wrap(err, apperrors.ErrCodeUnreachable, "無法連線到伺服器")
	}

	c.mu.Lock()
	c.dialing = false
	c.address = address
	c.connected = true
	c.mu.Unlock()

	go c.watch(gen, c.link.Done())

	c.logger.Info("已連線", "address", address)
	return nil
}

// Disconnect 中斷連線，返回時所有 Channel 都已標記中斷
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return apperrors.ErrNotConnected
	}
	c.connected = false
	c.generation++
	channels := c.channels
	c.channels = make(map[string]*Channel)
	c.mu.Unlock()

	err := c.link.Close()
	for _, ch := range channels {
		ch.markLost()
	}
	return err
}

// Connected 是否已連線
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Address 本端位址
func (c *Client) Address() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.address
}

// Channel 取得與對端位址的通道（同一位址重複呼叫回傳同一個）
func (c *Client) Channel(peer string) (*Channel, error) {
	if peer == "" {
		return nil, apperrors.ErrInvalidInput.WithDetails("peer")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil, apperrors.ErrNotConnected
	}
	if ch, ok := c.channels[peer]; ok {
		return ch, nil
	}
	ch := newChannel(c, peer)
	c.channels[peer] = ch
	return ch, nil
}

// HandleUnsolicited 設定處理未知發送者訊息的函數
func (c *Client) HandleUnsolicited(h Handler) {
	c.mu.Lock()
	c.unsolicited = h
	c.mu.Unlock()
}

// Send 直接發送訊息到 msg.To（不經過 Channel）
func (c *Client) Send(ctx context.Context, msg Message) error {
	c.mu.RLock()
	connected := c.connected
	msg.From = c.address
	c.mu.RUnlock()

	if !connected {
		return apperrors.ErrNotConnected
	}

	data, err := Encode(msg)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeSendFailed, "訊息發送失敗")
	}
	if err := c.link.Publish(ctx, msg.To, data); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeSendFailed, "訊息發送失敗")
	}
	return nil
}

// deliver 由 Link 呼叫，依發送者分派
func (c *Client) deliver(data []byte) {
	msg, err := Decode(data)
	if err != nil {
		c.logger.Warn("收到無法解析的訊息，已丟棄", "error", err, "size", len(data))
		return
	}

	// 中繼回報目標不在線：交給通往該目標的 Channel，讓發送端提早失敗
	key := msg.From
	if msg.From == RelayAddress && msg.Action == ActionUndeliverable {
		key = msg.Attr(AttrTo)
		c.logger.Debug("目標不在線", "to", key)
	}

	c.mu.RLock()
	ch := c.channels[key]
	unsolicited := c.unsolicited
	c.mu.RUnlock()

	switch {
	case ch != nil:
		ch.dispatch(msg)
	case unsolicited != nil:
		unsolicited(msg)
	default:
		c.logger.Debug("收到未知發送者的訊息，已丟棄",
			"from", msg.From,
			"action", msg.Action)
	}
}

// watch 等待連線中斷
func (c *Client) watch(gen uint64, done <-chan struct{}) {
	<-done

	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	c.connected = false
	channels := c.channels
	c.channels = make(map[string]*Channel)
	address := c.address
	c.mu.Unlock()

	for _, ch := range channels {
		ch.markLost()
	}

	c.logger.Info("連線已中斷", "address", address)
}
