package transport

import (
	"context"
	"sync"
)

// Channel 與單一對端位址的邏輯通道
type Channel struct {
	client *Client
	peer   string

	mu       sync.RWMutex
	handlers map[uint64]Handler
	nextID   uint64

	lost     chan struct{}
	lostOnce sync.Once
}

func newChannel(c *Client, peer string) *Channel {
	return &Channel{
		client:   c,
		peer:     peer,
		handlers: make(map[uint64]Handler),
		lost:     make(chan struct{}),
	}
}

// Peer 對端位址
func (ch *Channel) Peer() string {
	return ch.peer
}

// Send 發送訊息到對端
func (ch *Channel) Send(ctx context.Context, msg Message) error {
	msg.To = ch.peer
	return ch.client.Send(ctx, msg)
}

// Listen 註冊訊息處理函數，回傳的函數用於取消註冊
//
// 同一則訊息會交給所有已註冊的處理函數，依註冊順序無保證。
func (ch *Channel) Listen(h Handler) (remove func()) {
	ch.mu.Lock()
	id := ch.nextID
	ch.nextID++
	ch.handlers[id] = h
	ch.mu.Unlock()

	return func() {
		ch.mu.Lock()
		delete(ch.handlers, id)
		ch.mu.Unlock()
	}
}

// Lost 通道中斷時關閉
func (ch *Channel) Lost() <-chan struct{} {
	return ch.lost
}

func (ch *Channel) dispatch(msg Message) {
	ch.mu.RLock()
	handlers := make([]Handler, 0, len(ch.handlers))
	for _, h := range ch.handlers {
		handlers = append(handlers, h)
	}
	ch.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
}

func (ch *Channel) markLost() {
	ch.lostOnce.Do(func() {
		close(ch.lost)
	})
}
