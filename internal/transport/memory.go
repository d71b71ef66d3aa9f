package transport

import (
	"context"
	"fmt"
	"sync"
)

// MemoryHub 單一行程內的訊息網路（測試與本機示範用）
//
// 每個位址一個有緩衝的收件匣，由各自的 goroutine 依序投遞，
// 因此同一收件人看到的順序與發送順序一致。
type MemoryHub struct {
	mu     sync.RWMutex
	links  map[string]*MemoryLink
	filter func(from, to string, data []byte) bool
}

// NewMemoryHub 創建記憶體訊息網路
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{links: make(map[string]*MemoryLink)}
}

// Link 建立一條尚未撥號的連線
func (h *MemoryHub) Link() *MemoryLink {
	return &MemoryLink{hub: h}
}

// SetFilter 設定過濾函數，回傳 false 的訊息會被丟棄（模擬訊息遺失）
func (h *MemoryHub) SetFilter(f func(from, to string, data []byte) bool) {
	h.mu.Lock()
	h.filter = f
	h.mu.Unlock()
}

// Online 位址是否在線
func (h *MemoryHub) Online(address string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.links[address]
	return ok
}

// MemoryLink 記憶體連線
type MemoryLink struct {
	hub *MemoryHub

	mu        sync.Mutex
	address   string
	inbox     chan []byte
	done      chan struct{}
	closeOnce *sync.Once
}

// Dial 在 hub 上註冊位址
func (l *MemoryLink) Dial(ctx context.Context, address string, deliver func([]byte)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.hub.mu.Lock()
	if _, exists := l.hub.links[address]; exists {
		l.hub.mu.Unlock()
		return fmt.Errorf("位址已被使用: %s", address)
	}
	l.hub.links[address] = l

	l.mu.Lock()
	l.address = address
	l.inbox = make(chan []byte, 256)
	l.done = make(chan struct{})
	l.closeOnce = &sync.Once{}
	inbox, done := l.inbox, l.done
	l.mu.Unlock()
	l.hub.mu.Unlock()

	go func() {
		for {
			select {
			case data := <-inbox:
				deliver(data)
			case <-done:
				return
			}
		}
	}()

	return nil
}

// Publish 放入收件人的收件匣；收件人不在線時丟棄
func (l *MemoryLink) Publish(ctx context.Context, to string, data []byte) error {
	l.mu.Lock()
	from, done := l.address, l.done
	l.mu.Unlock()

	if done == nil {
		return fmt.Errorf("連線尚未建立")
	}
	select {
	case <-done:
		return fmt.Errorf("連線已關閉")
	default:
	}

	l.hub.mu.RLock()
	target := l.hub.links[to]
	filter := l.hub.filter
	l.hub.mu.RUnlock()

	if target == nil {
		return nil
	}
	if filter != nil && !filter(from, to, data) {
		return nil
	}

	target.mu.Lock()
	inbox, targetDone := target.inbox, target.done
	target.mu.Unlock()

	buf := make([]byte, len(data))
	copy(buf, data)

	select {
	case inbox <- buf:
		return nil
	case <-targetDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 從 hub 移除
func (l *MemoryLink) Close() error {
	l.mu.Lock()
	address, done, once := l.address, l.done, l.closeOnce
	l.mu.Unlock()

	if once == nil {
		return nil
	}

	once.Do(func() {
		l.hub.mu.Lock()
		if l.hub.links[address] == l {
			delete(l.hub.links, address)
		}
		l.hub.mu.Unlock()
		close(done)
	})
	return nil
}

// Done 連線中斷時關閉
func (l *MemoryLink) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return l.done
}
