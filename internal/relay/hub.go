// Package relay 提供訊息網路的中繼節點。
//
// 系統設計問題：
//
//	客戶端與配對伺服器各自只有一個位址，彼此不知道對方在哪台機器，
//	如何讓「送訊息到某個位址」在 WebSocket 上成立？
//
// 設計方案：
//
//	Hub 模式 - 集中管理 address -> Connection
//	每個連線一組 readPump / writePump，寫入只在 writePump 進行
//	收到的信封蓋上發送者位址後轉送給 To；找不到目標就回一封 undeliverable
package relay

import (
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koopa0/system-design/14-battleship/internal/transport"
)

// 中繼的控制訊息，與 transport 共用定義
const (
	Address             = transport.RelayAddress
	ActionUndeliverable = transport.ActionUndeliverable
	AttrTo              = transport.AttrTo
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// Hub WebSocket 連線中心
//
// 系統設計考量：
//
//  1. 連線映射：map[address]*Connection
//     同一位址重新連線時取代舊連線（多設備登入以最後一個為準）
//
//  2. 並發安全：RWMutex
//     轉送頻繁（讀鎖），註冊/註銷少（寫鎖）
//
//  3. 慢客戶端：發送緩衝區滿時丟棄並記錄，不阻塞其他連線
type Hub struct {
	logger      *slog.Logger
	upgrader    websocket.Upgrader
	connections map[string]*Connection
	mu          sync.RWMutex

	routed        atomic.Int64
	undeliverable atomic.Int64
	dropped       atomic.Int64
}

// Connection 單一位址的連線
type Connection struct {
	Address   string
	Conn      *websocket.Conn
	Send      chan []byte
	Hub       *Hub
	LastPing  time.Time
	mu        sync.Mutex
	closeOnce sync.Once
}

// NewHub 創建中繼 Hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 客戶端不是瀏覽器，不檢查來源
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		connections: make(map[string]*Connection),
	}
}

// ServeWS 處理 WebSocket 連線，GET /ws?address=<addr>
func (hub *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if address == "" {
		http.Error(w, "缺少位址", http.StatusBadRequest)
		return
	}
	if address == Address {
		http.Error(w, "保留位址", http.StatusBadRequest)
		return
	}

	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	c := &Connection{
		Address:  address,
		Conn:     conn,
		Send:     make(chan []byte, sendBuffer),
		Hub:      hub,
		LastPing: time.Now(),
	}
	hub.register(c)

	go c.writePump()
	go c.readPump()

	hub.logger.Info("WebSocket 連線建立", "address", address)
}

// register 註冊連線，關閉同位址的舊連線
func (hub *Hub) register(c *Connection) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if old, exists := hub.connections[c.Address]; exists {
		old.close()
		hub.logger.Info("取代舊連線", "address", c.Address)
	}
	hub.connections[c.Address] = c
}

// unregister 取消註冊，只移除仍是自己的那筆
func (hub *Hub) unregister(c *Connection) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if actual, exists := hub.connections[c.Address]; exists && actual == c {
		delete(hub.connections, c.Address)
	}
	c.closeOnce.Do(func() {
		close(c.Send)
	})
}

// route 轉送信封
func (hub *Hub) route(from *Connection, msg transport.Message) {
	msg.From = from.Address

	hub.mu.RLock()
	target, ok := hub.connections[msg.To]
	hub.mu.RUnlock()

	if !ok {
		hub.undeliverable.Add(1)
		hub.logger.Debug("目標不在線", "from", from.Address, "to", msg.To, "action", msg.Action)
		reply := transport.NewMessage(ActionUndeliverable, AttrTo, msg.To)
		reply.From = Address
		reply.To = from.Address
		hub.enqueue(from, reply)
		return
	}

	hub.routed.Add(1)
	hub.enqueue(target, msg)
}

// enqueue 放入發送緩衝區（非阻塞）
func (hub *Hub) enqueue(c *Connection, msg transport.Message) {
	data, err := transport.Encode(msg)
	if err != nil {
		hub.logger.Error("序列化訊息失敗", "error", err)
		return
	}

	// 讀鎖保護：unregister 關閉 Send 時持有寫鎖
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	if hub.connections[c.Address] != c {
		hub.dropped.Add(1)
		return
	}
	select {
	case c.Send <- data:
	default:
		hub.dropped.Add(1)
		hub.logger.Warn("連線緩衝區滿", "address", c.Address, "action", msg.Action)
	}
}

// Disconnect 斷開某個位址
func (hub *Hub) Disconnect(address string) bool {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	c, exists := hub.connections[address]
	if !exists {
		return false
	}
	c.close()
	delete(hub.connections, address)
	return true
}

// Online 位址是否在線
func (hub *Hub) Online(address string) bool {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	_, ok := hub.connections[address]
	return ok
}

// ConnectionCount 連線數
func (hub *Hub) ConnectionCount() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.connections)
}

// Stats 統計資訊
func (hub *Hub) Stats() map[string]any {
	return map[string]any{
		"connections":   hub.ConnectionCount(),
		"routed":        hub.routed.Load(),
		"undeliverable": hub.undeliverable.Load(),
		"dropped":       hub.dropped.Load(),
	}
}

// Stop 關閉所有連線
func (hub *Hub) Stop() {
	hub.mu.Lock()
	for _, c := range hub.connections {
		c.close()
	}
	hub.connections = make(map[string]*Connection)
	hub.mu.Unlock()

	hub.logger.Info("中繼 Hub 已停止")
}

// close 先關閉 Send channel，再關閉連線（呼叫者持有 hub 寫鎖）
func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.Send)
	})
	c.Conn.Close()
}

// readPump 讀取客戶端訊息
//
// 60 秒內沒有收到任何訊息（包括 Pong）就關閉連線，
// 配合 writePump 每 54 秒一次的 Ping。
func (c *Connection) readPump() {
	defer func() {
		c.Hub.unregister(c)
		c.Conn.Close()
	}()

	if err := c.Conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.Hub.logger.Error("設置讀取期限失敗", "error", err)
	}
	c.Conn.SetPongHandler(func(string) error {
		if err := c.Conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.Hub.logger.Error("設置讀取期限失敗", "error", err)
		}
		c.mu.Lock()
		c.LastPing = time.Now()
		c.mu.Unlock()
		return nil
	})

	for {
		messageType, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.Hub.logger.Error("WebSocket 讀取錯誤", "error", err, "address", c.Address)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		msg, err := transport.Decode(data)
		if err != nil {
			c.Hub.logger.Warn("丟棄無法解析的訊息", "error", err, "address", c.Address)
			continue
		}
		if msg.To == "" {
			c.Hub.logger.Debug("丟棄沒有目標的訊息", "address", c.Address)
			continue
		}
		c.Hub.route(c, msg)
	}
}

// writePump 寫入訊息到客戶端，並定時送 Ping
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.Hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if !ok {
				// Hub 關閉了通道，嘗試送出關閉訊息，忽略錯誤
				_ = c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// 批量送出佇列中已有的訊息
			n := len(c.Send)
			for i := 0; i < n; i++ {
				next, ok := <-c.Send
				if !ok {
					return
				}
				if err := c.Conn.WriteMessage(websocket.TextMessage, next); err != nil {
					c.Hub.logger.Error("發送訊息失敗", "error", err, "address", c.Address)
					return
				}
			}

		case <-ticker.C:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.Hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
