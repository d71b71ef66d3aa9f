package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// WebSocketLink 透過中繼伺服器（relay）連線
//
// 心跳機制與中繼端相同：每 54 秒送 Ping，60 秒內沒收到任何訊息
// （包括 Pong）就視為斷線。寫入只在 writePump 中進行。
type WebSocketLink struct {
	relayURL string
	dialer   *websocket.Dialer
	logger   *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce *sync.Once
}

// NewWebSocketLink 創建 WebSocket 連線，relayURL 例如 ws://localhost:8080/ws
func NewWebSocketLink(relayURL string, logger *slog.Logger) *WebSocketLink {
	return &WebSocketLink{
		relayURL: relayURL,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		logger: logger,
	}
}

// Dial 連線到中繼伺服器並註冊位址
func (l *WebSocketLink) Dial(ctx context.Context, address string, deliver func([]byte)) error {
	u, err := url.Parse(l.relayURL)
	if err != nil {
		return fmt.Errorf("無效的中繼位址: %w", err)
	}
	q := u.Query()
	q.Set("address", address)
	u.RawQuery = q.Encode()

	conn, resp, err := l.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("連線中繼伺服器失敗 (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("連線中繼伺服器失敗: %w", err)
	}

	l.mu.Lock()
	l.conn = conn
	l.send = make(chan []byte, sendBuffer)
	l.done = make(chan struct{})
	l.closeOnce = &sync.Once{}
	send, done, once := l.send, l.done, l.closeOnce
	l.mu.Unlock()

	shutdown := func() {
		once.Do(func() {
			close(done)
			conn.Close()
		})
	}

	go l.writePump(conn, send, done, shutdown)
	go l.readPump(conn, deliver, shutdown)

	return nil
}

// Publish 放入發送佇列
func (l *WebSocketLink) Publish(ctx context.Context, to string, data []byte) error {
	l.mu.Lock()
	send, done := l.send, l.done
	l.mu.Unlock()

	if send == nil {
		return fmt.Errorf("連線尚未建立")
	}

	select {
	case <-done:
		return fmt.Errorf("連線已關閉")
	default:
	}

	select {
	case send <- data:
		return nil
	case <-done:
		return fmt.Errorf("連線已關閉")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 關閉連線
func (l *WebSocketLink) Close() error {
	l.mu.Lock()
	conn, done, once := l.conn, l.done, l.closeOnce
	l.mu.Unlock()

	if once == nil {
		return nil
	}

	once.Do(func() {
		// 嘗試送出關閉訊息，忽略錯誤（連線可能已斷）
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		close(done)
		conn.Close()
	})
	return nil
}

// Done 連線中斷時關閉
func (l *WebSocketLink) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return l.done
}

func (l *WebSocketLink) readPump(conn *websocket.Conn, deliver func([]byte), shutdown func()) {
	defer shutdown()

	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		l.logger.Error("設置讀取期限失敗", "error", err)
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				l.logger.Warn("WebSocket 讀取錯誤", "error", err)
			}
			return
		}
		if messageType == websocket.TextMessage {
			deliver(message)
		}
	}
}

func (l *WebSocketLink) writePump(conn *websocket.Conn, send <-chan []byte, done <-chan struct{}, shutdown func()) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		shutdown()
	}()

	for {
		select {
		case message := <-send:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				l.logger.Error("設置寫入期限失敗", "error", err)
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				l.logger.Warn("發送訊息失敗", "error", err)
				return
			}

		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				l.logger.Error("設置寫入期限失敗", "error", err)
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			return
		}
	}
}
