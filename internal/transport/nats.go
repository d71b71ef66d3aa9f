package transport

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix NATS 主題前綴，每個位址一個主題
const SubjectPrefix = "battleship."

// Subject 把位址轉成 NATS 主題
//
// NATS 主題以 "." 分段且 "*"、">" 是萬用字元，位址整段以十六進位編碼，
// 不同位址一定對應到不同主題。
func Subject(address string) string {
	return SubjectPrefix + hex.EncodeToString([]byte(address))
}

// NATSLink 透過 NATS core pub/sub 連線
//
// 連線選項：
//   - MaxReconnects(-1)：無限重連
//   - ReconnectWait(1s)：重連間隔
//   - PingInterval(20s)：心跳檢測
//
// 只有連線真正關閉（Close 或重連放棄）才會觸發 Done；
// 暫時斷線由 nats.go 自動重連處理。
type NATSLink struct {
	url    string
	logger *slog.Logger

	mu   sync.Mutex
	conn *nats.Conn
	sub  *nats.Subscription
	done chan struct{}
}

// NewNATSLink 創建 NATS 連線
func NewNATSLink(url string, logger *slog.Logger) *NATSLink {
	return &NATSLink{url: url, logger: logger}
}

// Dial 連線並訂閱本端位址的主題
func (l *NATSLink) Dial(ctx context.Context, address string, deliver func([]byte)) error {
	done := make(chan struct{})
	var closeOnce sync.Once

	opts := []nats.Option{
		nats.Name(address),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				l.logger.Warn("NATS 連線中斷，等待重連", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			l.logger.Info("NATS 已重新連線", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			closeOnce.Do(func() { close(done) })
		}),
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) > 0 {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}

	conn, err := nats.Connect(l.url, opts...)
	if err != nil {
		return fmt.Errorf("連接 NATS 失敗: %w", err)
	}

	// 同一訂閱的回呼依序執行，保證投遞順序
	sub, err := conn.Subscribe(Subject(address), func(m *nats.Msg) {
		deliver(m.Data)
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("訂閱主題失敗: %w", err)
	}
	if err := conn.Flush(); err != nil {
		conn.Close()
		return fmt.Errorf("確認訂閱失敗: %w", err)
	}

	l.mu.Lock()
	l.conn = conn
	l.sub = sub
	l.done = done
	l.mu.Unlock()

	return nil
}

// Publish 發佈到收件人的主題
func (l *NATSLink) Publish(ctx context.Context, to string, data []byte) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("連線尚未建立")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := conn.Publish(Subject(to), data); err != nil {
		return fmt.Errorf("發佈訊息失敗: %w", err)
	}
	return nil
}

// Close 取消訂閱並關閉連線
func (l *NATSLink) Close() error {
	l.mu.Lock()
	conn, sub := l.conn, l.sub
	l.mu.Unlock()

	if conn == nil {
		return nil
	}
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil && conn.IsConnected() {
			l.logger.Warn("取消訂閱失敗", "error", err)
		}
	}
	conn.Close()
	return nil
}

// Done 連線關閉時關閉
func (l *NATSLink) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return l.done
}
