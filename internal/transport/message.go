// Package transport 提供訊息網路的傳輸層。
//
// 系統設計問題：
//
//	對戰雙方與配對伺服器之間只靠「送訊息到某個位址」溝通，
//	如何把底層網路（WebSocket 中繼、NATS、記憶體）藏在同一個介面後面？
//
// 設計方案：
//
//	Link  - 底層連線：撥號、發送原始位元組、斷線通知
//	Client - 一個本端位址的連線，依發送者分派訊息到 Channel
//	Channel - 與單一對端位址的邏輯通道（Send / Listen / Lost）
//
// 所有訊息都是同一種信封：action 字串加上一組字串屬性。
package transport

import (
	"encoding/json"
	"fmt"
)

// 中繼節點回覆的控制訊息
const (
	// RelayAddress 中繼自身的位址（undeliverable 的發送者）
	RelayAddress = "relay"
	// ActionUndeliverable 目標不在線，AttrTo 為原目標
	ActionUndeliverable = "undeliverable"
	AttrTo              = "to"
)

// Message 訊息信封
type Message struct {
	From   string            `json:"from"`
	To     string            `json:"to"`
	Action string            `json:"action"`
	Attrs  map[string]string `json:"attrs,omitempty"`
}

// NewMessage 建立訊息，attrs 以 key, value 成對傳入
func NewMessage(action string, kv ...string) Message {
	msg := Message{Action: action}
	if len(kv) > 0 {
		msg.Attrs = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			msg.Attrs[kv[i]] = kv[i+1]
		}
	}
	return msg
}

// Attr 取得屬性，不存在時回傳空字串
func (m Message) Attr(key string) string {
	if m.Attrs == nil {
		return ""
	}
	return m.Attrs[key]
}

// Encode 序列化
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("序列化訊息失敗: %w", err)
	}
	return data, nil
}

// Decode 反序列化
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("解析訊息失敗: %w", err)
	}
	return m, nil
}

// Handler 訊息處理函數
type Handler func(Message)
