package config

import (
	"fmt"
	"log/slog"

	"github.com/koopa0/system-design/14-battleship/internal/transport"
)

// NewLink 依 transport.kind 建立底層連線
//
// memory 只在同一個行程內有效，呼叫者需自行提供共用的 MemoryHub。
func (c *Config) NewLink(hub *transport.MemoryHub, logger *slog.Logger) (transport.Link, error) {
	switch c.Transport.Kind {
	case TransportWebSocket:
		return transport.NewWebSocketLink(c.Transport.RelayURL, logger), nil
	case TransportNATS:
		return transport.NewNATSLink(c.Transport.NATSURL, logger), nil
	case TransportMemory:
		if hub == nil {
			return nil, fmt.Errorf("memory transport 需要同一行程內的 MemoryHub")
		}
		return hub.Link(), nil
	default:
		return nil, fmt.Errorf("未知的 transport.kind %q", c.Transport.Kind)
	}
}
