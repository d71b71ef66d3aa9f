// Package config 載入三個執行檔共用的設定。
//
// 讀取順序：預設值 → YAML 檔案 → 環境變數。
// 檔案中沒寫的欄位保留預設值；環境變數只覆蓋部署時常變動的幾項。
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/koopa0/system-design/14-battleship/internal/broker"
	"github.com/koopa0/system-design/14-battleship/internal/fleet"
	"github.com/koopa0/system-design/14-battleship/internal/matchmaking"
	"github.com/koopa0/system-design/14-battleship/internal/peer"
	"github.com/koopa0/system-design/14-battleship/pkg/logger"
	"gopkg.in/yaml.v3"
)

// 傳輸方式
const (
	TransportWebSocket = "websocket"
	TransportNATS      = "nats"
	TransportMemory    = "memory"
)

// 配對佇列與對局紀錄的儲存方式
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Config 整個應用的配置
type Config struct {
	// Address 本端在訊息網路上的位址
	Address string `yaml:"address"`

	Log logger.Config `yaml:"log"`

	Transport struct {
		Kind     string `yaml:"kind"`      // websocket, nats, memory
		RelayURL string `yaml:"relay_url"` // 例如 ws://localhost:8080/ws
		NATSURL  string `yaml:"nats_url"`
	} `yaml:"transport"`

	Relay struct {
		Port         int           `yaml:"port"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"relay"`

	Broker struct {
		broker.Config `yaml:",inline"`

		Port    int    `yaml:"port"`    // /health、/stats
		Store   string `yaml:"store"`   // memory, redis
		History string `yaml:"history"` // memory, postgres
	} `yaml:"broker"`

	Matchmaking struct {
		Broker       string        `yaml:"broker"` // 配對伺服器位址
		PingInterval time.Duration `yaml:"ping_interval"`
		SendTimeout  time.Duration `yaml:"send_timeout"`
		// AssignLinger 進入戰鬥後繼續回應重送 assign 的時間
		AssignLinger time.Duration `yaml:"assign_linger"`
	} `yaml:"matchmaking"`

	Game struct {
		BoardSize        int           `yaml:"board_size"`
		HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
		HandshakeRetries int           `yaml:"handshake_retries"`
		DiceAckTimeout   time.Duration `yaml:"dice_ack_timeout"`
		DiceRetries      uint64        `yaml:"dice_retries"`
	} `yaml:"game"`

	Redis struct {
		Addr         string        `yaml:"addr"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		MinIdleConns int           `yaml:"min_idle_conns"`
		MaxRetries   int           `yaml:"max_retries"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		Prefix       string        `yaml:"prefix"`
	} `yaml:"redis"`

	Postgres struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"`
		MaxConns int32  `yaml:"max_conns"`
		MinConns int32  `yaml:"min_conns"`
		// URL 有值時優先使用
		URL string `yaml:"url"`
	} `yaml:"postgres"`
}

// Default 預設配置
func Default() *Config {
	c := &Config{}

	c.Log = logger.Config{Level: "info", Format: "text"}

	c.Transport.Kind = TransportWebSocket
	c.Transport.RelayURL = "ws://localhost:8080/ws"
	c.Transport.NATSURL = "nats://localhost:4222"

	c.Relay.Port = 8080
	c.Relay.ReadTimeout = 15 * time.Second
	c.Relay.WriteTimeout = 15 * time.Second

	c.Broker.Config = broker.DefaultConfig()
	c.Broker.Port = 8081
	c.Broker.Store = StoreMemory
	c.Broker.History = StoreMemory

	c.Matchmaking.Broker = matchmaking.DefaultBrokerAddress
	c.Matchmaking.PingInterval = matchmaking.DefaultPingInterval
	c.Matchmaking.SendTimeout = matchmaking.DefaultSendTimeout
	// 涵蓋配對伺服器預設的全部重送
	c.Matchmaking.AssignLinger = c.Broker.AckTimeout * time.Duration(c.Broker.MaxAssignRetries+1)

	c.Game.BoardSize = fleet.DefaultBoardSize
	c.Game.HandshakeTimeout = 30 * time.Second
	c.Game.HandshakeRetries = 3
	c.Game.DiceAckTimeout = peer.DefaultAckTimeout
	c.Game.DiceRetries = peer.DefaultMaxRetries

	c.Redis.Addr = "localhost:6379"
	c.Redis.PoolSize = 10
	c.Redis.MinIdleConns = 2
	c.Redis.MaxRetries = 3
	c.Redis.ReadTimeout = 3 * time.Second
	c.Redis.WriteTimeout = 3 * time.Second
	c.Redis.Prefix = broker.DefaultRedisPrefix

	c.Postgres.Host = "localhost"
	c.Postgres.Port = 5432
	c.Postgres.User = "postgres"
	c.Postgres.Password = "postgres"
	c.Postgres.DBName = "battleship"
	c.Postgres.MaxConns = 10
	c.Postgres.MinConns = 2

	return c
}

// Load 載入配置檔案；path 為空時只使用預設值與環境變數
func Load(path string) (*Config, error) {
	c := Default()

	if path != "" {
		// #nosec G304 - path 來自命令列參數
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := c.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ApplyEnv 以環境變數覆蓋（生產環境常用）
//
// lookup 通常是 os.LookupEnv，測試時可以換成 map。
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("BATTLESHIP_ADDRESS"); ok && v != "" {
		c.Address = v
	}
	if v, ok := lookup("BATTLESHIP_RELAY_URL"); ok && v != "" {
		c.Transport.RelayURL = v
	}
	if v, ok := lookup("BATTLESHIP_TRANSPORT"); ok && v != "" {
		c.Transport.Kind = v
	}
	if v, ok := lookup("NATS_URL"); ok && v != "" {
		c.Transport.NATSURL = v
	}
	if v, ok := lookup("REDIS_ADDR"); ok && v != "" {
		c.Redis.Addr = v
	}
	if v, ok := lookup("DATABASE_URL"); ok && v != "" {
		c.Postgres.URL = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Log.Level = v
	}
	if v, ok := lookup("RELAY_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RELAY_PORT: %w", err)
		}
		c.Relay.Port = port
	}
	return nil
}

// Validate 檢查配置
func (c *Config) Validate() error {
	var errs []error

	switch c.Transport.Kind {
	case TransportWebSocket:
		if c.Transport.RelayURL == "" {
			errs = append(errs, errors.New("transport.relay_url 不能為空"))
		}
	case TransportNATS:
		if c.Transport.NATSURL == "" {
			errs = append(errs, errors.New("transport.nats_url 不能為空"))
		}
	case TransportMemory:
	default:
		errs = append(errs, fmt.Errorf("未知的 transport.kind %q", c.Transport.Kind))
	}

	switch c.Broker.Store {
	case StoreMemory, StoreRedis:
	default:
		errs = append(errs, fmt.Errorf("未知的 broker.store %q", c.Broker.Store))
	}
	switch c.Broker.History {
	case StoreMemory, StorePostgres:
	default:
		errs = append(errs, fmt.Errorf("未知的 broker.history %q", c.Broker.History))
	}

	if c.Game.BoardSize < 5 {
		errs = append(errs, fmt.Errorf("game.board_size 至少為 5，目前為 %d", c.Game.BoardSize))
	}
	if c.Relay.Port <= 0 || c.Relay.Port > 65535 {
		errs = append(errs, fmt.Errorf("relay.port 無效: %d", c.Relay.Port))
	}
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		errs = append(errs, fmt.Errorf("broker.port 無效: %d", c.Broker.Port))
	}

	return errors.Join(errs...)
}

// PostgresDSN 生成 PostgreSQL 連線字串
func (c *Config) PostgresDSN() string {
	if c.Postgres.URL != "" {
		return c.Postgres.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.DBName,
	)
}
