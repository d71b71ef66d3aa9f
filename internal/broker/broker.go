// Package broker 實作配對伺服器。
package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/koopa0/system-design/14-battleship/internal/history"
	"github.com/koopa0/system-design/14-battleship/internal/matchmaking"
	"github.com/koopa0/system-design/14-battleship/internal/transport"
)

// 系統設計問題：
//   客戶端隨時可能離線、訊息可能遺失，配對伺服器如何確保
//   「兩個人都知道自己被配對了」？
//
// 核心挑戰：
//   1. 存活偵測：排隊中的客戶端靠 ping 續期，逾時移出佇列
//   2. 公平性：永遠配對排隊最久的兩個人
//   3. 可靠通知：assign 需要雙方確認，遺失時重送
//   4. 可擴展：佇列可以放在 Redis，多個配對伺服器共用
//
// 設計方案：
//   ✅ Store 介面 - 記憶體或 Redis（Lua 腳本保證原子性）
//   ✅ 確認追蹤 - 未確認的 assign 定期重送，次數用盡放棄對局
//   ✅ 背景 goroutine - 清理、重送、ping 與請求處理分開
//   ✅ 對局紀錄 - 寫入 history.Recorder

// Messenger 配對伺服器使用的訊息網路（*transport.Client 即符合）
type Messenger interface {
	Send(ctx context.Context, msg transport.Message) error
	HandleUnsolicited(h transport.Handler)
}

// Config 配對伺服器設定
type Config struct {
	TTL              time.Duration `yaml:"ttl"`                // 排隊紀錄未續期多久後移除
	PingInterval     time.Duration `yaml:"ping_interval"`      // 主動 ping 排隊中客戶端的間隔
	AckTimeout       time.Duration `yaml:"ack_timeout"`        // assign 等待確認的時間
	MaxAssignRetries int           `yaml:"max_assign_retries"` // assign 最多重送次數
	SweepInterval    time.Duration `yaml:"sweep_interval"`     // 清理與重送的檢查間隔
	SendTimeout      time.Duration `yaml:"send_timeout"`
}

// DefaultConfig 預設設定
func DefaultConfig() Config {
	return Config{
		TTL:              60 * time.Second,
		PingInterval:     matchmaking.DefaultPingInterval,
		AckTimeout:       5 * time.Second,
		MaxAssignRetries: 3,
		SweepInterval:    time.Second,
		SendTimeout:      matchmaking.DefaultSendTimeout,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TTL <= 0 {
		c.TTL = d.TTL
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.MaxAssignRetries < 0 {
		c.MaxAssignRetries = 0
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	return c
}

// pendingMatch 等待雙方確認的對局
type pendingMatch struct {
	id        string
	players   [2]Entry
	acked     [2]bool
	attempts  int // 已重送次數
	lastSent  time.Time
	createdAt time.Time
}

func (m *pendingMatch) opponentOf(i int) string {
	return m.players[1-i].Address
}

func (m *pendingMatch) indexOf(address string) int {
	for i, p := range m.players {
		if p.Address == address {
			return i
		}
	}
	return -1
}

// Broker 配對伺服器
//
// 系統設計考量：
//
//  1. 佇列在 Store：
//     排隊紀錄（含最後活動時間）只存在 Store，Broker 不另外快取。
//     換成 RedisStore 後，重啟配對伺服器不會遺失排隊中的客戶端。
//
//  2. 對局在記憶體：
//     等待確認的對局只在本機追蹤，重送 assign 必須由送出的那台負責。
//
//  3. 冪等：
//     同一位址重複 queue 回傳同一個排隊 ID；
//     重複的確認只計一次。
//
//  4. 過期後的 ping：
//     帶著未知排隊 ID 的 ping 視為重新排隊，回覆新的 success，
//     客戶端不會停在「以為自己還在排隊」的狀態。
type Broker struct {
	net      Messenger
	store    Store
	recorder history.Recorder
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingMatch // matchID -> match
	stats   counters

	pairMu sync.Mutex // 同一時間只有一個配對流程

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type counters struct {
	queued    int64
	matched   int64
	confirmed int64
	abandoned int64
	expired   int64
}

// Option 設定選項
type Option func(*Broker)

// WithClock 自訂時間來源（測試用）
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// New 創建配對伺服器並開始處理訊息
func New(net Messenger, store Store, recorder history.Recorder, cfg Config, logger *slog.Logger, opts ...Option) *Broker {
	if recorder == nil {
		recorder = history.NewMemoryRecorder()
	}
	b := &Broker{
		net:      net,
		store:    store,
		recorder: recorder,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		now:      time.Now,
		pending:  make(map[string]*pendingMatch),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	net.HandleUnsolicited(b.handle)

	b.wg.Add(2)
	go b.sweepLoop()
	go b.pingLoop()

	return b
}

// handle 依 action 分派客戶端訊息
func (b *Broker) handle(msg transport.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.SendTimeout)
	defer cancel()

	switch msg.Action {
	case matchmaking.ActionQueue:
		b.onQueue(ctx, msg.From)
	case matchmaking.ActionPing:
		b.onPing(ctx, msg.From, msg.Attr(matchmaking.AttrID))
	case matchmaking.ActionAssign:
		b.onAck(ctx, msg.From, msg.Attr(matchmaking.AttrMatch))
	case transport.ActionUndeliverable:
		b.logger.Debug("客戶端不在線", "address", msg.Attr(transport.AttrTo))
	default:
		b.logger.Warn("無法解析的請求，已忽略", "from", msg.From, "action", msg.Action)
	}
}

func (b *Broker) onQueue(ctx context.Context, from string) {
	if from == "" {
		return
	}
	now := b.now()

	entry, created, err := b.store.Enqueue(ctx, Entry{
		ID:       uuid.NewString(),
		Address:  from,
		QueuedAt: now,
		LastSeen: now,
	})
	if err != nil {
		b.logger.Error("加入佇列失敗", "address", from, "error", err)
		return
	}

	if created {
		b.mu.Lock()
		b.stats.queued++
		b.mu.Unlock()
		b.logger.Info("客戶端加入佇列", "address", from, "queue_id", entry.ID)
	} else {
		// 重複的 queue 也算一次活動
		if _, err := b.store.Touch(ctx, entry.ID, now); err != nil {
			b.logger.Warn("更新活動時間失敗", "queue_id", entry.ID, "error", err)
		}
		b.logger.Debug("重複排隊，回傳既有 ID", "address", from, "queue_id", entry.ID)
	}

	b.send(ctx, from, transport.NewMessage(matchmaking.ActionSuccess, matchmaking.AttrID, entry.ID))
	b.Pair(ctx)
}

func (b *Broker) onPing(ctx context.Context, from, id string) {
	if id == "" {
		b.logger.Debug("ping 缺少排隊 ID", "from", from)
		return
	}
	ok, err := b.store.Touch(ctx, id, b.now())
	if err != nil {
		b.logger.Warn("更新活動時間失敗", "queue_id", id, "error", err)
		return
	}
	if ok {
		return
	}

	// 已配對的客戶端可能還有一個 ping 在路上
	if b.inPendingMatch(from) {
		b.logger.Debug("已配對客戶端的 ping，已忽略", "from", from, "queue_id", id)
		return
	}

	// 排隊已過期（或配對伺服器重啟）：重新加入佇列，success 帶回新的 ID
	b.logger.Info("未知的排隊 ID，重新加入佇列", "from", from, "queue_id", id)
	b.onQueue(ctx, from)
}

func (b *Broker) inPendingMatch(address string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.pending {
		if m.indexOf(address) >= 0 {
			return true
		}
	}
	return false
}

func (b *Broker) onAck(ctx context.Context, from, matchID string) {
	b.mu.Lock()
	m, ok := b.pending[matchID]
	if !ok {
		b.mu.Unlock()
		b.logger.Debug("確認的對局不存在或已完成", "from", from, "mid", matchID)
		return
	}
	i := m.indexOf(from)
	if i < 0 {
		b.mu.Unlock()
		b.logger.Warn("非對局成員的確認，已忽略", "from", from, "mid", matchID)
		return
	}
	m.acked[i] = true
	done := m.acked[0] && m.acked[1]
	if done {
		delete(b.pending, matchID)
		b.stats.confirmed++
	}
	b.mu.Unlock()

	if !done {
		return
	}
	b.logger.Info("對局已確認",
		"mid", matchID,
		"player_a", m.players[0].Address,
		"player_b", m.players[1].Address)
	if err := b.recorder.UpdateStatus(ctx, matchID, history.StatusConfirmed); err != nil {
		b.logger.Warn("更新對局紀錄失敗", "mid", matchID, "error", err)
	}
}

// Pair 配對佇列中等待最久的客戶端，直到不足兩人
func (b *Broker) Pair(ctx context.Context) {
	b.pairMu.Lock()
	defer b.pairMu.Unlock()

	for {
		first, second, ok, err := b.store.PopPair(ctx)
		if err != nil {
			b.logger.Error("取出配對失敗", "error", err)
			return
		}
		if !ok {
			return
		}

		now := b.now()
		m := &pendingMatch{
			id:        uuid.NewString(),
			players:   [2]Entry{first, second},
			lastSent:  now,
			createdAt: now,
		}

		b.mu.Lock()
		b.pending[m.id] = m
		b.stats.matched++
		b.mu.Unlock()

		b.logger.Info("配對成功",
			"mid", m.id,
			"player_a", first.Address,
			"player_b", second.Address,
			"waited", now.Sub(first.QueuedAt).String())

		if err := b.recorder.Record(ctx, history.Match{
			ID:      m.id,
			PlayerA: first.Address,
			PlayerB: second.Address,
			Status:  history.StatusAssigned,
		}); err != nil {
			b.logger.Warn("寫入對局紀錄失敗", "mid", m.id, "error", err)
		}

		for i := range m.players {
			b.sendAssign(ctx, m, i)
		}
	}
}

func (b *Broker) sendAssign(ctx context.Context, m *pendingMatch, i int) {
	b.send(ctx, m.players[i].Address, transport.NewMessage(matchmaking.ActionAssign,
		matchmaking.AttrOpponent, m.opponentOf(i),
		matchmaking.AttrMatch, m.id))
}

func (b *Broker) send(ctx context.Context, to string, msg transport.Message) {
	msg.To = to
	if err := b.net.Send(ctx, msg); err != nil {
		b.logger.Warn("訊息發送失敗", "to", to, "action", msg.Action, "error", err)
	}
}

// sweepLoop 定期清理過期排隊與重送 assign
func (b *Broker) sweepLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Sweep(context.Background())
		case <-b.stopCh:
			return
		}
	}
}

// Sweep 執行一次清理與重送（公開方法供測試使用）
func (b *Broker) Sweep(ctx context.Context) {
	b.expireEntries(ctx)
	b.resendAssigns(ctx)
}

func (b *Broker) expireEntries(ctx context.Context) {
	entries, err := b.store.List(ctx)
	if err != nil {
		b.logger.Error("讀取佇列失敗", "error", err)
		return
	}

	cutoff := b.now().Add(-b.cfg.TTL)
	for _, e := range entries {
		if !e.LastSeen.Before(cutoff) {
			continue
		}
		removed, err := b.store.Remove(ctx, e.ID)
		if err != nil {
			b.logger.Warn("移除過期排隊失敗", "queue_id", e.ID, "error", err)
			continue
		}
		if removed {
			b.mu.Lock()
			b.stats.expired++
			b.mu.Unlock()
			b.logger.Info("排隊已過期清理", "address", e.Address, "queue_id", e.ID)
		}
	}
}

func (b *Broker) resendAssigns(ctx context.Context) {
	now := b.now()

	type resend struct {
		m       *pendingMatch
		attempt int
		players []int
	}
	var (
		toResend  []resend
		abandoned []*pendingMatch
	)

	b.mu.Lock()
	for id, m := range b.pending {
		if now.Sub(m.lastSent) < b.cfg.AckTimeout {
			continue
		}
		if m.attempts >= b.cfg.MaxAssignRetries {
			delete(b.pending, id)
			b.stats.abandoned++
			abandoned = append(abandoned, m)
			continue
		}
		m.attempts++
		m.lastSent = now
		r := resend{m: m, attempt: m.attempts}
		for i, acked := range m.acked {
			if !acked {
				r.players = append(r.players, i)
			}
		}
		toResend = append(toResend, r)
	}
	b.mu.Unlock()

	for _, r := range toResend {
		b.logger.Debug("重送 assign", "mid", r.m.id, "attempt", r.attempt)
		for _, i := range r.players {
			b.sendAssign(ctx, r.m, i)
		}
	}
	for _, m := range abandoned {
		b.logger.Warn("對局確認逾時，已放棄",
			"mid", m.id,
			"player_a", m.players[0].Address,
			"player_b", m.players[1].Address,
			"acked", m.acked,
			"age", now.Sub(m.createdAt).String())
		if err := b.recorder.UpdateStatus(ctx, m.id, history.StatusAbandoned); err != nil {
			b.logger.Warn("更新對局紀錄失敗", "mid", m.id, "error", err)
		}
	}
}

// pingLoop 定期 ping 排隊中的客戶端
func (b *Broker) pingLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.PingWaiting(context.Background())
		case <-b.stopCh:
			return
		}
	}
}

// PingWaiting ping 所有排隊中的客戶端
func (b *Broker) PingWaiting(ctx context.Context) {
	entries, err := b.store.List(ctx)
	if err != nil {
		b.logger.Error("讀取佇列失敗", "error", err)
		return
	}
	for _, e := range entries {
		sendCtx, cancel := context.WithTimeout(ctx, b.cfg.SendTimeout)
		b.send(sendCtx, e.Address, transport.NewMessage(matchmaking.ActionPing))
		cancel()
	}
}

// Waiting 佇列中的客戶端
func (b *Broker) Waiting(ctx context.Context) ([]Entry, error) {
	return b.store.List(ctx)
}

// Stop 停止背景工作
func (b *Broker) Stop() {
	close(b.stopCh)
	b.wg.Wait()

	b.mu.Lock()
	pending := len(b.pending)
	b.mu.Unlock()

	b.logger.Info("配對伺服器已停止", "pending_matches", pending)
}

// Stats 獲取統計資訊
func (b *Broker) Stats(ctx context.Context) map[string]any {
	waiting := 0
	if entries, err := b.store.List(ctx); err == nil {
		waiting = len(entries)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	awaitingAcks := 0
	for _, m := range b.pending {
		for _, acked := range m.acked {
			if !acked {
				awaitingAcks++
			}
		}
	}

	return map[string]any{
		"waiting":         waiting,
		"pending_matches": len(b.pending),
		"awaiting_acks":   awaitingAcks,
		"total_queued":    b.stats.queued,
		"total_matched":   b.stats.matched,
		"total_confirmed": b.stats.confirmed,
		"total_abandoned": b.stats.abandoned,
		"total_expired":   b.stats.expired,
	}
}
