// Package history 記錄配對伺服器產生的對局。
//
// 配對伺服器送出 assign 時寫入一筆 assigned，
// 雙方都確認後改為 confirmed，重送用盡則標記 abandoned。
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Status 對局紀錄狀態
type Status string

const (
	StatusAssigned  Status = "assigned"  // 已送出 assign，等待雙方確認
	StatusConfirmed Status = "confirmed" // 雙方都已確認
	StatusAbandoned Status = "abandoned" // 確認逾時，放棄
)

// ErrNotFound 找不到對局紀錄
var ErrNotFound = errors.New("對局紀錄不存在")

// Match 對局紀錄
type Match struct {
	ID        string    `json:"id"`
	PlayerA   string    `json:"player_a"`
	PlayerB   string    `json:"player_b"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Recorder 對局紀錄儲存
type Recorder interface {
	Record(ctx context.Context, m Match) error
	UpdateStatus(ctx context.Context, id string, status Status) error
	Get(ctx context.Context, id string) (Match, error)
	Recent(ctx context.Context, limit int) ([]Match, error)
}

// MemoryRecorder 記憶體版本（單機與測試用）
type MemoryRecorder struct {
	mu      sync.RWMutex
	matches map[string]Match
}

// NewMemoryRecorder 創建記憶體紀錄
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{matches: make(map[string]Match)}
}

func (r *MemoryRecorder) Record(_ context.Context, m Match) error {
	now := time.Now()
	if m.Status == "" {
		m.Status = StatusAssigned
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.matches[m.ID]; exists {
		return fmt.Errorf("對局紀錄已存在: %s", m.ID)
	}
	r.matches[m.ID] = m
	return nil
}

func (r *MemoryRecorder) UpdateStatus(_ context.Context, id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.matches[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	m.Status = status
	m.UpdatedAt = time.Now()
	r.matches[id] = m
	return nil
}

func (r *MemoryRecorder) Get(_ context.Context, id string) (Match, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.matches[id]
	if !ok {
		return Match{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m, nil
}

// Recent 依建立時間由新到舊
func (r *MemoryRecorder) Recent(_ context.Context, limit int) ([]Match, error) {
	r.mu.RLock()
	out := make([]Match, 0, len(r.matches))
	for _, m := range r.matches {
		out = append(out, m)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Match) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PostgresRecorder PostgreSQL 版本
//
// 資料表由 Migrator 建立，本身不執行 DDL。
type PostgresRecorder struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresRecorder 創建 PostgreSQL 紀錄
func NewPostgresRecorder(pool *pgxpool.Pool, logger *slog.Logger) *PostgresRecorder {
	return &PostgresRecorder{pool: pool, logger: logger}
}

// PoolLimits 連線池大小，零值使用預設（10 / 2）
type PoolLimits struct {
	MaxConns int32
	MinConns int32
}

// Connect 依連線字串建立連線池並確認可連線
func Connect(ctx context.Context, dsn string, limits PoolLimits) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	config.MaxConns = 10
	config.MinConns = 2
	if limits.MaxConns > 0 {
		config.MaxConns = limits.MaxConns
	}
	if limits.MinConns > 0 {
		config.MinConns = min(limits.MinConns, config.MaxConns)
	}
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func (r *PostgresRecorder) Record(ctx context.Context, m Match) error {
	if m.Status == "" {
		m.Status = StatusAssigned
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO matches (id, player_a, player_b, status) VALUES ($1, $2, $3, $4)`,
		m.ID, m.PlayerA, m.PlayerB, string(m.Status))
	if err != nil {
		r.logger.Error("寫入對局紀錄失敗", "match_id", m.ID, "error", err)
		return fmt.Errorf("insert match: %w", err)
	}
	return nil
}

func (r *PostgresRecorder) UpdateStatus(ctx context.Context, id string, status Status) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE matches SET status = $2, updated_at = NOW() WHERE id = $1`,
		id, string(status))
	if err != nil {
		r.logger.Error("更新對局紀錄失敗", "match_id", id, "status", status, "error", err)
		return fmt.Errorf("update match: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (r *PostgresRecorder) Get(ctx context.Context, id string) (Match, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, player_a, player_b, status, created_at, updated_at FROM matches WHERE id = $1`, id)

	m, err := scanMatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Match{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Match{}, fmt.Errorf("get match: %w", err)
	}
	return m, nil
}

func (r *PostgresRecorder) Recent(ctx context.Context, limit int) ([]Match, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, player_a, player_b, status, created_at, updated_at
		 FROM matches ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list matches: %w", err)
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list matches: %w", err)
	}
	return out, nil
}

func scanMatch(row pgx.Row) (Match, error) {
	var (
		m      Match
		status string
	)
	if err := row.Scan(&m.ID, &m.PlayerA, &m.PlayerB, &status, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return Match{}, err
	}
	m.Status = Status(status)
	return m, nil
}
