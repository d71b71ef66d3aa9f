package broker

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

// Entry 排隊中的客戶端
type Entry struct {
	ID       string    `json:"id"`
	Address  string    `json:"address"`
	QueuedAt time.Time `json:"queued_at"`
	LastSeen time.Time `json:"last_seen"`
}

// Store 排隊佇列
//
// 同一個位址只會有一筆紀錄；PopPair 原子地取出最早排隊的兩筆。
type Store interface {
	// Enqueue 加入佇列；位址已在佇列中時回傳既有紀錄與 false
	Enqueue(ctx context.Context, e Entry) (Entry, bool, error)
	// Touch 更新最後活動時間；ID 不存在時回傳 false
	Touch(ctx context.Context, id string, now time.Time) (bool, error)
	// Remove 移出佇列
	Remove(ctx context.Context, id string) (bool, error)
	// PopPair 取出最早的兩筆；不足兩筆時 ok 為 false
	PopPair(ctx context.Context) (a, b Entry, ok bool, err error)
	// List 依排隊時間由舊到新
	List(ctx context.Context) ([]Entry, error)
}

// MemoryStore 記憶體佇列
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry  // id -> entry
	byAddr  map[string]string // address -> id
}

// NewMemoryStore 創建記憶體佇列
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]Entry),
		byAddr:  make(map[string]string),
	}
}

func (s *MemoryStore) Enqueue(_ context.Context, e Entry) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byAddr[e.Address]; ok {
		return s.entries[id], false, nil
	}
	s.entries[e.ID] = e
	s.byAddr[e.Address] = e.ID
	return e, true, nil
}

func (s *MemoryStore) Touch(_ context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return false, nil
	}
	e.LastSeen = now
	s.entries[id] = e
	return true, nil
}

func (s *MemoryStore) Remove(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(id), nil
}

func (s *MemoryStore) PopPair(_ context.Context) (Entry, Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) < 2 {
		return Entry{}, Entry{}, false, nil
	}
	ordered := s.sortedLocked()
	a, b := ordered[0], ordered[1]
	s.removeLocked(a.ID)
	s.removeLocked(b.ID)
	return a, b, true, nil
}

func (s *MemoryStore) List(_ context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked(), nil
}

func (s *MemoryStore) removeLocked(id string) bool {
	e, ok := s.entries[id]
	if !ok {
		return false
	}
	delete(s.entries, id)
	delete(s.byAddr, e.Address)
	return true
}

func (s *MemoryStore) sortedLocked() []Entry {
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b Entry) int {
		if c := a.QueuedAt.Compare(b.QueuedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}
