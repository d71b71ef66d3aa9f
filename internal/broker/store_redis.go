package broker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix 預設 key 前綴
const DefaultRedisPrefix = "battleship:mm:"

// RedisStore Redis 佇列
//
// 資料結構：
//
//	<prefix>queue          Sorted Set，score 為排隊時間（毫秒），member 為排隊 ID
//	<prefix>entry:<id>     Hash：address、queued_at、last_seen
//	<prefix>addr:<address> String：位址目前的排隊 ID
//
// 每個操作都是一支 Lua 腳本，多個配對伺服器共用同一個 Redis 時
// 不會把同一個客戶端配給兩場對局。腳本內會組出未宣告的 key，
// 只適用單節點 Redis。
type RedisStore struct {
	client *redis.Client
	prefix string

	enqueue *redis.Script
	touch   *redis.Script
	remove  *redis.Script
	popPair *redis.Script
}

// Lua 腳本：加入佇列（同一位址只保留一筆）
//
// KEYS[1]: queue
// KEYS[2]: addr:<address>
// KEYS[3]: entry:<id>
// ARGV[1]: 排隊 ID
// ARGV[2]: 位址
// ARGV[3]: 當前時間（毫秒）
// ARGV[4]: key 前綴
//
// 回傳 {id, created, queued_at, last_seen}
const enqueueScript = `
local existing = redis.call('GET', KEYS[2])
if existing then
    local f = redis.call('HMGET', ARGV[4] .. 'entry:' .. existing, 'queued_at', 'last_seen')
    return {existing, '0', f[1] or ARGV[3], f[2] or ARGV[3]}
end

redis.call('SET', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[3], 'address', ARGV[2], 'queued_at', ARGV[3], 'last_seen', ARGV[3])
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return {ARGV[1], '1', ARGV[3], ARGV[3]}
`

// Lua 腳本：更新最後活動時間
//
// KEYS[1]: entry:<id>
// ARGV[1]: 當前時間（毫秒）
const touchScript = `
if redis.call('EXISTS', KEYS[1]) == 0 then
    return 0
end
redis.call('HSET', KEYS[1], 'last_seen', ARGV[1])
return 1
`

// Lua 腳本：移出佇列
//
// KEYS[1]: queue
// KEYS[2]: entry:<id>
// ARGV[1]: 排隊 ID
// ARGV[2]: key 前綴
const removeScript = `
local addr = redis.call('HGET', KEYS[2], 'address')
if not addr then
    redis.call('ZREM', KEYS[1], ARGV[1])
    return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
redis.call('DEL', ARGV[2] .. 'addr:' .. addr)
return 1
`

// Lua 腳本：取出最早的兩筆
//
// KEYS[1]: queue
// ARGV[1]: key 前綴
//
// 邏輯：
//  1. 取分數最小的兩個 member
//  2. 缺少 Hash 的殘留 member 直接移除，重新取
//  3. 兩筆都有效才一起移除並回傳
//
// 回傳 {id, address, queued_at, last_seen, id, address, queued_at, last_seen}
const popPairScript = `
local prefix = ARGV[1]
while true do
    local ids = redis.call('ZRANGE', KEYS[1], 0, 1)
    if #ids < 2 then
        return {}
    end

    local clean = true
    for _, id in ipairs(ids) do
        if redis.call('EXISTS', prefix .. 'entry:' .. id) == 0 then
            redis.call('ZREM', KEYS[1], id)
            clean = false
        end
    end

    if clean then
        local out = {}
        for _, id in ipairs(ids) do
            local ek = prefix .. 'entry:' .. id
            local f = redis.call('HMGET', ek, 'address', 'queued_at', 'last_seen')
            redis.call('ZREM', KEYS[1], id)
            redis.call('DEL', ek)
            redis.call('DEL', prefix .. 'addr:' .. f[1])
            table.insert(out, id)
            table.insert(out, f[1])
            table.insert(out, f[2])
            table.insert(out, f[3])
        end
        return out
    end
end
`

// NewRedisStore 創建 Redis 佇列
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{
		client:  client,
		prefix:  prefix,
		enqueue: redis.NewScript(enqueueScript),
		touch:   redis.NewScript(touchScript),
		remove:  redis.NewScript(removeScript),
		popPair: redis.NewScript(popPairScript),
	}
}

func (s *RedisStore) queueKey() string              { return s.prefix + "queue" }
func (s *RedisStore) entryKey(id string) string     { return s.prefix + "entry:" + id }
func (s *RedisStore) addrKey(address string) string { return s.prefix + "addr:" + address }

func (s *RedisStore) Enqueue(ctx context.Context, e Entry) (Entry, bool, error) {
	res, err := s.enqueue.Run(ctx, s.client,
		[]string{s.queueKey(), s.addrKey(e.Address), s.entryKey(e.ID)},
		e.ID, e.Address, e.QueuedAt.UnixMilli(), s.prefix,
	).StringSlice()
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis enqueue: %w", err)
	}
	if len(res) != 4 {
		return Entry{}, false, fmt.Errorf("redis enqueue: unexpected reply length %d", len(res))
	}

	out := Entry{ID: res[0], Address: e.Address}
	if out.QueuedAt, err = parseMillis(res[2]); err != nil {
		return Entry{}, false, err
	}
	if out.LastSeen, err = parseMillis(res[3]); err != nil {
		return Entry{}, false, err
	}
	return out, res[1] == "1", nil
}

func (s *RedisStore) Touch(ctx context.Context, id string, now time.Time) (bool, error) {
	n, err := s.touch.Run(ctx, s.client, []string{s.entryKey(id)}, now.UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("redis touch: %w", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Remove(ctx context.Context, id string) (bool, error) {
	n, err := s.remove.Run(ctx, s.client,
		[]string{s.queueKey(), s.entryKey(id)},
		id, s.prefix,
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis remove: %w", err)
	}
	return n == 1, nil
}

func (s *RedisStore) PopPair(ctx context.Context) (Entry, Entry, bool, error) {
	res, err := s.popPair.Run(ctx, s.client, []string{s.queueKey()}, s.prefix).StringSlice()
	if err != nil {
		return Entry{}, Entry{}, false, fmt.Errorf("redis pop pair: %w", err)
	}
	if len(res) == 0 {
		return Entry{}, Entry{}, false, nil
	}
	if len(res) != 8 {
		return Entry{}, Entry{}, false, fmt.Errorf("redis pop pair: unexpected reply length %d", len(res))
	}

	a, err := entryFromFields(res[0], res[1], res[2], res[3])
	if err != nil {
		return Entry{}, Entry{}, false, err
	}
	b, err := entryFromFields(res[4], res[5], res[6], res[7])
	if err != nil {
		return Entry{}, Entry{}, false, err
	}
	return a, b, true, nil
}

func (s *RedisStore) List(ctx context.Context) ([]Entry, error) {
	ids, err := s.client.ZRange(ctx, s.queueKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.SliceCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HMGet(ctx, s.entryKey(id), "address", "queued_at", "last_seen")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis list: %w", err)
	}

	out := make([]Entry, 0, len(ids))
	for i, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) != 3 {
			continue
		}
		address, _ := vals[0].(string)
		queuedAt, _ := vals[1].(string)
		lastSeen, _ := vals[2].(string)
		if address == "" {
			// 殘留的 member，下一次 PopPair 會清掉
			continue
		}
		e, err := entryFromFields(ids[i], address, queuedAt, lastSeen)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func entryFromFields(id, address, queuedAt, lastSeen string) (Entry, error) {
	q, err := parseMillis(queuedAt)
	if err != nil {
		return Entry{}, err
	}
	l, err := parseMillis(lastSeen)
	if err != nil {
		return Entry{}, err
	}
	return Entry{ID: id, Address: address, QueuedAt: q, LastSeen: l}, nil
}

func parseMillis(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return time.UnixMilli(ms), nil
}
