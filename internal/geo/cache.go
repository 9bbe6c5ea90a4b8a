package geo

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"IP_Quality_Selector_Go/pkg/model"

	"github.com/benbjohnson/clock"
)

// ErrCorruptCache 表示缓存文件无法解析
var ErrCorruptCache = errors.New("geo: corrupt cache file")

// CacheOptions 是缓存的时间与容量参数
type CacheOptions struct {
	TTL        time.Duration // 读取时的新鲜度窗口
	Retention  time.Duration // 超过该时长的条目在清理时被删除
	MaxEntries int
}

// CleanupStats 是一次清理的结果
type CleanupStats struct {
	Expired int
	Evicted int
	Remain  int
}

// Cache 是以地址为键的地理位置缓存。
// 它在流程开始时 Load、结束时 Save，不会自动保存。
type Cache struct {
	mu      sync.RWMutex
	entries map[model.Address]model.GeoCacheEntry
	opts    CacheOptions
	clock   clock.Clock
}

// NewCache 创建一个空缓存。clk 为 nil 时使用系统时钟。
func NewCache(opts CacheOptions, clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.New()
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.Retention < opts.TTL {
		opts.Retention = opts.TTL
	}
	return &Cache{
		entries: make(map[model.Address]model.GeoCacheEntry),
		opts:    opts,
		clock:   clk,
	}
}

// IsCacheValid 当 now - ts < ttl 时返回 true，恰好等于 ttl 时为 false
func IsCacheValid(ts time.Time, ttl time.Duration, now time.Time) bool {
	return now.Sub(ts) < ttl
}

// Get 返回新鲜的缓存条目；过期条目不会被返回，但仍然保留在缓存中
func (c *Cache) Get(addr model.Address) (model.GeoCacheEntry, bool) {
	c.mu.RLock()
	e, ok := c.entries[addr]
	c.mu.RUnlock()
	if !ok || !IsCacheValid(e.Timestamp, c.opts.TTL, c.clock.Now()) {
		return model.GeoCacheEntry{}, false
	}
	return e, true
}

// Set 以当前时间写入条目，覆盖已有的同地址条目
func (c *Cache) Set(addr model.Address, countryCode string) model.GeoCacheEntry {
	e := model.GeoCacheEntry{CountryCode: countryCode, Timestamp: c.clock.Now().UTC()}
	c.mu.Lock()
	c.entries[addr] = e
	c.mu.Unlock()
	return e
}

// put 原样写入条目，供加载和测试使用
func (c *Cache) put(addr model.Address, e model.GeoCacheEntry) {
	c.mu.Lock()
	c.entries[addr] = e
	c.mu.Unlock()
}

// Len 返回条目数量（包括已过期但尚未清理的条目）
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Snapshot 返回所有条目的副本
func (c *Cache) Snapshot() map[model.Address]model.GeoCacheEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[model.Address]model.GeoCacheEntry, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}

// Cleanup 删除超过保留期的条目，然后在条目数仍超过上限时淘汰时间戳最旧的条目。
// 整个过程持有写锁，与查询互斥。
func (c *Cache) Cleanup() CleanupStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var stats CleanupStats
	now := c.clock.Now()
	for addr, e := range c.entries {
		if now.Sub(e.Timestamp) > c.opts.Retention {
			delete(c.entries, addr)
			stats.Expired++
		}
	}

	if c.opts.MaxEntries > 0 && len(c.entries) > c.opts.MaxEntries {
		type kv struct {
			addr model.Address
			ts   time.Time
		}
		all := make([]kv, 0, len(c.entries))
		for addr, e := range c.entries {
			all = append(all, kv{addr, e.Timestamp})
		}
		sort.Slice(all, func(i, j int) bool {
			if all[i].ts.Equal(all[j].ts) {
				return all[i].addr < all[j].addr
			}
			return all[i].ts.Before(all[j].ts)
		})
		excess := len(all) - c.opts.MaxEntries
		for _, e := range all[:excess] {
			delete(c.entries, e.addr)
		}
		stats.Evicted = excess
	}

	stats.Remain = len(c.entries)
	return stats
}

// storedEntry 是文件中条目的两种形态：当前的对象格式，或旧版只有国家代码的字符串
type storedEntry struct {
	fresh  *model.GeoCacheEntry
	legacy string
}

func (s *storedEntry) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return fmt.Errorf("%w: empty value", ErrCorruptCache)
	}
	switch b[0] {
	case '"':
		return json.Unmarshal(b, &s.legacy)
	case '{':
		var e model.GeoCacheEntry
		if err := json.Unmarshal(b, &e); err != nil {
			return err
		}
		s.fresh = &e
		return nil
	default:
		return fmt.Errorf("%w: unexpected value %s", ErrCorruptCache, string(b))
	}
}

// normalize 把两种形态统一为一个条目。旧版条目没有时间戳，记为零值：
// 读取时视为过期，清理时按保留期删除。
func (s storedEntry) normalize() (model.GeoCacheEntry, bool) {
	switch {
	case s.fresh != nil:
		if s.fresh.CountryCode == "" {
			return model.GeoCacheEntry{}, false
		}
		return model.GeoCacheEntry{CountryCode: s.fresh.CountryCode, Timestamp: s.fresh.Timestamp.UTC()}, true
	case s.legacy != "":
		return model.GeoCacheEntry{CountryCode: s.legacy}, true
	default:
		return model.GeoCacheEntry{}, false
	}
}

// Load 从文件加载缓存并替换当前内容。
// 文件不存在时返回 nil；文件损坏时缓存保持为空并返回 ErrCorruptCache。
// 非法地址的条目会被跳过。
func (c *Cache) Load(path string) error {
	c.mu.Lock()
	c.entries = make(map[model.Address]model.GeoCacheEntry)
	c.mu.Unlock()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("读取缓存文件 '%s' 失败: %w", path, err)
	}

	var raw map[string]storedEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorruptCache, path, err)
	}

	for k, v := range raw {
		addr, err := model.ParseAddress(k)
		if err != nil {
			continue
		}
		if e, ok := v.normalize(); ok {
			c.put(addr, e)
		}
	}
	return nil
}

// Save 把缓存整体写回文件，先写临时文件再重命名
func (c *Cache) Save(path string) error {
	snap := c.Snapshot()
	out := make(map[string]model.GeoCacheEntry, len(snap))
	for k, v := range snap {
		out[string(k)] = v
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("无法将缓存序列化为 JSON: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".geo-cache-*")
	if err != nil {
		return fmt.Errorf("创建临时缓存文件失败: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("写入缓存文件失败: %w", err)
	}
	if err := tmp.Chmod(0644); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("设置缓存文件权限失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("写入缓存文件失败: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("无法写入缓存文件 '%s': %w", path, err)
	}
	return nil
}
