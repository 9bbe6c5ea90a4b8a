package geo

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"IP_Quality_Selector_Go/pkg/model"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockClock() *clock.Mock {
	m := clock.NewMock()
	m.Set(time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC))
	return m
}

func TestIsCacheValid(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	ttl := 24 * time.Hour

	assert.True(t, IsCacheValid(now, ttl, now))
	assert.True(t, IsCacheValid(now.Add(-23*time.Hour), ttl, now))
	assert.True(t, IsCacheValid(now.Add(-ttl+time.Nanosecond), ttl, now))
	assert.False(t, IsCacheValid(now.Add(-ttl), ttl, now), "exactly 24h is stale")
	assert.False(t, IsCacheValid(now.Add(-25*time.Hour), ttl, now))
}

func TestCacheGetSetFreshness(t *testing.T) {
	clk := newMockClock()
	c := NewCache(CacheOptions{TTL: 24 * time.Hour, Retention: 48 * time.Hour}, clk)

	_, ok := c.Get("192.0.2.1")
	assert.False(t, ok, "expected miss on empty cache")

	c.Set("192.0.2.1", "US")
	e, ok := c.Get("192.0.2.1")
	require.True(t, ok)
	assert.Equal(t, "US", e.CountryCode)

	clk.Add(24 * time.Hour)
	_, ok = c.Get("192.0.2.1")
	assert.False(t, ok, "entry at TTL boundary is not returned")
	assert.Equal(t, 1, c.Len(), "stale entry still occupies space")
}

func TestCacheRoundTrip(t *testing.T) {
	clk := newMockClock()
	c := NewCache(CacheOptions{TTL: time.Hour}, clk)
	for i := 0; i < 50; i++ {
		c.Set(model.Address(fmt.Sprintf("10.0.0.%d", i)), []string{"US", "JP", "Unknown"}[i%3])
		clk.Add(time.Minute + 123*time.Millisecond)
	}

	path := filepath.Join(t.TempDir(), "geo_cache.json")
	require.NoError(t, c.Save(path))

	loaded := NewCache(CacheOptions{TTL: time.Hour}, clk)
	require.NoError(t, loaded.Load(path))

	want := c.Snapshot()
	got := loaded.Snapshot()
	require.Len(t, got, len(want))
	for addr, e := range want {
		g, ok := got[addr]
		require.True(t, ok, addr)
		assert.Equal(t, e.CountryCode, g.CountryCode)
		assert.True(t, e.Timestamp.Equal(g.Timestamp), "timestamp for %s", addr)
	}

	// Saving the reloaded cache produces the same bytes.
	first, err := os.ReadFile(path)
	require.NoError(t, err)
	second := filepath.Join(t.TempDir(), "again.json")
	require.NoError(t, loaded.Save(second))
	again, err := os.ReadFile(second)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(again))
}

func TestCacheSaveFileMode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file mode bits are not meaningful on windows")
	}
	c := NewCache(CacheOptions{TTL: time.Hour}, newMockClock())
	c.Set("10.0.0.1", "US")

	path := filepath.Join(t.TempDir(), "geo_cache.json")
	require.NoError(t, c.Save(path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())

	// Overwriting an existing file keeps the same mode.
	require.NoError(t, c.Save(path))
	info, err = os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())
}

func TestCacheLoadMissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()
	c := NewCache(CacheOptions{}, newMockClock())

	assert.NoError(t, c.Load(filepath.Join(dir, "missing.json")))
	assert.Zero(t, c.Len())

	c.Set("192.0.2.1", "US")
	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0644))
	err := c.Load(bad)
	assert.ErrorIs(t, err, ErrCorruptCache)
	assert.Zero(t, c.Len(), "corrupt file yields empty cache")

	weird := filepath.Join(dir, "weird.json")
	require.NoError(t, os.WriteFile(weird, []byte(`{"192.0.2.1": 42}`), 0644))
	assert.ErrorIs(t, c.Load(weird), ErrCorruptCache)
}

func TestCacheLoadLegacyEntries(t *testing.T) {
	clk := newMockClock()
	path := filepath.Join(t.TempDir(), "geo_cache.json")
	content := `{
  "192.0.2.1": "JP",
  "192.0.2.2": {"country_code": "US", "timestamp": "2026-10-19T07:00:00Z"},
  "not-an-ip": "DE",
  "192.0.2.3": {"country_code": "", "timestamp": "2026-10-19T07:00:00Z"}
}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	c := NewCache(CacheOptions{TTL: 24 * time.Hour, Retention: 30 * 24 * time.Hour}, clk)
	require.NoError(t, c.Load(path))
	assert.Equal(t, 2, c.Len())

	snap := c.Snapshot()
	assert.Equal(t, "JP", snap["192.0.2.1"].CountryCode)
	assert.True(t, snap["192.0.2.1"].Timestamp.IsZero())

	_, ok := c.Get("192.0.2.1")
	assert.False(t, ok, "legacy entries are never fresh")
	e, ok := c.Get("192.0.2.2")
	require.True(t, ok)
	assert.Equal(t, "US", e.CountryCode)

	stats := c.Cleanup()
	assert.Equal(t, 1, stats.Expired, "legacy entry falls outside retention")
	assert.Equal(t, 1, stats.Remain)
}

func TestCacheCleanupCapKeepsMostRecent(t *testing.T) {
	clk := newMockClock()
	c := NewCache(CacheOptions{TTL: 24 * time.Hour, Retention: 30 * 24 * time.Hour, MaxEntries: 1000}, clk)

	var order []model.Address
	for i := 0; i < 1200; i++ {
		addr := model.Address(fmt.Sprintf("10.%d.%d.1", i/256, i%256))
		c.Set(addr, "US")
		order = append(order, addr)
		clk.Add(time.Second)
	}

	stats := c.Cleanup()
	assert.Equal(t, 0, stats.Expired)
	assert.Equal(t, 200, stats.Evicted)
	assert.Equal(t, 1000, stats.Remain)
	assert.Equal(t, 1000, c.Len())

	snap := c.Snapshot()
	for i, addr := range order {
		_, ok := snap[addr]
		assert.Equal(t, i >= 200, ok, "entry %d (%s)", i, addr)
	}
}

func TestCacheCleanupRetention(t *testing.T) {
	clk := newMockClock()
	c := NewCache(CacheOptions{TTL: time.Hour, Retention: 10 * time.Hour, MaxEntries: 100}, clk)

	c.Set("192.0.2.1", "US")
	clk.Add(5 * time.Hour)
	c.Set("192.0.2.2", "JP")
	clk.Add(6 * time.Hour)

	// 192.0.2.1 is 11h old, 192.0.2.2 is 6h old: stale but retained.
	stats := c.Cleanup()
	assert.Equal(t, 1, stats.Expired)
	assert.Equal(t, 1, stats.Remain)
	_, ok := c.Get("192.0.2.2")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())
}

func TestCacheConcurrentAccess(t *testing.T) {
	c := NewCache(CacheOptions{TTL: time.Hour, MaxEntries: 10}, newMockClock())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			addr := model.Address(fmt.Sprintf("192.0.2.%d", i))
			c.Set(addr, "US")
			c.Get(addr)
			if i%5 == 0 {
				c.Cleanup()
			}
		}(i)
	}
	wg.Wait()
	c.Cleanup()
	assert.LessOrEqual(t, c.Len(), 10)
}
