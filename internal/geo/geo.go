// Package geo 把地址解析为两位国家代码，并通过带 TTL 和容量上限的缓存减少重复查询。
//
// 查询顺序：新鲜的缓存条目 → 主服务 → 备用服务 → Unknown。
// Unknown 同样会被缓存，在 TTL 内不会重复查询一直失败的地址。
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"IP_Quality_Selector_Go/internal/config"
	"IP_Quality_Selector_Go/internal/metrics"
	"IP_Quality_Selector_Go/pkg/model"

	"go.uber.org/zap"
)

// Unknown 是两个服务都失败时返回并缓存的国家代码
const Unknown = "Unknown"

// Provider 是一个地理位置查询服务
type Provider interface {
	Name() string
	Lookup(ctx context.Context, addr model.Address) (string, error)
}

// HTTPProvider 通过 HTTP GET 查询 JSON 接口，国家代码位于 Field 字段
type HTTPProvider struct {
	name   string
	url    string
	field  string
	client *http.Client
}

// NewHTTPProvider 根据配置创建 HTTPProvider，URL 中的 {ip} 会被替换为地址
func NewHTTPProvider(p config.GeoProvider, client *http.Client) *HTTPProvider {
	if client == nil {
		client = http.DefaultClient
	}
	name := p.Name
	if name == "" {
		name = p.URL
	}
	return &HTTPProvider{name: name, url: p.URL, field: p.Field, client: client}
}

// Name 返回服务名称
func (p *HTTPProvider) Name() string { return p.name }

// Lookup 查询国家代码。非 200、字段缺失或格式错误都视为失败。
func (p *HTTPProvider) Lookup(ctx context.Context, addr model.Address) (string, error) {
	u := strings.ReplaceAll(p.url, "{ip}", string(addr))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("%s: 创建请求失败: %w", p.name, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s: 请求失败: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s: bad status: %s", p.name, resp.Status)
	}

	var body map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&body); err != nil {
		return "", fmt.Errorf("%s: 解析响应失败: %w", p.name, err)
	}
	code, _ := body[p.field].(string)
	code = strings.ToUpper(strings.TrimSpace(code))
	if !isCountryCode(code) {
		return "", fmt.Errorf("%s: field %q missing or malformed", p.name, p.field)
	}
	return code, nil
}

func isCountryCode(s string) bool {
	if len(s) != 2 {
		return false
	}
	for _, c := range s {
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}

// Resolver 组合缓存和两个查询服务
type Resolver struct {
	cache     *Cache
	primary   Provider
	secondary Provider
	timeout   time.Duration
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewResolver 创建 Resolver。secondary 可以为 nil。
func NewResolver(cache *Cache, primary, secondary Provider, timeout time.Duration, logger *zap.Logger, m *metrics.Metrics) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Resolver{
		cache:     cache,
		primary:   primary,
		secondary: secondary,
		timeout:   timeout,
		logger:    logger,
		metrics:   m,
	}
}

// Cache 返回底层缓存
func (r *Resolver) Cache() *Cache { return r.cache }

// Resolve 返回地址的国家代码，不会返回错误
func (r *Resolver) Resolve(ctx context.Context, addr model.Address) string {
	if e, ok := r.cache.Get(addr); ok {
		r.metrics.ObserveGeo("cache")
		return e.CountryCode
	}

	for _, p := range []Provider{r.primary, r.secondary} {
		if p == nil {
			continue
		}
		code, err := r.lookup(ctx, p, addr)
		if err != nil {
			r.logger.Debug("geo lookup failed", zap.String("address", string(addr)), zap.String("provider", p.Name()), zap.Error(err))
			continue
		}
		r.cache.Set(addr, code)
		r.metrics.ObserveGeo(p.Name())
		return code
	}

	r.cache.Set(addr, Unknown)
	r.metrics.ObserveGeo("unknown")
	return Unknown
}

func (r *Resolver) lookup(ctx context.Context, p Provider, addr model.Address) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return p.Lookup(ctx, addr)
}
