package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrNoAuthorities 表示配置中没有任何 DNS 服务器
var ErrNoAuthorities = errors.New("config: no DNS authorities configured")

// Authority 是一个 DNS 解析服务器
type Authority struct {
	Address  string `yaml:"address" json:"address"`
	Label    string `yaml:"label" json:"label"`
	Critical bool   `yaml:"critical" json:"critical"`
}

// GeoProvider 描述一个地理位置查询服务，URL 中的 {ip} 会被替换为目标地址
type GeoProvider struct {
	Name  string `yaml:"name" json:"name"`
	URL   string `yaml:"url" json:"url"`
	Field string `yaml:"field" json:"field"`
}

// GeoConfig 是地理位置查询和缓存的配置
type GeoConfig struct {
	Primary        GeoProvider `yaml:"primary" json:"primary"`
	Secondary      GeoProvider `yaml:"secondary" json:"secondary"`
	TimeoutMS      int         `yaml:"timeout_ms" json:"timeout_ms"`
	CacheFile      string      `yaml:"cache_file" json:"cache_file"`
	TTLHours       int         `yaml:"ttl_hours" json:"ttl_hours"`
	RetentionHours int         `yaml:"retention_hours" json:"retention_hours"`
	MaxEntries     int         `yaml:"max_entries" json:"max_entries"`
}

// Config 结构用于映射 config.yaml 文件的内容
type Config struct {
	Concurrency int `yaml:"concurrency" json:"concurrency"`

	Authorities  []Authority `yaml:"authorities" json:"authorities"`
	DNSTimeoutMS int         `yaml:"dns_timeout_ms" json:"dns_timeout_ms"`
	DNSPacingMS  int         `yaml:"dns_pacing_ms" json:"dns_pacing_ms"`

	Ports             []string `yaml:"ports" json:"ports"`
	ConnectTimeoutMS  int      `yaml:"connect_timeout_ms" json:"connect_timeout_ms"`
	QuickGoodDelayMS  int      `yaml:"quick_good_delay_ms" json:"quick_good_delay_ms"`
	MaxDelayMS        int      `yaml:"max_delay_ms" json:"max_delay_ms"`
	TopPercent        float64  `yaml:"top_percent" json:"top_percent"`
	StabilityAttempts int      `yaml:"stability_attempts" json:"stability_attempts"`
	FailureSentinelMS int      `yaml:"failure_sentinel_ms" json:"failure_sentinel_ms"`

	SpeedEndpoints   []string `yaml:"speed_endpoints" json:"speed_endpoints"`
	SpeedSizeBytes   int64    `yaml:"speed_size_bytes" json:"speed_size_bytes"`
	SpeedAttempts    int      `yaml:"speed_attempts" json:"speed_attempts"`
	SpeedTimeoutMS   int      `yaml:"speed_timeout_ms" json:"speed_timeout_ms"`
	SpeedFastMbps    float64  `yaml:"speed_fast_mbps" json:"speed_fast_mbps"`
	SpeedRateLimitMB float64  `yaml:"speed_rate_limit_mb" json:"speed_rate_limit_mb"`

	PaceEvery   int `yaml:"pace_every" json:"pace_every"`
	PaceDelayMS int `yaml:"pace_delay_ms" json:"pace_delay_ms"`

	Geo GeoConfig `yaml:"geo" json:"geo"`

	OutputDir string `yaml:"output_dir" json:"output_dir"`
}

// LoadConfig 从指定路径加载和解析 YAML 配置文件，并补全默认值
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("解析配置文件 '%s' 失败: %w", path, err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults 为未设置或非法的数值填充默认值
func (c *Config) ApplyDefaults() {
	setInt := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	setInt(&c.Concurrency, 50)
	setInt(&c.DNSTimeoutMS, 2000)
	setInt(&c.DNSPacingMS, 100)
	setInt(&c.ConnectTimeoutMS, 1000)
	setInt(&c.QuickGoodDelayMS, 150)
	setInt(&c.MaxDelayMS, 800)
	setInt(&c.StabilityAttempts, 5)
	setInt(&c.FailureSentinelMS, 1000)
	setInt(&c.SpeedAttempts, 1)
	setInt(&c.SpeedTimeoutMS, 5000)
	setInt(&c.PaceEvery, 5)
	setInt(&c.PaceDelayMS, 500)
	setInt(&c.Geo.TimeoutMS, 3000)
	setInt(&c.Geo.TTLHours, 24)
	setInt(&c.Geo.RetentionHours, 24*30)
	setInt(&c.Geo.MaxEntries, 1000)

	if c.TopPercent <= 0 || c.TopPercent > 100 {
		c.TopPercent = 30
	}
	if c.SpeedSizeBytes <= 0 {
		c.SpeedSizeBytes = 10 * 1000 * 1000
	}
	if c.SpeedFastMbps <= 0 {
		c.SpeedFastMbps = 10
	}
	if len(c.Ports) == 0 {
		c.Ports = []string{"443"}
	}
	if c.Geo.Primary.URL == "" {
		c.Geo.Primary = GeoProvider{Name: "ip-api", URL: "http://ip-api.com/json/{ip}?fields=status,countryCode", Field: "countryCode"}
	}
	if c.Geo.Secondary.URL == "" {
		c.Geo.Secondary = GeoProvider{Name: "ipinfo", URL: "https://ipinfo.io/{ip}/json", Field: "country"}
	}
	if c.Geo.CacheFile == "" {
		c.Geo.CacheFile = "geo_cache.json"
	}
	if c.OutputDir == "" {
		c.OutputDir = "."
	}
}

// Validate 检查会导致整次运行无法进行的配置错误
func (c *Config) Validate() error {
	if len(c.Authorities) == 0 {
		return ErrNoAuthorities
	}
	for i, a := range c.Authorities {
		if strings.TrimSpace(a.Address) == "" {
			return fmt.Errorf("config: authority #%d has empty address", i+1)
		}
	}
	if c.Geo.RetentionHours < c.Geo.TTLHours {
		return fmt.Errorf("config: geo retention_hours (%d) must not be shorter than ttl_hours (%d)", c.Geo.RetentionHours, c.Geo.TTLHours)
	}
	return nil
}

// ParsePorts 解析端口列表，非数字或超出 [1,65535] 的条目会被跳过并通过 rejected 返回
func ParsePorts(raw []string) (ports []int, rejected []string) {
	seen := make(map[int]struct{})
	for _, s := range raw {
		p, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil || p < 1 || p > 65535 {
			rejected = append(rejected, s)
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		ports = append(ports, p)
	}
	return ports, rejected
}

// Duration 把毫秒数转换为 time.Duration
func Duration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
