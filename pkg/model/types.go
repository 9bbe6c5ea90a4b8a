package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidAddress 表示地址不是合法的点分十进制 IPv4
var ErrInvalidAddress = errors.New("model: invalid dotted-quad address")

// Address 是经过校验的点分十进制 IPv4 地址，创建后不可变
type Address string

// ParseAddress 校验并返回 Address
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if !IsValidAddress(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return Address(s), nil
}

// IsValidAddress 当且仅当四段均为 [0,255] 内的十进制整数时返回 true
func IsValidAddress(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if len(p) == 0 || len(p) > 3 {
			return false
		}
		for _, c := range p {
			if c < '0' || c > '9' {
				return false
			}
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return false
		}
	}
	return true
}

func (a Address) String() string { return string(a) }

// ResolutionRecord 记录一次 (域名, DNS 服务器) 解析尝试
type ResolutionRecord struct {
	Domain    string
	Authority string // 服务器地址，例如 "1.1.1.1:53"
	Label     string // 显示名称
	Addresses []Address
	Success   bool
}

// ProbeResult 是 TCP 连接延迟测试的结果。快速筛选阶段 MinDelayMS 与 AvgDelayMS 相同。
type ProbeResult struct {
	Address    Address
	Available  bool
	MinDelayMS float64
	AvgDelayMS float64
	Stability  float64 // 延迟样本的总体方差，越低越稳定
	Attempts   int
	Failures   int
}

// BandwidthResult 是下载测速的结果
type BandwidthResult struct {
	Address        Address
	Fast           bool
	ThroughputMbps float64
	SmoothedMbps   float64 // EWMA 平滑后的分片速率
	LatencyMS      float64
	Fallback       bool // 没有测到带宽，延迟来自 TCP 连接测试
}

// ScoredCandidate 是最终排名使用的记录
type ScoredCandidate struct {
	Address        Address `json:"address"`
	MinDelayMS     float64 `json:"min_delay_ms"`
	AvgDelayMS     float64 `json:"avg_delay_ms"`
	Stability      float64 `json:"stability"`
	ThroughputMbps float64 `json:"throughput_mbps"`
	Score          float64 `json:"score"`
}

// GeoCacheEntry 是地理位置缓存中的一条记录
type GeoCacheEntry struct {
	CountryCode string    `json:"country_code"`
	Timestamp   time.Time `json:"timestamp"`
}

// RegionRecord 是按国家分组输出中的一行
type RegionRecord struct {
	Address     Address
	CountryCode string
	DelayMS     float64
}

// RegionGroup 是某个国家下按顺序排列的记录
type RegionGroup struct {
	Country string
	Records []RegionRecord
}
