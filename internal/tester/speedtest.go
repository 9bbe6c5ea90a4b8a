package tester

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"IP_Quality_Selector_Go/pkg/model"

	"github.com/VividCortex/ewma"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// SizePlaceholder 在测速地址中会被替换为下载字节数
const SizePlaceholder = "{bytes}"

// SpeedConfig 是下载测速的参数
type SpeedConfig struct {
	Endpoints   []string      // 例如 https://speed.cloudflare.com/__down?bytes={bytes}
	SizeBytes   int64         // 单次下载的字节上限
	Attempts    int           // 每个地址的测速轮数
	Timeout     time.Duration // 单次下载的时间上限
	FastMbps    float64       // 达到该速度即停止测速
	RateLimitMB float64       // 下载限速 MB/s，0 表示不限速
}

// FallbackFunc 在没有测到带宽时提供一个 TCP 延迟
type FallbackFunc func(ctx context.Context, address model.Address) (float64, bool)

// SpeedTester 对单个地址进行下载测速
type SpeedTester struct {
	cfg      SpeedConfig
	fallback FallbackFunc
	logger   *zap.Logger
}

// SpeedOption 用于配置 SpeedTester
type SpeedOption func(*SpeedTester)

// WithFallback 设置带宽测试全部失败时使用的延迟测试
func WithFallback(fn FallbackFunc) SpeedOption {
	return func(s *SpeedTester) {
		s.fallback = fn
	}
}

// WithSpeedLogger 设置日志记录器
func WithSpeedLogger(l *zap.Logger) SpeedOption {
	return func(s *SpeedTester) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSpeedTester 创建 SpeedTester
func NewSpeedTester(cfg SpeedConfig, opts ...SpeedOption) *SpeedTester {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.SizeBytes <= 0 {
		cfg.SizeBytes = 10 * 1000 * 1000
	}
	s := &SpeedTester{cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// downloadSample 是一次下载的测量值
type downloadSample struct {
	bytes        int64
	elapsed      time.Duration
	connectMS    float64
	smoothedMbps float64
}

// Mbps 按 bytes×8 / (秒×1e6) 计算吞吐量
func Mbps(bytes int64, elapsed time.Duration) float64 {
	if bytes <= 0 || elapsed <= 0 {
		return 0
	}
	return float64(bytes) * 8 / (elapsed.Seconds() * 1e6)
}

// Measure 在 Attempts×Endpoints 次下载中取最高吞吐和最低建连延迟。
// 测到足够快的速度时立即返回；全部失败时回退到 TCP 延迟测试。不会返回错误。
func (s *SpeedTester) Measure(ctx context.Context, address model.Address) model.BandwidthResult {
	res := model.BandwidthResult{Address: address}

	for attempt := 0; attempt < s.cfg.Attempts; attempt++ {
		for _, tmpl := range s.cfg.Endpoints {
			testURL := strings.ReplaceAll(tmpl, SizePlaceholder, strconv.FormatInt(s.cfg.SizeBytes, 10))
			sample, err := s.downloadHandler(ctx, address, testURL)
			if err != nil {
				s.logger.Debug("download failed",
					zap.String("address", string(address)),
					zap.String("url", testURL),
					zap.Error(err))
				continue
			}

			mbps := Mbps(sample.bytes, sample.elapsed)
			if mbps <= 0 {
				continue
			}
			if mbps > res.ThroughputMbps {
				res.ThroughputMbps = mbps
			}
			if sample.smoothedMbps > res.SmoothedMbps {
				res.SmoothedMbps = sample.smoothedMbps
			}
			if sample.connectMS > 0 && (res.LatencyMS == 0 || sample.connectMS < res.LatencyMS) {
				res.LatencyMS = sample.connectMS
			}
			if s.cfg.FastMbps > 0 && res.ThroughputMbps >= s.cfg.FastMbps {
				res.Fast = true
				return res
			}
		}
	}

	if res.ThroughputMbps > 0 {
		return res
	}

	// 没有任何有效的带宽数据，用一次 TCP 延迟测试作为弱信号
	res = model.BandwidthResult{Address: address, Fallback: true}
	if s.fallback != nil {
		if d, ok := s.fallback(ctx, address); ok {
			res.LatencyMS = d
		}
	}
	return res
}

// downloadHandler 是实际执行下载测速的内部函数。
// 达到字节上限或时间上限时停止读取。
func (s *SpeedTester) downloadHandler(ctx context.Context, address model.Address, testURL string) (*downloadSample, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	rec := &dialRecorder{}
	client := &http.Client{
		Transport: &http.Transport{
			DialContext:       getDialContext(address, rec),
			DisableKeepAlives: true,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > 10 { // 限制最多重定向 10 次
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
	defer client.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, testURL, nil)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	response, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求失败: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		bodyBytes, err := io.ReadAll(io.LimitReader(response.Body, 200))
		errorMsg := fmt.Sprintf("无效的状态码: %d", response.StatusCode)
		if err == nil && len(bodyBytes) > 0 {
			errorMsg = fmt.Sprintf("%s, 响应: %s", errorMsg, string(bodyBytes))
		}
		return nil, fmt.Errorf("%s", errorMsg)
	}

	// 如果设置了速率限制，则创建限速器
	buffer := make([]byte, 32*1024)
	var limiter *rate.Limiter
	if s.cfg.RateLimitMB > 0 {
		limit := rate.Limit(s.cfg.RateLimitMB * 1024 * 1024)
		burst := int(s.cfg.RateLimitMB * 1024 * 1024)
		if burst < len(buffer) {
			burst = len(buffer)
		}
		limiter = rate.NewLimiter(limit, burst)
	}

	body := io.LimitReader(response.Body, s.cfg.SizeBytes)

	var (
		timeStart       = time.Now()
		timeSlice       = s.cfg.Timeout / 100
		nextTime        time.Time
		contentRead     int64
		lastContentRead int64
	)
	if timeSlice < 10*time.Millisecond {
		timeSlice = 10 * time.Millisecond
	}
	nextTime = timeStart.Add(timeSlice)
	e := ewma.NewMovingAverage()

	for contentRead < s.cfg.SizeBytes {
		currentTime := time.Now()
		if currentTime.After(nextTime) {
			e.Add(float64(contentRead - lastContentRead))
			lastContentRead = contentRead
			nextTime = nextTime.Add(timeSlice)
		}
		// 超出下载测速时间，终止测速
		if currentTime.Sub(timeStart) >= s.cfg.Timeout {
			break
		}

		if limiter != nil {
			if err := limiter.WaitN(ctx, len(buffer)); err != nil {
				break
			}
		}

		n, err := body.Read(buffer)
		contentRead += int64(n)
		if err != nil {
			// EOF 表示下载完成；其他错误（如超时）同样终止测速，保留已读取的数据
			break
		}
	}

	return &downloadSample{
		bytes:        contentRead,
		elapsed:      time.Since(timeStart),
		connectMS:    rec.millis(),
		smoothedMbps: e.Value() * 8 / (timeSlice.Seconds() * 1e6),
	}, nil
}
