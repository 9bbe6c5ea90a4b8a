package tester

import (
	"context"
	"net"
	"time"

	"IP_Quality_Selector_Go/pkg/model"

	"go.uber.org/zap"
)

// ConnectFunc 建立一次 TCP 连接并返回耗时（毫秒）
type ConnectFunc func(ctx context.Context, address model.Address, port int, timeout time.Duration) (float64, error)

// TCPConnectLatency 测量到 address:port 的一次 TCP 建连耗时
func TCPConnectLatency(ctx context.Context, address model.Address, port int, timeout time.Duration) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", hostPort(address, port))
	if err != nil {
		return 0, err
	}
	elapsed := time.Since(start)
	_ = conn.Close()
	return toMillis(elapsed), nil
}

// ProbeConfig 是 TCP 延迟测试的参数
type ProbeConfig struct {
	Ports       []int
	Timeout     time.Duration
	GoodDelayMS float64 // 低于该延迟时不再尝试其他端口
	MaxDelayMS  float64 // 快速筛选的拒绝上限
	SentinelMS  float64 // 连接失败的尝试记为该延迟
}

// Prober 执行快速筛选和稳定性测试
type Prober struct {
	cfg     ProbeConfig
	connect ConnectFunc
	logger  *zap.Logger
}

// ProberOption 用于配置 Prober
type ProberOption func(*Prober)

// WithConnectFunc 替换底层的建连函数
func WithConnectFunc(fn ConnectFunc) ProberOption {
	return func(p *Prober) {
		if fn != nil {
			p.connect = fn
		}
	}
}

// WithProberLogger 设置日志记录器
func WithProberLogger(l *zap.Logger) ProberOption {
	return func(p *Prober) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewProber 创建 Prober，未配置端口时使用 DefaultTCPPort
func NewProber(cfg ProbeConfig, opts ...ProberOption) *Prober {
	if len(cfg.Ports) == 0 {
		cfg.Ports = []int{DefaultTCPPort}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	if cfg.SentinelMS <= 0 {
		cfg.SentinelMS = toMillis(cfg.Timeout)
	}
	p := &Prober{cfg: cfg, connect: TCPConnectLatency, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Reach 依次尝试每个端口，遇到低于 GoodDelayMS 的延迟立即返回。
// 返回所有成功连接中的最低延迟；所有端口都失败时 ok 为 false。
func (p *Prober) Reach(ctx context.Context, address model.Address) (best float64, ok bool) {
	for _, port := range p.cfg.Ports {
		d, err := p.connect(ctx, address, port, p.cfg.Timeout)
		if err != nil {
			p.logger.Debug("connect failed", zap.String("address", string(address)), zap.Int("port", port), zap.Error(err))
			continue
		}
		if !ok || d < best {
			best = d
			ok = true
		}
		if best < p.cfg.GoodDelayMS {
			break
		}
	}
	return best, ok
}

// QuickFilter 对每个端口只测一次，最佳延迟不超过 MaxDelayMS 时通过
func (p *Prober) QuickFilter(ctx context.Context, address model.Address) model.ProbeResult {
	res := model.ProbeResult{Address: address, Attempts: 1}
	best, ok := p.Reach(ctx, address)
	if !ok {
		res.Failures = 1
		return res
	}
	res.MinDelayMS = best
	res.AvgDelayMS = best
	res.Available = best <= p.cfg.MaxDelayMS
	return res
}

// Probe 重复 attempts 次 Reach。无法连接的尝试记为 SentinelMS，
// 计入稳定性方差，因此失败次数越多方差越大；最小和平均延迟只统计成功的尝试。
func (p *Prober) Probe(ctx context.Context, address model.Address, attempts int) model.ProbeResult {
	if attempts <= 0 {
		attempts = 1
	}
	res := model.ProbeResult{Address: address, Attempts: attempts}

	samples := make([]float64, 0, attempts)
	var (
		sum       float64
		connected int
	)
	for i := 0; i < attempts; i++ {
		d, ok := p.Reach(ctx, address)
		if !ok {
			res.Failures++
			samples = append(samples, p.cfg.SentinelMS)
			continue
		}
		samples = append(samples, d)
		if connected == 0 || d < res.MinDelayMS {
			res.MinDelayMS = d
		}
		sum += d
		connected++
	}

	if connected == 0 {
		return model.ProbeResult{Address: address, Attempts: attempts, Failures: attempts}
	}
	res.Available = true
	res.AvgDelayMS = sum / float64(connected)
	res.Stability = variance(samples)
	return res
}

// variance 计算总体方差
func variance(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var mean float64
	for _, s := range samples {
		mean += s
	}
	mean /= float64(len(samples))

	var acc float64
	for _, s := range samples {
		acc += (s - mean) * (s - mean)
	}
	return acc / float64(len(samples))
}
