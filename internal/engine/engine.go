package engine

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"IP_Quality_Selector_Go/internal/config"
	"IP_Quality_Selector_Go/internal/geo"
	"IP_Quality_Selector_Go/internal/locations"
	"IP_Quality_Selector_Go/internal/metrics"
	"IP_Quality_Selector_Go/internal/resolver"
	"IP_Quality_Selector_Go/internal/scorer"
	"IP_Quality_Selector_Go/internal/tester"
	"IP_Quality_Selector_Go/pkg/model"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ProgressCallback 是一个用于报告进度的回调函数类型
type ProgressCallback func(message string)

// AddressResolver 把域名列表解析为去重后的地址
type AddressResolver interface {
	ResolveAll(ctx context.Context, domains []string) *resolver.Summary
}

// ReachabilityProber 执行快速筛选和稳定性测试
type ReachabilityProber interface {
	QuickFilter(ctx context.Context, address model.Address) model.ProbeResult
	Probe(ctx context.Context, address model.Address, attempts int) model.ProbeResult
}

// BandwidthProber 执行下载测速
type BandwidthProber interface {
	Measure(ctx context.Context, address model.Address) model.BandwidthResult
}

// GeoLocator 返回地址的国家代码
type GeoLocator interface {
	Resolve(ctx context.Context, address model.Address) string
}

// CacheMaintainer 在每次运行开始时清理缓存
type CacheMaintainer interface {
	Cleanup() geo.CleanupStats
}

// Options 是流程的调度参数
type Options struct {
	Concurrency       int
	TopPercent        float64
	StabilityAttempts int
	PaceEvery         int
	PaceDelay         time.Duration
}

// Pipeline 按阶段执行 IP 优选
type Pipeline struct {
	Resolver  AddressResolver
	Prober    ReachabilityProber
	Bandwidth BandwidthProber
	Geo       GeoLocator
	Cache     CacheMaintainer
	Countries locations.CountryMap
	Options   Options
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Report 是一次运行的全部结果，各阶段的切片都按输入顺序或排名顺序排列
type Report struct {
	Domains      []string
	Resolution   *resolver.Summary
	Quick        []model.ProbeResult // 所有地址的快速筛选结果
	Passed       []model.ProbeResult // 通过快速筛选的地址，按延迟升序
	QuickRegions []model.RegionGroup
	Selected     []model.ProbeResult // 百分比截取后的地址
	Stable       []model.ProbeResult
	Bandwidth    []model.BandwidthResult
	Ranked       []model.ScoredCandidate
	FinalRegions []model.RegionGroup
}

// NewCache 根据配置创建地理位置缓存
func NewCache(cfg *config.Config) *geo.Cache {
	return geo.NewCache(geo.CacheOptions{
		TTL:        time.Duration(cfg.Geo.TTLHours) * time.Hour,
		Retention:  time.Duration(cfg.Geo.RetentionHours) * time.Hour,
		MaxEntries: cfg.Geo.MaxEntries,
	}, nil)
}

// New 根据配置创建使用真实网络组件的 Pipeline
func New(cfg *config.Config, countries locations.CountryMap, cache *geo.Cache, logger *zap.Logger, m *metrics.Metrics) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}

	ports, rejected := config.ParsePorts(cfg.Ports)
	for _, p := range rejected {
		logger.Warn("skip invalid port", zap.String("port", p))
	}

	res := resolver.New(cfg.Authorities,
		resolver.WithTimeout(config.Duration(cfg.DNSTimeoutMS)),
		resolver.WithPacing(config.Duration(cfg.DNSPacingMS)),
		resolver.WithLogger(logger.Named("resolver")),
		resolver.WithMetrics(m),
	)

	prober := tester.NewProber(tester.ProbeConfig{
		Ports:       ports,
		Timeout:     config.Duration(cfg.ConnectTimeoutMS),
		GoodDelayMS: float64(cfg.QuickGoodDelayMS),
		MaxDelayMS:  float64(cfg.MaxDelayMS),
		SentinelMS:  float64(cfg.FailureSentinelMS),
	}, tester.WithProberLogger(logger.Named("tcping")))

	speed := tester.NewSpeedTester(tester.SpeedConfig{
		Endpoints:   cfg.SpeedEndpoints,
		SizeBytes:   cfg.SpeedSizeBytes,
		Attempts:    cfg.SpeedAttempts,
		Timeout:     config.Duration(cfg.SpeedTimeoutMS),
		FastMbps:    cfg.SpeedFastMbps,
		RateLimitMB: cfg.SpeedRateLimitMB,
	}, tester.WithFallback(prober.Reach), tester.WithSpeedLogger(logger.Named("speedtest")))

	if cache == nil {
		cache = NewCache(cfg)
	}
	geoTimeout := config.Duration(cfg.Geo.TimeoutMS)
	client := &http.Client{Timeout: geoTimeout}
	geoResolver := geo.NewResolver(cache,
		geo.NewHTTPProvider(cfg.Geo.Primary, client),
		geo.NewHTTPProvider(cfg.Geo.Secondary, client),
		geoTimeout, logger.Named("geo"), m)

	return &Pipeline{
		Resolver:  res,
		Prober:    prober,
		Bandwidth: speed,
		Geo:       geoResolver,
		Cache:     cache,
		Countries: countries,
		Options: Options{
			Concurrency:       cfg.Concurrency,
			TopPercent:        cfg.TopPercent,
			StabilityAttempts: cfg.StabilityAttempts,
			PaceEvery:         cfg.PaceEvery,
			PaceDelay:         config.Duration(cfg.PaceDelayMS),
		},
		Logger:  logger,
		Metrics: m,
	}
}

// Run 启动 IP 优选流程。
// ctx 被取消时立即返回 ctx.Err()；没有任何地址能进入最终排名时返回 ErrNoCandidates。
func (p *Pipeline) Run(ctx context.Context, domains []string, progressCb ProgressCallback) (*Report, error) {
	if progressCb == nil {
		progressCb = func(string) {}
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := p.Options
	if opts.Concurrency <= 0 {
		logger.Warn("concurrency must be positive, using 10", zap.Int("concurrency", opts.Concurrency))
		opts.Concurrency = 10
	}
	if len(domains) == 0 {
		return nil, ErrNoDomains
	}
	report := &Report{Domains: domains}

	if p.Cache != nil {
		stats := p.Cache.Cleanup()
		p.Metrics.ObserveEvictions(stats.Expired + stats.Evicted)
		logger.Info("geo cache cleanup", zap.Int("expired", stats.Expired), zap.Int("evicted", stats.Evicted), zap.Int("remain", stats.Remain))
	}

	// --- 1. DNS 解析 ---
	progressCb(fmt.Sprintf("步骤 1/6: 通过多个 DNS 服务器解析 %d 个域名...", len(domains)))
	start := time.Now()
	summary := p.Resolver.ResolveAll(ctx, domains)
	p.Metrics.ObserveStage("resolve", time.Since(start))
	report.Resolution = summary
	if err := ctx.Err(); err != nil {
		return report, err
	}
	progressCb(fmt.Sprintf("解析完成：%d 个地址，成功 %d 次，失败 %d 次。", len(summary.Addresses), summary.Succeeded, summary.Failed))
	if len(summary.Addresses) == 0 {
		return report, ErrNoAddresses
	}

	// --- 2. 快速筛选 ---
	progressCb(fmt.Sprintf("步骤 2/6: 对 %d 个地址进行快速连通性筛选...", len(summary.Addresses)))
	start = time.Now()
	report.Quick = quickFilter(ctx, p.Prober, summary.Addresses, opts.Concurrency)
	p.Metrics.ObserveStage("quick", time.Since(start))
	if err := ctx.Err(); err != nil {
		return report, err
	}
	for _, r := range report.Quick {
		p.Metrics.ObserveProbe("quick", r.Available)
		if r.Available {
			report.Passed = append(report.Passed, r)
			progressCb(fmt.Sprintf("IP %s: 延迟=%.2fms", r.Address, r.MinDelayMS))
		} else {
			progressCb(fmt.Sprintf("IP %s: 不可用，已舍弃", r.Address))
		}
	}
	if len(report.Passed) == 0 {
		return report, ErrNoReachable
	}
	sort.SliceStable(report.Passed, func(i, j int) bool {
		return report.Passed[i].AvgDelayMS < report.Passed[j].AvgDelayMS
	})

	// --- 3. 快速筛选结果的地理位置 ---
	progressCb(fmt.Sprintf("步骤 3/6: 查询 %d 个地址的地理位置...", len(report.Passed)))
	start = time.Now()
	quickRecords := make([]model.RegionRecord, len(report.Passed))
	for i, r := range report.Passed {
		quickRecords[i] = model.RegionRecord{Address: r.Address, DelayMS: r.AvgDelayMS}
	}
	geolocate(ctx, p.Geo, quickRecords, opts.Concurrency)
	p.Metrics.ObserveStage("geo_quick", time.Since(start))
	if err := ctx.Err(); err != nil {
		return report, err
	}
	report.QuickRegions = scorer.GroupByRegion(quickRecords, p.Countries)

	// --- 4. 稳定性测试 ---
	report.Selected = scorer.TopPercent(report.Passed, opts.TopPercent)
	progressCb(fmt.Sprintf("步骤 4/6: 对延迟最低的 %d 个地址进行 %d 轮稳定性测试...", len(report.Selected), opts.StabilityAttempts))
	start = time.Now()
	for i, r := range report.Selected {
		if err := pace(ctx, opts, i); err != nil {
			return report, err
		}
		res := p.Prober.Probe(ctx, r.Address, opts.StabilityAttempts)
		if err := ctx.Err(); err != nil {
			return report, err
		}
		p.Metrics.ObserveProbe("stability", res.Available)
		if !res.Available {
			progressCb(fmt.Sprintf("IP %s: 稳定性测试全部失败，已舍弃", r.Address))
			continue
		}
		report.Stable = append(report.Stable, res)
		progressCb(fmt.Sprintf("IP %s: 最低=%.2fms, 平均=%.2fms, 方差=%.2f, 失败=%d/%d", res.Address, res.MinDelayMS, res.AvgDelayMS, res.Stability, res.Failures, res.Attempts))
	}
	p.Metrics.ObserveStage("stability", time.Since(start))
	if len(report.Stable) == 0 {
		return report, ErrNoCandidates
	}

	// --- 5. 带宽测试与评分 ---
	progressCb(fmt.Sprintf("步骤 5/6: 对 %d 个地址进行下载测速...", len(report.Stable)))
	start = time.Now()
	var candidates []model.ScoredCandidate
	for i, r := range report.Stable {
		if err := pace(ctx, opts, i); err != nil {
			return report, err
		}
		bw := p.Bandwidth.Measure(ctx, r.Address)
		if err := ctx.Err(); err != nil {
			return report, err
		}
		p.Metrics.ObserveProbe("bandwidth", bw.ThroughputMbps > 0)
		report.Bandwidth = append(report.Bandwidth, bw)
		if bw.Fallback {
			progressCb(fmt.Sprintf("IP %s: 未测到带宽，连接延迟=%.2fms", r.Address, bw.LatencyMS))
		} else {
			progressCb(fmt.Sprintf("IP %s: 下载速度=%.2f Mbps, 连接延迟=%.2fms", r.Address, bw.ThroughputMbps, bw.LatencyMS))
		}
		candidates = append(candidates, scorer.Candidate(r, bw))
	}
	p.Metrics.ObserveStage("bandwidth", time.Since(start))
	report.Ranked = scorer.Rank(candidates)
	if len(report.Ranked) == 0 {
		return report, ErrNoCandidates
	}

	// --- 6. 最终结果的地理位置 ---
	progressCb(fmt.Sprintf("步骤 6/6: 查询 %d 个最终地址的地理位置...", len(report.Ranked)))
	start = time.Now()
	finalRecords := make([]model.RegionRecord, len(report.Ranked))
	for i, c := range report.Ranked {
		finalRecords[i] = model.RegionRecord{Address: c.Address, DelayMS: c.AvgDelayMS}
	}
	geolocate(ctx, p.Geo, finalRecords, opts.Concurrency)
	p.Metrics.ObserveStage("geo_final", time.Since(start))
	if err := ctx.Err(); err != nil {
		return report, err
	}
	report.FinalRegions = scorer.GroupByRegion(finalRecords, p.Countries)

	progressCb(fmt.Sprintf("优选完成：%d 个地址进入最终排名，分布在 %d 个国家/地区。", len(report.Ranked), len(report.FinalRegions)))
	return report, nil
}

// quickFilter 并发测试所有地址，并发数受 limit 限制，结果按输入顺序返回
func quickFilter(ctx context.Context, prober ReachabilityProber, addrs []model.Address, limit int) []model.ProbeResult {
	results := make([]model.ProbeResult, len(addrs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, a := range addrs {
		i, a := i, a
		g.Go(func() error {
			results[i] = prober.QuickFilter(gctx, a)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// geolocate 并发查询国家代码并写回 records
func geolocate(ctx context.Context, locator GeoLocator, records []model.RegionRecord, limit int) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := range records {
		i := i
		g.Go(func() error {
			records[i].CountryCode = locator.Resolve(gctx, records[i].Address)
			return nil
		})
	}
	_ = g.Wait()
}

// pace 每处理 PaceEvery 个地址暂停 PaceDelay
func pace(ctx context.Context, opts Options, i int) error {
	if i == 0 || opts.PaceEvery <= 0 || opts.PaceDelay <= 0 || i%opts.PaceEvery != 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(opts.PaceDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
