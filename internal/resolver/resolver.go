// Package resolver 通过多个独立的 DNS 服务器解析域名，并对结果进行校验和去重。
//
// DNS 服务器按配置顺序依次查询，两次查询之间有固定的间隔，以避免触发上游的限流。
// 关键服务器（默认列表或配置中标记为 critical）在失败时会额外重试一次，
// 其余服务器失败后只记录为失败，不会影响整体结果。
package resolver

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"IP_Quality_Selector_Go/internal/config"
	"IP_Quality_Selector_Go/internal/metrics"
	"IP_Quality_Selector_Go/pkg/model"

	"github.com/cenkalti/backoff/v4"
	"github.com/miekg/dns"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout = 2 * time.Second
	defaultPacing  = 100 * time.Millisecond
)

// DefaultCriticalAuthorities 是失败后允许额外重试一次的服务器地址
var DefaultCriticalAuthorities = []string{"1.1.1.1", "8.8.8.8", "223.5.5.5"}

// Result 是单个域名在所有服务器上的解析结果
type Result struct {
	Domain    string
	Addresses []model.Address // 去重后的地址，保持首次出现的顺序
	Records   []model.ResolutionRecord
	Succeeded int
	Failed    int
}

// Summary 是一组域名的解析汇总
type Summary struct {
	Addresses []model.Address
	Results   []*Result
	Succeeded int
	Failed    int
	Skipped   []string // 无法使用的域名
}

// Resolver 按顺序查询配置的 DNS 服务器
type Resolver struct {
	authorities []config.Authority
	critical    map[string]struct{}
	timeout     time.Duration
	pacing      time.Duration
	pacer       *rate.Limiter
	udp         *dns.Client
	tcp         *dns.Client
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// Option 用于配置 Resolver
type Option func(*Resolver)

// WithTimeout 设置单个服务器的查询超时
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithPacing 设置两次查询之间的最小间隔，0 表示不等待
func WithPacing(d time.Duration) Option {
	return func(r *Resolver) {
		if d >= 0 {
			r.pacing = d
		}
	}
}

// WithCriticalAuthorities 替换默认的关键服务器列表
func WithCriticalAuthorities(hosts ...string) Option {
	return func(r *Resolver) {
		r.critical = make(map[string]struct{}, len(hosts))
		for _, h := range hosts {
			r.critical[h] = struct{}{}
		}
	}
}

// WithLogger 设置日志记录器
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) {
		r.metrics = m
	}
}

// New 创建 Resolver。地址中没有端口的服务器会补上 53 端口。
func New(authorities []config.Authority, opts ...Option) *Resolver {
	r := &Resolver{
		timeout: defaultTimeout,
		pacing:  defaultPacing,
		logger:  zap.NewNop(),
	}
	WithCriticalAuthorities(DefaultCriticalAuthorities...)(r)
	for _, opt := range opts {
		opt(r)
	}

	for _, a := range authorities {
		a.Address = withPort(strings.TrimSpace(a.Address))
		if a.Label == "" {
			a.Label = a.Address
		}
		r.authorities = append(r.authorities, a)
	}

	r.udp = &dns.Client{Net: "udp", Timeout: r.timeout}
	r.tcp = &dns.Client{Net: "tcp", Timeout: r.timeout}
	if r.pacing > 0 {
		r.pacer = rate.NewLimiter(rate.Every(r.pacing), 1)
	}
	return r
}

// Authorities 返回规范化后的服务器列表
func (r *Resolver) Authorities() []config.Authority {
	return append([]config.Authority(nil), r.authorities...)
}

// Resolve 在所有服务器上解析 domain 的 A 记录。
// 单个服务器失败不会返回错误，只有 domain 本身不可用时才返回 ErrInvalidDomain。
func (r *Resolver) Resolve(ctx context.Context, domain string) (*Result, error) {
	domain = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
	if domain == "" || strings.ContainsAny(domain, " \t/") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDomain, domain)
	}
	if _, ok := dns.IsDomainName(domain); !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDomain, domain)
	}

	res := &Result{Domain: domain}
	seen := make(map[model.Address]struct{})

	for i, auth := range r.authorities {
		if err := r.wait(ctx); err != nil {
			// 剩余的服务器不再查询，全部记为失败
			for _, rest := range r.authorities[i:] {
				res.Records = append(res.Records, model.ResolutionRecord{
					Domain:    domain,
					Authority: rest.Address,
					Label:     rest.Label,
				})
			}
			res.Failed += len(r.authorities) - i
			r.logger.Debug("resolution interrupted", zap.String("domain", domain), zap.Error(err))
			break
		}

		addrs, err := r.queryAuthority(ctx, domain, auth)
		rec := model.ResolutionRecord{
			Domain:    domain,
			Authority: auth.Address,
			Label:     auth.Label,
			Addresses: addrs,
			Success:   err == nil,
		}
		res.Records = append(res.Records, rec)
		r.metrics.ObserveAuthority(auth.Label, rec.Success)

		if err != nil {
			res.Failed++
			r.logger.Debug("authority failed",
				zap.String("domain", domain),
				zap.String("authority", auth.Label),
				zap.Error(err))
			continue
		}
		res.Succeeded++
		for _, a := range addrs {
			if _, ok := seen[a]; ok {
				continue
			}
			seen[a] = struct{}{}
			res.Addresses = append(res.Addresses, a)
		}
	}

	r.logger.Info("domain resolved",
		zap.String("domain", domain),
		zap.Int("addresses", len(res.Addresses)),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed))
	return res, nil
}

// ResolveAll 依次解析所有域名并合并去重。无法使用的域名被跳过并记录在 Skipped 中。
// ctx 结束后不再解析后续的域名。
func (r *Resolver) ResolveAll(ctx context.Context, domains []string) *Summary {
	sum := &Summary{}
	seen := make(map[model.Address]struct{})
	for _, d := range domains {
		if ctx.Err() != nil {
			break
		}
		res, err := r.Resolve(ctx, d)
		if err != nil {
			r.logger.Warn("skip domain", zap.String("domain", d), zap.Error(err))
			sum.Skipped = append(sum.Skipped, d)
			continue
		}
		sum.Results = append(sum.Results, res)
		sum.Succeeded += res.Succeeded
		sum.Failed += res.Failed
		for _, a := range res.Addresses {
			if _, ok := seen[a]; ok {
				continue
			}
			seen[a] = struct{}{}
			sum.Addresses = append(sum.Addresses, a)
		}
	}
	return sum
}

// wait 等待下一次查询的时机，ctx 结束时返回错误
func (r *Resolver) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.pacer == nil {
		return nil
	}
	return r.pacer.Wait(ctx)
}

// queryAuthority 查询单个服务器，关键服务器失败后重试一次
func (r *Resolver) queryAuthority(ctx context.Context, domain string, auth config.Authority) ([]model.Address, error) {
	if !r.isCritical(auth) {
		return r.query(ctx, domain, auth.Address)
	}

	var addrs []model.Address
	op := func() error {
		var err error
		addrs, err = r.query(ctx, domain, auth.Address)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(r.pacing), 1), ctx)
	notify := func(err error, _ time.Duration) {
		r.logger.Debug("retry critical authority", zap.String("authority", auth.Label), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return addrs, nil
}

func (r *Resolver) isCritical(auth config.Authority) bool {
	if auth.Critical {
		return true
	}
	host, _, err := net.SplitHostPort(auth.Address)
	if err != nil {
		host = auth.Address
	}
	_, ok := r.critical[host]
	return ok
}

// query 发送一次 A 记录查询。UDP 应答被截断时改用 TCP 重新查询。
func (r *Resolver) query(ctx context.Context, domain, server string) ([]model.Address, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), dns.TypeA)
	msg.RecursionDesired = true

	resp, _, err := r.udp.ExchangeContext(ctx, msg, server)
	if err == nil && resp != nil && resp.Truncated {
		resp, _, err = r.tcp.ExchangeContext(ctx, msg, server)
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, ErrNoAnswer
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("%w: %s", ErrBadRcode, dns.RcodeToString[resp.Rcode])
	}

	addrs := extractAddresses(resp)
	if len(addrs) == 0 {
		return nil, ErrNoAnswer
	}
	return addrs, nil
}

// extractAddresses 从应答中取出合法的 IPv4 地址，丢弃格式错误的条目
func extractAddresses(msg *dns.Msg) []model.Address {
	var out []model.Address
	seen := make(map[model.Address]struct{})
	for _, rr := range msg.Answer {
		a, ok := rr.(*dns.A)
		if !ok || a.A == nil {
			continue
		}
		ip4 := a.A.To4()
		if ip4 == nil {
			continue
		}
		addr, err := model.ParseAddress(ip4.String())
		if err != nil {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}

func withPort(server string) string {
	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	return net.JoinHostPort(server, "53")
}
