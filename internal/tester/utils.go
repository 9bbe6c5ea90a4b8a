package tester

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"IP_Quality_Selector_Go/pkg/model"
)

const (
	// DefaultTCPPort 默认测速端口
	DefaultTCPPort = 443

	userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_12_6) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/98.0.4758.80 Safari/537.36"
)

// hostPort 拼接地址和端口
func hostPort(address model.Address, port int) string {
	return net.JoinHostPort(string(address), strconv.Itoa(port))
}

// toMillis 把 time.Duration 转换为浮点毫秒
func toMillis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// dialRecorder 记录强制拨号的最短建连耗时
type dialRecorder struct {
	mu   sync.Mutex
	best time.Duration
}

func (r *dialRecorder) observe(d time.Duration) {
	r.mu.Lock()
	if r.best == 0 || d < r.best {
		r.best = d
	}
	r.mu.Unlock()
}

func (r *dialRecorder) millis() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return toMillis(r.best)
}

// getDialContext 创建一个自定义的拨号上下文，强制通过指定的 IP 地址进行连接。
// 端口沿用请求地址中的端口，没有端口时使用 DefaultTCPPort。
func getDialContext(ip model.Address, rec *dialRecorder) func(ctx context.Context, network, address string) (net.Conn, error) {
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		port := DefaultTCPPort
		if _, p, err := net.SplitHostPort(address); err == nil {
			if n, err := strconv.Atoi(p); err == nil {
				port = n
			}
		}
		start := time.Now()
		conn, err := (&net.Dialer{}).DialContext(ctx, network, hostPort(ip, port))
		if err != nil {
			return nil, err
		}
		if rec != nil {
			rec.observe(time.Since(start))
		}
		return conn, nil
	}
}
