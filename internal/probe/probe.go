// Package probe 通过 HEAD 请求获取 URL 的响应头并判断是否为媒体资源
package probe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"nadecon/internal/logger"
)

// ErrTimeout HEAD 请求超时
var ErrTimeout = errors.New("probe: timeout")

const (
	// DefaultTimeout 单次 HEAD 请求超时
	DefaultTimeout  = 2 * time.Second
	defaultCacheTTL = time.Minute
)

// Details HEAD 探测结果
type Details struct {
	Valid              bool
	ContentType        string
	ContentDisposition string
	ContentLength      int64 // -1 表示未知
	Err                error
}

// Config 探测器配置
type Config struct {
	Client  *http.Client
	Timeout time.Duration
	// Rate 每秒允许发起的探测数，<=0 不限速
	Rate      float64
	Burst     int
	CacheTTL  time.Duration // <0 不缓存结果
	UserAgent string
	Logger    logger.Logger
}

type cached struct {
	d   Details
	exp time.Time
}

// Prober HEAD 探测器，同一 URL 的并发调用共享一次请求
type Prober struct {
	client    *http.Client
	timeout   time.Duration
	limiter   *rate.Limiter
	group     singleflight.Group
	ttl       time.Duration
	userAgent string
	log       logger.Logger

	mu    sync.Mutex
	cache map[string]cached
	now   func() time.Time
}

// New 创建探测器
func New(cfg Config) *Prober {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = defaultCacheTTL
	}
	return &Prober{
		client:    client,
		timeout:   timeout,
		limiter:   rate.NewLimiter(limit, burst),
		ttl:       ttl,
		userAgent: cfg.UserAgent,
		log:       logger.OrNop(cfg.Logger).With("component", "probe"),
		cache:     make(map[string]cached),
		now:       time.Now,
	}
}

// Probe 探测 URL；超时与网络错误返回 Valid=false，不重试
func (p *Prober) Probe(ctx context.Context, url string) Details {
	if d, ok := p.lookup(url); ok {
		return d
	}
	v, _, _ := p.group.Do(url, func() (any, error) {
		d := p.fetch(context.WithoutCancel(ctx), url)
		p.store(url, d)
		return d, nil
	})
	return v.(Details)
}

func (p *Prober) fetch(ctx context.Context, url string) Details {
	if err := p.limiter.Wait(ctx); err != nil {
		return Details{ContentLength: -1, Err: err}
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return Details{ContentLength: -1, Err: err}
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %s", ErrTimeout, url)
		}
		p.log.Warn("HEAD 探测失败", "url", url, "error", err)
		return Details{ContentLength: -1, Err: err}
	}
	defer resp.Body.Close()

	d := Details{
		ContentType:        resp.Header.Get("Content-Type"),
		ContentDisposition: resp.Header.Get("Content-Disposition"),
		ContentLength:      -1,
	}
	if n, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil && n >= 0 {
		d.ContentLength = n
	}
	d.Valid = IsMediaType(d.ContentType)
	p.log.Debug("HEAD 探测完成", "url", url, "status", resp.StatusCode, "contentType", d.ContentType, "valid", d.Valid)
	return d
}

// IsMediaType 音视频、GIF、HLS/DASH 清单或通用二进制流
func IsMediaType(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.HasPrefix(ct, "video/") ||
		strings.HasPrefix(ct, "audio/") ||
		strings.HasPrefix(ct, "image/gif") ||
		strings.Contains(ct, "mpegurl") ||
		strings.Contains(ct, "dash+xml") ||
		strings.Contains(ct, "application/octet-stream")
}

func (p *Prober) lookup(url string) (Details, bool) {
	if p.ttl < 0 {
		return Details{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.cache[url]
	if !ok {
		return Details{}, false
	}
	if p.now().After(c.exp) {
		delete(p.cache, url)
		return Details{}, false
	}
	return c.d, true
}

func (p *Prober) store(url string, d Details) {
	if p.ttl < 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache[url] = cached{d: d, exp: p.now().Add(p.ttl)}
}

// Sweep 清理过期的探测结果
func (p *Prober) Sweep(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for url, c := range p.cache {
		if now.After(c.exp) {
			delete(p.cache, url)
			n++
		}
	}
	return n
}
