// Package router 将批准的下载交付给伴随进程，失败后按退避重试并回退到本地落盘
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"nadecon/internal/companion"
	"nadecon/internal/logger"
	"nadecon/internal/sink"
	"nadecon/pkg/model"
)

var (
	// ErrLinkUnavailable 伴随进程未连接，直接回退
	ErrLinkUnavailable = errors.New("router: companion link unavailable")
	// ErrHandoff 交付伴随进程失败
	ErrHandoff = errors.New("router: handoff failed")
	// ErrSink 本地落盘失败
	ErrSink = errors.New("router: sink failed")
)

const defaultBaseDelay = 500 * time.Millisecond

// Sender 伴随进程连接
type Sender interface {
	Connected() bool
	Send(msg companion.Outbound) bool
}

// Sink 本地下载
type Sink interface {
	Submit(ctx context.Context, req sink.Request) error
}

// Recorder 下载结果记录
type Recorder interface {
	Record(ctx context.Context, out model.DownloadOutcome) error
}

// Request 待路由的下载
type Request struct {
	URL       string
	Filename  string
	Context   model.ContextID
	UserAgent string
	Method    string
	FormData  map[string][]string
}

// Config 路由配置
type Config struct {
	Sender    Sender
	Sink      Sink
	Recorder  Recorder
	Retries   int
	BaseDelay time.Duration
	// NewTimer 退避等待使用的定时器，测试中可替换
	NewTimer func() backoff.Timer
	Events   chan<- model.Event
	Logger   logger.Logger
}

// Router 下载路由状态机
type Router struct {
	sender    Sender
	sink      Sink
	recorder  Recorder
	retries   int
	baseDelay time.Duration
	newTimer  func() backoff.Timer
	events    chan<- model.Event
	wg        sync.WaitGroup
	log       logger.Logger
}

// New 创建下载路由
func New(cfg Config) *Router {
	r := &Router{
		sender:    cfg.Sender,
		sink:      cfg.Sink,
		recorder:  cfg.Recorder,
		retries:   cfg.Retries,
		baseDelay: cfg.BaseDelay,
		newTimer:  cfg.NewTimer,
		events:    cfg.Events,
		log:       logger.OrNop(cfg.Logger).With("component", "router"),
	}
	if r.retries < 0 {
		r.retries = 0
	}
	if r.baseDelay <= 0 {
		r.baseDelay = defaultBaseDelay
	}
	return r
}

// Start 异步执行路由，结果写入返回的通道；调用方的取消不会中断路由
func (r *Router) Start(ctx context.Context, req Request) <-chan model.DownloadOutcome {
	ch := make(chan model.DownloadOutcome, 1)
	ctx = context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ch <- r.Route(ctx, req)
		close(ch)
	}()
	return ch
}

// Wait 等待所有已启动的路由结束
func (r *Router) Wait() {
	r.wg.Wait()
}

// Route 同步执行路由直至成功或放弃
func (r *Router) Route(ctx context.Context, req Request) model.DownloadOutcome {
	ctx = context.WithoutCancel(ctx)
	out := model.DownloadOutcome{
		ID:        uuid.NewString(),
		URL:       req.URL,
		Filename:  req.Filename,
		Context:   req.Context,
		State:     model.RoutePending,
		Via:       model.ViaNone,
		StartedAt: time.Now(),
	}
	l := r.log.With("id", out.ID, "url", req.URL, "filename", req.Filename)

	err := r.handoff(&out, req, l)
	if err == nil {
		return r.finish(ctx, out, model.RouteSucceeded, model.ViaCompanion, l)
	}
	out.Error = err.Error()
	if errors.Is(err, ErrLinkUnavailable) {
		l.Info("伴随进程未连接，回退到本地下载")
	} else {
		l.Warn("交付伴随进程失败，回退到本地下载", "attempts", out.Attempts, "error", err)
	}

	out.State = model.RouteFallbackPrimary
	r.emit(model.Event{Type: model.EventDownloadFallback, Context: req.Context, URL: req.URL, Filename: req.Filename})
	err = r.submit(ctx, req, false)
	if err == nil {
		return r.finish(ctx, out, model.RouteSucceeded, model.ViaSink, l)
	}
	out.Error = err.Error()
	l.Warn("本地下载失败，改为询问用户后重试", "error", err)

	out.State = model.RouteFallbackSecondary
	err = r.submit(ctx, req, true)
	if err == nil {
		return r.finish(ctx, out, model.RouteSucceeded, model.ViaSinkPrompt, l)
	}
	out.Error = err.Error()
	l.Error("下载已放弃", "error", err)
	return r.finish(ctx, out, model.RouteAbandoned, model.ViaNone, l)
}

// handoff 发送给伴随进程，失败时按指数退避重试
func (r *Router) handoff(out *model.DownloadOutcome, req Request, l logger.Logger) error {
	if r.sender == nil || !r.sender.Connected() {
		return ErrLinkUnavailable
	}
	method := req.Method
	if method == "" {
		method = "GET"
	}
	msg := companion.Download{
		URL:       req.URL,
		Filename:  req.Filename,
		UserAgent: req.UserAgent,
		Method:    method,
		FormData:  req.FormData,
	}

	op := func() error {
		out.Attempts++
		out.State = model.RouteHandoff
		if r.sender.Send(msg) {
			return nil
		}
		return ErrHandoff
	}
	notify := func(err error, d time.Duration) {
		l.Debug("交付失败，等待重试", "attempt", out.Attempts, "delay", d.String())
	}

	// WithMaxRetries 的 0 表示不限次数，不重试时直接停止
	var b backoff.BackOff = &backoff.StopBackOff{}
	if r.retries > 0 {
		b = backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(r.baseDelay),
			backoff.WithRandomizationFactor(0),
			backoff.WithMultiplier(2),
			backoff.WithMaxInterval(r.baseDelay<<uint(r.retries)),
			backoff.WithMaxElapsedTime(0),
		), uint64(r.retries))
	}
	var timer backoff.Timer
	if r.newTimer != nil {
		timer = r.newTimer()
	}
	if err := backoff.RetryNotifyWithTimer(op, b, notify, timer); err != nil {
		return fmt.Errorf("%w: %d 次尝试均失败", ErrHandoff, out.Attempts)
	}
	return nil
}

func (r *Router) submit(ctx context.Context, req Request, prompt bool) error {
	if r.sink == nil {
		return fmt.Errorf("%w: no sink configured", ErrSink)
	}
	err := r.sink.Submit(ctx, sink.Request{
		URL:       req.URL,
		Filename:  req.Filename,
		Collision: sink.CollisionUniquify,
		Prompt:    prompt,
		UserAgent: req.UserAgent,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSink, err)
	}
	return nil
}

func (r *Router) finish(ctx context.Context, out model.DownloadOutcome, state model.RouteState, via model.RouteVia, l logger.Logger) model.DownloadOutcome {
	out.State = state
	out.Via = via
	out.FinishedAt = time.Now()
	if state == model.RouteSucceeded {
		out.Error = ""
		l.Info("下载已处理", "via", string(via), "attempts", out.Attempts)
	}

	if r.recorder != nil {
		if err := r.recorder.Record(ctx, out); err != nil {
			l.Err(err, "记录下载结果失败")
		}
	}

	evtType := model.EventDownloadHandled
	if state == model.RouteAbandoned {
		evtType = model.EventDownloadAbandoned
	}
	snapshot := out
	r.emit(model.Event{Type: evtType, Context: out.Context, URL: out.URL, Filename: out.Filename, Outcome: &snapshot})
	return out
}

// emit 非阻塞投递事件
func (r *Router) emit(evt model.Event) {
	if r.events == nil {
		return
	}
	evt.Timestamp = time.Now().UnixMilli()
	select {
	case r.events <- evt:
	default:
	}
}
