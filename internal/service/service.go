// Package service 组装引擎各组件，对外提供服务接口
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"nadecon/internal/companion"
	"nadecon/internal/config"
	"nadecon/internal/dedup"
	"nadecon/internal/handler"
	"nadecon/internal/identity"
	"nadecon/internal/logger"
	"nadecon/internal/probe"
	"nadecon/internal/registry"
	"nadecon/internal/router"
	"nadecon/internal/rules"
	"nadecon/internal/sink"
	"nadecon/internal/storage"
	"nadecon/internal/tracker"
	"nadecon/pkg/model"
	"nadecon/pkg/traffic"
)

const eventBuffer = 256

// ErrNoHistory 未配置历史存储
var ErrNoHistory = errors.New("service: history store not configured")

// Service 服务实现
type Service struct {
	cfg        *config.Config
	events     chan model.Event
	link       *companion.Link
	classifier *rules.Engine
	tracker    *tracker.Tracker
	registry   *registry.Registry
	prober     *probe.Prober
	router     *router.Router
	handler    *handler.Handler
	store      *storage.Store

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	log logger.Logger
}

// New 按配置创建服务
func New(cfg *config.Config, l logger.Logger) (*Service, error) {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l = logger.OrNop(l)

	s := &Service{
		cfg:    cfg,
		events: make(chan model.Event, eventBuffer),
		log:    l.With("component", "service"),
	}

	if cfg.Sqlite.Dsn != "" {
		store, err := storage.Open(storage.Config{DSN: cfg.Sqlite.Dsn, Prefix: cfg.Sqlite.Prefix, Logger: l})
		if err != nil {
			return nil, err
		}
		s.store = store
	}

	s.link = companion.New(companion.Config{
		Endpoint:          endpointOf(cfg.Settings()),
		ReconnectInterval: cfg.Companion.ReconnectInterval,
		HeartbeatInterval: cfg.Companion.HeartbeatInterval,
		Events:            s.events,
		Logger:            l,
	})

	var prompt sink.PromptFunc
	if cfg.Fallback.Prompt {
		prompt = sink.TerminalPrompt(os.Stdin, os.Stderr)
	}
	fileSink := sink.New(sink.Config{
		Dir:       cfg.Fallback.Dir,
		Prompt:    prompt,
		UserAgent: cfg.Companion.UserAgent,
		Logger:    l,
	})

	var recorder router.Recorder
	if s.store != nil {
		recorder = s.store
	}
	s.router = router.New(router.Config{
		Sender:    s.link,
		Sink:      fileSink,
		Recorder:  recorder,
		Retries:   cfg.Engine.HandoffRetries,
		BaseDelay: cfg.Engine.HandoffBaseDelay,
		Events:    s.events,
		Logger:    l,
	})

	s.prober = probe.New(probe.Config{
		Timeout:   cfg.Engine.ProbeTimeout,
		Rate:      cfg.Engine.ProbeRate,
		Burst:     int(cfg.Engine.ProbeRate),
		UserAgent: cfg.Companion.UserAgent,
		Logger:    l,
	})

	s.classifier = rules.New()
	s.tracker = tracker.New(cfg.Engine.StaleAfter, l)
	s.registry = registry.New(l)
	s.handler = handler.New(handler.Config{
		Tracker:    s.tracker,
		Classifier: s.classifier,
		Registry:   s.registry,
		Dedup:      dedup.New(cfg.Engine.DedupWindow),
		Router:     s.router,
		Prober:     s.prober,
		Events:     s.events,
		NotifyPage: cfg.NotifyPage,
		Logger:     l,
	})
	return s, nil
}

func endpointOf(st model.Settings) companion.Endpoint {
	return companion.Endpoint{Address: st.BindAddress, Port: st.Port, Key: st.Key}
}

// Start 连接伴随进程并启动定期清理
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.sweepLoop(ctx, s.done)

	s.link.Connect()
	s.log.Info("服务已启动", "companion", s.link.Endpoint().Address, "port", s.link.Endpoint().Port)
	return nil
}

// sweepLoop 按固定周期清理过期数据，与单个事务的生命周期无关
func (s *Service) sweepLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.Engine.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.sweep(ctx, now)
		}
	}
}

func (s *Service) sweep(ctx context.Context, now time.Time) {
	s.handler.Sweep(now)
	s.prober.Sweep(now)
	if s.store != nil && s.cfg.Sqlite.Retention > 0 {
		if _, err := s.store.Prune(ctx, now.Add(-s.cfg.Sqlite.Retention)); err != nil {
			s.log.Err(err, "清理下载历史失败")
		}
	}
}

// Close 停止服务并释放资源
func (s *Service) Close() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.started = false
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	var errs []error
	if err := s.link.Close(); err != nil {
		errs = append(errs, err)
	}
	s.handler.Wait()
	s.router.Wait()
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.log.Info("服务已停止")
	return errors.Join(errs...)
}

// Dispatch 处理宿主推送的流量事件
func (s *Service) Dispatch(ctx context.Context, ev traffic.Event) traffic.Decision {
	return s.handler.Dispatch(ctx, ev)
}

// ReportCandidate 上报页面发现的媒体候选
func (s *Service) ReportCandidate(ctx context.Context, ctxID model.ContextID, url, filename string, forceValid bool) (model.MediaCandidate, bool) {
	return s.handler.ReportCandidate(ctx, ctxID, url, filename, forceValid)
}

// ListCandidates 列出上下文的媒体候选
func (s *Service) ListCandidates(ctxID model.ContextID) []model.MediaCandidate {
	return s.registry.List(ctxID)
}

// Clear 清空上下文的媒体候选
func (s *Service) Clear(ctxID model.ContextID) int {
	return s.registry.Clear(ctxID)
}

// ClearAll 清空全部媒体候选
func (s *Service) ClearAll() {
	s.registry.ClearAll()
}

// ApplySettings 应用设置并重连伴随进程
func (s *Service) ApplySettings(st model.Settings) error {
	if st.Port < 1 || st.Port > 65535 {
		return fmt.Errorf("无效端口: %d", st.Port)
	}
	if st.BindAddress == "" {
		st.BindAddress = "localhost"
	}
	s.handler.SetNotifyPage(st.NotifyPage)
	s.link.Configure(endpointOf(st))
	s.log.Info("设置已更新", "address", st.BindAddress, "port", st.Port, "notifyPage", st.NotifyPage)
	return nil
}

// LinkState 伴随进程连接状态
func (s *Service) LinkState() model.LinkState {
	return s.link.State()
}

// SendURL 直接发送 URL 给伴随进程，未连接时返回错误
func (s *Service) SendURL(url, filename string) error {
	if !s.link.Connected() {
		return router.ErrLinkUnavailable
	}
	if filename == "" {
		filename = identity.ResolveFilename(url, "", "")
	}
	ok := s.link.Send(companion.Download{
		URL:       url,
		Filename:  filename,
		UserAgent: s.cfg.Companion.UserAgent,
		Method:    "GET",
	})
	if !ok {
		return fmt.Errorf("%w: %s", router.ErrHandoff, url)
	}
	s.log.Info("已发送给伴随进程", "url", url, "filename", filename)
	return nil
}

// SmartDownload 用户主动发起的下载，视为附件走完整的交付与回退流程
func (s *Service) SmartDownload(ctx context.Context, ctxID model.ContextID, url, filename string) <-chan model.DownloadOutcome {
	cd := ""
	if filename != "" {
		cd = fmt.Sprintf("attachment; filename=%q", filename)
	}
	name := identity.ResolveFilename(url, "application/octet-stream", cd)
	return s.router.Start(ctx, router.Request{
		URL:       url,
		Filename:  name,
		Context:   ctxID,
		UserAgent: s.cfg.Companion.UserAgent,
		Method:    "GET",
	})
}

// History 查询下载历史
func (s *Service) History(ctx context.Context, q model.HistoryQuery) ([]model.DownloadOutcome, error) {
	if s.store == nil {
		return nil, ErrNoHistory
	}
	return s.store.History(ctx, q)
}

// Stats 获取引擎统计信息
func (s *Service) Stats() model.EngineStats {
	st := s.classifier.Stats()
	return model.EngineStats{
		Requests:     st.Requests,
		Responses:    st.Responses,
		Ignored:      st.Ignored,
		Monitored:    st.Monitored,
		Detected:     st.Detected,
		Downloads:    st.Downloads,
		Transactions: s.tracker.Len(),
		Link:         s.link.State(),
	}
}

// SubscribeEvents 订阅事件
func (s *Service) SubscribeEvents() <-chan model.Event {
	return s.events
}
