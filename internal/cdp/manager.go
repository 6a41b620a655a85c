// Package cdp 通过 Chrome DevTools 协议接入浏览器，将 Fetch 拦截事件交给引擎处理
package cdp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/rpcc"

	"nadecon/internal/logger"
	"nadecon/pkg/model"
	"nadecon/pkg/traffic"
)

const defaultProcessTimeout = 3 * time.Second

var (
	ErrNoTarget    = errors.New("cdp: no matching target")
	ErrNotAttached = errors.New("cdp: target not attached")
)

// Dispatcher 接收流量事件并给出处理结论
type Dispatcher interface {
	Dispatch(ctx context.Context, ev traffic.Event) traffic.Decision
}

// fetchActions Fetch 域中用于放行或取消请求的操作
type fetchActions interface {
	ContinueRequest(ctx context.Context, args *fetch.ContinueRequestArgs) error
	ContinueResponse(ctx context.Context, args *fetch.ContinueResponseArgs) error
	FailRequest(ctx context.Context, args *fetch.FailRequestArgs) error
}

// Config 管理器配置
type Config struct {
	DevToolsURL    string
	Concurrency    int // <=0 时每个事件一个 goroutine
	ProcessTimeout time.Duration
	Dispatcher     Dispatcher
	Logger         logger.Logger
}

// targetSession 单个已附加目标的连接
type targetSession struct {
	id      model.TargetID
	conn    *rpcc.Conn
	client  *cdp.Client
	fetch   fetchActions
	ctx     context.Context
	cancel  context.CancelFunc
	consume sync.Once
}

// Manager 管理附加的浏览器目标与拦截开关
type Manager struct {
	devtoolsURL    string
	dispatcher     Dispatcher
	processTimeout time.Duration
	pool           *workerPool
	enabled        atomic.Bool

	targetsMu sync.Mutex
	targets   map[model.TargetID]*targetSession

	log logger.Logger
}

// New 创建管理器
func New(cfg Config) *Manager {
	m := &Manager{
		devtoolsURL:    cfg.DevToolsURL,
		dispatcher:     cfg.Dispatcher,
		processTimeout: cfg.ProcessTimeout,
		targets:        make(map[model.TargetID]*targetSession),
		log:            logger.OrNop(cfg.Logger).With("component", "cdp"),
	}
	if m.processTimeout <= 0 {
		m.processTimeout = defaultProcessTimeout
	}
	if cfg.Concurrency > 0 {
		m.pool = newWorkerPool(cfg.Concurrency)
	}
	return m
}

// ListTargets 列出浏览器中的目标
func (m *Manager) ListTargets(ctx context.Context) ([]model.TargetInfo, error) {
	targets, err := devtool.New(m.devtoolsURL).List(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取目标列表: %w", err)
	}
	m.targetsMu.Lock()
	defer m.targetsMu.Unlock()
	out := make([]model.TargetInfo, 0, len(targets))
	for _, t := range targets {
		_, attached := m.targets[model.TargetID(t.ID)]
		out = append(out, model.TargetInfo{
			ID:        model.TargetID(t.ID),
			Type:      string(t.Type),
			URL:       t.URL,
			Title:     t.Title,
			IsCurrent: attached,
			IsUser:    t.Type == devtool.Page,
		})
	}
	return out, nil
}

// AttachTarget 附加到指定目标，id 为空时选择第一个页面
func (m *Manager) AttachTarget(ctx context.Context, id model.TargetID) (model.TargetID, error) {
	targets, err := devtool.New(m.devtoolsURL).List(ctx)
	if err != nil {
		return "", fmt.Errorf("获取目标列表: %w", err)
	}
	var sel *devtool.Target
	for _, t := range targets {
		if (id == "" && t.Type == devtool.Page) || (id != "" && model.TargetID(t.ID) == id) {
			sel = t
			break
		}
	}
	if sel == nil {
		return "", ErrNoTarget
	}
	tid := model.TargetID(sel.ID)

	m.targetsMu.Lock()
	if _, ok := m.targets[tid]; ok {
		m.targetsMu.Unlock()
		return tid, nil
	}
	m.targetsMu.Unlock()

	conn, err := rpcc.DialContext(ctx, sel.WebSocketDebuggerURL)
	if err != nil {
		return "", fmt.Errorf("连接目标: %w", err)
	}
	client := cdp.NewClient(conn)
	sctx, cancel := context.WithCancel(context.Background())
	ts := &targetSession{id: tid, conn: conn, client: client, fetch: client.Fetch, ctx: sctx, cancel: cancel}

	m.targetsMu.Lock()
	if _, ok := m.targets[tid]; ok {
		m.targetsMu.Unlock()
		m.closeTargetSession(ts)
		return tid, nil
	}
	m.targets[tid] = ts
	m.targetsMu.Unlock()

	m.log.Info("已附加目标", "target", string(tid), "url", sel.URL)
	if m.isEnabled() {
		if err := m.enableTarget(ts); err != nil {
			m.log.Err(err, "启用目标拦截失败", "target", string(tid))
		}
	}
	return tid, nil
}

// DetachTarget 断开指定目标，不视为上下文关闭
func (m *Manager) DetachTarget(id model.TargetID) error {
	m.targetsMu.Lock()
	ts, ok := m.targets[id]
	if ok {
		delete(m.targets, id)
	}
	m.targetsMu.Unlock()
	if !ok {
		return ErrNotAttached
	}
	m.closeTargetSession(ts)
	m.log.Info("已断开目标", "target", string(id))
	return nil
}

// AttachedTargets 已附加的目标 ID
func (m *Manager) AttachedTargets() []model.TargetID {
	m.targetsMu.Lock()
	defer m.targetsMu.Unlock()
	out := make([]model.TargetID, 0, len(m.targets))
	for id := range m.targets {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Enable 在所有已附加目标上开启请求与响应阶段的拦截
func (m *Manager) Enable() error {
	m.enabled.Store(true)
	var errs []error
	for _, ts := range m.sessions() {
		if err := m.enableTarget(ts); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ts.id, err))
		}
	}
	m.log.Info("拦截已启用")
	return errors.Join(errs...)
}

// Disable 关闭拦截，目标保持附加
func (m *Manager) Disable() error {
	m.enabled.Store(false)
	var errs []error
	for _, ts := range m.sessions() {
		if ts.client == nil {
			continue
		}
		if err := ts.client.Fetch.Disable(ts.ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ts.id, err))
		}
	}
	m.log.Info("拦截已停用")
	return errors.Join(errs...)
}

// Close 断开所有目标并等待处理中的事件结束
func (m *Manager) Close() error {
	m.enabled.Store(false)
	m.targetsMu.Lock()
	sessions := make([]*targetSession, 0, len(m.targets))
	for id, ts := range m.targets {
		sessions = append(sessions, ts)
		delete(m.targets, id)
	}
	m.targetsMu.Unlock()

	for _, ts := range sessions {
		m.closeTargetSession(ts)
	}
	if m.pool != nil {
		m.pool.wait()
	}
	return nil
}

func (m *Manager) isEnabled() bool { return m.enabled.Load() }

func (m *Manager) sessions() []*targetSession {
	m.targetsMu.Lock()
	defer m.targetsMu.Unlock()
	out := make([]*targetSession, 0, len(m.targets))
	for _, ts := range m.targets {
		out = append(out, ts)
	}
	return out
}

func (m *Manager) enableTarget(ts *targetSession) error {
	if ts.client == nil {
		return ErrNotAttached
	}
	if err := ts.client.Network.Enable(ts.ctx, nil); err != nil {
		return fmt.Errorf("启用 Network 域: %w", err)
	}
	p := "*"
	patterns := []fetch.RequestPattern{
		{URLPattern: &p, RequestStage: fetch.RequestStageRequest},
		{URLPattern: &p, RequestStage: fetch.RequestStageResponse},
	}
	if err := ts.client.Fetch.Enable(ts.ctx, &fetch.EnableArgs{Patterns: patterns}); err != nil {
		return fmt.Errorf("启用 Fetch 域: %w", err)
	}
	ts.consume.Do(func() { go m.consume(ts) })
	return nil
}

func (m *Manager) closeTargetSession(ts *targetSession) {
	if ts.cancel != nil {
		ts.cancel()
	}
	if ts.conn != nil {
		if err := ts.conn.Close(); err != nil {
			m.log.Debug("关闭目标连接出错", "target", string(ts.id), "error", err)
		}
	}
}
