// Package handler 按事件类型协调事务表、分类器、候选表、去重与下载路由
package handler

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nadecon/internal/dedup"
	"nadecon/internal/identity"
	"nadecon/internal/logger"
	"nadecon/internal/probe"
	"nadecon/internal/registry"
	"nadecon/internal/router"
	"nadecon/internal/rules"
	"nadecon/internal/tracker"
	"nadecon/pkg/model"
	"nadecon/pkg/traffic"
)

const defaultCandidateName = "media"

// Router 下载路由
type Router interface {
	Start(ctx context.Context, req router.Request) <-chan model.DownloadOutcome
}

// Prober 响应头探测
type Prober interface {
	Probe(ctx context.Context, url string) probe.Details
}

// Handler 事件处理器
type Handler struct {
	tracker    *tracker.Tracker
	classifier *rules.Engine
	registry   *registry.Registry
	dedup      *dedup.Cache
	router     Router
	prober     Prober
	events     chan<- model.Event
	notifyPage atomic.Bool
	now        func() time.Time
	wg         sync.WaitGroup
	log        logger.Logger

	// intakes 有候选处理未完成的上下文；关闭上下文时递增 gen，使处理中的结果作废
	intakeMu sync.Mutex
	intakes  map[model.ContextID]*intakeState
}

type intakeState struct {
	gen     uint64
	pending int
}

// Config 配置选项
type Config struct {
	Tracker    *tracker.Tracker
	Classifier *rules.Engine
	Registry   *registry.Registry
	Dedup      *dedup.Cache
	Router     Router
	Prober     Prober
	Events     chan<- model.Event
	NotifyPage bool
	Logger     logger.Logger
}

// New 创建事件处理器
func New(cfg Config) *Handler {
	l := logger.OrNop(cfg.Logger)
	h := &Handler{
		tracker:    cfg.Tracker,
		classifier: cfg.Classifier,
		registry:   cfg.Registry,
		dedup:      cfg.Dedup,
		router:     cfg.Router,
		prober:     cfg.Prober,
		events:     cfg.Events,
		now:        time.Now,
		log:        l.With("component", "handler"),
		intakes:    make(map[model.ContextID]*intakeState),
	}
	if h.tracker == nil {
		h.tracker = tracker.New(0, l)
	}
	if h.classifier == nil {
		h.classifier = rules.New()
	}
	if h.registry == nil {
		h.registry = registry.New(l)
	}
	if h.dedup == nil {
		h.dedup = dedup.New(0)
	}
	h.notifyPage.Store(cfg.NotifyPage)
	return h
}

// SetNotifyPage 设置是否向页面推送候选通知
func (h *Handler) SetNotifyPage(on bool) {
	h.notifyPage.Store(on)
}

// Dispatch 处理一次入站事件并返回处理结论
func (h *Handler) Dispatch(ctx context.Context, ev traffic.Event) traffic.Decision {
	switch e := ev.(type) {
	case traffic.RequestStarted:
		return h.onRequest(ctx, e)
	case traffic.Redirected:
		return h.onRedirect(ctx, e.ID, e.Target)
	case traffic.HeadersReceived:
		return h.onHeaders(ctx, e)
	case traffic.CandidateReported:
		h.ReportCandidate(ctx, e.Context, e.URL, e.Filename, e.ForceValid)
		return traffic.Decision{Verdict: model.VerdictDetect}
	case traffic.ContextClosed:
		h.closeContext(e.Context)
		return traffic.Decision{Verdict: model.VerdictIgnore}
	default:
		h.log.Warn("未知事件类型，已忽略", "event", ev)
		return traffic.Decision{Verdict: model.VerdictIgnore}
	}
}

// onRequest 请求阶段；已跟踪的事务再次出现时视为重定向
func (h *Handler) onRequest(ctx context.Context, e traffic.RequestStarted) traffic.Decision {
	if h.tracker.Has(e.ID) {
		return h.onRedirect(ctx, e.ID, e.URL)
	}

	v := h.classifier.ClassifyRequest(e.URL, e.Method, e.Kind)
	b := tracker.Begin{
		ID:        e.ID,
		URL:       e.URL,
		Method:    e.Method,
		Context:   e.Context,
		Kind:      e.Kind,
		UserAgent: e.Headers.Get("user-agent"),
		Timestamp: e.Timestamp,
	}
	if strings.EqualFold(e.Method, "POST") {
		b.FormData = e.PostData
	}
	h.tracker.Begin(b)

	if rules.Escalates(v, e.Kind) {
		h.intakeAsync(ctx, candidateInput{Context: e.Context, URL: e.URL, Source: model.SourceNetwork})
	}
	return traffic.Decision{Verdict: v}
}

// onRedirect 记录重定向并按事务的资源类型对新地址重新分类
func (h *Handler) onRedirect(ctx context.Context, id model.TransactionID, target string) traffic.Decision {
	if !h.tracker.RecordRedirect(id, target) {
		h.log.Debug("重定向对应的事务不存在", "id", string(id), "target", target)
		return traffic.Decision{Verdict: model.VerdictIgnore}
	}
	tx, _ := h.tracker.Get(id)
	v := h.classifier.ClassifyRequest(target, tx.Method, tx.Kind)
	h.log.Debug("记录重定向", "id", string(id), "target", target, "verdict", string(v))
	if rules.Escalates(v, tx.Kind) {
		h.intakeAsync(ctx, candidateInput{Context: tx.Context, URL: target, Source: model.SourceNetwork})
	}
	return traffic.Decision{Verdict: v}
}

func (h *Handler) onHeaders(ctx context.Context, e traffic.HeadersReceived) traffic.Decision {
	tx := h.tracker.RecordResponse(tracker.Response{
		ID:         e.ID,
		URL:        e.URL,
		Method:     e.Method,
		Context:    e.Context,
		Kind:       e.Kind,
		StatusCode: e.StatusCode,
		Headers:    e.Headers,
	})
	kind := tx.Kind
	if kind == "" {
		kind = e.Kind
	}
	finalURL := tx.FinalURL()
	v := h.classifier.ClassifyResponse(e.StatusCode, e.Headers, finalURL, kind)

	switch v {
	case model.VerdictDownload:
		return h.approve(ctx, tx, finalURL)
	case model.VerdictDetect:
		h.tracker.SetVerdict(tx.ID, v, false)
		h.intakeAsync(ctx, candidateInput{
			Context: tx.Context,
			URL:     finalURL,
			Source:  model.SourceNetwork,
			Observed: &probe.Details{
				Valid:              true,
				ContentType:        tx.ContentType,
				ContentDisposition: tx.ContentDisposition,
				ContentLength:      tx.ContentLength,
			},
		})
	default:
		h.tracker.SetVerdict(tx.ID, v, false)
	}
	return traffic.Decision{Verdict: v}
}

// approve 去重后交给下载路由；去重命中时原请求继续
func (h *Handler) approve(ctx context.Context, tx tracker.Transaction, finalURL string) traffic.Decision {
	canonical := identity.Canonicalize(finalURL)
	if !h.dedup.TryAcquire(canonical, h.now()) {
		h.tracker.SetVerdict(tx.ID, model.VerdictDownload, false)
		h.log.Debug("去重窗口内的重复下载，放行原请求", "url", canonical)
		return traffic.Decision{Verdict: model.VerdictDownload, Suppressed: true}
	}

	filename := identity.ResolveFilename(finalURL, tx.ContentType, tx.ContentDisposition)
	h.tracker.SetVerdict(tx.ID, model.VerdictDownload, true)
	h.log.Info("拦截下载", "url", finalURL, "filename", filename, "context", string(tx.Context))
	h.sendEvent(model.Event{Type: model.EventIntercepted, Context: tx.Context, URL: finalURL, Filename: filename})

	req := router.Request{
		URL:       finalURL,
		Filename:  filename,
		Context:   tx.Context,
		UserAgent: tx.UserAgent,
		Method:    tx.Method,
		FormData:  parseForm(tx.Method, tx.FormData),
	}
	d := traffic.Decision{Verdict: model.VerdictDownload, Intercept: true}
	if h.router != nil {
		d.Outcome = h.router.Start(ctx, req)
	}
	return d
}

func parseForm(method, body string) map[string][]string {
	if !strings.EqualFold(method, "POST") || body == "" {
		return nil
	}
	values, err := url.ParseQuery(body)
	if err != nil || len(values) == 0 {
		return nil
	}
	return values
}

type candidateInput struct {
	Context  model.ContextID
	URL      string
	Filename string
	Forced   bool
	Source   model.CandidateSource
	Observed *probe.Details // 已观察到的响应头，为空时发起探测
}

// ReportCandidate 接收页面上报的媒体候选，返回是否新增
func (h *Handler) ReportCandidate(ctx context.Context, ctxID model.ContextID, rawURL, filename string, forceValid bool) (model.MediaCandidate, bool) {
	in := candidateInput{
		Context:  ctxID,
		URL:      rawURL,
		Filename: filename,
		Forced:   forceValid,
		Source:   model.SourcePage,
	}
	return h.intake(ctx, in, h.beginIntake(ctxID))
}

func (h *Handler) intakeAsync(ctx context.Context, in candidateInput) {
	ctx = context.WithoutCancel(ctx)
	gen := h.beginIntake(in.Context)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.intake(ctx, in, gen)
	}()
}

func (h *Handler) intake(ctx context.Context, in candidateInput, gen uint64) (model.MediaCandidate, bool) {
	c, ok := h.resolve(ctx, in)
	if !ok {
		h.commit(in.Context, gen, nil)
		return model.MediaCandidate{}, false
	}
	if !h.commit(in.Context, gen, &c) {
		return c, false
	}
	h.sendEvent(model.Event{Type: model.EventCandidateAdded, Context: in.Context, URL: c.URL, Filename: c.Filename, Candidate: &c})
	if h.notifyPage.Load() && in.Context != "" && in.Source != model.SourcePage {
		h.sendEvent(model.Event{Type: model.EventCandidateNotify, Context: in.Context, URL: c.URL, Filename: c.Filename, Candidate: &c})
	}
	return c, true
}

// beginIntake 登记一次候选处理，返回上下文当前的代号
func (h *Handler) beginIntake(ctxID model.ContextID) uint64 {
	h.intakeMu.Lock()
	defer h.intakeMu.Unlock()
	st, ok := h.intakes[ctxID]
	if !ok {
		st = &intakeState{}
		h.intakes[ctxID] = st
	}
	st.pending++
	return st.gen
}

// commit 结束一次候选处理；c 为空表示候选无效，上下文在处理期间被关闭时丢弃结果
func (h *Handler) commit(ctxID model.ContextID, gen uint64, c *model.MediaCandidate) bool {
	h.intakeMu.Lock()
	defer h.intakeMu.Unlock()
	st := h.intakes[ctxID]
	st.pending--
	if st.pending == 0 {
		delete(h.intakes, ctxID)
	}
	if c == nil {
		return false
	}
	if st.gen != gen {
		h.log.Debug("浏览上下文已关闭，丢弃候选", "context", string(ctxID), "url", c.URL)
		return false
	}
	return h.registry.Add(ctxID, *c)
}

// resolve 规范化地址并确定文件名；非强制候选在没有已知响应头时发起探测
func (h *Handler) resolve(ctx context.Context, in candidateInput) (model.MediaCandidate, bool) {
	canonical := identity.Canonicalize(in.URL)
	c := model.MediaCandidate{URL: canonical, Valid: true, Source: in.Source}

	if in.Forced {
		name := in.Filename
		if name == "" {
			name = defaultCandidateName
		}
		c.Filename = identity.Sanitize(name)
	} else {
		d := in.Observed
		if d == nil {
			if h.prober == nil {
				return model.MediaCandidate{}, false
			}
			pd := h.prober.Probe(ctx, canonical)
			d = &pd
		}
		if !d.Valid {
			h.log.Debug("非媒体资源，丢弃候选", "url", canonical, "contentType", d.ContentType)
			return model.MediaCandidate{}, false
		}
		c.Filename = identity.ResolveFilename(canonical, d.ContentType, d.ContentDisposition)
		c.IsManifest = rules.IsManifestType(d.ContentType) || isManifestName(c.Filename)
	}
	return c, true
}

func isManifestName(name string) bool {
	switch identity.Extension(name) {
	case "m3u8", "m3u", "mpd":
		return true
	}
	return false
}

func (h *Handler) closeContext(ctxID model.ContextID) {
	h.intakeMu.Lock()
	if st, ok := h.intakes[ctxID]; ok {
		st.gen++
	}
	n := h.registry.Clear(ctxID)
	h.intakeMu.Unlock()
	m := h.tracker.RemoveContext(ctxID)
	h.log.Info("浏览上下文已关闭", "context", string(ctxID), "candidates", n, "transactions", m)
	h.sendEvent(model.Event{Type: model.EventContextCleared, Context: ctxID})
}

// Candidates 返回上下文的候选列表
func (h *Handler) Candidates(ctxID model.ContextID) []model.MediaCandidate {
	return h.registry.List(ctxID)
}

// Sweep 清理过期事务与去重记录
func (h *Handler) Sweep(now time.Time) {
	txs := h.tracker.Sweep(now)
	keys := h.dedup.Sweep(now)
	if txs > 0 || keys > 0 {
		h.log.Debug("定期清理完成", "transactions", txs, "dedup", keys)
	}
}

// Wait 等待后台候选处理结束
func (h *Handler) Wait() {
	h.wg.Wait()
}

// sendEvent 安全发送事件到通道，自动添加时间戳
func (h *Handler) sendEvent(evt model.Event) {
	if h.events == nil {
		return
	}
	evt.Timestamp = time.Now().UnixMilli()
	select {
	case h.events <- evt:
	default:
	}
}
