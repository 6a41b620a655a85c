package cdp

import (
	"context"
	"time"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"

	adapter "nadecon/internal/adapter/cdp"
	"nadecon/pkg/model"
	"nadecon/pkg/traffic"
)

// handle 处理一次拦截事件：交给引擎判定，再放行或取消
func (m *Manager) handle(ts *targetSession, ev *fetch.RequestPausedReply) {
	ctx, cancel := context.WithTimeout(ts.ctx, m.processTimeout)
	defer cancel()
	start := time.Now()

	response := adapter.IsResponseStage(ev)
	var d traffic.Decision
	if m.dispatcher != nil {
		d = m.dispatcher.Dispatch(ctx, adapter.ToEvent(ts.id, ev))
	}

	switch {
	case response && d.Intercept:
		err := ts.fetch.FailRequest(ctx, &fetch.FailRequestArgs{RequestID: ev.RequestID, ErrorReason: network.ErrorReasonAborted})
		if err != nil {
			m.log.Err(err, "取消浏览器下载失败", "target", string(ts.id), "url", ev.Request.URL)
			return
		}
		m.log.Info("已取消浏览器下载，交由下载路由处理", "target", string(ts.id), "url", ev.Request.URL)
	case response:
		m.continueResponse(ctx, ts, ev)
	default:
		m.continueRequest(ctx, ts, ev)
	}
	m.log.Debug("拦截事件处理完成", "response", response, "verdict", string(d.Verdict), "duration", time.Since(start))
}

func (m *Manager) continueRequest(ctx context.Context, ts *targetSession, ev *fetch.RequestPausedReply) {
	if err := ts.fetch.ContinueRequest(ctx, &fetch.ContinueRequestArgs{RequestID: ev.RequestID}); err != nil {
		m.log.Err(err, "放行请求失败", "target", string(ts.id), "url", ev.Request.URL)
	}
}

func (m *Manager) continueResponse(ctx context.Context, ts *targetSession, ev *fetch.RequestPausedReply) {
	if err := ts.fetch.ContinueResponse(ctx, &fetch.ContinueResponseArgs{RequestID: ev.RequestID}); err != nil {
		m.log.Err(err, "放行响应失败", "target", string(ts.id), "url", ev.Request.URL)
	}
}

// dispatchPaused 根据并发配置调度单次拦截事件处理
func (m *Manager) dispatchPaused(ts *targetSession, ev *fetch.RequestPausedReply) {
	if m.pool == nil {
		go m.handle(ts, ev)
		return
	}
	submitted := m.pool.submit(func() {
		m.handle(ts, ev)
	})
	if !submitted {
		m.degradeAndContinue(ts, ev, "并发已满")
	}
}

// consume 持续接收拦截事件并按并发限制分发处理
func (m *Manager) consume(ts *targetSession) {
	rp, err := ts.client.Fetch.RequestPaused(ts.ctx)
	if err != nil {
		m.log.Err(err, "订阅拦截事件流失败", "target", string(ts.id))
		m.handleTargetStreamClosed(ts, err)
		return
	}
	defer rp.Close()

	m.log.Info("开始消费拦截事件流", "target", string(ts.id))
	for {
		ev, err := rp.Recv()
		if err != nil {
			m.handleTargetStreamClosed(ts, err)
			return
		}
		m.dispatchPaused(ts, ev)
	}
}

// handleTargetStreamClosed 拦截流终止：目标仍在列表中说明页面已关闭，移除并通知引擎
func (m *Manager) handleTargetStreamClosed(ts *targetSession, err error) {
	m.targetsMu.Lock()
	cur, ok := m.targets[ts.id]
	if ok && cur == ts {
		delete(m.targets, ts.id)
	}
	m.targetsMu.Unlock()
	if !ok || cur != ts {
		m.log.Debug("目标已断开，停止事件消费", "target", string(ts.id))
		return
	}

	m.log.Warn("拦截流被中断，自动移除目标", "target", string(ts.id), "error", err)
	m.closeTargetSession(ts)
	if m.dispatcher != nil {
		m.dispatcher.Dispatch(context.Background(), traffic.ContextClosed{Context: model.ContextID(ts.id)})
	}
}

// degradeAndContinue 统一的降级处理：直接放行请求
func (m *Manager) degradeAndContinue(ts *targetSession, ev *fetch.RequestPausedReply, reason string) {
	m.log.Warn("执行降级策略：直接放行", "target", string(ts.id), "reason", reason, "requestID", string(ev.RequestID))
	ctx, cancel := context.WithTimeout(ts.ctx, time.Second)
	defer cancel()
	if adapter.IsResponseStage(ev) {
		m.continueResponse(ctx, ts, ev)
		return
	}
	m.continueRequest(ctx, ts, ev)
}
