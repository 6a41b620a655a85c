package cdp

import (
	"time"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/tidwall/gjson"

	"nadecon/pkg/model"
	"nadecon/pkg/traffic"
)

// IsResponseStage 暂停是否发生在响应阶段
func IsResponseStage(ev *fetch.RequestPausedReply) bool {
	return ev.ResponseStatusCode != nil
}

// ToEvent 将 CDP 拦截事件转换为中立的流量事件，target 作为浏览上下文
func ToEvent(target model.TargetID, ev *fetch.RequestPausedReply) traffic.Event {
	ctxID := model.ContextID(target)
	kind := eventKind(target, ev)
	now := time.Now()

	if !IsResponseStage(ev) {
		e := traffic.RequestStarted{
			ID:        TransactionID(ev),
			URL:       ev.Request.URL,
			Method:    ev.Request.Method,
			Context:   ctxID,
			Kind:      kind,
			Headers:   parseHeaders(ev.Request.Headers),
			Timestamp: now,
		}
		if ev.Request.PostData != nil {
			e.PostData = *ev.Request.PostData
		}
		return e
	}

	status := 0
	if ev.ResponseStatusCode != nil {
		status = *ev.ResponseStatusCode
	}
	h := make(traffic.Header, len(ev.ResponseHeaders))
	for _, entry := range ev.ResponseHeaders {
		h.Set(entry.Name, entry.Value)
	}
	return traffic.HeadersReceived{
		ID:         TransactionID(ev),
		URL:        ev.Request.URL,
		Method:     ev.Request.Method,
		Context:    ctxID,
		Kind:       kind,
		StatusCode: status,
		Headers:    h,
		Timestamp:  now,
	}
}

// TransactionID 使用网络层请求 ID，重定向链上保持不变；缺失时退回 Fetch 请求 ID
func TransactionID(ev *fetch.RequestPausedReply) model.TransactionID {
	if ev.NetworkID != nil && *ev.NetworkID != "" {
		return model.TransactionID(*ev.NetworkID)
	}
	return model.TransactionID(ev.RequestID)
}

// ToResourceKind 映射 CDP 资源类型；CDP 不区分插件请求，object 不会出现
func ToResourceKind(rt network.ResourceType) model.ResourceKind {
	switch rt {
	case network.ResourceTypeDocument:
		return model.KindDocument
	case network.ResourceTypeXHR, network.ResourceTypeFetch:
		return model.KindXHR
	case network.ResourceTypeMedia:
		return model.KindMedia
	default:
		return model.KindOther
	}
}

// eventKind 页面目标的主帧 ID 与目标 ID 相同，其余帧的文档请求视为子文档
func eventKind(target model.TargetID, ev *fetch.RequestPausedReply) model.ResourceKind {
	kind := ToResourceKind(ev.ResourceType)
	if kind == model.KindDocument && ev.FrameID != "" && string(ev.FrameID) != string(target) {
		return model.KindSubdocument
	}
	return kind
}

// parseHeaders 请求头是 JSON 对象，值可能不是字符串
func parseHeaders(raw []byte) traffic.Header {
	h := traffic.Header{}
	if len(raw) == 0 {
		return h
	}
	gjson.ParseBytes(raw).ForEach(func(k, v gjson.Result) bool {
		h.Set(k.String(), v.String())
		return true
	})
	return h
}
