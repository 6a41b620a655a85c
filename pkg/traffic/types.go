package traffic

import (
	"strings"
	"time"

	"nadecon/pkg/model"
)

// Header 封装通用的头部操作
type Header map[string]string

// Get 获取指定 Header 的值（大小写不敏感）
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[strings.ToLower(key)]
}

// Set 设置指定 Header 的值（自动转换为小写）
func (h Header) Set(key, value string) {
	h[strings.ToLower(key)] = value
}

// Del 删除指定 Header
func (h Header) Del(key string) {
	delete(h, strings.ToLower(key))
}

// Clone 复制一份 Header
func (h Header) Clone() Header {
	out := make(Header, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Event 宿主环境推送给引擎的入站事件
type Event interface {
	TransactionID() model.TransactionID
	isEvent()
}

// RequestStarted 请求开始
type RequestStarted struct {
	ID        model.TransactionID
	URL       string
	Method    string
	Context   model.ContextID
	Kind      model.ResourceKind
	Headers   Header
	PostData  string
	Timestamp time.Time
}

// Redirected 请求被重定向
type Redirected struct {
	ID     model.TransactionID
	Target string
}

// HeadersReceived 收到响应头
type HeadersReceived struct {
	ID         model.TransactionID
	URL        string
	Method     string
	Context    model.ContextID
	Kind       model.ResourceKind
	StatusCode int
	Headers    Header
	Timestamp  time.Time
}

// CandidateReported 页面抓取协作方上报的媒体候选
type CandidateReported struct {
	Context    model.ContextID
	URL        string
	Filename   string
	ForceValid bool
}

// ContextClosed 浏览上下文关闭
type ContextClosed struct {
	Context model.ContextID
}

func (e RequestStarted) TransactionID() model.TransactionID    { return e.ID }
func (e Redirected) TransactionID() model.TransactionID        { return e.ID }
func (e HeadersReceived) TransactionID() model.TransactionID   { return e.ID }
func (e CandidateReported) TransactionID() model.TransactionID { return "" }
func (e ContextClosed) TransactionID() model.TransactionID     { return "" }

func (RequestStarted) isEvent()    {}
func (Redirected) isEvent()        {}
func (HeadersReceived) isEvent()   {}
func (CandidateReported) isEvent() {}
func (ContextClosed) isEvent()     {}

// Decision 引擎对一次事件的处理结论
type Decision struct {
	Verdict    model.Verdict
	Intercept  bool // 宿主应取消原请求
	Suppressed bool // 去重窗口内重复，未进入路由
	Outcome    <-chan model.DownloadOutcome
}
