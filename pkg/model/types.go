package model

import "time"

type ContextID string
type TransactionID string
type TargetID string

// ResourceKind 事务的资源类型
type ResourceKind string

const (
	KindDocument    ResourceKind = "document"
	KindSubdocument ResourceKind = "subdocument"
	KindXHR         ResourceKind = "xhr"
	KindMedia       ResourceKind = "media"
	KindObject      ResourceKind = "object"
	KindOther       ResourceKind = "other"
)

// IsPageScripted 是否为页面脚本/播放器发起的请求（xhr、media、object），此类请求不可拦截
func (k ResourceKind) IsPageScripted() bool {
	return k == KindXHR || k == KindMedia || k == KindObject
}

// Verdict 分类器结论
type Verdict string

const (
	VerdictIgnore   Verdict = "ignore"
	VerdictMonitor  Verdict = "monitor"
	VerdictDetect   Verdict = "detect"
	VerdictDownload Verdict = "download"
)

// LinkState 伴随进程连接状态
type LinkState string

const (
	LinkDisconnected LinkState = "disconnected"
	LinkConnecting   LinkState = "connecting"
	LinkConnected    LinkState = "connected"
)

// CandidateSource 媒体候选来源
type CandidateSource string

const (
	SourceNetwork CandidateSource = "network"
	SourcePage    CandidateSource = "page"
)

// MediaCandidate 媒体候选项
type MediaCandidate struct {
	URL        string          `json:"url"`
	Filename   string          `json:"filename"`
	Valid      bool            `json:"validMedia"`
	IsManifest bool            `json:"isManifest"`
	Source     CandidateSource `json:"source"`
}

// RouteState 下载路由状态机的状态
type RouteState string

const (
	RoutePending           RouteState = "pending"
	RouteHandoff           RouteState = "handoff"
	RouteFallbackPrimary   RouteState = "fallback_primary"
	RouteFallbackSecondary RouteState = "fallback_secondary"
	RouteSucceeded         RouteState = "succeeded"
	RouteAbandoned         RouteState = "abandoned"
)

// Terminal 是否为终止状态
func (s RouteState) Terminal() bool {
	return s == RouteSucceeded || s == RouteAbandoned
}

// RouteVia 最终完成下载的途径
type RouteVia string

const (
	ViaNone       RouteVia = "none"
	ViaCompanion  RouteVia = "companion"
	ViaSink       RouteVia = "sink"
	ViaSinkPrompt RouteVia = "sink_prompt"
)

// DownloadOutcome 一次下载路由的最终结果
type DownloadOutcome struct {
	ID         string     `json:"id"`
	URL        string     `json:"url"`
	Filename   string     `json:"filename"`
	Context    ContextID  `json:"context"`
	State      RouteState `json:"state"`
	Via        RouteVia   `json:"via"`
	Attempts   int        `json:"attempts"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt time.Time  `json:"finishedAt"`
}

// Settings 外部设置输入
type Settings struct {
	BindAddress string `json:"bindAddress"`
	Port        int    `json:"port"`
	Key         string `json:"key"`
	NotifyPage  bool   `json:"notifyPage"`
}

// EventType 展示层事件类型
type EventType string

const (
	EventCandidateAdded    EventType = "candidate_added"
	EventCandidateNotify   EventType = "candidate_notify"
	EventIntercepted       EventType = "intercepted"
	EventDownloadHandled   EventType = "download_handled"
	EventDownloadFallback  EventType = "download_fallback"
	EventDownloadAbandoned EventType = "download_abandoned"
	EventLinkState         EventType = "link_state"
	EventCompanionEvent    EventType = "companion_event"
	EventCompanionSuccess  EventType = "companion_success"
	EventCompanionError    EventType = "companion_error"
	EventContextCleared    EventType = "context_cleared"
)

// Event 推送给展示层的事件
type Event struct {
	Type      EventType        `json:"type"`
	Context   ContextID        `json:"context,omitempty"`
	URL       string           `json:"url,omitempty"`
	Filename  string           `json:"filename,omitempty"`
	Candidate *MediaCandidate  `json:"candidate,omitempty"`
	Outcome   *DownloadOutcome `json:"outcome,omitempty"`
	Link      LinkState        `json:"link,omitempty"`
	Message   string           `json:"message,omitempty"`
	Timestamp int64            `json:"timestamp"`
}

type TargetInfo struct {
	ID        TargetID `json:"id"`
	Type      string   `json:"type"`
	URL       string   `json:"url"`
	Title     string   `json:"title"`
	IsCurrent bool     `json:"isCurrent"`
	IsUser    bool     `json:"isUser"`
}

// HistoryQuery 下载历史查询条件，零值表示不过滤
type HistoryQuery struct {
	Context ContextID  `json:"context,omitempty"`
	State   RouteState `json:"state,omitempty"`
	Limit   int        `json:"limit,omitempty"`
}

// EngineStats 引擎运行统计
type EngineStats struct {
	Requests     int64     `json:"requests"`
	Responses    int64     `json:"responses"`
	Ignored      int64     `json:"ignored"`
	Monitored    int64     `json:"monitored"`
	Detected     int64     `json:"detected"`
	Downloads    int64     `json:"downloads"`
	Transactions int       `json:"transactions"`
	Link         LinkState `json:"link"`
}
