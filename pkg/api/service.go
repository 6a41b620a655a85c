package api

import (
	"context"

	"nadecon/internal/config"
	"nadecon/internal/logger"
	"nadecon/internal/service"
	"nadecon/pkg/model"
	"nadecon/pkg/traffic"
)

// Service 服务接口
type Service interface {
	// Start 连接伴随进程并启动定期清理
	Start(ctx context.Context) error

	// Close 停止服务并释放资源
	Close() error

	// Dispatch 处理宿主推送的流量事件
	Dispatch(ctx context.Context, ev traffic.Event) traffic.Decision

	// ReportCandidate 上报页面发现的媒体候选
	ReportCandidate(ctx context.Context, ctxID model.ContextID, url, filename string, forceValid bool) (model.MediaCandidate, bool)

	// ListCandidates 列出上下文的媒体候选
	ListCandidates(ctxID model.ContextID) []model.MediaCandidate

	// Clear 清空上下文的媒体候选
	Clear(ctxID model.ContextID) int

	// ClearAll 清空全部媒体候选
	ClearAll()

	// ApplySettings 应用设置并重连伴随进程
	ApplySettings(s model.Settings) error

	// LinkState 伴随进程连接状态
	LinkState() model.LinkState

	// SendURL 直接发送 URL 给伴随进程
	SendURL(url, filename string) error

	// SmartDownload 用户主动发起的下载，走完整的交付与回退流程
	SmartDownload(ctx context.Context, ctxID model.ContextID, url, filename string) <-chan model.DownloadOutcome

	// History 查询下载历史
	History(ctx context.Context, q model.HistoryQuery) ([]model.DownloadOutcome, error)

	// Stats 获取引擎统计信息
	Stats() model.EngineStats

	// SubscribeEvents 订阅事件
	SubscribeEvents() <-chan model.Event
}

// NewService 创建并返回服务接口实现
func NewService(cfg *config.Config, l logger.Logger) (Service, error) {
	s, err := service.New(cfg, l)
	if err != nil {
		return nil, err
	}
	return s, nil
}
