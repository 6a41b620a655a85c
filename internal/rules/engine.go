package rules

import (
	"regexp"
	"slices"
	"strings"
	"sync/atomic"

	"nadecon/internal/identity"
	"nadecon/internal/mime"
	"nadecon/pkg/model"
	"nadecon/pkg/traffic"
)

var (
	// 请求阶段：媒体/字幕/容器扩展名
	mediaExtRe = regexp.MustCompile(`(?i)\.(m3u8|mpd|ts|mp4|webm|m4s|mp4a|fmp4|aac|mp3|ogg|flac|wav|mov|avi|wmv|flv|vtt|srt|ass|scc|opus|ogv|mkv)(\?.*)?$`)
	// 请求阶段：流媒体关键字
	streamingRe = regexp.MustCompile(`(?i)(chunk|segment|playlist|manifest|stream|video|audio|hls|dash|drm|playable_url|video_play|stream_src|media|file=|\?src=|\?url=|\?video=|\?audio=|\.m3u8|\.mpd|\.ism|\.isml)`)
	// 请求阶段：已知媒体站点
	mediaDomainRe = regexp.MustCompile(`(?i)(youtube\.com|googlevideo\.com|vimeo\.com|twitch\.tv|dailymotion\.com|soundcloud\.com|spotifycdn\.com|netflix\.com|disneyplus\.com|hbomax\.com)`)
)

// denyHosts 与 denyPaths 同时命中时忽略（接口与遥测端点）
var (
	denyHosts = []string{"facebook.com", "fbcdn.net"}
	denyPaths = []string{"/ajax/", "bootloader-endpoint", "graphql"}
)

// downloadExtensions 常见的归档、安装包、文档与媒体扩展名
var downloadExtensions = []string{
	"exe", "msi", "dmg", "pkg", "deb", "rpm", "zip", "rar", "7z", "tar", "gz", "bz2",
	"pdf", "doc", "docx", "xls", "xlsx", "ppt", "pptx", "apk", "ipa", "iso", "img",
	"mp4", "mkv", "webm", "avi", "mov", "wmv", "flv", "mp3", "wav", "flac", "aac",
	"ogg", "m4a", "opus",
}

// Engine 流量分类器，请求阶段与响应阶段各自按顺序匹配，首条命中即返回
type Engine struct {
	stats struct {
		requests  atomic.Int64
		responses atomic.Int64
		ignored   atomic.Int64
		monitored atomic.Int64
		detected  atomic.Int64
		downloads atomic.Int64
	}
}

// Stats 分类统计
type Stats struct {
	Requests  int64 `json:"requests"`
	Responses int64 `json:"responses"`
	Ignored   int64 `json:"ignored"`
	Monitored int64 `json:"monitored"`
	Detected  int64 `json:"detected"`
	Downloads int64 `json:"downloads"`
}

// New 创建分类器
func New() *Engine { return &Engine{} }

// ClassifyRequest 请求阶段分类，仅依据 URL 判断是否值得关注
func (e *Engine) ClassifyRequest(url, method string, kind model.ResourceKind) model.Verdict {
	e.stats.requests.Add(1)
	v := classifyRequest(url)
	e.count(v)
	return v
}

func classifyRequest(url string) model.Verdict {
	lower := strings.ToLower(url)

	if containsAny(lower, denyHosts) && containsAny(lower, denyPaths) {
		return model.VerdictIgnore
	}
	if mediaExtRe.MatchString(lower) {
		return model.VerdictMonitor
	}
	if streamingRe.MatchString(lower) {
		return model.VerdictMonitor
	}
	if mediaDomainRe.MatchString(lower) {
		return model.VerdictMonitor
	}
	return model.VerdictIgnore
}

// Escalates 请求阶段的 monitor 结论对页面脚本类请求直接提交为媒体候选
func Escalates(v model.Verdict, kind model.ResourceKind) bool {
	return v == model.VerdictMonitor && kind.IsPageScripted()
}

// ClassifyResponse 响应阶段分类，依据状态码与响应头给出最终结论
func (e *Engine) ClassifyResponse(status int, headers traffic.Header, url string, kind model.ResourceKind) model.Verdict {
	e.stats.responses.Add(1)
	v := classifyResponse(status, headers, url, kind)
	e.count(v)
	return v
}

func classifyResponse(status int, headers traffic.Header, url string, kind model.ResourceKind) model.Verdict {
	if status != 200 && status != 206 && status != 304 {
		return model.VerdictIgnore
	}

	ct := mime.Normalize(headers.Get("content-type"))
	cd := headers.Get("content-disposition")
	attachment := strings.Contains(strings.ToLower(cd), "attachment")

	// 页面脚本/播放器请求只做探测，拦截会破坏页面播放
	if kind.IsPageScripted() {
		if IsStreamingType(ct) || ct == "application/x-mpegurl" || ct == "application/vnd.apple.mpegurl" {
			return model.VerdictDetect
		}
		if ct == "application/octet-stream" && segmentHint(url) {
			return model.VerdictDetect
		}
		return model.VerdictIgnore
	}

	if !attachment && (ct == "text/html" || ct == "application/xhtml+xml") {
		return model.VerdictIgnore
	}
	if attachment {
		return model.VerdictDownload
	}

	ext := candidateExtension(cd, url)
	known := mime.Accepts(ct, ext)
	if !known && (ct == "application/octet-stream" || slices.Contains(downloadExtensions, ext)) {
		known = true
	}

	if known {
		if downgraded(ct) {
			if ct == "text/plain" && (ext == "m3u8" || ext == "m3u") {
				return model.VerdictDetect
			}
			return model.VerdictIgnore
		}
		return model.VerdictDownload
	}

	if isMediaType(ct) {
		return model.VerdictDownload
	}
	return model.VerdictIgnore
}

// IsStreamingType 音视频或流媒体清单类型
func IsStreamingType(ct string) bool {
	return isMediaType(ct) || strings.Contains(ct, "octet-stream-m3u8")
}

// IsManifestType 流媒体清单类型（HLS/DASH）
func IsManifestType(ct string) bool {
	ct = mime.Normalize(ct)
	return strings.Contains(ct, "mpegurl") || strings.Contains(ct, "dash+xml") || strings.Contains(ct, "octet-stream-m3u8")
}

func isMediaType(ct string) bool {
	return strings.HasPrefix(ct, "video/") ||
		strings.HasPrefix(ct, "audio/") ||
		strings.Contains(ct, "mpegurl") ||
		strings.Contains(ct, "dash+xml")
}

// downgraded 图片、脚本、样式、JSON、HTML、纯文本即使扩展名匹配也不下载
func downgraded(ct string) bool {
	return strings.HasPrefix(ct, "image/") ||
		strings.Contains(ct, "javascript") ||
		ct == "text/css" ||
		ct == "application/json" ||
		ct == "text/html" ||
		ct == "text/plain"
}

func segmentHint(url string) bool {
	return strings.Contains(url, ".ts") || strings.Contains(url, ".m4s") || strings.Contains(url, "segment")
}

// candidateExtension 优先取 Content-Disposition 文件名的扩展名，否则取 URL 路径末段
func candidateExtension(cd, url string) string {
	if name, ok := identity.ContentDispositionFilename(cd); ok {
		return identity.Extension(name)
	}
	return identity.Extension(identity.ResolveFilename(url, "", ""))
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func (e *Engine) count(v model.Verdict) {
	switch v {
	case model.VerdictIgnore:
		e.stats.ignored.Add(1)
	case model.VerdictMonitor:
		e.stats.monitored.Add(1)
	case model.VerdictDetect:
		e.stats.detected.Add(1)
	case model.VerdictDownload:
		e.stats.downloads.Add(1)
	}
}

// Stats 返回分类统计快照
func (e *Engine) Stats() Stats {
	return Stats{
		Requests:  e.stats.requests.Load(),
		Responses: e.stats.responses.Load(),
		Ignored:   e.stats.ignored.Load(),
		Monitored: e.stats.monitored.Load(),
		Detected:  e.stats.detected.Load(),
		Downloads: e.stats.downloads.Load(),
	}
}
