package rules

import (
	"testing"

	"nadecon/pkg/model"
	"nadecon/pkg/traffic"
)

func hdr(kv ...string) traffic.Header {
	h := traffic.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return h
}

func TestClassifyRequest(t *testing.T) {
	e := New()
	tests := []struct {
		name string
		url  string
		want model.Verdict
	}{
		{"facebook graphql denied", "https://www.facebook.com/api/graphql/?video=1", model.VerdictIgnore},
		{"fbcdn ajax denied", "https://static.fbcdn.net/ajax/stream.mp4", model.VerdictIgnore},
		{"facebook video allowed", "https://video.fbcdn.net/v/t42/clip.mp4?oh=1", model.VerdictMonitor},
		{"extension with query", "https://cdn.example.com/a/b/index.M3U8?token=x", model.VerdictMonitor},
		{"subtitle", "https://cdn.example.com/subs/en.vtt", model.VerdictMonitor},
		{"keyword", "https://cdn.example.com/api/getChunk?id=7", model.VerdictMonitor},
		{"query key", "https://player.example.com/embed?src=abc", model.VerdictMonitor},
		{"known domain", "https://www.youtube.com/watch?v=abc", model.VerdictMonitor},
		{"plain page", "https://example.com/index.html", model.VerdictIgnore},
		{"script", "https://example.com/app.js", model.VerdictIgnore},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.ClassifyRequest(tt.url, "GET", model.KindXHR); got != tt.want {
				t.Errorf("ClassifyRequest(%q) = %s, want %s", tt.url, got, tt.want)
			}
		})
	}
}

func TestEscalates(t *testing.T) {
	if !Escalates(model.VerdictMonitor, model.KindMedia) {
		t.Error("monitor on media should escalate")
	}
	if Escalates(model.VerdictMonitor, model.KindDocument) {
		t.Error("monitor on document should not escalate")
	}
	if Escalates(model.VerdictIgnore, model.KindXHR) {
		t.Error("ignore should not escalate")
	}
}

func TestClassifyResponse(t *testing.T) {
	e := New()
	tests := []struct {
		name    string
		status  int
		headers traffic.Header
		url     string
		kind    model.ResourceKind
		want    model.Verdict
	}{
		{
			name:    "attachment short-circuits extension logic",
			status:  200,
			headers: hdr("Content-Type", "application/octet-stream", "Content-Disposition", `attachment; filename="x.bin"`),
			url:     "https://example.com/dl",
			kind:    model.KindDocument,
			want:    model.VerdictDownload,
		},
		{
			name:    "xhr video is detect only",
			status:  200,
			headers: hdr("Content-Type", "video/mp4"),
			url:     "https://example.com/v.mp4",
			kind:    model.KindXHR,
			want:    model.VerdictDetect,
		},
		{
			name:    "media attachment still detect",
			status:  200,
			headers: hdr("Content-Type", "audio/mpeg", "Content-Disposition", "attachment"),
			url:     "https://example.com/a.mp3",
			kind:    model.KindMedia,
			want:    model.VerdictDetect,
		},
		{
			name:    "xhr octet-stream segment",
			status:  206,
			headers: hdr("Content-Type", "application/octet-stream"),
			url:     "https://example.com/hls/seg-12.ts",
			kind:    model.KindXHR,
			want:    model.VerdictDetect,
		},
		{
			name:    "xhr octet-stream without hint",
			status:  200,
			headers: hdr("Content-Type", "application/octet-stream"),
			url:     "https://example.com/blob",
			kind:    model.KindObject,
			want:    model.VerdictIgnore,
		},
		{
			name:    "xhr json ignored",
			status:  200,
			headers: hdr("Content-Type", "application/json"),
			url:     "https://example.com/api",
			kind:    model.KindXHR,
			want:    model.VerdictIgnore,
		},
		{
			name:    "status filter",
			status:  404,
			headers: hdr("Content-Type", "video/mp4"),
			url:     "https://example.com/v.mp4",
			kind:    model.KindDocument,
			want:    model.VerdictIgnore,
		},
		{
			name:    "not modified allowed",
			status:  304,
			headers: hdr("Content-Type", "application/zip"),
			url:     "https://example.com/pkg.zip",
			kind:    model.KindDocument,
			want:    model.VerdictDownload,
		},
		{
			name:    "html page",
			status:  200,
			headers: hdr("Content-Type", "text/html; charset=utf-8"),
			url:     "https://example.com/report.pdf",
			kind:    model.KindDocument,
			want:    model.VerdictIgnore,
		},
		{
			name:    "html attachment",
			status:  200,
			headers: hdr("Content-Type", "text/html", "Content-Disposition", "Attachment; filename=page.html"),
			url:     "https://example.com/save",
			kind:    model.KindSubdocument,
			want:    model.VerdictDownload,
		},
		{
			name:    "registry match",
			status:  200,
			headers: hdr("Content-Type", "application/pdf"),
			url:     "https://example.com/docs/manual.pdf",
			kind:    model.KindDocument,
			want:    model.VerdictDownload,
		},
		{
			name:    "well-known extension with mismatched type",
			status:  200,
			headers: hdr("Content-Type", "application/x-whatever"),
			url:     "https://example.com/setup.exe",
			kind:    model.KindDocument,
			want:    model.VerdictDownload,
		},
		{
			name:    "octet-stream is known",
			status:  200,
			headers: hdr("Content-Type", "application/octet-stream"),
			url:     "https://example.com/firmware.img2",
			kind:    model.KindOther,
			want:    model.VerdictDownload,
		},
		{
			name:    "image downgraded",
			status:  200,
			headers: hdr("Content-Type", "image/png"),
			url:     "https://example.com/logo.png",
			kind:    model.KindDocument,
			want:    model.VerdictIgnore,
		},
		{
			name:    "script downgraded",
			status:  200,
			headers: hdr("Content-Type", "text/javascript"),
			url:     "https://example.com/app.js",
			kind:    model.KindOther,
			want:    model.VerdictIgnore,
		},
		{
			name:    "plain text playlist",
			status:  200,
			headers: hdr("Content-Type", "text/plain"),
			url:     "https://example.com/live/index.m3u8",
			kind:    model.KindDocument,
			want:    model.VerdictDetect,
		},
		{
			name:    "plain text file",
			status:  200,
			headers: hdr("Content-Type", "text/plain"),
			url:     "https://example.com/notes.txt",
			kind:    model.KindDocument,
			want:    model.VerdictIgnore,
		},
		{
			name:    "content type overrides unhelpful extension",
			status:  200,
			headers: hdr("Content-Type", "video/webm"),
			url:     "https://example.com/watch/12345",
			kind:    model.KindDocument,
			want:    model.VerdictDownload,
		},
		{
			name:    "unknown type and extension",
			status:  200,
			headers: hdr("Content-Type", "application/x-custom"),
			url:     "https://example.com/thing.xyz",
			kind:    model.KindDocument,
			want:    model.VerdictIgnore,
		},
		{
			name:    "disposition filename without attachment",
			status:  200,
			headers: hdr("Content-Type", "application/x-unknown", "Content-Disposition", `inline; filename="album.zip"`),
			url:     "https://example.com/get?id=9",
			kind:    model.KindDocument,
			want:    model.VerdictDownload,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.ClassifyResponse(tt.status, tt.headers, tt.url, tt.kind); got != tt.want {
				t.Errorf("ClassifyResponse() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestIsManifestType(t *testing.T) {
	for _, ct := range []string{"application/x-mpegURL", "application/dash+xml", "application/vnd.apple.mpegurl; charset=utf-8"} {
		if !IsManifestType(ct) {
			t.Errorf("%s should be a manifest type", ct)
		}
	}
	if IsManifestType("video/mp4") {
		t.Error("video/mp4 is not a manifest type")
	}
}

func TestStats(t *testing.T) {
	e := New()
	e.ClassifyRequest("https://example.com/a.mp4", "GET", model.KindMedia)
	e.ClassifyResponse(200, hdr("Content-Type", "application/zip"), "https://example.com/a.zip", model.KindDocument)
	e.ClassifyResponse(500, nil, "https://example.com/", model.KindDocument)

	s := e.Stats()
	if s.Requests != 1 || s.Responses != 2 {
		t.Errorf("counts = %+v", s)
	}
	if s.Monitored != 1 || s.Downloads != 1 || s.Ignored != 1 {
		t.Errorf("verdicts = %+v", s)
	}
}
