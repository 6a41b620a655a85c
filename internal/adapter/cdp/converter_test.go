package cdp

import (
	"testing"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/mafredri/cdp/protocol/page"

	"nadecon/pkg/model"
	"nadecon/pkg/traffic"
)

func TestToEventRequestStage(t *testing.T) {
	netID := network.RequestID("net-1")
	post := "a=1&b=2"
	ev := &fetch.RequestPausedReply{
		RequestID: "interception-9",
		NetworkID: &netID,
		Request: network.Request{
			URL:      "https://example.com/form",
			Method:   "POST",
			Headers:  network.Headers(`{"User-Agent":"UA/1.0","X-Count":3}`),
			PostData: &post,
		},
		ResourceType: network.ResourceTypeDocument,
	}

	got, ok := ToEvent("tab-1", ev).(traffic.RequestStarted)
	if !ok {
		t.Fatalf("event type = %T", ToEvent("tab-1", ev))
	}
	if got.ID != "net-1" || got.Context != "tab-1" || got.Kind != model.KindDocument {
		t.Errorf("event = %+v", got)
	}
	if got.Headers.Get("user-agent") != "UA/1.0" || got.Headers.Get("x-count") != "3" {
		t.Errorf("headers = %v", got.Headers)
	}
	if got.PostData != post || got.Method != "POST" {
		t.Errorf("post = %q method = %q", got.PostData, got.Method)
	}
}

func TestToEventResponseStage(t *testing.T) {
	status := 200
	ev := &fetch.RequestPausedReply{
		RequestID: "interception-3",
		Request:   network.Request{URL: "https://example.com/a.zip", Method: "GET"},
		ResponseHeaders: []fetch.HeaderEntry{
			{Name: "Content-Type", Value: "application/zip"},
			{Name: "Content-Disposition", Value: "attachment"},
		},
		ResponseStatusCode: &status,
		ResourceType:       network.ResourceTypeFetch,
	}

	got, ok := ToEvent("tab-2", ev).(traffic.HeadersReceived)
	if !ok {
		t.Fatal("expected HeadersReceived")
	}
	if got.ID != "interception-3" || got.StatusCode != 200 || got.Kind != model.KindXHR {
		t.Errorf("event = %+v", got)
	}
	if got.Headers.Get("content-type") != "application/zip" || got.Headers.Get("CONTENT-DISPOSITION") != "attachment" {
		t.Errorf("headers = %v", got.Headers)
	}
}

func TestToEventSubframeDocument(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  model.ResourceKind
	}{
		{"main frame", "tab-1", model.KindDocument},
		{"iframe", "frame-7", model.KindSubdocument},
		{"unknown frame", "", model.KindDocument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := &fetch.RequestPausedReply{
				RequestID:    "interception-1",
				FrameID:      page.FrameID(tt.frame),
				Request:      network.Request{URL: "https://example.com/embed", Method: "GET"},
				ResourceType: network.ResourceTypeDocument,
			}
			got := ToEvent("tab-1", ev).(traffic.RequestStarted)
			if got.Kind != tt.want {
				t.Errorf("kind = %s, want %s", got.Kind, tt.want)
			}
		})
	}
}

func TestToResourceKind(t *testing.T) {
	tests := []struct {
		in   network.ResourceType
		want model.ResourceKind
	}{
		{network.ResourceTypeDocument, model.KindDocument},
		{network.ResourceTypeXHR, model.KindXHR},
		{network.ResourceTypeFetch, model.KindXHR},
		{network.ResourceTypeMedia, model.KindMedia},
		{network.ResourceTypeImage, model.KindOther},
		{network.ResourceTypeOther, model.KindOther},
	}
	for _, tt := range tests {
		if got := ToResourceKind(tt.in); got != tt.want {
			t.Errorf("ToResourceKind(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
