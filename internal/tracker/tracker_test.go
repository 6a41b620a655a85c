package tracker

import (
	"sync"
	"testing"
	"time"

	"nadecon/pkg/model"
	"nadecon/pkg/traffic"
)

func TestRedirectChainFinalURL(t *testing.T) {
	tr := New(0, nil)
	tr.Begin(Begin{ID: "1", URL: "A", Context: "tab", Kind: model.KindDocument})
	tr.RecordRedirect("1", "B")
	tr.RecordRedirect("1", "C")

	got, ok := tr.FinalURL("1")
	if !ok || got != "C" {
		t.Fatalf("FinalURL = %q, %v; want C", got, ok)
	}
	tx, _ := tr.Get("1")
	if len(tx.RedirectChain) != 2 || tx.URL != "A" {
		t.Errorf("tx = %+v", tx)
	}
}

func TestFinalURLWithoutRedirect(t *testing.T) {
	tr := New(0, nil)
	tr.Begin(Begin{ID: "1", URL: "https://example.com/a"})
	if got, _ := tr.FinalURL("1"); got != "https://example.com/a" {
		t.Errorf("FinalURL = %q", got)
	}
}

func TestBeginIdempotent(t *testing.T) {
	tr := New(0, nil)
	if !tr.Begin(Begin{ID: "1", URL: "first"}) {
		t.Fatal("first Begin returned false")
	}
	if tr.Begin(Begin{ID: "1", URL: "second"}) {
		t.Error("duplicate Begin returned true")
	}
	tx, _ := tr.Get("1")
	if tx.URL != "first" || tx.Method != "GET" {
		t.Errorf("tx = %+v", tx)
	}
}

func TestUnknownIDsTolerated(t *testing.T) {
	tr := New(0, nil)
	if tr.RecordRedirect("missing", "B") {
		t.Error("redirect on unknown id reported success")
	}
	tr.SetVerdict("missing", model.VerdictDownload, true)
	if _, ok := tr.FinalURL("missing"); ok {
		t.Error("FinalURL found unknown id")
	}
	if tr.Len() != 0 {
		t.Errorf("Len = %d", tr.Len())
	}
}

func TestRecordResponseCreatesMissing(t *testing.T) {
	tr := New(0, nil)
	h := traffic.Header{}
	h.Set("Content-Type", "video/mp4")
	h.Set("Content-Disposition", "attachment")
	h.Set("Content-Length", "1024")

	tx := tr.RecordResponse(Response{ID: "9", URL: "https://example.com/v.mp4", StatusCode: 200, Headers: h})
	if tx.ContentType != "video/mp4" || tx.ContentDisposition != "attachment" || tx.ContentLength != 1024 {
		t.Errorf("derived fields = %+v", tx)
	}
	if !tr.Has("9") {
		t.Error("record not created")
	}

	// 快照与内部状态隔离
	tx.Headers.Set("content-type", "text/html")
	again, _ := tr.Get("9")
	if again.ContentType != "video/mp4" || again.Headers.Get("content-type") != "video/mp4" {
		t.Error("snapshot shares header map with tracker")
	}
}

func TestSetVerdict(t *testing.T) {
	tr := New(0, nil)
	tr.Begin(Begin{ID: "1", URL: "u"})
	tr.SetVerdict("1", model.VerdictDownload, true)
	tx, _ := tr.Get("1")
	if tx.Verdict != model.VerdictDownload || !tx.Intercepted {
		t.Errorf("tx = %+v", tx)
	}
}

func TestSweep(t *testing.T) {
	tr := New(60*time.Second, nil)
	base := time.Unix(1_700_000_000, 0)
	tr.Begin(Begin{ID: "old", URL: "a", Timestamp: base})
	tr.Begin(Begin{ID: "new", URL: "b", Timestamp: base.Add(50 * time.Second)})
	tr.SetVerdict("old", model.VerdictDownload, true)

	if n := tr.Sweep(base.Add(61 * time.Second)); n != 1 {
		t.Fatalf("Sweep removed %d, want 1", n)
	}
	if tr.Has("old") || !tr.Has("new") {
		t.Error("wrong record swept")
	}
}

func TestRemoveContext(t *testing.T) {
	tr := New(0, nil)
	tr.Begin(Begin{ID: "1", Context: "a"})
	tr.Begin(Begin{ID: "2", Context: "a"})
	tr.Begin(Begin{ID: "3", Context: "b"})
	if n := tr.RemoveContext("a"); n != 2 {
		t.Errorf("RemoveContext = %d", n)
	}
	if tr.Len() != 1 {
		t.Errorf("Len = %d", tr.Len())
	}
}

func TestConcurrentTransactions(t *testing.T) {
	tr := New(0, nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := model.TransactionID(string(rune('a' + i%26)))
			tr.Begin(Begin{ID: id, URL: "u"})
			tr.RecordRedirect(id, "r")
			tr.RecordResponse(Response{ID: id, StatusCode: 200, Headers: traffic.Header{}})
		}(i)
	}
	wg.Wait()
	if tr.Len() != 26 {
		t.Errorf("Len = %d, want 26", tr.Len())
	}
}
