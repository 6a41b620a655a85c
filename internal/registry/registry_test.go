package registry

import (
	"fmt"
	"sync"
	"testing"

	"nadecon/pkg/model"
)

func cand(url string) model.MediaCandidate {
	return model.MediaCandidate{URL: url, Filename: "f", Valid: true, Source: model.SourceNetwork}
}

func TestAddKeepsOrderAndRejectsDuplicates(t *testing.T) {
	r := New(nil)
	urls := []string{"https://a/3.mp4", "https://a/1.mp4", "https://a/2.mp4"}
	for _, u := range urls {
		if !r.Add("tab", cand(u)) {
			t.Fatalf("Add(%s) = false", u)
		}
	}
	if r.Add("tab", cand("https://a/1.mp4")) {
		t.Error("duplicate accepted")
	}
	// 其他上下文中同一 URL 可以存在
	if !r.Add("other", cand("https://a/1.mp4")) {
		t.Error("same url rejected in another context")
	}

	got := r.List("tab")
	if len(got) != len(urls) {
		t.Fatalf("List len = %d", len(got))
	}
	for i, u := range urls {
		if got[i].URL != u {
			t.Errorf("List[%d] = %s, want %s", i, got[i].URL, u)
		}
	}
}

func TestClear(t *testing.T) {
	r := New(nil)
	r.Add("a", cand("https://x/1"))
	r.Add("a", cand("https://x/2"))
	r.Add("b", cand("https://x/1"))

	if n := r.Clear("a"); n != 2 {
		t.Errorf("Clear = %d", n)
	}
	if r.List("a") != nil {
		t.Error("context a not cleared")
	}
	if r.Len("b") != 1 {
		t.Error("context b affected")
	}
	if n := r.Clear("missing"); n != 0 {
		t.Errorf("Clear(missing) = %d", n)
	}

	r.ClearAll()
	if len(r.Contexts()) != 0 {
		t.Errorf("Contexts after ClearAll = %v", r.Contexts())
	}
}

func TestContextsSorted(t *testing.T) {
	r := New(nil)
	for _, c := range []model.ContextID{"c", "a", "b"} {
		r.Add(c, cand("https://x"))
	}
	got := r.Contexts()
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("Contexts = %v", got)
	}
}

func TestConcurrentAddSingleWinner(t *testing.T) {
	r := New(nil)
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 32; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Add("tab", cand("https://x/same")) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
			r.Add("tab", cand(fmt.Sprintf("https://x/%d", i)))
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("winners = %d, want 1", wins)
	}
	if r.Len("tab") != 33 {
		t.Errorf("Len = %d, want 33", r.Len("tab"))
	}
}
