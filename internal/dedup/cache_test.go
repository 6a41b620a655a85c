package dedup

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSuppressWithinWindow(t *testing.T) {
	c := New(5 * time.Second)
	now := time.Unix(1_700_000_000, 0)
	key := "https://example.com/a.zip"

	if c.ShouldSuppress(key, now) {
		t.Fatal("suppressed before approval")
	}
	c.MarkApproved(key, now)
	if !c.ShouldSuppress(key, now.Add(5*time.Second)) {
		t.Error("not suppressed at window boundary")
	}
	if c.ShouldSuppress(key, now.Add(5*time.Second+time.Millisecond)) {
		t.Error("suppressed after window")
	}
	if c.Len() != 0 {
		t.Error("expired entry not evicted on lookup")
	}
}

func TestTryAcquire(t *testing.T) {
	c := New(5 * time.Second)
	now := time.Unix(1_700_000_000, 0)
	if !c.TryAcquire("k", now) {
		t.Fatal("first acquire failed")
	}
	if c.TryAcquire("k", now.Add(time.Second)) {
		t.Error("second acquire within window succeeded")
	}
	if !c.TryAcquire("k", now.Add(6*time.Second)) {
		t.Error("acquire after window failed")
	}
}

func TestTryAcquireConcurrent(t *testing.T) {
	c := New(5 * time.Second)
	now := time.Now()
	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.TryAcquire("https://example.com/same.mp4", now) {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := winners.Load(); got != 1 {
		t.Fatalf("winners = %d, want exactly 1", got)
	}
}

func TestSweep(t *testing.T) {
	c := New(5 * time.Second)
	now := time.Unix(1_700_000_000, 0)
	c.MarkApproved("old", now)
	c.MarkApproved("fresh", now.Add(4*time.Second))
	if n := c.Sweep(now.Add(6 * time.Second)); n != 1 {
		t.Errorf("Sweep = %d, want 1", n)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d", c.Len())
	}
	c.Clear()
	if c.Len() != 0 {
		t.Error("Clear left entries")
	}
}
