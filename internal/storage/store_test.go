package storage

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gormlogger "gorm.io/gorm/logger"

	"nadecon/internal/logger"
	"nadecon/pkg/model"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{DSN: filepath.Join(t.TempDir(), "history.db"), Prefix: "test_"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func outcome(id string, ctx model.ContextID, state model.RouteState, finished time.Time) model.DownloadOutcome {
	return model.DownloadOutcome{
		ID:         id,
		URL:        "https://example.com/" + id,
		Filename:   id + ".mp4",
		Context:    ctx,
		State:      state,
		Via:        model.ViaCompanion,
		Attempts:   1,
		StartedAt:  finished.Add(-time.Second),
		FinishedAt: finished,
	}
}

func TestRecordAndHistory(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	records := []model.DownloadOutcome{
		outcome("a", "tab-1", model.RouteSucceeded, base),
		outcome("b", "tab-2", model.RouteAbandoned, base.Add(time.Minute)),
		outcome("c", "tab-1", model.RouteSucceeded, base.Add(2*time.Minute)),
	}
	for _, r := range records {
		if err := s.Record(ctx, r); err != nil {
			t.Fatalf("Record(%s): %v", r.ID, err)
		}
	}

	all, err := s.History(ctx, model.HistoryQuery{})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(all) != 3 || all[0].ID != "c" || all[2].ID != "a" {
		t.Fatalf("History order = %+v", all)
	}
	if all[0].Context != "tab-1" || all[0].Via != model.ViaCompanion || !all[0].FinishedAt.Equal(base.Add(2*time.Minute)) {
		t.Errorf("round trip = %+v", all[0])
	}

	tests := []struct {
		name string
		q    model.HistoryQuery
		want []string
	}{
		{"by context", model.HistoryQuery{Context: "tab-1"}, []string{"c", "a"}},
		{"by state", model.HistoryQuery{State: model.RouteAbandoned}, []string{"b"}},
		{"limit", model.HistoryQuery{Limit: 1}, []string{"c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.History(ctx, tt.q)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d records, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("[%d] = %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestRecordUpserts(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	o := outcome("x", "tab", model.RouteAbandoned, time.Now())
	o.Error = "sink failed"
	if err := s.Record(ctx, o); err != nil {
		t.Fatal(err)
	}
	o.State = model.RouteSucceeded
	o.Error = ""
	if err := s.Record(ctx, o); err != nil {
		t.Fatal(err)
	}
	got, _ := s.History(ctx, model.HistoryQuery{})
	if len(got) != 1 || got[0].State != model.RouteSucceeded || got[0].Error != "" {
		t.Errorf("History = %+v", got)
	}
}

func TestPrune(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	_ = s.Record(ctx, outcome("old", "t", model.RouteSucceeded, now.Add(-48*time.Hour)))
	_ = s.Record(ctx, outcome("new", "t", model.RouteSucceeded, now))

	n, err := s.Prune(ctx, now.Add(-24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("Prune = %d, %v", n, err)
	}
	got, _ := s.History(ctx, model.HistoryQuery{})
	if len(got) != 1 || got[0].ID != "new" {
		t.Errorf("History = %+v", got)
	}
}

func TestGormLoggerIncludesOutcome(t *testing.T) {
	var buf bytes.Buffer
	gl := NewGormLogger(logger.NewWithWriter(&buf, "debug")).LogMode(gormlogger.Info)
	ctx := WithOutcomeID(context.Background(), "out-1")
	gl.Trace(ctx, time.Now(), func() (string, int64) { return "SELECT 1", 1 }, nil)

	out := buf.String()
	if !strings.Contains(out, `"outcome":"out-1"`) || !strings.Contains(out, "SELECT 1") {
		t.Errorf("log = %s", out)
	}

	buf.Reset()
	NewGormLogger(logger.NewWithWriter(&buf, "debug")).LogMode(gormlogger.Silent).
		Trace(ctx, time.Now(), func() (string, int64) { return "SELECT 2", 1 }, nil)
	if buf.Len() != 0 {
		t.Errorf("silent mode logged: %s", buf.String())
	}
}
