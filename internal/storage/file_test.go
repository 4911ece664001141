package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "ledgerbot/pkg/logx"
)

func openTestStore(t *testing.T, dir string) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "ledger.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if st == nil {
		t.Fatalf("Open returned nil store for file driver")
	}
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("driver %q: unexpected error %v", driver, err)
		}
		if st != nil {
			t.Fatalf("driver %q: want nil store, got %T", driver, st)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatalf("want error for unknown driver")
	}
}

func TestOpenFileRequiresPath(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatalf("want error for empty path")
	}
}

func TestFileAppendDelivery(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st := openTestStore(t, dir)

	ctx := context.Background()
	first := DeliveryRecord{
		Channel:   "family",
		Sender:    "小明",
		Kind:      "accounted",
		Success:   true,
		ReplySent: true,
		TookMS:    42,
	}
	second := DeliveryRecord{
		At:      time.Date(2025, 6, 16, 12, 0, 0, 0, time.UTC),
		Channel: "family",
		Kind:    "irrelevant",
	}
	if err := st.AppendDelivery(ctx, first); err != nil {
		t.Fatalf("AppendDelivery: %v", err)
	}
	if err := st.AppendDelivery(ctx, second); err != nil {
		t.Fatalf("AppendDelivery: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "ledger.delivery.jsonl"))
	if err != nil {
		t.Fatalf("read delivery log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("delivery log lines = %d, want 2", len(lines))
	}

	var got DeliveryRecord
	if err := json.Unmarshal([]byte(lines[0]), &got); err != nil {
		t.Fatalf("unmarshal line 0: %v", err)
	}
	if got.Channel != "family" || got.Sender != "小明" || got.Kind != "accounted" || !got.Success {
		t.Fatalf("line 0 = %+v", got)
	}
	if got.At.IsZero() {
		t.Fatalf("zero At should be stamped on append")
	}

	if err := json.Unmarshal([]byte(lines[1]), &got); err != nil {
		t.Fatalf("unmarshal line 1: %v", err)
	}
	if !got.At.Equal(second.At) {
		t.Fatalf("line 1 At = %v, want %v", got.At, second.At)
	}
}

func TestFileStatsRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t, t.TempDir())
	defer st.Close()

	ctx := context.Background()
	if _, ok, err := st.GetStats(ctx, "family"); err != nil || ok {
		t.Fatalf("GetStats before put = ok=%v err=%v, want miss", ok, err)
	}

	rec := StatsRecord{TotalSeen: 10, Processed: 4, Successful: 3, Failed: 1, SuccessRate: 0.75}
	if err := st.PutStats(ctx, " family ", rec); err != nil {
		t.Fatalf("PutStats: %v", err)
	}
	got, ok, err := st.GetStats(ctx, "family")
	if err != nil || !ok {
		t.Fatalf("GetStats = ok=%v err=%v, want hit", ok, err)
	}
	if got.TotalSeen != 10 || got.Successful != 3 || got.SuccessRate != 0.75 {
		t.Fatalf("GetStats = %+v", got)
	}
	if got.At.IsZero() {
		t.Fatalf("zero At should be stamped on put")
	}

	rec.Processed = 5
	rec.Successful = 4
	if err := st.PutStats(ctx, "family", rec); err != nil {
		t.Fatalf("PutStats overwrite: %v", err)
	}
	got, ok, _ = st.GetStats(ctx, "family")
	if !ok || got.Processed != 5 || got.Successful != 4 {
		t.Fatalf("overwrite not visible: %+v", got)
	}

	// Empty channel is a no-op, never an error.
	if err := st.PutStats(ctx, "  ", rec); err != nil {
		t.Fatalf("PutStats empty channel: %v", err)
	}
	if _, ok, err := st.GetStats(ctx, ""); err != nil || ok {
		t.Fatalf("GetStats empty channel = ok=%v err=%v", ok, err)
	}
}

func TestFileStatsSurviveReopen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	st := openTestStore(t, dir)
	if err := st.PutStats(ctx, "family", StatsRecord{Processed: 1, Successful: 1, SuccessRate: 1}); err != nil {
		t.Fatalf("PutStats: %v", err)
	}
	if err := st.PutStats(ctx, "family", StatsRecord{Processed: 2, Successful: 1, Failed: 1, SuccessRate: 0.5}); err != nil {
		t.Fatalf("PutStats: %v", err)
	}
	if err := st.PutStats(ctx, "work", StatsRecord{Processed: 7}); err != nil {
		t.Fatalf("PutStats: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st = openTestStore(t, dir)
	defer st.Close()

	got, ok, err := st.GetStats(ctx, "family")
	if err != nil || !ok {
		t.Fatalf("GetStats after reopen = ok=%v err=%v", ok, err)
	}
	if got.Processed != 2 || got.Failed != 1 || got.SuccessRate != 0.5 {
		t.Fatalf("journal replay kept stale record: %+v", got)
	}
	if got, ok, _ := st.GetStats(ctx, "work"); !ok || got.Processed != 7 {
		t.Fatalf("second channel lost across reopen: ok=%v %+v", ok, got)
	}
}

func TestFileStatsCompaction(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	st := openTestStore(t, dir)
	for i := 1; i <= 1000; i++ {
		rec := StatsRecord{Processed: uint64(i)}
		if err := st.PutStats(ctx, "family", rec); err != nil {
			t.Fatalf("PutStats %d: %v", i, err)
		}
	}

	journal := filepath.Join(dir, "ledger.stats.journal.jsonl")
	fi, err := os.Stat(journal)
	if err != nil {
		t.Fatalf("stat journal: %v", err)
	}
	if fi.Size() != 0 {
		t.Fatalf("journal size after compaction = %d, want 0", fi.Size())
	}
	if _, err := os.Stat(filepath.Join(dir, "ledger.stats.snapshot.json")); err != nil {
		t.Fatalf("snapshot missing after compaction: %v", err)
	}

	// Journal writes continue after compaction.
	if err := st.PutStats(ctx, "family", StatsRecord{Processed: 1001}); err != nil {
		t.Fatalf("PutStats after compact: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st = openTestStore(t, dir)
	defer st.Close()
	got, ok, _ := st.GetStats(ctx, "family")
	if !ok || got.Processed != 1001 {
		t.Fatalf("latest record lost across compaction: ok=%v %+v", ok, got)
	}
}

func TestFileUsesClosedFiles(t *testing.T) {
	t.Parallel()
	st := openTestStore(t, t.TempDir())
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	ctx := context.Background()
	if err := st.AppendDelivery(ctx, DeliveryRecord{Channel: "family", Kind: "accounted"}); err == nil {
		t.Fatalf("AppendDelivery after Close should fail")
	}
	if err := st.PutStats(ctx, "family", StatsRecord{}); err == nil {
		t.Fatalf("PutStats after Close should fail")
	}
}
