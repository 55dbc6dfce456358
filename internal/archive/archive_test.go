package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"agentnet/internal/frame"
)

func testArchive(t *testing.T, opts ...Option) *Archive {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "archive.db"), zerolog.Nop(), opts...)
	if err != nil {
		t.Fatalf("failed to open archive: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestArchive_WriteAndRead(t *testing.T) {
	a := testArchive(t)

	for i, text := range []string{"c", "a", "b"} {
		utc := 60000.0 + float64(2-i)
		if err := a.Write("n1", "soh", utc, text); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	if err := a.Write("n1", "event", 60000, "boot"); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	records, err := a.Read("n1", "soh", 0, 0)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("records: got %d, want 3", len(records))
	}
	want := []string{"b", "a", "c"}
	for i, r := range records {
		if r.Text != want[i] {
			t.Errorf("record %d: got %q, want %q", i, r.Text, want[i])
		}
	}

	windowed, err := a.Read("n1", "soh", 60001, 60002)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(windowed) != 1 || windowed[0].Text != "a" {
		t.Errorf("windowed read: got %+v", windowed)
	}

	missing, err := a.Read("n2", "soh", 0, 0)
	if err != nil || len(missing) != 0 {
		t.Errorf("missing node: got %v, %v", missing, err)
	}

	cats, err := a.Categories("n1")
	if err != nil {
		t.Fatalf("categories failed: %v", err)
	}
	if len(cats) != 2 {
		t.Errorf("categories: got %v, want 2 entries", cats)
	}
}

func TestArchive_SameUTCKeepsBoth(t *testing.T) {
	a := testArchive(t)
	a.Write("n1", "beat", 60000.5, "first")
	a.Write("n1", "beat", 60000.5, "second")

	records, _ := a.Read("n1", "beat", 0, 0)
	if len(records) != 2 || records[0].Text != "first" || records[1].Text != "second" {
		t.Errorf("got %+v, want first then second", records)
	}
}

func TestArchive_WriteValidation(t *testing.T) {
	a := testArchive(t)
	if err := a.Write("", "soh", 1, "x"); err == nil {
		t.Error("expected error for empty node")
	}
	if err := a.Write("n1", "soh", -1, "x"); err == nil {
		t.Error("expected error for negative utc")
	}
}

func TestArchive_Expire(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	a := testArchive(t, WithClock(mock))

	now := mock.Now()
	a.Write("n1", "soh", frame.MJD(now.Add(-3*time.Hour)), "old")
	a.Write("n2", "soh", frame.MJD(now.Add(-2*time.Hour)), "older")
	a.Write("n1", "soh", frame.MJD(now.Add(-time.Minute)), "fresh")

	removed, err := a.Expire(time.Hour)
	if err != nil {
		t.Fatalf("expire failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed: got %d, want 2", removed)
	}

	records, _ := a.Read("n1", "soh", 0, 0)
	if len(records) != 1 || records[0].Text != "fresh" {
		t.Errorf("remaining: got %+v", records)
	}
}

func TestArchive_RunExpiry(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	a := testArchive(t, WithClock(mock))
	a.Write("n1", "soh", frame.MJD(mock.Now()), "x")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.RunExpiry(ctx, time.Minute, 30*time.Minute)

	// Let the goroutine create its ticker before advancing.
	time.Sleep(10 * time.Millisecond)
	mock.Add(time.Hour)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		records, _ := a.Read("n1", "soh", 0, 0)
		if len(records) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("record was not expired")
}

func TestArchive_CloseStopsExpiry(t *testing.T) {
	mock := clock.NewMock()
	a, err := Open(filepath.Join(t.TempDir(), "archive.db"), zerolog.Nop(), WithClock(mock))
	if err != nil {
		t.Fatalf("failed to open archive: %v", err)
	}

	// The context stays live; Close alone must end the expiry goroutine.
	a.RunExpiry(context.Background(), time.Minute, time.Hour)

	done := make(chan error, 1)
	go func() { done <- a.Close() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("close failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("close did not return while expiry was running")
	}

	// Ticks after Close must not reach the closed database.
	mock.Add(time.Hour)
	if err := a.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}

	// RunExpiry after Close is a no-op.
	a.RunExpiry(context.Background(), time.Minute, time.Hour)
}
