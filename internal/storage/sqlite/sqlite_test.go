package sqlite

import (
	"context"
	"strings"
	"testing"
	"time"

	appErr "github.com/michaelbrown/quiche/internal/errors"
	"github.com/michaelbrown/quiche/internal/storage"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening memory db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetRun(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	run := &storage.Run{
		ID:          "abc12345-0000-0000-0000-000000000000",
		RequesterID: "u1",
		ChannelID:   "general",
	}

	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}

	if got.RequesterID != "u1" {
		t.Errorf("requester = %q, want %q", got.RequesterID, "u1")
	}
	if got.Status != storage.StatusQueued {
		t.Errorf("status = %q, want %q", got.Status, storage.StatusQueued)
	}
	if got.ExitCode != nil {
		t.Errorf("exit code = %v, want nil", *got.ExitCode)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at should not be zero")
	}
}

func TestGetRunByPrefix(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	run := &storage.Run{ID: "abc12345-0000-0000-0000-000000000000", RequesterID: "u1"}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := s.GetRun(ctx, "abc12345")
	if err != nil {
		t.Fatalf("GetRun by prefix: %v", err)
	}
	if got.ID != run.ID {
		t.Errorf("got ID %q, want %q", got.ID, run.ID)
	}
}

func TestGetRunAmbiguousPrefix(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, id := range []string{
		"abc00000-0000-0000-0000-000000000000",
		"abc11111-0000-0000-0000-000000000000",
	} {
		if err := s.CreateRun(ctx, &storage.Run{ID: id, RequesterID: "u1"}); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}

	_, err := s.GetRun(ctx, "abc")
	if err == nil {
		t.Fatal("expected error for ambiguous prefix")
	}
	if !strings.Contains(err.Error(), "ambiguous") {
		t.Errorf("err = %v, want ambiguous prefix error", err)
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.GetRun(context.Background(), "missing")
	if !appErr.IsKind(err, appErr.KindNotFound) {
		t.Errorf("err = %v, want not found kind", err)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, id := range []string{"aaa", "bbb", "ccc"} {
		run := &storage.Run{ID: id, RequesterID: "u1", CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if err := s.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}

	runs, err := s.ListRuns(ctx, storage.RunListOptions{})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("got %d runs, want 3", len(runs))
	}
	if runs[0].ID != "ccc" || runs[2].ID != "aaa" {
		t.Errorf("order = %s,%s,%s, want ccc first", runs[0].ID, runs[1].ID, runs[2].ID)
	}
}

func TestListRunsFilters(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.CreateRun(ctx, &storage.Run{ID: "a1", RequesterID: "u1", Status: storage.StatusCompleted})
	s.CreateRun(ctx, &storage.Run{ID: "a2", RequesterID: "u2", Status: storage.StatusCompleted})
	s.CreateRun(ctx, &storage.Run{ID: "a3", RequesterID: "u1", Status: storage.StatusTimedOut})

	runs, err := s.ListRuns(ctx, storage.RunListOptions{Status: storage.StatusCompleted})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("got %d completed runs, want 2", len(runs))
	}

	runs, err = s.ListRuns(ctx, storage.RunListOptions{RequesterID: "u1"})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("got %d runs for u1, want 2", len(runs))
	}
}

func TestListRunsLimit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		s.CreateRun(ctx, &storage.Run{ID: string(rune('a' + i)), RequesterID: "u1"})
	}

	runs, err := s.ListRuns(ctx, storage.RunListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("got %d runs, want 2", len(runs))
	}
}

func TestUpdateRun(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	run := &storage.Run{ID: "upd1", RequesterID: "u1"}
	s.CreateRun(ctx, run)

	started := time.Now().UTC()
	finished := started.Add(1500 * time.Millisecond)
	code := 2
	run.EntryFile = "main.py"
	run.Status = storage.StatusFailed
	run.ExitCode = &code
	run.Messages = 15
	run.Truncated = true
	run.StartedAt = &started
	run.FinishedAt = &finished
	if err := s.UpdateRun(ctx, run); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	got, err := s.GetRun(ctx, "upd1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != storage.StatusFailed {
		t.Errorf("status = %q, want %q", got.Status, storage.StatusFailed)
	}
	if got.ExitCode == nil || *got.ExitCode != 2 {
		t.Errorf("exit code = %v, want 2", got.ExitCode)
	}
	if !got.Truncated || got.Messages != 15 {
		t.Errorf("messages = %d truncated = %v, want 15 true", got.Messages, got.Truncated)
	}
	if got.Duration() != 1500*time.Millisecond {
		t.Errorf("duration = %v, want 1.5s", got.Duration())
	}
}

func TestTimestampsKeepTrailingZeroFractions(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	started := time.Date(2026, 3, 1, 12, 0, 1, 120000000, time.UTC)
	finished := time.Date(2026, 3, 1, 12, 0, 2, 500000000, time.UTC)
	run := &storage.Run{
		ID:          "ts1",
		RequesterID: "u1",
		Status:      storage.StatusCompleted,
		CreatedAt:   created,
		StartedAt:   &started,
		FinishedAt:  &finished,
	}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := s.GetRun(ctx, "ts1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("created = %v, want %v", got.CreatedAt, created)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Errorf("started = %v, want %v", got.StartedAt, started)
	}
	if got.FinishedAt == nil || !got.FinishedAt.Equal(finished) {
		t.Errorf("finished = %v, want %v", got.FinishedAt, finished)
	}
	if got.Duration() != 1380*time.Millisecond {
		t.Errorf("duration = %v, want 1.38s", got.Duration())
	}
}

func TestUpdateRunMissing(t *testing.T) {
	s := testStore(t)

	err := s.UpdateRun(context.Background(), &storage.Run{ID: "nope", Status: storage.StatusFailed})
	if !appErr.IsKind(err, appErr.KindNotFound) {
		t.Errorf("err = %v, want not found kind", err)
	}
}

func TestDeleteRun(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.CreateRun(ctx, &storage.Run{ID: "del1-0000", RequesterID: "u1"})

	if err := s.DeleteRun(ctx, "del1"); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}

	if _, err := s.GetRun(ctx, "del1-0000"); err == nil {
		t.Fatal("expected error after delete")
	}
}

func TestStatusCheckConstraint(t *testing.T) {
	s := testStore(t)

	err := s.CreateRun(context.Background(), &storage.Run{ID: "bad", RequesterID: "u1", Status: "sleeping"})
	if err == nil {
		t.Fatal("expected check constraint failure for unknown status")
	}
}
