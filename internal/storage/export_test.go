package storage

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestExportMarkdown(t *testing.T) {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	finished := started.Add(2 * time.Second)
	code := 1
	r := &Run{
		ID:          "run-1",
		RequesterID: "u1",
		ChannelID:   "general",
		EntryFile:   "main.py",
		Status:      StatusFailed,
		ExitCode:    &code,
		Error:       "Requirements install failed",
		Messages:    15,
		Truncated:   true,
		CreatedAt:   started,
		StartedAt:   &started,
		FinishedAt:  &finished,
	}

	md := ExportMarkdown(r)
	for _, want := range []string{"# Run run-1", "`main.py`", "**Exit code:** 1", "2s", "(truncated)", "## Error"} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}
}

func TestExportJSON(t *testing.T) {
	r := &Run{ID: "run-2", RequesterID: "u1", Status: StatusCompleted}

	data, err := ExportJSON(r)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got["status"] != "completed" {
		t.Errorf("status = %v, want completed", got["status"])
	}
	if _, ok := got["exit_code"]; ok {
		t.Error("exit_code should be omitted when unknown")
	}
}

func TestRunStatusFinished(t *testing.T) {
	if StatusQueued.Finished() || StatusRunning.Finished() {
		t.Error("queued/running should not be finished")
	}
	if !StatusTimedOut.Finished() {
		t.Error("timed_out should be finished")
	}
}
