package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	appErr "github.com/michaelbrown/quiche/internal/errors"
	"github.com/michaelbrown/quiche/internal/scheduler"
	"github.com/michaelbrown/quiche/internal/storage"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch appErr.KindOf(err) {
	case appErr.KindNotFound:
		return http.StatusNotFound
	case appErr.KindSelection:
		return http.StatusBadRequest
	case appErr.KindAdmission:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeErr(w http.ResponseWriter, err error, fallback string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	}
	writeError(w, status, appErr.UserMessage(err, fallback))
}

// --- Queue handlers ---

type queueResponse struct {
	Active   []string `json:"active"`
	Queued   []string `json:"queued"`
	Text     string   `json:"text"`
	Position int      `json:"position,omitempty"` // of ?requester= when queued
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	snap := s.sched.Status()
	resp := queueResponse{Active: snap.Active, Queued: snap.Queued, Text: snap.Text()}
	if requester := r.URL.Query().Get("requester"); requester != "" {
		resp.Position, _ = s.sched.Position(requester)
	}
	if resp.Active == nil {
		resp.Active = []string{}
	}
	if resp.Queued == nil {
		resp.Queued = []string{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	requester := chi.URLParam(r, "requester")
	if err := s.sched.Terminate(requester); err != nil {
		s.writeErr(w, err, scheduler.MsgNoActive)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": scheduler.MsgTerminated})
}

// --- Requirements handlers ---

func (s *Server) handleSaveRequirements(w http.ResponseWriter, r *http.Request) {
	if s.manifests == nil {
		writeError(w, http.StatusServiceUnavailable, "requirements storage is disabled")
		return
	}
	requester := chi.URLParam(r, "requester")
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		filename = "requirements.txt"
	}

	defer r.Body.Close()
	if err := s.manifests.Save(requester, filename, r.Body); err != nil {
		s.writeErr(w, err, "Could not save requirements.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Saved requirements.txt persistently for " + requester,
	})
}

// --- Run history handlers ---

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "run history is disabled")
		return
	}
	q := r.URL.Query()
	opts := storage.RunListOptions{
		Status:      storage.RunStatus(q.Get("status")),
		RequesterID: q.Get("requester"),
	}
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			opts.Limit = n
		}
	}
	if offset := q.Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			opts.Offset = n
		}
	}

	runs, err := s.store.ListRuns(r.Context(), opts)
	if err != nil {
		s.writeErr(w, err, "Could not list runs.")
		return
	}
	if runs == nil {
		runs = []storage.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "run history is disabled")
		return
	}
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err, "Could not load run.")
		return
	}

	if r.URL.Query().Get("format") == "markdown" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(storage.ExportMarkdown(run)))
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "run history is disabled")
		return
	}
	if err := s.store.DeleteRun(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeErr(w, err, "Could not delete run.")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
