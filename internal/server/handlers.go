package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"kinetrace/internal/input"
	"kinetrace/internal/session"
	"kinetrace/internal/sink"
	"kinetrace/internal/telemetry"
)

// EventsResponse reports how a batch was applied.
type EventsResponse struct {
	Accepted int `json:"accepted"`
	Dropped  int `json:"dropped"`
}

// SummaryResponse is the body of GET /summary.
type SummaryResponse struct {
	SessionID string            `json:"sessionId,omitempty"`
	Record    telemetry.Record  `json:"record"`
	Summary   telemetry.Summary `json:"summary"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

// sessionError maps lifecycle errors to HTTP status codes.
func sessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrNotCapturing) {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}

	events, dropped, err := input.ParseBatch(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp := EventsResponse{Dropped: dropped}
	for _, ev := range events {
		switch err := s.lc.Dispatch(ev); {
		case err == nil:
			resp.Accepted++
		case errors.Is(err, input.ErrMalformed):
			resp.Dropped++
		default:
			sessionError(w, err)
			return
		}
	}
	if len(events) == 0 && s.lc.Phase() != session.Capturing {
		sessionError(w, session.ErrNotCapturing)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	sub, err := s.lc.Submit(r.Context())
	if err != nil {
		if errors.Is(err, session.ErrNotCapturing) {
			sessionError(w, err)
			return
		}
		s.log.WithContext(r.Context()).Error("submit failed", "error", err)
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.lc.Start()
	writeJSON(w, http.StatusOK, s.lc.Status())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.lc.Reset(); err != nil {
		sessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.lc.Status())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.lc.Teardown(); err != nil {
		sessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.lc.Status())
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.lc.Position())
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary := s.lc.Summary()
	writeJSON(w, http.StatusOK, SummaryResponse{
		SessionID: s.lc.SessionID(),
		Record:    summary.Record(),
		Summary:   summary,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.lc.Status())
}

func (s *Server) handleSubmissions(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Submissions == nil {
		writeError(w, http.StatusNotImplemented, errors.New("sink does not support listing"))
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	subs, err := s.cfg.Submissions.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if subs == nil {
		subs = []sink.Submission{}
	}
	writeJSON(w, http.StatusOK, subs)
}
