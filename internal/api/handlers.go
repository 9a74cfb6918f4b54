package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"courier/internal/types"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// parseLimit reads ?limit=, defaulting to 50 and capping at 1000.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidMessage,
			"limit must be a positive integer", err, map[string]any{"param": "limit", "value": raw})
	}
	return min(n, maxListLimit), nil
}

func unavailable(what string) error {
	return types.NewAppError(types.ErrCodeUpstreamUnavailable, what+" is not configured on this instance", nil)
}

// --- events ---

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		Error(w, r, unavailable("event monitor"))
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		Error(w, r, err)
		return
	}

	typ := types.EventType(r.URL.Query().Get("type"))
	if typ == "" {
		list(w, r, s.deps.Events.GetRecentEvents(limit))
		return
	}
	if !typ.Valid() {
		Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidMessage,
			"unknown event type", nil, map[string]any{"param": "type", "value": string(typ)}))
		return
	}
	list(w, r, s.deps.Events.GetEventsByType(typ, limit))
}

func (s *Server) handleFailedEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		Error(w, r, unavailable("event monitor"))
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		Error(w, r, err)
		return
	}
	list(w, r, s.deps.Events.GetFailedEvents(limit))
}

func (s *Server) handleTemplateMetrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		Error(w, r, unavailable("event monitor"))
		return
	}
	list(w, r, s.deps.Events.GetTemplateMetrics())
}

// --- jobs ---

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		Error(w, r, unavailable("job registry"))
		return
	}
	list(w, r, s.deps.Jobs.GetJobs())
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		Error(w, r, unavailable("job registry"))
		return
	}
	job, err := s.deps.Jobs.GetJob(chi.URLParam(r, "id"))
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: job})
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		Error(w, r, unavailable("job registry"))
		return
	}
	id := chi.URLParam(r, "id")
	run, err := s.deps.Jobs.RunJob(r.Context(), id)
	if err != nil {
		Error(w, r, err)
		return
	}
	s.requestLogger(r).Info("job triggered via ops api",
		"job_id", id,
		"run_id", run.ID,
		"success", run.Success,
	)
	JSON(w, r, http.StatusOK, APIResponse{Data: run})
}

func (s *Server) handleRunAllJobs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		Error(w, r, unavailable("job registry"))
		return
	}
	runs := s.deps.Jobs.RunAllJobs(r.Context())
	s.requestLogger(r).Info("all jobs triggered via ops api", "runs", len(runs))
	list(w, r, runs)
}

func (s *Server) handleJobRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		Error(w, r, unavailable("job registry"))
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		Error(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Jobs.GetJob(id); err != nil {
		Error(w, r, err)
		return
	}
	runs, err := s.deps.Jobs.GetJobRuns(r.Context(), id, limit)
	if err != nil {
		Error(w, r, err)
		return
	}
	list(w, r, runs)
}

func (s *Server) handleRecentRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		Error(w, r, unavailable("job registry"))
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		Error(w, r, err)
		return
	}
	runs, err := s.deps.Jobs.GetRecentRuns(r.Context(), limit)
	if err != nil {
		Error(w, r, err)
		return
	}
	list(w, r, runs)
}

// --- queue ---

type queueStatsResponse struct {
	Counts types.QueueStats `json:"counts"`
	Total  int64            `json:"total"`
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		Error(w, r, unavailable("queue store"))
		return
	}
	stats, err := s.deps.Queue.Stats(r.Context())
	if err != nil {
		Error(w, r, err)
		return
	}
	var total int64
	for _, n := range stats {
		total += n
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: queueStatsResponse{Counts: stats, Total: total}})
}

// --- templates ---

type previewResponse struct {
	Template string `json:"template"`
	Subject  string `json:"subject"`
	HTML     string `json:"html"`
	Text     string `json:"text"`
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	if s.deps.Templates == nil {
		Error(w, r, unavailable("template renderer"))
		return
	}
	list(w, r, s.deps.Templates.Templates())
}

func (s *Server) handlePreviewTemplate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Templates == nil {
		Error(w, r, unavailable("template renderer"))
		return
	}
	var raw json.RawMessage
	if err := DecodeJSON(w, r, &raw); err != nil {
		Error(w, r, err)
		return
	}

	name := chi.URLParam(r, "name")
	out, err := s.deps.Templates.Preview(r.Context(), name, raw)
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: previewResponse{
		Template: name,
		Subject:  out.Subject,
		HTML:     out.HTML,
		Text:     out.Text,
	}})
}

func (s *Server) requestLogger(r *http.Request) types.Logger {
	if l := types.LoggerFromContext(r.Context()); l != nil {
		return l
	}
	return s.logger
}
