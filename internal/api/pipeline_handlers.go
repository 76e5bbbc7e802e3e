package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/callreportd/callreportd/internal/pipeline"
)

// runPipelineRequest asks for a manual pipeline batch. Exactly one of the
// selectors must be set.
type runPipelineRequest struct {
	CorrelationID string `json:"correlation_id"`
	OlderThan     string `json:"older_than"` // Go duration, e.g. "1h"
	Count         int    `json:"count"`
}

// handleRunPipeline triggers a pipeline batch synchronously and returns its
// result.
func (s *Server) handleRunPipeline(w http.ResponseWriter, r *http.Request) {
	var req runPipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	selectors := 0
	if req.CorrelationID != "" {
		selectors++
	}
	if req.OlderThan != "" {
		selectors++
	}
	if req.Count > 0 {
		selectors++
	}
	if selectors != 1 {
		writeError(w, http.StatusBadRequest, "exactly one of correlation_id, older_than, count is required")
		return
	}

	ctx := r.Context()
	switch {
	case req.CorrelationID != "":
		result, err := s.pipeline.GenerateFromCorrelationID(ctx, req.CorrelationID)
		if err != nil {
			s.logger.Error("pipeline run: reduction failed", "correlation_id", req.CorrelationID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, result)
	case req.OlderThan != "":
		age, err := time.ParseDuration(req.OlderThan)
		if err != nil || age <= 0 {
			writeError(w, http.StatusBadRequest, "older_than must be a positive duration")
			return
		}
		result, err := s.pipeline.GenerateFromAge(ctx, age)
		if err != nil {
			s.logger.Error("pipeline run: aged batch failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, result)
	default:
		result, err := s.pipeline.GenerateFromCount(ctx, req.Count)
		if err != nil {
			s.logger.Error("pipeline run: count batch failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// handleLastRun returns the most recent pipeline batch result.
func (s *Server) handleLastRun(w http.ResponseWriter, r *http.Request) {
	lr, ok := s.pipeline.(interface{ LastRun() *pipeline.RunResult })
	if !ok {
		writeError(w, http.StatusNotFound, "no pipeline run recorded")
		return
	}
	last := lr.LastRun()
	if last == nil {
		writeError(w, http.StatusNotFound, "no pipeline run recorded")
		return
	}
	writeJSON(w, http.StatusOK, last)
}
