package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/callreportd/callreportd/internal/database/models"
	"github.com/callreportd/callreportd/internal/report"
	"github.com/callreportd/callreportd/internal/schedule"
)

// reportResponse is the JSON response for a business-hours report.
type reportResponse struct {
	From             string `json:"from,omitempty"`
	Until            string `json:"until,omitempty"`
	ScheduleID       *int64 `json:"schedule_id,omitempty"`
	ScheduleResolved bool   `json:"schedule_resolved"`
	*report.Accumulator
}

// handleGetReport aggregates stored call records into the nested
// working-hours report. Query params: from, until (RFC 3339), and the
// schedule selectors: schedule_id, or the path bindings tenant_uuid /
// exten / context / route_type.
//
// The report is best effort with respect to the schedule: when no selector
// resolves, the configured no-schedule policy classifies the records and
// schedule_resolved is false.
func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	from, until, errMsg := parseTimeRange(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	resp := reportResponse{}
	if from != nil {
		resp.From = r.URL.Query().Get("from")
	}
	if until != nil {
		resp.Until = r.URL.Query().Get("until")
	}

	agg := report.Aggregator{NoSchedule: s.policy}
	q := r.URL.Query()
	if raw := q.Get("schedule_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "schedule_id must be an integer")
			return
		}
		resp.ScheduleID = &id

		sched, err := s.schedules.GetByID(r.Context(), id)
		if err != nil {
			s.logger.Error("report: failed to load schedule", "schedule_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if sched != nil {
			agg.Schedule = schedule.New(sched)
			resp.ScheduleResolved = true
		} else {
			s.logger.Warn("report: schedule not found, using no-schedule policy", "schedule_id", id)
		}
	} else {
		sched, err := s.resolveScheduleByPath(r.Context(), q)
		if err != nil {
			s.logger.Error("report: schedule path resolution failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if sched != nil {
			agg.Schedule = schedule.New(sched)
			resp.ScheduleID = &sched.ID
			resp.ScheduleResolved = true
		}
	}

	records, err := s.records.FindInRange(r.Context(), from, until)
	if err != nil {
		s.logger.Error("report: failed to query call records", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp.Accumulator = agg.Aggregate(records)
	writeJSON(w, http.StatusOK, resp)
}

// resolveScheduleByPath tries the schedule bindings in order: inbound
// extension, dialplan context, then the tenant's outbound default. The
// resolution order is this handler's policy; the repository just answers
// lookups. A miss at every step is not an error, it means the configured
// no-schedule policy applies.
func (s *Server) resolveScheduleByPath(ctx context.Context, q url.Values) (*models.Schedule, error) {
	tenant := q.Get("tenant_uuid")
	exten := q.Get("exten")

	if tenant != "" && exten != "" {
		sched, err := s.schedules.FindForExtension(ctx, tenant, exten)
		if err != nil || sched != nil {
			return sched, err
		}
	}
	if contextName := q.Get("context"); contextName != "" {
		sched, err := s.schedules.FindForContext(ctx, contextName, q.Get("route_type"), exten)
		if err != nil || sched != nil {
			return sched, err
		}
	}
	if tenant != "" {
		return s.schedules.FindOutboundDefault(ctx, tenant)
	}
	return nil, nil
}
