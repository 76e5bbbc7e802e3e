package api

import (
	"net/http"
	"time"

	"github.com/callreportd/callreportd/internal/database"
	"github.com/callreportd/callreportd/internal/database/models"
)

// callRecordResponse is the JSON response for a single call record.
type callRecordResponse struct {
	ID               int64             `json:"id"`
	TenantUUID       string            `json:"tenant_uuid,omitempty"`
	CorrelationID    string            `json:"correlation_id"`
	ConversationID   string            `json:"conversation_id,omitempty"`
	Date             string            `json:"date"`
	DateAnswer       *string           `json:"date_answer"`
	DateEnd          *string           `json:"date_end"`
	SourceName       *string           `json:"source_name"`
	SourceExten      *string           `json:"source_exten"`
	RequestedName    *string           `json:"requested_name"`
	RequestedExten   *string           `json:"requested_exten"`
	DestinationName  *string           `json:"destination_name"`
	DestinationExten *string           `json:"destination_exten"`
	Direction        string            `json:"direction"`
	Trunk            *string           `json:"trunk"`
	TrunkNumber      *string           `json:"trunk_number"`
	Blocked          bool              `json:"blocked"`
	Answered         bool              `json:"answered"`
	DurationSeconds  int64             `json:"duration_seconds"`
	Details          map[string]string `json:"destination_details,omitempty"`
}

// toCallRecordResponse converts a models.CallRecord to the API response.
func toCallRecordResponse(rec *models.CallRecord) callRecordResponse {
	resp := callRecordResponse{
		ID:               rec.ID,
		TenantUUID:       rec.TenantUUID,
		CorrelationID:    rec.CorrelationID,
		ConversationID:   rec.ConversationID,
		Date:             rec.Date.Format(time.RFC3339),
		SourceName:       rec.SourceName,
		SourceExten:      rec.SourceExten,
		RequestedName:    rec.RequestedName,
		RequestedExten:   rec.RequestedExten,
		DestinationName:  rec.DestinationName,
		DestinationExten: rec.DestinationExten,
		Direction:        rec.Direction,
		Trunk:            rec.Trunk,
		TrunkNumber:      rec.TrunkNumber,
		Blocked:          rec.Blocked,
		Answered:         rec.Answered(),
		DurationSeconds:  int64(rec.Duration() / time.Second),
		Details:          rec.DestinationDetails,
	}
	if rec.DateAnswer != nil {
		s := rec.DateAnswer.Format(time.RFC3339)
		resp.DateAnswer = &s
	}
	if rec.DateEnd != nil {
		s := rec.DateEnd.Format(time.RFC3339)
		resp.DateEnd = &s
	}
	return resp
}

// handleListCallRecords returns call records with pagination and optional
// filters. Query params: limit, offset, search, direction, from, until.
func (s *Server) handleListCallRecords(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	q := r.URL.Query()
	direction := q.Get("direction")
	if direction != "" && direction != models.DirectionInbound &&
		direction != models.DirectionOutbound && direction != models.DirectionInternal {
		writeError(w, http.StatusBadRequest, "direction must be \"inbound\", \"outbound\", or \"internal\"")
		return
	}

	from, until, errMsg := parseTimeRange(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	filter := database.CallRecordListFilter{
		Limit:     pg.Limit,
		Offset:    pg.Offset,
		Search:    q.Get("search"),
		Direction: direction,
		From:      from,
		Until:     until,
	}

	records, total, err := s.records.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("list call records: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]callRecordResponse, len(records))
	for i := range records {
		items[i] = toCallRecordResponse(&records[i])
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// parseTimeRange reads the from/until query parameters as RFC 3339 stamps.
// Returns an error message for invalid values, empty string if OK.
func parseTimeRange(r *http.Request) (from, until *time.Time, errMsg string) {
	q := r.URL.Query()
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, nil, "from must be an RFC 3339 timestamp"
		}
		from = &t
	}
	if raw := q.Get("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, nil, "until must be an RFC 3339 timestamp"
		}
		until = &t
	}
	if from != nil && until != nil && !until.After(*from) {
		return nil, nil, "until must be after from"
	}
	return from, until, ""
}
