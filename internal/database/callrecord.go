package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/callreportd/callreportd/internal/database/models"
)

// callRecordRepo implements CallRecordRepository.
type callRecordRepo struct {
	db *DB
}

// NewCallRecordRepository creates a new CallRecordRepository.
func NewCallRecordRepository(db *DB) CallRecordRepository {
	return &callRecordRepo{db: db}
}

const callRecordColumns = `id, tenant_uuid, correlation_id, conversation_id, date,
	 date_answer, date_end, source_name, source_exten, source_internal_name,
	 source_internal_exten, source_internal_context, source_line_identity,
	 requested_name, requested_exten, requested_context, requested_internal_exten,
	 requested_internal_context, destination_name, destination_exten,
	 destination_internal_exten, destination_internal_context,
	 destination_line_identity, destination_details, direction, trunk,
	 trunk_number, blocked, ivr_choices`

// CreateBatch inserts records with their participants, forwards and
// transfers in one transaction. A failed batch leaves nothing half-written.
func (r *callRecordRepo) CreateBatch(ctx context.Context, records []*models.CallRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, rec := range records {
		if err := r.insertOne(ctx, tx, rec); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing call records: %w", err)
	}
	return nil
}

func (r *callRecordRepo) insertOne(ctx context.Context, tx *sql.Tx, rec *models.CallRecord) error {
	var details, choices any
	if len(rec.DestinationDetails) > 0 {
		raw, err := json.Marshal(rec.DestinationDetails)
		if err != nil {
			return fmt.Errorf("encoding destination details: %w", err)
		}
		details = string(raw)
	}
	if len(rec.IVRChoices) > 0 {
		raw, err := json.Marshal(rec.IVRChoices)
		if err != nil {
			return fmt.Errorf("encoding ivr choices: %w", err)
		}
		choices = string(raw)
	}

	var tenant any
	if rec.TenantUUID != "" {
		tenant = rec.TenantUUID
	}

	result, err := tx.ExecContext(ctx,
		`INSERT INTO call_records (tenant_uuid, correlation_id, conversation_id,
		 date, date_answer, date_end, source_name, source_exten,
		 source_internal_name, source_internal_exten, source_internal_context,
		 source_line_identity, requested_name, requested_exten, requested_context,
		 requested_internal_exten, requested_internal_context, destination_name,
		 destination_exten, destination_internal_exten, destination_internal_context,
		 destination_line_identity, destination_details, direction, trunk,
		 trunk_number, blocked, ivr_choices)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tenant, rec.CorrelationID, rec.ConversationID,
		rec.Date.UTC(), utcOrNil(rec.DateAnswer), utcOrNil(rec.DateEnd),
		rec.SourceName, rec.SourceExten, rec.SourceInternalName,
		rec.SourceInternalExten, rec.SourceInternalContext, rec.SourceLineIdentity,
		rec.RequestedName, rec.RequestedExten, rec.RequestedContext,
		rec.RequestedInternalExten, rec.RequestedInternalContext,
		rec.DestinationName, rec.DestinationExten, rec.DestinationInternalExten,
		rec.DestinationInternalContext, rec.DestinationLineIdentity,
		details, rec.Direction, rec.Trunk, rec.TrunkNumber, rec.Blocked, choices,
	)
	if err != nil {
		return fmt.Errorf("inserting call record %s: %w", rec.CorrelationID, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	rec.ID = id

	for i := range rec.Participants {
		p := &rec.Participants[i]
		tags, err := json.Marshal(p.Tags)
		if err != nil {
			return fmt.Errorf("encoding participant tags: %w", err)
		}
		if p.Tags == nil {
			tags = []byte("[]")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO call_record_participants (call_record_id, user_uuid,
			 line_id, role, tags, answered, requested)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, p.UserUUID, p.LineID, p.Role, string(tags), p.Answered, p.Requested,
		); err != nil {
			return fmt.Errorf("inserting participant: %w", err)
		}
	}

	for i := range rec.Forwards {
		f := &rec.Forwards[i]
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO call_record_forwards (call_record_id, event_id,
			 event_time, num, context, name, channel_name)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, f.EventID, f.Time.UTC(), f.Num, f.Context, f.Name, f.ChannelName,
		); err != nil {
			return fmt.Errorf("inserting forward: %w", err)
		}
	}

	for i := range rec.Transfers {
		t := &rec.Transfers[i]
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO call_record_transfers (call_record_id, event_id,
			 event_time, transfer_type, target_exten, context,
			 transferee_channel, transferee_uniqueid, second_channel,
			 second_uniqueid, target_channel, target_uniqueid, bridge1_id,
			 bridge2_id, transferee_line, target_line, second_line)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, t.EventID, t.Time.UTC(), t.Type, t.TargetExten, t.Context,
			t.TransfereeChannel, t.TransfereeUniqueID, t.SecondChannel,
			t.SecondUniqueID, t.TargetChannel, t.TargetUniqueID, t.Bridge1ID,
			t.Bridge2ID, t.TransfereeLine, t.TargetLine, t.SecondLine,
		); err != nil {
			return fmt.Errorf("inserting transfer: %w", err)
		}
	}

	return nil
}

// DeleteByCorrelationIDs removes records superseded by a re-run of their
// correlation ids. Children go with them via cascading deletes.
func (r *callRecordRepo) DeleteByCorrelationIDs(ctx context.Context, correlationIDs []string) error {
	if len(correlationIDs) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(correlationIDs)), ",")
	args := make([]any, len(correlationIDs))
	for i, id := range correlationIDs {
		args[i] = id
	}

	_, err := r.db.ExecContext(ctx,
		`DELETE FROM call_records WHERE correlation_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("deleting call records: %w", err)
	}
	return nil
}

// EnsureTenants inserts any missing tenant rows so the records' foreign
// keys hold.
func (r *callRecordRepo) EnsureTenants(ctx context.Context, tenantUUIDs []string) error {
	for _, uuid := range tenantUUIDs {
		if uuid == "" {
			continue
		}
		if _, err := r.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO tenants (uuid) VALUES (?)`, uuid); err != nil {
			return fmt.Errorf("ensuring tenant %s: %w", uuid, err)
		}
	}
	return nil
}

// List returns call records matching the filter along with the total count.
// The child collections (participants, forwards, transfers) are not loaded.
func (r *callRecordRepo) List(ctx context.Context, filter CallRecordListFilter) ([]models.CallRecord, int, error) {
	where := "1=1"
	args := []any{}

	if filter.Direction != "" {
		where += " AND direction = ?"
		args = append(args, filter.Direction)
	}
	if filter.Search != "" {
		where += ` AND (source_name LIKE ? OR source_exten LIKE ?
			 OR destination_name LIKE ? OR destination_exten LIKE ?)`
		s := "%" + filter.Search + "%"
		args = append(args, s, s, s, s)
	}
	if filter.From != nil {
		where += " AND date >= ?"
		args = append(args, filter.From.UTC())
	}
	if filter.Until != nil {
		where += " AND date < ?"
		args = append(args, filter.Until.UTC())
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM call_records WHERE " + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting call records: %w", err)
	}

	query := `SELECT ` + callRecordColumns + ` FROM call_records WHERE ` + where +
		` ORDER BY date DESC LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing call records: %w", err)
	}
	defer rows.Close()

	records, err := r.scanMany(rows)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// FindInRange returns all records in [from, until) ordered by date, without
// pagination or child collections, for report aggregation.
func (r *callRecordRepo) FindInRange(ctx context.Context, from, until *time.Time) ([]models.CallRecord, error) {
	where := "1=1"
	args := []any{}
	if from != nil {
		where += " AND date >= ?"
		args = append(args, from.UTC())
	}
	if until != nil {
		where += " AND date < ?"
		args = append(args, until.UTC())
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+callRecordColumns+` FROM call_records WHERE `+where+` ORDER BY date`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying call records in range: %w", err)
	}
	defer rows.Close()

	return r.scanMany(rows)
}

// CountByDirection returns record counts grouped by direction.
func (r *callRecordRepo) CountByDirection(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT direction, COUNT(*) FROM call_records GROUP BY direction`)
	if err != nil {
		return nil, fmt.Errorf("counting call records by direction: %w", err)
	}
	defer rows.Close()

	counts := map[string]int64{}
	for rows.Next() {
		var direction string
		var count int64
		if err := rows.Scan(&direction, &count); err != nil {
			return nil, fmt.Errorf("scanning direction count: %w", err)
		}
		counts[direction] = count
	}
	return counts, rows.Err()
}

func (r *callRecordRepo) scanMany(rows *sql.Rows) ([]models.CallRecord, error) {
	var records []models.CallRecord
	for rows.Next() {
		var rec models.CallRecord
		var tenant, details, choices sql.NullString
		if err := rows.Scan(&rec.ID, &tenant, &rec.CorrelationID, &rec.ConversationID,
			&rec.Date, &rec.DateAnswer, &rec.DateEnd, &rec.SourceName,
			&rec.SourceExten, &rec.SourceInternalName, &rec.SourceInternalExten,
			&rec.SourceInternalContext, &rec.SourceLineIdentity, &rec.RequestedName,
			&rec.RequestedExten, &rec.RequestedContext, &rec.RequestedInternalExten,
			&rec.RequestedInternalContext, &rec.DestinationName, &rec.DestinationExten,
			&rec.DestinationInternalExten, &rec.DestinationInternalContext,
			&rec.DestinationLineIdentity, &details, &rec.Direction, &rec.Trunk,
			&rec.TrunkNumber, &rec.Blocked, &choices); err != nil {
			return nil, fmt.Errorf("scanning call record row: %w", err)
		}
		rec.TenantUUID = tenant.String
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &rec.DestinationDetails); err != nil {
				return nil, fmt.Errorf("decoding destination details: %w", err)
			}
		}
		if choices.Valid && choices.String != "" {
			if err := json.Unmarshal([]byte(choices.String), &rec.IVRChoices); err != nil {
				return nil, fmt.Errorf("decoding ivr choices: %w", err)
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func utcOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
