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

// celRepo implements CELRepository.
type celRepo struct {
	db *DB
}

// NewCELRepository creates a new CELRepository.
func NewCELRepository(db *DB) CELRepository {
	return &celRepo{db: db}
}

const celColumns = `id, correlation_id, channel_id, event_type, event_time,
	 channel_name, exten, context, caller_id_name, caller_id_num, extra, processed`

// Create inserts a raw channel event.
func (r *celRepo) Create(ctx context.Context, ev *models.Event) error {
	extra, err := json.Marshal(ev.Extra)
	if err != nil {
		return fmt.Errorf("encoding event extra: %w", err)
	}
	if ev.Extra == nil {
		extra = []byte("{}")
	}

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO cels (correlation_id, channel_id, event_type, event_time,
		 channel_name, exten, context, caller_id_name, caller_id_num, extra, processed)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		ev.CorrelationID, ev.ChannelID, ev.Type, ev.Time.UTC(),
		ev.ChannelName, ev.Exten, ev.Context, ev.CallerIDName, ev.CallerIDNum,
		string(extra),
	)
	if err != nil {
		return fmt.Errorf("inserting cel: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	ev.ID = id
	return nil
}

// FindByCorrelationID returns all events of one call in processing order.
func (r *celRepo) FindByCorrelationID(ctx context.Context, correlationID string) ([]models.Event, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+celColumns+` FROM cels
		 WHERE correlation_id = ?
		 ORDER BY event_time, id`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("querying cels by correlation id: %w", err)
	}
	defer rows.Close()

	return r.scanMany(rows)
}

// FindUnprocessedOlderThan returns unreduced events older than the cutoff.
func (r *celRepo) FindUnprocessedOlderThan(ctx context.Context, cutoff time.Time) ([]models.Event, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+celColumns+` FROM cels
		 WHERE processed = 0 AND event_time < ?
		 ORDER BY event_time, id`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("querying unprocessed cels: %w", err)
	}
	defer rows.Close()

	return r.scanMany(rows)
}

// FindMostRecentUnprocessed returns the newest count unreduced events,
// re-ordered oldest first.
func (r *celRepo) FindMostRecentUnprocessed(ctx context.Context, count int) ([]models.Event, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT * FROM (
			SELECT `+celColumns+` FROM cels
			WHERE processed = 0
			ORDER BY event_time DESC, id DESC
			LIMIT ?
		) ORDER BY event_time, id`, count)
	if err != nil {
		return nil, fmt.Errorf("querying recent unprocessed cels: %w", err)
	}
	defer rows.Close()

	return r.scanMany(rows)
}

// MarkProcessed flags events as reduced.
func (r *celRepo) MarkProcessed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	_, err := r.db.ExecContext(ctx,
		`UPDATE cels SET processed = 1 WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("marking cels processed: %w", err)
	}
	return nil
}

// CountUnprocessed returns the unreduced event backlog size.
func (r *celRepo) CountUnprocessed(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cels WHERE processed = 0`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting unprocessed cels: %w", err)
	}
	return count, nil
}

func (r *celRepo) scanMany(rows *sql.Rows) ([]models.Event, error) {
	var events []models.Event
	for rows.Next() {
		var ev models.Event
		var extra string
		if err := rows.Scan(&ev.ID, &ev.CorrelationID, &ev.ChannelID, &ev.Type,
			&ev.Time, &ev.ChannelName, &ev.Exten, &ev.Context,
			&ev.CallerIDName, &ev.CallerIDNum, &extra, &ev.Processed); err != nil {
			return nil, fmt.Errorf("scanning cel row: %w", err)
		}
		if extra != "" && extra != "{}" {
			if err := json.Unmarshal([]byte(extra), &ev.Extra); err != nil {
				return nil, fmt.Errorf("decoding cel extra: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
