package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/callreportd/callreportd/internal/database/models"
)

// scheduleRepo implements ScheduleRepository.
type scheduleRepo struct {
	db *DB
}

// NewScheduleRepository creates a new ScheduleRepository.
func NewScheduleRepository(db *DB) ScheduleRepository {
	return &scheduleRepo{db: db}
}

// GetByID returns the schedule with its periods, or (nil, nil) when the id
// is unknown.
func (r *scheduleRepo) GetByID(ctx context.Context, id int64) (*models.Schedule, error) {
	var s models.Schedule
	err := r.db.QueryRowContext(ctx,
		`SELECT id, tenant_uuid, name, timezone FROM schedules WHERE id = ?`, id).
		Scan(&s.ID, &s.TenantUUID, &s.Name, &s.Timezone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying schedule %d: %w", id, err)
	}

	if err := r.loadPeriods(ctx, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// FindForExtension returns the schedule bound to an inbound extension path,
// or (nil, nil) when none is bound.
func (r *scheduleRepo) FindForExtension(ctx context.Context, tenantUUID, exten string) (*models.Schedule, error) {
	return r.findByPath(ctx,
		`SELECT schedule_id FROM schedule_paths
		 WHERE path_type = 'extension' AND tenant_uuid = ? AND exten = ?
		 ORDER BY id LIMIT 1`, tenantUUID, exten)
}

// FindForContext returns the schedule bound to a dialplan context path,
// or (nil, nil) when none is bound.
func (r *scheduleRepo) FindForContext(ctx context.Context, contextName, routeType, exten string) (*models.Schedule, error) {
	return r.findByPath(ctx,
		`SELECT schedule_id FROM schedule_paths
		 WHERE path_type = 'context' AND context = ? AND route_type = ?
		   AND (exten = ? OR exten = '')
		 ORDER BY exten DESC, id LIMIT 1`, contextName, routeType, exten)
}

// FindOutboundDefault returns the tenant's fallback schedule for outbound
// calls, or (nil, nil) when the tenant has none.
func (r *scheduleRepo) FindOutboundDefault(ctx context.Context, tenantUUID string) (*models.Schedule, error) {
	return r.findByPath(ctx,
		`SELECT schedule_id FROM schedule_paths
		 WHERE path_type = 'outbound_default' AND tenant_uuid = ?
		 ORDER BY id LIMIT 1`, tenantUUID)
}

func (r *scheduleRepo) findByPath(ctx context.Context, query string, args ...any) (*models.Schedule, error) {
	var scheduleID int64
	err := r.db.QueryRowContext(ctx, query, args...).Scan(&scheduleID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolving schedule path: %w", err)
	}
	return r.GetByID(ctx, scheduleID)
}

func (r *scheduleRepo) loadPeriods(ctx context.Context, s *models.Schedule) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, schedule_id, mode, hours_start, hours_end, weekdays, month_days, months
		 FROM schedule_periods WHERE schedule_id = ? ORDER BY id`, s.ID)
	if err != nil {
		return fmt.Errorf("querying periods of schedule %d: %w", s.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var p models.SchedulePeriod
		var weekdays, monthDays, months string
		if err := rows.Scan(&p.ID, &p.ScheduleID, &p.Mode, &p.HoursStart,
			&p.HoursEnd, &weekdays, &monthDays, &months); err != nil {
			return fmt.Errorf("scanning schedule period: %w", err)
		}
		if err := decodeIntList(weekdays, &p.Weekdays); err != nil {
			return fmt.Errorf("decoding weekdays: %w", err)
		}
		if err := decodeIntList(monthDays, &p.MonthDays); err != nil {
			return fmt.Errorf("decoding month days: %w", err)
		}
		if err := decodeIntList(months, &p.Months); err != nil {
			return fmt.Errorf("decoding months: %w", err)
		}
		s.Periods = append(s.Periods, p)
	}
	return rows.Err()
}

func decodeIntList(raw string, dst *[]int) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}
