package database

import (
	"context"
	"time"

	"github.com/callreportd/callreportd/internal/database/models"
)

// CELRepository is the event store boundary: raw channel events come in from
// the bus, the pipeline fetches them back out per correlation id.
type CELRepository interface {
	Create(ctx context.Context, ev *models.Event) error
	// FindByCorrelationID returns the events of one call, ordered by
	// event time then sequence id.
	FindByCorrelationID(ctx context.Context, correlationID string) ([]models.Event, error)
	// FindUnprocessedOlderThan returns unreduced events whose time is
	// before the cutoff.
	FindUnprocessedOlderThan(ctx context.Context, cutoff time.Time) ([]models.Event, error)
	// FindMostRecentUnprocessed returns the newest count unreduced events.
	FindMostRecentUnprocessed(ctx context.Context, count int) ([]models.Event, error)
	MarkProcessed(ctx context.Context, ids []int64) error
	CountUnprocessed(ctx context.Context) (int64, error)
}

// CallRecordListFilter specifies filtering and pagination for call record
// list queries.
type CallRecordListFilter struct {
	Limit     int
	Offset    int
	Search    string     // matches source/destination name and exten
	Direction string     // "inbound", "outbound", "internal", or "" for all
	From      *time.Time // inclusive lower bound on date
	Until     *time.Time // exclusive upper bound on date
}

// CallRecordRepository manages finalized call records. The pipeline calls
// EnsureTenants before CreateBatch so the tenant foreign keys hold, and
// DeleteByCorrelationIDs before CreateBatch so a re-run replaces instead of
// duplicating.
type CallRecordRepository interface {
	CreateBatch(ctx context.Context, records []*models.CallRecord) error
	DeleteByCorrelationIDs(ctx context.Context, correlationIDs []string) error
	EnsureTenants(ctx context.Context, tenantUUIDs []string) error
	List(ctx context.Context, filter CallRecordListFilter) ([]models.CallRecord, int, error)
	// FindInRange returns all records with From <= date < Until, without
	// pagination, for report aggregation.
	FindInRange(ctx context.Context, from, until *time.Time) ([]models.CallRecord, error)
	CountByDirection(ctx context.Context) (map[string]int64, error)
}

// ScheduleRepository resolves business-hours schedules. Each method returns
// (nil, nil) when nothing matches; the resolution order across methods is
// the caller's policy.
type ScheduleRepository interface {
	GetByID(ctx context.Context, id int64) (*models.Schedule, error)
	FindForExtension(ctx context.Context, tenantUUID, exten string) (*models.Schedule, error)
	FindForContext(ctx context.Context, contextName, routeType, exten string) (*models.Schedule, error)
	FindOutboundDefault(ctx context.Context, tenantUUID string) (*models.Schedule, error)
}

// TrunkRepository lists the trunk directory used to build the enrichment
// table.
type TrunkRepository interface {
	List(ctx context.Context) ([]models.Trunk, error)
}
