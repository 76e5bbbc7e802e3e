package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/callreportd/callreportd/internal/calllog"
	"github.com/callreportd/callreportd/internal/database"
	"github.com/callreportd/callreportd/internal/database/models"
)

// RunResult summarizes one pipeline batch.
type RunResult struct {
	BatchID        string    `json:"batch_id"`
	Correlations   int       `json:"correlations"`
	RecordsCreated int       `json:"records_created"`
	Failures       int       `json:"failures"`
	StartedAt      time.Time `json:"started_at"`
	Duration       string    `json:"duration"`
}

// Coordinator drives the event-to-record reduction: it fetches stored
// events, groups them by correlation id, reduces each group through the
// builder, and replaces the resulting call records transactionally.
type Coordinator struct {
	cels    database.CELRepository
	records database.CallRecordRepository
	builder *calllog.Builder
	logger  *slog.Logger

	workers      int
	batchTimeout time.Duration

	mu      sync.Mutex
	lastRun *RunResult

	nowFunc func() time.Time
}

// Options configures a Coordinator. Zero values fall back to defaults.
type Options struct {
	Workers      int           // concurrent reductions per batch, default 4
	BatchTimeout time.Duration // per-batch deadline, default 2m
}

// New creates a pipeline Coordinator.
func New(cels database.CELRepository, records database.CallRecordRepository, builder *calllog.Builder, logger *slog.Logger, opts Options) *Coordinator {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cels:         cels,
		records:      records,
		builder:      builder,
		logger:       logger,
		workers:      opts.Workers,
		batchTimeout: opts.BatchTimeout,
		nowFunc:      time.Now,
	}
}

// LastRun returns the most recent batch result, or nil before the first run.
func (c *Coordinator) LastRun() *RunResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRun
}

// GenerateFromCorrelationID reduces the events of a single call. Used when
// the bus signals that a call has ended.
func (c *Coordinator) GenerateFromCorrelationID(ctx context.Context, correlationID string) (*RunResult, error) {
	events, err := c.cels.FindByCorrelationID(ctx, correlationID)
	if err != nil {
		return nil, fmt.Errorf("fetching events for %s: %w", correlationID, err)
	}
	return c.run(ctx, events)
}

// GenerateFromAge reduces all unprocessed events older than maxAge. Used by
// the periodic sweep to pick up calls whose end event never arrived.
func (c *Coordinator) GenerateFromAge(ctx context.Context, maxAge time.Duration) (*RunResult, error) {
	cutoff := c.nowFunc().Add(-maxAge)
	events, err := c.cels.FindUnprocessedOlderThan(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("fetching aged events: %w", err)
	}
	return c.run(ctx, events)
}

// GenerateFromCount reduces the newest count unprocessed events. Used for
// manual backfills.
func (c *Coordinator) GenerateFromCount(ctx context.Context, count int) (*RunResult, error) {
	events, err := c.cels.FindMostRecentUnprocessed(ctx, count)
	if err != nil {
		return nil, fmt.Errorf("fetching recent events: %w", err)
	}
	return c.run(ctx, events)
}

type reduction struct {
	correlationID string
	record        *models.CallRecord
	err           error
}

func (c *Coordinator) run(ctx context.Context, events []models.Event) (*RunResult, error) {
	// The deadline bounds reduction only. Records finalized before it
	// fires are still persisted, so store runs on the parent context.
	reduceCtx, cancel := context.WithTimeout(ctx, c.batchTimeout)
	defer cancel()

	started := c.nowFunc()
	result := &RunResult{
		BatchID:   uuid.NewString(),
		StartedAt: started,
	}

	groups := groupByCorrelationID(events)
	result.Correlations = len(groups)
	if len(groups) == 0 {
		c.finish(result, started)
		return result, nil
	}

	logger := c.logger.With("batch_id", result.BatchID)
	logger.Info("pipeline batch started", "correlations", len(groups), "events", len(events))

	reductions := c.reduceAll(reduceCtx, logger, groups)

	var records []*models.CallRecord
	var replaced []string
	var eventIDs []int64
	tenants := map[string]bool{}
	for _, red := range reductions {
		replaced = append(replaced, red.correlationID)
		for _, ev := range groups[red.correlationID] {
			eventIDs = append(eventIDs, ev.ID)
		}
		if red.err != nil {
			result.Failures++
			logger.Error("call reduction failed", "correlation_id", red.correlationID, "error", red.err)
			continue
		}
		records = append(records, red.record)
		if red.record.TenantUUID != "" {
			tenants[red.record.TenantUUID] = true
		}
	}

	if err := c.store(ctx, replaced, tenants, records, eventIDs); err != nil {
		return nil, err
	}

	result.RecordsCreated = len(records)
	c.finish(result, started)
	logger.Info("pipeline batch finished",
		"records", result.RecordsCreated,
		"failures", result.Failures,
		"duration", result.Duration)
	return result, nil
}

// reduceAll runs the builder over every correlation group with a bounded
// worker pool. A failed group is reported, not fatal.
func (c *Coordinator) reduceAll(ctx context.Context, logger *slog.Logger, groups map[string][]models.Event) []reduction {
	ids := make(chan string)
	out := make(chan reduction)

	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range ids {
				rec, err := c.builder.Reduce(groups[id])
				out <- reduction{correlationID: id, record: rec, err: err}
			}
		}()
	}

	go func() {
		defer close(ids)
		for id := range groups {
			select {
			case ids <- id:
			case <-ctx.Done():
				logger.Warn("pipeline batch deadline hit", "error", ctx.Err())
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(out)
	}()

	reductions := make([]reduction, 0, len(groups))
	for red := range out {
		reductions = append(reductions, red)
	}
	sort.Slice(reductions, func(i, j int) bool {
		return reductions[i].correlationID < reductions[j].correlationID
	})
	return reductions
}

// store replaces the records of the batch: old records for the same calls
// are deleted first so a re-run never duplicates, tenants are ensured so
// the foreign keys hold, and the source events are flagged as reduced.
// Events of failed reductions are flagged too; re-running the same broken
// stream cannot produce a different outcome.
func (c *Coordinator) store(ctx context.Context, replaced []string, tenants map[string]bool, records []*models.CallRecord, eventIDs []int64) error {
	if err := c.records.DeleteByCorrelationIDs(ctx, replaced); err != nil {
		return fmt.Errorf("deleting superseded records: %w", err)
	}

	tenantUUIDs := make([]string, 0, len(tenants))
	for t := range tenants {
		tenantUUIDs = append(tenantUUIDs, t)
	}
	sort.Strings(tenantUUIDs)
	if err := c.records.EnsureTenants(ctx, tenantUUIDs); err != nil {
		return fmt.Errorf("ensuring tenants: %w", err)
	}

	if err := c.records.CreateBatch(ctx, records); err != nil {
		return fmt.Errorf("storing call records: %w", err)
	}

	if err := c.cels.MarkProcessed(ctx, eventIDs); err != nil {
		return fmt.Errorf("marking events processed: %w", err)
	}
	return nil
}

func (c *Coordinator) finish(result *RunResult, started time.Time) {
	result.Duration = c.nowFunc().Sub(started).String()
	c.mu.Lock()
	c.lastRun = result
	c.mu.Unlock()
}

func groupByCorrelationID(events []models.Event) map[string][]models.Event {
	groups := map[string][]models.Event{}
	for _, ev := range events {
		groups[ev.CorrelationID] = append(groups[ev.CorrelationID], ev)
	}
	return groups
}
