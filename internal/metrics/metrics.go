package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/callreportd/callreportd/internal/pipeline"
)

// RecordDirectionCounter returns call record counts grouped by direction.
type RecordDirectionCounter interface {
	CountByDirection(ctx context.Context) (map[string]int64, error)
}

// BacklogCounter returns the number of stored events not yet reduced.
type BacklogCounter interface {
	CountUnprocessed(ctx context.Context) (int64, error)
}

// PipelineStats exposes the most recent pipeline batch.
type PipelineStats interface {
	LastRun() *pipeline.RunResult
}

// TrunkTableSizer exposes the size of the loaded trunk enrichment table.
type TrunkTableSizer interface {
	Len() int
}

// Collector is a prometheus.Collector that gathers callreportd metrics at
// scrape time.
type Collector struct {
	records   RecordDirectionCounter
	backlog   BacklogCounter
	pipeline  PipelineStats
	trunks    TrunkTableSizer
	startTime time.Time

	// Metric descriptors.
	recordsTotalDesc  *prometheus.Desc
	backlogDesc       *prometheus.Desc
	batchRecordsDesc  *prometheus.Desc
	batchFailuresDesc *prometheus.Desc
	trunkTableDesc    *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if
// unavailable.
func NewCollector(
	records RecordDirectionCounter,
	backlog BacklogCounter,
	pipe PipelineStats,
	trunks TrunkTableSizer,
	startTime time.Time,
) *Collector {
	return &Collector{
		records:   records,
		backlog:   backlog,
		pipeline:  pipe,
		trunks:    trunks,
		startTime: startTime,

		recordsTotalDesc: prometheus.NewDesc(
			"callreportd_call_records_total",
			"Total number of stored call records",
			[]string{"direction"}, nil,
		),
		backlogDesc: prometheus.NewDesc(
			"callreportd_event_backlog",
			"Number of stored channel events not yet reduced",
			nil, nil,
		),
		batchRecordsDesc: prometheus.NewDesc(
			"callreportd_last_batch_records",
			"Call records produced by the most recent pipeline batch",
			nil, nil,
		),
		batchFailuresDesc: prometheus.NewDesc(
			"callreportd_last_batch_failures",
			"Calls that failed to reduce in the most recent pipeline batch",
			nil, nil,
		),
		trunkTableDesc: prometheus.NewDesc(
			"callreportd_trunk_table_entries",
			"Entries in the loaded trunk number enrichment table",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"callreportd_uptime_seconds",
			"Seconds since the callreportd process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.recordsTotalDesc
	ch <- c.backlogDesc
	ch <- c.batchRecordsDesc
	ch <- c.batchFailuresDesc
	ch <- c.trunkTableDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.records != nil {
		counts, err := c.records.CountByDirection(ctx)
		if err != nil {
			slog.Error("metrics: failed to count call records by direction", "error", err)
		} else {
			for _, dir := range []string{"inbound", "outbound", "internal"} {
				ch <- prometheus.MustNewConstMetric(
					c.recordsTotalDesc, prometheus.CounterValue,
					float64(counts[dir]), dir,
				)
			}
		}
	}

	if c.backlog != nil {
		count, err := c.backlog.CountUnprocessed(ctx)
		if err != nil {
			slog.Error("metrics: failed to count event backlog", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.backlogDesc, prometheus.GaugeValue,
				float64(count),
			)
		}
	}

	if c.pipeline != nil {
		if last := c.pipeline.LastRun(); last != nil {
			ch <- prometheus.MustNewConstMetric(
				c.batchRecordsDesc, prometheus.GaugeValue,
				float64(last.RecordsCreated),
			)
			ch <- prometheus.MustNewConstMetric(
				c.batchFailuresDesc, prometheus.GaugeValue,
				float64(last.Failures),
			)
		}
	}

	if c.trunks != nil {
		ch <- prometheus.MustNewConstMetric(
			c.trunkTableDesc, prometheus.GaugeValue,
			float64(c.trunks.Len()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
