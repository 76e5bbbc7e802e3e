// Package report aggregates classified call records into nested
// business-hours counters.
//
// Aggregation is a pure reduction: no I/O, deterministic for a given input
// set, and order independent. Accumulators merge leaf-wise, so workers can
// each build their own and combine them at the end.
package report

import (
	"fmt"
	"time"

	"github.com/callreportd/callreportd/internal/database/models"
	"github.com/callreportd/callreportd/internal/schedule"
)

// Counter is one leaf of the report tree.
type Counter struct {
	WorkingHours        int   `json:"working_hours"`
	OutsideWorkingHours int   `json:"outside_working_hours"`
	Total               int   `json:"total"`
	DurationSeconds     int64 `json:"duration_seconds"`
}

func (c *Counter) add(inHours bool, duration time.Duration) {
	c.Total++
	if inHours {
		c.WorkingHours++
	} else {
		c.OutsideWorkingHours++
	}
	c.DurationSeconds += int64(duration / time.Second)
}

func (c *Counter) merge(other Counter) {
	c.WorkingHours += other.WorkingHours
	c.OutsideWorkingHours += other.OutsideWorkingHours
	c.Total += other.Total
	c.DurationSeconds += other.DurationSeconds
}

// DirectionCounters is the per-direction branch of the tree, with its own
// per-trunk split.
type DirectionCounters struct {
	Counter
	ByTrunk map[string]*Counter `json:"by_trunk,omitempty"`
}

// Accumulator is the report result tree. Trunk leaves are created lazily on
// first use; directions are always present.
type Accumulator struct {
	Total       Counter                       `json:"total"`
	ByDirection map[string]*DirectionCounters `json:"by_direction"`
	ByTrunk     map[string]*Counter           `json:"by_trunk,omitempty"`
}

// NewAccumulator returns an empty tree with all three direction branches.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		ByDirection: map[string]*DirectionCounters{
			models.DirectionInbound:  {},
			models.DirectionOutbound: {},
			models.DirectionInternal: {},
		},
		ByTrunk: map[string]*Counter{},
	}
}

// Merge adds another accumulator's counts leaf-wise. Merging is commutative
// and associative, which is what makes fan-out aggregation safe.
func (a *Accumulator) Merge(other *Accumulator) {
	a.Total.merge(other.Total)
	for direction, otherDir := range other.ByDirection {
		dir := a.ByDirection[direction]
		if dir == nil {
			dir = &DirectionCounters{}
			a.ByDirection[direction] = dir
		}
		dir.Counter.merge(otherDir.Counter)
		for trunk, c := range otherDir.ByTrunk {
			dir.trunkLeaf(trunk).merge(*c)
		}
	}
	for trunk, c := range other.ByTrunk {
		a.trunkLeaf(trunk).merge(*c)
	}
}

func (a *Accumulator) trunkLeaf(trunk string) *Counter {
	c := a.ByTrunk[trunk]
	if c == nil {
		c = &Counter{}
		a.ByTrunk[trunk] = c
	}
	return c
}

func (d *DirectionCounters) trunkLeaf(trunk string) *Counter {
	if d.ByTrunk == nil {
		d.ByTrunk = map[string]*Counter{}
	}
	c := d.ByTrunk[trunk]
	if c == nil {
		c = &Counter{}
		d.ByTrunk[trunk] = c
	}
	return c
}

// NoSchedulePolicy decides how records are classified when no schedule is
// available. There is no implicit default: the caller must pick one.
type NoSchedulePolicy interface {
	inWorkingHours(t time.Time) bool
}

// AssumeClosed classifies every instant as outside working hours when no
// schedule resolves.
type AssumeClosed struct{}

func (AssumeClosed) inWorkingHours(time.Time) bool { return false }

// FixedWindow classifies instants against a fixed daily [Start,End) local
// wall-clock window, every day of the week, when no schedule resolves.
type FixedWindow struct {
	Start string // "HH:MM"
	End   string // "HH:MM"
}

func (w FixedWindow) inWorkingHours(t time.Time) bool {
	start, okStart := clockMinutes(w.Start)
	end, okEnd := clockMinutes(w.End)
	if !okStart || !okEnd {
		// Malformed window fails closed, like a malformed period.
		return false
	}
	now := t.Hour()*60 + t.Minute()
	if end <= start {
		return now >= start || now < end
	}
	return now >= start && now < end
}

// clockMinutes parses "HH:MM" into minutes since midnight.
func clockMinutes(s string) (int, bool) {
	var h, m int
	n, err := fmt.Sscanf(s, "%d:%d", &h, &m)
	if err != nil || n != 2 || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

// Aggregator classifies call records against a schedule and accumulates the
// report tree. Schedule may be nil; NoSchedule then decides classification.
type Aggregator struct {
	Schedule   *schedule.Schedule
	NoSchedule NoSchedulePolicy
}

// Aggregate reduces the records into a fresh accumulator.
func (g *Aggregator) Aggregate(records []models.CallRecord) *Accumulator {
	acc := NewAccumulator()
	for i := range records {
		g.AggregateOne(acc, &records[i])
	}
	return acc
}

// AggregateOne classifies one record and increments every matching leaf.
func (g *Aggregator) AggregateOne(acc *Accumulator, rec *models.CallRecord) {
	inHours := g.inWorkingHours(rec.Date)
	duration := rec.Duration()

	acc.Total.add(inHours, duration)

	dir := acc.ByDirection[rec.Direction]
	if dir == nil {
		dir = &DirectionCounters{}
		acc.ByDirection[rec.Direction] = dir
	}
	dir.Counter.add(inHours, duration)

	if rec.Trunk != nil {
		acc.trunkLeaf(*rec.Trunk).add(inHours, duration)
		dir.trunkLeaf(*rec.Trunk).add(inHours, duration)
	}
}

func (g *Aggregator) inWorkingHours(t time.Time) bool {
	if g.Schedule != nil {
		return g.Schedule.IsOpenAt(t)
	}
	return g.NoSchedule.inWorkingHours(t)
}
