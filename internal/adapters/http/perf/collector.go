package perf

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultRingSize is the default capacity of the ring buffer.
const DefaultRingSize = 10000

// EntryKind distinguishes what was timed.
type EntryKind uint8

const (
	KindRequest EntryKind = iota
	KindQuery
	KindBroadcast
)

// Entry is a single timing record stored in the ring buffer.
type Entry struct {
	Kind       EntryKind
	Path       string // "METHOD /path", "SELECT visit" or a topic destination
	StatusCode int    // HTTP status (0 for queries and broadcasts)
	Fanout     int    // receivers reached by a broadcast
	DurationMs float64
	Timestamp  time.Time
}

// Collector is a fixed-size ring buffer for timing entries.
// Writes never block on readers; when full, oldest entries are overwritten.
// Aggregation happens only on read.
type Collector struct {
	mu      sync.Mutex
	entries []Entry
	pos     int
	count   atomic.Int64
}

// NewCollector creates a collector with the given ring buffer capacity.
// PRE: size > 0, otherwise DefaultRingSize is used
func NewCollector(size int) *Collector {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Collector{entries: make([]Entry, size)}
}

// Record appends an entry to the ring buffer.
// POST: Entry stored; if buffer full, oldest entry overwritten
func (c *Collector) Record(e Entry) {
	c.mu.Lock()
	c.entries[c.pos] = e
	c.pos = (c.pos + 1) % len(c.entries)
	c.mu.Unlock()
	c.count.Add(1)
}

// TotalRecorded returns the total number of entries ever recorded.
func (c *Collector) TotalRecorded() int64 {
	return c.count.Load()
}

// Snapshot holds aggregated performance data computed on read.
type Snapshot struct {
	TotalRecorded      int64      `json:"totalRecorded"`
	RequestCount       int        `json:"requestCount"`
	QueryCount         int        `json:"queryCount"`
	BroadcastCount     int        `json:"broadcastCount"`
	RequestP50Ms       float64    `json:"requestP50Ms"`
	RequestP95Ms       float64    `json:"requestP95Ms"`
	RequestP99Ms       float64    `json:"requestP99Ms"`
	AvgBroadcastFanout float64    `json:"avgBroadcastFanout"`
	SlowestPaths       []PathStat `json:"slowestPaths"`
	SlowestQueries     []PathStat `json:"slowestQueries"`
	SlowestBroadcasts  []PathStat `json:"slowestBroadcasts"`
}

// PathStat aggregates timing for a single key.
type PathStat struct {
	Path    string  `json:"path"`
	AvgMs   float64 `json:"avgMs"`
	MaxMs   float64 `json:"maxMs"`
	Count   int     `json:"count"`
	TotalMs float64 `json:"totalMs"`
}

type bucket map[string]*PathStat

func (b bucket) add(e Entry) {
	s, ok := b[e.Path]
	if !ok {
		s = &PathStat{Path: e.Path}
		b[e.Path] = s
	}
	s.Count++
	s.TotalMs += e.DurationMs
	if e.DurationMs > s.MaxMs {
		s.MaxMs = e.DurationMs
	}
}

// Snapshot computes aggregated stats over entries recorded at or after since.
// PRE: topN > 0
// POST: Returns percentiles and top-N lists per kind
func (c *Collector) Snapshot(since time.Time, topN int) Snapshot {
	c.mu.Lock()
	buf := make([]Entry, len(c.entries))
	copy(buf, c.entries)
	c.mu.Unlock()

	var requestDurations []float64
	requests, queries, broadcasts := bucket{}, bucket{}, bucket{}
	snap := Snapshot{TotalRecorded: c.TotalRecorded()}
	fanout := 0

	for _, e := range buf {
		if e.Timestamp.IsZero() || e.Timestamp.Before(since) {
			continue
		}
		switch e.Kind {
		case KindRequest:
			requestDurations = append(requestDurations, e.DurationMs)
			requests.add(e)
			snap.RequestCount++
		case KindQuery:
			queries.add(e)
			snap.QueryCount++
		case KindBroadcast:
			broadcasts.add(e)
			snap.BroadcastCount++
			fanout += e.Fanout
		}
	}

	snap.SlowestPaths = topByAvg(requests, topN)
	snap.SlowestQueries = topByAvg(queries, topN)
	snap.SlowestBroadcasts = topByAvg(broadcasts, topN)
	if snap.BroadcastCount > 0 {
		snap.AvgBroadcastFanout = float64(fanout) / float64(snap.BroadcastCount)
	}
	if len(requestDurations) > 0 {
		sort.Float64s(requestDurations)
		snap.RequestP50Ms = percentile(requestDurations, 50)
		snap.RequestP95Ms = percentile(requestDurations, 95)
		snap.RequestP99Ms = percentile(requestDurations, 99)
	}
	return snap
}

// percentile returns the p-th percentile from a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (p / 100) * float64(len(sorted)-1)
	lower := int(math.Floor(idx))
	upper := int(math.Ceil(idx))
	if lower == upper || upper >= len(sorted) {
		return sorted[lower]
	}
	frac := idx - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}

// topByAvg returns the top n keys by average duration, descending.
func topByAvg(stats bucket, n int) []PathStat {
	list := make([]PathStat, 0, len(stats))
	for _, s := range stats {
		s.AvgMs = s.TotalMs / float64(s.Count)
		list = append(list, *s)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].AvgMs != list[j].AvgMs {
			return list[i].AvgMs > list[j].AvgMs
		}
		return list[i].Path < list[j].Path
	})
	if len(list) > n {
		list = list[:n]
	}
	return list
}
