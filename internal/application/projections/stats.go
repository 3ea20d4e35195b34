package projections

import (
	"time"

	"gympulse/internal/application/tracker"
	"gympulse/internal/domain/event"
	"gympulse/internal/domain/visit"
)

// RankEntry is one member's position in the attendance ranking.
type RankEntry struct {
	MemberID    string
	MemberName  string
	TotalVisits int
}

// Stats holds the derived attendance statistics.
// Never mutated in place by consumers; the aggregator hands out clones.
type Stats struct {
	TotalCheckIns      int
	TodayCheckIns      int
	WeeklyCheckIns     int
	MonthlyCheckIns    int
	PeakHours          [24]int
	DailyAttendance    map[string]int // YYYY-MM-DD -> check-ins
	MemberRanking      []RankEntry    // descending by TotalVisits, stable
	StatusDistribution map[visit.Status]int
}

// AverageDailyAttendance returns check-ins per distinct day observed.
// Computed on read so it never goes stale.
func (s Stats) AverageDailyAttendance() float64 {
	if len(s.DailyAttendance) == 0 {
		return 0
	}
	return float64(s.TotalCheckIns) / float64(len(s.DailyAttendance))
}

// Clone returns a deep copy.
func (s Stats) Clone() Stats {
	c := s
	c.DailyAttendance = make(map[string]int, len(s.DailyAttendance))
	for k, v := range s.DailyAttendance {
		c.DailyAttendance[k] = v
	}
	c.MemberRanking = append([]RankEntry(nil), s.MemberRanking...)
	c.StatusDistribution = make(map[visit.Status]int, len(s.StatusDistribution))
	for k, v := range s.StatusDistribution {
		c.StatusDistribution[k] = v
	}
	return c
}

// Payload converts the stats to their wire form.
func (s Stats) Payload() event.StatsPayload {
	p := event.StatsPayload{
		TotalCheckIns:          s.TotalCheckIns,
		TodayCheckIns:          s.TodayCheckIns,
		WeeklyCheckIns:         s.WeeklyCheckIns,
		MonthlyCheckIns:        s.MonthlyCheckIns,
		AverageDailyAttendance: s.AverageDailyAttendance(),
		PeakHours:              make(map[int]int),
		DailyAttendance:        make(map[string]int, len(s.DailyAttendance)),
		MemberRanking:          make([]event.RankEntry, 0, len(s.MemberRanking)),
		StatusDistribution:     make(map[string]int, len(s.StatusDistribution)),
	}
	for h, n := range s.PeakHours {
		if n > 0 {
			p.PeakHours[h] = n
		}
	}
	for d, n := range s.DailyAttendance {
		p.DailyAttendance[d] = n
	}
	for _, e := range s.MemberRanking {
		p.MemberRanking = append(p.MemberRanking, event.RankEntry{MemberID: e.MemberID, MemberName: e.MemberName, TotalVisits: e.TotalVisits})
	}
	for st, n := range s.StatusDistribution {
		p.StatusDistribution[string(st)] = n
	}
	return p
}

// Window holds the bucket boundaries evaluated at a single instant.
type Window struct {
	Location   *time.Location
	Today      string // YYYY-MM-DD
	WeekStart  time.Time
	MonthStart time.Time
}

// WindowAt computes the boundaries for now: today is the calendar day of now,
// the week covers the last 7 calendar days and the month the last 30.
func WindowAt(now time.Time) Window {
	loc := now.Location()
	y, m, d := now.Date()
	return Window{
		Location:   loc,
		Today:      now.Format("2006-01-02"),
		WeekStart:  time.Date(y, m, d-6, 0, 0, 0, 0, loc),
		MonthStart: time.Date(y, m, d-29, 0, 0, 0, 0, loc),
	}
}

// Aggregator maintains Stats incrementally from accepted transitions.
// Not safe for concurrent use.
type Aggregator struct {
	stats Stats
	rank  map[string]int // memberID -> index in stats.MemberRanking
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	a := &Aggregator{}
	a.reset()
	return a
}

func (a *Aggregator) reset() {
	a.stats = Stats{
		DailyAttendance:    make(map[string]int),
		StatusDistribution: make(map[visit.Status]int),
	}
	a.rank = make(map[string]int)
}

// Stats returns a copy of the current statistics.
func (a *Aggregator) Stats() Stats {
	return a.stats.Clone()
}

// Apply folds one accepted transition into the stats, with window boundaries
// evaluated once at now. Buckets already counted are never re-swept.
// Returns false when the transition cannot be applied incrementally and the
// caller must Rebuild.
// PRE: t was accepted by the tracker
// POST: Stats equal ComputeStats over the resulting visit set at now
func (a *Aggregator) Apply(t tracker.Transition, now time.Time) bool {
	switch t.Kind {
	case tracker.KindNone:
		return true
	case tracker.KindCheckedIn:
		a.addCheckIn(t.After, WindowAt(now))
		return true
	case tracker.KindCheckedOut:
		a.stats.StatusDistribution[visit.StatusCheckedIn]--
		a.stats.StatusDistribution[visit.StatusCheckedOut]++
		return true
	case tracker.KindConfirmed:
		b, c := t.Before, t.After
		if b.MemberID != c.MemberID || !b.CheckInTime.Equal(c.CheckInTime) || b.Status != c.Status {
			return false
		}
		if i, ok := a.rank[c.MemberID]; ok && c.MemberName != "" {
			a.stats.MemberRanking[i].MemberName = c.MemberName
		}
		return true
	}
	return false
}

// Rebuild recomputes everything from the records, in their insertion order.
func (a *Aggregator) Rebuild(records []visit.Record, now time.Time) {
	a.reset()
	w := WindowAt(now)
	for _, r := range records {
		a.addCheckIn(r, w)
		if !r.IsOpen() {
			a.stats.StatusDistribution[visit.StatusCheckedIn]--
			a.stats.StatusDistribution[visit.StatusCheckedOut]++
		}
	}
}

// ComputeStats is the from-scratch form of the aggregation.
func ComputeStats(records []visit.Record, now time.Time) Stats {
	a := NewAggregator()
	a.Rebuild(records, now)
	return a.stats
}

func (a *Aggregator) addCheckIn(r visit.Record, w Window) {
	s := &a.stats
	at := r.CheckInTime.In(w.Location)
	s.TotalCheckIns++
	if at.Format("2006-01-02") == w.Today {
		s.TodayCheckIns++
	}
	if !at.Before(w.WeekStart) {
		s.WeeklyCheckIns++
	}
	if !at.Before(w.MonthStart) {
		s.MonthlyCheckIns++
	}
	s.PeakHours[at.Hour()]++
	s.DailyAttendance[at.Format("2006-01-02")]++
	s.StatusDistribution[visit.StatusCheckedIn]++
	a.bumpRank(r.MemberID, r.MemberName)
}

// bumpRank increments a member's total and moves it up past entries with a
// strictly smaller total, so ties keep whoever reached the total first.
func (a *Aggregator) bumpRank(memberID, name string) {
	ranking := a.stats.MemberRanking
	i, ok := a.rank[memberID]
	if !ok {
		ranking = append(ranking, RankEntry{MemberID: memberID, MemberName: name})
		i = len(ranking) - 1
	}
	ranking[i].TotalVisits++
	if name != "" {
		ranking[i].MemberName = name
	}
	for i > 0 && ranking[i-1].TotalVisits < ranking[i].TotalVisits {
		ranking[i-1], ranking[i] = ranking[i], ranking[i-1]
		a.rank[ranking[i].MemberID] = i
		i--
	}
	a.rank[memberID] = i
	a.stats.MemberRanking = ranking
}
