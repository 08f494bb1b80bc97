package source

import "time"

// ResyncStrategy declares how often a source should be re-invoked after
// its first successful run. It is data, not behavior: the scheduler does
// the time arithmetic so sources stay declarative.
type ResyncStrategy struct {
	Kind    ResyncKind
	Minute  int
	Hour    int
	Weekday time.Weekday
	Day     int
	// Interval applies to UpstreamNewer: how often to probe upstream
	// for a newer version.
	Interval time.Duration
}

type ResyncKind int

const (
	ResyncHourly ResyncKind = iota
	ResyncDaily
	ResyncWeekly
	ResyncMonthly
	// ResyncUpstreamNewer re-runs on a probe interval; the source itself
	// decides whether upstream actually has newer data.
	ResyncUpstreamNewer
)

func HourlyAt(minute int) ResyncStrategy {
	return ResyncStrategy{Kind: ResyncHourly, Minute: minute}
}

func DailyAt(hour, minute int) ResyncStrategy {
	return ResyncStrategy{Kind: ResyncDaily, Hour: hour, Minute: minute}
}

func WeeklyOn(day time.Weekday, hour, minute int) ResyncStrategy {
	return ResyncStrategy{Kind: ResyncWeekly, Weekday: day, Hour: hour, Minute: minute}
}

func MonthlyOn(day, hour, minute int) ResyncStrategy {
	return ResyncStrategy{Kind: ResyncMonthly, Day: day, Hour: hour, Minute: minute}
}

func WhenUpstreamNewer(probe time.Duration) ResyncStrategy {
	return ResyncStrategy{Kind: ResyncUpstreamNewer, Interval: probe}
}

// Next returns the first instant strictly after t at which the source is
// due again.
func (s ResyncStrategy) Next(t time.Time) time.Time {
	switch s.Kind {
	case ResyncHourly:
		next := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), s.Minute, 0, 0, t.Location())
		if !next.After(t) {
			next = next.Add(time.Hour)
		}
		return next
	case ResyncDaily:
		next := time.Date(t.Year(), t.Month(), t.Day(), s.Hour, s.Minute, 0, 0, t.Location())
		if !next.After(t) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	case ResyncWeekly:
		next := time.Date(t.Year(), t.Month(), t.Day(), s.Hour, s.Minute, 0, 0, t.Location())
		for next.Weekday() != s.Weekday || !next.After(t) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	case ResyncMonthly:
		next := time.Date(t.Year(), t.Month(), s.Day, s.Hour, s.Minute, 0, 0, t.Location())
		if !next.After(t) {
			next = next.AddDate(0, 1, 0)
		}
		return next
	case ResyncUpstreamNewer:
		return t.Add(s.Interval)
	}
	return t.Add(time.Hour)
}

// BackfillStrategy describes the scope of a source's first-ever run.
type BackfillStrategy struct {
	Kind BackfillKind
	Days int
	Rows int
}

type BackfillKind int

const (
	BackfillLastNDays BackfillKind = iota
	BackfillFirstNRows
	BackfillFullScan
)

func LastNDays(n int) BackfillStrategy {
	return BackfillStrategy{Kind: BackfillLastNDays, Days: n}
}

func FirstNRows(n int) BackfillStrategy {
	return BackfillStrategy{Kind: BackfillFirstNRows, Rows: n}
}

func FullScan() BackfillStrategy {
	return BackfillStrategy{Kind: BackfillFullScan}
}
