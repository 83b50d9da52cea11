package scheduling

import (
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
)

// GenerateRequest describes one slot generation run. Exactly one of the
// date range (StartDate..EndDate, inclusive) or Dates must be set.
type GenerateRequest struct {
	ProviderID uuid.UUID
	StartDate  civil.Date
	EndDate    civil.Date
	Dates      []civil.Date
	DayStart   Clock
	DayEnd     Clock
	// SessionMinutes falls back to the provider's default when zero.
	SessionMinutes int
	Break          *BreakWindow
}

type GenerateResult struct {
	Created      []Slot
	SkippedDates []civil.Date
}

// Interval is a candidate slot on a single day, [Start, End).
type Interval struct {
	Start Clock
	End   Clock
}

func (r GenerateRequest) rangeMode() bool {
	return len(r.Dates) == 0
}

func (r GenerateRequest) validate(maxDays int) error {
	if r.ProviderID == uuid.Nil {
		return configErr("provider_id", "is required")
	}
	if !r.DayStart.Valid() {
		return configErr("day_start", "is not a valid time of day")
	}
	if !r.DayEnd.Valid() {
		return configErr("day_end", "is not a valid time of day")
	}
	if r.DayEnd < r.DayStart {
		return configErr("day_end", "must not be before day_start")
	}
	if r.SessionMinutes < 0 {
		return configErr("session_minutes", "must be positive")
	}
	if r.Break != nil && (!r.Break.Start.Valid() || !r.Break.End.Valid()) {
		return configErr("break", "is not a valid time window")
	}
	if !r.rangeMode() {
		for _, d := range r.Dates {
			if !d.IsValid() {
				return configErr("dates", "contains an invalid date")
			}
		}
		if maxDays > 0 && len(r.Dates) > maxDays {
			return configErr("dates", "must list at most %d dates", maxDays)
		}
		return nil
	}
	if !r.StartDate.IsValid() {
		return configErr("start_date", "is required")
	}
	if !r.EndDate.IsValid() {
		return configErr("end_date", "is required")
	}
	if r.EndDate.Before(r.StartDate) {
		return configErr("end_date", "must not be before start_date")
	}
	if maxDays > 0 && r.EndDate.DaysSince(r.StartDate)+1 > maxDays {
		return configErr("end_date", "range must cover at most %d days", maxDays)
	}
	return nil
}

// expandDates returns the dates to generate and the dates skipped because
// they fall on a non-working weekday. Only range mode honours non-working
// days; an explicit list is processed as given, minus duplicates.
func (r GenerateRequest) expandDates(nonWorking map[time.Weekday]bool) (work, skipped []civil.Date) {
	if !r.rangeMode() {
		seen := make(map[civil.Date]bool, len(r.Dates))
		for _, d := range r.Dates {
			if seen[d] {
				continue
			}
			seen[d] = true
			work = append(work, d)
		}
		return work, nil
	}

	for d := r.StartDate; !d.After(r.EndDate); d = d.AddDays(1) {
		if nonWorking[d.Weekday()] {
			skipped = append(skipped, d)
			continue
		}
		work = append(work, d)
	}
	return work, skipped
}

// PlanDay walks a cursor from dayStart to dayEnd in steps of session and
// returns every candidate that ends by dayEnd and stays clear of the break.
// A cursor landing exactly on the break start jumps to the break end.
func PlanDay(dayStart, dayEnd Clock, session time.Duration, brk *BreakWindow) []Interval {
	step := Clock(session / time.Minute)
	if step <= 0 {
		return nil
	}

	var out []Interval
	for cursor := dayStart; cursor < dayEnd; {
		end := cursor + step

		overlapsBreak := brk.Valid() && !(end <= brk.Start || cursor >= brk.End)
		if !overlapsBreak && end <= dayEnd {
			out = append(out, Interval{Start: cursor, End: end})
		}

		cursor += step
		if brk.Valid() && cursor == brk.Start {
			cursor = brk.End
		}
	}
	return out
}
