// Package sequence turns raw activity records into the fixed-length,
// minute-resolution windows consumed by the activity encoder.
//
// A window covers a whole number of calendar days ending at an anchor day
// (inclusive). Each minute of the window is one bucket holding the sum of the
// activity values whose start timestamp falls inside it. Building is
// deterministic: it never looks at the wall clock.
package sequence

import (
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	MinutesPerDay = 1440
	DefaultDays   = 7
)

var (
	// ErrInvalidInput marks caller mistakes that no model can recover from.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNoAnchorDate is returned when no end date is given and none can be
	// derived from the records.
	ErrNoAnchorDate = fmt.Errorf("%w: no activity records to derive an anchor date from", ErrInvalidInput)
)

// ActivityRecord is one time-stamped activity observation.
type ActivityRecord struct {
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date,omitempty"`
	Value     float64   `json:"value"`
}

// Sequence is a minute-level activity window anchored at EndDate.
type Sequence struct {
	EndDate time.Time
	Days    int
	Values  []float64
}

// StartDate returns midnight of the first day in the window.
func (s Sequence) StartDate() time.Time {
	return s.EndDate.AddDate(0, 0, -(s.Days - 1))
}

// Total returns the summed activity across the window.
func (s Sequence) Total() float64 {
	var total float64
	for _, v := range s.Values {
		total += v
	}
	return total
}

// Normalized returns log1p-compressed values standardised to zero mean and
// unit variance. A window without variance normalises to all zeros.
func (s Sequence) Normalized() []float64 {
	out := make([]float64, len(s.Values))
	if len(s.Values) == 0 {
		return out
	}

	var sum float64
	for i, v := range s.Values {
		if v < 0 {
			v = 0
		}
		out[i] = math.Log1p(v)
		sum += out[i]
	}
	mean := sum / float64(len(out))

	var sq float64
	for _, v := range out {
		d := v - mean
		sq += d * d
	}
	std := math.Sqrt(sq / float64(len(out)))
	if std < 1e-12 {
		for i := range out {
			out[i] = 0
		}
		return out
	}

	for i := range out {
		out[i] = (out[i] - mean) / std
	}
	return out
}

// Builder assembles Sequences. The zero value is not usable; call NewBuilder.
type Builder struct {
	days int
	loc  *time.Location
}

// NewBuilder returns a builder producing windows of the given number of days,
// computing calendar days in loc. Non-positive days fall back to DefaultDays
// and a nil loc means UTC.
func NewBuilder(days int, loc *time.Location) *Builder {
	if days <= 0 {
		days = DefaultDays
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Builder{days: days, loc: loc}
}

// Days returns the window length in days.
func (b *Builder) Days() int {
	return b.days
}

// Location returns the zone calendar days are computed in.
func (b *Builder) Location() *time.Location {
	return b.loc
}

// Window returns the half-open time range [start, end) covered by a window
// ending on the calendar day of endDate.
func (b *Builder) Window(endDate time.Time) (time.Time, time.Time) {
	end := b.day(endDate)
	return end.AddDate(0, 0, -(b.days - 1)), end.AddDate(0, 0, 1)
}

// Length returns the number of buckets in a window.
func (b *Builder) Length() int {
	return b.days * MinutesPerDay
}

// AnchorDate returns the latest calendar day present in records.
func (b *Builder) AnchorDate(records []ActivityRecord) (time.Time, error) {
	if len(records) == 0 {
		return time.Time{}, ErrNoAnchorDate
	}

	var latest time.Time
	for _, r := range records {
		d := b.day(r.StartDate)
		if d.After(latest) {
			latest = d
		}
	}
	return latest, nil
}

// Build aggregates records into the window ending at endDate (inclusive).
// A zero endDate is replaced by AnchorDate(records).
func (b *Builder) Build(records []ActivityRecord, endDate time.Time) (Sequence, error) {
	if endDate.IsZero() {
		anchor, err := b.AnchorDate(records)
		if err != nil {
			return Sequence{}, err
		}
		endDate = anchor
	}

	end := b.day(endDate)
	start := end.AddDate(0, 0, -(b.days - 1))
	values := make([]float64, b.Length())

	for _, r := range records {
		if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
			continue
		}
		idx := b.bucket(start, r.StartDate.In(b.loc))
		if idx < 0 || idx >= len(values) {
			continue
		}
		values[idx] += r.Value
	}

	return Sequence{EndDate: end, Days: b.days, Values: values}, nil
}

func (b *Builder) day(t time.Time) time.Time {
	t = t.In(b.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, b.loc)
}

// bucket counts calendar days rather than elapsed hours so DST shifts do not
// move records between days.
func (b *Builder) bucket(start, t time.Time) int {
	d := b.day(t)
	days := 0
	for cur := start; cur.Before(d); cur = cur.AddDate(0, 0, 1) {
		days++
		if days > b.days {
			return -1
		}
	}
	if d.Before(start) {
		return -1
	}
	return days*MinutesPerDay + t.Hour()*60 + t.Minute()
}
