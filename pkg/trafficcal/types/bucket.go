package types

import (
	"fmt"
	"time"
)

// Bucket is the (week, year) slot that both predictions and measurements are
// filed under. Together with a property ID it identifies comparable rows.
type Bucket struct {
	Week int `json:"week"`
	Year int `json:"year"`
}

// BucketFor derives the bucket of a calendar date: week = ceil(d / 7) where d
// counts calendar days from Jan 1 including the date itself, year is the
// calendar year. This is intentionally not ISO-8601; every component must go
// through this function so predictions and measurements always line up.
//
// Counting the date itself means a date at exactly midnight on day 8, 15, ...
// already belongs to the next week, where floor-based elapsed-time formulas
// such as ceil((t - Jan 1) / 7 days) give the previous one (and week 0 for
// Jan 1 00:00). For any other time of day the two agree.
func BucketFor(t time.Time) Bucket {
	return Bucket{
		Week: (t.YearDay() + 6) / 7,
		Year: t.Year(),
	}
}

// Valid reports whether the bucket could have been produced by BucketFor
func (b Bucket) Valid() bool {
	return b.Week >= 1 && b.Week <= 53 && b.Year > 0
}

func (b Bucket) String() string {
	return fmt.Sprintf("%04d-W%02d", b.Year, b.Week)
}

// Start returns midnight UTC of the first day of the bucket
func (b Bucket) Start() time.Time {
	return time.Date(b.Year, time.January, 1+7*(b.Week-1), 0, 0, 0, 0, time.UTC)
}

// Before reports whether b is an earlier bucket than other
func (b Bucket) Before(other Bucket) bool {
	if b.Year != other.Year {
		return b.Year < other.Year
	}
	return b.Week < other.Week
}
