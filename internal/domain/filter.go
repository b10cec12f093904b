package domain

import (
	"strings"
	"time"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"

	MinDaysBetweenAppointments = 15
)

// AppointmentFilter narrows list and history queries. Date and the From/To
// range are mutually exclusive.
type AppointmentFilter struct {
	Date           *time.Time
	From           *time.Time
	To             *time.Time
	Name           string
	Identification string
}

func (f AppointmentFilter) Validate() error {
	if f.Date != nil && (f.From != nil || f.To != nil) {
		return NewValidationError("date and date range cannot be combined")
	}
	if (f.From == nil) != (f.To == nil) {
		return NewValidationError("date range needs both from and to")
	}
	if f.From != nil && TruncateDay(*f.From).After(TruncateDay(*f.To)) {
		return NewValidationError("date range start %s is after end %s",
			f.From.Format(DateLayout), f.To.Format(DateLayout))
	}
	return nil
}

// Normalized trims text fields and drops the time of day from dates.
func (f AppointmentFilter) Normalized() AppointmentFilter {
	out := AppointmentFilter{
		Name:           strings.TrimSpace(f.Name),
		Identification: strings.TrimSpace(f.Identification),
	}
	if f.Date != nil {
		d := TruncateDay(*f.Date)
		out.Date = &d
	}
	if f.From != nil {
		d := TruncateDay(*f.From)
		out.From = &d
	}
	if f.To != nil {
		d := TruncateDay(*f.To)
		out.To = &d
	}
	return out
}

// TruncateDay keeps only the calendar date of t, in UTC.
func TruncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// CalendarDaysBetween returns to - from in whole calendar days; negative when to is earlier.
func CalendarDaysBetween(from, to time.Time) int {
	return int(TruncateDay(to).Sub(TruncateDay(from)).Hours() / 24)
}

func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, NewValidationError("invalid date %q, expected YYYY-MM-DD", s)
	}
	return t, nil
}

func ValidTime(s string) bool {
	_, err := time.Parse(TimeLayout, s)
	return err == nil
}
