package placement

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidSchedule = errors.New("placement: invalid operating hours")

type dayFilter int

const (
	everyDay dayFilter = iota
	weekdaysOnly
	weekendsOnly
)

// Schedule is a parsed operating-hours expression such as "weekdays 9-17"
// or "22-6". Hours are UTC; a start after the end wraps past midnight.
type Schedule struct {
	days  dayFilter
	start int
	end   int
	// allDay is set when no hour range was given.
	allDay bool
}

// AlwaysOpen is the schedule of an agent without operating hours.
var AlwaysOpen = Schedule{allDay: true}

func ParseSchedule(expr string) (Schedule, error) {
	fields := strings.Fields(strings.ToLower(expr))
	if len(fields) == 0 {
		return AlwaysOpen, nil
	}

	s := Schedule{}
	switch fields[0] {
	case "weekdays":
		s.days = weekdaysOnly
		fields = fields[1:]
	case "weekends":
		s.days = weekendsOnly
		fields = fields[1:]
	}

	switch len(fields) {
	case 0:
		s.allDay = true
		return s, nil
	case 1:
	default:
		return AlwaysOpen, fmt.Errorf("%w: %q", ErrInvalidSchedule, expr)
	}

	from, to, ok := strings.Cut(fields[0], "-")
	if !ok {
		return AlwaysOpen, fmt.Errorf("%w: %q has no hour range", ErrInvalidSchedule, expr)
	}
	start, err := parseHour(from)
	if err != nil {
		return AlwaysOpen, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, expr, err)
	}
	end, err := parseHour(to)
	if err != nil {
		return AlwaysOpen, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, expr, err)
	}
	s.start, s.end = start, end
	s.allDay = start == end || (start == 0 && end == 24)
	return s, nil
}

func parseHour(v string) (int, error) {
	h, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if h < 0 || h > 24 {
		return 0, fmt.Errorf("hour %d out of range", h)
	}
	return h, nil
}

// Active reports whether t falls inside the schedule.
func (s Schedule) Active(t time.Time) bool {
	t = t.UTC()
	weekend := t.Weekday() == time.Saturday || t.Weekday() == time.Sunday
	switch s.days {
	case weekdaysOnly:
		if weekend {
			return false
		}
	case weekendsOnly:
		if !weekend {
			return false
		}
	}
	if s.allDay {
		return true
	}
	h := t.Hour()
	if s.start < s.end {
		return h >= s.start && h < s.end
	}
	return h >= s.start || h < s.end
}

// ShouldBeInRoom evaluates an operating-hours expression at now. An invalid
// expression is treated as always open and returned with its error.
func ShouldBeInRoom(hours string, now time.Time) (bool, error) {
	s, err := ParseSchedule(hours)
	if err != nil {
		return true, err
	}
	return s.Active(now), nil
}
