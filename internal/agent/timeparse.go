package agent

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const defaultReminderHour = 9

// maxReminderHorizon bounds "in N <unit>" amounts.
const maxReminderHorizon = 10 * 365 * 24 * time.Hour

var (
	onDateRe     = regexp.MustCompile(`(?i)\bon\s+(\d{4})-(\d{2})-(\d{2})(?:\s+(?:at\s+)?(\d{1,2}):(\d{2}))?\b`)
	tomorrowRe   = regexp.MustCompile(`(?i)\btomorrow(?:\s+at\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)?)?\b`)
	relativeRe   = regexp.MustCompile(`(?i)\bin\s+(\d+|an?)\s*(seconds?|secs?|s|minutes?|mins?|m|hours?|hrs?|hr|h|days?|d|weeks?|w)\b`)
	atTomorrowRe = regexp.MustCompile(`(?i)\bat\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)?\s+tomorrow\b`)
	atRe         = regexp.MustCompile(`(?i)\bat\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)?\b`)
	leadingRe    = regexp.MustCompile(`(?i)^(?:to|that|about|of)\s+`)
)

type timeForm struct {
	re      *regexp.Regexp
	resolve func(m []string, now, local time.Time, loc *time.Location) (time.Time, error)
}

var timeForms = []timeForm{
	{onDateRe, func(m []string, _, _ time.Time, loc *time.Location) (time.Time, error) {
		return parseOnDate(m, loc)
	}},
	{tomorrowRe, func(m []string, _, local time.Time, loc *time.Location) (time.Time, error) {
		h, mm, err := clockOrDefault(m[1], m[2], m[3])
		return nextDayAt(local, h, mm, loc), err
	}},
	{relativeRe, func(m []string, now, _ time.Time, _ *time.Location) (time.Time, error) {
		d, err := relativeDuration(m[1], m[2])
		return now.Add(d), err
	}},
	{atTomorrowRe, func(m []string, _, local time.Time, loc *time.Location) (time.Time, error) {
		h, mm, err := clock(m[1], m[2], m[3])
		return nextDayAt(local, h, mm, loc), err
	}},
	{atRe, func(m []string, now, local time.Time, loc *time.Location) (time.Time, error) {
		h, mm, err := clock(m[1], m[2], m[3])
		t := time.Date(local.Year(), local.Month(), local.Day(), h, mm, 0, 0, loc)
		if !t.After(now) {
			t = t.AddDate(0, 0, 1)
		}
		return t, err
	}},
}

// ParseReminder extracts the fire time and the message from the text that
// follows "remind me". Supported forms: "in N <unit>", "at HH:MM", "at 5pm",
// "tomorrow [at ...]", "at ... tomorrow" and "on YYYY-MM-DD [HH:MM]". The
// leftmost time expression wins, so later words like "tomorrow" stay in the
// message. A clock time that has already passed today rolls over to tomorrow.
func ParseReminder(text string, now time.Time, loc *time.Location) (time.Time, string, error) {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)

	var (
		form *timeForm
		span []int
	)
	for i := range timeForms {
		idx := timeForms[i].re.FindStringSubmatchIndex(text)
		if idx == nil {
			continue
		}
		if span == nil || idx[0] < span[0] || (idx[0] == span[0] && idx[1] > span[1]) {
			form, span = &timeForms[i], idx
		}
	}
	if form == nil {
		return time.Time{}, "", fmt.Errorf("%w: no time expression in %q", ErrInvalidReminderTime, text)
	}

	m := make([]string, len(span)/2)
	for i := range m {
		if span[2*i] >= 0 {
			m[i] = text[span[2*i]:span[2*i+1]]
		}
	}
	fireAt, err := form.resolve(m, now, local, loc)
	if err != nil {
		return time.Time{}, "", err
	}
	return fireAt, reminderMessage(text, span[:2]), nil
}

func nextDayAt(local time.Time, h, mm int, loc *time.Location) time.Time {
	next := local.AddDate(0, 0, 1)
	return time.Date(next.Year(), next.Month(), next.Day(), h, mm, 0, 0, loc)
}

func parseOnDate(m []string, loc *time.Location) (time.Time, error) {
	y, _ := strconv.Atoi(m[1])
	mo, _ := strconv.Atoi(m[2])
	d, _ := strconv.Atoi(m[3])
	h, mm := defaultReminderHour, 0
	if m[4] != "" {
		var err error
		if h, mm, err = clock(m[4], m[5], ""); err != nil {
			return time.Time{}, err
		}
	}
	t := time.Date(y, time.Month(mo), d, h, mm, 0, 0, loc)
	// time.Date normalizes out-of-range values; reject them instead.
	if t.Year() != y || int(t.Month()) != mo || t.Day() != d {
		return time.Time{}, fmt.Errorf("%w: no such date %s-%s-%s", ErrInvalidReminderTime, m[1], m[2], m[3])
	}
	return t, nil
}

func clockOrDefault(hour, minute, meridiem string) (int, int, error) {
	if hour == "" {
		return defaultReminderHour, 0, nil
	}
	return clock(hour, minute, meridiem)
}

func clock(hour, minute, meridiem string) (int, int, error) {
	h, err := strconv.Atoi(hour)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: bad hour %q", ErrInvalidReminderTime, hour)
	}
	mm := 0
	if minute != "" {
		if mm, err = strconv.Atoi(minute); err != nil || mm > 59 {
			return 0, 0, fmt.Errorf("%w: bad minute %q", ErrInvalidReminderTime, minute)
		}
	}
	switch strings.ToLower(meridiem) {
	case "am", "pm":
		if h < 1 || h > 12 {
			return 0, 0, fmt.Errorf("%w: bad hour %d%s", ErrInvalidReminderTime, h, meridiem)
		}
		h %= 12
		if strings.EqualFold(meridiem, "pm") {
			h += 12
		}
	default:
		if h > 23 {
			return 0, 0, fmt.Errorf("%w: bad hour %d", ErrInvalidReminderTime, h)
		}
	}
	return h, mm, nil
}

func relativeDuration(amount, unit string) (time.Duration, error) {
	n := 1
	if a := strings.ToLower(amount); a != "a" && a != "an" {
		var err error
		if n, err = strconv.Atoi(amount); err != nil || n <= 0 {
			return 0, fmt.Errorf("%w: bad amount %q", ErrInvalidReminderTime, amount)
		}
	}
	var per time.Duration
	switch u := strings.ToLower(unit); {
	case strings.HasPrefix(u, "s"):
		per = time.Second
	case strings.HasPrefix(u, "m"):
		per = time.Minute
	case strings.HasPrefix(u, "h"):
		per = time.Hour
	case strings.HasPrefix(u, "d"):
		per = 24 * time.Hour
	case strings.HasPrefix(u, "w"):
		per = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("%w: bad unit %q", ErrInvalidReminderTime, unit)
	}
	if n > int(maxReminderHorizon/per) {
		return 0, fmt.Errorf("%w: %s %s is too far ahead", ErrInvalidReminderTime, amount, unit)
	}
	return time.Duration(n) * per, nil
}

// reminderMessage removes the time expression and connective words, leaving
// what to be reminded about.
func reminderMessage(text string, span []int) string {
	rest := text
	if span != nil {
		rest = text[:span[0]] + " " + text[span[1]:]
	}
	rest = strings.Join(strings.Fields(rest), " ")
	rest = strings.Trim(rest, " ,.;:!")
	for {
		trimmed := leadingRe.ReplaceAllString(rest, "")
		if trimmed == rest {
			break
		}
		rest = trimmed
	}
	return strings.TrimSpace(rest)
}

// formatFireTime renders a fire time for the acknowledgement: clock only for
// today, date and clock otherwise.
func formatFireTime(fireAt, now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	f, n := fireAt.In(loc), now.In(loc)
	if f.Year() == n.Year() && f.YearDay() == n.YearDay() {
		return f.Format("15:04")
	}
	return f.Format("2006-01-02 15:04")
}
