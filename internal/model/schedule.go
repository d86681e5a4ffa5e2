package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/robfig/cron/v3"
)

var (
	ErrISOFormat     = errors.New("invalid ISO8601 duration")
	ErrEmptySchedule = errors.New("timer schedule needs cron or duration")
)

// five fields or a descriptor like @hourly or @every 1h
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func ParseCron(expr string) (cron.Schedule, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return nil, errors.New("empty cron expression")
	}
	return cronParser.Parse(e)
}

// Interval returns the time between two consecutive timer runs.
func (s TimerSchedule) Interval() (time.Duration, error) {
	switch {
	case s.Cron != "":
		sched, err := ParseCron(s.Cron)
		if err != nil {
			return 0, err
		}
		next := sched.Next(time.Now())
		return sched.Next(next).Sub(next), nil
	case s.Duration != "":
		return ParseISODuration(s.Duration)
	default:
		return 0, ErrEmptySchedule
	}
}

// Job returns the gocron definition firing the service passes.
func (s TimerSchedule) Job() (gocron.JobDefinition, error) {
	switch {
	case s.Cron != "":
		if _, err := ParseCron(s.Cron); err != nil {
			return nil, fmt.Errorf("service.schedule.cron: %w", err)
		}
		return gocron.CronJob(s.Cron, false), nil
	case s.Duration != "":
		d, err := ParseISODuration(s.Duration)
		if err != nil {
			return nil, fmt.Errorf("service.schedule.duration: %w", err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("service.schedule.duration must be positive, got %s", d)
		}
		return gocron.DurationJob(d), nil
	default:
		return nil, ErrEmptySchedule
	}
}

// ISODurationOr parses p, returning def for nil.
func ISODurationOr(p *string, def time.Duration) (time.Duration, error) {
	if p == nil {
		return def, nil
	}
	return ParseISODuration(*p)
}

// ParseISODuration accepts the day and time parts of an ISO-8601 duration:
// P[nD][T[nH][nM][nS]]. Seconds may have a fraction. Years, months and weeks
// have no fixed length and are rejected.
func ParseISODuration(s string) (time.Duration, error) {
	rest, ok := strings.CutPrefix(s, "P")
	if !ok || rest == "" {
		return 0, ErrISOFormat
	}
	date, clock, hasT := strings.Cut(rest, "T")
	if hasT && clock == "" {
		return 0, ErrISOFormat
	}

	var total time.Duration
	if date != "" {
		n, ok := strings.CutSuffix(date, "D")
		if !ok {
			return 0, ErrISOFormat
		}
		d, err := isoComponent(n, 24*time.Hour, false)
		if err != nil {
			return 0, err
		}
		total += d
	}

	for _, u := range []struct {
		designator byte
		unit       time.Duration
		fraction   bool
	}{
		{'H', time.Hour, false},
		{'M', time.Minute, false},
		{'S', time.Second, true},
	} {
		i := strings.IndexByte(clock, u.designator)
		if i < 0 {
			continue
		}
		d, err := isoComponent(clock[:i], u.unit, u.fraction)
		if err != nil {
			return 0, err
		}
		total += d
		clock = clock[i+1:]
	}
	if clock != "" {
		return 0, ErrISOFormat
	}
	return total, nil
}

func isoComponent(s string, unit time.Duration, fraction bool) (time.Duration, error) {
	if s == "" || strings.Trim(s, "+-0123456789.,") != "" {
		return 0, ErrISOFormat
	}
	if !fraction {
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("%w: %s", ErrISOFormat, s)
		}
		return time.Duration(n) * unit, nil
	}
	f, err := strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrISOFormat, s)
	}
	return time.Duration(f * float64(unit)), nil
}
