package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"taskd/internal/domain"
)

var weekdays = map[string]int{"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6}

// maxDays is the longest each month can be, so Feb 29 stays valid for yearly rules.
var maxDays = [13]int{0, 31, 29, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}

// Normalize clears the frequency fields that do not apply to s.Frequency.
func Normalize(s *domain.Schedule) {
	switch s.Frequency {
	case domain.FrequencyCron:
		s.Minute, s.Hour, s.DayOfWeek, s.DayOfMonth, s.Month = nil, nil, "", nil, nil
	case domain.FrequencyHourly:
		s.Hour, s.DayOfWeek, s.DayOfMonth, s.Month = nil, "", nil, nil
	case domain.FrequencyDaily:
		s.DayOfWeek, s.DayOfMonth, s.Month = "", nil, nil
	case domain.FrequencyWeekly:
		s.DayOfMonth, s.Month = nil, nil
	case domain.FrequencyMonthly:
		s.DayOfWeek, s.Month = "", nil
	case domain.FrequencyYearly:
		s.DayOfWeek = ""
	}
}

// CronFor converts the frequency fields of s into a 5-field cron expression.
// For the cron frequency, s.CronExpr is returned as is.
func CronFor(s domain.Schedule) (string, error) {
	if s.Frequency == domain.FrequencyCron {
		if strings.TrimSpace(s.CronExpr) == "" {
			return "", domain.Invalid("cron_expr", "is required for cron schedules")
		}
		return strings.TrimSpace(s.CronExpr), nil
	}

	var errs domain.ValidationErrors
	minute := valueOr(s.Minute, 0)
	hour := valueOr(s.Hour, 0)
	if minute < 0 || minute > 59 {
		errs = append(errs, domain.ValidationError{Field: "minute", Message: "must be between 0 and 59"})
	}
	if hour < 0 || hour > 23 {
		errs = append(errs, domain.ValidationError{Field: "hour", Message: "must be between 0 and 23"})
	}

	var expr string
	switch s.Frequency {
	case domain.FrequencyHourly:
		if s.Minute == nil {
			errs = append(errs, domain.ValidationError{Field: "minute", Message: "is required for hourly schedules"})
		}
		expr = fmt.Sprintf("%d * * * *", minute)
	case domain.FrequencyDaily:
		expr = fmt.Sprintf("%d %d * * *", minute, hour)
	case domain.FrequencyWeekly:
		dow, err := parseWeekday(s.DayOfWeek)
		if err != nil {
			errs = append(errs, domain.ValidationError{Field: "day_of_week", Message: err.Error()})
		}
		expr = fmt.Sprintf("%d %d * * %d", minute, hour, dow)
	case domain.FrequencyMonthly:
		day := valueOr(s.DayOfMonth, 0)
		if day < 1 || day > 31 {
			errs = append(errs, domain.ValidationError{Field: "day_of_month", Message: "must be between 1 and 31"})
		}
		expr = fmt.Sprintf("%d %d %d * *", minute, hour, day)
	case domain.FrequencyYearly:
		day := valueOr(s.DayOfMonth, 0)
		month := valueOr(s.Month, 0)
		switch {
		case month < 1 || month > 12:
			errs = append(errs, domain.ValidationError{Field: "month", Message: "must be between 1 and 12"})
		case day < 1 || day > maxDays[month]:
			errs = append(errs, domain.ValidationError{
				Field:   "day_of_month",
				Message: fmt.Sprintf("must be between 1 and %d for %s", maxDays[month], time.Month(month)),
			})
		}
		expr = fmt.Sprintf("%d %d %d %d *", minute, hour, day, month)
	default:
		errs = append(errs, domain.ValidationError{Field: "frequency", Message: fmt.Sprintf("unknown frequency %q", s.Frequency)})
	}
	if err := errs.Err(); err != nil {
		return "", err
	}
	return expr, nil
}

func valueOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

// parseWeekday accepts day names (Sunday, sun) or numbers 0-6.
func parseWeekday(s string) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("is required for weekly schedules")
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 || n > 6 {
			return 0, fmt.Errorf("must be between 0 and 6")
		}
		return n, nil
	}
	if len(s) >= 3 {
		if n, ok := weekdays[s[:3]]; ok {
			return n, nil
		}
	}
	return 0, fmt.Errorf("unknown day %q", s)
}
