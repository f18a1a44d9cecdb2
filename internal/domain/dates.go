package domain

import "time"

// DateLayout is the wire format of calendar dates.
const DateLayout = "2006-01-02"

// DateRange parses an inclusive pair of calendar dates in loc and returns the
// half-open instant range [from 00:00, day after to 00:00). Both dates are
// required and from must not be after to.
func DateRange(fromField, from, toField, to string, loc *time.Location) (time.Time, time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	var errs ValidationErrors
	start, err := parseDate(fromField, from, loc)
	if err != nil {
		errs = append(errs, *err)
	}
	end, err := parseDate(toField, to, loc)
	if err != nil {
		errs = append(errs, *err)
	}
	if len(errs) > 0 {
		return time.Time{}, time.Time{}, errs
	}
	if start.After(end) {
		return time.Time{}, time.Time{}, Invalid(toField, "must not be before %s (%s)", fromField, from)
	}
	return start, end.AddDate(0, 0, 1), nil
}

func parseDate(field, value string, loc *time.Location) (time.Time, *ValidationError) {
	if value == "" {
		return time.Time{}, &ValidationError{Field: field, Message: "is required"}
	}
	t, err := time.ParseInLocation(DateLayout, value, loc)
	if err != nil {
		return time.Time{}, &ValidationError{Field: field, Message: "must be a date in YYYY-MM-DD format"}
	}
	return t, nil
}
