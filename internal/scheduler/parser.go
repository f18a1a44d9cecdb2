package scheduler

import (
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
)

// Rule yields the occurrences of a recurrence rule.
type Rule interface {
	Next(after time.Time) time.Time
}

// Parser parses standard 5-field cron expressions and @descriptors in a
// given IANA timezone.
type Parser struct {
	parser cron.Parser
}

func NewParser() *Parser {
	return &Parser{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (p *Parser) Parse(expression, timezone string) (Rule, error) {
	sched, err := p.parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parse cron: %w", err)
	}
	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}
	return &rule{sched: sched, loc: loc}, nil
}

type rule struct {
	sched cron.Schedule
	loc   *time.Location
}

// Next returns the first occurrence strictly after the given time, in UTC.
// It returns the zero time when the rule never fires.
func (r *rule) Next(after time.Time) time.Time {
	next := r.sched.Next(after.In(r.loc))
	if next.IsZero() {
		return next
	}
	return next.UTC()
}
