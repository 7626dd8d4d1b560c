package dispatcher

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Workers submit both classic 5-field expressions and 6-field expressions
// with a leading seconds column, so both parsers are kept ready.
var (
	standardParser = cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)
	secondsParser = cron.NewParser(
		cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
	)
)

// ParseSchedule parses a cron expression, choosing the parser by field
// count. All schedules evaluate in UTC.
func ParseSchedule(expr string) (cron.Schedule, error) {
	if countFields(expr) == 6 {
		sched, err := secondsParser.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
		}
		return sched, nil
	}
	sched, err := standardParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// NextAfter returns the first fire time strictly after t. A satisfiable
// parse does not guarantee an activation: an expression like a Feb 30
// date yields the zero time, which callers must treat as "never fires".
func NextAfter(expr string, t time.Time) (time.Time, error) {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(t.UTC()), nil
}

func countFields(expr string) int {
	fields := 0
	inField := false
	for _, r := range expr {
		if r == ' ' || r == '\t' {
			inField = false
			continue
		}
		if !inField {
			fields++
			inField = true
		}
	}
	return fields
}
