package routines

import (
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow) — no seconds field, matching the grammar operators write.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// NextCronRun parses cronExpr and returns the next fire time strictly after
// "after", interpreted in tz (nil or empty means UTC).
func NextCronRun(cronExpr string, tz *string, after time.Time) (time.Time, error) {
	loc := time.UTC
	if tz != nil && *tz != "" {
		l, err := time.LoadLocation(*tz)
		if err != nil {
			return time.Time{}, fmt.Errorf("load timezone %q: %w", *tz, err)
		}
		loc = l
	}

	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}

	return sched.Next(after.In(loc)).UTC(), nil
}
