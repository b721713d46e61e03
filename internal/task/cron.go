package task

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateCronSpec checks a cron expression for the recurring task variant.
func ValidateCronSpec(spec string) error {
	if _, err := cronParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// NextFireDelay returns how long to wait from now until the next fire of
// the cron expression.
func NextFireDelay(spec string, now time.Time) (time.Duration, error) {
	schedule, err := cronParser.Parse(spec)
	if err != nil {
		return 0, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule.Next(now).Sub(now), nil
}
