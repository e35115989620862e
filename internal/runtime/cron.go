package runtime

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/semaphore/internal/store"
)

// cronParser accepts standard 5-field expressions (minute hour dom month dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// nextCronDuration returns the wait until the expression next fires, or 0
// on a parse error.
func nextCronDuration(expr string) time.Duration {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0
	}
	d := time.Until(sched.Next(time.Now()))
	if d < 0 {
		return 0
	}
	return d
}

// runMaintenance sweeps expired action tokens on the configured schedule
// until the context is cancelled. An unparsable expression disables the
// sweep.
func runMaintenance(ctx context.Context, s *store.Store, cronExpr string) {
	for {
		wait := nextCronDuration(cronExpr)
		if wait <= 0 {
			log.Printf("runtime: maintenance disabled (bad cron %q)", cronExpr)
			return
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		removed, err := s.PurgeExpiredActionTokens()
		if err != nil {
			log.Printf("runtime: purge action tokens: %v", err)
			continue
		}
		if removed > 0 {
			log.Printf("runtime: purged %d expired action tokens", removed)
		}
	}
}
