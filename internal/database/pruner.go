package database

import (
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// StartHistoryPruner schedules deletion of history rows older than
// retention. The returned scheduler is already running; callers may add
// their own housekeeping jobs to it and must Stop it on shutdown.
func StartHistoryPruner(schedule string, retention time.Duration) (*cron.Cron, error) {
	c := cron.New()
	if retention > 0 {
		_, err := c.AddFunc(schedule, func() {
			n, err := PruneHistory(time.Now().Add(-retention))
			if err != nil {
				log.Printf("[database] history prune failed: %v", err)
				return
			}
			if n > 0 {
				log.Printf("[database] pruned %d history row(s) older than %s", n, retention)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("schedule history pruning %q: %w", schedule, err)
		}
	}
	c.Start()
	return c, nil
}
