package main

import (
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/chardonnay/korTTY/internal/sshaudit"
	"github.com/chardonnay/korTTY/internal/sshsession"
)

// startJobs schedules background maintenance: the daily connection history
// purge and, when idleTimeout is set, a sweep closing idle sessions.
func startJobs(mgr *sshsession.Manager, auditor *sshaudit.Auditor, idleTimeout time.Duration) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc("@daily", func() { purgeHistory(auditor) }); err != nil {
		return nil, fmt.Errorf("schedule history purge: %w", err)
	}
	if idleTimeout > 0 {
		if _, err := c.AddFunc("@every 1m", func() { sweepIdle(mgr, idleTimeout) }); err != nil {
			return nil, fmt.Errorf("schedule idle sweep: %w", err)
		}
	}
	c.Start()
	// Run the purge once at startup so a client that is never left running
	// over midnight still honours the retention period.
	go purgeHistory(auditor)
	return c, nil
}

func purgeHistory(auditor *sshaudit.Auditor) {
	if auditor == nil {
		return
	}
	if _, err := auditor.PurgeOlderThan(0); err != nil {
		log.Printf("[jobs] history purge failed: %v", err)
	}
}

func sweepIdle(mgr *sshsession.Manager, idleTimeout time.Duration) {
	if n := mgr.SweepIdle(idleTimeout); n > 0 {
		log.Printf("[jobs] closed %d idle session(s)", n)
	}
}
