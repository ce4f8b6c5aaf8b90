package main

import (
	"fmt"
	"log"
	"time"

	"github.com/gluk-w/claworc/droplet-panel/internal/sshterminal"
	"github.com/robfig/cron/v3"
)

// startReaper schedules removal of sessions that have had no viewers and no
// traffic for longer than timeout. A non-positive timeout disables reaping
// but still returns a running scheduler so shutdown is uniform.
func startReaper(sessions *sshterminal.Registry, schedule string, timeout time.Duration) (*cron.Cron, error) {
	c := cron.New()
	if timeout > 0 {
		if _, err := c.AddFunc(schedule, func() { reapIdleSessions(sessions, timeout) }); err != nil {
			return nil, fmt.Errorf("invalid reaper schedule %q: %w", schedule, err)
		}
		log.Printf("[reaper] idle sessions reaped on %q after %s", schedule, timeout)
	} else {
		log.Printf("[reaper] idle session reaping disabled")
	}
	c.Start()
	return c, nil
}

func reapIdleSessions(sessions *sshterminal.Registry, timeout time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[reaper] panic while reaping sessions: %v", r)
		}
	}()
	sessions.ReapIdle(timeout)
}
