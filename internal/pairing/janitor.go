package pairing

import (
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Janitor periodically demotes stale claims.
type Janitor struct {
	cron *cron.Cron
}

// StartJanitor runs m.ExpireStaleClaims every interval. It returns nil when
// the manager has no claim timeout configured.
func StartJanitor(m *Manager, interval time.Duration) (*Janitor, error) {
	if m.cfg.ClaimTimeout <= 0 {
		return nil, nil
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}

	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		if n := m.ExpireStaleClaims(); n > 0 {
			log.Printf("pairing: demoted %d stale claim(s)", n)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule claim janitor: %w", err)
	}
	c.Start()
	return &Janitor{cron: c}, nil
}

// Stop halts the schedule and waits for a running sweep to finish.
// Safe to call on a nil Janitor.
func (j *Janitor) Stop() {
	if j == nil {
		return
	}
	<-j.cron.Stop().Done()
}
