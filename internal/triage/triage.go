// Package triage decides when queued notifications justify interrupting
// the user instead of waiting for the next digest.
package triage

import (
	"time"

	"github.com/stewardhq/steward/internal/store"
)

// Policy answers whether the unread backlog warrants an interruption now.
type Policy interface {
	ShouldInterrupt(unread []*store.Notification, now time.Time) bool
}

// ThresholdPolicy interrupts when an urgent notification has sat unread
// longer than the grace period. Normal and low traffic never interrupts.
type ThresholdPolicy struct {
	// Grace is how long an urgent notification may wait before it forces
	// an interruption. Zero means interrupt immediately.
	Grace time.Duration
}

func (p ThresholdPolicy) ShouldInterrupt(unread []*store.Notification, now time.Time) bool {
	for _, n := range unread {
		if n.Priority != store.PriorityUrgent {
			continue
		}
		if !now.Before(n.CreatedAt.Add(p.Grace)) {
			return true
		}
	}
	return false
}
