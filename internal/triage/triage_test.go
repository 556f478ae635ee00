package triage

import (
	"testing"
	"time"

	"github.com/stewardhq/steward/internal/store"
)

func note(priority string, age time.Duration, now time.Time) *store.Notification {
	return &store.Notification{
		ID:        "n-" + priority,
		UserID:    "ada",
		Priority:  priority,
		CreatedAt: now.Add(-age),
	}
}

func TestShouldInterrupt_UrgentPastGrace(t *testing.T) {
	now := time.Now().UTC()
	p := ThresholdPolicy{Grace: 5 * time.Minute}

	unread := []*store.Notification{note(store.PriorityUrgent, 10*time.Minute, now)}
	if !p.ShouldInterrupt(unread, now) {
		t.Fatal("urgent notification past its grace period should interrupt")
	}
}

func TestShouldInterrupt_UrgentWithinGraceWaits(t *testing.T) {
	now := time.Now().UTC()
	p := ThresholdPolicy{Grace: 5 * time.Minute}

	unread := []*store.Notification{note(store.PriorityUrgent, time.Minute, now)}
	if p.ShouldInterrupt(unread, now) {
		t.Fatal("urgent notification still inside the grace period interrupted")
	}
}

func TestShouldInterrupt_NormalAndLowNeverInterrupt(t *testing.T) {
	now := time.Now().UTC()
	p := ThresholdPolicy{Grace: 0}

	unread := []*store.Notification{
		note(store.PriorityNormal, 24*time.Hour, now),
		note(store.PriorityLow, 24*time.Hour, now),
	}
	if p.ShouldInterrupt(unread, now) {
		t.Fatal("non-urgent backlog interrupted")
	}
}

func TestShouldInterrupt_ZeroGraceFiresImmediately(t *testing.T) {
	now := time.Now().UTC()
	p := ThresholdPolicy{}

	unread := []*store.Notification{note(store.PriorityUrgent, 0, now)}
	if !p.ShouldInterrupt(unread, now) {
		t.Fatal("zero grace should interrupt on any unread urgent notification")
	}
}
