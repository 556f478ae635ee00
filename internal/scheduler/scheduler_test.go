package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stewardhq/steward/internal/resolver"
	"github.com/stewardhq/steward/internal/store"
)

type recordingRunner struct {
	mu    sync.Mutex
	fired []FireRequest
	block chan struct{}
	err   error
}

func (r *recordingRunner) RunScheduled(ctx context.Context, req FireRequest) error {
	r.mu.Lock()
	r.fired = append(r.fired, req)
	block := r.block
	r.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return r.err
}

func (r *recordingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fired)
}

func newTestScheduler(t *testing.T, runner Runner) (*Scheduler, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "sched.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	cfg := Config{
		TickInterval: time.Second,
		MaxConcFires: 2,
		LockPath:     filepath.Join(dir, "sched.lock"),
	}
	return New(cfg, st, runner), st
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func insertDueEntry(t *testing.T, st *store.Store, agent, name string) {
	t.Helper()
	err := st.UpsertScheduleEntry(&store.ScheduleEntry{
		OwnerUserID:   "ada",
		AgentName:     agent,
		ScheduleName:  name,
		CronExpr:      "*/5 * * * *",
		NextRunAt:     time.Now().UTC().Add(-time.Minute),
		State:         store.ScheduleIdle,
		ConfigPayload: `{"task_prompt":"do the thing","artifact_type":"digest"}`,
	})
	if err != nil {
		t.Fatalf("UpsertScheduleEntry: %v", err)
	}
}

func TestSchedule_RejectsBadCron(t *testing.T) {
	sch, st := newTestScheduler(t, &recordingRunner{})
	err := sch.Schedule("ada", "cos", "broken", "every tuesday", Payload{TaskPrompt: "x"})
	if !errors.Is(err, ErrScheduleParse) {
		t.Fatalf("expected ErrScheduleParse, got %v", err)
	}
	entries, _ := st.ListScheduleEntries("ada")
	if len(entries) != 0 {
		t.Fatal("invalid schedule reached the store")
	}
}

func TestSchedule_ComputesFirstRun(t *testing.T) {
	sch, st := newTestScheduler(t, &recordingRunner{})
	if err := sch.Schedule("ada", "cos", "digest", "0 7 * * *", Payload{TaskPrompt: "summarize"}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	entries, err := st.ListScheduleEntries("ada")
	if err != nil || len(entries) != 1 {
		t.Fatalf("ListScheduleEntries: %v (%d entries)", err, len(entries))
	}
	e := entries[0]
	if !e.NextRunAt.After(time.Now().UTC()) {
		t.Fatalf("first run not in the future: %v", e.NextRunAt)
	}
	if e.State != store.ScheduleIdle {
		t.Fatalf("new entry state = %q", e.State)
	}
}

func TestTick_FiresDueEntryAndAdvancesNextRun(t *testing.T) {
	runner := &recordingRunner{}
	sch, st := newTestScheduler(t, runner)
	insertDueEntry(t, st, "cos", "digest")

	before := time.Now().UTC()
	sch.Tick(context.Background(), before)

	waitFor(t, "the fire to complete", func() bool {
		entries, _ := st.ListScheduleEntries("ada")
		return len(entries) == 1 && entries[0].State == store.ScheduleIdle && entries[0].LastStatus != ""
	})

	if runner.count() != 1 {
		t.Fatalf("expected exactly 1 fire, got %d", runner.count())
	}
	req := runner.fired[0]
	if req.TaskPrompt != "do the thing" || req.ArtifactType != "digest" {
		t.Fatalf("fire request missing payload fields: %+v", req)
	}

	entries, _ := st.ListScheduleEntries("ada")
	e := entries[0]
	if e.LastStatus != store.FireStatusOK {
		t.Fatalf("last_status = %q", e.LastStatus)
	}
	if !e.NextRunAt.After(before) {
		t.Fatalf("next_run_at did not advance: %v", e.NextRunAt)
	}
	if e.LastFiredAt == nil {
		t.Fatal("last_fired_at not set")
	}
}

func TestTick_SlowRunDoesNotDoubleFire(t *testing.T) {
	runner := &recordingRunner{block: make(chan struct{})}
	sch, st := newTestScheduler(t, runner)
	insertDueEntry(t, st, "cos", "digest")

	now := time.Now().UTC()
	sch.Tick(context.Background(), now)
	waitFor(t, "the first fire to start", func() bool { return runner.count() == 1 })

	// A second tick while the run is in flight finds nothing to claim,
	// even well past the original due time.
	sch.Tick(context.Background(), now.Add(10*time.Minute))
	time.Sleep(50 * time.Millisecond)
	if runner.count() != 1 {
		t.Fatalf("entry fired %d times while running", runner.count())
	}

	close(runner.block)
	waitFor(t, "release back to idle", func() bool {
		entries, _ := st.ListScheduleEntries("ada")
		return entries[0].State == store.ScheduleIdle
	})
}

func TestTick_FailedRunRecordsStatus(t *testing.T) {
	runner := &recordingRunner{err: errors.New("engine down")}
	sch, st := newTestScheduler(t, runner)
	insertDueEntry(t, st, "cos", "digest")

	sch.Tick(context.Background(), time.Now().UTC())
	waitFor(t, "failed status", func() bool {
		entries, _ := st.ListScheduleEntries("ada")
		return entries[0].State == store.ScheduleIdle && entries[0].LastStatus == store.FireStatusFailed
	})
}

func TestTick_ConcurrencyLimitSkips(t *testing.T) {
	runner := &recordingRunner{block: make(chan struct{})}
	sch, st := newTestScheduler(t, runner)
	// Capacity is 2; the third due entry must be skipped, not queued.
	insertDueEntry(t, st, "cos", "one")
	insertDueEntry(t, st, "cos", "two")
	insertDueEntry(t, st, "cos", "three")

	sch.Tick(context.Background(), time.Now().UTC())
	waitFor(t, "two fires and one skip", func() bool {
		entries, _ := st.ListScheduleEntries("ada")
		skipped := 0
		for _, e := range entries {
			if e.LastStatus == store.FireStatusSkipped {
				skipped++
			}
		}
		return runner.count() == 2 && skipped == 1
	})
	close(runner.block)
	waitFor(t, "all entries idle", func() bool {
		entries, _ := st.ListScheduleEntries("ada")
		for _, e := range entries {
			if e.State != store.ScheduleIdle {
				return false
			}
		}
		return true
	})
}

func TestTick_SurvivesCorruptEntry(t *testing.T) {
	runner := &recordingRunner{}
	sch, st := newTestScheduler(t, runner)
	// Bypass Schedule's validation to simulate a corrupt row.
	err := st.UpsertScheduleEntry(&store.ScheduleEntry{
		OwnerUserID:   "ada",
		AgentName:     "cos",
		ScheduleName:  "corrupt",
		CronExpr:      "not a cron",
		NextRunAt:     time.Now().UTC().Add(-time.Minute),
		State:         store.ScheduleIdle,
		ConfigPayload: "{}",
	})
	if err != nil {
		t.Fatalf("UpsertScheduleEntry: %v", err)
	}
	insertDueEntry(t, st, "cos", "healthy")

	sch.Tick(context.Background(), time.Now().UTC())
	waitFor(t, "the healthy entry to fire", func() bool { return runner.count() == 1 })
	if runner.fired[0].ScheduleName != "healthy" {
		t.Fatalf("fired %q, want healthy", runner.fired[0].ScheduleName)
	}

	// The corrupt entry is parked in the future instead of hot-looping.
	entries, _ := st.ListScheduleEntries("ada")
	for _, e := range entries {
		if e.ScheduleName == "corrupt" {
			if e.LastStatus != store.FireStatusFailed {
				t.Fatalf("corrupt entry status = %q", e.LastStatus)
			}
			if !e.NextRunAt.After(time.Now().UTC()) {
				t.Fatalf("corrupt entry still due: %v", e.NextRunAt)
			}
		}
	}
}

func TestSyncFromDefinitions_RegistersHeartbeatSchedules(t *testing.T) {
	runner := &recordingRunner{}
	sch, st := newTestScheduler(t, runner)

	heartbeat := `schedules:
  - name: morning-digest
    cron: "0 7 * * *"
    task_prompt: Summarize the day.
    artifact_type: digest
  - name: bad-cron
    cron: "whenever"
    task_prompt: Never registered.
`
	err := st.InsertInstance(&store.Instance{
		UserID:    "ada",
		AgentName: "cos",
		Files: map[string]string{
			resolver.FileRole:      "# cos",
			resolver.FileHeartbeat: heartbeat,
		},
	})
	if err != nil {
		t.Fatalf("InsertInstance: %v", err)
	}

	res := resolver.New(st, nil)
	synced, err := sch.SyncFromDefinitions(res, "ada")
	if err != nil {
		t.Fatalf("SyncFromDefinitions: %v", err)
	}
	if synced != 1 {
		t.Fatalf("synced = %d, want 1 (the invalid cron is skipped)", synced)
	}
	entries, _ := st.ListScheduleEntries("ada")
	if len(entries) != 1 || entries[0].ScheduleName != "morning-digest" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}
