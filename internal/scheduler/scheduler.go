// Package scheduler fires agent schedules from their cron expressions.
// Double firing is prevented twice over: a file lock keeps a second
// process from ticking, and each entry is claimed through a conditional
// state transition in the store, so a slow run simply holds its entry
// until it finishes.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/stewardhq/steward/internal/resolver"
	"github.com/stewardhq/steward/internal/store"
)

// ErrScheduleParse reports an invalid cron expression. Raised at
// registration time; entries never reach the store unparsed.
var ErrScheduleParse = errors.New("invalid cron expression")

// cronParser accepts the standard 5-field form: minute, hour,
// day-of-month, month, day-of-week.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// FireRequest is one scheduled execution handed to the runner.
type FireRequest struct {
	UserID       string
	AgentName    string
	ScheduleName string
	TaskPrompt   string
	ArtifactType string
}

// Runner executes a scheduled fire to completion. Satisfied by the
// spawner through a thin adapter.
type Runner interface {
	RunScheduled(ctx context.Context, req FireRequest) error
}

// Payload is the schedule configuration stored alongside each entry.
type Payload struct {
	TaskPrompt   string `json:"task_prompt"`
	ArtifactType string `json:"artifact_type,omitempty"`
	Description  string `json:"description,omitempty"`
}

// Config holds scheduler settings.
type Config struct {
	Enabled      bool          `json:"enabled" envconfig:"ENABLED"`
	TickInterval time.Duration `json:"tickInterval"`
	MaxConcFires int           `json:"maxConcFires"`
	LockPath     string        `json:"lockPath"`
}

// DefaultConfig returns sensible scheduler defaults.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Enabled:      true,
		TickInterval: 30 * time.Second,
		MaxConcFires: 4,
		LockPath:     filepath.Join(home, ".steward", "scheduler.lock"),
	}
}

// Scheduler owns the tick loop and schedule registration.
type Scheduler struct {
	cfg    Config
	store  *store.Store
	runner Runner
	sem    *Semaphore
	lock   *FileLock
	wg     sync.WaitGroup
}

// New creates a Scheduler over the given store and runner.
func New(cfg Config, st *store.Store, runner Runner) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}
	if cfg.MaxConcFires <= 0 {
		cfg.MaxConcFires = 4
	}
	if cfg.LockPath == "" {
		cfg.LockPath = DefaultConfig().LockPath
	}
	return &Scheduler{
		cfg:    cfg,
		store:  st,
		runner: runner,
		sem:    NewSemaphore(cfg.MaxConcFires),
		lock:   NewFileLock(cfg.LockPath),
	}
}

// Schedule registers or updates an entry. The cron expression is parsed
// up front and the first run time computed from now.
func (s *Scheduler) Schedule(ownerUserID, agentName, scheduleName, cronExpr string, payload Payload) error {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrScheduleParse, cronExpr, err)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	entry := &store.ScheduleEntry{
		OwnerUserID:   ownerUserID,
		AgentName:     agentName,
		ScheduleName:  scheduleName,
		CronExpr:      cronExpr,
		NextRunAt:     sched.Next(time.Now().UTC()),
		State:         store.ScheduleIdle,
		ConfigPayload: string(raw),
	}
	if err := s.store.UpsertScheduleEntry(entry); err != nil {
		return err
	}
	slog.Info("Schedule registered",
		"user", ownerUserID, "agent", agentName, "schedule", scheduleName,
		"cron", cronExpr, "next", entry.NextRunAt)
	return nil
}

// Unschedule removes an entry. Returns false when it did not exist.
func (s *Scheduler) Unschedule(ownerUserID, agentName, scheduleName string) (bool, error) {
	return s.store.DeleteScheduleEntry(ownerUserID, agentName, scheduleName)
}

// List returns a user's entries; empty userID lists all.
func (s *Scheduler) List(ownerUserID string) ([]*store.ScheduleEntry, error) {
	return s.store.ListScheduleEntries(ownerUserID)
}

// SyncFromDefinitions registers every schedule declared in the user's
// agent heartbeat files. Additive: declarations update their own entries
// and never remove schedules registered by hand.
func (s *Scheduler) SyncFromDefinitions(res *resolver.Resolver, userID string) (int, error) {
	instances, err := res.Instances(userID)
	if err != nil {
		return 0, err
	}
	synced := 0
	for _, inst := range instances {
		hb, err := inst.Heartbeat()
		if err != nil {
			slog.Warn("Skipping agent with invalid heartbeat",
				"user", userID, "agent", inst.Name(), "error", err)
			continue
		}
		for _, decl := range hb.Schedules {
			payload := Payload{
				TaskPrompt:   decl.TaskPrompt,
				ArtifactType: decl.ArtifactType,
				Description:  decl.Description,
			}
			if err := s.Schedule(userID, inst.Name(), decl.Name, decl.Cron, payload); err != nil {
				slog.Warn("Skipping invalid declared schedule",
					"user", userID, "agent", inst.Name(), "schedule", decl.Name, "error", err)
				continue
			}
			synced++
		}
	}
	return synced, nil
}

// Run starts the tick loop. Blocks until the context is cancelled, then
// waits for in-flight fires.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("Scheduler started", "tick", s.cfg.TickInterval)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			slog.Info("Scheduler stopped")
			return ctx.Err()
		case t := <-ticker.C:
			s.Tick(ctx, t.UTC())
		}
	}
}

// Tick examines due entries once. Exported so tests and the CLI can
// drive the scheduler without the ticker.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	acquired, err := s.lock.TryLock()
	if err != nil {
		slog.Warn("Scheduler lock error", "error", err)
		return
	}
	if !acquired {
		slog.Debug("Scheduler tick skipped: lock held by another process")
		return
	}
	defer s.lock.Unlock()

	due, err := s.store.DueScheduleEntries(now)
	if err != nil {
		slog.Warn("Scheduler could not list due entries", "error", err)
		return
	}
	for _, entry := range due {
		s.fire(ctx, entry, now)
	}
}

// fire claims one due entry and runs it. The next run time is computed
// and written before the run starts, so a crash mid-run costs one fire
// rather than repeating it.
func (s *Scheduler) fire(ctx context.Context, entry *store.ScheduleEntry, now time.Time) {
	sched, err := cronParser.Parse(entry.CronExpr)
	if err != nil {
		// Corrupt entry: park it for an hour so it cannot hot-loop, and
		// carry on with the rest of the tick.
		slog.Error("Unparseable cron expression in stored schedule",
			"user", entry.OwnerUserID, "agent", entry.AgentName,
			"schedule", entry.ScheduleName, "cron", entry.CronExpr, "error", err)
		if claimed, _ := s.store.ClaimScheduleEntry(
			entry.OwnerUserID, entry.AgentName, entry.ScheduleName, now, now.Add(time.Hour)); claimed {
			_ = s.store.ReleaseScheduleEntry(
				entry.OwnerUserID, entry.AgentName, entry.ScheduleName, store.FireStatusFailed)
		}
		return
	}
	next := sched.Next(now)

	claimed, err := s.store.ClaimScheduleEntry(
		entry.OwnerUserID, entry.AgentName, entry.ScheduleName, now, next)
	if err != nil {
		slog.Warn("Schedule claim failed", "schedule", entry.ScheduleName, "error", err)
		return
	}
	if !claimed {
		// Lost the race or still firing from a previous tick.
		return
	}

	if !s.sem.TryAcquire() {
		slog.Warn("Schedule skipped: concurrency limit",
			"user", entry.OwnerUserID, "agent", entry.AgentName, "schedule", entry.ScheduleName)
		_ = s.store.ReleaseScheduleEntry(
			entry.OwnerUserID, entry.AgentName, entry.ScheduleName, store.FireStatusSkipped)
		return
	}

	var payload Payload
	if err := json.Unmarshal([]byte(entry.ConfigPayload), &payload); err != nil {
		slog.Warn("Schedule payload unreadable, firing with empty task",
			"schedule", entry.ScheduleName, "error", err)
	}
	req := FireRequest{
		UserID:       entry.OwnerUserID,
		AgentName:    entry.AgentName,
		ScheduleName: entry.ScheduleName,
		TaskPrompt:   payload.TaskPrompt,
		ArtifactType: payload.ArtifactType,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release()
		status := store.FireStatusOK
		if err := s.runner.RunScheduled(ctx, req); err != nil {
			status = store.FireStatusFailed
			slog.Warn("Scheduled run failed",
				"user", req.UserID, "agent", req.AgentName, "schedule", req.ScheduleName, "error", err)
		}
		if err := s.store.ReleaseScheduleEntry(
			req.UserID, req.AgentName, req.ScheduleName, status); err != nil {
			slog.Warn("Schedule release failed", "schedule", req.ScheduleName, "error", err)
		}
	}()
}
