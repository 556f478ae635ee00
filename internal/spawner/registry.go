package spawner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Run statuses. A run reaches exactly one terminal status.
const (
	RunAccepted    = "accepted"
	RunRunning     = "running"
	RunSucceeded   = "succeeded"
	RunFailed      = "failed"
	RunInterrupted = "interrupted"
)

// Run is one background execution tracked by the spawner.
type Run struct {
	RunID        string     `json:"run_id"`
	UserID       string     `json:"user_id"`
	AgentName    string     `json:"agent_name"`
	ScheduleName string     `json:"schedule_name,omitempty"`
	Task         string     `json:"task"`
	ArtifactType string     `json:"artifact_type,omitempty"`
	Status       string     `json:"status"`
	ArtifactID   string     `json:"artifact_id,omitempty"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	ArchiveAt    *time.Time `json:"archive_at,omitempty"`
	cancel       context.CancelFunc
}

// Terminal reports whether the run has finished.
func (r *Run) Terminal() bool { return r.EndedAt != nil }

// runRegistry tracks runs in memory and snapshots them to disk so run
// history survives restarts. Reads always return clones.
type runRegistry struct {
	mu           sync.Mutex
	runs         map[string]*Run
	storePath    string
	archiveAfter time.Duration
}

// newRunRegistry loads any persisted snapshot. Runs that were in flight
// when the process died are returned as orphans, already marked
// interrupted, so the caller can notify their owners.
func newRunRegistry(storePath string, archiveAfter time.Duration) (*runRegistry, []Run) {
	if archiveAfter <= 0 {
		archiveAfter = time.Hour
	}
	r := &runRegistry{
		runs:         make(map[string]*Run),
		storePath:    storePath,
		archiveAfter: archiveAfter,
	}
	orphans := r.restoreFromDisk()
	return r, orphans
}

func (r *runRegistry) restoreFromDisk() []Run {
	if r.storePath == "" {
		return nil
	}
	data, err := os.ReadFile(r.storePath)
	if err != nil {
		return nil
	}
	var persisted []Run
	if err := json.Unmarshal(data, &persisted); err != nil {
		return nil
	}
	now := time.Now()
	var orphans []Run
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range persisted {
		run := persisted[i]
		run.cancel = nil
		if run.EndedAt == nil {
			run.Status = RunInterrupted
			run.Error = "process restarted before run completion"
			run.EndedAt = &now
			run.ArchiveAt = r.archiveTime(now)
			orphans = append(orphans, *cloneRun(&run))
		}
		r.runs[run.RunID] = cloneRun(&run)
	}
	r.sweepExpiredLocked(now)
	r.persistLocked()
	return orphans
}

func (r *runRegistry) archiveTime(now time.Time) *time.Time {
	at := now.Add(r.archiveAfter)
	return &at
}

func (r *runRegistry) persistLocked() {
	if r.storePath == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(r.storePath), 0o700); err != nil {
		return
	}
	snapshot := make([]Run, 0, len(r.runs))
	for _, run := range r.runs {
		c := cloneRun(run)
		c.cancel = nil
		snapshot = append(snapshot, *c)
	}
	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].CreatedAt.Before(snapshot[j].CreatedAt)
	})
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return
	}
	tmp := r.storePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return
	}
	_ = os.Rename(tmp, r.storePath)
}

func (r *runRegistry) sweepExpiredLocked(now time.Time) {
	for id, run := range r.runs {
		if run.EndedAt == nil || run.ArchiveAt == nil {
			continue
		}
		if now.Before(*run.ArchiveAt) {
			continue
		}
		delete(r.runs, id)
	}
}

func (r *runRegistry) register(userID, agentName, scheduleName, task, artifactType string, cancel context.CancelFunc) *Run {
	now := time.Now()
	run := &Run{
		RunID:        uuid.NewString(),
		UserID:       userID,
		AgentName:    agentName,
		ScheduleName: scheduleName,
		Task:         task,
		ArtifactType: artifactType,
		Status:       RunAccepted,
		CreatedAt:    now,
		cancel:       cancel,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepExpiredLocked(now)
	r.runs[run.RunID] = run
	r.persistLocked()
	return cloneRun(run)
}

func (r *runRegistry) markRunning(runID string) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok := r.runs[runID]; ok && run.EndedAt == nil {
		run.Status = RunRunning
		run.StartedAt = &now
		r.persistLocked()
	}
}

// markFinished records the single terminal outcome. A run that already
// ended (for example interrupted during shutdown) is left untouched, so
// a late engine reply cannot produce a second outcome.
func (r *runRegistry) markFinished(runID, status, artifactID, errMsg string) bool {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok || run.EndedAt != nil {
		return false
	}
	run.Status = status
	run.ArtifactID = artifactID
	run.Error = errMsg
	run.EndedAt = &now
	run.ArchiveAt = r.archiveTime(now)
	run.cancel = nil
	r.persistLocked()
	return true
}

// interruptActive cancels every in-flight run and marks it interrupted.
// Returns the interrupted runs so their owners can be notified.
func (r *runRegistry) interruptActive() []Run {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Run
	for _, run := range r.runs {
		if run.EndedAt != nil {
			continue
		}
		if run.cancel != nil {
			run.cancel()
			run.cancel = nil
		}
		run.Status = RunInterrupted
		run.Error = "interrupted by shutdown"
		run.EndedAt = &now
		run.ArchiveAt = r.archiveTime(now)
		out = append(out, *cloneRun(run))
	}
	if len(out) > 0 {
		r.persistLocked()
	}
	return out
}

func (r *runRegistry) get(runID string) (*Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return nil, false
	}
	return cloneRun(run), true
}

// list returns the user's runs, newest first. Empty userID lists all.
func (r *runRegistry) list(userID string, pendingOnly bool) []Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepExpiredLocked(time.Now())
	out := make([]Run, 0)
	for _, run := range r.runs {
		if userID != "" && run.UserID != userID {
			continue
		}
		if pendingOnly && run.EndedAt != nil {
			continue
		}
		out = append(out, *cloneRun(run))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func cloneRun(in *Run) *Run {
	if in == nil {
		return nil
	}
	out := *in
	if in.StartedAt != nil {
		started := *in.StartedAt
		out.StartedAt = &started
	}
	if in.EndedAt != nil {
		ended := *in.EndedAt
		out.EndedAt = &ended
	}
	if in.ArchiveAt != nil {
		archiveAt := *in.ArchiveAt
		out.ArchiveAt = &archiveAt
	}
	return &out
}
