// Package spawner runs agents in their three lifecycles: synchronous
// tasks, fire-and-forget background runs that end in an artifact or an
// urgent failure notice, and foreground threads primed for conversation.
package spawner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stewardhq/steward/internal/bridge"
	"github.com/stewardhq/steward/internal/engine"
	"github.com/stewardhq/steward/internal/resolver"
	"github.com/stewardhq/steward/internal/store"
)

// ErrSpawnTimeout reports that a synchronous task exceeded its deadline.
var ErrSpawnTimeout = errors.New("task timed out")

// KeySource resolves the model API key to use for a user's invocation.
// Satisfied by *vault.Vault.
type KeySource interface {
	ResolveLLMKey(userID, provider string) ([]byte, error)
}

// Config carries spawner tuning.
type Config struct {
	// Provider selects which llm.<provider> credential backs invocations.
	Provider string
	// TaskTimeout bounds synchronous task invocations.
	TaskTimeout time.Duration
	// RunTimeout bounds a single background run.
	RunTimeout time.Duration
	// StatePath is the run snapshot file; empty disables persistence.
	StatePath string
	// ArchiveAfter is how long finished runs stay listable.
	ArchiveAfter time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Provider == "" {
		out.Provider = "anthropic"
	}
	if out.TaskTimeout <= 0 {
		out.TaskTimeout = 90 * time.Second
	}
	if out.RunTimeout <= 0 {
		out.RunTimeout = 10 * time.Minute
	}
	if out.ArchiveAfter <= 0 {
		out.ArchiveAfter = time.Hour
	}
	return out
}

// Spawner executes resolved agents against the conversation engine.
type Spawner struct {
	cfg      Config
	store    *store.Store
	resolver *resolver.Resolver
	bridge   *bridge.Registry
	keys     KeySource
	eng      engine.Engine
	runs     *runRegistry

	wg sync.WaitGroup

	mu      sync.Mutex
	threads map[string]*Thread
}

// New creates a Spawner. Owners of runs that were in flight when the
// previous process died are notified immediately.
func New(cfg Config, st *store.Store, res *resolver.Resolver, br *bridge.Registry, keys KeySource, eng engine.Engine) *Spawner {
	cfg = (&cfg).withDefaults()
	registry, orphans := newRunRegistry(cfg.StatePath, cfg.ArchiveAfter)
	s := &Spawner{
		cfg:      cfg,
		store:    st,
		resolver: res,
		bridge:   br,
		keys:     keys,
		eng:      eng,
		runs:     registry,
		threads:  make(map[string]*Thread),
	}
	for _, run := range orphans {
		s.postRunFailure(run, "run was interrupted by a restart and did not complete")
	}
	return s
}

// invoke resolves the agent, gathers the user's tool context and model
// key, and performs one engine turn.
func (s *Spawner) invoke(ctx context.Context, userID, agentName, prompt string, caller resolver.Caller) (*engine.Result, error) {
	def, err := s.resolver.Resolve(userID, agentName, caller)
	if err != nil {
		return nil, err
	}
	key, err := s.keys.ResolveLLMKey(userID, s.cfg.Provider)
	if err != nil {
		return nil, err
	}
	req := engine.Request{
		UserID:       userID,
		AgentName:    def.Name(),
		SystemPrompt: def.SystemPrompt(),
		UserPrompt:   prompt,
		APIKey:       key,
	}
	if s.bridge != nil {
		session, err := s.bridge.Get(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("tool bridge for %s: %w", userID, err)
		}
		req.Connections = session.Connections()
	}
	return s.eng.Invoke(ctx, req)
}

// InvokeTask runs a short synchronous task and returns its output. The
// task timeout maps to ErrSpawnTimeout.
func (s *Spawner) InvokeTask(ctx context.Context, userID, agentName, prompt string, caller resolver.Caller) (*engine.Result, error) {
	taskCtx, cancel := context.WithTimeout(ctx, s.cfg.TaskTimeout)
	defer cancel()
	res, err := s.invoke(taskCtx, userID, agentName, prompt, caller)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s", ErrSpawnTimeout, s.cfg.TaskTimeout)
		}
		return nil, err
	}
	return res, nil
}

// BackgroundRequest describes one background run.
type BackgroundRequest struct {
	UserID       string
	AgentName    string
	Task         string
	ArtifactType string
	// ScheduleName is set when the run was started by the scheduler.
	ScheduleName string
	Caller       resolver.Caller
}

// SpawnBackground accepts a run and returns its ID immediately. The run
// executes on its own goroutine and ends in exactly one of: an artifact
// plus a normal notification, or an urgent failure notification.
func (s *Spawner) SpawnBackground(req BackgroundRequest) (string, error) {
	if strings.TrimSpace(req.Task) == "" {
		return "", errors.New("background run requires a task")
	}
	runCtx, cancel := context.WithTimeout(context.Background(), s.cfg.RunTimeout)
	run := s.runs.register(req.UserID, req.AgentName, req.ScheduleName, req.Task, req.ArtifactType, cancel)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.execute(runCtx, run.RunID, req)
	}()
	return run.RunID, nil
}

// RunScheduled executes one scheduled fire synchronously. The scheduler
// holds the entry in its firing state until this returns.
func (s *Spawner) RunScheduled(ctx context.Context, req BackgroundRequest) error {
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()
	run := s.runs.register(req.UserID, req.AgentName, req.ScheduleName, req.Task, req.ArtifactType, cancel)
	return s.execute(runCtx, run.RunID, req)
}

// execute performs the run and records its single terminal outcome.
func (s *Spawner) execute(ctx context.Context, runID string, req BackgroundRequest) error {
	s.runs.markRunning(runID)
	res, err := s.invoke(ctx, req.UserID, req.AgentName, req.Task, req.Caller)
	if err != nil {
		if s.runs.markFinished(runID, RunFailed, "", err.Error()) {
			run, _ := s.runs.get(runID)
			if run != nil {
				s.postRunFailure(*run, err.Error())
			}
		}
		slog.Warn("Background run failed",
			"run", runID, "user", req.UserID, "agent", req.AgentName, "error", err)
		return err
	}

	artifactID, err := s.store.WriteArtifact(req.UserID, req.AgentName, req.ArtifactType, res.Output)
	if err != nil {
		if s.runs.markFinished(runID, RunFailed, "", err.Error()) {
			run, _ := s.runs.get(runID)
			if run != nil {
				s.postRunFailure(*run, "could not store the result: "+err.Error())
			}
		}
		return err
	}
	if s.runs.markFinished(runID, RunSucceeded, artifactID, "") {
		msg := fmt.Sprintf("Finished: %s", summarize(req.Task))
		if _, err := s.store.Post(req.UserID, req.AgentName, msg, artifactID, store.PriorityNormal); err != nil {
			slog.Warn("Run completed but notification failed", "run", runID, "error", err)
		}
	}
	slog.Info("Background run completed",
		"run", runID, "user", req.UserID, "agent", req.AgentName, "artifact", artifactID)
	return nil
}

// postRunFailure posts the urgent failure notice for a run. Failure runs
// never produce an artifact.
func (s *Spawner) postRunFailure(run Run, reason string) {
	msg := fmt.Sprintf("Run failed: %s (%s)", summarize(run.Task), reason)
	if _, err := s.store.Post(run.UserID, run.AgentName, msg, "", store.PriorityUrgent); err != nil {
		slog.Warn("Failed to post run failure notice", "run", run.RunID, "error", err)
	}
}

func summarize(task string) string {
	task = strings.TrimSpace(task)
	if len(task) > 120 {
		return task[:117] + "..."
	}
	if task == "" {
		return "(no task)"
	}
	return task
}

// GetRun returns a snapshot of one run.
func (s *Spawner) GetRun(runID string) (*Run, bool) {
	return s.runs.get(runID)
}

// ListRuns returns a user's runs, newest first. Empty userID lists all.
func (s *Spawner) ListRuns(userID string) []Run {
	return s.runs.list(userID, false)
}

// ListPendingRuns returns runs that have not reached a terminal state.
func (s *Spawner) ListPendingRuns(userID string) []Run {
	return s.runs.list(userID, true)
}

// Thread is a foreground conversation handle. The thread ID is returned
// before priming completes; Ready flips once the agent is warmed up.
type Thread struct {
	ThreadID  string     `json:"thread_id"`
	UserID    string     `json:"user_id"`
	AgentName string     `json:"agent_name"`
	Ready     bool       `json:"ready"`
	Greeting  string     `json:"greeting,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ReadyAt   *time.Time `json:"ready_at,omitempty"`
}

// SpawnForeground opens a conversation thread and primes it concurrently
// with preTask, or the agent's bootstrap file when preTask is empty.
func (s *Spawner) SpawnForeground(ctx context.Context, userID, agentName, preTask string, caller resolver.Caller) (string, error) {
	def, err := s.resolver.Resolve(userID, agentName, caller)
	if err != nil {
		return "", err
	}
	prompt := strings.TrimSpace(preTask)
	if prompt == "" {
		prompt = def.Bootstrap()
	}
	th := &Thread{
		ThreadID:  uuid.NewString(),
		UserID:    userID,
		AgentName: def.Name(),
		CreatedAt: time.Now(),
	}
	s.mu.Lock()
	s.threads[th.ThreadID] = th
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		primeCtx, cancel := context.WithTimeout(context.Background(), s.cfg.TaskTimeout)
		defer cancel()
		var greeting string
		res, err := s.invoke(primeCtx, userID, agentName, prompt, caller)
		if err == nil {
			greeting = res.Output
		}
		now := time.Now()
		s.mu.Lock()
		th.Ready = true
		th.ReadyAt = &now
		th.Greeting = greeting
		if err != nil {
			// The thread is still usable; the priming turn just failed.
			th.Error = err.Error()
		}
		s.mu.Unlock()
	}()
	return th.ThreadID, nil
}

// ThreadStatus returns a snapshot of a foreground thread.
func (s *Spawner) ThreadStatus(threadID string) (*Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[threadID]
	if !ok {
		return nil, false
	}
	out := *th
	if th.ReadyAt != nil {
		at := *th.ReadyAt
		out.ReadyAt = &at
	}
	return &out, true
}

// Shutdown cancels in-flight runs, notifies their owners, and waits for
// worker goroutines up to the context deadline.
func (s *Spawner) Shutdown(ctx context.Context) error {
	for _, run := range s.runs.interruptActive() {
		s.postRunFailure(run, "interrupted by shutdown")
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
