// Package gateway exposes the orchestrator over HTTP for admin tooling
// and trusted front ends. It is not an end-user surface: callers present
// the gateway token and assert the acting user explicitly.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/stewardhq/steward/internal/resolver"
	"github.com/stewardhq/steward/internal/scheduler"
	"github.com/stewardhq/steward/internal/spawner"
	"github.com/stewardhq/steward/internal/store"
	"github.com/stewardhq/steward/internal/triage"
	"github.com/stewardhq/steward/internal/vault"
)

// Config holds gateway settings.
type Config struct {
	Enabled bool   `json:"enabled" envconfig:"ENABLED"`
	Addr    string `json:"addr" envconfig:"ADDR"`
	// Token guards every endpoint. Empty disables the gateway rather
	// than serving unauthenticated.
	Token string `json:"token" envconfig:"TOKEN"`
}

// Server is the admin HTTP API.
type Server struct {
	cfg       Config
	store     *store.Store
	vault     *vault.Vault
	resolver  *resolver.Resolver
	scheduler *scheduler.Scheduler
	spawner   *spawner.Spawner
	triage    triage.Policy
	router    chi.Router
}

func NewServer(cfg Config, st *store.Store, vlt *vault.Vault, res *resolver.Resolver, sch *scheduler.Scheduler, sp *spawner.Spawner, pol triage.Policy) *Server {
	s := &Server{
		cfg:       cfg,
		store:     st,
		vault:     vlt,
		resolver:  res,
		scheduler: sch,
		spawner:   sp,
		triage:    pol,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Steward-User", "X-Steward-Role"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.auth)

		r.Route("/agents", func(r chi.Router) {
			r.Get("/", s.handleListAgents)
			r.Post("/", s.handleCreateAgent)
			r.Get("/{agentName}", s.handleGetAgent)
			r.Post("/{agentName}/soul", s.handleAppendSoul)
			r.Put("/{agentName}/files/{fileKey}", s.handleUpdateFile)
		})

		r.Route("/schedules", func(r chi.Router) {
			r.Get("/", s.handleListSchedules)
			r.Post("/", s.handleAddSchedule)
			r.Post("/sync", s.handleSyncSchedules)
			r.Delete("/{agentName}/{scheduleName}", s.handleRemoveSchedule)
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Post("/", s.handleSpawnBackground)
			r.Get("/{runID}", s.handleGetRun)
		})

		r.Route("/threads", func(r chi.Router) {
			r.Post("/", s.handleSpawnForeground)
			r.Get("/{threadID}", s.handleGetThread)
		})

		r.Post("/tasks", s.handleInvokeTask)

		r.Route("/notifications", func(r chi.Router) {
			r.Get("/unread", s.handleUnread)
			r.Get("/triage", s.handleTriage)
			r.Post("/{notificationID}/read", s.handleMarkRead)
		})

		r.Route("/artifacts", func(r chi.Router) {
			r.Get("/", s.handleListArtifacts)
			r.Get("/{artifactID}", s.handleGetArtifact)
		})

		r.Route("/credentials", func(r chi.Router) {
			r.Get("/", s.handleListCredentials)
			r.Put("/{service}", s.handlePutCredential)
			r.Delete("/{service}", s.handleDeleteCredential)
			r.Post("/rotate", s.handleRotateKeys)
		})
	})

	s.router = r
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if strings.TrimSpace(s.cfg.Token) == "" {
		return errors.New("gateway token is not configured")
	}
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	slog.Info("Gateway listening", "addr", s.cfg.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// callerFrom derives the acting identity from request headers. The user
// defaults to the operator account; the role defaults to user so callers
// must opt in to elevated access.
func callerFrom(r *http.Request) (string, resolver.Caller) {
	userID := strings.TrimSpace(r.Header.Get("X-Steward-User"))
	if userID == "" {
		userID = vault.OperatorUserID
	}
	role := resolver.RoleUser
	switch strings.TrimSpace(r.Header.Get("X-Steward-Role")) {
	case string(resolver.RoleOperator):
		role = resolver.RoleOperator
	case string(resolver.RoleOrchestrator):
		role = resolver.RoleOrchestrator
	}
	return userID, resolver.Caller{UserID: userID, Role: role}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps sentinel errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, resolver.ErrAgentNotFound),
		errors.Is(err, vault.ErrCredentialNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, resolver.ErrAccessDenied):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, scheduler.ErrScheduleParse):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, spawner.ErrSpawnTimeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, vault.ErrNoLLMKey):
		writeError(w, http.StatusPreconditionFailed, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- agents ---

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	userID, _ := callerFrom(r)
	instances, err := s.resolver.Instances(userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	type agentSummary struct {
		Name            string `json:"name"`
		TemplateName    string `json:"template_name,omitempty"`
		TemplateVersion int    `json:"template_version,omitempty"`
	}
	out := make([]agentSummary, 0, len(instances))
	for _, inst := range instances {
		out = append(out, agentSummary{
			Name:            inst.Name(),
			TemplateName:    inst.Template(),
			TemplateVersion: inst.TemplateVersion(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	userID, _ := callerFrom(r)
	var req struct {
		Name  string            `json:"name"`
		Files map[string]string `json:"files"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "agent name is required")
		return
	}
	if err := s.resolver.Create(userID, req.Name, req.Files, "gateway"); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": req.Name})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	userID, caller := callerFrom(r)
	def, err := s.resolver.Resolve(userID, chi.URLParam(r, "agentName"), caller)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":  def.Name(),
		"kind":  def.Kind(),
		"files": def.Files(),
	})
}

func (s *Server) handleAppendSoul(w http.ResponseWriter, r *http.Request) {
	userID, _ := callerFrom(r)
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if err := s.resolver.AppendSoul(userID, chi.URLParam(r, "agentName"), req.Text); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "appended"})
}

func (s *Server) handleUpdateFile(w http.ResponseWriter, r *http.Request) {
	userID, _ := callerFrom(r)
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	agentName := chi.URLParam(r, "agentName")
	fileKey := chi.URLParam(r, "fileKey")
	if err := s.resolver.UpdateFile(userID, agentName, fileKey, req.Content); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// --- schedules ---

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	userID, _ := callerFrom(r)
	entries, err := s.scheduler.List(userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleAddSchedule(w http.ResponseWriter, r *http.Request) {
	userID, _ := callerFrom(r)
	var req struct {
		AgentName    string `json:"agent_name"`
		ScheduleName string `json:"schedule_name"`
		Cron         string `json:"cron"`
		TaskPrompt   string `json:"task_prompt"`
		ArtifactType string `json:"artifact_type,omitempty"`
		Description  string `json:"description,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	payload := scheduler.Payload{
		TaskPrompt:   req.TaskPrompt,
		ArtifactType: req.ArtifactType,
		Description:  req.Description,
	}
	if err := s.scheduler.Schedule(userID, req.AgentName, req.ScheduleName, req.Cron, payload); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "scheduled"})
}

func (s *Server) handleSyncSchedules(w http.ResponseWriter, r *http.Request) {
	userID, _ := callerFrom(r)
	synced, err := s.scheduler.SyncFromDefinitions(s.resolver, userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"synced": synced})
}

func (s *Server) handleRemoveSchedule(w http.ResponseWriter, r *http.Request) {
	userID, _ := callerFrom(r)
	removed, err := s.scheduler.Unschedule(userID, chi.URLParam(r, "agentName"), chi.URLParam(r, "scheduleName"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// --- runs and threads ---

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	userID, _ := callerFrom(r)
	if r.URL.Query().Get("pending") == "1" {
		writeJSON(w, http.StatusOK, s.spawner.ListPendingRuns(userID))
		return
	}
	writeJSON(w, http.StatusOK, s.spawner.ListRuns(userID))
}

func (s *Server) handleSpawnBackground(w http.ResponseWriter, r *http.Request) {
	userID, caller := callerFrom(r)
	var req struct {
		AgentName    string `json:"agent_name"`
		Task         string `json:"task"`
		ArtifactType string `json:"artifact_type,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	runID, err := s.spawner.SpawnBackground(spawner.BackgroundRequest{
		UserID:       userID,
		AgentName:    req.AgentName,
		Task:         req.Task,
		ArtifactType: req.ArtifactType,
		Caller:       caller,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.spawner.GetRun(chi.URLParam(r, "runID"))
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleSpawnForeground(w http.ResponseWriter, r *http.Request) {
	userID, caller := callerFrom(r)
	var req struct {
		AgentName string `json:"agent_name"`
		PreTask   string `json:"pre_task,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	threadID, err := s.spawner.SpawnForeground(r.Context(), userID, req.AgentName, req.PreTask, caller)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"thread_id": threadID})
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	th, ok := s.spawner.ThreadStatus(chi.URLParam(r, "threadID"))
	if !ok {
		writeError(w, http.StatusNotFound, "thread not found")
		return
	}
	writeJSON(w, http.StatusOK, th)
}

func (s *Server) handleInvokeTask(w http.ResponseWriter, r *http.Request) {
	userID, caller := callerFrom(r)
	var req struct {
		AgentName string `json:"agent_name"`
		Prompt    string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := s.spawner.InvokeTask(r.Context(), userID, req.AgentName, req.Prompt, caller)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- notifications and artifacts ---

func (s *Server) handleUnread(w http.ResponseWriter, r *http.Request) {
	userID, _ := callerFrom(r)
	unread, err := s.store.GetUnread(userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, unread)
}

// handleTriage answers whether the caller's unread backlog warrants an
// interruption right now.
func (s *Server) handleTriage(w http.ResponseWriter, r *http.Request) {
	userID, _ := callerFrom(r)
	unread, err := s.store.GetUnread(userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	interrupt := false
	if s.triage != nil {
		interrupt = s.triage.ShouldInterrupt(unread, time.Now().UTC())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"interrupt": interrupt,
		"unread":    len(unread),
	})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if err := s.store.MarkRead(chi.URLParam(r, "notificationID")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "read"})
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	userID, _ := callerFrom(r)
	artifacts, err := s.store.ListArtifacts(userID, 50)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, artifacts)
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	artifact, err := s.store.GetArtifact(chi.URLParam(r, "artifactID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if artifact == nil {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}

// --- credentials ---

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	userID, _ := callerFrom(r)
	services, err := s.vault.ListServices(userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, services)
}

func (s *Server) handlePutCredential(w http.ResponseWriter, r *http.Request) {
	userID, _ := callerFrom(r)
	var req struct {
		Payload   string     `json:"payload"`
		Scopes    string     `json:"scopes,omitempty"`
		ExpiresAt *time.Time `json:"expires_at,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Payload == "" {
		writeError(w, http.StatusBadRequest, "payload is required")
		return
	}
	service := chi.URLParam(r, "service")
	if err := s.vault.Put(userID, service, []byte(req.Payload), req.Scopes, req.ExpiresAt); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
}

func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	userID, _ := callerFrom(r)
	removed, err := s.vault.Delete(userID, chi.URLParam(r, "service"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "credential not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleRotateKeys(w http.ResponseWriter, r *http.Request) {
	_, caller := callerFrom(r)
	if caller.Role != resolver.RoleOperator {
		writeError(w, http.StatusForbidden, "key rotation requires the operator role")
		return
	}
	version, err := s.vault.Rotate()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"key_version": version})
}
