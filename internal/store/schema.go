package store

import "time"

// Schedule entry states. The idle-gated claim in ClaimScheduleEntry is the
// only transition into firing; there is no mutex around the state machine.
const (
	ScheduleIdle   = "idle"
	ScheduleFiring = "firing"
)

// Schedule entry terminal statuses recorded after a fire.
const (
	FireStatusOK      = "ok"
	FireStatusFailed  = "failed"
	FireStatusSkipped = "skipped_concurrency"
)

// Notification priorities, from most to least interruptive.
const (
	PriorityUrgent = "urgent"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

// Instance is a per-user, mutable agent definition row. Soul only grows;
// customized file keys survive template upgrades untouched.
type Instance struct {
	UserID          string            `json:"user_id"`
	AgentName       string            `json:"agent_name"`
	TemplateName    string            `json:"template_name,omitempty"`
	TemplateVersion int               `json:"template_version"`
	Soul            string            `json:"soul"`
	CreatedBy       string            `json:"created_by,omitempty"`
	Files           map[string]string `json:"files"`
	Customized      map[string]bool   `json:"customized_files"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Template is a shared agent definition, immutable except by version upgrade.
type Template struct {
	Name      string            `json:"name"`
	Version   int               `json:"version"`
	Files     map[string]string `json:"files"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// ScheduleEntry is one cron-driven unit of autonomous work.
type ScheduleEntry struct {
	OwnerUserID   string     `json:"owner_user_id"`
	AgentName     string     `json:"agent_name"`
	ScheduleName  string     `json:"schedule_name"`
	CronExpr      string     `json:"cron_expr"`
	NextRunAt     time.Time  `json:"next_run_at"`
	State         string     `json:"state"`
	ConfigPayload string     `json:"config_payload"`
	LastStatus    string     `json:"last_status,omitempty"`
	LastFiredAt   *time.Time `json:"last_fired_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Artifact is an immutable work product from a background run.
type Artifact struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	AgentName string    `json:"agent_name"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Notification is a message about an artifact or event. Delivery is
// at-least-once; read state flips exactly once.
type Notification struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	FromAgent  string     `json:"from_agent"`
	Message    string     `json:"message"`
	Priority   string     `json:"priority"`
	ArtifactID string     `json:"artifact_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ReadAt     *time.Time `json:"read_at,omitempty"`
}

// CredentialRow is an encrypted per-user, per-service secret. The payload is
// opaque to the store; only the vault can open it.
type CredentialRow struct {
	UserID     string     `json:"user_id"`
	Service    string     `json:"service"`
	Payload    []byte     `json:"-"`
	KeyVersion int        `json:"key_version"`
	Scopes     string     `json:"scopes,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Schema is the steward database schema. Timestamps are RFC3339Nano UTC text.
const Schema = `
CREATE TABLE IF NOT EXISTS agent_templates (
	name TEXT PRIMARY KEY,
	version INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_template_files (
	template_name TEXT NOT NULL,
	file_key TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (template_name, file_key)
);

CREATE TABLE IF NOT EXISTS agent_instances (
	user_id TEXT NOT NULL,
	agent_name TEXT NOT NULL,
	template_name TEXT NOT NULL DEFAULT '',
	template_version INTEGER NOT NULL DEFAULT 0,
	soul TEXT NOT NULL DEFAULT '',
	created_by TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (user_id, agent_name)
);

CREATE TABLE IF NOT EXISTS agent_instance_files (
	user_id TEXT NOT NULL,
	agent_name TEXT NOT NULL,
	file_key TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	customized INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, agent_name, file_key)
);

CREATE TABLE IF NOT EXISTS schedule_entries (
	owner_user_id TEXT NOT NULL,
	agent_name TEXT NOT NULL,
	schedule_name TEXT NOT NULL,
	cron_expr TEXT NOT NULL,
	next_run_at TEXT NOT NULL,
	state TEXT NOT NULL DEFAULT 'idle',
	config_payload TEXT NOT NULL DEFAULT '{}',
	last_status TEXT NOT NULL DEFAULT '',
	last_fired_at TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (owner_user_id, agent_name, schedule_name)
);
CREATE INDEX IF NOT EXISTS idx_schedule_due ON schedule_entries(state, next_run_at);

CREATE TABLE IF NOT EXISTS artifacts (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	agent_name TEXT NOT NULL,
	type TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_user ON artifacts(user_id, created_at);

CREATE TABLE IF NOT EXISTS notifications (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	from_agent TEXT NOT NULL,
	message TEXT NOT NULL,
	priority TEXT NOT NULL DEFAULT 'normal',
	artifact_id TEXT,
	created_at TEXT NOT NULL,
	read_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_notifications_unread ON notifications(user_id, read_at);

CREATE TABLE IF NOT EXISTS credentials (
	user_id TEXT NOT NULL,
	service TEXT NOT NULL,
	payload BLOB NOT NULL,
	key_version INTEGER NOT NULL,
	scopes TEXT NOT NULL DEFAULT '',
	expires_at TEXT,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (user_id, service)
);

CREATE TABLE IF NOT EXISTS user_flags (
	user_id TEXT PRIMARY KEY,
	allow_operator_llm INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL
);
`
