package resolver

import (
	"fmt"

	"gopkg.in/yaml.v2"
)

// Heartbeat is the declarative block inside a definition listing its
// recurring schedules and reactive triggers. The scheduler consumes the
// schedules; triggers are evaluated by the primary agent, not here.
type Heartbeat struct {
	Schedules []ScheduleDecl `yaml:"schedules"`
	Triggers  []TriggerDecl  `yaml:"triggers"`
}

// ScheduleDecl declares one recurring unit of autonomous work.
type ScheduleDecl struct {
	Name         string `yaml:"name"`
	Cron         string `yaml:"cron"`
	Description  string `yaml:"description"`
	TaskPrompt   string `yaml:"task_prompt"`
	ArtifactType string `yaml:"artifact_type"`
}

// TriggerDecl declares a reactive condition for the primary agent.
type TriggerDecl struct {
	ID        string `yaml:"id"`
	Condition string `yaml:"condition"`
	Message   string `yaml:"message"`
	Priority  string `yaml:"priority"`
	Action    string `yaml:"action"`
}

// ParseHeartbeat parses a heartbeat document. Empty input yields an empty
// heartbeat, not an error.
func ParseHeartbeat(data []byte) (*Heartbeat, error) {
	hb := &Heartbeat{}
	if len(data) == 0 {
		return hb, nil
	}
	if err := yaml.Unmarshal(data, hb); err != nil {
		return nil, fmt.Errorf("parse heartbeat: %w", err)
	}
	for i, s := range hb.Schedules {
		if s.Name == "" {
			return nil, fmt.Errorf("parse heartbeat: schedule %d has no name", i)
		}
		if s.Cron == "" {
			return nil, fmt.Errorf("parse heartbeat: schedule %q has no cron expression", s.Name)
		}
	}
	return hb, nil
}
