package resolver

import "testing"

func TestParseHeartbeat_FullDocument(t *testing.T) {
	doc := `
schedules:
  - name: morning-digest
    cron: "0 7 * * *"
    description: Daily summary
    task_prompt: Summarize the day ahead.
    artifact_type: digest
  - name: weekly-review
    cron: "0 18 * * 0"
    task_prompt: Review the week.
triggers:
  - id: urgent-unread
    condition: urgent_unread
    message: You have urgent items waiting.
    priority: urgent
`
	hb, err := ParseHeartbeat([]byte(doc))
	if err != nil {
		t.Fatalf("ParseHeartbeat: %v", err)
	}
	if len(hb.Schedules) != 2 {
		t.Fatalf("expected 2 schedules, got %d", len(hb.Schedules))
	}
	first := hb.Schedules[0]
	if first.Name != "morning-digest" || first.Cron != "0 7 * * *" {
		t.Fatalf("unexpected first schedule: %+v", first)
	}
	if first.TaskPrompt != "Summarize the day ahead." {
		t.Fatalf("task_prompt not parsed: %q", first.TaskPrompt)
	}
	if first.ArtifactType != "digest" {
		t.Fatalf("artifact_type not parsed: %q", first.ArtifactType)
	}
	if len(hb.Triggers) != 1 || hb.Triggers[0].ID != "urgent-unread" {
		t.Fatalf("triggers not parsed: %+v", hb.Triggers)
	}
}

func TestParseHeartbeat_EmptyIsValid(t *testing.T) {
	hb, err := ParseHeartbeat(nil)
	if err != nil {
		t.Fatalf("ParseHeartbeat(nil): %v", err)
	}
	if len(hb.Schedules) != 0 || len(hb.Triggers) != 0 {
		t.Fatalf("expected empty heartbeat, got %+v", hb)
	}
}

func TestParseHeartbeat_MissingFields(t *testing.T) {
	cases := map[string]string{
		"missing name": "schedules:\n  - cron: \"0 7 * * *\"\n",
		"missing cron": "schedules:\n  - name: digest\n",
	}
	for label, doc := range cases {
		if _, err := ParseHeartbeat([]byte(doc)); err == nil {
			t.Errorf("%s: expected an error", label)
		}
	}
}
