package store

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// ---------- notifications ----------

func TestGetUnread_PriorityThenRecency(t *testing.T) {
	st := newTestStore(t)

	if _, err := st.Post("ada", "cos", "old low", "", PriorityLow); err != nil {
		t.Fatalf("Post: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := st.Post("ada", "cos", "old normal", "", PriorityNormal); err != nil {
		t.Fatalf("Post: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := st.Post("ada", "cos", "new normal", "", PriorityNormal); err != nil {
		t.Fatalf("Post: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := st.Post("ada", "coach", "the urgent one", "", PriorityUrgent); err != nil {
		t.Fatalf("Post: %v", err)
	}

	unread, err := st.GetUnread("ada")
	if err != nil {
		t.Fatalf("GetUnread: %v", err)
	}
	if len(unread) != 4 {
		t.Fatalf("expected 4 unread, got %d", len(unread))
	}
	want := []string{"the urgent one", "new normal", "old normal", "old low"}
	for i, msg := range want {
		if unread[i].Message != msg {
			t.Errorf("position %d: got %q, want %q", i, unread[i].Message, msg)
		}
	}
}

func TestGetUnread_ScopedToUser(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.Post("ada", "cos", "for ada", "", PriorityNormal); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if _, err := st.Post("bob", "cos", "for bob", "", PriorityNormal); err != nil {
		t.Fatalf("Post: %v", err)
	}
	unread, err := st.GetUnread("ada")
	if err != nil {
		t.Fatalf("GetUnread: %v", err)
	}
	if len(unread) != 1 || unread[0].Message != "for ada" {
		t.Fatalf("expected only ada's notification, got %+v", unread)
	}
}

func TestMarkRead_IdempotentAndStrictOnUnknown(t *testing.T) {
	st := newTestStore(t)
	id, err := st.Post("ada", "cos", "read me", "", PriorityNormal)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}

	if err := st.MarkRead(id); err != nil {
		t.Fatalf("first MarkRead: %v", err)
	}
	n, err := st.GetNotification(id)
	if err != nil {
		t.Fatalf("GetNotification: %v", err)
	}
	firstReadAt := n.ReadAt
	if firstReadAt == nil {
		t.Fatal("expected read_at to be set")
	}

	// Second mark is a no-op, not an error, and the timestamp is stable.
	if err := st.MarkRead(id); err != nil {
		t.Fatalf("second MarkRead: %v", err)
	}
	n, _ = st.GetNotification(id)
	if n.ReadAt == nil || !n.ReadAt.Equal(*firstReadAt) {
		t.Fatalf("read_at changed on repeat mark: %v vs %v", n.ReadAt, firstReadAt)
	}

	if err := st.MarkRead("no-such-id"); err == nil {
		t.Fatal("expected error for unknown notification ID")
	}
}

func TestPost_InvalidPriorityDefaultsToNormal(t *testing.T) {
	st := newTestStore(t)
	id, err := st.Post("ada", "cos", "hello", "", "shouting")
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	n, err := st.GetNotification(id)
	if err != nil {
		t.Fatalf("GetNotification: %v", err)
	}
	if n.Priority != PriorityNormal {
		t.Fatalf("got priority %q, want %q", n.Priority, PriorityNormal)
	}
}

// ---------- schedule claim ----------

func TestClaimScheduleEntry_SingleWinner(t *testing.T) {
	st := newTestStore(t)
	now := time.Now().UTC()
	entry := &ScheduleEntry{
		OwnerUserID:   "ada",
		AgentName:     "cos",
		ScheduleName:  "digest",
		CronExpr:      "0 7 * * *",
		NextRunAt:     now.Add(-time.Minute),
		State:         ScheduleIdle,
		ConfigPayload: "{}",
	}
	if err := st.UpsertScheduleEntry(entry); err != nil {
		t.Fatalf("UpsertScheduleEntry: %v", err)
	}

	next := now.Add(24 * time.Hour)
	claimed, err := st.ClaimScheduleEntry("ada", "cos", "digest", now, next)
	if err != nil {
		t.Fatalf("ClaimScheduleEntry: %v", err)
	}
	if !claimed {
		t.Fatal("expected first claim to win")
	}

	// While firing, nobody else can claim, even though next_run_at moved.
	again, err := st.ClaimScheduleEntry("ada", "cos", "digest", next.Add(time.Minute), next.Add(48*time.Hour))
	if err != nil {
		t.Fatalf("second ClaimScheduleEntry: %v", err)
	}
	if again {
		t.Fatal("claim succeeded while entry was firing")
	}

	entries, err := st.ListScheduleEntries("ada")
	if err != nil {
		t.Fatalf("ListScheduleEntries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	got := entries[0]
	if got.State != ScheduleFiring {
		t.Fatalf("state = %q, want %q", got.State, ScheduleFiring)
	}
	if !got.NextRunAt.Equal(next) {
		t.Fatalf("next_run_at = %v, want %v (set before the run, not after)", got.NextRunAt, next)
	}
	if got.LastFiredAt == nil {
		t.Fatal("last_fired_at not recorded")
	}

	if err := st.ReleaseScheduleEntry("ada", "cos", "digest", FireStatusOK); err != nil {
		t.Fatalf("ReleaseScheduleEntry: %v", err)
	}
	entries, _ = st.ListScheduleEntries("ada")
	if entries[0].State != ScheduleIdle || entries[0].LastStatus != FireStatusOK {
		t.Fatalf("after release: state=%q status=%q", entries[0].State, entries[0].LastStatus)
	}
}

func TestClaimScheduleEntry_NotDueYet(t *testing.T) {
	st := newTestStore(t)
	now := time.Now().UTC()
	entry := &ScheduleEntry{
		OwnerUserID:   "ada",
		AgentName:     "cos",
		ScheduleName:  "later",
		CronExpr:      "0 7 * * *",
		NextRunAt:     now.Add(time.Hour),
		State:         ScheduleIdle,
		ConfigPayload: "{}",
	}
	if err := st.UpsertScheduleEntry(entry); err != nil {
		t.Fatalf("UpsertScheduleEntry: %v", err)
	}
	claimed, err := st.ClaimScheduleEntry("ada", "cos", "later", now, now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("ClaimScheduleEntry: %v", err)
	}
	if claimed {
		t.Fatal("claimed an entry that was not due")
	}
}

// ---------- instances ----------

func TestInsertInstance_LosingRaceKeepsFirstWriter(t *testing.T) {
	st := newTestStore(t)
	first := &Instance{
		UserID:    "ada",
		AgentName: "cos",
		Files:     map[string]string{"role.md": "first"},
	}
	if err := st.InsertInstance(first); err != nil {
		t.Fatalf("first InsertInstance: %v", err)
	}
	second := &Instance{
		UserID:    "ada",
		AgentName: "cos",
		Files:     map[string]string{"role.md": "second"},
	}
	if err := st.InsertInstance(second); err != nil {
		t.Fatalf("second InsertInstance should be quiet, got: %v", err)
	}
	got, err := st.GetInstance("ada", "cos")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.Files["role.md"] != "first" {
		t.Fatalf("lost race overwrote files: %q", got.Files["role.md"])
	}
}

func TestUpsertInstanceFile_CustomizedFlagIsSticky(t *testing.T) {
	st := newTestStore(t)
	inst := &Instance{
		UserID:    "ada",
		AgentName: "cos",
		Files:     map[string]string{"role.md": "v1"},
	}
	if err := st.InsertInstance(inst); err != nil {
		t.Fatalf("InsertInstance: %v", err)
	}
	if err := st.UpsertInstanceFile("ada", "cos", "role.md", "edited", true); err != nil {
		t.Fatalf("customize: %v", err)
	}
	// A later write with customized=false (e.g. a template sync) must not
	// clear the flag.
	if err := st.UpsertInstanceFile("ada", "cos", "role.md", "edited again", false); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	got, err := st.GetInstance("ada", "cos")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if !got.Customized["role.md"] {
		t.Fatal("customized flag was cleared")
	}
}

func TestAppendSoul_IsAppendOnly(t *testing.T) {
	st := newTestStore(t)
	inst := &Instance{UserID: "ada", AgentName: "cos", Files: map[string]string{}}
	if err := st.InsertInstance(inst); err != nil {
		t.Fatalf("InsertInstance: %v", err)
	}
	if err := st.AppendSoul("ada", "cos", "- prefers mornings\n"); err != nil {
		t.Fatalf("AppendSoul: %v", err)
	}
	if err := st.AppendSoul("ada", "cos", "- hates pointless meetings\n"); err != nil {
		t.Fatalf("AppendSoul: %v", err)
	}
	got, _ := st.GetInstance("ada", "cos")
	want := "- prefers mornings\n- hates pointless meetings\n"
	if got.Soul != want {
		t.Fatalf("soul = %q, want %q", got.Soul, want)
	}
}
