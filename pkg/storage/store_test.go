package storage

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "policy.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSeededVocabulary(t *testing.T) {
	store := newTestStore(t)

	modes, err := store.Modes()
	if err != nil {
		t.Fatalf("Modes: %v", err)
	}
	if len(modes) != 3 || modes[0] != "ask" || modes[1] != "plan" || modes[2] != "build" {
		t.Errorf("Modes = %v", modes)
	}

	trusts, err := store.TrustLevels()
	if err != nil {
		t.Fatalf("TrustLevels: %v", err)
	}
	if len(trusts) != 3 || trusts[0] != "manual" || trusts[2] != "careful" {
		t.Errorf("TrustLevels = %v", trusts)
	}
}

func TestRuleMatrixSeeds(t *testing.T) {
	store := newTestStore(t)

	rules, err := store.LoadRules()
	if err != nil {
		t.Fatalf("LoadRules: %v", err)
	}

	tests := []struct {
		name      string
		key       RuleKey
		needs     bool
		allowSave bool
	}{
		{"build balanced read in-workdir auto", RuleKey{"read", true, "build", "balanced"}, false, true},
		{"build balanced write in-workdir prompts saveable", RuleKey{"write", true, "build", "balanced"}, true, true},
		{"build manual write in-workdir prompts", RuleKey{"write", true, "build", "manual"}, true, true},
		{"build careful delete out-of-workdir never saved", RuleKey{"delete", false, "build", "careful"}, true, false},
		{"build balanced delete out-of-workdir never saved", RuleKey{"delete", false, "build", "balanced"}, true, false},
		{"ask read in-workdir auto", RuleKey{"read", true, "ask", "balanced"}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, ok := rules[tt.key]
			if !ok {
				t.Fatalf("no rule for %+v", tt.key)
			}
			if rule.NeedsApproval != tt.needs || rule.AllowSavePattern != tt.allowSave {
				t.Errorf("rule = %+v, want needs=%v allowSave=%v", rule, tt.needs, tt.allowSave)
			}
		})
	}

	// Ask/Plan must not carry rows for destructive classifications; those
	// fail closed at the engine.
	if _, ok := rules[RuleKey{"delete", true, "ask", "balanced"}]; ok {
		t.Error("ask mode should have no delete rule")
	}
	if _, ok := rules[RuleKey{"write", false, "plan", "manual"}]; ok {
		t.Error("plan mode should have no write rule")
	}
}

func TestRuleImmutability(t *testing.T) {
	store := newTestStore(t)
	db := store.DB()

	updates := []string{
		`UPDATE approval_rules SET needs_approval = 0`,
		`DELETE FROM approval_rules`,
		`UPDATE agent_modes SET name = 'hacked' WHERE name = 'ask'`,
		`DELETE FROM agent_modes`,
		`UPDATE trust_levels SET name = 'hacked'`,
		`DELETE FROM trust_levels`,
		`UPDATE classifications SET in_workdir = 1`,
		`DELETE FROM classifications`,
		`DELETE FROM tool_categories`,
	}

	for _, stmt := range updates {
		if _, err := db.Exec(stmt); err == nil {
			t.Errorf("%q should have been rejected by trigger", stmt)
		} else if !strings.Contains(err.Error(), "immutable") {
			t.Errorf("%q failed with unexpected error: %v", stmt, err)
		}
	}

	// State unchanged: the full matrix still loads.
	rules, err := store.LoadRules()
	if err != nil {
		t.Fatalf("LoadRules after attempts: %v", err)
	}
	if len(rules) == 0 {
		t.Error("rule matrix disappeared")
	}
}

func TestToolMetadataImmutable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := &ToolRecord{ID: "run_shell", Risk: "risky", Operation: "execute", Category: "shell", Modes: []string{"build"}}
	if err := store.RegisterTool(ctx, rec); err != nil {
		t.Fatalf("RegisterTool: %v", err)
	}

	// Re-registration is a no-op, not an error.
	rec2 := &ToolRecord{ID: "run_shell", Risk: "safe", Operation: "read", Category: "shell", Modes: []string{"build"}}
	if err := store.RegisterTool(ctx, rec2); err != nil {
		t.Fatalf("RegisterTool twice: %v", err)
	}
	got, err := store.GetToolRecord(ctx, "run_shell")
	if err != nil {
		t.Fatalf("GetToolRecord: %v", err)
	}
	if got.Risk != "risky" {
		t.Errorf("Risk = %q, re-registration must not change metadata", got.Risk)
	}

	if _, err := store.DB().Exec(`UPDATE tools SET risk = 'safe'`); err == nil {
		t.Error("tools table should be immutable")
	}
	if _, err := store.DB().Exec(`DELETE FROM tool_mode_availability`); err == nil {
		t.Error("tool_mode_availability should be immutable")
	}
}

func TestToolAvailability(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.RegisterTool(ctx, &ToolRecord{
		ID: "read_file", Risk: "safe", Operation: "read", Category: "file",
		Modes: []string{"ask", "plan", "build"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.RegisterTool(ctx, &ToolRecord{
		ID: "write_file", Risk: "write", Operation: "write", Category: "file",
		Modes: []string{"build"},
	}); err != nil {
		t.Fatal(err)
	}

	availability, err := store.LoadToolAvailability(ctx)
	if err != nil {
		t.Fatalf("LoadToolAvailability: %v", err)
	}
	if !availability["read_file"]["ask"] {
		t.Error("read_file should be available in ask mode")
	}
	if availability["write_file"]["ask"] {
		t.Error("write_file should not be available in ask mode")
	}
	if !availability["write_file"]["build"] {
		t.Error("write_file should be available in build mode")
	}
}

func TestPatternSaveIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := &Pattern{ToolID: "run_shell", Kind: "approve", MatchType: "prefix", Value: "npm install", Scope: "workspace"}
	if err := store.SavePattern(ctx, p); err != nil {
		t.Fatalf("SavePattern: %v", err)
	}
	if err := store.SavePattern(ctx, &Pattern{ToolID: "run_shell", Kind: "approve", MatchType: "prefix", Value: "npm install", Scope: "workspace"}); err != nil {
		t.Fatalf("SavePattern twice: %v", err)
	}

	patterns, err := store.ListPatterns(ctx, "run_shell", "")
	if err != nil {
		t.Fatalf("ListPatterns: %v", err)
	}
	if len(patterns) != 1 {
		t.Errorf("got %d patterns, want exactly 1 after duplicate save", len(patterns))
	}
}

func TestSessionPatternScoping(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	save := func(scope, session, value string) {
		t.Helper()
		err := store.SavePattern(ctx, &Pattern{
			ToolID: "run_shell", Kind: "approve", MatchType: "exact",
			Value: value, Scope: scope, SessionID: session,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	save("workspace", "", "go build")
	save("session", "sess-a", "go test")
	save("session", "sess-b", "go vet")

	patterns, err := store.ListPatterns(ctx, "run_shell", "sess-a")
	if err != nil {
		t.Fatal(err)
	}
	values := make(map[string]bool)
	for _, p := range patterns {
		values[p.Value] = true
	}
	if !values["go build"] || !values["go test"] || values["go vet"] {
		t.Errorf("sess-a sees %v, want workspace + own session only", values)
	}

	// Ending a session drops only its patterns.
	count, err := store.DeleteSessionPatterns(ctx, "sess-a")
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("deleted %d, want 1", count)
	}
	remaining, _ := store.AllPatterns(ctx)
	if len(remaining) != 2 {
		t.Errorf("remaining = %d, want 2", len(remaining))
	}
}

func TestAuditAppendAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := &AuditEntry{
		CorrelationID:  "corr-1",
		ToolID:         "run_shell",
		ArgsDigest:     "abc123",
		Classification: "read:in",
		Mode:           "build",
		Trust:          "balanced",
		Decision:       "auto_approve",
		Outcome:        "executed",
		LatencyMS:      42,
	}
	if err := store.AppendAudit(ctx, entry); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
	if entry.ID == 0 {
		t.Error("AppendAudit should set the row id")
	}

	entries, err := store.ListAudit(ctx, "corr-1", 10)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(entries) != 1 || entries[0].Decision != "auto_approve" || entries[0].LatencyMS != 42 {
		t.Errorf("entries = %+v", entries)
	}

	count, err := store.CountAudit(ctx, "corr-1")
	if err != nil || count != 1 {
		t.Errorf("CountAudit = %d, %v", count, err)
	}
}

func TestMCPPolicyRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := &MCPPolicy{Server: "files", Tool: "write", Risk: "risky", NeedsApproval: true}
	if err := store.UpsertMCPPolicy(ctx, p); err != nil {
		t.Fatalf("UpsertMCPPolicy: %v", err)
	}

	got, err := store.GetMCPPolicy(ctx, "files", "write")
	if err != nil {
		t.Fatalf("GetMCPPolicy: %v", err)
	}
	if got == nil || got.Risk != "risky" || !got.NeedsApproval {
		t.Errorf("got = %+v", got)
	}

	// Overrides are user-writable, unlike the builtin matrix.
	p.Risk = "dangerous"
	if err := store.UpsertMCPPolicy(ctx, p); err != nil {
		t.Fatalf("UpsertMCPPolicy update: %v", err)
	}
	got, _ = store.GetMCPPolicy(ctx, "files", "write")
	if got.Risk != "dangerous" {
		t.Errorf("Risk = %q after update", got.Risk)
	}

	missing, err := store.GetMCPPolicy(ctx, "files", "absent")
	if err != nil || missing != nil {
		t.Errorf("missing = %+v, %v", missing, err)
	}
}

func TestSessionMetaAndUsage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	meta := &SessionMeta{
		ID: "sess-1", Workspace: "/w", Provider: "openai", Model: "gpt-test",
		Mode: "build", Trust: "balanced", WorkingDir: "/w",
	}
	if err := store.UpsertSessionMeta(ctx, meta); err != nil {
		t.Fatalf("UpsertSessionMeta: %v", err)
	}

	if err := store.SetSessionUsage(ctx, &SessionUsage{SessionID: "sess-1", InputTokens: 100, OutputTokens: 50, Cost: 0.01}); err != nil {
		t.Fatalf("SetSessionUsage: %v", err)
	}
	usage, err := store.GetSessionUsage(ctx, "sess-1")
	if err != nil || usage.InputTokens != 100 {
		t.Errorf("usage = %+v, %v", usage, err)
	}

	sessions, err := store.ListSessionMeta(ctx, "/w")
	if err != nil || len(sessions) != 1 {
		t.Fatalf("ListSessionMeta = %v, %v", sessions, err)
	}

	if err := store.DeleteSessionMeta(ctx, "sess-1"); err != nil {
		t.Fatalf("DeleteSessionMeta: %v", err)
	}
	sessions, _ = store.ListSessionMeta(ctx, "/w")
	if len(sessions) != 0 {
		t.Error("session row should be gone")
	}
}

func TestReopenExistingDatabase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.db")

	store, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	version, err := store.SchemaVersion()
	if err != nil {
		t.Fatal(err)
	}
	store.Close()

	store2, err := New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store2.Close()

	version2, err := store2.SchemaVersion()
	if err != nil {
		t.Fatal(err)
	}
	if version2 != version {
		t.Errorf("schema version changed on reopen: %d → %d", version, version2)
	}
}

func TestSettings(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SetSetting(ctx, "active_session", "sess-9"); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetSetting(ctx, "active_session")
	if err != nil || got != "sess-9" {
		t.Errorf("GetSetting = %q, %v", got, err)
	}
	missing, err := store.GetSetting(ctx, "absent")
	if err != nil || missing != "" {
		t.Errorf("missing = %q, %v", missing, err)
	}
}
