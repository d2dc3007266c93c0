package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func writeSettings(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(dir, Dir), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(SettingsPath(dir), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	s, err := Load(New(dir))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.ProjectDir != dir || s.Provider != "claude" || s.Agents != 1 || !s.Worktrees || !s.AutoPush {
		t.Fatalf("defaults = %+v", s)
	}
	if s.PollInterval != 10*time.Second || s.Timeout != time.Hour || s.SpawnStagger != 5*time.Second {
		t.Fatalf("duration defaults = %v %v %v", s.PollInterval, s.Timeout, s.SpawnStagger)
	}
	if s.MaxTasks != 50 || s.MaxEmptyPolls != 10 || s.DefaultBranch != "main" {
		t.Fatalf("limits = %+v", s)
	}
}

func TestPrecedence(t *testing.T) {
	dir := t.TempDir()
	writeSettings(t, dir, `{
		"provider": "codex",
		"agents": 4,
		"workspace_id": "ws-file",
		"poll_interval": "30s",
		"model": "file-model"
	}`)
	t.Setenv("LOCUS_AGENTS", "6")
	t.Setenv("LOCUS_WORKSPACE_ID", "ws-env")

	v := New(dir)
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String(FlagName(KeyWorkspaceID), "", "")
	fs.String(FlagName(KeyModel), "", "")
	fs.Int(FlagName(KeyAgents), 1, "")
	fs.Bool("unrelated", false, "")
	if err := BindFlags(v, fs); err != nil {
		t.Fatal(err)
	}
	if err := fs.Parse([]string{"--workspace-id", "ws-flag"}); err != nil {
		t.Fatal(err)
	}

	s, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Provider != "codex" || s.PollInterval != 30*time.Second {
		t.Fatalf("file values not applied: %+v", s)
	}
	if s.Agents != 6 {
		t.Fatalf("Agents = %d, want env override", s.Agents)
	}
	if s.WorkspaceID != "ws-flag" {
		t.Fatalf("WorkspaceID = %q, want flag override", s.WorkspaceID)
	}
	// An unset flag does not mask the file.
	if s.Model != "file-model" {
		t.Fatalf("Model = %q", s.Model)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	writeSettings(t, dir, `{"agents": `)
	if _, err := Load(New(dir)); err == nil {
		t.Fatal("malformed settings should fail")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Settings {
		s, err := Load(New(t.TempDir()))
		if err != nil {
			t.Fatal(err)
		}
		s.WorkspaceID = "ws"
		s.APIURL = "https://api.example.com"
		s.APIKey = "key"
		return s
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("valid settings rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Settings)
		want   string
	}{
		{"no workspace", func(s *Settings) { s.WorkspaceID = "" }, "workspace id"},
		{"no store", func(s *Settings) { s.APIKey = "" }, "task store"},
		{"zero agents", func(s *Settings) { s.Agents = 0 }, "agents"},
		{"zero timeout", func(s *Settings) { s.Timeout = 0 }, "positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(s)
			err := s.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want mention of %q", err, tt.want)
			}
		})
	}

	db := valid()
	db.APIURL, db.APIKey, db.DatabaseURL = "", "", "postgres://localhost/locus"
	if err := db.Validate(); err != nil {
		t.Fatalf("database-only settings rejected: %v", err)
	}
}
