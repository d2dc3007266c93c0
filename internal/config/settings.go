// Package config loads orchestrator settings from defaults, the project's
// .locus/settings.json, LOCUS_* environment variables and command-line flags,
// in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// Dir is the per-project settings directory.
	Dir = ".locus"
	// FileName is the settings file inside Dir.
	FileName  = "settings.json"
	envPrefix = "LOCUS"
)

// Setting keys. Flags bound with BindFlags use the same names with "_"
// replaced by "-".
const (
	KeyProvider        = "provider"
	KeyModel           = "model"
	KeyReasoningEffort = "reasoning_effort"
	KeyAgents          = "agents"
	KeyWorktrees       = "worktrees"
	KeyAutoPush        = "auto_push"
	KeyKeepWorktrees   = "keep_worktrees"
	KeyDefaultBranch   = "default_branch"
	KeyAPIURL          = "api_url"
	KeyAPIKey          = "api_key"
	KeyWorkspaceID     = "workspace_id"
	KeySprint          = "sprint"
	KeyDatabaseURL     = "database_url"
	KeyPollInterval    = "poll_interval"
	KeyMaxTasks        = "max_tasks"
	KeyMaxEmptyPolls   = "max_empty_polls"
	KeyTimeout         = "timeout"
	KeyLeaseDuration   = "lease_duration"
	KeySpawnStagger    = "spawn_stagger"
	KeyMetricsAddr     = "metrics_addr"
	KeyStream          = "stream"
)

var defaults = map[string]any{
	KeyProvider:      "claude",
	KeyAgents:        1,
	KeyWorktrees:     true,
	KeyAutoPush:      true,
	KeyKeepWorktrees: false,
	KeyDefaultBranch: "main",
	KeyPollInterval:  10 * time.Second,
	KeyMaxTasks:      50,
	KeyMaxEmptyPolls: 10,
	KeyTimeout:       time.Hour,
	KeyLeaseDuration: time.Hour,
	KeySpawnStagger:  5 * time.Second,
	KeyStream:        false,
}

// Settings is the resolved configuration.
type Settings struct {
	ProjectDir string

	Provider        string
	Model           string
	ReasoningEffort string

	Agents        int
	Worktrees     bool
	AutoPush      bool
	KeepWorktrees bool
	DefaultBranch string

	APIURL      string
	APIKey      string
	WorkspaceID string
	Sprint      string
	DatabaseURL string

	PollInterval  time.Duration
	MaxTasks      int
	MaxEmptyPolls int
	Timeout       time.Duration
	LeaseDuration time.Duration
	SpawnStagger  time.Duration

	MetricsAddr string
	Stream      bool
}

// New returns a viper instance with defaults, the project settings file
// location and LOCUS_* environment binding configured. Call Load after
// binding flags.
func New(projectDir string) *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
	v.SetConfigType("json")
	v.AddConfigPath(filepath.Join(projectDir, Dir))
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	v.Set("project_dir", projectDir)
	return v
}

// FlagName is the command-line flag for a setting key.
func FlagName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}

// BindFlags binds every flag in fs whose name matches a setting key.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if !isKey(key) {
			return
		}
		if err := v.BindPFlag(key, f); err != nil {
			errs = append(errs, fmt.Errorf("binding --%s: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}

var allKeys = []string{
	KeyProvider, KeyModel, KeyReasoningEffort, KeyAgents, KeyWorktrees, KeyAutoPush,
	KeyKeepWorktrees, KeyDefaultBranch, KeyAPIURL, KeyAPIKey, KeyWorkspaceID, KeySprint,
	KeyDatabaseURL, KeyPollInterval, KeyMaxTasks, KeyMaxEmptyPolls, KeyTimeout,
	KeyLeaseDuration, KeySpawnStagger, KeyMetricsAddr, KeyStream,
}

func isKey(key string) bool {
	for _, k := range allKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Load reads the settings file (a missing file is fine) and resolves every
// key.
func Load(v *viper.Viper) (*Settings, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading %s: %w", filepath.Join(Dir, FileName), err)
		}
	}
	s := &Settings{
		ProjectDir:      v.GetString("project_dir"),
		Provider:        v.GetString(KeyProvider),
		Model:           v.GetString(KeyModel),
		ReasoningEffort: v.GetString(KeyReasoningEffort),
		Agents:          v.GetInt(KeyAgents),
		Worktrees:       v.GetBool(KeyWorktrees),
		AutoPush:        v.GetBool(KeyAutoPush),
		KeepWorktrees:   v.GetBool(KeyKeepWorktrees),
		DefaultBranch:   v.GetString(KeyDefaultBranch),
		APIURL:          v.GetString(KeyAPIURL),
		APIKey:          v.GetString(KeyAPIKey),
		WorkspaceID:     v.GetString(KeyWorkspaceID),
		Sprint:          v.GetString(KeySprint),
		DatabaseURL:     v.GetString(KeyDatabaseURL),
		PollInterval:    v.GetDuration(KeyPollInterval),
		MaxTasks:        v.GetInt(KeyMaxTasks),
		MaxEmptyPolls:   v.GetInt(KeyMaxEmptyPolls),
		Timeout:         v.GetDuration(KeyTimeout),
		LeaseDuration:   v.GetDuration(KeyLeaseDuration),
		SpawnStagger:    v.GetDuration(KeySpawnStagger),
		MetricsAddr:     v.GetString(KeyMetricsAddr),
		Stream:          v.GetBool(KeyStream),
	}
	return s, nil
}

// Validate checks the settings needed before any agent work starts.
func (s *Settings) Validate() error {
	var errs []error
	if strings.TrimSpace(s.WorkspaceID) == "" {
		errs = append(errs, errors.New("workspace id is required (--workspace-id or LOCUS_WORKSPACE_ID)"))
	}
	if s.DatabaseURL == "" && (s.APIURL == "" || s.APIKey == "") {
		errs = append(errs, errors.New("a task store is required: set --api-url and --api-key, or --database-url"))
	}
	if s.Agents < 1 {
		errs = append(errs, fmt.Errorf("agents must be at least 1, got %d", s.Agents))
	}
	if s.MaxTasks < 1 {
		errs = append(errs, fmt.Errorf("max tasks must be at least 1, got %d", s.MaxTasks))
	}
	if s.MaxEmptyPolls < 1 {
		errs = append(errs, fmt.Errorf("max empty polls must be at least 1, got %d", s.MaxEmptyPolls))
	}
	if s.PollInterval <= 0 || s.Timeout <= 0 || s.LeaseDuration <= 0 {
		errs = append(errs, errors.New("poll interval, timeout and lease duration must be positive"))
	}
	if s.DefaultBranch == "" {
		errs = append(errs, errors.New("default branch is required"))
	}
	return errors.Join(errs...)
}

// SettingsPath is the settings file of projectDir.
func SettingsPath(projectDir string) string {
	return filepath.Join(projectDir, Dir, FileName)
}
