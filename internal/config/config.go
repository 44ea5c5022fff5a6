package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cwygoda/transcriptd/internal/domain"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

//go:embed sample_config.toml
var sampleConfig string

// Config holds application configuration.
type Config struct {
	Server     Server            `toml:"server"`
	Storage    Storage           `toml:"storage"`
	Sync       Sync              `toml:"sync"`
	Retry      Retry             `toml:"retry"`
	Worker     Worker            `toml:"worker"`
	Logging    Logging           `toml:"logging"`
	Mentors    []MentorConfig    `toml:"mentors"`
	Generators []GeneratorConfig `toml:"generators"`
}

// Server configures the HTTP surface.
type Server struct {
	Bind       string `toml:"bind"`
	ServiceKey string `toml:"service_key"`
}

// Storage selects the persistence engine.
type Storage struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
}

// Sync configures the external transcript sync endpoint.
type Sync struct {
	URL     string        `toml:"url"`
	APIKey  string        `toml:"api_key"`
	Timeout time.Duration `toml:"timeout"`
}

// Retry holds the backoff tunables.
type Retry struct {
	BaseDelay   time.Duration `toml:"base_delay"`
	MaxDelay    time.Duration `toml:"max_delay"`
	MaxAttempts int           `toml:"max_attempts"`
}

// Worker configures the periodic retry loop.
type Worker struct {
	Interval          time.Duration `toml:"interval"`
	Limit             int           `toml:"limit"`
	Concurrency       int           `toml:"concurrency"`
	ProcessingTimeout time.Duration `toml:"processing_timeout"`
	SafetyNetDelay    time.Duration `toml:"safety_net_delay"`
	RunOnStart        bool          `toml:"run_on_start"`
}

// Logging configures log output.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// MentorConfig is one content voice and its theme rotation.
type MentorConfig struct {
	Slug   string        `toml:"slug"`
	Name   string        `toml:"name"`
	Active *bool         `toml:"active"`
	Themes []ThemeConfig `toml:"themes"`
}

// ThemeConfig is one entry of a mentor's rotation.
type ThemeConfig struct {
	TopicCategory string   `toml:"topic_category"`
	Intensity     string   `toml:"intensity"`
	Triggers      []string `toml:"triggers"`
}

// GeneratorConfig defines an audio generator for mentors matching Pattern.
// Kind "command" runs Command with Args; kind "http" posts to URL.
type GeneratorConfig struct {
	Name    string        `toml:"name"`
	Kind    string        `toml:"kind"`
	Pattern string        `toml:"pattern"`
	Command string        `toml:"command"`
	Args    []string      `toml:"args"`
	WorkDir string        `toml:"work_dir"`
	Isolate *bool         `toml:"isolate"`
	URL     string        `toml:"url"`
	APIKey  string        `toml:"api_key"`
	Timeout time.Duration `toml:"timeout"`
}

// DefaultConfigPath returns the config file location under XDG_CONFIG_HOME.
func DefaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "transcriptd", "config.toml")
}

// DefaultDBPath returns the default storage path using XDG_CACHE_HOME.
func DefaultDBPath(driver string) string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, _ := os.UserHomeDir()
		cacheDir = filepath.Join(home, ".cache")
	}
	if driver == DriverBadger {
		return filepath.Join(cacheDir, "transcriptd", "badger")
	}
	return filepath.Join(cacheDir, "transcriptd", "transcriptd.db")
}

// Load reads the config file (if present), applies environment overrides and
// validates the result. It returns the resolved path and whether the file
// existed.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		// Default mentors apply only when the file defines none.
		cfg.Mentors = nil
		md, err := toml.DecodeFile(resolvedPath, &cfg)
		if err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
		if !md.IsDefined("mentors") {
			cfg.Mentors = defaultMentors()
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, "", false, err
	}
	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path == "" {
		path = DefaultConfigPath()
	}
	expanded, err := ExpandPath(path)
	if err != nil {
		return "", false, err
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return expanded, false, nil
		}
		return "", false, fmt.Errorf("stat config: %w", err)
	}
	if info.IsDir() {
		return "", false, fmt.Errorf("config path %s is a directory", expanded)
	}
	return expanded, true, nil
}

// ExpandPath resolves a leading ~ and makes the path absolute.
func ExpandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}

// CreateSample writes a sample configuration file to path.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// RetryPolicy returns the configured backoff policy.
func (c *Config) RetryPolicy() domain.RetryPolicy {
	return domain.RetryPolicy{
		BaseDelay:   c.Retry.BaseDelay,
		MaxDelay:    c.Retry.MaxDelay,
		MaxAttempts: c.Retry.MaxAttempts,
	}
}

// DomainMentors returns the configured mentors. A missing name is derived
// from the slug.
func (c *Config) DomainMentors() []domain.Mentor {
	mentors := make([]domain.Mentor, 0, len(c.Mentors))
	for _, m := range c.Mentors {
		mentor := domain.Mentor{
			Slug:   m.Slug,
			Name:   m.Name,
			Active: m.Active == nil || *m.Active,
		}
		if mentor.Name == "" {
			mentor.Name = DisplayName(m.Slug)
		}
		for _, th := range m.Themes {
			mentor.Themes = append(mentor.Themes, domain.Theme{
				TopicCategory: th.TopicCategory,
				Intensity:     th.Intensity,
				Triggers:      append([]string(nil), th.Triggers...),
			})
		}
		mentors = append(mentors, mentor)
	}
	return mentors
}

// DisplayName turns a slug like "dr-kai" into "Dr Kai".
func DisplayName(slug string) string {
	words := strings.FieldsFunc(slug, func(r rune) bool { return r == '-' || r == '_' })
	return cases.Title(language.English).String(strings.Join(words, " "))
}
