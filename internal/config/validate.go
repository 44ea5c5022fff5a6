package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

func (c *Config) normalize() error {
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverSQLite
	}
	if c.Storage.Path == "" {
		c.Storage.Path = DefaultDBPath(c.Storage.Driver)
	}
	var err error
	if c.Storage.Path, err = ExpandPath(c.Storage.Path); err != nil {
		return fmt.Errorf("storage.path: %w", err)
	}
	if c.Logging.File, err = ExpandPath(c.Logging.File); err != nil {
		return fmt.Errorf("logging.file: %w", err)
	}

	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = "auto"
	}

	for i := range c.Generators {
		g := &c.Generators[i]
		g.Kind = strings.ToLower(strings.TrimSpace(g.Kind))
		if g.Kind == "" {
			g.Kind = GeneratorCommand
		}
		if g.WorkDir != "" {
			if g.WorkDir, err = ExpandPath(g.WorkDir); err != nil {
				return fmt.Errorf("generators[%d].work_dir: %w", i, err)
			}
		}
	}
	return nil
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateRetry(); err != nil {
		return err
	}
	if err := c.validateWorker(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateMentors(); err != nil {
		return err
	}
	return c.validateGenerators()
}

func (c *Config) validateStorage() error {
	switch c.Storage.Driver {
	case DriverSQLite, DriverBadger:
		return nil
	default:
		return fmt.Errorf("storage.driver: unsupported value %q", c.Storage.Driver)
	}
}

func (c *Config) validateRetry() error {
	if c.Retry.BaseDelay <= 0 {
		return errors.New("retry.base_delay must be positive")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return errors.New("retry.max_delay must not be below retry.base_delay")
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be at least 1")
	}
	if c.Sync.Timeout <= 0 {
		return errors.New("sync.timeout must be positive")
	}
	return nil
}

func (c *Config) validateWorker() error {
	if c.Worker.Interval <= 0 {
		return errors.New("worker.interval must be positive")
	}
	if c.Worker.Limit < 1 || c.Worker.Limit > 100 {
		return errors.New("worker.limit must be between 1 and 100")
	}
	if c.Worker.Concurrency < 1 {
		return errors.New("worker.concurrency must be at least 1")
	}
	if c.Worker.ProcessingTimeout <= c.Sync.Timeout {
		return errors.New("worker.processing_timeout must exceed sync.timeout")
	}
	if c.Worker.SafetyNetDelay <= 0 {
		return errors.New("worker.safety_net_delay must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "auto", "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	return nil
}

func (c *Config) validateMentors() error {
	seen := make(map[string]struct{}, len(c.Mentors))
	for i, m := range c.Mentors {
		if strings.TrimSpace(m.Slug) == "" {
			return fmt.Errorf("mentors[%d]: slug is required", i)
		}
		if _, dup := seen[m.Slug]; dup {
			return fmt.Errorf("mentors[%d]: duplicate slug %q", i, m.Slug)
		}
		seen[m.Slug] = struct{}{}
		for j, th := range m.Themes {
			if strings.TrimSpace(th.TopicCategory) == "" {
				return fmt.Errorf("mentors[%d].themes[%d]: topic_category is required", i, j)
			}
		}
	}
	return nil
}

func (c *Config) validateGenerators() error {
	for i, g := range c.Generators {
		if g.Name == "" {
			return fmt.Errorf("generators[%d]: name is required", i)
		}
		if _, err := regexp.Compile(g.Pattern); err != nil {
			return fmt.Errorf("generators[%d]: invalid pattern %q: %w", i, g.Pattern, err)
		}
		switch g.Kind {
		case GeneratorCommand:
			if g.Command == "" {
				return fmt.Errorf("generators[%d]: command is required", i)
			}
		case GeneratorHTTP:
			if g.URL == "" {
				return fmt.Errorf("generators[%d]: url is required", i)
			}
		default:
			return fmt.Errorf("generators[%d]: unsupported kind %q", i, g.Kind)
		}
		if g.Timeout < 0 {
			return fmt.Errorf("generators[%d]: timeout must not be negative", i)
		}
	}
	return nil
}
