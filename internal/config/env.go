package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// lookupFunc matches os.LookupEnv.
type lookupFunc func(key string) (string, bool)

// applyEnv overrides file values with TRANSCRIPTD_* environment variables.
func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("TRANSCRIPTD_BIND", &c.Server.Bind)
	str("TRANSCRIPTD_SERVICE_KEY", &c.Server.ServiceKey)
	str("TRANSCRIPTD_STORAGE_DRIVER", &c.Storage.Driver)
	str("TRANSCRIPTD_DB", &c.Storage.Path)
	str("TRANSCRIPTD_SYNC_URL", &c.Sync.URL)
	str("TRANSCRIPTD_SYNC_API_KEY", &c.Sync.APIKey)
	str("TRANSCRIPTD_LOG_LEVEL", &c.Logging.Level)
	str("TRANSCRIPTD_LOG_FORMAT", &c.Logging.Format)

	if v, ok := lookup("TRANSCRIPTD_WORKER_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("TRANSCRIPTD_WORKER_INTERVAL: %w", err)
		}
		c.Worker.Interval = d
	}
	if v, ok := lookup("TRANSCRIPTD_WORKER_LIMIT"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TRANSCRIPTD_WORKER_LIMIT: %w", err)
		}
		c.Worker.Limit = n
	}
	return nil
}
