package config

import (
	"time"

	"github.com/cwygoda/transcriptd/internal/domain"
)

const (
	DriverSQLite = "sqlite"
	DriverBadger = "badger"

	GeneratorCommand = "command"
	GeneratorHTTP    = "http"
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: Server{
			Bind: "127.0.0.1:8080",
		},
		Storage: Storage{
			Driver: DriverSQLite,
		},
		Sync: Sync{
			Timeout: 60 * time.Second,
		},
		Retry: Retry{
			BaseDelay:   domain.DefaultBaseDelay,
			MaxDelay:    domain.DefaultMaxDelay,
			MaxAttempts: domain.DefaultMaxAttempts,
		},
		Worker: Worker{
			Interval:          5 * time.Minute,
			Limit:             25,
			Concurrency:       1,
			ProcessingTimeout: 15 * time.Minute,
			SafetyNetDelay:    5 * time.Minute,
			RunOnStart:        true,
		},
		Logging: Logging{
			Level:  "info",
			Format: "auto",
		},
		Mentors: defaultMentors(),
	}
}

func theme(category, intensity string, triggers ...string) ThemeConfig {
	return ThemeConfig{TopicCategory: category, Intensity: intensity, Triggers: triggers}
}

func defaultMentors() []MentorConfig {
	return []MentorConfig{
		{Slug: "atlas", Themes: []ThemeConfig{
			theme("focus", "medium", "Anxious & Overthinking", "Feeling Stuck"),
			theme("mindset", "medium", "In Transition", "Self-Doubt"),
			theme("business", "medium", "In Transition", "Avoiding Action"),
		}},
		{Slug: "darius", Themes: []ThemeConfig{
			theme("discipline", "strong", "Avoiding Action", "Needing Discipline", "Unmotivated"),
			theme("business", "medium", "Feeling Stuck", "In Transition"),
		}},
		{Slug: "eli", Themes: []ThemeConfig{
			theme("confidence", "soft", "Self-Doubt", "Heavy or Low"),
			theme("mindset", "medium", "Heavy or Low", "Emotionally Hurt"),
		}},
		{Slug: "nova", Themes: []ThemeConfig{
			theme("mindset", "medium", "Anxious & Overthinking", "Feeling Stuck"),
			theme("focus", "medium", "Avoiding Action", "Exhausted"),
		}},
		{Slug: "sienna", Themes: []ThemeConfig{
			theme("mindset", "soft", "Emotionally Hurt", "Heavy or Low"),
			theme("confidence", "soft", "Self-Doubt", "Heavy or Low"),
		}},
		{Slug: "lumi", Themes: []ThemeConfig{
			theme("confidence", "soft", "Self-Doubt", "Anxious & Overthinking"),
			theme("mindset", "soft", "Heavy or Low", "Unmotivated"),
		}},
		{Slug: "kai", Themes: []ThemeConfig{
			theme("discipline", "medium", "Needing Discipline", "Unmotivated"),
			theme("physique", "medium", "Unmotivated", "Feeling Stuck"),
		}},
		{Slug: "stryker", Themes: []ThemeConfig{
			theme("physique", "strong", "Unmotivated", "Needing Discipline", "Frustrated"),
			theme("business", "strong", "Motivated & Ready", "Feeling Stuck"),
		}},
		{Slug: "solace", Themes: []ThemeConfig{
			theme("mindset", "soft", "Heavy or Low", "Emotionally Hurt"),
			theme("focus", "soft", "Anxious & Overthinking", "Feeling Stuck"),
		}},
	}
}
