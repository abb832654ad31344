package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ScheduleEntry describes one recurring job. Interval also sizes the
// idempotency bucket, so two scheduler processes ticking the same entry
// collapse to a single job per interval window.
type ScheduleEntry struct {
	Name     string         `yaml:"name"`
	JobType  string         `yaml:"job_type"`
	Queue    string         `yaml:"queue"`
	Interval time.Duration  `yaml:"interval"`
	Kwargs   map[string]any `yaml:"kwargs"`
}

type scheduleFile struct {
	Schedules []ScheduleEntry `yaml:"schedules"`
}

// LoadSchedules reads schedule entries from a YAML file. An empty path
// returns no entries; callers merge these with built-in defaults.
func LoadSchedules(path string) ([]ScheduleEntry, error) {
	if path == "" {
		return nil, nil
	}
	content, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadSchedules: %w", err)
	}
	var f scheduleFile
	if err := yaml.Unmarshal(content, &f); err != nil {
		return nil, fmt.Errorf("op=config.LoadSchedules: %w", err)
	}
	for i, s := range f.Schedules {
		if s.Name == "" || s.JobType == "" {
			return nil, fmt.Errorf("op=config.LoadSchedules: entry %d missing name or job_type", i)
		}
		if s.Interval <= 0 {
			return nil, fmt.Errorf("op=config.LoadSchedules: entry %q interval must be positive", s.Name)
		}
	}
	return f.Schedules, nil
}
