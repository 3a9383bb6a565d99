package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ConsumerDefinition describes one custom consumer a worker runs in addition
// to (or instead of) its default queue consumer. Zero values fall back to the
// worker-level settings at runtime.
type ConsumerDefinition struct {
	ConsumerID              string `yaml:"consumerId" validate:"required"`
	RoutingPattern          string `yaml:"routingPattern"`
	MaxParallelJobs         int    `yaml:"maxParallelJobs" validate:"gte=0"`
	ExecutionTimeoutSeconds int    `yaml:"executionTimeoutSeconds" validate:"gte=0"`
	MaxRetries              int    `yaml:"maxRetries" validate:"gte=0"`
	BaseRetryDelaySeconds   int    `yaml:"baseRetryDelaySeconds" validate:"gte=0"`
}

type consumersFile struct {
	Consumers []ConsumerDefinition `yaml:"consumers"`
}

// LoadConsumers reads custom consumer definitions from a YAML file. A missing
// path returns an empty slice so callers can treat the file as optional.
func LoadConsumers(path string) ([]ConsumerDefinition, error) {
	if path == "" {
		return nil, nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadConsumers: resolve path: %w", err)
	}
	if _, err := os.Stat(abs); os.IsNotExist(err) {
		return nil, nil
	}
	data, err := os.ReadFile(abs) // #nosec G304 - path comes from deployment config
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadConsumers: read %s: %w", abs, err)
	}
	var f consumersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("op=config.LoadConsumers: parse %s: %w", abs, err)
	}
	seen := make(map[string]struct{}, len(f.Consumers))
	for i, c := range f.Consumers {
		if err := validate(c); err != nil {
			return nil, fmt.Errorf("op=config.LoadConsumers: consumer %d: %w", i, err)
		}
		if _, dup := seen[c.ConsumerID]; dup {
			return nil, fmt.Errorf("op=config.LoadConsumers: duplicate consumerId %q", c.ConsumerID)
		}
		seen[c.ConsumerID] = struct{}{}
	}
	return f.Consumers, nil
}
