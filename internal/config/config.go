package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/interspecies/probed/internal/instance"
	"github.com/interspecies/probed/pkg/types"
)

const (
	envConfigPath     = "PROBED_CONFIG"
	DefaultConfigPath = "/etc/probed/probed.yaml"
)

type Config struct {
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Instances    []InstanceConfig   `yaml:"instances"`
	Scorer       ScorerConfig       `yaml:"scorer"`
	Reference    ReferenceConfig    `yaml:"reference"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
	Store        StoreConfig        `yaml:"store"`
	Log          LogConfig          `yaml:"log"`
}

type OrchestratorConfig struct {
	Name            string        `yaml:"name"`
	Requester       string        `yaml:"requester"`
	SubscribeAddr   string        `yaml:"subscribe_addr"`
	PublishAddr     string        `yaml:"publish_addr"`
	PublishConnect  bool          `yaml:"publish_connect"`
	TrialDuration   time.Duration `yaml:"trial_duration"`
	StatisticKey    string        `yaml:"statistic_key"`
	Workers         int           `yaml:"workers"`
	QueueSize       int           `yaml:"queue_size"`
	OutboxSize      int           `yaml:"outbox_size"`
	RateLimit       float64       `yaml:"rate_limit"`
	Burst           int           `yaml:"burst"`
	HonorConfidence bool          `yaml:"honor_confidence"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
}

type InstanceConfig struct {
	Name             string        `yaml:"name"`
	SubscribeAddr    string        `yaml:"subscribe_addr"`
	PublishAddr      string        `yaml:"publish_addr"`
	PublishConnect   bool          `yaml:"publish_connect"`
	TelemetryKind    string        `yaml:"telemetry_kind"`
	DefaultBehaviour string        `yaml:"default_behaviour"`
	PublishPeriod    time.Duration `yaml:"publish_period"`
	Publish          *bool         `yaml:"publish"`
}

// Publishes reports whether the instance gets a behaviour heartbeat. Unset means yes.
func (c InstanceConfig) Publishes() bool {
	return c.Publish == nil || *c.Publish
}

type ScorerConfig struct {
	Components int       `yaml:"components"`
	Domain     []float64 `yaml:"domain"`
}

type ReferenceConfig struct {
	File      string    `yaml:"file"`
	Signature string    `yaml:"signature"`
	PublicKey string    `yaml:"public_key"`
	Reference []float64 `yaml:"reference"`
	Modulated []float64 `yaml:"modulated"`
}

type MonitoringConfig struct {
	Addr       string        `yaml:"addr"`
	AdminToken string        `yaml:"admin_token"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

type StoreConfig struct {
	DatabaseURL string `yaml:"database_url"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the settings used for keys absent from the file.
func Default() Config {
	return Config{
		Orchestrator: OrchestratorConfig{
			Name:          "FishManager",
			TrialDuration: 30 * time.Second,
			StatisticKey:  "fishclockwisepercent",
			Workers:       4,
			QueueSize:     16,
			OutboxSize:    256,
			RetryDelay:    time.Second,
		},
		Scorer:     ScorerConfig{Components: 1, Domain: []float64{0, 1}},
		Monitoring: MonitoringConfig{StaleAfter: time.Minute},
		Log:        LogConfig{Level: "info", Format: "text"},
	}
}

func Load(ctx context.Context, path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %q: %w", path, err)
	}
	return cfg, nil
}

func LoadFromEnv(ctx context.Context) (Config, error) {
	path := os.Getenv(envConfigPath)
	if path == "" {
		path = DefaultConfigPath
	}
	return Load(ctx, path)
}

func (c *Config) applyDefaults() {
	for i := range c.Instances {
		inst := &c.Instances[i]
		inst.Name = strings.TrimSpace(inst.Name)
		if inst.TelemetryKind == "" {
			inst.TelemetryKind = types.KindStatistics
		}
		if inst.DefaultBehaviour == "" {
			inst.DefaultBehaviour = string(instance.Idle)
		}
		if inst.PublishPeriod == 0 {
			inst.PublishPeriod = time.Second
		}
	}
}

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var errs []error
	o := c.Orchestrator
	if strings.TrimSpace(o.SubscribeAddr) == "" {
		errs = append(errs, errors.New("orchestrator.subscribe_addr is required"))
	}
	if strings.TrimSpace(o.PublishAddr) == "" {
		errs = append(errs, errors.New("orchestrator.publish_addr is required"))
	}
	if o.TrialDuration < 0 {
		errs = append(errs, errors.New("orchestrator.trial_duration must not be negative"))
	}
	if o.RateLimit < 0 {
		errs = append(errs, errors.New("orchestrator.rate_limit must not be negative"))
	}

	if len(c.Instances) == 0 {
		errs = append(errs, errors.New("at least one instance is required"))
	}
	seen := make(map[string]bool, len(c.Instances))
	for i, inst := range c.Instances {
		name := strings.ToLower(strings.TrimSpace(inst.Name))
		label := fmt.Sprintf("instances[%d]", i)
		if name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", label))
		} else if seen[name] {
			errs = append(errs, fmt.Errorf("%s: duplicate instance name %q", label, name))
		}
		seen[name] = true
		if strings.TrimSpace(inst.SubscribeAddr) == "" {
			errs = append(errs, fmt.Errorf("%s.subscribe_addr is required", label))
		}
		if inst.Publishes() && strings.TrimSpace(inst.PublishAddr) == "" {
			errs = append(errs, fmt.Errorf("%s.publish_addr is required when publishing", label))
		}
		if inst.TelemetryKind != "" &&
			!strings.EqualFold(inst.TelemetryKind, types.KindStatistics) &&
			!strings.EqualFold(inst.TelemetryKind, types.KindRobotTargetPosition) {
			errs = append(errs, fmt.Errorf("%s.telemetry_kind %q is not supported", label, inst.TelemetryKind))
		}
		if inst.DefaultBehaviour != "" {
			if _, err := instance.ParseBehaviour(inst.DefaultBehaviour); err != nil {
				errs = append(errs, fmt.Errorf("%s.default_behaviour: %w", label, err))
			}
		}
		if inst.PublishPeriod < 0 {
			errs = append(errs, fmt.Errorf("%s.publish_period must not be negative", label))
		}
	}

	if d := c.Scorer.Domain; len(d) != 0 && (len(d) != 2 || d[0] >= d[1]) {
		errs = append(errs, errors.New("scorer.domain must be [low, high] with low < high"))
	}
	if c.Scorer.Components < 0 {
		errs = append(errs, errors.New("scorer.components must not be negative"))
	}
	if c.Monitoring.Addr != "" && c.Monitoring.AdminToken == "" {
		errs = append(errs, errors.New("monitoring.admin_token is required when monitoring.addr is set"))
	}
	return errors.Join(errs...)
}
