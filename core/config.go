package core

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Rule types accepted in configuration.
const (
	RuleTypeKind          = "kind"
	RuleTypeCEL           = "cel"
	RuleTypeIntrospection = "introspection"
)

// RuleConfig declares one affinity rule.
type RuleConfig struct {
	Name   string   `yaml:"name"`
	Type   string   `yaml:"type"`
	Kinds  []string `yaml:"kinds,omitempty"`
	Expr   string   `yaml:"expr,omitempty"`
	Reason string   `yaml:"reason,omitempty"`
}

// Config is the engine configuration. Durations are Go duration strings.
type Config struct {
	MaxBackgroundWorkers int           `yaml:"maxBackgroundWorkers"`
	DefaultTimeout       time.Duration `yaml:"defaultTimeout"`
	MainThreadTimeout    time.Duration `yaml:"mainThreadTimeout"`
	HistoryCapacity      int           `yaml:"historyCapacity"`
	Host                 string        `yaml:"host"`
	MirrorOutput         bool          `yaml:"mirrorOutput"`

	// UnsafeMarkers feed introspection rules; empty selects the defaults.
	UnsafeMarkers []string `yaml:"unsafeMarkers,omitempty"`
	// ViolationIndicators re-classify background failures; empty selects the defaults.
	ViolationIndicators []string `yaml:"violationIndicators,omitempty"`

	Rules []RuleConfig `yaml:"rules"`
}

// DefaultConfig returns the built-in configuration: four workers, a 30s
// affinity-thread timeout, no background timeout and the default rules.
func DefaultConfig() Config {
	return Config{
		MaxBackgroundWorkers: DefaultBackgroundWorkers,
		MainThreadTimeout:    30 * time.Second,
		HistoryCapacity:      DefaultHistoryCapacity,
		Host:                 "standalone",
		Rules: []RuleConfig{
			{
				Name:   "unsafe-kinds",
				Type:   RuleTypeKind,
				Kinds:  []string{KindUnsafeEval, KindNativeUnsafe, KindInterpretedB},
				Reason: "kind requires the affinity thread",
			},
			{
				Name:   "ui-toolkit-markers",
				Type:   RuleTypeIntrospection,
				Reason: "source references a UI toolkit",
			},
		},
	}
}

// LoadConfig reads a YAML file from fs on top of DefaultConfig. A missing
// file yields the defaults.
func LoadConfig(fs afero.Fs, path string) (Config, error) {
	cfg := DefaultConfig()
	if fs == nil {
		fs = afero.NewOsFs()
	}

	data, err := afero.ReadFile(fs, path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks value ranges and that every rule can be built.
func (c Config) Validate() error {
	var errs []error
	if c.MaxBackgroundWorkers < 1 || c.MaxBackgroundWorkers > maxBackgroundWorkers {
		errs = append(errs, fmt.Errorf("maxBackgroundWorkers must be in [1, %d], got %d", maxBackgroundWorkers, c.MaxBackgroundWorkers))
	}
	if c.DefaultTimeout < 0 {
		errs = append(errs, errors.New("defaultTimeout must not be negative"))
	}
	if c.MainThreadTimeout < 0 {
		errs = append(errs, errors.New("mainThreadTimeout must not be negative"))
	}
	if c.HistoryCapacity < 0 {
		errs = append(errs, errors.New("historyCapacity must not be negative"))
	}

	seen := make(map[string]bool, len(c.Rules))
	for i, rc := range c.Rules {
		if rc.Name == "" {
			errs = append(errs, fmt.Errorf("rules[%d]: name is required", i))
		} else if seen[rc.Name] {
			errs = append(errs, fmt.Errorf("rules[%d]: duplicate name %q", i, rc.Name))
		}
		seen[rc.Name] = true

		if _, err := rc.build(nil); err != nil {
			errs = append(errs, fmt.Errorf("rules[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// BuildRules turns the rule declarations into rules, in declaration order.
// introspector backs introspection rules.
func (c Config) BuildRules(introspector ContentIntrospector) ([]AffinityRule, error) {
	rules := make([]AffinityRule, 0, len(c.Rules))
	for i, rc := range c.Rules {
		rule, err := rc.build(introspector)
		if err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func (rc RuleConfig) build(introspector ContentIntrospector) (AffinityRule, error) {
	switch rc.Type {
	case RuleTypeKind:
		if len(rc.Kinds) == 0 {
			return nil, fmt.Errorf("kind rule %q lists no kinds", rc.Name)
		}
		return NewKindRule(rc.Name, rc.Reason, rc.Kinds...), nil
	case RuleTypeCEL:
		if rc.Expr == "" {
			return nil, fmt.Errorf("cel rule %q has no expr", rc.Name)
		}
		return NewCELRule(rc.Name, rc.Reason, rc.Expr)
	case RuleTypeIntrospection:
		if introspector == nil {
			introspector = NewMarkerScanner(afero.NewMemMapFs(), nil)
		}
		return NewIntrospectionRule(rc.Name, rc.Reason, introspector), nil
	default:
		return nil, fmt.Errorf("unknown rule type %q", rc.Type)
	}
}
