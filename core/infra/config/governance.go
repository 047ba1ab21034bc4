package config

import (
	"embed"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/regsentinel/regsentinel/core/infra/schema"
)

const governanceSchemaFile = "schema/governance.schema.json"

//go:embed schema/*.json
var configSchemaFS embed.FS

// Governance holds the tunable policy-governance parameters shared by the
// pipeline, the gateway, and the CLI.
type Governance struct {
	Impact     ImpactConfig    `yaml:"impact"`
	Agents     AgentsConfig    `yaml:"agents"`
	Generation GenerationConfig `yaml:"generation"`
}

// ImpactConfig controls retrieval and severity bucketing.
type ImpactConfig struct {
	HighThreshold       float64 `yaml:"high_threshold"`
	MediumThreshold     float64 `yaml:"medium_threshold"`
	LowThreshold        float64 `yaml:"low_threshold"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	DomainBoost         float64 `yaml:"domain_boost"`
	TopK                int     `yaml:"top_k"`
}

// AgentsConfig fixes the generator ordering used for deterministic tie-breaks.
type AgentsConfig struct {
	Priority []string `yaml:"priority"`
}

// GenerationConfig bounds the critique loop and external drafting calls.
type GenerationConfig struct {
	MaxRounds           int   `yaml:"max_rounds"`
	DraftTimeoutSeconds int64 `yaml:"draft_timeout_seconds"`
	DraftRetries        int   `yaml:"draft_retries"`
}

// DraftTimeout returns the drafting call timeout as a duration.
func (g GenerationConfig) DraftTimeout() time.Duration {
	if g.DraftTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(g.DraftTimeoutSeconds) * time.Second
}

// DefaultGovernance returns the built-in parameter set used when no file is
// configured.
func DefaultGovernance() *Governance {
	return &Governance{
		Impact: ImpactConfig{
			HighThreshold:       0.85,
			MediumThreshold:     0.75,
			LowThreshold:        0.65,
			SimilarityThreshold: 0.65,
			DomainBoost:         1.2,
			TopK:                5,
		},
		Agents: AgentsConfig{
			Priority: []string{"drafter", "risk_assessor"},
		},
		Generation: GenerationConfig{
			MaxRounds:           2,
			DraftTimeoutSeconds: 30,
			DraftRetries:        2,
		},
	}
}

// LoadGovernance reads YAML from the given path. A missing file or empty path
// yields the defaults with no error.
func LoadGovernance(path string) (*Governance, error) {
	if path == "" {
		return DefaultGovernance(), nil
	}
	// #nosec G304 -- config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultGovernance(), nil
		}
		return nil, fmt.Errorf("read governance config %s: %w", path, err)
	}
	gov, err := ParseGovernance(data)
	if err != nil {
		return nil, fmt.Errorf("parse governance config %s: %w", path, err)
	}
	return gov, nil
}

// ParseGovernance parses a governance parameter set from YAML bytes. Omitted
// fields keep their default values.
func ParseGovernance(data []byte) (*Governance, error) {
	gov := DefaultGovernance()
	if len(data) == 0 {
		return gov, nil
	}
	if err := validateConfigSchema("governance", governanceSchemaFile, data); err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, gov); err != nil {
		return nil, fmt.Errorf("parse governance config: %w", err)
	}
	if err := gov.check(); err != nil {
		return nil, err
	}
	return gov, nil
}

func (g *Governance) check() error {
	im := g.Impact
	if !(im.HighThreshold >= im.MediumThreshold && im.MediumThreshold >= im.LowThreshold) {
		return fmt.Errorf("impact thresholds must be ordered high >= medium >= low")
	}
	if im.DomainBoost < 1.0 {
		return fmt.Errorf("domain boost must be at least 1.0")
	}
	if im.TopK <= 0 {
		return fmt.Errorf("top_k must be positive")
	}
	if g.Generation.MaxRounds <= 0 {
		return fmt.Errorf("max_rounds must be positive")
	}
	if len(g.Agents.Priority) == 0 {
		return fmt.Errorf("at least one agent priority entry required")
	}
	return nil
}

// AgentRank returns the priority index for an agent name, or len(priority)
// for unknown agents so they sort after every configured one.
func (g *Governance) AgentRank(agent string) int {
	for i, name := range g.Agents.Priority {
		if strings.EqualFold(name, agent) {
			return i
		}
	}
	return len(g.Agents.Priority)
}

func validateConfigSchema(name, schemaPath string, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	schemaBytes, err := configSchemaFS.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("load %s schema: %w", name, err)
	}
	var payload any
	if err := yaml.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("parse %s config: %w", name, err)
	}
	schemaID := strings.ReplaceAll(name, " ", "-")
	if err := schema.Validate(schemaID, schemaBytes, payload); err != nil {
		return fmt.Errorf("validate %s config: %w", name, err)
	}
	return nil
}
