package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"studiocrm/internal/domain"
)

// Config models studiocrm.yml.
type Config struct {
	Studio struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"studio"`
	Tariffs  []Tariff `yaml:"tariffs"`
	Workflow struct {
		// StrictSubflows rejects moves whose executor or completion choice is missing.
		StrictSubflows bool `yaml:"strict_subflows"`
	} `yaml:"workflow"`
	Storage  StorageConfig   `yaml:"storage"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Log      LogConfig       `yaml:"log"`
}

// Tariff prices one role (and optionally one stage) of a project type.
// Amount wins over RatePerM2 when both are set.
type Tariff struct {
	ProjectType domain.ProjectType `yaml:"project_type"`
	Role        domain.Role        `yaml:"role"`
	Stage       domain.Column      `yaml:"stage,omitempty"`
	Amount      float64            `yaml:"amount,omitempty"`
	RatePerM2   float64            `yaml:"rate_per_m2,omitempty"`
}

type StorageConfig struct {
	Backend   string `yaml:"backend"`
	Root      string `yaml:"root,omitempty"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	Bucket    string `yaml:"bucket,omitempty"`
	Region    string `yaml:"region,omitempty"`
	AccessKey string `yaml:"access_key,omitempty"`
	SecretKey string `yaml:"secret_key,omitempty"`
	UseSSL    bool   `yaml:"use_ssl"`
	PublicURL string `yaml:"public_url,omitempty"`
	Workers   int    `yaml:"workers,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	StorageLocal = "local"
	StorageMinio = "minio"
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with crm config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Studio.ID) == "" {
		return fmt.Errorf("config.studio.id is required")
	}
	for i, t := range c.Tariffs {
		if !t.ProjectType.IsValid() {
			return fmt.Errorf("tariff %d has invalid project type %q", i, t.ProjectType)
		}
		if !t.Role.IsValid() {
			return fmt.Errorf("tariff %d has invalid role %q", i, t.Role)
		}
		if t.Stage != "" && !domain.ValidStage(t.ProjectType, t.Stage) {
			return fmt.Errorf("tariff %d: %q is not a stage of %s projects", i, t.Stage, t.ProjectType)
		}
		if t.Amount < 0 || t.RatePerM2 < 0 {
			return fmt.Errorf("tariff %d has negative amount", i)
		}
	}
	switch c.Storage.Backend {
	case "", StorageLocal:
	case StorageMinio:
		if c.Storage.Endpoint == "" || c.Storage.Bucket == "" {
			return fmt.Errorf("config.storage.endpoint and bucket are required for minio")
		}
	default:
		return fmt.Errorf("config.storage.backend must be local or minio")
	}
	if c.Storage.Workers < 0 {
		return fmt.Errorf("config.storage.workers must not be negative")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %d has negative timeout", i)
		}
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.log.format must be json or console")
	}
	return nil
}

// TariffFor returns the amount owed for role on stage of a pt project of the given area.
// A stage-specific tariff wins over a role-wide one. Zero means no tariff is configured.
func (c *Config) TariffFor(pt domain.ProjectType, role domain.Role, stage domain.Column, area float64) float64 {
	if c == nil {
		return 0
	}
	var fallback *Tariff
	for i := range c.Tariffs {
		t := &c.Tariffs[i]
		if t.ProjectType != pt || t.Role != role {
			continue
		}
		if stage != "" && t.Stage == stage {
			return t.amount(area)
		}
		if t.Stage == "" && fallback == nil {
			fallback = t
		}
	}
	if fallback == nil {
		return 0
	}
	return fallback.amount(area)
}

func (t Tariff) amount(area float64) float64 {
	if t.Amount > 0 {
		return t.Amount
	}
	return t.RatePerM2 * area
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "studiocrm.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(studioID string) string {
	return fmt.Sprintf(defaultTemplate, studioID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a studio.
func Default(studioID string) *Config {
	var cfg Config
	cfg.Studio.ID = studioID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, studioID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// ToYAML renders the config for storage and display.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `studio:
  id: %s
  name: Interior design studio

tariffs:
  # individual projects: executors are paid per m2, split into advance and balance
  - project_type: Individual
    role: Draftsman
    stage: "Stage 1: planning solutions"
    rate_per_m2: 100
  - project_type: Individual
    role: Designer
    stage: "Stage 2: design concept"
    rate_per_m2: 250
  - project_type: Individual
    role: Draftsman
    stage: "Stage 3: working drawings"
    rate_per_m2: 150
  - project_type: Individual
    role: Surveyor
    amount: 3000
  - project_type: Individual
    role: Senior Manager
    rate_per_m2: 50
  - project_type: Individual
    role: Design Lead
    rate_per_m2: 40
  - project_type: Individual
    role: Manager
    rate_per_m2: 30

  # template projects: stage 1 is unpaid
  - project_type: Template
    role: Draftsman
    stage: "Stage 2: working drawings"
    amount: 7500
  - project_type: Template
    role: Draftsman
    stage: "Stage 3: specifications"
    amount: 5000
  - project_type: Template
    role: Surveyor
    amount: 2000
  - project_type: Template
    role: Senior Manager
    amount: 4000
  - project_type: Template
    role: Architecture Lead
    amount: 3000

workflow:
  strict_subflows: false

storage:
  backend: local
  root: .studiocrm/files
  workers: 2

log:
  level: info
  format: console
`
