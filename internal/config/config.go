package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"missionproof/internal/domain"
)

// Config models missionproof.yml.
type Config struct {
	Missions  []MissionConfig           `yaml:"missions"`
	Platforms map[string]PlatformConfig `yaml:"platforms"`
	Review    struct {
		Window    int      `yaml:"window"`
		Platforms []string `yaml:"platforms"`
	} `yaml:"review"`
	Triggers struct {
		Interval string `yaml:"interval"`
		Batch    int    `yaml:"batch"`
	} `yaml:"triggers"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	NATS struct {
		URL           string `yaml:"url"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"nats"`
}

type MissionConfig struct {
	ID             string               `yaml:"id"`
	Type           string               `yaml:"type"`
	WinnersPerTask *int                 `yaml:"winners_per_task"`
	Tasks          []domain.MissionTask `yaml:"tasks"`
}

// PlatformConfig overrides the accepted domains of a submission platform.
type PlatformConfig struct {
	Domains []string `yaml:"domains"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// Mission converts the config entry to the domain shape.
func (m MissionConfig) Mission() domain.Mission {
	typ := m.Type
	if typ == "" {
		typ = "engagement"
	}
	return domain.Mission{
		ID:             m.ID,
		Type:           typ,
		WinnersPerTask: m.WinnersPerTask,
		Tasks:          m.Tasks,
	}
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with mp config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	seen := map[string]bool{}
	for i, m := range c.Missions {
		if m.ID == "" {
			return fmt.Errorf("missions[%d].id is required", i)
		}
		if seen[m.ID] {
			return fmt.Errorf("mission %s defined twice", m.ID)
		}
		seen[m.ID] = true
		if m.WinnersPerTask != nil && *m.WinnersPerTask < 0 {
			return fmt.Errorf("mission %s winners_per_task must be >= 0", m.ID)
		}
		if len(m.Tasks) == 0 {
			return fmt.Errorf("mission %s has no tasks", m.ID)
		}
		taskSeen := map[string]bool{}
		for _, t := range m.Tasks {
			id := domain.NormalizeTaskID(t.ID)
			if id == "" {
				return fmt.Errorf("mission %s has a task with empty id", m.ID)
			}
			if taskSeen[id] {
				return fmt.Errorf("mission %s task %s defined twice", m.ID, t.ID)
			}
			taskSeen[id] = true
			if !t.VerificationMethod.Valid() {
				return fmt.Errorf("mission %s task %s: verification_method must be direct or link", m.ID, t.ID)
			}
			if t.VerificationMethod == domain.MethodLink && t.Platform == "" {
				return fmt.Errorf("mission %s task %s: link tasks need a platform", m.ID, t.ID)
			}
		}
	}
	for name, p := range c.Platforms {
		if len(p.Domains) == 0 {
			return fmt.Errorf("platform %s has no domains", name)
		}
	}
	if c.Review.Window < 0 {
		return fmt.Errorf("review.window must be >= 0")
	}
	if c.Triggers.Interval != "" {
		if _, err := time.ParseDuration(c.Triggers.Interval); err != nil {
			return fmt.Errorf("triggers.interval: %w", err)
		}
	}
	for roleID, role := range c.RBAC.Roles {
		if roleID == "" {
			return fmt.Errorf("config.rbac.roles contains empty role id")
		}
		for _, perm := range role.Permissions {
			if perm == "" {
				return fmt.Errorf("role %s has empty permission id", roleID)
			}
		}
	}
	return nil
}

// TriggerInterval returns the dispatcher poll interval.
func (c *Config) TriggerInterval() time.Duration {
	if d, err := time.ParseDuration(c.Triggers.Interval); err == nil && d > 0 {
		return d
	}
	return 2 * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "missionproof.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
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

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
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

const defaultTemplate = `missions:
  - id: launch-week
    type: engagement
    winners_per_task: 100
    tasks:
      - id: like
        verification_method: direct
      - id: repost
        verification_method: link
        platform: x

platforms:
  x:
    domains: [x.com, twitter.com]
  tiktok:
    domains: [tiktok.com]
  threads:
    domains: [threads.net, threads.com]
  youtube:
    domains: [youtube.com]

review:
  window: 50
  platforms: [x]

triggers:
  interval: 2s
  batch: 100

rbac:
  roles:
    owner:
      description: "Full access"
      permissions: [completion.review, mission.import, apikey.manage, rbac.manage]
    reviewer:
      description: "Reviews link submissions"
      permissions: [completion.review]

nats:
  url: ""
  subject_prefix: missions.completion
`

// PlatformDomains returns the domain overrides keyed by platform.
func (c *Config) PlatformDomains() map[string][]string {
	out := make(map[string][]string, len(c.Platforms))
	for name, p := range c.Platforms {
		if len(p.Domains) > 0 {
			out[name] = p.Domains
		}
	}
	return out
}

// ReviewPlatforms returns the platforms offered to reviewers, x by default.
func (c *Config) ReviewPlatforms() []string {
	if len(c.Review.Platforms) == 0 {
		return []string{"x"}
	}
	return c.Review.Platforms
}
