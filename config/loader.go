// Package config loads the engine configuration.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("PARLEY").
//	    Load()
//
// Precedence: defaults -> YAML file -> environment variables. The YAML text
// is run through ${VAR} / ${VAR:-default} substitution before parsing.
package config

import (
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/parley/conversation"
	"github.com/BaSui01/parley/tools"
)

// Config is the full engine configuration.
type Config struct {
	Server ServerConfig `yaml:"server" env:"SERVER"`
	Log    LogConfig    `yaml:"log" env:"LOG"`
	LLM    LLMConfig    `yaml:"llm" env:"LLM"`

	// Agents is the roster of configured agents, keyed by agent id.
	Agents map[string]AgentConfig `yaml:"agents" env:"-"`

	// Scenarios is the catalogue of runnable conversations.
	Scenarios []ScenarioConfig `yaml:"scenarios" env:"-"`

	// Conversation is the legacy single-scenario block. When Scenarios is
	// empty it is normalized into a one-entry catalogue named "default".
	Conversation *ConversationConfig `yaml:"conversation" env:"-"`

	// ToolServers are external tool server subprocesses.
	ToolServers []tools.ServerConfig `yaml:"tool_servers" env:"-"`

	Persistence PersistenceConfig `yaml:"persistence" env:"PERSISTENCE"`
}

// ServerConfig configures the HTTP control plane.
type ServerConfig struct {
	Host            string        `yaml:"host" env:"HOST"`
	HTTPPort        int           `yaml:"http_port" env:"HTTP_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.HTTPPort)
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json, console
	Format      string   `yaml:"format" env:"FORMAT"`
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// LLMConfig configures the inference backend shared by all agents.
type LLMConfig struct {
	// URL of the Ollama server.
	URL string `yaml:"url" env:"URL"`
	// HealthTimeout bounds the pre-start backend probe.
	HealthTimeout time.Duration `yaml:"health_timeout" env:"HEALTH_TIMEOUT"`
}

// AgentConfig describes one configured agent.
type AgentConfig struct {
	// Name is the display name; defaults to the map key.
	Name    string `yaml:"name"`
	Persona string `yaml:"persona"`
	Model   string `yaml:"model"`

	// Thinking enables streaming with thought-token classification.
	Thinking bool `yaml:"thinking"`

	// PromptTemplate overrides the default system prompt template.
	PromptTemplate string `yaml:"prompt_template"`

	// Parameters are passed through to the backend (temperature, top_p,
	// num_predict, top_k, repeat_penalty, ...).
	Parameters map[string]any `yaml:"parameters"`
}

// ScenarioConfig is one entry of the scenario catalogue.
type ScenarioConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Agents lists roster agent ids in rotation order.
	Agents        []string      `yaml:"agents"`
	StartingAgent string        `yaml:"starting_agent"`
	FirstMessage  string        `yaml:"first_message"`
	MaxCycles     int           `yaml:"max_cycles"`
	TurnTimeout   time.Duration `yaml:"turn_timeout"`

	Goal    string `yaml:"goal"`
	Brevity bool   `yaml:"brevity"`

	Termination conversation.TerminationConditions `yaml:"termination"`
}

// ConversationConfig is the legacy single-scenario shape, kept for configs
// written before the catalogue existed.
type ConversationConfig struct {
	Agents        []string      `yaml:"agents"`
	StartingAgent string        `yaml:"starting_agent"`
	FirstMessage  string        `yaml:"first_message"`
	MaxCycles     int           `yaml:"max_cycles"`
	TurnTimeout   time.Duration `yaml:"turn_timeout"`

	Goal    string `yaml:"goal"`
	Brevity bool   `yaml:"brevity"`

	Termination conversation.TerminationConditions `yaml:"termination"`
}

// PersistenceConfig selects and configures the checkpoint store.
type PersistenceConfig struct {
	// Backend: memory, file, redis, sqlite
	Backend string `yaml:"backend" env:"BACKEND"`

	File   FileStoreConfig   `yaml:"file" env:"FILE"`
	Redis  RedisStoreConfig  `yaml:"redis" env:"REDIS"`
	SQLite SQLiteStoreConfig `yaml:"sqlite" env:"SQLITE"`
}

// FileStoreConfig configures the file checkpoint store.
type FileStoreConfig struct {
	Dir string `yaml:"dir" env:"DIR"`
}

// RedisStoreConfig configures the redis checkpoint store.
type RedisStoreConfig struct {
	Addr      string        `yaml:"addr" env:"ADDR"`
	Password  string        `yaml:"password" env:"PASSWORD"`
	DB        int           `yaml:"db" env:"DB"`
	KeyPrefix string        `yaml:"key_prefix" env:"KEY_PREFIX"`
	TTL       time.Duration `yaml:"ttl" env:"TTL"`
}

// SQLiteStoreConfig configures the sqlite checkpoint store.
type SQLiteStoreConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

// Loader loads configuration with the builder pattern.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the default env prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "PARLEY"}
}

// WithConfigPath sets the YAML file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator appends an extra validator run after Load.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves the configuration: defaults, then the YAML file if one was
// given, then environment overrides, then validation.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("load config from file: %w", err)
		}
	}

	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}
	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}

	expanded := expandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// expandEnv substitutes ${VAR} and ${VAR:-default} references in the raw
// YAML text. An unset variable without a default expands to the empty
// string.
func expandEnv(text string) string {
	return envRefPattern.ReplaceAllStringFunc(text, func(ref string) string {
		groups := envRefPattern.FindStringSubmatch(ref)
		if value, ok := os.LookupEnv(groups[1]); ok {
			return value
		}
		return groups[2]
	})
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("set %s: %w", envKey, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}

// normalize folds the legacy conversation block into the scenario
// catalogue and fills derived defaults. After normalize, consumers only
// ever read Scenarios.
func (c *Config) normalize() {
	if len(c.Scenarios) == 0 && c.Conversation != nil {
		legacy := c.Conversation
		c.Scenarios = []ScenarioConfig{{
			Name:          "default",
			Agents:        legacy.Agents,
			StartingAgent: legacy.StartingAgent,
			FirstMessage:  legacy.FirstMessage,
			MaxCycles:     legacy.MaxCycles,
			TurnTimeout:   legacy.TurnTimeout,
			Goal:          legacy.Goal,
			Brevity:       legacy.Brevity,
			Termination:   legacy.Termination,
		}}
	}

	for id, agent := range c.Agents {
		if agent.Name == "" {
			agent.Name = id
			c.Agents[id] = agent
		}
	}

	for i := range c.Scenarios {
		s := &c.Scenarios[i]
		if s.MaxCycles == 0 {
			s.MaxCycles = defaultMaxCycles
		}
		if s.TurnTimeout == 0 {
			s.TurnTimeout = defaultTurnTimeout
		}
		if s.StartingAgent == "" && len(s.Agents) > 0 {
			s.StartingAgent = s.Agents[0]
		}
	}
}

// Scenario returns the named scenario, or the first one when name is empty.
func (c *Config) Scenario(name string) (ScenarioConfig, bool) {
	if name == "" {
		if len(c.Scenarios) == 0 {
			return ScenarioConfig{}, false
		}
		return c.Scenarios[0], true
	}
	for _, s := range c.Scenarios {
		if s.Name == name {
			return s, true
		}
	}
	return ScenarioConfig{}, false
}

// Validate checks the resolved configuration for pre-start errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.LLM.URL == "" {
		errs = append(errs, "llm.url is required")
	}
	if len(c.Scenarios) == 0 {
		errs = append(errs, "no scenario configured")
	}

	names := make(map[string]struct{}, len(c.Scenarios))
	for _, s := range c.Scenarios {
		if s.Name == "" {
			errs = append(errs, "scenario without a name")
			continue
		}
		if _, dup := names[s.Name]; dup {
			errs = append(errs, fmt.Sprintf("duplicate scenario %q", s.Name))
		}
		names[s.Name] = struct{}{}

		if len(s.Agents) < 2 {
			errs = append(errs, fmt.Sprintf("scenario %q needs at least two agents", s.Name))
		}
		inRoster := false
		for _, id := range s.Agents {
			if _, ok := c.Agents[id]; !ok {
				errs = append(errs, fmt.Sprintf("scenario %q references unknown agent %q", s.Name, id))
			}
			if id == s.StartingAgent {
				inRoster = true
			}
		}
		if !inRoster {
			errs = append(errs, fmt.Sprintf("scenario %q starting agent %q not in its roster", s.Name, s.StartingAgent))
		}
		if s.FirstMessage == "" {
			errs = append(errs, fmt.Sprintf("scenario %q has no first_message", s.Name))
		}
		if s.MaxCycles < 1 {
			errs = append(errs, fmt.Sprintf("scenario %q max_cycles must be at least 1", s.Name))
		}
	}

	for id, agent := range c.Agents {
		if agent.Model == "" {
			errs = append(errs, fmt.Sprintf("agent %q has no model", id))
		}
		if agent.Persona == "" {
			errs = append(errs, fmt.Sprintf("agent %q has no persona", id))
		}
	}

	switch c.Persistence.Backend {
	case "", "memory":
	case "file":
		if c.Persistence.File.Dir == "" {
			errs = append(errs, "persistence.file.dir is required for the file backend")
		}
	case "redis":
		if c.Persistence.Redis.Addr == "" {
			errs = append(errs, "persistence.redis.addr is required for the redis backend")
		}
	case "sqlite":
		if c.Persistence.SQLite.Path == "" {
			errs = append(errs, "persistence.sqlite.path is required for the sqlite backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown persistence backend %q", c.Persistence.Backend))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// MustLoad loads the config at path and panics on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}
