// Package config provides configuration management for Drape.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Drape.
type Config struct {
	Server    ServerConfig       `mapstructure:"server"`
	Logging   LoggingConfig      `mapstructure:"logging"`
	Docker    DockerConfig       `mapstructure:"docker"`
	Paths     PathsConfig        `mapstructure:"paths"`
	Workspace WorkspaceConfig    `mapstructure:"workspace"`
	AI        AIConfig           `mapstructure:"ai"`
	Budgets   map[string]float64 `mapstructure:"budgets"`
	NATS      NATSConfig         `mapstructure:"nats"`
	Database  DatabaseConfig     `mapstructure:"database"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	PublicURL    string `mapstructure:"publicUrl"`    // base URL used to build preview links
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// DockerConfig holds container runtime configuration.
// Hosts is either the literal "local" (daemon socket) or a comma-separated
// list of host:port endpoints. TLS material for a remote host is read from
// <certsDir>/<host id>/{ca,cert,key}.pem; a missing directory downgrades
// that host to plain TCP.
type DockerConfig struct {
	Hosts       string `mapstructure:"hosts"`
	CertsDir    string `mapstructure:"certsDir"`
	Image       string `mapstructure:"image"`
	Network     string `mapstructure:"network"`
	MemoryBytes int64  `mapstructure:"memoryBytes"`
	CPUQuota    int64  `mapstructure:"cpuQuota"`
	AgentPort   int    `mapstructure:"agentPort"`
	DevPort     int    `mapstructure:"devPort"`
}

// PathsConfig holds host filesystem layout.
type PathsConfig struct {
	ProjectsRoot  string `mapstructure:"projectsRoot"`
	CacheRoot     string `mapstructure:"cacheRoot"`
	PublishedRoot string `mapstructure:"publishedRoot"`
	PnpmStore     string `mapstructure:"pnpmStore"`
	RegistryFile  string `mapstructure:"registryFile"`
	UsageDB       string `mapstructure:"usageDb"`
}

// WorkspaceConfig holds workspace lifecycle tuning.
type WorkspaceConfig struct {
	IdleTimeout    int `mapstructure:"idleTimeout"`    // in seconds
	ReadyTimeout   int `mapstructure:"readyTimeout"`   // in seconds
	InstallTimeout int `mapstructure:"installTimeout"` // in seconds
	CloneTimeout   int `mapstructure:"cloneTimeout"`   // in seconds
	ExecTimeout    int `mapstructure:"execTimeout"`    // in seconds
}

// AIConfig holds model provider credentials and defaults.
// An empty key disables the corresponding provider adapter.
type AIConfig struct {
	AnthropicAPIKey string `mapstructure:"anthropicApiKey"`
	GeminiAPIKey    string `mapstructure:"geminiApiKey"`
	OpenAIAPIKey    string `mapstructure:"openaiApiKey"`
	DefaultModel    string `mapstructure:"defaultModel"`
	ModelsFile      string `mapstructure:"modelsFile"` // optional models.yaml overriding the built-in catalog
	WebSearchKey    string `mapstructure:"webSearchKey"`
	WebSearchURL    string `mapstructure:"webSearchUrl"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DatabaseConfig selects the usage store backend. The default is an embedded
// SQLite file; setting driver to "pgx" with a DSN switches to PostgreSQL.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// IdleTimeoutDuration returns the idle reap threshold as a time.Duration.
func (w *WorkspaceConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(w.IdleTimeout) * time.Second
}

// ReadyTimeoutDuration returns the dev-server readiness timeout as a time.Duration.
func (w *WorkspaceConfig) ReadyTimeoutDuration() time.Duration {
	return time.Duration(w.ReadyTimeout) * time.Second
}

// InstallTimeoutDuration returns the dependency install timeout as a time.Duration.
func (w *WorkspaceConfig) InstallTimeoutDuration() time.Duration {
	return time.Duration(w.InstallTimeout) * time.Second
}

// CloneTimeoutDuration returns the repository clone timeout as a time.Duration.
func (w *WorkspaceConfig) CloneTimeoutDuration() time.Duration {
	return time.Duration(w.CloneTimeout) * time.Second
}

// ExecTimeoutDuration returns the default container exec timeout as a time.Duration.
func (w *WorkspaceConfig) ExecTimeoutDuration() time.Duration {
	return time.Duration(w.ExecTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("DRAPE_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.publicUrl", "")
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0) // 0 = no write deadline; SSE streams stay open

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Docker defaults
	v.SetDefault("docker.hosts", "local")
	v.SetDefault("docker.certsDir", "/etc/drape/docker-certs")
	v.SetDefault("docker.image", "drape/workspace:latest")
	v.SetDefault("docker.network", "drape-net")
	v.SetDefault("docker.memoryBytes", int64(2*1024*1024*1024))
	v.SetDefault("docker.cpuQuota", int64(150000))
	v.SetDefault("docker.agentPort", 4000)
	v.SetDefault("docker.devPort", 3000)

	// Paths defaults
	v.SetDefault("paths.projectsRoot", "/var/lib/drape/projects")
	v.SetDefault("paths.cacheRoot", "/var/lib/drape/cache")
	v.SetDefault("paths.publishedRoot", "/var/lib/drape/published")
	v.SetDefault("paths.pnpmStore", "/var/lib/drape/pnpm-store")
	v.SetDefault("paths.registryFile", "/var/lib/drape/sessions.json")
	v.SetDefault("paths.usageDb", "/var/lib/drape/usage.db")

	// Workspace defaults
	v.SetDefault("workspace.idleTimeout", 20*60)
	v.SetDefault("workspace.readyTimeout", 60)
	v.SetDefault("workspace.installTimeout", 300)
	v.SetDefault("workspace.cloneTimeout", 120)
	v.SetDefault("workspace.execTimeout", 60)

	// AI defaults - empty keys disable the corresponding provider
	v.SetDefault("ai.anthropicApiKey", "")
	v.SetDefault("ai.geminiApiKey", "")
	v.SetDefault("ai.openaiApiKey", "")
	v.SetDefault("ai.defaultModel", "claude-sonnet-4-5")
	v.SetDefault("ai.modelsFile", "")
	v.SetDefault("ai.webSearchKey", "")
	v.SetDefault("ai.webSearchUrl", "")

	// Budget defaults live in the agent package table; config only overrides.
	v.SetDefault("budgets", map[string]float64{})

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "drape-backend")
	v.SetDefault("nats.maxReconnects", 10)

	// Database defaults - embedded SQLite
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix DRAPE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/drape/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("DRAPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("server.publicUrl", "DRAPE_SERVER_PUBLIC_URL")
	_ = v.BindEnv("docker.certsDir", "DRAPE_DOCKER_CERTS_DIR")
	_ = v.BindEnv("docker.memoryBytes", "DRAPE_DOCKER_MEMORY_BYTES")
	_ = v.BindEnv("docker.cpuQuota", "DRAPE_DOCKER_CPU_QUOTA")
	_ = v.BindEnv("docker.agentPort", "DRAPE_DOCKER_AGENT_PORT")
	_ = v.BindEnv("paths.projectsRoot", "DRAPE_PATHS_PROJECTS_ROOT")
	_ = v.BindEnv("paths.cacheRoot", "DRAPE_PATHS_CACHE_ROOT")
	_ = v.BindEnv("paths.publishedRoot", "DRAPE_PATHS_PUBLISHED_ROOT")
	_ = v.BindEnv("paths.pnpmStore", "DRAPE_PATHS_PNPM_STORE")
	_ = v.BindEnv("paths.registryFile", "DRAPE_PATHS_REGISTRY_FILE")
	_ = v.BindEnv("paths.usageDb", "DRAPE_PATHS_USAGE_DB")
	_ = v.BindEnv("workspace.idleTimeout", "DRAPE_WORKSPACE_IDLE_TIMEOUT")
	_ = v.BindEnv("ai.anthropicApiKey", "ANTHROPIC_API_KEY", "DRAPE_AI_ANTHROPIC_API_KEY")
	_ = v.BindEnv("ai.geminiApiKey", "GEMINI_API_KEY", "DRAPE_AI_GEMINI_API_KEY")
	_ = v.BindEnv("ai.openaiApiKey", "OPENAI_API_KEY", "DRAPE_AI_OPENAI_API_KEY")
	_ = v.BindEnv("ai.defaultModel", "DRAPE_AI_DEFAULT_MODEL")
	_ = v.BindEnv("ai.modelsFile", "DRAPE_AI_MODELS_FILE")
	_ = v.BindEnv("ai.webSearchKey", "DRAPE_AI_WEB_SEARCH_KEY")
	_ = v.BindEnv("ai.webSearchUrl", "DRAPE_AI_WEB_SEARCH_URL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/drape/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Docker validation
	if cfg.Docker.Hosts == "" {
		errs = append(errs, "docker.hosts must be \"local\" or a host:port list")
	}
	if cfg.Docker.AgentPort <= 0 || cfg.Docker.AgentPort > 65535 {
		errs = append(errs, "docker.agentPort must be between 1 and 65535")
	}
	if cfg.Docker.MemoryBytes <= 0 {
		errs = append(errs, "docker.memoryBytes must be positive")
	}

	// Workspace validation
	if cfg.Workspace.IdleTimeout <= 0 {
		errs = append(errs, "workspace.idleTimeout must be positive")
	}
	if cfg.Workspace.ReadyTimeout <= 0 {
		errs = append(errs, "workspace.readyTimeout must be positive")
	}

	// Database validation - DSN required only for postgres
	if cfg.Database.Driver == "pgx" && cfg.Database.DSN == "" {
		errs = append(errs, "database.dsn is required when database.driver is pgx")
	}

	// Budgets validation - negative budgets are never valid
	for plan, eur := range cfg.Budgets {
		if eur < 0 {
			errs = append(errs, fmt.Sprintf("budgets.%s must not be negative", plan))
		}
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DockerHostList splits the configured hosts string into individual endpoints.
// The literal "local" yields a single local entry.
func (d *DockerConfig) DockerHostList() []string {
	if strings.TrimSpace(d.Hosts) == "" || d.Hosts == "local" {
		return []string{"local"}
	}
	parts := strings.Split(d.Hosts, ",")
	hosts := make([]string, 0, len(parts))
	for _, p := range parts {
		if h := strings.TrimSpace(p); h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts
}
