// Package config provides tutorsim configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreNone     = "none"
)

// Config holds all configuration for the tutorsim CLI.
type Config struct {
	DatabaseURL   string `yaml:"database_url"`
	RedisURL      string `yaml:"redis_url"`
	Store         string `yaml:"store"`
	SQLitePath    string `yaml:"sqlite_path"`
	MigrationsDir string `yaml:"migrations_dir"`
	Publish       bool   `yaml:"publish"`

	PromptsDir string `yaml:"prompts_dir"`
	ImagesDir  string `yaml:"images_dir"`
	OutputDir  string `yaml:"output_dir"`
	LogMode    string `yaml:"log_mode"`
	HTTPAddr   string `yaml:"http_addr"`

	APIKey  string            `yaml:"-"`
	BaseURL string            `yaml:"base_url"`
	Models  map[string]string `yaml:"models"`

	Simulation Simulation `yaml:"simulation"`
}

// Simulation holds the run parameters.
type Simulation struct {
	MaxRounds         int           `yaml:"max_rounds"`
	RoundChoices      []int         `yaml:"round_choices"`
	MaxReviewAttempts int           `yaml:"max_review_attempts"`
	Concurrency       int           `yaml:"concurrency"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	CallTimeout       time.Duration `yaml:"call_timeout"`
	Seed              int64         `yaml:"seed"`
}

// Roles that need a model.
var modelRoles = []string{"student", "teacher", "patient", "expert", "supervisor"}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	defaultModel := getEnv("TUTORSIM_MODEL", "gpt-4o")
	models := make(map[string]string, len(modelRoles))
	for _, role := range modelRoles {
		models[role] = getEnv("TUTORSIM_MODEL_"+strings.ToUpper(role), defaultModel)
	}

	seed := getEnvInt64("TUTORSIM_SEED", 0)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	cfg := &Config{
		DatabaseURL:   getEnv("TUTORSIM_DATABASE_URL", "postgres://localhost:5432/tutorsim?sslmode=disable"),
		RedisURL:      getEnv("TUTORSIM_REDIS_URL", "redis://localhost:6379/0"),
		Store:         getEnv("TUTORSIM_STORE", StoreSQLite),
		SQLitePath:    getEnv("TUTORSIM_SQLITE_PATH", "./data/tutorsim.db"),
		MigrationsDir: getEnv("TUTORSIM_MIGRATIONS_DIR", "migrations"),
		Publish:       getEnvBool("TUTORSIM_PUBLISH", false),
		PromptsDir:    getEnv("TUTORSIM_PROMPTS_DIR", "prompts"),
		ImagesDir:     getEnv("TUTORSIM_IMAGES_DIR", "images"),
		OutputDir:     getEnv("TUTORSIM_OUTPUT_DIR", "simulation_logs"),
		LogMode:       getEnv("TUTORSIM_LOG_MODE", "dev"),
		HTTPAddr:      getEnv("TUTORSIM_HTTP_ADDR", ":8080"),
		APIKey:        getEnv("OPENAI_API_KEY", ""),
		BaseURL:       getEnv("OPENAI_BASE_URL", ""),
		Models:        models,
		Simulation: Simulation{
			MaxRounds:         getEnvInt("TUTORSIM_MAX_ROUNDS", 3),
			RoundChoices:      getEnvInts("TUTORSIM_ROUND_CHOICES", []int{3, 4, 5}),
			MaxReviewAttempts: getEnvInt("TUTORSIM_MAX_REVIEW_ATTEMPTS", 3),
			Concurrency:       getEnvInt("TUTORSIM_CONCURRENCY", 0),
			MaxRetries:        getEnvInt("TUTORSIM_MAX_RETRIES", 3),
			RetryDelay:        getEnvDuration("TUTORSIM_RETRY_DELAY", 2*time.Second),
			CallTimeout:       getEnvDuration("TUTORSIM_CALL_TIMEOUT", 120*time.Second),
			Seed:              seed,
		},
	}
	return cfg, nil
}

// LoadFile overlays the YAML run file at path onto c. Keys absent from the
// file keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks that the configuration can drive a run.
func (c *Config) Validate() error {
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("TUTORSIM_DATABASE_URL cannot be empty for the postgres store")
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("TUTORSIM_SQLITE_PATH cannot be empty for the sqlite store")
		}
	case StoreNone:
	default:
		return fmt.Errorf("unknown store %q (want postgres, sqlite or none)", c.Store)
	}
	if c.Publish && c.RedisURL == "" {
		return fmt.Errorf("TUTORSIM_REDIS_URL cannot be empty when publishing")
	}
	if c.PromptsDir == "" {
		return fmt.Errorf("TUTORSIM_PROMPTS_DIR cannot be empty")
	}
	for _, role := range modelRoles {
		if c.Models[role] == "" {
			return fmt.Errorf("no model configured for role %s", role)
		}
	}
	s := c.Simulation
	if s.MaxRounds < 1 {
		return fmt.Errorf("max rounds must be >= 1, got %d", s.MaxRounds)
	}
	for _, r := range s.RoundChoices {
		if r < 1 {
			return fmt.Errorf("round choices must be >= 1, got %d", r)
		}
	}
	if s.MaxReviewAttempts < 1 {
		return fmt.Errorf("max review attempts must be >= 1, got %d", s.MaxReviewAttempts)
	}
	if s.MaxRetries < 1 {
		return fmt.Errorf("max retries must be >= 1, got %d", s.MaxRetries)
	}
	if s.RetryDelay < 0 || s.CallTimeout <= 0 {
		return fmt.Errorf("retry delay must be >= 0 and call timeout > 0")
	}
	return nil
}

// RequireAPIKey reports a missing generation credential.
func (c *Config) RequireAPIKey() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("OPENAI_API_KEY is not set")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(os.Getenv(key)), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInts(key string, fallback []int) []int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	var out []int
	for _, part := range strings.Split(v, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return fallback
		}
		out = append(out, n)
	}
	return out
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return fallback
	}
	return d
}
