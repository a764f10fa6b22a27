package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Tier describes the limits attached to a pricing tier.
type Tier struct {
	RequestsPerMinute int   `yaml:"requests_per_minute"`
	MonthlyQuota      int64 `yaml:"monthly_quota"`
}

// Config is the full service configuration, loaded from an optional YAML
// file and overridable through environment variables.
type Config struct {
	ServerPort int    `yaml:"server_port"`
	StorePath  string `yaml:"store_path"`

	MasterSecretEnv string `yaml:"master_secret_env"`

	Embedding struct {
		Endpoint   string `yaml:"endpoint"`
		Model      string `yaml:"model"`
		APIKeyEnv  string `yaml:"api_key_env"`
		Dimensions int    `yaml:"dimensions"`
	} `yaml:"embedding"`

	Providers struct {
		OpenAIEndpoint    string        `yaml:"openai_endpoint"`
		OpenAIKeyEnv      string        `yaml:"openai_key_env"`
		AnthropicEndpoint string        `yaml:"anthropic_endpoint"`
		AnthropicKeyEnv   string        `yaml:"anthropic_key_env"`
		TimeBudget        time.Duration `yaml:"time_budget"`
	} `yaml:"providers"`

	Qdrant struct {
		Host       string `yaml:"host"`
		Port       int    `yaml:"port"`
		Collection string `yaml:"collection"`
	} `yaml:"qdrant"`

	RedisURL string `yaml:"redis_url"`

	DefaultThreshold float64         `yaml:"default_threshold"`
	EntryTTL         time.Duration   `yaml:"entry_ttl"`
	Tiers            map[string]Tier `yaml:"tiers"`
}

// Load reads the YAML file at path (skipped when path is empty or the file
// does not exist), then applies environment overrides on top of defaults.
func Load(path string) (*Config, error) {
	godotenv.Load()

	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("fail to parse config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("fail to read config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if cfg.DefaultThreshold < 0 || cfg.DefaultThreshold > 1 {
		return nil, fmt.Errorf("default_threshold %f outside [0,1]", cfg.DefaultThreshold)
	}
	return cfg, nil
}

func defaults() *Config {
	cfg := &Config{
		ServerPort:       8080,
		StorePath:        "semcache.db",
		MasterSecretEnv:  "SEMCACHE_MASTER_SECRET",
		DefaultThreshold: 0.85,
		Tiers: map[string]Tier{
			"free": {RequestsPerMinute: 100, MonthlyQuota: 10_000},
			"pro":  {RequestsPerMinute: 1000, MonthlyQuota: 1_000_000},
		},
	}
	cfg.Embedding.Endpoint = "https://api.openai.com/v1/embeddings"
	cfg.Embedding.Model = "text-embedding-3-small"
	cfg.Embedding.APIKeyEnv = "OPENAI_API_KEY"
	cfg.Embedding.Dimensions = 1536
	cfg.Providers.OpenAIEndpoint = "https://api.openai.com/v1/chat/completions"
	cfg.Providers.OpenAIKeyEnv = "OPENAI_API_KEY"
	cfg.Providers.AnthropicEndpoint = "https://api.anthropic.com/v1/messages"
	cfg.Providers.AnthropicKeyEnv = "ANTHROPIC_API_KEY"
	cfg.Providers.TimeBudget = 30 * time.Second
	cfg.Qdrant.Host = "localhost"
	cfg.Qdrant.Port = 6334
	cfg.Qdrant.Collection = "semcache_entries"
	return cfg
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.ServerPort = port
		}
	}
	if v := os.Getenv("STORE_PATH"); v != "" {
		c.StorePath = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("QDRANT_HOST"); v != "" {
		c.Qdrant.Host = v
	}
	if v := os.Getenv("EMBEDDING_ENDPOINT"); v != "" {
		c.Embedding.Endpoint = v
	}
}

// MasterSecret reads the at-rest encryption secret from the configured
// environment variable.
func (c *Config) MasterSecret() (string, error) {
	secret := os.Getenv(c.MasterSecretEnv)
	if secret == "" {
		return "", fmt.Errorf("empty master secret from env: %s", c.MasterSecretEnv)
	}
	return secret, nil
}

// TierFor returns the limits for the named tier, falling back to free.
func (c *Config) TierFor(name string) Tier {
	if t, ok := c.Tiers[name]; ok {
		return t
	}
	return c.Tiers["free"]
}
