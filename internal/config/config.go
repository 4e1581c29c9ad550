package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Auth        AuthConfig                `json:"auth"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Oracle      OracleConfig              `json:"oracle"`
	Providers   map[string]ProviderConfig `json:"providers"`
}

type BasicConfig struct {
	ServerAddress     string   `json:"server_address"`
	Database          string   `json:"database"`
	MinWorkers        int      `json:"min_workers"`
	MaxWorkers        int      `json:"max_workers"`
	QueueSize         int      `json:"queue_size"`
	WorkerIdleTimeout int      `json:"worker_idle_timeout"` // minutes
	TurnTimeout       int      `json:"turn_timeout"`        // seconds
	TurnRate          float64  `json:"turn_rate"`           // utterances per second per connection
	TurnBurst         int      `json:"turn_burst"`
	AllowedOrigins    []string `json:"allowed_origins"`
	LogLevel          string   `json:"log_level"`
	LogFormat         string   `json:"log_format"`
}

type AuthConfig struct {
	JWTSecret         string `json:"jwt_secret"`
	TokenTTL          int    `json:"token_ttl"` // minutes
	RevocationBackend string `json:"revocation_backend"`
	CloseOnRevoke     bool   `json:"close_on_revoke"`
	CookieName        string `json:"cookie_name"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type OracleConfig struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	Streaming    bool   `json:"streaming"`
	WebSearch    bool   `json:"web_search"`
	SystemPrompt string `json:"system_prompt"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

const (
	RevocationRedis  = "redis"
	RevocationMemory = "memory"
)

// Load reads configuration from the provided path (defaults to config.json).
// A .env file next to the working directory is loaded first so its values can
// feed the environment overrides.
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env")

	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// defaults first: the API key override needs the resolved provider
	cfg.applyDefaults()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if dbCfg, ok := cfg.Databases["sqlite3"]; ok && dbCfg.DSN != "" && dbCfg.DSN != ":memory:" && !strings.HasPrefix(dbCfg.DSN, "file:") {
		if !filepath.IsAbs(dbCfg.DSN) {
			dbCfg.DSN = filepath.Join(filepath.Dir(absPath), dbCfg.DSN)
			cfg.Databases["sqlite3"] = dbCfg
		}
	}

	return &cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("CHATRELAY_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("CHATRELAY_DB"); v != "" {
		c.BasicConfig.Database = v
	}
	if v := os.Getenv("CHATRELAY_REDIS_ADDR"); v != "" {
		host, portStr, err := net.SplitHostPort(v)
		if err != nil {
			return fmt.Errorf("parse CHATRELAY_REDIS_ADDR: %w", err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("parse CHATRELAY_REDIS_ADDR port: %w", err)
		}
		c.Redis.Host = host
		c.Redis.Port = port
	}
	apiKey := os.Getenv("CHATRELAY_ORACLE_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey != "" && c.Oracle.Provider != "" {
		if c.Providers == nil {
			c.Providers = make(map[string]ProviderConfig)
		}
		p := c.Providers[c.Oracle.Provider]
		p.APIKey = apiKey
		c.Providers[c.Oracle.Provider] = p
	}
	return nil
}

func (c *Config) applyDefaults() {
	b := &c.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = ":8080"
	}
	if b.Database == "" {
		b.Database = "sqlite3"
	}
	if b.MinWorkers <= 0 {
		b.MinWorkers = 2
	}
	if b.MaxWorkers < b.MinWorkers {
		b.MaxWorkers = b.MinWorkers * 4
	}
	if b.QueueSize <= 0 {
		b.QueueSize = 64
	}
	if b.WorkerIdleTimeout <= 0 {
		b.WorkerIdleTimeout = 5
	}
	if b.TurnTimeout <= 0 {
		b.TurnTimeout = 120
	}
	if b.TurnRate <= 0 {
		b.TurnRate = 1
	}
	if b.TurnBurst <= 0 {
		b.TurnBurst = 5
	}
	if b.LogLevel == "" {
		b.LogLevel = "info"
	}
	if b.LogFormat == "" {
		b.LogFormat = "text"
	}

	a := &c.Auth
	if a.TokenTTL <= 0 {
		a.TokenTTL = 24 * 60
	}
	if a.RevocationBackend == "" {
		a.RevocationBackend = RevocationRedis
	}
	if a.CookieName == "" {
		a.CookieName = "token"
	}

	if c.Oracle.Provider == "" {
		c.Oracle.Provider = "gemini"
	}
}

// Validate reports the first missing or inconsistent setting.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return errors.New("auth.jwt_secret must be configured")
	}
	if _, ok := c.Databases[c.BasicConfig.Database]; !ok {
		return fmt.Errorf("database config for %s not found", c.BasicConfig.Database)
	}
	switch c.Auth.RevocationBackend {
	case RevocationRedis, RevocationMemory:
	default:
		return fmt.Errorf("unsupported revocation backend: %s", c.Auth.RevocationBackend)
	}
	return nil
}

// Provider returns the settings of the configured oracle provider.
func (c *Config) Provider() (ProviderConfig, bool) {
	p, ok := c.Providers[c.Oracle.Provider]
	return p, ok
}
