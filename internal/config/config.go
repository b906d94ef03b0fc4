package config

import (
	"encoding/json"
	"os"
	"strconv"
)

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// VectorConfig holds vector store connection settings
type VectorConfig struct {
	BaseURL string `json:"base_url"`
}

// LocalConfig holds local-inference server settings
type LocalConfig struct {
	BaseURL    string `json:"base_url"`
	CoderModel string `json:"coder_model"`
	VLModel    string `json:"vl_model"`
	EmbedModel string `json:"embed_model"`
	KeepAlive  string `json:"keep_alive"`
}

// CloudConfig holds cloud escalation settings
type CloudConfig struct {
	APIKey        string `json:"api_key"`
	BaseURL       string `json:"base_url"`
	Model         string `json:"model"`
	FallbackModel string `json:"fallback_model"`
	MaxTokens     int    `json:"max_tokens"`
	DailyBudget   int    `json:"daily_budget"`
}

// SkillsConfig holds skill lifecycle settings
type SkillsConfig struct {
	Root string `json:"root"`
}

// DreamConfig holds maintenance cycle settings
type DreamConfig struct {
	Schedule string `json:"schedule"`
}

// DaemonConfig holds daemon-specific settings
type DaemonConfig struct {
	HTTPAddr  string `json:"http_addr"`
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
	LogsDir   string `json:"logs_dir"`
}

// TelemetryConfig holds distributed tracing settings
type TelemetryConfig struct {
	Enabled    bool    `json:"enabled"`
	Exporter   string  `json:"exporter"`
	Endpoint   string  `json:"endpoint"`
	SampleRate float64 `json:"sample_rate"`
}

// Config is the central configuration struct embedding all component configs
type Config struct {
	Redis     RedisConfig     `json:"redis"`
	Vector    VectorConfig    `json:"vector"`
	Local     LocalConfig     `json:"local"`
	Cloud     CloudConfig     `json:"cloud"`
	Skills    SkillsConfig    `json:"skills"`
	Dream     DreamConfig     `json:"dream"`
	Daemon    DaemonConfig    `json:"daemon"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			Prefix:   "vega:",
		},
		Vector: VectorConfig{
			BaseURL: "http://localhost:8000",
		},
		Local: LocalConfig{
			BaseURL:    "http://localhost:11434",
			CoderModel: "qwen2.5-coder:7b",
			VLModel:    "qwen2.5vl:7b",
			EmbedModel: "nomic-embed-text",
			KeepAlive:  "10m",
		},
		Cloud: CloudConfig{
			APIKey:        "",
			BaseURL:       "https://generativelanguage.googleapis.com/v1beta/openai",
			Model:         "gemini-2.5-flash",
			FallbackModel: "gemini-3-flash",
			MaxTokens:     8192,
			DailyBudget:   50000,
		},
		Skills: SkillsConfig{
			Root: "skills",
		},
		Dream: DreamConfig{
			Schedule: "0 3 * * *",
		},
		Daemon: DaemonConfig{
			HTTPAddr:  "",
			LogLevel:  "info",
			LogFormat: "text",
			LogsDir:   "logs",
		},
		Telemetry: TelemetryConfig{
			Enabled:    false,
			Exporter:   "otlp-http",
			Endpoint:   "localhost:4318",
			SampleRate: 1.0,
		},
	}
}

// LoadFromFile loads configuration from a JSON file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
// Numeric values are parsed from decimal strings, booleans from
// lowercase "true"/"false".
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("VEGA_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("VEGA_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("VEGA_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
	if v := os.Getenv("VEGA_REDIS_PREFIX"); v != "" {
		cfg.Redis.Prefix = v
	}
	if v := os.Getenv("VEGA_VECTOR_URL"); v != "" {
		cfg.Vector.BaseURL = v
	}
	if v := os.Getenv("VEGA_OLLAMA_URL"); v != "" {
		cfg.Local.BaseURL = v
	}
	if v := os.Getenv("VEGA_CODER_MODEL"); v != "" {
		cfg.Local.CoderModel = v
	}
	if v := os.Getenv("VEGA_VL_MODEL"); v != "" {
		cfg.Local.VLModel = v
	}
	if v := os.Getenv("VEGA_EMBED_MODEL"); v != "" {
		cfg.Local.EmbedModel = v
	}
	if v := os.Getenv("VEGA_KEEP_ALIVE"); v != "" {
		cfg.Local.KeepAlive = v
	}
	if v := os.Getenv("VEGA_CLOUD_API_KEY"); v != "" {
		cfg.Cloud.APIKey = v
	}
	if v := os.Getenv("VEGA_CLOUD_URL"); v != "" {
		cfg.Cloud.BaseURL = v
	}
	if v := os.Getenv("VEGA_CLOUD_MODEL"); v != "" {
		cfg.Cloud.Model = v
	}
	if v := os.Getenv("VEGA_CLOUD_FALLBACK_MODEL"); v != "" {
		cfg.Cloud.FallbackModel = v
	}
	if v := os.Getenv("VEGA_CLOUD_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cloud.MaxTokens = n
		}
	}
	if v := os.Getenv("VEGA_CLOUD_DAILY_BUDGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cloud.DailyBudget = n
		}
	}
	if v := os.Getenv("VEGA_SKILLS_ROOT"); v != "" {
		cfg.Skills.Root = v
	}
	if v := os.Getenv("VEGA_DREAM_SCHEDULE"); v != "" {
		cfg.Dream.Schedule = v
	}
	if v := os.Getenv("VEGA_HTTP_ADDR"); v != "" {
		cfg.Daemon.HTTPAddr = v
	}
	if v := os.Getenv("VEGA_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}
	if v := os.Getenv("VEGA_LOG_FORMAT"); v != "" {
		cfg.Daemon.LogFormat = v
	}
	if v := os.Getenv("VEGA_LOGS_DIR"); v != "" {
		cfg.Daemon.LogsDir = v
	}
	if v := os.Getenv("VEGA_TRACING_ENABLED"); v != "" {
		cfg.Telemetry.Enabled = v == "true"
	}
	if v := os.Getenv("VEGA_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.Endpoint = v
	}
	if v := os.Getenv("VEGA_TRACE_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Telemetry.SampleRate = f
		}
	}
}
