package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	Store       StoreConfig       `yaml:"store"`
	Recognition RecognitionConfig `yaml:"recognition"`
	STT         STTConfig         `yaml:"stt"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// StoreConfig locates the diary database. Name is informational and ends up in
// logs; Path is the SQLite file.
type StoreConfig struct {
	Path string `yaml:"path"`
	Name string `yaml:"name"`
}

// RecognitionConfig selects the speech engine the session manager binds to.
type RecognitionConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Mode     string `yaml:"mode"` // bus, mock
	Language string `yaml:"language"`
}

type STTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Mode            string `yaml:"mode"`
	Command         string `yaml:"command"`
	ModelPath       string `yaml:"model_path"`
	Language        string `yaml:"language"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
	PartialEveryMS  int    `yaml:"partial_every_ms"`
	PublishInterim  bool   `yaml:"publish_interim"`
}

func Default() Config {
	return Config{
		RuntimeName: "mindstore",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Store: StoreConfig{
			Path: "./data/mindstore.db",
			Name: "MindStoreDB",
		},
		Recognition: RecognitionConfig{
			Enabled:  true,
			Mode:     "bus",
			Language: "en-US",
		},
		STT: STTConfig{
			Enabled:         false,
			Mode:            "mock",
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 20,
			PartialEveryMS:  800,
			PublishInterim:  true,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "MINDSTORE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "MINDSTORE_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "MINDSTORE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "MINDSTORE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "MINDSTORE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "MINDSTORE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "MINDSTORE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "MINDSTORE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "MINDSTORE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "MINDSTORE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "MINDSTORE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "MINDSTORE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "MINDSTORE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "MINDSTORE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "MINDSTORE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "MINDSTORE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Store.Path, "MINDSTORE_STORE_PATH")
	overrideString(&cfg.Store.Name, "MINDSTORE_STORE_NAME")
	overrideBool(&cfg.Recognition.Enabled, "MINDSTORE_RECOGNITION_ENABLED")
	overrideString(&cfg.Recognition.Mode, "MINDSTORE_RECOGNITION_MODE")
	overrideString(&cfg.Recognition.Language, "MINDSTORE_RECOGNITION_LANGUAGE")
	overrideBool(&cfg.STT.Enabled, "MINDSTORE_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "MINDSTORE_STT_MODE")
	overrideString(&cfg.STT.Command, "MINDSTORE_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "MINDSTORE_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "MINDSTORE_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "MINDSTORE_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "MINDSTORE_STT_CHANNELS")
	overrideInt(&cfg.STT.FrameDurationMS, "MINDSTORE_STT_FRAME_DURATION_MS")
	overrideInt(&cfg.STT.PartialEveryMS, "MINDSTORE_STT_PARTIAL_EVERY_MS")
	overrideBool(&cfg.STT.PublishInterim, "MINDSTORE_STT_PUBLISH_INTERIM")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	if cfg.Recognition.Enabled {
		switch cfg.Recognition.Mode {
		case "bus", "mock":
		default:
			return errors.New("recognition.mode must be one of bus|mock")
		}
		if cfg.Recognition.Language == "" {
			return errors.New("recognition.language must not be empty")
		}
	}
	if cfg.STT.Enabled {
		switch cfg.STT.Mode {
		case "mock", "exec":
		default:
			return errors.New("stt.mode must be one of mock|exec")
		}
		if cfg.STT.SampleRate <= 0 {
			return errors.New("stt.sample_rate must be positive")
		}
		if cfg.STT.Channels <= 0 {
			return errors.New("stt.channels must be positive")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	}
	return nil
}
