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
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type StoreConfig struct {
	Path          string `yaml:"path"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type ChatConfig struct {
	Subject   string `yaml:"subject"`
	Buffer    int    `yaml:"buffer"`
	BatchSize int    `yaml:"batch_size"`
	PollMS    int    `yaml:"poll_interval_ms"`
}

type ClassifierConfig struct {
	Keywords  []string `yaml:"keywords"`
	BatchSize int      `yaml:"batch_size"`
	PollMS    int      `yaml:"poll_interval_ms"`
}

type ExtractionConfig struct {
	Mode        string `yaml:"mode"` // mock, ollama, exec
	Endpoint    string `yaml:"endpoint"`
	Command     string `yaml:"command"`
	Model       string `yaml:"model"`
	TimeoutMS   int    `yaml:"timeout_ms"`
	MaxAttempts int    `yaml:"max_attempts"`
	Concurrency int    `yaml:"max_concurrency"`
	BatchSize   int    `yaml:"batch_size"`
	PollMS      int    `yaml:"poll_interval_ms"`
}

type GenerationConfig struct {
	Mode        string  `yaml:"mode"` // mock, ollama, exec
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TimeoutMS   int     `yaml:"timeout_ms"`
	MaxAttempts int     `yaml:"max_attempts"`
	Concurrency int     `yaml:"max_concurrency"`
	BatchSize   int     `yaml:"batch_size"`
	PollMS      int     `yaml:"poll_interval_ms"`
}

type SynthesisConfig struct {
	Mode        string `yaml:"mode"` // mock, voicevox, exec
	Endpoint    string `yaml:"endpoint"`
	Command     string `yaml:"command"`
	Speaker     int    `yaml:"speaker"`
	AudioDir    string `yaml:"audio_dir"`
	TimeoutMS   int    `yaml:"timeout_ms"`
	MaxAttempts int    `yaml:"max_attempts"`
	BatchSize   int    `yaml:"batch_size"`
	PollMS      int    `yaml:"poll_interval_ms"`
}

type PlaybackConfig struct {
	Mode        string `yaml:"mode"` // auto, manual
	Player      string `yaml:"player"`
	MaxAttempts int    `yaml:"max_attempts"`
	PollMS      int    `yaml:"poll_interval_ms"`
}

type PipelineConfig struct {
	// Stages started automatically at boot. Empty by default: operators
	// start stages explicitly after every restart.
	Autostart []string `yaml:"autostart"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Store       StoreConfig      `yaml:"store"`
	Chat        ChatConfig       `yaml:"chat"`
	Classifier  ClassifierConfig `yaml:"classifier"`
	Extraction  ExtractionConfig `yaml:"extraction"`
	Generation  GenerationConfig `yaml:"generation"`
	Synthesis   SynthesisConfig  `yaml:"synthesis"`
	Playback    PlaybackConfig   `yaml:"playback"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
}

func Default() Config {
	return Config{
		RuntimeName: "hoshiyomi",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Store: StoreConfig{
			Path: "./data/hoshiyomi.db",
		},
		Chat: ChatConfig{
			Subject:   "chat.message",
			Buffer:    256,
			BatchSize: 32,
			PollMS:    200,
		},
		Classifier: ClassifierConfig{
			Keywords:  []string{"占い", "占って", "uranai", "fortune", "horoscope"},
			BatchSize: 32,
			PollMS:    500,
		},
		Extraction: ExtractionConfig{
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			TimeoutMS:   30000,
			MaxAttempts: 5,
			Concurrency: 2,
			BatchSize:   4,
			PollMS:      1000,
		},
		Generation: GenerationConfig{
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			MaxTokens:   512,
			Temperature: 0.7,
			TimeoutMS:   60000,
			MaxAttempts: 5,
			Concurrency: 2,
			BatchSize:   4,
			PollMS:      1000,
		},
		Synthesis: SynthesisConfig{
			Mode:        "mock",
			Endpoint:    "http://localhost:50021",
			Speaker:     1,
			AudioDir:    "./data/audio",
			TimeoutMS:   90000,
			MaxAttempts: 3,
			BatchSize:   1,
			PollMS:      1000,
		},
		Playback: PlaybackConfig{
			Mode:        "auto",
			Player:      "aplay",
			MaxAttempts: 3,
			PollMS:      1000,
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
	overrideString(&cfg.RuntimeName, "HOSHIYOMI_RUNTIME_NAME")
	overrideString(&cfg.Environment, "HOSHIYOMI_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "HOSHIYOMI_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "HOSHIYOMI_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "HOSHIYOMI_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "HOSHIYOMI_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "HOSHIYOMI_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "HOSHIYOMI_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "HOSHIYOMI_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "HOSHIYOMI_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "HOSHIYOMI_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "HOSHIYOMI_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "HOSHIYOMI_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "HOSHIYOMI_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "HOSHIYOMI_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "HOSHIYOMI_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Store.Path, "HOSHIYOMI_STORE_PATH")
	overrideBool(&cfg.Store.VacuumOnStart, "HOSHIYOMI_STORE_VACUUM_ON_START")
	overrideString(&cfg.Chat.Subject, "HOSHIYOMI_CHAT_SUBJECT")
	overrideInt(&cfg.Chat.Buffer, "HOSHIYOMI_CHAT_BUFFER")
	overrideStringSlice(&cfg.Classifier.Keywords, "HOSHIYOMI_CLASSIFIER_KEYWORDS")
	overrideString(&cfg.Extraction.Mode, "HOSHIYOMI_EXTRACTION_MODE")
	overrideString(&cfg.Extraction.Endpoint, "HOSHIYOMI_EXTRACTION_ENDPOINT")
	overrideString(&cfg.Extraction.Command, "HOSHIYOMI_EXTRACTION_COMMAND")
	overrideString(&cfg.Extraction.Model, "HOSHIYOMI_EXTRACTION_MODEL")
	overrideInt(&cfg.Extraction.MaxAttempts, "HOSHIYOMI_EXTRACTION_MAX_ATTEMPTS")
	overrideInt(&cfg.Extraction.Concurrency, "HOSHIYOMI_EXTRACTION_MAX_CONCURRENCY")
	overrideString(&cfg.Generation.Mode, "HOSHIYOMI_GENERATION_MODE")
	overrideString(&cfg.Generation.Endpoint, "HOSHIYOMI_GENERATION_ENDPOINT")
	overrideString(&cfg.Generation.Command, "HOSHIYOMI_GENERATION_COMMAND")
	overrideString(&cfg.Generation.Model, "HOSHIYOMI_GENERATION_MODEL")
	overrideInt(&cfg.Generation.MaxTokens, "HOSHIYOMI_GENERATION_MAX_TOKENS")
	overrideFloat(&cfg.Generation.Temperature, "HOSHIYOMI_GENERATION_TEMPERATURE")
	overrideString(&cfg.Synthesis.Mode, "HOSHIYOMI_SYNTHESIS_MODE")
	overrideString(&cfg.Synthesis.Endpoint, "HOSHIYOMI_SYNTHESIS_ENDPOINT")
	overrideString(&cfg.Synthesis.Command, "HOSHIYOMI_SYNTHESIS_COMMAND")
	overrideInt(&cfg.Synthesis.Speaker, "HOSHIYOMI_SYNTHESIS_SPEAKER")
	overrideString(&cfg.Synthesis.AudioDir, "HOSHIYOMI_SYNTHESIS_AUDIO_DIR")
	overrideString(&cfg.Playback.Mode, "HOSHIYOMI_PLAYBACK_MODE")
	overrideString(&cfg.Playback.Player, "HOSHIYOMI_PLAYBACK_PLAYER")
	overrideStringSlice(&cfg.Pipeline.Autostart, "HOSHIYOMI_PIPELINE_AUTOSTART")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
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

var stageNames = map[string]bool{
	"ingest":     true,
	"classify":   true,
	"extract":    true,
	"generate":   true,
	"synthesize": true,
	"playback":   true,
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
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
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	if cfg.Chat.Subject == "" {
		return errors.New("chat.subject must not be empty")
	}
	if cfg.Chat.Buffer <= 0 {
		return errors.New("chat.buffer must be positive")
	}
	if len(cfg.Classifier.Keywords) == 0 {
		return errors.New("classifier.keywords must not be empty")
	}
	switch cfg.Extraction.Mode {
	case "mock", "ollama", "exec":
	default:
		return errors.New("extraction.mode must be one of mock|ollama|exec")
	}
	if cfg.Extraction.Mode == "ollama" && cfg.Extraction.Endpoint == "" {
		return errors.New("extraction.endpoint must be set when mode=ollama")
	}
	if cfg.Extraction.Mode == "exec" && cfg.Extraction.Command == "" {
		return errors.New("extraction.command must be set when mode=exec")
	}
	switch cfg.Generation.Mode {
	case "mock", "ollama", "exec":
	default:
		return errors.New("generation.mode must be one of mock|ollama|exec")
	}
	if cfg.Generation.Mode == "ollama" && cfg.Generation.Endpoint == "" {
		return errors.New("generation.endpoint must be set when mode=ollama")
	}
	if cfg.Generation.Mode == "exec" && cfg.Generation.Command == "" {
		return errors.New("generation.command must be set when mode=exec")
	}
	switch cfg.Synthesis.Mode {
	case "mock", "voicevox", "exec":
	default:
		return errors.New("synthesis.mode must be one of mock|voicevox|exec")
	}
	if cfg.Synthesis.Mode == "voicevox" && cfg.Synthesis.Endpoint == "" {
		return errors.New("synthesis.endpoint must be set when mode=voicevox")
	}
	if cfg.Synthesis.Mode == "exec" && cfg.Synthesis.Command == "" {
		return errors.New("synthesis.command must be set when mode=exec")
	}
	if cfg.Synthesis.AudioDir == "" {
		return errors.New("synthesis.audio_dir must not be empty")
	}
	switch cfg.Playback.Mode {
	case "auto", "manual":
	default:
		return errors.New("playback.mode must be one of auto|manual")
	}
	if cfg.Playback.Player == "" {
		// Manual stepping plays audio too, so the player is required in
		// both modes.
		return errors.New("playback.player must not be empty")
	}
	for _, name := range cfg.Pipeline.Autostart {
		if !stageNames[name] {
			return fmt.Errorf("pipeline.autostart: unknown stage %q", name)
		}
	}
	for _, v := range []struct {
		name  string
		value int
	}{
		{"chat.batch_size", cfg.Chat.BatchSize},
		{"classifier.batch_size", cfg.Classifier.BatchSize},
		{"extraction.batch_size", cfg.Extraction.BatchSize},
		{"extraction.max_attempts", cfg.Extraction.MaxAttempts},
		{"extraction.max_concurrency", cfg.Extraction.Concurrency},
		{"generation.batch_size", cfg.Generation.BatchSize},
		{"generation.max_attempts", cfg.Generation.MaxAttempts},
		{"generation.max_concurrency", cfg.Generation.Concurrency},
		{"synthesis.batch_size", cfg.Synthesis.BatchSize},
		{"synthesis.max_attempts", cfg.Synthesis.MaxAttempts},
		{"playback.max_attempts", cfg.Playback.MaxAttempts},
	} {
		if v.value <= 0 {
			return fmt.Errorf("%s must be >= 1", v.name)
		}
	}
	return nil
}
