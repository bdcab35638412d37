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

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type ExtractionConfig struct {
	Mode    string `yaml:"mode"` // plaintext, exec
	Command string `yaml:"command"`
}

type PreprocessConfig struct {
	Language       string `yaml:"language"` // "", en, es
	DictionaryPath string `yaml:"dictionary_path"`
	BaseDictionary string `yaml:"base_dictionary_path"`
}

type ChaptersConfig struct {
	MinLength   int  `yaml:"min_length"`
	UseTOCFirst bool `yaml:"use_toc_first"`
}

type ChunkingConfig struct {
	MaxChars           int `yaml:"max_chars"`
	MinChars           int `yaml:"min_chars"`
	ParagraphPauseOver int `yaml:"paragraph_pause_over"`
}

type SynthesisConfig struct {
	Mode       string  `yaml:"mode"` // mock, exec, http
	Command    string  `yaml:"command"`
	Endpoint   string  `yaml:"endpoint"`
	Voice      string  `yaml:"voice"`
	Speed      float64 `yaml:"speed"`
	SampleRate int     `yaml:"sample_rate"`
	TimeoutMS  int     `yaml:"timeout_ms"`
}

type CheckpointConfig struct {
	Dir    string `yaml:"dir"` // empty: derived from the output path
	Retain bool   `yaml:"retain"`
}

type CacheConfig struct {
	Dir string `yaml:"dir"` // empty: alongside the checkpoint
}

type DispatchConfig struct {
	Concurrency      int `yaml:"concurrency"`
	MaxAttempts      int `yaml:"max_attempts"`
	BackoffInitialMS int `yaml:"backoff_initial_ms"`
	BackoffMaxMS     int `yaml:"backoff_max_ms"`
}

type OutputConfig struct {
	Format           string `yaml:"format"` // "", wav, mp3, m4b
	ParagraphPauseMS int    `yaml:"paragraph_pause_ms"`
	ChapterPauseMS   int    `yaml:"chapter_pause_ms"`
	MP3Bitrate       string `yaml:"mp3_bitrate"`
	M4BBitrate       string `yaml:"m4b_bitrate"`
	FFmpegPath       string `yaml:"ffmpeg_path"`
}

type Config struct {
	JobName    string           `yaml:"job_name"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Bus        BusConfig        `yaml:"bus"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Preprocess PreprocessConfig `yaml:"preprocess"`
	Chapters   ChaptersConfig   `yaml:"chapters"`
	Chunking   ChunkingConfig   `yaml:"chunking"`
	Synthesis  SynthesisConfig  `yaml:"synthesis"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Cache      CacheConfig      `yaml:"cache"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Output     OutputConfig     `yaml:"output"`
}

func Default() Config {
	return Config{
		JobName: "tomecast",
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPInsecure:   true,
			PrometheusBind: ":9092",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Extraction: ExtractionConfig{
			Mode: "plaintext",
		},
		Chapters: ChaptersConfig{
			MinLength:   500,
			UseTOCFirst: true,
		},
		Chunking: ChunkingConfig{
			MaxChars:           400,
			MinChars:           50,
			ParagraphPauseOver: 100,
		},
		Synthesis: SynthesisConfig{
			Mode:       "mock",
			Voice:      "af_heart",
			Speed:      1.0,
			SampleRate: 24000,
			TimeoutMS:  120000,
		},
		Dispatch: DispatchConfig{
			Concurrency:      2,
			MaxAttempts:      3,
			BackoffInitialMS: 500,
			BackoffMaxMS:     15000,
		},
		Output: OutputConfig{
			ParagraphPauseMS: 500,
			ChapterPauseMS:   1500,
			MP3Bitrate:       "192k",
			M4BBitrate:       "128k",
			FFmpegPath:       "ffmpeg",
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
	overrideString(&cfg.JobName, "TOMECAST_JOB_NAME")
	overrideString(&cfg.Telemetry.LogLevel, "TOMECAST_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "TOMECAST_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "TOMECAST_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "TOMECAST_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "TOMECAST_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "TOMECAST_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "TOMECAST_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "TOMECAST_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "TOMECAST_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "TOMECAST_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "TOMECAST_BUS_TOKEN")
	overrideInt(&cfg.Bus.ConnectTimeout, "TOMECAST_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Extraction.Mode, "TOMECAST_EXTRACTION_MODE")
	overrideString(&cfg.Extraction.Command, "TOMECAST_EXTRACTION_COMMAND")
	overrideString(&cfg.Preprocess.Language, "TOMECAST_PREPROCESS_LANGUAGE")
	overrideString(&cfg.Preprocess.DictionaryPath, "TOMECAST_PREPROCESS_DICTIONARY_PATH")
	overrideString(&cfg.Preprocess.BaseDictionary, "TOMECAST_PREPROCESS_BASE_DICTIONARY_PATH")
	overrideInt(&cfg.Chapters.MinLength, "TOMECAST_CHAPTERS_MIN_LENGTH")
	overrideBool(&cfg.Chapters.UseTOCFirst, "TOMECAST_CHAPTERS_USE_TOC_FIRST")
	overrideInt(&cfg.Chunking.MaxChars, "TOMECAST_CHUNKING_MAX_CHARS")
	overrideInt(&cfg.Chunking.MinChars, "TOMECAST_CHUNKING_MIN_CHARS")
	overrideInt(&cfg.Chunking.ParagraphPauseOver, "TOMECAST_CHUNKING_PARAGRAPH_PAUSE_OVER")
	overrideString(&cfg.Synthesis.Mode, "TOMECAST_SYNTHESIS_MODE")
	overrideString(&cfg.Synthesis.Command, "TOMECAST_SYNTHESIS_COMMAND")
	overrideString(&cfg.Synthesis.Endpoint, "TOMECAST_SYNTHESIS_ENDPOINT")
	overrideString(&cfg.Synthesis.Voice, "TOMECAST_SYNTHESIS_VOICE")
	overrideFloat(&cfg.Synthesis.Speed, "TOMECAST_SYNTHESIS_SPEED")
	overrideInt(&cfg.Synthesis.SampleRate, "TOMECAST_SYNTHESIS_SAMPLE_RATE")
	overrideInt(&cfg.Synthesis.TimeoutMS, "TOMECAST_SYNTHESIS_TIMEOUT_MS")
	overrideString(&cfg.Checkpoint.Dir, "TOMECAST_CHECKPOINT_DIR")
	overrideBool(&cfg.Checkpoint.Retain, "TOMECAST_CHECKPOINT_RETAIN")
	overrideString(&cfg.Cache.Dir, "TOMECAST_CACHE_DIR")
	overrideInt(&cfg.Dispatch.Concurrency, "TOMECAST_DISPATCH_CONCURRENCY")
	overrideInt(&cfg.Dispatch.MaxAttempts, "TOMECAST_DISPATCH_MAX_ATTEMPTS")
	overrideInt(&cfg.Dispatch.BackoffInitialMS, "TOMECAST_DISPATCH_BACKOFF_INITIAL_MS")
	overrideInt(&cfg.Dispatch.BackoffMaxMS, "TOMECAST_DISPATCH_BACKOFF_MAX_MS")
	overrideString(&cfg.Output.Format, "TOMECAST_OUTPUT_FORMAT")
	overrideInt(&cfg.Output.ParagraphPauseMS, "TOMECAST_OUTPUT_PARAGRAPH_PAUSE_MS")
	overrideInt(&cfg.Output.ChapterPauseMS, "TOMECAST_OUTPUT_CHAPTER_PAUSE_MS")
	overrideString(&cfg.Output.MP3Bitrate, "TOMECAST_OUTPUT_MP3_BITRATE")
	overrideString(&cfg.Output.M4BBitrate, "TOMECAST_OUTPUT_M4B_BITRATE")
	overrideString(&cfg.Output.FFmpegPath, "TOMECAST_OUTPUT_FFMPEG_PATH")
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

func validate(cfg Config) error {
	if cfg.JobName == "" {
		return errors.New("job_name must not be empty")
	}
	switch cfg.Extraction.Mode {
	case "plaintext", "exec":
	default:
		return errors.New("extraction.mode must be one of plaintext|exec")
	}
	if cfg.Extraction.Mode == "exec" && cfg.Extraction.Command == "" {
		return errors.New("extraction.command must be set when mode=exec")
	}
	switch cfg.Preprocess.Language {
	case "", "en", "es":
	default:
		return errors.New("preprocess.language must be en|es or empty for auto-detection")
	}
	if cfg.Chapters.MinLength < 0 {
		return errors.New("chapters.min_length must be >= 0")
	}
	if cfg.Chunking.MaxChars <= 0 {
		return errors.New("chunking.max_chars must be positive")
	}
	if cfg.Chunking.MinChars < 0 || cfg.Chunking.MinChars >= cfg.Chunking.MaxChars {
		return errors.New("chunking.min_chars must be >= 0 and below max_chars")
	}
	switch cfg.Synthesis.Mode {
	case "mock", "exec", "http":
	default:
		return errors.New("synthesis.mode must be one of mock|exec|http")
	}
	if cfg.Synthesis.Mode == "exec" && cfg.Synthesis.Command == "" {
		return errors.New("synthesis.command must be set when mode=exec")
	}
	if cfg.Synthesis.Mode == "http" && cfg.Synthesis.Endpoint == "" {
		return errors.New("synthesis.endpoint must be set when mode=http")
	}
	if cfg.Synthesis.Speed < 0.5 || cfg.Synthesis.Speed > 2.0 {
		return errors.New("synthesis.speed must be between 0.5 and 2.0")
	}
	if cfg.Synthesis.SampleRate <= 0 {
		return errors.New("synthesis.sample_rate must be positive")
	}
	if cfg.Dispatch.Concurrency <= 0 {
		return errors.New("dispatch.concurrency must be >= 1")
	}
	if cfg.Dispatch.MaxAttempts <= 0 {
		return errors.New("dispatch.max_attempts must be >= 1")
	}
	switch cfg.Output.Format {
	case "", "wav", "mp3", "m4b":
	default:
		return errors.New("output.format must be wav|mp3|m4b or empty for extension detection")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	return nil
}
