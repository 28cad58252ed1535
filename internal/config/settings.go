package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	Addr  string `mapstructure:"addr"`
	Debug bool   `mapstructure:"debug"`
	Env   string `mapstructure:"env"`
	// browser origins allowed to open /ws; empty accepts any
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// PipelineConfig is the tuning surface of the realtime voice pipeline.
type PipelineConfig struct {
	MaxConnections        int           `mapstructure:"max_connections"`
	ConnectionIdleTimeout time.Duration `mapstructure:"connection_idle_timeout"`
	CleanupInterval       time.Duration `mapstructure:"cleanup_interval"`
	HeartbeatInterval     time.Duration `mapstructure:"heartbeat_interval"`

	BufferMaxSize   int `mapstructure:"buffer_max_size"`
	BufferRingBytes int `mapstructure:"buffer_ring_bytes"`

	VADAggressiveness   int    `mapstructure:"vad_aggressiveness"`
	VADSilenceThreshold int    `mapstructure:"vad_silence_threshold"`
	VADSampleRate       int    `mapstructure:"vad_sample_rate"`
	VADFrameDurationMs  int    `mapstructure:"vad_frame_duration_ms"`
	VADClassifier       string `mapstructure:"vad_classifier"` // energy | silero
	VADServiceURL       string `mapstructure:"vad_service_url"`

	WorkerPoolSize  int           `mapstructure:"worker_pool_size"`
	PipelineTimeout time.Duration `mapstructure:"pipeline_timeout"`

	RecoveryMaxRetries int           `mapstructure:"recovery_max_retries"`
	RecoveryBaseDelay  time.Duration `mapstructure:"recovery_base_delay"`
	RecoveryMaxDelay   time.Duration `mapstructure:"recovery_max_delay"`
}

type VoiceConfig struct {
	STTURL   string `mapstructure:"stt_url"`
	TTSURL   string `mapstructure:"tts_url"`
	TTSVoice string `mapstructure:"tts_voice"`
}

type LLMConfig struct {
	Provider     string   `mapstructure:"provider"` // openai | ollama
	OpenAIAPIKey string   `mapstructure:"openai_api_key"`
	OpenAIModel  string   `mapstructure:"openai_model"`
	OllamaURLs   []string `mapstructure:"ollama_urls"`
	OllamaModel  string   `mapstructure:"ollama_model"`
	SystemPrompt string   `mapstructure:"system_prompt"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Pass      string `mapstructure:"pass"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type Settings struct {
	Server   ServerConfig   `mapstructure:"server"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Voice    VoiceConfig    `mapstructure:"voice"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.debug", false)
	v.SetDefault("server.env", "dev")
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("pipeline.max_connections", 100)
	v.SetDefault("pipeline.connection_idle_timeout", "300s")
	v.SetDefault("pipeline.cleanup_interval", "60s")
	v.SetDefault("pipeline.heartbeat_interval", "30s")
	v.SetDefault("pipeline.buffer_max_size", 100)
	v.SetDefault("pipeline.buffer_ring_bytes", 512*1024)
	v.SetDefault("pipeline.vad_aggressiveness", 2)
	v.SetDefault("pipeline.vad_silence_threshold", 10)
	v.SetDefault("pipeline.vad_sample_rate", 16000)
	v.SetDefault("pipeline.vad_frame_duration_ms", 30)
	v.SetDefault("pipeline.vad_classifier", "energy")
	v.SetDefault("pipeline.vad_service_url", "")
	v.SetDefault("pipeline.worker_pool_size", 4)
	v.SetDefault("pipeline.pipeline_timeout", "30s")
	v.SetDefault("pipeline.recovery_max_retries", 3)
	v.SetDefault("pipeline.recovery_base_delay", "1s")
	v.SetDefault("pipeline.recovery_max_delay", "60s")

	v.SetDefault("voice.stt_url", "http://localhost:9000")
	v.SetDefault("voice.tts_url", "http://localhost:5000")
	v.SetDefault("voice.tts_voice", "")

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.openai_api_key", "")
	v.SetDefault("llm.openai_model", "gpt-4o-mini")
	v.SetDefault("llm.ollama_urls", []string{"http://localhost:11434"})
	v.SetDefault("llm.ollama_model", "llama3.1")
	v.SetDefault("llm.system_prompt", "You are Xarvis, a voice assistant. Answer in one or two short spoken sentences.")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.pass", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "xarvis:session:")

	v.SetDefault("metrics.enabled", true)
}

// Load reads config_<env>.yaml from the working directory when present and
// applies XARVIS_* environment overrides on top of the defaults.
func Load() (*Settings, error) {
	return load(viper.New(), ".")
}

func load(v *viper.Viper, dir string) (*Settings, error) {
	setDefaults(v)
	v.SetEnvPrefix("XARVIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config_" + genEnv(v))
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &settings, nil
}

func genEnv(v *viper.Viper) string {
	env := v.GetString("server.env")
	if env == "" {
		return "dev"
	}
	return env
}

// Validate rejects settings the pipeline cannot run with.
func (s *Settings) Validate() error {
	p := s.Pipeline
	var errs []error
	positive := map[string]int{
		"max_connections":       p.MaxConnections,
		"buffer_max_size":       p.BufferMaxSize,
		"buffer_ring_bytes":     p.BufferRingBytes,
		"vad_silence_threshold": p.VADSilenceThreshold,
		"vad_sample_rate":       p.VADSampleRate,
		"vad_frame_duration_ms": p.VADFrameDurationMs,
		"worker_pool_size":      p.WorkerPoolSize,
	}
	for name, val := range positive {
		if val <= 0 {
			errs = append(errs, fmt.Errorf("pipeline.%s must be positive, got %d", name, val))
		}
	}
	durations := map[string]time.Duration{
		"connection_idle_timeout": p.ConnectionIdleTimeout,
		"cleanup_interval":        p.CleanupInterval,
		"heartbeat_interval":      p.HeartbeatInterval,
		"pipeline_timeout":        p.PipelineTimeout,
		"recovery_base_delay":     p.RecoveryBaseDelay,
		"recovery_max_delay":      p.RecoveryMaxDelay,
	}
	for name, val := range durations {
		if val <= 0 {
			errs = append(errs, fmt.Errorf("pipeline.%s must be positive, got %s", name, val))
		}
	}
	if p.VADAggressiveness < 0 || p.VADAggressiveness > 3 {
		errs = append(errs, fmt.Errorf("pipeline.vad_aggressiveness must be 0-3, got %d", p.VADAggressiveness))
	}
	if p.RecoveryMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("pipeline.recovery_max_retries must not be negative"))
	}
	switch p.VADClassifier {
	case "energy":
	case "silero":
		if p.VADServiceURL == "" {
			errs = append(errs, errors.New("pipeline.vad_service_url is required for the silero classifier"))
		}
	default:
		errs = append(errs, fmt.Errorf("pipeline.vad_classifier %q is not energy or silero", p.VADClassifier))
	}
	switch s.LLM.Provider {
	case "openai", "ollama":
	default:
		errs = append(errs, fmt.Errorf("llm.provider %q is not openai or ollama", s.LLM.Provider))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
