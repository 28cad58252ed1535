package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	s, err := load(viper.New(), t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	p := s.Pipeline
	if p.MaxConnections != 100 || p.ConnectionIdleTimeout != 300*time.Second || p.CleanupInterval != time.Minute {
		t.Errorf("connection defaults = %+v", p)
	}
	if p.BufferMaxSize != 100 || p.VADSilenceThreshold != 10 || p.VADAggressiveness != 2 {
		t.Errorf("audio defaults = %+v", p)
	}
	if p.WorkerPoolSize != 4 || p.PipelineTimeout != 30*time.Second {
		t.Errorf("processor defaults = %+v", p)
	}
	if p.RecoveryMaxRetries != 3 || p.RecoveryBaseDelay != time.Second || p.RecoveryMaxDelay != time.Minute {
		t.Errorf("recovery defaults = %+v", p)
	}
	if s.Server.Addr != ":8080" || s.LLM.Provider != "openai" {
		t.Errorf("settings = %+v", s)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("XARVIS_PIPELINE_MAX_CONNECTIONS", "7")
	t.Setenv("XARVIS_PIPELINE_PIPELINE_TIMEOUT", "5s")
	t.Setenv("XARVIS_REDIS_ADDR", "redis:6379")

	s, err := load(viper.New(), t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.Pipeline.MaxConnections != 7 || s.Pipeline.PipelineTimeout != 5*time.Second {
		t.Errorf("pipeline = %+v", s.Pipeline)
	}
	if s.Redis.Addr != "redis:6379" {
		t.Errorf("redis = %+v", s.Redis)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
server:
  allowed_origins: ["https://app.example"]
pipeline:
  worker_pool_size: 8
  vad_classifier: silero
  vad_service_url: http://vad:8000
llm:
  provider: ollama
  ollama_urls: ["http://a:11434", "http://b:11434"]
`
	if err := os.WriteFile(filepath.Join(dir, "config_dev.yaml"), []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := load(viper.New(), dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.Pipeline.WorkerPoolSize != 8 || s.Pipeline.VADClassifier != "silero" {
		t.Errorf("pipeline = %+v", s.Pipeline)
	}
	if s.LLM.Provider != "ollama" || len(s.LLM.OllamaURLs) != 2 {
		t.Errorf("llm = %+v", s.LLM)
	}
	if len(s.Server.AllowedOrigins) != 1 || s.Server.AllowedOrigins[0] != "https://app.example" {
		t.Errorf("allowed origins = %v", s.Server.AllowedOrigins)
	}
}

func TestValidate(t *testing.T) {
	base, err := load(viper.New(), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		mutate func(*Settings)
		want   string
	}{
		{"zero pool", func(s *Settings) { s.Pipeline.WorkerPoolSize = 0 }, "worker_pool_size"},
		{"negative timeout", func(s *Settings) { s.Pipeline.PipelineTimeout = -time.Second }, "pipeline_timeout"},
		{"aggressiveness", func(s *Settings) { s.Pipeline.VADAggressiveness = 4 }, "vad_aggressiveness"},
		{"silero without url", func(s *Settings) { s.Pipeline.VADClassifier = "silero" }, "vad_service_url"},
		{"bad provider", func(s *Settings) { s.LLM.Provider = "bard" }, "llm.provider"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := *base
			tt.mutate(&s)
			err := s.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want mention of %s", err, tt.want)
			}
		})
	}
	if err := base.Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
}
