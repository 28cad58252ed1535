package app

import (
	"errors"
	"fmt"

	"github.com/xpanvictor/xarvis-realtime/internal/config"
	"github.com/xpanvictor/xarvis-realtime/internal/domains/sys_manager/pipeline"
	"github.com/xpanvictor/xarvis-realtime/pkg/Logger"
	"github.com/xpanvictor/xarvis-realtime/pkg/assistant"
	"github.com/xpanvictor/xarvis-realtime/pkg/assistant/adapters/ollama"
	olp "github.com/xpanvictor/xarvis-realtime/pkg/assistant/providers/ollama"
	"github.com/xpanvictor/xarvis-realtime/pkg/io/stt/whisper"
	"github.com/xpanvictor/xarvis-realtime/pkg/io/tts/piper"
)

// LLMFactory builds the assistant behind the pipeline's response stage.
type LLMFactory struct {
	config config.LLMConfig
	logger *Logger.Logger
}

func NewLLMFactory(cfg config.LLMConfig, logger *Logger.Logger) *LLMFactory {
	return &LLMFactory{
		config: cfg,
		logger: logger,
	}
}

// CreateAssistant returns the assistant for the configured provider.
func (f *LLMFactory) CreateAssistant() (assistant.Assistant, string, error) {
	switch f.config.Provider {
	case "openai":
		if f.config.OpenAIAPIKey == "" {
			return nil, "", errors.New("llm.openai_api_key is required for the openai provider")
		}
		f.logger.Infof("OpenAI assistant created, model: %s", f.config.OpenAIModel)
		return assistant.NewOpenAIAssistant(f.config.OpenAIAPIKey, f.config.OpenAIModel), f.config.OpenAIModel, nil
	case "ollama":
		provider, err := olp.New(f.config.OllamaURLs, f.logger)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create Ollama provider: %w", err)
		}
		f.logger.Infof("Ollama assistant created for URLs: %v, model: %s", f.config.OllamaURLs, f.config.OllamaModel)
		return ollama.New(provider, f.config.OllamaModel), f.config.OllamaModel, nil
	default:
		return nil, "", fmt.Errorf("unknown llm provider %q", f.config.Provider)
	}
}

// CreateResponder wraps the assistant with the configured system prompt.
func (f *LLMFactory) CreateResponder() (pipeline.Responder, error) {
	a, model, err := f.CreateAssistant()
	if err != nil {
		return nil, err
	}
	return assistant.NewResponder(a, f.config.SystemPrompt, model), nil
}

// buildStages wires Whisper, the configured LLM and Piper into pipeline stages.
func buildStages(cfg *config.Settings, logger *Logger.Logger) (pipeline.Stages, error) {
	llm, err := NewLLMFactory(cfg.LLM, logger).CreateResponder()
	if err != nil {
		return pipeline.Stages{}, err
	}
	return pipeline.Stages{
		STT: whisper.NewWhisperClient(cfg.Voice.STTURL, cfg.Pipeline.VADSampleRate, logger.Named("whisper")),
		LLM: llm,
		TTS: piper.New(cfg.Voice.TTSURL, cfg.Voice.TTSVoice),
	}, nil
}
