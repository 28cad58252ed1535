package ollama

import (
	"context"
	"errors"
	"fmt"

	"github.com/ollama/ollama/api"
	"github.com/presbrey/ollamafarm"

	"github.com/xpanvictor/xarvis-realtime/pkg/Logger"
)

var ErrNoServers = errors.New("no ollama servers configured")

// OllamaProvider spreads chat requests over a farm of Ollama hosts.
type OllamaProvider struct {
	ollamafarm *ollamafarm.Farm
}

func New(urls []string, logger *Logger.Logger) (*OllamaProvider, error) {
	if logger == nil {
		logger = Logger.Nop()
	}
	farm := ollamafarm.New()

	registered := 0
	for _, u := range urls {
		if err := farm.RegisterURL(u, nil); err != nil {
			logger.Warnf("ollama server %s not registered: %v", u, err)
			continue
		}
		registered++
	}
	if registered == 0 {
		return nil, ErrNoServers
	}

	return &OllamaProvider{
		ollamafarm: farm,
	}, nil
}

func (o *OllamaProvider) Chat(
	ctx context.Context,
	req api.ChatRequest,
	fn api.ChatResponseFunc,
) error {
	// pick first available client
	ollama := o.ollamafarm.First(&ollamafarm.Where{Offline: false})
	if ollama != nil {
		return ollama.Client().Chat(ctx, &req, fn)
	}
	return fmt.Errorf("no online ollama server for model %v", req.Model)
}
