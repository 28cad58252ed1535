package assistant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

type openAIAssistant struct {
	client openai.Client
	model  string
}

// ProcessPrompt implements Assistant.
func (o openAIAssistant) ProcessPrompt(
	ctx context.Context,
	input AssistantInput,
) (*AssistantOutput, error) {
	convertedMsgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(input.Msgs))
	for _, msg := range input.Msgs {
		convertedMsgs = append(convertedMsgs, convertToOpenaiMsg(msg))
	}
	model := o.model
	if input.Model != "" {
		model = input.Model
	}
	chatCompletion, err := o.client.Chat.Completions.New(
		ctx,
		openai.ChatCompletionNewParams{
			Messages: convertedMsgs,
			Model:    openai.ChatModel(model),
		},
	)
	if err != nil {
		return nil, fmt.Errorf("completion failed: %w", err)
	}
	if len(chatCompletion.Choices) == 0 {
		return nil, errors.New("completion returned no choices")
	}
	return &AssistantOutput{
		Id: chatCompletion.ID,
		Response: AssistantMessage{
			Content:   chatCompletion.Choices[0].Message.Content,
			CreatedAt: time.Now(),
			MsgRole:   ASSISTANT,
		},
	}, nil
}

func convertToOpenaiMsg(msg AssistantMessage) openai.ChatCompletionMessageParamUnion {
	switch msg.MsgRole {
	case ASSISTANT:
		return openai.AssistantMessage(msg.Content)
	case USER:
		return openai.UserMessage(msg.Content)
	case SYSTEM:
		return openai.SystemMessage(msg.Content)
	}
	return openai.UserMessage(msg.Content)
}

// NewOpenAIAssistant uses model unless a prompt names its own. Extra options
// (base URL, retries) are passed to the client.
func NewOpenAIAssistant(apiKey, model string, opts ...option.RequestOption) Assistant {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return openAIAssistant{
		client: openai.NewClient(opts...),
		model:  model,
	}
}
