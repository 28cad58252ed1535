package ollama

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ollama/ollama/api"

	"github.com/xpanvictor/xarvis-realtime/pkg/assistant"
)

// Chatter is the slice of the Ollama provider the adapter needs.
type Chatter interface {
	Chat(ctx context.Context, req api.ChatRequest, fn api.ChatResponseFunc) error
}

type ollamaAdapter struct {
	op    Chatter
	model string
}

func ConvertMsgs(msgs []assistant.AssistantMessage) []api.Message {
	convertedMsgs := make([]api.Message, 0, len(msgs))
	for _, msg := range msgs {
		content := msg.Content
		if msg.MsgRole == assistant.SYSTEM && !msg.CreatedAt.IsZero() {
			// time aware system
			content = fmt.Sprintf("%v\nCurrent Time: %v", msg.Content, msg.CreatedAt.Local().Format(time.RFC1123))
		}
		convertedMsgs = append(convertedMsgs, api.Message{
			Role:    string(msg.MsgRole),
			Content: content,
		})
	}
	return convertedMsgs
}

// ProcessPrompt implements assistant.Assistant. Streamed deltas are joined
// into one reply.
func (o *ollamaAdapter) ProcessPrompt(ctx context.Context, input assistant.AssistantInput) (*assistant.AssistantOutput, error) {
	model := o.model
	if input.Model != "" {
		model = input.Model
	}
	req := api.ChatRequest{
		Model:    model,
		Messages: ConvertMsgs(input.Msgs),
	}

	var sb strings.Builder
	var createdAt time.Time
	handler := func(cr api.ChatResponse) error {
		sb.WriteString(cr.Message.Content)
		if cr.Done {
			createdAt = cr.CreatedAt
		}
		return nil
	}
	if err := o.op.Chat(ctx, req, handler); err != nil {
		return nil, fmt.Errorf("ollama chat: %w", err)
	}
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	return &assistant.AssistantOutput{
		Id: uuid.NewString(),
		Response: assistant.AssistantMessage{
			Content:   sb.String(),
			CreatedAt: createdAt,
			MsgRole:   assistant.ASSISTANT,
		},
	}, nil
}

func New(provider Chatter, model string) assistant.Assistant {
	return &ollamaAdapter{
		op:    provider,
		model: model,
	}
}
