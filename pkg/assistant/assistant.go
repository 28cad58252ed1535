package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrEmptyReply = errors.New("assistant returned an empty reply")

func NewAssistantInput(msgs []AssistantMessage, model string) AssistantInput {
	return AssistantInput{
		Msgs:  msgs,
		Model: model,
	}
}

// Responder answers a single spoken turn: the system prompt plus the
// transcript, no history.
type Responder struct {
	assistant    Assistant
	systemPrompt string
	model        string
}

func NewResponder(a Assistant, systemPrompt, model string) *Responder {
	return &Responder{assistant: a, systemPrompt: systemPrompt, model: model}
}

func (r *Responder) GenerateResponse(ctx context.Context, text string) (string, error) {
	now := time.Now()
	msgs := make([]AssistantMessage, 0, 2)
	if r.systemPrompt != "" {
		msgs = append(msgs, AssistantMessage{Content: r.systemPrompt, CreatedAt: now, MsgRole: SYSTEM})
	}
	msgs = append(msgs, AssistantMessage{Content: text, CreatedAt: now, MsgRole: USER})

	out, err := r.assistant.ProcessPrompt(ctx, NewAssistantInput(msgs, r.model))
	if err != nil {
		return "", fmt.Errorf("generate response: %w", err)
	}
	reply := strings.TrimSpace(out.Response.Content)
	if reply == "" {
		return "", ErrEmptyReply
	}
	return reply, nil
}
