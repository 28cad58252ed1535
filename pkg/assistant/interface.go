package assistant

import (
	"context"
	"time"
)

type Role string

const (
	USER      Role = "user"
	ASSISTANT Role = "assistant"
	SYSTEM    Role = "system"
)

type AssistantMessage struct {
	Content   string
	CreatedAt time.Time
	MsgRole   Role
}

type AssistantInput struct {
	Msgs []AssistantMessage
	// Model overrides the provider's default when set.
	Model string
}

type AssistantOutput struct {
	Id       string
	Response AssistantMessage
}

type Assistant interface {
	ProcessPrompt(ctx context.Context, input AssistantInput) (*AssistantOutput, error)
}
