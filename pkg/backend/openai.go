package backend

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// AgentHandle configures one agent slot of an OpenAI backend.
type AgentHandle struct {
	Model        string
	Instructions string
}

// OpenAI builds a backend whose RunAgent runs chat completions against
// the given client. Handles of type AgentHandle select model and system
// instructions; tool handles are plain ToolFunc values.
func OpenAI(client *openai.Client, defaultModel string, handles []interface{}) *Backend {
	if defaultModel == "" {
		defaultModel = openai.GPT4oMini
	}
	return &Backend{
		Handles: handles,
		RunAgent: func(ctx context.Context, handle interface{}, message string) (interface{}, error) {
			model := defaultModel
			var system string
			if h, ok := handle.(AgentHandle); ok {
				if h.Model != "" {
					model = h.Model
				}
				system = h.Instructions
			}
			msgs := make([]openai.ChatCompletionMessage, 0, 2)
			if system != "" {
				msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
			}
			msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: message})

			resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
				Model:    model,
				Messages: msgs,
			})
			if err != nil {
				return nil, fmt.Errorf("chat completion: %w", err)
			}
			if len(resp.Choices) == 0 {
				return "", nil
			}
			return resp.Choices[0].Message.Content, nil
		},
		RunTool: CallToolHandle,
	}
}
