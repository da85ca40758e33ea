// Package openai provides the OpenAI-compatible envelope types the host
// speaks on its chat/completions and model-list surfaces.
package openai

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ChatCompletionRequest is the subset of the request the host interprets;
// the full decoded body is still what a pipeline receives.
type ChatCompletionRequest struct {
	Model    string                  `json:"model"`
	Messages []ChatCompletionMessage `json:"messages"`
	Stream   bool                    `json:"stream,omitempty"`
	User     string                  `json:"user,omitempty"`
}

// ChatCompletionMessage is a message in the conversation.
type ChatCompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionResponse is the response envelope.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice is a completion choice.
type Choice struct {
	Index        int                   `json:"index"`
	Message      ChatCompletionMessage `json:"message"`
	FinishReason string                `json:"finish_reason"`
}

// Usage reports token accounting for a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Model is one entry of the model list.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the model list envelope.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// NewChatCompletion builds a single-choice completion response.
func NewChatCompletion(model, content string, usage Usage) ChatCompletionResponse {
	return ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.New().String(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []Choice{{
			Message:      ChatCompletionMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: usage,
	}
}

// ContentString renders a pipeline result as assistant message content:
// strings pass through verbatim, everything else is JSON-encoded.
func ContentString(result any) string {
	if s, ok := result.(string); ok {
		return s
	}
	if result == nil {
		return ""
	}
	data, err := json.Marshal(result)
	if err != nil {
		return ""
	}
	return string(data)
}
