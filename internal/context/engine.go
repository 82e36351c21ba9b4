// internal/context/engine.go
package context

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/agentchat/internal/message"
	"github.com/user/agentchat/internal/types"
	"github.com/user/agentchat/pkg/llm"
)

// Engine assembles token-budgeted model requests from chat history.
type Engine struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
	reserve   int
}

// New creates a context engine with the specified token budget.
// model is used to select the appropriate tokenizer (e.g. "gpt-4").
// maxTokens is the model's context window size.
// reserve is the number of tokens to reserve for the model's response.
func New(model string, maxTokens, reserve int) (*Engine, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &Engine{
		tokenizer: enc,
		maxTokens: maxTokens,
		reserve:   reserve,
	}, nil
}

// countTokens returns the token count for a string.
func (e *Engine) countTokens(text string) int {
	return len(e.tokenizer.Encode(text, nil, nil))
}

// BuildRequest converts chat history into a model request. The system
// prompt is always included; history is kept newest-first until the budget
// runs out, then restored to chronological order.
func (e *Engine) BuildRequest(system string, history []*types.Message) *llm.Request {
	budget := e.maxTokens - e.reserve - e.countTokens(system)

	msgs := message.ToProviderMessages(history)
	start := len(msgs)
	used := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		// Per-message overhead for role and separators.
		cost := e.countTokens(msgs[i].Content) + 4
		if used+cost > budget {
			break
		}
		used += cost
		start = i
	}

	return &llm.Request{
		System:   system,
		Messages: msgs[start:],
	}
}
