package gateway

import (
	"context"
	"time"

	"github.com/user/agentchat/internal/types"
)

// RunStatus represents the lifecycle state of a Run.
type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Run tracks one queued user send to an agent in a chat.
type Run struct {
	ID         string
	ChatID     string
	AgentID    string
	Text       string
	Status     RunStatus
	Attempts   int
	CreatedAt  time.Time
	StartedAt  *time.Time
	EndedAt    *time.Time
	Error      error
	Ctx        context.Context
	OnComplete func(reply *types.Message, err error)
}

// NewRun creates a Run in the Queued state.
func NewRun(chatID, agentID, text string) *Run {
	return &Run{
		ID:        types.NewSignalID(),
		ChatID:    chatID,
		AgentID:   agentID,
		Text:      text,
		Status:    RunStatusQueued,
		CreatedAt: time.Now(),
	}
}
