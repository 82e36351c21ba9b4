package signal

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/user/agentchat/internal/types"
)

// Working is an in-progress agent reply. It is never persisted; once the
// stream ends it is converted into a committed message or discarded.
type Working struct {
	ID        string
	ChatID    string
	AgentID   string
	StartedAt time.Time

	cancel context.CancelFunc

	mu    sync.Mutex
	text  strings.Builder
	shell *types.Message
}

// Snapshot is a point-in-time copy of a working signal.
type Snapshot struct {
	ID        string         `json:"id"`
	ChatID    string         `json:"chatId"`
	AgentID   string         `json:"agentId"`
	StartedAt time.Time      `json:"startedAt"`
	Text      string         `json:"text"`
	Message   *types.Message `json:"message"`
}

func (w *Working) append(delta string) {
	w.mu.Lock()
	w.text.WriteString(delta)
	w.mu.Unlock()
}

// Text returns the accumulated reply text.
func (w *Working) Text() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.text.String()
}

func (w *Working) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	shell := w.shell.Clone()
	shell.Parts = types.Parts{types.TextPart{Text: w.text.String()}}
	return Snapshot{
		ID:        w.ID,
		ChatID:    w.ChatID,
		AgentID:   w.AgentID,
		StartedAt: w.StartedAt,
		Text:      w.text.String(),
		Message:   shell,
	}
}

// finalize builds the message that replaces the shell, stamped at
// completion time.
func (w *Working) finalize(ts int64) *types.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	msg := w.shell.Clone()
	msg.Parts = types.Parts{types.TextPart{Text: w.text.String()}}
	msg.NetworkState = types.StateReceived
	if ts > msg.Timestamp {
		msg.Timestamp = ts
	}
	return msg
}

// EventType names a signal lifecycle notification.
type EventType string

const (
	EventStarted   EventType = "started"
	EventDelta     EventType = "delta"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Event is delivered to observers. Delta is set for EventDelta, Message
// for EventCompleted and EventFailed, Err for EventFailed.
type Event struct {
	Type    EventType
	Signal  Snapshot
	Delta   string
	Message *types.Message
	Err     error
}

// Observer is called synchronously from the goroutine driving the signal
// and must not block.
type Observer func(Event)
