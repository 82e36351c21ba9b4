package gateway

import (
	"context"
	"fmt"

	"github.com/user/agentchat/internal/chat"
	"github.com/user/agentchat/internal/types"
)

// Sender drives one user send to completion and returns the committed reply.
type Sender interface {
	UserSendMessage(ctx context.Context, chatID, text, agentID string) (*types.Message, error)
}

// Gateway turns send requests into runs on per-chat lanes, so sends to the
// same chat are processed in arrival order instead of being rejected.
type Gateway struct {
	chats  *chat.Store
	sender Sender
	Queue  *Queue

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Gateway with the given concurrency limit for simultaneous
// sends across chats.
func New(chats *chat.Store, sender Sender, maxConcurrent ...int64) *Gateway {
	var concurrency int64 = 2
	if len(maxConcurrent) > 0 && maxConcurrent[0] > 0 {
		concurrency = maxConcurrent[0]
	}
	g := &Gateway{
		chats:  chats,
		sender: sender,
		Queue:  NewQueue(concurrency),
	}
	g.Queue.SetProcessor(g.process)
	return g
}

// Start initialises the gateway's context and starts the internal queue.
func (g *Gateway) Start(ctx context.Context) {
	g.ctx, g.cancel = context.WithCancel(ctx)
	g.Queue.Start(g.ctx)
}

// Stop cancels the gateway context and stops the queue. It returns once
// every lane goroutine, and with it every in-flight send, has exited.
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.Queue.Stop()
}

// RunOption configures optional behavior on a Run.
type RunOption func(*Run)

// WithOnComplete sets a callback invoked with the committed reply.
func WithOnComplete(fn func(*types.Message, error)) RunOption {
	return func(r *Run) { r.OnComplete = fn }
}

// HandleSend checks the chat exists, wraps the send in a Run and enqueues it.
func (g *Gateway) HandleSend(_ context.Context, chatID, agentID, text string, opts ...RunOption) (*Run, error) {
	if _, ok := g.chats.Chat(chatID); !ok {
		return nil, fmt.Errorf("%w: %s", chat.ErrChatNotFound, chatID)
	}
	run := NewRun(chatID, agentID, text)
	for _, opt := range opts {
		opt(run)
	}
	if err := g.Queue.Enqueue(run); err != nil {
		return nil, err
	}
	return run, nil
}

func (g *Gateway) process(run *Run) error {
	ctx := run.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	reply, err := g.sender.UserSendMessage(ctx, run.ChatID, run.Text, run.AgentID)
	if run.OnComplete != nil {
		run.OnComplete(reply, err)
	}
	return err
}
