// Package signal drives streaming agent replies: it commits the user's
// message, streams the model response into a working signal, and commits
// the finished reply or a failure notice through the chat store.
package signal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/user/agentchat/internal/agent"
	"github.com/user/agentchat/internal/chat"
	ctxengine "github.com/user/agentchat/internal/context"
	"github.com/user/agentchat/internal/gateway"
	"github.com/user/agentchat/internal/message"
	"github.com/user/agentchat/internal/metrics"
	"github.com/user/agentchat/internal/types"
	"github.com/user/agentchat/pkg/llm"
)

var (
	ErrAgentNotFound = errors.New("agent not found")
	// ErrSignalInFlight is returned when the agent is already replying in
	// the chat.
	ErrSignalInFlight = errors.New("agent reply already in flight")
	ErrEmptyMessage   = errors.New("empty message")
)

const systemSenderID = "system"

// Options configures a Store. Zero values are defaulted by NewStore.
type Options struct {
	// UserID is the sender id of locally authored messages.
	UserID string
	// Engine trims history to the model's context window. Nil sends the
	// full history.
	Engine *ctxengine.Engine
	// Retry governs opening the model stream. Deltas are never retried.
	Retry *gateway.RetryPolicy
}

// Store owns working signals and the hook chains. It never writes to
// storage directly; every commit goes through the chat store.
type Store struct {
	chats    *chat.Store
	agents   *agent.Registry
	provider llm.Provider
	opts     Options

	beforeSend   chain[[]types.Part]
	afterReceive chain[*types.Message]

	mu      sync.Mutex
	signals map[string][]*Working // chat id -> in-flight replies

	obsMu     sync.RWMutex
	observers map[int]Observer
	nextObs   int
}

func NewStore(chats *chat.Store, agents *agent.Registry, provider llm.Provider, opts Options) *Store {
	if opts.UserID == "" {
		opts.UserID = "user"
	}
	if opts.Retry == nil {
		opts.Retry = gateway.DefaultRetryPolicy()
	}
	return &Store{
		chats:        chats,
		agents:       agents,
		provider:     provider,
		opts:         opts,
		beforeSend:   chain[[]types.Part]{name: "before_send"},
		afterReceive: chain[*types.Message]{name: "after_receive"},
		signals:      make(map[string][]*Working),
		observers:    make(map[int]Observer),
	}
}

// UserSendMessage commits text as a user message in chatID and streams
// agentID's reply into the chat.
//
// Precondition failures (unknown chat or agent, a reply from the same agent
// already streaming) return an error and change nothing. Once the user
// message is committed, model failures do not return an error: a failed
// system message is committed instead and returned.
func (s *Store) UserSendMessage(ctx context.Context, chatID, text, agentID string) (*types.Message, error) {
	c, ok := s.chats.Chat(chatID)
	if !ok {
		slog.Warn("send to unknown chat", "chat_id", chatID)
		return nil, chat.ErrChatNotFound
	}
	ag, ok := s.agents.Get(agentID)
	if !ok {
		slog.Warn("send to unknown agent", "chat_id", chatID, "agent_id", agentID)
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}

	w, ctx, err := s.start(ctx, c, agentID)
	if err != nil {
		return nil, err
	}
	defer s.finish(w)

	userMsg, err := message.NewContentMessage(message.Spec{
		WorkspaceID:  c.WorkspaceID,
		ChannelID:    c.ChannelID,
		ChatID:       chatID,
		SenderID:     s.opts.UserID,
		SenderType:   types.SenderUser,
		NetworkState: types.StateReceived,
		Parts:        types.Parts{types.TextPart{Text: text}},
	})
	if err != nil {
		return nil, err
	}
	if err := s.chats.AddMessage(ctx, chatID, userMsg); err != nil {
		if !errors.Is(err, chat.ErrNotPersisted) {
			return nil, fmt.Errorf("commit user message: %w", err)
		}
		slog.Error("user message not persisted", "chat_id", chatID, "message_id", userMsg.ID, "error", err)
	}

	s.notify(Event{Type: EventStarted, Signal: w.Snapshot()})

	reply, err := s.stream(ctx, w, c, ag, userMsg)
	if err != nil {
		return s.fail(ctx, w, c, err)
	}
	if err := s.chats.AddMessage(ctx, chatID, reply); err != nil {
		if !errors.Is(err, chat.ErrNotPersisted) {
			return s.fail(ctx, w, c, fmt.Errorf("commit reply: %w", err))
		}
		slog.Error("agent reply not persisted", "chat_id", chatID, "message_id", reply.ID, "error", err)
	}

	metrics.SignalsFinished.WithLabelValues(string(EventCompleted)).Inc()
	s.notify(Event{Type: EventCompleted, Signal: w.Snapshot(), Message: reply.Clone()})
	slog.Info("agent reply committed", "chat_id", chatID, "agent_id", agentID, "message_id", reply.ID)
	return reply, nil
}

// start registers a working signal for (chat, agent). The signal's context
// is derived from ctx and cancelled by Cancel or finish.
func (s *Store) start(ctx context.Context, c *types.Chat, agentID string) (*Working, context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.signals[c.ID] {
		if w.AgentID == agentID {
			slog.Warn("agent reply already in flight", "chat_id", c.ID, "agent_id", agentID)
			return nil, nil, ErrSignalInFlight
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	w := &Working{
		ID:        types.NewSignalID(),
		ChatID:    c.ID,
		AgentID:   agentID,
		StartedAt: time.Now(),
		cancel:    cancel,
		shell: &types.Message{
			ID:           types.NewMessageID(),
			WorkspaceID:  c.WorkspaceID,
			ChannelID:    c.ChannelID,
			ChatID:       c.ID,
			SenderID:     agentID,
			SenderType:   types.SenderAgent,
			Timestamp:    message.NowMillis(),
			NetworkState: types.StateReceivingStream,
			Type:         types.ActivityContentMessage,
			Parts:        types.Parts{},
			Content: &types.ContentFields{
				Reactions:           []types.Reaction{},
				RelatedAgentTaskIDs: []string{},
			},
		},
	}
	s.signals[c.ID] = append(s.signals[c.ID], w)
	metrics.SignalsActive.Inc()
	return w, ctx, nil
}

func (s *Store) finish(w *Working) {
	w.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.signals[w.ChatID]
	for i, x := range list {
		if x == w {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.signals, w.ChatID)
	} else {
		s.signals[w.ChatID] = list
	}
	metrics.SignalsActive.Dec()
}

// stream runs the pre-send hooks, opens the model stream and accumulates
// deltas into w, then finalizes the reply through the post-receive hooks.
func (s *Store) stream(ctx context.Context, w *Working, c *types.Chat, ag agent.Agent, userMsg *types.Message) (*types.Message, error) {
	parts, err := s.beforeSend.run(ctx, []types.Part(userMsg.Parts.Clone()))
	if err != nil {
		return nil, err
	}
	outgoing := userMsg.Clone()
	outgoing.Parts = parts

	req, err := s.buildRequest(c, ag, outgoing)
	if err != nil {
		return nil, err
	}

	var deltas <-chan llm.Delta
	err = s.opts.Retry.ExecuteContext(ctx, func() error {
		var err error
		deltas, err = s.provider.Stream(ctx, req)
		if err != nil {
			slog.Warn("open model stream failed", "chat_id", c.ID, "agent_id", ag.ID, "error", err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case d, ok := <-deltas:
			if !ok {
				reply, err := s.afterReceive.run(ctx, w.finalize(message.NowMillis()))
				if err != nil {
					return nil, err
				}
				if reply == nil {
					return nil, errors.New("after_receive hook returned no message")
				}
				return reply, nil
			}
			if d.Err != nil {
				return nil, fmt.Errorf("stream: %w", d.Err)
			}
			if d.Content == "" {
				continue
			}
			w.append(d.Content)
			metrics.StreamDeltas.Inc()
			s.notify(Event{Type: EventDelta, Signal: w.Snapshot(), Delta: d.Content})
		}
	}
}

// buildRequest assembles the model request from the chat history with the
// user message replaced by its hooked version.
func (s *Store) buildRequest(c *types.Chat, ag agent.Agent, outgoing *types.Message) (*llm.Request, error) {
	history := s.chats.Messages(c.ID)
	for i, m := range history {
		if m.ID == outgoing.ID {
			history[i] = outgoing
		}
	}

	var participants []string
	for _, p := range c.Participants {
		participants = append(participants, p.UserID)
	}
	system, err := ctxengine.RenderSystemPrompt(ctxengine.PromptData{
		AgentName:    ag.Name,
		ChatName:     c.Name,
		Participants: participants,
		Instructions: ag.SystemPrompt,
	})
	if err != nil {
		return nil, err
	}

	var req *llm.Request
	if s.opts.Engine != nil {
		req = s.opts.Engine.BuildRequest(system, history)
	} else {
		req = &llm.Request{System: system, Messages: message.ToProviderMessages(history)}
	}
	req.Model = ag.Model
	return req, nil
}

// fail commits a failed system message describing cause. It runs on a
// context detached from cancellation so a cancelled send still leaves a
// visible trace in the chat. An error is returned only when the message
// itself cannot be built.
func (s *Store) fail(ctx context.Context, w *Working, c *types.Chat, cause error) (*types.Message, error) {
	ctx = context.WithoutCancel(ctx)
	slog.Error("agent reply failed", "chat_id", c.ID, "agent_id", w.AgentID, "error", cause)

	msg, err := failureMessage(c, w.AgentID, cause)
	if err != nil {
		slog.Error("build failure message", "chat_id", c.ID, "agent_id", w.AgentID, "error", err)
		metrics.SignalsFinished.WithLabelValues(string(EventFailed)).Inc()
		s.notify(Event{Type: EventFailed, Signal: w.Snapshot(), Err: cause})
		return nil, fmt.Errorf("build failure message: %w (reply failed: %v)", err, cause)
	}
	if err := s.chats.AddMessage(ctx, c.ID, msg); err != nil {
		slog.Error("commit failure message", "chat_id", c.ID, "error", err)
	}

	metrics.SignalsFinished.WithLabelValues(string(EventFailed)).Inc()
	s.notify(Event{Type: EventFailed, Signal: w.Snapshot(), Message: msg.Clone(), Err: cause})
	return msg, nil
}

func failureMessage(c *types.Chat, agentID string, cause error) (*types.Message, error) {
	text := fmt.Sprintf("%s failed to respond: %v", agentID, cause)
	if errors.Is(cause, context.Canceled) {
		text = fmt.Sprintf("%s response cancelled", agentID)
	}
	return message.NewContentMessage(message.Spec{
		WorkspaceID:  c.WorkspaceID,
		ChannelID:    c.ChannelID,
		ChatID:       c.ID,
		SenderID:     systemSenderID,
		SenderType:   types.SenderSystem,
		NetworkState: types.StateFailed,
		Parts:        types.Parts{types.TextPart{Text: text}},
		Metadata:     map[string]any{"agentId": agentID, "error": cause.Error()},
	})
}

// Cancel stops agentID's in-flight reply in chatID. It reports whether a
// reply was found.
func (s *Store) Cancel(chatID, agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.signals[chatID] {
		if w.AgentID == agentID {
			w.cancel()
			return true
		}
	}
	return false
}

// Signals returns snapshots of the replies streaming in chatID, oldest first.
func (s *Store) Signals(chatID string) []Snapshot {
	s.mu.Lock()
	list := append([]*Working(nil), s.signals[chatID]...)
	s.mu.Unlock()

	out := make([]Snapshot, len(list))
	for i, w := range list {
		out[i] = w.Snapshot()
	}
	return out
}

// Subscribe registers fn for lifecycle events and returns a function that
// removes it.
func (s *Store) Subscribe(fn Observer) (unsubscribe func()) {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.obsMu.Unlock()
	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

func (s *Store) notify(ev Event) {
	s.obsMu.RLock()
	ids := make([]int, 0, len(s.observers))
	for id := range s.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]Observer, len(ids))
	for i, id := range ids {
		fns[i] = s.observers[id]
	}
	s.obsMu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}
