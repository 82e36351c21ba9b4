package signal

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/user/agentchat/internal/agent"
	"github.com/user/agentchat/internal/chat"
	"github.com/user/agentchat/internal/gateway"
	"github.com/user/agentchat/internal/message"
	"github.com/user/agentchat/internal/state"
	"github.com/user/agentchat/internal/types"
	"github.com/user/agentchat/pkg/llm"
)

// fakeProvider streams the configured deltas. When block is set, the
// stream stays open until the context is cancelled.
type fakeProvider struct {
	mu       sync.Mutex
	deltas   []llm.Delta
	openErr  error
	block    chan struct{}
	requests []*llm.Request
}

func (f *fakeProvider) Complete(context.Context, *llm.Request) (*llm.Response, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeProvider) Stream(ctx context.Context, req *llm.Request) (<-chan llm.Delta, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	ch := make(chan llm.Delta)
	go func() {
		defer close(ch)
		for _, d := range f.deltas {
			select {
			case ch <- d:
			case <-ctx.Done():
				return
			}
		}
		if f.block != nil {
			close(f.block)
			<-ctx.Done()
		}
	}()
	return ch, nil
}

func (f *fakeProvider) lastRequest() *llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return nil
	}
	return f.requests[len(f.requests)-1]
}

func setup(t *testing.T, p *fakeProvider) (*Store, *chat.Store, string) {
	t.Helper()
	chats := chat.NewStore(state.NewFileAdapter(t.TempDir()), chat.Options{})
	c, err := chats.CreateChat(context.Background(), chat.NewChat{Name: "c1"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	agents := agent.NewRegistry(agent.Agent{ID: "a1", Name: "Helper", Model: "test-model"})
	s := NewStore(chats, agents, p, Options{
		Retry: &gateway.RetryPolicy{MaxAttempts: 1, InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond},
	})
	return s, chats, c.ID
}

func TestUserSendMessageStreamsReply(t *testing.T) {
	p := &fakeProvider{deltas: []llm.Delta{{Content: "Hi"}, {Content: " there"}}}
	s, chats, chatID := setup(t, p)

	var mu sync.Mutex
	var events []EventType
	var deltas []string
	s.Subscribe(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev.Type)
		if ev.Type == EventDelta {
			deltas = append(deltas, ev.Signal.Text)
		}
	})

	reply, err := s.UserSendMessage(context.Background(), chatID, "Hello", "a1")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Text() != "Hi there" {
		t.Errorf("expected 'Hi there', got %q", reply.Text())
	}
	if reply.NetworkState != types.StateReceived {
		t.Errorf("expected received, got %s", reply.NetworkState)
	}
	if got := s.Signals(chatID); len(got) != 0 {
		t.Errorf("expected no working signals, got %d", len(got))
	}

	msgs := chats.Messages(chatID)
	if len(msgs) != 2 {
		t.Fatalf("expected user message and reply, got %d", len(msgs))
	}
	if msgs[0].SenderType != types.SenderUser || msgs[0].NetworkState != types.StateReceived || msgs[0].Text() != "Hello" {
		t.Errorf("unexpected user message %+v", msgs[0])
	}
	if msgs[1].ID != reply.ID || msgs[1].SenderID != "a1" {
		t.Errorf("unexpected reply in chat %+v", msgs[1])
	}
	if c, _ := chats.Chat(chatID); c.LastMessagePreview != "Hi there" {
		t.Errorf("expected preview of reply, got %q", c.LastMessagePreview)
	}

	req := p.lastRequest()
	if req.Model != "test-model" || !strings.Contains(req.System, "Helper") {
		t.Errorf("unexpected request model=%q system=%q", req.Model, req.System)
	}
	if len(req.Messages) != 1 || req.Messages[0].Content != "Hello" {
		t.Errorf("expected history with the user message, got %+v", req.Messages)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []EventType{EventStarted, EventDelta, EventDelta, EventCompleted}
	if len(events) != len(want) {
		t.Fatalf("expected events %v, got %v", want, events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], events[i])
		}
	}
	if deltas[0] != "Hi" || deltas[1] != "Hi there" {
		t.Errorf("expected accumulated text per delta, got %v", deltas)
	}
}

func TestUserSendMessageMidStreamFailure(t *testing.T) {
	p := &fakeProvider{deltas: []llm.Delta{{Content: "Hi"}, {Err: errors.New("connection reset")}}}
	s, chats, chatID := setup(t, p)

	msg, err := s.UserSendMessage(context.Background(), chatID, "Hello", "a1")
	if err != nil {
		t.Fatalf("stream failures are reported as messages, got %v", err)
	}
	if msg.SenderType != types.SenderSystem || msg.NetworkState != types.StateFailed {
		t.Errorf("expected failed system message, got %+v", msg)
	}
	if !strings.Contains(msg.Text(), "connection reset") {
		t.Errorf("expected failure cause in text, got %q", msg.Text())
	}

	msgs := chats.Messages(chatID)
	if len(msgs) != 2 {
		t.Fatalf("expected user message plus one failure, got %d", len(msgs))
	}
	var system int
	for _, m := range msgs {
		if m.SenderType == types.SenderSystem {
			system++
		}
		if m.SenderType == types.SenderAgent {
			t.Error("partial agent reply must not be committed")
		}
	}
	if system != 1 {
		t.Errorf("expected exactly one system message, got %d", system)
	}
	if got := s.Signals(chatID); len(got) != 0 {
		t.Errorf("expected working signal removed, got %d", len(got))
	}
}

func TestUserSendMessageOpenFailure(t *testing.T) {
	p := &fakeProvider{openErr: errors.New("invalid api key")}
	s, chats, chatID := setup(t, p)

	msg, err := s.UserSendMessage(context.Background(), chatID, "Hello", "a1")
	if err != nil {
		t.Fatal(err)
	}
	if msg.NetworkState != types.StateFailed {
		t.Errorf("expected failed message, got %s", msg.NetworkState)
	}
	if n := len(chats.Messages(chatID)); n != 2 {
		t.Errorf("expected 2 messages, got %d", n)
	}
}

func TestUserSendMessagePreconditions(t *testing.T) {
	s, chats, chatID := setup(t, &fakeProvider{})
	ctx := context.Background()

	if _, err := s.UserSendMessage(ctx, "missing", "Hello", "a1"); !errors.Is(err, chat.ErrChatNotFound) {
		t.Errorf("expected ErrChatNotFound, got %v", err)
	}
	if _, err := s.UserSendMessage(ctx, chatID, "Hello", "nobody"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
	for _, text := range []string{"", "   ", "\n\t "} {
		if _, err := s.UserSendMessage(ctx, chatID, text, "a1"); !errors.Is(err, ErrEmptyMessage) {
			t.Errorf("text %q: expected ErrEmptyMessage, got %v", text, err)
		}
	}
	if n := len(chats.Messages(chatID)); n != 0 {
		t.Errorf("precondition failures must not commit messages, got %d", n)
	}
}

func TestFailReportsUnbuildableMessage(t *testing.T) {
	s, chats, chatID := setup(t, &fakeProvider{})
	w := &Working{ID: "sig", AgentID: "a1", shell: &types.Message{}}

	var events []Event
	unsubscribe := s.Subscribe(func(ev Event) { events = append(events, ev) })
	defer unsubscribe()

	// A chat without an id cannot carry a message.
	msg, err := s.fail(context.Background(), w, &types.Chat{}, errors.New("boom"))
	if !errors.Is(err, message.ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
	if msg != nil {
		t.Errorf("expected no message, got %+v", msg)
	}
	if len(events) != 1 || events[0].Type != EventFailed {
		t.Errorf("expected one failed event, got %v", events)
	}
	if n := len(chats.Messages(chatID)); n != 0 {
		t.Errorf("expected nothing committed, got %d messages", n)
	}
}

func TestHookChainsRunInOrder(t *testing.T) {
	p := &fakeProvider{deltas: []llm.Delta{{Content: "reply"}}}
	s, chats, chatID := setup(t, p)

	appendText := func(suffix string) BeforeSendHook {
		return func(_ context.Context, parts []types.Part) ([]types.Part, error) {
			tp := parts[0].(types.TextPart)
			tp.Text += suffix
			return []types.Part{tp}, nil
		}
	}
	if !s.RegisterBeforeSendMessageHook("first", appendText("-1")) {
		t.Fatal("expected first registration to succeed")
	}
	s.RegisterBeforeSendMessageHook("second", appendText("-2"))
	if s.RegisterBeforeSendMessageHook("first", appendText("-dup")) {
		t.Error("duplicate key must not be registered")
	}

	s.RegisterAfterReceiveMessageHook("tag", func(_ context.Context, m *types.Message) (*types.Message, error) {
		m.Metadata = map[string]any{"tagged": true}
		return m, nil
	})

	reply, err := s.UserSendMessage(context.Background(), chatID, "x", "a1")
	if err != nil {
		t.Fatal(err)
	}

	req := p.lastRequest()
	if got := req.Messages[len(req.Messages)-1].Content; got != "x-1-2" {
		t.Errorf("expected hooks applied in registration order, got %q", got)
	}
	if chats.Messages(chatID)[0].Text() != "x" {
		t.Error("pre-send hooks must not rewrite the committed user message")
	}
	if reply.Metadata["tagged"] != true {
		t.Errorf("expected after-receive hook applied, got %v", reply.Metadata)
	}

	before, after := s.Hooks()
	if len(before) != 2 || before[0] != "first" || before[1] != "second" || len(after) != 1 {
		t.Errorf("unexpected hook keys %v %v", before, after)
	}
	if !s.RemoveBeforeSendMessageHook("first") || s.RemoveBeforeSendMessageHook("first") {
		t.Error("expected remove to succeed once")
	}
	if !s.RemoveAfterReceiveMessageHook("tag") {
		t.Error("expected after-receive hook removal")
	}
}

func TestHookErrorFailsReply(t *testing.T) {
	p := &fakeProvider{deltas: []llm.Delta{{Content: "reply"}}}
	s, _, chatID := setup(t, p)
	s.RegisterBeforeSendMessageHook("reject", func(context.Context, []types.Part) ([]types.Part, error) {
		return nil, errors.New("blocked by moderation")
	})

	msg, err := s.UserSendMessage(context.Background(), chatID, "x", "a1")
	if err != nil {
		t.Fatal(err)
	}
	if msg.NetworkState != types.StateFailed || !strings.Contains(msg.Text(), "blocked by moderation") {
		t.Errorf("expected failed message naming the hook error, got %q", msg.Text())
	}
	if p.lastRequest() != nil {
		t.Error("model must not be called when a pre-send hook fails")
	}
}

func TestSignalInFlightAndCancel(t *testing.T) {
	p := &fakeProvider{deltas: []llm.Delta{{Content: "partial"}}, block: make(chan struct{})}
	s, chats, chatID := setup(t, p)
	ctx := context.Background()

	done := make(chan *types.Message, 1)
	go func() {
		msg, err := s.UserSendMessage(ctx, chatID, "Hello", "a1")
		if err != nil {
			t.Error(err)
		}
		done <- msg
	}()

	select {
	case <-p.block:
	case <-time.After(2 * time.Second):
		t.Fatal("stream never started")
	}

	sigs := s.Signals(chatID)
	if len(sigs) != 1 || sigs[0].AgentID != "a1" {
		t.Fatalf("expected one working signal, got %+v", sigs)
	}
	if sigs[0].Message.NetworkState != types.StateReceivingStream {
		t.Errorf("expected shell in receiving_stream, got %s", sigs[0].Message.NetworkState)
	}

	if _, err := s.UserSendMessage(ctx, chatID, "again", "a1"); !errors.Is(err, ErrSignalInFlight) {
		t.Errorf("expected ErrSignalInFlight, got %v", err)
	}

	if !s.Cancel(chatID, "a1") {
		t.Fatal("expected cancel to find the signal")
	}
	select {
	case msg := <-done:
		if msg.NetworkState != types.StateFailed || msg.SenderType != types.SenderSystem {
			t.Errorf("expected failed system message after cancel, got %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not stop the stream")
	}

	if len(s.Signals(chatID)) != 0 {
		t.Error("expected signal removed after cancel")
	}
	if s.Cancel(chatID, "a1") {
		t.Error("expected nothing left to cancel")
	}
	// The rejected send committed nothing.
	if n := len(chats.Messages(chatID)); n != 2 {
		t.Errorf("expected user message and failure only, got %d", n)
	}
}
