// Package chat holds the authoritative in-memory view of chats and their
// messages and is the only writer to the persistence adapter.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/user/agentchat/internal/metrics"
	"github.com/user/agentchat/internal/types"
)

var (
	ErrChatNotFound   = errors.New("chat not found")
	ErrNotInitialized = errors.New("persistence adapter not initialized")
	// ErrNotPersisted wraps a persistence failure that happened after the
	// in-memory state was already updated.
	ErrNotPersisted = errors.New("state not persisted")
)

// Durability selects the order of the in-memory commit and the
// persistence call.
type Durability int

const (
	// BestEffort updates memory first; a failed save leaves memory ahead of disk.
	BestEffort Durability = iota
	// WriteAhead persists first and only then updates memory.
	WriteAhead
)

// ParseDurability maps a config value to a Durability.
func ParseDurability(s string) (Durability, error) {
	switch s {
	case "", "best_effort":
		return BestEffort, nil
	case "write_ahead":
		return WriteAhead, nil
	}
	return BestEffort, fmt.Errorf("unknown durability %q", s)
}

func (d Durability) String() string {
	if d == WriteAhead {
		return "write_ahead"
	}
	return "best_effort"
}

const (
	previewLength = 50
	emptyPreview  = "No messages yet"
)

// Options configures a Store.
type Options struct {
	Durability Durability
	// PreloadRecent is how many of the most recent chats get their messages
	// hydrated by LoadChatsFromPersistence. Others load lazily.
	PreloadRecent int
	Now           func() time.Time
}

// Store owns chats and messages. Mutations of one chat are serialized;
// different chats proceed independently.
type Store struct {
	adapter types.PersistenceAdapter
	opts    Options

	mu       sync.RWMutex
	chats    map[string]*types.Chat
	messages map[string][]*types.Message
	hydrated map[string]bool
	active   string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewStore creates a Store over the given adapter.
func NewStore(adapter types.PersistenceAdapter, opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		adapter:  adapter,
		opts:     opts,
		chats:    make(map[string]*types.Chat),
		messages: make(map[string][]*types.Message),
		hydrated: make(map[string]bool),
		locks:    make(map[string]*sync.Mutex),
	}
}

// getLock returns the per-chat mutex, creating one if it doesn't exist.
func (s *Store) getLock(chatID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if lock, ok := s.locks[chatID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.locks[chatID] = lock
	return lock
}

// NewChat describes a chat to create.
type NewChat struct {
	Name         string
	Type         types.ChatType
	WorkspaceID  string
	ChannelID    string
	Participants []types.Participant
}

// CreateChat allocates ids, derives the preview from the initial messages
// and commits chat and messages. Under BestEffort a persistence failure
// still returns the chat along with an error wrapping ErrNotPersisted.
func (s *Store) CreateChat(ctx context.Context, in NewChat, initial []*types.Message) (*types.Chat, error) {
	if s.adapter == nil {
		slog.Warn("create chat without persistence adapter")
		return nil, ErrNotInitialized
	}

	now := s.opts.Now().UTC()
	chatType := in.Type
	if chatType == "" {
		chatType = types.ChatTypeDirect
	}
	chat := &types.Chat{
		ID:               types.NewChatID(),
		Name:             in.Name,
		Type:             chatType,
		WorkspaceID:      in.WorkspaceID,
		ChannelID:        in.ChannelID,
		PrimaryContextID: types.NewContextID(),
		TaskIDs:          []string{},
		Participants:     append([]types.Participant{}, in.Participants...),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	msgs := merge(nil, initial, chat.ID)
	applyPreview(chat, msgs, now)

	lock := s.getLock(chat.ID)
	lock.Lock()
	defer lock.Unlock()

	err := s.commit(ctx, chat, msgs, true)
	if err != nil && !errors.Is(err, ErrNotPersisted) {
		return nil, err
	}
	slog.Debug("chat created", "chat_id", chat.ID, "messages", len(msgs))
	return chat.Clone(), err
}

// AddMessage commits one message. A message whose id or client message id
// is already present replaces it in place.
func (s *Store) AddMessage(ctx context.Context, chatID string, msg *types.Message) error {
	return s.AddMessages(ctx, chatID, []*types.Message{msg})
}

// AddMessages merges a batch into the chat, deduplicating by id and client
// message id and keeping the list sorted by timestamp with ties in
// insertion order.
func (s *Store) AddMessages(ctx context.Context, chatID string, batch []*types.Message) error {
	if s.adapter == nil {
		slog.Warn("add messages without persistence adapter", "chat_id", chatID)
		return ErrNotInitialized
	}
	if len(batch) == 0 {
		return nil
	}

	lock := s.getLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	chat, existing, err := s.snapshot(ctx, chatID)
	if err != nil {
		return err
	}

	msgs := merge(existing, batch, chatID)
	applyPreview(chat, msgs, s.bump(chat.UpdatedAt))

	if err := s.commit(ctx, chat, msgs, true); err != nil {
		return err
	}
	for _, m := range batch {
		metrics.MessagesCommitted.WithLabelValues(string(m.SenderType)).Inc()
	}
	return nil
}

// ChatUpdate carries the fields to shallow-merge into a chat. Nil fields
// are left unchanged.
type ChatUpdate struct {
	Name                *string
	Type                *types.ChatType
	Participants        *[]types.Participant
	TaskIDs             *[]string
	LastViewedMessageID *string
}

// UpdateChat merges the update into the chat and bumps UpdatedAt.
func (s *Store) UpdateChat(ctx context.Context, chatID string, upd ChatUpdate) (*types.Chat, error) {
	if s.adapter == nil {
		return nil, ErrNotInitialized
	}

	lock := s.getLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	current, ok := s.chats[chatID]
	s.mu.RUnlock()
	if !ok {
		slog.Warn("update of unknown chat", "chat_id", chatID)
		return nil, fmt.Errorf("%w: %s", ErrChatNotFound, chatID)
	}

	chat := current.Clone()
	if upd.Name != nil {
		chat.Name = *upd.Name
	}
	if upd.Type != nil {
		chat.Type = *upd.Type
	}
	if upd.Participants != nil {
		chat.Participants = append([]types.Participant{}, (*upd.Participants)...)
	}
	if upd.TaskIDs != nil {
		chat.TaskIDs = append([]string{}, (*upd.TaskIDs)...)
	}
	if upd.LastViewedMessageID != nil {
		chat.LastViewedMessageID = *upd.LastViewedMessageID
	}
	chat.UpdatedAt = s.bump(chat.UpdatedAt)

	err := s.commit(ctx, chat, nil, false)
	if err != nil && !errors.Is(err, ErrNotPersisted) {
		return nil, err
	}
	return chat.Clone(), err
}

// DeleteChat removes the chat and its messages from memory and storage,
// clearing the active chat if it pointed here.
func (s *Store) DeleteChat(ctx context.Context, chatID string) error {
	if s.adapter == nil {
		return ErrNotInitialized
	}

	lock := s.getLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	_, ok := s.chats[chatID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrChatNotFound, chatID)
	}

	remove := func() {
		s.mu.Lock()
		delete(s.chats, chatID)
		delete(s.messages, chatID)
		delete(s.hydrated, chatID)
		if s.active == chatID {
			s.active = ""
		}
		s.mu.Unlock()
	}

	if s.opts.Durability == BestEffort {
		remove()
	}
	if err := s.persist("delete_chat", func() error { return s.adapter.DeleteChat(ctx, chatID) }); err != nil {
		slog.Error("delete chat failed", "chat_id", chatID, "error", err)
		if s.opts.Durability == WriteAhead {
			return err
		}
		return fmt.Errorf("%w: %w", ErrNotPersisted, err)
	}
	if s.opts.Durability == WriteAhead {
		remove()
	}
	return nil
}

// LoadChatsFromPersistence rebuilds the chat index from the adapter and
// hydrates messages of the most recent chats concurrently.
func (s *Store) LoadChatsFromPersistence(ctx context.Context) error {
	if s.adapter == nil {
		return ErrNotInitialized
	}

	chats, err := s.adapter.ListChats(ctx)
	if err != nil {
		slog.Error("list chats failed", "error", err)
		return fmt.Errorf("list chats: %w", err)
	}

	s.mu.Lock()
	s.chats = make(map[string]*types.Chat, len(chats))
	s.messages = make(map[string][]*types.Message)
	s.hydrated = make(map[string]bool)
	for _, c := range chats {
		s.chats[c.ID] = c.Clone()
	}
	if _, ok := s.chats[s.active]; !ok {
		s.active = ""
	}
	s.mu.Unlock()

	sort.SliceStable(chats, func(i, j int) bool {
		return chats[i].LastMessageTimestamp > chats[j].LastMessageTimestamp
	})
	n := min(s.opts.PreloadRecent, len(chats))
	if n <= 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, c := range chats[:n] {
		id := c.ID
		g.Go(func() error {
			_, err := s.LoadMessagesForChat(gctx, id)
			return err
		})
	}
	return g.Wait()
}

// LoadMessagesForChat returns the chat's messages, reading them from the
// adapter on first access.
func (s *Store) LoadMessagesForChat(ctx context.Context, chatID string) ([]*types.Message, error) {
	if s.adapter == nil {
		return nil, ErrNotInitialized
	}

	lock := s.getLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	_, msgs, err := s.snapshot(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return cloneMessages(msgs), nil
}

// snapshot returns copies of the chat and its hydrated message list.
// Caller must hold the chat lock.
func (s *Store) snapshot(ctx context.Context, chatID string) (*types.Chat, []*types.Message, error) {
	s.mu.RLock()
	chat, ok := s.chats[chatID]
	msgs := s.messages[chatID]
	hydrated := s.hydrated[chatID]
	s.mu.RUnlock()
	if !ok {
		slog.Warn("unknown chat", "chat_id", chatID)
		return nil, nil, fmt.Errorf("%w: %s", ErrChatNotFound, chatID)
	}
	if hydrated {
		return chat.Clone(), append([]*types.Message(nil), msgs...), nil
	}

	var loaded []*types.Message
	err := s.persist("load_messages", func() error {
		var err error
		loaded, err = s.adapter.LoadMessages(ctx, chatID)
		return err
	})
	if err != nil {
		slog.Error("load messages failed", "chat_id", chatID, "error", err)
		return nil, nil, fmt.Errorf("load messages for %s: %w", chatID, err)
	}
	// Anything committed in memory before hydration wins over stored copies.
	merged := merge(loaded, msgs, chatID)

	s.mu.Lock()
	s.messages[chatID] = merged
	s.hydrated[chatID] = true
	s.mu.Unlock()
	return chat.Clone(), append([]*types.Message(nil), merged...), nil
}

// commit applies chat (and msgs when withMessages) to memory and storage
// in the order the durability policy dictates. Caller must hold the chat lock.
func (s *Store) commit(ctx context.Context, chat *types.Chat, msgs []*types.Message, withMessages bool) error {
	apply := func() {
		s.mu.Lock()
		s.chats[chat.ID] = chat
		if withMessages {
			s.messages[chat.ID] = msgs
			s.hydrated[chat.ID] = true
		}
		s.mu.Unlock()
	}

	if s.opts.Durability == BestEffort {
		apply()
	}

	if withMessages {
		if err := s.persist("save_messages", func() error { return s.adapter.SaveMessages(ctx, chat.ID, msgs) }); err != nil {
			slog.Error("save messages failed", "chat_id", chat.ID, "error", err)
			return s.persistErr(err)
		}
	}
	if err := s.persist("save_chat", func() error { return s.adapter.SaveChat(ctx, chat) }); err != nil {
		slog.Error("save chat failed", "chat_id", chat.ID, "error", err)
		return s.persistErr(err)
	}

	if s.opts.Durability == WriteAhead {
		apply()
	}
	return nil
}

func (s *Store) persistErr(err error) error {
	if s.opts.Durability == WriteAhead {
		return fmt.Errorf("persist: %w", err)
	}
	return fmt.Errorf("%w: %w", ErrNotPersisted, err)
}

func (s *Store) persist(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	metrics.PersistLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PersistFailures.WithLabelValues(op).Inc()
	}
	return err
}

// bump returns now, or prev if the clock went backwards.
func (s *Store) bump(prev time.Time) time.Time {
	now := s.opts.Now().UTC()
	if now.Before(prev) {
		return prev
	}
	return now
}

// Chat returns a copy of the chat.
func (s *Store) Chat(chatID string) (*types.Chat, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[chatID]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// Chats returns copies of all chats, most recent message first.
func (s *Store) Chats() []*types.Chat {
	s.mu.RLock()
	out := make([]*types.Chat, 0, len(s.chats))
	for _, c := range s.chats {
		out = append(out, c.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageTimestamp != out[j].LastMessageTimestamp {
			return out[i].LastMessageTimestamp > out[j].LastMessageTimestamp
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// Messages returns copies of the chat's in-memory messages. It does not
// hydrate; use LoadMessagesForChat for that.
func (s *Store) Messages(chatID string) []*types.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneMessages(s.messages[chatID])
}

// SetActiveChat marks the chat the user is looking at. An empty id clears it.
func (s *Store) SetActiveChat(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if chatID != "" {
		if _, ok := s.chats[chatID]; !ok {
			return fmt.Errorf("%w: %s", ErrChatNotFound, chatID)
		}
	}
	s.active = chatID
	return nil
}

// ActiveChatID returns the active chat, or "" if none.
func (s *Store) ActiveChatID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}
