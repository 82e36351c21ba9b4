package signal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/user/agentchat/internal/types"
)

// BeforeSendHook transforms the outgoing parts of a user message before
// they reach the model.
type BeforeSendHook func(ctx context.Context, parts []types.Part) ([]types.Part, error)

// AfterReceiveHook transforms a finished agent message before it is
// committed to the chat store.
type AfterReceiveHook func(ctx context.Context, msg *types.Message) (*types.Message, error)

type hookEntry[T any] struct {
	key string
	fn  func(context.Context, T) (T, error)
}

// chain is an ordered list of named transforms run sequentially in
// registration order.
type chain[T any] struct {
	name    string
	mu      sync.RWMutex
	entries []hookEntry[T]
}

// register appends fn under key. A key that is already registered is left
// untouched and register reports false.
func (c *chain[T]) register(key string, fn func(context.Context, T) (T, error)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.key == key {
			slog.Warn("hook already registered", "chain", c.name, "key", key)
			return false
		}
	}
	c.entries = append(c.entries, hookEntry[T]{key: key, fn: fn})
	return true
}

func (c *chain[T]) remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.entries {
		if e.key == key {
			c.entries = append(c.entries[:i:i], c.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (c *chain[T]) keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.key
	}
	return out
}

// run threads v through every hook. The entry list is copied first so a
// hook may register or remove hooks without deadlocking.
func (c *chain[T]) run(ctx context.Context, v T) (T, error) {
	c.mu.RLock()
	entries := append([]hookEntry[T](nil), c.entries...)
	c.mu.RUnlock()

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return v, err
		}
		out, err := e.fn(ctx, v)
		if err != nil {
			return v, fmt.Errorf("%s hook %q: %w", c.name, e.key, err)
		}
		v = out
	}
	return v, nil
}

// RegisterBeforeSendMessageHook adds a hook to the pre-send chain. It
// reports false when key is already taken.
func (s *Store) RegisterBeforeSendMessageHook(key string, fn BeforeSendHook) bool {
	return s.beforeSend.register(key, fn)
}

func (s *Store) RemoveBeforeSendMessageHook(key string) bool {
	return s.beforeSend.remove(key)
}

// RegisterAfterReceiveMessageHook adds a hook to the post-receive chain. It
// reports false when key is already taken.
func (s *Store) RegisterAfterReceiveMessageHook(key string, fn AfterReceiveHook) bool {
	return s.afterReceive.register(key, fn)
}

func (s *Store) RemoveAfterReceiveMessageHook(key string) bool {
	return s.afterReceive.remove(key)
}

// Hooks returns the registered hook keys of both chains in run order.
func (s *Store) Hooks() (beforeSend, afterReceive []string) {
	return s.beforeSend.keys(), s.afterReceive.keys()
}
