// internal/types/interfaces.go
package types

import (
	"context"
)

// PersistenceAdapter is the storage gateway used by the chat store.
// SaveMessages replaces the full message list of a chat. LoadChat and
// LoadMessages return nil without error when nothing is stored.
type PersistenceAdapter interface {
	SaveChat(ctx context.Context, chat *Chat) error
	LoadChat(ctx context.Context, id string) (*Chat, error)
	DeleteChat(ctx context.Context, id string) error
	ListChats(ctx context.Context) ([]*Chat, error)
	SaveMessages(ctx context.Context, chatID string, messages []*Message) error
	LoadMessages(ctx context.Context, chatID string) ([]*Message, error)
}
