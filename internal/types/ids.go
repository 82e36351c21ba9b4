// internal/types/ids.go
package types

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewChatID returns a lexicographically sortable chat identifier.
func NewChatID() string {
	return ulid.Make().String()
}

// NewContextID returns the identifier of a logical conversation context
// handed to agents alongside a chat.
func NewContextID() string {
	return uuid.New().String()
}

func NewMessageID() string {
	return uuid.New().String()
}

func NewSignalID() string {
	return uuid.New().String()
}
