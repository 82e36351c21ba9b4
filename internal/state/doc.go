// Package state provides the persistence adapters behind the chat store:
// an SQLite-backed adapter and a plain filesystem adapter.
package state

import "github.com/user/agentchat/internal/types"

// Compile-time interface compliance checks.
var _ types.PersistenceAdapter = (*SQLiteAdapter)(nil)
var _ types.PersistenceAdapter = (*FileAdapter)(nil)
