// internal/state/file.go
package state

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/agentchat/internal/types"
)

// FileAdapter is a JSON-file-backed persistence adapter.
// Each chat lives in chats/<chatID>/ with chat.json holding the chat record
// and messages.jsonl holding one message per line.
type FileAdapter struct {
	root  string
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileAdapter creates a FileAdapter rooted at the given directory.
func NewFileAdapter(root string) *FileAdapter {
	return &FileAdapter{
		root:  root,
		locks: make(map[string]*sync.Mutex),
	}
}

// getLock returns the per-chat mutex, creating one if it doesn't exist.
func (f *FileAdapter) getLock(chatID string) *sync.Mutex {
	f.mu.Lock()
	defer f.mu.Unlock()

	if lock, ok := f.locks[chatID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	f.locks[chatID] = lock
	return lock
}

func (f *FileAdapter) chatsDir() string {
	return filepath.Join(f.root, "chats")
}

func (f *FileAdapter) chatDir(id string) string {
	return filepath.Join(f.root, "chats", id)
}

func (f *FileAdapter) chatPath(id string) string {
	return filepath.Join(f.chatDir(id), "chat.json")
}

func (f *FileAdapter) messagesPath(id string) string {
	return filepath.Join(f.chatDir(id), "messages.jsonl")
}

// writeAtomic writes to a temp file then renames it over path, so readers
// never observe a partial write.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// SaveChat writes the chat record.
func (f *FileAdapter) SaveChat(_ context.Context, chat *types.Chat) error {
	lock := f.getLock(chat.ID)
	lock.Lock()
	defer lock.Unlock()

	data, err := json.MarshalIndent(chat, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal chat: %w", err)
	}
	return writeAtomic(f.chatPath(chat.ID), data)
}

func (f *FileAdapter) readChat(id string) (*types.Chat, error) {
	data, err := os.ReadFile(f.chatPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read chat: %w", err)
	}
	var chat types.Chat
	if err := json.Unmarshal(data, &chat); err != nil {
		return nil, fmt.Errorf("unmarshal chat %s: %w", id, err)
	}
	return &chat, nil
}

// LoadChat returns the chat with the given ID, or nil if none is stored.
func (f *FileAdapter) LoadChat(_ context.Context, id string) (*types.Chat, error) {
	lock := f.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	return f.readChat(id)
}

// DeleteChat removes the chat directory. Deleting a missing chat is not an error.
func (f *FileAdapter) DeleteChat(_ context.Context, id string) error {
	lock := f.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(f.chatDir(id)); err != nil {
		return fmt.Errorf("remove chat dir: %w", err)
	}
	return nil
}

// ListChats returns every stored chat. Directories without a chat.json are ignored.
func (f *FileAdapter) ListChats(_ context.Context) ([]*types.Chat, error) {
	entries, err := os.ReadDir(f.chatsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read chats dir: %w", err)
	}

	chats := make([]*types.Chat, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		lock := f.getLock(entry.Name())
		lock.Lock()
		chat, err := f.readChat(entry.Name())
		lock.Unlock()
		if err != nil {
			return nil, err
		}
		if chat != nil {
			chats = append(chats, chat)
		}
	}
	return chats, nil
}

// SaveMessages replaces the chat's message log.
func (f *FileAdapter) SaveMessages(_ context.Context, chatID string, messages []*types.Message) error {
	lock := f.getLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	var buf []byte
	for _, msg := range messages {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal message %s: %w", msg.ID, err)
		}
		buf = append(buf, data...)
		buf = append(buf, '\n')
	}
	return writeAtomic(f.messagesPath(chatID), buf)
}

// LoadMessages returns the chat's messages in stored order, or nil if none are stored.
func (f *FileAdapter) LoadMessages(_ context.Context, chatID string) ([]*types.Message, error) {
	lock := f.getLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	file, err := os.Open(f.messagesPath(chatID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open messages file: %w", err)
	}
	defer file.Close()

	var messages []*types.Message
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var msg types.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		messages = append(messages, &msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan messages file: %w", err)
	}
	return messages, nil
}
