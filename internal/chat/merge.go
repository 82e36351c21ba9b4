package chat

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/user/agentchat/internal/types"
)

// merge returns a new list holding existing plus batch. A batch message
// with a known id, or a known non-empty client message id, replaces the
// earlier copy in place; the result is stably sorted by timestamp so ties
// keep insertion order.
func merge(existing, batch []*types.Message, chatID string) []*types.Message {
	out := make([]*types.Message, 0, len(existing)+len(batch))
	byID := make(map[string]int, len(existing)+len(batch))
	byClient := make(map[string]int)

	add := func(m *types.Message) {
		i, ok := byID[m.ID]
		if !ok && m.ClientMessageID != "" {
			i, ok = byClient[m.ClientMessageID]
		}
		if ok {
			if prev := out[i]; prev.ID != m.ID {
				delete(byID, prev.ID)
			}
			out[i] = m
		} else {
			i = len(out)
			out = append(out, m)
		}
		byID[m.ID] = i
		if m.ClientMessageID != "" {
			byClient[m.ClientMessageID] = i
		}
	}

	for _, m := range existing {
		add(m)
	}
	for _, m := range batch {
		if m == nil {
			continue
		}
		c := m.Clone()
		c.ChatID = chatID
		add(c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp < out[j].Timestamp
	})
	return out
}

// applyPreview derives the chat's preview fields from the last message and
// sets UpdatedAt.
func applyPreview(chat *types.Chat, msgs []*types.Message, updatedAt time.Time) {
	chat.UpdatedAt = updatedAt
	if len(msgs) == 0 {
		chat.LastMessagePreview = emptyPreview
		chat.LastMessageTimestamp = updatedAt.UnixMilli()
		return
	}
	last := msgs[len(msgs)-1]
	chat.LastMessagePreview = Preview(last)
	chat.LastMessageTimestamp = last.Timestamp
}

// Preview returns at most the first 50 characters of a message's text.
// Messages without text get a bracketed placeholder naming their kind.
func Preview(m *types.Message) string {
	if !m.IsContent() {
		return "[" + strings.ReplaceAll(string(m.Type), "_", " ") + "]"
	}
	text := m.Text()
	if text == "" && len(m.Parts) > 0 {
		return "[" + string(m.Parts[0].Kind()) + "]"
	}
	if utf8.RuneCountInString(text) <= previewLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:previewLength])
}

func cloneMessages(msgs []*types.Message) []*types.Message {
	if msgs == nil {
		return nil
	}
	out := make([]*types.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
