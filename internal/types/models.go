// internal/types/models.go
package types

import (
	"encoding/json"
	"strings"
	"time"
)

type ChatType string

const (
	ChatTypeDirect ChatType = "direct"
	ChatTypeGroup  ChatType = "group"
)

type SenderType string

const (
	SenderUser   SenderType = "user"
	SenderAgent  SenderType = "agent"
	SenderSystem SenderType = "system"
)

// NetworkState tracks delivery of a message. User messages move
// sending -> sent|failed, agent messages receiving_stream -> received|failed.
type NetworkState string

const (
	StateSending         NetworkState = "sending"
	StateSent            NetworkState = "sent"
	StateReceivingStream NetworkState = "receiving_stream"
	StateReceived        NetworkState = "received"
	StateFailed          NetworkState = "failed"
)

// Terminal reports whether no further transition is expected.
func (s NetworkState) Terminal() bool {
	switch s {
	case StateSent, StateReceived, StateFailed:
		return true
	}
	return false
}

type ActivityType string

const (
	ActivityContentMessage     ActivityType = "content_message"
	ActivityTaskStatusUpdate   ActivityType = "task_status_update"
	ActivityArtifactUpdate     ActivityType = "artifact_update"
	ActivityToolCall           ActivityType = "tool_call"
	ActivityToolResult         ActivityType = "tool_result"
	ActivitySystemNotification ActivityType = "system_notification"
	ActivityTypingIndicator    ActivityType = "typing_indicator"
)

// Valid reports whether t is one of the known activity types.
func (t ActivityType) Valid() bool {
	switch t {
	case ActivityContentMessage, ActivityTaskStatusUpdate, ActivityArtifactUpdate,
		ActivityToolCall, ActivityToolResult, ActivitySystemNotification, ActivityTypingIndicator:
		return true
	}
	return false
}

type Participant struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

// Chat is a single conversation thread.
type Chat struct {
	ID                   string        `json:"id"`
	Name                 string        `json:"name"`
	Type                 ChatType      `json:"type"`
	WorkspaceID          string        `json:"workspaceId"`
	ChannelID            string        `json:"channelId"`
	PrimaryContextID     string        `json:"primaryContextId"`
	TaskIDs              []string      `json:"taskIds"`
	Participants         []Participant `json:"participants"`
	LastMessagePreview   string        `json:"lastMessagePreview"`
	LastMessageTimestamp int64         `json:"lastMessageTimestamp"`
	LastViewedMessageID  string        `json:"lastViewedMessageId,omitempty"`
	CreatedAt            time.Time     `json:"createdAt"`
	UpdatedAt            time.Time     `json:"updatedAt"`
}

// Clone returns a deep copy of the chat.
func (c *Chat) Clone() *Chat {
	if c == nil {
		return nil
	}
	out := *c
	out.TaskIDs = append([]string{}, c.TaskIDs...)
	out.Participants = append([]Participant{}, c.Participants...)
	return &out
}

type Reaction struct {
	Emoji   string   `json:"emoji"`
	UserIDs []string `json:"userIds"`
}

type Edit struct {
	Parts    Parts `json:"parts"`
	EditedAt int64 `json:"editedAt"`
}

// ContentFields are only carried by content_message messages.
type ContentFields struct {
	Reactions           []Reaction `json:"reactions"`
	IsEdited            bool       `json:"isEdited"`
	EditHistory         []Edit     `json:"editHistory,omitempty"`
	IsDeleted           bool       `json:"isDeleted"`
	RelatedAgentTaskIDs []string   `json:"relatedAgentTaskIds"`
	IsPinned            bool       `json:"isPinned"`
	ReplyToMessageID    string     `json:"replyToMessageId,omitempty"`
}

// Message is the canonical message. Type selects the payload: content
// messages carry Parts and Content, every other activity carries an opaque
// Activity payload.
type Message struct {
	ID              string          `json:"id"`
	ClientMessageID string          `json:"clientMessageId,omitempty"`
	WorkspaceID     string          `json:"workspaceId"`
	ChannelID       string          `json:"channelId"`
	ChatID          string          `json:"chatId"`
	TaskID          string          `json:"taskId,omitempty"`
	SenderID        string          `json:"senderId"`
	SenderType      SenderType      `json:"senderType"`
	Timestamp       int64           `json:"timestamp"`
	NetworkState    NetworkState    `json:"networkState"`
	Type            ActivityType    `json:"type"`
	Parts           Parts           `json:"-"`
	Activity        json.RawMessage `json:"-"`
	Content         *ContentFields  `json:"-"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
}

// IsContent reports whether the message carries Parts.
func (m *Message) IsContent() bool {
	return m.Type == ActivityContentMessage
}

// Text joins the message's text parts with newlines.
func (m *Message) Text() string {
	var texts []string
	for _, p := range m.Parts {
		if tp, ok := p.(TextPart); ok {
			texts = append(texts, tp.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// Starred reports the metadata flag backing the starred-message index.
func (m *Message) Starred() bool {
	v, _ := m.Metadata["starred"].(bool)
	return v
}

// Clone returns a copy that shares no slices or maps with m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	out.Parts = m.Parts.Clone()
	if m.Activity != nil {
		out.Activity = append(json.RawMessage{}, m.Activity...)
	}
	if m.Content != nil {
		c := *m.Content
		c.Reactions = append([]Reaction{}, m.Content.Reactions...)
		c.EditHistory = append([]Edit(nil), m.Content.EditHistory...)
		c.RelatedAgentTaskIDs = append([]string{}, m.Content.RelatedAgentTaskIDs...)
		out.Content = &c
	}
	out.Metadata = cloneMap(m.Metadata)
	return &out
}

type messageAlias Message

type messageJSON struct {
	messageAlias
	Payload json.RawMessage `json:"payload"`
	*ContentFields
}

func (m Message) MarshalJSON() ([]byte, error) {
	out := messageJSON{messageAlias: messageAlias(m)}
	if m.IsContent() {
		payload, err := json.Marshal(m.Parts)
		if err != nil {
			return nil, err
		}
		out.Payload = payload
		out.ContentFields = m.Content
		if out.ContentFields == nil {
			out.ContentFields = &ContentFields{}
		}
	} else {
		out.Payload = m.Activity
		if len(out.Payload) == 0 {
			out.Payload = json.RawMessage("null")
		}
	}
	return json.Marshal(out)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	in := messageJSON{ContentFields: &ContentFields{}}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*m = Message(in.messageAlias)
	if m.IsContent() {
		var parts Parts
		if len(in.Payload) > 0 && string(in.Payload) != "null" {
			if err := json.Unmarshal(in.Payload, &parts); err != nil {
				return err
			}
		}
		m.Parts = parts
		m.Content = in.ContentFields
		return nil
	}
	if len(in.Payload) > 0 && string(in.Payload) != "null" {
		m.Activity = in.Payload
	}
	return nil
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
