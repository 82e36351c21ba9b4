// Package message builds canonical messages and converts them to and from
// the agent-protocol and model-provider shapes.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/user/agentchat/internal/types"
)

// ErrMissingField is returned when a constructor lacks a required field.
var ErrMissingField = errors.New("missing required field")

// Spec describes a message to build. Zero ID and Timestamp are defaulted.
type Spec struct {
	ID              string
	ClientMessageID string
	WorkspaceID     string
	ChannelID       string
	ChatID          string
	TaskID          string
	SenderID        string
	SenderType      types.SenderType
	Timestamp       int64
	NetworkState    types.NetworkState
	Type            types.ActivityType
	Parts           types.Parts
	Activity        json.RawMessage
	Metadata        map[string]any
	ReplyToID       string
}

// NowMillis returns the current time in epoch milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// NewMessage builds a message of any activity type. Content messages are
// delegated to NewContentMessage; every other type needs an Activity payload.
func NewMessage(spec Spec) (*types.Message, error) {
	if spec.Type == "" {
		return nil, fmt.Errorf("%w: type", ErrMissingField)
	}
	if !spec.Type.Valid() {
		return nil, fmt.Errorf("unknown activity type %q", spec.Type)
	}
	if spec.Type == types.ActivityContentMessage {
		return NewContentMessage(spec)
	}
	if err := checkBase(spec); err != nil {
		return nil, err
	}
	if len(spec.Activity) == 0 {
		return nil, fmt.Errorf("%w: payload for %s", ErrMissingField, spec.Type)
	}
	msg := base(spec)
	msg.Activity = append(json.RawMessage{}, spec.Activity...)
	return msg, nil
}

// NewContentMessage builds a content_message with default content fields.
func NewContentMessage(spec Spec) (*types.Message, error) {
	if err := checkBase(spec); err != nil {
		return nil, err
	}
	if spec.Parts == nil {
		return nil, fmt.Errorf("%w: parts", ErrMissingField)
	}
	spec.Type = types.ActivityContentMessage
	msg := base(spec)
	msg.Parts = spec.Parts.Clone()
	msg.Content = &types.ContentFields{
		Reactions:           []types.Reaction{},
		RelatedAgentTaskIDs: []string{},
		ReplyToMessageID:    spec.ReplyToID,
	}
	return msg, nil
}

// NewTextMessage is a shorthand for a single-text-part content message.
func NewTextMessage(chatID, senderID string, senderType types.SenderType, text string) (*types.Message, error) {
	return NewContentMessage(Spec{
		ChatID:     chatID,
		SenderID:   senderID,
		SenderType: senderType,
		Parts:      types.Parts{types.TextPart{Text: text}},
	})
}

func checkBase(spec Spec) error {
	switch {
	case spec.ChatID == "":
		return fmt.Errorf("%w: chatId", ErrMissingField)
	case spec.SenderID == "":
		return fmt.Errorf("%w: senderId", ErrMissingField)
	case spec.SenderType == "":
		return fmt.Errorf("%w: senderType", ErrMissingField)
	}
	return nil
}

func base(spec Spec) *types.Message {
	msg := &types.Message{
		ID:              spec.ID,
		ClientMessageID: spec.ClientMessageID,
		WorkspaceID:     spec.WorkspaceID,
		ChannelID:       spec.ChannelID,
		ChatID:          spec.ChatID,
		TaskID:          spec.TaskID,
		SenderID:        spec.SenderID,
		SenderType:      spec.SenderType,
		Timestamp:       spec.Timestamp,
		NetworkState:    spec.NetworkState,
		Type:            spec.Type,
		Metadata:        spec.Metadata,
	}
	if msg.ID == "" {
		msg.ID = types.NewMessageID()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = NowMillis()
	}
	if msg.NetworkState == "" {
		if spec.SenderType == types.SenderUser {
			msg.NetworkState = types.StateSending
		} else {
			msg.NetworkState = types.StateReceived
		}
	}
	return msg
}
