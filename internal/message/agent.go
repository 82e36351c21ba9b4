package message

import (
	"encoding/json"

	"github.com/user/agentchat/internal/types"
)

// Agent-protocol roles.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

const activityPayloadKey = "isActivityPayload"

// AgentMessage is the wire shape exchanged with an agent.
type AgentMessage struct {
	MessageID string         `json:"messageId"`
	Role      string         `json:"role"`
	Parts     types.Parts    `json:"parts"`
	Kind      string         `json:"kind"`
	ContextID string         `json:"contextId"`
	TaskID    string         `json:"taskId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ToAgentProtocolMessage converts a canonical message for an agent. The
// chat id travels as the context id. Non-content payloads are wrapped in a
// single data part tagged isActivityPayload.
func ToAgentProtocolMessage(msg *types.Message) *AgentMessage {
	role := RoleAgent
	if msg.SenderType == types.SenderUser {
		role = RoleUser
	}

	meta := map[string]any{
		"senderId":     msg.SenderID,
		"senderType":   string(msg.SenderType),
		"channelId":    msg.ChannelID,
		"timestamp":    msg.Timestamp,
		"activityType": string(msg.Type),
	}
	if msg.ClientMessageID != "" {
		meta["clientMessageId"] = msg.ClientMessageID
	}
	for k, v := range msg.Metadata {
		if _, taken := meta[k]; !taken {
			meta[k] = v
		}
	}

	out := &AgentMessage{
		MessageID: msg.ID,
		Role:      role,
		Kind:      "message",
		ContextID: msg.ChatID,
		TaskID:    msg.TaskID,
		Metadata:  meta,
	}
	if msg.IsContent() {
		out.Parts = msg.Parts.Clone()
		if out.Parts == nil {
			out.Parts = types.Parts{}
		}
		return out
	}

	var payload any
	if len(msg.Activity) > 0 {
		if err := json.Unmarshal(msg.Activity, &payload); err != nil {
			payload = string(msg.Activity)
		}
	}
	out.Parts = types.Parts{types.DataPart{
		Data:     map[string]any{"payload": payload},
		Metadata: map[string]any{activityPayloadKey: true},
	}}
	return out
}

// FromAgentProtocolMessage converts an agent message back into a canonical
// message. A tagged activity part is stripped from the parts and restored as
// the activity payload.
func FromAgentProtocolMessage(am *AgentMessage, workspaceID string) *types.Message {
	msg := &types.Message{
		ID:           am.MessageID,
		WorkspaceID:  workspaceID,
		ChatID:       am.ContextID,
		TaskID:       am.TaskID,
		NetworkState: types.StateReceived,
		Type:         types.ActivityContentMessage,
		Metadata:     map[string]any{},
	}
	if am.Role == RoleUser {
		msg.SenderType = types.SenderUser
	} else {
		msg.SenderType = types.SenderAgent
	}

	for k, v := range am.Metadata {
		switch k {
		case "senderId":
			msg.SenderID, _ = v.(string)
		case "senderType":
			if s, ok := v.(string); ok && s != "" {
				msg.SenderType = types.SenderType(s)
			}
		case "channelId":
			msg.ChannelID, _ = v.(string)
		case "clientMessageId":
			msg.ClientMessageID, _ = v.(string)
		case "timestamp":
			msg.Timestamp = toMillis(v)
		case "activityType":
			if s, ok := v.(string); ok && types.ActivityType(s).Valid() {
				msg.Type = types.ActivityType(s)
			}
		default:
			msg.Metadata[k] = v
		}
	}
	if len(msg.Metadata) == 0 {
		msg.Metadata = nil
	}
	if msg.ID == "" {
		msg.ID = types.NewMessageID()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = NowMillis()
	}

	var parts types.Parts
	var activity json.RawMessage
	for _, p := range am.Parts {
		if dp, ok := p.(types.DataPart); ok && isActivityPart(dp) {
			activity, _ = json.Marshal(dp.Data["payload"])
			continue
		}
		parts = append(parts, p)
	}

	if activity != nil && msg.Type != types.ActivityContentMessage {
		msg.Activity = activity
		return msg
	}
	msg.Type = types.ActivityContentMessage
	if parts == nil {
		parts = types.Parts{}
	}
	msg.Parts = parts.Clone()
	msg.Content = &types.ContentFields{
		Reactions:           []types.Reaction{},
		RelatedAgentTaskIDs: []string{},
	}
	return msg
}

func isActivityPart(dp types.DataPart) bool {
	v, _ := dp.Metadata[activityPayloadKey].(bool)
	return v
}

// toMillis accepts the numeric forms produced by Go values and by JSON decoding.
func toMillis(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	}
	return 0
}
