package message

import (
	"github.com/user/agentchat/internal/types"
	"github.com/user/agentchat/pkg/llm"
)

// ToProviderMessage collapses a message to role-tagged text. Non-text parts
// are dropped.
func ToProviderMessage(msg *types.Message) llm.Message {
	role := llm.RoleAssistant
	switch msg.SenderType {
	case types.SenderUser:
		role = llm.RoleUser
	case types.SenderSystem:
		role = llm.RoleSystem
	}
	return llm.Message{Role: role, Content: msg.Text()}
}

// ToProviderMessages converts content messages in order, skipping other
// activity types and failed messages.
func ToProviderMessages(msgs []*types.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.IsContent() || m.NetworkState == types.StateFailed {
			continue
		}
		out = append(out, ToProviderMessage(m))
	}
	return out
}

// FromProviderMessage rebuilds a single-text-part content message.
func FromProviderMessage(pm llm.Message, chatID, workspaceID string) *types.Message {
	senderType := types.SenderAgent
	switch pm.Role {
	case llm.RoleUser:
		senderType = types.SenderUser
	case llm.RoleSystem:
		senderType = types.SenderSystem
	}
	return &types.Message{
		ID:           types.NewMessageID(),
		WorkspaceID:  workspaceID,
		ChatID:       chatID,
		SenderID:     pm.Role,
		SenderType:   senderType,
		Timestamp:    NowMillis(),
		NetworkState: types.StateReceived,
		Type:         types.ActivityContentMessage,
		Parts:        types.Parts{types.TextPart{Text: pm.Content}},
		Content: &types.ContentFields{
			Reactions:           []types.Reaction{},
			RelatedAgentTaskIDs: []string{},
		},
	}
}
