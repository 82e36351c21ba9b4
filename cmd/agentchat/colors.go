package main

import (
	"github.com/fatih/color"

	"github.com/user/agentchat/internal/types"
)

// Terminal colors. fatih/color disables itself when stdout is not a TTY
// or NO_COLOR is set.
var (
	timeColor   = color.New(color.FgHiBlack)
	userColor   = color.New(color.FgGreen, color.Bold)
	agentColor  = color.New(color.FgCyan, color.Bold)
	systemColor = color.New(color.FgYellow)
	replyColor  = color.New(color.FgCyan)
	failedColor = color.New(color.FgRed)
)

func senderColor(t types.SenderType) *color.Color {
	switch t {
	case types.SenderUser:
		return userColor
	case types.SenderAgent:
		return agentColor
	default:
		return systemColor
	}
}
