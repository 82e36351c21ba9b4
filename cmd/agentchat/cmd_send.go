package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	sigstore "github.com/user/agentchat/internal/signal"
	"github.com/user/agentchat/internal/types"
)

var sendAgent string

func init() {
	sendCmd.Flags().StringVar(&sendAgent, "agent", "", "agent id (defaults to the first configured agent)")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <chat-id> <text...>",
	Short: "Send a message and stream the agent's reply",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, text := args[0], strings.Join(args[1:], " ")
		return withApp(func(ctx context.Context, a *app) error {
			agentID := sendAgent
			if agentID == "" {
				agentID = a.defaultAgent()
			}

			unsubscribe := a.signals.Subscribe(func(ev sigstore.Event) {
				if ev.Signal.ChatID != chatID {
					return
				}
				if ev.Type == sigstore.EventDelta {
					replyColor.Fprint(os.Stdout, ev.Delta)
				}
			})
			defer unsubscribe()

			// Ctrl-C cancels the reply; the failure is recorded in the chat.
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT)
			defer signal.Stop(sigChan)
			go func() {
				if _, ok := <-sigChan; ok {
					a.signals.Cancel(chatID, agentID)
				}
			}()

			msg, err := a.signals.UserSendMessage(ctx, chatID, text, agentID)
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout)
			if msg.NetworkState == types.StateFailed {
				return errors.New(msg.Text())
			}
			return nil
		})
	},
}
