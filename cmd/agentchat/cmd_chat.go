package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/agentchat/internal/chat"
	"github.com/user/agentchat/internal/types"
)

var (
	chatType   string
	chatAgents []string
	showLimit  int
)

func init() {
	chatCreateCmd.Flags().StringVar(&chatType, "type", string(types.ChatTypeDirect), "chat type (direct|group)")
	chatCreateCmd.Flags().StringSliceVar(&chatAgents, "agent", nil, "agent participant ids")
	chatShowCmd.Flags().IntVar(&showLimit, "limit", 50, "number of most recent messages to show")

	rootCmd.AddCommand(chatCmd)
	chatCmd.AddCommand(chatListCmd, chatCreateCmd, chatShowCmd, chatDeleteCmd, chatStarredCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Manage chats",
}

// withApp opens the app for a one-shot command.
func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg := loadConfig()
	setupLogging(cfg)
	ctx := context.Background()
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

var chatListCmd = &cobra.Command{
	Use:   "list",
	Short: "List chats, most recent first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			list := a.chats.Chats()
			if len(list) == 0 {
				fmt.Println("No chats found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTYPE\tLAST MESSAGE\tPREVIEW")
			for _, c := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					c.ID,
					c.Name,
					c.Type,
					time.UnixMilli(c.LastMessageTimestamp).Format("2006-01-02 15:04:05"),
					c.LastMessagePreview,
				)
			}
			return w.Flush()
		})
	},
}

var chatCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ct := types.ChatType(chatType)
		if ct != types.ChatTypeDirect && ct != types.ChatTypeGroup {
			return fmt.Errorf("invalid chat type %q", chatType)
		}
		return withApp(func(ctx context.Context, a *app) error {
			participants := []types.Participant{{UserID: a.cfg.UserID, Role: "owner"}}
			for _, id := range chatAgents {
				if _, ok := a.agents.Get(id); !ok {
					return fmt.Errorf("unknown agent %q", id)
				}
				participants = append(participants, types.Participant{UserID: id, Role: "agent"})
			}
			c, err := a.chats.CreateChat(ctx, chat.NewChat{
				Name:         args[0],
				Type:         ct,
				Participants: participants,
			}, nil)
			if err != nil {
				return err
			}
			fmt.Println(c.ID)
			return nil
		})
	},
}

var chatShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a chat's messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			msgs, err := a.chats.LoadMessagesForChat(ctx, args[0])
			if err != nil {
				return err
			}
			if showLimit > 0 && len(msgs) > showLimit {
				msgs = msgs[len(msgs)-showLimit:]
			}
			for _, m := range msgs {
				printMessage(m)
			}
			if err := a.chats.SetActiveChat(args[0]); err != nil {
				return err
			}
			if len(msgs) > 0 {
				last := msgs[len(msgs)-1].ID
				_, err = a.chats.UpdateChat(ctx, args[0], chat.ChatUpdate{LastViewedMessageID: &last})
			}
			return err
		})
	},
}

func printMessage(m *types.Message) {
	ts := timeColor.Sprint(time.UnixMilli(m.Timestamp).Format("15:04:05"))
	sender := senderColor(m.SenderType).Sprintf("%s (%s)", m.SenderID, m.SenderType)
	status := ""
	if m.NetworkState == types.StateFailed {
		status = failedColor.Sprint(" [failed]")
	}
	if !m.IsContent() {
		fmt.Printf("%s %s%s: [%s] %s\n", ts, sender, status, m.Type, m.Activity)
		return
	}
	fmt.Printf("%s %s%s: %s\n", ts, sender, status, m.Text())
}

var chatDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a chat and its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			if err := a.chats.DeleteChat(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Chat %s deleted.\n", args[0])
			return nil
		})
	},
}

var chatStarredCmd = &cobra.Command{
	Use:   "starred <id>",
	Short: "List starred messages in a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			if a.sqlite == nil {
				return errors.New("starred messages require storage.driver=sqlite")
			}
			if _, ok := a.chats.Chat(args[0]); !ok {
				return chat.ErrChatNotFound
			}
			msgs, err := a.sqlite.StarredMessages(ctx, args[0])
			if err != nil {
				return err
			}
			if len(msgs) == 0 {
				fmt.Println("No starred messages.")
			}
			for _, m := range msgs {
				printMessage(m)
			}
			return nil
		})
	},
}
