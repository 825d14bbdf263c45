package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon connection and sync status",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := daemonClient()
			if err != nil {
				return err
			}
			var resp struct {
				State        string `json:"state"`
				ActiveChatID string `json:"activeChatId"`
				LastResyncAt int64  `json:"lastResyncAt"`
			}
			if err := c.get("/v1/status", &resp); err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(resp)
				return nil
			}
			fmt.Printf("State:       %s\n", resp.State)
			if resp.ActiveChatID != "" {
				fmt.Printf("Active chat: %s\n", resp.ActiveChatID)
			}
			if resp.LastResyncAt > 0 {
				fmt.Printf("Last resync: %s\n", time.UnixMilli(resp.LastResyncAt).Format(time.RFC3339))
			} else {
				fmt.Println("Last resync: never")
			}
			return nil
		},
	}
}

type chatLine struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	LastMessage string `json:"lastMessage"`
	UnreadCount int    `json:"unreadCount"`
	Archived    bool   `json:"archived"`
}

func chatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chats",
		Short: "List chats with unread counts",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := daemonClient()
			if err != nil {
				return err
			}
			var resp struct {
				Chats []chatLine `json:"chats"`
			}
			if err := c.get("/v1/chats", &resp); err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(resp)
				return nil
			}
			if len(resp.Chats) == 0 {
				fmt.Println("no chats")
				return nil
			}
			for _, chat := range resp.Chats {
				marker := "  "
				if chat.UnreadCount > 0 {
					marker = fmt.Sprintf("%2d", chat.UnreadCount)
				}
				fmt.Printf("%s  %-24s %-10s %s\n", marker, chat.ID, chat.Kind, chat.LastMessage)
			}
			return nil
		},
	}
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <chat-id> <text>",
		Short: "Send a message (queued if the daemon is offline)",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			c, err := daemonClient()
			if err != nil {
				return err
			}
			var resp struct {
				LocalID string `json:"localId"`
			}
			payload := map[string]string{"body": args[1]}
			if err := c.post("/v1/chats/"+args[0]+"/messages", payload, &resp); err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(resp)
				return nil
			}
			fmt.Printf("accepted: %s\n", resp.LocalID)
			return nil
		},
	}
}

func readCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <chat-id>",
		Short: "Mark a chat as read",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			c, err := daemonClient()
			if err != nil {
				return err
			}
			if err := c.post("/v1/chats/"+args[0]+"/read", struct{}{}, nil); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
}

type outboxLine struct {
	LocalID    string `json:"localId"`
	ChatID     string `json:"chatId"`
	Body       string `json:"body"`
	Status     string `json:"status"`
	Attempt    int    `json:"attempt"`
	Error      string `json:"error"`
	EnqueuedAt int64  `json:"enqueuedAt"`
}

func outboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Show pending and failed outgoing messages",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := daemonClient()
			if err != nil {
				return err
			}
			var resp struct {
				Outbox []outboxLine `json:"outbox"`
			}
			if err := c.get("/v1/outbox", &resp); err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(resp)
				return nil
			}
			if len(resp.Outbox) == 0 {
				fmt.Println("outbox empty")
				return nil
			}
			for _, e := range resp.Outbox {
				line := fmt.Sprintf("%-10s %-36s %-24s %s", e.Status, e.LocalID, e.ChatID, e.Body)
				if e.Error != "" {
					line += "  (" + e.Error + ")"
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "cancel <local-id>",
		Short: "Remove a still-queued message from the outbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			c, err := daemonClient()
			if err != nil {
				return err
			}
			if err := c.delete("/v1/outbox/" + args[0]); err != nil {
				return err
			}
			fmt.Println("cancelled")
			return nil
		},
	})
	return cmd
}
