package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	meridian "github.com/meridian-im/meridian/sdk/golang"
)

func init() {
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(watchCmd)

	historyCmd.Flags().IntVar(&historyLimit, "limit", meridian.DefaultPageSize, "number of messages to fetch")
}

var historyLimit int

var sendCmd = &cobra.Command{
	Use:   "send <chat-id> <text>",
	Short: "Send a message to a chat",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		userID := requireUserID(cfg)
		chatID, text := args[0], args[1]

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		session, err := meridian.NewChatSession(meridian.SessionConfig{
			ChatID:  chatID,
			ActorID: userID,
			Store:   client,
		})
		if err != nil {
			return err
		}
		defer session.Close()

		msg, err := session.Send(ctx, text, meridian.MessageTypeText)
		if err != nil {
			return err
		}
		fmt.Printf("Sent %s\n", msg.ID)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <chat-id>",
	Short: "Print recent messages from a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()
		chatID := args[0]

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		page, err := client.ReadPage(ctx, chatID, "", historyLimit)
		if err != nil {
			return err
		}
		// Server returns newest first; print oldest first.
		for i := len(page) - 1; i >= 0; i-- {
			printMessage(&page[i])
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <chat-id>",
	Short: "Stream a chat live until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		userID := requireUserID(cfg)
		chatID := args[0]

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		rt := client.Realtime(&meridian.RealtimeConfig{
			Token:         cfg.Auth.Token,
			AutoReconnect: true,
		})
		rt.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Fprintf(os.Stderr, "reconnecting (attempt %d) in %s...\n", attempt, delay)
		})
		if err := rt.Connect(ctx); err != nil {
			return err
		}
		defer rt.Disconnect()

		session, err := meridian.NewChatSession(meridian.SessionConfig{
			ChatID:  chatID,
			ActorID: userID,
			Store:   client,
			Feed:    rt,
			OnError: func(err error) {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			},
		})
		if err != nil {
			return err
		}
		defer session.Close()

		if err := session.Initialize(ctx); err != nil {
			return err
		}

		seen := make(map[string]struct{})
		for _, m := range session.Messages() {
			seen[m.ID] = struct{}{}
			printMessage(&m)
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-sig:
				return nil
			case <-ticker.C:
				for _, m := range session.Messages() {
					if _, ok := seen[m.ID]; ok {
						continue
					}
					seen[m.ID] = struct{}{}
					printMessage(&m)
				}
			}
		}
	},
}

func printMessage(m *meridian.Message) {
	text := m.Text
	if m.DeletedAt != nil {
		text = "(deleted)"
	}
	suffix := ""
	if m.EditedAt != nil {
		suffix = " (edited)"
	}
	fmt.Printf("[%s] %s: %s%s\n", m.Timestamp.Format("15:04:05"), m.SenderID, text, suffix)
}
