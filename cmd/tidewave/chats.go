package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	tidewave "github.com/tidewave-im/tidewave-go"
)

var (
	chatsMessagesLimit int
	chatsSendType      string
)

func init() {
	rootCmd.AddCommand(chatsCmd)
	chatsCmd.AddCommand(chatsListCmd)
	chatsCmd.AddCommand(chatsMessagesCmd)
	chatsCmd.AddCommand(chatsSendCmd)
	chatsCmd.AddCommand(chatsWatchCmd)

	chatsMessagesCmd.Flags().IntVar(&chatsMessagesLimit, "limit", 0, "Maximum number of messages to fetch")
	chatsSendCmd.Flags().StringVar(&chatsSendType, "type", "text", "Message type")
}

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "Browse and interact with conversations",
}

// ============================================================================
// chats list
// ============================================================================

var chatsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		chats, err := client.Chats().List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if len(chats) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		for _, chat := range chats {
			last := "(no messages)"
			if chat.LastMessage != nil {
				last = chat.LastMessage.Content
			}
			fmt.Printf("%s  [%s]  %s\n", chat.ID, strings.Join(chat.Participants, ", "), last)
		}
		return nil
	},
}

// ============================================================================
// chats messages
// ============================================================================

var chatsMessagesCmd = &cobra.Command{
	Use:   "messages <chat-id>",
	Short: "Get a conversation's message history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID := args[0]
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		var opts *tidewave.PageOptions
		if chatsMessagesLimit > 0 {
			opts = &tidewave.PageOptions{Limit: chatsMessagesLimit}
		}

		messages, err := client.Chats().Messages(ctx, chatID, opts)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if len(messages) == 0 {
			fmt.Println("No messages found.")
			return nil
		}

		for _, msg := range messages {
			fmt.Printf("[%s] %s: %s\n", msg.Timestamp.Format(time.RFC3339), msg.AuthorID, msg.Content)
		}
		return nil
	},
}

// ============================================================================
// chats send
// ============================================================================

var chatsSendCmd = &cobra.Command{
	Use:   "send <chat-id> <message>",
	Short: "Send a message to a conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID := args[0]
		content := strings.Join(args[1:], " ")
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msg, err := client.Chats().SendMessage(ctx, chatID, &tidewave.SendMessageOptions{
			Content: content,
			Type:    chatsSendType,
		})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		fmt.Printf("Sent %s\n", msg.ID)
		return nil
	},
}

// ============================================================================
// chats watch
// ============================================================================

var chatsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch conversations live",
	Long:  "Hydrate the local view over REST, connect the push channel, and print each store update until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		session, err := getSession()
		if err != nil {
			return err
		}
		defer session.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = session.Hydrate(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("hydration failed: %w", err)
		}

		printChats := func() {
			stale := ""
			if session.Conversations.Stale() {
				stale = " (stale)"
			}
			fmt.Printf("--- %s%s\n", time.Now().Format(time.RFC3339), stale)
			for _, chat := range session.Conversations.Conversations() {
				last := "(no messages)"
				if chat.LastMessage != nil {
					last = fmt.Sprintf("%s: %s", chat.LastMessage.AuthorID, chat.LastMessage.Content)
				}
				typing := session.Typing.Typing(chat.ID)
				indicator := ""
				if len(typing) > 0 {
					indicator = fmt.Sprintf("  [typing: %s]", strings.Join(typing, ", "))
				}
				fmt.Printf("%s  %s%s\n", chat.ID, last, indicator)
			}
		}

		unsubscribe := session.Conversations.Subscribe(printChats)
		defer unsubscribe()

		printChats()

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt)
		<-stop

		fmt.Println("Disconnecting.")
		return nil
	},
}
