package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/nutriplan/chatsync"
	"github.com/spf13/cobra"
)

var (
	nameStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86"))

	unreadStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("231")).
			Background(lipgloss.Color("160")).
			Padding(0, 1)

	metaStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	selfStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("33"))

	noDataStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)
)

var (
	dialogsJSON     bool
	dialogsOffline  bool
	messagesJSON    bool
	messagesOffline bool
	sendJSON        bool
)

func init() {
	dialogsCmd.Flags().BoolVar(&dialogsJSON, "json", false, "Output raw JSON")
	dialogsCmd.Flags().BoolVar(&dialogsOffline, "offline", false, "Read from the local cache without contacting the backend")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")
	messagesCmd.Flags().BoolVar(&messagesOffline, "offline", false, "Read from the local cache without contacting the backend")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(dialogsCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(readCmd)
}

// ============================================================================
// dialogs
// ============================================================================

var dialogsCmd = &cobra.Command{
	Use:   "dialogs",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := effectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := requireSession(cfg); err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		snap, err := openSnapshot(cfg)
		if err != nil {
			return err
		}
		if snap != nil {
			defer snap.Close()
		}

		var dialogs []chatsync.Dialog
		if dialogsOffline {
			if snap == nil {
				return fmt.Errorf("cache is disabled")
			}
			dialogs, err = snap.LoadDialogs(ctx, cfg.Auth.UserID)
			if err != nil {
				return err
			}
		} else {
			store := newStore(cfg, newLogger(cfg))
			if err := store.LoadDialogs(ctx); err != nil {
				return err
			}
			dialogs = store.Dialogs()
			if snap != nil {
				if err := snap.SaveDialogs(ctx, cfg.Auth.UserID, dialogs); err != nil {
					return fmt.Errorf("failed to update cache: %w", err)
				}
			}
		}

		if dialogsJSON {
			return printJSON(dialogs)
		}

		if len(dialogs) == 0 {
			fmt.Println(noDataStyle.Render("No conversations yet."))
			return nil
		}
		for _, d := range dialogs {
			fmt.Println(renderDialog(d))
		}
		return nil
	},
}

func renderDialog(d chatsync.Dialog) string {
	name := d.FullName
	if name == "" {
		name = "user " + strconv.FormatInt(d.UserID, 10)
	}
	var b strings.Builder
	b.WriteString(nameStyle.Render(name))
	b.WriteString(metaStyle.Render(fmt.Sprintf(" #%d", d.UserID)))
	if d.UnreadCount > 0 {
		b.WriteString(" ")
		b.WriteString(unreadStyle.Render(strconv.Itoa(d.UnreadCount)))
	}
	if at := d.LastMessageAt; !at.IsZero() {
		b.WriteString(metaStyle.Render("  " + at.Local().Format("2006-01-02 15:04")))
	}
	if d.LastMessage != "" {
		b.WriteString("\n  ")
		b.WriteString(d.LastMessage)
	}
	return b.String()
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <user-id>",
	Short: "Show the conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		counterpart, err := parseUserID(args[0])
		if err != nil {
			return err
		}
		cfg, err := effectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := requireSession(cfg); err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var msgs []chatsync.Message
		if messagesOffline {
			snap, err := openSnapshot(cfg)
			if err != nil {
				return err
			}
			if snap == nil {
				return fmt.Errorf("cache is disabled")
			}
			defer snap.Close()
			msgs, err = snap.LoadMessages(ctx, cfg.Auth.UserID, counterpart)
			if err != nil {
				return err
			}
		} else {
			store := newStore(cfg, newLogger(cfg))
			msgs, err = store.LoadMessages(ctx, counterpart)
			if err != nil {
				return err
			}
		}

		if messagesJSON {
			return printJSON(msgs)
		}

		if len(msgs) == 0 {
			fmt.Println(noDataStyle.Render("No messages found."))
			return nil
		}
		for _, m := range msgs {
			fmt.Println(renderMessage(m, cfg.Auth.UserID))
		}
		return nil
	},
}

func renderMessage(m chatsync.Message, self int64) string {
	ts := metaStyle.Render("[" + m.CreatedAt.Local().Format("2006-01-02 15:04") + "]")
	who := fmt.Sprintf("%d", m.SenderID)
	if m.SenderID == self {
		who = selfStyle.Render("me")
	}
	return fmt.Sprintf("%s %s: %s", ts, who, m.Content)
}

// ============================================================================
// send / read
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <user-id> <content>",
	Short: "Send a message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		counterpart, err := parseUserID(args[0])
		if err != nil {
			return err
		}
		content := strings.Join(args[1:], " ")

		cfg, err := effectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := requireSession(cfg); err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		store := newStore(cfg, newLogger(cfg))
		msg, err := store.SendMessage(ctx, counterpart, content)
		if err != nil {
			return err
		}

		if sendJSON {
			return printJSON(msg)
		}
		fmt.Printf("Message sent (id: %d)\n", msg.ID)
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read <user-id>",
	Short: "Mark the conversation with a user as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		counterpart, err := parseUserID(args[0])
		if err != nil {
			return err
		}
		cfg, err := effectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := requireSession(cfg); err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		store := newStore(cfg, newLogger(cfg))
		if err := store.MarkRead(ctx, counterpart); err != nil {
			return err
		}
		fmt.Println("Marked as read.")
		return nil
	},
}

func parseUserID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid user id %q", s)
	}
	return id, nil
}
