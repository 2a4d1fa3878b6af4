package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/matheus3301/chatsync/internal/control"
	"github.com/spf13/cobra"
)

var (
	limitFlag    int
	whoLimitFlag int
	olderFlag    int
	replyToFlag  string
	keyFlag      string
	removeFlag   bool
)

func init() {
	messagesCmd.Flags().IntVar(&limitFlag, "limit", 20, "show at most this many recent messages")
	messagesCmd.Flags().IntVar(&olderFlag, "older", 0, "backfill this many older messages first")
	sendCmd.Flags().StringVar(&replyToFlag, "reply-to", "", "id of the message to reply to")
	sendCmd.Flags().StringVar(&keyFlag, "key", "", "idempotency key, reuse it when retrying")
	whoCmd.Flags().IntVar(&whoLimitFlag, "limit", 10, "frequent contacts to list without a query")
	reactCmd.Flags().BoolVar(&removeFlag, "remove", false, "remove the reaction instead")

	rootCmd.AddCommand(messagesCmd, sendCmd, whoCmd, reactCmd, deleteCmd, typingCmd)
}

var messagesCmd = &cobra.Command{
	Use:   "messages <id>",
	Short: "Show the recent messages of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, control.MethodMessages, map[string]any{
			"id":    args[0],
			"limit": limitFlag,
			"older": olderFlag,
		}, func(r map[string]any) {
			list := items(r["messages"])
			if len(list) == 0 {
				fmt.Println("no messages")
			}
			for _, m := range list {
				printMessage(m)
			}
			if typing := strs(r["typing"]); len(typing) > 0 {
				fmt.Printf("… %s typing\n", strings.Join(typing, ", "))
			}
			if num(r["loaded"]) > 0 {
				fmt.Printf("(%d older messages loaded)\n", num(r["loaded"]))
			}
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <id> <text>",
	Short: "Send a message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, control.MethodSend, map[string]any{
			"id":       args[0],
			"text":     strings.Join(args[1:], " "),
			"reply_to": replyToFlag,
			"key":      keyFlag,
		}, printMessage)
	},
}

var whoCmd = &cobra.Command{
	Use:   "who [query]",
	Short: "Search identities, or list frequent contacts",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := map[string]any{"limit": whoLimitFlag}
		if len(args) == 1 {
			req["query"] = args[0]
		}
		return run(cmd, control.MethodWho, req, func(r map[string]any) {
			list := items(r["identities"])
			if len(list) == 0 {
				fmt.Println("nobody found")
			}
			for _, rec := range list {
				fmt.Printf("%-20s %-24s seen %s\n", str(rec["handle"]), str(rec["display_name"]), ago(rec["last_seen"]))
			}
		})
	},
}

var reactCmd = &cobra.Command{
	Use:   "react <id> <message-id> <emoji>",
	Short: "React to a message",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, control.MethodReact, map[string]any{
			"id":      args[0],
			"message": args[1],
			"emoji":   args[2],
			"remove":  removeFlag,
		}, func(r map[string]any) {
			if _, ok := r["body"]; ok {
				printMessage(r)
			}
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id> <message-id>",
	Short: "Delete one of your messages",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, control.MethodDelete, map[string]any{"id": args[0], "message": args[1]}, func(map[string]any) {
			fmt.Printf("deleted %s\n", args[1])
		})
	},
}

var typingCmd = &cobra.Command{
	Use:       "typing <id> on|off",
	Short:     "Set your typing state in a session",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		on, err := parseSwitch(args[1])
		if err != nil {
			return err
		}
		return run(cmd, control.MethodTyping, map[string]any{"id": args[0], "typing": on}, func(map[string]any) {
			fmt.Printf("typing %s\n", args[1])
		})
	},
}

func parseSwitch(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", v)
}

func printMessage(m map[string]any) {
	line := fmt.Sprintf("[%s] %s: %s", ago(m["created_at"]), str(m["sender_id"]), str(m["body"]))
	if reactions, ok := m["reactions"].(map[string]any); ok && len(reactions) > 0 {
		emojis := make([]string, 0, len(reactions))
		for emoji := range reactions {
			emojis = append(emojis, emoji)
		}
		slices.Sort(emojis)
		for _, emoji := range emojis {
			line += fmt.Sprintf("  %s %d", emoji, len(strs(reactions[emoji])))
		}
	}
	fmt.Println(line)
}
