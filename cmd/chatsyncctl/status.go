package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/matheus3301/chatsync/internal/control"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd, control.MethodStatus, nil, func(r map[string]any) {
			fmt.Printf("Profile:  %s\n", str(r["profile"]))
			fmt.Printf("User:     %s\n", valueOr(str(r["user_id"]), "(not set)"))
			fmt.Printf("Push:     %s\n", str(r["push"]))
			fmt.Printf("Started:  %s\n", ago(r["started_at"]))
			fmt.Printf("Sessions: %d member, %d invited\n", num(r["members"]), num(r["invited"]))
			if open := strs(r["open"]); len(open) > 0 {
				fmt.Printf("Open:     %s\n", strings.Join(open, ", "))
			}
			fmt.Printf("Stored:   %s conversations, %s messages, %s identities\n",
				humanize.Comma(num(r["conversations"])),
				humanize.Comma(num(r["messages"])),
				humanize.Comma(num(r["identities"])))
		})
	},
}

func valueOr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
