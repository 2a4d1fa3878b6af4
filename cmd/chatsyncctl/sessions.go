package main

import (
	"fmt"
	"strings"

	"github.com/matheus3301/chatsync/internal/control"
	"github.com/spf13/cobra"
)

var (
	inviteFlag     []string
	accessCodeFlag string
	identitiesFlag bool
	unlockFlag     bool
)

func init() {
	createCmd.Flags().StringSliceVar(&inviteFlag, "invite", nil, "user ids to invite")
	createCmd.Flags().StringVar(&accessCodeFlag, "code", "", "require this access code to join")
	joinCmd.Flags().StringVar(&accessCodeFlag, "code", "", "access code")
	refreshCmd.Flags().BoolVar(&identitiesFlag, "identities", false, "also reload the identity cache")
	lockCmd.Flags().BoolVar(&unlockFlag, "off", false, "unlock instead")

	rootCmd.AddCommand(sessionsCmd, refreshCmd, createCmd, joinCmd, leaveCmd, endCmd, lockCmd, renameCmd)
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List the sessions you belong to or are invited to",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd, control.MethodSessions, nil, printSessions)
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Force a session list refresh",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd, control.MethodRefresh, map[string]any{"identities": identitiesFlag}, printSessions)
	},
}

var createCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a session",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		invite := make([]any, len(inviteFlag))
		for i, id := range inviteFlag {
			invite[i] = id
		}
		return run(cmd, control.MethodCreate, map[string]any{
			"title":       strings.Join(args, " "),
			"invite":      invite,
			"access_code": accessCodeFlag,
		}, printSession)
	},
}

var joinCmd = &cobra.Command{
	Use:   "join <id>",
	Short: "Join a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, control.MethodJoin, map[string]any{"id": args[0], "access_code": accessCodeFlag}, printSession)
	},
}

var leaveCmd = &cobra.Command{
	Use:   "leave <id>",
	Short: "Leave a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, control.MethodLeave, map[string]any{"id": args[0]}, func(map[string]any) {
			fmt.Printf("left %s\n", args[0])
		})
	},
}

var endCmd = &cobra.Command{
	Use:   "end <id>",
	Short: "End a session you created",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, control.MethodEnd, map[string]any{"id": args[0]}, printSession)
	},
}

var lockCmd = &cobra.Command{
	Use:   "lock <id>",
	Short: "Lock a session against new joins",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, control.MethodLock, map[string]any{"id": args[0], "locked": !unlockFlag}, printSession)
	},
}

var renameCmd = &cobra.Command{
	Use:   "rename <id> <title>",
	Short: "Change a session's title",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, control.MethodRename, map[string]any{"id": args[0], "title": strings.Join(args[1:], " ")}, printSession)
	},
}

func printSessions(r map[string]any) {
	members, invited := items(r["members"]), items(r["invited"])
	if len(members) == 0 && len(invited) == 0 {
		fmt.Println("no sessions")
		return
	}
	for _, c := range members {
		printSession(c)
	}
	if len(invited) > 0 {
		fmt.Println()
		fmt.Println("Invited:")
		for _, c := range invited {
			printSession(c)
		}
	}
}

func printSession(c map[string]any) {
	var flags []string
	if c["locked"] == true {
		flags = append(flags, "locked")
	}
	if c["requires_access_code"] == true {
		flags = append(flags, "code")
	}
	if c["active"] == false {
		flags = append(flags, "ended")
	}
	suffix := ""
	if len(flags) > 0 {
		suffix = " [" + strings.Join(flags, ",") + "]"
	}
	fmt.Printf("%s  %-24s %d participants, created %s%s\n",
		str(c["id"]), str(c["title"]), len(strs(c["participants"])), ago(c["created_at"]), suffix)
}
