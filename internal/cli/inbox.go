package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/stewardhq/steward/internal/vault"
)

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "Read notifications and artifacts",
}

func init() {
	inboxCmd.PersistentFlags().StringVar(&flagUser, "user", vault.OperatorUserID, "acting user ID")
	inboxCmd.AddCommand(inboxUnreadCmd)
	inboxCmd.AddCommand(inboxReadCmd)
	inboxCmd.AddCommand(inboxArtifactCmd)
}

var inboxUnreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "List unread notifications, most important first",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, _, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		unread, err := st.GetUnread(flagUser)
		if err != nil {
			return err
		}
		if len(unread) == 0 {
			fmt.Println("Inbox zero.")
			return nil
		}
		for _, n := range unread {
			marker := " "
			if n.Priority == "urgent" {
				marker = "!"
			}
			fmt.Printf("%s %-36s %-8s %s  %s", marker, n.ID, n.Priority,
				n.CreatedAt.Local().Format(time.Stamp), n.Message)
			if n.ArtifactID != "" {
				fmt.Printf("  [artifact %s]", n.ArtifactID)
			}
			fmt.Println()
		}
		return nil
	},
}

var inboxReadCmd = &cobra.Command{
	Use:   "read <notification-id>",
	Short: "Mark a notification as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, _, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.MarkRead(args[0]); err != nil {
			return err
		}
		fmt.Println("Marked read.")
		return nil
	},
}

var inboxArtifactCmd = &cobra.Command{
	Use:   "artifact <artifact-id>",
	Short: "Print an artifact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, _, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		artifact, err := st.GetArtifact(args[0])
		if err != nil {
			return err
		}
		if artifact == nil {
			return fmt.Errorf("no artifact with ID %s", args[0])
		}
		fmt.Printf("From %s (%s) at %s\n\n", artifact.AgentName, artifact.Type,
			artifact.CreatedAt.Local().Format(time.RFC3339))
		fmt.Println(artifact.Content)
		return nil
	},
}
