package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/stewardhq/steward/internal/scheduler"
	"github.com/stewardhq/steward/internal/vault"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage agent schedules",
}

var (
	scheduleTask         string
	scheduleArtifactType string
	scheduleDescription  string
)

func init() {
	scheduleCmd.PersistentFlags().StringVar(&flagUser, "user", vault.OperatorUserID, "acting user ID")
	scheduleAddCmd.Flags().StringVar(&scheduleTask, "task", "", "task prompt for each fire")
	scheduleAddCmd.Flags().StringVar(&scheduleArtifactType, "artifact-type", "", "artifact type for run output")
	scheduleAddCmd.Flags().StringVar(&scheduleDescription, "description", "", "human description")
	scheduleCmd.AddCommand(scheduleListCmd)
	scheduleCmd.AddCommand(scheduleAddCmd)
	scheduleCmd.AddCommand(scheduleRemoveCmd)
	scheduleCmd.AddCommand(scheduleSyncCmd)
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the user's schedules",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, _, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		entries, err := st.ListScheduleEntries(flagUser)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No schedules.")
			return nil
		}
		for _, e := range entries {
			status := e.LastStatus
			if status == "" {
				status = "never fired"
			}
			fmt.Printf("%-16s %-16s %-16s next %s  [%s, last: %s]\n",
				e.AgentName, e.ScheduleName, e.CronExpr,
				e.NextRunAt.Local().Format(time.RFC3339), e.State, status)
		}
		return nil
	},
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add <agent> <name> <cron>",
	Short: "Register a schedule",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, cfg, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		sch := scheduler.New(cfg.Scheduler, st, nil)
		payload := scheduler.Payload{
			TaskPrompt:   scheduleTask,
			ArtifactType: scheduleArtifactType,
			Description:  scheduleDescription,
		}
		if err := sch.Schedule(flagUser, args[0], args[1], args[2], payload); err != nil {
			return err
		}
		fmt.Printf("Scheduled %s/%s (%s)\n", args[0], args[1], args[2])
		return nil
	},
}

var scheduleRemoveCmd = &cobra.Command{
	Use:   "remove <agent> <name>",
	Short: "Remove a schedule",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, _, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		removed, err := st.DeleteScheduleEntry(flagUser, args[0], args[1])
		if err != nil {
			return err
		}
		if !removed {
			fmt.Println("No such schedule.")
			return nil
		}
		fmt.Println("Removed.")
		return nil
	},
}

var scheduleSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Register schedules declared in agent heartbeat files",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, cfg, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		res, err := openResolver(st)
		if err != nil {
			return err
		}
		sch := scheduler.New(cfg.Scheduler, st, nil)
		synced, err := sch.SyncFromDefinitions(res, flagUser)
		if err != nil {
			return err
		}
		fmt.Printf("Synced %d schedule(s) from heartbeat files.\n", synced)
		return nil
	},
}
