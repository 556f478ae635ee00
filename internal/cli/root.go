package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/stewardhq/steward/internal/config"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/stewardhq/steward/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"      _                            _\n" +
		"  ___| |_ _____      ____ _ _ __ __| |\n" +
		" / __| __/ _ \\ \\ /\\ / / _` | '__/ _` |\n" +
		" \\__ \\ ||  __/\\ V  V / (_| | | | (_| |\n" +
		" |___/\\__\\___| \\_/\\_/ \\__,_|_|  \\__,_|\n"
)

var rootCmd = &cobra.Command{
	Use:   "steward",
	Short: "steward - personal agent orchestrator",
	Long:  color.CyanString(logo) + "\nAn orchestrator for personal assistant agents: scheduling, background runs, and a per-user credential vault.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		config.LoadEnvFiles()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(vaultCmd)
	rootCmd.AddCommand(inboxCmd)
}

func printHeader(title string) {
	fmt.Println(color.CyanString(logo))
	if title != "" {
		fmt.Println(title)
		fmt.Println("─────────────────────")
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("steward version")
		fmt.Printf("Version: %s\n", version)
	},
}
