package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stewardhq/steward/internal/resolver"
	"github.com/stewardhq/steward/internal/vault"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage agent instances",
}

var agentRoleFile string

func init() {
	agentCmd.PersistentFlags().StringVar(&flagUser, "user", vault.OperatorUserID, "acting user ID")
	agentCreateCmd.Flags().StringVar(&agentRoleFile, "role-file", "", "path to a role.md for the new agent")
	agentCmd.AddCommand(agentListCmd)
	agentCmd.AddCommand(agentShowCmd)
	agentCmd.AddCommand(agentCreateCmd)
	agentCmd.AddCommand(agentSoulCmd)
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the user's agent instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, _, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		res, err := openResolver(st)
		if err != nil {
			return err
		}
		instances, err := res.Instances(flagUser)
		if err != nil {
			return err
		}
		if len(instances) == 0 {
			fmt.Println("No agents yet. Talk to one to materialize it from a template.")
			return nil
		}
		for _, inst := range instances {
			if inst.Template() != "" {
				fmt.Printf("%-20s (from template %s v%d)\n", inst.Name(), inst.Template(), inst.TemplateVersion())
			} else {
				fmt.Printf("%-20s (custom)\n", inst.Name())
			}
		}
		return nil
	},
}

var agentShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show a resolved agent definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, _, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		res, err := openResolver(st)
		if err != nil {
			return err
		}
		caller := resolver.Caller{UserID: flagUser, Role: resolver.RoleUser}
		def, err := res.Resolve(flagUser, args[0], caller)
		if err != nil {
			return err
		}
		fmt.Printf("Name: %s\nKind: %s\n", def.Name(), def.Kind())
		for key := range def.Files() {
			fmt.Printf("File: %s\n", key)
		}
		fmt.Println("\n--- system prompt ---")
		fmt.Println(def.SystemPrompt())
		return nil
	},
}

var agentCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a custom agent instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role := fmt.Sprintf("# %s\n\nYou are %s, a personal assistant agent.\n", args[0], args[0])
		if agentRoleFile != "" {
			data, err := os.ReadFile(agentRoleFile)
			if err != nil {
				return err
			}
			role = string(data)
		}
		st, _, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		res, err := openResolver(st)
		if err != nil {
			return err
		}
		files := map[string]string{resolver.FileRole: role}
		if err := res.Create(flagUser, args[0], files, "cli"); err != nil {
			return err
		}
		fmt.Printf("Created agent %q for %s\n", args[0], flagUser)
		return nil
	},
}

var agentSoulCmd = &cobra.Command{
	Use:   "soul <name> <text>",
	Short: "Append a memory to an agent's soul",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, _, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		res, err := openResolver(st)
		if err != nil {
			return err
		}
		if err := res.AppendSoul(flagUser, args[0], args[1]); err != nil {
			return err
		}
		fmt.Println("Appended.")
		return nil
	},
}
