package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stewardhq/steward/internal/vault"
)

var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Manage per-user service credentials",
}

var vaultScopes string

func init() {
	vaultCmd.PersistentFlags().StringVar(&flagUser, "user", vault.OperatorUserID, "acting user ID")
	vaultPutCmd.Flags().StringVar(&vaultScopes, "scopes", "", "comma-separated scopes for this credential")
	vaultCmd.AddCommand(vaultPutCmd)
	vaultCmd.AddCommand(vaultListCmd)
	vaultCmd.AddCommand(vaultDeleteCmd)
	vaultCmd.AddCommand(vaultRotateCmd)
	vaultCmd.AddCommand(vaultAllowOperatorCmd)
}

var vaultPutCmd = &cobra.Command{
	Use:   "put <service> <payload>",
	Short: "Store a credential (model keys use the llm.<provider> service)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, cfg, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		vlt, err := openVault(st, cfg)
		if err != nil {
			return err
		}
		if err := vlt.Put(flagUser, args[0], []byte(args[1]), vaultScopes, nil); err != nil {
			return err
		}
		fmt.Printf("Stored %s for %s\n", args[0], flagUser)
		return nil
	},
}

var vaultListCmd = &cobra.Command{
	Use:   "list",
	Short: "List credential services for the user",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, cfg, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		vlt, err := openVault(st, cfg)
		if err != nil {
			return err
		}
		services, err := vlt.ListServices(flagUser)
		if err != nil {
			return err
		}
		if len(services) == 0 {
			fmt.Println("No credentials stored.")
			return nil
		}
		fmt.Println(strings.Join(services, "\n"))
		return nil
	},
}

var vaultDeleteCmd = &cobra.Command{
	Use:   "delete <service>",
	Short: "Delete a credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, cfg, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		vlt, err := openVault(st, cfg)
		if err != nil {
			return err
		}
		removed, err := vlt.Delete(flagUser, args[0])
		if err != nil {
			return err
		}
		if !removed {
			fmt.Println("No such credential.")
			return nil
		}
		fmt.Println("Deleted.")
		return nil
	},
}

var vaultRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate the master encryption key",
	Long: "Rotate generates a new master key for future writes. Stored " +
		"credentials are re-encrypted lazily the next time they are read.",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, cfg, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		vlt, err := openVault(st, cfg)
		if err != nil {
			return err
		}
		version, err := vlt.Rotate()
		if err != nil {
			return err
		}
		fmt.Printf("Rotated. Current key version: %d\n", version)
		return nil
	},
}

var vaultAllowOperatorCmd = &cobra.Command{
	Use:   "allow-operator-llm <true|false>",
	Short: "Let the user's agents fall back to the operator's model key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		allow, err := strconv.ParseBool(args[0])
		if err != nil {
			return fmt.Errorf("expected true or false, got %q", args[0])
		}
		st, _, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.SetAllowOperatorLLM(flagUser, allow); err != nil {
			return err
		}
		fmt.Printf("allow-operator-llm for %s set to %v\n", flagUser, allow)
		return nil
	},
}
