package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newConfigCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage CLI configuration",
	}

	var (
		server      string
		token       string
		makeCurrent bool
	)
	setCtx := &cobra.Command{
		Use:   "set-context <name>",
		Short: "Create or update a context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if server == "" {
				return fmt.Errorf("--api-server is required")
			}
			cfg, err := LoadConfig(o.cfgFile)
			if err != nil {
				return err
			}
			setContext(cfg, Context{Name: args[0], Server: server, Token: token}, makeCurrent)
			if err := SaveConfig(cfg, o.cfgFile); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Context %q updated.\n", args[0])
			return nil
		},
	}
	setCtx.Flags().StringVar(&server, "api-server", "", "API server URL")
	setCtx.Flags().StringVar(&token, "api-token", "", "API bearer token")
	setCtx.Flags().BoolVar(&makeCurrent, "current", false, "Switch to this context")

	useCtx := &cobra.Command{
		Use:   "use-context <name>",
		Short: "Switch the current context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(o.cfgFile)
			if err != nil {
				return err
			}
			if _, ok := cfg.Contexts[args[0]]; !ok {
				return fmt.Errorf("context %q not found", args[0])
			}
			cfg.CurrentContext = args[0]
			if err := SaveConfig(cfg, o.cfgFile); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Switched to context %q.\n", args[0])
			return nil
		},
	}

	getCtx := &cobra.Command{
		Use:   "get-contexts",
		Short: "List configured contexts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(o.cfgFile)
			if err != nil {
				return err
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintf(tw, "CURRENT\tNAME\tSERVER\n")
			for _, name := range sortedKeys(cfg.Contexts) {
				marker := ""
				if name == cfg.CurrentContext {
					marker = "*"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", marker, name, cfg.Contexts[name].Server)
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(setCtx, useCtx, getCtx)
	return cmd
}
