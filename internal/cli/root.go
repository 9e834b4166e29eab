package cli

import "github.com/spf13/cobra"

func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assetflow",
		Short: "Entity and workflow tracking service",
	}

	cmd.Flags().String("config", "config.yaml", "Path to config file")
	return cmd
}
