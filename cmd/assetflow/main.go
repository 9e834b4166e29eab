package main

import (
	"os"

	"github.com/assetflowhq/assetflow/internal/cli"
	"github.com/assetflowhq/assetflow/internal/config"
	"github.com/assetflowhq/assetflow/internal/engine"
	"github.com/assetflowhq/assetflow/internal/httpserver"
	"github.com/assetflowhq/assetflow/internal/logging"
	"github.com/assetflowhq/assetflow/internal/otel"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func main() {
	rootCmd := cli.NewRootCommand()

	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		startServer(configPath)
		return nil
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func startServer(configPath string) {
	app := fx.New(
		config.Module(configPath),
		logging.Module(),
		otel.Module("assetflow"),
		engine.Module(),
		httpserver.Module(),
	)

	app.Run()
}
