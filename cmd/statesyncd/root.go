package main

import (
	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/go-state-sync/config"
	"github.com/c0deZ3R0/go-state-sync/logging"
)

// app is the state shared by every subcommand once flags are parsed.
type app struct {
	configPath string
	envFile    string
	serverURL  string

	cfg    *config.Config
	logger *logging.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "statesyncd",
		Short:         "Multi-window state sync backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	root.PersistentFlags().StringVar(&a.serverURL, "server", "", "backend URL for client commands (overrides client.server_url)")

	root.AddCommand(
		newServeCmd(a),
		newGetCmd(a),
		newUpdateCmd(a),
		newWatchCmd(a),
		newTopicsCmd(),
	)
	return root
}

func (a *app) load() error {
	if err := config.LoadEnvFile(a.envFile); err != nil {
		return err
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.serverURL != "" {
		cfg.Client.ServerURL = a.serverURL
	}

	a.cfg = cfg
	a.logger = logging.NewLogger(cfg.Logging)
	logging.Init(cfg.Logging)
	return nil
}
