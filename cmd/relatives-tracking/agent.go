package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/agent"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/config"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/database"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newAgentCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the device tracking agent",
		Long: "Run the device tracking agent. Location fixes are read as newline-delimited JSON " +
			"from --fix-source (\"-\" for stdin) and uploaded in batches to --server-url.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
		},
	}
	defaults := config.NewViper()
	cmd.Flags().String("server-url", defaults.GetString("agent.server_url"), "Tracking server base URL")
	cmd.Flags().String("token", "", "Device session token (overrides env)")
	cmd.Flags().String("agent-database", defaults.GetString("agent.database_path"), "Agent SQLite database path")
	cmd.Flags().String("control-address", defaults.GetString("agent.control_address"), "Local control API listen address (empty disables it)")
	cmd.Flags().String("fix-source", defaults.GetString("agent.fix_source"), "Path of the NDJSON fix feed, - for stdin")

	bindLocalFlag(cmd, "agent.server_url", "server-url")
	bindLocalFlag(cmd, "agent.token", "token")
	bindLocalFlag(cmd, "agent.database_path", "agent-database")
	bindLocalFlag(cmd, "agent.control_address", "control-address")
	bindLocalFlag(cmd, "agent.fix_source", "fix-source")
	return cmd
}

func runAgent(ctx context.Context) error {
	agentConfig, err := config.LoadAgent(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(agentConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenAgent(agentConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	fixInput, closeInput, err := openFixSource(agentConfig.FixSource)
	if err != nil {
		return err
	}
	defer closeInput()

	trackingAgent, err := agent.New(agent.Config{
		Settings: agentConfig,
		Database: db,
		FixInput: fixInput,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signalContext(ctx)
	defer stop()

	logger.Info("agent starting",
		zap.String("server_url", agentConfig.ServerURL),
		zap.String("control_address", agentConfig.ControlAddress))
	return trackingAgent.Serve(signalCtx)
}

func openFixSource(path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return os.Stdin, func() {}, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open fix source: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
