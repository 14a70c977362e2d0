package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/galaxy-org/galaxy/internal/common/logger"
	"github.com/galaxy-org/galaxy/internal/config"
)

// Context carries the loaded configuration and a logger-bearing
// context.Context through one command invocation.
type Context struct {
	context.Context

	Command *cobra.Command
	Config  *config.Config
	Quiet   bool
}

// NewContext loads the configuration, sets up the logger context, and logs
// any warnings collected while resolving the configuration.
func NewContext(cmd *cobra.Command) (*Context, error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	quiet, err := cmd.Flags().GetBool("quiet")
	if err != nil {
		return nil, fmt.Errorf("failed to get quiet flag: %w", err)
	}

	var loaderOpts []config.LoaderOption
	if cfgFile, _ := cmd.Flags().GetString("config"); cfgFile != "" {
		loaderOpts = append(loaderOpts, config.WithConfigFile(cfgFile))
	}
	cfg, err := config.Load(loaderOpts...)
	if err != nil {
		return nil, err
	}

	var opts []logger.Option
	if cfg.Log.Debug || os.Getenv("DEBUG") != "" {
		opts = append(opts, logger.WithDebug())
	}
	if quiet || cfg.Log.Quiet {
		opts = append(opts, logger.WithQuiet())
	}
	if cfg.Log.Format != "" {
		opts = append(opts, logger.WithFormat(cfg.Log.Format))
	}
	ctx = logger.WithLogger(ctx, logger.NewLogger(opts...))

	for _, w := range cfg.Warnings {
		logger.Warn(ctx, w)
	}

	return &Context{
		Context: ctx,
		Command: cmd,
		Config:  cfg,
		Quiet:   quiet,
	}, nil
}

// commonFlags registers the flags shared by all commands.
func commonFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "config file path")
	cmd.Flags().BoolP("quiet", "q", false, "suppress console logging")
}
