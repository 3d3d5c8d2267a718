package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rtreit/stockripperv2/a2a"
	"github.com/rtreit/stockripperv2/pipeline"
	"github.com/rtreit/stockripperv2/runtime"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Serve tasks until interrupted",
	Long:  "Start the tool servers, publish the agent card and serve tasks. SIGINT or SIGTERM drains in-flight tasks and stops the tool servers.",
	Args:  cobra.NoArgs,
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handler := pipeline.FromConfig(cfg.Actions, logger.Named("pipeline"))
	rt, err := runtime.New(cfg, handler,
		runtime.WithLogger(logger),
		runtime.WithOnReady(func(card a2a.AgentCard) {
			printBanner(cmd.ErrOrStderr(), card, cfg.Peers)
		}),
	)
	if err != nil {
		return err
	}
	if err := rt.Run(ctx); err != nil {
		return fmt.Errorf("agent %s: %w", cfg.Name, err)
	}
	return nil
}
