// Command voltask-agent is the volunteer-side runtime: register with a
// scheduler, heartbeat, pull bounded batches of work and execute them
// through the shared sandbox, reporting outcomes back.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/voltask/voltask/internal/agent"
	"github.com/voltask/voltask/internal/config"
	"github.com/voltask/voltask/internal/logging"
	"github.com/voltask/voltask/internal/objstore"
)

func main() {
	root := &cobra.Command{
		Use:   "voltask-agent",
		Short: "voltask agent: volunteer-side task execution runtime",
	}
	root.AddCommand(acceptEULACmd())
	root.AddCommand(runCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("voltask-agent: %v", err))
		os.Exit(1)
	}
}

func newRuntime(ctx context.Context, log *logging.Logger) (*agent.Runtime, error) {
	cfg, err := config.LoadAgent()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	objects, err := objstore.New(objstore.Config{
		Endpoint:  cfg.MinIOEndpoint,
		AccessKey: cfg.MinIOAccessKey,
		SecretKey: cfg.MinIOSecretKey,
		UseSSL:    cfg.MinIOUseSSL,
		Bucket:    cfg.MinIOBucket,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object storage: %w", err)
	}

	return agent.New(cfg, objects, log)
}

// acceptEULACmd records local acceptance of the end-user agreement. This is
// a distinct, offline action from run: it touches no network and must
// happen at least once before run will do anything at all.
func acceptEULACmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept-eula",
		Short: "record local acceptance of the end-user agreement",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New(logging.Config{Level: "info", Format: "text", Component: "agent"})
			rt, err := newRuntime(cmd.Context(), log)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.AcceptEULA(cmd.Context()); err != nil {
				return fmt.Errorf("accept eula: %w", err)
			}
			color.Green("EULA accepted on this device")
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "run the agent, registering, heartbeating and executing tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New(logging.Config{Level: "info", Format: "json", Component: "agent"})
			rt, err := newRuntime(cmd.Context(), log)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Info("agent starting")
			return rt.Run(ctx)
		},
	}
}
