// Command validator runs the Verifier's HTTP surface standalone, so
// re-execution and recheck load can scale independently of the scheduler
// process while sharing the same storage, object storage and policy
// configuration.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/voltask/voltask/internal/apiserver/policy"
	"github.com/voltask/voltask/internal/apiserver/server"
	"github.com/voltask/voltask/internal/apiserver/verifier"
	queueredis "github.com/voltask/voltask/internal/queue/redis"
	"github.com/voltask/voltask/internal/config"
	"github.com/voltask/voltask/internal/logging"
	"github.com/voltask/voltask/internal/model"
	"github.com/voltask/voltask/internal/objstore"
	"github.com/voltask/voltask/internal/storage/postgres"
)

func main() {
	root := &cobra.Command{
		Use:   "validator",
		Short: "voltask validator: server-side re-execution and classification",
	}
	root.AddCommand(serveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("validator: %v", err))
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the validator HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.LoadScheduler()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(logging.Config{Level: "info", Format: "json", Component: "validator"})

	store, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer store.Close()

	queueStore, err := queueredis.NewFromURL(cfg.RedisURL, log.With("subcomponent", "queue"))
	if err != nil {
		return fmt.Errorf("connect redis queue: %w", err)
	}
	defer queueStore.Close()

	objects, err := objstore.New(objstore.Config{
		Endpoint:  cfg.MinIOEndpoint,
		AccessKey: cfg.MinIOAccessKey,
		SecretKey: cfg.MinIOSecretKey,
		UseSSL:    cfg.MinIOUseSSL,
		Bucket:    cfg.MinIOBucket,
	})
	if err != nil {
		return fmt.Errorf("connect minio: %w", err)
	}

	polEngine := policy.New(policy.Config{
		AIMode:             model.ParseAIMode(cfg.AIMode),
		MaxConcurrentTasks: cfg.PolicyMaxConcurrentTasks,
		MaxDailyAIBudget:   cfg.PolicyMaxDailyBudget,
		RecheckThreshold:   cfg.PolicyRecheckThreshold,
	}, store, log.With("subcomponent", "policy"))

	v := verifier.New(store, polEngine, objects, queueStore, log.With("subcomponent", "verifier"))
	handler := verifier.NewHandler(v, log)

	srv := server.New(":"+cfg.Port, func() bool { return true }, nil, log, handler)

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("validator listening", "port", cfg.Port)
	return srv.Run(shutdownCtx)
}
