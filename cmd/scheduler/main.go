// Command scheduler runs the Project Registry, Task Store, Agent Registry,
// Assignment Engine, Policy Engine and Live Summary Broadcaster behind one
// HTTP server. The Verifier's server-side classification is also wired in
// here since it shares the scheduler's storage and object-storage clients.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/voltask/voltask/internal/apiserver/agentreg"
	"github.com/voltask/voltask/internal/apiserver/assignment"
	"github.com/voltask/voltask/internal/apiserver/policy"
	"github.com/voltask/voltask/internal/apiserver/project"
	"github.com/voltask/voltask/internal/apiserver/server"
	"github.com/voltask/voltask/internal/apiserver/summary"
	"github.com/voltask/voltask/internal/apiserver/task"
	"github.com/voltask/voltask/internal/apiserver/verifier"
	"github.com/voltask/voltask/internal/cache"
	cacheredis "github.com/voltask/voltask/internal/cache/redis"
	"github.com/voltask/voltask/internal/config"
	"github.com/voltask/voltask/internal/logging"
	"github.com/voltask/voltask/internal/model"
	"github.com/voltask/voltask/internal/objstore"
	"github.com/voltask/voltask/internal/queue"
	queueredis "github.com/voltask/voltask/internal/queue/redis"
	"github.com/voltask/voltask/internal/storage/postgres"
)

func main() {
	root := &cobra.Command{
		Use:   "scheduler",
		Short: "voltask scheduler: task store, assignment engine, policy engine and live summary",
	}
	root.AddCommand(serveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("scheduler: %v", err))
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the scheduler HTTP server",
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

	log := logging.New(logging.Config{Level: "info", Format: "json", Component: "scheduler"})
	log.Info("starting scheduler", "config", cfg.String())

	store, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer store.Close()
	color.Green("connected to postgres")

	cacheStore, err := cacheredis.NewFromURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis cache: %w", err)
	}
	defer cacheStore.Close()

	queueStore, err := queueredis.NewFromURL(cfg.RedisURL, log.With("subcomponent", "queue"))
	if err != nil {
		return fmt.Errorf("connect redis queue: %w", err)
	}
	defer queueStore.Close()
	if err := queueStore.CreateDispatchConsumerGroup(ctx); err != nil {
		log.Warn("create dispatch consumer group failed", "err", err)
	}
	if err := queueStore.CreateRecheckConsumerGroup(ctx); err != nil {
		log.Warn("create recheck consumer group failed", "err", err)
	}
	color.Green("connected to redis")

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
	if err := objects.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}
	color.Green("connected to object storage")

	polEngine := policy.New(policy.Config{
		AIMode:             model.ParseAIMode(cfg.AIMode),
		MaxConcurrentTasks: cfg.PolicyMaxConcurrentTasks,
		MaxDailyAIBudget:   cfg.PolicyMaxDailyBudget,
		RecheckThreshold:   cfg.PolicyRecheckThreshold,
	}, store, log.With("subcomponent", "policy"))

	assignEngine := assignment.New(store, polEngine, queueStore, log.With("subcomponent", "assignment"))
	verifierEngine := verifier.New(store, polEngine, objects, queueStore, log.With("subcomponent", "verifier"))

	bcast := summary.New(store, polEngine, objects, time.Duration(cfg.SnapshotCoalesceMS)*time.Millisecond, log.With("subcomponent", "summary"))
	summaryCtx, cancelSummary := context.WithCancel(ctx)
	defer cancelSummary()
	go bcast.Run(summaryCtx, cacheStoreAsSummarySignal(cacheStore))

	go recheckConsumerLoop(ctx, queueStore, bcast, log)

	notifySummary := func() { bcast.Signal() }
	taskHandler := task.NewHandler(store, store, assignEngine, verifierEngine, notifySummary, log.With("subcomponent", "task"))
	agentHandler := agentreg.NewHandler(store, log.With("subcomponent", "agentreg"))
	projectHandler := project.NewHandler(store, objects, log.With("subcomponent", "project"))
	policyHandler := policy.NewHandler(polEngine, log.With("subcomponent", "policy"))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := server.New(":"+cfg.Port, func() bool { return true }, bcast, log,
		taskHandler, agentHandler, projectHandler, policyHandler)

	go func() {
		metricsSrv := &http.Server{Addr: ":9090", Handler: mux}
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server error", "err", err)
		}
	}()

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("scheduler listening", "port", cfg.Port)
	return srv.Run(shutdownCtx)
}

// recheckConsumerLoop drains needs_recheck/suspicious re-enqueue events and
// signals the summary broadcaster so the dashboard reflects them promptly;
// the actual recheck bookkeeping (recheck count, requeue) already happened
// synchronously in the Verifier before the message was published.
func recheckConsumerLoop(ctx context.Context, q queue.RecheckQueue, bcast *summary.Broadcaster, log *logging.Logger) {
	consumerID := "scheduler-recheck-consumer"
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msgs, err := q.ConsumeRecheck(ctx, consumerID, 10, 5*time.Second)
		if err != nil {
			log.Warn("consume recheck failed", "err", err)
			time.Sleep(time.Second)
			continue
		}
		for _, m := range msgs {
			bcast.Signal()
			if err := q.AckRecheck(ctx, m.ID); err != nil {
				log.Warn("ack recheck failed", "err", err)
			}
		}
	}
}

func cacheStoreAsSummarySignal(c cache.Cache) cache.SummarySignal { return c }
