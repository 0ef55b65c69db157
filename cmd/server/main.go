package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"indexcheck/internal/config"
	"indexcheck/internal/handler"
	"indexcheck/internal/infrastructure/cache"
	"indexcheck/internal/infrastructure/database"
	"indexcheck/internal/infrastructure/lock"
	"indexcheck/internal/infrastructure/mq"
	"indexcheck/internal/job"
	"indexcheck/internal/model"
	"indexcheck/internal/service"
	"indexcheck/pkg/idgen"

	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var (
	configPath string
	workerID   int64
)

var rootCmd = &cobra.Command{
	Use:          "indexcheck",
	Short:        "Backlink index-check service",
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and background jobs",
	RunE:  runServe,
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create the credit ledger from the credit section of the config if it does not exist",
	RunE:  runSeed,
}

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Print the current credit balance",
	RunE:  runBalance,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/config.yaml", "path to the YAML config file")
	rootCmd.PersistentFlags().Int64Var(&workerID, "worker-id", 1, "snowflake worker id, unique per instance")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(balanceCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func bootstrap() (*config.Config, *gorm.DB, error) {
	cfg := config.LoadConfig(configPath)
	idgen.Init(workerID)

	db, err := database.Init(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, db, nil
}

// newLocker prefers Redis so several instances share project locks, and falls
// back to an in-process locker when Redis is unreachable.
func newLocker(cfg *config.Config) lock.Locker {
	client, err := cache.InitRedis(&cfg.Redis)
	if err != nil {
		log.Printf("[Main] redis unavailable, using in-process project locks: %v", err)
		return lock.NewLocalLocker()
	}
	return lock.NewRedisLocker(client)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, db, err := bootstrap()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	publisher, err := mq.NewPublisher(ctx, cfg)
	if err != nil {
		return err
	}
	defer publisher.Close()

	locker := newLocker(cfg)
	alerts := mq.NewAlertSink(publisher, cfg.Kafka.Topic.Alerts)

	credits := service.NewCreditService(db, cfg)
	projects := service.NewProjectService(db, cfg, credits, locker, alerts)
	imports := service.NewImportService(db, locker)
	checks := service.NewCheckService(db, credits, projects)

	outboxSender := job.NewOutboxSender(db, publisher, cfg)
	go outboxSender.Start(ctx)

	reconcileJob := job.NewReservationReconcileJob(projects, cfg)
	go reconcileJob.Start(ctx)

	if cfg.Queue.Driver == "" || cfg.Queue.Driver == "kafka" {
		consumer, err := mq.NewCheckResultConsumer(&cfg.Kafka, func(ctx context.Context, r model.CheckResult) error {
			_, err := checks.RecordResult(ctx, r)
			return err
		})
		if err != nil {
			return err
		}
		defer consumer.Close()
		go consumer.Start(ctx)
	}

	router := handler.SetupRouter(handler.NewHandler(credits, projects, imports, checks))

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("[Main] listening on port %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[Main] server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("[Main] shutting down...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Main] shutdown error: %v", err)
	}

	log.Println("[Main] stopped")
	return nil
}

func runSeed(cmd *cobra.Command, _ []string) error {
	cfg, db, err := bootstrap()
	if err != nil {
		return err
	}

	balance, err := service.NewCreditService(db, cfg).Provision(cmd.Context(), cfg.Credit)
	if err != nil {
		return err
	}
	return printJSON(cmd, balance)
}

func runBalance(cmd *cobra.Command, _ []string) error {
	cfg, db, err := bootstrap()
	if err != nil {
		return err
	}

	balance, err := service.NewCreditService(db, cfg).GetBalance(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(cmd, balance)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
