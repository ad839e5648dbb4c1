// Copyright 2025 James Ross
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/bundleforge/fulfillment/internal/arweave"
	"github.com/bundleforge/fulfillment/internal/config"
	"github.com/bundleforge/fulfillment/internal/database"
	"github.com/bundleforge/fulfillment/internal/gateway"
	"github.com/bundleforge/fulfillment/internal/jobs"
	"github.com/bundleforge/fulfillment/internal/objectstore"
	"github.com/bundleforge/fulfillment/internal/obs"
	"github.com/bundleforge/fulfillment/internal/packer"
	"github.com/bundleforge/fulfillment/internal/pricing"
	"github.com/bundleforge/fulfillment/internal/queues"
	"github.com/bundleforge/fulfillment/internal/scheduler"
	"github.com/bundleforge/fulfillment/internal/workerhost"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "worker", "Role to run: worker|migrate")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	// Setup logging
	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Database handles
	writer, reader, err := openDatabases(cfg)
	if err != nil {
		logger.Fatal("database init failed", obs.Err(err))
	}
	defer writer.Close()
	if reader != writer {
		defer reader.Close()
	}

	if role == "migrate" || cfg.Postgres.MigrateOnStartup {
		if err := database.Migrate(writer); err != nil {
			logger.Fatal("migrations failed", obs.Err(err))
		}
		logger.Info("migrations applied")
		if role == "migrate" {
			return
		}
	}
	if role != "worker" {
		logger.Fatal("unknown role", obs.String("role", role))
	}
	if err := config.RequireQueueURLs(cfg); err != nil {
		logger.Fatal("queue binding missing", obs.Err(err))
	}

	db := database.NewPostgres(writer, reader, database.Options{
		BatchingSize: cfg.Jobs.BatchingSize,
		RetryLimit:   cfg.Jobs.DataItemRetryLimit,
	}, logger)

	store, err := buildObjectStore(cfg, logger)
	if err != nil {
		logger.Fatal("object store init failed", obs.Err(err))
	}

	sess, err := queues.NewSQSSession(cfg.ObjectStore.Region, cfg.ObjectStore.Endpoint)
	if err != nil {
		logger.Fatal("queue session init failed", obs.Err(err))
	}
	prepareQ := queues.NewSQSQueue(sess, "prepare-bundle", cfg.Queues.PrepareBundle.URL)
	postQ := queues.NewSQSQueue(sess, "post-bundle", cfg.Queues.PostBundle.URL)
	seedQ := queues.NewSQSQueue(sess, "seed-bundle", cfg.Queues.SeedBundle.URL)

	gw := gateway.NewClient(cfg.Gateway.URL, cfg.Gateway.RequestTimeout, logger,
		gateway.WithMaxRetries(cfg.Gateway.MaxRetries))

	wallet, err := arweave.LoadJWK(cfg.Wallet.JWKFile)
	if err != nil {
		logger.Fatal("wallet load failed", obs.Err(err))
	}

	pk := packer.New(packer.Options{
		MaxBundleSize:        cfg.Packer.MaxBundleSize,
		MaxDataItemSize:      cfg.Packer.MaxDataItemSize,
		MaxDataItemLimit:     cfg.Packer.MaxDataItemLimit,
		OverdueThreshold:     cfg.Packer.OverdueThreshold,
		TargetBundleSize:     cfg.Packer.TargetBundleSize,
		DedicatedBundleTypes: toSet(cfg.Packer.DedicatedBundleTypes),
	}, logger)

	// HTTP server: metrics, health, readyz
	readyCheck := func(c context.Context) error {
		return writer.PingContext(c)
	}
	httpSrv := obs.StartHTTPServer(cfg.Observability.Port, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals for graceful shutdown
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		// If a second signal arrives, force exit
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	host := workerhost.New(logger)

	prepareJob := jobs.NewPrepareJob(db, store, pricing.NewGatewayPricing(gw, 1.0), wallet, gw, postQ,
		cfg.Jobs.PrepareHashParallism, cfg.Jobs.AppName, cfg.Jobs.AppVersion, cfg.Jobs.BundlerAppName, logger)
	postJob := jobs.NewPostJob(db, store, gw, wallet, seedQ, logger)
	seedJob := jobs.NewSeedJob(db, store, gw, logger)

	host.AddConsumer(queues.NewConsumer(prepareQ, prepareJob.HandleMessage,
		consumerOpts(cfg.Queues.PrepareBundle), host, logger), cfg.Workers.PlanIDQueueCount)
	host.AddConsumer(queues.NewConsumer(postQ, postJob.HandleMessage,
		consumerOpts(cfg.Queues.PostBundle), host, logger), cfg.Workers.PlanIDQueueCount)
	host.AddConsumer(queues.NewConsumer(seedQ, seedJob.HandleMessage,
		consumerOpts(cfg.Queues.SeedBundle), host, logger), cfg.Workers.PlanIDQueueCount)

	if cfg.Queues.NewDataItem.URL != "" {
		insertQ := queues.NewSQSQueue(sess, "new-data-item", cfg.Queues.NewDataItem.URL)
		host.AddConsumer(queues.NewBatchConsumer(insertQ, jobs.NewInsertHandler(db, insertQ, logger),
			consumerOpts(cfg.Queues.NewDataItem), host, logger), cfg.Workers.NewDataItemInsertCount)
	}

	if cfg.Jobs.PlanEnabled {
		planJob := jobs.NewPlanJob(db, pk, prepareQ, cfg.Packer.MaxDataItemLimit,
			cfg.Jobs.PlanMaxRuntime, cfg.Jobs.PlanConcurrency, logger)
		host.AddScheduler(scheduler.New("plan-bundle", cfg.Jobs.PlanInterval, planJob.Run, logger))
	}
	if cfg.Jobs.VerifyEnabled {
		verifyJob := jobs.NewVerifyJob(db, store, gw, jobs.VerifyOptions{
			TxPermanentThreshold: cfg.Jobs.TxPermanentThreshold,
			DropBundleTxBlocks:   cfg.Jobs.DropBundleTxBlocks,
			BatchingSize:         cfg.Jobs.BatchingSize,
			BatchParallelism:     cfg.Jobs.VerifyBatchParallism,
		}, logger)
		host.AddScheduler(scheduler.New("verify-bundle", cfg.Jobs.VerifyInterval, verifyJob.Run, logger))
	}

	if err := host.Run(ctx); err != nil {
		logger.Fatal("worker host error", obs.Err(err))
	}
}

func openDatabases(cfg *config.Config) (writer, reader *sql.DB, err error) {
	writerHost := cfg.Postgres.Host
	if cfg.Postgres.WriterEndpoint != "" {
		writerHost = cfg.Postgres.WriterEndpoint
	}
	writer, err = openDB(cfg, writerHost)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Postgres.ReaderEndpoint == "" || cfg.Postgres.ReaderEndpoint == writerHost {
		return writer, writer, nil
	}
	reader, err = openDB(cfg, cfg.Postgres.ReaderEndpoint)
	if err != nil {
		writer.Close()
		return nil, nil, err
	}
	return writer, reader, nil
}

func openDB(cfg *config.Config, host string) (*sql.DB, error) {
	dsn := database.DSN(host, cfg.Postgres.Port, cfg.Postgres.User,
		cfg.Postgres.Password, cfg.Postgres.Database, cfg.Postgres.SSLMode)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", host, err)
	}
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	return db, nil
}

func buildObjectStore(cfg *config.Config, logger *zap.Logger) (objectstore.ObjectStore, error) {
	primary, err := objectstore.NewS3Store(objectstore.S3Config{
		Bucket:          cfg.ObjectStore.Bucket,
		Region:          cfg.ObjectStore.Region,
		Endpoint:        cfg.ObjectStore.Endpoint,
		ForcePathStyle:  cfg.ObjectStore.ForcePathStyle,
		MoveParallelism: cfg.ObjectStore.MoveParallism,
	}, logger)
	if err != nil {
		return nil, err
	}
	if cfg.ObjectStore.BackupBucket == "" {
		return primary, nil
	}
	backup, err := objectstore.NewS3Store(objectstore.S3Config{
		Bucket:          cfg.ObjectStore.BackupBucket,
		Region:          cfg.ObjectStore.Region,
		Endpoint:        cfg.ObjectStore.Endpoint,
		ForcePathStyle:  cfg.ObjectStore.ForcePathStyle,
		MoveParallelism: cfg.ObjectStore.MoveParallism,
	}, logger)
	if err != nil {
		return nil, err
	}
	return objectstore.NewWithBackup(primary, backup, logger), nil
}

func consumerOpts(qs config.QueueSettings) queues.ConsumerOptions {
	return queues.ConsumerOptions{
		BatchSize:                qs.BatchSize,
		VisibilityTimeout:        qs.VisibilityTimeout,
		HeartbeatInterval:        qs.HeartbeatInterval,
		PollingWait:              qs.PollingWait,
		TerminateVisibilityOnErr: qs.TerminateVisibilityOnErr,
	}
}

func toSet(in []string) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for _, s := range in {
		out[s] = struct{}{}
	}
	return out
}
