// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Postgres struct {
	WriterEndpoint   string `mapstructure:"writer_endpoint"`
	ReaderEndpoint   string `mapstructure:"reader_endpoint"`
	Host             string `mapstructure:"host"`
	Port             int    `mapstructure:"port"`
	User             string `mapstructure:"user"`
	Password         string `mapstructure:"password"`
	Database         string `mapstructure:"database"`
	SSLMode          string `mapstructure:"ssl_mode"`
	MaxOpenConns     int    `mapstructure:"max_open_conns"`
	MaxIdleConns     int    `mapstructure:"max_idle_conns"`
	MigrateOnStartup bool   `mapstructure:"migrate_on_startup"`
}

type ObjectStore struct {
	Bucket         string `mapstructure:"bucket"`
	BackupBucket   string `mapstructure:"backup_bucket"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
	MoveParallism  int    `mapstructure:"move_parallelism"`
}

type QueueSettings struct {
	URL                      string        `mapstructure:"url"`
	BatchSize                int64         `mapstructure:"batch_size"`
	VisibilityTimeout        time.Duration `mapstructure:"visibility_timeout"`
	HeartbeatInterval        time.Duration `mapstructure:"heartbeat_interval"`
	PollingWait              time.Duration `mapstructure:"polling_wait"`
	TerminateVisibilityOnErr bool          `mapstructure:"terminate_visibility_on_error"`
}

type Queues struct {
	PrepareBundle QueueSettings `mapstructure:"prepare_bundle"`
	PostBundle    QueueSettings `mapstructure:"post_bundle"`
	SeedBundle    QueueSettings `mapstructure:"seed_bundle"`
	NewDataItem   QueueSettings `mapstructure:"new_data_item"`
}

type Gateway struct {
	URL            string        `mapstructure:"url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxRetries     uint64        `mapstructure:"max_retries"`
}

type Wallet struct {
	JWKFile string `mapstructure:"jwk_file"`
}

type Packer struct {
	MaxBundleSize        int64         `mapstructure:"max_bundle_size"`
	MaxDataItemSize      int64         `mapstructure:"max_data_item_size"`
	MaxDataItemLimit     int           `mapstructure:"max_data_item_limit"`
	TargetBundleSize     int64         `mapstructure:"target_bundle_size"`
	OverdueThreshold     time.Duration `mapstructure:"overdue_threshold"`
	DedicatedBundleTypes []string      `mapstructure:"dedicated_bundle_types"`
}

type Jobs struct {
	PlanEnabled          bool          `mapstructure:"plan_enabled"`
	VerifyEnabled        bool          `mapstructure:"verify_enabled"`
	PlanInterval         time.Duration `mapstructure:"plan_interval"`
	VerifyInterval       time.Duration `mapstructure:"verify_interval"`
	PlanIntervalMS       int64         `mapstructure:"plan_interval_ms"`
	VerifyIntervalMS     int64         `mapstructure:"verify_interval_ms"`
	PlanMaxRuntime       time.Duration `mapstructure:"plan_max_runtime"`
	PlanConcurrency      int           `mapstructure:"plan_concurrency"`
	PrepareHashParallism int           `mapstructure:"prepare_hash_parallelism"`
	VerifyBatchParallism int           `mapstructure:"verify_batch_parallelism"`
	BatchingSize         int           `mapstructure:"batching_size"`
	TxPermanentThreshold int64         `mapstructure:"tx_permanent_threshold"`
	DropBundleTxBlocks   int64         `mapstructure:"drop_bundle_tx_blocks"`
	DataItemRetryLimit   int           `mapstructure:"data_item_retry_limit"`
	AppName              string        `mapstructure:"app_name"`
	AppVersion           string        `mapstructure:"app_version"`
	BundlerAppName       string        `mapstructure:"bundler_app_name"`
}

type Workers struct {
	FinalizeUploadCount    int `mapstructure:"finalize_upload_count"`
	OpticalCount           int `mapstructure:"optical_count"`
	NewDataItemInsertCount int `mapstructure:"new_data_item_insert_count"`
	UnbundleBDICount       int `mapstructure:"unbundle_bdi_count"`
	PlanIDQueueCount       int `mapstructure:"plan_id_queue_count"`
}

type Cache struct {
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	InFlightTTL   time.Duration `mapstructure:"in_flight_ttl"`
}

type ObservabilityConfig struct {
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
}

// Observability is a backwards-compatible alias
type Observability = ObservabilityConfig

type Config struct {
	Postgres      Postgres      `mapstructure:"postgres"`
	ObjectStore   ObjectStore   `mapstructure:"object_store"`
	Queues        Queues        `mapstructure:"queues"`
	Gateway       Gateway       `mapstructure:"gateway"`
	Wallet        Wallet        `mapstructure:"wallet"`
	Packer        Packer        `mapstructure:"packer"`
	Jobs          Jobs          `mapstructure:"jobs"`
	Workers       Workers       `mapstructure:"workers"`
	Cache         Cache         `mapstructure:"cache"`
	Observability Observability `mapstructure:"observability"`
}

const (
	GiB = int64(1) << 30
	MiB = int64(1) << 20
)

func defaultConfig() *Config {
	return &Config{
		Postgres: Postgres{
			Host:         "localhost",
			Port:         5432,
			User:         "postgres",
			Database:     "fulfillment",
			SSLMode:      "disable",
			MaxOpenConns: 20,
			MaxIdleConns: 5,
		},
		ObjectStore: ObjectStore{
			Region:        "us-east-1",
			MoveParallism: 10,
		},
		Queues: Queues{
			PrepareBundle: QueueSettings{
				BatchSize:                1,
				VisibilityTimeout:        360 * time.Second,
				HeartbeatInterval:        30 * time.Second,
				PollingWait:              10 * time.Second,
				TerminateVisibilityOnErr: true,
			},
			PostBundle: QueueSettings{
				BatchSize:                1,
				VisibilityTimeout:        90 * time.Second,
				PollingWait:              10 * time.Second,
				TerminateVisibilityOnErr: true,
			},
			SeedBundle: QueueSettings{
				BatchSize:                1,
				VisibilityTimeout:        360 * time.Second,
				HeartbeatInterval:        30 * time.Second,
				PollingWait:              10 * time.Second,
				TerminateVisibilityOnErr: true,
			},
			NewDataItem: QueueSettings{
				BatchSize:                10,
				VisibilityTimeout:        60 * time.Second,
				PollingWait:              20 * time.Second,
				TerminateVisibilityOnErr: true,
			},
		},
		Gateway: Gateway{
			URL:            "https://arweave.net:443",
			RequestTimeout: 30 * time.Second,
			MaxRetries:     8,
		},
		Packer: Packer{
			MaxBundleSize:    2 * GiB,
			MaxDataItemSize:  4 * GiB,
			MaxDataItemLimit: 10_000,
			TargetBundleSize: 500 * MiB,
			OverdueThreshold: 5 * time.Minute,
		},
		Jobs: Jobs{
			PlanEnabled:          false,
			VerifyEnabled:        false,
			PlanInterval:         60 * time.Second,
			VerifyInterval:       60 * time.Second,
			PlanMaxRuntime:       14 * time.Minute,
			PlanConcurrency:      5,
			PrepareHashParallism: 100,
			VerifyBatchParallism: 10,
			BatchingSize:         500,
			TxPermanentThreshold: 50,
			DropBundleTxBlocks:   50,
			DataItemRetryLimit:   3,
			AppName:              "Fulfillment",
			AppVersion:           "dev",
		},
		Workers: Workers{
			FinalizeUploadCount:    2,
			OpticalCount:           3,
			NewDataItemInsertCount: 1,
			UnbundleBDICount:       1,
			PlanIDQueueCount:       1,
		},
		Cache: Cache{
			InFlightTTL: 2 * time.Minute,
		},
		Observability: Observability{
			Port:     3000,
			LogLevel: "info",
		},
	}
}

// envBindings maps config keys to the externally documented variable names.
var envBindings = map[string]string{
	"queues.prepare_bundle.url":       "SQS_PREPARE_BUNDLE_URL",
	"queues.post_bundle.url":          "SQS_POST_BUNDLE_URL",
	"queues.seed_bundle.url":          "SQS_SEED_BUNDLE_URL",
	"queues.new_data_item.url":        "SQS_NEW_DATA_ITEM_URL",
	"workers.finalize_upload_count":   "NUM_FINALIZE_UPLOAD_CONSUMERS",
	"workers.optical_count":           "NUM_OPTICAL_CONSUMERS",
	"workers.new_data_item_insert_count": "NUM_NEW_DATA_ITEM_INSERT_CONSUMERS",
	"workers.unbundle_bdi_count":      "NUM_UNBUNDLE_BDI_CONSUMERS",
	"jobs.plan_enabled":               "PLAN_BUNDLE_ENABLED",
	"jobs.verify_enabled":             "VERIFY_BUNDLE_ENABLED",
	"jobs.plan_interval_ms":           "PLAN_BUNDLE_INTERVAL_MS",
	"jobs.verify_interval_ms":         "VERIFY_BUNDLE_INTERVAL_MS",
	"packer.max_bundle_size":          "MAX_BUNDLE_SIZE",
	"packer.max_data_item_size":       "MAX_DATA_ITEM_SIZE",
	"postgres.writer_endpoint":        "DB_WRITER_ENDPOINT",
	"postgres.reader_endpoint":        "DB_READER_ENDPOINT",
	"postgres.host":                   "DB_HOST",
	"postgres.port":                   "DB_PORT",
	"postgres.password":               "DB_PASSWORD",
	"postgres.user":                   "DB_USER",
	"postgres.database":               "DB_DATABASE",
	"postgres.migrate_on_startup":     "MIGRATE_ON_STARTUP",
	"object_store.bucket":             "DATA_ITEM_BUCKET",
	"object_store.backup_bucket":      "BACKUP_DATA_ITEM_BUCKET",
	"object_store.region":             "AWS_REGION",
	"object_store.endpoint":           "AWS_ENDPOINT",
	"object_store.force_path_style":   "S3_FORCE_PATH_STYLE",
	"gateway.url":                     "ARWEAVE_GATEWAY",
	"observability.port":              "FULFILLMENT_PORT",
	"wallet.jwk_file":                 "TURBO_JWK_FILE",
	"cache.redis_addr":                "REDIS_CACHE_URL",
}

// Load reads configuration from YAML file and env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}
	// PORT is a fallback when FULFILLMENT_PORT is unset.
	if err := v.BindEnv("observability.port", "FULFILLMENT_PORT", "PORT"); err != nil {
		return nil, fmt.Errorf("bind env PORT: %w", err)
	}

	def := defaultConfig()
	v.SetDefault("postgres.host", def.Postgres.Host)
	v.SetDefault("postgres.port", def.Postgres.Port)
	v.SetDefault("postgres.user", def.Postgres.User)
	v.SetDefault("postgres.database", def.Postgres.Database)
	v.SetDefault("postgres.ssl_mode", def.Postgres.SSLMode)
	v.SetDefault("postgres.max_open_conns", def.Postgres.MaxOpenConns)
	v.SetDefault("postgres.max_idle_conns", def.Postgres.MaxIdleConns)

	v.SetDefault("object_store.region", def.ObjectStore.Region)
	v.SetDefault("object_store.move_parallelism", def.ObjectStore.MoveParallism)

	setQueueDefaults(v, "queues.prepare_bundle", def.Queues.PrepareBundle)
	setQueueDefaults(v, "queues.post_bundle", def.Queues.PostBundle)
	setQueueDefaults(v, "queues.seed_bundle", def.Queues.SeedBundle)
	setQueueDefaults(v, "queues.new_data_item", def.Queues.NewDataItem)

	v.SetDefault("gateway.url", def.Gateway.URL)
	v.SetDefault("gateway.request_timeout", def.Gateway.RequestTimeout)
	v.SetDefault("gateway.max_retries", def.Gateway.MaxRetries)

	v.SetDefault("packer.max_bundle_size", def.Packer.MaxBundleSize)
	v.SetDefault("packer.max_data_item_size", def.Packer.MaxDataItemSize)
	v.SetDefault("packer.max_data_item_limit", def.Packer.MaxDataItemLimit)
	v.SetDefault("packer.target_bundle_size", def.Packer.TargetBundleSize)
	v.SetDefault("packer.overdue_threshold", def.Packer.OverdueThreshold)

	v.SetDefault("jobs.plan_enabled", def.Jobs.PlanEnabled)
	v.SetDefault("jobs.verify_enabled", def.Jobs.VerifyEnabled)
	v.SetDefault("jobs.plan_interval", def.Jobs.PlanInterval)
	v.SetDefault("jobs.verify_interval", def.Jobs.VerifyInterval)
	v.SetDefault("jobs.plan_max_runtime", def.Jobs.PlanMaxRuntime)
	v.SetDefault("jobs.plan_concurrency", def.Jobs.PlanConcurrency)
	v.SetDefault("jobs.prepare_hash_parallelism", def.Jobs.PrepareHashParallism)
	v.SetDefault("jobs.verify_batch_parallelism", def.Jobs.VerifyBatchParallism)
	v.SetDefault("jobs.batching_size", def.Jobs.BatchingSize)
	v.SetDefault("jobs.tx_permanent_threshold", def.Jobs.TxPermanentThreshold)
	v.SetDefault("jobs.drop_bundle_tx_blocks", def.Jobs.DropBundleTxBlocks)
	v.SetDefault("jobs.data_item_retry_limit", def.Jobs.DataItemRetryLimit)
	v.SetDefault("jobs.app_name", def.Jobs.AppName)
	v.SetDefault("jobs.app_version", def.Jobs.AppVersion)

	v.SetDefault("workers.finalize_upload_count", def.Workers.FinalizeUploadCount)
	v.SetDefault("workers.optical_count", def.Workers.OpticalCount)
	v.SetDefault("workers.new_data_item_insert_count", def.Workers.NewDataItemInsertCount)
	v.SetDefault("workers.unbundle_bdi_count", def.Workers.UnbundleBDICount)
	v.SetDefault("workers.plan_id_queue_count", def.Workers.PlanIDQueueCount)

	v.SetDefault("cache.in_flight_ttl", def.Cache.InFlightTTL)

	v.SetDefault("observability.port", def.Observability.Port)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)

	// Optional file read
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	normalize(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setQueueDefaults(v *viper.Viper, prefix string, def QueueSettings) {
	v.SetDefault(prefix+".batch_size", def.BatchSize)
	v.SetDefault(prefix+".visibility_timeout", def.VisibilityTimeout)
	v.SetDefault(prefix+".heartbeat_interval", def.HeartbeatInterval)
	v.SetDefault(prefix+".polling_wait", def.PollingWait)
	v.SetDefault(prefix+".terminate_visibility_on_error", def.TerminateVisibilityOnErr)
}

// normalize folds the millisecond integers supplied via the *_MS variables
// into the duration fields the rest of the code reads.
func normalize(cfg *Config) {
	if cfg.Jobs.PlanIntervalMS > 0 {
		cfg.Jobs.PlanInterval = time.Duration(cfg.Jobs.PlanIntervalMS) * time.Millisecond
	}
	if cfg.Jobs.VerifyIntervalMS > 0 {
		cfg.Jobs.VerifyInterval = time.Duration(cfg.Jobs.VerifyIntervalMS) * time.Millisecond
	}
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Packer.MaxBundleSize < 1 {
		return fmt.Errorf("packer.max_bundle_size must be >= 1")
	}
	if cfg.Packer.MaxDataItemLimit < 1 {
		return fmt.Errorf("packer.max_data_item_limit must be >= 1")
	}
	if cfg.Jobs.BatchingSize < 1 {
		return fmt.Errorf("jobs.batching_size must be >= 1")
	}
	if cfg.Jobs.DataItemRetryLimit < 1 {
		return fmt.Errorf("jobs.data_item_retry_limit must be >= 1")
	}
	for _, q := range []struct {
		name string
		qs   QueueSettings
	}{
		{"queues.prepare_bundle", cfg.Queues.PrepareBundle},
		{"queues.post_bundle", cfg.Queues.PostBundle},
		{"queues.seed_bundle", cfg.Queues.SeedBundle},
		{"queues.new_data_item", cfg.Queues.NewDataItem},
	} {
		if q.qs.BatchSize < 1 || q.qs.BatchSize > 10 {
			return fmt.Errorf("%s.batch_size must be 1..10", q.name)
		}
		if q.qs.VisibilityTimeout <= 0 {
			return fmt.Errorf("%s.visibility_timeout must be > 0", q.name)
		}
	}
	if cfg.Observability.Port <= 0 || cfg.Observability.Port > 65535 {
		return fmt.Errorf("observability.port must be 1..65535")
	}
	return nil
}

// RequireQueueURLs fails fast when the worker role is missing its queue
// bindings. The migrate role does not need them.
func RequireQueueURLs(cfg *Config) error {
	missing := []string{}
	if cfg.Queues.PrepareBundle.URL == "" {
		missing = append(missing, "SQS_PREPARE_BUNDLE_URL")
	}
	if cfg.Queues.PostBundle.URL == "" {
		missing = append(missing, "SQS_POST_BUNDLE_URL")
	}
	if cfg.Queues.SeedBundle.URL == "" {
		missing = append(missing, "SQS_SEED_BUNDLE_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required queue urls: %s", strings.Join(missing, ", "))
	}
	return nil
}
