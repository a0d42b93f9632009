package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"coursecast/internal/api"
	"coursecast/internal/gateway"
	"coursecast/internal/keys"
	"coursecast/internal/lessons"
	"coursecast/internal/media"
	"coursecast/internal/objectstore"
	"coursecast/internal/observability/logging"
	"coursecast/internal/observability/metrics"
	"coursecast/internal/pipeline"
	"coursecast/internal/server"
)

func main() {
	_ = godotenv.Load()

	addr := flag.String("addr", "", "HTTP listen address")
	publicBase := flag.String("public-base-url", "", "externally reachable base URL for playback links")
	storageDriver := flag.String("storage-driver", "", "lesson store driver (json or postgres)")
	dataPath := flag.String("data", "", "path to JSON lesson store")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	queueDriver := flag.String("queue-driver", "", "transcode queue driver (memory or redis)")
	queueRedisAddr := flag.String("queue-redis-addr", "", "Redis address for the transcode queue")
	queueRedisAddrs := flag.String("queue-redis-addrs", "", "comma separated Redis addresses for the transcode queue")
	queueRedisUsername := flag.String("queue-redis-username", "", "Redis username for the transcode queue")
	queueRedisPassword := flag.String("queue-redis-password", "", "Redis password for the transcode queue")
	queueRedisStream := flag.String("queue-redis-stream", "", "Redis stream key for transcode jobs")
	queueRedisGroup := flag.String("queue-redis-group", "", "Redis consumer group for transcode jobs")
	queueRedisMasterName := flag.String("queue-redis-sentinel-master", "", "Redis sentinel master name for the transcode queue")
	queueRedisPoolSize := flag.Int("queue-redis-pool-size", 0, "maximum Redis connections for the transcode queue")
	objectBucket := flag.String("object-bucket", "", "object storage bucket name")
	objectRegion := flag.String("object-region", "", "object storage region")
	objectEndpoint := flag.String("object-endpoint", "", "object storage endpoint (e.g. http://127.0.0.1:9000)")
	objectAccessKey := flag.String("object-access-key", "", "object storage access key")
	objectSecretKey := flag.String("object-secret-key", "", "object storage secret key")
	objectPathStyle := flag.Bool("object-path-style", false, "use path-style object storage addressing")
	keyPassphrase := flag.String("key-passphrase", "", "passphrase for the key-wrapping master key")
	keySalt := flag.String("key-salt", "", "salt for the key-wrapping master key")
	entitlementURL := flag.String("entitlement-url", "", "entitlement service endpoint (empty allows every key request)")
	entitlementToken := flag.String("entitlement-token", "", "bearer token for the entitlement service")
	ffmpegBinary := flag.String("ffmpeg", "", "path to the ffmpeg binary")
	segmentSeconds := flag.Int("segment-seconds", 0, "HLS segment duration in seconds")
	uploadDir := flag.String("upload-dir", "", "directory for pending video uploads")
	scratchDir := flag.String("scratch-dir", "", "directory for encoder scratch space")
	workers := flag.Int("workers", 0, "number of transcode workers")
	jobTimeout := flag.Duration("job-timeout", 0, "per-job transcode timeout")
	publishConcurrency := flag.Int("publish-concurrency", 0, "parallel artifact uploads per job")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("COURSECAST_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("COURSECAST_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	listenAddr := firstNonEmpty(*addr, os.Getenv("COURSECAST_ADDR"), ":8080")
	baseURL := strings.TrimRight(firstNonEmpty(*publicBase, os.Getenv("COURSECAST_PUBLIC_BASE_URL")), "/")
	if baseURL == "" {
		baseURL = "http://localhost" + listenAddr
		logger.Warn("public base URL not set, playback links use the listen address", "base_url", baseURL)
	}

	ctx := context.Background()

	objects, err := configureObjectStore(ctx, objectstore.S3Config{
		Bucket:       firstNonEmpty(*objectBucket, os.Getenv("COURSECAST_OBJECT_BUCKET")),
		Region:       firstNonEmpty(*objectRegion, os.Getenv("COURSECAST_OBJECT_REGION")),
		Endpoint:     firstNonEmpty(*objectEndpoint, os.Getenv("COURSECAST_OBJECT_ENDPOINT")),
		AccessKey:    firstNonEmpty(*objectAccessKey, os.Getenv("COURSECAST_OBJECT_ACCESS_KEY")),
		SecretKey:    firstNonEmpty(*objectSecretKey, os.Getenv("COURSECAST_OBJECT_SECRET_KEY")),
		UsePathStyle: resolveBool(*objectPathStyle, "COURSECAST_OBJECT_PATH_STYLE"),
	}, logger)
	if err != nil {
		logger.Error("failed to configure object storage", "error", err)
		os.Exit(1)
	}

	janitor := pipeline.NewJanitor(objects, logging.WithComponent(logger, "janitor"))

	store, err := configureStore(ctx, storeSettings{
		Driver:          firstNonEmpty(*storageDriver, os.Getenv("COURSECAST_STORAGE_DRIVER")),
		DataPath:        firstNonEmpty(*dataPath, os.Getenv("COURSECAST_DATA")),
		PostgresDSN:     firstNonEmpty(*postgresDSN, os.Getenv("COURSECAST_POSTGRES_DSN")),
		MaxConns:        resolveInt(*postgresMaxConns, "COURSECAST_POSTGRES_MAX_CONNS"),
		MinConns:        resolveInt(*postgresMinConns, "COURSECAST_POSTGRES_MIN_CONNS"),
		MaxConnLifetime: resolveDuration(*postgresMaxConnLifetime, "COURSECAST_POSTGRES_MAX_CONN_LIFETIME", 0),
		MaxConnIdle:     resolveDuration(*postgresMaxConnIdle, "COURSECAST_POSTGRES_MAX_CONN_IDLE", 0),
		AppName:         firstNonEmpty(*postgresAppName, os.Getenv("COURSECAST_POSTGRES_APP_NAME")),
	}, janitor, logger)
	if err != nil {
		logger.Error("failed to open lesson store", "error", err)
		os.Exit(1)
	}

	keyManager, err := keys.NewManager(keys.ManagerConfig{
		Passphrase: firstNonEmpty(*keyPassphrase, os.Getenv("COURSECAST_KEY_PASSPHRASE")),
		Salt:       firstNonEmpty(*keySalt, os.Getenv("COURSECAST_KEY_SALT")),
	})
	if err != nil {
		logger.Error("failed to initialise key manager", "error", err)
		os.Exit(1)
	}

	var policy keys.AccessPolicy
	if endpoint := firstNonEmpty(*entitlementURL, os.Getenv("COURSECAST_ENTITLEMENT_URL")); endpoint != "" {
		httpPolicy, err := keys.NewHTTPPolicy(keys.HTTPPolicyConfig{
			Endpoint: endpoint,
			Token:    firstNonEmpty(*entitlementToken, os.Getenv("COURSECAST_ENTITLEMENT_TOKEN")),
		})
		if err != nil {
			logger.Error("failed to configure entitlement policy", "error", err)
			os.Exit(1)
		}
		policy = httpPolicy
	} else {
		logger.Warn("no entitlement endpoint configured, every key request will be allowed")
		policy = keys.AllowAll{}
	}

	keyService, err := keys.NewService(keys.ServiceConfig{
		Manager: keyManager,
		Finder:  store,
		Policy:  policy,
		Logger:  logging.WithComponent(logger, "keys"),
	})
	if err != nil {
		logger.Error("failed to initialise key service", "error", err)
		os.Exit(1)
	}

	encoder := media.NewEncoder(media.Config{
		Binary:         firstNonEmpty(*ffmpegBinary, os.Getenv("COURSECAST_FFMPEG")),
		SegmentSeconds: resolveInt(*segmentSeconds, "COURSECAST_SEGMENT_SECONDS"),
		Logger:         logging.WithComponent(logger, "encoder"),
	})

	publisher, err := pipeline.NewPublisher(pipeline.PublisherConfig{
		Store:       objects,
		Concurrency: resolveInt(*publishConcurrency, "COURSECAST_PUBLISH_CONCURRENCY"),
		Logger:      logging.WithComponent(logger, "publisher"),
	})
	if err != nil {
		logger.Error("failed to initialise publisher", "error", err)
		os.Exit(1)
	}

	queue, err := configureQueue(queueSettings{
		Driver:     firstNonEmpty(*queueDriver, os.Getenv("COURSECAST_QUEUE_DRIVER")),
		Addr:       firstNonEmpty(*queueRedisAddr, os.Getenv("COURSECAST_QUEUE_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*queueRedisAddrs, os.Getenv("COURSECAST_QUEUE_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*queueRedisUsername, os.Getenv("COURSECAST_QUEUE_REDIS_USERNAME")),
		Password:   firstNonEmpty(*queueRedisPassword, os.Getenv("COURSECAST_QUEUE_REDIS_PASSWORD")),
		Stream:     firstNonEmpty(*queueRedisStream, os.Getenv("COURSECAST_QUEUE_REDIS_STREAM")),
		Group:      firstNonEmpty(*queueRedisGroup, os.Getenv("COURSECAST_QUEUE_REDIS_GROUP")),
		MasterName: firstNonEmpty(*queueRedisMasterName, os.Getenv("COURSECAST_QUEUE_REDIS_SENTINEL_MASTER")),
		PoolSize:   resolveInt(*queueRedisPoolSize, "COURSECAST_QUEUE_REDIS_POOL_SIZE"),
	}, logger)
	if err != nil {
		logger.Error("failed to configure transcode queue", "error", err)
		os.Exit(1)
	}

	orchestrator, err := pipeline.NewOrchestrator(pipeline.OrchestratorConfig{
		Store:        store,
		Keys:         keyManager,
		Encoder:      encoder,
		Publisher:    publisher,
		Queue:        queue,
		KeyPublicURL: baseURL,
		ScratchDir:   firstNonEmpty(*scratchDir, os.Getenv("COURSECAST_SCRATCH_DIR")),
		Workers:      resolveInt(*workers, "COURSECAST_WORKERS"),
		JobTimeout:   resolveDuration(*jobTimeout, "COURSECAST_JOB_TIMEOUT", 0),
		Logger:       logging.WithComponent(logger, "orchestrator"),
		Metrics:      recorder,
	})
	if err != nil {
		logger.Error("failed to initialise orchestrator", "error", err)
		os.Exit(1)
	}
	orchestrator.Start()

	apiHandler, err := api.NewHandler(api.Config{
		Store:      store,
		Objects:    objects,
		Dispatcher: orchestrator,
		Janitor:    janitor,
		UploadDir:  firstNonEmpty(*uploadDir, os.Getenv("COURSECAST_UPLOAD_DIR")),
		PublicBase: baseURL,
		Logger:     logging.WithComponent(logger, "api"),
	})
	if err != nil {
		logger.Error("failed to initialise API handler", "error", err)
		os.Exit(1)
	}

	streamHandler, err := gateway.NewHandler(gateway.Config{
		Store:      objects,
		Keys:       keyService,
		PublicBase: baseURL,
		Logger:     logging.WithComponent(logger, "gateway"),
		Metrics:    recorder,
	})
	if err != nil {
		logger.Error("failed to initialise streaming gateway", "error", err)
		os.Exit(1)
	}

	srv, err := server.New(apiHandler, streamHandler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("COURSECAST_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("COURSECAST_TLS_KEY")),
		},
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("CourseCast API listening", "addr", listenAddr, "base_url", baseURL)
		logger.Info("metrics endpoint available", "path", "/metrics")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	if err := orchestrator.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to stop orchestrator", "error", err)
	}
	if err := queue.Close(); err != nil {
		logger.Warn("failed to close queue", "error", err)
	}
	if err := store.Close(shutdownCtx); err != nil {
		logger.Warn("failed to close lesson store", "error", err)
	}

	logger.Info("server stopped")
}

type storeSettings struct {
	Driver          string
	DataPath        string
	PostgresDSN     string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdle     time.Duration
	AppName         string
}

func configureStore(ctx context.Context, cfg storeSettings, janitor *pipeline.Janitor, logger *slog.Logger) (lessons.Repository, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		if strings.TrimSpace(cfg.PostgresDSN) != "" {
			driver = "postgres"
		} else {
			driver = "json"
		}
	}
	switch driver {
	case "json":
		dataPath := strings.TrimSpace(cfg.DataPath)
		if dataPath == "" {
			dataPath = "coursecast.json"
		}
		return lessons.NewStore(dataPath,
			lessons.WithRemovalHook(janitor),
			lessons.WithLogger(logging.WithComponent(logger, "store")))
	case "postgres":
		if strings.TrimSpace(cfg.PostgresDSN) == "" {
			return nil, fmt.Errorf("postgres storage selected without DSN")
		}
		return lessons.NewPostgres(ctx, lessons.PostgresConfig{
			DSN:             cfg.PostgresDSN,
			MaxConnections:  int32(cfg.MaxConns),
			MinConnections:  int32(cfg.MinConns),
			MaxConnLifetime: cfg.MaxConnLifetime,
			MaxConnIdleTime: cfg.MaxConnIdle,
			ApplicationName: cfg.AppName,
			Hooks:           []lessons.RemovalHook{janitor},
			Logger:          logging.WithComponent(logger, "store"),
		})
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

type queueSettings struct {
	Driver     string
	Addr       string
	Addrs      []string
	Username   string
	Password   string
	Stream     string
	Group      string
	MasterName string
	PoolSize   int
}

func configureQueue(cfg queueSettings, logger *slog.Logger) (pipeline.Queue, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		if cfg.Addr != "" || len(cfg.Addrs) > 0 {
			driver = "redis"
		} else {
			driver = "memory"
		}
	}
	switch driver {
	case "memory":
		return pipeline.NewMemoryQueue(0), nil
	case "redis":
		return pipeline.NewRedisQueue(pipeline.RedisQueueConfig{
			Addr:       cfg.Addr,
			Addrs:      cfg.Addrs,
			Username:   cfg.Username,
			Password:   cfg.Password,
			Stream:     cfg.Stream,
			Group:      cfg.Group,
			MasterName: cfg.MasterName,
			PoolSize:   cfg.PoolSize,
			Logger:     logging.WithComponent(logger, "queue"),
		})
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", driver)
	}
}

func configureObjectStore(ctx context.Context, cfg objectstore.S3Config, logger *slog.Logger) (objectstore.Client, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		logger.Warn("no object storage bucket configured, using in-memory store")
		return objectstore.NewMemory(), nil
	}
	return objectstore.NewS3(ctx, cfg)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue != 0 {
		return flagValue
	}
	if raw := strings.TrimSpace(os.Getenv(envKey)); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue != 0 {
		return flagValue
	}
	if raw := strings.TrimSpace(os.Getenv(envKey)); raw != "" {
		if value, err := time.ParseDuration(raw); err == nil {
			return value
		}
	}
	return fallback
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if raw := strings.TrimSpace(os.Getenv(envKey)); raw != "" {
		if value, err := strconv.ParseBool(raw); err == nil {
			return value
		}
	}
	return false
}
