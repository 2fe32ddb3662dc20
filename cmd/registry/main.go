package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/mod/sumdb/note"

	"github.com/dicej/cargo-component/internal/contentstore"
	"github.com/dicej/cargo-component/internal/health"
	"github.com/dicej/cargo-component/internal/registry/handler"
	"github.com/dicej/cargo-component/internal/registry/service"
	"github.com/dicej/cargo-component/internal/translog"
	"github.com/dicej/cargo-component/pkg/protocol"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("registry exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("registry")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("registry.port", 8080)
	viper.SetDefault("registry.origin", "localhost")
	viper.SetDefault("registry.cors_origins", []string{})
	viper.SetDefault("registry.rate_limit_rps", 20)
	viper.SetDefault("registry.max_content_bytes", 64<<20)
	viper.SetDefault("log.signing_key", "")
	viper.SetDefault("log.checkpoint_interval", "1s")
	viper.SetDefault("database.url", "")
	viper.SetDefault("content.location", "file://./data/content")
	viper.SetDefault("health.check_interval", "5m")
	viper.SetDefault("health.fail_threshold", 3)

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Log storage ──────────────────────────────────────────────────────────
	var store translog.Store
	var probes []health.Probe
	if dbURL := viper.GetString("database.url"); dbURL != "" {
		db, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer db.Close()

		if err := db.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")
		store = translog.NewPostgresStore(db, logger)
		probes = append(probes, health.Probe{Name: "database", Check: db.Ping})
	} else {
		logger.Warn("database.url is empty; the log is held in memory and lost on restart")
		store = translog.NewMemoryStore()
	}

	// ── Signing key ──────────────────────────────────────────────────────────
	signer, vkey, err := loadSigner(viper.GetString("log.signing_key"), viper.GetString("registry.origin"), logger)
	if err != nil {
		return err
	}

	log, err := translog.New(store, signer, vkey, logger)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}

	if err := log.Verify(ctx); err != nil {
		return fmt.Errorf("log integrity check failed: %w", err)
	}
	latest, err := log.Latest(ctx)
	if err != nil {
		return fmt.Errorf("load latest checkpoint: %w", err)
	}
	logger.Info("log verified",
		zap.String("origin", log.Origin()),
		zap.Int64("length", latest.Checkpoint.Length),
		zap.String("root", latest.Checkpoint.Root.String()),
	)

	// ── Content storage ──────────────────────────────────────────────────────
	content, err := contentstore.Open(viper.GetString("content.location"), logger)
	if err != nil {
		return fmt.Errorf("open content store: %w", err)
	}
	if c, ok := content.(io.Closer); ok {
		defer c.Close() //nolint:errcheck
	}
	logger.Info("content store ready", zap.String("location", content.Name()))

	// ── Health ───────────────────────────────────────────────────────────────
	probes = append(probes,
		health.Probe{Name: "log", Check: log.Verify},
		health.Probe{Name: "content", Check: func(ctx context.Context) error {
			_, err := content.Has(ctx, protocol.DigestOf(nil))
			return err
		}},
	)
	checkInterval, err := time.ParseDuration(viper.GetString("health.check_interval"))
	if err != nil {
		return fmt.Errorf("invalid health.check_interval: %w", err)
	}
	checker := health.New(probes, health.Config{
		CheckInterval: checkInterval,
		FailThreshold: viper.GetInt("health.fail_threshold"),
	}, logger)
	checker.SetMetricsRecord(handler.RecordHealthProbe)
	go checker.Run(ctx)
	logger.Info("health checks running",
		zap.Strings("probes", checker.Names()),
		zap.Duration("interval", checkInterval),
	)

	// ── Wire up layers ────────────────────────────────────────────────────────
	svc := service.NewPackageService(log, content, logger)
	svc.SetSequenceObserver(handler.RecordSequenced)

	interval, err := time.ParseDuration(viper.GetString("log.checkpoint_interval"))
	if err != nil || interval <= 0 {
		return fmt.Errorf("invalid log.checkpoint_interval %q", viper.GetString("log.checkpoint_interval"))
	}
	go svc.Run(ctx, interval)

	// ── HTTP Router ───────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handler.NewRouter(ctx, handler.RouterConfig{
		Log:             log,
		Service:         svc,
		Logger:          logger,
		Health:          checker,
		CORSOrigins:     viper.GetStringSlice("registry.cors_origins"),
		RateLimitRPS:    viper.GetInt("registry.rate_limit_rps"),
		MaxContentBytes: viper.GetInt64("registry.max_content_bytes"),
	})

	httpPort := viper.GetInt("registry.port")
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", httpPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("registry HTTP listening",
			zap.Int("port", httpPort),
			zap.String("checkpoint_interval", interval.String()),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	<-ctx.Done()
	logger.Info("shutting down registry...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	// Sequence whatever was accepted before the listener closed.
	if n, err := svc.Sequence(shutdownCtx); err != nil {
		logger.Error("final sequencing failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("sequenced pending records before exit", zap.Int("count", n))
	}

	logger.Info("registry stopped")
	return nil
}

// loadSigner parses skey, or generates an ephemeral key for origin when skey
// is empty.
func loadSigner(skey, origin string, logger *zap.Logger) (note.Signer, string, error) {
	if skey != "" {
		signer, vkey, err := translog.ParseSigningKey(skey)
		if err != nil {
			return nil, "", fmt.Errorf("parse log.signing_key: %w", err)
		}
		logger.Info("log signing key loaded", zap.String("verifier_key", vkey))
		return signer, vkey, nil
	}

	signer, _, vkey, err := translog.GenerateKey(origin)
	if err != nil {
		return nil, "", fmt.Errorf("generate log key: %w", err)
	}
	logger.Warn("log.signing_key is not set; using an ephemeral key, clients pinned to it will reject this registry after a restart",
		zap.String("verifier_key", vkey),
	)
	return signer, vkey, nil
}
