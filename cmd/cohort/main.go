package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/cohort/api"
	"github.com/ashita-ai/cohort/internal/assign"
	"github.com/ashita-ai/cohort/internal/auth"
	"github.com/ashita-ai/cohort/internal/config"
	"github.com/ashita-ai/cohort/internal/export"
	"github.com/ashita-ai/cohort/internal/ratelimit"
	"github.com/ashita-ai/cohort/internal/server"
	"github.com/ashita-ai/cohort/internal/service/session"
	"github.com/ashita-ai/cohort/internal/storage"
	"github.com/ashita-ai/cohort/internal/storage/sqlite"
	"github.com/ashita-ai/cohort/internal/survey"
	"github.com/ashita-ai/cohort/internal/telemetry"
	"github.com/ashita-ai/cohort/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

const usage = `usage:
  cohort                    serve the API
  cohort token <operator>   print a signed operator token
  cohort hash-key <key>     print the hash for COHORT_OPERATOR_KEY_HASH
                            (single-quote it in .env; it contains '$')
`

func main() {
	os.Exit(run0(os.Args[1:]))
}

func run0(args []string) int {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(os.Getenv("COHORT_LOG_LEVEL")),
	}))
	slog.SetDefault(logger)

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	var err error
	switch {
	case len(args) == 0:
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		err = run(ctx, logger)
	case args[0] == "token" && len(args) == 2:
		err = printToken(os.Stdout, logger, args[1])
	case args[0] == "hash-key" && len(args) == 2:
		err = printKeyHash(os.Stdout, args[1])
	default:
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	if err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func printToken(w io.Writer, logger *slog.Logger, operator string) error {
	cfg, err := config.LoadAuth()
	if err != nil {
		return err
	}
	jwtMgr, err := auth.NewJWTManager(logger, cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return err
	}
	token, _, err := jwtMgr.IssueToken(operator)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, token)
	return err
}

func printKeyHash(w io.Writer, key string) error {
	hash, err := auth.HashKey(key)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, hash)
	return err
}

// sessionStore is the store contract plus lifecycle.
type sessionStore interface {
	session.Store
	Close() error
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (sessionStore, error) {
	if cfg.DatabaseURL != "" {
		db, err := storage.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("storage: migrate: %w", err)
		}
		logger.Info("session store: postgres")
		return db, nil
	}
	db, err := sqlite.Open(cfg.SQLitePath, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("session store: sqlite", "path", cfg.SQLitePath)
	return db, nil
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("cohort starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	observer, err := export.NewMetricsObserver()
	if err != nil {
		return fmt.Errorf("export metrics: %w", err)
	}
	sink, err := export.NewSink(logger, export.Config{Dir: cfg.DataDir, Sync: cfg.ExportFsync}, observer)
	if err != nil {
		return err
	}

	fetcher, err := survey.NewFetcher(logger, survey.Config{
		Datacenter: cfg.QualtricsDatacenter,
		APIToken:   cfg.QualtricsAPIToken,
		BaseURL:    cfg.QualtricsBaseURL,
		BaseDelay:  cfg.SurveyBackoff,
		Timeout:    cfg.SurveyTimeout,
	})
	if err != nil {
		return err
	}

	jwtMgr, err := auth.NewJWTManager(logger, cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if cfg.OperatorKeyHash != "" {
		if _, err := auth.VerifyKey("", cfg.OperatorKeyHash); err != nil {
			return fmt.Errorf("COHORT_OPERATOR_KEY_HASH: %w", err)
		}
	}

	sessions := session.New(store, assign.New(logger, nil), sink, fetcher, session.Config{
		SurveyRetries:    cfg.SurveyRetries,
		TallyInterval:    cfg.TallyInterval,
		CloseConcurrency: cfg.CloseConcurrency,
	}, logger)
	sessions.Start(ctx)

	var limiter ratelimit.Limiter = ratelimit.NoopLimiter{}
	if cfg.RateLimitRPS > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory", "rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		logger.Info("rate limiting: disabled")
	}
	defer func() { _ = limiter.Close() }()

	srv := server.New(server.ServerConfig{
		Sessions:            sessions,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Limiter:             limiter,
		OperatorKeyHash:     cfg.OperatorKeyHash,
		OpenAPISpec:         api.OpenAPISpec,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		sessions.Stop()
		return err
	}

	slog.Info("cohort shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	sessions.Stop()

	slog.Info("cohort stopped")
	return nil
}
