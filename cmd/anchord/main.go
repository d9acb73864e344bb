package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/davidahmann/anchord/internal/anchor"
	"github.com/davidahmann/anchord/internal/api"
	"github.com/davidahmann/anchord/internal/auth"
	"github.com/davidahmann/anchord/internal/config"
	"github.com/davidahmann/anchord/internal/crypto"
	"github.com/davidahmann/anchord/internal/integrity"
	"github.com/davidahmann/anchord/internal/ledger"
	"github.com/davidahmann/anchord/internal/ledger/pgstore"
	"github.com/davidahmann/anchord/internal/ledger/sqlstore"
	"github.com/davidahmann/anchord/internal/metrics"
	"github.com/davidahmann/anchord/internal/policy"
	"github.com/davidahmann/anchord/internal/provider"
	"github.com/davidahmann/anchord/internal/tracing"
	"github.com/davidahmann/anchord/internal/verify"
	"github.com/davidahmann/anchord/pkg/types"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := runFn(ctx, os.Args[1:], os.Getenv, listenAndServe); err != nil {
		fatalf("anchord: %v", err)
	}
}

var runFn = run
var fatalf = log.Fatalf

type envFn func(string) string
type listenFn func(*http.Server) error

// daemon is everything run needs to serve and shut down.
type daemon struct {
	server  *http.Server
	queue   *anchor.Queue
	service *api.AnchorService
	logger  *logrus.Logger
	closers []func() error
}

func (d *daemon) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.logger.WithFields(logrus.Fields{"error": err}).Warn("shutdown")
		}
	}
}

func run(ctx context.Context, args []string, getenv envFn, listen listenFn) error {
	fs := flag.NewFlagSet("anchord", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to anchord config file")
	envFile := fs.String("env-file", "", "dotenv file loaded before the config")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := loadDotenv(firstNonEmpty(*envFile, getenv("ANCHORD_ENV_FILE")), *envFile != ""); err != nil {
		return err
	}

	cfg, err := config.Load(firstNonEmpty(*configPath, getenv("ANCHORD_CONFIG_PATH")))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	d, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.close()

	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()
	go func() {
		err := anchor.RunDrainWorker(workerCtx, d.queue, anchor.WorkerOptions{
			Schedule:      cfg.Queue.Schedule,
			RetentionDays: cfg.RetentionDays,
		})
		if err != nil {
			logger.WithFields(logrus.Fields{"error": err}).Error("drain worker stopped")
		}
	}()

	go func() {
		<-workerCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = d.server.Shutdown(shutdownCtx)
	}()

	logger.WithFields(logrus.Fields{
		"addr":      cfg.ListenAddr,
		"providers": d.queue.Providers(),
		"db":        cfg.DB.Driver,
	}).Info("anchord listening")
	if err := listen(d.server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// loadDotenv loads path into the environment. A missing default file is
// fine; a missing explicit one is not.
func loadDotenv(path string, explicit bool) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("env file: %w", err)
	}
	return godotenv.Load(path)
}

func newLogger(level string) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	parsed, err := logrus.ParseLevel(firstNonEmpty(level, "info"))
	if err != nil {
		return nil, err
	}
	logger.SetLevel(parsed)
	return logger, nil
}

func build(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*daemon, error) {
	d := &daemon{logger: logger}

	shutdownTracing, err := tracing.Setup(ctx, tracing.Options{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: "anchord",
	})
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	d.closers = append(d.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdownTracing(shutdownCtx)
	})

	store, closeStore, err := openStore(cfg.DB)
	if err != nil {
		d.close()
		return nil, err
	}
	d.closers = append(d.closers, closeStore)

	catalogue, err := provider.LoadProfiles(cfg.RFC3161.ProfilesPath)
	if err != nil {
		d.close()
		return nil, fmt.Errorf("tsa profiles: %w", err)
	}

	dispatchers, rekor, err := buildDispatchers(cfg, catalogue)
	if err != nil {
		d.close()
		return nil, err
	}

	m := metrics.New()
	d.queue = anchor.NewQueue(store, dispatchers, anchor.Options{
		MaxAttempts: cfg.Queue.MaxAttempts,
		BackoffBase: cfg.Queue.BackoffBase,
		BackoffMax:  cfg.Queue.BackoffMax,
		DedupWindow: cfg.Queue.DedupWindow,
		BatchSize:   cfg.Queue.BatchSize,
		Parallelism: cfg.Queue.Parallelism,
		Logger:      logger,
		Metrics:     m,
	})

	// The key is loaded even with keyed mode off so existing hmac records
	// still verify. hmac_enabled only decides what new saves produce.
	registry := integrity.NewRegistry(integrity.Options{
		Default:   cfg.Algorithm,
		HMACKey:   []byte(cfg.HMACKey),
		MinKeyLen: cfg.HMACMinKeyLen,
		Logger:    logger,
	})

	loaded := policy.Default()
	if cfg.PolicyPath != "" {
		loaded, err = policy.LoadPolicy(cfg.PolicyPath)
		if err != nil {
			d.close()
			return nil, fmt.Errorf("policy: %w", err)
		}
	}

	var logs verify.LogClient
	if rekor != nil {
		logs = rekor
	}
	service, err := api.NewAnchorService(api.ServiceConfig{
		Store:         store,
		Registry:      registry,
		Queue:         d.queue,
		Verifier:      verify.New(store, registry, logs, logger),
		Policy:        &loaded,
		HMACEnabled:   cfg.HMACEnabled,
		Profiles:      catalogue,
		ArtifactsDir:  cfg.ArtifactsDir,
		RetentionDays: cfg.RetentionDays,
		Logger:        logger,
	})
	if err != nil {
		d.close()
		return nil, err
	}
	service.CheckKeys()
	d.service = service

	h := &api.Handler{
		Auth:    auth.NewTokenAuthenticator(cfg.APIToken),
		Service: service,
		Metrics: m,
		Logger:  logger,
	}
	d.server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(h),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if cfg.APIToken == "" {
		logger.Warn("api_token is empty; operator API is unauthenticated")
	}
	return d, nil
}

func openStore(db config.DBConfig) (ledger.Store, func() error, error) {
	switch db.Driver {
	case "memory":
		return ledger.NewInMemoryStore(), func() error { return nil }, nil
	case "sqlite":
		store, err := sqlstore.OpenSQLite(db.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		if err := ledger.Migrate(store.DB(), ledger.DBSQLite); err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		return store, store.Close, nil
	case "postgres":
		store, err := pgstore.OpenPostgres(db.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := ledger.Migrate(store.DB(), ledger.DBPostgres); err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported db driver: %s", db.Driver)
	}
}

func buildDispatchers(cfg config.Config, catalogue *provider.Catalogue) ([]provider.Dispatcher, *provider.RekorClient, error) {
	httpOpts := provider.HTTPOptions{
		Timeout:       cfg.ProviderTimeout,
		RatePerSecond: cfg.ProviderRatePerSecond,
		UserAgent:     anchor.ProducerVersion,
	}

	var (
		out   []provider.Dispatcher
		rekor *provider.RekorClient
	)
	if cfg.ProviderEnabled(types.ProviderGitHost) {
		d, err := provider.NewGitHostDispatcher(provider.GitHostConfig{
			Flavor:                cfg.Git.Flavor,
			APIBase:               cfg.Git.APIBase,
			WebBase:               cfg.Git.WebBase,
			Token:                 cfg.Git.Token,
			Owner:                 cfg.Git.Owner,
			Repo:                  cfg.Git.Repo,
			Branch:                cfg.Git.Branch,
			FolderTemplate:        cfg.Git.FolderPathTemplate,
			CommitMessageTemplate: cfg.Git.CommitMessageTemplate,
			HTTP:                  httpOpts,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("git host: %w", err)
		}
		out = append(out, d)
	}

	if cfg.ProviderEnabled(types.ProviderRFC3161) {
		url, err := catalogue.ResolveURL(cfg.RFC3161.Profile, cfg.RFC3161.CustomURL)
		if err != nil {
			return nil, nil, fmt.Errorf("rfc3161: %w", err)
		}
		d, err := provider.NewRFC3161Dispatcher(provider.RFC3161Config{
			URL:             url,
			Username:        cfg.RFC3161.Username,
			Password:        cfg.RFC3161.Password,
			ArtifactsDir:    cfg.ArtifactsDir,
			MaxResponseSize: cfg.RFC3161.MaxResponseSize,
			HTTP:            httpOpts,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("rfc3161: %w", err)
		}
		out = append(out, d)
	}

	if cfg.ProviderEnabled(types.ProviderTransparencyLog) {
		var longLived *crypto.Keypair
		if cfg.Signing.PrivateKeyPath != "" {
			kp, err := crypto.LoadKeypair(cfg.Signing.PrivateKeyPath)
			if err != nil {
				return nil, nil, fmt.Errorf("signing key: %w", err)
			}
			longLived = &kp
		}
		d, err := provider.NewTransparencyLogDispatcher(provider.TransparencyLogConfig{
			URL:           cfg.TransparencyLog.URL,
			SiteURL:       cfg.SiteURL,
			KeyFetchURL:   cfg.Signing.KeyFetchURL,
			LongLived:     longLived,
			EphemeralType: crypto.KeyType(cfg.Signing.EphemeralKeyType),
			DSSEEnabled:   cfg.Signing.DSSEEnabled,
			ArtifactsDir:  cfg.ArtifactsDir,
			HTTP:          httpOpts,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("transparency log: %w", err)
		}
		out = append(out, d)
		rekor = d.Client()
	}
	return out, rekor, nil
}

func listenAndServe(server *http.Server) error {
	return server.ListenAndServe()
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
