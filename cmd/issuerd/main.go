// Command issuerd runs the issuance service: the intent API over HTTP and
// MCP, the saga orchestrator and the TTL sweeper.
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
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	issuance "github.com/x402-foundation/issuance"
	auditmemory "github.com/x402-foundation/issuance/audit/memory"
	"github.com/x402-foundation/issuance/audit/postgres"
	"github.com/x402-foundation/issuance/audit/sqlite"
	"github.com/x402-foundation/issuance/config"
	kvmemory "github.com/x402-foundation/issuance/kv/memory"
	kvredis "github.com/x402-foundation/issuance/kv/redis"
	"github.com/x402-foundation/issuance/ledger/xrpl"
	"github.com/x402-foundation/issuance/mcp"
	"github.com/x402-foundation/issuance/observability"
	ginapi "github.com/x402-foundation/issuance/pkg/gin"
	"github.com/x402-foundation/issuance/wallet/xumm"
)

const serviceName = "issuerd"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "issuerd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	configPath := flag.String("config", envOr("ISSUER_CONFIG", "config.yaml"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger := config.NewLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Tracing {
		shutdown, err := observability.InitTracer(serviceName, os.Stdout, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("failed to flush traces", "error", err)
			}
		}()
	}

	if cfg.Store.Ephemeral {
		logger.Warn("ephemeral stores enabled; saga markers and audit records in memory do not survive a restart")
	}
	kv, closeKV, err := openKeyValueStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeKV()

	audit, closeAudit, err := openAuditLog(ctx, cfg.Audit)
	if err != nil {
		return err
	}
	defer closeAudit()

	ledger, err := newLedger(cfg.Ledger, cfg.Native, logger)
	if err != nil {
		return err
	}
	wallet := xumm.NewClient(xumm.Config{
		URL:       cfg.Wallet.URL,
		APIKey:    cfg.Wallet.APIKey,
		APISecret: cfg.Wallet.APISecret,
		Timeout:   cfg.Wallet.Timeout,
	})

	metrics := observability.New()
	svc := issuance.NewService(ledger, wallet, kv, audit,
		issuance.WithLogger(logger),
		issuance.WithCatalog(cfg.Catalog()),
		issuance.WithPolicySource(cfg.PolicySource()),
		issuance.WithCreationWindow(cfg.TTL.CreationWindow),
		issuance.WithPayloadExpiry(cfg.Wallet.PayloadExpiry),
		issuance.WithNativeCurrency(cfg.Native.Currency, cfg.Native.Decimals),
		issuance.WithHolderSerialization(cfg.Policy.SerializePerHolder),
		issuance.WithPolling(cfg.Poll.Interval, cfg.Poll.MaxWait),
		issuance.WithAfterStepHook(metrics.AfterStep),
		issuance.WithSagaCompleteHook(metrics.SagaComplete),
	)
	sweeper := issuance.NewSweeper(svc, cfg.SweepTTLs(), cfg.Sweep.Interval).OnSweep(metrics.ObserveSweep)

	gin.SetMode(gin.ReleaseMode)
	router := ginapi.NewRouter(svc, metrics.Handler(),
		ginapi.WithLogger(logger),
		ginapi.WithRequestObserver(metrics),
	)
	router.Any("/mcp", gin.WrapH(mcp.NewHandler(mcp.NewServer(svc, logger))))

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           otelhttp.NewHandler(router, serviceName),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.Server.Addr, "assets", len(cfg.Assets), "store", cfg.Store.Type, "audit", cfg.Audit.Type)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newLedger(cfg config.LedgerConfig, native config.NativeConfig, logger *slog.Logger) (*xrpl.Client, error) {
	clientConfig := xrpl.Config{
		URL:               cfg.URL,
		Issuer:            cfg.Issuer,
		NativeCurrency:    native.Currency,
		Fee:               cfg.Fee,
		Timeout:           cfg.Timeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
		MaxRetries:        cfg.MaxRetries,
		ValidationTimeout: cfg.ValidationTimeout,
		Logger:            logger.With("component", "ledger"),
	}
	if cfg.Secret != "" {
		signerConfig := clientConfig
		signerConfig.URL = cfg.SignerURL
		signer, err := xrpl.NewServerSigner(signerConfig, cfg.Secret)
		if err != nil {
			return nil, err
		}
		clientConfig.Signer = signer
	} else {
		logger.Warn("ledger.secret is not set; saga steps will fail to submit")
	}
	return xrpl.NewClient(clientConfig), nil
}

func openKeyValueStore(ctx context.Context, cfg config.StoreConfig) (issuance.KeyValueStore, func(), error) {
	switch cfg.Type {
	case "redis":
		store := kvredis.New(kvredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.Addr, err)
		}
		return store, func() { _ = store.Close() }, nil
	case "memory":
		return kvmemory.New(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store.type %q", cfg.Type)
	}
}

func openAuditLog(ctx context.Context, cfg config.AuditConfig) (issuance.AuditLog, func(), error) {
	switch cfg.Type {
	case "sqlite":
		log, err := sqlite.Open(cfg.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		return log, func() { _ = log.Close() }, nil
	case "postgres":
		log, err := postgres.Open(cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, err
		}
		if err := log.Migrate(ctx); err != nil {
			_ = log.Close()
			return nil, nil, err
		}
		return log, func() { _ = log.Close() }, nil
	case "memory":
		return auditmemory.New(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown audit.type %q", cfg.Type)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
