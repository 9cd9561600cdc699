package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"valyra/cmd/internal/passphrase"
	"valyra/config"
	"valyra/core/events"
	"valyra/core/state"
	"valyra/gateway/middleware"
	"valyra/native/escrow"
	"valyra/observability"
	"valyra/observability/logging"
	telemetry "valyra/observability/otel"
	"valyra/services/catalog"
	escrowgateway "valyra/services/escrow-gateway"
	"valyra/storage"
)

func main() {
	var (
		cfgPath      string
		issueToken   string
		tokenTTL     time.Duration
		exportEvents string
	)
	flag.StringVar(&cfgPath, "config", "./config.toml", "path to escrowd configuration")
	flag.StringVar(&issueToken, "issue-token", "", "print a bearer token for the given account and exit")
	flag.DurationVar(&tokenTTL, "token-ttl", 24*time.Hour, "lifetime of tokens printed by -issue-token")
	flag.StringVar(&exportEvents, "export-events", "", "write the event index to a parquet file and exit")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	if issueToken != "" {
		if err := printToken(cfg, issueToken, tokenTTL); err != nil {
			fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
			os.Exit(1)
		}
		return
	}
	if exportEvents != "" {
		if err := exportEventIndex(cfg, exportEvents); err != nil {
			fmt.Fprintf(os.Stderr, "export events: %v\n", err)
			os.Exit(1)
		}
		return
	}

	env := cfg.Environment
	if override := strings.TrimSpace(os.Getenv("VALYRA_ENV")); override != "" {
		env = override
	}
	logger, logCloser := logging.SetupWithOptions("escrowd", env, logging.Options{
		Level:      logging.ParseLevel(cfg.Log.Level),
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	err = run(cfg, env, logger)
	if err != nil {
		logger.Error("escrowd stopped", "error", err)
	}
	_ = logCloser.Close()
	if err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.Config, env string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryCfg := telemetry.Config{
		ServiceName: "escrowd",
		Environment: env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	}
	if telemetryCfg.Enabled() {
		shutdownTelemetry, err := telemetry.Init(ctx, telemetryCfg)
		if err != nil {
			return fmt.Errorf("initialise telemetry: %w", err)
		}
		defer func() { _ = shutdownTelemetry(context.Background()) }()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.Open(cfg.Storage, filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer db.Close()
	manager := state.NewManager(db)

	governance, err := cfg.EscrowGovernance()
	if err != nil {
		return err
	}
	vault, err := cfg.EscrowVault()
	if err != nil {
		return err
	}
	if err := applyGenesis(cfg, manager, logger); err != nil {
		return err
	}

	listings, err := catalog.Load(cfg.CatalogFile)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	digest := listings.Digest()
	logger.Info("catalog loaded", "listings", len(listings.Listings()), "digest", digest.Hex())

	store, err := escrowgateway.NewSQLiteStore(cfg.Gateway.DatabasePath)
	if err != nil {
		return fmt.Errorf("open gateway database: %w", err)
	}
	defer store.Close()

	engine, err := escrow.NewEngine(manager, manager, listings,
		escrow.WithParams(cfg.EscrowParams()),
		escrow.WithGovernance(governance),
		escrow.WithVault(vault),
		escrow.WithEmitter(events.Multi{
			escrowgateway.NewIndexer(store, logger),
			events.EmitterFunc(func(evt events.Event) {
				logger.Debug("escrow event", "type", evt.EventType())
			}),
		}),
		escrow.WithMetrics(observability.Escrow()),
		escrow.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("start escrow engine: %w", err)
	}
	current := engine.Governance()
	observability.Escrow().SetEmergency(current.EmergencyActive)
	logger.Info("escrow engine ready",
		"owner", current.Owner.Hex(),
		"treasury", current.Treasury.Hex(),
		"vault", engine.Vault().Hex(),
		"paused", current.Paused,
		"emergency", current.EmergencyActive,
	)

	secret, err := resolveJWTSecret(cfg)
	if err != nil {
		return err
	}
	server, err := escrowgateway.NewServer(engine, store, escrowgateway.Config{
		Auth: middleware.AuthConfig{
			HMACSecret: secret,
			Issuer:     cfg.Gateway.JWTIssuer,
			Audience:   cfg.Gateway.JWTAudience,
		},
		RateLimit: middleware.RateLimit{
			RatePerSecond: cfg.Gateway.RateLimitPerSec,
			Burst:         cfg.Gateway.RateLimitBurst,
		},
	}, logger)
	if err != nil {
		return fmt.Errorf("configure gateway: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server,
		ReadHeaderTimeout: cfg.Gateway.ReadHeaderTimeout.Duration,
	}
	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("escrowd listening", "addr", listener.Addr().String())
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Gateway.ShutdownTimeout.Duration)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	logger.Info("escrowd stopped")
	return nil
}

// applyGenesis credits the configured allocations the first time a database
// is opened. Persisted governance marks a database as initialised.
func applyGenesis(cfg *config.Config, manager *state.Manager, logger *slog.Logger) error {
	_, initialised, err := manager.GovernanceGet()
	if err != nil {
		return fmt.Errorf("read governance: %w", err)
	}
	if initialised {
		return nil
	}
	balances, err := cfg.GenesisBalances()
	if err != nil {
		return err
	}
	for _, b := range balances {
		if err := manager.Credit(b.Address, b.Amount); err != nil {
			return fmt.Errorf("credit genesis account %s: %w", b.Address.Hex(), err)
		}
		logger.Info("genesis allocation", "account", b.Address.Hex(), "amount", b.Amount.String())
	}
	return nil
}

func printToken(cfg *config.Config, subject string, ttl time.Duration) error {
	if !common.IsHexAddress(subject) {
		return fmt.Errorf("%q is not a hex address", subject)
	}
	secret, err := resolveJWTSecret(cfg)
	if err != nil {
		return err
	}
	tok, err := middleware.IssueToken(secret, common.HexToAddress(subject), cfg.Gateway.JWTIssuer, cfg.Gateway.JWTAudience, ttl, time.Now())
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

// resolveJWTSecret falls back to prompting the operator when neither the
// inline secret nor its environment variable is set.
func resolveJWTSecret(cfg *config.Config) ([]byte, error) {
	if secret, err := cfg.JWTSecret(); err == nil {
		return secret, nil
	}
	value, err := passphrase.NewSource(cfg.Gateway.JWTSecretEnv, "gateway JWT secret").Get()
	if err != nil {
		return nil, err
	}
	return []byte(value), nil
}

func exportEventIndex(cfg *config.Config, path string) error {
	store, err := escrowgateway.NewSQLiteStore(cfg.Gateway.DatabasePath)
	if err != nil {
		return fmt.Errorf("open gateway database: %w", err)
	}
	defer store.Close()
	n, err := escrowgateway.ExportEvents(context.Background(), store, path, escrowgateway.EventQuery{})
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "exported %d events to %s\n", n, path)
	return nil
}
