// Package runtime wires the settlement layer's dependencies and manages the
// process lifecycle.
package runtime

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"

	"github.com/handlebank/settlement-layer/internal/cache"
	"github.com/handlebank/settlement-layer/internal/chain"
	"github.com/handlebank/settlement-layer/internal/config"
	"github.com/handlebank/settlement-layer/internal/httpapi"
	"github.com/handlebank/settlement-layer/internal/settlement"
	"github.com/handlebank/settlement-layer/internal/signing"
	"github.com/handlebank/settlement-layer/internal/storage"
	"github.com/handlebank/settlement-layer/internal/storage/memory"
	"github.com/handlebank/settlement-layer/internal/storage/postgres"
	"github.com/handlebank/settlement-layer/internal/storage/restledger"
	"github.com/handlebank/settlement-layer/pkg/logger"
)

// Application wires core dependencies and manages the HTTP server lifecycle.
type Application struct {
	cfg        *config.Config
	log        *logger.Logger
	engine     *settlement.Engine
	refresher  *settlement.Refresher
	httpServer *http.Server
	db         *sql.DB
	redis      *redis.Client
}

// NewApplication constructs an application instance with default wiring.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	log := logger.New(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		Name:   "settlementd",
	})

	gateway, err := chain.NewClient(chain.Config{
		RPCURL:         cfg.Chain.RPCURL,
		Commitment:     cfg.Chain.Commitment,
		Timeout:        cfg.Chain.Timeout,
		RequestsPerSec: cfg.Chain.RequestsPerSec,
		RequestBurst:   cfg.Chain.RequestBurst,
	})
	if err != nil {
		return nil, fmt.Errorf("configure chain gateway: %w", err)
	}

	store, db, err := buildLedgerStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("configure ledger store: %w", err)
	}

	signer, err := buildSigner(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("configure signer: %w", err)
	}

	opts := []settlement.Option{}
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		balances := cache.New(gateway, redisClient, cfg.Redis.TTL, log.Named("balance-cache"))
		opts = append(opts, settlement.WithExternalBalanceReader(balances))
	}

	engine := settlement.New(settlement.Config{
		CustodialAddress:    cfg.Settlement.CustodialAddress,
		ConfirmDeadline:     cfg.Settlement.ConfirmDeadline,
		ConfirmPollInterval: cfg.Settlement.ConfirmPollInterval,
		CheckpointRetries:   cfg.Settlement.CheckpointRetries,
		CheckpointBackoff:   cfg.Settlement.CheckpointBackoff,
		ExplorerBaseURL:     cfg.Chain.ExplorerBaseURL,
	}, gateway, store, signer, log.Named("settlement"), opts...)

	refresher := settlement.NewRefresher(engine, cfg.Settlement.RefreshInterval, log.Named("refresher"))

	handler := httpapi.NewHandler(engine, log.Named("httpapi"))
	httpSrv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Application{
		cfg:        cfg,
		log:        log,
		engine:     engine,
		refresher:  refresher,
		httpServer: httpSrv,
		db:         db,
		redis:      redisClient,
	}, nil
}

// Run starts the background refresher and the HTTP server, then blocks until
// the context is cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	if err := a.refresher.Start(ctx); err != nil {
		return fmt.Errorf("start refresher: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Infof("HTTP server listening on %s", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown stops the refresher and gracefully shuts down the HTTP server.
func (a *Application) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := a.refresher.Stop(shutdownCtx); err != nil {
		a.log.WithError(err).Warn("error stopping refresher")
	}

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}

	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.WithError(err).Warn("error closing redis connection")
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithError(err).Warn("error closing database connection")
		}
	}
	return nil
}

func buildLedgerStore(cfg *config.Config) (storage.LedgerStore, *sql.DB, error) {
	switch cfg.Ledger.Backend {
	case "memory":
		return memory.New(), nil, nil
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		store, db, err := postgres.Open(ctx, cfg.Ledger.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("ensure ledger schema: %w", err)
		}
		return store, db, nil
	case "rest":
		store, err := restledger.New(restledger.Config{
			BaseURL: cfg.Ledger.RestURL,
			APIKey:  cfg.Ledger.RestAPIKey,
			Timeout: cfg.Ledger.RestTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown ledger backend %q", cfg.Ledger.Backend)
	}
}

func buildSigner(cfg *config.Config, log *logger.Logger) (settlement.Signer, error) {
	if cfg.Settlement.SignerURL == "" {
		log.Warn("no signer configured, withdrawals disabled")
		return signing.Disabled{}, nil
	}
	return signing.NewRemote(signing.Config{
		BaseURL: cfg.Settlement.SignerURL,
		APIKey:  cfg.Settlement.SignerAPIKey,
		Timeout: cfg.Settlement.SignerTimeout,
	})
}
