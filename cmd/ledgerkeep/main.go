package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	"github.com/ericfisherdev/ledgerkeep/internal/adapter/driven/evm"
	"github.com/ericfisherdev/ledgerkeep/internal/adapter/driven/keystore"
	"github.com/ericfisherdev/ledgerkeep/internal/adapter/driven/ledger"
	sqliteadapter "github.com/ericfisherdev/ledgerkeep/internal/adapter/driven/sqlite"
	"github.com/ericfisherdev/ledgerkeep/internal/adapter/driven/token"
	httphandler "github.com/ericfisherdev/ledgerkeep/internal/adapter/driving/http"
	"github.com/ericfisherdev/ledgerkeep/internal/application"
	"github.com/ericfisherdev/ledgerkeep/internal/config"
	"github.com/ericfisherdev/ledgerkeep/internal/secret"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration (fail fast on missing required env vars).
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"ledger_url", cfg.LedgerURL,
		"ledger_api_key", secret.Redacted(cfg.LedgerAPIKey),
		"chain_id", cfg.ChainID,
		"kdf", cfg.KDF,
		"login_enabled", cfg.LoginEnabled(),
		"reconcile_interval", cfg.ReconcileInterval,
	)

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open database (dual reader/writer with WAL mode).
	db, err := sqliteadapter.NewDB(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()
	logger.Info("database opened", "path", cfg.DBPath)

	// 4. Run migrations on writer connection.
	if err := sqliteadapter.RunMigrations(db.Writer); err != nil {
		return err
	}
	logger.Info("migrations complete")

	// 5. Wire adapters.
	credentialStore := sqliteadapter.NewCredentialRepo(db)
	journal := sqliteadapter.NewJournalRepo(db)

	credentialCount, err := credentialStore.Count(ctx)
	if err != nil {
		return err
	}
	logger.Info("credential store ready", "credentials", credentialCount)

	params, err := keystore.ParamsFor(cfg.KDF)
	if err != nil {
		return err
	}
	cipher, err := keystore.NewCipher(params)
	if err != nil {
		return fmt.Errorf("create envelope cipher: %w", err)
	}
	sealParams := cipher.Params()
	logger.Info("envelope cipher ready", "kdf", sealParams.Algorithm, "key_len", sealParams.KeyLen)
	hasher := keystore.NewBcryptHasher(cfg.BcryptCost)
	keys := evm.NewKeyGenerator()
	signer := evm.NewTxSigner(cfg.ChainID)

	ledgerClient, err := ledger.NewClient(ledger.Options{
		BaseURL:     cfg.LedgerURL,
		APIKey:      cfg.LedgerAPIKey,
		Timeout:     cfg.LedgerTimeout,
		ReceiptWait: cfg.LedgerReceiptWait,
	})
	if err != nil {
		return fmt.Errorf("create ledger client: %w", err)
	}

	// 6. Refuse to start with a broken key pipeline.
	healthSvc := application.NewHealthService(db, ledgerClient, keys, logger.With("component", "health"))
	if err := healthSvc.SelfTest(); err != nil {
		return err
	}
	logger.Info("keypair self-test passed")

	// 7. Create application services.
	provisioningSvc := application.NewProvisioningService(
		credentialStore,
		journal,
		ledgerClient,
		keys,
		cipher,
		hasher,
		application.ProvisionOptions{
			InitialBalance:           cfg.InitialBalance,
			MaxAutoTokenAssociations: cfg.MaxAutoTokenAssocs,
		},
		logger.With("component", "provisioning"),
	)
	signingSvc := application.NewSigningService(credentialStore, hasher, cipher, signer, ledgerClient, logger.With("component", "signing"))
	rotationSvc := application.NewRotationService(credentialStore, hasher, cipher, logger.With("component", "rotation"))

	var (
		auth   httphandler.Authenticator
		tokens httphandler.TokenVerifier
	)
	if cfg.LoginEnabled() {
		issuer, err := token.NewIssuer(cfg.JWTSecret, cfg.JWTTTL)
		if err != nil {
			return fmt.Errorf("create token issuer: %w", err)
		}
		auth = application.NewAuthService(credentialStore, hasher, issuer, logger.With("component", "auth"))
		tokens = issuer
	} else {
		logger.Info("no jwt secret configured, session and admin endpoints disabled")
	}

	// 8. Start the provisioning reconciler.
	reconcileSvc := application.NewReconcileService(
		journal,
		credentialStore,
		cfg.ReconcileInterval,
		cfg.StaleAttemptAfter,
		logger.With("component", "reconcile"),
	)
	reconcileCtx, stopReconcile := context.WithCancel(ctx)
	reconcileDone := make(chan struct{})
	go func() {
		defer close(reconcileDone)
		reconcileSvc.Start(reconcileCtx)
	}()
	// Stop the reconciler before the deferred database close runs.
	defer func() {
		stopReconcile()
		<-reconcileDone
	}()

	// 9. Create HTTP handler and server.
	apiHandler := httphandler.NewHandler(provisioningSvc, signingSvc, rotationSvc, auth, healthSvc, reconcileSvc, tokens, logger)
	handler := httphandler.NewServeMux(apiHandler, logger)

	// WriteTimeout covers ledger account creation plus receipt polling.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.LedgerTimeout + cfg.LedgerReceiptWait + 10*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	logger.Info("ledgerkeep started", "listen_addr", cfg.ListenAddr)

	// 10. Wait for shutdown signal or a fatal server error.
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	}

	// 11. Graceful shutdown. In-flight provisioning commits run detached from
	// request contexts, so give them the receipt window to drain.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second+cfg.LedgerReceiptWait)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
