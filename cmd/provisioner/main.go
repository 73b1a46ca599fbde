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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowpbx/provisioner/internal/allocator"
	"github.com/flowpbx/provisioner/internal/api"
	"github.com/flowpbx/provisioner/internal/api/middleware"
	"github.com/flowpbx/provisioner/internal/artifact"
	"github.com/flowpbx/provisioner/internal/audit"
	"github.com/flowpbx/provisioner/internal/config"
	"github.com/flowpbx/provisioner/internal/credentials"
	"github.com/flowpbx/provisioner/internal/database"
	"github.com/flowpbx/provisioner/internal/metrics"
	"github.com/flowpbx/provisioner/internal/notify"
	"github.com/flowpbx/provisioner/internal/provision"
	"github.com/flowpbx/provisioner/internal/reload"
	"github.com/flowpbx/provisioner/internal/settings"
	"github.com/flowpbx/provisioner/internal/validate"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "issue-token" {
		os.Exit(issueToken(os.Args[2:]))
	}

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	logger := slog.New(cfg.SlogHandler(os.Stderr))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("provisioner stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	startTime := time.Now()
	logger.Info("starting provisioner",
		"http_port", cfg.HTTPPort,
		"db_driver", cfg.DBDriver,
		"data_dir", cfg.DataDir,
	)

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	var enc *database.Encryptor
	if keyBytes, err := cfg.EncryptionKeyBytes(); err != nil {
		return err
	} else if keyBytes != nil {
		if enc, err = database.NewEncryptor(keyBytes); err != nil {
			return fmt.Errorf("creating encryptor: %w", err)
		}
		logger.Info("pending config encryption enabled")
	} else {
		logger.Warn("no encryption key configured, pending config fragments are stored in plaintext")
	}

	sysConfig, err := database.NewSystemConfigRepository(appCtx, db)
	if err != nil {
		return fmt.Errorf("loading system config: %w", err)
	}
	store := settings.NewStore(sysConfig)

	if cfg.SettingsFile != "" {
		n, err := settings.SeedFile(appCtx, store, cfg.SettingsFile, cfg.SettingsOverwrite, logger)
		if err != nil {
			return err
		}
		logger.Info("settings seeded", "file", cfg.SettingsFile, "applied", n)
	}

	prov, err := settings.Load(appCtx, store)
	if err != nil {
		return err
	}
	logger.Info("provisioning settings loaded",
		"range_start", prov.Range.Start,
		"range_end", prov.Range.End,
		"failure_mode", prov.FailureMode,
	)

	users := database.NewUserRepository(db)
	extensions := database.NewExtensionRepository(db)
	outbox := database.NewArtifactRepository(db, enc)
	dids := database.NewDIDRepository(db)
	auditLog := audit.New(database.NewAuditRepository(db), logger, 64)

	renderer, err := artifact.NewRenderer(prov.DialplanContext, prov.VoicemailContext)
	if err != nil {
		return err
	}
	writer := artifact.NewWriter(logger,
		artifact.NewFileSource(string(artifact.KindSIP), cfg.SIPConfig, false),
		artifact.NewFileSource(string(artifact.KindVoicemail), cfg.VoicemailConfig, true),
		artifact.NewFileSource(string(artifact.KindDialplan), cfg.DialplanConfig, true),
	)

	var prober reload.Prober
	if cfg.ProbeTarget != "" {
		p, err := reload.NewSIPProber(cfg.ProbeTarget, "udp", logger)
		if err != nil {
			return err
		}
		defer p.Close()
		prober = p
	}
	trigger := reload.NewTrigger(cfg.AsteriskBinary, reload.ExecRunner{}, prov.ReloadTimeout, prober, logger)

	var notifier notify.Dispatcher = notify.Disabled{}
	if prov.SMTP.Configured() {
		notifier = notify.NewSMTPSender(notify.SMTPConfig{
			Host:     prov.SMTP.Host,
			Port:     prov.SMTP.Port,
			From:     prov.SMTP.From,
			FromName: prov.SMTP.FromName,
			Username: prov.SMTP.Username,
			Password: prov.SMTP.Password,
			TLS:      prov.SMTP.TLS,
		}, logger)
		logger.Info("welcome email enabled", "smtp_host", prov.SMTP.Host)
	}

	alloc := allocator.New(allocator.NewSettingCursor(sysConfig), extensions, logger)

	registry := prometheus.NewRegistry()
	pipeline, err := metrics.NewPipeline(registry)
	if err != nil {
		return fmt.Errorf("registering pipeline metrics: %w", err)
	}
	registry.MustRegister(
		metrics.NewCollector(alloc, outbox, extensions, auditLog, startTime),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	orch, err := provision.New(provision.Config{
		Settings:  prov,
		Validator: validate.New(users, extensions),
		Allocator: alloc,
		Generator: credentials.NewGenerator(prov.PasswordLength, prov.PINLength),
		Hasher:    credentials.NewHasher(credentials.DefaultHashParams),
		Store:     database.NewProvisioningStore(db, enc),
		Features:  database.NewFeatureRepository(db),
		DIDs:      dids,
		Outbox:    outbox,
		Renderer:  renderer,
		Writer:    writer,
		Reloader:  trigger,
		Notifier:  notifier,
		Audit:     auditLog,
		Observer:  pipeline,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	reconciler := provision.NewReconciler(provision.ReconcilerConfig{
		Outbox:   outbox,
		Writer:   writer,
		Reloader: trigger,
		Audit:    auditLog,
		Busy:     orch.InFlight,
		Logger:   logger,
	})
	reconciler.Start(appCtx, cfg.ReconcileInterval)

	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		return err
	}

	limiter := middleware.NewIPRateLimiter(middleware.SignupRateLimitConfig(cfg.SignupRate, cfg.SignupBurst), logger)
	defer limiter.Stop()

	handler := api.NewServer(api.Options{
		Provisioner:   orch,
		Audit:         auditLog,
		DIDRequests:   dids,
		JWTSecret:     jwtSecret,
		TLSEnabled:    cfg.TLSEnabled(),
		SignupLimiter: limiter,
		Metrics:       promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Logger:        logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute, // bulk provisioning runs inline
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", srv.Addr, "tls", cfg.TLSEnabled())
		var err error
		if cfg.TLSEnabled() {
			err = srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case serveErr = <-errCh:
		logger.Error("http server error", "error", serveErr)
	}

	// Stop the reconciler before draining requests.
	appCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}

	logger.Info("provisioner stopped")
	return serveErr
}

func openDatabase(cfg *config.Config) (*database.DB, error) {
	if cfg.DBDriver == "postgres" {
		return database.OpenPostgres(cfg.DatabaseURL)
	}
	return database.Open(cfg.DataDir)
}
