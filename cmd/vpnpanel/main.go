package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container (rediss:// URLs)
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ericfisherdev/vpnpanel/internal/adapter/driven/metrics"
	"github.com/ericfisherdev/vpnpanel/internal/adapter/driven/netprobe"
	"github.com/ericfisherdev/vpnpanel/internal/adapter/driven/redisstore"
	sqliteadapter "github.com/ericfisherdev/vpnpanel/internal/adapter/driven/sqlite"
	"github.com/ericfisherdev/vpnpanel/internal/adapter/driven/xray"
	httphandler "github.com/ericfisherdev/vpnpanel/internal/adapter/driving/http"
	"github.com/ericfisherdev/vpnpanel/internal/application"
	"github.com/ericfisherdev/vpnpanel/internal/config"
	"github.com/ericfisherdev/vpnpanel/internal/domain/engineconf"
	"github.com/ericfisherdev/vpnpanel/internal/domain/model"
	"github.com/ericfisherdev/vpnpanel/internal/domain/port/driven"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration (fail fast on malformed env vars).
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"port_range", []int{cfg.PortRangeStart, cfg.PortRangeEnd},
		"xray_config", cfg.XrayConfig,
		"refresh_interval", cfg.RefreshInterval,
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
			slog.Error("error closing database", "error", closeErr)
		}
	}()
	slog.Info("database opened", "path", cfg.DBPath)

	// 4. Run migrations on writer connection.
	if err := sqliteadapter.RunMigrations(db.Writer); err != nil {
		return err
	}
	slog.Info("migrations complete")

	// 5. Check the engine binary and its config document.
	if err := xray.Preflight(cfg.XrayBin, cfg.XrayConfig); err != nil {
		slog.Warn("engine preflight failed, live apply will fail until fixed", "error", err)
	}

	// 6. Wire adapters.
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewRecorder(reg)

	credentialStore := sqliteadapter.NewCredentialRepo(db)
	portStore := sqliteadapter.NewPortRepo(db)
	trafficStore := sqliteadapter.NewTrafficRepo(db)

	prober, err := netprobe.New(cfg.PortProbe, cfg.CommandTimeout)
	if err != nil {
		return err
	}

	runner := xray.ExecRunner{Timeout: cfg.CommandTimeout}
	engine := xray.NewController(cfg.XrayBin, cfg.XrayAPIServer, runner, slog.Default())
	document := xray.NewFileDocument(cfg.XrayConfig, cfg.XrayBackupDir, cfg.BackupRetention, slog.Default())
	keys := xray.NewKeysFile(cfg.RealityKeysFile)
	stats := xray.NewStatsClient(cfg.XrayBin, cfg.XrayStatsServer, runner)
	sources := []driven.CounterSource{
		xray.NewUserCounterSource(stats),
		xray.NewInboundCounterSource(stats),
	}

	// 7. Choose the refresh throttle: shared through Redis when configured.
	throttle, closeThrottle, err := newThrottle(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeThrottle()

	// 8. Create services.
	camouflage := application.DefaultCamouflage()
	camouflage.Dest = cfg.CamouflageDest
	domains := cfg.CamouflageDomains
	if len(domains) == 0 {
		domains = camouflage.ServerNames
	}
	policy := engineconf.DefaultRoutingPolicy()
	policy.ControlTag = cfg.ControlTag

	allocator := application.NewPortAllocator(
		portStore,
		credentialStore,
		prober,
		recorder,
		model.PortRange{Start: cfg.PortRangeStart, End: cfg.PortRangeEnd},
		cfg.StrictPortProbe,
	)
	syncer := application.NewConfigSynchronizer(document, engine, keys, portStore, recorder, policy, camouflage)
	provisioning := application.NewProvisioningService(credentialStore, allocator, syncer, domains)
	accountant := application.NewTrafficAccountant(trafficStore, sources, recorder)
	trafficSvc := application.NewTrafficService(credentialStore, accountant, trafficStore, throttle)

	// 9. Start the traffic poller.
	poller := application.NewTrafficPoller(credentialStore, accountant, trafficStore, throttle, cfg.RefreshInterval, cfg.HistoryRetention)
	go poller.Start(ctx)

	// 10. Create HTTP handler and server.
	apiHandler := httphandler.NewHandler(provisioning, trafficSvc, allocator, syncer, slog.Default())

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httphandler.NewServeMux(apiHandler, reg, slog.Default()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
			stop()
		}
	}()

	// 11. Log startup complete.
	slog.Info("vpnpanel started",
		"listen_addr", cfg.ListenAddr,
		"port_probe", cfg.PortProbe,
		"strict_port_probe", cfg.StrictPortProbe,
		"shared_throttle", cfg.HasRedis(),
	)

	// 12. Wait for shutdown signal.
	<-ctx.Done()
	slog.Info("shutting down")

	// 13. Graceful shutdown with 10s timeout for in-flight requests.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// newThrottle returns the Redis throttle when a URL is configured and the
// in-process one otherwise. The returned func releases the Redis client.
func newThrottle(ctx context.Context, cfg *config.Config) (driven.RefreshThrottle, func(), error) {
	if !cfg.HasRedis() {
		return application.NewMemoryThrottle(cfg.RefreshMinInterval), func() {}, nil
	}

	client, err := redisstore.Open(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("redis refresh throttle enabled")

	return redisstore.NewThrottle(client, cfg.RefreshMinInterval), func() {
		if err := client.Close(); err != nil {
			slog.Error("error closing redis client", "error", err)
		}
	}, nil
}
