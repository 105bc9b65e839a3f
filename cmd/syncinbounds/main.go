// Command syncinbounds rewrites the engine config document from the stored
// credentials once and reports whether the two agree afterwards. It exits
// non-zero when the document is still out of sync.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ericfisherdev/vpnpanel/internal/adapter/driven/netprobe"
	sqliteadapter "github.com/ericfisherdev/vpnpanel/internal/adapter/driven/sqlite"
	"github.com/ericfisherdev/vpnpanel/internal/adapter/driven/xray"
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
	validateOnly := flag.Bool("validate-only", false, "report drift without rewriting the document")
	repairShortIDs := flag.Bool("repair-short-ids", false, "assign short ids to credentials missing one before syncing")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqliteadapter.NewDB(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := sqliteadapter.RunMigrations(db.Writer); err != nil {
		return err
	}

	credentialStore := sqliteadapter.NewCredentialRepo(db)
	portStore := sqliteadapter.NewPortRepo(db)

	camouflage := application.DefaultCamouflage()
	camouflage.Dest = cfg.CamouflageDest
	policy := engineconf.DefaultRoutingPolicy()
	policy.ControlTag = cfg.ControlTag

	runner := xray.ExecRunner{Timeout: cfg.CommandTimeout}
	syncer := application.NewConfigSynchronizer(
		xray.NewFileDocument(cfg.XrayConfig, cfg.XrayBackupDir, cfg.BackupRetention, slog.Default()),
		xray.NewController(cfg.XrayBin, cfg.XrayAPIServer, runner, slog.Default()),
		xray.NewKeysFile(cfg.RealityKeysFile),
		portStore,
		driven.NopRecorder{},
		policy,
		camouflage,
	)
	allocator := application.NewPortAllocator(
		portStore,
		credentialStore,
		netprobe.None{},
		driven.NopRecorder{},
		model.PortRange{Start: cfg.PortRangeStart, End: cfg.PortRangeEnd},
		false,
	)
	provisioning := application.NewProvisioningService(credentialStore, allocator, syncer, cfg.CamouflageDomains)

	if *repairShortIDs && !*validateOnly {
		n, err := provisioning.RepairShortIDs(ctx)
		if err != nil {
			return err
		}
		slog.Info("short ids repaired", "count", n)
	}

	if !*validateOnly {
		result, err := provisioning.Reconcile(ctx)
		if err != nil {
			return err
		}
		if err := printJSON(result); err != nil {
			return err
		}
	}

	report, err := provisioning.ValidateSync(ctx)
	if err != nil {
		return err
	}
	if err := printJSON(report); err != nil {
		return err
	}
	if !report.Synced {
		return fmt.Errorf("engine config out of sync: %d missing, %d extra, %d short id mismatches, %d port mismatches",
			len(report.MissingInConfig), len(report.ExtraInConfig), len(report.ShortIDMismatches), len(report.PortMismatches))
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
