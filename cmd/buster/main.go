package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"

	"github.com/0xedev/Buster-market/internal/access"
	"github.com/0xedev/Buster-market/internal/api"
	"github.com/0xedev/Buster-market/internal/config"
	"github.com/0xedev/Buster-market/internal/legacy"
	"github.com/0xedev/Buster-market/internal/ledger"
	"github.com/0xedev/Buster-market/internal/logger"
	"github.com/0xedev/Buster-market/internal/models"
	"github.com/0xedev/Buster-market/internal/storage"
	"github.com/0xedev/Buster-market/internal/telegram"
	"github.com/0xedev/Buster-market/internal/vault"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")
	report     = flag.String("report", "", "Print a report from the latest checkpoint and exit (leaderboard|markets)")
	limit      = flag.Int("limit", 20, "Rows to print with -report")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if cfg.Logging.File != "" {
		closer := logger.InitWithFile(cfg.Logging.Level, cfg.Logging.Format, logger.FileOptions{
			Path:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
			Compress:   cfg.Logging.Compress,
		})
		defer closer.Close()
	} else {
		logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	}
	logger.Info("Configuration loaded from %s", *configPath)

	store, err := storage.New(cfg.Storage.MaxEvents, cfg.Storage.DBPath)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	bank := vault.New()
	escrow := bank.Escrow(cfg.Ledger.EscrowAccount)

	owner := vault.Normalize(cfg.Ledger.Owner)
	registry := access.NewRegistry(owner)
	for _, g := range cfg.Ledger.Grants {
		c, _ := access.ParseCapability(g.Capability) // checked by Validate
		if err := registry.Grant(owner, c, vault.Normalize(g.User)); err != nil {
			logger.Fatal("Failed to grant %s to %s: %v", g.Capability, g.User, err)
		}
	}

	hub := api.NewHub()
	recorder := storage.NewRecorder(store, cfg.Storage.EventBuffer)
	var notifier *telegram.Client
	sinks := ledger.FanOut(hub, recorder, ledger.SinkFunc(func(e models.Event) {
		if notifier != nil {
			notifier.Publish(e)
		}
	}))

	l := ledger.New(escrow, registry, sinks, ledger.Config{
		ProgressBatchSize: cfg.Ledger.ProgressBatchSize,
	})

	snap, err := store.LoadSnapshot()
	if err != nil {
		logger.Fatal("Failed to load checkpoint: %v", err)
	}
	if snap != nil {
		if err := l.Restore(snap); err != nil {
			logger.Fatal("Failed to restore checkpoint: %v", err)
		}
		logger.Info("Restored checkpoint from %s: %d markets, %d users, %d accounts, %d grants",
			snap.TakenAt.Format(time.RFC3339), len(snap.Markets), len(snap.Users), len(snap.Accounts), len(snap.Grants))
	}
	if snap == nil || len(snap.Accounts) == 0 {
		mintGenesis(bank, cfg.Vault.Genesis)
	}

	if *report != "" {
		if err := printReport(os.Stdout, l, *report, *limit); err != nil {
			log.Fatalf("Report failed: %v", err)
		}
		return
	}

	if cfg.Telegram.Enabled {
		notifier, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase, l)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, cleaning up...")
		cancel()
	}()

	if cfg.Legacy.Enabled {
		importLegacy(ctx, cfg, l, owner, store)
	}

	server := api.NewServer(api.Config{
		Addr:              cfg.Server.Addr,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		DefaultBatchSize:  cfg.Ledger.DefaultBatchSize,
		DistributeWorkers: cfg.Ledger.DistributeWorkers,
	}, api.Deps{
		Ledger: l,
		Access: registry,
		Vault:  bank,
		Escrow: escrow.Account(),
		Events: store,
		Hub:    hub,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return recorder.Run(gctx) })
	if notifier != nil {
		notifier.ListenForCommands(gctx)
		g.Go(func() error { return notifier.Run(gctx) })
	}
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer done()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		runCheckpoints(gctx, l, store, cfg.Storage.CheckpointInterval)
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Service stopped with error: %v", err)
	}
	logger.Info("Service stopped")
}

// mintGenesis credits the configured opening balances to a fresh vault.
func mintGenesis(bank *vault.Vault, genesis []config.GenesisAccount) {
	for _, g := range genesis {
		amount, _ := uint256.FromDecimal(g.Amount) // checked by Validate
		if err := bank.Mint(g.Account, amount); err != nil {
			logger.Fatal("Failed to mint genesis balance for %s: %v", g.Account, err)
		}
	}
	if len(genesis) > 0 {
		logger.Info("Minted %d genesis balances", len(genesis))
	}
}

// importLegacy pulls the legacy markets once and checkpoints the result.
func importLegacy(ctx context.Context, cfg *config.Config, l *ledger.Ledger, owner string, store *storage.Storage) {
	client := legacy.NewClient(cfg.Legacy.BaseURL, cfg.Legacy.Timeout, cfg.Legacy.MaxRetries)
	rep, err := l.ImportLegacy(ctx, owner, client, cfg.Legacy.Holders)
	switch {
	case errors.Is(err, ledger.ErrAlreadyImported), errors.Is(err, ledger.ErrImportAfterStart):
		logger.Info("Legacy import skipped: %v", err)
		return
	case err != nil:
		logger.Fatal("Legacy import failed: %v", err)
	}
	logger.Info("Legacy import %s: %d markets, %d positions, %d resolved, %d cancelled, %d total mismatches",
		rep.RunID, rep.Markets, rep.Participants, rep.Resolved, rep.Cancelled, rep.Mismatches)
	checkpoint(l, store)
}

// runCheckpoints saves the ledger every interval and once more when ctx ends.
func runCheckpoints(ctx context.Context, l *ledger.Ledger, store *storage.Storage, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			checkpoint(l, store)
			return
		case <-ticker.C:
			checkpoint(l, store)
		}
	}
}

func checkpoint(l *ledger.Ledger, store *storage.Storage) {
	start := time.Now()
	snap := l.Snapshot()
	if err := store.SaveSnapshot(snap); err != nil {
		logger.Error("Failed to save checkpoint: %v", err)
		return
	}
	logger.Debug("Checkpoint saved: %d markets, %d users, %d accounts in %v",
		len(snap.Markets), len(snap.Users), len(snap.Accounts), time.Since(start))
}
