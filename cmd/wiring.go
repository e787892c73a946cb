package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"timebridge/backup"
	"timebridge/config"
	"timebridge/ledger"
	"timebridge/mirror"
	"timebridge/notify"
	"timebridge/primary"
	"timebridge/queue"
	"timebridge/relay"
	"timebridge/secondary"
)

// bridge bundles the long-lived components a command needs. Close releases
// the stores.
type bridge struct {
	cfg       *config.Config
	log       *slog.Logger
	ledger    ledger.Store
	archive   *backup.Store
	queue     *queue.Queue
	notifier  notify.Notifier
	primary   primary.API
	secondary secondary.API
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func openBridge(cfg *config.Config) (*bridge, error) {
	log := newLogger()

	store, err := openLedger(cfg.Ledger)
	if err != nil {
		return nil, err
	}

	archive, err := backup.Open(cfg.Backup.Path)
	if err != nil {
		store.Close()
		return nil, err
	}

	retryQueue, err := queue.Open(
		cfg.Queue.Path,
		cfg.Queue.DeadLetterPath,
		time.Duration(cfg.Queue.BaseDelaySecs)*time.Second,
	)
	if err != nil {
		store.Close()
		archive.Close()
		return nil, err
	}

	primaryClient, err := primary.NewClient(primary.ClientConfig{
		BaseURL:   cfg.Primary.URL,
		Token:     cfg.Primary.Token,
		AccountID: cfg.Primary.AccountID,
		UserAgent: "timebridge/1.0",
	})
	if err != nil {
		store.Close()
		archive.Close()
		return nil, err
	}

	secondaryClient, err := secondary.NewClient(secondary.ClientConfig{
		BaseURL:  cfg.Secondary.URL,
		OrgCode:  cfg.Secondary.OrgCode,
		Username: cfg.Secondary.Username,
		Password: cfg.Secondary.Password,
		UserID:   cfg.Secondary.UserID,
	})
	if err != nil {
		store.Close()
		archive.Close()
		return nil, err
	}

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Notify.WebhookURL, log)
	}

	return &bridge{
		cfg:       cfg,
		log:       log,
		ledger:    store,
		archive:   archive,
		queue:     retryQueue,
		notifier:  notifier,
		primary:   primaryClient,
		secondary: secondaryClient,
	}, nil
}

func (b *bridge) Close() {
	b.archive.Close()
	b.ledger.Close()
}

func openLedger(cfg config.LedgerConfig) (ledger.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return ledger.OpenSQLite(cfg.Path)
	case "postgres":
		return ledger.OpenPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported ledger driver: %s", cfg.Driver)
	}
}

func (b *bridge) relayProcessors() *relay.Processors {
	excluded := make(map[int64]struct{}, len(b.cfg.Sync.ExcludedLabelIDs))
	for _, id := range b.cfg.Sync.ExcludedLabelIDs {
		excluded[id] = struct{}{}
	}
	return &relay.Processors{
		Ledger:         b.ledger,
		Queue:          b.queue,
		Notifier:       b.notifier,
		Primary:        b.primary,
		Secondary:      b.secondary,
		ExcludedLabels: excluded,
		MaxAttempts:    b.cfg.Queue.MaxAttempts,
		Log:            b.log,
	}
}

func (b *bridge) backupProcessors() *backup.Processors {
	return &backup.Processors{
		Store:       b.archive,
		Queue:       b.queue,
		Notifier:    b.notifier,
		MaxAttempts: b.cfg.Queue.MaxAttempts,
		Log:         b.log,
	}
}

func (b *bridge) handlers() map[string]relay.Handler {
	relayProcs := b.relayProcessors()
	backupProcs := b.backupProcessors()
	return map[string]relay.Handler{
		relay.ProcEntryCreate:   relayProcs.CreateEntry,
		relay.ProcEntryUpdate:   relayProcs.UpdateEntry,
		relay.ProcEntryDelete:   relayProcs.DeleteEntry,
		backup.ProcBackupCreate: backupProcs.CaptureCreate,
		backup.ProcBackupUpdate: backupProcs.CaptureUpdate,
		backup.ProcBackupDelete: backupProcs.CaptureDelete,
		backup.ProcBackupExpire: backupProcs.ExpireRow,
	}
}

func (b *bridge) worker() *relay.Worker {
	return &relay.Worker{
		Queue:       b.queue,
		Handlers:    b.handlers(),
		MaxAttempts: b.cfg.Queue.MaxAttempts,
		Log:         b.log,
	}
}

func (b *bridge) poller() *mirror.Poller {
	excluded := make(map[string]struct{}, len(b.cfg.Sync.ExcludedClients))
	for _, code := range b.cfg.Sync.ExcludedClients {
		excluded[code] = struct{}{}
	}
	return &mirror.Poller{
		Ledger:          b.ledger,
		Primary:         b.primary,
		Secondary:       b.secondary,
		ExcludedClients: excluded,
		ProjectColor:    b.cfg.Mirror.ProjectColor,
		RateType:        b.cfg.Mirror.RateType,
		UserIDs:         b.cfg.Mirror.UserIDs,
		LabelIDs:        b.cfg.Mirror.LabelIDs,
		Log:             b.log,
	}
}
