package wallet

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/elnosh/nutsack/cashu"
	"github.com/elnosh/nutsack/wallet/storage"
	"github.com/elnosh/nutsack/wallet/storage/sqlite"
)

type DBBackend string

const (
	BoltBackend   DBBackend = "bolt"
	SQLiteBackend DBBackend = "sqlite"
)

const (
	defaultPollInterval      = 5 * time.Second
	defaultPollMaxIterations = 120
	defaultPendingMintTTL    = 7 * 24 * time.Hour
)

type Config struct {
	WalletPath     string
	CurrentMintURL string
	Unit           cashu.Unit
	DBBackend      DBBackend

	PollInterval      time.Duration
	PollMaxIterations int
	// pending mint records older than this are removed
	// if the quote expired without being paid
	PendingMintTTL time.Duration

	// relays used for nostr payment requests
	Relays []string
	// Deliverer sends payment payloads. Defaults to
	// the http and nostr transports.
	Deliverer PayloadDeliverer

	// if nil, logs are written to wallet.log in WalletPath
	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.DBBackend == "" {
		c.DBBackend = BoltBackend
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.PollMaxIterations == 0 {
		c.PollMaxIterations = defaultPollMaxIterations
	}
	if c.PendingMintTTL == 0 {
		c.PendingMintTTL = defaultPendingMintTTL
	}
}

func InitStorage(backend DBBackend, path string) (storage.DB, error) {
	switch backend {
	case BoltBackend:
		db, err := storage.InitBolt(path)
		if err != nil {
			return nil, err
		}
		return db, nil
	case SQLiteBackend:
		db, err := sqlite.InitSQLite(path)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown db backend '%v'", backend)
	}
}

func setupLogger(config Config) (*slog.Logger, io.Closer, error) {
	if config.Logger != nil {
		return config.Logger, nil, nil
	}

	logFile, err := os.OpenFile(filepath.Join(config.WalletPath, "wallet.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, nil, fmt.Errorf("error opening log file: %v", err)
	}
	handler := slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), logFile, nil
}

func (w *Wallet) logInfof(format string, args ...any) {
	w.logger.Info(fmt.Sprintf(format, args...))
}

func (w *Wallet) logErrorf(format string, args ...any) {
	w.logger.Error(fmt.Sprintf(format, args...))
}

func (w *Wallet) logDebugf(format string, args ...any) {
	w.logger.Debug(fmt.Sprintf(format, args...))
}
