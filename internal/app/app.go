package app

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"icebox-go/internal/backend"
	"icebox-go/internal/codec"
	"icebox-go/internal/config"
	"icebox-go/internal/icebox"
	"icebox-go/internal/store"
)

// App is the application layer between the CLI and the BoxService. It owns
// the box lock, the database connection and the log file; the caller must
// call Close when done.
type App struct {
	Service *icebox.BoxService

	cfg     *config.BoxConfig
	store   icebox.Store
	lock    *flock.Flock
	logFile *os.File
}

// Open resolves a box from the registry, acquires its exclusive lock and
// wires up a BoxService. operation names the CLI command for log lines.
func Open(baseDir, boxName, operation string) (*App, error) {
	cfg, err := config.LoadBox(baseDir, boxName)
	if err != nil {
		return nil, err
	}

	boxDir := config.BoxDir(baseDir, boxName)

	lock, err := lockBox(boxDir)
	if err != nil {
		return nil, err
	}

	// Every failure below must release the lock.
	st, err := store.Open(filepath.Join(boxDir, config.DatabaseFileName))
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("opening box database: %w", err)
	}

	be, err := backend.New(cfg)
	if err != nil {
		st.Close()
		lock.Unlock()
		return nil, fmt.Errorf("creating backend: %w", err)
	}

	opID := operation + "-" + time.Now().UTC().Format("20060102T150405Z")
	logger, logFile, err := newLogger(boxDir, opID)
	if err != nil {
		st.Close()
		lock.Unlock()
		return nil, err
	}

	clock := icebox.RealClock{}
	cdc := codec.NewAgeCodec(config.KeyPath(baseDir, boxName), clock)

	svc := icebox.NewBoxService(st, be, cdc, &slogAdapter{l: logger}, clock, icebox.UUIDGenerator{})

	return &App{
		Service: svc,
		cfg:     cfg,
		store:   st,
		lock:    lock,
		logFile: logFile,
	}, nil
}

// Close releases the box lock and closes the database and log file.
func (a *App) Close() error {
	var firstErr error

	if err := a.store.Close(); err != nil {
		firstErr = fmt.Errorf("closing box database: %w", err)
	}
	if err := a.lock.Unlock(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("releasing box lock: %w", err)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}

// InitBox creates a new box: generates its key identity, validates backend
// access and writes the registry entry. The config file is written last so
// a half-initialized box is never considered to exist.
func InitBox(baseDir string, cfg *config.BoxConfig) error {
	if config.BoxExists(baseDir, cfg.Name) {
		return fmt.Errorf("box already exists: %s", cfg.Name)
	}

	boxDir := config.BoxDir(baseDir, cfg.Name)
	if err := os.MkdirAll(boxDir, 0700); err != nil {
		return fmt.Errorf("creating box directory: %w", err)
	}

	keyPath := config.KeyPath(baseDir, cfg.Name)
	if _, err := os.Stat(keyPath); os.IsNotExist(err) {
		if err := codec.GenerateKey(keyPath); err != nil {
			return fmt.Errorf("generating encryption key: %w", err)
		}
	}

	be, err := backend.New(cfg)
	if err != nil {
		return fmt.Errorf("creating backend: %w", err)
	}
	if err := be.Validate(); err != nil {
		return fmt.Errorf("backend access check failed: %w", err)
	}

	if err := config.InitBox(baseDir, cfg); err != nil {
		return err
	}
	return nil
}
