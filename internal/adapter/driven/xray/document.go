package xray

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/hashicorp/go-multierror"
	"github.com/natefinch/atomic"

	"github.com/ericfisherdev/vpnpanel/internal/domain/port/driven"
)

const (
	backupPrefix = "config_backup_"
	backupLayout = "20060102_150405.000000"
	lockRetry    = 50 * time.Millisecond
)

// Compile-time interface satisfaction check.
var _ driven.ConfigDocument = (*FileDocument)(nil)

// FileDocument stores the engine config document on the local filesystem.
type FileDocument struct {
	path      string
	backupDir string
	retention int
	logger    *slog.Logger
	now       func() time.Time
}

// NewFileDocument creates a document store for path. Backups go to backupDir
// and only the newest retention backups are kept; retention <= 0 keeps all.
func NewFileDocument(path, backupDir string, retention int, logger *slog.Logger) *FileDocument {
	return &FileDocument{
		path:      path,
		backupDir: backupDir,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
}

// Path returns the document location.
func (d *FileDocument) Path() string { return d.path }

// Read returns the raw document bytes.
func (d *FileDocument) Read(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return nil, fmt.Errorf("read config document %s: %w", d.path, err)
	}
	return data, nil
}

// Write replaces the document through a temp file and rename, so readers
// never observe a partial document.
func (d *FileDocument) Write(_ context.Context, data []byte) error {
	if err := atomic.WriteFile(d.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write config document %s: %w", d.path, err)
	}
	return nil
}

// Backup writes data to a new timestamped file in the backup directory and
// trims old backups beyond the retention count.
func (d *FileDocument) Backup(_ context.Context, data []byte) (string, error) {
	if err := os.MkdirAll(d.backupDir, 0o750); err != nil {
		return "", fmt.Errorf("create backup dir %s: %w", d.backupDir, err)
	}

	stamp := strings.Replace(d.now().Format(backupLayout), ".", "_", 1)
	path := filepath.Join(d.backupDir, backupPrefix+stamp+".json")
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("write backup %s: %w", path, err)
	}

	if err := d.prune(); err != nil {
		d.logger.Warn("pruning config backups", "dir", d.backupDir, "error", err)
	}
	return path, nil
}

// Backups lists the backup files, oldest first.
func (d *FileDocument) Backups() ([]string, error) {
	entries, err := os.ReadDir(d.backupDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list backups %s: %w", d.backupDir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), backupPrefix) || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		names = append(names, filepath.Join(d.backupDir, e.Name()))
	}
	sort.Strings(names)
	return names, nil
}

func (d *FileDocument) prune() error {
	if d.retention <= 0 {
		return nil
	}
	backups, err := d.Backups()
	if err != nil {
		return err
	}
	if len(backups) <= d.retention {
		return nil
	}

	var result *multierror.Error
	for _, path := range backups[:len(backups)-d.retention] {
		if err := os.Remove(path); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Lock takes an exclusive advisory lock on a sibling lock file, waiting until
// ctx is done.
func (d *FileDocument) Lock(ctx context.Context) (func(), error) {
	lockPath := d.path + ".lock"
	lock := flock.New(lockPath)

	ok, err := lock.TryLockContext(ctx, lockRetry)
	if !ok {
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("acquire config lock %s: %w", lockPath, err)
	}

	return func() {
		if err := lock.Unlock(); err != nil {
			d.logger.Warn("releasing config lock", "path", lockPath, "error", err)
		}
	}, nil
}
