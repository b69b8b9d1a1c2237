package sqlite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// BackupOptions configures the periodic backup loop.
type BackupOptions struct {
	Dir       string
	Interval  time.Duration
	Retention time.Duration
	// FirstDelay postpones the first backup after start.
	FirstDelay time.Duration
}

// BackupService copies the database into timestamped files and prunes old ones.
type BackupService struct {
	db     *DB
	opts   BackupOptions
	logger zerolog.Logger
}

func NewBackupService(db *DB, opts BackupOptions, logger *zerolog.Logger) *BackupService {
	if opts.Dir == "" {
		opts.Dir = "backups"
	}
	if opts.Interval <= 0 {
		opts.Interval = 24 * time.Hour
	}
	if opts.Retention <= 0 {
		opts.Retention = 14 * 24 * time.Hour
	}
	return &BackupService{
		db:     db,
		opts:   opts,
		logger: logger.With().Str("component", "backup").Logger(),
	}
}

// Start runs backups until ctx is done.
func (s *BackupService) Start(ctx context.Context) {
	if err := os.MkdirAll(s.opts.Dir, 0o755); err != nil {
		s.logger.Error().Err(err).Msg("failed to create backup directory")
		return
	}

	s.logger.Info().Dur("interval", s.opts.Interval).Str("dir", s.opts.Dir).Msg("backup service started")

	select {
	case <-time.After(s.opts.FirstDelay):
		s.runOnce(ctx)
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *BackupService) runOnce(ctx context.Context) {
	dest := filepath.Join(s.opts.Dir, fmt.Sprintf("slotkeeper_%s.db", time.Now().Format("20060102_150405")))

	s.logger.Info().Str("path", dest).Msg("starting database backup")
	if err := s.db.Backup(ctx, dest); err != nil {
		s.logger.Error().Err(err).Msg("backup failed")
	} else {
		s.logger.Info().Msg("backup completed successfully")
	}

	deleted, err := CleanupBackups(s.opts.Dir, s.opts.Retention, time.Now())
	if err != nil {
		s.logger.Error().Err(err).Msg("backup cleanup failed")
	} else if deleted > 0 {
		s.logger.Info().Int("deleted", deleted).Msg("cleaned up old backups")
	}
}

// Backup writes a consistent snapshot of the database to dest.
func (db *DB) Backup(ctx context.Context, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("backup %s: file exists", dest)
	}
	if _, err := db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return fmt.Errorf("vacuum into %s: %w", dest, err)
	}
	return nil
}

// CleanupBackups removes backup files older than retention and returns how many were deleted.
func CleanupBackups(dir string, retention time.Duration, now time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}

	cutoff := now.Add(-retention)
	deleted := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "slotkeeper_") || !strings.HasSuffix(e.Name(), ".db") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				return deleted, err
			}
			deleted++
		}
	}
	return deleted, nil
}
