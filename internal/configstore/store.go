// Package configstore persists the provider configuration document with
// atomic writes, timestamped backups, and rollback. A corrupt live file
// must never take dispatch down: reads fall back to the newest valid
// backup and then to a default synthesized from bootstrap values.
package configstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/acme/outbound-fax-dispatch/pkg/errors"
	"github.com/acme/outbound-fax-dispatch/pkg/logger"
)

// BackupMeta describes one retained configuration backup.
type BackupMeta struct {
	ID        string    `json:"id"`
	Path      string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
}

// Options tunes store behaviour.
type Options struct {
	Path      string
	BackupDir string
	Retention int
	CacheTTL  time.Duration

	// Defaults applied when no configuration file exists.
	DefaultOutboundPlugin   string
	DefaultOutboundSettings map[string]string
}

// Store is the durable provider configuration store.
type Store struct {
	opts Options
	log  *logger.Logger

	mu       sync.RWMutex
	cached   *ProviderConfig
	cachedAt time.Time
}

const backupTimeFormat = "20060102T150405.000000000"

// New constructs a store. The configuration file need not exist yet.
func New(opts Options, log *logger.Logger) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("configstore: path required")
	}
	if opts.BackupDir == "" {
		opts.BackupDir = opts.Path + ".backups"
	}
	if opts.Retention <= 0 {
		opts.Retention = 10
	}
	if opts.CacheTTL <= 0 || opts.CacheTTL > time.Second {
		opts.CacheTTL = time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Store{opts: opts, log: log.Named("configstore")}, nil
}

// Read returns the current configuration. A missing file yields the
// bootstrap default; a corrupt file falls back to the newest valid backup
// before degrading to the default.
func (s *Store) Read() (*ProviderConfig, error) {
	s.mu.RLock()
	if s.cached != nil && time.Since(s.cachedAt) < s.opts.CacheTTL {
		cfg := s.cached.Clone()
		s.mu.RUnlock()
		return cfg, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	s.cached = cfg.Clone()
	s.cachedAt = time.Now()
	return cfg, nil
}

func (s *Store) readLocked() (*ProviderConfig, error) {
	raw, err := os.ReadFile(s.opts.Path)
	if os.IsNotExist(err) {
		return Default(s.opts.DefaultOutboundPlugin, s.opts.DefaultOutboundSettings), nil
	}
	if err != nil {
		return nil, fmt.Errorf("configstore: read %s: %w", s.opts.Path, err)
	}

	cfg, parseErr := parse(raw)
	if parseErr == nil {
		return cfg, nil
	}
	s.log.Warn("live config unreadable, trying backups", zap.Error(parseErr))

	backups, err := s.listBackupsLocked()
	if err == nil {
		for _, b := range backups {
			braw, rerr := os.ReadFile(b.Path)
			if rerr != nil {
				continue
			}
			if bcfg, berr := parse(braw); berr == nil {
				s.log.Warn("recovered config from backup", zap.String("backup_id", b.ID))
				return bcfg, nil
			}
		}
	}

	s.log.Error("no valid backup found, falling back to bootstrap default")
	return Default(s.opts.DefaultOutboundPlugin, s.opts.DefaultOutboundSettings), nil
}

func parse(raw []byte) (*ProviderConfig, error) {
	cfg := new(ProviderConfig)
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("configstore: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Write validates and atomically persists the configuration, backing up
// the prior file first. A crash mid-write never leaves a half-written
// live file.
func (s *Store) Write(cfg *ProviderConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.opts.Path), 0o755); err != nil {
		return fmt.Errorf("configstore: ensure dir: %w", err)
	}

	if _, err := os.Stat(s.opts.Path); err == nil {
		if err := s.backupLocked(); err != nil {
			return err
		}
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("configstore: marshal: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(s.opts.Path), ".provider_cfg_*")
	if err != nil {
		return fmt.Errorf("configstore: temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("configstore: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("configstore: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("configstore: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, s.opts.Path); err != nil {
		return fmt.Errorf("configstore: rename: %w", err)
	}

	s.cached = cfg.Clone()
	s.cachedAt = time.Now()
	s.log.Info("provider config written", zap.Int("version", cfg.Version))
	return nil
}

func (s *Store) backupLocked() error {
	if err := os.MkdirAll(s.opts.BackupDir, 0o755); err != nil {
		return fmt.Errorf("configstore: ensure backup dir: %w", err)
	}
	raw, err := os.ReadFile(s.opts.Path)
	if err != nil {
		return fmt.Errorf("configstore: read for backup: %w", err)
	}
	id := time.Now().UTC().Format(backupTimeFormat)
	dest := filepath.Join(s.opts.BackupDir, "config-"+id+".json")
	if err := os.WriteFile(dest, raw, 0o644); err != nil {
		return fmt.Errorf("configstore: write backup: %w", err)
	}
	s.pruneLocked()
	return nil
}

func (s *Store) pruneLocked() {
	backups, err := s.listBackupsLocked()
	if err != nil || len(backups) <= s.opts.Retention {
		return
	}
	for _, b := range backups[s.opts.Retention:] {
		if err := os.Remove(b.Path); err != nil {
			s.log.Warn("backup prune failed", zap.String("backup_id", b.ID), zap.Error(err))
		}
	}
}

// ListBackups returns retained backups, newest first.
func (s *Store) ListBackups() ([]BackupMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listBackupsLocked()
}

func (s *Store) listBackupsLocked() ([]BackupMeta, error) {
	entries, err := os.ReadDir(s.opts.BackupDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("configstore: list backups: %w", err)
	}

	var backups []BackupMeta
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "config-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, "config-"), ".json")
		ts, terr := time.Parse(backupTimeFormat, id)
		if terr != nil {
			continue
		}
		info, ierr := e.Info()
		if ierr != nil {
			continue
		}
		backups = append(backups, BackupMeta{
			ID:        id,
			Path:      filepath.Join(s.opts.BackupDir, name),
			CreatedAt: ts,
			Size:      info.Size(),
		})
	}
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	return backups, nil
}

// Rollback restores the identified backup (or the newest one when id is
// empty) as the live configuration and returns it. The replaced live file
// is itself backed up first, so a rollback can be rolled back.
func (s *Store) Rollback(backupID string) (*ProviderConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	backups, err := s.listBackupsLocked()
	if err != nil {
		return nil, err
	}
	if len(backups) == 0 {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, "configstore: no backups to roll back to")
	}

	var target *BackupMeta
	if backupID == "" {
		target = &backups[0]
	} else {
		for i := range backups {
			if backups[i].ID == backupID {
				target = &backups[i]
				break
			}
		}
	}
	if target == nil {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, fmt.Sprintf("configstore: backup %q not found", backupID))
	}

	raw, err := os.ReadFile(target.Path)
	if err != nil {
		return nil, fmt.Errorf("configstore: read backup: %w", err)
	}
	cfg, err := parse(raw)
	if err != nil {
		return nil, apperrors.Wrap(err, "configstore: backup is not a valid config")
	}

	if _, err := os.Stat(s.opts.Path); err == nil {
		if err := s.backupLocked(); err != nil {
			return nil, err
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.opts.Path), ".provider_cfg_*")
	if err != nil {
		return nil, fmt.Errorf("configstore: temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("configstore: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("configstore: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("configstore: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, s.opts.Path); err != nil {
		return nil, fmt.Errorf("configstore: rename: %w", err)
	}

	s.cached = cfg.Clone()
	s.cachedAt = time.Now()
	s.log.Info("provider config rolled back", zap.String("backup_id", target.ID))
	return cfg, nil
}
