// Package backup takes periodic compressed snapshots of lattice databases.
package backup

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/HyphaGroup/lattice/internal/logger"
)

const (
	snapshotExt  = ".db.gz"
	stampLayout  = "20060102_150405"
	tempFileName = ".snapshot.tmp"
)

// Source is a database that can write a consistent copy of itself
type Source interface {
	SnapshotTo(ctx context.Context, path string) error
}

// Manager handles snapshot and restore operations.
type Manager struct {
	sources   map[string]Source
	backupDir string
	retention int
	interval  time.Duration
	now       func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds backup configuration.
type Config struct {
	BackupDir string
	Retention int           // snapshots kept per source
	Interval  time.Duration // 0 disables periodic snapshots
}

// Snapshot represents one stored database copy.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Filename  string    `json:"filename"`
	SizeBytes int64     `json:"size_bytes"`
}

// New creates a Manager for the named sources. Names must not contain '_'.
func New(cfg Config, sources map[string]Source) (*Manager, error) {
	for name := range sources {
		if name == "" || strings.Contains(name, "_") {
			return nil, fmt.Errorf("invalid backup source name %q", name)
		}
	}
	if err := os.MkdirAll(cfg.BackupDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	return &Manager{
		sources:   sources,
		backupDir: cfg.BackupDir,
		retention: cfg.Retention,
		interval:  cfg.Interval,
		now:       time.Now,
	}, nil
}

// Start begins periodic snapshots if interval > 0.
func (m *Manager) Start() {
	if m.interval <= 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.BackupAll(ctx); err != nil && ctx.Err() == nil {
					logger.Error("backup failed: %v", err)
				}
			}
		}
	}()

	logger.Info("backup automation started (interval=%v, retention=%d)", m.interval, m.retention)
}

// Stop halts periodic snapshots.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		m.wg.Wait()
		logger.Info("backup automation stopped")
	}
}

// Backup snapshots a single source.
func (m *Manager) Backup(ctx context.Context, name string) (*Snapshot, error) {
	src, ok := m.sources[name]
	if !ok {
		return nil, fmt.Errorf("backup source not found: %s", name)
	}

	timestamp := m.now().UTC()
	filename := name + "_" + timestamp.Format(stampLayout) + snapshotExt
	backupPath := filepath.Join(m.backupDir, filename)

	// VACUUM INTO refuses to overwrite, so the raw copy lands in a fresh temp dir
	tmpDir, err := os.MkdirTemp(m.backupDir, "tmp-"+name+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	rawPath := filepath.Join(tmpDir, tempFileName)
	if err := src.SnapshotTo(ctx, rawPath); err != nil {
		return nil, err
	}

	if err := compressFile(rawPath, backupPath); err != nil {
		_ = os.Remove(backupPath)
		return nil, fmt.Errorf("failed to write backup: %w", err)
	}

	stat, err := os.Stat(backupPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat backup: %w", err)
	}

	snapshot := &Snapshot{
		Timestamp: timestamp,
		Source:    name,
		Filename:  filename,
		SizeBytes: stat.Size(),
	}

	logger.Info("created backup: %s (%d bytes)", filename, stat.Size())

	m.enforceRetention(name)

	return snapshot, nil
}

// BackupAll snapshots every source, continuing past individual failures.
func (m *Manager) BackupAll(ctx context.Context) ([]Snapshot, error) {
	names := make([]string, 0, len(m.sources))
	for name := range m.sources {
		names = append(names, name)
	}
	sort.Strings(names)

	var snapshots []Snapshot
	var errs []error
	for _, name := range names {
		snap, err := m.Backup(ctx, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		snapshots = append(snapshots, *snap)
	}

	return snapshots, errors.Join(errs...)
}

// Restore decompresses a snapshot to destPath. destPath must not exist;
// restoring over a live database is left to the operator.
func (m *Manager) Restore(filename, destPath string) error {
	if filepath.Base(filename) != filename || !strings.HasSuffix(filename, snapshotExt) {
		return fmt.Errorf("invalid backup filename: %s", filename)
	}
	backupPath := filepath.Join(m.backupDir, filename)
	if _, err := os.Stat(backupPath); os.IsNotExist(err) {
		return fmt.Errorf("backup not found: %s", filename)
	}

	file, err := os.Open(backupPath)
	if err != nil {
		return fmt.Errorf("failed to open backup: %w", err)
	}
	defer func() { _ = file.Close() }()

	gr, err := gzip.NewReader(file)
	if err != nil {
		return fmt.Errorf("failed to decompress backup: %w", err)
	}
	defer func() { _ = gr.Close() }()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create restore target: %w", err)
	}
	if _, err := io.Copy(out, gr); err != nil {
		_ = out.Close()
		_ = os.Remove(destPath)
		return fmt.Errorf("failed to write restore target: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close restore target: %w", err)
	}

	logger.Info("restored backup %s to %s", filename, destPath)
	return nil
}

// ListSnapshots returns stored snapshots newest first, optionally filtered by source.
func (m *Manager) ListSnapshots(source string) ([]Snapshot, error) {
	entries, err := os.ReadDir(m.backupDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var snapshots []Snapshot
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), snapshotExt) {
			continue
		}

		// name_YYYYMMDD_HHMMSS.db.gz
		parts := strings.Split(strings.TrimSuffix(entry.Name(), snapshotExt), "_")
		if len(parts) != 3 {
			continue
		}
		if source != "" && parts[0] != source {
			continue
		}

		timestamp, err := time.Parse(stampLayout, parts[1]+"_"+parts[2])
		if err != nil {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		snapshots = append(snapshots, Snapshot{
			Timestamp: timestamp,
			Source:    parts[0],
			Filename:  entry.Name(),
			SizeBytes: info.Size(),
		})
	}

	sort.Slice(snapshots, func(i, j int) bool {
		if snapshots[i].Timestamp.Equal(snapshots[j].Timestamp) {
			return snapshots[i].Filename < snapshots[j].Filename
		}
		return snapshots[i].Timestamp.After(snapshots[j].Timestamp)
	})

	return snapshots, nil
}

func (m *Manager) enforceRetention(source string) {
	if m.retention <= 0 {
		return
	}
	snapshots, err := m.ListSnapshots(source)
	if err != nil {
		return
	}

	for i := m.retention; i < len(snapshots); i++ {
		backupPath := filepath.Join(m.backupDir, snapshots[i].Filename)
		if err := os.Remove(backupPath); err == nil {
			logger.Info("removed old backup: %s", snapshots[i].Filename)
		}
	}
}

// ExportManifest creates a JSON manifest of all snapshots.
func (m *Manager) ExportManifest() ([]byte, error) {
	snapshots, err := m.ListSnapshots("")
	if err != nil {
		return nil, err
	}

	manifest := struct {
		ExportedAt time.Time  `json:"exported_at"`
		BackupDir  string     `json:"backup_dir"`
		Snapshots  []Snapshot `json:"snapshots"`
	}{
		ExportedAt: m.now().UTC(),
		BackupDir:  m.backupDir,
		Snapshots:  snapshots,
	}

	return json.MarshalIndent(manifest, "", "  ")
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	gw := gzip.NewWriter(out)
	if _, err := io.Copy(gw, in); err != nil {
		_ = gw.Close()
		_ = out.Close()
		return err
	}
	if err := gw.Close(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
