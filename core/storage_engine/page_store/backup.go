package pagestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sushant-115/gojopage/core/storage_engine/common"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// ManifestFile is the name of the backup manifest written next to the copies.
const ManifestFile = "MANIFEST.yaml"

// BackupFile is one copied partition file.
type BackupFile struct {
	GroupID     int32  `yaml:"group_id"`
	PartitionID int    `yaml:"partition_id"`
	Path        string `yaml:"path"`
	Bytes       int64  `yaml:"bytes"`
	SHA256      string `yaml:"sha256"`
}

// BackupManifest describes a finished backup.
type BackupManifest struct {
	CheckpointID uuid.UUID    `yaml:"checkpoint_id"`
	PageSize     int          `yaml:"page_size"`
	CreatedAt    time.Time    `yaml:"created_at"`
	Files        []BackupFile `yaml:"files"`
}

// Backup checkpoints, then copies the main page files of every open partition
// into dir. The copy is the state of that checkpoint: it can be opened as the
// Dir of a new engine. Pages evicted after the checkpoint stay in the delta
// files and are not copied.
func (e *Engine) Backup(ctx context.Context, dir string) (BackupManifest, error) {
	if err := e.Checkpoint(ctx, "backup"); err != nil {
		return BackupManifest{}, err
	}
	var limiter *rate.Limiter
	if e.cfg.BackupBytesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(e.cfg.BackupBytesPerSecond), int(max(e.cfg.BackupBytesPerSecond, int64(e.cfg.PageSize))))
	}

	manifest := BackupManifest{PageSize: e.cfg.PageSize, CreatedAt: time.Now().UTC()}
	err := e.cpm.BetweenCheckpoints(func() error {
		if res, ok := e.cpm.LastResult(); ok {
			manifest.CheckpointID = res.ID
		}
		for _, f := range e.store.PartitionFiles() {
			res, err := common.CopyFileThrottled(ctx, f.Path, filepath.Join(dir, f.RelPath), limiter)
			if err != nil {
				return fmt.Errorf("backup of group %d partition %d: %w", f.GroupID, f.PartitionID, err)
			}
			manifest.Files = append(manifest.Files, BackupFile{
				GroupID:     f.GroupID,
				PartitionID: f.PartitionID,
				Path:        f.RelPath,
				Bytes:       res.Bytes,
				SHA256:      res.SHA256,
			})
		}
		return nil
	})
	if err != nil {
		e.logger.Error("Backup failed", zap.String("dir", dir), zap.Error(err))
		return BackupManifest{}, err
	}

	data, err := yaml.Marshal(&manifest)
	if err != nil {
		return BackupManifest{}, fmt.Errorf("encode backup manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), data, 0644); err != nil {
		return BackupManifest{}, fmt.Errorf("write backup manifest: %w", err)
	}
	e.logger.Info("Backup finished", zap.String("dir", dir),
		zap.Stringer("checkpointID", manifest.CheckpointID), zap.Int("files", len(manifest.Files)))
	return manifest, nil
}

// VerifyBackup checks every file listed in the manifest of dir against its
// recorded checksum.
func VerifyBackup(dir string) (BackupManifest, error) {
	var manifest BackupManifest
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return manifest, fmt.Errorf("read backup manifest: %w", err)
	}
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return manifest, fmt.Errorf("decode backup manifest: %w", err)
	}
	for _, f := range manifest.Files {
		sum, err := common.FileSHA256(filepath.Join(dir, f.Path))
		if err != nil {
			return manifest, fmt.Errorf("backup file %s: %w", f.Path, err)
		}
		if sum != f.SHA256 {
			return manifest, fmt.Errorf("backup file %s: checksum %s, manifest says %s", f.Path, sum, f.SHA256)
		}
	}
	return manifest, nil
}
