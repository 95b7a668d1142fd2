package inventory

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/medstock/medstock/internal/platform/blobstore"
)

// BackupPrefix starts every backup key.
const BackupPrefix = "medstock-"

// BackupKey names the backup taken at t.
func BackupKey(t time.Time) string {
	return BackupPrefix + t.UTC().Format("20060102T150405") + ".json"
}

// Backup writes the current snapshot to blobs and returns its info.
func Backup(ctx context.Context, svc *Service, blobs blobstore.Store, now time.Time) (blobstore.Info, error) {
	snap := svc.Snapshot()
	snap.SavedAt = now
	var buf bytes.Buffer
	if err := EncodeSnapshot(&buf, snap); err != nil {
		return blobstore.Info{}, fmt.Errorf("encode backup: %w", err)
	}
	info, err := blobs.Put(ctx, BackupKey(now), &buf)
	if err != nil {
		return blobstore.Info{}, fmt.Errorf("store backup: %w", err)
	}
	svc.logger.Info().Str("key", info.Key).Int64("bytes", info.Size).Msg("inventory backed up")
	return info, nil
}

// RestoreBackup replaces the session with the snapshot stored under key.
// An empty key restores the most recent backup.
func RestoreBackup(ctx context.Context, svc *Service, blobs blobstore.Store, key string) (string, error) {
	if key == "" {
		latest, err := blobstore.Latest(ctx, blobs, BackupPrefix)
		if err != nil {
			return "", err
		}
		key = latest.Key
	}
	rc, _, err := blobs.Get(ctx, key)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	snap, err := DecodeSnapshot(rc)
	if err != nil {
		return "", err
	}
	if err := svc.Restore(ctx, snap); err != nil {
		return "", err
	}
	svc.logger.Info().Str("key", key).Int("medicines", len(snap.Records)).Msg("inventory restored")
	return key, nil
}
