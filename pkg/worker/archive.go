package worker

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ArchiveConfig configures the optional S3-compatible log archival step.
// It is the Go analogue of the original's boto3-against-a-custom-endpoint
// settings (S3_ENDPOINT_URL, S3_BUCKET, ...).
type ArchiveConfig struct {
	Enabled           bool
	Endpoint          string
	AccessKeyID       string
	SecretAccessKey   string
	UseSSL            bool
	Bucket            string
	KeyPrefix         string
	PublicBaseURL     string // if set, Archive returns a URL under this base instead of an s3:// URI
	DeleteAfterUpload bool
}

// LocalLogPolicy controls how long finished jobs' local log files are kept
// once they are no longer the authoritative record (either because they
// were archived, or because retention alone governs them).
type LocalLogPolicy struct {
	RetentionHours int
}

// LogArchiver uploads a finished run's log file to S3-compatible storage.
// A nil *LogArchiver disables archival entirely; Archive on a nil receiver
// is a no-op returning an empty URL, so callers do not need a separate
// enabled check.
type LogArchiver struct {
	cfg    ArchiveConfig
	client *minio.Client
}

// NewLogArchiver builds a LogArchiver from cfg, or returns (nil, nil) when
// archival is disabled.
func NewLogArchiver(cfg ArchiveConfig) (*LogArchiver, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("log archiver: %w", err)
	}
	return &LogArchiver{cfg: cfg, client: client}, nil
}

// Archive uploads localPath under a key derived from jobRunID and returns
// the reference to store in JobRun.LogRef: a public URL if PublicBaseURL is
// configured, otherwise an s3://bucket/key URI. On upload failure the
// caller keeps the local log path as LogRef and appends the error to the
// run's error summary instead of losing the log reference entirely.
func (a *LogArchiver) Archive(ctx context.Context, jobRunID, localPath string) (string, error) {
	if a == nil {
		return "", nil
	}
	key := path.Join(a.cfg.KeyPrefix, jobRunID+".log")
	if _, err := a.client.FPutObject(ctx, a.cfg.Bucket, key, localPath, minio.PutObjectOptions{
		ContentType: "text/plain; charset=utf-8",
	}); err != nil {
		return "", fmt.Errorf("upload log to s3: %w", err)
	}

	var ref string
	if a.cfg.PublicBaseURL != "" {
		ref = strings.TrimRight(a.cfg.PublicBaseURL, "/") + "/" + key
	} else {
		ref = fmt.Sprintf("s3://%s/%s", a.cfg.Bucket, key)
	}

	if a.cfg.DeleteAfterUpload {
		_ = os.Remove(localPath)
	}
	return ref, nil
}

// cleanupOldLocalLogs removes jobrun_*.log files in dir whose modification
// time is older than policy.RetentionHours. RetentionHours <= 0 disables
// the sweep, mirroring the original's opt-in local retention policy.
func cleanupOldLocalLogs(dir string, policy LocalLogPolicy, now time.Time) (removed int, err error) {
	if policy.RetentionHours <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := now.Add(-time.Duration(policy.RetentionHours) * time.Hour)
	for _, e := range entries {
		if e.IsDir() || !isJobRunLogName(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if rmErr := os.Remove(filepath.Join(dir, e.Name())); rmErr == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func isJobRunLogName(name string) bool {
	return strings.HasPrefix(name, "jobrun_") && strings.HasSuffix(name, ".log")
}
