package fetch

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"github.com/anyway-dev/dbrestore/internal/config"
	"github.com/anyway-dev/dbrestore/internal/restore"
)

// objectStore is the slice of the S3 API the fetcher needs. Narrowed to an
// interface so tests can simulate store failures without a live endpoint.
type objectStore interface {
	Stat(ctx context.Context) (minio.ObjectInfo, error)
	Get(ctx context.Context) (io.ReadCloser, error)
}

// minioStore adapts a minio client to objectStore
type minioStore struct {
	client *minio.Client
	bucket string
	key    string
}

func (s *minioStore) Stat(ctx context.Context) (minio.ObjectInfo, error) {
	return s.client.StatObject(ctx, s.bucket, s.key, minio.StatObjectOptions{})
}

func (s *minioStore) Get(ctx context.Context) (io.ReadCloser, error) {
	return s.client.GetObject(ctx, s.bucket, s.key, minio.GetObjectOptions{})
}

// Fetcher downloads the dump artifact from S3-compatible object storage.
// Transient failures are retried with exponential backoff up to the
// configured attempt budget; permanent failures (missing object, rejected
// credentials) surface immediately.
type Fetcher struct {
	store     objectStore
	bucket    string
	key       string
	localPath string
	attempts  int
	logger    zerolog.Logger

	// retry pacing, shortened in tests
	retryBase time.Duration
	retryCap  time.Duration
}

// New creates a fetcher for the object and local path named in cfg
func New(cfg *config.Config, logger zerolog.Logger) (*Fetcher, error) {
	client, err := minio.New(cfg.Store.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Store.AccessKeyID, cfg.Store.SecretAccessKey, ""),
		Secure: !cfg.Store.DisableTLS,
		Region: cfg.Store.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	store := &minioStore{client: client, bucket: cfg.Store.Bucket, key: cfg.Store.Key}
	return newWithStore(store, cfg, logger), nil
}

func newWithStore(store objectStore, cfg *config.Config, logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		store:     store,
		bucket:    cfg.Store.Bucket,
		key:       cfg.Store.Key,
		localPath: cfg.Restore.DumpPath,
		attempts:  cfg.Restore.FetchAttempts,
		logger:    logger.With().Str("component", "fetcher").Logger(),
		retryBase: time.Second,
		retryCap:  30 * time.Second,
	}
}

// Fetch downloads the object to the configured local path and returns the
// resulting artifact. A complete local file left by a previous run is
// reused when its size and checksum still match the remote object; a
// truncated or stale file is re-downloaded from scratch.
func (f *Fetcher) Fetch(ctx context.Context) (*restore.DumpArtifact, error) {
	var artifact *restore.DumpArtifact
	attempt := 0

	op := func() error {
		attempt++

		info, err := f.store.Stat(ctx)
		if err != nil {
			return f.classify("stat", err)
		}

		if a := f.reuseLocal(info); a != nil {
			f.logger.Info().
				Str("path", a.LocalPath).
				Int64("size_bytes", a.Size).
				Msg("Local dump matches remote object, skipping download")
			artifact = a
			return nil
		}

		a, err := f.download(ctx, info)
		if err != nil {
			return f.classify("download", err)
		}
		artifact = a
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.retryBase
	bo.MaxInterval = f.retryCap
	bo.MaxElapsedTime = 0 // bounded by attempt count, not wall clock

	notify := func(err error, wait time.Duration) {
		f.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("Transient fetch failure, will retry")
	}

	err := backoff.RetryNotify(op,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(f.attempts-1)), ctx),
		notify)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var fe *restore.FetchError
		if errors.As(err, &fe) && !fe.Permanent {
			// transient failures all the way through the budget
			return nil, &restore.FetchError{
				Op: fe.Op, Bucket: f.bucket, Key: f.key,
				Permanent: true, Exhausted: true, Err: fe.Err,
			}
		}
		return nil, err
	}

	return artifact, nil
}

// classify wraps a store error, marking it permanent when a retry cannot
// help. Permanent errors are wrapped for backoff so the retry loop stops.
func (f *Fetcher) classify(op string, err error) error {
	fe := &restore.FetchError{Op: op, Bucket: f.bucket, Key: f.key, Err: err}
	if isPermanent(err) {
		fe.Permanent = true
		return backoff.Permanent(fe)
	}
	return fe
}

// isPermanent reports whether a store error cannot be fixed by retrying.
// Timeouts, connection resets and 5xx responses are transient; missing
// objects and rejected credentials are not.
func isPermanent(err error) bool {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "InvalidBucketName",
		"AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return true
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != 408 && resp.StatusCode != 429 {
		return true
	}
	return false
}

// download streams the object into localPath + ".partial" and renames it
// into place only after the full body arrived, so a killed run can never
// leave a truncated file at the final path.
func (f *Fetcher) download(ctx context.Context, info minio.ObjectInfo) (*restore.DumpArtifact, error) {
	rc, err := f.store.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	partial := f.localPath + ".partial"
	file, err := os.Create(partial)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", partial, err)
	}

	hash := md5.New()
	n, copyErr := io.Copy(io.MultiWriter(file, hash), rc)
	if copyErr == nil {
		copyErr = file.Sync()
	}
	if closeErr := file.Close(); copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		os.Remove(partial)
		return nil, copyErr
	}

	if info.Size > 0 && n != info.Size {
		os.Remove(partial)
		return nil, fmt.Errorf("truncated download: got %d of %d bytes", n, info.Size)
	}

	if err := os.Rename(partial, f.localPath); err != nil {
		os.Remove(partial)
		return nil, fmt.Errorf("failed to move dump into place: %w", err)
	}

	return &restore.DumpArtifact{
		Bucket:    f.bucket,
		Key:       f.key,
		LocalPath: f.localPath,
		Size:      n,
		ETag:      info.ETag,
		Checksum:  hex.EncodeToString(hash.Sum(nil)),
	}, nil
}

// reuseLocal returns an artifact for an existing local file that provably
// matches the remote object, or nil if it must be (re)downloaded.
// Multipart ETags are not content digests, so those objects are always
// re-downloaded rather than trusted.
func (f *Fetcher) reuseLocal(info minio.ObjectInfo) *restore.DumpArtifact {
	etag := strings.Trim(info.ETag, `"`)
	if etag == "" || strings.Contains(etag, "-") {
		return nil
	}

	st, err := os.Stat(f.localPath)
	if err != nil || st.Size() != info.Size {
		return nil
	}

	sum, err := fileMD5(f.localPath)
	if err != nil || !strings.EqualFold(sum, etag) {
		return nil
	}

	return &restore.DumpArtifact{
		Bucket:    f.bucket,
		Key:       f.key,
		LocalPath: f.localPath,
		Size:      st.Size(),
		ETag:      info.ETag,
		Checksum:  sum,
	}
}

func fileMD5(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := md5.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
