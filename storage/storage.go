// Package storage handles persistence of the notification state record.
package storage

import (
	"bulletin-notifier/pkg/notifier"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"cloud.google.com/go/civil"
	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"github.com/gofrs/flock"
)

// ErrCorrupt indicates that a state record exists but cannot be decoded.
// Treating it as "no prior state" would resend an already delivered bulletin.
var ErrCorrupt = errors.New("state record is corrupt")

// ErrLocked indicates that another process owns the local state file.
var ErrLocked = errors.New("state file is locked by another process")

// Store persists the single state record, either in a local file or in a
// Cloud Storage object.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
	object    string
	lock      *flock.Flock
}

// NewLocal creates a store backed by the file at path.
func NewLocal(path string, logger *slog.Logger) *Store {
	return &Store{
		logger:    logger,
		localPath: path,
		lock:      flock.New(path + ".lock"),
	}
}

// NewBucket creates a store backed by bucket/object in Cloud Storage.
func NewBucket(client *storage.Client, bucket, object string, logger *slog.Logger) *Store {
	return &Store{
		client: client,
		logger: logger,
		bucket: bucket,
		object: object,
	}
}

// Location describes where the record lives, for logs and status.
func (s *Store) Location() string {
	if s.localPath != "" {
		return s.localPath
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, s.object)
}

// Lock takes exclusive ownership of the local state file for this process.
// It is a no-op for Cloud Storage.
func (s *Store) Lock() error {
	if s.lock == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.localPath), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	ok, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return ErrLocked
	}
	s.logger.Debug("State file lock acquired", "lock", s.lock.Path())
	return nil
}

// Unlock releases the lock taken by Lock.
func (s *Store) Unlock() error {
	if s.lock == nil {
		return nil
	}
	return s.lock.Unlock()
}

// Load reads the state record. A missing record yields the zero State.
func (s *Store) Load(ctx context.Context) (*notifier.State, error) {
	data, err := s.read(ctx)
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, storage.ErrObjectNotExist) {
		s.logger.Info("No prior state found, starting fresh", "location", s.Location())
		return &notifier.State{}, nil
	}
	if err != nil {
		return nil, err
	}

	var state notifier.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorrupt, s.Location(), err)
	}

	s.logger.Info("State loaded", "location", s.Location(), "last_seen_date", dateAttr(state.LastSeenDate))
	return &state, nil
}

// Save writes the state record atomically.
func (s *Store) Save(ctx context.Context, state *notifier.State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	data = append(data, '\n')

	if s.localPath != "" {
		if err := writeFileAtomic(s.localPath, data); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		s.logger.Debug("State saved to local storage", "path", s.localPath)
		return nil
	}

	// Object writes become visible only when Close succeeds, so readers never see a partial record.
	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(s.object).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying save operation after error", "attempt", n, "object", s.object, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	s.logger.Debug("State saved", "location", s.Location())
	return nil
}

func (s *Store) read(ctx context.Context) ([]byte, error) {
	if s.localPath != "" {
		data, err := os.ReadFile(s.localPath)
		if err != nil {
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
		return data, nil
	}

	var data []byte
	var notFound bool
	err := retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(s.object).NewReader(ctx)
			if openErr != nil {
				// Don't retry on "not found" errors
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					notFound = true
					return retry.Unrecoverable(openErr)
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying load operation after error", "attempt", n, "object", s.object, "error", retryErr)
		}),
	)
	if notFound {
		return nil, storage.ErrObjectNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	return data, nil
}

// writeFileAtomic writes data to a temp file in the target directory, syncs
// it, and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("rename temp file: %w", err)
	}

	// Persist the rename itself.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

func dateAttr(d *civil.Date) string {
	if d == nil {
		return ""
	}
	return d.String()
}
