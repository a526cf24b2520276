package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNotFound means no installation record exists yet. A normal,
	// expected condition: callers present the setup path.
	ErrNotFound = errors.New("no installation state found")

	// ErrCorrupt means the state file exists but cannot be parsed or fails
	// schema validation. Never auto-repaired; callers offer
	// reconfiguration or restore from backup.
	ErrCorrupt = errors.New("installation state is corrupt")

	// ErrIncompatible means the record was written by an incompatible
	// schema major version.
	ErrIncompatible = errors.New("installation state schema is incompatible")

	// ErrWriterLock means the process attempted to write without holding
	// the installer's advisory writer lock.
	ErrWriterLock = errors.New("writer lock not held")
)

// schemaConstraint accepts any 1.x record.
var schemaConstraint = mustConstraint("^1")

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// Store reads and writes the installation record at a fixed path. A Store
// is read-only until AcquireWriterLock succeeds; the monitor process never
// acquires the lock.
type Store struct {
	path string
	lock *flock.Flock
}

// NewStore creates a store for the record at path. No I/O happens until
// the first Read or Write.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the path of the persisted record.
func (s *Store) Path() string {
	return s.path
}

// AcquireWriterLock takes the advisory flock that marks this process as
// the single writer. It fails fast when another installer already holds
// it, instead of corrupting the record concurrently.
func (s *Store) AcquireWriterLock() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	lock := flock.New(s.path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire writer lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another installer instance holds the writer lock on %s", lock.Path())
	}
	s.lock = lock

	log.Debug().Str("lock", lock.Path()).Msg("Writer lock acquired")
	return nil
}

// ReleaseWriterLock releases the advisory writer lock, if held.
func (s *Store) ReleaseWriterLock() {
	if s.lock == nil {
		return
	}
	if err := s.lock.Unlock(); err != nil {
		log.Warn().Err(err).Msg("Failed to release writer lock")
	}
	s.lock = nil
}

// Read parses the persisted record. A missing file is ErrNotFound,
// unparseable or invalid content is ErrCorrupt, and a record from a future
// schema major version is ErrIncompatible.
func (s *Store) Read() (*InstallationState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var st InstallationState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := st.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	v, err := semver.NewVersion(st.SchemaVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: bad schema version %q", ErrCorrupt, st.SchemaVersion)
	}
	if !schemaConstraint.Check(v) {
		return nil, fmt.Errorf("%w: record version %s, supported ^1", ErrIncompatible, st.SchemaVersion)
	}

	return &st, nil
}

// Write persists the record atomically: validate, normalize, refresh
// LastModified, write a temp file in the same directory and rename it into
// place. Readers never observe a partial write. Requires the writer lock.
func (s *Store) Write(st *InstallationState) error {
	if s.lock == nil {
		return ErrWriterLock
	}

	st.Normalize()
	st.LastModified = time.Now().UTC()
	if err := st.Validate(); err != nil {
		return fmt.Errorf("refusing to persist invalid state: %w", err)
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".installation-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod temp state file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	log.Debug().Str("path", s.path).Str("phase", string(st.Phase)).Msg("Installation state persisted")
	return nil
}

// BackupCorrupt moves an unreadable record aside so a fresh install can
// proceed without destroying it. Returns the backup path. Requires the
// writer lock; never called on a record that Read accepts.
func (s *Store) BackupCorrupt() (string, error) {
	if s.lock == nil {
		return "", ErrWriterLock
	}

	backup := fmt.Sprintf("%s.corrupt-%s", s.path, time.Now().UTC().Format("20060102T150405Z"))
	if err := os.Rename(s.path, backup); err != nil {
		return "", fmt.Errorf("failed to move corrupt state file aside: %w", err)
	}

	log.Warn().Str("path", s.path).Str("backup", backup).Msg("Unreadable installation record moved aside")
	return backup, nil
}

// Update is a read-modify-write convenience. Not a transaction across
// processes; the writer-lock discipline makes the single-writer assumption
// hold.
func (s *Store) Update(fn func(*InstallationState) error) error {
	st, err := s.Read()
	if err != nil {
		return err
	}
	if err := fn(st); err != nil {
		return err
	}
	return s.Write(st)
}

// HasInstallation reports whether a readable installation record exists.
func (s *Store) HasInstallation() bool {
	_, err := s.Read()
	return err == nil
}
