// Package session persists the single in-flight SessionRecord to disk
// so an interrupted upload can resume across process restarts.
// Exactly one record is kept per local-directory scope, named by a
// hash of that directory's path so concurrent invocations against
// different directories never collide.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aqla/vaultsync/internal/model"
	"github.com/aqla/vaultsync/internal/vlog"
)

// Retention is how long a stale SessionRecord is kept on disk before
// Sweep removes it, conservatively below the server-side session TTL.
const Retention = 5 * 24 * time.Hour

// Store is a single-slot, atomic, on-disk SessionRecord store scoped to
// one local directory.
type Store struct {
	dir  string // directory the store's files live in
	path string // the one record file for this local directory scope
}

// Open returns a Store for localDir, keeping its record file in
// stateDir. The record's filename is derived from the SHA-256 hash of
// the lowercased, cleaned localDir so the same directory always maps
// to the same file regardless of case on case-insensitive filesystems.
func Open(stateDir, localDir string) (*Store, error) {
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("session: create state dir: %w", err)
	}
	key := strings.ToLower(filepath.Clean(localDir))
	sum := sha256.Sum256([]byte(key))
	name := "session-" + hex.EncodeToString(sum[:])[:32] + ".json"
	return &Store{dir: stateDir, path: filepath.Join(stateDir, name)}, nil
}

// DefaultStateDir is where session records live when the caller has no
// better idea: an application-named directory under the per-user
// config area.
func DefaultStateDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("session: locate user config dir: %w", err)
	}
	return filepath.Join(base, "DropboxEncryptedUploader"), nil
}

// Load reads the stored SessionRecord. A corrupt or unreadable store
// is never fatal: it is logged as a warning and Load returns
// (nil, nil), the same as if nothing had ever been saved.
func (s *Store) Load() (*model.SessionRecord, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		vlog.Errorf("session", "read %s: %v", s.path, err)
		return nil, nil
	}
	var rec model.SessionRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		vlog.Errorf("session", "decode %s: %v", s.path, err)
		return nil, nil
	}
	if !rec.Valid() {
		vlog.Errorf("session", "stored record at %s fails validity check, discarding", s.path)
		return nil, nil
	}
	return &rec, nil
}

// Save writes rec atomically: it is serialized to a temp file in the
// same directory, then renamed over the final path, so a crash mid-write
// never leaves a torn record behind.
func (s *Store) Save(rec *model.SessionRecord) error {
	if !rec.Valid() {
		return fmt.Errorf("session: refusing to save invalid record")
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("session: encode: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("session: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("session: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("session: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("session: rename into place: %w", err)
	}
	return nil
}

// Delete removes the stored record, if any. It is not an error if
// nothing was stored.
func (s *Store) Delete() error {
	err := os.Remove(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Sweep removes every record file under stateDir whose modification
// time is older than Retention, run once at startup so abandoned
// sessions from long-dead directories don't accumulate forever.
func Sweep(stateDir string) error {
	entries, err := os.ReadDir(stateDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("session: sweep read dir: %w", err)
	}
	cutoff := time.Now().Add(-Retention)
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "session-") || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(stateDir, e.Name()))
		}
	}
	return nil
}
