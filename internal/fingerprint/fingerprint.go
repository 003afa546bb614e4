// Package fingerprint computes and tracks content hashes for drift
// detection (spec §4.2). The filesystem's mtime is advisory only; the
// Store's saved hash is authoritative.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/pkg/errors"

	"github.com/voidsync/voidsync/internal/store"
)

// Record is the hash/mtime pair returned for a path.
type Record struct {
	Hash         string
	LastModified time.Time
}

// Fingerprinter hashes content and tracks the last-saved hash per path.
type Fingerprinter struct {
	store store.Store
}

// New constructs a Fingerprinter backed by the given Store.
func New(st store.Store) *Fingerprinter {
	return &Fingerprinter{store: st}
}

// Hash returns the lower-case hex SHA-256 digest of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Fingerprint returns the saved record for path, or (nil, false) if none
// has ever been saved.
func (f *Fingerprinter) Fingerprint(ctx context.Context, path string) (*Record, bool, error) {
	fp, err := f.store.GetFingerprint(ctx, path)
	if err != nil {
		return nil, false, errors.Wrap(err, "fingerprint: load")
	}
	if fp == nil {
		return nil, false, nil
	}
	return &Record{Hash: fp.Hash, LastModified: fp.LastModified}, true, nil
}

// Save records hash as path's last-known-good fingerprint.
func (f *Fingerprinter) Save(ctx context.Context, path, hash string) error {
	err := f.store.SaveFingerprint(ctx, &store.Fingerprint{
		Path:         path,
		Hash:         hash,
		LastModified: time.Now(),
	})
	if err != nil {
		return errors.Wrap(err, "fingerprint: save")
	}
	return nil
}

// HasChanged reports whether current differs from the last saved hash for
// path. When no prior hash exists it returns true, to be safe (spec §4.2).
func (f *Fingerprinter) HasChanged(ctx context.Context, path string, current []byte) (bool, error) {
	record, ok, err := f.Fingerprint(ctx, path)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return record.Hash != Hash(current), nil
}
