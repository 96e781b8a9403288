// Package artifact persists pipeline outputs on local disk: the write-once
// archive of raw upstream payloads and the per-run materialized assets.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// RawArchive stores upstream response bodies, zstd-compressed, keyed by the
// SHA-256 of the canonical request URL. Entries are never overwritten.
type RawArchive struct {
	dir string
}

// NewRawArchive creates the archive directory if needed.
func NewRawArchive(dir string) (*RawArchive, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create raw archive dir: %w", err)
	}
	return &RawArchive{dir: dir}, nil
}

// Key returns the archive key for a request URL.
func Key(requestURL string) string {
	sum := sha256.Sum256([]byte(requestURL))
	return hex.EncodeToString(sum[:])
}

func (a *RawArchive) path(requestURL string) string {
	return filepath.Join(a.dir, Key(requestURL)+".zst")
}

// Put archives body for requestURL. It reports false without error when the
// entry already exists.
func (a *RawArchive) Put(requestURL string, body []byte) (bool, error) {
	f, err := os.OpenFile(a.path(requestURL), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("open archive entry: %w", err)
	}

	enc, err := zstd.NewWriter(f)
	if err != nil {
		_ = f.Close()
		return false, fmt.Errorf("zstd writer: %w", err)
	}
	if _, err := enc.Write(body); err != nil {
		_ = enc.Close()
		_ = f.Close()
		_ = os.Remove(f.Name())
		return false, fmt.Errorf("write archive entry: %w", err)
	}
	if err := enc.Close(); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return false, fmt.Errorf("flush archive entry: %w", err)
	}
	return true, f.Close()
}

// Get returns the archived body for requestURL, or an error wrapping
// fs.ErrNotExist.
func (a *RawArchive) Get(requestURL string) ([]byte, error) {
	f, err := os.Open(a.path(requestURL))
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck // read-only

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()
	return io.ReadAll(dec)
}
