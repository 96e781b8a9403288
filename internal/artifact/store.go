package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/couchcryptid/weather-domain-etl/internal/domain"
)

// Asset names, in pipeline order.
const (
	AssetRaw       = "raw_observations"
	AssetRepaired  = "repaired_observations"
	AssetEnriched  = "enriched_records"
	AssetPartition = "partition"
)

// Assets lists every asset in the order the pipeline produces them.
var Assets = []string{AssetRaw, AssetRepaired, AssetEnriched, AssetPartition}

// IsAsset reports whether name is a known asset.
func IsAsset(name string) bool {
	for _, a := range Assets {
		if a == name {
			return true
		}
	}
	return false
}

// Store materializes assets as zstd-compressed JSON under
// <root>/runs/<run_id>/<asset>.json.zst.
type Store struct {
	root string
	now  func() time.Time
}

// NewStore returns a Store rooted at root. now stamps materializations.
func NewStore(root string, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{root: root, now: now}
}

// Path returns where asset of runID lives.
func (s *Store) Path(runID, asset string) string {
	return filepath.Join(s.root, "runs", runID, asset+".json.zst")
}

// Write encodes v and atomically replaces the asset file.
func (s *Store) Write(runID, asset string, v any) (domain.Materialization, error) {
	dst := s.Path(runID, asset)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return domain.Materialization{}, fmt.Errorf("create run dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), asset+".*.tmp")
	if err != nil {
		return domain.Materialization{}, fmt.Errorf("create temp asset: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // no-op after rename

	h := sha256.New()
	enc, err := zstd.NewWriter(io.MultiWriter(tmp, h))
	if err != nil {
		_ = tmp.Close()
		return domain.Materialization{}, fmt.Errorf("zstd writer: %w", err)
	}
	if err := json.NewEncoder(enc).Encode(v); err != nil {
		_ = enc.Close()
		_ = tmp.Close()
		return domain.Materialization{}, fmt.Errorf("encode %s: %w", asset, err)
	}
	if err := enc.Close(); err != nil {
		_ = tmp.Close()
		return domain.Materialization{}, fmt.Errorf("flush %s: %w", asset, err)
	}
	info, err := tmp.Stat()
	if err != nil {
		_ = tmp.Close()
		return domain.Materialization{}, err
	}
	if err := tmp.Close(); err != nil {
		return domain.Materialization{}, err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return domain.Materialization{}, fmt.Errorf("commit %s: %w", asset, err)
	}

	return domain.Materialization{
		Asset:     asset,
		Path:      dst,
		Bytes:     info.Size(),
		Checksum:  hex.EncodeToString(h.Sum(nil)),
		CreatedAt: s.now().UTC(),
	}, nil
}

// Read decodes the asset of runID into v.
func (s *Store) Read(runID, asset string, v any) error {
	f, err := os.Open(s.Path(runID, asset))
	if err != nil {
		return fmt.Errorf("open %s of run %s: %w", asset, runID, err)
	}
	defer f.Close() //nolint:errcheck // read-only

	dec, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()
	if err := json.NewDecoder(dec).Decode(v); err != nil {
		return fmt.Errorf("decode %s of run %s: %w", asset, runID, err)
	}
	return nil
}

// Exists reports whether the asset of runID has been materialized.
func (s *Store) Exists(runID, asset string) bool {
	_, err := os.Stat(s.Path(runID, asset))
	return err == nil
}
