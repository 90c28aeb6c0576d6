package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"progload/logx"
)

// StoreConfig configures the disk tier.
//
// Driver values:
//   - "file": one JSON envelope file per entry, named by key hash
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", the disk tier is disabled and the cache is
// memory-only.
type StoreConfig struct {
	Driver string
	Path   string // directory (file driver) or database file (sqlite driver)

	// BudgetBytes bounds the total on-disk size; Sweep evicts
	// oldest-by-modification-time entries until under budget.
	// 0 applies a default.
	BudgetBytes int64

	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API behind the disk tier. Keys are content
// hashes of the logical cache key; values are serialized envelopes.
// Presence or absence of an entry is authoritative; no index is kept.
type Store interface {
	Get(hash string) ([]byte, bool, error)
	Set(hash string, data []byte) error
	Delete(hash string) error

	// Sweep removes expired envelopes and enforces the byte budget.
	// It returns the number of entries removed.
	Sweep() (int, error)

	// ClearMatching removes entries whose logical key satisfies match.
	ClearMatching(match func(key string) bool) (int, error)

	Close() error
}

// OpenStore initializes the configured store.
// It returns (nil, nil) if the disk tier is disabled.
func OpenStore(cfg StoreConfig, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.BudgetBytes <= 0 {
		cfg.BudgetBytes = 64 << 20
	}

	switch driver {
	case "file":
		return openFileStore(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLiteStore(cfg, log)
	default:
		return nil, errors.New("unknown cache store driver: " + driver)
	}
}

// envelope is the serialized form of a disk entry. Validity is decided by
// created_ms + ttl_ms, never by file metadata.
type envelope struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	CreatedMS int64           `json:"created_ms"`
	TTLMS     int64           `json:"ttl_ms"`
}

func (e *envelope) expired(now time.Time) bool {
	if e.TTLMS <= 0 {
		return false
	}
	return now.UnixMilli() > e.CreatedMS+e.TTLMS
}

// hashKey maps a logical key to its stable on-disk name.
func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
