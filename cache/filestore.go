package cache

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"progload/logx"
)

const entryExt = ".cache.json"

// fileStore keeps one envelope file per entry under a directory.
// File names are the hash of the logical key; the envelope itself carries
// the logical key and validity window.
type fileStore struct {
	log logx.Logger

	mu     sync.Mutex
	dir    string
	budget int64
}

func openFileStore(cfg StoreConfig, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("cache store: path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fileStore{log: log, dir: dir, budget: cfg.BudgetBytes}, nil
}

func (s *fileStore) path(hash string) string {
	return filepath.Join(s.dir, hash+entryExt)
}

func (s *fileStore) Get(hash string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.path(hash))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return b, true, nil
}

func (s *fileStore) Set(hash string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Write-then-rename so readers never observe a torn envelope.
	tmp := s.path(hash) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(hash))
}

func (s *fileStore) Delete(hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(hash))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *fileStore) Close() error { return nil }

type fileInfo struct {
	path    string
	size    int64
	modTime time.Time
}

func (s *fileStore) list() ([]fileInfo, error) {
	des, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	infos := make([]fileInfo, 0, len(des))
	for _, de := range des {
		if de.IsDir() || !strings.HasSuffix(de.Name(), entryExt) {
			continue
		}
		fi, err := de.Info()
		if err != nil {
			continue
		}
		infos = append(infos, fileInfo{
			path:    filepath.Join(s.dir, de.Name()),
			size:    fi.Size(),
			modTime: fi.ModTime(),
		})
	}
	return infos, nil
}

// Sweep removes expired envelopes first, then evicts oldest files until the
// directory fits the byte budget.
func (s *fileStore) Sweep() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos, err := s.list()
	if err != nil {
		return 0, err
	}

	removed := 0
	now := time.Now()
	var total int64
	live := infos[:0]
	for _, fi := range infos {
		b, err := os.ReadFile(fi.path)
		if err != nil {
			continue
		}
		var env envelope
		if err := json.Unmarshal(b, &env); err != nil || env.expired(now) {
			// Corrupt files are removed the same way as expired ones.
			if os.Remove(fi.path) == nil {
				removed++
			}
			continue
		}
		total += fi.size
		live = append(live, fi)
	}

	if total <= s.budget {
		return removed, nil
	}

	sort.Slice(live, func(i, j int) bool { return live[i].modTime.Before(live[j].modTime) })
	for _, fi := range live {
		if total <= s.budget {
			break
		}
		if err := os.Remove(fi.path); err != nil {
			continue
		}
		total -= fi.size
		removed++
	}
	return removed, nil
}

func (s *fileStore) ClearMatching(match func(key string) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos, err := s.list()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, fi := range infos {
		b, err := os.ReadFile(fi.path)
		if err != nil {
			continue
		}
		var env envelope
		if err := json.Unmarshal(b, &env); err != nil {
			continue
		}
		if match(env.Key) {
			if os.Remove(fi.path) == nil {
				removed++
			}
		}
	}
	return removed, nil
}
