package project

import (
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/sha3"
)

const digestCacheSize = 4096

type digestKey struct {
	path  string
	mtime int64
	size  int64
}

// Digester computes content digests of files. Results are cached by path,
// modification time and size.
type Digester struct {
	cache *lru.Cache[digestKey, string]
}

func NewDigester() *Digester {
	cache, err := lru.New[digestKey, string](digestCacheSize)
	if err != nil {
		// only fails for non-positive sizes
		panic(err)
	}
	return &Digester{cache: cache}
}

// Sum returns the hex encoded SHA3-256 of the file at path. If info is nil
// the file is stat-ed first.
func (d *Digester) Sum(path string, info fs.FileInfo) (string, error) {
	if info == nil {
		var err error
		info, err = os.Stat(path)
		if err != nil {
			return "", err
		}
	}
	key := digestKey{path: path, mtime: info.ModTime().UnixNano(), size: info.Size()}
	if sum, ok := d.cache.Get(key); ok {
		return sum, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha3.New256()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("digest %s: %w", path, err)
	}
	sum := hex.EncodeToString(h.Sum(nil))
	d.cache.Add(key, sum)
	return sum, nil
}

// Forget drops all cached digests of path
func (d *Digester) Forget(path string) {
	for _, key := range d.cache.Keys() {
		if key.path == path {
			d.cache.Remove(key)
		}
	}
}
