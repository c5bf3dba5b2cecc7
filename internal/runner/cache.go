package runner

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/jkaninda/checkbench/internal/sandbox"
	"github.com/jkaninda/checkbench/internal/toolchain"
)

const (
	defaultCacheSize = 256
	defaultCacheTTL  = 10 * time.Minute
)

// ResultCache remembers tool results for identical inputs: same tool, same
// argv and environment, same sandbox content. Only completed runs are
// stored; timeouts and launch failures are always retried.
type ResultCache struct {
	lru *expirable.LRU[string, Result]
}

// NewResultCache creates a cache bounded by size entries, each living ttl.
func NewResultCache(size int, ttl time.Duration) *ResultCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &ResultCache{lru: expirable.NewLRU[string, Result](size, nil, ttl)}
}

// Get returns the cached result for key.
func (c *ResultCache) Get(key string) (Result, bool) {
	return c.lru.Get(key)
}

// Add stores r under key.
func (c *ResultCache) Add(key string, r Result) {
	c.lru.Add(key, r)
}

// Len reports the number of live entries.
func (c *ResultCache) Len() int {
	return c.lru.Len()
}

// Purge drops every entry.
func (c *ResultCache) Purge() {
	c.lru.Purge()
}

func cacheKey(cmd toolchain.Command, fingerprint string) string {
	h := sha256.New()
	h.Write([]byte(cmd.Tool))
	h.Write([]byte{0})
	for _, arg := range cmd.Argv {
		h.Write([]byte(arg))
		h.Write([]byte{0})
	}
	keys := make([]string, 0, len(cmd.Env))
	for k := range cmd.Env {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		h.Write([]byte(k + "=" + cmd.Env[k]))
		h.Write([]byte{0})
	}
	h.Write([]byte(fingerprint))
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint hashes a sandbox's files plus any extra inputs that change
// what tools see (dependency set, Python version). File order does not
// matter.
func Fingerprint(files []sandbox.File, extra ...string) string {
	sorted := slices.Clone(files)
	slices.SortFunc(sorted, func(a, b sandbox.File) int { return strings.Compare(a.Name, b.Name) })

	h := sha256.New()
	for _, f := range sorted {
		h.Write([]byte(f.Name))
		h.Write([]byte{0})
		h.Write([]byte(f.Content))
		h.Write([]byte{0})
	}
	for _, e := range extra {
		h.Write([]byte(e))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
