package qidocache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/pacsbin/dicomweb-proxy/internal/config"
)

// ErrCacheMiss is returned when a key is not present or expired.
var ErrCacheMiss = fmt.Errorf("cache miss")

// Cache stores rendered QIDO responses so repeated worklist polls do not hit
// the PACS. Retrieval results never go through here; those live in the file
// cache.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Close() error
}

// New builds the cache backend named by the configuration. A disabled cache
// returns nil.
func New(cfg config.QidoCacheConfig) (Cache, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Type {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		addr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
		return NewRedis(addr, cfg.Redis.Password, cfg.Redis.DB)
	}
	return nil, fmt.Errorf("unknown qido cache type %q", cfg.Type)
}

// Key derives a stable cache key from a query level, its path UIDs, and the
// request parameters. Parameter order does not affect the key.
func Key(level string, pathUIDs []string, params url.Values) string {
	var b strings.Builder
	b.WriteString(level)
	for _, uid := range pathUIDs {
		b.WriteByte('/')
		b.WriteString(uid)
	}
	b.WriteByte('?')

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vals := append([]string(nil), params[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(v)
			b.WriteByte('&')
		}
	}

	sum := sha256.Sum256([]byte(b.String()))
	return "qido:" + level + ":" + hex.EncodeToString(sum[:])
}
