package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when no live entry exists for a key or scope.
var ErrNotFound = errors.New("cache entry not found")

const (
	indexFileName  = "cache-index.json"
	enforcePeriod  = 15 * time.Minute
	dirPermissions = 0o755
)

// Entry is one cached DICOM instance in the index.
type Entry struct {
	InstanceUID    string    `json:"instanceUID"`
	StudyUID       string    `json:"studyUID"`
	SeriesUID      string    `json:"seriesUID,omitempty"`
	Path           string    `json:"path"`
	Size           int64     `json:"size"`
	TransferSyntax string    `json:"transferSyntax"`
	StoredAt       time.Time `json:"storedAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
}

// File is a retrieved cache object.
type File struct {
	InstanceUID    string
	TransferSyntax string
	Data           []byte
}

// Stats summarizes the cache for the status endpoints.
type Stats struct {
	Entries   int   `json:"entries"`
	Scopes    int   `json:"scopes"`
	SizeBytes int64 `json:"sizeBytes"`
	MaxBytes  int64 `json:"maxBytes"`
}

// indexFile is the persisted form of the cache state.
type indexFile struct {
	Entries []*Entry            `json:"entries"`
	Scopes  map[string][]string `json:"scopes"`
}

// FileCache is a content-addressed on-disk cache of retrieved DICOM Part-10
// instances. Each instance lives under <root>/<hh>/<hash>.dcm where hash is
// SHA-256 of its SOP instance UID and hh its first byte, keeping directory
// fan-out bounded. A scope (study, series, or instance UID) is marked
// complete only after a full retrieve, so a partially cached study never
// masquerades as a hit. The JSON index persists across restarts; entries
// expire by TTL and total size is capped with LRU eviction.
type FileCache struct {
	root     string
	ttl      time.Duration
	maxBytes int64

	mu      sync.Mutex
	entries map[string]*Entry   // instance UID -> entry
	scopes  map[string][]string // scope UID -> member instance UIDs

	stop chan struct{}
	wg   sync.WaitGroup
}

// Options configures a FileCache.
type Options struct {
	Root     string
	TTL      time.Duration
	MaxBytes int64
}

// New opens (or creates) the cache directory, loads the index, validates it
// against the filesystem, and starts the periodic enforcement loop.
func New(opts Options) (*FileCache, error) {
	if err := os.MkdirAll(opts.Root, dirPermissions); err != nil {
		return nil, fmt.Errorf("create cache dir %s: %w", opts.Root, err)
	}

	fc := &FileCache{
		root:     opts.Root,
		ttl:      opts.TTL,
		maxBytes: opts.MaxBytes,
		entries:  make(map[string]*Entry),
		scopes:   make(map[string][]string),
		stop:     make(chan struct{}),
	}

	if err := fc.loadIndex(); err != nil {
		log.Warn().Err(err).Msg("Cache index unreadable, starting empty")
		fc.entries = make(map[string]*Entry)
		fc.scopes = make(map[string][]string)
	}
	removed := fc.Validate()
	if removed > 0 {
		log.Info().Int("removed", removed).Msg("Dropped stale cache index entries")
	}
	fc.Enforce()

	fc.wg.Add(1)
	go fc.enforceLoop()
	return fc, nil
}

// hashKey maps a UID to its content address.
func hashKey(uid string) string {
	sum := sha256.Sum256([]byte(uid))
	return hex.EncodeToString(sum[:])
}

// pathFor returns the on-disk location for an instance UID.
func (fc *FileCache) pathFor(uid string) string {
	h := hashKey(uid)
	return filepath.Join(fc.root, h[:2], h+".dcm")
}

// Store writes one instance atomically, records it in the index, and runs an
// enforcement pass so the size cap holds after every successful store. The
// instance's own UID becomes a complete scope immediately.
func (fc *FileCache) Store(studyUID, seriesUID, instanceUID string, data []byte, transferSyntax string) error {
	path := fc.pathFor(instanceUID)
	if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
		return fmt.Errorf("create cache subdir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cache file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit cache file: %w", err)
	}

	now := time.Now()
	fc.mu.Lock()
	fc.entries[instanceUID] = &Entry{
		InstanceUID:    instanceUID,
		StudyUID:       studyUID,
		SeriesUID:      seriesUID,
		Path:           path,
		Size:           int64(len(data)),
		TransferSyntax: transferSyntax,
		StoredAt:       now,
		LastAccessedAt: now,
	}
	fc.scopes[instanceUID] = []string{instanceUID}
	fc.persistIndexLocked()
	fc.mu.Unlock()

	fc.Enforce()
	return nil
}

// RegisterScope marks a study or series UID as completely cached by the
// given member instances. Call after every instance of a retrieve has been
// stored.
func (fc *FileCache) RegisterScope(scopeUID string, instanceUIDs []string) {
	if len(instanceUIDs) == 0 {
		return
	}
	fc.mu.Lock()
	fc.scopes[scopeUID] = append([]string(nil), instanceUIDs...)
	fc.persistIndexLocked()
	fc.mu.Unlock()
}

// Retrieve returns every instance of a complete scope, refreshing LRU
// positions. A scope with any expired or missing member returns ErrNotFound
// and the scope marker is dropped.
func (fc *FileCache) Retrieve(scopeUID string) ([]File, error) {
	fc.mu.Lock()
	members, ok := fc.scopes[scopeUID]
	if !ok {
		fc.mu.Unlock()
		return nil, ErrNotFound
	}

	now := time.Now()
	type toRead struct {
		uid, path, ts string
	}
	reads := make([]toRead, 0, len(members))
	for _, uid := range members {
		entry, ok := fc.entries[uid]
		if !ok || fc.expired(entry) {
			delete(fc.scopes, scopeUID)
			fc.persistIndexLocked()
			fc.mu.Unlock()
			return nil, ErrNotFound
		}
		entry.LastAccessedAt = now
		reads = append(reads, toRead{uid, entry.Path, entry.TransferSyntax})
	}
	fc.mu.Unlock()

	files := make([]File, 0, len(reads))
	for _, r := range reads {
		data, err := os.ReadFile(r.path)
		if err != nil {
			// The file vanished underneath the index.
			fc.mu.Lock()
			if e, ok := fc.entries[r.uid]; ok {
				fc.removeLocked(e)
			}
			delete(fc.scopes, scopeUID)
			fc.persistIndexLocked()
			fc.mu.Unlock()
			return nil, ErrNotFound
		}
		files = append(files, File{InstanceUID: r.uid, TransferSyntax: r.ts, Data: data})
	}
	return files, nil
}

// Has reports whether a scope is completely cached, without touching LRU
// positions.
func (fc *FileCache) Has(scopeUID string) bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	members, ok := fc.scopes[scopeUID]
	if !ok {
		return false
	}
	for _, uid := range members {
		entry, ok := fc.entries[uid]
		if !ok || fc.expired(entry) {
			return false
		}
	}
	return true
}

// Stats returns the current cache totals.
func (fc *FileCache) Stats() Stats {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	s := Stats{Entries: len(fc.entries), Scopes: len(fc.scopes), MaxBytes: fc.maxBytes}
	for _, e := range fc.entries {
		s.SizeBytes += e.Size
	}
	return s
}

// Enforce applies the TTL and then evicts least recently used entries until
// the size cap holds. It returns the number of entries removed.
func (fc *FileCache) Enforce() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	removed := 0
	var total int64
	for _, e := range fc.entries {
		if fc.expired(e) {
			fc.removeLocked(e)
			removed++
			continue
		}
		total += e.Size
	}

	if fc.maxBytes > 0 && total > fc.maxBytes {
		byAge := make([]*Entry, 0, len(fc.entries))
		for _, e := range fc.entries {
			byAge = append(byAge, e)
		}
		sort.Slice(byAge, func(i, j int) bool {
			return byAge[i].LastAccessedAt.Before(byAge[j].LastAccessedAt)
		})
		for _, e := range byAge {
			if total <= fc.maxBytes {
				break
			}
			total -= e.Size
			fc.removeLocked(e)
			removed++
		}
	}

	if removed > 0 {
		fc.pruneScopesLocked()
		fc.persistIndexLocked()
		log.Debug().Int("removed", removed).Int64("size_bytes", total).Msg("Cache enforcement pass")
	}
	return removed
}

// Validate reconciles the index with the filesystem: index entries whose file
// is gone are dropped, and orphaned .dcm files with no index entry are
// deleted. Returns the number of index entries dropped.
func (fc *FileCache) Validate() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	dropped := 0
	known := make(map[string]bool, len(fc.entries))
	for _, e := range fc.entries {
		info, err := os.Stat(e.Path)
		if err != nil {
			fc.removeLocked(e)
			dropped++
			continue
		}
		e.Size = info.Size()
		known[e.Path] = true
	}

	filepath.Walk(fc.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if filepath.Ext(path) != ".dcm" || known[path] {
			return nil
		}
		if rmErr := os.Remove(path); rmErr == nil {
			log.Debug().Str("path", path).Msg("Removed orphaned cache file")
		}
		return nil
	})

	if dropped > 0 {
		fc.pruneScopesLocked()
		fc.persistIndexLocked()
	}
	return dropped
}

// Clear removes every entry and its file.
func (fc *FileCache) Clear() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	n := len(fc.entries)
	for _, e := range fc.entries {
		fc.removeLocked(e)
	}
	fc.scopes = make(map[string][]string)
	fc.persistIndexLocked()
	return n
}

// Close stops the enforcement loop and flushes the index.
func (fc *FileCache) Close() error {
	close(fc.stop)
	fc.wg.Wait()

	fc.mu.Lock()
	fc.persistIndexLocked()
	fc.mu.Unlock()
	return nil
}

func (fc *FileCache) expired(e *Entry) bool {
	return fc.ttl > 0 && time.Since(e.StoredAt) > fc.ttl
}

// removeLocked deletes the entry and its file. Caller holds the mutex.
func (fc *FileCache) removeLocked(e *Entry) {
	delete(fc.entries, e.InstanceUID)
	if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", e.Path).Msg("Failed to remove cache file")
	}
}

// pruneScopesLocked drops scope markers with a missing member. Caller holds
// the mutex.
func (fc *FileCache) pruneScopesLocked() {
	for scope, members := range fc.scopes {
		for _, uid := range members {
			if _, ok := fc.entries[uid]; !ok {
				delete(fc.scopes, scope)
				break
			}
		}
	}
}

func (fc *FileCache) indexPath() string {
	return filepath.Join(fc.root, indexFileName)
}

func (fc *FileCache) loadIndex() error {
	raw, err := os.ReadFile(fc.indexPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var idx indexFile
	if err := json.Unmarshal(raw, &idx); err != nil {
		return err
	}
	for _, e := range idx.Entries {
		fc.entries[e.InstanceUID] = e
	}
	if idx.Scopes != nil {
		fc.scopes = idx.Scopes
	}
	return nil
}

// persistIndexLocked writes the index atomically. Caller holds the mutex.
func (fc *FileCache) persistIndexLocked() {
	idx := indexFile{
		Entries: make([]*Entry, 0, len(fc.entries)),
		Scopes:  fc.scopes,
	}
	for _, e := range fc.entries {
		idx.Entries = append(idx.Entries, e)
	}
	sort.Slice(idx.Entries, func(i, j int) bool { return idx.Entries[i].InstanceUID < idx.Entries[j].InstanceUID })

	raw, err := json.MarshalIndent(&idx, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal cache index")
		return
	}
	tmp := fc.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		log.Error().Err(err).Msg("Failed to write cache index")
		return
	}
	if err := os.Rename(tmp, fc.indexPath()); err != nil {
		os.Remove(tmp)
		log.Error().Err(err).Msg("Failed to commit cache index")
	}
}

func (fc *FileCache) enforceLoop() {
	defer fc.wg.Done()
	ticker := time.NewTicker(enforcePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-fc.stop:
			return
		case <-ticker.C:
			fc.Enforce()
		}
	}
}
