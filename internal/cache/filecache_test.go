package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	study  = "1.2.840.99.1"
	series = "1.2.840.99.1.2"
	instA  = "1.2.840.99.1.2.3"
	instB  = "1.2.840.99.1.2.4"
)

func newTestCache(t *testing.T, ttl time.Duration, maxBytes int64) *FileCache {
	t.Helper()
	fc, err := New(Options{Root: t.TempDir(), TTL: ttl, MaxBytes: maxBytes})
	require.NoError(t, err)
	t.Cleanup(func() { fc.Close() })
	return fc
}

func TestStoreAndRetrieveInstance(t *testing.T) {
	fc := newTestCache(t, time.Hour, 0)

	data := []byte("not really dicom but close enough")
	require.NoError(t, fc.Store(study, series, instA, data, "1.2.840.10008.1.2.1"))

	assert.True(t, fc.Has(instA))
	files, err := fc.Retrieve(instA)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, data, files[0].Data)
	assert.Equal(t, "1.2.840.10008.1.2.1", files[0].TransferSyntax)
	assert.Equal(t, instA, files[0].InstanceUID)
}

func TestRetrieveMiss(t *testing.T) {
	fc := newTestCache(t, time.Hour, 0)

	_, err := fc.Retrieve(instA)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, fc.Has(instA))
}

func TestScopeCompleteness(t *testing.T) {
	fc := newTestCache(t, time.Hour, 0)

	require.NoError(t, fc.Store(study, series, instA, []byte("a"), ""))

	// One instance cached does not make the series a hit.
	assert.False(t, fc.Has(series))

	require.NoError(t, fc.Store(study, series, instB, []byte("b"), ""))
	fc.RegisterScope(series, []string{instA, instB})
	fc.RegisterScope(study, []string{instA, instB})

	assert.True(t, fc.Has(series))
	files, err := fc.Retrieve(study)
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestScopeDroppedWhenMemberEvicted(t *testing.T) {
	fc := newTestCache(t, time.Hour, 1)

	require.NoError(t, fc.Store(study, series, instA, []byte("aaaa"), ""))
	require.NoError(t, fc.Store(study, series, instB, []byte("bbbb"), ""))
	fc.RegisterScope(series, []string{instA, instB})

	// Cap of one byte forces eviction of everything at store time.
	assert.False(t, fc.Has(series))
	_, err := fc.Retrieve(series)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKeyDeterminesPath(t *testing.T) {
	fc := newTestCache(t, time.Hour, 0)

	p1 := fc.pathFor(instA)
	assert.Equal(t, p1, fc.pathFor(instA))
	assert.NotEqual(t, p1, fc.pathFor(instB))

	// Two-character shard directory under the root.
	rel, err := filepath.Rel(fc.root, p1)
	require.NoError(t, err)
	assert.Len(t, filepath.Dir(rel), 2)
	assert.Equal(t, ".dcm", filepath.Ext(p1))
}

func TestTTLExpiry(t *testing.T) {
	fc := newTestCache(t, 10*time.Millisecond, 0)

	require.NoError(t, fc.Store(study, series, instA, []byte("x"), ""))
	time.Sleep(30 * time.Millisecond)

	assert.False(t, fc.Has(instA))
	_, err := fc.Retrieve(instA)
	assert.ErrorIs(t, err, ErrNotFound)
}

// The size cap must hold immediately after any successful store, with the
// least recently used entries evicted first.
func TestStoreEnforcesSizeCap(t *testing.T) {
	fc := newTestCache(t, time.Hour, 20)

	require.NoError(t, fc.Store(study, series, "1.1.1", make([]byte, 10), ""))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, fc.Store(study, series, "1.1.2", make([]byte, 10), ""))
	assert.LessOrEqual(t, fc.Stats().SizeBytes, int64(20))

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, fc.Store(study, series, "1.1.3", make([]byte, 10), ""))

	assert.LessOrEqual(t, fc.Stats().SizeBytes, int64(20))
	assert.False(t, fc.Has("1.1.1"))
	assert.True(t, fc.Has("1.1.3"))
}

func TestIndexSurvivesReopen(t *testing.T) {
	root := t.TempDir()
	fc, err := New(Options{Root: root, TTL: time.Hour})
	require.NoError(t, err)
	require.NoError(t, fc.Store(study, series, instA, []byte("persisted"), "1.2.840.10008.1.2"))
	require.NoError(t, fc.Close())

	fc2, err := New(Options{Root: root, TTL: time.Hour})
	require.NoError(t, err)
	defer fc2.Close()

	files, err := fc2.Retrieve(instA)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, []byte("persisted"), files[0].Data)
	assert.Equal(t, "1.2.840.10008.1.2", files[0].TransferSyntax)
}

func TestValidateDropsMissingFilesAndOrphans(t *testing.T) {
	fc := newTestCache(t, time.Hour, 0)

	require.NoError(t, fc.Store(study, series, instA, []byte("x"), ""))
	require.NoError(t, os.Remove(fc.pathFor(instA)))

	orphan := filepath.Join(fc.root, "ab", "deadbeef.dcm")
	require.NoError(t, os.MkdirAll(filepath.Dir(orphan), 0o755))
	require.NoError(t, os.WriteFile(orphan, []byte("orphan"), 0o644))

	dropped := fc.Validate()
	assert.Equal(t, 1, dropped)
	assert.False(t, fc.Has(instA))
	_, err := os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))
}

func TestClear(t *testing.T) {
	fc := newTestCache(t, time.Hour, 0)

	require.NoError(t, fc.Store(study, series, instA, []byte("1"), ""))
	require.NoError(t, fc.Store(study, series, instB, []byte("2"), ""))

	assert.Equal(t, 2, fc.Clear())
	assert.Equal(t, 0, fc.Stats().Entries)
}
