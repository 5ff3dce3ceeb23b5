package cache

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type memIndex struct {
	mu    sync.Mutex
	saved map[string]map[string]string
}

func (m *memIndex) LoadHashes(project string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved[project], nil
}

func (m *memIndex) SaveHashes(project string, files map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = make(map[string]map[string]string)
	}
	cp := make(map[string]string, len(files))
	for k, v := range files {
		cp[k] = v
	}
	m.saved[project] = cp
	return nil
}

func newTestCache(t *testing.T, opts ...Option) (*Cache, *time.Time) {
	t.Helper()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	opts = append(opts, WithClock(func() time.Time { return now }))
	c, err := New(t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return c, &now
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestFingerprintNormalizationBoundary(t *testing.T) {
	a := Fingerprint("Build a todo app", "plan")
	b := Fingerprint("build a   todo application", "plan")
	if a == b {
		t.Fatalf("normalization must not fold wording: both map to %s", a)
	}
	if Normalize("build a   todo application") != "build a todo application" {
		t.Fatalf("unexpected normalization %q", Normalize("build a   todo application"))
	}

	// Case and whitespace alone do collide.
	c := Fingerprint("  BUILD a\ttodo\n app ", "plan")
	if a != c {
		t.Fatalf("case/whitespace variants should collide: %s vs %s", a, c)
	}
	if Fingerprint("Build a todo app", "review") == a {
		t.Fatalf("mode must change the key")
	}
	if !a.Valid() {
		t.Fatalf("fingerprint %q not a valid key", a)
	}
}

func TestPutGetWithinTTL(t *testing.T) {
	c, now := newTestCache(t)
	key := Fingerprint("compile the parser", "build")
	artifact := []byte(`{"outputs":["parser.go"]}`)

	if err := c.Put(key, artifact, PutOptions{Input: "compile the parser", Mode: "build", TTL: time.Hour}); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok := c.Get(key)
	if !ok || string(got) != string(artifact) {
		t.Fatalf("expected hit with identical artifact, got %q %v", got, ok)
	}

	meta, ok := c.Lookup(key)
	if !ok || meta.Normalized != "compile the parser" || meta.Mode != "build" {
		t.Fatalf("unexpected metadata %+v", meta)
	}

	*now = now.Add(59 * time.Minute)
	if _, ok := c.Get(key); !ok {
		t.Fatalf("entry should still be live before TTL")
	}
	*now = now.Add(2 * time.Minute)
	if _, ok := c.Get(key); ok {
		t.Fatalf("entry served after TTL elapsed")
	}
}

func TestGetMissingKey(t *testing.T) {
	c, _ := newTestCache(t)
	if _, ok := c.Get(Fingerprint("never stored", "")); ok {
		t.Fatalf("expected miss")
	}
}

func TestPutRejectsInvalidKey(t *testing.T) {
	c, _ := newTestCache(t)
	if err := c.Put("../escape", []byte("x"), PutOptions{}); err == nil {
		t.Fatalf("expected error for invalid key")
	}
}

// A sidecar planted outside the cache dir must not be reachable through a
// malformed key.
func TestReadsRejectInvalidKey(t *testing.T) {
	root := t.TempDir()
	c, err := New(filepath.Join(root, "a", "cache"))
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	good := Fingerprint("real", "")
	if err := c.Put(good, []byte("secret"), PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(c.entryPath(good), metaFile))
	if err != nil {
		t.Fatalf("read meta: %v", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		t.Fatalf("decode meta: %v", err)
	}
	evil := Key("../a/planted")
	meta.Key = evil
	planted, _ := json.Marshal(meta)
	outside := filepath.Join(root, "a", "planted")
	writeFile(t, filepath.Join(outside, metaFile), string(planted))
	writeFile(t, filepath.Join(outside, artifactFile), "secret")

	if _, ok := c.Get(evil); ok {
		t.Fatalf("Get served an entry outside the cache dir")
	}
	if _, ok := c.Lookup(evil); ok {
		t.Fatalf("Lookup served an entry outside the cache dir")
	}
	if _, err := os.Stat(filepath.Join(outside, metaFile)); err != nil {
		t.Fatalf("planted entry touched: %v", err)
	}
}

func TestPutOverwrites(t *testing.T) {
	c, _ := newTestCache(t)
	key := Fingerprint("same", "")
	for _, v := range []string{"one", "two"} {
		if err := c.Put(key, []byte(v), PutOptions{}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	got, ok := c.Get(key)
	if !ok || string(got) != "two" {
		t.Fatalf("expected last write, got %q", got)
	}
}

func TestSnapshotInvalidatesOnOneByteChange(t *testing.T) {
	c, _ := newTestCache(t)
	project := t.TempDir()
	writeFile(t, filepath.Join(project, "main.go"), "package main\n")
	writeFile(t, filepath.Join(project, "lib", "util.go"), "package lib\n")

	snap, err := TrackTree(project)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if len(snap.Files) != 2 || snap.Files["lib/util.go"] == "" {
		t.Fatalf("unexpected snapshot %+v", snap.Files)
	}
	key := Fingerprint("review project", "review")
	if err := c.Put(key, []byte("ok"), PutOptions{TTL: 24 * time.Hour, Snapshot: snap}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, ok := c.Get(key); !ok {
		t.Fatalf("expected hit before mutation")
	}

	writeFile(t, filepath.Join(project, "lib", "util.go"), "package lin\n")
	if _, ok := c.Get(key); ok {
		t.Fatalf("one-byte change should invalidate the entry")
	}
}

func TestTreeSnapshotDetectsAddedAndRemovedFiles(t *testing.T) {
	project := t.TempDir()
	writeFile(t, filepath.Join(project, "a.txt"), "a")
	writeFile(t, filepath.Join(project, "b.txt"), "b")
	writeFile(t, filepath.Join(project, ".bldx", "tasks", "x", "worker.log"), "ignored")

	snap, err := TrackTree(project)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if _, ok := snap.Files[".bldx/tasks/x/worker.log"]; ok {
		t.Fatalf("state dir must not be tracked")
	}

	writeFile(t, filepath.Join(project, "c.txt"), "c")
	if err := os.Remove(filepath.Join(project, "b.txt")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	writeFile(t, filepath.Join(project, ".bldx", "tasks", "x", "worker.log"), "still ignored")

	diff, err := snap.Compare()
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if len(diff.Added) != 1 || diff.Added[0] != "c.txt" {
		t.Fatalf("added = %v", diff.Added)
	}
	if len(diff.Removed) != 1 || diff.Removed[0] != "b.txt" {
		t.Fatalf("removed = %v", diff.Removed)
	}
	if len(diff.Modified) != 0 {
		t.Fatalf("modified = %v", diff.Modified)
	}
}

func TestFileSnapshotIgnoresUntrackedFiles(t *testing.T) {
	c, _ := newTestCache(t)
	project := t.TempDir()
	writeFile(t, filepath.Join(project, "go.mod"), "module x\n")

	snap, err := TrackFiles(project, []string{"go.mod"})
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	key := Fingerprint("deps", "build")
	if err := c.Put(key, []byte("ok"), PutOptions{Snapshot: snap}); err != nil {
		t.Fatalf("put: %v", err)
	}

	writeFile(t, filepath.Join(project, "other.txt"), "new")
	if _, ok := c.Get(key); !ok {
		t.Fatalf("untracked file should not invalidate a files-scoped snapshot")
	}
	if err := os.Remove(filepath.Join(project, "go.mod")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := c.Get(key); ok {
		t.Fatalf("removed tracked file should invalidate")
	}

	if _, err := TrackFiles(project, []string{"../outside"}); err == nil {
		t.Fatalf("expected error for path outside root")
	}
	if _, err := TrackFiles(project, []string{"missing.go"}); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestCorruptedMetadataIsMissAndEvicted(t *testing.T) {
	c, _ := newTestCache(t)
	key := Fingerprint("corrupt me", "")
	if err := c.Put(key, []byte("payload"), PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	writeFile(t, filepath.Join(c.entryPath(key), metaFile), "{not json")

	if _, ok := c.Get(key); ok {
		t.Fatalf("corrupted entry served")
	}
	var corrupt *CorruptionError
	if _, _, err := c.load(key); !errors.As(err, &corrupt) {
		t.Fatalf("expected CorruptionError, got %v", err)
	}

	n, err := c.EvictExpired()
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if _, err := os.Stat(c.entryPath(key)); !os.IsNotExist(err) {
		t.Fatalf("corrupted entry still on disk")
	}
}

func TestTamperedArtifactIsMiss(t *testing.T) {
	c, _ := newTestCache(t)
	key := Fingerprint("tamper", "")
	if err := c.Put(key, []byte("original"), PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	writeFile(t, filepath.Join(c.entryPath(key), artifactFile), "origina1")
	if _, ok := c.Get(key); ok {
		t.Fatalf("tampered artifact served")
	}
}

func TestEvictExpiredKeepsLiveEntries(t *testing.T) {
	c, now := newTestCache(t)
	project := t.TempDir()
	writeFile(t, filepath.Join(project, "src.go"), "v1")
	snap, err := TrackTree(project)
	if err != nil {
		t.Fatalf("track: %v", err)
	}

	short := Fingerprint("short", "")
	long := Fingerprint("long", "")
	tracked := Fingerprint("tracked", "")
	for _, p := range []struct {
		key  Key
		opts PutOptions
	}{
		{short, PutOptions{TTL: time.Minute}},
		{long, PutOptions{TTL: time.Hour}},
		{tracked, PutOptions{TTL: time.Hour, Snapshot: snap}},
	} {
		if err := c.Put(p.key, []byte("x"), p.opts); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if err := os.MkdirAll(filepath.Join(c.Dir(), string(long[:2]), tmpPrefix+"leftover"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	*now = now.Add(5 * time.Minute)
	writeFile(t, filepath.Join(project, "src.go"), "v2")

	n, err := c.EvictExpired()
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 evictions, got %d", n)
	}
	if _, ok := c.Get(long); !ok {
		t.Fatalf("live entry evicted")
	}
	if _, err := os.Stat(filepath.Join(c.Dir(), string(long[:2]), tmpPrefix+"leftover")); !os.IsNotExist(err) {
		t.Fatalf("leftover temp dir not removed")
	}

	// Running again is harmless.
	if n, err := c.EvictExpired(); err != nil || n != 0 {
		t.Fatalf("second eviction: %d %v", n, err)
	}
}

func TestHashIndexAndChanges(t *testing.T) {
	idx := &memIndex{}
	c, _ := newTestCache(t, WithHashIndex(idx))
	project := t.TempDir()
	writeFile(t, filepath.Join(project, "a.go"), "a")
	writeFile(t, filepath.Join(project, "b.go"), "b")

	snap, err := TrackTree(project)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if err := c.Put(Fingerprint("index", ""), []byte("x"), PutOptions{Snapshot: snap}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if len(idx.saved[snap.Root]) != 2 {
		t.Fatalf("index not updated: %+v", idx.saved)
	}

	writeFile(t, filepath.Join(project, "a.go"), "A")
	writeFile(t, filepath.Join(project, "c.go"), "c")
	diff, err := Changes(idx, project)
	if err != nil {
		t.Fatalf("changes: %v", err)
	}
	if len(diff.Modified) != 1 || diff.Modified[0] != "a.go" || len(diff.Added) != 1 || diff.Added[0] != "c.go" {
		t.Fatalf("unexpected diff %+v", diff)
	}
}
