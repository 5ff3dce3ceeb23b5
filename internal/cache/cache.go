package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultTTL applies when neither the cache nor Put names one.
const DefaultTTL = 24 * time.Hour

const (
	artifactFile = "artifact.bin"
	metaFile     = "meta.json"
	tmpPrefix    = "tmp-entry-"
)

// CorruptionError describes an entry whose files cannot be trusted. Lookups
// treat it as a miss.
type CorruptionError struct {
	Key  Key
	Path string
	Err  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("cache entry %s corrupted (%s): %v", e.Key, e.Path, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// HashIndex persists the latest file hashes seen for a project root.
type HashIndex interface {
	LoadHashes(project string) (map[string]string, error)
	SaveHashes(project string, files map[string]string) error
}

// Metadata is the sidecar stored next to every artifact.
type Metadata struct {
	Key          Key           `json:"key"`
	Mode         Mode          `json:"mode"`
	Input        string        `json:"input"`
	Normalized   string        `json:"normalized"`
	CreatedAt    time.Time     `json:"created_at"`
	TTL          time.Duration `json:"ttl"`
	ArtifactHash string        `json:"artifact_hash"`
	ArtifactSize int64         `json:"artifact_size"`
	Snapshot     *Snapshot     `json:"snapshot,omitempty"`
}

// ExpiresAt is when the entry stops being served.
func (m Metadata) ExpiresAt() time.Time { return m.CreatedAt.Add(m.TTL) }

// PutOptions carries the optional parts of an entry.
type PutOptions struct {
	Input    string
	Mode     Mode
	TTL      time.Duration
	Snapshot *Snapshot
}

// Cache is a filesystem cache laid out as {dir}/{key[:2]}/{key}/.
type Cache struct {
	dir   string
	ttl   time.Duration
	now   func() time.Time
	index HashIndex
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets the TTL for entries stored without one.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithHashIndex records snapshot hashes in idx whenever an entry is stored.
func WithHashIndex(idx HashIndex) Option {
	return func(c *Cache) { c.index = idx }
}

// New opens (creating if needed) a cache rooted at dir.
func New(dir string, opts ...Option) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("cache dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	c := &Cache{dir: dir, ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Dir returns the cache root.
func (c *Cache) Dir() string { return c.dir }

// Get returns the artifact stored under key. Missing, expired, invalidated
// and corrupted entries are all misses.
func (c *Cache) Get(key Key) ([]byte, bool) {
	if !key.Valid() {
		return nil, false
	}
	meta, artifact, err := c.load(key)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Warn().Err(err).Str("key", key.String()).Msg("cache entry unreadable, treating as miss")
		}
		return nil, false
	}
	if reason := c.stale(meta); reason != "" {
		log.Debug().Str("key", key.String()).Str("reason", reason).Msg("cache miss")
		return nil, false
	}
	return artifact, true
}

// Lookup returns the metadata of a live entry.
func (c *Cache) Lookup(key Key) (Metadata, bool) {
	if !key.Valid() {
		return Metadata{}, false
	}
	meta, err := c.readMeta(key, c.entryPath(key))
	if err != nil || c.stale(meta) != "" {
		return Metadata{}, false
	}
	return *meta, true
}

// Put stores artifact under key, replacing any previous entry. Concurrent
// writers of the same key race and the last rename wins.
func (c *Cache) Put(key Key, artifact []byte, opts PutOptions) error {
	if !key.Valid() {
		return fmt.Errorf("invalid cache key %q", key)
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.ttl
	}
	meta := Metadata{
		Key:          key,
		Mode:         opts.Mode,
		Input:        opts.Input,
		Normalized:   Normalize(opts.Input),
		CreatedAt:    c.now().UTC(),
		TTL:          ttl,
		ArtifactHash: hashBytes(artifact),
		ArtifactSize: int64(len(artifact)),
		Snapshot:     opts.Snapshot,
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache metadata: %w", err)
	}

	entryDir := c.entryPath(key)
	parentDir := filepath.Dir(entryDir)
	if err := os.MkdirAll(parentDir, 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	tmpDir, err := os.MkdirTemp(parentDir, tmpPrefix+string(key)+"-")
	if err != nil {
		return fmt.Errorf("create temp cache entry: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(tmpDir)
		}
	}()

	// Artifact first so a sidecar never points at a missing blob.
	if err := writeFileAtomic(filepath.Join(tmpDir, artifactFile), artifact, 0o644); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(tmpDir, metaFile), data, 0o644); err != nil {
		return fmt.Errorf("write cache metadata: %w", err)
	}

	// A crash between remove and rename leaves a miss, not a torn entry.
	_ = os.RemoveAll(entryDir)
	if err := os.Rename(tmpDir, entryDir); err != nil {
		return fmt.Errorf("commit cache entry: %w", err)
	}
	committed = true

	if opts.Snapshot != nil && c.index != nil {
		if err := c.index.SaveHashes(opts.Snapshot.Root, opts.Snapshot.Files); err != nil {
			log.Warn().Err(err).Str("project", opts.Snapshot.Root).Msg("save file hash index")
		}
	}
	log.Debug().Str("key", key.String()).Int64("size", meta.ArtifactSize).Dur("ttl", ttl).Msg("cache put")
	return nil
}

// EvictExpired removes every entry that Get would no longer serve, plus
// temp directories left by interrupted writes. Bad entries are removed and
// logged; only an unreadable cache root is an error.
func (c *Cache) EvictExpired() (int, error) {
	shards, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, fmt.Errorf("read cache dir: %w", err)
	}
	removed := 0
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		shardDir := filepath.Join(c.dir, shard.Name())
		entries, err := os.ReadDir(shardDir)
		if err != nil {
			log.Warn().Err(err).Str("path", shardDir).Msg("skip unreadable cache shard")
			continue
		}
		for _, e := range entries {
			path := filepath.Join(shardDir, e.Name())
			if strings.HasPrefix(e.Name(), tmpPrefix) {
				_ = os.RemoveAll(path)
				continue
			}
			key := Key(e.Name())
			var reason string
			if meta, _, err := c.load(key); err != nil {
				reason = err.Error()
			} else {
				reason = c.stale(meta)
			}
			if reason == "" {
				continue
			}
			if err := os.RemoveAll(path); err != nil {
				log.Warn().Err(err).Str("key", e.Name()).Msg("evict cache entry")
				continue
			}
			log.Debug().Str("key", e.Name()).Str("reason", reason).Msg("cache entry evicted")
			removed++
		}
		if rest, err := os.ReadDir(shardDir); err == nil && len(rest) == 0 {
			_ = os.Remove(shardDir)
		}
	}
	return removed, nil
}

// load reads and cross-checks both files of an entry.
func (c *Cache) load(key Key) (*Metadata, []byte, error) {
	dir := c.entryPath(key)
	meta, err := c.readMeta(key, dir)
	if err != nil {
		return nil, nil, err
	}
	path := filepath.Join(dir, artifactFile)
	artifact, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, &CorruptionError{Key: key, Path: path, Err: err}
	}
	if int64(len(artifact)) != meta.ArtifactSize || hashBytes(artifact) != meta.ArtifactHash {
		return nil, nil, &CorruptionError{Key: key, Path: path, Err: errors.New("artifact does not match recorded digest")}
	}
	return meta, artifact, nil
}

func (c *Cache) readMeta(key Key, dir string) (*Metadata, error) {
	path := filepath.Join(dir, metaFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if _, statErr := os.Stat(dir); statErr == nil {
				return nil, &CorruptionError{Key: key, Path: path, Err: err}
			}
			return nil, err
		}
		return nil, &CorruptionError{Key: key, Path: path, Err: err}
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, &CorruptionError{Key: key, Path: path, Err: err}
	}
	if meta.Key != key {
		return nil, &CorruptionError{Key: key, Path: path, Err: fmt.Errorf("sidecar names key %q", meta.Key)}
	}
	return &meta, nil
}

// stale returns why meta may no longer be served, or "" if it is live.
func (c *Cache) stale(meta *Metadata) string {
	if c.now().After(meta.ExpiresAt()) {
		return "expired"
	}
	if meta.Snapshot == nil {
		return ""
	}
	diff, err := meta.Snapshot.Compare()
	if err != nil {
		return "snapshot unreadable: " + err.Error()
	}
	if !diff.Empty() {
		return fmt.Sprintf("sources changed (%d added, %d removed, %d modified)",
			len(diff.Added), len(diff.Removed), len(diff.Modified))
	}
	return ""
}

func (c *Cache) entryPath(key Key) string {
	s := string(key)
	if len(s) < 2 {
		return filepath.Join(c.dir, s)
	}
	return filepath.Join(c.dir, s[:2], s)
}

// Changes diffs the current tree under project against the hashes idx last
// recorded for it.
func Changes(idx HashIndex, project string) (Diff, error) {
	snap, err := TrackTree(project)
	if err != nil {
		return Diff{}, err
	}
	before, err := idx.LoadHashes(snap.Root)
	if err != nil {
		return Diff{}, fmt.Errorf("load file hash index: %w", err)
	}
	return diffMaps(before, snap.Files), nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	_ = tmp.Sync()
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
