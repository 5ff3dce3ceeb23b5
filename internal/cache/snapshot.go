package cache

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Scope says which files a snapshot tracks.
type Scope string

const (
	// ScopeTree tracks every regular file under Root, so new files count as drift.
	ScopeTree Scope = "tree"
	// ScopeFiles tracks only the listed files.
	ScopeFiles Scope = "files"
)

// Directories never hashed by a tree snapshot.
var skipDirs = map[string]bool{
	".git":  true,
	".bldx": true,
}

// Snapshot maps slash-separated paths relative to Root to blake2b-256 digests.
type Snapshot struct {
	Root  string            `json:"root"`
	Scope Scope             `json:"scope"`
	Files map[string]string `json:"files"`
}

// Diff lists the paths that differ between a snapshot and the disk.
type Diff struct {
	Added    []string `json:"added,omitempty"`
	Removed  []string `json:"removed,omitempty"`
	Modified []string `json:"modified,omitempty"`
}

// Empty reports whether nothing changed.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0
}

// TrackTree hashes every regular file under root.
func TrackTree(root string) (*Snapshot, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	files, err := hashTree(abs)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Root: abs, Scope: ScopeTree, Files: files}, nil
}

// TrackFiles hashes the given paths, which are relative to root. Every path
// must exist when the snapshot is taken.
func TrackFiles(root string, paths []string) (*Snapshot, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	files := make(map[string]string, len(paths))
	for _, p := range paths {
		rel, err := relPath(abs, p)
		if err != nil {
			return nil, err
		}
		sum, err := hashFile(filepath.Join(abs, filepath.FromSlash(rel)))
		if err != nil {
			return nil, fmt.Errorf("track %s: %w", p, err)
		}
		files[rel] = sum
	}
	return &Snapshot{Root: abs, Scope: ScopeFiles, Files: files}, nil
}

// Compare rehashes the tracked files and reports what changed.
func (s *Snapshot) Compare() (Diff, error) {
	if s.Scope == ScopeTree {
		current, err := hashTree(s.Root)
		if err != nil {
			return Diff{}, err
		}
		return diffMaps(s.Files, current), nil
	}

	var d Diff
	for _, rel := range sortedKeys(s.Files) {
		sum, err := hashFile(filepath.Join(s.Root, filepath.FromSlash(rel)))
		switch {
		case errors.Is(err, fs.ErrNotExist):
			d.Removed = append(d.Removed, rel)
		case err != nil:
			return Diff{}, err
		case sum != s.Files[rel]:
			d.Modified = append(d.Modified, rel)
		}
	}
	return d, nil
}

func diffMaps(before, after map[string]string) Diff {
	var d Diff
	for _, rel := range sortedKeys(before) {
		sum, ok := after[rel]
		if !ok {
			d.Removed = append(d.Removed, rel)
		} else if sum != before[rel] {
			d.Modified = append(d.Modified, rel)
		}
	}
	for _, rel := range sortedKeys(after) {
		if _, ok := before[rel]; !ok {
			d.Added = append(d.Added, rel)
		}
	}
	return d
}

func hashTree(root string) (map[string]string, error) {
	files := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		sum, err := hashFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = sum
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("hash tree %s: %w", root, err)
	}
	return files, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashBytes(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// relPath turns p into a clean slash path under root.
func relPath(root, p string) (string, error) {
	if filepath.IsAbs(p) {
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return "", err
		}
		p = rel
	}
	p = filepath.Clean(p)
	if p == "." || p == ".." || strings.HasPrefix(p, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes %s", p, root)
	}
	return filepath.ToSlash(p), nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
