// Package snapshot produces a content-hashed map of a directory tree and
// diffs two such maps, the primitive the reload engine uses to detect
// plugin source changes.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// Hash is a hex-encoded SHA-256 digest, or the literal string "unreadable"
// for a file that could not be hashed (§4.A: reported as modified on every
// pass, never silently dropped).
type Hash string

const Unreadable Hash = "unreadable"

// Snapshot maps a path relative to the scanned root to its content hash.
type Snapshot map[string]Hash

// largeFileCutoff bounds how many bytes of a file are hashed. Beyond this,
// only the first cutoff bytes plus the file size are hashed together,
// keeping the cost deterministic and linear without reading arbitrarily
// large files in full — a deliberate, documented choice per §4.A's
// "implementation choice but must be deterministic."
const largeFileCutoff = 8 * 1024 * 1024

// Options configures which files take part in a snapshot.
type Options struct {
	// IgnoreGlobs are doublestar patterns matched against the path
	// relative to the scanned root (e.g. "**/*.pyc", "**/.git/**").
	IgnoreGlobs []string
	// IgnoreBaseNames are exact base-name matches (e.g. "__pycache__",
	// ".DS_Store").
	IgnoreBaseNames []string
}

// DefaultOptions mirrors the typical defaults named in §3: compiled
// bytecode, temporary artifacts, VCS metadata, cache directories.
func DefaultOptions() Options {
	return Options{
		IgnoreGlobs: []string{
			"**/*.pyc", "**/*.pyo", "**/*.class", "**/*.o", "**/*.tmp", "**/*.swp",
			"**/.git/**", "**/.hg/**", "**/.svn/**",
		},
		IgnoreBaseNames: []string{
			"__pycache__", ".DS_Store", "node_modules", ".git",
		},
	}
}

// Take walks root and returns a Snapshot. Symbolic links are followed at
// most once; a link target already visited in this walk breaks the cycle
// by treating it as a leaf whose hash is the link text itself.
func Take(root string, opts Options) (Snapshot, error) {
	snap := Snapshot{}
	visited := map[string]bool{}

	var walk func(dir string, rel string) error
	walk = func(dir, rel string) error {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			name := entry.Name()
			relPath := filepath.Join(rel, name)
			absPath := filepath.Join(dir, name)

			if ignoredBaseName(name, opts.IgnoreBaseNames) {
				continue
			}
			if ignoredGlob(filepath.ToSlash(relPath), opts.IgnoreGlobs) {
				continue
			}

			info, err := entry.Info()
			if err != nil {
				snap[filepath.ToSlash(relPath)] = Unreadable
				continue
			}

			if info.Mode()&os.ModeSymlink != 0 {
				target, err := os.Readlink(absPath)
				if err != nil {
					snap[filepath.ToSlash(relPath)] = Unreadable
					continue
				}
				resolved, err := filepath.EvalSymlinks(absPath)
				if err != nil {
					snap[filepath.ToSlash(relPath)] = Unreadable
					continue
				}
				if visited[resolved] {
					// Cycle: record the link text as a stable leaf hash
					// instead of recursing again.
					snap[filepath.ToSlash(relPath)] = hashBytes([]byte(target))
					continue
				}
				visited[resolved] = true
				fi, err := os.Stat(resolved)
				if err != nil {
					snap[filepath.ToSlash(relPath)] = Unreadable
					continue
				}
				if fi.IsDir() {
					if err := walk(resolved, relPath); err != nil {
						snap[filepath.ToSlash(relPath)] = Unreadable
					}
					continue
				}
				h, err := hashFile(resolved)
				if err != nil {
					h = Unreadable
				}
				snap[filepath.ToSlash(relPath)] = h
				continue
			}

			if info.IsDir() {
				if err := walk(absPath, relPath); err != nil {
					return err
				}
				continue
			}

			h, err := hashFile(absPath)
			if err != nil {
				h = Unreadable
			}
			snap[filepath.ToSlash(relPath)] = h
		}
		return nil
	}

	if err := walk(root, ""); err != nil {
		return nil, err
	}
	return snap, nil
}

func hashFile(path string) (Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	h := sha256.New()
	if info.Size() <= largeFileCutoff {
		if _, err := io.Copy(h, f); err != nil {
			return "", err
		}
	} else {
		if _, err := io.CopyN(h, f, largeFileCutoff); err != nil && err != io.EOF {
			return "", err
		}
		sizeBuf := make([]byte, 8)
		size := info.Size()
		for i := 0; i < 8; i++ {
			sizeBuf[i] = byte(size >> (8 * i))
		}
		h.Write(sizeBuf)
	}
	return Hash(hex.EncodeToString(h.Sum(nil))), nil
}

func hashBytes(b []byte) Hash {
	sum := sha256.Sum256(b)
	return Hash(hex.EncodeToString(sum[:]))
}

func ignoredBaseName(name string, names []string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func ignoredGlob(relPath string, globs []string) bool {
	for _, g := range globs {
		if ok, _ := doublestar.Match(g, relPath); ok {
			return true
		}
	}
	return false
}

// Diff returns the three disjoint sets required by §3/§8: paths present
// only in b (added), present only in a (removed), and present in both
// with a different hash (modified). The sets partition the symmetric
// difference of keys plus changed-value keys.
//
// A path whose hash is Unreadable in b is always reported as modified when
// it was already present in a, never compared for equality against a's
// hash: Unreadable is a sentinel shared by every unreadable file, so two
// consecutive unreadable reads of the same file would otherwise look
// unchanged and the file would silently drop out of every future diff.
func Diff(a, b Snapshot) (added, removed, modified []string) {
	for path, hb := range b {
		ha, ok := a[path]
		if !ok {
			added = append(added, path)
			continue
		}
		if hb == Unreadable || ha != hb {
			modified = append(modified, path)
		}
	}
	for path := range a {
		if _, ok := b[path]; !ok {
			removed = append(removed, path)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(modified)
	return added, removed, modified
}

// TopLevelDir returns the first path component, used by the reload engine
// to group a diff's changed files by owning plugin directory.
func TopLevelDir(relPath string) string {
	slash := filepath.ToSlash(relPath)
	if i := indexByte(slash, '/'); i >= 0 {
		return slash[:i]
	}
	return slash
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}
