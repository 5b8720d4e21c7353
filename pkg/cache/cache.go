package cache

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-logr/logr"
	"github.com/opencontainers/go-digest"
)

const (
	blobsDirName     = "blobs"
	snapshotsDirName = "snapshots"
	refsDirName      = "refs"
)

var commitHashPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// Cache manages the on disk layout for downloaded hub repositories.
// Each repository lives in a folder of the form models--<owner>--<name>
// containing blobs, snapshots and refs subdirectories. Blobs are content
// addressed, snapshots link file names within a commit to blobs, and refs
// map branch or tag names to commit hashes.
type Cache struct {
	Dir string
	Log logr.Logger
}

// CacheOption type for functional configuration
type CacheOption func(*Cache)

// WithLogger overrides the default logger
func WithLogger(log logr.Logger) CacheOption {
	return func(c *Cache) {
		c.Log = log
	}
}

func New(dir string, opts ...CacheOption) *Cache {
	c := &Cache{
		Dir: dir,
		Log: logr.Discard(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// FolderName returns the cache folder for a repository, for example
// models--org--name for a model repository.
func FolderName(repoType, owner, name string) string {
	return fmt.Sprintf("%ss--%s--%s", repoType, owner, name)
}

// IsCommitHash reports whether s looks like a full commit SHA.
func IsCommitHash(s string) bool {
	return commitHashPattern.MatchString(s)
}

func (c *Cache) RepoDir(folder string) string {
	return filepath.Join(c.Dir, folder)
}

func (c *Cache) BlobPath(folder string, dgst digest.Digest) string {
	return filepath.Join(c.Dir, folder, blobsDirName, dgst.Encoded())
}

func (c *Cache) SnapshotDir(folder, commit string) string {
	return filepath.Join(c.Dir, folder, snapshotsDirName, commit)
}

func (c *Cache) SnapshotPath(folder, commit, filename string) string {
	return filepath.Join(c.SnapshotDir(folder, commit), filepath.FromSlash(filename))
}

func (c *Cache) RefPath(folder, rev string) string {
	return filepath.Join(c.Dir, folder, refsDirName, rev)
}

// ReadRef resolves a branch or tag name to the commit hash recorded for it.
func (c *Cache) ReadRef(folder, rev string) (string, error) {
	b, err := os.ReadFile(c.RefPath(folder, rev))
	if err != nil {
		return "", fmt.Errorf("could not read ref %s for %s: %w", rev, folder, err)
	}
	return strings.TrimSpace(string(b)), nil
}

func (c *Cache) WriteRef(folder, rev, commit string) error {
	refFile := c.RefPath(folder, rev)
	if err := os.MkdirAll(filepath.Dir(refFile), 0o755); err != nil {
		return fmt.Errorf("mkdir refs: %w", err)
	}
	return os.WriteFile(refFile, []byte(commit), 0o644)
}

// WriteBlob streams r into the blob store for folder, verifying the content
// against expected when it is set. The blob is never visible at its final
// path until fully written and synced.
func (c *Cache) WriteBlob(r io.Reader, folder string, expected digest.Digest) (digest.Digest, int64, error) {
	blobsDir := filepath.Join(c.Dir, folder, blobsDirName)
	if err := os.MkdirAll(blobsDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("mkdir blobs: %w", err)
	}

	f, err := os.CreateTemp(blobsDir, "tmp-*")
	if err != nil {
		return "", 0, fmt.Errorf("create tmp: %w", err)
	}
	tmp := f.Name()

	digester := digest.SHA256.Digester()
	n, err := io.Copy(io.MultiWriter(f, digester.Hash()), r)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", 0, fmt.Errorf("write blob: %w", err)
	}

	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", 0, fmt.Errorf("sync: %w", err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", 0, fmt.Errorf("close: %w", err)
	}

	dgst := digester.Digest()
	if expected != "" && dgst != expected {
		_ = os.Remove(tmp)
		return "", 0, fmt.Errorf("blob digest mismatch: got %s expected %s", dgst, expected)
	}

	dst := c.BlobPath(folder, dgst)
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return "", 0, fmt.Errorf("rename: %w", err)
	}

	c.Log.V(4).Info("blob written", "folder", folder, "digest", dgst.String(), "bytes", n)
	return dgst, n, nil
}

// HasBlob reports whether the blob for dgst exists in folder.
func (c *Cache) HasBlob(folder string, dgst digest.Digest) bool {
	_, err := os.Stat(c.BlobPath(folder, dgst))
	return err == nil
}

// LinkSnapshot exposes a blob under its file name within a commit snapshot.
// A relative symlink is preferred, falling back to a copy on filesystems
// that do not support symlinks.
func (c *Cache) LinkSnapshot(folder, commit, filename string, dgst digest.Digest) (string, error) {
	snapshotFile := c.SnapshotPath(folder, commit, filename)
	if err := os.MkdirAll(filepath.Dir(snapshotFile), 0o755); err != nil {
		return "", fmt.Errorf("mkdir snapshot: %w", err)
	}

	blobFile := c.BlobPath(folder, dgst)
	rel, err := filepath.Rel(filepath.Dir(snapshotFile), blobFile)
	if err != nil {
		return "", fmt.Errorf("could not compute relative blob path: %w", err)
	}

	// Replace any stale entry from a previous download.
	if err := os.Remove(snapshotFile); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("remove stale snapshot entry: %w", err)
	}

	if err := os.Symlink(rel, snapshotFile); err != nil {
		c.Log.V(4).Info("symlink unsupported, copying blob", "file", snapshotFile, "error", err.Error())
		if err := copyFile(blobFile, snapshotFile); err != nil {
			return "", err
		}
	}
	return snapshotFile, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open blob: %w", err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create snapshot entry: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return fmt.Errorf("copy blob: %w", err)
	}
	return out.Close()
}

// RepoEntry describes one cached repository discovered by Scan.
type RepoEntry struct {
	Folder    string
	Revisions []string
	Files     int
	SizeBytes int64
}

// Scan walks the cache directory and summarises every cached repository.
func (c *Cache) Scan(ctx context.Context) ([]RepoEntry, error) {
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cache dir %s: %w", c.Dir, err)
	}

	repos := []RepoEntry{}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() || !strings.Contains(entry.Name(), "--") {
			continue
		}

		repo := RepoEntry{Folder: entry.Name()}
		snapshotsDir := filepath.Join(c.Dir, entry.Name(), snapshotsDirName)
		revisions, err := os.ReadDir(snapshotsDir)
		if err == nil {
			for _, rev := range revisions {
				if rev.IsDir() {
					repo.Revisions = append(repo.Revisions, rev.Name())
				}
			}
		}

		blobsDir := filepath.Join(c.Dir, entry.Name(), blobsDirName)
		err = filepath.Walk(blobsDir, func(path string, info os.FileInfo, err error) error {
			if err != nil || info.IsDir() {
				return nil
			}
			repo.Files++
			repo.SizeBytes += info.Size()
			return nil
		})
		if err != nil {
			c.Log.Error(err, "could not walk blobs", "folder", entry.Name())
		}
		repos = append(repos, repo)
	}

	c.Log.V(4).Info("cache scan completed", "repos", len(repos))
	return repos, nil
}

// DeleteRevision removes one snapshot and its ref entries. Blobs are removed
// only when no remaining snapshot references them.
func (c *Cache) DeleteRevision(folder, commit string) error {
	snapshotDir := c.SnapshotDir(folder, commit)
	if _, err := os.Stat(snapshotDir); err != nil {
		return fmt.Errorf("revision %s not cached for %s: %w", commit, folder, err)
	}
	if err := os.RemoveAll(snapshotDir); err != nil {
		return fmt.Errorf("remove snapshot: %w", err)
	}

	// Drop refs pointing at the deleted commit.
	refsDir := filepath.Join(c.Dir, folder, refsDirName)
	refs, err := os.ReadDir(refsDir)
	if err == nil {
		for _, ref := range refs {
			target, err := c.ReadRef(folder, ref.Name())
			if err == nil && target == commit {
				_ = os.Remove(filepath.Join(refsDir, ref.Name()))
			}
		}
	}

	return c.pruneBlobs(folder)
}

func (c *Cache) pruneBlobs(folder string) error {
	referenced := map[string]struct{}{}
	snapshotsDir := filepath.Join(c.Dir, folder, snapshotsDirName)
	err := filepath.Walk(snapshotsDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if target, err := os.Readlink(path); err == nil {
			referenced[filepath.Base(target)] = struct{}{}
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("walk snapshots: %w", err)
	}

	blobsDir := filepath.Join(c.Dir, folder, blobsDirName)
	blobs, err := os.ReadDir(blobsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read blobs: %w", err)
	}
	for _, blob := range blobs {
		if _, ok := referenced[blob.Name()]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(blobsDir, blob.Name())); err != nil {
			c.Log.Error(err, "could not prune blob", "blob", blob.Name())
		}
	}
	return nil
}
