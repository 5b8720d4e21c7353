package hub

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"modelhub/pkg/cache"
	"modelhub/pkg/metrics"
)

// DownloadOptions are the recognized parameters for load operations.
type DownloadOptions struct {
	// Revision selects a non default branch, tag or commit.
	Revision string
	// CacheDir overrides the local cache location.
	CacheDir string
	// ForceDownload bypasses the cache even when the file is present.
	ForceDownload bool
	// ResumeDownload continues a partial download instead of restarting.
	ResumeDownload bool
	// LocalFilesOnly disallows any network access.
	LocalFilesOnly bool
	// Token authenticates access to private repositories.
	Token string
	// AllowPatterns and IgnorePatterns filter snapshot downloads.
	AllowPatterns  []string
	IgnorePatterns []string
	// MaxWorkers bounds concurrent file downloads within a snapshot.
	MaxWorkers int
}

const defaultMaxWorkers = 8

// fileMetadata is what a HEAD request against a resolve URL tells us about
// a file before downloading it.
type fileMetadata struct {
	Commit   string
	ETag     string
	Size     int64
	Location string
}

// expectedDigest returns the digest the blob must hash to, when the ETag
// carries one. LFS files report their sha256 as the ETag while regular git
// files report a short object hash which cannot be verified client side.
func (m fileMetadata) expectedDigest() digest.Digest {
	if len(m.ETag) == 64 && !strings.ContainsFunc(m.ETag, func(r rune) bool {
		return !strings.ContainsRune("0123456789abcdef", r)
	}) {
		return digest.NewDigestFromEncoded(digest.SHA256, m.ETag)
	}
	return ""
}

// resolveURL builds the content URL for a file at a revision.
func (c *Client) resolveURL(ref RepoRef, revision, filename string) string {
	prefix := ""
	switch ref.repoType() {
	case RepoTypeDataset:
		prefix = "/datasets"
	case RepoTypeSpace:
		prefix = "/spaces"
	}
	return fmt.Sprintf("%s%s/%s/%s/resolve/%s/%s", c.Endpoint, prefix, ref.Owner, ref.Name, revision, filename)
}

// FileDownload fetches a single file into the cache and returns the path of
// its snapshot entry. Cached files are returned without touching the
// network unless ForceDownload is set.
func (c *Client) FileDownload(ctx context.Context, ref RepoRef, filename string, opts DownloadOptions) (string, error) {
	revision := opts.Revision
	if revision == "" {
		revision = DefaultRevision
	}
	store := c.cacheFor(opts.CacheDir)
	folder := ref.FolderName()

	if opts.LocalFilesOnly {
		return c.localFile(store, folder, revision, filename)
	}

	meta, err := c.headFile(ctx, ref, revision, filename, opts.Token)
	if err != nil {
		// Degrade to the cache when the hub is unreachable, the way an
		// intermittently connected node would want.
		if local, lerr := c.localFile(store, folder, revision, filename); lerr == nil {
			c.Log.Info("hub unreachable, serving cached file", "repo", ref.String(), "file", filename)
			return local, nil
		}
		return "", err
	}

	commit := meta.Commit
	if commit == "" {
		commit, err = c.ResolveRevision(ctx, ref, revision, opts.CacheDir, opts.Token)
		if err != nil {
			return "", err
		}
	}

	snapshotFile := store.SnapshotPath(folder, commit, filename)
	if !opts.ForceDownload {
		if _, err := os.Stat(snapshotFile); err == nil {
			metrics.CacheRequestsTotal.WithLabelValues("hit").Inc()
			c.recordRef(store, folder, revision, commit)
			return snapshotFile, nil
		}
	}
	metrics.CacheRequestsTotal.WithLabelValues("miss").Inc()

	dgst, err := c.downloadBlob(ctx, store, folder, meta, opts)
	if err != nil {
		return "", fmt.Errorf("could not download %s from %s: %w", filename, ref.String(), err)
	}

	snapshotFile, err = store.LinkSnapshot(folder, commit, filename, dgst)
	if err != nil {
		return "", err
	}
	c.recordRef(store, folder, revision, commit)

	c.Log.Info("file downloaded", "repo", ref.String(), "file", filename, "commit", commit, "digest", dgst.String())
	return snapshotFile, nil
}

// localFile serves a file from the cache without network access.
func (c *Client) localFile(store *cache.Cache, folder, revision, filename string) (string, error) {
	commit := revision
	if !cache.IsCommitHash(revision) {
		var err error
		commit, err = store.ReadRef(folder, revision)
		if err != nil {
			return "", fmt.Errorf("revision %s is not cached: %w", revision, ErrOffline)
		}
	}
	snapshotFile := store.SnapshotPath(folder, commit, filename)
	if _, err := os.Stat(snapshotFile); err != nil {
		return "", fmt.Errorf("file %s at %s: %w", filename, commit, ErrOffline)
	}
	metrics.CacheRequestsTotal.WithLabelValues("hit").Inc()
	return snapshotFile, nil
}

func (c *Client) recordRef(store *cache.Cache, folder, revision, commit string) {
	if cache.IsCommitHash(revision) {
		return
	}
	if err := store.WriteRef(folder, revision, commit); err != nil {
		c.Log.Error(err, "could not write ref", "folder", folder, "revision", revision)
	}
}

// headFile asks the hub about a file without downloading it. Redirects are
// not followed so that the commit and ETag headers of the hub response are
// observed rather than those of the storage backend.
func (c *Client) headFile(ctx context.Context, ref RepoRef, revision, filename, token string) (fileMetadata, error) {
	u := c.resolveURL(ref, revision, filename)
	req, err := c.newRequest(ctx, http.MethodHead, u, token, nil)
	if err != nil {
		return fileMetadata{}, err
	}
	req.Header.Set("Accept-Encoding", "identity")

	client := &http.Client{
		Timeout:   c.Client.Timeout,
		Transport: c.Client.Transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	var resp *http.Response
	err = retry.Do(
		func() error {
			var err error
			resp, err = client.Do(req) //nolint:bodyclose // HEAD body is empty, closed below
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.Retries)),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fileMetadata{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fileMetadata{}, statusError(resp, fmt.Sprintf("could not stat %s", u))
	}

	meta := fileMetadata{
		Commit:   resp.Header.Get("X-Repo-Commit"),
		Location: u,
	}
	if loc := resp.Header.Get("Location"); loc != "" {
		meta.Location = loc
	}
	etag := resp.Header.Get("X-Linked-ETag")
	if etag == "" {
		etag = resp.Header.Get("ETag")
	}
	meta.ETag = strings.Trim(strings.TrimPrefix(etag, "W/"), `"`)
	if size := resp.Header.Get("X-Linked-Size"); size != "" {
		meta.Size, _ = strconv.ParseInt(size, 10, 64)
	} else if resp.ContentLength > 0 {
		meta.Size = resp.ContentLength
	}
	return meta, nil
}

// downloadBlob fetches the file content into the blob store, resuming a
// previous partial download when possible.
func (c *Client) downloadBlob(ctx context.Context, store *cache.Cache, folder string, meta fileMetadata, opts DownloadOptions) (digest.Digest, error) {
	expected := meta.expectedDigest()

	if expected != "" && store.HasBlob(folder, expected) && !opts.ForceDownload {
		metrics.CacheRequestsTotal.WithLabelValues("hit").Inc()
		return expected, nil
	}

	// Every attempt streams into its own working file so that concurrent
	// downloads of identical content never share a path. A partial download
	// left under the stable <etag>.incomplete name by an earlier run is
	// adopted via rename, which at most one worker can win. Without an ETag
	// there is nothing stable to resume against, so resume is skipped.
	blobsDir := filepath.Join(store.RepoDir(folder), "blobs")
	if err := os.MkdirAll(blobsDir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir blobs: %w", err)
	}
	var incomplete, resumable string
	if meta.ETag != "" {
		resumable = filepath.Join(blobsDir, meta.ETag+".incomplete")
		incomplete = filepath.Join(blobsDir, meta.ETag+"."+uuid.NewString()+".incomplete")
		if opts.ResumeDownload {
			_ = os.Rename(resumable, incomplete)
		}
	} else {
		incomplete = filepath.Join(blobsDir, uuid.NewString()+".incomplete")
	}

	start := time.Now()
	var written int64
	err := retry.Do(
		func() error {
			n, err := c.fetchRange(ctx, meta.Location, opts, incomplete)
			written = n
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.Retries)),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		// Park whatever arrived under the stable name so a later attempt
		// can resume it.
		if resumable != "" {
			_ = os.Rename(incomplete, resumable)
		} else {
			_ = os.Remove(incomplete)
		}
		return "", err
	}

	repoType := strings.SplitN(folder, "s--", 2)[0]
	metrics.DownloadBytesTotal.WithLabelValues(repoType).Add(float64(written))
	metrics.DownloadDurHistogram.WithLabelValues(repoType).Observe(time.Since(start).Seconds())

	f, err := os.Open(incomplete)
	if err != nil {
		return "", fmt.Errorf("open downloaded file: %w", err)
	}
	dgst, _, err := store.WriteBlob(f, folder, expected)
	_ = f.Close()
	if err != nil {
		_ = os.Remove(incomplete)
		return "", err
	}
	_ = os.Remove(incomplete)
	return dgst, nil
}

// fetchRange downloads into the incomplete file, sending a Range header
// when resuming. A server that ignores the Range request restarts the file
// from zero.
func (c *Client) fetchRange(ctx context.Context, url string, opts DownloadOptions, incomplete string) (int64, error) {
	var offset int64
	if opts.ResumeDownload {
		if info, err := os.Stat(incomplete); err == nil {
			offset = info.Size()
		}
	}

	req, err := c.newRequest(ctx, http.MethodGet, url, opts.Token, nil)
	if err != nil {
		return 0, err
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		offset = 0
	case http.StatusPartialContent:
	default:
		return 0, statusError(resp, fmt.Sprintf("could not download %s", url))
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(incomplete, flags, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open incomplete file: %w", err)
	}

	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("stream download: %w", err)
	}
	return n, nil
}

// SnapshotDownload fetches every file of a repository revision and returns
// the snapshot directory.
func (c *Client) SnapshotDownload(ctx context.Context, ref RepoRef, opts DownloadOptions) (string, error) {
	revision := opts.Revision
	if revision == "" {
		revision = DefaultRevision
	}
	store := c.cacheFor(opts.CacheDir)
	folder := ref.FolderName()

	if opts.LocalFilesOnly {
		commit := revision
		if !cache.IsCommitHash(revision) {
			var err error
			commit, err = store.ReadRef(folder, revision)
			if err != nil {
				return "", fmt.Errorf("snapshot for %s at %s: %w", ref.String(), revision, ErrOffline)
			}
		}
		snapshotDir := store.SnapshotDir(folder, commit)
		if _, err := os.Stat(snapshotDir); err != nil {
			return "", fmt.Errorf("snapshot for %s at %s: %w", ref.String(), commit, ErrOffline)
		}
		return snapshotDir, nil
	}

	info, err := c.RepoInfo(ctx, ref, revision, opts.Token)
	if err != nil {
		return "", err
	}

	fileOpts := opts
	fileOpts.Revision = info.SHA

	maxWorkers := opts.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = defaultMaxWorkers
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxWorkers)
	for _, sibling := range info.Siblings {
		if !matchesPatterns(sibling.Filename, opts.AllowPatterns, opts.IgnorePatterns) {
			c.Log.V(4).Info("skipping filtered file", "file", sibling.Filename)
			continue
		}
		g.Go(func() error {
			_, err := c.FileDownload(gctx, ref, sibling.Filename, fileOpts)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return "", fmt.Errorf("snapshot download of %s failed: %w", ref.String(), err)
	}

	c.recordRef(store, folder, revision, info.SHA)
	c.Log.Info("snapshot downloaded", "repo", ref.String(), "commit", info.SHA, "files", len(info.Siblings))
	return store.SnapshotDir(folder, info.SHA), nil
}

// matchesPatterns applies allow and ignore globs to a repository relative
// file path. Patterns match against the full path, the base name, and as a
// directory prefix when they end in /**.
func matchesPatterns(name string, allow, ignore []string) bool {
	if len(allow) > 0 && !matchesAny(name, allow) {
		return false
	}
	return !matchesAny(name, ignore)
}

func matchesAny(name string, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, _ := path.Match(pattern, name); ok {
			return true
		}
		if ok, _ := path.Match(pattern, path.Base(name)); ok {
			return true
		}
		if prefix, ok := strings.CutSuffix(pattern, "/**"); ok && strings.HasPrefix(name, prefix+"/") {
			return true
		}
	}
	return false
}
