package hub

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"modelhub/pkg/metrics"
)

// UploadOptions are the recognized parameters for push operations.
type UploadOptions struct {
	// CommitMessage is the summary recorded for the commit.
	CommitMessage string
	// Private controls the visibility of a repository created by the push.
	Private bool
	// CreatePR opens a pull request instead of committing to the branch.
	CreatePR bool
	// Branch selects the target branch, defaulting to main.
	Branch string
	// AllowPatterns and IgnorePatterns filter which files are uploaded.
	AllowPatterns  []string
	IgnorePatterns []string
	// Token authenticates the push.
	Token string
}

// CommitInfo reports the result of a push.
type CommitInfo struct {
	OID            string `json:"commitOid"`
	URL            string `json:"commitUrl"`
	PullRequestURL string `json:"pullRequestUrl,omitempty"`
}

// Files larger than this are uploaded to the storage backend instead of
// being inlined in the commit payload.
const lfsSizeThreshold = 10 * 1024 * 1024

var lfsExtensions = map[string]bool{
	".safetensors": true,
	".bin":         true,
	".onnx":        true,
	".msgpack":     true,
	".h5":          true,
	".pt":          true,
	".gguf":        true,
}

type commitFile struct {
	Path string
	Abs  string
	Size int64
	LFS  bool
}

// isLFS decides locally whether a file goes through the storage backend.
// Weight formats always do, everything else is decided by size.
func (f commitFile) isLFS() bool {
	return lfsExtensions[strings.ToLower(filepath.Ext(f.Path))] || f.Size > lfsSizeThreshold
}

// UploadFolder transfers the contents of dir to the repository as a single
// commit. The destination repository is created when it does not exist.
// All operations land in one commit so a reader of the repository never
// observes a partial upload.
func (c *Client) UploadFolder(ctx context.Context, ref RepoRef, dir string, opts UploadOptions) (*CommitInfo, error) {
	branch := opts.Branch
	if branch == "" {
		branch = DefaultRevision
	}
	message := opts.CommitMessage
	if message == "" {
		message = "Upload folder using modelhub"
	}

	if err := c.CreateRepo(ctx, ref, opts.Private, opts.Token); err != nil {
		return nil, err
	}

	files, err := collectFiles(dir, opts.AllowPatterns, opts.IgnorePatterns)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no files to upload in %s", dir)
	}

	oids := map[string]string{}
	for _, f := range files {
		if !f.LFS {
			continue
		}
		oid, err := c.uploadLFSFile(ctx, ref, branch, f, opts.Token)
		if err != nil {
			metrics.UploadCommitsTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("could not upload %s: %w", f.Path, err)
		}
		oids[f.Path] = oid
	}

	info, err := c.createCommit(ctx, ref, branch, message, files, oids, opts)
	if err != nil {
		metrics.UploadCommitsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.UploadCommitsTotal.WithLabelValues("ok").Inc()

	c.Log.Info("folder uploaded", "repo", ref.String(), "branch", branch, "files", len(files), "commit", info.OID)
	return info, nil
}

func collectFiles(dir string, allow, ignore []string) ([]commitFile, error) {
	files := []commitFile{}
	err := filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return fmt.Errorf("failed to compute relative path: %w", err)
		}
		rel = filepath.ToSlash(rel)
		if !matchesPatterns(rel, allow, ignore) {
			return nil
		}
		// Symlinked files, such as cache snapshot entries, are uploaded with
		// the size of their target rather than of the link itself.
		if fi.Mode()&os.ModeSymlink != 0 {
			fi, err = os.Stat(path)
			if err != nil {
				return fmt.Errorf("could not resolve symlink %s: %w", path, err)
			}
			if fi.IsDir() {
				return nil
			}
		}
		f := commitFile{Path: rel, Abs: path, Size: fi.Size()}
		f.LFS = f.isLFS()
		files = append(files, f)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not walk upload folder %s: %w", dir, err)
	}
	return files, nil
}

type preuploadRequest struct {
	Files []preuploadFile `json:"files"`
}

type preuploadFile struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

type preuploadResponse struct {
	Files []struct {
		Path      string `json:"path"`
		UploadURL string `json:"uploadUrl"`
	} `json:"files"`
}

// uploadLFSFile pushes one large file to the storage backend ahead of the
// commit and returns its content oid. The commit later references the oid
// instead of inlining the bytes.
func (c *Client) uploadLFSFile(ctx context.Context, ref RepoRef, branch string, f commitFile, token string) (string, error) {
	body, err := json.Marshal(preuploadRequest{Files: []preuploadFile{{Path: f.Path, Size: f.Size}}})
	if err != nil {
		return "", fmt.Errorf("could not encode preupload request: %w", err)
	}

	u := fmt.Sprintf("%s%s/preupload/%s", c.Endpoint, ref.apiPath(), url.PathEscape(branch))
	req, err := c.newRequest(ctx, http.MethodPost, u, token, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req, "preupload")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", statusError(resp, "preupload failed")
	}

	var pre preuploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&pre); err != nil {
		return "", fmt.Errorf("could not decode preupload response: %w", err)
	}
	if len(pre.Files) == 0 || pre.Files[0].UploadURL == "" {
		return "", fmt.Errorf("hub returned no upload destination for %s", f.Path)
	}

	file, err := os.Open(f.Abs)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", f.Abs, err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hash %s: %w", f.Abs, err)
	}
	oid := hex.EncodeToString(hasher.Sum(nil))
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind %s: %w", f.Abs, err)
	}

	putReq, err := http.NewRequestWithContext(ctx, http.MethodPut, pre.Files[0].UploadURL, file)
	if err != nil {
		return "", fmt.Errorf("could not create upload request: %w", err)
	}
	putReq.ContentLength = f.Size
	putReq.Header.Set("Content-Type", "application/octet-stream")

	putResp, err := c.Client.Do(putReq)
	if err != nil {
		return "", err
	}
	defer putResp.Body.Close()
	if putResp.StatusCode < 200 || putResp.StatusCode >= 300 {
		return "", statusError(putResp, fmt.Sprintf("storage upload of %s failed", f.Path))
	}

	repoType := string(ref.repoType())
	metrics.UploadBytesTotal.WithLabelValues(repoType).Add(float64(f.Size))
	c.Log.V(4).Info("lfs file uploaded", "file", f.Path, "oid", oid, "bytes", f.Size)
	return oid, nil
}

type commitHeader struct {
	Summary     string `json:"summary"`
	Description string `json:"description,omitempty"`
}

type commitInlineFile struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

type commitLFSFile struct {
	Path string `json:"path"`
	Algo string `json:"algo"`
	OID  string `json:"oid"`
	Size int64  `json:"size"`
}

type commitOperation struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// createCommit sends the NDJSON commit payload: one header line followed by
// one line per file operation.
func (c *Client) createCommit(ctx context.Context, ref RepoRef, branch, message string, files []commitFile, oids map[string]string, opts UploadOptions) (*CommitInfo, error) {
	var payload bytes.Buffer
	enc := json.NewEncoder(&payload)
	if err := enc.Encode(commitOperation{Key: "header", Value: commitHeader{Summary: message}}); err != nil {
		return nil, fmt.Errorf("could not encode commit header: %w", err)
	}

	repoType := string(ref.repoType())
	for _, f := range files {
		var op commitOperation
		if f.LFS {
			op = commitOperation{Key: "lfsFile", Value: commitLFSFile{
				Path: f.Path,
				Algo: "sha256",
				OID:  oids[f.Path],
				Size: f.Size,
			}}
		} else {
			content, err := os.ReadFile(f.Abs)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", f.Abs, err)
			}
			metrics.UploadBytesTotal.WithLabelValues(repoType).Add(float64(len(content)))
			op = commitOperation{Key: "file", Value: commitInlineFile{
				Path:     f.Path,
				Content:  base64.StdEncoding.EncodeToString(content),
				Encoding: "base64",
			}}
		}
		if err := enc.Encode(op); err != nil {
			return nil, fmt.Errorf("could not encode commit operation for %s: %w", f.Path, err)
		}
	}

	u := fmt.Sprintf("%s%s/commit/%s", c.Endpoint, ref.apiPath(), url.PathEscape(branch))
	if opts.CreatePR {
		u += "?create_pr=1"
	}
	req, err := c.newRequest(ctx, http.MethodPost, u, opts.Token, &payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-ndjson")

	resp, err := c.do(req, "commit")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(resp, fmt.Sprintf("commit to %s failed", ref.String()))
	}

	var info CommitInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("could not decode commit response: %w", err)
	}
	return &info, nil
}
