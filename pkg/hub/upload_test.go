package hub

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeCommitHub captures the upload surface of the hub: repo creation,
// preupload negotiation, storage PUTs and the final NDJSON commit.
type fakeCommitHub struct {
	mu          sync.Mutex
	createCalls int
	conflict    bool
	stored      map[string][]byte
	commitOps   []commitOperation
	createPR    bool
	srvURL      string
}

func (f *fakeCommitHub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/repos/create", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.createCalls++
		if f.conflict {
			w.WriteHeader(http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("POST /api/models/{owner}/{name}/preupload/{branch}", func(w http.ResponseWriter, r *http.Request) {
		var req preuploadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		resp := preuploadResponse{}
		for _, file := range req.Files {
			resp.Files = append(resp.Files, struct {
				Path      string `json:"path"`
				UploadURL string `json:"uploadUrl"`
			}{Path: file.Path, UploadURL: f.srvURL + "/storage/" + file.Path})
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("PUT /storage/", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.stored[strings.TrimPrefix(r.URL.Path, "/storage/")] = body
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /api/models/{owner}/{name}/commit/{branch}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.createPR = r.URL.Query().Get("create_pr") == "1"
		scanner := bufio.NewScanner(r.Body)
		scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
		for scanner.Scan() {
			var op commitOperation
			if err := json.Unmarshal(scanner.Bytes(), &op); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			f.commitOps = append(f.commitOps, op)
		}
		info := CommitInfo{OID: "deadbeef", URL: f.srvURL + "/org/model/commit/deadbeef"}
		if f.createPR {
			info.PullRequestURL = f.srvURL + "/org/model/discussions/1"
		}
		_ = json.NewEncoder(w).Encode(info)
	})
	return mux
}

func newFakeCommitHub(t *testing.T) (*fakeCommitHub, *httptest.Server) {
	t.Helper()
	fake := &fakeCommitHub{stored: map[string][]byte{}}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	fake.srvURL = srv.URL
	return fake, srv
}

// opValue decodes the value of a commit operation into the given type.
func opValue[T any](t *testing.T, op commitOperation) T {
	t.Helper()
	b, err := json.Marshal(op.Value)
	require.NoError(t, err)
	var v T
	require.NoError(t, json.Unmarshal(b, &v))
	return v
}

func writeUploadDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return dir
}

// ------------------------------------------------------------
// TEST: Repo Creation
// ------------------------------------------------------------
func TestCreateRepo(t *testing.T) {
	t.Parallel()

	fake, srv := newFakeCommitHub(t)
	client := newTestClient(t, srv.URL, t.TempDir())
	ref := RepoRef{Owner: "org", Name: "model"}

	require.NoError(t, client.CreateRepo(context.Background(), ref, false, ""))
	require.Equal(t, 1, fake.createCalls)

	// An existing repository is not an error.
	fake.conflict = true
	require.NoError(t, client.CreateRepo(context.Background(), ref, true, ""))
}

func TestCreateRepoUnauthorized(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, t.TempDir())
	err := client.CreateRepo(context.Background(), RepoRef{Owner: "org", Name: "model"}, false, "")
	require.ErrorIs(t, err, ErrUnauthorized)
}

// ------------------------------------------------------------
// TEST: Upload Folder
// ------------------------------------------------------------
func TestUploadFolder(t *testing.T) {
	t.Parallel()

	weights := "large-tensor-bytes"
	dir := writeUploadDir(t, map[string]string{
		"config.json":       `{"layers": 2}`,
		"model.safetensors": weights,
		"notes.txt":         "do not upload",
	})

	fake, srv := newFakeCommitHub(t)
	client := newTestClient(t, srv.URL, t.TempDir())
	ref := RepoRef{Owner: "org", Name: "model"}

	info, err := client.UploadFolder(context.Background(), ref, dir, UploadOptions{
		CommitMessage:  "initial upload",
		IgnorePatterns: []string{"*.txt"},
	})
	require.NoError(t, err)
	require.Equal(t, "deadbeef", info.OID)
	require.Empty(t, info.PullRequestURL)
	require.Equal(t, 1, fake.createCalls)

	// Weight files travel through the storage backend.
	require.Equal(t, []byte(weights), fake.stored["model.safetensors"])

	// One header line plus one operation per uploaded file, nothing for the
	// ignored one.
	require.Len(t, fake.commitOps, 3)
	require.Equal(t, "header", fake.commitOps[0].Key)
	header := opValue[commitHeader](t, fake.commitOps[0])
	require.Equal(t, "initial upload", header.Summary)

	byKey := map[string]commitOperation{}
	for _, op := range fake.commitOps[1:] {
		byKey[op.Key] = op
	}

	inline := opValue[commitInlineFile](t, byKey["file"])
	require.Equal(t, "config.json", inline.Path)
	require.Equal(t, "base64", inline.Encoding)
	decoded, err := base64.StdEncoding.DecodeString(inline.Content)
	require.NoError(t, err)
	require.JSONEq(t, `{"layers": 2}`, string(decoded))

	lfs := opValue[commitLFSFile](t, byKey["lfsFile"])
	require.Equal(t, "model.safetensors", lfs.Path)
	require.Equal(t, "sha256", lfs.Algo)
	require.Equal(t, int64(len(weights)), lfs.Size)
	sum := sha256.Sum256([]byte(weights))
	require.Equal(t, hex.EncodeToString(sum[:]), lfs.OID)
}

func TestUploadFolderCreatePR(t *testing.T) {
	t.Parallel()

	dir := writeUploadDir(t, map[string]string{"config.json": "{}"})
	fake, srv := newFakeCommitHub(t)
	client := newTestClient(t, srv.URL, t.TempDir())

	info, err := client.UploadFolder(context.Background(), RepoRef{Owner: "org", Name: "model"}, dir, UploadOptions{
		CreatePR: true,
	})
	require.NoError(t, err)
	require.True(t, fake.createPR)
	require.NotEmpty(t, info.PullRequestURL)
}

func TestUploadFolderAllowPatterns(t *testing.T) {
	t.Parallel()

	dir := writeUploadDir(t, map[string]string{
		"config.json": "{}",
		"extra.bin":   "bytes",
	})
	fake, srv := newFakeCommitHub(t)
	client := newTestClient(t, srv.URL, t.TempDir())

	_, err := client.UploadFolder(context.Background(), RepoRef{Owner: "org", Name: "model"}, dir, UploadOptions{
		AllowPatterns: []string{"*.json"},
	})
	require.NoError(t, err)

	require.Len(t, fake.commitOps, 2)
	inline := opValue[commitInlineFile](t, fake.commitOps[1])
	require.Equal(t, "config.json", inline.Path)
}

func TestUploadFolderSymlinkedFiles(t *testing.T) {
	t.Parallel()

	weights := strings.Repeat("tensor-bytes-", 64)
	targetDir := t.TempDir()
	target := filepath.Join(targetDir, "blob")
	require.NoError(t, os.WriteFile(target, []byte(weights), 0o644))

	// Cache snapshots expose blobs through symlinks, so an uploaded snapshot
	// directory must declare the target's size, not the link's.
	dir := t.TempDir()
	require.NoError(t, os.Symlink(target, filepath.Join(dir, "model.safetensors")))

	fake, srv := newFakeCommitHub(t)
	client := newTestClient(t, srv.URL, t.TempDir())

	_, err := client.UploadFolder(context.Background(), RepoRef{Owner: "org", Name: "model"}, dir, UploadOptions{})
	require.NoError(t, err)

	require.Equal(t, []byte(weights), fake.stored["model.safetensors"])
	require.Len(t, fake.commitOps, 2)
	lfs := opValue[commitLFSFile](t, fake.commitOps[1])
	require.Equal(t, "model.safetensors", lfs.Path)
	require.Equal(t, int64(len(weights)), lfs.Size)
}

func TestUploadFolderEmpty(t *testing.T) {
	t.Parallel()

	dir := writeUploadDir(t, map[string]string{"notes.txt": "only this"})
	_, srv := newFakeCommitHub(t)
	client := newTestClient(t, srv.URL, t.TempDir())

	_, err := client.UploadFolder(context.Background(), RepoRef{Owner: "org", Name: "model"}, dir, UploadOptions{
		IgnorePatterns: []string{"*.txt"},
	})
	require.ErrorContains(t, err, "no files to upload")
}
