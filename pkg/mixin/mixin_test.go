package mixin

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"modelhub/pkg/card"
	"modelhub/pkg/hub"
)

const weightsFilename = "weights.json"

// tinyModel is a minimal library model type used to exercise the save,
// load and push conventions.
type tinyModel struct {
	Pretrained `json:"-"`

	Layers  int       `json:"layers"`
	Weights []float64 `json:"weights"`
}

func (m *tinyModel) SaveWeights(fs afero.Fs, dir string) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return afero.WriteFile(fs, filepath.Join(dir, weightsFilename), b, 0o644)
}

func (m *tinyModel) LoadWeights(fs afero.Fs, dir string) error {
	b, err := afero.ReadFile(fs, filepath.Join(dir, weightsFilename))
	if err != nil {
		return err
	}
	return json.Unmarshal(b, m)
}

func (m *tinyModel) Config() map[string]any {
	return map[string]any{"layers": m.Layers}
}

// stubHub records what the mixin asks of the hub client without any network.
type stubHub struct {
	snapshotDir  string
	downloadOpts hub.DownloadOptions
	uploadRef    hub.RepoRef
	uploadOpts   hub.UploadOptions
	uploaded     map[string][]byte
	uploadErr    error
}

func (s *stubHub) FileDownload(ctx context.Context, ref hub.RepoRef, filename string, opts hub.DownloadOptions) (string, error) {
	return "", errors.New("not implemented")
}

func (s *stubHub) SnapshotDownload(ctx context.Context, ref hub.RepoRef, opts hub.DownloadOptions) (string, error) {
	s.downloadOpts = opts
	if s.snapshotDir == "" {
		return "", hub.ErrNotFound
	}
	return s.snapshotDir, nil
}

func (s *stubHub) UploadFolder(ctx context.Context, ref hub.RepoRef, dir string, opts hub.UploadOptions) (*hub.CommitInfo, error) {
	if s.uploadErr != nil {
		return nil, s.uploadErr
	}
	s.uploadRef = ref
	s.uploadOpts = opts
	// The staging directory disappears after the call, so capture it now.
	s.uploaded = map[string][]byte{}
	err := filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil || fi.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		s.uploaded[filepath.ToSlash(rel)] = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &hub.CommitInfo{OID: "deadbeef"}, nil
}

func (s *stubHub) CreateRepo(ctx context.Context, ref hub.RepoRef, private bool, token string) error {
	return nil
}

// ------------------------------------------------------------
// TEST: Save
// ------------------------------------------------------------
func TestSavePretrained(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	m := &tinyModel{Layers: 2, Weights: []float64{0.5, -1.5}}

	require.NoError(t, SavePretrained(context.Background(), fs, m, "/saved/my-model", "gomodels"))

	for _, name := range []string{ConfigFilename, weightsFilename, card.Filename} {
		exists, err := afero.Exists(fs, filepath.Join("/saved/my-model", name))
		require.NoError(t, err)
		require.True(t, exists, "expected %s to be written", name)
	}

	b, err := afero.ReadFile(fs, filepath.Join("/saved/my-model", ConfigFilename))
	require.NoError(t, err)
	var cfg map[string]any
	require.NoError(t, json.Unmarshal(b, &cfg))
	require.EqualValues(t, 2, cfg["layers"])

	loaded, err := card.Load(fs, filepath.Join("/saved/my-model", card.Filename))
	require.NoError(t, err)
	require.Equal(t, "gomodels", loaded.Metadata.Library)
}

func TestSavePretrainedKeepsExistingCard(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	handWritten := "# hand written card\n"
	require.NoError(t, fs.MkdirAll("/saved", 0o755))
	require.NoError(t, afero.WriteFile(fs, filepath.Join("/saved", card.Filename), []byte(handWritten), 0o644))

	m := &tinyModel{Layers: 1}
	require.NoError(t, SavePretrained(context.Background(), fs, m, "/saved", ""))

	b, err := afero.ReadFile(fs, filepath.Join("/saved", card.Filename))
	require.NoError(t, err)
	require.Equal(t, handWritten, string(b))
}

// ------------------------------------------------------------
// TEST: Save Then Load Round Trip
// ------------------------------------------------------------
func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	original := &tinyModel{Layers: 3, Weights: []float64{1, 2, 3}}
	require.NoError(t, SavePretrained(context.Background(), fs, original, "/saved", ""))

	restored := &tinyModel{}
	require.NoError(t, FromPretrained(context.Background(), &stubHub{}, fs, restored, "/saved", hub.DownloadOptions{}))

	require.Equal(t, original.Layers, restored.Layers)
	require.Equal(t, original.Weights, restored.Weights)
}

// ------------------------------------------------------------
// TEST: Load
// ------------------------------------------------------------
func TestFromPretrainedRemote(t *testing.T) {
	t.Parallel()

	snapshot := t.TempDir()
	want := &tinyModel{Layers: 4, Weights: []float64{9}}
	require.NoError(t, want.SaveWeights(afero.NewOsFs(), snapshot))

	stub := &stubHub{snapshotDir: snapshot}
	m := &tinyModel{}
	opts := hub.DownloadOptions{Revision: "v1", Token: "secret"}
	require.NoError(t, FromPretrained(context.Background(), stub, afero.NewOsFs(), m, "org/model", opts))

	require.Equal(t, want.Layers, m.Layers)
	require.Equal(t, want.Weights, m.Weights)
	require.Equal(t, opts, stub.downloadOpts)
}

func TestFromPretrainedInvalidID(t *testing.T) {
	t.Parallel()

	m := &tinyModel{}
	err := FromPretrained(context.Background(), &stubHub{}, afero.NewMemMapFs(), m, "definitely-not-here", hub.DownloadOptions{})
	require.ErrorContains(t, err, "neither a local directory nor a repository id")
}

func TestFromPretrainedRemoteFailure(t *testing.T) {
	t.Parallel()

	m := &tinyModel{}
	err := FromPretrained(context.Background(), &stubHub{}, afero.NewMemMapFs(), m, "org/missing", hub.DownloadOptions{})
	require.ErrorIs(t, err, hub.ErrNotFound)
}

// ------------------------------------------------------------
// TEST: Push
// ------------------------------------------------------------
func TestPushToHub(t *testing.T) {
	t.Parallel()

	stub := &stubHub{}
	m := &tinyModel{Layers: 2, Weights: []float64{0.1}}
	opts := hub.UploadOptions{CommitMessage: "first push", Private: true, Branch: "main"}

	info, err := PushToHub(context.Background(), stub, m, "org/model", "gomodels", opts)
	require.NoError(t, err)
	require.Equal(t, "deadbeef", info.OID)
	require.Equal(t, "org/model", stub.uploadRef.String())
	require.Equal(t, opts, stub.uploadOpts)

	// The staging directory contained the full saved layout.
	require.Contains(t, stub.uploaded, ConfigFilename)
	require.Contains(t, stub.uploaded, weightsFilename)
	require.Contains(t, stub.uploaded, card.Filename)
}

func TestPushToHubInvalidRepo(t *testing.T) {
	t.Parallel()

	_, err := PushToHub(context.Background(), &stubHub{}, &tinyModel{}, "not-a-repo", "", hub.UploadOptions{})
	require.Error(t, err)
}

// ------------------------------------------------------------
// TEST: Embedded Mixin
// ------------------------------------------------------------
func TestPretrainedEmbedding(t *testing.T) {
	t.Parallel()

	stub := &stubHub{}
	m := &tinyModel{Layers: 5, Weights: []float64{1, 1, 2, 3, 5}}
	m.Pretrained = Pretrained{Client: stub, FS: afero.NewMemMapFs(), Library: "gomodels"}
	m.Bind(m)

	require.NoError(t, m.SavePretrained(context.Background(), "/saved"))

	restored := &tinyModel{}
	restored.Pretrained = Pretrained{Client: stub, FS: m.FS}
	restored.Bind(restored)
	require.NoError(t, restored.FromPretrained(context.Background(), "/saved", hub.DownloadOptions{}))
	require.Equal(t, m.Weights, restored.Weights)

	info, err := m.PushToHub(context.Background(), "org/model", hub.UploadOptions{})
	require.NoError(t, err)
	require.Equal(t, "deadbeef", info.OID)
}

func TestPretrainedUnbound(t *testing.T) {
	t.Parallel()

	m := &tinyModel{}
	require.ErrorIs(t, m.SavePretrained(context.Background(), "/saved"), ErrUnbound)
	require.ErrorIs(t, m.FromPretrained(context.Background(), "/saved", hub.DownloadOptions{}), ErrUnbound)
	_, err := m.PushToHub(context.Background(), "org/model", hub.UploadOptions{})
	require.ErrorIs(t, err, ErrUnbound)
}
