// Package mixin implements the integration conventions for library authors
// who want their model types to load from and publish to the hub. Both
// documented patterns are provided: free functions for authors who prefer
// plain helpers, and the Pretrained type for authors who want to embed the
// behavior into their model structs.
package mixin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/spf13/afero"

	"modelhub/pkg/card"
	"modelhub/pkg/hub"
)

// ConfigFilename holds the model configuration within a saved directory.
const ConfigFilename = "config.json"

const defaultLibrary = "modelhub"

// Model is the contract a library's model type must honor. Saving must
// deterministically write every artifact needed to reconstruct the model,
// and loading from a directory produced by saving must yield an equivalent
// model.
type Model interface {
	// SaveWeights writes the weights file and any auxiliary artifacts into dir.
	SaveWeights(fs afero.Fs, dir string) error
	// LoadWeights reconstructs the model from a directory written by SaveWeights.
	LoadWeights(fs afero.Fs, dir string) error
	// Config returns the serializable model configuration.
	Config() map[string]any
}

// SavePretrained writes the model's weights, configuration and a generated
// model card into dir. An existing model card is left untouched so authors
// can ship hand written cards.
func SavePretrained(ctx context.Context, fs afero.Fs, m Model, dir, library string) error {
	log := logr.FromContextOrDiscard(ctx)
	if library == "" {
		library = defaultLibrary
	}

	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	cfg, err := json.MarshalIndent(m.Config(), "", "  ")
	if err != nil {
		return fmt.Errorf("could not encode model config: %w", err)
	}
	if err := afero.WriteFile(fs, filepath.Join(dir, ConfigFilename), cfg, 0o644); err != nil {
		return fmt.Errorf("could not write model config: %w", err)
	}

	if err := m.SaveWeights(fs, dir); err != nil {
		return fmt.Errorf("could not save weights to %s: %w", dir, err)
	}

	cardPath := filepath.Join(dir, card.Filename)
	if _, err := fs.Stat(cardPath); err != nil {
		modelCard := card.Default(filepath.Base(dir), library)
		if err := modelCard.Write(fs, dir); err != nil {
			return err
		}
	}

	log.Info("model saved", "dir", dir)
	return nil
}

// FromPretrained constructs the model from id, which is either a local
// directory or a remote repository identifier. Remote repositories are
// downloaded into the cache first. When id is neither a readable directory
// nor a resolvable repository, an error is returned rather than a silently
// empty model.
func FromPretrained(ctx context.Context, client hub.Hub, fs afero.Fs, m Model, id string, opts hub.DownloadOptions) error {
	if info, err := fs.Stat(id); err == nil && info.IsDir() {
		if err := m.LoadWeights(fs, id); err != nil {
			return fmt.Errorf("could not load model from directory %s: %w", id, err)
		}
		return nil
	}

	ref, err := hub.ParseRepoRef(id)
	if err != nil {
		return fmt.Errorf("%q is neither a local directory nor a repository id: %w", id, err)
	}

	snapshotDir, err := client.SnapshotDownload(ctx, ref, opts)
	if err != nil {
		return fmt.Errorf("could not fetch %s: %w", id, err)
	}

	// Snapshots always live on the real filesystem regardless of the save
	// filesystem in use.
	if err := m.LoadWeights(afero.NewOsFs(), snapshotDir); err != nil {
		return fmt.Errorf("could not load model from snapshot %s: %w", snapshotDir, err)
	}
	return nil
}

// PushToHub saves the model into a staging directory and transfers it to
// the repository as a single commit.
func PushToHub(ctx context.Context, client hub.Hub, m Model, repoID, library string, opts hub.UploadOptions) (*hub.CommitInfo, error) {
	ref, err := hub.ParseRepoRef(repoID)
	if err != nil {
		return nil, err
	}

	staging, err := os.MkdirTemp("", "modelhub-push-*")
	if err != nil {
		return nil, fmt.Errorf("could not create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := SavePretrained(ctx, afero.NewOsFs(), m, staging, library); err != nil {
		return nil, err
	}

	info, err := client.UploadFolder(ctx, ref, staging, opts)
	if err != nil {
		return nil, fmt.Errorf("could not push %s: %w", repoID, err)
	}
	return info, nil
}

// Pretrained adds hub load, save and push behavior to a model type through
// embedding:
//
//	type MyModel struct {
//		mixin.Pretrained
//		W []float64
//	}
//
//	m := &MyModel{}
//	m.Bind(m)
//
// Bind must be called before using the methods since Go embedding gives the
// mixin no view of its outer struct.
type Pretrained struct {
	Client  hub.Hub
	FS      afero.Fs
	Log     logr.Logger
	Library string

	self Model
}

var ErrUnbound = errors.New("mixin is not bound to a model, call Bind first")

// Bind attaches the mixin to the model it is embedded in.
func (p *Pretrained) Bind(m Model) {
	p.self = m
}

func (p *Pretrained) client() hub.Hub {
	if p.Client == nil {
		p.Client = hub.NewClient(hub.WithLogger(p.Log))
	}
	return p.Client
}

func (p *Pretrained) fs() afero.Fs {
	if p.FS == nil {
		p.FS = afero.NewOsFs()
	}
	return p.FS
}

// SavePretrained writes the bound model into dir.
func (p *Pretrained) SavePretrained(ctx context.Context, dir string) error {
	if p.self == nil {
		return ErrUnbound
	}
	return SavePretrained(ctx, p.fs(), p.self, dir, p.Library)
}

// FromPretrained loads the bound model from a local directory or remote id.
func (p *Pretrained) FromPretrained(ctx context.Context, id string, opts hub.DownloadOptions) error {
	if p.self == nil {
		return ErrUnbound
	}
	return FromPretrained(ctx, p.client(), p.fs(), p.self, id, opts)
}

// PushToHub publishes the bound model to the repository as a single commit.
func (p *Pretrained) PushToHub(ctx context.Context, repoID string, opts hub.UploadOptions) (*hub.CommitInfo, error) {
	if p.self == nil {
		return nil, ErrUnbound
	}
	return PushToHub(ctx, p.client(), p.self, repoID, p.Library, opts)
}
