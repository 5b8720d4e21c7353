package hub

import (
	"context"
)

// Hub defines the minimal interface for a hub client.
type Hub interface {
	// FileDownload fetches a single file into the cache and returns its snapshot path.
	FileDownload(ctx context.Context, ref RepoRef, filename string, opts DownloadOptions) (string, error)
	// SnapshotDownload fetches a full repository revision and returns the snapshot directory.
	SnapshotDownload(ctx context.Context, ref RepoRef, opts DownloadOptions) (string, error)
	// UploadFolder transfers a local directory to the repository as a single commit.
	UploadFolder(ctx context.Context, ref RepoRef, dir string, opts UploadOptions) (*CommitInfo, error)
	// CreateRepo creates the repository, tolerating one that already exists.
	CreateRepo(ctx context.Context, ref RepoRef, private bool, token string) error
}

var _ Hub = &Client{}
