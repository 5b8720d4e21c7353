package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/avast/retry-go/v4"

	"modelhub/pkg/cache"
	"modelhub/pkg/metrics"
)

var (
	// ErrNotFound is returned when a repository, revision or file does not
	// exist on the hub or the token cannot see it.
	ErrNotFound = errors.New("repository or file not found")
	// ErrUnauthorized is returned for requests the hub rejects due to a
	// missing or invalid token.
	ErrUnauthorized = errors.New("authentication failed, pass a valid token for private repositories")
	// ErrOffline is returned when local files only mode is set and the
	// requested content is not cached.
	ErrOffline = errors.New("content not available locally and network access is disabled")
)

// SiblingInfo describes one file within a repository revision.
type SiblingInfo struct {
	Filename string `json:"rfilename"`
	Size     int64  `json:"size,omitempty"`
}

// RepoInfo is the hub metadata for a repository at a given revision.
type RepoInfo struct {
	ID       string        `json:"id"`
	SHA      string        `json:"sha"`
	Private  bool          `json:"private"`
	Siblings []SiblingInfo `json:"siblings"`
}

// RepoInfo fetches repository metadata at the given revision. Responses are
// cached for a short period since snapshot downloads hit this repeatedly.
func (c *Client) RepoInfo(ctx context.Context, ref RepoRef, revision, token string) (*RepoInfo, error) {
	if revision == "" {
		revision = DefaultRevision
	}
	cacheKey := fmt.Sprintf("%s@%s", ref.String(), revision)
	if cached, ok := c.repoInfo.Get(cacheKey); ok {
		return cached.(*RepoInfo), nil
	}

	u := fmt.Sprintf("%s%s/revision/%s", c.Endpoint, ref.apiPath(), revision)
	var info RepoInfo
	err := c.getJSON(ctx, u, token, &info)
	if err != nil {
		return nil, fmt.Errorf("could not get metadata for %s at %s: %w", ref.String(), revision, err)
	}

	c.repoInfo.SetDefault(cacheKey, &info)
	return &info, nil
}

// ResolveRevision resolves a branch, tag or commit reference to a full
// commit SHA. Already resolved pairs are served from an in memory LRU, and
// the resolved commit is recorded in the cache refs directory so that
// offline lookups keep working.
func (c *Client) ResolveRevision(ctx context.Context, ref RepoRef, revision, cacheDir, token string) (string, error) {
	if revision == "" {
		revision = DefaultRevision
	}
	if cache.IsCommitHash(revision) {
		return revision, nil
	}

	lruKey := fmt.Sprintf("%s@%s", ref.String(), revision)
	if sha, ok := c.revisions.Get(lruKey); ok {
		return sha, nil
	}

	info, err := c.RepoInfo(ctx, ref, revision, token)
	if err != nil {
		return "", err
	}
	if info.SHA == "" {
		return "", fmt.Errorf("hub returned no commit for %s at %s", ref.String(), revision)
	}

	c.revisions.Add(lruKey, info.SHA)
	if err := c.cacheFor(cacheDir).WriteRef(ref.FolderName(), revision, info.SHA); err != nil {
		c.Log.Error(err, "could not record resolved ref", "repo", ref.String(), "revision", revision)
	}
	return info.SHA, nil
}

type createRepoRequest struct {
	Type         string `json:"type"`
	Name         string `json:"name"`
	Organization string `json:"organization,omitempty"`
	Private      bool   `json:"private"`
}

// CreateRepo creates the repository on the hub. Creating a repository that
// already exists is not an error.
func (c *Client) CreateRepo(ctx context.Context, ref RepoRef, private bool, token string) error {
	body, err := json.Marshal(createRepoRequest{
		Type:         string(ref.repoType()),
		Name:         ref.Name,
		Organization: ref.Owner,
		Private:      private,
	})
	if err != nil {
		return fmt.Errorf("could not encode create request: %w", err)
	}

	u := c.Endpoint + "/api/repos/create"
	req, err := c.newRequest(ctx, http.MethodPost, u, token, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req, "create_repo")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		c.Log.V(4).Info("repository already exists", "repo", ref.String())
		return nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.Log.Info("repository created", "repo", ref.String(), "private", private)
		return nil
	default:
		return statusError(resp, fmt.Sprintf("could not create repository %s", ref.String()))
	}
}

func (c *Client) newRequest(ctx context.Context, method, url, token string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("could not create request for %s: %w", url, err)
	}
	req.Header.Set("User-Agent", c.UserAgent)
	if token = c.tokenFor(token); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// do executes the request with bounded retries for transient failures.
func (c *Client) do(req *http.Request, operation string) (*http.Response, error) {
	var resp *http.Response
	err := retry.Do(
		func() error {
			attempt := req.Clone(req.Context())
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return retry.Unrecoverable(err)
				}
				attempt.Body = body
			}
			var err error
			resp, err = c.Client.Do(attempt) //nolint:bodyclose // closed by callers or on retry below
			if err != nil {
				return err
			}
			if resp.StatusCode >= 500 {
				defer resp.Body.Close()
				return fmt.Errorf("hub returned %s", resp.Status)
			}
			return nil
		},
		retry.Context(req.Context()),
		retry.Attempts(uint(c.Retries)),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		metrics.APIRequestsTotal.WithLabelValues(operation, "error").Inc()
		return nil, err
	}
	metrics.APIRequestsTotal.WithLabelValues(operation, strconv.Itoa(resp.StatusCode)).Inc()
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, url, token string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, url, token, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req, "api")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp, "request failed")
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("could not decode response from %s: %w", url, err)
	}
	return nil
}

// statusError maps hub error statuses onto the package sentinel errors so
// callers can react without string matching.
func statusError(resp *http.Response, msg string) error {
	limited, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%s: %s: %w", msg, resp.Status, ErrUnauthorized)
	case http.StatusNotFound:
		return fmt.Errorf("%s: %s: %w", msg, resp.Status, ErrNotFound)
	default:
		return fmt.Errorf("%s: %s: %s", msg, resp.Status, string(limited))
	}
}
