package hub

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	lru "github.com/hashicorp/golang-lru/v2"
	gocache "github.com/patrickmn/go-cache"

	"modelhub/pkg/cache"
)

const (
	// DefaultEndpoint is the hub API and content endpoint used when no
	// override is configured.
	DefaultEndpoint = "https://huggingface.co"
	// DefaultRevision is used when a repository reference carries no
	// explicit revision.
	DefaultRevision = "main"

	defaultUserAgent     = "modelhub/1.0"
	revisionCacheSize    = 512
	repoInfoTTL          = 2 * time.Minute
	repoInfoSweepPeriod  = 5 * time.Minute
	defaultRetries       = 3
	defaultClientTimeout = 60 * time.Minute // model files can be very large
)

// RepoType differentiates the repository namespaces exposed by the hub.
type RepoType string

const (
	RepoTypeModel   RepoType = "model"
	RepoTypeDataset RepoType = "dataset"
	RepoTypeSpace   RepoType = "space"
)

// RepoRef identifies a repository on the hub.
type RepoRef struct {
	Owner string
	Name  string
	Type  RepoType
}

// ParseRepoRef parses an identifier of the form owner/name.
func ParseRepoRef(id string) (RepoRef, error) {
	parts := strings.Split(strings.Trim(id, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return RepoRef{}, fmt.Errorf("invalid repository id %q, expected owner/name", id)
	}
	return RepoRef{Owner: parts[0], Name: parts[1], Type: RepoTypeModel}, nil
}

func (r RepoRef) String() string {
	return r.Owner + "/" + r.Name
}

// FolderName returns the cache folder for this repository, for example
// models--org--name.
func (r RepoRef) FolderName() string {
	return cache.FolderName(string(r.repoType()), r.Owner, r.Name)
}

func (r RepoRef) repoType() RepoType {
	if r.Type == "" {
		return RepoTypeModel
	}
	return r.Type
}

func (r RepoRef) apiPath() string {
	return fmt.Sprintf("/api/%ss/%s/%s", r.repoType(), r.Owner, r.Name)
}

// Client talks to the hub API and manages the local download cache.
type Client struct {
	Endpoint  string
	Token     string
	CacheDir  string
	UserAgent string
	Retries   int
	Log       logr.Logger
	Client    *http.Client

	revisions *lru.Cache[string, string]
	repoInfo  *gocache.Cache
}

// Config holds constructor settings for Client
type Config struct {
	Endpoint  string
	Token     string
	CacheDir  string
	UserAgent string
	Retries   int
	Log       logr.Logger
	Client    *http.Client
	Proxy     *url.URL
}

// Option type for functional configuration
type Option func(*Config)

// WithEndpoint overrides the hub endpoint, for private deployments or tests
func WithEndpoint(endpoint string) Option {
	return func(cfg *Config) {
		cfg.Endpoint = strings.TrimSuffix(endpoint, "/")
	}
}

// WithToken sets the access token used for private repositories
func WithToken(token string) Option {
	return func(cfg *Config) {
		cfg.Token = token
	}
}

// WithCacheDir overrides the local cache location
func WithCacheDir(dir string) Option {
	return func(cfg *Config) {
		cfg.CacheDir = dir
	}
}

// WithLogger overrides the default logger
func WithLogger(log logr.Logger) Option {
	return func(cfg *Config) {
		cfg.Log = log
	}
}

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(cfg *Config) {
		cfg.Client = client
	}
}

// WithRetries sets the number of attempts for API and download requests
func WithRetries(n int) Option {
	return func(cfg *Config) {
		cfg.Retries = n
	}
}

// WithProxy routes all hub traffic through the given proxy
func WithProxy(proxy *url.URL) Option {
	return func(cfg *Config) {
		cfg.Proxy = proxy
	}
}

func WithUserAgent(ua string) Option {
	return func(cfg *Config) {
		cfg.UserAgent = ua
	}
}

// NewClient constructs a Client with sane defaults + options
func NewClient(opts ...Option) *Client {
	cfg := Config{
		Endpoint:  DefaultEndpoint,
		CacheDir:  DefaultCacheDir(),
		UserAgent: defaultUserAgent,
		Retries:   defaultRetries,
		Log:       logr.Discard(),
	}
	if endpoint := os.Getenv("HUB_ENDPOINT"); endpoint != "" {
		cfg.Endpoint = strings.TrimSuffix(endpoint, "/")
	}
	if token := os.Getenv("HUB_TOKEN"); token != "" {
		cfg.Token = token
	}

	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	if cfg.Client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if cfg.Proxy != nil {
			transport.Proxy = http.ProxyURL(cfg.Proxy)
		}
		cfg.Client = &http.Client{
			Timeout:   defaultClientTimeout,
			Transport: transport,
		}
	}

	revisions, _ := lru.New[string, string](revisionCacheSize)
	return &Client{
		Endpoint:  cfg.Endpoint,
		Token:     cfg.Token,
		CacheDir:  cfg.CacheDir,
		UserAgent: cfg.UserAgent,
		Retries:   cfg.Retries,
		Log:       cfg.Log,
		Client:    cfg.Client,
		revisions: revisions,
		repoInfo:  gocache.New(repoInfoTTL, repoInfoSweepPeriod),
	}
}

// DefaultCacheDir returns the cache location used when nothing overrides it.
func DefaultCacheDir() string {
	if dir := os.Getenv("HUB_CACHE"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "modelhub", "hub")
	}
	return filepath.Join(home, ".cache", "modelhub", "hub")
}

// cacheFor returns the cache rooted at dir, or the client default when dir
// is empty.
func (c *Client) cacheFor(dir string) *cache.Cache {
	if dir == "" {
		dir = c.CacheDir
	}
	return cache.New(dir, cache.WithLogger(c.Log))
}

// tokenFor gives an explicit per call token precedence over the client token.
func (c *Client) tokenFor(token string) string {
	if token != "" {
		return token
	}
	return c.Token
}
