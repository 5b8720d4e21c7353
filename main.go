package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"modelhub/pkg/cache"
	"modelhub/pkg/hub"
	"modelhub/pkg/metrics"
)

type DownloadCmd struct {
	Repo           string   `arg:"positional,required" help:"Repository id in the form owner/name."`
	Filename       string   `arg:"--filename" help:"Single file to download, the full snapshot is fetched when empty."`
	Revision       string   `arg:"--revision,env:HUB_REVISION" default:"main" help:"Branch, tag or commit to download."`
	CacheDir       string   `arg:"--cache-dir,env:HUB_CACHE" help:"Directory to cache downloaded files."`
	Token          string   `arg:"--token,env:HUB_TOKEN" help:"Access token for private repositories."`
	ForceDownload  bool     `arg:"--force-download" help:"Bypass the cache even when the file is already present."`
	ResumeDownload bool     `arg:"--resume-download" default:"true" help:"Continue partial downloads instead of restarting."`
	LocalFilesOnly bool     `arg:"--local-files-only" help:"Disallow network access and serve from the cache only."`
	AllowPatterns  []string `arg:"--allow-patterns" help:"Only download files matching these patterns."`
	IgnorePatterns []string `arg:"--ignore-patterns" help:"Skip files matching these patterns."`
	MaxWorkers     int      `arg:"--max-workers" default:"8" help:"Concurrent file downloads within a snapshot."`
	MetricsAddr    string   `arg:"--metrics-addr,env:METRICS_ADDR" help:"Optional address to serve metrics on during long downloads."`
}

type UploadCmd struct {
	Repo           string   `arg:"positional,required" help:"Destination repository id in the form owner/name."`
	Dir            string   `arg:"positional,required" help:"Local directory to upload."`
	CommitMessage  string   `arg:"--commit-message" help:"Summary recorded for the commit."`
	Branch         string   `arg:"--branch" default:"main" help:"Target branch for the commit."`
	CreatePR       bool     `arg:"--create-pr" help:"Open a pull request instead of committing to the branch."`
	Private        bool     `arg:"--private" help:"Create the repository as private when it does not exist."`
	AllowPatterns  []string `arg:"--allow-patterns" help:"Only upload files matching these patterns."`
	IgnorePatterns []string `arg:"--ignore-patterns" help:"Skip files matching these patterns."`
	Token          string   `arg:"--token,env:HUB_TOKEN" help:"Access token for the push."`
}

type ScanCacheCmd struct {
	CacheDir string `arg:"--cache-dir,env:HUB_CACHE" help:"Directory to cache downloaded files."`
}

type DeleteCacheCmd struct {
	Repo     string `arg:"positional,required" help:"Repository id in the form owner/name."`
	Revision string `arg:"--revision,required" help:"Commit to delete from the cache."`
	CacheDir string `arg:"--cache-dir,env:HUB_CACHE" help:"Directory to cache downloaded files."`
}

type ConfigureCmd struct {
	Endpoint string `arg:"--endpoint" help:"Default hub endpoint."`
	Token    string `arg:"--token" help:"Default access token."`
	CacheDir string `arg:"--cache-dir" help:"Default cache directory."`
}

type EnvCmd struct{}

type Arguments struct {
	Download    *DownloadCmd    `arg:"subcommand:download"`
	Upload      *UploadCmd      `arg:"subcommand:upload"`
	ScanCache   *ScanCacheCmd   `arg:"subcommand:scan-cache"`
	DeleteCache *DeleteCacheCmd `arg:"subcommand:delete-cache"`
	Configure   *ConfigureCmd   `arg:"subcommand:configure"`
	Env         *EnvCmd         `arg:"subcommand:env"`
	Endpoint    string          `arg:"--endpoint,env:HUB_ENDPOINT" help:"Hub endpoint to talk to."`
	LogLevel    slog.Level      `arg:"--log-level,env:LOG_LEVEL" default:"INFO" help:"Minimum log level to output. Value should be DEBUG, INFO, WARN, or ERROR."`
}

func main() {
	args := &Arguments{}
	arg.MustParse(args)

	opts := slog.HandlerOptions{
		AddSource: true,
		Level:     args.LogLevel,
	}
	handler := slog.NewJSONHandler(os.Stderr, &opts)
	log := logr.FromSlogHandler(handler)
	ctx := logr.NewContext(context.Background(), log)

	err := run(ctx, args)
	if err != nil {
		log.Error(err, "run exit with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, args *Arguments) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer cancel()
	switch {
	case args.Download != nil:
		return downloadCommand(ctx, args, args.Download)
	case args.Upload != nil:
		return uploadCommand(ctx, args, args.Upload)
	case args.ScanCache != nil:
		return scanCacheCommand(ctx, args.ScanCache)
	case args.DeleteCache != nil:
		return deleteCacheCommand(ctx, args.DeleteCache)
	case args.Configure != nil:
		return configureCommand(ctx, args.Configure)
	case args.Env != nil:
		return envCommand(ctx, args)
	default:
		return errors.New("unknown subcommand")
	}
}

func newClient(ctx context.Context, args *Arguments, cacheDir, token string) (*hub.Client, error) {
	log := logr.FromContextOrDiscard(ctx)
	stored, err := hub.LoadStoredConfig(hub.DefaultConfigPath())
	if err != nil {
		return nil, err
	}
	opts := []hub.Option{
		hub.WithStoredConfig(stored),
		hub.WithLogger(log),
	}
	if args.Endpoint != "" {
		opts = append(opts, hub.WithEndpoint(args.Endpoint))
	}
	if cacheDir != "" {
		opts = append(opts, hub.WithCacheDir(cacheDir))
	}
	if token != "" {
		opts = append(opts, hub.WithToken(token))
	}
	return hub.NewClient(opts...), nil
}

func downloadCommand(ctx context.Context, args *Arguments, cmd *DownloadCmd) error {
	log := logr.FromContextOrDiscard(ctx)
	client, err := newClient(ctx, args, cmd.CacheDir, cmd.Token)
	if err != nil {
		return err
	}
	ref, err := hub.ParseRepoRef(cmd.Repo)
	if err != nil {
		return err
	}

	opts := hub.DownloadOptions{
		Revision:       cmd.Revision,
		CacheDir:       cmd.CacheDir,
		ForceDownload:  cmd.ForceDownload,
		ResumeDownload: cmd.ResumeDownload,
		LocalFilesOnly: cmd.LocalFilesOnly,
		Token:          cmd.Token,
		AllowPatterns:  cmd.AllowPatterns,
		IgnorePatterns: cmd.IgnorePatterns,
		MaxWorkers:     cmd.MaxWorkers,
	}

	g, ctx := errgroup.WithContext(ctx)

	var metricsSrv *http.Server
	if cmd.MetricsAddr != "" {
		metrics.Register()
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.DefaultGatherer, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cmd.MetricsAddr, Handler: mux}
		g.Go(func() error {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		defer func() {
			if metricsSrv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = metricsSrv.Shutdown(shutdownCtx)
			}
		}()

		var path string
		var err error
		if cmd.Filename != "" {
			path, err = client.FileDownload(ctx, ref, cmd.Filename, opts)
		} else {
			path, err = client.SnapshotDownload(ctx, ref, opts)
		}
		if err != nil {
			return err
		}
		log.Info("download complete", "path", path)
		fmt.Println(path)
		return nil
	})

	return g.Wait()
}

func uploadCommand(ctx context.Context, args *Arguments, cmd *UploadCmd) error {
	log := logr.FromContextOrDiscard(ctx)
	client, err := newClient(ctx, args, "", cmd.Token)
	if err != nil {
		return err
	}
	ref, err := hub.ParseRepoRef(cmd.Repo)
	if err != nil {
		return err
	}

	info, err := client.UploadFolder(ctx, ref, cmd.Dir, hub.UploadOptions{
		CommitMessage:  cmd.CommitMessage,
		Private:        cmd.Private,
		CreatePR:       cmd.CreatePR,
		Branch:         cmd.Branch,
		AllowPatterns:  cmd.AllowPatterns,
		IgnorePatterns: cmd.IgnorePatterns,
		Token:          cmd.Token,
	})
	if err != nil {
		return err
	}

	log.Info("upload complete", "commit", info.OID)
	if info.PullRequestURL != "" {
		fmt.Println(info.PullRequestURL)
		return nil
	}
	fmt.Println(info.URL)
	return nil
}

func scanCacheCommand(ctx context.Context, cmd *ScanCacheCmd) error {
	log := logr.FromContextOrDiscard(ctx)
	dir := cmd.CacheDir
	if dir == "" {
		dir = hub.DefaultCacheDir()
	}
	store := cache.New(dir, cache.WithLogger(log))
	repos, err := store.Scan(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "REPO\tREVISIONS\tFILES\tSIZE")
	for _, repo := range repos {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", repo.Folder, len(repo.Revisions), repo.Files, repo.SizeBytes)
	}
	return w.Flush()
}

func deleteCacheCommand(ctx context.Context, cmd *DeleteCacheCmd) error {
	log := logr.FromContextOrDiscard(ctx)
	dir := cmd.CacheDir
	if dir == "" {
		dir = hub.DefaultCacheDir()
	}
	ref, err := hub.ParseRepoRef(cmd.Repo)
	if err != nil {
		return err
	}
	store := cache.New(dir, cache.WithLogger(log))
	if err := store.DeleteRevision(ref.FolderName(), cmd.Revision); err != nil {
		return err
	}
	log.Info("revision deleted", "repo", cmd.Repo, "revision", cmd.Revision)
	return nil
}

func configureCommand(ctx context.Context, cmd *ConfigureCmd) error {
	path := hub.DefaultConfigPath()
	stored, err := hub.LoadStoredConfig(path)
	if err != nil {
		return err
	}
	if cmd.Endpoint != "" {
		stored.Endpoint = cmd.Endpoint
	}
	if cmd.Token != "" {
		stored.Token = cmd.Token
	}
	if cmd.CacheDir != "" {
		stored.CacheDir = cmd.CacheDir
	}
	return hub.WriteStoredConfig(ctx, path, stored)
}

func envCommand(ctx context.Context, args *Arguments) error {
	stored, err := hub.LoadStoredConfig(hub.DefaultConfigPath())
	if err != nil {
		return err
	}
	client, err := newClient(ctx, args, "", "")
	if err != nil {
		return err
	}

	token := "unset"
	if client.Token != "" {
		token = "set"
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintf(w, "endpoint\t%s\n", client.Endpoint)
	fmt.Fprintf(w, "cache dir\t%s\n", client.CacheDir)
	fmt.Fprintf(w, "config file\t%s\n", hub.DefaultConfigPath())
	fmt.Fprintf(w, "token\t%s\n", token)
	fmt.Fprintf(w, "stored endpoint\t%s\n", stored.Endpoint)
	return w.Flush()
}
