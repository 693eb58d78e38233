// Package nodes implements the ComfyDeploy and run id cache nodes on top of
// the host contract.
package nodes

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"comfydeploy/internal/comfydeploy"
	"comfydeploy/internal/config"
	"comfydeploy/internal/contentstore"
	"comfydeploy/internal/download"
	"comfydeploy/internal/frames"
	"comfydeploy/internal/host"
	"comfydeploy/internal/interfaces"
	"comfydeploy/internal/params"
	"comfydeploy/internal/poller"
	"comfydeploy/internal/runcache"
)

// Category node menu category
const Category = "Soze/ComfyDeploy"

// ClientFactory returns a remote API client for an endpoint
type ClientFactory func(apiURL string) interfaces.DeployClient

// Factory builds one client per distinct api url
type Factory struct {
	cfg     config.DeployConfig
	logger  *logrus.Logger
	clients sync.Map // api url -> *comfydeploy.Client
}

// NewFactory creates a client factory
func NewFactory(cfg config.DeployConfig, logger *logrus.Logger) *Factory {
	return &Factory{cfg: cfg, logger: logger}
}

// CreateClient returns the client for apiURL; blank uses the configured endpoint
func (f *Factory) CreateClient(apiURL string) interfaces.DeployClient {
	apiURL = strings.TrimSpace(apiURL)
	if apiURL == "" {
		apiURL = f.cfg.APIURL
	}
	if c, ok := f.clients.Load(apiURL); ok {
		return c.(*comfydeploy.Client)
	}
	opts := comfydeploy.OptionsFromConfig(f.cfg)
	opts.APIURL = apiURL
	opts.Logger = f.logger
	c, _ := f.clients.LoadOrStore(apiURL, comfydeploy.NewClient(opts))
	return c.(*comfydeploy.Client)
}

// Deps are the services shared by all nodes
type Deps struct {
	Config  *config.Config
	Cache   *runcache.Cache
	Clients ClientFactory
	Fetcher poller.Fetcher
	Loader  poller.ImageLoader
	Logger  *logrus.Logger

	// Uploader stores image parameters; nil uploads through the deploy API
	Uploader params.Uploader
}

// NewDeps wires the default services from configuration
func NewDeps(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (Deps, error) {
	if logger == nil {
		logger = config.NewLogger()
	}
	// artifact downloads and image loads share one bounded client
	httpClient := &http.Client{Timeout: download.DefaultTimeout}
	fetchOpts := download.OptionsFromConfig(cfg.Fetch)
	fetchOpts.Logger = logger
	fetchOpts.HTTPClient = httpClient

	d := Deps{
		Config:  cfg,
		Cache:   runcache.New(cfg.Cache.UserDir, logger),
		Clients: NewFactory(cfg.Deploy, logger).CreateClient,
		Fetcher: download.NewDownloader(fetchOpts),
		Loader:  frames.NewLoader(httpClient),
		Logger:  logger,
	}
	if cfg.Store.Enabled() {
		store, err := contentstore.NewS3Store(ctx, cfg.Store, logger)
		if err != nil {
			return Deps{}, fmt.Errorf("failed to create content store: %w", err)
		}
		d.Uploader = store
		logger.WithField("bucket", cfg.Store.Bucket).Info("Image parameters upload to S3")
	}
	return d, nil
}

func (d Deps) uploader(client interfaces.DeployClient) params.Uploader {
	if d.Uploader != nil {
		return d.Uploader
	}
	return client
}

func (d Deps) newPoller(apiURL string) *poller.Poller {
	p := poller.NewPoller(d.Clients(apiURL), d.Fetcher, d.Loader, poller.ConfigFrom(d.Config))
	p.SetLogger(d.Logger)
	return p
}

// All returns every node in this pack
func All(d Deps) []host.Node {
	return []host.Node{
		NewQueueNode(d),
		NewRunNode(d),
		NewDownloadFilesNode(d),
		NewCacheSaveNode(d),
		NewCacheRetrieveNode(d),
		NewCacheInfoNode(d),
		NewCacheClearNode(d),
	}
}

// Register adds every node to r
func Register(r *host.Registry, d Deps) error {
	for _, n := range All(d) {
		if err := r.Register(n); err != nil {
			return err
		}
	}
	return nil
}
