package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/stratafs/strata-server/pkg/cache"
	"github.com/stratafs/strata-server/pkg/config"
	"github.com/stratafs/strata-server/pkg/handlers"
	"github.com/stratafs/strata-server/pkg/notify"
	"github.com/stratafs/strata-server/pkg/plugin"
	"github.com/stratafs/strata-server/pkg/plugins/compressfs"
	"github.com/stratafs/strata-server/pkg/plugins/localfs"
	"github.com/stratafs/strata-server/pkg/plugins/memfs"
	"github.com/stratafs/strata-server/pkg/plugins/rawimage"
	"github.com/stratafs/strata-server/pkg/plugins/s3fs"
	"github.com/stratafs/strata-server/pkg/plugins/tarfs"
	"github.com/stratafs/strata-server/pkg/plugins/zipfs"
	"github.com/stratafs/strata-server/pkg/resolver"
)

var (
	version   = "dev"
	gitCommit = "unknown"
	buildTime = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to YAML configuration file")
		address     = flag.String("address", "", "listen address (overrides config)")
		cacheDir    = flag.String("cachedir", "", "cache directory (overrides config)")
		maxFileMB   = flag.Int64("maxfilesize", 0, "maximum cacheable file size in MB (overrides config)")
		elasticURL  = flag.String("elastic", "", "elasticsearch URL for the index notifier (overrides config)")
		evidenceDir = flag.String("evidence", "", "local evidence directory (overrides config)")
		debug       = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	// CLI flags win over the file.
	if *address != "" {
		cfg.Server.Address = *address
	}
	if *cacheDir != "" {
		cfg.Cache.Directory = *cacheDir
	}
	if *maxFileMB > 0 {
		cfg.Cache.MaxFileSizeMB = *maxFileMB
	}
	if *elasticURL != "" {
		cfg.Index.ElasticsearchURL = *elasticURL
	}
	if *evidenceDir != "" {
		cfg.Source.Type = "localfs"
		cfg.Source.Root = *evidenceDir
	}
	if *debug {
		cfg.Server.Debug = true
	}

	setupLogging(cfg)

	ctx := context.Background()

	source, err := buildSource(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to initialize evidence source: %v", err)
	}

	registry := plugin.NewRegistry()
	if err := registerPlugins(registry, cfg); err != nil {
		log.Fatalf("failed to register plugins: %v", err)
	}

	c, err := cache.New(cfg.Cache.Directory,
		cfg.Cache.MaxFileSizeMB*config.BytesPerMB,
		cfg.Cache.MaxTotalSizeMB*config.BytesPerMB)
	if err != nil {
		log.Fatalf("failed to initialize extraction cache: %v", err)
	}
	defer c.Close()

	var notifier notify.Notifier
	if cfg.Index.ElasticsearchURL != "" {
		notifier, err = notify.NewElastic(cfg.Index.ElasticsearchURL)
		if err != nil {
			log.Fatalf("failed to initialize index notifier: %v", err)
		}
	}

	r := resolver.New(registry, c, source, notifier)

	h := handlers.NewHandler(r, c, registry, newReloader(registry, *configPath, cfg))
	h.SetVersionInfo(version, gitCommit, buildTime)

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	log.Infof("strata-server %s listening on %s (cache %s, max file %d MB)",
		version, cfg.Server.Address, cfg.Cache.Directory, cfg.Cache.MaxFileSizeMB)
	if err := http.ListenAndServe(cfg.Server.Address, mux); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadConfig(path)
}

func setupLogging(cfg *config.Config) {
	level, err := log.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	if cfg.Server.Debug {
		level = log.DebugLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
}

func buildSource(ctx context.Context, cfg *config.Config) (resolver.Source, error) {
	switch cfg.Source.Type {
	case "localfs":
		root := cfg.Source.Root
		if root == "" {
			return nil, fmt.Errorf("localfs source requires a root directory")
		}
		return localfs.New(root)
	case "s3fs":
		var s3cfg s3fs.Config
		if err := decodeSourceConfig(cfg.Source.Config, &s3cfg); err != nil {
			return nil, err
		}
		return s3fs.New(ctx, s3cfg)
	case "memfs":
		return memfs.New(), nil
	default:
		return nil, fmt.Errorf("unknown evidence source type: %s", cfg.Source.Type)
	}
}

func decodeSourceConfig(raw map[string]interface{}, out *s3fs.Config) error {
	str := func(key string) string {
		if v, ok := raw[key].(string); ok {
			return v
		}
		return ""
	}
	out.Bucket = str("bucket")
	out.Region = str("region")
	out.Endpoint = str("endpoint")
	out.AccessKey = str("access_key")
	out.SecretKey = str("secret_key")
	out.Prefix = str("prefix")
	return nil
}

// defaultDescriptors is the built-in plugin configuration used when the
// config file has no plugins section.
func defaultDescriptors() []plugin.Descriptor {
	return []plugin.Descriptor{
		{Name: rawimage.PluginName, Priority: 50,
			Extensions: []string{"dd", "raw", "img"},
			MimeTypes:  []string{"application/octet-stream"}},
		{Name: zipfs.PluginName, Priority: 60,
			Extensions: []string{"zip", "jar", "docx", "xlsx", "pptx", "apk"},
			MimeTypes:  []string{"application/zip", "application/java-archive"}},
		// tarfs also claims gz/zst/xz so that compressed tarballs route
		// to it; CanHandle narrows the claim to tar-shaped names, and
		// compressfs vetoes them in turn.
		{Name: tarfs.PluginName, Priority: 60,
			Extensions: []string{"tar", "tgz", "tzst", "txz", "gz", "zst", "xz"},
			MimeTypes:  []string{"application/x-tar"}},
		{Name: compressfs.PluginName, Priority: 40,
			Extensions: []string{"gz", "zst", "xz"},
			MimeTypes:  []string{"application/gzip", "application/x-gzip", "application/zstd", "application/x-xz"}},
	}
}

func pluginFactories() map[string]plugin.Factory {
	return map[string]plugin.Factory{
		rawimage.PluginName: func(map[string]interface{}) (plugin.ContainerPlugin, error) {
			return rawimage.New(), nil
		},
		zipfs.PluginName: func(map[string]interface{}) (plugin.ContainerPlugin, error) {
			return zipfs.New(), nil
		},
		tarfs.PluginName: func(map[string]interface{}) (plugin.ContainerPlugin, error) {
			return tarfs.New(), nil
		},
		compressfs.PluginName: func(map[string]interface{}) (plugin.ContainerPlugin, error) {
			return compressfs.New(), nil
		},
	}
}

// newReloader returns the reload hook behind POST /plugins/reload: it
// re-reads the configuration file and re-registers the plugin set, so
// descriptor changes take effect without a restart. A config file that
// no longer parses keeps the previous configuration in place.
func newReloader(registry *plugin.Registry, configPath string, cfg *config.Config) func() error {
	current := cfg
	return func() error {
		if configPath != "" {
			next, err := config.LoadConfig(configPath)
			if err != nil {
				log.Warnf("reload kept previous plugin configuration: %v", err)
			} else {
				current = next
			}
		}
		registry.Reset()
		return registerPlugins(registry, current)
	}
}

func registerPlugins(registry *plugin.Registry, cfg *config.Config) error {
	factories := pluginFactories()

	if len(cfg.Plugins) == 0 {
		for _, desc := range defaultDescriptors() {
			factory := factories[desc.Name]
			p, err := factory(nil)
			if err != nil {
				return err
			}
			if err := registry.Register(desc, p); err != nil {
				return err
			}
		}
		return nil
	}

	// Configured plugins register in YAML declaration order; the order
	// is the selection tie-break, so it must not depend on map
	// iteration.
	for _, name := range cfg.PluginOrder() {
		pc := cfg.Plugins[name]
		if !pc.IsEnabled() {
			log.Debugf("plugin %s disabled by configuration", name)
			continue
		}
		factory, ok := factories[name]
		if !ok {
			return fmt.Errorf("unknown plugin: %s", name)
		}
		p, err := factory(pc.Config)
		if err != nil {
			return fmt.Errorf("failed to initialize plugin %s: %w", name, err)
		}
		desc := plugin.Descriptor{
			Name:       name,
			Extensions: pc.Extensions,
			MimeTypes:  pc.MimeTypes,
			Priority:   pc.Priority,
		}
		if err := registry.Register(desc, p); err != nil {
			return err
		}
	}
	return nil
}
