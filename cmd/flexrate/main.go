// The flexrate command loads a variant catalog, ranks it for the current
// network class, and serves a simulated playback session whose stalls drive
// bitrate downgrades.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/samber/mo"

	"github.com/agleyzer/flexrate/internal/abr"
	"github.com/agleyzer/flexrate/internal/cluster"
	"github.com/agleyzer/flexrate/internal/config"
	"github.com/agleyzer/flexrate/internal/fetcher"
	"github.com/agleyzer/flexrate/internal/netclass"
	"github.com/agleyzer/flexrate/internal/player"
	"github.com/agleyzer/flexrate/internal/server"
	"github.com/agleyzer/flexrate/internal/variant"
)

const (
	version = "1.0.0"
)

// options carries everything the command line decides beyond the config file.
type options struct {
	catalogURL string
	resourceID string
	hostURL    string
	fallback   string
	inlineFile string
	duration   time.Duration
}

func main() {
	// Parse command-line flags
	var (
		configPath  = flag.String("config", "", "Path to a YAML configuration file")
		port        = flag.Int("port", 8080, "HTTP server port")
		verbose     = flag.Bool("verbose", false, "Enable verbose logging")
		showVersion = flag.Bool("version", false, "Show version and exit")
		format      = flag.String("format", "json", "Catalog format: 'json' (catalog service) or 'hls' (master playlist)")
		network     = flag.String("network", "", "Effective connection type (slow-2g, 2g, 3g, 4g, 5g or a tier name)")
		maxBitrate  = flag.Int("max-bitrate", 0, "Drop variants above this bitrate in kbps (0 keeps all)")
		resourceID  = flag.String("resource", "", "Resource ID to request from the catalog service (json format)")
		hostURL     = flag.String("host-url", "", "URL of the page or playlist hosting the resource")
		fallback    = flag.String("fallback", "", "Pre-existing source URL kept as the last-resort variant")
		inlineFile  = flag.String("inline", "", "File holding a precomputed catalog payload used instead of fetching")
		duration    = flag.Duration("duration", 10*time.Minute, "Duration of the simulated media")
		raftID      = flag.String("raft-id", "", "Raft node ID; enables ceiling replication")
		raftBind    = flag.String("raft-bind", "", "Raft bind address (host:port)")
		peers       = flag.String("peers", "", "Comma-separated Raft peer addresses including this node")
		raftLog     = flag.String("raft-log-level", "", "Route Raft's own logs at this level (trace, debug, info, warn, error); empty silences them")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "flexrate - adaptive bitrate variant ranking v%s\n\n", version)
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <catalog-url>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Arguments:\n")
		fmt.Fprintf(os.Stderr, "  <catalog-url>    Catalog service base URL (json) or master playlist URL (hls)\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --resource clip-42 https://catalog.example.com\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --format hls --network 3g https://example.com/master.m3u8\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --config flexrate.yaml --raft-id node1 --raft-bind 127.0.0.1:7000 \\\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "      --peers 127.0.0.1:7000,127.0.0.1:7001 https://example.com/master.m3u8\n")
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("flexrate v%s\n", version)
		os.Exit(0)
	}

	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Error: catalog URL is required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Flags given explicitly override the file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Server.Port = *port
		case "format":
			cfg.Fetch.Format = *format
		case "network":
			cfg.Engine.NetworkClass = *network
		case "max-bitrate":
			cfg.Engine.MaxBitrateKbps = *maxBitrate
		case "raft-id":
			cfg.Cluster.Enabled = true
			cfg.Cluster.RaftID = *raftID
		case "raft-bind":
			cfg.Cluster.BindAddr = *raftBind
		case "peers":
			cfg.Cluster.Peers = splitList(*peers)
		case "raft-log-level":
			cfg.Cluster.LogLevel = *raftLog
		}
	})

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if cfg.Server.Port < 1 {
		fmt.Fprintf(os.Stderr, "Error: port must be between 1 and 65535\n")
		os.Exit(1)
	}

	// Setup logger
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))

	logger.Info("flexrate starting", "version", version)

	// Create context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := options{
		catalogURL: flag.Arg(0),
		resourceID: *resourceID,
		hostURL:    *hostURL,
		fallback:   *fallback,
		inlineFile: *inlineFile,
		duration:   *duration,
	}

	if err := run(ctx, cfg, opts, logger); err != nil {
		logger.Error("application error", "error", err)
		os.Exit(1)
	}

	logger.Info("flexrate stopped")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// app is the wired object graph for one simulated session.
type app struct {
	controller *abr.Controller
	player     *player.Player
	cluster    *cluster.Manager
}

// build wires the estimator, controller, optional cluster, loader, and the
// simulated player, then puts the player under management and starts playback.
func build(ctx context.Context, cfg *config.Config, opts options, logger *slog.Logger) (*app, error) {
	if err := validateOptions(cfg, opts); err != nil {
		return nil, err
	}

	table, err := cfg.Engine.Table()
	if err != nil {
		return nil, err
	}
	estimator, err := netclass.New(netclass.Static(cfg.Engine.NetworkClass), table, logger)
	if err != nil {
		return nil, fmt.Errorf("create estimator: %w", err)
	}

	a := &app{}
	ctrlCfg := cfg.Engine.Controller()

	if cfg.Cluster.Enabled {
		a.cluster, err = cluster.NewManager(clusterConfig(cfg.Cluster), logger)
		if err != nil {
			return nil, fmt.Errorf("create cluster manager: %w", err)
		}
		ctrlCfg.Publisher = a.cluster
	}

	a.controller, err = abr.New(estimator, ctrlCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create controller: %w", err)
	}

	if a.cluster != nil {
		a.cluster.OnLower(func(kbps int) { a.controller.ApplyCeiling(kbps) })
		if err := a.cluster.Start(ctx); err != nil {
			return nil, fmt.Errorf("start cluster: %w", err)
		}
	}

	source, err := newFetcher(cfg.Fetch, opts.catalogURL)
	if err != nil {
		a.close(logger)
		return nil, err
	}

	var inline fetcher.InlineFetcher
	inlineID := ""
	if opts.inlineFile != "" {
		payload, err := os.ReadFile(opts.inlineFile)
		if err != nil {
			a.close(logger)
			return nil, fmt.Errorf("read inline payload: %w", err)
		}
		store := fetcher.NewInline(logger)
		inlineID = opts.inlineFile
		store.Put(inlineID, payload)
		inline = store
	}

	loader := fetcher.NewLoader(source, inline, variant.NewRanker(cfg.Engine.CodecPriority), logger)
	req := buildRequest(cfg, opts, a.controller.AcceptableBitrateKbps())
	req.InlineID = inlineID

	logger.Info("loading catalog", "url", opts.catalogURL, "format", cfg.Fetch.Format)
	cat := loader.Load(ctx, req)
	if cat.Len() == 0 {
		a.close(logger)
		return nil, fmt.Errorf("no playable variants for %q", opts.catalogURL)
	}

	for i, d := range cat.Sources() {
		kbps, _ := d.Bitrate()
		logger.Info("variant",
			"rank", i,
			"url", d.URL,
			"bitrateKbps", kbps,
			"codec", d.CodecFamily(),
		)
	}

	a.player = player.New(cat, logger)
	a.controller.Manage(a.player)
	a.player.Load()
	a.player.LoadMetadata(opts.duration.Seconds())
	if err := a.player.Play(); err != nil {
		a.close(logger)
		return nil, fmt.Errorf("start playback: %w", err)
	}
	a.player.AutoLoadMetadata(opts.duration.Seconds())

	return a, nil
}

func (a *app) close(logger *slog.Logger) {
	if a.player != nil {
		a.controller.Release(a.player)
	}
	if a.cluster != nil {
		if err := a.cluster.Shutdown(); err != nil {
			logger.Error("cluster shutdown failed", "error", err)
		}
	}
}

func run(ctx context.Context, cfg *config.Config, opts options, logger *slog.Logger) error {
	a, err := build(ctx, cfg, opts, logger)
	if err != nil {
		return err
	}
	defer a.close(logger)

	srv := server.New(a.controller, a.player, cfg.Server.Port, logger)
	if a.cluster != nil {
		srv.SetCluster(a.cluster)
	}

	logger.Info("simulated session ready",
		"playlist", fmt.Sprintf("http://localhost:%d/playlist.m3u8", cfg.Server.Port),
		"health", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port),
		"ceilingKbps", a.controller.AcceptableBitrateKbps(),
		"source", a.player.CurrentSource(),
	)

	// Start server (blocks until shutdown)
	return srv.Start(ctx)
}

// newFetcher returns the catalog source for the configured format. For json
// the target is the catalog service base URL; for hls it is the master
// playlist URL itself.
func newFetcher(fc config.FetchConfig, target string) (fetcher.Fetcher, error) {
	switch fc.Format {
	case "json":
		f, err := fetcher.NewJSON(target, fc.HTTPOptions())
		if err != nil {
			return nil, fmt.Errorf("create json fetcher: %w", err)
		}
		return f, nil
	case "hls":
		return fetcher.NewHLS(fc.HTTPOptions()), nil
	default:
		return nil, fmt.Errorf("unknown catalog format %q", fc.Format)
	}
}

// buildRequest describes the lead resource of the simulated session.
func buildRequest(cfg *config.Config, opts options, ceilingKbps int) fetcher.Request {
	req := fetcher.Request{
		ResourceID:  opts.resourceID,
		HostURL:     opts.hostURL,
		Lead:        true,
		CeilingKbps: ceilingKbps,
	}
	if cfg.Fetch.Format == "hls" {
		req.ResourceID = opts.catalogURL
	}
	if cfg.Engine.MaxBitrateKbps > 0 {
		req.MaxBitrateKbps = mo.Some(cfg.Engine.MaxBitrateKbps)
	}
	if opts.fallback != "" {
		req.Fallback = mo.Some(variant.NewDescriptor(variant.Record{URL: opts.fallback}))
	}
	return req
}

// errNoResource is returned when the json format is used without a resource ID.
var errNoResource = errors.New("--resource is required with the json format")

func validateOptions(cfg *config.Config, opts options) error {
	if cfg.Fetch.Format == "json" && opts.resourceID == "" && opts.inlineFile == "" {
		return errNoResource
	}
	if opts.duration <= 0 {
		return fmt.Errorf("--duration must be positive, got %s", opts.duration)
	}
	return nil
}

func clusterConfig(c config.ClusterConfig) cluster.Config {
	return cluster.Config{
		RaftID:   c.RaftID,
		BindAddr: c.BindAddr,
		Peers:    c.Peers,
		LogLevel: c.LogLevel,
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
