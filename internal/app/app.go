// Package app wires configuration into the full download pipeline and drives
// a run: fetch each source's tile range, pack the staged tiles into an
// MBTiles archive, copy the archive to every destination, and publish a
// completion event.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	gstorage "cloud.google.com/go/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mapforge/tilefetch/internal/clock"
	"github.com/mapforge/tilefetch/internal/config"
	"github.com/mapforge/tilefetch/internal/fetcher"
	"github.com/mapforge/tilefetch/internal/mbtiles"
	"github.com/mapforge/tilefetch/internal/notify"
	"github.com/mapforge/tilefetch/internal/pacing"
	"github.com/mapforge/tilefetch/internal/proxypool"
	"github.com/mapforge/tilefetch/internal/storage"
	"github.com/mapforge/tilefetch/internal/storage/gcs"
	"github.com/mapforge/tilefetch/internal/storage/local"
)

const archiveContentType = "application/vnd.sqlite3"

// Destination pairs a provider with a label for logging.
type Destination struct {
	Name     string
	Provider storage.Provider
}

// App holds the run-scoped dependencies.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	clk          clock.Clock
	notifier     notify.Publisher
	destinations []Destination
}

// Option overrides a default dependency, mainly for tests.
type Option func(*App)

// WithClock substitutes the time source.
func WithClock(clk clock.Clock) Option {
	return func(a *App) { a.clk = clk }
}

// WithNotifier substitutes the event publisher.
func WithNotifier(p notify.Publisher) Option {
	return func(a *App) { a.notifier = p }
}

// WithDestinations substitutes the archive destinations.
func WithDestinations(dests []Destination) Option {
	return func(a *App) { a.destinations = dests }
}

// New builds the pipeline from configuration. Remote clients (GCS, Pub/Sub)
// are only dialed when the configuration asks for them.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:    cfg,
		logger: logger,
		clk:    clock.NewSystem(),
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.notifier == nil {
		notifier, err := buildNotifier(ctx, cfg.Notify)
		if err != nil {
			return nil, err
		}
		a.notifier = notifier
	}
	if a.destinations == nil {
		dests, err := buildDestinations(ctx, cfg.Output)
		if err != nil {
			return nil, err
		}
		a.destinations = dests
	}
	return a, nil
}

func buildNotifier(ctx context.Context, cfg notify.Config) (notify.Publisher, error) {
	switch cfg.Provider {
	case "", "none":
		return notify.NoOp{}, nil
	case "memory":
		return notify.NewMemory(), nil
	case "pubsub":
		return notify.NewPubSub(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown notify provider: %s", cfg.Provider)
	}
}

func buildDestinations(ctx context.Context, cfg config.OutputConfig) ([]Destination, error) {
	var dests []Destination
	for i, dc := range cfg.Destinations {
		switch dc.Type {
		case "local":
			store, err := local.New(local.Config{BaseDir: dc.Path})
			if err != nil {
				return nil, fmt.Errorf("destinations[%d]: %w", i, err)
			}
			dests = append(dests, Destination{Name: "local:" + dc.Path, Provider: store})
		case "gcs":
			client, err := gstorage.NewClient(ctx)
			if err != nil {
				return nil, fmt.Errorf("destinations[%d]: create gcs client: %w", i, err)
			}
			store, err := gcs.New(client, gcs.Config{Bucket: dc.Bucket, Prefix: dc.Prefix})
			if err != nil {
				return nil, fmt.Errorf("destinations[%d]: %w", i, err)
			}
			dests = append(dests, Destination{Name: "gcs:" + dc.Bucket, Provider: store})
		case "noop":
			dests = append(dests, Destination{Name: "noop", Provider: storage.NoOp{}})
		default:
			return nil, fmt.Errorf("destinations[%d]: unknown type: %s", i, dc.Type)
		}
	}
	return dests, nil
}

// Close releases the notifier.
func (a *App) Close() error {
	return a.notifier.Close()
}

// Run executes one full download run across every configured source. A
// failing source is logged and skipped; only cancellation stops the run.
func (a *App) Run(ctx context.Context) error {
	runID := uuid.NewString()
	a.logger.Info("starting run",
		zap.String("run_id", runID),
		zap.Int("sources", len(a.cfg.Sources)),
	)

	strategies := pacing.NewAll(a.cfg.Strategies, a.clk, a.logger)
	var pool *proxypool.Pool
	if a.cfg.ProxyPool.Enabled && len(a.cfg.ProxyPool.Endpoints) > 0 {
		pool = proxypool.New(a.cfg.ProxyPool, a.clk, a.logger)
	}

	for _, src := range a.cfg.Sources {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.runSource(ctx, runID, src, strategies, pool); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.Error("source failed",
				zap.String("run_id", runID),
				zap.String("source", src.Name),
				zap.Error(err),
			)
		}
	}

	a.logger.Info("run complete", zap.String("run_id", runID))
	return ctx.Err()
}

func (a *App) runSource(ctx context.Context, runID string, src config.SourceConfig, strategies []pacing.Strategy, pool *proxypool.Pool) error {
	stagingDir := filepath.Join(a.cfg.Global.StagingDir, src.Name)

	f := fetcher.New(fetcher.Config{
		Source:      src.Name,
		URLTemplate: src.URLTemplate,
		Headers:     src.Headers,
		Retries:     a.cfg.Global.MaxRetries,
		RetryDelay:  a.cfg.Global.RetryDelay,
		Timeout:     a.cfg.HTTP.Timeout(),
		UserAgent:   a.cfg.HTTP.UserAgent,
		StagingDir:  stagingDir,
		Format:      src.Format,
		Workers:     a.cfg.Global.Concurrency,
	}, strategies, pool, a.logger)

	report, err := f.DownloadRange(ctx, src.Bounds, src.ZoomLevels)
	if err != nil {
		return err
	}

	archivePath, err := a.buildArchive(ctx, src, stagingDir)
	if err != nil {
		return err
	}

	uris, err := a.distribute(ctx, runID, src.Name, archivePath)
	if err != nil {
		return err
	}

	ev := notify.Event{
		RunID:       runID,
		Source:      src.Name,
		ArchiveURIs: uris,
		Succeeded:   report.Succeeded,
		Exhausted:   report.Exhausted,
		CompletedAt: a.clk.Now(),
	}
	if err := a.notifier.Publish(ctx, ev); err != nil {
		return fmt.Errorf("publish completion event: %w", err)
	}

	if a.cfg.Global.CleanupStaging {
		if err := os.RemoveAll(stagingDir); err != nil {
			a.logger.Warn("staging cleanup failed",
				zap.String("dir", stagingDir), zap.Error(err))
		}
	}
	return nil
}

// buildArchive packs the staged tree into a fresh MBTiles file next to the
// staging directory and returns its path.
func (a *App) buildArchive(ctx context.Context, src config.SourceConfig, stagingDir string) (string, error) {
	meta := a.cfg.MBTiles
	if meta.Name == "" || len(a.cfg.Sources) > 1 {
		meta.Name = src.Name
	}
	format := src.Format
	if format == "" {
		format = "png"
	}
	meta.Format = format
	if len(src.ZoomLevels) > 0 {
		minZoom, maxZoom := src.ZoomLevels[0], src.ZoomLevels[0]
		for _, z := range src.ZoomLevels {
			if z < minZoom {
				minZoom = z
			}
			if z > maxZoom {
				maxZoom = z
			}
		}
		meta.MinZoom, meta.MaxZoom = minZoom, maxZoom
	}

	archivePath := filepath.Join(a.cfg.Global.StagingDir, src.Name+".mbtiles")
	w, err := mbtiles.Create(archivePath, meta, a.logger)
	if err != nil {
		return "", err
	}
	defer func() { _ = w.Close() }()

	if _, err := w.ImportDir(ctx, stagingDir, format); err != nil {
		return "", err
	}
	if err := w.Finalize(ctx); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return archivePath, nil
}

// distribute copies the finished archive to every destination and returns
// the resulting URIs.
func (a *App) distribute(ctx context.Context, runID, source, archivePath string) ([]string, error) {
	objectPath := filepath.Join(runID, filepath.Base(archivePath))

	uris := make([]string, 0, len(a.destinations))
	for _, dest := range a.destinations {
		file, err := os.Open(archivePath)
		if err != nil {
			return nil, fmt.Errorf("open archive: %w", err)
		}
		uri, err := dest.Provider.PutObject(ctx, objectPath, archiveContentType, file)
		_ = file.Close()
		if err != nil {
			return nil, fmt.Errorf("upload to %s: %w", dest.Name, err)
		}
		a.logger.Info("archive uploaded",
			zap.String("source", source),
			zap.String("destination", dest.Name),
			zap.String("uri", uri),
		)
		uris = append(uris, uri)
	}
	return uris, nil
}
