// Package fetcher downloads tile ranges over HTTP, pacing every attempt
// through the configured strategies and routing it through the proxy pool.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mapforge/tilefetch/internal/pacing"
	"github.com/mapforge/tilefetch/internal/proxypool"
	"github.com/mapforge/tilefetch/internal/telemetry"
	"github.com/mapforge/tilefetch/internal/tiles"
)

// ErrExhausted marks a tile whose configured attempts all failed. It is
// terminal for that one tile only; the surrounding range fetch continues.
var ErrExhausted = errors.New("tile attempts exhausted")

// Config controls one fetcher instance, typically one per source.
type Config struct {
	Source      string
	URLTemplate string
	Headers     map[string]string
	Retries     int
	RetryDelay  time.Duration
	Timeout     time.Duration
	UserAgent   string
	StagingDir  string
	Format      string
	Workers     int
}

// Report summarizes a range download.
type Report struct {
	Succeeded int
	Exhausted int
	Staged    []string
}

// Fetcher runs the per-tile download state machine and the range driver.
type Fetcher struct {
	cfg        Config
	strategies []pacing.Strategy
	pool       *proxypool.Pool

	direct *http.Client

	mu           sync.Mutex
	proxyClients map[string]*http.Client

	logger *zap.Logger
}

// New constructs a Fetcher. pool may be nil, meaning all requests connect
// directly.
func New(cfg Config, strategies []pacing.Strategy, pool *proxypool.Pool, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Format == "" {
		cfg.Format = "png"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Fetcher{
		cfg:          cfg,
		strategies:   strategies,
		pool:         pool,
		direct:       &http.Client{Timeout: cfg.Timeout},
		proxyClients: make(map[string]*http.Client),
		logger:       logger,
	}
}

// TileURL substitutes the {z}, {x}, {y} placeholders in the URL template.
func (f *Fetcher) TileURL(idx tiles.Index) string {
	return strings.NewReplacer(
		"{z}", strconv.Itoa(idx.Zoom),
		"{x}", strconv.Itoa(idx.Col),
		"{y}", strconv.Itoa(idx.Row),
	).Replace(f.cfg.URLTemplate)
}

// FetchTile downloads a single tile, retrying with exponential backoff up to
// the configured attempt limit. Every attempt runs the strategies' Before
// hooks in order, selects an egress endpoint, and records the outcome with
// the pool and every strategy's After hook. A terminal failure is wrapped in
// ErrExhausted.
func (f *Fetcher) FetchTile(ctx context.Context, idx tiles.Index) ([]byte, error) {
	tileURL := f.TileURL(idx)

	var lastErr error
	for attempt := 0; attempt < f.cfg.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, err := f.attempt(ctx, tileURL)
		if err == nil {
			return data, nil
		}
		lastErr = err
		f.logger.Warn("tile fetch attempt failed",
			zap.String("url", tileURL),
			zap.Int("attempt", attempt+1),
			zap.Int("retries", f.cfg.Retries),
			zap.Error(err),
		)
		if attempt < f.cfg.Retries-1 {
			sleepCtx(ctx, f.cfg.RetryDelay*(1<<uint(attempt)))
		}
	}
	return nil, fmt.Errorf("%w: %s: %v", ErrExhausted, tileURL, lastErr)
}

// attempt issues one paced request. Transport errors and non-2xx responses
// both count as failures; 4xx and 5xx are deliberately not distinguished.
func (f *Fetcher) attempt(ctx context.Context, tileURL string) ([]byte, error) {
	for _, s := range f.strategies {
		if err := s.Before(ctx); err != nil {
			return nil, fmt.Errorf("pacing %s: %w", s.Name(), err)
		}
	}

	var endpoint *proxypool.Endpoint
	if f.pool != nil {
		endpoint = f.pool.Select()
	}

	start := time.Now()
	data, err := f.request(ctx, tileURL, endpoint)
	telemetry.ObserveFetch(f.cfg.Source, time.Since(start))

	success := err == nil
	if f.pool != nil && endpoint != nil {
		if success {
			f.pool.RecordSuccess(endpoint)
		} else {
			f.pool.RecordFailure(endpoint)
		}
	}
	for _, s := range f.strategies {
		s.After(ctx, success)
	}
	return data, err
}

func (f *Fetcher) request(ctx context.Context, tileURL string, endpoint *proxypool.Endpoint) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, tileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range f.cfg.Headers {
		req.Header.Set(k, v)
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}

	resp, err := f.clientFor(endpoint).Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return data, nil
}

// clientFor returns the direct client or a cached per-endpoint client whose
// transport routes through the proxy.
func (f *Fetcher) clientFor(endpoint *proxypool.Endpoint) *http.Client {
	if endpoint == nil {
		return f.direct
	}
	key := endpoint.Addr()

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.proxyClients[key]; ok {
		return c
	}
	c := &http.Client{
		Timeout: f.cfg.Timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyURL(endpoint.URL()),
		},
	}
	f.proxyClients[key] = c
	return c
}

// StageTile writes tile bytes to the staging layout
// <staging_dir>/<zoom>/<col>/<row>.<ext>. Overwriting an existing file for
// the same coordinate is permitted (idempotent restart).
func (f *Fetcher) StageTile(idx tiles.Index, data []byte) (string, error) {
	dir := filepath.Join(f.cfg.StagingDir, strconv.Itoa(idx.Zoom), strconv.Itoa(idx.Col))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%d.%s", idx.Row, f.cfg.Format))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write staged tile: %w", err)
	}
	return path, nil
}

// DownloadRange fetches every tile covering bounds across the given zoom
// levels, in the order they are configured, staging successful tiles to
// disk. Coordinates are produced in deterministic order (zoom as given,
// columns ascending, rows within a column) and consumed by a bounded worker
// pool. Per-tile exhaustion is counted, never escalated; cancellation stops
// the range between attempts.
func (f *Fetcher) DownloadRange(ctx context.Context, bounds tiles.Bounds, zoomLevels []int) (Report, error) {
	coords := make(chan tiles.Index)
	go func() {
		defer close(coords)
		for _, zoom := range zoomLevels {
			r := tiles.Cover(bounds, zoom)
			f.logger.Info("downloading zoom level",
				zap.String("source", f.cfg.Source),
				zap.Int("zoom", zoom),
				zap.Int("min_col", r.MinCol), zap.Int("max_col", r.MaxCol),
				zap.Int("min_row", r.MinRow), zap.Int("max_row", r.MaxRow),
			)
			r.Each(func(idx tiles.Index) bool {
				select {
				case coords <- idx:
					return true
				case <-ctx.Done():
					return false
				}
			})
		}
	}()

	var (
		mu     sync.Mutex
		report Report
		wg     sync.WaitGroup
	)
	for i := 0; i < f.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range coords {
				if ctx.Err() != nil {
					continue
				}
				f.fetchAndStage(ctx, idx, &mu, &report)
			}
		}()
	}
	wg.Wait()

	f.logger.Info("range download complete",
		zap.String("source", f.cfg.Source),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("exhausted", report.Exhausted),
	)
	return report, ctx.Err()
}

func (f *Fetcher) fetchAndStage(ctx context.Context, idx tiles.Index, mu *sync.Mutex, report *Report) {
	data, err := f.FetchTile(ctx, idx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		telemetry.CountTile(f.cfg.Source, "exhausted")
		f.logger.Error("tile exhausted",
			zap.String("source", f.cfg.Source),
			zap.Int("zoom", idx.Zoom), zap.Int("col", idx.Col), zap.Int("row", idx.Row),
			zap.Error(err),
		)
		mu.Lock()
		report.Exhausted++
		mu.Unlock()
		return
	}

	path, err := f.StageTile(idx, data)
	if err != nil {
		telemetry.CountTile(f.cfg.Source, "exhausted")
		f.logger.Error("tile staging failed",
			zap.String("source", f.cfg.Source),
			zap.Int("zoom", idx.Zoom), zap.Int("col", idx.Col), zap.Int("row", idx.Row),
			zap.Error(err),
		)
		mu.Lock()
		report.Exhausted++
		mu.Unlock()
		return
	}

	telemetry.CountTile(f.cfg.Source, "fetched")
	mu.Lock()
	report.Succeeded++
	report.Staged = append(report.Staged, path)
	mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
