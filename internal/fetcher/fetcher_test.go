package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mapforge/tilefetch/internal/pacing"
	"github.com/mapforge/tilefetch/internal/proxypool"
	"github.com/mapforge/tilefetch/internal/tiles"
)

type recordingStrategy struct {
	mu       sync.Mutex
	befores  int
	succeeds int
	failures int
}

func (r *recordingStrategy) Name() string { return "recording" }

func (r *recordingStrategy) Before(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.befores++
	return nil
}

func (r *recordingStrategy) After(_ context.Context, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if success {
		r.succeeds++
	} else {
		r.failures++
	}
}

func (r *recordingStrategy) counts() (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.befores, r.succeeds, r.failures
}

var _ pacing.Strategy = (*recordingStrategy)(nil)

func testConfig(srvURL, staging string) Config {
	return Config{
		Source:      "test",
		URLTemplate: srvURL + "/tiles/{z}/{x}/{y}.png",
		Headers:     map[string]string{"Referer": "https://example.com/"},
		Retries:     3,
		RetryDelay:  time.Millisecond,
		Timeout:     5 * time.Second,
		StagingDir:  staging,
		Format:      "png",
		Workers:     2,
	}
}

func TestTileURL_SubstitutesPlaceholders(t *testing.T) {
	t.Parallel()

	f := New(Config{URLTemplate: "https://tiles.example.com/{z}/{x}/{y}.png"}, nil, nil, zap.NewNop())
	got := f.TileURL(tiles.Index{Zoom: 3, Col: 5, Row: 7})
	require.Equal(t, "https://tiles.example.com/3/5/7.png", got)
}

func TestFetchTile_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		require.Equal(t, "https://example.com/", r.Header.Get("Referer"))
		if n <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("tile-bytes"))
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	// The proxy endpoint is the test server itself: proxied requests arrive
	// in absolute form and are handled the same way.
	pool := proxypool.New(proxypool.Config{
		Enabled:     true,
		MaxFailures: 5,
		Endpoints:   []proxypool.EndpointConfig{{Address: u.Hostname(), Port: port}},
	}, nil, zap.NewNop())

	rec := &recordingStrategy{}
	f := New(testConfig(srv.URL, t.TempDir()), []pacing.Strategy{rec}, pool, zap.NewNop())

	data, err := f.FetchTile(context.Background(), tiles.Index{Zoom: 1, Col: 1, Row: 0})
	require.NoError(t, err)
	require.Equal(t, []byte("tile-bytes"), data)

	befores, succeeds, failures := rec.counts()
	require.Equal(t, 3, befores)
	require.Equal(t, 1, succeeds)
	require.Equal(t, 2, failures)

	// Two recorded failures, then the success reset the endpoint's count.
	e := pool.Select()
	require.NotNil(t, e)
	require.Zero(t, e.Failures())
	require.True(t, e.Active())
}

func TestFetchTile_ExhaustsAfterConfiguredRetries(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	rec := &recordingStrategy{}
	f := New(testConfig(srv.URL, t.TempDir()), []pacing.Strategy{rec}, nil, zap.NewNop())

	_, err := f.FetchTile(context.Background(), tiles.Index{Zoom: 2, Col: 1, Row: 1})
	require.ErrorIs(t, err, ErrExhausted)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 3, attempts)

	_, succeeds, failures := rec.counts()
	require.Zero(t, succeeds)
	require.Equal(t, 3, failures)
}

func TestStageTile_WritesLayoutAndOverwrites(t *testing.T) {
	t.Parallel()

	staging := t.TempDir()
	f := New(Config{StagingDir: staging, Format: "png"}, nil, nil, zap.NewNop())

	idx := tiles.Index{Zoom: 4, Col: 9, Row: 6}
	path, err := f.StageTile(idx, []byte("v1"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(staging, "4", "9", "6.png"), path)

	// Restart idempotence: same coordinate overwrites.
	path2, err := f.StageTile(idx, []byte("v2"))
	require.NoError(t, err)
	require.Equal(t, path, path2)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), data)
}

func TestDownloadRange_SingleTileScenario(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tiles/1/1/0.png", r.URL.Path)
		_, _ = w.Write([]byte("zoom-one"))
	}))
	defer srv.Close()

	staging := t.TempDir()
	f := New(testConfig(srv.URL, staging), nil, nil, zap.NewNop())

	bounds := tiles.Bounds{MinLat: 0, MinLon: 0, MaxLat: 1, MaxLon: 1}
	report, err := f.DownloadRange(context.Background(), bounds, []int{1})
	require.NoError(t, err)
	require.Equal(t, 1, report.Succeeded)
	require.Zero(t, report.Exhausted)
	require.Equal(t, []string{filepath.Join(staging, "1", "1", "0.png")}, report.Staged)
}

func TestDownloadRange_ExhaustionDoesNotAbortRange(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/tiles/1/0/0.png" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL, t.TempDir())
	cfg.Retries = 2
	f := New(cfg, nil, nil, zap.NewNop())

	// The whole world at zoom 1 is a 2x2 grid.
	bounds := tiles.Bounds{MinLat: -80, MinLon: -179, MaxLat: 80, MaxLon: 179}
	report, err := f.DownloadRange(context.Background(), bounds, []int{1})
	require.NoError(t, err)
	require.Equal(t, 3, report.Succeeded)
	require.Equal(t, 1, report.Exhausted)
}

func TestDownloadRange_Cancellation(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := New(testConfig(srv.URL, t.TempDir()), nil, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	bounds := tiles.Bounds{MinLat: -80, MinLon: -179, MaxLat: 80, MaxLon: 179}
	report, err := f.DownloadRange(ctx, bounds, []int{1, 2, 3})
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, report.Succeeded)
}
