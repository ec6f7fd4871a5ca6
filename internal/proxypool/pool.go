// Package proxypool tracks egress proxy endpoints, rotating between them and
// deactivating the ones that keep failing.
package proxypool

import (
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mapforge/tilefetch/internal/clock"
	"github.com/mapforge/tilefetch/internal/telemetry"
)

// Config is the proxy pool configuration surface.
type Config struct {
	Enabled                 bool              `mapstructure:"enabled"`
	Provider                string            `mapstructure:"provider"`
	Credentials             map[string]string `mapstructure:"credentials"`
	RotationIntervalSeconds int               `mapstructure:"rotation_interval_seconds"`
	MaxFailures             int               `mapstructure:"max_failures"`
	Endpoints               []EndpointConfig  `mapstructure:"endpoints"`
}

// EndpointConfig declares one static proxy endpoint.
type EndpointConfig struct {
	Address  string `mapstructure:"address"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// Endpoint is one egress path. Its mutable state is owned exclusively by the
// Pool; callers only read it through accessors.
type Endpoint struct {
	address  string
	port     int
	username string
	password string

	lastUsed time.Time
	failures int
	active   bool
}

// Addr returns the host:port identity of the endpoint.
func (e *Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.address, e.port)
}

// URL builds the proxy URL, embedding credentials when present.
func (e *Endpoint) URL() *url.URL {
	u := &url.URL{Scheme: "http", Host: e.Addr()}
	if e.username != "" {
		u.User = url.UserPassword(e.username, e.password)
	}
	return u
}

// Active reports whether the endpoint is still eligible for selection.
func (e *Endpoint) Active() bool { return e.active }

// Failures reports the consecutive failure count.
func (e *Endpoint) Failures() int { return e.failures }

// Pool manages endpoint selection and health. All methods are safe for
// concurrent use; a single mutex serializes every read-modify-write.
type Pool struct {
	mu           sync.Mutex
	endpoints    []*Endpoint
	rotation     time.Duration
	maxFailures  int
	lastRotation time.Time

	clk    clock.Clock
	logger *zap.Logger
}

// New builds a Pool from configuration.
func New(cfg Config, clk clock.Clock, logger *zap.Logger) *Pool {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	rotation := time.Duration(cfg.RotationIntervalSeconds) * time.Second
	if rotation <= 0 {
		rotation = time.Minute
	}
	maxFailures := cfg.MaxFailures
	if maxFailures <= 0 {
		maxFailures = 3
	}
	p := &Pool{
		rotation:    rotation,
		maxFailures: maxFailures,
		clk:         clk,
		logger:      logger,
	}
	for _, ec := range cfg.Endpoints {
		p.endpoints = append(p.endpoints, &Endpoint{
			address:  ec.Address,
			port:     ec.Port,
			username: ec.Username,
			password: ec.Password,
			active:   true,
		})
	}
	logger.Info("proxy pool initialized",
		zap.Int("endpoints", len(p.endpoints)),
		zap.Duration("rotation_interval", rotation),
		zap.Int("max_failures", maxFailures),
	)
	return p
}

// Select returns the endpoint to use for the next attempt, or nil meaning
// "connect directly". Candidates are the active endpoints ordered by least
// recent use; when the rotation interval has elapsed the front candidate is
// additionally pushed to the back to force egress diversification. The
// chosen endpoint's last-used stamp is updated at selection time.
func (p *Pool) Select() *Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	candidates := p.activeLocked()
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].lastUsed.Before(candidates[j].lastUsed)
	})

	now := p.clk.Now()
	if now.Sub(p.lastRotation) > p.rotation {
		p.lastRotation = now
		p.logger.Debug("forcing proxy rotation")
		candidates = append(candidates[1:], candidates[0])
	}

	selected := candidates[0]
	selected.lastUsed = now
	return selected
}

// RecordFailure increments the endpoint's failure count and deactivates it
// once the configured maximum is reached. Deactivation is permanent until an
// explicit Reset.
func (p *Pool) RecordFailure(e *Endpoint) {
	if e == nil {
		return
	}
	p.mu.Lock()
	e.failures++
	deactivated := false
	if e.active && e.failures >= p.maxFailures {
		e.active = false
		deactivated = true
	}
	active := len(p.activeLocked())
	p.mu.Unlock()

	telemetry.SetActiveProxies(active)
	if deactivated {
		p.logger.Warn("proxy endpoint deactivated",
			zap.String("endpoint", e.Addr()),
			zap.Int("failures", e.failures),
		)
	}
}

// RecordSuccess resets the endpoint's failure count; health recovers fully
// on the first success.
func (p *Pool) RecordSuccess(e *Endpoint) {
	if e == nil {
		return
	}
	p.mu.Lock()
	e.failures = 0
	p.mu.Unlock()
}

// Reset reactivates every endpoint and clears failure counts.
func (p *Pool) Reset() {
	p.mu.Lock()
	for _, e := range p.endpoints {
		e.failures = 0
		e.active = true
	}
	active := len(p.endpoints)
	p.mu.Unlock()

	telemetry.SetActiveProxies(active)
	p.logger.Info("proxy pool reset", zap.Int("endpoints", active))
}

// Rotate forces a positional rotation on the next Select call.
func (p *Pool) Rotate() {
	p.mu.Lock()
	p.lastRotation = time.Time{}
	p.mu.Unlock()
}

// ActiveCount reports how many endpoints are eligible for selection.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.activeLocked())
}

// Size reports the total endpoint count, active or not.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.endpoints)
}

func (p *Pool) activeLocked() []*Endpoint {
	active := make([]*Endpoint, 0, len(p.endpoints))
	for _, e := range p.endpoints {
		if e.active {
			active = append(active, e)
		}
	}
	return active
}
