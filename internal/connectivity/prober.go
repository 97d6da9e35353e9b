package connectivity

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mschirtzinger/recsync/internal/errs"
)

// CheckFunc probes the remote. A nil error means reachable.
type CheckFunc func(ctx context.Context) error

// ProberConfig holds configuration for a Prober.
type ProberConfig struct {
	// Interval is how often to probe.
	Interval time.Duration

	// Timeout bounds a single probe.
	Timeout time.Duration

	// Logger for transitions. Nil disables logging.
	Logger *zap.Logger
}

// DefaultProberConfig returns sensible defaults.
func DefaultProberConfig() ProberConfig {
	return ProberConfig{
		Interval: 10 * time.Second,
		Timeout:  5 * time.Second,
	}
}

// Prober is a Port driven by periodically calling a health check, usually the
// remote store's Ping. It starts out reachable so the engine's first attempt
// is what discovers an outage.
type Prober struct {
	*notifier
	check  CheckFunc
	config ProberConfig
	logger *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewProber creates a Prober around check.
func NewProber(check CheckFunc, config ProberConfig) *Prober {
	def := DefaultProberConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{
		notifier: newNotifier(true),
		check:    check,
		config:   config,
		logger:   logger.Named("connectivity"),
	}
}

// Check probes once and updates reachability. It returns the new value.
func (p *Prober) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	err := p.check(ctx)
	reachable := Reachable(err)
	if p.set(reachable) {
		if reachable {
			p.logger.Info("remote reachable")
		} else {
			p.logger.Warn("remote unreachable", zap.Error(err))
		}
	}
	return reachable
}

// Start probes immediately, then every Interval until Stop or ctx is done.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		p.Check(ctx)

		ticker := time.NewTicker(p.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Check(ctx)
			}
		}
	}()
}

// Stop ends probing and waits for the probe goroutine.
func (p *Prober) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

// Reachable classifies a probe result. Authentication and missing-bucket
// failures mean the endpoint answered, so only transport-level failures
// count as unreachable.
func Reachable(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	switch errs.CodeOf(err) {
	case errs.CodeAuthenticationFailed, errs.CodeNotFound:
		return true
	default:
		return false
	}
}
