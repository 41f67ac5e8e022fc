package classifier

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lazypower/vigil/internal/config"
	"github.com/lazypower/vigil/internal/logger"
)

// Dispatcher runs classifier calls off the ingestion path. Calls beyond the
// rate limit or the in-flight cap are dropped, never queued, so a slow
// classifier cannot hold back ingestion.
type Dispatcher struct {
	client  Client
	limiter *rate.Limiter
	sem     chan struct{}
	timeout time.Duration
	wg      sync.WaitGroup
	log     *zap.SugaredLogger
}

// NewDispatcher wraps client. A nil client yields a dispatcher that drops
// everything.
func NewDispatcher(client Client, cfg config.ClassifierConfig, log *zap.SugaredLogger) *Dispatcher {
	inFlight := cfg.MaxInFlight
	if inFlight < 1 {
		inFlight = 1
	}
	limit := rate.Limit(cfg.RatePerSecond)
	if cfg.RatePerSecond <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &Dispatcher{
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		sem:     make(chan struct{}, inFlight),
		timeout: cfg.Timeout,
		log:     logger.Named(log, "classifier"),
	}
}

// Enabled reports whether a client is configured.
func (d *Dispatcher) Enabled() bool { return d != nil && d.client != nil }

// Submit scores req in the background and hands a successful score to fn.
// It reports whether the call was started.
func (d *Dispatcher) Submit(req Request, fn func(Request, Score)) bool {
	if !d.Enabled() {
		return false
	}
	if !d.limiter.Allow() {
		d.log.Debugw("classifier rate limited", "event", req.Event.ID, "type", req.Type)
		return false
	}
	select {
	case d.sem <- struct{}{}:
	default:
		d.log.Debugw("classifier saturated", "event", req.Event.ID, "type", req.Type)
		return false
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() { <-d.sem }()

		ctx := context.Background()
		if d.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.timeout)
			defer cancel()
		}
		s, err := d.client.Score(ctx, req)
		if err != nil {
			d.log.Debugw("classifier call failed", "event", req.Event.ID, "type", req.Type, "error", err)
			return
		}
		fn(req, s)
	}()
	return true
}

// Wait blocks until every started call has finished.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}
