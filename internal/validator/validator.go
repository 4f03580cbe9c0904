// Package validator probes keywords in bulk against a rate-limited search
// API. Two gates shape the traffic: an admission gate bounding the number
// of probes in flight, and one shared pacing gate spacing probe starts at
// least 1/RatePerSecond apart no matter how many workers are running.
package validator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/aio-analyzer/internal/metrics"
	"github.com/sells-group/aio-analyzer/internal/model"
	"github.com/sells-group/aio-analyzer/internal/resilience"
)

// ErrStopped is the cause recorded on keywords left undispatched by WithStop.
var ErrStopped = eris.New("validator: dispatch stopped")

// Prober checks a single keyword. Errors should carry a resilience.Kind so
// rate limits and outages can be told apart.
type Prober interface {
	Probe(ctx context.Context, keyword string) (model.ProbeResult, error)
}

// Config bounds the traffic a Client generates.
type Config struct {
	Concurrency   int
	RatePerSecond float64
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
	ProgressEvery int
	// BreakerThreshold is the number of consecutive auth rejections after
	// which remaining probes fail without calling the provider. Zero
	// disables the breaker.
	BreakerThreshold int
	// BreakerReset is how long an open breaker waits before letting one
	// trial probe through. Zero keeps it open until the next Check.
	BreakerReset time.Duration
}

// DefaultConfig matches the validator defaults registered by the config package.
func DefaultConfig() Config {
	return Config{
		Concurrency:      10,
		RatePerSecond:    1.0,
		Timeout:          30 * time.Second,
		RetryAttempts:    3,
		RetryDelay:       time.Second,
		ProgressEvery:    10,
		BreakerThreshold: 3,
		BreakerReset:     5 * time.Minute,
	}
}

// Option configures a Client.
type Option func(*Client)

// WithMetrics records probe metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithBreaker replaces the auth circuit breaker built from Config.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

// Client runs validation batches. One Client owns one pacing gate, so
// batches run concurrently on the same Client share the provider quota.
type Client struct {
	prober  Prober
	cfg     Config
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	metrics *metrics.Metrics
}

// New creates a Client. Non-positive Concurrency, Timeout and ProgressEvery
// fall back to DefaultConfig; RatePerSecond <= 0 disables pacing.
func New(prober Prober, cfg Config, opts ...Option) *Client {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = def.ProgressEvery
	}
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = 0
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}

	c := &Client{
		prober:  prober,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
	}
	if cfg.BreakerThreshold > 0 {
		bc := resilience.FromCircuitConfig(cfg.BreakerThreshold, cfg.BreakerReset)
		bc.ShouldTrip = resilience.TripOnKind(resilience.KindAuth)
		bc.OnStateChange = func(from, to resilience.CircuitState) {
			zap.L().Warn("validator: auth breaker changed state",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		}
		c.breaker = resilience.NewCircuitBreaker(bc)
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// WithProber returns a Client that probes through p. The copy shares c's
// pacing gate and auth breaker, so traffic from both counts against one quota.
func (c *Client) WithProber(p Prober) *Client {
	cp := *c
	cp.prober = p
	return &cp
}

// Config returns the effective configuration.
func (c *Client) Config() Config {
	return c.cfg
}

// BatchOption configures a single ValidateBatch call.
type BatchOption func(*batchOptions)

type batchOptions struct {
	progress func(resolved, total int)
	outcome  func(model.ValidationOutcome)
	stop     <-chan struct{}
}

// WithProgress is called every ProgressEvery resolved keywords and once at
// the end of the batch.
func WithProgress(fn func(resolved, total int)) BatchOption {
	return func(o *batchOptions) { o.progress = fn }
}

// WithOutcome is called once per resolved keyword. Calls are serialized.
func WithOutcome(fn func(model.ValidationOutcome)) BatchOption {
	return func(o *batchOptions) { o.outcome = fn }
}

// WithStop stops dispatching new probes once ch is closed. Probes already
// running finish; keywords not yet started resolve as aborted.
func WithStop(ch <-chan struct{}) BatchOption {
	return func(o *batchOptions) { o.stop = ch }
}

// ValidateBatch probes every distinct keyword and returns exactly one
// outcome per distinct input string, keyed by that string. Blank keywords
// resolve as invalid input without a probe. Per-keyword failures are
// recorded in the outcome and never abort the batch.
func (c *Client) ValidateBatch(ctx context.Context, keywords []string, opts ...BatchOption) map[string]model.ValidationOutcome {
	var bo batchOptions
	for _, o := range opts {
		o(&bo)
	}

	keys := Dedupe(keywords)
	out := make(map[string]model.ValidationOutcome, len(keys))
	if len(keys) == 0 {
		return out
	}

	// dispatchCtx ends when the caller cancels or the stop channel closes.
	// It gates new work; running probes only observe ctx.
	dispatchCtx, stopDispatch := context.WithCancelCause(ctx)
	defer stopDispatch(nil)
	if bo.stop != nil {
		go func() {
			select {
			case <-bo.stop:
				stopDispatch(ErrStopped)
			case <-dispatchCtx.Done():
			}
		}()
	}
	halted := func() bool {
		select {
		case <-bo.stop:
			stopDispatch(ErrStopped)
		default:
		}
		return dispatchCtx.Err() != nil
	}

	total := len(keys)
	start := time.Now()
	var (
		mu       sync.Mutex
		resolved int
	)
	record := func(o model.ValidationOutcome) {
		mu.Lock()
		defer mu.Unlock()
		out[o.Keyword] = o
		resolved++
		c.metrics.KeywordResolved(o)
		if bo.outcome != nil {
			bo.outcome(o)
		}
		if resolved%c.cfg.ProgressEvery == 0 || resolved == total {
			if bo.progress != nil {
				bo.progress(resolved, total)
			}
			zap.L().Debug("validator: progress",
				zap.Int("resolved", resolved),
				zap.Int("total", total),
			)
		}
	}

	var g errgroup.Group
	g.SetLimit(c.cfg.Concurrency)

	probes := make([]string, 0, len(keys))
	for _, kw := range keys {
		if strings.TrimSpace(kw) == "" {
			record(model.ValidationOutcome{Keyword: kw, ErrorKind: resilience.KindInvalidInput, Error: "validator: blank keyword"})
			continue
		}
		probes = append(probes, kw)
	}

	for i, kw := range probes {
		if halted() {
			for _, rest := range probes[i:] {
				record(notDispatched(dispatchCtx, rest))
			}
			break
		}
		g.Go(func() error {
			if halted() {
				record(notDispatched(dispatchCtx, kw))
				return nil
			}
			record(c.resolve(ctx, dispatchCtx, kw))
			return nil // per-keyword failures never abort the batch
		})
	}
	_ = g.Wait()

	zap.L().Info("validator: batch complete",
		zap.Int("keywords", total),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return out
}

// Check sends a single probe through the pacing gate, without retries. It
// closes the auth breaker first, so a check after credentials are fixed
// reaches the provider.
func (c *Client) Check(ctx context.Context, keyword string) error {
	if c.breaker != nil {
		c.breaker.Reset()
	}
	_, err := c.attempt(ctx, ctx, keyword)
	return err
}

// resolve runs a keyword's attempts. The admission slot is held for the
// whole call, backoff included.
func (c *Client) resolve(ctx, dispatchCtx context.Context, kw string) model.ValidationOutcome {
	attempts := 0
	retry := resilience.RetryConfig{
		MaxAttempts: c.cfg.RetryAttempts + 1,
		Backoff:     resilience.LinearBackoff(c.cfg.RetryDelay),
		OnRetry: func(n int, err error) {
			zap.L().Debug("validator: retrying keyword",
				zap.String("keyword", kw),
				zap.Int("retry", n),
				zap.String("kind", string(resilience.KindOf(err))),
			)
		},
	}
	res, err := resilience.DoVal(dispatchCtx, retry, func(waitCtx context.Context) (model.ProbeResult, error) {
		attempts++
		return c.attempt(waitCtx, ctx, kw)
	})

	o := model.ValidationOutcome{Keyword: kw, Attempts: attempts}
	if err != nil {
		o.ErrorKind = resilience.KindOf(err)
		o.Error = err.Error()
		return o
	}
	o.Triggered = res.Triggered
	o.Excerpt = res.Excerpt
	o.TotalResults = res.TotalResults
	return o
}

// attempt is one probe: breaker check, pacing gate, then the call under
// the per-attempt timeout. waitCtx bounds the pacing wait, probeCtx the call.
func (c *Client) attempt(waitCtx, probeCtx context.Context, kw string) (model.ProbeResult, error) {
	if c.breaker != nil && c.breaker.State() == resilience.CircuitOpen {
		err := resilience.NewError(resilience.KindAuth, eris.Wrap(resilience.ErrCircuitOpen, "validator: provider rejected credentials"))
		c.metrics.ProbeAttempt(string(err.Kind))
		return model.ProbeResult{}, err
	}

	if err := c.pace(waitCtx); err != nil {
		return model.ProbeResult{}, resilience.NewError(resilience.KindAborted, eris.Wrap(err, "validator: pacing wait"))
	}

	actx, cancel := context.WithTimeout(probeCtx, c.cfg.Timeout)
	defer cancel()

	c.metrics.InFlight(1)
	defer c.metrics.InFlight(-1)

	probe := func(ctx context.Context) (model.ProbeResult, error) {
		return c.prober.Probe(ctx, kw)
	}
	var (
		res model.ProbeResult
		err error
	)
	if c.breaker != nil {
		res, err = resilience.ExecuteVal(actx, c.breaker, probe)
	} else {
		res, err = probe(actx)
	}

	if err != nil {
		if eris.Is(err, resilience.ErrCircuitOpen) {
			err = resilience.NewError(resilience.KindAuth, eris.Wrap(err, "validator: provider rejected credentials"))
		}
		c.metrics.ProbeAttempt(string(resilience.KindOf(err)))
		return model.ProbeResult{}, err
	}
	c.metrics.ProbeAttempt("ok")
	return res, nil
}

// pace blocks until the shared limiter admits one more probe start.
func (c *Client) pace(ctx context.Context) error {
	start := time.Now()
	err := c.limiter.Wait(ctx)
	c.metrics.Paced(time.Since(start))
	return err
}

func notDispatched(ctx context.Context, kw string) model.ValidationOutcome {
	msg := "validator: not dispatched"
	if err := context.Cause(ctx); err != nil {
		msg += ": " + err.Error()
	}
	return model.ValidationOutcome{Keyword: kw, ErrorKind: resilience.KindAborted, Error: msg}
}

// Dedupe drops repeated keywords, compared as exact strings, keeping the
// first-seen order.
func Dedupe(keywords []string) []string {
	seen := make(map[string]struct{}, len(keywords))
	out := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		if _, ok := seen[kw]; ok {
			continue
		}
		seen[kw] = struct{}{}
		out = append(out, kw)
	}
	return out
}
