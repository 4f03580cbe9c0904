package validator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/aio-analyzer/internal/metrics"
	"github.com/sells-group/aio-analyzer/internal/model"
	"github.com/sells-group/aio-analyzer/internal/resilience"
)

type probeFunc func(ctx context.Context, kw string) (model.ProbeResult, error)

func (f probeFunc) Probe(ctx context.Context, kw string) (model.ProbeResult, error) {
	return f(ctx, kw)
}

// fastConfig disables pacing and keeps retry delays short.
func fastConfig() Config {
	return Config{
		Concurrency:   4,
		RatePerSecond: 0,
		Timeout:       time.Second,
		RetryAttempts: 2,
		RetryDelay:    time.Millisecond,
		ProgressEvery: 10,
	}
}

func keywords(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "keyword " + string(rune('a'+i%26)) + string(rune('a'+i/26))
	}
	return out
}

func TestValidateBatch_Empty(t *testing.T) {
	var calls atomic.Int32
	c := New(probeFunc(func(context.Context, string) (model.ProbeResult, error) {
		calls.Add(1)
		return model.ProbeResult{}, nil
	}), fastConfig())

	got := c.ValidateBatch(context.Background(), nil)
	assert.Empty(t, got)
	assert.Equal(t, int32(0), calls.Load())
}

func TestValidateBatch_BlankKeywords(t *testing.T) {
	var calls atomic.Int32
	c := New(probeFunc(func(context.Context, string) (model.ProbeResult, error) {
		calls.Add(1)
		return model.ProbeResult{}, nil
	}), fastConfig())

	got := c.ValidateBatch(context.Background(), []string{"", "  ", ""})
	require.Len(t, got, 2)
	for _, kw := range []string{"", "  "} {
		o, ok := got[kw]
		require.True(t, ok, "%q", kw)
		assert.Equal(t, resilience.KindInvalidInput, o.ErrorKind)
		assert.False(t, o.Triggered)
		assert.Equal(t, 0, o.Attempts)
	}
	assert.Equal(t, int32(0), calls.Load())
}

func TestValidateBatch_DedupeAndCompleteness(t *testing.T) {
	var calls atomic.Int32
	c := New(probeFunc(func(_ context.Context, kw string) (model.ProbeResult, error) {
		calls.Add(1)
		return model.ProbeResult{Triggered: kw == "b", Excerpt: "x", TotalResults: 7}, nil
	}), fastConfig())

	input := []string{"a", " a", "b", "", "b", "c "}
	got := c.ValidateBatch(context.Background(), input)
	require.Len(t, got, 5)
	assert.Equal(t, int32(4), calls.Load())
	for _, kw := range input {
		_, ok := got[kw]
		assert.True(t, ok, "missing outcome for %q", kw)
	}
	assert.Equal(t, resilience.KindInvalidInput, got[""].ErrorKind)
	for _, kw := range []string{"a", " a", "b", "c "} {
		o, ok := got[kw]
		require.True(t, ok, kw)
		assert.Equal(t, kw, o.Keyword)
		assert.Equal(t, 1, o.Attempts)
		assert.False(t, o.Failed())
	}
	assert.True(t, got["b"].Triggered)
	assert.False(t, got["a"].Triggered)
	assert.Equal(t, int64(7), got["c "].TotalResults)
}

func TestValidateBatch_ConcurrencyBound(t *testing.T) {
	for _, limit := range []int{1, 3, 8} {
		var inFlight, peak atomic.Int32
		c := New(probeFunc(func(context.Context, string) (model.ProbeResult, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return model.ProbeResult{}, nil
		}), Config{Concurrency: limit, Timeout: time.Second})

		got := c.ValidateBatch(context.Background(), keywords(40))
		assert.Len(t, got, 40)
		assert.LessOrEqual(t, peak.Load(), int32(limit), "limit %d", limit)
		assert.Positive(t, peak.Load())
	}
}

func TestValidateBatch_RateBoundIndependentOfConcurrency(t *testing.T) {
	const perSecond = 50.0
	gap := time.Duration(float64(time.Second) / perSecond)

	for _, limit := range []int{1, 10} {
		var (
			mu     sync.Mutex
			starts []time.Time
		)
		c := New(probeFunc(func(context.Context, string) (model.ProbeResult, error) {
			mu.Lock()
			starts = append(starts, time.Now())
			mu.Unlock()
			return model.ProbeResult{}, nil
		}), Config{Concurrency: limit, RatePerSecond: perSecond, Timeout: time.Second})

		begin := time.Now()
		got := c.ValidateBatch(context.Background(), keywords(10))
		elapsed := time.Since(begin)
		require.Len(t, got, 10)

		// The first token is free; the other nine each wait one gap.
		assert.GreaterOrEqual(t, elapsed, 9*gap-2*time.Millisecond, "concurrency %d", limit)

		sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })
		for i := 1; i < len(starts); i++ {
			assert.GreaterOrEqual(t, starts[i].Sub(starts[i-1]), gap-5*time.Millisecond,
				"concurrency %d, start %d", limit, i)
		}
	}
}

func TestValidateBatch_RateLimitedExhaustion(t *testing.T) {
	var badCalls atomic.Int32
	c := New(probeFunc(func(_ context.Context, kw string) (model.ProbeResult, error) {
		if kw == "quota" {
			badCalls.Add(1)
			return model.ProbeResult{}, resilience.NewRateLimitError(errors.New("429"), 0)
		}
		return model.ProbeResult{Triggered: true}, nil
	}), fastConfig())

	got := c.ValidateBatch(context.Background(), []string{"ok one", "quota", "ok two"})
	require.Len(t, got, 3)

	o := got["quota"]
	assert.False(t, o.Triggered)
	assert.Equal(t, resilience.KindRateLimited, o.ErrorKind)
	assert.Equal(t, 3, o.Attempts)
	assert.Equal(t, int32(3), badCalls.Load())

	assert.True(t, got["ok one"].Triggered)
	assert.True(t, got["ok two"].Triggered)
}

func TestValidateBatch_RetryAfterHint(t *testing.T) {
	var calls atomic.Int32
	c := New(probeFunc(func(context.Context, string) (model.ProbeResult, error) {
		if calls.Add(1) == 1 {
			return model.ProbeResult{}, resilience.NewRateLimitError(errors.New("429"), 60*time.Millisecond)
		}
		return model.ProbeResult{Triggered: true}, nil
	}), fastConfig())

	begin := time.Now()
	got := c.ValidateBatch(context.Background(), []string{"k"})
	assert.GreaterOrEqual(t, time.Since(begin), 60*time.Millisecond)
	assert.True(t, got["k"].Triggered)
	assert.Equal(t, 2, got["k"].Attempts)
}

func TestValidateBatch_LinearBackoff(t *testing.T) {
	cfg := fastConfig()
	cfg.RetryDelay = 20 * time.Millisecond
	var calls atomic.Int32
	c := New(probeFunc(func(context.Context, string) (model.ProbeResult, error) {
		calls.Add(1)
		return model.ProbeResult{}, resilience.NewTransientError(errors.New("502"), 502)
	}), cfg)

	begin := time.Now()
	got := c.ValidateBatch(context.Background(), []string{"k"})
	// 20ms after the first failure, 40ms after the second.
	assert.GreaterOrEqual(t, time.Since(begin), 60*time.Millisecond)
	assert.Equal(t, resilience.KindTransient, got["k"].ErrorKind)
	assert.Equal(t, int32(3), calls.Load())
}

func TestValidateBatch_NonRetryableFailures(t *testing.T) {
	var calls atomic.Int32
	c := New(probeFunc(func(_ context.Context, kw string) (model.ProbeResult, error) {
		calls.Add(1)
		switch kw {
		case "parse":
			return model.ProbeResult{}, resilience.ParseFailure(errors.New("bad json"))
		case "input":
			return model.ProbeResult{}, resilience.InvalidInputf("bad keyword")
		default:
			return model.ProbeResult{}, errors.New("mystery")
		}
	}), fastConfig())

	got := c.ValidateBatch(context.Background(), []string{"parse", "input", "other"})
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, resilience.KindParse, got["parse"].ErrorKind)
	assert.Equal(t, resilience.KindInvalidInput, got["input"].ErrorKind)
	assert.Equal(t, resilience.KindUnknown, got["other"].ErrorKind)
	for _, o := range got {
		assert.Equal(t, 1, o.Attempts)
		assert.False(t, o.Triggered)
		assert.NotEmpty(t, o.Error)
	}
}

func TestValidateBatch_PerAttemptTimeout(t *testing.T) {
	cfg := fastConfig()
	cfg.Timeout = 20 * time.Millisecond
	cfg.RetryAttempts = 0
	c := New(probeFunc(func(ctx context.Context, _ string) (model.ProbeResult, error) {
		<-ctx.Done()
		return model.ProbeResult{}, ctx.Err()
	}), cfg)

	got := c.ValidateBatch(context.Background(), []string{"slow"})
	assert.Equal(t, resilience.KindTransient, got["slow"].ErrorKind)
}

func TestValidateBatch_AuthBreaker(t *testing.T) {
	cfg := fastConfig()
	cfg.Concurrency = 1
	cfg.BreakerThreshold = 2
	var calls atomic.Int32
	c := New(probeFunc(func(context.Context, string) (model.ProbeResult, error) {
		calls.Add(1)
		return model.ProbeResult{}, resilience.NewError(resilience.KindAuth, errors.New("401"))
	}), cfg)

	got := c.ValidateBatch(context.Background(), keywords(6))
	require.Len(t, got, 6)
	assert.Equal(t, int32(2), calls.Load())
	for _, o := range got {
		assert.Equal(t, resilience.KindAuth, o.ErrorKind)
	}
}

func TestValidateBatch_AuthBreakerCoolsDown(t *testing.T) {
	cfg := fastConfig()
	cfg.Concurrency = 1
	cfg.BreakerThreshold = 1
	cfg.BreakerReset = 30 * time.Millisecond
	var denied atomic.Bool
	denied.Store(true)
	var calls atomic.Int32
	c := New(probeFunc(func(context.Context, string) (model.ProbeResult, error) {
		calls.Add(1)
		if denied.Load() {
			return model.ProbeResult{}, resilience.NewError(resilience.KindAuth, errors.New("403"))
		}
		return model.ProbeResult{Triggered: true}, nil
	}), cfg)

	got := c.ValidateBatch(context.Background(), []string{"a", "b"})
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, resilience.KindAuth, got["b"].ErrorKind)

	denied.Store(false)
	time.Sleep(40 * time.Millisecond)
	got = c.ValidateBatch(context.Background(), []string{"a", "b"})
	assert.True(t, got["a"].Triggered)
	assert.True(t, got["b"].Triggered)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCheck_ClosesOpenBreaker(t *testing.T) {
	cfg := fastConfig()
	cfg.Concurrency = 1
	cfg.BreakerThreshold = 2
	var denied atomic.Bool
	denied.Store(true)
	var calls atomic.Int32
	c := New(probeFunc(func(context.Context, string) (model.ProbeResult, error) {
		calls.Add(1)
		if denied.Load() {
			return model.ProbeResult{}, resilience.NewError(resilience.KindAuth, errors.New("401"))
		}
		return model.ProbeResult{}, nil
	}), cfg)

	c.ValidateBatch(context.Background(), keywords(4))
	require.Equal(t, int32(2), calls.Load())
	local := c.WithProber(c.prober)

	denied.Store(false)
	require.NoError(t, local.Check(context.Background(), "test"))
	assert.Equal(t, int32(3), calls.Load())

	got := c.ValidateBatch(context.Background(), keywords(4))
	for _, o := range got {
		assert.False(t, o.Failed(), o.Keyword)
	}
}

func TestValidateBatch_StopDuringBackoff(t *testing.T) {
	cfg := fastConfig()
	cfg.Concurrency = 1
	cfg.RetryDelay = time.Hour
	stop := make(chan struct{})
	var once sync.Once
	c := New(probeFunc(func(context.Context, string) (model.ProbeResult, error) {
		once.Do(func() {
			time.AfterFunc(10*time.Millisecond, func() { close(stop) })
		})
		return model.ProbeResult{}, resilience.NewTransientError(errors.New("503"), 503)
	}), cfg)

	done := make(chan map[string]model.ValidationOutcome, 1)
	go func() { done <- c.ValidateBatch(context.Background(), []string{"k"}, WithStop(stop)) }()

	select {
	case got := <-done:
		o := got["k"]
		assert.Equal(t, resilience.KindAborted, o.ErrorKind)
		assert.Equal(t, 1, o.Attempts)
		assert.Contains(t, o.Error, "503")
	case <-time.After(2 * time.Second):
		t.Fatal("batch did not return after stop")
	}
}

func TestValidateBatch_StopBeforeStart(t *testing.T) {
	var calls atomic.Int32
	c := New(probeFunc(func(context.Context, string) (model.ProbeResult, error) {
		calls.Add(1)
		return model.ProbeResult{}, nil
	}), fastConfig())

	stop := make(chan struct{})
	close(stop)
	got := c.ValidateBatch(context.Background(), keywords(5), WithStop(stop))
	require.Len(t, got, 5)
	for _, o := range got {
		assert.Equal(t, resilience.KindAborted, o.ErrorKind)
	}
	assert.Equal(t, int32(0), calls.Load())
	assert.Contains(t, got["keyword aa"].Error, "dispatch stopped")
}

func TestValidateBatch_StopMidBatch(t *testing.T) {
	cfg := fastConfig()
	cfg.Concurrency = 1
	stop := make(chan struct{})
	var once sync.Once
	var calls atomic.Int32
	c := New(probeFunc(func(context.Context, string) (model.ProbeResult, error) {
		calls.Add(1)
		once.Do(func() { close(stop) })
		time.Sleep(20 * time.Millisecond)
		return model.ProbeResult{Triggered: true}, nil
	}), cfg)

	got := c.ValidateBatch(context.Background(), keywords(8), WithStop(stop))
	require.Len(t, got, 8)

	var ok, aborted int
	for _, o := range got {
		switch {
		case o.ErrorKind == resilience.KindAborted:
			aborted++
		case !o.Failed():
			ok++
		}
	}
	assert.Equal(t, int(calls.Load()), ok)
	assert.Equal(t, 8, ok+aborted)
	assert.GreaterOrEqual(t, aborted, 6)
}

func TestValidateBatch_CanceledContext(t *testing.T) {
	c := New(probeFunc(func(context.Context, string) (model.ProbeResult, error) {
		return model.ProbeResult{}, nil
	}), fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got := c.ValidateBatch(ctx, keywords(3))
	require.Len(t, got, 3)
	for _, o := range got {
		assert.Equal(t, resilience.KindAborted, o.ErrorKind)
		assert.Equal(t, 0, o.Attempts)
	}
}

func TestValidateBatch_ProgressAndOutcomeCallbacks(t *testing.T) {
	cfg := fastConfig()
	cfg.ProgressEvery = 2
	c := New(probeFunc(func(context.Context, string) (model.ProbeResult, error) {
		return model.ProbeResult{}, nil
	}), cfg)

	var (
		progress [][2]int
		outcomes []string
	)
	got := c.ValidateBatch(context.Background(), keywords(5),
		WithProgress(func(resolved, total int) { progress = append(progress, [2]int{resolved, total}) }),
		WithOutcome(func(o model.ValidationOutcome) { outcomes = append(outcomes, o.Keyword) }),
	)
	require.Len(t, got, 5)
	assert.Equal(t, [][2]int{{2, 5}, {4, 5}, {5, 5}}, progress)
	assert.ElementsMatch(t, keywords(5), outcomes)
}

func TestValidateBatch_Metrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	c := New(probeFunc(func(_ context.Context, kw string) (model.ProbeResult, error) {
		if kw == "bad" {
			return model.ProbeResult{}, resilience.ParseFailure(errors.New("x"))
		}
		return model.ProbeResult{Triggered: kw == "hit"}, nil
	}), fastConfig(), WithMetrics(m))

	c.ValidateBatch(context.Background(), []string{"hit", "miss", "bad"})

	assert.InDelta(t, 2, testutil.ToFloat64(m.ProbeAttempts.WithLabelValues("ok")), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ProbeAttempts.WithLabelValues("parse_failure")), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(m.KeywordsValidated.WithLabelValues("triggered")), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(m.KeywordsValidated.WithLabelValues("not_triggered")), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(m.KeywordsValidated.WithLabelValues("error")), 0.001)
	assert.InDelta(t, 0, testutil.ToFloat64(m.ProbesInFlight), 0.001)
}

func TestCheck(t *testing.T) {
	c := New(probeFunc(func(_ context.Context, kw string) (model.ProbeResult, error) {
		if kw == "test" {
			return model.ProbeResult{}, nil
		}
		return model.ProbeResult{}, resilience.NewError(resilience.KindAuth, errors.New("401"))
	}), fastConfig())

	assert.NoError(t, c.Check(context.Background(), "test"))
	err := c.Check(context.Background(), "other")
	require.Error(t, err)
	assert.Equal(t, resilience.KindAuth, resilience.KindOf(err))
}

func TestWithProber_SharesPacingGate(t *testing.T) {
	var base, other atomic.Int32
	cfg := fastConfig()
	cfg.RatePerSecond = 20
	c := New(probeFunc(func(context.Context, string) (model.ProbeResult, error) {
		base.Add(1)
		return model.ProbeResult{}, nil
	}), cfg)
	local := c.WithProber(probeFunc(func(context.Context, string) (model.ProbeResult, error) {
		other.Add(1)
		return model.ProbeResult{Triggered: true}, nil
	}))

	got := local.ValidateBatch(context.Background(), []string{"a", "b"})
	assert.True(t, got["a"].Triggered)
	assert.Equal(t, int32(2), other.Load())
	assert.Equal(t, int32(0), base.Load())
	assert.Same(t, c.limiter, local.limiter)
}

func TestNew_Defaults(t *testing.T) {
	c := New(probeFunc(nil), Config{RetryAttempts: -1})
	cfg := c.Config()
	assert.Equal(t, 10, cfg.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, 10, cfg.ProgressEvery)
	assert.Equal(t, 0, cfg.RetryAttempts)
}

func TestDedupe(t *testing.T) {
	assert.Equal(t, []string{" b", "a", "b ", ""}, Dedupe([]string{" b", "a", "b ", "", "a", ""}))
	assert.Empty(t, Dedupe(nil))
}
