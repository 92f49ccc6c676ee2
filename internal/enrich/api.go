package enrich

import (
	"context"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/hollomancer/sbir-analytics-sub004/internal/config"
	"github.com/hollomancer/sbir-analytics-sub004/internal/infrastructure/logging"
	"github.com/hollomancer/sbir-analytics-sub004/internal/lookup"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
)

// RegistryAPI is the raw transport for the external supplier registry. The
// returned slice is aligned with keys; a nil element is a miss. Transient
// failures carry ErrCodeExternalTransient (or ErrCodeRateLimited);
// everything else is treated as permanent.
type RegistryAPI interface {
	LookupBatch(ctx context.Context, keys []string) ([]*lookup.Entry, error)
}

// EntryCache is the optional response cache in front of the registry.
// Implementations must treat a false second return as a miss, including
// cached misses stored as nil entries if the implementation supports them.
type EntryCache interface {
	Get(ctx context.Context, key string) (*lookup.Entry, bool)
	Set(ctx context.Context, key string, e *lookup.Entry)
}

// ResilientClient wraps a RegistryAPI with the per-source protections the
// enrichment chain requires: shared token bucket, circuit breaker,
// bounded exponential retry of transient failures, and a response cache.
// One ResilientClient exists per external source and is shared by all
// enrichment workers.
type ResilientClient struct {
	api     RegistryAPI
	cache   EntryCache // nil disables
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	cfg     config.APISourceConfig
	log     logging.Logger
}

// NewResilientClient builds the protected client for one source.
func NewResilientClient(api RegistryAPI, cache EntryCache, cfg config.APISourceConfig, log logging.Logger) *ResilientClient {
	c := &ResilientClient{
		api:     api,
		cache:   cache,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.Burst),
		cfg:     cfg,
		log:     log.Named("registry-client"),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "registry",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.BreakerFailures)
		},
		Timeout: cfg.BreakerCooldown,
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("circuit breaker state change",
				logging.String("from", from.String()), logging.String("to", to.String()))
		},
	})
	return c
}

// LookupBatch resolves up to BatchSize keys, aligned by index. Cache hits
// are served without touching the limiter; the remainder goes out in one
// protected request. A breaker-open or exhausted-retry failure returns an
// error for the whole batch; the caller degrades to the next strategy.
func (c *ResilientClient) LookupBatch(ctx context.Context, keys []string) ([]*lookup.Entry, error) {
	out := make([]*lookup.Entry, len(keys))
	missIdx := make([]int, 0, len(keys))
	missKeys := make([]string, 0, len(keys))
	for i, k := range keys {
		if c.cache != nil {
			if e, ok := c.cache.Get(ctx, k); ok {
				out[i] = e
				continue
			}
		}
		missIdx = append(missIdx, i)
		missKeys = append(missKeys, k)
	}
	if len(missKeys) == 0 {
		return out, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeCancelled, "rate limiter wait aborted")
	}

	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetchWithRetry(ctx, missKeys)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, errors.Wrap(err, errors.ErrCodeCircuitOpen, "registry circuit open")
		}
		return nil, err
	}

	fetched := res.([]*lookup.Entry)
	for j, i := range missIdx {
		out[i] = fetched[j]
		if c.cache != nil && fetched[j] != nil {
			c.cache.Set(ctx, missKeys[j], fetched[j])
		}
	}
	return out, nil
}

// fetchWithRetry issues the raw batch request, retrying transient failures
// (network, timeout, 5xx, 429) with exponential backoff. Permanent 4xx
// failures return immediately.
func (c *ResilientClient) fetchWithRetry(ctx context.Context, keys []string) ([]*lookup.Entry, error) {
	var entries []*lookup.Entry
	attempt := 0
	op := func() error {
		attempt++
		callCtx := ctx
		if c.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
			defer cancel()
		}
		var err error
		entries, err = c.api.LookupBatch(callCtx, keys)
		if err == nil {
			return nil
		}
		if !errors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		c.log.Debug("transient registry failure",
			logging.Int("attempt", attempt), logging.Err(err))
		return err
	}
	bo := backoff.NewExponentialBackOff()
	if c.cfg.InitialBackoff > 0 {
		bo.InitialInterval = c.cfg.InitialBackoff
	}
	bo.MaxElapsedTime = 0 // bounded by MaxRetries, not wall clock
	if err := backoff.Retry(op,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.cfg.MaxRetries)), ctx)); err != nil {
		return nil, errors.Wrap(err, errors.CodeUnknown, "registry lookup failed")
	}
	if len(entries) != len(keys) {
		return nil, errors.Newf(errors.ErrCodeExternalPermanent,
			"registry returned %d results for %d keys", len(entries), len(keys))
	}
	return entries, nil
}

// indexBackedAPI adapts the in-process registry index to the RegistryAPI
// contract. It serves as the default client when no live registry endpoint
// is configured, and as the deterministic test double.
type indexBackedAPI struct {
	ix *lookup.RegistryIndex
}

// NewIndexBackedAPI wraps a built index as a RegistryAPI.
func NewIndexBackedAPI(ix *lookup.RegistryIndex) RegistryAPI {
	return &indexBackedAPI{ix: ix}
}

func (a *indexBackedAPI) LookupBatch(_ context.Context, keys []string) ([]*lookup.Entry, error) {
	out := make([]*lookup.Entry, len(keys))
	for i, k := range keys {
		if e := a.ix.ByUEI(k); e != nil {
			out[i] = e
			continue
		}
		if e := a.ix.ByDUNS(k); e != nil {
			out[i] = e
			continue
		}
		if bucket := a.ix.ByName(k); len(bucket) > 0 {
			out[i] = bucket[0]
		}
	}
	return out, nil
}
