package enrich

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hollomancer/sbir-analytics-sub004/internal/config"
	"github.com/hollomancer/sbir-analytics-sub004/internal/infrastructure/logging"
	"github.com/hollomancer/sbir-analytics-sub004/internal/lookup"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
)

// scriptedAPI returns canned outcomes per call, in order.
type scriptedAPI struct {
	mu      sync.Mutex
	calls   int
	outcome func(call int, keys []string) ([]*lookup.Entry, error)
}

func (s *scriptedAPI) LookupBatch(_ context.Context, keys []string) ([]*lookup.Entry, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	return s.outcome(call, keys)
}

func apiCfg() config.APISourceConfig {
	return config.APISourceConfig{
		RequestsPerSec:  1000,
		Burst:           100,
		BatchSize:       2,
		Timeout:         time.Second,
		MaxRetries:      3,
		InitialBackoff:  time.Millisecond,
		BreakerFailures: 2,
		BreakerCooldown: 50 * time.Millisecond,
	}
}

func entryFor(name string) *lookup.Entry {
	return &lookup.Entry{UEI: "ACME123456789", Name: name, NAICS: "541715"}
}

func TestResilientClientRetriesTransient(t *testing.T) {
	api := &scriptedAPI{outcome: func(call int, keys []string) ([]*lookup.Entry, error) {
		if call < 3 {
			return nil, errors.New(errors.ErrCodeExternalTransient, "upstream 503")
		}
		out := make([]*lookup.Entry, len(keys))
		out[0] = entryFor("Acme Robotics LLC")
		return out, nil
	}}
	c := NewResilientClient(api, nil, apiCfg(), logging.NewNop())

	entries, err := c.LookupBatch(context.Background(), []string{"ACME123456789"})
	require.NoError(t, err)
	require.Equal(t, 3, api.calls)
	require.NotNil(t, entries[0])
}

func TestResilientClientNoRetryOnPermanent(t *testing.T) {
	api := &scriptedAPI{outcome: func(int, []string) ([]*lookup.Entry, error) {
		return nil, errors.New(errors.ErrCodeExternalPermanent, "bad request")
	}}
	c := NewResilientClient(api, nil, apiCfg(), logging.NewNop())

	_, err := c.LookupBatch(context.Background(), []string{"X"})
	require.Error(t, err)
	require.Equal(t, 1, api.calls, "4xx must not be retried")
}

func TestResilientClientBreakerOpens(t *testing.T) {
	api := &scriptedAPI{outcome: func(int, []string) ([]*lookup.Entry, error) {
		return nil, errors.New(errors.ErrCodeExternalPermanent, "down hard")
	}}
	c := NewResilientClient(api, nil, apiCfg(), logging.NewNop())

	ctx := context.Background()
	_, err := c.LookupBatch(ctx, []string{"A"})
	require.Error(t, err)
	_, err = c.LookupBatch(ctx, []string{"B"})
	require.Error(t, err)

	// Two consecutive failures trip the breaker; the next call is rejected
	// without reaching the transport.
	before := api.calls
	_, err = c.LookupBatch(ctx, []string{"C"})
	require.True(t, errors.IsCode(err, errors.ErrCodeCircuitOpen))
	require.Equal(t, before, api.calls)
}

type mapCache struct {
	mu sync.Mutex
	m  map[string]*lookup.Entry
}

func (c *mapCache) Get(_ context.Context, key string) (*lookup.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	return e, ok
}

func (c *mapCache) Set(_ context.Context, key string, e *lookup.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = e
}

func TestResilientClientServesFromCache(t *testing.T) {
	api := &scriptedAPI{outcome: func(_ int, keys []string) ([]*lookup.Entry, error) {
		out := make([]*lookup.Entry, len(keys))
		for i := range keys {
			out[i] = entryFor("Acme Robotics LLC")
		}
		return out, nil
	}}
	cache := &mapCache{m: map[string]*lookup.Entry{}}
	c := NewResilientClient(api, cache, apiCfg(), logging.NewNop())

	ctx := context.Background()
	_, err := c.LookupBatch(ctx, []string{"ACME123456789"})
	require.NoError(t, err)
	require.Equal(t, 1, api.calls)

	entries, err := c.LookupBatch(ctx, []string{"ACME123456789"})
	require.NoError(t, err)
	require.NotNil(t, entries[0])
	require.Equal(t, 1, api.calls, "second lookup must come from cache")
}

func TestAPILookupStrategyBatchesAndAligns(t *testing.T) {
	var gotBatches [][]string
	api := &scriptedAPI{outcome: func(_ int, keys []string) ([]*lookup.Entry, error) {
		gotBatches = append(gotBatches, append([]string(nil), keys...))
		out := make([]*lookup.Entry, len(keys))
		for i, k := range keys {
			if k == "ACME123456789" {
				out[i] = entryFor("Acme Robotics LLC")
			}
		}
		return out, nil
	}}
	client := NewResilientClient(api, nil, apiCfg(), logging.NewNop())

	cfg := testCfg()
	cfg.Registry = apiCfg()
	e := New(cfg, testIndex(t), client, "award_id", logging.NewNop())

	// Three unresolved records against batch size 2: two protected calls,
	// results aligned back by index.
	chunk := chunkOf(
		record("A-1", "company", "Unknown Alpha Co"),
		record("A-2", "company", "Acme Robotics LLC"),
		record("A-3", "company", "Unknown Beta Co"),
	)

	results, err := e.EnrichChunk(context.Background(), chunk, FieldNAICS)
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Len(t, gotBatches, 2)
	require.Len(t, gotBatches[0], 2)
	require.Len(t, gotBatches[1], 1)

	// A-2's API key is its normalized name, which the scripted API misses;
	// it then resolves via the fuzzy tier instead.
	require.Equal(t, "A-2", results[1].RecordID)
	require.True(t, results[1].Matched())
}
