package lookup

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hollomancer/sbir-analytics-sub004/internal/infrastructure/logging"
)

func testEntries() []Entry {
	return []Entry{
		{UEI: "ABC123DEF456G", DUNS: "123456789", Name: "Acme Robotics LLC", State: "CA", Zip: "94016"},
		{UEI: "XYZ987QRS654T", DUNS: "987654321", Name: "Quantum Dynamics, Inc.", State: "MA", Zip: "2138"},
		// Same normalized name as the first, different state.
		{UEI: "DUP111DUP222D", Name: "ACME ROBOTICS", State: "TX", Zip: "75001"},
	}
}

func buildTestIndex(t *testing.T) *RegistryIndex {
	t.Helper()
	p := NewProvider(func(context.Context) ([]Entry, error) {
		return testEntries(), nil
	}, logging.NewNop())
	ix, err := p.Get(context.Background())
	require.NoError(t, err)
	return ix
}

func TestExactLookups(t *testing.T) {
	ix := buildTestIndex(t)

	e := ix.ByUEI("abc123def456g")
	require.NotNil(t, e, "uei lookup is case-insensitive")
	require.Equal(t, "Acme Robotics LLC", e.Name)

	e = ix.ByDUNS("98-765-4321")
	require.NotNil(t, e, "duns lookup strips dashes")
	require.Equal(t, "MA", e.State)

	require.Nil(t, ix.ByUEI("MISSING000000"))
	require.Nil(t, ix.ByDUNS("000000001"))
}

func TestNameBuckets(t *testing.T) {
	ix := buildTestIndex(t)

	bucket := ix.ByName("Acme Robotics, Inc.")
	require.Len(t, bucket, 2, "suffix variants collide into one bucket")

	narrowed := ix.ByNameState("Acme Robotics", "TX")
	require.Len(t, narrowed, 1)
	require.Equal(t, "DUP111DUP222D", narrowed[0].UEI)
}

func TestEntriesAreNormalizedAtBuild(t *testing.T) {
	ix := buildTestIndex(t)
	e := ix.ByUEI("XYZ987QRS654T")
	require.NotNil(t, e)
	require.Equal(t, "QUANTUM DYNAMICS", e.NormalizedName)
	require.Equal(t, "02138", e.Zip)
}

func TestProviderLoadsOnce(t *testing.T) {
	var calls int
	p := NewProvider(func(context.Context) ([]Entry, error) {
		calls++
		return testEntries(), nil
	}, logging.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = p.Get(context.Background())
		}()
	}
	wg.Wait()
	require.Equal(t, 1, calls)
}

func TestProviderStickyError(t *testing.T) {
	p := NewProvider(func(context.Context) ([]Entry, error) {
		return nil, fmt.Errorf("corpus gone")
	}, logging.NewNop())

	_, err1 := p.Get(context.Background())
	_, err2 := p.Get(context.Background())
	require.Error(t, err1)
	require.Same(t, err1, err2, "build failure is sticky")
}
