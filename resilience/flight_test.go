package resilience_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framelens/go-resilience/resilience"
)

func TestFlightGroupThunderingHerd(t *testing.T) {
	// 100 concurrent cache-miss callers for one key must trigger exactly
	// one upstream fetch, with every caller seeing the same result.
	const callers = 100

	var g resilience.FlightGroup
	var fetches int64
	gate := make(chan struct{})

	results := make([][]byte, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			<-gate
			results[n], _, errs[n] = g.Do("products:oval:0.7", func() ([]byte, error) {
				atomic.AddInt64(&fetches, 1)
				time.Sleep(20 * time.Millisecond) // keep the herd piled up
				return []byte("result"), nil
			})
		}(i)
	}

	close(gate)
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&fetches))
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, []byte("result"), results[i])
	}
}

func TestFlightGroupSharesError(t *testing.T) {
	var g resilience.FlightGroup
	var fetches int64
	errBoom := errors.New("boom")
	gate := make(chan struct{})

	const callers = 10
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			<-gate
			_, _, errs[n] = g.Do("k", func() ([]byte, error) {
				atomic.AddInt64(&fetches, 1)
				time.Sleep(10 * time.Millisecond)
				return nil, errBoom
			})
		}(i)
	}

	close(gate)
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&fetches))
	for _, err := range errs {
		assert.ErrorIs(t, err, errBoom, "all callers share the propagated error")
	}
}

func TestFlightGroupMarkerClearsAfterSettle(t *testing.T) {
	var g resilience.FlightGroup
	var fetches int64

	fetch := func() ([]byte, error) {
		atomic.AddInt64(&fetches, 1)
		return []byte("v"), nil
	}

	_, _, err := g.Do("k", fetch)
	require.NoError(t, err)

	// The first call settled, so a later call must fetch again.
	_, _, err = g.Do("k", fetch)
	require.NoError(t, err)

	assert.Equal(t, int64(2), atomic.LoadInt64(&fetches))
}

func TestFlightGroupDistinctKeysDoNotDeduplicate(t *testing.T) {
	var g resilience.FlightGroup
	var fetches int64

	var wg sync.WaitGroup
	for _, key := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			_, _, _ = g.Do(k, func() ([]byte, error) {
				atomic.AddInt64(&fetches, 1)
				time.Sleep(10 * time.Millisecond)
				return []byte(k), nil
			})
		}(key)
	}
	wg.Wait()

	assert.Equal(t, int64(3), atomic.LoadInt64(&fetches))
}

func TestFlightGroupForget(t *testing.T) {
	var g resilience.FlightGroup
	var fetches int64

	started := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_, _, _ = g.Do("k", func() ([]byte, error) {
			atomic.AddInt64(&fetches, 1)
			close(started)
			<-release
			return []byte("old"), nil
		})
	}()
	<-started

	// After Forget, a new caller must not join the in-flight fetch.
	g.Forget("k")

	done := make(chan struct{})
	go func() {
		defer close(done)
		data, _, err := g.Do("k", func() ([]byte, error) {
			atomic.AddInt64(&fetches, 1)
			return []byte("new"), nil
		})
		require.NoError(t, err)
		assert.Equal(t, []byte("new"), data)
	}()

	<-done
	close(release)
	assert.Equal(t, int64(2), atomic.LoadInt64(&fetches))
}
