package resilience

import (
	"golang.org/x/sync/singleflight"
)

// FlightGroup deduplicates concurrent fetches of the same cache key.
// Under N concurrent callers missing on an identical key, the expensive
// upstream fetch executes exactly once and all N callers share its result,
// success or error. The in-flight marker clears when the call settles, so
// a later miss fetches again.
type FlightGroup struct {
	group singleflight.Group
}

// Do executes fn, deduplicating by key. The bool return reports whether
// the result was shared with other callers, which makes stampede
// suppression observable in tests and logs.
func (g *FlightGroup) Do(key string, fn func() ([]byte, error)) ([]byte, bool, error) {
	v, err, shared := g.group.Do(key, func() (any, error) {
		return fn()
	})
	if err != nil {
		return nil, shared, err
	}
	data, _ := v.([]byte)
	return data, shared, nil
}

// Forget drops the in-flight marker for key, so the next Do executes fn
// even if an earlier call is still running. Useful after an invalidation
// that must not be satisfied by a fetch already in progress.
func (g *FlightGroup) Forget(key string) {
	g.group.Forget(key)
}
