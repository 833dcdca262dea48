package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nopConn is an always-healthy connection.
type nopConn struct{}

func (nopConn) Ping(context.Context) error  { return nil }
func (nopConn) Close(context.Context) error { return nil }

// gatedConnector blocks in-flight dials on a gate so tests can hold a
// dial open while other pool operations run.
type gatedConnector struct {
	entered chan struct{}
	release chan struct{}
	gated   atomic.Bool
	dials   atomic.Int32
}

func (g *gatedConnector) connect(context.Context) (Conn, error) {
	g.dials.Add(1)
	if g.gated.Load() {
		g.entered <- struct{}{}
		<-g.release
	}
	return nopConn{}, nil
}

func TestResizeGrowthRespectsMaxSizeUnderAcquirePressure(t *testing.T) {
	connector := &gatedConnector{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	m, err := New(Config{
		MinSize:             1,
		MaxSize:             2,
		AcquireTimeout:      50 * time.Millisecond,
		HealthCheckInterval: time.Hour,
	}, connector.connect, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	defer m.Close(ctx)

	held, err := m.Acquire(ctx)
	require.NoError(t, err)
	defer m.Release(held)

	// Utilization is now 1.0, so the resizer wants to grow. Hold its
	// dial open and race an acquisition against it.
	connector.gated.Store(true)
	resized := make(chan struct{})
	go func() {
		defer close(resized)
		m.resize(ctx)
	}()
	<-connector.entered

	// The resizer reserved the second and last slot before dialing. A
	// concurrent acquire must wait for it, never open a third connection.
	_, err = m.Acquire(ctx)
	require.ErrorIs(t, err, ErrPoolExhausted)
	assert.LessOrEqual(t, m.Stats().Total, 2)

	close(connector.release)
	<-resized

	stats := m.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 1, stats.Idle)
}

func TestDialAtCapacityDoesNotConnect(t *testing.T) {
	connector := &gatedConnector{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	m, err := New(Config{
		MinSize:             1,
		MaxSize:             1,
		HealthCheckInterval: time.Hour,
	}, connector.connect, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	defer m.Close(ctx)

	pc, err := m.dial(ctx)
	require.ErrorIs(t, err, errAtCapacity)
	require.Nil(t, pc)

	// Only the pre-warm dial reached the connector.
	assert.Equal(t, int32(1), connector.dials.Load())
	assert.Equal(t, 1, m.Stats().Total)
}
