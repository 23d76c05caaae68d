package connector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tick(t *testing.T, clk *clock.Mock, interval time.Duration, mock *MockConnector, wantCalls int) {
	t.Helper()
	clk.Add(interval)
	require.Eventually(t, func() bool { return mock.DetectCalls() == wantCalls },
		time.Second, time.Millisecond, "expected %d presence checks", wantCalls)
}

func receive(t *testing.T, ch <-chan ConnectionState) (ConnectionState, bool) {
	t.Helper()
	select {
	case s, ok := <-ch:
		return s, ok
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for probe result")
		return StateUnknown, false
	}
}

func TestProbe_NotFoundAfterExactlyMaxAttempts(t *testing.T) {
	mock := NewMockConnector()
	mock.SetPresentOnCall(0)
	clk := clock.NewMock()
	probe := NewProbe(mock, clk, nil, testLogger())

	results := probe.Start(context.Background(), 3, time.Second)
	for i := 1; i <= 3; i++ {
		tick(t, clk, time.Second, mock, i)
	}

	state, ok := receive(t, results)
	require.True(t, ok)
	assert.Equal(t, StateNotFound, state)

	_, open := receive(t, results)
	assert.False(t, open, "channel must close after the terminal state")

	clk.Add(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, mock.DetectCalls(), "no checks after giving up")
}

func TestProbe_FoundOnceAndStops(t *testing.T) {
	mock := NewMockConnector()
	mock.SetPresentOnCall(2)
	clk := clock.NewMock()
	probe := NewProbe(mock, clk, nil, testLogger())

	results := probe.Start(context.Background(), 5, time.Second)
	tick(t, clk, time.Second, mock, 1)
	tick(t, clk, time.Second, mock, 2)

	state, ok := receive(t, results)
	require.True(t, ok)
	assert.Equal(t, StateFound, state)

	_, open := receive(t, results)
	assert.False(t, open, "Found is emitted exactly once")

	clk.Add(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, mock.DetectCalls())
}

func TestProbe_NoCheckBeforeFirstTick(t *testing.T) {
	mock := NewMockConnector()
	clk := clock.NewMock()
	probe := NewProbe(mock, clk, nil, testLogger())
	defer probe.Stop()

	probe.Start(context.Background(), 2, time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, mock.DetectCalls())
}

func TestProbe_Stop(t *testing.T) {
	mock := NewMockConnector()
	mock.SetPresentOnCall(0)
	clk := clock.NewMock()
	probe := NewProbe(mock, clk, nil, testLogger())

	results := probe.Start(context.Background(), 5, time.Second)
	tick(t, clk, time.Second, mock, 1)
	probe.Stop()

	_, open := receive(t, results)
	assert.False(t, open, "cancelled probe closes without a result")

	clk.Add(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, mock.DetectCalls())
}

func TestProbe_ContextCancel(t *testing.T) {
	mock := NewMockConnector()
	mock.SetPresentOnCall(0)
	probe := NewProbe(mock, clock.NewMock(), nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	results := probe.Start(ctx, 5, time.Second)
	cancel()

	_, open := receive(t, results)
	assert.False(t, open)
}

func TestProbe_SingleUse(t *testing.T) {
	mock := NewMockConnector()
	clk := clock.NewMock()
	probe := NewProbe(mock, clk, nil, testLogger())
	defer probe.Stop()

	probe.Start(context.Background(), 1, time.Second)
	second := probe.Start(context.Background(), 1, time.Second)
	_, open := receive(t, second)
	assert.False(t, open)
}

// hangingDetector answers only when its context ends.
type hangingDetector struct {
	mu    sync.Mutex
	calls int
}

func (d *hangingDetector) DetectPresence(ctx context.Context) (bool, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	<-ctx.Done()
	return false, ctx.Err()
}

func (d *hangingDetector) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func TestProbe_HangingCheckIsBoundedByInterval(t *testing.T) {
	detector := &hangingDetector{}
	probe := NewProbe(detector, nil, nil, testLogger())

	start := time.Now()
	results := probe.Start(context.Background(), 2, 20*time.Millisecond)

	state, ok := receive(t, results)
	require.True(t, ok)
	assert.Equal(t, StateNotFound, state)
	assert.Equal(t, 2, detector.callCount())
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
