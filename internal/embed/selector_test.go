package embed

// Test Plan for Selector:
// - NewSelector rejects an empty client list
// - The primary stays active below the failure threshold and a success resets its counter
// - Reaching the threshold fails over to the next client
// - After the cooldown the primary is tried on probation; one failure fails over again, a success restores it
// - An unreachable primary is not tried: the cooldown restarts until IsHealthy reports it back
// - CheckHealth reports reachability of every client
// - Alternate returns the next client, or the active one when it differs from the caller's
// - A single-client selector never fails over and has no alternate
// - MaxInputSize is the smallest limit across clients

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestNewSelector_NoClients(t *testing.T) {
	t.Parallel()

	_, err := NewSelector(nil)
	require.ErrorIs(t, err, ErrNoClients)
}

func TestSelector_FailoverAtThreshold(t *testing.T) {
	t.Parallel()

	primary := NewFakeClient("primary", 8, 4)
	fallback := NewFakeClient("fallback", 16, 4)
	sel, err := NewSelector([]Client{primary, fallback}, WithFailureThreshold(3))
	require.NoError(t, err)

	sel.ReportFailure(primary)
	sel.ReportFailure(primary)
	assert.Equal(t, "primary", sel.Select().Name())

	// A success in between resets the consecutive count
	sel.ReportSuccess(primary)
	sel.ReportFailure(primary)
	sel.ReportFailure(primary)
	assert.Equal(t, "primary", sel.Select().Name())

	sel.ReportFailure(primary)
	assert.Equal(t, "fallback", sel.Select().Name())

	health := sel.Health()
	require.Len(t, health, 2)
	assert.Equal(t, 3, health[0].ConsecutiveFailures)
	assert.False(t, health[0].Active)
	assert.True(t, health[1].Active)
}

func TestSelector_CooldownProbation(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	primary := NewFakeClient("primary", 8, 4)
	fallback := NewFakeClient("fallback", 8, 4)
	sel, err := NewSelector([]Client{primary, fallback},
		WithFailureThreshold(2), WithCooldown(time.Minute), WithClock(clock.Now))
	require.NoError(t, err)

	sel.ReportFailure(primary)
	sel.ReportFailure(primary)
	require.Equal(t, "fallback", sel.Select().Name())

	clock.Advance(30 * time.Second)
	assert.Equal(t, "fallback", sel.Select().Name())

	// Probation: primary is tried again, one failure trips immediately
	clock.Advance(31 * time.Second)
	require.Equal(t, "primary", sel.Select().Name())
	sel.ReportFailure(primary)
	assert.Equal(t, "fallback", sel.Select().Name())

	// Next attempt succeeds and restores the primary
	clock.Advance(time.Minute)
	require.Equal(t, "primary", sel.Select().Name())
	sel.ReportSuccess(primary)
	clock.Advance(time.Hour)
	assert.Equal(t, "primary", sel.Select().Name())
	assert.Equal(t, 0, sel.Health()[0].ConsecutiveFailures)
}

func TestSelector_CooldownWaitsForHealthyPrimary(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	primary := NewFakeClient("primary", 8, 4)
	fallback := NewFakeClient("fallback", 8, 4)
	sel, err := NewSelector([]Client{primary, fallback},
		WithFailureThreshold(1), WithCooldown(time.Minute), WithClock(clock.Now))
	require.NoError(t, err)

	sel.ReportFailure(primary)
	require.Equal(t, "fallback", sel.Select().Name())
	assert.Equal(t, 0, primary.HealthChecks(), "no check during the cooldown")

	primary.SetHealthy(false)
	clock.Advance(time.Minute)
	assert.Equal(t, "fallback", sel.Select().Name())
	assert.Equal(t, 1, primary.HealthChecks())

	// The failed check restarted the cooldown
	clock.Advance(30 * time.Second)
	assert.Equal(t, "fallback", sel.Select().Name())
	assert.Equal(t, 1, primary.HealthChecks())

	primary.SetHealthy(true)
	clock.Advance(30 * time.Second)
	assert.Equal(t, "primary", sel.Select().Name())
	assert.Equal(t, 2, primary.HealthChecks())
}

func TestSelector_CheckHealth(t *testing.T) {
	t.Parallel()

	primary := NewFakeClient("primary", 8, 4)
	fallback := NewFakeClient("fallback", 8, 4)
	fallback.SetHealthy(false)
	sel, err := NewSelector([]Client{primary, fallback})
	require.NoError(t, err)

	health := sel.CheckHealth(context.Background())
	require.Len(t, health, 2)
	assert.Equal(t, ClientHealth{Name: "primary", Active: true, Reachable: true}, health[0])
	assert.Equal(t, ClientHealth{Name: "fallback"}, health[1])

	assert.False(t, sel.Health()[0].Reachable, "Health does not run checks")
}

func TestSelector_Alternate(t *testing.T) {
	t.Parallel()

	primary := NewFakeClient("primary", 8, 4)
	fallback := NewFakeClient("fallback", 8, 4)
	sel, err := NewSelector([]Client{primary, fallback}, WithFailureThreshold(1))
	require.NoError(t, err)

	assert.Equal(t, "fallback", sel.Alternate(primary).Name())
	assert.Equal(t, "primary", sel.Alternate(fallback).Name())

	// Once failed over, a caller still holding the primary is pointed at the active client
	sel.ReportFailure(primary)
	assert.Equal(t, "fallback", sel.Alternate(primary).Name())
}

func TestSelector_SingleClient(t *testing.T) {
	t.Parallel()

	only := NewFakeClient("only", 8, 4)
	sel, err := NewSelector([]Client{only}, WithFailureThreshold(1))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		sel.ReportFailure(only)
	}
	assert.Same(t, only, sel.Select())
	assert.Nil(t, sel.Alternate(only))
}

func TestSelector_MaxInputSize(t *testing.T) {
	t.Parallel()

	a := NewLocalClient("a", 8, 1000, 4)
	b := NewLocalClient("b", 8, 200, 4)
	sel, err := NewSelector([]Client{a, b})
	require.NoError(t, err)

	assert.Equal(t, 200, sel.MaxInputSize())
	assert.Same(t, a, sel.Primary())
	assert.Len(t, sel.Clients(), 2)
}
