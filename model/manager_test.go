package model

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DanielWarg/AliceV2-sub000/breaker"
	"github.com/DanielWarg/AliceV2-sub000/faults"
)

// fakeDriver answers with a fixed result or error and counts invocations.
type fakeDriver struct {
	route string
	id    string
	text  string
	err   error
	calls int
}

func (f *fakeDriver) Generate(context.Context, Request) (Result, error) {
	f.calls++
	if f.err != nil {
		return Result{ModelID: f.id, Route: f.route, ErrorClass: faults.ClassOf(f.err)}, f.err
	}
	return Result{ModelID: f.id, Route: f.route, Text: f.text, SchemaOK: true}, nil
}

func (f *fakeDriver) Route() string   { return f.route }
func (f *fakeDriver) ModelID() string { return f.id }

func newTestManager(t *testing.T, micro, plan, deep, cloud Driver) *Manager {
	t.Helper()
	m, err := NewManager(ManagerOptions{
		Micro:    micro,
		Planner:  plan,
		Deep:     deep,
		Cloud:    cloud,
		Breakers: breaker.NewRegistry(breaker.DefaultConfig),
	})
	require.NoError(t, err)
	return m
}

func TestManagerServesRequestedTier(t *testing.T) {
	micro := &fakeDriver{route: RouteMicro, id: "m", text: "hej"}
	plan := &fakeDriver{route: RoutePlanner, id: "p", text: "plan"}
	deep := &fakeDriver{route: RouteDeep, id: "d", text: "djupt"}
	mgr := newTestManager(t, micro, plan, deep, nil)

	out, err := mgr.Generate(context.Background(), RoutePlanner, Request{Prompt: "boka möte"}, Hints{})
	require.NoError(t, err)
	assert.Equal(t, "p", out.ModelID)
	assert.False(t, out.FallbackUsed)
	assert.False(t, out.BlockedByGuardian)
	assert.Zero(t, micro.calls)
}

func TestManagerDeepSuppression(t *testing.T) {
	micro := &fakeDriver{route: RouteMicro, id: "m"}
	plan := &fakeDriver{route: RoutePlanner, id: "p", text: "plan"}
	deep := &fakeDriver{route: RouteDeep, id: "d"}
	mgr := newTestManager(t, micro, plan, deep, nil)

	out, err := mgr.Generate(context.Background(), RouteDeep, Request{Prompt: "analysera"}, Hints{SuppressDeep: true})
	require.NoError(t, err)
	assert.Equal(t, RoutePlanner, out.Route)
	assert.True(t, out.BlockedByGuardian)
	assert.False(t, out.FallbackUsed)
	assert.Zero(t, deep.calls)
}

func TestManagerFallsBackToMicroOnFailure(t *testing.T) {
	micro := &fakeDriver{route: RouteMicro, id: "m", text: "hej"}
	plan := &fakeDriver{route: RoutePlanner, id: "p", err: faults.New(faults.ClassServer, "boom")}
	deep := &fakeDriver{route: RouteDeep, id: "d"}
	mgr := newTestManager(t, micro, plan, deep, nil)

	out, err := mgr.Generate(context.Background(), RoutePlanner, Request{Prompt: "boka"}, Hints{})
	require.NoError(t, err)
	assert.Equal(t, RouteMicro, out.Route)
	assert.True(t, out.FallbackUsed)
	assert.Equal(t, 1, plan.calls)
	assert.Equal(t, 1, micro.calls)
}

func TestManagerCircuitOpenBlocksPlanner(t *testing.T) {
	micro := &fakeDriver{route: RouteMicro, id: "m", text: "hej"}
	plan := &fakeDriver{route: RoutePlanner, id: "p", err: faults.New(faults.ClassServer, "down")}
	deep := &fakeDriver{route: RouteDeep, id: "d"}
	mgr := newTestManager(t, micro, plan, deep, nil)

	// Two failures trip the planner breaker; the third request must not even
	// reach the driver.
	for i := 0; i < 2; i++ {
		_, err := mgr.Generate(context.Background(), RoutePlanner, Request{Prompt: "x"}, Hints{})
		require.NoError(t, err)
	}
	require.Equal(t, 2, plan.calls)

	out, err := mgr.Generate(context.Background(), RoutePlanner, Request{Prompt: "x"}, Hints{})
	require.NoError(t, err)
	assert.Equal(t, 2, plan.calls, "breaker should reject without invoking driver")
	assert.Equal(t, RouteMicro, out.Route)
	assert.True(t, out.FallbackUsed)
}

func TestManagerAllTiersFail(t *testing.T) {
	boom := faults.New(faults.ClassServer, "down")
	micro := &fakeDriver{route: RouteMicro, id: "m", err: boom}
	plan := &fakeDriver{route: RoutePlanner, id: "p", err: boom}
	deep := &fakeDriver{route: RouteDeep, id: "d", err: boom}
	mgr := newTestManager(t, micro, plan, deep, nil)

	out, err := mgr.Generate(context.Background(), RouteDeep, Request{Prompt: "x"}, Hints{})
	require.ErrorIs(t, err, ErrNoDriver)
	assert.True(t, out.FallbackUsed)
	assert.NotEmpty(t, out.ErrorClass)
}

func TestManagerCloudEscalationForHardPrompts(t *testing.T) {
	micro := &fakeDriver{route: RouteMicro, id: "m"}
	plan := &fakeDriver{route: RoutePlanner, id: "p", text: "lokal"}
	deep := &fakeDriver{route: RouteDeep, id: "d"}
	cloud := &fakeDriver{route: RoutePlanner, id: "gpt-4o-mini", text: "moln"}
	mgr := newTestManager(t, micro, plan, deep, cloud)

	hard := "Analysera och föreslå en strategi, utvärdera alternativ och optimera med hänsyn till kostnad."
	out, err := mgr.Generate(context.Background(), RoutePlanner, Request{Prompt: hard}, Hints{})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", out.ModelID)
	assert.Zero(t, plan.calls)

	out, err = mgr.Generate(context.Background(), RoutePlanner, Request{Prompt: "boka möte imorgon"}, Hints{})
	require.NoError(t, err)
	assert.Equal(t, "p", out.ModelID)
	assert.Equal(t, 1, cloud.calls)
}

func TestManagerBrownoutThrottle(t *testing.T) {
	micro := &fakeDriver{route: RouteMicro, id: "m", text: "hej"}
	plan := &fakeDriver{route: RoutePlanner, id: "p", text: "plan"}
	deep := &fakeDriver{route: RouteDeep, id: "d"}
	mgr := newTestManager(t, micro, plan, deep, nil)

	// The limiter's burst admits the first requests; once drained, planner
	// traffic demotes to micro instead of queueing.
	demoted := false
	for i := 0; i < 10; i++ {
		out, err := mgr.Generate(context.Background(), RoutePlanner, Request{Prompt: "boka"}, Hints{Brownout: true})
		require.NoError(t, err)
		if out.Route == RouteMicro {
			demoted = true
		}
	}
	assert.True(t, demoted)
}
