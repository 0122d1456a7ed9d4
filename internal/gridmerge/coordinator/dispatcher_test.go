package coordinator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/G-Research/gridmerge/internal/common/griderrors"
	"github.com/G-Research/gridmerge/internal/gridmerge/jobstate"
)

func job(s int, p int) jobstate.Job {
	return jobstate.Job{SubSim: s, Projection: p}
}

func state(t *testing.T, g *grid, j jobstate.Job) jobstate.JobState {
	s, ok := g.states.State(j)
	require.True(t, ok)
	return s
}

func TestCycle_NothingReady(t *testing.T) {
	g := newGrid(t, 2, 1, 1, configOf)
	worked, err := g.dispatcher(true).Cycle(context.Background())
	require.NoError(t, err)
	assert.False(t, worked)
	assert.Empty(t, g.journal.Entries())
}

func TestCycle_WholeProjection(t *testing.T) {
	g := newGrid(t, 2, 1, 1, configOf)
	g.ready(t, job(0, 0), job(1, 0))

	worked, err := g.dispatcher(true).Cycle(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)

	assert.Equal(t, jobstate.Done, state(t, g, job(0, 0)))
	assert.Equal(t, jobstate.Done, state(t, g, job(1, 0)))
	for c, name := range []string{"primary", "scatter"} {
		img, ok := g.codec.get("/out/0/" + name + ".mhd")
		require.True(t, ok)
		assert.Equal(t, expectedMerge(2, 0, c), img.Pix)
	}
	_, ok := g.codec.get("/out/0/primary_0.mhd")
	assert.False(t, ok, "inputs are removed once merged")
	assert.Equal(t, 0, g.slots.Bound())

	// The first job takes the shortcut, the last one writes.
	var transitions []string
	for _, e := range g.journal.Entries() {
		if e.From == jobstate.Reading.String() {
			transitions = append(transitions, job(e.SubSim, e.Projection).String()+" "+e.To)
		}
	}
	assert.Equal(t, []string{"(0,0) DONE", "(1,0) WRITING"}, transitions)
}

func TestCycle_PartialProjectionKeepsSlot(t *testing.T) {
	g := newGrid(t, 2, 1, 1, configOf)
	d := g.dispatcher(true)

	g.ready(t, job(1, 0))
	worked, err := d.Cycle(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Equal(t, jobstate.Done, state(t, g, job(1, 0)))
	assert.Equal(t, 1, g.slots.Bound())
	_, written := g.codec.get("/out/0/primary.mhd")
	assert.False(t, written)

	worked, err = d.Cycle(context.Background())
	require.NoError(t, err)
	assert.False(t, worked)

	g.ready(t, job(0, 0))
	worked, err = d.Cycle(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Equal(t, jobstate.Done, state(t, g, job(0, 0)))
	assert.Equal(t, 0, g.slots.Bound())
	img, ok := g.codec.get("/out/0/primary.mhd")
	require.True(t, ok)
	assert.Equal(t, expectedMerge(2, 0, 0), img.Pix)
}

func TestCycle_NoFreeSlotDefersProjection(t *testing.T) {
	g := newGrid(t, 2, 2, 1, configOf)
	d := g.dispatcher(true)
	g.ready(t, job(1, 0), job(0, 1), job(1, 1))

	worked, err := d.Cycle(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Equal(t, jobstate.Done, state(t, g, job(1, 0)))
	assert.Equal(t, jobstate.Ready, state(t, g, job(0, 1)))
	assert.Equal(t, jobstate.Ready, state(t, g, job(1, 1)))

	// Projection 0 still holds the only slot.
	worked, err = d.Cycle(context.Background())
	require.NoError(t, err)
	assert.False(t, worked)

	g.ready(t, job(0, 0))
	_, err = d.Cycle(context.Background())
	require.NoError(t, err)
	_, err = d.Cycle(context.Background())
	require.NoError(t, err)

	assert.False(t, g.states.HasOutstandingWork())
	for p := 0; p < 2; p++ {
		img, ok := g.codec.get(fmt.Sprintf("/out/%d/scatter.mhd", p))
		require.True(t, ok)
		assert.Equal(t, expectedMerge(2, p, 1), img.Pix)
	}
}

func TestCycle_LocatesOutputsOncePerJob(t *testing.T) {
	g := newGrid(t, 2, 1, 1, configOf)
	g.ready(t, job(0, 0), job(1, 0))
	_, err := g.dispatcher(true).Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"0_0": 1, "0_1": 1}, g.locator.lookups)
}

func TestCycle_ConfigRemoval(t *testing.T) {
	tests := map[string]struct {
		keepConfigs bool
	}{
		"configs removed": {keepConfigs: false},
		"configs kept":    {keepConfigs: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			config := func(p int, s int) string {
				path := filepath.Join(dir, configOf(p, s)+".mac")
				require.NoError(t, os.WriteFile(path, []byte("/gate/application/start\n"), 0o644))
				return path
			}
			g := newGrid(t, 2, 1, 1, config)
			g.ready(t, job(0, 0), job(1, 0))
			_, err := g.dispatcher(tc.keepConfigs).Cycle(context.Background())
			require.NoError(t, err)

			for s := 0; s < 2; s++ {
				_, err := os.Stat(filepath.Join(dir, configOf(0, s)+".mac"))
				assert.Equal(t, tc.keepConfigs, err == nil)
			}
		})
	}
}

// configDirs makes every job config a non-empty directory, which cannot be removed.
func configDirs(t *testing.T) func(p int, s int) string {
	dir := t.TempDir()
	return func(p int, s int) string {
		path := filepath.Join(dir, configOf(p, s))
		require.NoError(t, os.MkdirAll(filepath.Join(path, "child"), 0o755))
		return path
	}
}

func TestCycle_CollaboratorFailures(t *testing.T) {
	tests := map[string]struct {
		configs   func(t *testing.T) func(p int, s int) string
		breakGrid func(g *grid)
	}{
		"locator fails":  {breakGrid: func(g *grid) { g.locator.fail = true }},
		"input missing":  {breakGrid: func(g *grid) { _ = g.codec.Remove("/out/0/scatter_1.mhd") }},
		"shape mismatch": {breakGrid: func(g *grid) { g.codec.put("/out/0/primary_1.mhd", 1, 2, 3) }},
		"config cleanup": {configs: configDirs},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			config := configOf
			if tc.configs != nil {
				config = tc.configs(t)
			}
			g := newGrid(t, 2, 1, 1, config)
			if tc.breakGrid != nil {
				tc.breakGrid(g)
			}
			g.ready(t, job(0, 0), job(1, 0))
			_, err := g.dispatcher(false).Cycle(context.Background())
			assert.Error(t, err)
			assert.False(t, griderrors.IsProtocolViolation(err))
		})
	}
}

func TestCycle_InvalidTransitionIsFatal(t *testing.T) {
	g := newGrid(t, 1, 1, 1, configOf)
	d := g.dispatcher(true)
	g.ready(t, job(0, 0))
	_, err := d.Cycle(context.Background())
	require.NoError(t, err)

	err = d.transition(job(0, 0), jobstate.Writing)
	assert.True(t, griderrors.IsProtocolViolation(err))
	assert.Equal(t, jobstate.Done, state(t, g, job(0, 0)))
}

func TestRun_WaitsForIdleBackoff(t *testing.T) {
	g := newGrid(t, 1, 1, 1, configOf)
	d := g.dispatcher(true)
	fakeClock := clocktesting.NewFakeClock(time.Now())
	d.clock = fakeClock

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	require.Eventually(t, fakeClock.HasWaiters, time.Second, time.Millisecond)
	g.ready(t, job(0, 0))
	select {
	case err := <-done:
		t.Fatalf("dispatcher returned before its backoff elapsed: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	fakeClock.Step(defaultIdleBackoff)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not finish")
	}
	assert.Equal(t, jobstate.Done, state(t, g, job(0, 0)))
}

func TestRun_Cancelled(t *testing.T) {
	g := newGrid(t, 1, 1, 1, configOf)
	d := g.dispatcher(true)
	fakeClock := clocktesting.NewFakeClock(time.Now())
	d.clock = fakeClock

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, fakeClock.HasWaiters, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestGroupByProjection(t *testing.T) {
	projections, byProjection := groupByProjection([]jobstate.Job{job(0, 2), job(0, 1), job(1, 2)})
	assert.Equal(t, []int{2, 1}, projections)
	assert.Equal(t, []jobstate.Job{job(0, 2), job(1, 2)}, byProjection[2])
	assert.Equal(t, []jobstate.Job{job(0, 1)}, byProjection[1])
}
