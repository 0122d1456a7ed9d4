package gridmerge

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/gridmerge/internal/common/griderrors"
	"github.com/G-Research/gridmerge/internal/gridmerge/configuration"
	"github.com/G-Research/gridmerge/internal/gridmerge/imagecodec"
	"github.com/G-Research/gridmerge/internal/gridmerge/jobconfig"
	"github.com/G-Research/gridmerge/internal/gridmerge/worker"
)

const scan = `/gate/output/ProcessCT/setFileName output/primary.mhd
/gate/output/ProcessCT/setScatterFileName output/scatter.mhd
/gate/output/root/setFileName output/hits.root
/gate/application/start
/mpiForGate/simulateRotation 0 90 2
/mpiForGate/nProcesses 2
`

// hadd stand-in: concatenates the shards into the destination given with -f.
const auxTool = `#!/bin/sh
[ "$1" = "-f" ] || exit 2
dst="$2"
shift 2
cat "$@" > "$dst"
`

func testConfig(t *testing.T) (configuration.GridMergeConfiguration, string) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "scan.mac")
	require.NoError(t, os.WriteFile(basePath, []byte(scan), 0o644))
	tool := filepath.Join(dir, "hadd.sh")
	require.NoError(t, os.WriteFile(tool, []byte(auxTool), 0o755))

	config := configuration.GridMergeConfiguration{
		Job:           configuration.JobConfig{BaseConfig: basePath, Workers: 2},
		QueueCapacity: 1,
		Dispatcher:    configuration.DispatcherConfig{IdleBackoff: time.Millisecond},
		LogDir:        filepath.Join(dir, "logs"),
		TmpDir:        filepath.Join(dir, "tmp"),
		Transport:     configuration.TransportConfig{Kind: configuration.ChannelTransport, Buffer: 4},
		AuxMerge:      configuration.AuxMergeConfig{Command: tool},
		Simulator:     configuration.SimulatorConfig{Test: true},
		// Reports once at the start of the run.
		ProgressInterval: time.Hour,
	}
	return config, dir
}

func assertMerged(t *testing.T, dir string) {
	for p := 0; p < 2; p++ {
		for c, name := range []string{"primary", "scatter"} {
			img, err := imagecodec.ReadFile(filepath.Join(dir, "output", strconv.Itoa(p), name+".mhd"))
			require.NoError(t, err)
			expected := float32(worker.SyntheticValue(0, p, c) + worker.SyntheticValue(1, p, c))
			assert.Equal(t, expected, img.Pix[0])
			assert.Equal(t, expected, img.Pix[len(img.Pix)-1])
		}
		outputDir := filepath.Join(dir, "output", strconv.Itoa(p))
		assert.FileExists(t, filepath.Join(outputDir, "hits.root"))
		for s := 0; s < 2; s++ {
			assert.NoFileExists(t, filepath.Join(outputDir, "hits_"+strconv.Itoa(s)+".root"))
			assert.NoFileExists(t, filepath.Join(outputDir, "primary_"+strconv.Itoa(s)+".mhd"))
		}
	}
}

func TestRunLocal(t *testing.T) {
	config, dir := testConfig(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, RunLocal(ctx, config))

	assertMerged(t, dir)
	img, err := imagecodec.ReadFile(filepath.Join(dir, "output", "0", "primary.mhd"))
	require.NoError(t, err)
	assert.Equal(t, float32(3), img.Pix[0])
	img, err = imagecodec.ReadFile(filepath.Join(dir, "output", "1", "scatter.mhd"))
	require.NoError(t, err)
	assert.Equal(t, float32(20203), img.Pix[0])

	assert.NoDirExists(t, config.LogDir)
	entries, err := os.ReadDir(filepath.Join(config.TmpDir, "scan"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunLocal_KeepLogsAndConfigs(t *testing.T) {
	config, dir := testConfig(t)
	config.KeepLogs = true
	config.KeepConfigs = true
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, RunLocal(ctx, config))

	assertMerged(t, dir)
	assert.FileExists(t, filepath.Join(config.LogDir, "state.log"))
	assert.FileExists(t, filepath.Join(config.LogDir, "job-1-0.log"))
	assert.FileExists(t, jobconfig.JobConfigPath(config.TmpDir, "scan", 1, 1))
}

func TestRunLocal_SimulatorFailure(t *testing.T) {
	config, _ := testConfig(t)
	config.Simulator = configuration.SimulatorConfig{Command: "false"}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	assert.Error(t, RunLocal(ctx, config))
}

func TestSavePlan_DistributedRedisRun(t *testing.T) {
	db, err := miniredis.Run()
	require.NoError(t, err)
	defer db.Close()

	config, dir := testConfig(t)
	config.Transport = configuration.TransportConfig{
		Kind: configuration.RedisTransport,
		Redis: configuration.RedisConfig{
			Addrs:        []string{db.Addr()},
			Key:          "gridmerge:signals",
			PollInterval: time.Millisecond,
		},
	}
	config.Journal.SqlitePath = filepath.Join(dir, "journal.db")
	planPath := filepath.Join(dir, "plan.yaml")
	plan, err := SavePlan(config, planPath)
	require.NoError(t, err)
	assert.Len(t, plan.ForWorker(1), 2)
	config.Job.Plan = planPath

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Signals wait in the list until the coordinator starts.
	for workerId := 1; workerId <= plan.Workers; workerId++ {
		require.NoError(t, RunWorker(ctx, config, workerId))
	}
	require.NoError(t, RunCoordinator(ctx, config))

	assertMerged(t, dir)
	assert.FileExists(t, config.Journal.SqlitePath)
}

func TestDistributedRedisRun_WorkerFailureStopsEveryone(t *testing.T) {
	db, err := miniredis.Run()
	require.NoError(t, err)
	defer db.Close()

	config, dir := testConfig(t)
	config.Transport = configuration.TransportConfig{
		Kind: configuration.RedisTransport,
		Redis: configuration.RedisConfig{
			Addrs:        []string{db.Addr()},
			Key:          "gridmerge:signals",
			PollInterval: time.Millisecond,
		},
	}
	planPath := filepath.Join(dir, "plan.yaml")
	// A mark left by an earlier run is cleared.
	require.NoError(t, db.Set("gridmerge:signals:abort", "1"))
	_, err = SavePlan(config, planPath)
	require.NoError(t, err)
	assert.False(t, db.Exists("gridmerge:signals:abort"))
	config.Job.Plan = planPath

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	coordinatorErr := make(chan error, 1)
	go func() {
		coordinatorErr <- RunCoordinator(ctx, config)
	}()

	failing := config
	failing.Simulator = configuration.SimulatorConfig{Command: "false"}
	err = RunWorker(ctx, failing, 1)
	require.Error(t, err)
	assert.False(t, griderrors.IsRunAborted(err))

	select {
	case err := <-coordinatorErr:
		var abortErr *griderrors.ErrRunAborted
		require.True(t, errors.As(err, &abortErr), "unexpected error %v", err)
		assert.Equal(t, int32(1), abortErr.Worker)
	case <-time.After(5 * time.Second):
		t.Fatal("coordinator kept waiting after the worker failed")
	}

	err = RunWorker(ctx, config, 2)
	var abortErr *griderrors.ErrRunAborted
	require.True(t, errors.As(err, &abortErr), "unexpected error %v", err)
	assert.Equal(t, int32(0), abortErr.Worker)
	assert.NoFileExists(t, filepath.Join(dir, "output", "1", "primary_1.mhd"))
}

func TestLoadOrMakePlan(t *testing.T) {
	config, dir := testConfig(t)
	plan, err := LoadOrMakePlan(config)
	require.NoError(t, err)
	assert.Equal(t, jobconfig.Dims{SubSims: 2, Projections: 2}, plan.Dims)
	assert.Equal(t, "scan", plan.JobName)

	planPath := filepath.Join(dir, "plan.yaml")
	_, err = SavePlan(config, planPath)
	require.NoError(t, err)
	config.Job.Plan = planPath
	config.Job.BaseConfig = ""
	loaded, err := LoadOrMakePlan(config)
	require.NoError(t, err)
	assert.Equal(t, plan, loaded)

	config.Job.Plan = ""
	_, err = LoadOrMakePlan(config)
	assert.Error(t, err)
}

func TestRunWorker_PlanDoesNotMatchBase(t *testing.T) {
	config, dir := testConfig(t)
	config.Transport.Kind = configuration.RedisTransport
	db, err := miniredis.Run()
	require.NoError(t, err)
	defer db.Close()
	config.Transport.Redis = configuration.RedisConfig{Addrs: []string{db.Addr()}, Key: "signals"}

	planPath := filepath.Join(dir, "plan.yaml")
	_, err = SavePlan(config, planPath)
	require.NoError(t, err)
	config.Job.Plan = planPath
	require.NoError(t, os.WriteFile(config.Job.BaseConfig, []byte("/mpiForGate/nProcesses 3\n"), 0o644))

	assert.Error(t, RunWorker(context.Background(), config, 1))
}

func TestOpenTransport_Errors(t *testing.T) {
	tests := map[string]struct {
		kind            configuration.TransportKind
		invalidArgument bool
	}{
		"channel": {kind: configuration.ChannelTransport, invalidArgument: true},
		"unknown": {kind: configuration.TransportKind("carrier-pigeon")},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			config := configuration.TransportConfig{Kind: tc.kind}
			_, sourceErr := OpenSource(config)
			_, sinkErr := OpenSink(context.Background(), config)
			for _, err := range []error{sourceErr, sinkErr} {
				require.Error(t, err)
				var e *griderrors.ErrInvalidArgument
				assert.Equal(t, tc.invalidArgument, errors.As(err, &e))
			}
		})
	}
}

func TestRunCoordinator_ChannelTransport(t *testing.T) {
	config, _ := testConfig(t)
	err := RunCoordinator(context.Background(), config)
	var e *griderrors.ErrInvalidArgument
	assert.True(t, errors.As(err, &e), "unexpected error %v", err)
}

func TestAbsPath(t *testing.T) {
	home, err := homedir.Dir()
	require.NoError(t, err)
	wd, err := os.Getwd()
	require.NoError(t, err)

	tests := map[string]struct {
		path     string
		expected string
	}{
		"absolute": {path: "/data/scan.mac", expected: "/data/scan.mac"},
		"relative": {path: "scan.mac", expected: filepath.Join(wd, "scan.mac")},
		"home":     {path: "~/scans/scan.mac", expected: filepath.Join(home, "scans", "scan.mac")},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			path, err := absPath(tc.path)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, path)
		})
	}
}
