// Package gridmerge wires the coordinator and the workers of a merge run from configuration.
package gridmerge

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/G-Research/gridmerge/internal/common/task"
	"github.com/G-Research/gridmerge/internal/gridmerge/accumulator"
	"github.com/G-Research/gridmerge/internal/gridmerge/auxmerge"
	"github.com/G-Research/gridmerge/internal/gridmerge/configuration"
	"github.com/G-Research/gridmerge/internal/gridmerge/coordinator"
	"github.com/G-Research/gridmerge/internal/gridmerge/imagecodec"
	"github.com/G-Research/gridmerge/internal/gridmerge/jobconfig"
	"github.com/G-Research/gridmerge/internal/gridmerge/jobstate"
	"github.com/G-Research/gridmerge/internal/gridmerge/journal"
	"github.com/G-Research/gridmerge/internal/gridmerge/macfile"
	"github.com/G-Research/gridmerge/internal/gridmerge/metrics"
	"github.com/G-Research/gridmerge/internal/gridmerge/signal"
	"github.com/G-Research/gridmerge/internal/gridmerge/slots"
	"github.com/G-Research/gridmerge/internal/gridmerge/worker"
)

// Entries queued for the journal writer before transitions start waiting on it.
const journalBuffer = 1024

// Dependencies of the coordinator that tests replace.
type collaborators struct {
	codec     accumulator.Codec
	auxMerger accumulator.AuxMerger
	locator   accumulator.OutputLocator
}

func defaultCollaborators(config configuration.GridMergeConfiguration) collaborators {
	return collaborators{
		codec:     imagecodec.MetaImage{},
		auxMerger: auxmerge.NewMerger(config.AuxMerge.Command),
		locator:   macfile.Locator{},
	}
}

// MakePlan derives the grid from the base control file and assigns its jobs to config.Job.Workers workers.
func MakePlan(config configuration.GridMergeConfiguration) (*jobconfig.Plan, error) {
	if config.Job.BaseConfig == "" {
		return nil, errors.New("job.baseConfig is required")
	}
	basePath, err := absPath(config.Job.BaseConfig)
	if err != nil {
		return nil, err
	}
	dims, err := jobconfig.ReadDims(basePath)
	if err != nil {
		return nil, err
	}
	tmpDir, err := absPath(config.TmpDir)
	if err != nil {
		return nil, err
	}
	return jobconfig.NewPlan(basePath, dims, config.Job.Workers, tmpDir)
}

// absPath expands a leading ~ and makes path absolute.
func absPath(path string) (string, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", errors.WithStack(err)
	}
	abs, err := filepath.Abs(expanded)
	return abs, errors.WithStack(err)
}

// LoadOrMakePlan reads config.Job.Plan if set, and otherwise makes a new plan.
func LoadOrMakePlan(config configuration.GridMergeConfiguration) (*jobconfig.Plan, error) {
	if config.Job.Plan != "" {
		return jobconfig.LoadPlan(config.Job.Plan)
	}
	return MakePlan(config)
}

// RunCoordinator receives the signals of every job of the plan over the configured transport
// and merges their outputs.
func RunCoordinator(ctx context.Context, config configuration.GridMergeConfiguration) error {
	plan, err := LoadOrMakePlan(config)
	if err != nil {
		return err
	}
	source, err := OpenSource(config.Transport)
	if err != nil {
		return err
	}
	if err := resetAbort(source); err != nil {
		closeQuietly(log.NewEntry(log.StandardLogger()), source)
		return err
	}
	return runCoordinator(ctx, config, plan, source, defaultCollaborators(config))
}

// RunWorker runs the jobs the plan assigns to worker and reports them over the configured transport.
func RunWorker(ctx context.Context, config configuration.GridMergeConfiguration, workerId int) error {
	plan, err := LoadOrMakePlan(config)
	if err != nil {
		return err
	}
	sink, err := OpenSink(ctx, config.Transport)
	if err != nil {
		return err
	}
	defer func() {
		if err := sink.Close(); err != nil {
			log.WithError(err).Warn("failed to close signal transport")
		}
	}()
	return runWorker(ctx, config, plan, workerId, sink)
}

// RunLocal runs the coordinator and every worker of the plan in this process, connected by an in-process channel.
// The first failure stops all of them.
func RunLocal(ctx context.Context, config configuration.GridMergeConfiguration) error {
	plan, err := LoadOrMakePlan(config)
	if err != nil {
		return err
	}
	return runLocal(ctx, config, plan, defaultCollaborators(config))
}

func runLocal(ctx context.Context, config configuration.GridMergeConfiguration, plan *jobconfig.Plan, deps collaborators) error {
	if err := ClearJobConfigs(config, plan); err != nil {
		return err
	}
	channel := signal.NewChannel(config.Transport.Buffer)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runCoordinator(ctx, config, plan, channel, deps)
	})
	for w := 1; w <= plan.Workers; w++ {
		workerId := w
		g.Go(func() error {
			return runWorker(ctx, config, plan, workerId, channel.Sink())
		})
	}
	return g.Wait()
}

// ClearJobConfigs removes the control files left by an earlier run of the same job.
// Output directories are never cleared.
func ClearJobConfigs(config configuration.GridMergeConfiguration, plan *jobconfig.Plan) error {
	tmpDir, err := absPath(config.TmpDir)
	if err != nil {
		return err
	}
	tmpDir = filepath.Join(tmpDir, plan.JobName)
	if err := os.RemoveAll(tmpDir); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.MkdirAll(tmpDir, 0o755))
}

// SavePlan makes a new plan, clears the control files and the abort mark of earlier runs, and writes the plan to path.
// Workers and the coordinator of a distributed run then share the plan through config.Job.Plan.
func SavePlan(config configuration.GridMergeConfiguration, path string) (*jobconfig.Plan, error) {
	plan, err := MakePlan(config)
	if err != nil {
		return nil, err
	}
	if err := ClearJobConfigs(config, plan); err != nil {
		return nil, err
	}
	// Workers may start before the coordinator, so a stale mark must be gone by now.
	if config.Transport.Kind == configuration.RedisTransport {
		source, err := OpenSource(config.Transport)
		if err != nil {
			return nil, err
		}
		err = resetAbort(source)
		closeQuietly(log.NewEntry(log.StandardLogger()), source)
		if err != nil {
			return nil, err
		}
	}
	if err := plan.Save(path); err != nil {
		return nil, err
	}
	log.Infof("%d jobs of %s assigned to %d workers, plan written to %s", len(plan.Jobs), plan.JobName, plan.Workers, path)
	return plan, nil
}

func runCoordinator(
	ctx context.Context,
	config configuration.GridMergeConfiguration,
	plan *jobconfig.Plan,
	source signal.Source,
	deps collaborators,
) error {
	runId := uuid.New().String()
	logger := log.WithField("runId", runId).WithField("job", plan.JobName)
	logger.Infof("coordinating %d subSims x %d projections over %d workers", plan.Dims.SubSims, plan.Dims.Projections, plan.Workers)

	j, err := openJournal(config, runId)
	if err != nil {
		closeQuietly(logger, source)
		return err
	}
	states, slotPool, err := newGrid(config, plan, j)
	if err != nil {
		closeQuietly(logger, source, j)
		return err
	}

	acc := accumulator.NewAccumulator(deps.codec, deps.auxMerger)
	dispatcher := coordinator.NewDispatcher(
		states,
		slotPool,
		acc,
		deps.locator,
		config.Dispatcher.IdleBackoff,
		config.Dispatcher.BusyBackoff,
		config.KeepConfigs,
	)
	listener := coordinator.NewListener(states, source)
	c := coordinator.NewCoordinator(listener, dispatcher, source, j)
	c.Logger = logger

	if config.ProgressInterval > 0 {
		tasks := task.NewBackgroundTaskManager(metrics.MetricPrefix)
		tasks.Register(func() { reportProgress(logger, states) }, config.ProgressInterval, "progress_report")
		defer tasks.StopAll(time.Second)
	}
	if err := c.Run(ctxlogrus.ToContext(ctx, logger)); err != nil {
		return err
	}
	if !config.KeepLogs {
		if err := os.RemoveAll(config.LogDir); err != nil {
			logger.WithError(err).Warnf("failed to remove %s", config.LogDir)
		}
	}
	logger.Info("all projections merged")
	return nil
}

func newGrid(config configuration.GridMergeConfiguration, plan *jobconfig.Plan, j journal.Journal) (*jobstate.StateTable, *slots.SlotPool, error) {
	states, err := jobstate.NewStateTable(plan.Dims.SubSims, plan.Dims.Projections, j)
	if err != nil {
		return nil, nil, err
	}
	for _, job := range plan.Jobs {
		if err := states.Assign(jobstate.Job{SubSim: job.SubSim, Projection: job.Projection}, job.Worker, job.Config); err != nil {
			return nil, nil, errors.WithMessage(err, "invalid plan")
		}
	}
	slotPool, err := slots.NewSlotPool(config.QueueCapacity)
	if err != nil {
		return nil, nil, err
	}
	return states, slotPool, nil
}

func reportProgress(logger *log.Entry, states *jobstate.StateTable) {
	nSubSims, nProjs := states.Dims()
	counts := states.CountByState()
	logger.Infof("%d of %d jobs done, %d sleeping, %d ready, %d reading, %d writing",
		counts[jobstate.Done], nSubSims*nProjs,
		counts[jobstate.Sleeping], counts[jobstate.Ready], counts[jobstate.Reading], counts[jobstate.Writing])
}

func closeQuietly(logger *log.Entry, closers ...io.Closer) {
	for _, closer := range closers {
		if err := closer.Close(); err != nil {
			logger.WithError(err).Warn("failed to close")
		}
	}
}

// openJournal records transitions off the state table lock, in commit order.
func openJournal(config configuration.GridMergeConfiguration, runId string) (journal.Journal, error) {
	text, err := journal.NewTextJournal(config.LogDir)
	if err != nil {
		return nil, err
	}
	if config.Journal.SqlitePath == "" {
		return journal.NewAsync(text, journalBuffer), nil
	}
	db, err := journal.NewSQLiteJournal(config.Journal.SqlitePath, runId)
	if err != nil {
		text.Close()
		return nil, err
	}
	return journal.NewAsync(journal.Multi{text, db}, journalBuffer), nil
}

func runWorker(ctx context.Context, config configuration.GridMergeConfiguration, plan *jobconfig.Plan, workerId int, sink signal.Sink) error {
	generator, err := jobconfig.NewGenerator(plan.Base)
	if err != nil {
		return err
	}
	if generator.Dims() != plan.Dims {
		return errors.Errorf("plan covers %v but %s describes %v", plan.Dims, plan.Base, generator.Dims())
	}
	var simulator worker.Simulator = worker.Command{Name: config.Simulator.Command, Args: config.Simulator.Args}
	if config.Simulator.Test {
		simulator = worker.Synthetic{}
	}
	runner := worker.NewRunner(workerId, generator, simulator, sink, config.LogDir, config.KeepLogs)
	runner.Logger = log.WithField("service", "Worker").WithField("worker", workerId)
	return runner.Run(ctx, plan.ForWorker(workerId))
}
