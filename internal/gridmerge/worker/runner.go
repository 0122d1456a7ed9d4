// Package worker runs the jobs assigned to one worker and reports each of them to the coordinator.
package worker

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/G-Research/gridmerge/internal/common/griderrors"
	"github.com/G-Research/gridmerge/internal/gridmerge/accumulator"
	"github.com/G-Research/gridmerge/internal/gridmerge/imagecodec"
	"github.com/G-Research/gridmerge/internal/gridmerge/jobconfig"
	"github.com/G-Research/gridmerge/internal/gridmerge/macfile"
	"github.com/G-Research/gridmerge/internal/gridmerge/signal"
)

// TestImageSize is the side of the square images written in test mode.
const TestImageSize = 64

const abortSendTimeout = 5 * time.Second

// Simulator runs the simulation of a single job.
type Simulator interface {
	Simulate(ctx context.Context, configPath string, logPath string) error
}

// Runner executes jobs in plan order. Nothing is retried: the first failing job stops the runner,
// which then sends an abort record so the coordinator stops as well.
type Runner struct {
	worker    int
	generator *jobconfig.Generator
	simulator Simulator
	sink      signal.Sink
	logDir    string
	keepLogs  bool
	// If not set, a default logger is used.
	Logger *logrus.Entry
}

func NewRunner(worker int, generator *jobconfig.Generator, simulator Simulator, sink signal.Sink, logDir string, keepLogs bool) *Runner {
	return &Runner{
		worker:    worker,
		generator: generator,
		simulator: simulator,
		sink:      sink,
		logDir:    logDir,
		keepLogs:  keepLogs,
	}
}

func (r *Runner) logger() *logrus.Entry {
	if r.Logger != nil {
		return r.Logger
	}
	return logrus.StandardLogger().WithField("service", "Worker").WithField("worker", r.worker)
}

// Run executes jobs one after the other and sends DONE for each of them once its outputs are written.
// If the sink can see an abort published by the coordinator, it is checked before every job.
func (r *Runner) Run(ctx context.Context, jobs []jobconfig.PlannedJob) error {
	log := r.logger()
	log.Infof("running %d jobs", len(jobs))
	for _, job := range jobs {
		if err := r.runOne(ctx, job); err != nil {
			if ctx.Err() == nil && !griderrors.IsRunAborted(err) {
				r.sendAbort(job)
			}
			return err
		}
		log.Debugf("job (%d,%d) done", job.SubSim, job.Projection)
	}
	log.Info("all jobs done")
	return nil
}

func (r *Runner) runOne(ctx context.Context, job jobconfig.PlannedJob) error {
	if err := ctx.Err(); err != nil {
		return errors.WithStack(err)
	}
	if watcher, ok := r.sink.(signal.AbortWatcher); ok {
		aborted, err := watcher.Aborted(ctx)
		if err != nil {
			return err
		}
		if aborted {
			return errors.WithStack(&griderrors.ErrRunAborted{})
		}
	}
	if job.Worker != r.worker {
		return errors.Errorf("job (%d,%d) is assigned to worker %d, not %d", job.SubSim, job.Projection, job.Worker, r.worker)
	}
	if err := r.runJob(ctx, job); err != nil {
		return errors.WithMessagef(err, "job (%d,%d) failed", job.SubSim, job.Projection)
	}
	if err := r.sink.Send(ctx, signal.NewDone(r.worker, job.SubSim, job.Projection)); err != nil {
		return errors.WithMessagef(err, "failed to report job (%d,%d)", job.SubSim, job.Projection)
	}
	return nil
}

// sendAbort is best effort: the sink may be the reason the run failed.
func (r *Runner) sendAbort(job jobconfig.PlannedJob) {
	ctx, cancel := context.WithTimeout(context.Background(), abortSendTimeout)
	defer cancel()
	if err := r.sink.Send(ctx, signal.NewAbort(r.worker, job.SubSim, job.Projection)); err != nil {
		r.logger().WithError(err).Warn("failed to tell the coordinator about the failure")
	}
}

func (r *Runner) runJob(ctx context.Context, job jobconfig.PlannedJob) error {
	if err := r.generator.Generate(job.Config, job.Projection, job.SubSim); err != nil {
		return err
	}
	outputs, err := macfile.Locator{}.Outputs(job.Config)
	if err != nil {
		return err
	}
	for _, path := range append(slices.Clone(outputs.Images), outputs.Aux) {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return errors.WithStack(err)
		}
	}

	logPath := filepath.Join(r.logDir, "job-"+strconv.Itoa(job.Projection)+"-"+strconv.Itoa(job.SubSim)+".log")
	if err := os.MkdirAll(r.logDir, 0o755); err != nil {
		return errors.WithStack(err)
	}
	if err := r.simulator.Simulate(ctx, job.Config, logPath); err != nil {
		return errors.WithMessagef(err, "see %s", logPath)
	}
	if !r.keepLogs {
		if err := os.Remove(logPath); err != nil && !os.IsNotExist(err) {
			return errors.WithStack(err)
		}
	}
	return nil
}

// Command runs an external simulator as "<command> <configPath>", with stdout and stderr written to the log.
type Command struct {
	Name string
	Args []string
}

func (c Command) Simulate(ctx context.Context, configPath string, logPath string) error {
	logFile, err := os.Create(logPath)
	if err != nil {
		return errors.WithStack(err)
	}
	defer logFile.Close()

	cmd := exec.CommandContext(ctx, c.Name, append(append([]string(nil), c.Args...), configPath)...)
	cmd.Dir = filepath.Dir(configPath)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "%s %s", c.Name, configPath)
	}
	return nil
}

// Synthetic writes TestImageSize x TestImageSize images instead of running a simulator.
// Channel c of job (s,p) is filled with 1 + s + 100p + 10000c, so merged results can be checked exactly.
// An auxiliary output, if configured, gets a small text shard.
type Synthetic struct{}

func (Synthetic) Simulate(_ context.Context, configPath string, logPath string) error {
	projection, subSim, err := jobconfig.ParseJobConfigPath(configPath)
	if err != nil {
		return err
	}
	outputs, err := macfile.Locator{}.Outputs(configPath)
	if err != nil {
		return err
	}
	for channel, path := range outputs.Images {
		img := accumulator.NewImage(TestImageSize, TestImageSize)
		value := float32(SyntheticValue(subSim, projection, channel))
		for i := range img.Pix {
			img.Pix[i] = value
		}
		if err := imagecodec.WriteFile(path, img); err != nil {
			return err
		}
	}
	if outputs.Aux != "" {
		if err := os.WriteFile(outputs.Aux, []byte(configPath+"\n"), 0o644); err != nil {
			return errors.WithStack(err)
		}
	}
	return errors.WithStack(os.WriteFile(logPath, []byte("synthetic outputs written\n"), 0o644))
}

// SyntheticValue is the pixel value Synthetic writes for a channel of job (subSim, projection).
func SyntheticValue(subSim int, projection int, channel int) int {
	return 1 + subSim + 100*projection + 10000*channel
}
