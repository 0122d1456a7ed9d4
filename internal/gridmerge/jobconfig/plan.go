package jobconfig

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/G-Research/gridmerge/internal/common/griderrors"
)

// JobConfigPath is where the control file of a job is materialised: <dir>/<jobName>/<jobName>_<p>_<s>.mac.
func JobConfigPath(dir string, jobName string, projection int, subSim int) string {
	return filepath.Join(dir, jobName, jobName+"_"+strconv.Itoa(projection)+"_"+strconv.Itoa(subSim)+".mac")
}

// ParseJobConfigPath recovers the job coordinates from a path returned by JobConfigPath.
func ParseJobConfigPath(path string) (projection int, subSim int, err error) {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	parts := strings.Split(name, "_")
	if len(parts) < 3 {
		return 0, 0, errors.WithStack(&griderrors.ErrInvalidArgument{Name: "path", Value: path, Message: "not a job config path"})
	}
	if projection, err = strconv.Atoi(parts[len(parts)-2]); err != nil {
		return 0, 0, errors.WithStack(&griderrors.ErrInvalidArgument{Name: "path", Value: path, Message: err.Error()})
	}
	if subSim, err = strconv.Atoi(parts[len(parts)-1]); err != nil {
		return 0, 0, errors.WithStack(&griderrors.ErrInvalidArgument{Name: "path", Value: path, Message: err.Error()})
	}
	return projection, subSim, nil
}

// JobName is the base control file name without directory and extension.
func JobName(basePath string) string {
	return strings.TrimSuffix(filepath.Base(basePath), filepath.Ext(basePath))
}

type PlannedJob struct {
	Projection int    `yaml:"projection"`
	SubSim     int    `yaml:"subSim"`
	Worker     int    `yaml:"worker"`
	Config     string `yaml:"config"`
}

// Plan is the assignment of every job of a grid to a worker, decided once before a run starts.
type Plan struct {
	Base    string       `yaml:"base"`
	JobName string       `yaml:"jobName"`
	Dims    Dims         `yaml:"dims"`
	Workers int          `yaml:"workers"`
	Jobs    []PlannedJob `yaml:"jobs"`
}

// NewPlan assigns jobs round robin to workers 1..workers, projection by projection.
// Control files are placed under configDir.
func NewPlan(basePath string, dims Dims, workers int, configDir string) (*Plan, error) {
	if workers < 1 {
		return nil, errors.WithStack(&griderrors.ErrInvalidArgument{Name: "workers", Value: workers, Message: "must be at least 1"})
	}
	if dims.SubSims < 1 || dims.Projections < 1 {
		return nil, errors.WithStack(&griderrors.ErrInvalidArgument{Name: "dims", Value: dims, Message: "must be at least 1x1"})
	}
	plan := &Plan{
		Base:    basePath,
		JobName: JobName(basePath),
		Dims:    dims,
		Workers: workers,
		Jobs:    make([]PlannedJob, 0, dims.Jobs()),
	}
	cnt := 0
	for p := 0; p < dims.Projections; p++ {
		for s := 0; s < dims.SubSims; s++ {
			plan.Jobs = append(plan.Jobs, PlannedJob{
				Projection: p,
				SubSim:     s,
				Worker:     cnt%workers + 1,
				Config:     JobConfigPath(configDir, plan.JobName, p, s),
			})
			cnt++
		}
	}
	return plan, nil
}

// ForWorker returns the jobs assigned to worker, in plan order.
func (p *Plan) ForWorker(worker int) []PlannedJob {
	var jobs []PlannedJob
	for _, job := range p.Jobs {
		if job.Worker == worker {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

func (p *Plan) Save(path string) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.WriteFile(path, data, 0o644))
}

func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errors.WithStack(&griderrors.ErrNotFound{Type: "plan", Value: path})
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	plan := &Plan{}
	if err := yaml.Unmarshal(data, plan); err != nil {
		return nil, errors.Wrapf(err, "invalid plan %s", path)
	}
	if len(plan.Jobs) != plan.Dims.Jobs() {
		return nil, errors.WithStack(&griderrors.ErrInvalidArgument{
			Name:    "jobs",
			Value:   len(plan.Jobs),
			Message: "plan " + path + " does not cover its grid",
		})
	}
	return plan, nil
}
