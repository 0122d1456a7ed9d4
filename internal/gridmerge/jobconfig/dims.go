// Package jobconfig derives the job grid from a base control file and materialises the control file of every job.
package jobconfig

import (
	"math"
	"strconv"

	"github.com/pkg/errors"

	"github.com/G-Research/gridmerge/internal/common/griderrors"
	"github.com/G-Research/gridmerge/internal/gridmerge/macfile"
)

type ScanType int

const (
	Radiograph ScanType = iota
	CT
	EnergySwipe
)

func (s ScanType) String() string {
	switch s {
	case CT:
		return "ct"
	case EnergySwipe:
		return "energy-swipe"
	default:
		return "radiograph"
	}
}

// DetectScanType returns CT if the file asks for a rotation, EnergySwipe if it asks for an energy sweep,
// and Radiograph otherwise.
func DetectScanType(file *macfile.File) ScanType {
	if _, ok := file.Get(macfile.SimulateRotation); ok {
		return CT
	}
	if _, ok := file.Get(macfile.EnergySwipe); ok {
		return EnergySwipe
	}
	return Radiograph
}

// Dims is the size of the job grid.
type Dims struct {
	SubSims     int `yaml:"subSims"`
	Projections int `yaml:"projections"`
}

func (d Dims) Jobs() int {
	return d.SubSims * d.Projections
}

// ReadDims reads the grid dimensions of the base control file at path.
func ReadDims(path string) (Dims, error) {
	file, err := macfile.Load(path)
	if err != nil {
		return Dims{}, err
	}
	return DimsOf(file)
}

// DimsOf returns the number of projections (rotation angles or sweep energies, 1 for a radiograph)
// and the number of sub-simulations per projection (1 unless nProcesses is given).
func DimsOf(file *macfile.File) (Dims, error) {
	dims := Dims{SubSims: 1, Projections: 1}
	switch DetectScanType(file) {
	case CT:
		values, _ := file.Get(macfile.SimulateRotation)
		if len(values) < 3 {
			return Dims{}, &griderrors.ErrInvalidArgument{
				Name:    macfile.SimulateRotation,
				Value:   values,
				Message: "expected start angle, end angle and number of projections",
			}
		}
		n, err := strconv.Atoi(values[2])
		if err != nil {
			return Dims{}, errors.WithStack(&griderrors.ErrInvalidArgument{Name: macfile.SimulateRotation, Value: values[2], Message: err.Error()})
		}
		dims.Projections = n
	case EnergySwipe:
		sweep, err := energySweepOf(file)
		if err != nil {
			return Dims{}, err
		}
		dims.Projections = len(sweep.Energies)
	}

	if values, ok := file.Get(macfile.NumberOfProcesses); ok && len(values) > 0 {
		n, err := strconv.Atoi(values[0])
		if err != nil {
			return Dims{}, errors.WithStack(&griderrors.ErrInvalidArgument{Name: macfile.NumberOfProcesses, Value: values[0], Message: err.Error()})
		}
		dims.SubSims = n
	}

	if dims.Projections < 1 {
		return Dims{}, &griderrors.ErrInvalidArgument{Name: "projections", Value: dims.Projections, Message: "must be at least 1"}
	}
	if dims.SubSims < 1 {
		return Dims{}, &griderrors.ErrInvalidArgument{Name: macfile.NumberOfProcesses, Value: dims.SubSims, Message: "must be at least 1"}
	}
	return dims, nil
}

type energySweep struct {
	Energies []float64
	Unit     string
}

// energySweepOf parses "start end unit [step]". The end energy is included; step defaults to 1.
func energySweepOf(file *macfile.File) (energySweep, error) {
	values, _ := file.Get(macfile.EnergySwipe)
	invalid := func(message string) error {
		return errors.WithStack(&griderrors.ErrInvalidArgument{Name: macfile.EnergySwipe, Value: values, Message: message})
	}
	if len(values) < 3 {
		return energySweep{}, invalid("expected start energy, end energy and unit")
	}
	start, err := strconv.ParseFloat(values[0], 64)
	if err != nil {
		return energySweep{}, invalid(err.Error())
	}
	end, err := strconv.ParseFloat(values[1], 64)
	if err != nil {
		return energySweep{}, invalid(err.Error())
	}
	step := 1.0
	if len(values) > 3 {
		if step, err = strconv.ParseFloat(values[3], 64); err != nil {
			return energySweep{}, invalid(err.Error())
		}
	}
	if step <= 0 {
		return energySweep{}, invalid("step must be positive")
	}

	n := int(math.Ceil((end + step - start) / step))
	sweep := energySweep{Unit: values[2], Energies: make([]float64, 0, max(n, 0))}
	for i := 0; i < n; i++ {
		sweep.Energies = append(sweep.Energies, start+float64(i)*step)
	}
	return sweep, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
