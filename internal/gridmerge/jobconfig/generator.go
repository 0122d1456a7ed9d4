package jobconfig

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/gridmerge/internal/common/griderrors"
	"github.com/G-Research/gridmerge/internal/gridmerge/macfile"
)

const defaultSource = "mybeam"

var outputCommands = []string{macfile.ImageFileName, macfile.ScatterImageFileName, macfile.RootFileName}

// Generator writes the control file of each job of a grid from a base control file.
type Generator struct {
	base     *macfile.File
	scanType ScanType
	dims     Dims
	sweep    energySweep
}

// NewGenerator loads the base control file at basePath.
func NewGenerator(basePath string) (*Generator, error) {
	base, err := macfile.Load(basePath)
	if err != nil {
		return nil, err
	}
	if base.Path, err = filepath.Abs(basePath); err != nil {
		return nil, errors.WithStack(err)
	}
	dims, err := DimsOf(base)
	if err != nil {
		return nil, err
	}
	g := &Generator{base: base, scanType: DetectScanType(base), dims: dims}
	switch g.scanType {
	case CT:
		log.Warnf("%s: source and detector placement is not rotated per projection", basePath)
	case EnergySwipe:
		if g.sweep, err = energySweepOf(base); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (g *Generator) Dims() Dims {
	return g.dims
}

func (g *Generator) ScanType() ScanType {
	return g.scanType
}

// Generate writes the control file of job (subSim, projection) to dst.
//
// Output paths are made absolute, placed under a directory named after the projection (unless the grid
// has a single radiograph projection) and suffixed with the sub-simulation. Each job gets its own engine
// seed. gridmerge directives are not written.
func (g *Generator) Generate(dst string, projection int, subSim int) error {
	if projection < 0 || projection >= g.dims.Projections || subSim < 0 || subSim >= g.dims.SubSims {
		return errors.WithStack(&griderrors.ErrInvalidArgument{
			Name:    "job",
			Value:   [2]int{subSim, projection},
			Message: "outside of grid " + strconv.Itoa(g.dims.SubSims) + "x" + strconv.Itoa(g.dims.Projections),
		})
	}
	file := g.base.Clone()

	for _, name := range outputCommands {
		path := file.First(name)
		if path == "" {
			continue
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(g.base.Dir(), path)
		}
		if g.scanType != Radiograph {
			path = WithParent(path, projection)
		}
		file.Set(name, WithSuffix(path, subSim))
	}

	if g.scanType == EnergySwipe {
		energy := strconv.FormatFloat(g.sweep.Energies[projection], 'f', -1, 64)
		file.Set(g.energyCommand(), energy, g.sweep.Unit)
	}

	file.Set(macfile.EngineSeed, strconv.Itoa(g.dims.SubSims*projection+subSim))
	file.RemovePrefix(macfile.DirectivePrefix)

	return file.Write(dst)
}

func (g *Generator) energyCommand() string {
	source := g.base.First(macfile.AddSource)
	if source == "" {
		source = defaultSource
	}
	return "/gate/source/" + source + "/gps/ene/mono"
}

// WithParent inserts a directory named n between the directory and the file name of path.
func WithParent(path string, n int) string {
	dir, file := filepath.Split(path)
	return dir + strconv.Itoa(n) + "/" + file
}

// WithSuffix inserts _n before the extension of the file name of path.
func WithSuffix(path string, n int) string {
	dir, file := filepath.Split(path)
	ext := filepath.Ext(file)
	return dir + strings.TrimSuffix(file, ext) + "_" + strconv.Itoa(n) + ext
}
