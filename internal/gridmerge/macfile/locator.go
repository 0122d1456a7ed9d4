package macfile

import (
	"path/filepath"

	"github.com/G-Research/gridmerge/internal/gridmerge/accumulator"
)

// Locator reads the output files of a job from its control file.
type Locator struct{}

// Outputs returns the image outputs (primary, then scatter) and the ROOT output of the job configured by
// configPath. Relative paths are resolved against the directory of configPath.
func (Locator) Outputs(configPath string) (accumulator.Outputs, error) {
	file, err := Load(configPath)
	if err != nil {
		return accumulator.Outputs{}, err
	}
	return OutputsOf(file), nil
}

// OutputsOf is Locator.Outputs for an already loaded file.
func OutputsOf(file *File) accumulator.Outputs {
	var outputs accumulator.Outputs
	for _, name := range []string{ImageFileName, ScatterImageFileName} {
		if path := file.First(name); path != "" {
			outputs.Images = append(outputs.Images, resolve(file.Dir(), path))
		}
	}
	if path := file.First(RootFileName); path != "" {
		outputs.Aux = resolve(file.Dir(), path)
	}
	return outputs
}

func resolve(dir string, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}
