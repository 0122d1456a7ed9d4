package imagecodec

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/mattn/go-zglob"
	"github.com/pkg/errors"

	"github.com/G-Research/gridmerge/internal/common/griderrors"
)

// ExpandSeries returns the files named by path. A path containing '*' names a series of files,
// which are returned ordered by the number at the end of their name (image_2 before image_10).
// A plain path is returned as is.
func ExpandSeries(path string) ([]string, error) {
	if !strings.Contains(path, "*") {
		return []string{path}, nil
	}
	files, err := zglob.Glob(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrapf(err, "failed to expand %s", path)
	}
	if len(files) == 0 {
		return nil, errors.WithStack(&griderrors.ErrNotFound{Type: "image series", Value: path})
	}
	sort.SliceStable(files, func(i, j int) bool {
		ni, iok := SeriesNumber(files[i])
		nj, jok := SeriesNumber(files[j])
		if iok && jok && ni != nj {
			return ni < nj
		}
		return files[i] < files[j]
	})
	return files, nil
}

// SeriesNumber extracts the trailing number of a file name, e.g. 12 for image_12.mhd or image_1-12.mhd.
func SeriesNumber(path string) (int, bool) {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	if idx := strings.LastIndex(name, "_"); idx >= 0 {
		name = name[idx+1:]
	}
	if idx := strings.LastIndex(name, "-"); idx >= 0 {
		name = name[idx+1:]
	}
	n, err := strconv.Atoi(name)
	if err != nil {
		return 0, false
	}
	return n, true
}
