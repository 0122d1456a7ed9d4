package accumulator

import (
	"path/filepath"
	"strings"
)

// MergedPath returns where the merged result of a per-job output is written:
// dir/name_<subSim>.ext becomes dir/name.ext. Paths whose file name has no '_' are returned unchanged.
func MergedPath(path string) string {
	dir, file := filepath.Split(path)
	ext := filepath.Ext(file)
	stem := strings.TrimSuffix(file, ext)
	idx := strings.LastIndex(stem, "_")
	if idx < 0 {
		return path
	}
	return dir + stem[:idx] + ext
}

// MergedPaths applies MergedPath to every path.
func MergedPaths(paths []string) []string {
	result := make([]string, len(paths))
	for i, p := range paths {
		result[i] = MergedPath(p)
	}
	return result
}

// AuxTargetFor derives the merge target of an auxiliary shard such as dir/base_<subSim>.root:
// the shards dir/base_* are merged into dir/base.root.
// Returns nil for an empty path.
func AuxTargetFor(auxPath string) *AuxTarget {
	if auxPath == "" {
		return nil
	}
	dir, file := filepath.Split(auxPath)
	ext := filepath.Ext(file)
	stem := strings.TrimSuffix(file, ext)
	if idx := strings.LastIndex(stem, "_"); idx >= 0 {
		stem = stem[:idx]
	}
	return &AuxTarget{
		Destination: dir + stem + ext,
		ShardPrefix: dir + stem + "_",
	}
}
