package accumulator

import "context"

// Codec reads and writes the per-channel images produced by jobs.
type Codec interface {
	// Decode reads all paths and returns their sum as a single image.
	// A path may name a series of files with '*'.
	Decode(paths []string) (Image, error)
	Encode(path string, img Image) error
	// Remove deletes every file backing path.
	Remove(path string) error
}

// Outputs are the files a single job writes.
type Outputs struct {
	// One path per image channel, in a stable order.
	Images []string
	// Optional auxiliary (non-image) output.
	Aux string
}

// OutputLocator tells where the job driven by a config file writes its outputs.
type OutputLocator interface {
	Outputs(configPath string) (Outputs, error)
}

// AuxMerger merges the auxiliary output shards of a projection into a single file.
type AuxMerger interface {
	Merge(ctx context.Context, destination string, shardPrefix string) error
}
