// Package accumulator keeps the running sum of job outputs for every projection that is being merged.
//
// Entries are keyed by merge slot. An entry holds one image per output channel; it is created by the
// first MergeRead on a slot and removed by FlushWrite, after which the slot starts again from zero.
// Decoding, encoding and file removal happen outside of the accumulator lock.
package accumulator

import (
	"context"
	"strconv"
	"sync"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/G-Research/gridmerge/internal/common/griderrors"
	"github.com/G-Research/gridmerge/internal/gridmerge/metrics"
)

// AuxTarget names the merged auxiliary file of a projection and the prefix shared by its shards.
type AuxTarget struct {
	Destination string
	ShardPrefix string
}

type Accumulator struct {
	codec Codec
	// Optional. If nil, auxiliary outputs are left untouched.
	auxMerger AuxMerger
	entries   map[int][]Image
	mu        sync.Mutex
}

func NewAccumulator(codec Codec, auxMerger AuxMerger) *Accumulator {
	return &Accumulator{
		codec:     codec,
		auxMerger: auxMerger,
		entries:   make(map[int][]Image),
	}
}

// MergeRead decodes a batch of job outputs and adds them to the running totals of slot.
// inputs[c] lists the files of channel c, one per job in the batch.
// Inputs are deleted once they have been accumulated; deletion failures are returned together.
func (a *Accumulator) MergeRead(slot int, inputs [][]string) error {
	if len(inputs) == 0 {
		return &griderrors.ErrInvalidArgument{Name: "inputs", Value: inputs, Message: "no output channels"}
	}
	batch := make([]Image, len(inputs))
	for c, paths := range inputs {
		if len(paths) == 0 {
			return &griderrors.ErrInvalidArgument{Name: "inputs", Value: inputs, Message: "channel has no inputs"}
		}
		for _, path := range paths {
			img, err := a.codec.Decode([]string{path})
			if err != nil {
				return errors.WithMessagef(err, "failed to decode %s", path)
			}
			if batch[c].Pix == nil {
				batch[c] = img
				continue
			}
			if err := batch[c].Add(img); err != nil {
				return errors.WithMessagef(err, "failed to accumulate %s", path)
			}
		}
	}

	if err := a.add(slot, batch); err != nil {
		return err
	}

	var result *multierror.Error
	for _, paths := range inputs {
		for _, path := range paths {
			if err := a.codec.Remove(path); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	return result.ErrorOrNil()
}

func (a *Accumulator) add(slot int, batch []Image) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	stored, ok := a.entries[slot]
	if !ok {
		a.entries[slot] = batch
		return nil
	}
	if len(stored) != len(batch) {
		return errors.Errorf("slot %d holds %d channels but batch has %d", slot, len(stored), len(batch))
	}
	for c := range stored {
		if err := stored[c].Add(batch[c]); err != nil {
			return errors.WithMessagef(err, "channel %d of slot %d", c, slot)
		}
	}
	return nil
}

// FlushWrite encodes the running totals of slot into destinations (one per channel) and clears the slot.
// If aux is non-nil the auxiliary shards are merged too; failure to do so is logged and not returned.
func (a *Accumulator) FlushWrite(ctx context.Context, slot int, destinations []string, aux *AuxTarget) error {
	a.mu.Lock()
	stored, ok := a.entries[slot]
	a.mu.Unlock()
	if !ok {
		return errors.WithStack(&griderrors.ErrNotFound{Type: "slot", Value: strconv.Itoa(slot), Message: "nothing accumulated"})
	}
	if len(destinations) != len(stored) {
		return errors.Errorf("slot %d holds %d channels but %d destinations were given", slot, len(stored), len(destinations))
	}
	for c, destination := range destinations {
		if err := a.codec.Encode(destination, stored[c]); err != nil {
			return errors.WithMessagef(err, "failed to write %s", destination)
		}
	}

	a.mu.Lock()
	delete(a.entries, slot)
	a.mu.Unlock()

	if aux != nil && a.auxMerger != nil {
		if err := a.auxMerger.Merge(ctx, aux.Destination, aux.ShardPrefix); err != nil {
			ctxlogrus.Extract(ctx).WithError(err).Warnf("failed to merge auxiliary outputs into %s", aux.Destination)
			metrics.Get().RecordAuxMergeFailure()
		}
	}
	return nil
}

// Has returns true if slot currently holds an entry.
func (a *Accumulator) Has(slot int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.entries[slot]
	return ok
}

// Channels returns copies of the running totals of slot.
func (a *Accumulator) Channels(slot int) []Image {
	a.mu.Lock()
	defer a.mu.Unlock()
	stored, ok := a.entries[slot]
	if !ok {
		return nil
	}
	result := make([]Image, len(stored))
	for c, img := range stored {
		result[c] = img.Clone()
	}
	return result
}
