package accumulator

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/gridmerge/internal/common/griderrors"
)

// memoryCodec stores images by path.
type memoryCodec struct {
	mu     sync.Mutex
	images map[string]Image
}

func newMemoryCodec() *memoryCodec {
	return &memoryCodec{images: make(map[string]Image)}
}

func (c *memoryCodec) put(path string, pix ...float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.images[path] = Image{Shape: []int{len(pix)}, Pix: pix}
}

func (c *memoryCodec) get(path string) (Image, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	img, ok := c.images[path]
	return img, ok
}

func (c *memoryCodec) Decode(paths []string) (Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var result Image
	for i, path := range paths {
		img, ok := c.images[path]
		if !ok {
			return Image{}, errors.Errorf("%s not found", path)
		}
		if i == 0 {
			result = img.Clone()
		} else if err := result.Add(img); err != nil {
			return Image{}, err
		}
	}
	return result, nil
}

func (c *memoryCodec) Encode(path string, img Image) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.images[path] = img.Clone()
	return nil
}

func (c *memoryCodec) Remove(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.images[path]; !ok {
		return errors.Errorf("%s not found", path)
	}
	delete(c.images, path)
	return nil
}

type recordingAuxMerger struct {
	calls []AuxTarget
	err   error
}

func (m *recordingAuxMerger) Merge(_ context.Context, destination string, shardPrefix string) error {
	m.calls = append(m.calls, AuxTarget{Destination: destination, ShardPrefix: shardPrefix})
	return m.err
}

func TestImage_Add(t *testing.T) {
	a := NewImage(2, 2)
	assert.Equal(t, 4, a.Len())
	b := Image{Shape: []int{2, 2}, Pix: []float32{1, 2, 3, 4}}
	require.NoError(t, a.Add(b))
	require.NoError(t, a.Add(b))
	assert.Equal(t, []float32{2, 4, 6, 8}, a.Pix)

	assert.Error(t, a.Add(NewImage(4)))

	c := a.Clone()
	c.Pix[0] = 100
	assert.Equal(t, float32(2), a.Pix[0])
}

func TestMergeRead_InitialisesAndAccumulates(t *testing.T) {
	codec := newMemoryCodec()
	codec.put("a_0.mhd", 1, 2)
	codec.put("b_0.mhd", 10, 20)
	codec.put("a_1.mhd", 3, 4)
	codec.put("b_1.mhd", 30, 40)
	acc := NewAccumulator(codec, nil)

	assert.False(t, acc.Has(0))
	require.NoError(t, acc.MergeRead(0, [][]string{{"a_0.mhd"}, {"b_0.mhd"}}))
	assert.True(t, acc.Has(0))
	require.NoError(t, acc.MergeRead(0, [][]string{{"a_1.mhd"}, {"b_1.mhd"}}))

	channels := acc.Channels(0)
	require.Len(t, channels, 2)
	assert.Equal(t, []float32{4, 6}, channels[0].Pix)
	assert.Equal(t, []float32{40, 60}, channels[1].Pix)

	// Inputs are consumed.
	for _, path := range []string{"a_0.mhd", "b_0.mhd", "a_1.mhd", "b_1.mhd"} {
		_, ok := codec.get(path)
		assert.False(t, ok, path)
	}
	assert.Nil(t, acc.Channels(1))
}

func TestMergeRead_OrderIndependent(t *testing.T) {
	contributions := map[string][]float32{
		"out_0.mhd": {1, 0, 2},
		"out_1.mhd": {0.5, 4, 0},
		"out_2.mhd": {8, 16, 0.25},
	}
	orderings := [][]string{
		{"out_0.mhd", "out_1.mhd", "out_2.mhd"},
		{"out_2.mhd", "out_0.mhd", "out_1.mhd"},
		{"out_1.mhd", "out_2.mhd", "out_0.mhd"},
	}

	var results [][]float32
	for _, ordering := range orderings {
		// One MergeRead per contributor.
		codec := newMemoryCodec()
		for path, pix := range contributions {
			codec.put(path, pix...)
		}
		acc := NewAccumulator(codec, nil)
		for _, path := range ordering {
			require.NoError(t, acc.MergeRead(0, [][]string{{path}}))
		}
		results = append(results, acc.Channels(0)[0].Pix)

		// All contributors in one batch.
		codec = newMemoryCodec()
		for path, pix := range contributions {
			codec.put(path, pix...)
		}
		acc = NewAccumulator(codec, nil)
		require.NoError(t, acc.MergeRead(0, [][]string{ordering}))
		results = append(results, acc.Channels(0)[0].Pix)
	}
	for _, r := range results[1:] {
		assert.Equal(t, results[0], r)
	}
	assert.Equal(t, []float32{9.5, 20, 2.25}, results[0])
}

func TestFlushWrite_ClearsSlot(t *testing.T) {
	codec := newMemoryCodec()
	codec.put("img_0.mhd", 1, 1)
	codec.put("img_1.mhd", 2, 2)
	codec.put("img_2.mhd", 5, 5)
	acc := NewAccumulator(codec, nil)

	require.NoError(t, acc.MergeRead(1, [][]string{{"img_0.mhd", "img_1.mhd"}}))
	require.NoError(t, acc.FlushWrite(context.Background(), 1, []string{"img.mhd"}, nil))
	assert.False(t, acc.Has(1))

	written, ok := codec.get("img.mhd")
	require.True(t, ok)
	assert.Equal(t, []float32{3, 3}, written.Pix)

	// Next merge starts from zero.
	require.NoError(t, acc.MergeRead(1, [][]string{{"img_2.mhd"}}))
	assert.Equal(t, []float32{5, 5}, acc.Channels(1)[0].Pix)
}

func TestFlushWrite_Errors(t *testing.T) {
	codec := newMemoryCodec()
	codec.put("img_0.mhd", 1)
	acc := NewAccumulator(codec, nil)

	err := acc.FlushWrite(context.Background(), 0, []string{"img.mhd"}, nil)
	var notFound *griderrors.ErrNotFound
	assert.ErrorAs(t, err, &notFound)

	require.NoError(t, acc.MergeRead(0, [][]string{{"img_0.mhd"}}))
	assert.Error(t, acc.FlushWrite(context.Background(), 0, []string{"a.mhd", "b.mhd"}, nil))
	assert.True(t, acc.Has(0))
}

func TestFlushWrite_AuxMerge(t *testing.T) {
	tests := map[string]struct {
		mergeErr error
	}{
		"success":              {},
		"failure is not fatal": {mergeErr: errors.New("hadd: command not found")},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			codec := newMemoryCodec()
			codec.put("img_0.mhd", 1)
			merger := &recordingAuxMerger{err: tc.mergeErr}
			acc := NewAccumulator(codec, merger)
			require.NoError(t, acc.MergeRead(0, [][]string{{"img_0.mhd"}}))

			target := AuxTargetFor("out/3/hits_0.root")
			err := acc.FlushWrite(context.Background(), 0, []string{"img.mhd"}, target)
			assert.NoError(t, err)
			assert.Equal(t, []AuxTarget{{Destination: "out/3/hits.root", ShardPrefix: "out/3/hits_"}}, merger.calls)
			assert.False(t, acc.Has(0))
		})
	}
}

func TestMergeRead_Errors(t *testing.T) {
	codec := newMemoryCodec()
	codec.put("a_0.mhd", 1, 2)
	codec.put("a_1.mhd", 1, 2, 3)
	codec.put("b_0.mhd", 1, 2)
	acc := NewAccumulator(codec, nil)

	assert.Error(t, acc.MergeRead(0, nil))
	assert.Error(t, acc.MergeRead(0, [][]string{{}}))
	assert.Error(t, acc.MergeRead(0, [][]string{{"missing.mhd"}}))

	// Shape mismatch inside a batch.
	assert.Error(t, acc.MergeRead(0, [][]string{{"a_0.mhd", "a_1.mhd"}}))
	assert.False(t, acc.Has(0))

	// Channel count mismatch against the stored entry.
	require.NoError(t, acc.MergeRead(0, [][]string{{"a_0.mhd"}}))
	codec.put("a_2.mhd", 1, 2)
	assert.Error(t, acc.MergeRead(0, [][]string{{"a_2.mhd"}, {"b_0.mhd"}}))
}

func TestMergeRead_RemovalFailuresAreCollected(t *testing.T) {
	codec := newMemoryCodec()
	codec.put("a_0.mhd", 1)
	acc := NewAccumulator(codec, nil)

	// The same input twice: the second removal fails but the sum is still taken.
	err := acc.MergeRead(0, [][]string{{"a_0.mhd", "a_0.mhd"}})
	assert.Error(t, err)
	assert.Equal(t, []float32{2}, acc.Channels(0)[0].Pix)
}

func TestMergedPath(t *testing.T) {
	tests := map[string]struct {
		path     string
		expected string
	}{
		"subSim suffix":          {path: "/out/3/projection_2.mhd", expected: "/out/3/projection.mhd"},
		"underscores in name":    {path: "/out/0/primary_flux_10.mhd", expected: "/out/0/primary_flux.mhd"},
		"underscore in dir only": {path: "/my_out/image.mhd", expected: "/my_out/image.mhd"},
		"no extension":           {path: "out/img_4", expected: "out/img"},
		"relative":               {path: "img_0.mha", expected: "img.mha"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, MergedPath(tc.path))
		})
	}
	assert.Equal(t, []string{"a.mhd", "b.mhd"}, MergedPaths([]string{"a_1.mhd", "b_1.mhd"}))
}

func TestAuxTargetFor(t *testing.T) {
	assert.Nil(t, AuxTargetFor(""))
	assert.Equal(t, &AuxTarget{Destination: "/o/2/run.root", ShardPrefix: "/o/2/run_"}, AuxTargetFor("/o/2/run_7.root"))
}
