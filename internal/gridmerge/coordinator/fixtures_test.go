package coordinator

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/gridmerge/internal/gridmerge/accumulator"
	"github.com/G-Research/gridmerge/internal/gridmerge/jobstate"
	"github.com/G-Research/gridmerge/internal/gridmerge/journal/journaltest"
	"github.com/G-Research/gridmerge/internal/gridmerge/slots"
)

// memoryCodec stores single-row images by path.
type memoryCodec struct {
	mu      sync.Mutex
	images  map[string]accumulator.Image
	decoded []string
}

func newMemoryCodec() *memoryCodec {
	return &memoryCodec{images: make(map[string]accumulator.Image)}
}

func (c *memoryCodec) put(path string, pix ...float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.images[path] = accumulator.Image{Shape: []int{len(pix)}, Pix: pix}
}

func (c *memoryCodec) get(path string) (accumulator.Image, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	img, ok := c.images[path]
	return img, ok
}

func (c *memoryCodec) Decode(paths []string) (accumulator.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var result accumulator.Image
	for i, path := range paths {
		img, ok := c.images[path]
		if !ok {
			return accumulator.Image{}, errors.Errorf("%s not found", path)
		}
		c.decoded = append(c.decoded, path)
		if i == 0 {
			result = img.Clone()
		} else if err := result.Add(img); err != nil {
			return accumulator.Image{}, err
		}
	}
	return result, nil
}

func (c *memoryCodec) Encode(path string, img accumulator.Image) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.images[path] = img.Clone()
	return nil
}

func (c *memoryCodec) Remove(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.images, path)
	return nil
}

// gridLocator maps the config <p>_<s>, optionally in a directory and with an extension,
// to the outputs /out/<p>/primary_<s>.mhd and /out/<p>/scatter_<s>.mhd.
type gridLocator struct {
	mu      sync.Mutex
	lookups map[string]int
	fail    bool
}

func newGridLocator() *gridLocator {
	return &gridLocator{lookups: make(map[string]int)}
}

func (l *gridLocator) Outputs(configPath string) (accumulator.Outputs, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lookups[configPath]++
	if l.fail {
		return accumulator.Outputs{}, errors.Errorf("cannot read %s", configPath)
	}
	var p, s int
	if _, err := fmt.Sscanf(filepath.Base(configPath), "%d_%d", &p, &s); err != nil {
		return accumulator.Outputs{}, errors.Wrapf(err, "unexpected config %s", configPath)
	}
	return gridOutputs(p, s), nil
}

func gridOutputs(p int, s int) accumulator.Outputs {
	return accumulator.Outputs{
		Images: []string{
			fmt.Sprintf("/out/%d/primary_%d.mhd", p, s),
			fmt.Sprintf("/out/%d/scatter_%d.mhd", p, s),
		},
	}
}

func configOf(p int, s int) string {
	return fmt.Sprintf("%d_%d", p, s)
}

// value of channel c of job (s,p).
func value(s int, p int, c int) float32 {
	return float32(1 + s + 100*p + 10000*c)
}

const defaultIdleBackoff = time.Millisecond

type grid struct {
	states  *jobstate.StateTable
	slots   *slots.SlotPool
	codec   *memoryCodec
	locator *gridLocator
	journal *journaltest.Memory
}

// newGrid creates a nSubSims x nProjs grid whose jobs have their outputs in the codec already.
// config returns the config path of a job.
func newGrid(t *testing.T, nSubSims int, nProjs int, capacity int, config func(p int, s int) string) *grid {
	j := journaltest.NewMemory()
	states, err := jobstate.NewStateTable(nSubSims, nProjs, j)
	require.NoError(t, err)
	pool, err := slots.NewSlotPool(capacity)
	require.NoError(t, err)
	g := &grid{states: states, slots: pool, codec: newMemoryCodec(), locator: newGridLocator(), journal: j}
	for p := 0; p < nProjs; p++ {
		for s := 0; s < nSubSims; s++ {
			require.NoError(t, states.Assign(jobstate.Job{SubSim: s, Projection: p}, p*nSubSims+s+1, config(p, s)))
			outputs := gridOutputs(p, s)
			for c, path := range outputs.Images {
				g.codec.put(path, value(s, p, c), 2*value(s, p, c))
			}
		}
	}
	return g
}

func (g *grid) dispatcher(keepConfigs bool) *Dispatcher {
	acc := accumulator.NewAccumulator(g.codec, nil)
	return NewDispatcher(g.states, g.slots, acc, g.locator, defaultIdleBackoff, 0, keepConfigs)
}

func (g *grid) ready(t *testing.T, jobs ...jobstate.Job) {
	for _, job := range jobs {
		require.True(t, g.states.Transition(job, jobstate.Ready).Ok())
	}
}

// expectedMerge is the merged image of channel c of projection p over nSubSims jobs.
func expectedMerge(nSubSims int, p int, c int) []float32 {
	var sum float32
	for s := 0; s < nSubSims; s++ {
		sum += value(s, p, c)
	}
	return []float32{sum, 2 * sum}
}
