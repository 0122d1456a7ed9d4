// Package imagecodec reads and writes MetaImage files (.mhd header with a .raw data file, or a single .mha file).
//
// Every supported element type is converted to float32 on read. Volumes are summed along their last
// axis, so a decoded image always has two dimensions; images are written as MET_FLOAT.
package imagecodec

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/G-Research/gridmerge/internal/common/griderrors"
	"github.com/G-Research/gridmerge/internal/gridmerge/accumulator"
)

var elementSizes = map[string]int{
	"MET_CHAR":   1,
	"MET_UCHAR":  1,
	"MET_SHORT":  2,
	"MET_USHORT": 2,
	"MET_INT":    4,
	"MET_UINT":   4,
	"MET_LONG":   4,
	"MET_ULONG":  4,
	"MET_FLOAT":  4,
	"MET_DOUBLE": 8,
}

// MetaImage implements accumulator.Codec.
type MetaImage struct{}

// Decode reads every file named by paths, expanding series patterns, and returns their sum.
func (MetaImage) Decode(paths []string) (accumulator.Image, error) {
	var result accumulator.Image
	for _, pattern := range paths {
		files, err := ExpandSeries(pattern)
		if err != nil {
			return accumulator.Image{}, err
		}
		for _, file := range files {
			img, err := ReadFile(file)
			if err != nil {
				return accumulator.Image{}, err
			}
			if result.Pix == nil {
				result = img
				continue
			}
			if err := result.Add(img); err != nil {
				return accumulator.Image{}, errors.WithMessagef(err, "failed to add %s", file)
			}
		}
	}
	if result.Pix == nil {
		return accumulator.Image{}, &griderrors.ErrInvalidArgument{Name: "paths", Value: paths, Message: "nothing to decode"}
	}
	return result, nil
}

// Encode writes img as MET_FLOAT. A .mha path gets the data appended to the header;
// any other path gets a header and a .raw data file next to it.
func (MetaImage) Encode(path string, img accumulator.Image) error {
	return WriteFile(path, img)
}

// Remove deletes the files of path, including the data files their headers point to.
func (MetaImage) Remove(path string) error {
	files, err := ExpandSeries(path)
	if err != nil {
		return err
	}
	for _, file := range files {
		if h, err := readHeaderFile(file); err == nil && h.DataFile != localDataFile {
			dataFile := filepath.Join(filepath.Dir(file), h.DataFile)
			if err := os.Remove(dataFile); err != nil && !os.IsNotExist(err) {
				return errors.WithStack(err)
			}
		}
		if err := os.Remove(file); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func readHeaderFile(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, errors.WithStack(err)
	}
	defer f.Close()
	h, _, err := parseHeader(f)
	return h, err
}

// ReadFile decodes a single MetaImage file.
func ReadFile(path string) (accumulator.Image, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return accumulator.Image{}, errors.WithStack(err)
	}
	h, consumed, err := parseHeader(bytes.NewReader(content))
	if err != nil {
		return accumulator.Image{}, errors.WithMessagef(err, "invalid header in %s", path)
	}

	var data []byte
	if h.DataFile == localDataFile {
		data = content[consumed:]
	} else {
		data, err = os.ReadFile(filepath.Join(filepath.Dir(path), h.DataFile))
		if err != nil {
			return accumulator.Image{}, errors.WithStack(err)
		}
	}
	if h.Compressed {
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return accumulator.Image{}, errors.Wrapf(err, "failed to decompress %s", path)
		}
		data, err = io.ReadAll(r)
		if err != nil {
			return accumulator.Image{}, errors.Wrapf(err, "failed to decompress %s", path)
		}
	}

	pix, err := decodeElements(h, data)
	if err != nil {
		return accumulator.Image{}, errors.WithMessagef(err, "invalid data for %s", path)
	}
	return toPlane(h.DimSize, pix), nil
}

func decodeElements(h Header, data []byte) ([]float32, error) {
	if h.Channels != 1 {
		return nil, errors.Errorf("%d channels per element are not supported", h.Channels)
	}
	size, ok := elementSizes[h.ElementType]
	if !ok {
		return nil, errors.Errorf("unsupported element type %s", h.ElementType)
	}
	n := h.elements()
	if len(data) < n*size {
		return nil, errors.Errorf("expected %d bytes of data, got %d", n*size, len(data))
	}
	var order binary.ByteOrder = binary.LittleEndian
	if h.MSB {
		order = binary.BigEndian
	}
	pix := make([]float32, n)
	for i := range pix {
		b := data[i*size : (i+1)*size]
		switch h.ElementType {
		case "MET_CHAR":
			pix[i] = float32(int8(b[0]))
		case "MET_UCHAR":
			pix[i] = float32(b[0])
		case "MET_SHORT":
			pix[i] = float32(int16(order.Uint16(b)))
		case "MET_USHORT":
			pix[i] = float32(order.Uint16(b))
		case "MET_INT", "MET_LONG":
			pix[i] = float32(int32(order.Uint32(b)))
		case "MET_UINT", "MET_ULONG":
			pix[i] = float32(order.Uint32(b))
		case "MET_FLOAT":
			pix[i] = math.Float32frombits(order.Uint32(b))
		case "MET_DOUBLE":
			pix[i] = float32(math.Float64frombits(order.Uint64(b)))
		}
	}
	return pix, nil
}

// toPlane sums all planes of a volume into its first two dimensions.
func toPlane(dims []int, pix []float32) accumulator.Image {
	if len(dims) <= 2 {
		return accumulator.Image{Shape: append([]int(nil), dims...), Pix: pix}
	}
	planeSize := dims[0] * dims[1]
	result := accumulator.NewImage(dims[0], dims[1])
	for i, v := range pix {
		result.Pix[i%planeSize] += v
	}
	return result
}

// WriteFile encodes img as MET_FLOAT little endian.
func WriteFile(path string, img accumulator.Image) error {
	if len(img.Shape) == 0 {
		return errors.New("cannot write image without shape")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.WithStack(err)
	}
	h := Header{
		NDims:       len(img.Shape),
		DimSize:     img.Shape,
		Spacing:     ones(len(img.Shape)),
		Offset:      make([]float64, len(img.Shape)),
		ElementType: "MET_FLOAT",
		Channels:    1,
	}
	data := make([]byte, 4*len(img.Pix))
	for i, v := range img.Pix {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}

	if strings.EqualFold(filepath.Ext(path), ".mha") {
		h.DataFile = localDataFile
		content := append(h.encode(), data...)
		return errors.WithStack(os.WriteFile(path, content, 0o644))
	}

	rawPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".raw"
	h.DataFile = filepath.Base(rawPath)
	if err := os.WriteFile(rawPath, data, 0o644); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.WriteFile(path, h.encode(), 0o644))
}

func ones(n int) []float64 {
	result := make([]float64, n)
	for i := range result {
		result[i] = 1
	}
	return result
}
