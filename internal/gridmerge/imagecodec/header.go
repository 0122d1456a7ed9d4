package imagecodec

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const localDataFile = "LOCAL"

// Header is the text part of a MetaImage file.
type Header struct {
	NDims       int
	DimSize     []int
	Spacing     []float64
	Offset      []float64
	ElementType string
	// Byte order of the binary data. MetaImage defaults to little endian.
	MSB        bool
	Compressed bool
	// Relative to the header, or LOCAL when the data follows the header in the same file.
	DataFile string
	Channels int
}

func (h Header) elements() int {
	n := 1
	for _, d := range h.DimSize {
		n *= d
	}
	return n * h.Channels
}

// parseHeader reads "Key = Value" lines up to and including ElementDataFile, which is always last.
// It returns the header and the number of bytes consumed.
func parseHeader(r io.Reader) (Header, int64, error) {
	h := Header{Channels: 1}
	br := bufio.NewReader(r)
	var consumed int64
	for {
		line, err := br.ReadString('\n')
		consumed += int64(len(line))
		if key, value, ok := strings.Cut(line, "="); ok {
			key = strings.TrimSpace(key)
			if err := h.set(key, strings.TrimSpace(value)); err != nil {
				return Header{}, 0, err
			}
			if key == "ElementDataFile" {
				break
			}
		}
		if err == io.EOF {
			return Header{}, 0, errors.New("header ended before ElementDataFile")
		}
		if err != nil {
			return Header{}, 0, errors.WithStack(err)
		}
	}
	if h.NDims == 0 {
		h.NDims = len(h.DimSize)
	}
	if len(h.DimSize) != h.NDims || h.NDims == 0 {
		return Header{}, 0, errors.Errorf("DimSize %v does not match NDims %d", h.DimSize, h.NDims)
	}
	if h.ElementType == "" {
		return Header{}, 0, errors.New("missing ElementType")
	}
	return h, consumed, nil
}

func (h *Header) set(key string, value string) error {
	var err error
	switch key {
	case "NDims":
		h.NDims, err = strconv.Atoi(value)
	case "DimSize":
		h.DimSize, err = parseInts(value)
	case "ElementSpacing":
		h.Spacing, err = parseFloats(value)
	case "Offset", "Origin", "Position":
		h.Offset, err = parseFloats(value)
	case "ElementType":
		h.ElementType = value
	case "BinaryDataByteOrderMSB", "ElementByteOrderMSB":
		h.MSB, err = strconv.ParseBool(strings.ToLower(value))
	case "CompressedData":
		h.Compressed, err = strconv.ParseBool(strings.ToLower(value))
	case "ElementNumberOfChannels":
		h.Channels, err = strconv.Atoi(value)
	case "ElementDataFile":
		h.DataFile = value
	}
	return errors.Wrapf(err, "invalid value %q for %s", value, key)
}

func parseInts(s string) ([]int, error) {
	fields := strings.Fields(s)
	result := make([]int, len(fields))
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, err
		}
		result[i] = v
	}
	return result, nil
}

func parseFloats(s string) ([]float64, error) {
	fields := strings.Fields(s)
	result := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		result[i] = v
	}
	return result, nil
}

func (h Header) encode() []byte {
	var buf bytes.Buffer
	writeLine := func(key string, value string) {
		fmt.Fprintf(&buf, "%s = %s\n", key, value)
	}
	writeLine("ObjectType", "Image")
	writeLine("NDims", strconv.Itoa(h.NDims))
	writeLine("BinaryData", "True")
	writeLine("BinaryDataByteOrderMSB", metaBool(h.MSB))
	writeLine("CompressedData", "False")
	writeLine("Offset", joinFloats(h.Offset))
	writeLine("ElementSpacing", joinFloats(h.Spacing))
	writeLine("DimSize", joinInts(h.DimSize))
	writeLine("ElementType", h.ElementType)
	writeLine("ElementDataFile", h.DataFile)
	return buf.Bytes()
}

func joinInts(values []int) string {
	s := make([]string, len(values))
	for i, v := range values {
		s[i] = strconv.Itoa(v)
	}
	return strings.Join(s, " ")
}

func joinFloats(values []float64) string {
	s := make([]string, len(values))
	for i, v := range values {
		s[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(s, " ")
}

func metaBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}
