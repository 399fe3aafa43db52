package knowledge

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

var npyMagic = []byte("\x93NUMPY")

// ErrArrayFormat is returned for arrays that are not 2-D little-endian float .npy data
var ErrArrayFormat = errors.New("unsupported array format")

// Array is a dense row-major 2-D float array
type Array struct {
	Rows int
	Cols int
	Data []float64
}

// Row returns a view of row i
func (a *Array) Row(i int) []float64 {
	return a.Data[i*a.Cols : (i+1)*a.Cols]
}

// LoadArray reads a 2-D .npy file (<f4 or <f8, C order)
func LoadArray(filename string) (*Array, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", filename, err)
	}
	defer file.Close()

	arr, err := ReadArray(bufio.NewReader(file))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return arr, nil
}

// ReadArray decodes a .npy stream
func ReadArray(r io.Reader) (*Array, error) {
	magic := make([]byte, len(npyMagic)+2)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("reading npy magic: %w", err)
	}
	if !bytes.Equal(magic[:len(npyMagic)], npyMagic) {
		return nil, fmt.Errorf("%w: bad magic", ErrArrayFormat)
	}

	var headerLen int
	switch major := magic[len(npyMagic)]; major {
	case 1:
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, fmt.Errorf("reading npy header length: %w", err)
		}
		headerLen = int(n)
	case 2, 3:
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, fmt.Errorf("reading npy header length: %w", err)
		}
		headerLen = int(n)
	default:
		return nil, fmt.Errorf("%w: npy version %d", ErrArrayFormat, major)
	}

	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("reading npy header: %w", err)
	}
	descr, fortran, shape, err := parseNpyHeader(string(header))
	if err != nil {
		return nil, err
	}
	if fortran {
		return nil, fmt.Errorf("%w: fortran order", ErrArrayFormat)
	}
	if len(shape) != 2 {
		return nil, fmt.Errorf("%w: want 2-D array, got shape %v", ErrArrayFormat, shape)
	}

	arr := &Array{Rows: shape[0], Cols: shape[1], Data: make([]float64, shape[0]*shape[1])}
	switch descr {
	case "<f8":
		if err := binary.Read(r, binary.LittleEndian, arr.Data); err != nil {
			return nil, fmt.Errorf("reading npy data: %w", err)
		}
	case "<f4":
		buf := make([]float32, len(arr.Data))
		if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
			return nil, fmt.Errorf("reading npy data: %w", err)
		}
		for i, v := range buf {
			arr.Data[i] = float64(v)
		}
	default:
		return nil, fmt.Errorf("%w: dtype %s", ErrArrayFormat, descr)
	}
	return arr, nil
}

// SaveArray writes a 2-D array as a little-endian float32 .npy v1 file.
// Infinite values are kept, so filtered scores survive the round trip.
func SaveArray(filename string, arr *Array) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", filename, err)
	}
	w := bufio.NewWriter(file)
	if err := WriteArray(w, arr); err != nil {
		file.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// WriteArray encodes arr as .npy v1 with dtype <f4
func WriteArray(w io.Writer, arr *Array) error {
	header := fmt.Sprintf("{'descr': '<f4', 'fortran_order': False, 'shape': (%d, %d), }", arr.Rows, arr.Cols)
	// magic(6) + version(2) + len(2) + header + '\n' must align to 64
	total := len(npyMagic) + 4 + len(header) + 1
	if pad := total % 64; pad != 0 {
		header += strings.Repeat(" ", 64-pad)
	}
	header += "\n"

	if _, err := w.Write(npyMagic); err != nil {
		return err
	}
	if _, err := w.Write([]byte{1, 0}); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(header))); err != nil {
		return err
	}
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}

	buf := make([]byte, 4*len(arr.Data))
	for i, v := range arr.Data {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(float32(v)))
	}
	_, err := w.Write(buf)
	return err
}

func parseNpyHeader(h string) (descr string, fortran bool, shape []int, err error) {
	descr, err = headerValue(h, "descr")
	if err != nil {
		return "", false, nil, err
	}
	descr = strings.Trim(descr, "'\" ")

	fo, err := headerValue(h, "fortran_order")
	if err != nil {
		return "", false, nil, err
	}
	fortran = strings.TrimSpace(fo) == "True"

	start := strings.Index(h, "'shape'")
	if start < 0 {
		return "", false, nil, fmt.Errorf("%w: header without shape", ErrArrayFormat)
	}
	open := strings.Index(h[start:], "(")
	closing := strings.Index(h[start:], ")")
	if open < 0 || closing < open {
		return "", false, nil, fmt.Errorf("%w: malformed shape", ErrArrayFormat)
	}
	for _, part := range strings.Split(h[start+open+1:start+closing], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, convErr := strconv.Atoi(part)
		if convErr != nil {
			return "", false, nil, fmt.Errorf("%w: shape entry %q", ErrArrayFormat, part)
		}
		shape = append(shape, n)
	}
	return descr, fortran, shape, nil
}

func headerValue(h, key string) (string, error) {
	i := strings.Index(h, "'"+key+"'")
	if i < 0 {
		return "", fmt.Errorf("%w: header without %s", ErrArrayFormat, key)
	}
	rest := h[i+len(key)+2:]
	colon := strings.Index(rest, ":")
	if colon < 0 {
		return "", fmt.Errorf("%w: malformed %s", ErrArrayFormat, key)
	}
	rest = rest[colon+1:]
	end := strings.Index(rest, ",")
	if end < 0 {
		return "", fmt.Errorf("%w: malformed %s", ErrArrayFormat, key)
	}
	return strings.TrimSpace(rest[:end]), nil
}
