package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// maxString bounds key and string value lengths so a corrupt header cannot
// trigger a huge allocation.
const maxString = 1 << 24

// LoadFile parses the header, metadata and tensor descriptors of a GGUF file.
func LoadFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	return Read(f)
}

// Read parses a GGUF header from r and stops before tensor data.
func Read(r io.Reader) (*File, error) {
	d := &decoder{r: bufio.NewReader(r)}
	file := &File{KV: make(map[string]interface{})}

	file.Header.Magic = d.u32()
	if d.err != nil {
		return nil, d.err
	}
	if file.Header.Magic != GGUFMagic {
		return nil, ErrInvalidMagic{Magic: file.Header.Magic}
	}
	file.Header.Version = d.u32()
	if d.err == nil && (file.Header.Version < 2 || file.Header.Version > 3) {
		return nil, ErrUnsupportedVersion{Version: file.Header.Version}
	}
	file.Header.TensorCount = d.u64()
	file.Header.KVCount = d.u64()
	if d.err != nil {
		return nil, d.err
	}

	for i := uint64(0); i < file.Header.KVCount; i++ {
		key := d.str()
		typ := GGUFMetadataValueType(d.u32())
		val := d.value(typ)
		if d.err != nil {
			return nil, fmt.Errorf("metadata entry %d: %w", i, d.err)
		}
		file.KV[key] = val
	}

	for i := uint64(0); i < file.Header.TensorCount; i++ {
		t := &TensorInfo{Name: d.str()}
		dims := d.u32()
		if d.err == nil && dims > 8 {
			return nil, fmt.Errorf("tensor %q: %d dimensions", t.Name, dims)
		}
		t.Dimensions = make([]uint64, dims)
		for j := range t.Dimensions {
			t.Dimensions[j] = d.u64()
		}
		t.Type = GGMLType(d.u32())
		t.Offset = d.u64()
		if d.err != nil {
			return nil, fmt.Errorf("tensor info %d: %w", i, d.err)
		}
		file.Tensors = append(file.Tensors, t)
	}
	return file, nil
}

type decoder struct {
	r   *bufio.Reader
	err error
	buf [8]byte
}

func (d *decoder) read(n int) []byte {
	if d.err != nil {
		return d.buf[:n]
	}
	if _, err := io.ReadFull(d.r, d.buf[:n]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		d.err = err
	}
	return d.buf[:n]
}

func (d *decoder) u8() uint8   { return d.read(1)[0] }
func (d *decoder) u16() uint16 { return binary.LittleEndian.Uint16(d.read(2)) }
func (d *decoder) u32() uint32 { return binary.LittleEndian.Uint32(d.read(4)) }
func (d *decoder) u64() uint64 { return binary.LittleEndian.Uint64(d.read(8)) }

func (d *decoder) str() string {
	n := d.u64()
	if d.err != nil {
		return ""
	}
	if n > maxString {
		d.err = fmt.Errorf("string length %d exceeds limit", n)
		return ""
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		d.err = io.ErrUnexpectedEOF
		return ""
	}
	return string(b)
}

func (d *decoder) value(typ GGUFMetadataValueType) interface{} {
	switch typ {
	case GGUFMetadataValueTypeUint8:
		return d.u8()
	case GGUFMetadataValueTypeInt8:
		return int8(d.u8())
	case GGUFMetadataValueTypeUint16:
		return d.u16()
	case GGUFMetadataValueTypeInt16:
		return int16(d.u16())
	case GGUFMetadataValueTypeUint32:
		return d.u32()
	case GGUFMetadataValueTypeInt32:
		return int32(d.u32())
	case GGUFMetadataValueTypeFloat32:
		return math.Float32frombits(d.u32())
	case GGUFMetadataValueTypeBool:
		return d.u8() != 0
	case GGUFMetadataValueTypeString:
		return d.str()
	case GGUFMetadataValueTypeUint64:
		return d.u64()
	case GGUFMetadataValueTypeInt64:
		return int64(d.u64())
	case GGUFMetadataValueTypeFloat64:
		return math.Float64frombits(d.u64())
	case GGUFMetadataValueTypeArray:
		elem := GGUFMetadataValueType(d.u32())
		n := d.u64()
		if d.err != nil {
			return nil
		}
		if n > maxString {
			d.err = fmt.Errorf("array length %d exceeds limit", n)
			return nil
		}
		arr := make([]interface{}, 0, min(n, 1<<16))
		for i := uint64(0); i < n && d.err == nil; i++ {
			arr = append(arr, d.value(elem))
		}
		return arr
	default:
		if d.err == nil {
			d.err = fmt.Errorf("unsupported metadata type: %d", typ)
		}
		return nil
	}
}
