package scanner

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Encode converts value to the bytes that represent it in memory as vt:
// little-endian fixed width for numbers, UTF-8 plus one NUL for strings, and
// the bytes themselves for Bytes.
func Encode(value interface{}, vt ValueType) ([]byte, error) {
	switch vt {
	case String:
		s, ok := value.(string)
		if !ok {
			s = fmt.Sprint(value)
		}
		return append([]byte(s), 0), nil
	case Bytes:
		switch v := value.(type) {
		case []byte:
			return append([]byte(nil), v...), nil
		case string:
			return []byte(v), nil
		}
		return nil, fmt.Errorf("%w: %T as bytes", ErrInvalidValue, value)
	}

	if !vt.Numeric() {
		return nil, fmt.Errorf("%w: unknown value type %q", ErrInvalidValue, vt)
	}

	buf := make([]byte, vt.Size())
	switch vt {
	case Float, Double:
		f, err := toFloat(value)
		if err != nil {
			return nil, err
		}
		if vt == Float {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(f)))
		} else {
			binary.LittleEndian.PutUint64(buf, math.Float64bits(f))
		}
	case Uint8, Uint16, Uint32, Uint64:
		u, err := toUint(value)
		if err != nil {
			return nil, err
		}
		if vt.Size() < 8 && u >= 1<<(8*vt.Size()) {
			return nil, fmt.Errorf("%w: %d overflows %s", ErrInvalidValue, u, vt)
		}
		putUint(buf, u)
	default:
		i, err := toInt(value)
		if err != nil {
			return nil, err
		}
		bits := 8 * vt.Size()
		if bits < 64 && (i < -(1<<(bits-1)) || i >= 1<<(bits-1)) {
			return nil, fmt.Errorf("%w: %d overflows %s", ErrInvalidValue, i, vt)
		}
		putUint(buf, uint64(i))
	}
	return buf, nil
}

func putUint(buf []byte, u uint64) {
	for i := range buf {
		buf[i] = byte(u >> (8 * i))
	}
}

func getUint(buf []byte) uint64 {
	var u uint64
	for i := range buf {
		u |= uint64(buf[i]) << (8 * i)
	}
	return u
}

// Decode converts raw bytes of type vt back into a Go value: int64, uint64,
// float64, string or []byte.
func Decode(raw []byte, vt ValueType) (interface{}, error) {
	switch vt {
	case String:
		if i := bytes.IndexByte(raw, 0); i >= 0 {
			raw = raw[:i]
		}
		return string(raw), nil
	case Bytes:
		return append([]byte(nil), raw...), nil
	}
	if len(raw) != vt.Size() || vt.Size() == 0 {
		return nil, fmt.Errorf("%w: %d bytes for %s", ErrInvalidValue, len(raw), vt)
	}
	switch vt {
	case Float:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(raw))), nil
	case Double:
		return math.Float64frombits(binary.LittleEndian.Uint64(raw)), nil
	case Uint8, Uint16, Uint32, Uint64:
		return getUint(raw), nil
	default:
		u := getUint(raw)
		shift := 64 - 8*uint(vt.Size())
		return int64(u<<shift) >> shift, nil
	}
}

// compare orders the value stored in a against the one in b, both encoded
// as the numeric type vt. It returns -1, 0 or 1.
func compare(a, b []byte, vt ValueType) (int, error) {
	av, err := Decode(a, vt)
	if err != nil {
		return 0, err
	}
	bv, err := Decode(b, vt)
	if err != nil {
		return 0, err
	}
	switch x := av.(type) {
	case int64:
		y := bv.(int64)
		return cmp3(x < y, x > y), nil
	case uint64:
		y := bv.(uint64)
		return cmp3(x < y, x > y), nil
	case float64:
		y := bv.(float64)
		return cmp3(x < y, x > y), nil
	}
	return 0, fmt.Errorf("%w: %s is not ordered", ErrInvalidScanType, vt)
}

func cmp3(less, greater bool) int {
	switch {
	case less:
		return -1
	case greater:
		return 1
	}
	return 0
}

func toInt(value interface{}) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		return toInt(uint64(v))
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return 0, fmt.Errorf("%w: %d overflows int64", ErrInvalidValue, v)
		}
		return int64(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%w: %v is not an integer", ErrInvalidValue, v)
		}
		return int64(v), nil
	case json.Number:
		return toInt(string(v))
	case string:
		i, err := strconv.ParseInt(v, 0, 64)
		if err != nil {
			f, ferr := strconv.ParseFloat(v, 64)
			if ferr != nil {
				return 0, fmt.Errorf("%w: %q", ErrInvalidValue, v)
			}
			return toInt(f)
		}
		return i, nil
	}
	return 0, fmt.Errorf("%w: %T", ErrInvalidValue, value)
}

func toUint(value interface{}) (uint64, error) {
	switch v := value.(type) {
	case uint:
		return uint64(v), nil
	case uint8:
		return uint64(v), nil
	case uint16:
		return uint64(v), nil
	case uint32:
		return uint64(v), nil
	case uint64:
		return v, nil
	case json.Number:
		return toUint(string(v))
	case string:
		u, err := strconv.ParseUint(v, 0, 64)
		if err != nil {
			i, ierr := toInt(v)
			if ierr != nil {
				return 0, fmt.Errorf("%w: %q", ErrInvalidValue, v)
			}
			return toUint(i)
		}
		return u, nil
	}
	i, err := toInt(value)
	if err != nil {
		return 0, err
	}
	if i < 0 {
		return 0, fmt.Errorf("%w: %d is negative", ErrInvalidValue, i)
	}
	return uint64(i), nil
}

func toFloat(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	case json.Number:
		return toFloat(string(v))
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidValue, v)
		}
		return f, nil
	}
	if u, ok := value.(uint64); ok {
		return float64(u), nil
	}
	i, err := toInt(value)
	if err != nil {
		return 0, err
	}
	return float64(i), nil
}
