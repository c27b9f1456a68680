package lazyarr

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Dtype describes the element type of an array as a NumPy array protocol
// type string (typestr). The format consists of 3 parts:
//   - One character describing the byteorder of the data:
//     "<": little-endian; ">": big-endian; "|": not-relevant
//   - One character code giving the basic type of the array:
//     "b": Boolean, "i": integer, "u": unsigned integer, "f": floating point
//   - An integer specifying the number of bytes the type uses.
//
// The byte order is optional in some circumstances, within persisted
// metadata byte order MUST be specified
type Dtype struct {
	ByteOrder ByteOrder
	BasicType BasicType
	ByteSize  int
}

var (
	_ json.Unmarshaler = (*Dtype)(nil)
	_ json.Marshaler   = (*Dtype)(nil)
)

// common element types
var (
	DtypeBool    = Dtype{BONotRelevant, BTBoolean, 1}
	DtypeInt64   = Dtype{BOLittleEndian, BTInteger, 8}
	DtypeFloat64 = Dtype{BOLittleEndian, BTFloatingPoint, 8}
)

func ParseDtype(s string) (dt Dtype, err error) {
	// bug in python implementations uses HTML escape sequences when
	// serializing JSON
	s = strings.Replace(s, "&lt;", "<", 1)
	s = strings.Replace(s, "&gt;", ">", 1)

	if len(s) < 3 {
		return dt, fmt.Errorf("invalid Dtype string. %q is too short", s)
	}

	boByte, s := s[0], s[1:]
	dt.ByteOrder, err = ParseByteOrder(rune(boByte))
	if err != nil {
		return dt, err
	}

	typeByte, s := s[0], s[1:]
	dt.BasicType, err = ParseBasicType(rune(typeByte))
	if err != nil {
		return dt, err
	}

	size, err := strconv.ParseInt(s, 10, 0)
	if err != nil {
		return dt, err
	}
	dt.ByteSize = int(size)

	switch dt.BasicType {
	case BTBoolean:
		if dt.ByteSize != 1 {
			return dt, fmt.Errorf("invalid Dtype: boolean must be 1 byte, got %d", dt.ByteSize)
		}
	case BTInteger, BTUnsigned:
		switch dt.ByteSize {
		case 1, 2, 4, 8:
		default:
			return dt, fmt.Errorf("invalid Dtype: unsupported %s size %d", dt.BasicType.Human(), dt.ByteSize)
		}
	case BTFloatingPoint:
		if dt.ByteSize != 4 && dt.ByteSize != 8 {
			return dt, fmt.Errorf("invalid Dtype: unsupported float size %d", dt.ByteSize)
		}
	}

	return dt, nil
}

func (dt Dtype) String() string {
	return fmt.Sprintf("%s%s%d", string(dt.ByteOrder), string(dt.BasicType), dt.ByteSize)
}

// ItemSize is the encoded size of one element in bytes
func (dt Dtype) ItemSize() int { return dt.ByteSize }

func (dt Dtype) MarshalJSON() ([]byte, error) {
	return []byte(`"` + dt.String() + `"`), nil
}

func (dt *Dtype) UnmarshalJSON(d []byte) error {
	var s string
	if err := json.Unmarshal(d, &s); err != nil {
		return err
	}
	t, err := ParseDtype(s)
	if err != nil {
		return err
	}

	*dt = t
	return nil
}

func (dt Dtype) byteOrder() binary.ByteOrder {
	if dt.ByteOrder == BOBigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// Promote combines two element types under standard numeric promotion:
// the widest, most general type of the pair wins. Boolean promotes to any
// numeric type, signed and unsigned integers promote to a signed integer
// wide enough for both, and any floating point operand makes the result
// floating point.
func Promote(a, b Dtype) Dtype {
	if a == b {
		return a
	}
	if a.BasicType == BTBoolean {
		return b
	}
	if b.BasicType == BTBoolean {
		return a
	}

	if a.BasicType == BTFloatingPoint || b.BasicType == BTFloatingPoint {
		size := 4
		if a.BasicType == BTFloatingPoint && a.ByteSize > size {
			size = a.ByteSize
		}
		if b.BasicType == BTFloatingPoint && b.ByteSize > size {
			size = b.ByteSize
		}
		// integers 4 bytes and wider can't round-trip through float32
		if a.BasicType != BTFloatingPoint && a.ByteSize >= 4 ||
			b.BasicType != BTFloatingPoint && b.ByteSize >= 4 {
			size = 8
		}
		return Dtype{BOLittleEndian, BTFloatingPoint, size}
	}

	// both integral
	if a.BasicType == b.BasicType {
		size := a.ByteSize
		if b.ByteSize > size {
			size = b.ByteSize
		}
		return Dtype{BOLittleEndian, a.BasicType, size}
	}

	// mixed signedness promotes to a signed integer wide enough for the
	// unsigned operand
	signed, unsigned := a, b
	if a.BasicType == BTUnsigned {
		signed, unsigned = b, a
	}
	if unsigned.ByteSize < signed.ByteSize {
		return Dtype{BOLittleEndian, BTInteger, signed.ByteSize}
	}
	size := unsigned.ByteSize * 2
	if size > 8 {
		size = 8
	}
	return Dtype{BOLittleEndian, BTInteger, size}
}

// decodeValues reads n elements of dt from raw bytes into a float64 working
// buffer. All evaluation arithmetic happens in float64; dtype only governs
// the encoded form.
func decodeValues(dt Dtype, data []byte, n int) ([]float64, error) {
	if want := n * dt.ItemSize(); len(data) < want {
		return nil, fmt.Errorf("short chunk: have %d bytes, want %d", len(data), want)
	}
	bo := dt.byteOrder()
	sz := dt.ItemSize()
	out := make([]float64, n)

	for i := 0; i < n; i++ {
		b := data[i*sz:]
		switch dt.BasicType {
		case BTBoolean:
			if b[0] != 0 {
				out[i] = 1
			}
		case BTInteger:
			switch sz {
			case 1:
				out[i] = float64(int8(b[0]))
			case 2:
				out[i] = float64(int16(bo.Uint16(b)))
			case 4:
				out[i] = float64(int32(bo.Uint32(b)))
			case 8:
				out[i] = float64(int64(bo.Uint64(b)))
			}
		case BTUnsigned:
			switch sz {
			case 1:
				out[i] = float64(b[0])
			case 2:
				out[i] = float64(bo.Uint16(b))
			case 4:
				out[i] = float64(bo.Uint32(b))
			case 8:
				out[i] = float64(bo.Uint64(b))
			}
		case BTFloatingPoint:
			switch sz {
			case 4:
				out[i] = float64(math.Float32frombits(bo.Uint32(b)))
			case 8:
				out[i] = math.Float64frombits(bo.Uint64(b))
			}
		default:
			return nil, fmt.Errorf("unsupported decoding type %q", dt)
		}
	}
	return out, nil
}

// encodeValues writes a float64 working buffer as dt-encoded bytes
func encodeValues(dt Dtype, vals []float64) []byte {
	bo := dt.byteOrder()
	sz := dt.ItemSize()
	out := make([]byte, len(vals)*sz)

	for i, v := range vals {
		b := out[i*sz:]
		switch dt.BasicType {
		case BTBoolean:
			if v != 0 {
				b[0] = 1
			}
		case BTInteger, BTUnsigned:
			u := uint64(int64(v))
			if dt.BasicType == BTUnsigned {
				u = uint64(v)
			}
			switch sz {
			case 1:
				b[0] = byte(u)
			case 2:
				bo.PutUint16(b, uint16(u))
			case 4:
				bo.PutUint32(b, uint32(u))
			case 8:
				bo.PutUint64(b, u)
			}
		case BTFloatingPoint:
			switch sz {
			case 4:
				bo.PutUint32(b, math.Float32bits(float32(v)))
			case 8:
				bo.PutUint64(b, math.Float64bits(v))
			}
		}
	}
	return out
}

type ByteOrder rune

func ParseByteOrder(r rune) (ByteOrder, error) {
	o := ByteOrder(r)
	if _, ok := byteOrders[o]; !ok {
		return o, fmt.Errorf("unsupported byte order format: %q", r)
	}
	return o, nil
}

const (
	BONotRelevant  ByteOrder = '|'
	BOLittleEndian ByteOrder = '<'
	BOBigEndian    ByteOrder = '>'
)

var byteOrders = map[ByteOrder]struct{}{
	BONotRelevant:  {},
	BOLittleEndian: {},
	BOBigEndian:    {},
}

type BasicType rune

func ParseBasicType(r rune) (BasicType, error) {
	t := BasicType(r)
	if _, ok := supportedBasicTypes[t]; !ok {
		return t, fmt.Errorf("unsupported basic type: %q", r)
	}
	return t, nil
}

func (bt BasicType) Human() string {
	return supportedBasicTypes[bt]
}

const (
	BTBoolean       BasicType = 'b'
	BTInteger       BasicType = 'i'
	BTUnsigned      BasicType = 'u'
	BTFloatingPoint BasicType = 'f'
)

var supportedBasicTypes = map[BasicType]string{
	BTBoolean:       "bool",
	BTInteger:       "int",
	BTUnsigned:      "uint",
	BTFloatingPoint: "float",
}
