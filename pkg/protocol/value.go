package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

// Kind is the wire tag of a Value
type Kind uint8

// Value kinds
const (
	KindNull   Kind = 0x00
	KindBool   Kind = 0x01
	KindInt    Kind = 0x02
	KindFloat  Kind = 0x03
	KindString Kind = 0x04
	KindBytes  Kind = 0x05
	KindList   Kind = 0x06
)

// maximum nesting of list values
const maxValueDepth = 16

// MaxBodyValues caps the number of values, list items included, decoded
// from one message body
const MaxBodyValues = 1 << 16

// counts read from the wire never preallocate more than this
const maxPrealloc = 16

var kindNames = map[Kind]string{
	KindNull:   "null",
	KindBool:   "bool",
	KindInt:    "int",
	KindFloat:  "float",
	KindString: "string",
	KindBytes:  "bytes",
	KindList:   "list",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

var (
	errTruncated     = errors.New("truncated value")
	errTooManyValues = fmt.Errorf("body carries more than %d values", MaxBodyValues)
)

// Value is a single parameter or result carried by a part
type Value struct {
	kind Kind
	num  uint64
	str  string
	raw  []byte
	list []Value
}

// Null returns the null value
func Null() Value { return Value{kind: KindNull} }

// Bool wraps a bool
func Bool(b bool) Value {
	v := Value{kind: KindBool}
	if b {
		v.num = 1
	}
	return v
}

// Int wraps an int64
func Int(i int64) Value { return Value{kind: KindInt, num: uint64(i)} }

// Float wraps a float64
func Float(f float64) Value { return Value{kind: KindFloat, num: math.Float64bits(f)} }

// String wraps a string
func String(s string) Value { return Value{kind: KindString, str: s} }

// Bytes wraps a byte slice. The slice is not copied.
func Bytes(b []byte) Value { return Value{kind: KindBytes, raw: b} }

// List wraps an ordered list of values
func List(values ...Value) Value { return Value{kind: KindList, list: values} }

// Kind returns the wire kind
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the bool held by v
func (v Value) AsBool() (bool, bool) { return v.num == 1, v.kind == KindBool }

// AsInt returns the int64 held by v
func (v Value) AsInt() (int64, bool) { return int64(v.num), v.kind == KindInt }

// AsFloat returns the float64 held by v
func (v Value) AsFloat() (float64, bool) { return math.Float64frombits(v.num), v.kind == KindFloat }

// AsString returns the string held by v
func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }

// AsBytes returns the bytes held by v
func (v Value) AsBytes() ([]byte, bool) { return v.raw, v.kind == KindBytes }

// AsList returns the values held by v
func (v Value) AsList() ([]Value, bool) { return v.list, v.kind == KindList }

// Interface converts v to a plain Go value for logging and printing
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		b, _ := v.AsBool()
		return b
	case KindInt:
		i, _ := v.AsInt()
		return i
	case KindFloat:
		f, _ := v.AsFloat()
		return f
	case KindString:
		return v.str
	case KindBytes:
		return v.raw
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Interface()
		}
		return out
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindString:
		return fmt.Sprintf("%q", v.str)
	case KindBytes:
		return fmt.Sprintf("0x%x", v.raw)
	default:
		return fmt.Sprint(v.Interface())
	}
}

// Equal reports whether two values have the same kind and content
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindBytes:
		return string(v.raw) == string(o.raw)
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	default:
		return v.num == o.num
	}
}

// Signature returns the parameter shape of a value list, e.g. "int,string".
// The method table keys handlers by it.
func Signature(values []Value) string {
	names := make([]string, len(values))
	for i, v := range values {
		names[i] = v.kind.String()
	}
	return strings.Join(names, ",")
}

// SignatureOf builds the shape string for a list of kinds
func SignatureOf(kinds ...Kind) string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.String()
	}
	return strings.Join(names, ",")
}

// appendValue encodes v as tag + payload
func appendValue(buf []byte, v Value) []byte {
	buf = append(buf, byte(v.kind))

	switch v.kind {
	case KindBool:
		buf = append(buf, byte(v.num))
	case KindInt, KindFloat:
		buf = binary.BigEndian.AppendUint64(buf, v.num)
	case KindString:
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(v.str)))
		buf = append(buf, v.str...)
	case KindBytes:
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(v.raw)))
		buf = append(buf, v.raw...)
	case KindList:
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(v.list)))
		for _, item := range v.list {
			buf = appendValue(buf, item)
		}
	}

	return buf
}

// valueDecoder reads the values of one body and counts them against a
// shared budget
type valueDecoder struct {
	buf    []byte
	budget int
}

func newValueDecoder(buf []byte) *valueDecoder {
	return &valueDecoder{buf: buf, budget: MaxBodyValues}
}

// readValue decodes one value of buf starting at offset
func readValue(buf []byte, offset, depth int) (Value, int, error) {
	return newValueDecoder(buf).read(offset, depth)
}

// read decodes one value starting at offset and returns the new offset
func (d *valueDecoder) read(offset, depth int) (Value, int, error) {
	buf := d.buf
	if depth > maxValueDepth {
		return Value{}, 0, fmt.Errorf("value nesting exceeds %d", maxValueDepth)
	}
	if offset >= len(buf) {
		return Value{}, 0, errTruncated
	}
	if d.budget <= 0 {
		return Value{}, 0, errTooManyValues
	}
	d.budget--

	kind := Kind(buf[offset])
	offset++

	switch kind {
	case KindNull:
		return Null(), offset, nil

	case KindBool:
		if offset+1 > len(buf) {
			return Value{}, 0, errTruncated
		}
		if buf[offset] > 1 {
			return Value{}, 0, fmt.Errorf("invalid bool byte 0x%02x", buf[offset])
		}
		return Bool(buf[offset] == 1), offset + 1, nil

	case KindInt, KindFloat:
		if offset+8 > len(buf) {
			return Value{}, 0, errTruncated
		}
		return Value{kind: kind, num: binary.BigEndian.Uint64(buf[offset:])}, offset + 8, nil

	case KindString, KindBytes:
		if offset+4 > len(buf) {
			return Value{}, 0, errTruncated
		}
		n := int(binary.BigEndian.Uint32(buf[offset:]))
		offset += 4
		if n > len(buf)-offset {
			return Value{}, 0, errTruncated
		}
		data := buf[offset : offset+n]
		offset += n
		if kind == KindString {
			return String(string(data)), offset, nil
		}
		raw := make([]byte, n)
		copy(raw, data)
		return Bytes(raw), offset, nil

	case KindList:
		if offset+4 > len(buf) {
			return Value{}, 0, errTruncated
		}
		n := int(binary.BigEndian.Uint32(buf[offset:]))
		offset += 4
		// every item takes at least its tag byte
		if n > len(buf)-offset {
			return Value{}, 0, errTruncated
		}
		if n > d.budget {
			return Value{}, 0, errTooManyValues
		}
		items := make([]Value, 0, min(n, maxPrealloc))
		for i := 0; i < n; i++ {
			item, next, err := d.read(offset, depth+1)
			if err != nil {
				return Value{}, 0, err
			}
			items = append(items, item)
			offset = next
		}
		return List(items...), offset, nil

	default:
		return Value{}, 0, fmt.Errorf("unknown value kind %d", uint8(kind))
	}
}
