package kernel

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/dmontag/arbordb/pkg/store"
)

// Value is a property value. Ints, floats, and bools inline into the
// property record; strings and arrays spill into dynamic-record chains.
type Value struct {
	Type  store.PropertyType
	Int   int64
	Float float64
	Bool  bool
	Str   string
	Bytes []byte
}

// IntValue wraps an integer property value.
func IntValue(v int64) Value { return Value{Type: store.PropertyInt, Int: v} }

// FloatValue wraps a float property value.
func FloatValue(v float64) Value { return Value{Type: store.PropertyFloat, Float: v} }

// BoolValue wraps a boolean property value.
func BoolValue(v bool) Value { return Value{Type: store.PropertyBool, Bool: v} }

// StringValue wraps a string property value.
func StringValue(v string) Value { return Value{Type: store.PropertyString, Str: v} }

// ArrayValue wraps an opaque array property value.
func ArrayValue(v []byte) Value { return Value{Type: store.PropertyArray, Bytes: append([]byte(nil), v...)} }

// Equal compares two values.
func (v Value) Equal(other Value) bool {
	if v.Type != other.Type {
		return false
	}
	switch v.Type {
	case store.PropertyInt:
		return v.Int == other.Int
	case store.PropertyFloat:
		return v.Float == other.Float
	case store.PropertyBool:
		return v.Bool == other.Bool
	case store.PropertyString:
		return v.Str == other.Str
	case store.PropertyArray:
		return string(v.Bytes) == string(other.Bytes)
	}
	return false
}

func (v Value) String() string {
	switch v.Type {
	case store.PropertyInt:
		return fmt.Sprintf("%d", v.Int)
	case store.PropertyFloat:
		return fmt.Sprintf("%g", v.Float)
	case store.PropertyBool:
		return fmt.Sprintf("%t", v.Bool)
	case store.PropertyString:
		return v.Str
	case store.PropertyArray:
		return fmt.Sprintf("array[%d]", len(v.Bytes))
	}
	return "?"
}

// inlinePayload returns the 8-byte payload for inlineable values.
func (v Value) inlinePayload() uint64 {
	switch v.Type {
	case store.PropertyInt:
		return uint64(v.Int)
	case store.PropertyFloat:
		return math.Float64bits(v.Float)
	case store.PropertyBool:
		if v.Bool {
			return 1
		}
		return 0
	}
	return 0
}

func valueFromRecord(rec store.PropertyRecord, dynamic []byte) Value {
	switch rec.Type {
	case store.PropertyInt:
		return IntValue(int64(rec.Payload))
	case store.PropertyFloat:
		return FloatValue(math.Float64frombits(rec.Payload))
	case store.PropertyBool:
		return BoolValue(rec.Payload != 0)
	case store.PropertyString:
		return StringValue(string(dynamic))
	case store.PropertyArray:
		return ArrayValue(dynamic)
	}
	return Value{}
}

// dynamicKindFor maps a property type to its dynamic store.
func dynamicKindFor(t store.PropertyType) (store.Kind, bool) {
	switch t {
	case store.PropertyString:
		return store.KindPropertyString, true
	case store.PropertyArray:
		return store.KindPropertyArray, true
	}
	return 0, false
}

// encodeKeyDirectory serializes the property-key table for its dynamic
// chain.
func encodeKeyDirectory(keys map[string]uint32) []byte {
	var buf []byte
	var scratch [4]byte
	binary.BigEndian.PutUint32(scratch[:], uint32(len(keys)))
	buf = append(buf, scratch[:]...)
	for name, id := range keys {
		binary.BigEndian.PutUint32(scratch[:], id)
		buf = append(buf, scratch[:]...)
		var l [2]byte
		binary.BigEndian.PutUint16(l[:], uint16(len(name)))
		buf = append(buf, l[:]...)
		buf = append(buf, name...)
	}
	return buf
}

func decodeKeyDirectory(data []byte) (map[string]uint32, error) {
	keys := make(map[string]uint32)
	if len(data) == 0 {
		return keys, nil
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("key directory truncated")
	}
	count := binary.BigEndian.Uint32(data)
	off := 4
	for i := uint32(0); i < count; i++ {
		if off+6 > len(data) {
			return nil, fmt.Errorf("key directory truncated at entry %d", i)
		}
		id := binary.BigEndian.Uint32(data[off:])
		nameLen := int(binary.BigEndian.Uint16(data[off+4:]))
		off += 6
		if off+nameLen > len(data) {
			return nil, fmt.Errorf("key directory truncated at entry %d", i)
		}
		keys[string(data[off:off+nameLen])] = id
		off += nameLen
	}
	return keys, nil
}
