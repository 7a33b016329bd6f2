package store

import (
	"encoding/binary"
	"fmt"
)

// NoID marks an absent record pointer inside a record.
const NoID = ^uint64(0)

// Fixed record sizes in bytes. All integers inside records are
// little-endian.
const (
	NodeRecordSize         = 17
	RelationshipRecordSize = 61
	PropertyRecordSize     = 22
	DynamicBlockSize       = 128
	dynamicHeaderSize      = 13
	// DynamicDataSize is the payload capacity of one dynamic block.
	DynamicDataSize        = DynamicBlockSize - dynamicHeaderSize
	RelationshipTypeRecordSize = 9
	MetaRecordSize         = 8
)

// PropertyType tags the value representation inside a property record.
type PropertyType uint8

const (
	PropertyInt PropertyType = iota + 1
	PropertyFloat
	PropertyBool
	PropertyString // payload is the head block of a strings-store chain
	PropertyArray  // payload is the head block of an arrays-store chain
)

// NodeRecord is the fixed record for a node:
// {in_use, first_rel_id, first_prop_id}.
type NodeRecord struct {
	InUse     bool
	FirstRel  uint64
	FirstProp uint64
}

// RelationshipRecord is the fixed record for a relationship. The prev/next
// pointers thread this relationship into the doubly linked chains of its
// start and end nodes.
type RelationshipRecord struct {
	InUse     bool
	StartNode uint64
	EndNode   uint64
	TypeID    uint32
	StartPrev uint64
	StartNext uint64
	EndPrev   uint64
	EndNext   uint64
	FirstProp uint64
}

// PropertyRecord is the fixed record for a property:
// {in_use, key_id, type, inline_value_or_dynamic_ref, next_prop_id}.
type PropertyRecord struct {
	InUse   bool
	KeyID   uint32
	Type    PropertyType
	Payload uint64
	Next    uint64
}

// DynamicRecord is one block of a dynamic-record chain used for spilled
// strings and arrays.
type DynamicRecord struct {
	InUse  bool
	Length uint32
	Next   uint64
	Data   []byte
}

// RelationshipTypeRecord holds a type token; the name lives in a
// strings-store chain.
type RelationshipTypeRecord struct {
	InUse   bool
	NameRef uint64
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// EncodeNode serializes a node record into a NodeRecordSize buffer.
func EncodeNode(r NodeRecord) []byte {
	buf := make([]byte, NodeRecordSize)
	buf[0] = boolByte(r.InUse)
	binary.LittleEndian.PutUint64(buf[1:], r.FirstRel)
	binary.LittleEndian.PutUint64(buf[9:], r.FirstProp)
	return buf
}

// DecodeNode deserializes a node record.
func DecodeNode(buf []byte) (NodeRecord, error) {
	if len(buf) != NodeRecordSize {
		return NodeRecord{}, fmt.Errorf("node record: expected %d bytes, got %d", NodeRecordSize, len(buf))
	}
	return NodeRecord{
		InUse:     buf[0] != 0,
		FirstRel:  binary.LittleEndian.Uint64(buf[1:]),
		FirstProp: binary.LittleEndian.Uint64(buf[9:]),
	}, nil
}

// EncodeRelationship serializes a relationship record.
func EncodeRelationship(r RelationshipRecord) []byte {
	buf := make([]byte, RelationshipRecordSize)
	buf[0] = boolByte(r.InUse)
	binary.LittleEndian.PutUint64(buf[1:], r.StartNode)
	binary.LittleEndian.PutUint64(buf[9:], r.EndNode)
	binary.LittleEndian.PutUint32(buf[17:], r.TypeID)
	binary.LittleEndian.PutUint64(buf[21:], r.StartPrev)
	binary.LittleEndian.PutUint64(buf[29:], r.StartNext)
	binary.LittleEndian.PutUint64(buf[37:], r.EndPrev)
	binary.LittleEndian.PutUint64(buf[45:], r.EndNext)
	binary.LittleEndian.PutUint64(buf[53:], r.FirstProp)
	return buf
}

// DecodeRelationship deserializes a relationship record.
func DecodeRelationship(buf []byte) (RelationshipRecord, error) {
	if len(buf) != RelationshipRecordSize {
		return RelationshipRecord{}, fmt.Errorf("relationship record: expected %d bytes, got %d", RelationshipRecordSize, len(buf))
	}
	return RelationshipRecord{
		InUse:     buf[0] != 0,
		StartNode: binary.LittleEndian.Uint64(buf[1:]),
		EndNode:   binary.LittleEndian.Uint64(buf[9:]),
		TypeID:    binary.LittleEndian.Uint32(buf[17:]),
		StartPrev: binary.LittleEndian.Uint64(buf[21:]),
		StartNext: binary.LittleEndian.Uint64(buf[29:]),
		EndPrev:   binary.LittleEndian.Uint64(buf[37:]),
		EndNext:   binary.LittleEndian.Uint64(buf[45:]),
		FirstProp: binary.LittleEndian.Uint64(buf[53:]),
	}, nil
}

// EncodeProperty serializes a property record.
func EncodeProperty(r PropertyRecord) []byte {
	buf := make([]byte, PropertyRecordSize)
	buf[0] = boolByte(r.InUse)
	binary.LittleEndian.PutUint32(buf[1:], r.KeyID)
	buf[5] = byte(r.Type)
	binary.LittleEndian.PutUint64(buf[6:], r.Payload)
	binary.LittleEndian.PutUint64(buf[14:], r.Next)
	return buf
}

// DecodeProperty deserializes a property record.
func DecodeProperty(buf []byte) (PropertyRecord, error) {
	if len(buf) != PropertyRecordSize {
		return PropertyRecord{}, fmt.Errorf("property record: expected %d bytes, got %d", PropertyRecordSize, len(buf))
	}
	return PropertyRecord{
		InUse:   buf[0] != 0,
		KeyID:   binary.LittleEndian.Uint32(buf[1:]),
		Type:    PropertyType(buf[5]),
		Payload: binary.LittleEndian.Uint64(buf[6:]),
		Next:    binary.LittleEndian.Uint64(buf[14:]),
	}, nil
}

// EncodeDynamic serializes a dynamic block. Data longer than
// DynamicDataSize is a caller bug.
func EncodeDynamic(r DynamicRecord) []byte {
	buf := make([]byte, DynamicBlockSize)
	buf[0] = boolByte(r.InUse)
	binary.LittleEndian.PutUint32(buf[1:], r.Length)
	binary.LittleEndian.PutUint64(buf[5:], r.Next)
	copy(buf[dynamicHeaderSize:], r.Data)
	return buf
}

// DecodeDynamic deserializes a dynamic block.
func DecodeDynamic(buf []byte) (DynamicRecord, error) {
	if len(buf) != DynamicBlockSize {
		return DynamicRecord{}, fmt.Errorf("dynamic block: expected %d bytes, got %d", DynamicBlockSize, len(buf))
	}
	length := binary.LittleEndian.Uint32(buf[1:])
	if length > DynamicDataSize {
		return DynamicRecord{}, fmt.Errorf("dynamic block: length %d exceeds capacity", length)
	}
	data := make([]byte, length)
	copy(data, buf[dynamicHeaderSize:dynamicHeaderSize+length])
	return DynamicRecord{
		InUse:  buf[0] != 0,
		Length: length,
		Next:   binary.LittleEndian.Uint64(buf[5:]),
		Data:   data,
	}, nil
}

// EncodeRelationshipType serializes a relationship type record.
func EncodeRelationshipType(r RelationshipTypeRecord) []byte {
	buf := make([]byte, RelationshipTypeRecordSize)
	buf[0] = boolByte(r.InUse)
	binary.LittleEndian.PutUint64(buf[1:], r.NameRef)
	return buf
}

// DecodeRelationshipType deserializes a relationship type record.
func DecodeRelationshipType(buf []byte) (RelationshipTypeRecord, error) {
	if len(buf) != RelationshipTypeRecordSize {
		return RelationshipTypeRecord{}, fmt.Errorf("relationship type record: expected %d bytes, got %d", RelationshipTypeRecordSize, len(buf))
	}
	return RelationshipTypeRecord{
		InUse:   buf[0] != 0,
		NameRef: binary.LittleEndian.Uint64(buf[1:]),
	}, nil
}
