package command

import (
	"bytes"
	"testing"

	"github.com/dmontag/arbordb/pkg/store"
)

func TestCommand_EncodeDecode(t *testing.T) {
	c := Command{
		Kind:   store.KindRelationship,
		ID:     12345,
		Before: []byte{},
		After:  store.EncodeRelationship(store.RelationshipRecord{InUse: true, StartNode: 1, EndNode: 2, TypeID: 3, StartPrev: store.NoID, StartNext: store.NoID, EndPrev: store.NoID, EndNext: store.NoID, FirstProp: store.NoID}),
	}

	got, err := Decode(bytes.NewReader(c.Encode()))
	if err != nil {
		t.Fatalf("Failed to decode command: %v", err)
	}
	if got.Kind != c.Kind || got.ID != c.ID || !bytes.Equal(got.After, c.After) {
		t.Errorf("Round trip mismatch: %+v vs %+v", got, c)
	}
}

func TestCommand_ApplyIsIdempotent(t *testing.T) {
	ns, err := store.Open(t.TempDir(), store.Options{AllowCreate: true})
	if err != nil {
		t.Fatal(err)
	}
	defer ns.Close()

	c := Command{
		Kind:  store.KindNode,
		ID:    0,
		After: store.EncodeNode(store.NodeRecord{InUse: true, FirstRel: store.NoID, FirstProp: store.NoID}),
	}

	if err := c.Apply(ns); err != nil {
		t.Fatal(err)
	}
	first, _ := ns.ReadRecord(store.KindNode, 0)

	if err := c.Apply(ns); err != nil {
		t.Fatal(err)
	}
	second, _ := ns.ReadRecord(store.KindNode, 0)

	if !bytes.Equal(first, second) {
		t.Error("Re-applying a command changed the store state")
	}
}

func TestCommandList_RoundTrip(t *testing.T) {
	cmds := []Command{
		{Kind: store.KindNode, ID: 1, After: store.EncodeNode(store.NodeRecord{InUse: true, FirstRel: store.NoID, FirstProp: store.NoID})},
		{Kind: store.KindProperty, ID: 2, After: store.EncodeProperty(store.PropertyRecord{InUse: true, KeyID: 1, Type: store.PropertyInt, Payload: 99, Next: store.NoID})},
	}

	got, err := DecodeList(EncodeList(cmds))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 commands, got %d", len(got))
	}
	if got[1].ID != 2 || got[1].Kind != store.KindProperty {
		t.Errorf("Second command corrupted: %+v", got[1])
	}
}
