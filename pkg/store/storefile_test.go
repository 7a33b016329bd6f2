package store

import (
	"os"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T, dir string) *NeoStore {
	t.Helper()
	ns, err := Open(dir, Options{AllowCreate: true})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	return ns
}

func TestRecordStore_NodeRoundTrip(t *testing.T) {
	ns := openTestStore(t, t.TempDir())
	defer ns.Close()

	id, err := ns.AllocateID(KindNode)
	if err != nil {
		t.Fatalf("Failed to allocate node id: %v", err)
	}

	rec := NodeRecord{InUse: true, FirstRel: NoID, FirstProp: 7}
	if err := ns.WriteRecord(KindNode, id, EncodeNode(rec)); err != nil {
		t.Fatalf("Failed to write node record: %v", err)
	}

	data, err := ns.ReadRecord(KindNode, id)
	if err != nil {
		t.Fatalf("Failed to read node record: %v", err)
	}
	got, err := DecodeNode(data)
	if err != nil {
		t.Fatalf("Failed to decode node record: %v", err)
	}
	if got != rec {
		t.Errorf("Expected %+v, got %+v", rec, got)
	}
}

func TestRecordStore_ReleaseReusesID(t *testing.T) {
	ns := openTestStore(t, t.TempDir())
	defer ns.Close()

	a, _ := ns.AllocateID(KindNode)
	b, _ := ns.AllocateID(KindNode)
	if a == b {
		t.Fatalf("Allocator handed out duplicate id %d", a)
	}

	// Writing a not-in-use record releases the slot.
	if err := ns.WriteRecord(KindNode, a, EncodeNode(NodeRecord{InUse: true, FirstRel: NoID, FirstProp: NoID})); err != nil {
		t.Fatal(err)
	}
	if err := ns.WriteRecord(KindNode, a, EncodeNode(NodeRecord{})); err != nil {
		t.Fatal(err)
	}

	c, _ := ns.AllocateID(KindNode)
	if c != a {
		t.Errorf("Expected reclaimed id %d, got %d", a, c)
	}
}

func TestIDGenerator_PersistsAcrossCleanClose(t *testing.T) {
	dir := t.TempDir()
	ns := openTestStore(t, dir)

	var last uint64
	for i := 0; i < 5; i++ {
		id, err := ns.AllocateID(KindNode)
		if err != nil {
			t.Fatal(err)
		}
		if err := ns.WriteRecord(KindNode, id, EncodeNode(NodeRecord{InUse: true, FirstRel: NoID, FirstProp: NoID})); err != nil {
			t.Fatal(err)
		}
		last = id
	}
	if err := ns.Close(); err != nil {
		t.Fatalf("Failed to close store: %v", err)
	}

	ns2 := openTestStore(t, dir)
	defer ns2.Close()

	id, err := ns2.AllocateID(KindNode)
	if err != nil {
		t.Fatal(err)
	}
	if id <= last {
		t.Errorf("High water mark not persisted: allocated %d after %d", id, last)
	}
}

func TestIDGenerator_RebuildAfterCrash(t *testing.T) {
	dir := t.TempDir()
	ns := openTestStore(t, dir)

	for i := 0; i < 4; i++ {
		id, _ := ns.AllocateID(KindNode)
		ns.WriteRecord(KindNode, id, EncodeNode(NodeRecord{InUse: true, FirstRel: NoID, FirstProp: NoID}))
	}
	// Free the middle slot.
	ns.WriteRecord(KindNode, 1, EncodeNode(NodeRecord{}))
	if err := ns.Store(KindNode).Sync(); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash: leave the .id file dirty.
	nodeStore := ns.Store(KindNode)
	if err := nodeStore.backend.Close(); err != nil {
		t.Fatal(err)
	}

	ns2 := openTestStore(t, dir)
	defer ns2.Close()

	// The rebuilt free-list must hand slot 1 back before extending.
	id, err := ns2.AllocateID(KindNode)
	if err != nil {
		t.Fatal(err)
	}
	if id != 1 {
		t.Errorf("Expected reclaimed id 1 after rebuild, got %d", id)
	}
}

func TestNeoStore_RefusesForeignStoreID(t *testing.T) {
	dir := t.TempDir()
	ns := openTestStore(t, dir)
	ns.Close()

	// Replace one store file with a file from a different store.
	other := t.TempDir()
	ns2 := openTestStore(t, other)
	ns2.Close()

	src, err := os.ReadFile(filepath.Join(other, NodeFile))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, NodeFile), src, 0644); err != nil {
		t.Fatal(err)
	}

	_, err = Open(dir, Options{})
	if err == nil {
		t.Fatal("Expected store id mismatch, got nil")
	}
}

func TestNeoStore_LastCommittedTxMetadata(t *testing.T) {
	dir := t.TempDir()
	ns := openTestStore(t, dir)

	if err := ns.SetLastCommittedTx(42, 3); err != nil {
		t.Fatal(err)
	}
	ns.Close()

	ns2 := openTestStore(t, dir)
	defer ns2.Close()

	txID, epoch, err := ns2.LastCommittedTx()
	if err != nil {
		t.Fatal(err)
	}
	if txID != 42 || epoch != 3 {
		t.Errorf("Expected (42, 3), got (%d, %d)", txID, epoch)
	}
}

func TestNeoStore_MissingWithoutCreate(t *testing.T) {
	_, err := Open(t.TempDir(), Options{})
	if err == nil {
		t.Fatal("Expected error opening missing store")
	}
}

func TestDynamicRecord_RoundTrip(t *testing.T) {
	payload := make([]byte, DynamicDataSize)
	for i := range payload {
		payload[i] = byte(i)
	}
	rec := DynamicRecord{InUse: true, Length: uint32(len(payload)), Next: 9, Data: payload}

	got, err := DecodeDynamic(EncodeDynamic(rec))
	if err != nil {
		t.Fatal(err)
	}
	if got.Next != 9 || got.Length != rec.Length || string(got.Data) != string(payload) {
		t.Errorf("Dynamic record corrupted in round trip: %+v", got)
	}
}
