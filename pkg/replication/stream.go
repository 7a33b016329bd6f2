package replication

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"

	"github.com/dmontag/arbordb/pkg/datasource"
)

// Snapshot transfer: a sequence of {relative_path, length, bytes} records
// terminated by an empty path, followed by the logical-log tail produced
// during the copy. File payloads are snappy-compressed.

func encodeSnapshot(w *bytes.Buffer, files []datasource.SnapshotFile, tail []TxStreamEntry) {
	for _, f := range files {
		writeString(w, f.Path)
		compressed := snappy.Encode(nil, f.Data)
		writeUint32(w, uint32(len(f.Data)))
		writeBytes(w, compressed)
	}
	// Terminator: {path = "", length = 0}.
	writeString(w, "")
	writeUint32(w, 0)
	encodeTxStream(w, tail)
}

func decodeSnapshot(r io.Reader) ([]datasource.SnapshotFile, []TxStreamEntry, error) {
	var files []datasource.SnapshotFile
	for {
		path, err := readString(r)
		if err != nil {
			return nil, nil, fmt.Errorf("truncated snapshot stream: %w", err)
		}
		rawLen, err := readUint32(r)
		if err != nil {
			return nil, nil, fmt.Errorf("truncated snapshot stream: %w", err)
		}
		if path == "" && rawLen == 0 {
			break
		}
		compressed, err := readByteSlice(r)
		if err != nil {
			return nil, nil, fmt.Errorf("truncated snapshot payload for %s: %w", path, err)
		}
		data, err := snappy.Decode(nil, compressed)
		if err != nil {
			return nil, nil, fmt.Errorf("corrupt snapshot payload for %s: %w", path, err)
		}
		if uint32(len(data)) != rawLen {
			return nil, nil, fmt.Errorf("snapshot payload for %s: expected %d bytes, got %d", path, rawLen, len(data))
		}
		files = append(files, datasource.SnapshotFile{Path: path, Data: data})
	}
	tail, err := decodeTxStream(r)
	if err != nil {
		return nil, nil, err
	}
	return files, tail, nil
}
