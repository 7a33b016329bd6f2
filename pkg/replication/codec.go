package replication

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dmontag/arbordb/pkg/txlog"
)

// Binary wire helpers. Everything is big-endian.

func writeUint8(w *bytes.Buffer, v uint8)  { w.WriteByte(v) }
func writeUint32(w *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.Write(b[:])
}
func writeUint64(w *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.Write(b[:])
}
func writeString(w *bytes.Buffer, s string) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(len(s)))
	w.Write(b[:])
	w.WriteString(s)
}
func writeBytes(w *bytes.Buffer, p []byte) {
	writeUint32(w, uint32(len(p)))
	w.Write(p)
}
func writeBool(w *bytes.Buffer, v bool) {
	if v {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
}

func readUint8(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}
func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}
func readString(r io.Reader) (string, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return "", err
	}
	buf := make([]byte, binary.BigEndian.Uint16(b[:]))
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
func readByteSlice(r io.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
func readBool(r io.Reader) (bool, error) {
	v, err := readUint8(r)
	return v != 0, err
}

// encodeContext serializes a follower context.
func encodeContext(w *bytes.Buffer, c FollowerContext) {
	writeUint32(w, uint32(c.FollowerID))
	writeUint64(w, c.EventID)
	writeUint32(w, uint32(len(c.Resources)))
	for _, r := range c.Resources {
		writeString(w, r.Resource)
		writeUint64(w, r.LastTxID)
		writeUint64(w, r.LastEpoch)
	}
}

func decodeContext(r io.Reader) (FollowerContext, error) {
	var c FollowerContext
	id, err := readUint32(r)
	if err != nil {
		return c, err
	}
	c.FollowerID = int(id)
	if c.EventID, err = readUint64(r); err != nil {
		return c, err
	}
	n, err := readUint32(r)
	if err != nil {
		return c, err
	}
	for i := uint32(0); i < n; i++ {
		var rs ResourceState
		if rs.Resource, err = readString(r); err != nil {
			return c, err
		}
		if rs.LastTxID, err = readUint64(r); err != nil {
			return c, err
		}
		if rs.LastEpoch, err = readUint64(r); err != nil {
			return c, err
		}
		c.Resources = append(c.Resources, rs)
	}
	return c, nil
}

// TxStreamEntry is one committed transaction of one resource inside an
// apply stream.
type TxStreamEntry struct {
	Resource string
	Tx       txlog.CommittedTx
}

// encodeTxStream serializes the transactions_to_apply section.
func encodeTxStream(w *bytes.Buffer, entries []TxStreamEntry) {
	writeUint32(w, uint32(len(entries)))
	for _, e := range entries {
		writeString(w, e.Resource)
		writeUint64(w, e.Tx.TxID)
		writeUint64(w, e.Tx.Epoch)
		writeUint32(w, uint32(len(e.Tx.Commands)))
		for _, c := range e.Tx.Commands {
			writeBytes(w, c)
		}
	}
}

func decodeTxStream(r io.Reader) ([]TxStreamEntry, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	entries := make([]TxStreamEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		var e TxStreamEntry
		if e.Resource, err = readString(r); err != nil {
			return nil, err
		}
		if e.Tx.TxID, err = readUint64(r); err != nil {
			return nil, err
		}
		if e.Tx.Epoch, err = readUint64(r); err != nil {
			return nil, err
		}
		cn, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		for j := uint32(0); j < cn; j++ {
			c, err := readByteSlice(r)
			if err != nil {
				return nil, err
			}
			e.Tx.Commands = append(e.Tx.Commands, c)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// request is the decoded form of one RPC request.
type request struct {
	Op      Opcode
	Context FollowerContext
	Args    []byte
}

func encodeRequest(op Opcode, ctx FollowerContext, args []byte) []byte {
	var w bytes.Buffer
	writeUint8(&w, uint8(op))
	encodeContext(&w, ctx)
	w.Write(args)
	return w.Bytes()
}

func decodeRequest(data []byte) (request, *bytes.Reader, error) {
	r := bytes.NewReader(data)
	op, err := readUint8(r)
	if err != nil {
		return request{}, nil, fmt.Errorf("truncated request: %w", err)
	}
	ctx, err := decodeContext(r)
	if err != nil {
		return request{}, nil, fmt.Errorf("bad follower context: %w", err)
	}
	return request{Op: Opcode(op), Context: ctx}, r, nil
}

// response frames {status, transactions_to_apply, result}.
func encodeResponse(status Status, stream []TxStreamEntry, result []byte) []byte {
	var w bytes.Buffer
	writeUint8(&w, uint8(status))
	encodeTxStream(&w, stream)
	w.Write(result)
	return w.Bytes()
}

func encodeErrorResponse(status Status, detail string) []byte {
	var w bytes.Buffer
	writeUint8(&w, uint8(status))
	encodeTxStream(&w, nil)
	writeString(&w, detail)
	return w.Bytes()
}

func decodeResponse(data []byte) (Status, []TxStreamEntry, *bytes.Reader, error) {
	r := bytes.NewReader(data)
	status, err := readUint8(r)
	if err != nil {
		return StatusError, nil, nil, fmt.Errorf("truncated response: %w", err)
	}
	stream, err := decodeTxStream(r)
	if err != nil {
		return StatusError, nil, nil, fmt.Errorf("bad apply stream: %w", err)
	}
	return Status(status), stream, r, nil
}
