// Package command defines the redo commands that flow through the logical
// log and the replication stream. A command carries the after-image of one
// record; applying it is an idempotent write keyed by (store kind, record
// id).
package command

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dmontag/arbordb/pkg/store"
)

// Command is one record mutation. Before is retained for diagnostics and
// index rebuilds; redo only needs After.
type Command struct {
	Kind   store.Kind
	ID     uint64
	Before []byte
	After  []byte
}

// Apply writes the after-image into the store. Re-applying a command leaves
// the store unchanged.
func (c Command) Apply(ns *store.NeoStore) error {
	if err := ns.WriteRecord(c.Kind, c.ID, c.After); err != nil {
		return fmt.Errorf("failed to apply %s command for record %d: %w", c.Kind, c.ID, err)
	}
	return nil
}

// Encode serializes the command. Integers are big-endian: command bytes
// travel over the wire unchanged.
func (c Command) Encode() []byte {
	buf := make([]byte, 0, 1+8+4+len(c.Before)+4+len(c.After))
	w := bytes.NewBuffer(buf)
	w.WriteByte(byte(c.Kind))
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], c.ID)
	w.Write(scratch[:])
	binary.BigEndian.PutUint32(scratch[:4], uint32(len(c.Before)))
	w.Write(scratch[:4])
	w.Write(c.Before)
	binary.BigEndian.PutUint32(scratch[:4], uint32(len(c.After)))
	w.Write(scratch[:4])
	w.Write(c.After)
	return w.Bytes()
}

// Decode deserializes one command from r.
func Decode(r io.Reader) (Command, error) {
	var head [13]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return Command{}, err
	}
	c := Command{
		Kind: store.Kind(head[0]),
		ID:   binary.BigEndian.Uint64(head[1:9]),
	}
	beforeLen := binary.BigEndian.Uint32(head[9:13])
	c.Before = make([]byte, beforeLen)
	if _, err := io.ReadFull(r, c.Before); err != nil {
		return Command{}, err
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Command{}, err
	}
	c.After = make([]byte, binary.BigEndian.Uint32(lenBuf[:]))
	if _, err := io.ReadFull(r, c.After); err != nil {
		return Command{}, err
	}
	return c, nil
}

// EncodeList serializes a command list with a leading count.
func EncodeList(cmds []Command) []byte {
	var w bytes.Buffer
	var scratch [4]byte
	binary.BigEndian.PutUint32(scratch[:], uint32(len(cmds)))
	w.Write(scratch[:])
	for _, c := range cmds {
		w.Write(c.Encode())
	}
	return w.Bytes()
}

// DecodeList deserializes a command list written by EncodeList.
func DecodeList(data []byte) ([]Command, error) {
	r := bytes.NewReader(data)
	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, fmt.Errorf("failed to decode command list: %w", err)
	}
	count := binary.BigEndian.Uint32(countBuf[:])
	cmds := make([]Command, 0, count)
	for i := uint32(0); i < count; i++ {
		c, err := Decode(r)
		if err != nil {
			return nil, fmt.Errorf("failed to decode command %d: %w", i, err)
		}
		cmds = append(cmds, c)
	}
	return cmds, nil
}

// ApplyAll applies commands in order.
func ApplyAll(ns *store.NeoStore, cmds []Command) error {
	for _, c := range cmds {
		if err := c.Apply(ns); err != nil {
			return err
		}
	}
	return nil
}
