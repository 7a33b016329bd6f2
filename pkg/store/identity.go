package store

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Identity is the immutable identity of a physical store, stamped at
// creation. Nodes refuse to join a cluster whose agreed identity differs.
type Identity struct {
	CreationTime int64
	RandomID     uint64
}

// NewIdentity mints a fresh store identity.
func NewIdentity() Identity {
	id := uuid.New()
	return Identity{
		CreationTime: time.Now().UnixMilli(),
		RandomID:     binary.BigEndian.Uint64(id[:8]),
	}
}

// IsZero reports whether the identity is unset.
func (i Identity) IsZero() bool {
	return i.CreationTime == 0 && i.RandomID == 0
}

// Equal reports whether two identities denote the same store.
func (i Identity) Equal(other Identity) bool {
	return i.CreationTime == other.CreationTime && i.RandomID == other.RandomID
}

func (i Identity) String() string {
	return fmt.Sprintf("%x-%x", i.CreationTime, i.RandomID)
}

// EncodeIdentity serializes an identity into 16 bytes.
func EncodeIdentity(i Identity) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:], uint64(i.CreationTime))
	binary.LittleEndian.PutUint64(buf[8:], i.RandomID)
	return buf
}

// DecodeIdentity deserializes an identity from 16 bytes.
func DecodeIdentity(buf []byte) (Identity, error) {
	if len(buf) < 16 {
		return Identity{}, fmt.Errorf("identity: expected 16 bytes, got %d", len(buf))
	}
	return Identity{
		CreationTime: int64(binary.LittleEndian.Uint64(buf[0:])),
		RandomID:     binary.LittleEndian.Uint64(buf[8:]),
	}, nil
}
