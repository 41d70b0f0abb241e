package rig

import (
	"encoding/binary"
	"fmt"
	"sort"
)

const (
	boneHeaderSize  = 8
	maxBoneNameSize = 256
)

// BoneMap associates skeleton bone indices with their names.
// It is only used for diagnostics.
type BoneMap struct {
	names map[int32]string
}

// NewBoneMap returns an empty map
func NewBoneMap() *BoneMap {
	return &BoneMap{names: make(map[int32]string)}
}

// Name returns the bone name for index
func (m *BoneMap) Name(index int32) (string, bool) {
	name, ok := m.names[index]
	return name, ok
}

// Len returns the number of bones known
func (m *BoneMap) Len() int { return len(m.names) }

// Indices returns the known bone indices in ascending order
func (m *BoneMap) Indices() []int32 {
	out := make([]int32, 0, len(m.names))
	for i := range m.names {
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

// ParseBoneSetup decodes the payload of a rig setup packet.
//
// The payload is a sequence of records: int32 bone index, int32 name length,
// then that many single-byte characters, all little-endian. Parsing stops at
// the first record whose name length is not in (0, 256] or runs past the
// buffer; the bones decoded before it are returned along with
// ErrInvalidRigSetup. A trailing fragment shorter than a record header is
// ignored.
func ParseBoneSetup(payload []byte) (*BoneMap, error) {
	m := NewBoneMap()
	off := 0
	for len(payload)-off >= boneHeaderSize {
		index := int32(binary.LittleEndian.Uint32(payload[off:]))
		nameLen := int32(binary.LittleEndian.Uint32(payload[off+4:]))
		off += boneHeaderSize

		if nameLen <= 0 || nameLen > maxBoneNameSize {
			return m, fmt.Errorf("%w: bone %d has name length %d", ErrInvalidRigSetup, index, nameLen)
		}
		if int(nameLen) > len(payload)-off {
			return m, fmt.Errorf("%w: bone %d name overruns payload (%d > %d)",
				ErrInvalidRigSetup, index, nameLen, len(payload)-off)
		}

		m.names[index] = string(payload[off : off+int(nameLen)])
		off += int(nameLen)
	}
	return m, nil
}

// EncodeBoneSetup is the inverse of ParseBoneSetup. Indices are written in
// ascending order.
func EncodeBoneSetup(m *BoneMap) []byte {
	var out []byte
	for _, i := range m.Indices() {
		name := m.names[i]
		out = binary.LittleEndian.AppendUint32(out, uint32(i))
		out = binary.LittleEndian.AppendUint32(out, uint32(len(name)))
		out = append(out, name...)
	}
	return out
}

// Set records a bone name. Used when building a map by hand.
func (m *BoneMap) Set(index int32, name string) {
	m.names[index] = name
}
