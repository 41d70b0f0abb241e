// Package protocol frames NeuraRig datagrams.
//
// Byte 0 of every datagram is the packet kind; the rest is the payload.
// Multi-byte values are little-endian and floats are IEEE-754 float32.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrPing is returned for datagrams too short to carry a kind and payload.
// Callers treat it as a keep-alive.
var ErrPing = errors.New("protocol: ping")

// Kind identifies the packet type
type Kind uint8

const (
	KindRigSetup     Kind = 1
	KindPoseData     Kind = 2
	KindSolverOutput Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindRigSetup:
		return "rig_setup"
	case KindPoseData:
		return "pose_data"
	case KindSolverOutput:
		return "solver_output"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Packet is a decoded datagram
type Packet struct {
	Kind    Kind
	Payload []byte
}

// Decode splits a raw datagram into kind and payload.
// The payload aliases raw.
func Decode(raw []byte) (Packet, error) {
	if len(raw) < 2 {
		return Packet{}, ErrPing
	}
	return Packet{Kind: Kind(raw[0]), Payload: raw[1:]}, nil
}

// Encode prepends the kind byte to payload
func Encode(kind Kind, payload []byte) []byte {
	out := make([]byte, 0, 1+len(payload))
	out = append(out, byte(kind))
	return append(out, payload...)
}

// EncodeFloats writes values as little-endian float32 after the kind byte
func EncodeFloats(kind Kind, values []float32) []byte {
	out := make([]byte, 1, 1+4*len(values))
	out[0] = byte(kind)
	for _, v := range values {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
	}
	return out
}

// EncodeFloat64s narrows values to float32 and encodes them
func EncodeFloat64s(kind Kind, values []float64) []byte {
	out := make([]byte, 1, 1+4*len(values))
	out[0] = byte(kind)
	for _, v := range values {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(float32(v)))
	}
	return out
}

// Floats reinterprets the payload as float32 values. Trailing bytes that do
// not fill a whole float are dropped.
func (p Packet) Floats() []float32 {
	n := len(p.Payload) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(p.Payload[4*i:]))
	}
	return out
}

// Float64s is Floats widened to float64
func (p Packet) Float64s() []float64 {
	n := len(p.Payload) / 4
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(p.Payload[4*i:])))
	}
	return out
}

// Bytes returns a copy of the payload
func (p Packet) Bytes() []byte {
	out := make([]byte, len(p.Payload))
	copy(out, p.Payload)
	return out
}
