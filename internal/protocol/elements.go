package protocol

import "fmt"

// ElementType selects how a payload is reinterpreted
type ElementType int

const (
	ElemFloat32 ElementType = iota
	ElemByte
)

func (e ElementType) String() string {
	switch e {
	case ElemFloat32:
		return "float32"
	case ElemByte:
		return "byte"
	default:
		return "unknown"
	}
}

// Elements is a decoded payload. Exactly one of Floats or Bytes is set,
// according to Type.
type Elements struct {
	Type   ElementType
	Floats []float32
	Bytes  []byte
}

// Len returns the number of decoded elements
func (e Elements) Len() int {
	if e.Type == ElemFloat32 {
		return len(e.Floats)
	}
	return len(e.Bytes)
}

// Decode reinterprets the payload as a sequence of elem values
func (p Packet) Decode(elem ElementType) (Elements, error) {
	switch elem {
	case ElemFloat32:
		return Elements{Type: elem, Floats: p.Floats()}, nil
	case ElemByte:
		return Elements{Type: elem, Bytes: p.Bytes()}, nil
	default:
		return Elements{}, fmt.Errorf("protocol: unsupported element type %d", elem)
	}
}
