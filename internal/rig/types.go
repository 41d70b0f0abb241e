package rig

import "errors"

var (
	ErrInvalidSchema   = errors.New("rig: invalid schema")
	ErrInvalidRigSetup = errors.New("rig: invalid rig setup record")
)

// Role tells which part of a record a block belongs to
type Role int

const (
	RoleInput Role = iota
	RoleTarget
	RoleOutput
)

func (r Role) String() string {
	switch r {
	case RoleInput:
		return "input"
	case RoleTarget:
		return "target"
	case RoleOutput:
		return "output"
	default:
		return "unknown"
	}
}

// DataBlock is a named, fixed-width run of floats in a record
type DataBlock struct {
	Name       string
	FloatCount int32
	Role       Role
}

// Field locates a block inside a flat record
type Field struct {
	Name   string
	Role   Role
	Offset int
	Width  int
}

// Slice returns the floats this field covers in record.
// The caller guarantees record is at least Offset+Width long.
func (f Field) Slice(record []float64) []float64 {
	return record[f.Offset : f.Offset+f.Width]
}
