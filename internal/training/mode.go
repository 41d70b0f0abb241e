package training

// Mode is the lifecycle phase of a session
type Mode int

const (
	ModeTraining Mode = iota
	ModeSolving
)

func (m Mode) String() string {
	switch m {
	case ModeTraining:
		return "training"
	case ModeSolving:
		return "solving"
	default:
		return "unknown"
	}
}

// MarshalText lets modes appear by name in JSON
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}
