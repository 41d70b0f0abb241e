// Package telemetry fans out rig session events to observers (journal,
// MQTT, websocket clients) without ever blocking the packet loop.
package telemetry

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrBusClosed          = errors.New("telemetry: bus is closed")
	ErrSubscriberExists   = errors.New("telemetry: subscriber already exists")
	ErrSubscriberNotFound = errors.New("telemetry: subscriber not found")
	ErrNilChannel         = errors.New("telemetry: nil channel provided")
	ErrReceiverClosed     = errors.New("telemetry: receiver is closed")
)

// EventType names what happened on the packet loop
type EventType string

const (
	EventRigSetup  EventType = "rig_setup"
	EventTrainStep EventType = "train_step"
	EventConverged EventType = "converged"
	EventSolve     EventType = "solve"
	EventMalformed EventType = "malformed"
	EventPing      EventType = "ping"
)

// LimbSample is the forward kinematics state of one leg at a step
type LimbSample struct {
	Name    string     `json:"name"`
	Foot    [3]float64 `json:"foot"`
	Target  [3]float64 `json:"target"`
	Contact float64    `json:"contact"`
	Error   float64    `json:"error"`
}

// Event is a single observation published by the engine
type Event struct {
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"time"`
	Session string    `json:"session"`
	Type    EventType `json:"type"`
	Mode    string    `json:"mode"`

	Step           uint64  `json:"step,omitempty"`
	Records        int     `json:"records,omitempty"`
	Loss           float64 `json:"loss,omitempty"`
	Position       float64 `json:"position,omitempty"`
	Regularization float64 `json:"regularization,omitempty"`
	Bones          int     `json:"bones,omitempty"`
	Detail         string  `json:"detail,omitempty"`

	Limbs []LimbSample `json:"limbs,omitempty"`
}

// JSON encodes the event for the wire
func (e Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// DropPolicy defines how the bus handles events when a subscriber cannot keep up
type DropPolicy int

const (
	DropNew DropPolicy = iota
	DropOld
)

// Receiver gives single-slot access to the latest event
type Receiver interface {
	// Receive blocks until an event newer than the last one returned is
	// available. ok is false once the receiver is closed.
	Receive() (Event, bool)
	TryReceive() (Event, bool)
	Close()
}

// SubscriberStats tracks event distribution per subscriber
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

// Stats is a snapshot of the whole bus
type Stats struct {
	Published   uint64
	Subscribers map[string]SubscriberStats
}

// Bus distributes events to multiple subscribers
type Bus interface {
	Subscribe(id string, ch chan<- Event) error
	SubscribeLatest(id string) (Receiver, error)
	Publish(ev Event)
	Unsubscribe(id string) error
	Stats() Stats
	SubscriberStats(id string) (SubscriberStats, error)
	Close()
}
