// Package transport moves datagrams between the session loop and the
// outside world.
package transport

import (
	"context"
	"errors"
	"net"
	"time"
)

var (
	// ErrNoData means nothing arrived this tick. Callers poll again.
	ErrNoData = errors.New("transport: no data")
	ErrClosed = errors.New("transport: closed")
)

// Datagram is one received message and its sender
type Datagram struct {
	Data     []byte
	From     net.Addr
	Received time.Time
}

// Transport is a datagram source and sink
type Transport interface {
	// Receive blocks until a datagram arrives, the poll interval elapses
	// (ErrNoData) or ctx is done.
	Receive(ctx context.Context) (Datagram, error)
	Send(to net.Addr, b []byte) error
	Close() error
}

// Stats counts transport traffic
type Stats struct {
	Received      uint64 `json:"received"`
	Sent          uint64 `json:"sent"`
	BytesReceived uint64 `json:"bytes_received"`
	BytesSent     uint64 `json:"bytes_sent"`
}
