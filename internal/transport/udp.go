package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"
)

// UDPConfig configures a UDP listener
type UDPConfig struct {
	Addr        string        // default ":6003"
	BufferBytes int           // receive buffer, default 32 KiB
	ReadTimeout time.Duration // poll interval, default 500ms
}

// UDP is a Transport over a bound UDP socket
type UDP struct {
	conn        *net.UDPConn
	buf         []byte
	readTimeout time.Duration

	received      atomic.Uint64
	sent          atomic.Uint64
	bytesReceived atomic.Uint64
	bytesSent     atomic.Uint64
}

// ListenUDP binds the socket described by cfg
func ListenUDP(cfg UDPConfig) (*UDP, error) {
	if cfg.Addr == "" {
		cfg.Addr = ":6003"
	}
	if cfg.BufferBytes <= 0 {
		cfg.BufferBytes = 32 * 1024
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}

	addr, err := net.ResolveUDPAddr("udp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", cfg.Addr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s: %w", cfg.Addr, err)
	}
	if err := conn.SetReadBuffer(cfg.BufferBytes); err != nil {
		slog.Warn("failed to set udp read buffer", "bytes", cfg.BufferBytes, "error", err)
	}

	slog.Info("udp transport listening",
		"addr", conn.LocalAddr().String(),
		"buffer_bytes", cfg.BufferBytes,
	)

	return &UDP{
		conn:        conn,
		buf:         make([]byte, cfg.BufferBytes),
		readTimeout: cfg.ReadTimeout,
	}, nil
}

func (u *UDP) Receive(ctx context.Context) (Datagram, error) {
	if err := ctx.Err(); err != nil {
		return Datagram{}, err
	}

	deadline := time.Now().Add(u.readTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := u.conn.SetReadDeadline(deadline); err != nil {
		return Datagram{}, fmt.Errorf("failed to set read deadline: %w", err)
	}

	n, from, err := u.conn.ReadFromUDP(u.buf)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return Datagram{}, ErrNoData
		}
		if errors.Is(err, net.ErrClosed) {
			return Datagram{}, ErrClosed
		}
		return Datagram{}, fmt.Errorf("udp read failed: %w", err)
	}

	data := make([]byte, n)
	copy(data, u.buf[:n])
	u.received.Add(1)
	u.bytesReceived.Add(uint64(n))

	return Datagram{Data: data, From: from, Received: time.Now()}, nil
}

func (u *UDP) Send(to net.Addr, b []byte) error {
	n, err := u.conn.WriteTo(b, to)
	if err != nil {
		return fmt.Errorf("udp send to %s failed: %w", to, err)
	}
	u.sent.Add(1)
	u.bytesSent.Add(uint64(n))
	return nil
}

func (u *UDP) Close() error {
	return u.conn.Close()
}

// LocalAddr returns the bound address
func (u *UDP) LocalAddr() net.Addr { return u.conn.LocalAddr() }

// Stats returns traffic counters
func (u *UDP) Stats() Stats {
	return Stats{
		Received:      u.received.Load(),
		Sent:          u.sent.Load(),
		BytesReceived: u.bytesReceived.Load(),
		BytesSent:     u.bytesSent.Load(),
	}
}
