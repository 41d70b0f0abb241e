package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// ReplayConfig selects what to replay from a capture
type ReplayConfig struct {
	Path  string
	Port  int  // destination port to keep, 0 keeps every UDP datagram
	Paced bool // honor the capture's inter-packet timing
}

// Replay feeds the UDP payloads of a pcap capture through the Transport
// interface. Receive returns io.EOF after the last datagram; replies are
// counted and discarded.
type Replay struct {
	cfg    ReplayConfig
	file   *os.File
	source *gopacket.PacketSource

	lastCapture time.Time
	skipped     atomic.Uint64
	received    atomic.Uint64
	sent        atomic.Uint64
	bytesSent   atomic.Uint64
}

// OpenReplay opens a capture file for replay
func OpenReplay(cfg ReplayConfig) (*Replay, error) {
	f, err := os.Open(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture: %w", err)
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read capture header: %w", err)
	}

	return &Replay{
		cfg:    cfg,
		file:   f,
		source: gopacket.NewPacketSource(r, r.LinkType()),
	}, nil
}

func (r *Replay) Receive(ctx context.Context) (Datagram, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Datagram{}, err
		}

		pkt, err := r.source.NextPacket()
		if errors.Is(err, io.EOF) {
			return Datagram{}, io.EOF
		}
		if err != nil {
			r.skipped.Add(1)
			continue
		}

		udpLayer := pkt.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			r.skipped.Add(1)
			continue
		}
		udp, _ := udpLayer.(*layers.UDP)
		if r.cfg.Port != 0 && int(udp.DstPort) != r.cfg.Port {
			r.skipped.Add(1)
			continue
		}

		captured := pkt.Metadata().Timestamp
		if r.cfg.Paced && !r.lastCapture.IsZero() {
			if wait := captured.Sub(r.lastCapture); wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return Datagram{}, ctx.Err()
				}
			}
		}
		r.lastCapture = captured

		from := &net.UDPAddr{Port: int(udp.SrcPort)}
		if nl := pkt.NetworkLayer(); nl != nil {
			from.IP = net.IP(nl.NetworkFlow().Src().Raw())
		}

		data := make([]byte, len(udp.Payload))
		copy(data, udp.Payload)
		r.received.Add(1)
		return Datagram{Data: data, From: from, Received: captured}, nil
	}
}

func (r *Replay) Send(_ net.Addr, b []byte) error {
	r.sent.Add(1)
	r.bytesSent.Add(uint64(len(b)))
	return nil
}

func (r *Replay) Close() error {
	return r.file.Close()
}

// Skipped counts capture packets that were not replayed
func (r *Replay) Skipped() uint64 { return r.skipped.Load() }

// Stats returns traffic counters
func (r *Replay) Stats() Stats {
	return Stats{
		Received:  r.received.Load(),
		Sent:      r.sent.Load(),
		BytesSent: r.bytesSent.Load(),
	}
}
