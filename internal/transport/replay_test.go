package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// writeCapture writes one Ethernet/IPv4/UDP frame per payload.
func writeCapture(t *testing.T, dstPorts []int, payloads [][]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.pcap")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer f.Close()

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		t.Fatalf("WriteFileHeader failed: %v", err)
	}

	start := time.Unix(1700000000, 0)
	for i, payload := range payloads {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
			DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IP{10, 0, 0, 7},
			DstIP:    net.IP{10, 0, 0, 1},
		}
		udp := &layers.UDP{SrcPort: 50000, DstPort: layers.UDPPort(dstPorts[i])}
		if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
			t.Fatalf("SetNetworkLayerForChecksum failed: %v", err)
		}

		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
			t.Fatalf("SerializeLayers failed: %v", err)
		}
		data := buf.Bytes()
		ci := gopacket.CaptureInfo{
			Timestamp:     start.Add(time.Duration(i) * time.Millisecond),
			CaptureLength: len(data),
			Length:        len(data),
		}
		if err := w.WritePacket(ci, data); err != nil {
			t.Fatalf("WritePacket failed: %v", err)
		}
	}
	return path
}

// TestReplayFiltersByPort verifies only datagrams for the port are replayed,
// in capture order, followed by io.EOF.
func TestReplayFiltersByPort(t *testing.T) {
	path := writeCapture(t,
		[]int{6003, 9999, 6003},
		[][]byte{{1, 'a', 'b'}, {2, 0, 0, 0, 0}, {2, 1, 1, 1, 1}},
	)

	r, err := OpenReplay(ReplayConfig{Path: path, Port: 6003})
	if err != nil {
		t.Fatalf("OpenReplay failed: %v", err)
	}
	defer r.Close()

	ctx := context.Background()
	first, err := r.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if first.Data[0] != 1 || len(first.Data) != 3 {
		t.Errorf("Unexpected first datagram %v", first.Data)
	}
	if from, ok := first.From.(*net.UDPAddr); !ok || from.Port != 50000 || !from.IP.Equal(net.IP{10, 0, 0, 7}) {
		t.Errorf("Unexpected sender %v", first.From)
	}

	second, err := r.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if second.Data[1] != 1 {
		t.Errorf("Expected the second port-6003 datagram, got %v", second.Data)
	}

	if _, err := r.Receive(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF, got %v", err)
	}
	if r.Skipped() != 1 {
		t.Errorf("Expected 1 skipped packet, got %d", r.Skipped())
	}

	if err := r.Send(first.From, []byte{3, 0, 0, 0, 0}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if s := r.Stats(); s.Received != 2 || s.Sent != 1 {
		t.Errorf("Unexpected stats %+v", s)
	}
}

// TestOpenReplayMissing verifies a missing capture is an error.
func TestOpenReplayMissing(t *testing.T) {
	if _, err := OpenReplay(ReplayConfig{Path: filepath.Join(t.TempDir(), "nope.pcap")}); err == nil {
		t.Error("Expected error for missing file")
	}
}
