package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"lateralguard/internal/model"
)

// Emitter receives decoded events. Returning false stops the stream.
type Emitter func(model.ConnectionEvent) bool

// Decode extracts a connection event from a TCP segment carried over IPv4
// or IPv6. With synOnly set, only connection-opening segments (SYN without
// ACK) are reported.
func Decode(pkt gopacket.Packet, synOnly bool) (model.ConnectionEvent, bool) {
	tcpLayer := pkt.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		return model.ConnectionEvent{}, false
	}
	tcp, ok := tcpLayer.(*layers.TCP)
	if !ok {
		return model.ConnectionEvent{}, false
	}
	if synOnly && !(tcp.SYN && !tcp.ACK) {
		return model.ConnectionEvent{}, false
	}

	var src, dst string
	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		src, dst = ip.SrcIP.String(), ip.DstIP.String()
	case *layers.IPv6:
		src, dst = ip.SrcIP.String(), ip.DstIP.String()
	default:
		return model.ConnectionEvent{}, false
	}

	ts := pkt.Metadata().Timestamp.UTC()
	return model.ConnectionEvent{
		Timestamp:   ts,
		Source:      src,
		Destination: dst,
		Protocol:    "TCP/" + strconv.Itoa(int(tcp.DstPort)),
		Origin:      "capture",
	}, true
}

// Stream decodes packets until the source is exhausted, ctx is done or emit
// returns false. It returns the number of events emitted.
func Stream(ctx context.Context, source *gopacket.PacketSource, synOnly bool, emit Emitter) (int, error) {
	n := 0
	for {
		select {
		case <-ctx.Done():
			return n, ctx.Err()
		default:
		}
		pkt, err := source.NextPacket()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return n, nil
			}
			return n, err
		}
		ev, ok := Decode(pkt, synOnly)
		if !ok {
			continue
		}
		n++
		if !emit(ev) {
			return n, nil
		}
	}
}

// ReplayFile streams a classic pcap file. Packet timestamps are kept, so a
// replay scores exactly like the original traffic.
func ReplayFile(ctx context.Context, path string, synOnly bool, emit Emitter) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open pcap: %w", err)
	}
	defer f.Close()
	r, err := pcapgo.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("read pcap header %s: %w", path, err)
	}
	source := gopacket.NewPacketSource(r, r.LinkType())
	source.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}
	return Stream(ctx, source, synOnly, emit)
}
