// Package wol sends Wake-on-LAN magic packets.
package wol

import (
	"bytes"
	"context"
	"fmt"
	"net"

	"github.com/rs/zerolog"
)

// DefaultBroadcast is the limited broadcast address on the discard port
const DefaultBroadcast = "255.255.255.255:9"

// Waker sends a wake signal to the host identified by mac
type Waker interface {
	Wake(ctx context.Context, mac net.HardwareAddr, target string) error
}

// WakerFunc adapts a function to Waker
type WakerFunc func(ctx context.Context, mac net.HardwareAddr, target string) error

// Wake calls f
func (f WakerFunc) Wake(ctx context.Context, mac net.HardwareAddr, target string) error {
	return f(ctx, mac, target)
}

// ParseMAC parses a 48-bit hardware address such as aa:bb:cc:dd:ee:ff or
// aa-bb-cc-dd-ee-ff.
func ParseMAC(s string) (net.HardwareAddr, error) {
	mac, err := net.ParseMAC(s)
	if err != nil {
		return nil, fmt.Errorf("invalid MAC address %q: %w", s, err)
	}
	if len(mac) != 6 {
		return nil, fmt.Errorf("invalid MAC address %q: need 6 bytes, got %d", s, len(mac))
	}
	return mac, nil
}

// MagicPacket builds the 102-byte payload: six 0xFF bytes followed by the
// MAC repeated sixteen times.
func MagicPacket(mac net.HardwareAddr) []byte {
	var packet bytes.Buffer
	packet.Grow(6 + 16*len(mac))

	for i := 0; i < 6; i++ {
		packet.WriteByte(0xFF)
	}
	for i := 0; i < 16; i++ {
		packet.Write(mac)
	}

	return packet.Bytes()
}

// UDPSender broadcasts magic packets over UDP
type UDPSender struct {
	// Broadcast is the destination host:port for the packet
	Broadcast string
	log       zerolog.Logger
}

// NewUDPSender creates a sender for the given broadcast address; an empty
// address means DefaultBroadcast.
func NewUDPSender(broadcast string, log zerolog.Logger) *UDPSender {
	if broadcast == "" {
		broadcast = DefaultBroadcast
	}
	return &UDPSender{
		Broadcast: broadcast,
		log:       log.With().Str("component", "wol").Logger(),
	}
}

// Wake sends one magic packet for mac. target is only used for logging.
func (s *UDPSender) Wake(ctx context.Context, mac net.HardwareAddr, target string) error {
	if len(mac) != 6 {
		return fmt.Errorf("invalid MAC address length: %d", len(mac))
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", s.Broadcast)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", s.Broadcast, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}

	if _, err := conn.Write(MagicPacket(mac)); err != nil {
		return fmt.Errorf("failed to send magic packet: %w", err)
	}

	s.log.Info().
		Str("mac", mac.String()).
		Str("broadcast", s.Broadcast).
		Str("target", target).
		Msg("Sent magic packet")
	return nil
}
