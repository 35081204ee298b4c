package wol

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseMAC(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"colon separated", "aa:bb:cc:dd:ee:ff", "aa:bb:cc:dd:ee:ff", false},
		{"dash separated", "AA-BB-CC-DD-EE-01", "aa:bb:cc:dd:ee:01", false},
		{"dot separated", "aabb.ccdd.ee02", "aa:bb:cc:dd:ee:02", false},
		{"too short", "aa:bb:cc", "", true},
		{"EUI-64 rejected", "aa:bb:cc:dd:ee:ff:00:11", "", true},
		{"garbage", "not-a-mac", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mac, err := ParseMAC(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMAC(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && mac.String() != tt.want {
				t.Errorf("ParseMAC(%q) = %s, want %s", tt.input, mac, tt.want)
			}
		})
	}
}

func TestMagicPacket(t *testing.T) {
	mac, _ := ParseMAC("01:23:45:67:89:ab")
	packet := MagicPacket(mac)

	if len(packet) != 102 {
		t.Fatalf("len(packet) = %d, want 102", len(packet))
	}
	if !bytes.Equal(packet[:6], []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}) {
		t.Errorf("header = %x, want ffffffffffff", packet[:6])
	}
	for i := 0; i < 16; i++ {
		chunk := packet[6+i*6 : 12+i*6]
		if !bytes.Equal(chunk, mac) {
			t.Errorf("repetition %d = %x, want %x", i, chunk, []byte(mac))
		}
	}
}

func TestUDPSenderWake(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer pc.Close()

	sender := NewUDPSender(pc.LocalAddr().String(), zerolog.Nop())
	mac, _ := ParseMAC("de:ad:be:ef:00:01")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := sender.Wake(ctx, mac, "10.0.0.5:22"); err != nil {
		t.Fatalf("Wake() error = %v", err)
	}

	buf := make([]byte, 256)
	_ = pc.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := pc.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(buf[:n], MagicPacket(mac)) {
		t.Errorf("received %x, want magic packet", buf[:n])
	}
}

func TestUDPSenderRejectsBadMAC(t *testing.T) {
	sender := NewUDPSender("", zerolog.Nop())
	if sender.Broadcast != DefaultBroadcast {
		t.Errorf("Broadcast = %s, want %s", sender.Broadcast, DefaultBroadcast)
	}
	if err := sender.Wake(context.Background(), net.HardwareAddr{1, 2, 3}, "x"); err == nil {
		t.Error("expected error for short MAC")
	}
}
