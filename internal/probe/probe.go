// Package probe answers one question: does a host respond within a given
// time? Two strategies are provided, ICMP echo and TCP connect.
package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Prober reports whether address is reachable within timeout
type Prober interface {
	Probe(ctx context.Context, address string, timeout time.Duration) bool
}

// Checker is implemented by probers that need a local resource, such as a
// socket permission, before they can work. Check reports why they cannot.
type Checker interface {
	Check() error
}

// Func adapts a function to Prober
type Func func(ctx context.Context, address string, timeout time.Duration) bool

// Probe calls f
func (f Func) Probe(ctx context.Context, address string, timeout time.Duration) bool {
	return f(ctx, address, timeout)
}

const (
	KindICMP = "icmp"
	KindTCP  = "tcp"
)

// New returns a prober of the named kind. privileged only applies to ICMP.
func New(kind string, privileged bool, log zerolog.Logger) (Prober, error) {
	switch kind {
	case KindICMP, "":
		return NewICMPProber(privileged, log), nil
	case KindTCP:
		return &TCPProber{}, nil
	default:
		return nil, fmt.Errorf("unknown probe kind: %s", kind)
	}
}

// TCPProber treats a completed TCP handshake with address as reachable
type TCPProber struct{}

// Probe dials address and closes the connection immediately
func (p *TCPProber) Probe(ctx context.Context, address string, timeout time.Duration) bool {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// ICMPProber sends a single echo request and waits for the matching reply.
// Unprivileged mode uses datagram ICMP sockets (Linux needs
// net.ipv4.ping_group_range to include our group); privileged mode uses raw
// sockets.
type ICMPProber struct {
	Privileged bool

	id     int
	seq    atomic.Uint32
	log    zerolog.Logger
	listen func(network, address string) (*icmp.PacketConn, error)
}

// NewICMPProber creates an ICMP prober
func NewICMPProber(privileged bool, log zerolog.Logger) *ICMPProber {
	return &ICMPProber{
		Privileged: privileged,
		id:         os.Getpid() & 0xffff,
		log:        log.With().Str("component", "probe").Logger(),
	}
}

var echoPayload = []byte("wakeproxy probe")

// Probe pings the host part of address. A missing reply is the expected
// answer for a sleeping host; any other failure is logged.
func (p *ICMPProber) Probe(ctx context.Context, address string, timeout time.Duration) bool {
	err := p.Ping(ctx, address, timeout)
	if err != nil && !isTimeout(err) {
		p.log.Debug().Err(err).Str("address", address).Msg("ICMP probe failed")
	}
	return err == nil
}

// Check opens and closes one IPv4 ICMP socket of the configured kind
func (p *ICMPProber) Check() error {
	network := "udp4"
	if p.Privileged {
		network = "ip4:icmp"
	}
	conn, err := p.listenPacket(network, "0.0.0.0")
	if err != nil {
		return fmt.Errorf("failed to create ICMP socket: %w", err)
	}
	return conn.Close()
}

func (p *ICMPProber) listenPacket(network, address string) (*icmp.PacketConn, error) {
	if p.listen == nil {
		return icmp.ListenPacket(network, address)
	}
	return p.listen(network, address)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Ping sends one echo request to the host part of address and returns nil
// once the matching reply arrives.
func (p *ICMPProber) Ping(ctx context.Context, address string, timeout time.Duration) error {
	host := address
	if h, _, err := net.SplitHostPort(address); err == nil {
		host = h
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(ips) == 0 {
		return fmt.Errorf("resolve %s: no addresses", host)
	}
	ip := ips[0]

	network, listen, proto := "udp6", "::", 58
	var echoType, replyType icmp.Type = ipv6.ICMPTypeEchoRequest, ipv6.ICMPTypeEchoReply
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
		network, listen, proto = "udp4", "0.0.0.0", 1
		echoType, replyType = ipv4.ICMPTypeEcho, ipv4.ICMPTypeEchoReply
	}
	if p.Privileged {
		if proto == 1 {
			network = "ip4:icmp"
		} else {
			network = "ip6:ipv6-icmp"
		}
	}

	conn, err := p.listenPacket(network, listen)
	if err != nil {
		return fmt.Errorf("failed to create ICMP socket: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set deadline: %w", err)
	}

	seq := int(p.seq.Add(1) & 0xffff)
	request := icmp.Message{
		Type: echoType,
		Code: 0,
		Body: &icmp.Echo{ID: p.id, Seq: seq, Data: echoPayload},
	}
	wire, err := request.Marshal(nil)
	if err != nil {
		return fmt.Errorf("failed to marshal ICMP message: %w", err)
	}

	var dst net.Addr = &net.UDPAddr{IP: ip}
	if p.Privileged {
		dst = &net.IPAddr{IP: ip}
	}
	if _, err := conn.WriteTo(wire, dst); err != nil {
		return fmt.Errorf("failed to write ICMP packet: %w", err)
	}

	buf := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			return fmt.Errorf("failed to read ICMP reply: %w", err)
		}
		if !sameIP(peer, ip) {
			continue
		}

		reply, err := icmp.ParseMessage(proto, buf[:n])
		if err != nil || reply.Type != replyType {
			continue
		}
		echo, ok := reply.Body.(*icmp.Echo)
		if !ok {
			continue
		}
		// the kernel rewrites the ID for datagram sockets, so match on seq and payload
		if echo.Seq == seq && bytes.Equal(echo.Data, echoPayload) {
			return nil
		}
	}
}

func sameIP(addr net.Addr, ip net.IP) bool {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP.Equal(ip)
	case *net.IPAddr:
		return a.IP.Equal(ip)
	default:
		return false
	}
}
