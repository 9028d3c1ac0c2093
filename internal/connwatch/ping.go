package connwatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/nugget/termkeep/internal/shellexec"
)

// Pinger checks internet reachability. Return nil if reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to [Pinger].
type PingFunc func(ctx context.Context) error

// Ping implements [Pinger].
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// CommandPinger shells out to ping for one echo with a bounded wait.
// It works without any socket privileges, which is the common case on
// an unrooted device.
type CommandPinger struct {
	Runner shellexec.Runner
	Target string
	// WaitSec is ping's per-reply wait (default: 2).
	WaitSec int
}

// Ping implements [Pinger].
func (p *CommandPinger) Ping(ctx context.Context) error {
	wait := p.WaitSec
	if wait <= 0 {
		wait = 2
	}
	_, err := p.Runner.Run(ctx, "ping", "-c", "1", "-W", strconv.Itoa(wait), p.Target)
	if err != nil {
		return fmt.Errorf("ping %s: %w", p.Target, err)
	}
	return nil
}

// icmpProtocol is the IANA protocol number for ICMP over IPv4.
const icmpProtocol = 1

// ICMPPinger sends one ICMP echo from an unprivileged datagram socket
// ("udp4"). The kernel must allow it via net.ipv4.ping_group_range.
type ICMPPinger struct {
	Target string
	// Timeout bounds the round trip when ctx has no earlier deadline
	// (default: 2s).
	Timeout time.Duration

	seq atomic.Uint32
}

// Ping implements [Pinger].
func (p *ICMPPinger) Ping(ctx context.Context) error {
	ip, err := p.resolve(ctx)
	if err != nil {
		return err
	}

	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err != nil {
		return fmt.Errorf("icmp listen: %w", err)
	}
	defer conn.Close()

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("icmp deadline: %w", err)
	}

	seq := int(p.seq.Add(1) & 0xffff)
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   os.Getpid() & 0xffff,
			Seq:  seq,
			Data: []byte("termkeep"),
		},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return fmt.Errorf("icmp marshal: %w", err)
	}
	if _, err := conn.WriteTo(wb, &net.UDPAddr{IP: ip}); err != nil {
		return fmt.Errorf("icmp send to %s: %w", ip, err)
	}

	rb := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(rb)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return fmt.Errorf("icmp echo to %s: no reply before deadline", ip)
			}
			return fmt.Errorf("icmp read: %w", err)
		}
		reply, err := icmp.ParseMessage(icmpProtocol, rb[:n])
		if err != nil {
			continue
		}
		// Unprivileged sockets rewrite the echo ID, so only the type and
		// sequence are meaningful here.
		if reply.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		if echo, ok := reply.Body.(*icmp.Echo); ok && echo.Seq != seq {
			continue
		}
		return nil
	}
}

func (p *ICMPPinger) resolve(ctx context.Context) (net.IP, error) {
	if ip := net.ParseIP(p.Target); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
		return nil, fmt.Errorf("icmp target %s is not IPv4", p.Target)
	}
	addrs, err := net.DefaultResolver.LookupIP(ctx, "ip4", p.Target)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", p.Target, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve %s: no IPv4 address", p.Target)
	}
	return addrs[0], nil
}
