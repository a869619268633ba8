package netio

import (
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/icmp"

	"github.com/hervehildenbrand/mptrace/pkg/probe"
)

// DefaultTimeout is the per-probe reply timeout when none is configured.
const DefaultTimeout = 3 * time.Second

// Network is the raw-socket Transport. One raw socket sends the probe
// transport segments (the kernel supplies the IP header; the TTL is set per
// probe), and an ICMP listener receives the replies.
type Network struct {
	proto   probe.Protocol
	target  net.IP
	v6      bool
	conn    *icmp.PacketConn
	fd      socketFD
	localIP net.IP
	timeout time.Duration
	verbose bool
	log     *logrus.Logger
	buf     []byte
}

// Open creates the sockets for probing target with the given transport.
func Open(proto probe.Protocol, target net.IP, log *logrus.Logger) (*Network, error) {
	if log == nil {
		log = logrus.New()
	}

	localIP, err := probeSourceAddress(target)
	if err != nil {
		return nil, fmt.Errorf("cannot determine source address: %w", err)
	}

	conn, err := icmp.ListenPacket(ICMPListenNetwork(target), ListenAddress(target))
	if err != nil {
		if isPermissionError(err) {
			return nil, fmt.Errorf("failed to open ICMP socket: %w (try running with sudo)", err)
		}
		return nil, fmt.Errorf("failed to open ICMP socket: %w", err)
	}

	fd, err := createRawSocket(SocketDomain(target), syscall.SOCK_RAW, transportProtoNum(proto, target))
	if err != nil {
		conn.Close()
		if isPermissionError(err) {
			return nil, fmt.Errorf("failed to open send socket: %w (try running with sudo)", err)
		}
		return nil, fmt.Errorf("failed to open send socket: %w", err)
	}

	return &Network{
		proto:   proto,
		target:  target,
		v6:      IsIPv6(target),
		conn:    conn,
		fd:      fd,
		localIP: localIP,
		timeout: DefaultTimeout,
		log:     log,
		buf:     make([]byte, 1500),
	}, nil
}

// SetTimeout configures the per-probe reply timeout.
func (n *Network) SetTimeout(d time.Duration) {
	if d > 0 {
		n.timeout = d
	}
}

// Timeout returns the per-probe reply timeout.
func (n *Network) Timeout() time.Duration { return n.timeout }

// SetVerbose enables debug diagnostics on the shared logger.
func (n *Network) SetVerbose(v bool) {
	n.verbose = v
	if v {
		n.log.SetLevel(logrus.DebugLevel)
	}
}

// LocalIP returns the source address probes leave from.
func (n *Network) LocalIP() net.IP { return n.localIP }

// Send serialises the probe and transmits it with its TTL applied to the
// socket. The probe's source address is filled in from the local address so
// its invariant tuple matches the image routers quote back.
func (n *Network) Send(p *probe.Probe) error {
	if p.SrcIP() == nil {
		if err := p.SetField(probe.FieldSrcIP, n.localIP); err != nil {
			return &SendError{Kind: SendTransient, Err: err}
		}
	}

	if err := setSocketTTL(n.fd, protocolLevel(n.target), ttlSocketOption(n.target), p.TTL()); err != nil {
		return &SendError{Kind: classifySendError(err), Err: fmt.Errorf("set ttl: %w", err)}
	}

	seg, err := p.Serialize()
	if err != nil {
		return &SendError{Kind: SendTransient, Err: err}
	}

	sa := buildSockaddr(p.DstIP(), p.DstPort())
	if err := sendToSocket(n.fd, seg, 0, sa); err != nil {
		kind := classifySendError(err)
		if n.verbose {
			n.log.WithFields(logrus.Fields{
				"tag":  p.Tag,
				"ttl":  p.TTL(),
				"kind": kind.String(),
			}).Debug("probe send failed")
		}
		return &SendError{Kind: kind, Err: err}
	}

	p.SentAt = time.Now()
	if n.verbose {
		n.log.WithFields(logrus.Fields{
			"tag":  p.Tag,
			"ttl":  p.TTL(),
			"flow": p.FlowID,
			"size": p.Size(),
		}).Debug("probe sent")
	}
	return nil
}

// Recv blocks until an ICMP message arrives or the deadline passes.
func (n *Network) Recv(deadline time.Time) (*RawReply, error) {
	if deadline.IsZero() {
		deadline = time.Now().Add(24 * time.Hour)
	}
	if err := n.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	nr, peer, err := n.conn.ReadFrom(n.buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, ErrRecvTimeout
		}
		return nil, err
	}

	reply := &RawReply{
		Data:       append([]byte(nil), n.buf[:nr]...),
		ReceivedAt: time.Now(),
	}
	if addr, ok := peer.(*net.IPAddr); ok {
		reply.Peer = addr.IP
	}
	return reply, nil
}

// Close releases both sockets.
func (n *Network) Close() error {
	err := n.conn.Close()
	if cerr := closeSocket(n.fd); err == nil {
		err = cerr
	}
	return err
}

// probeSourceAddress discovers the local address the kernel would route
// towards target, without sending anything.
func probeSourceAddress(target net.IP) (net.IP, error) {
	c, err := net.Dial("udp", net.JoinHostPort(target.String(), "33434"))
	if err != nil {
		return nil, err
	}
	defer c.Close()
	return c.LocalAddr().(*net.UDPAddr).IP, nil
}
