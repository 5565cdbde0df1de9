package channel

import (
	"log/slog"
	"net"
	"sync"

	"golang.org/x/net/ipv4"

	"github.com/aeronmesh/mediadriver/internal/bufpool"
	"github.com/aeronmesh/mediadriver/internal/driver/driverrors"
	"github.com/aeronmesh/mediadriver/internal/driver/protocol"
	"github.com/aeronmesh/mediadriver/internal/logger"
)

// SendChannelEndpoint owns the bound datagram socket a publication transmits
// DATA, SETUP, and heartbeat frames through, and on which it receives NAK
// and SM feedback back from receivers (the same socket is bidirectional,
// per spec §4.4). One endpoint is shared by every publication on the same
// canonical channel.
type SendChannelEndpoint struct {
	uri  *URI
	conn *net.UDPConn
	pc   *ipv4.PacketConn
	dest *net.UDPAddr
	log  *slog.Logger

	mu       sync.Mutex
	refCount int
	closeCh  chan struct{}
}

// NewSendChannelEndpoint binds an unconnected UDP socket for uri (on
// uri.LocalIP:LocalPort when a local endpoint is given); frames are sent to
// the remote endpoint with WriteToUDP. For a multicast channel it sets the
// outbound TTL and, when uri.LocalIP is set, the outbound multicast
// interface selected by SelectInterface (longest subnet-prefix match
// against uri.LocalIP/SubnetPrefix). The send endpoint does not join the
// multicast group.
func NewSendChannelEndpoint(uri *URI) (*SendChannelEndpoint, error) {
	dest := &net.UDPAddr{IP: uri.RemoteIP, Port: uri.RemotePort}

	var localAddr *net.UDPAddr
	if uri.LocalIP != nil {
		localAddr = &net.UDPAddr{IP: uri.LocalIP, Port: uri.LocalPort}
	}

	conn, err := net.ListenUDP("udp4", localAddr)
	if err != nil {
		return nil, driverrors.NewInvalidChannel("channel.newSendEndpoint", 0, err)
	}

	e := &SendChannelEndpoint{
		uri:     uri,
		conn:    conn,
		dest:    dest,
		log:     logger.WithChannel(logger.Logger(), uri.Canonical()),
		closeCh: make(chan struct{}),
	}

	if uri.Multicast {
		e.pc = ipv4.NewPacketConn(conn)
		ttl := uri.TTL
		if ttl <= 0 {
			ttl = 1
		}
		if err := e.pc.SetMulticastTTL(ttl); err != nil {
			e.log.Warn("failed to set multicast TTL", "ttl", ttl, "err", err)
		}
		if uri.LocalIP != nil {
			ifaces, err := net.Interfaces()
			if err == nil {
				ifc, err := SelectInterface(ifaces, uri.LocalIP, uri.SubnetPrefix)
				if err == nil {
					if err := e.pc.SetMulticastInterface(&ifc); err != nil {
						e.log.Warn("failed to bind multicast interface", "interface", ifc.Name, "err", err)
					}
				}
			}
		}
	}

	return e, nil
}

// Send transmits buf (a frame, or several frames aligned back to back) to
// the channel's destination with WriteToUDP. When the kernel send buffer is
// full the call waits until the socket is writable instead of returning
// early; a write error is returned wrapped as a GenericError, which the
// sender logs.
func (e *SendChannelEndpoint) Send(buf []byte) (int, error) {
	n, err := e.conn.WriteToUDP(buf, e.dest)
	if err != nil {
		return n, driverrors.NewGenericError("channel.send", 0, err)
	}
	return n, nil
}

// PollFeedbackLoop reads datagrams (NAK/SM frames from receivers) until
// Close is called, validating and dispatching each to handler. Intended to
// run on the Sender agent's own goroutine, one per send endpoint.
func (e *SendChannelEndpoint) PollFeedbackLoop(handler FrameHandler) {
	scratch := bufpool.Get(65536)
	defer bufpool.Put(scratch)
	for {
		select {
		case <-e.closeCh:
			return
		default:
		}
		n, remote, err := e.conn.ReadFromUDP(scratch)
		if err != nil {
			select {
			case <-e.closeCh:
				return
			default:
				e.log.Warn("feedback read error", "err", err)
				continue
			}
		}
		frameType, _, err := protocol.ValidateFrame(scratch[:n])
		if err != nil {
			e.log.Debug("dropping malformed feedback frame", "err", err, "remote", remote)
			continue
		}
		handler.OnFrame(frameType, scratch[:n], remote)
	}
}

// Canonical returns the channel's canonical map-key form.
func (e *SendChannelEndpoint) Canonical() string { return e.uri.Canonical() }

// IncRef/DecRef implement the reference counting that lets multiple
// publications on the same canonical channel share one bound socket; the
// endpoint closes once the last referencing publication releases it.
func (e *SendChannelEndpoint) IncRef() {
	e.mu.Lock()
	e.refCount++
	e.mu.Unlock()
}

// DecRef releases a reference and closes the underlying socket once the
// count reaches zero, returning true if this call closed it.
func (e *SendChannelEndpoint) DecRef() (bool, error) {
	e.mu.Lock()
	e.refCount--
	closeNow := e.refCount <= 0
	e.mu.Unlock()
	if !closeNow {
		return false, nil
	}
	return true, e.Close()
}

func (e *SendChannelEndpoint) Close() error {
	select {
	case <-e.closeCh:
	default:
		close(e.closeCh)
	}
	if e.pc != nil {
		_ = e.pc.Close()
	}
	return e.conn.Close()
}
