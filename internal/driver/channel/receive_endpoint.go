package channel

import (
	"log/slog"
	"net"

	"golang.org/x/net/ipv4"

	"github.com/aeronmesh/mediadriver/internal/bufpool"
	"github.com/aeronmesh/mediadriver/internal/driver/driverrors"
	"github.com/aeronmesh/mediadriver/internal/driver/protocol"
	"github.com/aeronmesh/mediadriver/internal/logger"
)

// FrameHandler receives a classified, validated frame read off a channel's
// socket. frameType is one of the protocol.Type* constants. remote is the
// datagram's source address, needed by the receiver side to target SM/NAK
// replies and by the sender side to identify which receiver a NAK came from.
type FrameHandler interface {
	OnFrame(frameType uint16, buf []byte, remote *net.UDPAddr)
}

// ReceiveChannelEndpoint owns the bound datagram socket a subscription's
// images (and a publication's NAK/SM feedback) are read from. It performs
// no buffering beyond one read-sized scratch buffer: every received frame
// is validated and handed to the registered FrameHandler before the next
// read, matching spec §4.5's "receive is dispatch, not storage".
type ReceiveChannelEndpoint struct {
	uri     *URI
	conn    *net.UDPConn
	pc      *ipv4.PacketConn
	handler FrameHandler
	log     *slog.Logger

	closeCh chan struct{}
}

// NewReceiveChannelEndpoint binds a UDP socket for uri and, for a multicast
// channel, joins the group on the interface selected by SelectInterface.
func NewReceiveChannelEndpoint(uri *URI, handler FrameHandler) (*ReceiveChannelEndpoint, error) {
	bindPort := uri.RemotePort
	if uri.Multicast {
		bindPort = uri.RemotePort
	}
	localAddr := &net.UDPAddr{Port: bindPort}
	conn, err := net.ListenUDP("udp4", localAddr)
	if err != nil {
		return nil, driverrors.NewInvalidChannel("channel.newReceiveEndpoint", 0, err)
	}

	e := &ReceiveChannelEndpoint{
		uri:     uri,
		conn:    conn,
		handler: handler,
		log:     logger.WithChannel(logger.Logger(), uri.Canonical()),
		closeCh: make(chan struct{}),
	}

	if uri.Multicast {
		e.pc = ipv4.NewPacketConn(conn)
		ifaces, err := net.Interfaces()
		if err != nil {
			return nil, driverrors.NewInvalidChannel("channel.newReceiveEndpoint", 0, err)
		}
		hint := uri.LocalIP
		prefix := uri.SubnetPrefix
		if hint == nil {
			prefix = -1
		}
		ifc, err := SelectInterface(ifaces, hint, prefix)
		if err != nil {
			return nil, err
		}
		if err := e.pc.JoinGroup(&ifc, &net.UDPAddr{IP: uri.RemoteIP}); err != nil {
			return nil, driverrors.NewInvalidChannel("channel.newReceiveEndpoint", 0, err)
		}
		e.log.Info("joined multicast group", "interface", ifc.Name)
	}

	return e, nil
}

// PollLoop reads datagrams until Close is called, validating and
// dispatching each to the handler. It is intended to be run from the
// receiver agent's duty-cycle goroutine, one endpoint per goroutine.
func (e *ReceiveChannelEndpoint) PollLoop() {
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
				e.log.Warn("read error", "err", err)
				continue
			}
		}
		e.dispatch(scratch[:n], remote)
	}
}

func (e *ReceiveChannelEndpoint) dispatch(buf []byte, remote *net.UDPAddr) {
	frameType, _, err := protocol.ValidateFrame(buf)
	if err != nil {
		e.log.Debug("dropping malformed frame", "err", err, "remote", remote)
		return
	}
	e.handler.OnFrame(frameType, buf, remote)
}

// SendTo transmits buf (an SM or NAK reply) back to dest on the same bound
// socket the endpoint receives on, per spec §4.8's "feedback is sent from
// the receiving socket back to the source".
func (e *ReceiveChannelEndpoint) SendTo(buf []byte, dest *net.UDPAddr) (int, error) {
	n, err := e.conn.WriteToUDP(buf, dest)
	if err != nil {
		return n, driverrors.NewGenericError("channel.receiveEndpoint.sendTo", 0, err)
	}
	return n, nil
}

// Canonical returns the channel's canonical map-key form.
func (e *ReceiveChannelEndpoint) Canonical() string { return e.uri.Canonical() }

func (e *ReceiveChannelEndpoint) Close() error {
	close(e.closeCh)
	if e.pc != nil {
		_ = e.pc.Close()
	}
	return e.conn.Close()
}
