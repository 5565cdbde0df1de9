// Package channel owns everything that touches a UDP socket: parsing and
// canonicalizing channel URIs, selecting the bind interface for multicast,
// and the send/receive channel endpoints themselves.
package channel

import (
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/aeronmesh/mediadriver/internal/driver/driverrors"
)

// URI is a parsed channel URI. Either form from spec §6 — plain
// "udp://[local[:port]@]remote:port[?subnetPrefix=N]" or the query-string
// "aeron:udp?remote=host:port[&local=iface[:port]][&group=mcast:port][&interface=iface/N]"
// form — normalizes into this same struct.
type URI struct {
	LocalIP      net.IP
	LocalPort    int
	RemoteIP     net.IP
	RemotePort   int
	Multicast    bool
	SubnetPrefix int // -1 if unspecified
	TTL          int
}

// Parse parses raw into a URI, validating the multicast low-bit invariant
// from spec §3: a multicast group's last octet must be odd.
func Parse(raw string) (*URI, error) {
	switch {
	case strings.HasPrefix(raw, "udp://"):
		return parsePlainUDP(raw)
	case strings.HasPrefix(raw, "aeron:udp?") || strings.HasPrefix(raw, "aeron:udp:"):
		return parseAeronUDP(raw)
	default:
		return nil, driverrors.NewInvalidChannel("channel.parse", 0, fmt.Errorf("unrecognized scheme in %q", raw))
	}
}

func parsePlainUDP(raw string) (*URI, error) {
	rest := strings.TrimPrefix(raw, "udp://")
	var query string
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		query = rest[i+1:]
		rest = rest[:i]
	}
	var localPart, remotePart string
	if i := strings.IndexByte(rest, '@'); i >= 0 {
		localPart, remotePart = rest[:i], rest[i+1:]
	} else {
		remotePart = rest
	}
	if remotePart == "" {
		return nil, driverrors.NewInvalidChannel("channel.parse", 0, fmt.Errorf("missing remote host:port in %q", raw))
	}
	u := &URI{SubnetPrefix: -1}
	remoteIP, remotePort, err := splitHostPort(remotePart)
	if err != nil {
		return nil, driverrors.NewInvalidChannel("channel.parse", 0, fmt.Errorf("remote endpoint %q: %w", remotePart, err))
	}
	u.RemoteIP, u.RemotePort = remoteIP, remotePort

	if localPart != "" {
		localIP, localPort, err := splitHostPort(localPart)
		if err != nil {
			return nil, driverrors.NewInvalidChannel("channel.parse", 0, fmt.Errorf("local endpoint %q: %w", localPart, err))
		}
		u.LocalIP, u.LocalPort = localIP, localPort
	}

	if query != "" {
		values, err := url.ParseQuery(query)
		if err != nil {
			return nil, driverrors.NewInvalidChannel("channel.parse", 0, fmt.Errorf("query %q: %w", query, err))
		}
		if sp := values.Get("subnetPrefix"); sp != "" {
			n, err := strconv.Atoi(sp)
			if err != nil {
				return nil, driverrors.NewInvalidChannel("channel.parse", 0, fmt.Errorf("subnetPrefix %q: %w", sp, err))
			}
			u.SubnetPrefix = n
		}
	}

	u.Multicast = u.RemoteIP.IsMulticast()
	if u.Multicast {
		if err := validateMulticastLowBit(u.RemoteIP); err != nil {
			return nil, err
		}
	}
	return u, nil
}

func parseAeronUDP(raw string) (*URI, error) {
	i := strings.IndexByte(raw, '?')
	if i < 0 {
		return nil, driverrors.NewInvalidChannel("channel.parse", 0, fmt.Errorf("missing query in %q", raw))
	}
	values, err := url.ParseQuery(raw[i+1:])
	if err != nil {
		return nil, driverrors.NewInvalidChannel("channel.parse", 0, fmt.Errorf("query: %w", err))
	}

	u := &URI{SubnetPrefix: -1}
	if group := values.Get("group"); group != "" {
		ip, port, err := splitHostPort(group)
		if err != nil {
			return nil, driverrors.NewInvalidChannel("channel.parse", 0, fmt.Errorf("group %q: %w", group, err))
		}
		u.RemoteIP, u.RemotePort = ip, port
		u.Multicast = true
		if err := validateMulticastLowBit(u.RemoteIP); err != nil {
			return nil, err
		}
	} else {
		remote := values.Get("remote")
		if remote == "" {
			return nil, driverrors.NewInvalidChannel("channel.parse", 0, fmt.Errorf("missing remote in %q", raw))
		}
		ip, port, err := splitHostPort(remote)
		if err != nil {
			return nil, driverrors.NewInvalidChannel("channel.parse", 0, fmt.Errorf("remote %q: %w", remote, err))
		}
		u.RemoteIP, u.RemotePort = ip, port
		u.Multicast = ip.IsMulticast()
		if u.Multicast {
			if err := validateMulticastLowBit(u.RemoteIP); err != nil {
				return nil, err
			}
		}
	}

	if local := values.Get("local"); local != "" {
		ip, port, err := splitHostPort(local)
		if err != nil {
			return nil, driverrors.NewInvalidChannel("channel.parse", 0, fmt.Errorf("local %q: %w", local, err))
		}
		u.LocalIP, u.LocalPort = ip, port
	}

	if iface := values.Get("interface"); iface != "" {
		parts := strings.SplitN(iface, "/", 2)
		ip := net.ParseIP(parts[0])
		if ip == nil {
			return nil, driverrors.NewInvalidChannel("channel.parse", 0, fmt.Errorf("interface %q: not an IP", parts[0]))
		}
		if u.LocalIP == nil {
			u.LocalIP = ip
		}
		if len(parts) == 2 {
			n, err := strconv.Atoi(parts[1])
			if err != nil {
				return nil, driverrors.NewInvalidChannel("channel.parse", 0, fmt.Errorf("interface prefix %q: %w", parts[1], err))
			}
			u.SubnetPrefix = n
		}
	}
	return u, nil
}

func splitHostPort(s string) (net.IP, int, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		// Allow bare host with no port (local endpoint with interface only).
		host = s
		portStr = "0"
	}
	if host == "" {
		return nil, 0, fmt.Errorf("empty host")
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return nil, 0, fmt.Errorf("unresolvable host %q", host)
		}
		ip = ips[0]
	}
	port := 0
	if portStr != "" {
		port, err = strconv.Atoi(portStr)
		if err != nil {
			return nil, 0, fmt.Errorf("bad port %q: %w", portStr, err)
		}
	}
	return ip, port, nil
}

// validateMulticastLowBit enforces spec §3: the low-order bit of the last
// octet of a multicast group address must be set (odd).
func validateMulticastLowBit(ip net.IP) error {
	v4 := ip.To4()
	if v4 == nil {
		return driverrors.NewInvalidChannel("channel.parse", 0, fmt.Errorf("multicast group %s is not IPv4", ip))
	}
	if v4[3]&1 == 0 {
		return driverrors.NewInvalidChannel("channel.parse", 0, fmt.Errorf("multicast group %s has even last octet", ip))
	}
	return nil
}

// Canonical returns the deterministic "UDP-<localHex>-<localPort>-<remoteHex>-<remotePort>"
// form used as the channel map key. Absent local endpoint fields encode as "0".
func (u *URI) Canonical() string {
	localHex := "0"
	localPort := 0
	if u.LocalIP != nil {
		if v4 := u.LocalIP.To4(); v4 != nil {
			localHex = strings.ToUpper(hex.EncodeToString(v4))
		}
		localPort = u.LocalPort
	}
	remoteHex := "0"
	if v4 := u.RemoteIP.To4(); v4 != nil {
		remoteHex = strings.ToUpper(hex.EncodeToString(v4))
	}
	return fmt.Sprintf("UDP-%s-%d-%s-%d", localHex, localPort, remoteHex, u.RemotePort)
}
