package channel

import (
	"fmt"
	"net"

	"github.com/aeronmesh/mediadriver/internal/driver/driverrors"
)

// SelectInterface ranks the supplied interfaces by decreasing common-prefix
// length against hint (an interface IP + subnet prefix bits), breaking ties
// by registration order (the order ifaces is given in). If hint is nil, or
// no interface has any address in common with it, it falls back to the
// first interface that supports multicast, then to loopback, matching
// spec §4.3's "falling back to any interface that supports multicast or is
// loopback".
func SelectInterface(ifaces []net.Interface, hint net.IP, subnetPrefix int) (net.Interface, error) {
	if len(ifaces) == 0 {
		return net.Interface{}, driverrors.NewInvalidChannel("channel.selectInterface", 0, fmt.Errorf("no interfaces available"))
	}

	if hint != nil && subnetPrefix >= 0 {
		bestIdx := -1
		bestLen := -1
		for i, ifc := range ifaces {
			addrs, err := ifc.Addrs()
			if err != nil {
				continue
			}
			for _, a := range addrs {
				ipNet, ok := a.(*net.IPNet)
				if !ok {
					continue
				}
				matchLen := commonPrefixLen(ipNet.IP, hint, subnetPrefix)
				if matchLen > bestLen {
					bestLen = matchLen
					bestIdx = i
				}
			}
		}
		if bestIdx >= 0 && bestLen > 0 {
			return ifaces[bestIdx], nil
		}
	}

	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagMulticast != 0 && ifc.Flags&net.FlagUp != 0 {
			return ifc, nil
		}
	}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagLoopback != 0 {
			return ifc, nil
		}
	}
	return net.Interface{}, driverrors.NewInvalidChannel("channel.selectInterface", 0, fmt.Errorf("no multicast-capable or loopback interface found"))
}

// commonPrefixLen returns the number of leading bits candidate and hint
// share, capped at maxBits. Returns -1 if either address is not IPv4.
func commonPrefixLen(candidate, hint net.IP, maxBits int) int {
	c4, h4 := candidate.To4(), hint.To4()
	if c4 == nil || h4 == nil {
		return -1
	}
	if maxBits > 32 {
		maxBits = 32
	}
	matched := 0
	for bit := 0; bit < maxBits; bit++ {
		byteIdx := bit / 8
		bitIdx := 7 - uint(bit%8)
		if (c4[byteIdx]>>bitIdx)&1 != (h4[byteIdx]>>bitIdx)&1 {
			break
		}
		matched++
	}
	return matched
}
