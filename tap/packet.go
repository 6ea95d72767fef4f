package tap

import (
	"errors"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/vearne/tcptap/util"
)

// Dir is the direction of a segment relative to the tapped endpoint.
type Dir uint8

const (
	DirUnknown Dir = iota
	// DirToServer segments travel from the original client toward the
	// tapped address.
	DirToServer
	// DirToClient segments travel from the tapped address back.
	DirToClient
)

// DirectConn identifies one direction of a flow by its endpoints.
type DirectConn struct {
	SrcAddr psnet.Addr
	DstAddr psnet.Addr
}

func (d *DirectConn) String() string {
	return fmt.Sprintf("%v:%v -> %v:%v", d.SrcAddr.IP,
		d.SrcAddr.Port, d.DstAddr.IP, d.DstAddr.Port)
}

// Reverse returns the same flow seen from the opposite direction.
func (d *DirectConn) Reverse() DirectConn {
	return DirectConn{SrcAddr: d.DstAddr, DstAddr: d.SrcAddr}
}

// Segment is one decoded TCP segment plus the direction it travels
// relative to the tap that captured it.
type Segment struct {
	SrcIP string
	DstIP string

	TCP       *layers.TCP
	Direction Dir
	Seen      gopacket.CaptureInfo
}

// DecodeSegment decodes a captured frame down to its TCP layer and
// orients it against the tapped (addresses, port). Port 0 orients on
// addresses alone.
func DecodeSegment(data []byte, ci gopacket.CaptureInfo, linkType gopacket.Decoder,
	ipSet *util.StringSet, port uint16) (*Segment, error) {

	packet := gopacket.NewPacket(data, linkType, gopacket.NoCopy)

	var s Segment
	s.Seen = ci

	if layer := packet.Layer(layers.LayerTypeIPv4); layer != nil {
		ip := layer.(*layers.IPv4)
		s.SrcIP = ip.SrcIP.String()
		s.DstIP = ip.DstIP.String()
	} else if layer := packet.Layer(layers.LayerTypeIPv6); layer != nil {
		ip := layer.(*layers.IPv6)
		s.SrcIP = ip.SrcIP.String()
		s.DstIP = ip.DstIP.String()
	} else {
		return nil, errors.New("not an IP packet")
	}

	tcpLayer := packet.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		return nil, errors.New("not a TCP packet")
	}
	s.TCP = tcpLayer.(*layers.TCP)

	anyAddr := ipSet == nil || ipSet.Size() == 0
	if (anyAddr || ipSet.Has(s.DstIP)) && (port == 0 || uint16(s.TCP.DstPort) == port) {
		s.Direction = DirToServer
	} else if (anyAddr || ipSet.Has(s.SrcIP)) && (port == 0 || uint16(s.TCP.SrcPort) == port) {
		s.Direction = DirToClient
	} else {
		s.Direction = DirUnknown
	}
	return &s, nil
}

// DirectConn returns the endpoint pair in the segment's travel
// direction.
func (s *Segment) DirectConn() DirectConn {
	var c DirectConn
	c.SrcAddr.IP = s.SrcIP
	c.DstAddr.IP = s.DstIP
	c.SrcAddr.Port = uint32(s.TCP.SrcPort)
	c.DstAddr.Port = uint32(s.TCP.DstPort)
	return c
}

// ServerConn returns the endpoint pair normalized so that the tapped
// (server) endpoint is the destination. Both directions of one flow
// map to the same ServerConn, making it the flow-table key.
func (s *Segment) ServerConn() DirectConn {
	c := s.DirectConn()
	if s.Direction == DirToClient {
		return c.Reverse()
	}
	return c
}

func (s *Segment) TCPFlags() []string {
	flags := make([]string, 0)
	if s.TCP.FIN {
		flags = append(flags, "FIN")
	}
	if s.TCP.SYN {
		flags = append(flags, "SYN")
	}
	if s.TCP.RST {
		flags = append(flags, "RST")
	}
	if s.TCP.PSH {
		flags = append(flags, "PSH")
	}
	if s.TCP.ACK {
		flags = append(flags, "ACK")
	}
	if s.TCP.URG {
		flags = append(flags, "URG")
	}
	return flags
}
