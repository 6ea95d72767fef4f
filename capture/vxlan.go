package capture

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// VXLANPacketSize vxlan 8 B + ethernet II 1518 B
const VXLANPacketSize = 1526

// vxlanHandle receives mirrored frames encapsulated in VXLAN over UDP.
// Closing the UDP socket drains through to ReadPacketData as io.EOF so
// the owning worker can retire the source.
type vxlanHandle struct {
	connection *net.UDPConn
	packets    chan gopacket.Packet
	vnis       []int
}

func newVXLANHandler(port int, vnis []int) (*vxlanHandle, error) {
	if port == 0 {
		port = 4789
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{
		Port: port,
		IP:   net.ParseIP("0.0.0.0"),
	})
	if err != nil {
		return nil, err
	}

	v := &vxlanHandle{
		connection: conn,
		packets:    make(chan gopacket.Packet, 1000),
		vnis:       vnis,
	}
	go v.reader()
	return v, nil
}

func (v *vxlanHandle) reader() {
	defer close(v.packets)
	for {
		buf := make([]byte, VXLANPacketSize)
		length, _, err := v.connection.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		packet := gopacket.NewPacket(buf[:length], layers.LayerTypeVXLAN, gopacket.NoCopy)
		md := packet.Metadata()
		md.Timestamp = time.Now()
		md.CaptureLength = length
		md.Length = length

		if len(v.vnis) > 0 && !v.vniAllowed(packet) {
			continue
		}
		v.packets <- packet
	}
}

// vniAllowed applies the configured VNI list: positive entries allow a
// VNI, negative entries deny one and flip the default to allow.
func (v *vxlanHandle) vniAllowed(packet gopacket.Packet) bool {
	allowByDefault := false
	layer := packet.Layer(layers.LayerTypeVXLAN)
	if layer == nil {
		return false
	}
	vxlan, _ := layer.(*layers.VXLAN)
	for _, vn := range v.vnis {
		if vn > 0 && int(vxlan.VNI) == vn {
			return true
		}
		if vn < 0 {
			if int(vxlan.VNI) == -vn {
				return false
			}
			allowByDefault = true
		}
	}
	return allowByDefault
}

func (v *vxlanHandle) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	packet, ok := <-v.packets
	if !ok {
		return nil, gopacket.CaptureInfo{}, io.EOF
	}
	layer := packet.Layer(layers.LayerTypeVXLAN)
	if layer == nil {
		return nil, gopacket.CaptureInfo{}, errors.New("packet without vxlan layer")
	}
	return layer.LayerPayload(), packet.Metadata().CaptureInfo, nil
}

func (v *vxlanHandle) Close() error {
	if v.connection != nil {
		return v.connection.Close()
	}
	return nil
}
