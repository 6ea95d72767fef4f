//go:build linux && !arm64
// +build linux,!arm64

package capture

import (
	"fmt"
	"net"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
)

// protoAll is htons(ETH_P_ALL), every protocol the interface sees.
const protoAll uint16 = unix.ETH_P_ALL<<8 | unix.ETH_P_ALL>>8

// TPACKET_V2 receive ring geometry: 2mb shared with the kernel, carved
// into 64kb frames so one frame always holds a full ethernet packet.
const (
	ringBlockSize  = 64 << 10
	ringBlockCount = (2 << 20) / ringBlockSize
	ringFrameSize  = ringBlockSize
	ringFrameCount = ringBlockCount * ringBlockSize / ringFrameSize

	mapHuge2MB = 21 << unix.MAP_HUGE_SHIFT
)

var tpacket2hdrlen = tpAlign(int(unsafe.Sizeof(unix.Tpacket2Hdr{})))

// ringSocket is a memory-mapped AF_PACKET socket on TPACKET_V2, the
// receive engine for hosts where libpcap is unavailable. It is
// receive-only; interception never writes to the wire.
type ringSocket struct {
	mu          sync.Mutex
	fd          int
	ifindex     int
	snaplen     int
	pollTimeout uintptr
	frame       uint32 // next ring frame to inspect
	buf         []byte // the ring, mmapped over the socket
	loopIndex   int32  // loopback sees each frame twice; used to halve
}

// NewRawSocket opens a receive ring bound to the given interface.
func NewRawSocket(pifi pcap.Interface) (*ringSocket, error) {
	ifi, err := net.InterfaceByName(pifi.Name)
	if err != nil {
		return nil, fmt.Errorf("interface %q: %v", pifi.Name, err)
	}

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(protoAll))
	if err != nil {
		return nil, err
	}
	s := &ringSocket{
		fd:          fd,
		ifindex:     ifi.Index,
		snaplen:     ringFrameSize,
		pollTimeout: ^uintptr(0),
	}

	if err = s.mapRing(); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return s, nil
}

// mapRing selects TPACKET_V2, binds the socket to the interface and
// maps the kernel ring into the process.
func (s *ringSocket) mapRing() error {
	err := unix.SetsockoptInt(s.fd, unix.SOL_PACKET, unix.PACKET_VERSION, unix.TPACKET_V2)
	if err != nil {
		return fmt.Errorf("setsockopt packet_version: %v", err)
	}

	err = unix.Bind(s.fd, &unix.SockaddrLinklayer{
		Protocol: protoAll,
		Ifindex:  s.ifindex,
	})
	if err != nil {
		return fmt.Errorf("bind to interface %d: %v", s.ifindex, err)
	}

	req := &unix.TpacketReq{
		Block_size: ringBlockSize,
		Block_nr:   ringBlockCount,
		Frame_size: ringFrameSize,
		Frame_nr:   ringFrameCount,
	}
	err = unix.SetsockoptTpacketReq(s.fd, unix.SOL_PACKET, unix.PACKET_RX_RING, req)
	if err != nil {
		return fmt.Errorf("setsockopt packet_rx_ring: %v", err)
	}

	s.buf, err = unix.Mmap(
		s.fd,
		0,
		ringBlockSize*ringBlockCount,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|mapHuge2MB,
	)
	if err != nil {
		return fmt.Errorf("ring mmap: %v", err)
	}
	return nil
}

// ReadPacketData implements gopacket.PacketDataSource. It walks the
// ring, polling when it catches up with the kernel, and hands each
// consumed frame back by resetting its status word.
func (s *ringSocket) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ci gopacket.CaptureInfo
	poll := &unix.PollFd{
		Fd:     int32(s.fd),
		Events: unix.POLLIN,
	}

	for {
		off := int(s.frame * ringFrameSize)
		hdr := (*unix.Tpacket2Hdr)(unsafe.Pointer(&s.buf[off]))
		s.frame = (s.frame + 1) % ringFrameCount

		if hdr.Status&unix.TP_STATUS_USER == 0 {
			_, _, errno := unix.Syscall(unix.SYS_POLL, uintptr(unsafe.Pointer(poll)), 1, s.pollTimeout)
			if errno != 0 && errno != unix.EINTR {
				return nil, ci, errno
			}
			// another frame may have filled while this one stayed
			// with the kernel
			if hdr.Status&unix.TP_STATUS_USER == 0 {
				continue
			}
		}
		hdr.Status = unix.TP_STATUS_KERNEL
		lladdr := (*unix.RawSockaddrLinklayer)(unsafe.Pointer(&s.buf[off+tpacket2hdrlen]))

		// loopback delivers every frame once per direction
		if lladdr.Ifindex == s.loopIndex && s.frame%2 != 0 {
			continue
		}

		ci.Length = int(hdr.Len)
		ci.Timestamp = time.Unix(int64(hdr.Sec), int64(hdr.Nsec))
		ci.InterfaceIndex = int(lladdr.Ifindex)
		out := make([]byte, hdr.Snaplen)
		ci.CaptureLength = copy(out, s.buf[off+int(hdr.Mac):])
		return out, ci, nil
	}
}

// Close unmaps the ring and closes the socket.
func (s *ringSocket) Close() (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fd != -1 {
		unix.Munmap(s.buf)
		s.buf = nil
		err = unix.Close(s.fd)
		s.fd = -1
	}
	return
}

// SetSnapLen caps the capture length. The kernel only honors it once
// SetBPFFilter recompiles against the new length.
func (s *ringSocket) SetSnapLen(snap int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap < 0 {
		return fmt.Errorf("snap length %d must be at least 0", snap)
	}
	if snap > ringFrameSize {
		snap = ringFrameSize
	}
	s.snaplen = snap
	return nil
}

// SetTimeout bounds how long a read polls for the next frame.
// A negative value blocks forever.
func (s *ringSocket) SetTimeout(t time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollTimeout = uintptr(t)
	return nil
}

func (s *ringSocket) GetSnapLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snaplen
}

// SetBPFFilter compiles expr and attaches it to the socket. An empty
// expression detaches any installed filter.
func (s *ringSocket) SetBPFFilter(expr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if expr == "" {
		return unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_DETACH_FILTER, 0)
	}
	filter, err := pcap.CompileBPFFilter(layers.LinkTypeEthernet, s.snaplen, expr)
	if err != nil {
		return err
	}
	if len(filter) > int(^uint16(0)) {
		return fmt.Errorf("filter program exceeds %d instructions", ^uint16(0))
	}
	if len(filter) == 0 {
		return unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_DETACH_FILTER, 0)
	}
	fprog := &unix.SockFprog{
		Len:    uint16(len(filter)),
		Filter: &(*(*[]unix.SockFilter)(unsafe.Pointer(&filter)))[0],
	}
	return unix.SetsockoptSockFprog(s.fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, fprog)
}

// SetPromiscuous toggles PACKET_MR_PROMISC membership. Required when
// a tap observes addresses the interface does not own.
func (s *ringSocket) SetPromiscuous(b bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mreq := unix.PacketMreq{
		Ifindex: int32(s.ifindex),
		Type:    unix.PACKET_MR_PROMISC,
	}

	opt := unix.PACKET_ADD_MEMBERSHIP
	if !b {
		opt = unix.PACKET_DROP_MEMBERSHIP
	}

	return unix.SetsockoptPacketMreq(s.fd, unix.SOL_PACKET, opt, &mreq)
}

// Stats reports packets seen and dropped since the previous call; the
// kernel resets the counters on read.
func (s *ringSocket) Stats() (*unix.TpacketStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return unix.GetsockoptTpacketStats(s.fd, unix.SOL_PACKET, unix.PACKET_STATISTICS)
}

// SetLoopbackIndex marks the loopback interface so its doubled frames
// are deduplicated.
func (s *ringSocket) SetLoopbackIndex(i int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loopIndex = i
}

func tpAlign(x int) int {
	return int((uint(x) + unix.TPACKET_ALIGNMENT - 1) &^ (unix.TPACKET_ALIGNMENT - 1))
}
