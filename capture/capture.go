package capture

import (
	"expvar"
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/buger/goreplay/size"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
)

var stats *expvar.Map

func init() {
	stats = expvar.NewMap("capture")
	stats.Init()
}

// PcapStatProvider is implemented by sources that can report kernel
// capture statistics.
type PcapStatProvider interface {
	Stats() (*pcap.Stats, error)
}

// Options tune the capture handles. They take effect when a source is
// opened and are inherited by everything that source delivers.
type Options struct {
	BufferTimeout time.Duration `json:"buffer-timeout"`
	BufferSize    size.Size     `json:"buffer-size"`
	Snaplen       bool          `json:"override-snaplen"`
	Monitor       bool          `json:"monitor"`
	VXLANPort     int           `json:"vxlan-port"`
	VXLANVNIs     []int         `json:"vxlan-vni"`
}

// EngineType selects the mechanism used to pull frames off an interface.
type EngineType uint8

// Available engines for intercepting traffic
const (
	EnginePcap EngineType = 1 << iota
	EnginePcapFile
	EngineRawSocket
	EngineAFPacket
	EngineVXLAN
)

// Set is here so that EngineType can implement flag.Var
func (eng *EngineType) Set(v string) error {
	switch v {
	case "", "libpcap":
		*eng = EnginePcap
	case "pcap_file":
		*eng = EnginePcapFile
	case "raw_socket":
		*eng = EngineRawSocket
	case "af_packet":
		*eng = EngineAFPacket
	case "vxlan":
		*eng = EngineVXLAN
	default:
		return fmt.Errorf("invalid engine %s", v)
	}
	return nil
}

func (eng *EngineType) String() (e string) {
	switch *eng {
	case EnginePcapFile:
		e = "pcap_file"
	case EnginePcap:
		e = "libpcap"
	case EngineRawSocket:
		e = "raw_socket"
	case EngineAFPacket:
		e = "af_packet"
	case EngineVXLAN:
		e = "vxlan"
	default:
		e = ""
	}
	return e
}

// Source is one passive packet source. Its lifecycle is staged so a
// caller can fail and roll back at each step independently:
// NewSource (create) -> Configure (promiscuity) -> Activate (filter,
// start delivering) -> Close.
type Source interface {
	gopacket.PacketDataSource
	// Configure makes the source promiscuous within the given capture
	// domain when promisc is set.
	Configure(promisc bool, cdom uint32) error
	// Activate applies the flow filter and starts capture.
	Activate(filter string) error
	LinkType() layers.LinkType
	Close()
}

// NewSource creates an inactive source for the interface using the
// requested engine. For EnginePcapFile, target is a path rather than
// an interface name.
func NewSource(target string, engine EngineType, opts Options) (Source, error) {
	switch engine {
	case EnginePcapFile:
		return newFileSource(target)
	case EngineRawSocket:
		return newRawSource(target, opts)
	case EngineAFPacket:
		return newAFPacketSource(target, opts)
	case EngineVXLAN:
		return newVXLANSource(opts.VXLANPort, opts.VXLANVNIs)
	default:
		return newPcapSource(target, opts)
	}
}

// pcapSource wraps a libpcap handle. The inactive handle exists from
// creation until Activate.
type pcapSource struct {
	ifname   string
	inactive *pcap.InactiveHandle
	handle   *pcap.Handle
}

func newPcapSource(ifname string, opts Options) (*pcapSource, error) {
	inactive, err := pcap.NewInactiveHandle(ifname)
	if err != nil {
		return nil, fmt.Errorf("inactive handle error: %q, interface: %q", err, ifname)
	}

	var snap int
	if !opts.Snaplen {
		infs, _ := net.Interfaces()
		for _, i := range infs {
			if i.Name == ifname {
				snap = i.MTU + 200
			}
		}
	}
	if snap == 0 {
		snap = 64<<10 + 200
	}
	if err = inactive.SetSnapLen(snap); err != nil {
		inactive.CleanUp()
		return nil, fmt.Errorf("snapshot length error: %q, interface: %q", err, ifname)
	}
	if opts.BufferSize > 0 {
		if err = inactive.SetBufferSize(int(opts.BufferSize)); err != nil {
			inactive.CleanUp()
			return nil, fmt.Errorf("handle buffer size error: %q, interface: %q", err, ifname)
		}
	}
	timeout := opts.BufferTimeout
	if timeout == 0 {
		timeout = 2000 * time.Millisecond
	}
	if err = inactive.SetTimeout(timeout); err != nil {
		inactive.CleanUp()
		return nil, fmt.Errorf("handle buffer timeout error: %q, interface: %q", err, ifname)
	}
	if opts.Monitor {
		if err = inactive.SetRFMon(true); err != nil && err != pcap.CannotSetRFMon {
			inactive.CleanUp()
			return nil, fmt.Errorf("monitor mode error: %q, interface: %q", err, ifname)
		}
	}
	return &pcapSource{ifname: ifname, inactive: inactive}, nil
}

func (s *pcapSource) Configure(promisc bool, cdom uint32) error {
	if !promisc {
		return nil
	}
	if err := s.inactive.SetPromisc(true); err != nil {
		return fmt.Errorf("promiscuous mode error: %q, interface: %q, cdom: %d", err, s.ifname, cdom)
	}
	return nil
}

func (s *pcapSource) Activate(filter string) error {
	handle, err := s.inactive.Activate()
	if err != nil {
		return fmt.Errorf("PCAP Activate device error: %q, interface: %q", err, s.ifname)
	}
	if err = handle.SetBPFFilter(filter); err != nil {
		handle.Close()
		return fmt.Errorf("BPF filter error: %q%s, interface: %q", err, filter, s.ifname)
	}
	s.handle = handle
	return nil
}

func (s *pcapSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	return s.handle.ReadPacketData()
}

func (s *pcapSource) LinkType() layers.LinkType {
	if s.handle == nil {
		return layers.LinkTypeEthernet
	}
	return s.handle.LinkType()
}

func (s *pcapSource) Stats() (*pcap.Stats, error) {
	return s.handle.Stats()
}

func (s *pcapSource) Close() {
	if s.handle != nil {
		s.handle.Close()
		s.handle = nil
		return
	}
	s.inactive.CleanUp()
}

// fileSource replays a pcap file as if it were live traffic.
type fileSource struct {
	path   string
	handle *pcap.Handle
}

func newFileSource(path string) (*fileSource, error) {
	handle, err := pcap.OpenOffline(path)
	if err != nil {
		return nil, fmt.Errorf("open pcap file error: %q", err)
	}
	return &fileSource{path: path, handle: handle}, nil
}

// a file sees whatever was recorded; promiscuity does not apply
func (s *fileSource) Configure(promisc bool, cdom uint32) error { return nil }

func (s *fileSource) Activate(filter string) error {
	if err := s.handle.SetBPFFilter(filter); err != nil {
		return fmt.Errorf("BPF filter error: %q, filter: %s", err, filter)
	}
	return nil
}

func (s *fileSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	return s.handle.ReadPacketData()
}

func (s *fileSource) LinkType() layers.LinkType { return s.handle.LinkType() }
func (s *fileSource) Close()                    { s.handle.Close() }

// rawSource is the AF_PACKET SOCK_RAW mmap ring engine.
type rawSource struct {
	ifname string
	sock   RawSocket
}

func newRawSource(ifname string, opts Options) (*rawSource, error) {
	if runtime.GOOS != "linux" {
		return nil, fmt.Errorf("raw_socket is not stabilized on OS other than linux")
	}
	ifi, err := FindInterface(ifname)
	if err != nil {
		return nil, err
	}
	sock, err := NewRawSocket(ifi)
	if err != nil {
		return nil, fmt.Errorf("sock raw error: %q, interface: %q", err, ifname)
	}
	if opts.BufferTimeout > 0 {
		_ = sock.SetTimeout(opts.BufferTimeout)
	}
	if loop, lerr := loopbackIndex(); lerr == nil {
		sock.SetLoopbackIndex(int32(loop))
	}
	return &rawSource{ifname: ifname, sock: sock}, nil
}

func (s *rawSource) Configure(promisc bool, cdom uint32) error {
	if !promisc {
		return nil
	}
	if err := s.sock.SetPromiscuous(true); err != nil {
		return fmt.Errorf("promiscuous mode error: %q, interface: %q, cdom: %d", err, s.ifname, cdom)
	}
	return nil
}

func (s *rawSource) Activate(filter string) error {
	if err := s.sock.SetBPFFilter(filter); err != nil {
		return fmt.Errorf("BPF filter error: %q%s, interface: %q", err, filter, s.ifname)
	}
	return nil
}

func (s *rawSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	return s.sock.ReadPacketData()
}

func (s *rawSource) LinkType() layers.LinkType { return layers.LinkTypeEthernet }
func (s *rawSource) Close()                    { s.sock.Close() }

// afpacketSource is the TPACKET_V3 ring engine.
type afpacketSource struct {
	ifname string
	handle *afpacketHandle
}

func newAFPacketSource(ifname string, opts Options) (*afpacketSource, error) {
	targetSizeMB := 32
	if opts.BufferSize > 0 {
		targetSizeMB = int(opts.BufferSize) >> 20
		if targetSizeMB == 0 {
			targetSizeMB = 1
		}
	}
	szFrame, szBlock, numBlocks, err := afpacketComputeSize(targetSizeMB, 32<<10, os.Getpagesize())
	if err != nil {
		return nil, err
	}
	timeout := opts.BufferTimeout
	if timeout == 0 {
		timeout = 2000 * time.Millisecond
	}
	handle, err := newAfpacketHandle(ifname, szFrame, szBlock, numBlocks, false, timeout)
	if err != nil {
		return nil, err
	}
	return &afpacketSource{ifname: ifname, handle: handle}, nil
}

// An AF_PACKET ring bound to ETH_P_ALL already receives every frame the
// interface delivers; NIC-level promiscuity belongs to the raw_socket
// and libpcap engines.
func (s *afpacketSource) Configure(promisc bool, cdom uint32) error { return nil }

func (s *afpacketSource) Activate(filter string) error {
	return s.handle.SetBPFFilter(filter, 64<<10)
}

func (s *afpacketSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	return s.handle.ReadPacketData()
}

func (s *afpacketSource) LinkType() layers.LinkType { return layers.LinkTypeEthernet }
func (s *afpacketSource) Close()                    { s.handle.Close() }

// vxlanSource receives mirrored traffic over a VXLAN tunnel.
type vxlanSource struct {
	handle *vxlanHandle
}

func newVXLANSource(port int, vnis []int) (*vxlanSource, error) {
	handle, err := newVXLANHandler(port, vnis)
	if err != nil {
		return nil, err
	}
	return &vxlanSource{handle: handle}, nil
}

func (s *vxlanSource) Configure(promisc bool, cdom uint32) error { return nil }

// mirrored traffic is pre-filtered by whoever mirrors it
func (s *vxlanSource) Activate(filter string) error { return nil }

func (s *vxlanSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	return s.handle.ReadPacketData()
}

func (s *vxlanSource) LinkType() layers.LinkType { return layers.LinkTypeEthernet }
func (s *vxlanSource) Close()                    { _ = s.handle.Close() }

// FindInterface resolves a device by name, name prefix (trailing "*"),
// or one of its addresses.
func FindInterface(name string) (pcap.Interface, error) {
	pifis, err := pcap.FindAllDevs()
	if err != nil {
		return pcap.Interface{}, err
	}
	for _, pi := range pifis {
		if isDevice(name, pi) {
			return pi, nil
		}
	}
	return pcap.Interface{}, fmt.Errorf("interface %q not found", name)
}

func isDevice(addr string, ifi pcap.Interface) bool {
	// Windows npcap loopback have no IPs
	if addr == "127.0.0.1" && ifi.Name == `\Device\NPF_Loopback` {
		return true
	}

	if addr == ifi.Name {
		return true
	}

	if strings.HasSuffix(addr, "*") {
		if strings.HasPrefix(ifi.Name, addr[:len(addr)-1]) {
			return true
		}
	}

	for _, _addr := range ifi.Addresses {
		if _addr.IP.String() == addr {
			return true
		}
	}

	return false
}

// InterfaceAddresses returns the textual addresses assigned to a device.
func InterfaceAddresses(ifi pcap.Interface) []string {
	var hosts []string
	for _, addr := range ifi.Addresses {
		hosts = append(hosts, addr.IP.String())
	}
	return hosts
}

func loopbackIndex() (int, error) {
	ifis, err := net.Interfaces()
	if err != nil {
		return 0, err
	}
	for _, ni := range ifis {
		if ni.Flags&net.FlagLoopback != 0 {
			return ni.Index, nil
		}
	}
	return 0, fmt.Errorf("no loopback interface")
}

// FlowFilter builds the BPF program covering BOTH directions of the TCP
// flows a tap observes: segments toward (hosts, port) and the matching
// segments back from them. Both directions are required because every
// intercepted flow is exposed through two vantage points.
// Port 0 matches any port; promisc drops the host clauses entirely.
func FlowFilter(port uint16, hosts []string, promisc bool) string {
	// https://www.tcpdump.org/manpages/pcap-filter.7.html
	dst := portFilter("dst", port)
	src := portFilter("src", port)

	if len(hosts) != 0 && !promisc {
		dst = fmt.Sprintf("(%s) and (%s)", dst, hostsFilter("dst", hosts))
		src = fmt.Sprintf("(%s) and (%s)", src, hostsFilter("src", hosts))
	}

	return fmt.Sprintf("(%s) or (%s)", dst, src)
}

func portFilter(direction string, port uint16) string {
	if port == 0 {
		return fmt.Sprintf("tcp %s portrange 0-%d", direction, 1<<16-1)
	}
	return fmt.Sprintf("tcp %s port %d", direction, port)
}

func hostsFilter(direction string, hosts []string) string {
	var hostsFilters []string
	for _, host := range hosts {
		hostsFilters = append(hostsFilters, fmt.Sprintf("%s host %s", direction, host))
	}
	return strings.Join(hostsFilters, " or ")
}

// ListenAll reports whether addr means "observe every address".
func ListenAll(addr string) bool {
	switch addr {
	case "", "0.0.0.0", "[::]", "::":
		return true
	}
	return false
}
