package tap

import (
	"expvar"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/gopacket"
	slog "github.com/vearne/simplelog"

	"github.com/vearne/tcptap/capture"
	"github.com/vearne/tcptap/model"
	"github.com/vearne/tcptap/util"
)

var stats *expvar.Map

func init() {
	stats = expvar.NewMap("tap")
	stats.Init()
}

const k8sResolveInterval = 60 * time.Second

// Deadlines bound resource consumption from stalled or abandoned
// intercepted flows. Every connection a listener spawns inherits them.
type Deadlines struct {
	Handshake     time.Duration // handshake-completion timeout
	IdleStart     time.Duration // idle time before probing starts
	ProbeInterval time.Duration // time between probes
	ProbeCount    int           // missed probes before dropping
	Reassembly    time.Duration // tolerance for out-of-order reassembly
}

func DefaultDeadlines() Deadlines {
	return Deadlines{
		Handshake:     5 * time.Second,
		IdleStart:     time.Second,
		ProbeInterval: time.Second,
		ProbeCount:    5,
		Reassembly:    2 * time.Second,
	}
}

// idleCutoff is the full idle budget: probing starts, all probes miss.
func (d Deadlines) idleCutoff() time.Duration {
	return d.IdleStart + d.ProbeInterval*time.Duration(d.ProbeCount)
}

// ListenerConfig carries everything a listener needs beyond its
// worker.
type ListenerConfig struct {
	Address   string // IPv4, "0.0.0.0"/"" for any, or k8s://...
	Port      uint16 // 0 observes every port
	Engine    capture.EngineType
	Options   capture.Options
	Promisc   bool
	Verbosity int
	MaxFlows  int
	Deadlines Deadlines
	Deriver   PeerDeriver          // nil selects live derivation
	Sink      func(*model.Record) // never blocks
}

// Listener owns one passive capture socket on one worker and the flow
// table of everything it has intercepted. Flow state normally belongs
// to the worker's loop alone; mu exists for the one cross-loop caller,
// Close, which may land while a callback is still in flight.
type Listener struct {
	mu sync.Mutex

	name   string
	worker *capture.Worker
	src    capture.Source
	reg    *capture.Registration

	port      uint16
	hosts     *util.StringSet
	k8sHost   string
	promisc   bool
	verbosity int
	maxFlows  int
	deadlines Deadlines
	deriver   PeerDeriver
	sink      func(*model.Record)
	linkType  gopacket.Decoder

	flows       map[DirectConn]*Flow
	watchers    map[DirectConn]*View
	lastResolve time.Time
	closed      bool
}

// NewListener builds a passive listener on the worker. Each step has a
// distinct failure mode; any failure releases everything already
// allocated and yields no listener, with no retry.
func NewListener(w *capture.Worker, cfg ListenerConfig) (*Listener, error) {
	l := &Listener{
		name:      fmt.Sprintf("%s/%s:%d", w.Ifname, cfg.Address, cfg.Port),
		worker:    w,
		port:      cfg.Port,
		promisc:   cfg.Promisc,
		verbosity: cfg.Verbosity,
		maxFlows:  cfg.MaxFlows,
		deadlines: cfg.Deadlines,
		deriver:   cfg.Deriver,
		sink:      cfg.Sink,
		flows:     make(map[DirectConn]*Flow),
		watchers:  make(map[DirectConn]*View),
	}
	if l.deriver == nil {
		l.deriver = liveDeriver{}
	}
	if l.maxFlows <= 0 {
		l.maxFlows = 1 << 16
	}
	if l.deadlines == (Deadlines{}) {
		l.deadlines = DefaultDeadlines()
	}

	// 1. parse the address
	if err := l.parseAddress(cfg.Address); err != nil {
		return nil, err
	}

	// observing every address or every port means the whole interface
	if l.port == 0 || l.hosts.Size() == 0 {
		l.promisc = true
	}
	// so does watching an address the interface does not own
	if !l.promisc {
		if ifi, ferr := capture.FindInterface(w.Ifname); ferr == nil {
			owned := util.NewStringSet()
			owned.AddAll(capture.InterfaceAddresses(ifi))
			for _, h := range l.hosts.ToArray() {
				if !owned.Has(h) {
					l.promisc = true
					break
				}
			}
		}
	}
	if l.promisc {
		w.Promisc = true
	}

	// 2. create the capture socket
	src, err := capture.NewSource(w.Ifname, cfg.Engine, cfg.Options)
	if err != nil {
		return nil, newError(KindSocketCreate, "create capture socket", err)
	}
	l.src = src
	l.linkType = src.LinkType()

	// 3. attach it to the worker's event loop
	reg, err := w.Register(l.name, l.onPacket, l.onTick)
	if err != nil {
		src.Close()
		return nil, newError(KindWatcherAttach, "attach to event loop", err)
	}
	l.reg = reg

	// 4. mark passive and, if requested, promiscuous in the worker's
	// capture domain
	if err = src.Configure(l.promisc, w.CDom); err != nil {
		reg.Stop()
		src.Close()
		return nil, newError(KindConfiguration, "configure socket", err)
	}

	// 5. option inheritance happens through l.deadlines: every flow
	// this listener spawns is bounded by the same schedule

	// 6. bind and start delivering
	if err = src.Activate(l.filter()); err != nil {
		reg.Stop()
		src.Close()
		return nil, newError(KindConfiguration, "activate filter", err)
	}
	reg.Start(src)

	slog.Info("tap %s: listening (promiscuous=%v, engine=%v)", l.name, l.promisc, cfg.Engine.String())
	return l, nil
}

func (l *Listener) parseAddress(addr string) error {
	l.hosts = util.NewStringSet()

	if strings.HasPrefix(addr, "k8s://") {
		l.k8sHost = addr[len("k8s://"):]
		ips, err := capture.K8sIPs(l.k8sHost)
		if err != nil {
			return newError(KindAddressParse, "resolve k8s address", err)
		}
		l.hosts.AddAll(ips)
		l.lastResolve = time.Now()
		return nil
	}
	if capture.ListenAll(addr) {
		return nil
	}
	if net.ParseIP(addr) == nil {
		return newError(KindAddressParse, fmt.Sprintf("parse address %q", addr), nil)
	}
	l.hosts.Add(addr)
	return nil
}

// filter builds the capture-level flow filter. k8s taps keep the
// filter port-wide and match pod addresses at dispatch, so pod churn
// needs no filter rebuild.
func (l *Listener) filter() string {
	if l.k8sHost != "" {
		return capture.FlowFilter(l.port, nil, true)
	}
	return capture.FlowFilter(l.port, l.hosts.ToArray(), l.promisc)
}

// Name identifies the listener as iface/addr:port.
func (l *Listener) Name() string { return l.name }

// Flows reports the current flow-table size.
func (l *Listener) Flows() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.flows)
}

// onPacket dispatches one captured frame: untracked flows go through
// the acceptor, tracked ones feed their vantage-point buffers. Runs on
// the worker loop.
func (l *Listener) onPacket(data []byte, ci gopacket.CaptureInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	seg, err := DecodeSegment(data, ci, l.linkType, l.hosts, l.port)
	if err != nil {
		return
	}
	if seg.Direction == DirUnknown {
		return
	}
	now := ci.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	l.handleSegment(seg, now)
}

func (l *Listener) handleSegment(seg *Segment, now time.Time) {
	key := seg.ServerConn()
	slog.Debug("tap %s: segment %v flags=%v payload=%d",
		l.name, key.String(), strings.Join(seg.TCPFlags(), "|"), len(seg.TCP.Payload))
	f, tracked := l.flows[key]
	if !tracked {
		l.accept(seg, key, now)
		return
	}
	l.observe(f, seg, now)
}

// observe feeds a tracked flow: telemetry, reassembly, then readiness
// delivery to the vantage point the segment feeds.
func (l *Listener) observe(f *Flow, seg *Segment, now time.Time) {
	f.lastSeen = now
	f.tel.Observe(seg.TCP, seg.Direction, now)

	var c *Conn
	if seg.Direction == DirToServer {
		c = f.server
	} else {
		c = f.client
	}
	if c == nil || c.done {
		return
	}

	if seg.TCP.SYN {
		c.buf.SetExpectedSeq(seg.TCP.Seq + 1)
	}
	if len(seg.TCP.Payload) > 0 {
		c.buf.Add(seg.TCP.Seq, seg.TCP.Payload, now)
		f.tel.NoteOutOfOrder(seg.Direction, c.buf.OOOSegments())
	}
	if seg.TCP.FIN {
		// sender is done; the vantage reading its bytes sees EOF once
		// drained
		c.buf.Close()
	}
	if seg.TCP.RST {
		for _, conn := range f.conns() {
			conn.buf.Close()
		}
	}

	for _, conn := range f.conns() {
		l.deliver(conn, now)
	}
}

// deliver fires readiness events: one read per buffered chunk, then
// the EOF event once a closed stream is drained.
func (l *Listener) deliver(c *Conn, now time.Time) {
	for !c.done && c.buf.Available() > 0 {
		c.onReadable(now)
	}
	if !c.done && c.buf.Closed() {
		c.onReadable(now)
	}
}

// onTick enforces the listener's deadline schedule and keeps k8s
// host sets current. Runs on the worker loop.
func (l *Listener) onTick(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	for _, f := range l.flows {
		if expired, reason := l.expired(f, now); expired {
			slog.Info("tap %s: dropping flow %v: %s", l.name, f.ID, reason)
			stats.Add("flows_expired", 1)
			l.drop(f)
			continue
		}
		for _, c := range f.conns() {
			l.deliver(c, now)
		}
	}

	if l.k8sHost != "" && now.Sub(l.lastResolve) >= k8sResolveInterval {
		l.lastResolve = now
		if ips, err := capture.K8sIPs(l.k8sHost); err == nil {
			l.hosts = util.NewStringSet()
			l.hosts.AddAll(ips)
		} else {
			slog.Warn("tap %s: k8s re-resolve failed: %v", l.name, err)
		}
	}
}

func (l *Listener) expired(f *Flow, now time.Time) (bool, string) {
	d := l.deadlines
	if !f.tel.Established() && f.tel.State() != StateClosed && now.Sub(f.created) > d.Handshake {
		return true, "handshake timeout"
	}
	if now.Sub(f.lastSeen) > d.idleCutoff() {
		return true, "idle timeout"
	}
	for _, c := range f.conns() {
		if c.buf.GapAge(now) > d.Reassembly {
			return true, "reassembly timeout"
		}
	}
	return false, ""
}

// drop tears down both of a flow's connections. Teardown removes the
// flow from the table through each conn's release hook.
func (l *Listener) drop(f *Flow) {
	for _, c := range f.conns() {
		c.Teardown()
	}
}

// Close stops capture and tears down every tracked flow. Used at
// process teardown only; a listener is not restartable. Close runs off
// the worker loop, so it takes the listener lock and waits out any
// callback already dispatched.
func (l *Listener) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.reg.Stop()
	l.src.Close()
	for _, f := range l.flows {
		l.drop(f)
	}
}
