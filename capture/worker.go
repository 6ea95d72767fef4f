package capture

import (
	"errors"
	"io"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	psnet "github.com/shirou/gopsutil/v3/net"
	slog "github.com/vearne/simplelog"
)

// ErrWorkerClosed is returned by Register once the worker's loop has
// exited.
var ErrWorkerClosed = errors.New("interface worker closed")

const (
	tickInterval  = 100 * time.Millisecond
	statsInterval = 10 * time.Second
)

// Worker owns one network interface and the event loop every tap on
// that interface runs inside. All callbacks registered with a worker
// execute on its single loop goroutine, to completion, without
// interleaving; workers for different interfaces run fully in parallel
// and share no loop state.
//
// A worker has no cancellation primitive. Its loop runs until every
// registered source is exhausted, which for live capture means until
// process exit.
type Worker struct {
	Ifname  string
	CDom    uint32 // capture domain id
	Promisc bool

	mu   sync.Mutex
	regs []*Registration

	pumps  atomic.Int32 // running source pumps
	events chan event
	done   chan struct{}
}

type event struct {
	reg  *Registration
	data []byte
	ci   gopacket.CaptureInfo
	err  error
}

// Registration is one packet source attached to a worker's loop. Its
// callbacks fire on the loop goroutine: onPacket once per captured
// frame, onTick roughly every 100ms.
type Registration struct {
	worker   *Worker
	name     string
	onPacket func(data []byte, ci gopacket.CaptureInfo)
	onTick   func(now time.Time)
	src      gopacket.PacketDataSource
	block    bool
	stopped  atomic.Bool
}

func NewWorker(ifname string, cdom uint32, promisc bool) *Worker {
	return &Worker{
		Ifname: ifname,
		CDom:   cdom,
		// a worker can also be promoted later, by a tap observing
		// every address or every port
		Promisc: promisc,
		events:  make(chan event, 10000),
		done:    make(chan struct{}),
	}
}

// Register attaches a new event source slot to the worker's loop. The
// slot delivers nothing until Registration.Start is given a source.
func (w *Worker) Register(name string, onPacket func([]byte, gopacket.CaptureInfo), onTick func(time.Time)) (*Registration, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	select {
	case <-w.done:
		return nil, ErrWorkerClosed
	default:
	}

	r := &Registration{
		worker:   w,
		name:     name,
		onPacket: onPacket,
		onTick:   onTick,
	}
	w.regs = append(w.regs, r)
	return r, nil
}

// Start begins pumping packets from src into the worker's loop.
func (r *Registration) Start(src gopacket.PacketDataSource) {
	r.src = src
	r.block = deliverBlocking(src)
	r.worker.pumps.Add(1)
	go r.pump()
}

// deliverBlocking decides the pump's back-pressure policy. A live ring
// must never stall, so its pump drops when the loop is saturated; a
// replayed file has nowhere to lose packets to, so its pump blocks.
func deliverBlocking(src gopacket.PacketDataSource) bool {
	_, ok := src.(*fileSource)
	return ok
}

// Stop detaches the registration from the loop. The pump exits at its
// next read; no callback fires for this registration afterwards.
func (r *Registration) Stop() {
	if r.stopped.Swap(true) {
		return
	}
	r.worker.detach(r)
}

func (r *Registration) pump() {
	for {
		if r.stopped.Load() {
			r.worker.events <- event{reg: r, err: io.EOF}
			return
		}
		data, ci, err := r.src.ReadPacketData()
		if err == nil {
			stats.Add("packets_received", 1)
			if r.block {
				r.worker.events <- event{reg: r, data: data, ci: ci}
				continue
			}
			select {
			case r.worker.events <- event{reg: r, data: data, ci: ci}:
			default:
				// loop is saturated; packet loss is preferable to
				// stalling the capture ring
				stats.Add("packets_dropped", 1)
			}
			continue
		}
		if enext, ok := err.(pcap.NextError); ok && enext == pcap.NextErrorTimeoutExpired {
			continue
		}
		if eno, ok := err.(syscall.Errno); ok && eno.Temporary() {
			continue
		}
		if enet, ok := err.(*net.OpError); ok && (enet.Temporary() || enet.Timeout()) {
			continue
		}
		slog.Info("stopped reading from %s source %s: %v", r.worker.Ifname, r.name, err)
		if err != io.EOF && err != io.ErrClosedPipe {
			stats.Add("source_errors", 1)
		}
		r.worker.events <- event{reg: r, err: err}
		return
	}
}

// Start spawns the worker's dedicated loop thread. It must be called
// exactly once.
func (w *Worker) Start() {
	go w.run()
}

// Join blocks until the worker's loop exits. For live capture this
// only happens at process teardown.
func (w *Worker) Join() {
	<-w.done
}

// Done exposes loop termination for select-based coordinators.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) run() {
	// callbacks assume a stable thread for the lifetime of the loop
	runtime.LockOSThread()
	defer close(w.done)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	lastStats := time.Now()

	for {
		select {
		case ev := <-w.events:
			if ev.err != nil {
				if w.pumps.Add(-1) == 0 {
					slog.Info("worker %s: all sources exhausted, loop exiting", w.Ifname)
					return
				}
				continue
			}
			if ev.reg.stopped.Load() {
				continue
			}
			ev.reg.onPacket(ev.data, ev.ci)
		case now := <-ticker.C:
			w.mu.Lock()
			regs := w.regs
			w.mu.Unlock()
			for _, r := range regs {
				if r.onTick != nil && !r.stopped.Load() {
					r.onTick(now)
				}
			}
			if now.Sub(lastStats) >= statsInterval {
				lastStats = now
				w.logIOCounters()
			}
		}
	}
}

func (w *Worker) detach(r *Registration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, reg := range w.regs {
		if reg == r {
			w.regs = append(w.regs[:i], w.regs[i+1:]...)
			break
		}
	}
}

// logIOCounters surfaces kernel-side interface counters so an operator
// can compare what the NIC saw with what the taps consumed.
func (w *Worker) logIOCounters() {
	counters, err := psnet.IOCounters(true)
	if err != nil {
		return
	}
	for _, c := range counters {
		if c.Name != w.Ifname {
			continue
		}
		slog.Debug("worker %s: if rx_packets=%d rx_bytes=%d drop_in=%d err_in=%d",
			w.Ifname, c.PacketsRecv, c.BytesRecv, c.Dropin, c.Errin)
		return
	}
}
