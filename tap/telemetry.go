package tap

import (
	"fmt"
	"time"

	"github.com/google/gopacket/layers"
)

// FlowState tracks where the intercepted flow is in its lifecycle, as
// far as a passive observer can tell.
type FlowState uint8

const (
	StateSynSent FlowState = iota + 1
	StateSynReceived
	StateEstablished
	StateFinWait
	StateClosed
)

func (s FlowState) String() string {
	switch s {
	case StateSynSent:
		return "SYN_SENT"
	case StateSynReceived:
		return "SYN_RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait:
		return "FIN_WAIT"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// sideStats is what we can infer about one sender of the flow purely
// from watching its segments go by.
type sideStats struct {
	mss       uint16
	wscale    uint8
	window    uint32 // scaled receive window it advertises
	nextSeq   uint32
	highSeq   uint32 // highest sequence transmitted, for retrans detection
	highSet   bool
	ackedSeq  uint32 // highest sequence the other side has acked
	ackSet    bool
	retrans   uint64
	zeroWin   uint64
	ooo       uint64
	lastSent  time.Time
	sentSeq   uint32 // segment we are timing for an RTT sample
	rttArmed  bool
}

// Telemetry passively reconstructs the connection-level statistics a
// kernel would report for the flow: state, smoothed RTT and variance,
// and per-side MSS, window scaling, windows, sequence progress,
// retransmit and zero-window counts. The in-flight byte estimate
// stands in for the sender's congestion window, which is not
// observable from the wire.
type Telemetry struct {
	state FlowState

	// RFC 6298 style smoothing over samples taken from
	// segment -> acknowledgment round trips
	srtt    time.Duration
	rttvar  time.Duration
	sampled bool

	client sideStats // original client as sender
	server sideStats // tapped endpoint as sender
}

func NewTelemetry() *Telemetry {
	return &Telemetry{state: StateClosed}
}

func (t *Telemetry) State() FlowState { return t.state }

// Established reports whether the three-way handshake completed.
func (t *Telemetry) Established() bool {
	return t.state == StateEstablished || t.state == StateFinWait
}

// Observe feeds one captured segment through the state machine. dir
// orients the segment; now is its capture timestamp.
func (t *Telemetry) Observe(tcp *layers.TCP, dir Dir, now time.Time) {
	var sender, receiver *sideStats
	if dir == DirToServer {
		sender, receiver = &t.client, &t.server
	} else {
		sender, receiver = &t.server, &t.client
	}

	switch {
	case tcp.SYN && !tcp.ACK:
		t.state = StateSynSent
		sender.parseOptions(tcp)
		sender.nextSeq = tcp.Seq + 1
		sender.lastSent = now
		sender.sentSeq = tcp.Seq + 1
		sender.rttArmed = true
	case tcp.SYN && tcp.ACK:
		t.state = StateSynReceived
		sender.parseOptions(tcp)
		sender.nextSeq = tcp.Seq + 1
		sender.lastSent = now
		sender.sentSeq = tcp.Seq + 1
		sender.rttArmed = true
	case tcp.RST:
		t.state = StateClosed
	case tcp.FIN:
		if t.state == StateFinWait {
			t.state = StateClosed
		} else {
			t.state = StateFinWait
		}
	default:
		if t.state == StateSynReceived || t.state == StateSynSent {
			t.state = StateEstablished
		}
	}

	// window advertisement, scaled once the handshake fixed the factor
	win := uint32(tcp.Window)
	if t.Established() {
		win <<= sender.wscale
	}
	sender.window = win
	if tcp.Window == 0 && !tcp.RST {
		sender.zeroWin++
	}

	if n := len(tcp.Payload); n > 0 {
		end := tcp.Seq + uint32(n)
		if !sender.ackSet {
			// nothing acked yet; anchor the in-flight estimate at the
			// first byte we saw this sender transmit
			sender.ackedSeq = tcp.Seq
			sender.ackSet = true
		}
		if sender.highSet && !seqAfter(end, sender.highSeq) {
			sender.retrans++
		} else {
			if sender.highSet && tcp.Seq != sender.highSeq {
				sender.ooo++
			}
			sender.highSeq = end
			sender.highSet = true
			if !sender.rttArmed {
				sender.lastSent = now
				sender.sentSeq = end
				sender.rttArmed = true
			}
		}
		if seqAfter(end, sender.nextSeq) {
			sender.nextSeq = end
		}
	}

	if tcp.ACK {
		if !receiver.ackSet || seqAfter(tcp.Ack, receiver.ackedSeq) {
			receiver.ackedSeq = tcp.Ack
			receiver.ackSet = true
		}
		// an ack covering the timed segment closes one RTT sample
		if receiver.rttArmed && !seqAfter(receiver.sentSeq, tcp.Ack) {
			t.addRTTSample(now.Sub(receiver.lastSent))
			receiver.rttArmed = false
		}
	}
}

// NoteOutOfOrder folds reassembly-level observations into the sender's
// counters.
func (t *Telemetry) NoteOutOfOrder(dir Dir, n uint64) {
	if dir == DirToServer {
		t.client.ooo = n
	} else {
		t.server.ooo = n
	}
}

func (t *Telemetry) addRTTSample(sample time.Duration) {
	if sample <= 0 {
		return
	}
	if !t.sampled {
		t.srtt = sample
		t.rttvar = sample / 2
		t.sampled = true
		return
	}
	d := t.srtt - sample
	if d < 0 {
		d = -d
	}
	t.rttvar = (3*t.rttvar + d) / 4
	t.srtt = (7*t.srtt + sample) / 8
}

// inFlight estimates unacknowledged bytes from one sender.
func (s *sideStats) inFlight() uint32 {
	if !s.highSet || !seqAfter(s.highSeq, s.ackedSeq) {
		return 0
	}
	return s.highSeq - s.ackedSeq
}

func (s *sideStats) parseOptions(tcp *layers.TCP) {
	for _, opt := range tcp.Options {
		switch opt.OptionType {
		case layers.TCPOptionKindMSS:
			if len(opt.OptionData) == 2 {
				s.mss = uint16(opt.OptionData[0])<<8 | uint16(opt.OptionData[1])
			}
		case layers.TCPOptionKindWindowScale:
			if len(opt.OptionData) == 1 {
				s.wscale = opt.OptionData[0]
			}
		}
	}
}

// seqAfter reports whether a comes after b in 32-bit sequence space.
func seqAfter(a, b uint32) bool {
	return int32(a-b) > 0
}

// Snapshot captures the telemetry at one instant, oriented for the
// given vantage point: "send" is the vantage's own transmit direction.
type Snapshot struct {
	State   FlowState
	RTT     time.Duration
	RTTVar  time.Duration
	Send    SideSnapshot
	Recv    SideSnapshot
}

type SideSnapshot struct {
	MSS      uint16
	Wscale   uint8
	Window   uint32
	NextSeq  uint32
	Retrans  uint64
	ZeroWin  uint64
	OOO      uint64
	InFlight uint32
}

// SnapshotFor orients the flow stats for the vantage point that will
// log them. The SERVER vantage reads the client->server stream, so its
// "send" side is the original server.
func (t *Telemetry) SnapshotFor(vantage string) Snapshot {
	send, recv := &t.server, &t.client
	if vantage == "CLIENT" {
		send, recv = &t.client, &t.server
	}
	return Snapshot{
		State:  t.state,
		RTT:    t.srtt,
		RTTVar: t.rttvar,
		Send:   send.snapshot(),
		Recv:   recv.snapshot(),
	}
}

func (s *sideStats) snapshot() SideSnapshot {
	return SideSnapshot{
		MSS:      s.mss,
		Wscale:   s.wscale,
		Window:   s.window,
		NextSeq:  s.nextSeq,
		Retrans:  s.retrans,
		ZeroWin:  s.zeroWin,
		OOO:      s.ooo,
		InFlight: s.inFlight(),
	}
}

// String renders the snapshot in the shape of a TCP_INFO dump. The
// ssthresh and cwnd slots carry the passive in-flight estimate since a
// wire observer cannot see the sender's congestion state.
func (s Snapshot) String() string {
	return fmt.Sprintf(
		"state=%s rtt=%v rttvar=%v "+
			"snd: mss=%d wscale=%d window=%d nxt=%d retrans=%d zerowin=%d ssthresh=%d cwnd=%d "+
			"rcv: mss=%d wscale=%d window=%d nxt=%d ooo=%d",
		s.State, s.RTT, s.RTTVar,
		s.Send.MSS, s.Send.Wscale, s.Send.Window, s.Send.NextSeq,
		s.Send.Retrans, s.Send.ZeroWin, s.Send.InFlight, s.Send.InFlight,
		s.Recv.MSS, s.Recv.Wscale, s.Recv.Window, s.Recv.NextSeq, s.Recv.OOO)
}
