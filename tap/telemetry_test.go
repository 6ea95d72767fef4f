package tap

import (
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
)

func synSegment(seq uint32, mss uint16, wscale byte) *layers.TCP {
	return &layers.TCP{
		SYN: true,
		Seq: seq,
		Options: []layers.TCPOption{
			{OptionType: layers.TCPOptionKindMSS, OptionLength: 4,
				OptionData: []byte{byte(mss >> 8), byte(mss)}},
			{OptionType: layers.TCPOptionKindWindowScale, OptionLength: 3,
				OptionData: []byte{wscale}},
		},
	}
}

func TestTelemetryHandshake(t *testing.T) {
	tel := NewTelemetry()
	base := time.Now()

	tel.Observe(synSegment(100, 1460, 7), DirToServer, base)
	assert.Equal(t, StateSynSent, tel.State())

	synack := synSegment(300, 1400, 5)
	synack.ACK = true
	synack.Ack = 101
	tel.Observe(synack, DirToClient, base.Add(10*time.Millisecond))
	assert.Equal(t, StateSynReceived, tel.State())

	ack := &layers.TCP{ACK: true, Seq: 101, Ack: 301, Window: 500}
	tel.Observe(ack, DirToServer, base.Add(20*time.Millisecond))
	assert.True(t, tel.Established())

	snap := tel.SnapshotFor(VantageClient)
	assert.Equal(t, uint16(1460), snap.Send.MSS)
	assert.Equal(t, uint8(7), snap.Send.Wscale)
	assert.Equal(t, uint16(1400), snap.Recv.MSS)
	assert.Equal(t, uint8(5), snap.Recv.Wscale)
}

func TestTelemetryRTTSample(t *testing.T) {
	tel := NewTelemetry()
	base := time.Now()

	tel.Observe(synSegment(100, 1460, 0), DirToServer, base)
	// the SYN-ACK acknowledges the SYN 42ms after we saw it
	synack := synSegment(300, 1400, 0)
	synack.ACK = true
	synack.Ack = 101
	tel.Observe(synack, DirToClient, base.Add(42*time.Millisecond))

	snap := tel.SnapshotFor(VantageServer)
	assert.Equal(t, 42*time.Millisecond, snap.RTT)
	assert.Equal(t, 21*time.Millisecond, snap.RTTVar)
}

func TestTelemetryRetransmits(t *testing.T) {
	tel := NewTelemetry()
	base := time.Now()

	data := &layers.TCP{Seq: 1000, Window: 100}
	data.Payload = []byte("abcdef")
	tel.Observe(data, DirToServer, base)

	// same bytes again
	tel.Observe(data, DirToServer, base.Add(time.Second))

	snap := tel.SnapshotFor(VantageClient)
	assert.Equal(t, uint64(1), snap.Send.Retrans)
	assert.Equal(t, uint32(1006), snap.Send.NextSeq)
}

func TestTelemetryZeroWindow(t *testing.T) {
	tel := NewTelemetry()
	base := time.Now()

	stalled := &layers.TCP{ACK: true, Seq: 1, Ack: 1, Window: 0}
	tel.Observe(stalled, DirToClient, base)
	tel.Observe(stalled, DirToClient, base.Add(time.Second))

	// the zero windows came from the server side
	snap := tel.SnapshotFor(VantageServer)
	assert.Equal(t, uint64(2), snap.Send.ZeroWin)
}

func TestTelemetryInFlight(t *testing.T) {
	tel := NewTelemetry()
	base := time.Now()

	data := &layers.TCP{Seq: 1000, Window: 100}
	data.Payload = make([]byte, 500)
	tel.Observe(data, DirToServer, base)

	// nothing acked yet
	snap := tel.SnapshotFor(VantageClient)
	assert.Equal(t, uint32(500), snap.Send.InFlight)

	ack := &layers.TCP{ACK: true, Seq: 1, Ack: 1300, Window: 100}
	tel.Observe(ack, DirToClient, base.Add(time.Millisecond))

	snap = tel.SnapshotFor(VantageClient)
	assert.Equal(t, uint32(200), snap.Send.InFlight)
}

func TestTelemetrySnapshotString(t *testing.T) {
	tel := NewTelemetry()
	snap := tel.SnapshotFor(VantageServer)
	s := snap.String()
	assert.Contains(t, s, "state=")
	assert.Contains(t, s, "rtt=")
	assert.Contains(t, s, "snd: mss=")
	assert.Contains(t, s, "rcv: mss=")
	assert.Contains(t, s, "cwnd=")
}
