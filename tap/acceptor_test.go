package tap

import (
	"errors"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"

	"github.com/vearne/tcptap/capture"
	"github.com/vearne/tcptap/model"
	"github.com/vearne/tcptap/util"
)

// failingDeriver stands in for a transport that cannot produce the
// complementary vantage point.
type failingDeriver struct{}

func (failingDeriver) DerivePeer(*Flow, *View) (*View, error) {
	return nil, errors.New("no peer view")
}

func newTestListener(sink func(*model.Record)) *Listener {
	hosts := util.NewStringSet()
	hosts.Add("10.0.0.1")
	return &Listener{
		name:      "eth0/10.0.0.1:2222",
		worker:    capture.NewWorker("eth0", 0, false),
		port:      2222,
		hosts:     hosts,
		verbosity: 1,
		maxFlows:  4,
		deadlines: DefaultDeadlines(),
		deriver:   liveDeriver{},
		sink:      sink,
		flows:     make(map[DirectConn]*Flow),
		watchers:  make(map[DirectConn]*View),
	}
}

func segment(srcIP, dstIP string, srcPort, dstPort uint16, tcp *layers.TCP, dir Dir) *Segment {
	tcp.SrcPort = layers.TCPPort(srcPort)
	tcp.DstPort = layers.TCPPort(dstPort)
	return &Segment{SrcIP: srcIP, DstIP: dstIP, TCP: tcp, Direction: dir}
}

func clientSYN() *Segment {
	return segment("10.0.0.9", "10.0.0.1", 51000, 2222,
		&layers.TCP{SYN: true, Seq: 100}, DirToServer)
}

func TestAcceptYieldsTwoConns(t *testing.T) {
	l := newTestListener(nil)
	now := time.Now()

	l.handleSegment(clientSYN(), now)

	assert.Equal(t, 1, l.Flows())
	f := l.flows[clientSYN().ServerConn()]
	assert.Len(t, f.conns(), 2)
	assert.Equal(t, VantageServer, f.server.Vantage)
	assert.Equal(t, VantageClient, f.client.Vantage)
	assert.Equal(t, "SERVER (10.0.0.1:2222 <- 10.0.0.9:51000)", f.server.Label)
	assert.Equal(t, "CLIENT (10.0.0.9:51000 <- 10.0.0.1:2222)", f.client.Label)
}

func TestAcceptPeerDerivationFailureRollsBack(t *testing.T) {
	l := newTestListener(nil)
	l.deriver = failingDeriver{}
	now := time.Now()
	syn := clientSYN()

	l.handleSegment(syn, now)

	// all-or-nothing: zero connections, no watcher left behind
	assert.Equal(t, 0, l.Flows())
	assert.False(t, l.watched(syn.ServerConn()))
	key := syn.ServerConn()
	assert.False(t, l.watched(key.Reverse()))
}

func TestAcceptPeerAttachFailureReleasesPrimary(t *testing.T) {
	l := newTestListener(nil)
	now := time.Now()
	syn := clientSYN()

	// occupy the peer's wire direction so the peer attach fails
	key := syn.ServerConn()
	reverse := key.Reverse()
	l.watchers[reverse] = &View{key: reverse}

	l.handleSegment(syn, now)

	assert.Equal(t, 0, l.Flows())
	// the primary's watcher must be gone too
	assert.False(t, l.watched(syn.ServerConn()))
}

func TestAcceptFlowTableCap(t *testing.T) {
	l := newTestListener(nil)
	l.maxFlows = 1
	now := time.Now()

	l.handleSegment(clientSYN(), now)
	assert.Equal(t, 1, l.Flows())

	second := segment("10.0.0.8", "10.0.0.1", 40000, 2222,
		&layers.TCP{SYN: true, Seq: 7}, DirToServer)
	l.handleSegment(second, now)

	assert.Equal(t, 1, l.Flows())
	assert.False(t, l.watched(second.ServerConn()))
}

func TestFlowDataReachesBothVantages(t *testing.T) {
	var records []*model.Record
	l := newTestListener(func(r *model.Record) { records = append(records, r) })
	now := time.Now()

	l.handleSegment(clientSYN(), now)
	synack := segment("10.0.0.1", "10.0.0.9", 2222, 51000,
		&layers.TCP{SYN: true, ACK: true, Seq: 300, Ack: 101}, DirToClient)
	l.handleSegment(synack, now)

	request := segment("10.0.0.9", "10.0.0.1", 51000, 2222,
		&layers.TCP{ACK: true, Seq: 101, Ack: 301}, DirToServer)
	request.TCP.Payload = []byte("GET / HTTP/1.0\r\n\r\n")
	l.handleSegment(request, now)

	response := segment("10.0.0.1", "10.0.0.9", 2222, 51000,
		&layers.TCP{ACK: true, Seq: 301, Ack: 119}, DirToClient)
	response.TCP.Payload = []byte("HTTP/1.0 200 OK\r\n\r\n")
	l.handleSegment(response, now)

	assert.Len(t, records, 2)
	assert.Equal(t, VantageServer, records[0].Vantage)
	assert.Equal(t, len("GET / HTTP/1.0\r\n\r\n"), records[0].Size)
	assert.Equal(t, VantageClient, records[1].Vantage)
	assert.Equal(t, len("HTTP/1.0 200 OK\r\n\r\n"), records[1].Size)

	f := l.flows[clientSYN().ServerConn()]
	assert.Equal(t, uint64(18), f.server.Total())
	assert.Equal(t, uint64(19), f.client.Total())
}

func TestFlowTeardownOnFIN(t *testing.T) {
	l := newTestListener(nil)
	now := time.Now()
	key := clientSYN().ServerConn()

	l.handleSegment(clientSYN(), now)
	assert.Equal(t, 1, l.Flows())

	clientFIN := segment("10.0.0.9", "10.0.0.1", 51000, 2222,
		&layers.TCP{FIN: true, ACK: true, Seq: 101, Ack: 301}, DirToServer)
	l.handleSegment(clientFIN, now)

	// only the server vantage saw EOF; the flow stays until both end
	assert.Equal(t, 1, l.Flows())
	assert.True(t, l.flows[key].server.Done())
	assert.False(t, l.flows[key].client.Done())

	serverFIN := segment("10.0.0.1", "10.0.0.9", 2222, 51000,
		&layers.TCP{FIN: true, ACK: true, Seq: 301, Ack: 102}, DirToClient)
	l.handleSegment(serverFIN, now)

	assert.Equal(t, 0, l.Flows())
	assert.False(t, l.watched(key))
	assert.False(t, l.watched(key.Reverse()))
}

func TestFlowTeardownOnRST(t *testing.T) {
	l := newTestListener(nil)
	now := time.Now()

	l.handleSegment(clientSYN(), now)
	rst := segment("10.0.0.1", "10.0.0.9", 2222, 51000,
		&layers.TCP{RST: true, Seq: 300}, DirToClient)
	l.handleSegment(rst, now)

	assert.Equal(t, 0, l.Flows())
}

func TestDeadlineHandshakeTimeout(t *testing.T) {
	l := newTestListener(nil)
	now := time.Now()

	l.handleSegment(clientSYN(), now)
	assert.Equal(t, 1, l.Flows())

	// nothing completes the handshake
	l.onTick(now.Add(3 * time.Second))
	assert.Equal(t, 1, l.Flows())
	l.onTick(now.Add(6 * time.Second))
	assert.Equal(t, 0, l.Flows())
}

func TestDeadlineReassemblyTimeout(t *testing.T) {
	l := newTestListener(nil)
	now := time.Now()

	l.handleSegment(clientSYN(), now)
	synack := segment("10.0.0.1", "10.0.0.9", 2222, 51000,
		&layers.TCP{SYN: true, ACK: true, Seq: 300, Ack: 101}, DirToClient)
	l.handleSegment(synack, now)
	establish := segment("10.0.0.9", "10.0.0.1", 51000, 2222,
		&layers.TCP{ACK: true, Seq: 101, Ack: 301}, DirToServer)
	l.handleSegment(establish, now)

	// a segment ahead of a gap that never fills
	now = now.Add(time.Second)
	stuck := segment("10.0.0.9", "10.0.0.1", 51000, 2222,
		&layers.TCP{ACK: true, Seq: 601, Ack: 301}, DirToServer)
	stuck.TCP.Payload = []byte("orphan")
	l.handleSegment(stuck, now)
	assert.Equal(t, 1, l.Flows())

	l.onTick(now.Add(2500 * time.Millisecond))
	assert.Equal(t, 0, l.Flows())
}
