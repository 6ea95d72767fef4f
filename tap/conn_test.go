package tap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vearne/tcptap/model"
)

func newTestConn(verbosity int, sink func(*model.Record)) *Conn {
	return &Conn{
		FlowID:    "flow-1",
		Label:     "SERVER (10.0.0.1:2222 <- 10.0.0.9:51000)",
		Vantage:   VantageServer,
		Ifname:    "eth0",
		buf:       NewBuffer(),
		tel:       NewTelemetry(),
		verbosity: verbosity,
		sink:      sink,
	}
}

func TestConnCounterMatchesReadSizes(t *testing.T) {
	var records []*model.Record
	c := newTestConn(1, func(r *model.Record) { records = append(records, r) })
	now := time.Now()
	c.buf.SetExpectedSeq(1)

	sizes := []int{5, 11, 3}
	seq := uint32(1)
	var want uint64
	for _, n := range sizes {
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = 'a'
		}
		c.buf.Add(seq, payload, now)
		seq += uint32(n)
		prev := c.Total()
		c.onReadable(now)
		want += uint64(n)
		assert.Equal(t, want, c.Total())
		assert.GreaterOrEqual(t, c.Total(), prev)
	}

	assert.Len(t, records, len(sizes))
	for i, r := range records {
		assert.Equal(t, model.KindData, r.Kind)
		assert.Equal(t, sizes[i], r.Size)
	}
	assert.Equal(t, want, records[len(records)-1].Total)
}

func TestConnReadSizeHeadroom(t *testing.T) {
	c := newTestConn(0, nil)
	now := time.Now()
	c.buf.SetExpectedSeq(1)

	big := make([]byte, ReadBufferCap+1000)
	c.buf.Add(1, big, now)

	c.onReadable(now)
	// one byte of headroom is always held back from a full buffer
	assert.Equal(t, uint64(ReadBufferCap-1), c.Total())
	assert.Equal(t, len(big)-(ReadBufferCap-1), c.buf.Available())
}

func TestConnOrdinaryClose(t *testing.T) {
	var order []string
	c := newTestConn(1, nil)
	c.stopWatch = func() { order = append(order, "stop") }
	c.closeSock = func() { order = append(order, "close") }
	c.release = func() { order = append(order, "release") }

	c.buf.Close()
	c.onReadable(time.Now())

	assert.True(t, c.Done())
	assert.Equal(t, []string{"stop", "close", "release"}, order)
}

func TestConnReadableWithNothingAvailableIsFatal(t *testing.T) {
	c := newTestConn(1, nil)
	// not closed, nothing buffered: the readiness event lied
	c.onReadable(time.Now())
	assert.True(t, c.Done())
}

func TestConnTeardownIsSingleUse(t *testing.T) {
	released := 0
	c := newTestConn(0, nil)
	c.release = func() { released++ }

	c.Teardown()
	c.Teardown()
	c.onReadable(time.Now())

	assert.Equal(t, 1, released)
}

func TestConnVerbosityGating(t *testing.T) {
	now := time.Now()

	feed := func(c *Conn) {
		c.buf.SetExpectedSeq(1)
		c.buf.Add(1, []byte("payload"), now)
		c.onReadable(now)
	}

	var silent []*model.Record
	c := newTestConn(0, func(r *model.Record) { silent = append(silent, r) })
	feed(c)
	assert.Empty(t, silent)
	assert.Equal(t, uint64(7), c.Total())

	var dumps []*model.Record
	c = newTestConn(1, func(r *model.Record) { dumps = append(dumps, r) })
	feed(c)
	assert.Len(t, dumps, 1)
	assert.Equal(t, model.KindData, dumps[0].Kind)

	var full []*model.Record
	c = newTestConn(2, func(r *model.Record) { full = append(full, r) })
	feed(c)
	assert.Len(t, full, 2)
	assert.Equal(t, model.KindTelemetry, full[0].Kind)
	assert.Equal(t, model.KindData, full[1].Kind)
}
