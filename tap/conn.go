package tap

import (
	"time"

	slog "github.com/vearne/simplelog"

	"github.com/vearne/tcptap/model"
	"github.com/vearne/tcptap/render"
)

// ReadBufferCap is the fixed capacity of a connection's read buffer.
// One byte is held back from every read as terminator headroom for the
// renderer, so the largest single read is ReadBufferCap-1 bytes.
const ReadBufferCap = 64 << 10

// Conn is one read-only vantage point over an intercepted flow. Two
// are created per flow and live independently afterwards; each is
// touched only by the worker loop that owns it.
type Conn struct {
	FlowID  string
	Label   string
	Vantage string
	Ifname  string

	buf       *Buffer
	tel       *Telemetry
	verbosity int
	total     uint64
	sink      func(*model.Record)

	// teardown steps in their mandatory order
	stopWatch func()
	closeSock func()
	release   func()

	done bool
}

// Total returns the monotonic count of bytes this vantage has read.
func (c *Conn) Total() uint64 { return c.total }

// Done reports whether the connection has been torn down.
func (c *Conn) Done() bool { return c.done }

// onReadable drains what the reassembly buffer has ready. Exactly one
// receive per invocation; any fatal condition tears the connection
// down and no retry follows.
func (c *Conn) onReadable(now time.Time) {
	if c.done {
		return
	}

	avail := c.buf.Available()
	if avail <= 0 {
		if c.buf.Closed() {
			// ordinary close
			slog.Info("%v: closing connection, %v bytes read", c.Label, c.total)
			c.Teardown()
			return
		}
		// a readable connection with nothing available is a defect
		slog.Error("%v: readable with no data available (avail=%d)", c.Label, avail)
		c.Teardown()
		return
	}

	n := avail
	if n > ReadBufferCap-1 {
		n = ReadBufferCap - 1
	}
	data := c.buf.Drain(n)
	if len(data) != n {
		// the receive must fully satisfy the requested size
		slog.Error("%v: short read, want %d got %d", c.Label, n, len(data))
		c.Teardown()
		return
	}

	c.total += uint64(n)

	if c.verbosity >= 2 {
		snap := c.tel.SnapshotFor(c.Vantage)
		c.emit(&model.Record{
			FlowID:    c.FlowID,
			Kind:      model.KindTelemetry,
			Label:     c.Label,
			Vantage:   c.Vantage,
			Interface: c.Ifname,
			Timestamp: now.UnixNano(),
			Body:      snap.String(),
		})
	}
	if c.verbosity >= 1 {
		c.emit(&model.Record{
			FlowID:    c.FlowID,
			Kind:      model.KindData,
			Label:     c.Label,
			Vantage:   c.Vantage,
			Interface: c.Ifname,
			Size:      n,
			Total:     c.total,
			Timestamp: now.UnixNano(),
			Body:      render.Span(data),
		})
	}
}

func (c *Conn) emit(rec *model.Record) {
	if c.sink != nil {
		c.sink(rec)
	}
}

// Teardown ends the connection: stop the readability registration,
// close the socket, release the record. A Conn is single-use; nothing
// revives it afterwards.
func (c *Conn) Teardown() {
	if c.done {
		return
	}
	c.done = true
	if c.stopWatch != nil {
		c.stopWatch()
	}
	if c.closeSock != nil {
		c.closeSock()
	}
	if c.release != nil {
		c.release()
	}
}
