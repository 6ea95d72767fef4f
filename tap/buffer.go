package tap

import (
	"bytes"
	"time"

	"github.com/huandu/skiplist"
	slog "github.com/vearne/simplelog"
)

// MaxWindowSize bounds how far ahead of the expected sequence number a
// segment may land and still be buffered for reassembly.
const MaxWindowSize = 1 << 16

// Buffer reassembles one direction of an intercepted flow into an
// in-order byte stream. It is owned by a single worker loop, so no
// locking: segments arrive through Add on the loop, readers drain on
// the same loop.
//
// Out-of-order segments wait in a skiplist keyed by sequence number;
// the oldest-gap timestamp lets the owning listener enforce its
// reassembly deadline.
type Buffer struct {
	list        *skiplist.SkipList
	expectedSeq uint32
	synced      bool
	pending     bytes.Buffer
	closed      bool

	dupSegments uint64
	oooSegments uint64
	gapSince    time.Time
}

func NewBuffer() *Buffer {
	return &Buffer{list: skiplist.New(skiplist.Uint32)}
}

// SetExpectedSeq anchors the stream, normally at ISN+1 once the SYN is
// seen. Until anchored, the first data segment anchors it.
func (b *Buffer) SetExpectedSeq(seq uint32) {
	b.expectedSeq = seq
	b.synced = true
}

// Available reports contiguous, in-order bytes ready to drain.
func (b *Buffer) Available() int {
	return b.pending.Len()
}

// Closed reports whether the sender half has finished (FIN/RST seen).
// Remaining buffered bytes stay drainable after close.
func (b *Buffer) Closed() bool {
	return b.closed
}

func (b *Buffer) Close() {
	b.closed = true
}

// Drain removes exactly n bytes of in-order data. Asking for more than
// Available is a caller defect and returns a short count.
func (b *Buffer) Drain(n int) []byte {
	out := make([]byte, n)
	got, _ := b.pending.Read(out)
	return out[:got]
}

// Add merges one segment's payload. Duplicates and segments outside
// the reassembly window are counted and dropped; in-window gaps hold
// data aside until the missing segment arrives.
func (b *Buffer) Add(seq uint32, payload []byte, now time.Time) {
	if len(payload) == 0 {
		return
	}
	if !b.synced {
		b.SetExpectedSeq(seq)
	}

	// distance ahead of the expected sequence, modulo 2^32
	diff := seq - b.expectedSeq
	if diff >= MaxWindowSize {
		// behind the window: a retransmission of already-consumed data.
		// A retransmission can still carry bytes past the consumed edge,
		// so keep the unseen tail and drop only the overlap.
		b.dupSegments++
		back := b.expectedSeq - seq
		if back >= uint32(len(payload)) {
			slog.Debug("Buffer.Add: stale segment seq=%v expected=%v", seq, b.expectedSeq)
			return
		}
		payload = payload[back:]
		seq = b.expectedSeq
	} else if diff > 0 {
		if b.list.Get(seq) != nil {
			b.dupSegments++
			return
		}
		if b.list.Len() == 0 {
			b.gapSince = now
		}
		b.list.Set(seq, payload)
		b.oooSegments++
		return
	}

	// in order: consume it, then every queued successor it unblocks
	for {
		b.pending.Write(payload)
		b.expectedSeq = seq + uint32(len(payload))

		ele := b.list.Get(b.expectedSeq)
		if ele == nil {
			break
		}
		b.list.RemoveElement(ele)
		seq = ele.Key().(uint32)
		payload = ele.Value.([]byte)
	}

	if b.list.Len() == 0 {
		b.gapSince = time.Time{}
	}
	// when another gap remains the kept timestamp may predate it, so
	// the reassembly deadline can only fire early, never late
}

// GapAge reports how long the stream has been stuck behind a missing
// segment; zero when no gap exists.
func (b *Buffer) GapAge(now time.Time) time.Duration {
	if b.gapSince.IsZero() {
		return 0
	}
	return now.Sub(b.gapSince)
}

// DupSegments counts retransmitted or duplicate segments seen.
func (b *Buffer) DupSegments() uint64 { return b.dupSegments }

// OOOSegments counts segments that arrived ahead of a gap.
func (b *Buffer) OOOSegments() uint64 { return b.oooSegments }

// ExpectedSeq exposes the next in-order sequence number.
func (b *Buffer) ExpectedSeq() uint32 { return b.expectedSeq }
