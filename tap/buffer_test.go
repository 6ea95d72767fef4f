package tap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBufferInOrder(t *testing.T) {
	b := NewBuffer()
	now := time.Now()
	b.SetExpectedSeq(1000)

	b.Add(1000, []byte("hello "), now)
	b.Add(1006, []byte("world"), now)

	assert.Equal(t, 11, b.Available())
	assert.Equal(t, []byte("hello world"), b.Drain(11))
	assert.Equal(t, 0, b.Available())
	assert.Equal(t, uint32(1011), b.ExpectedSeq())
}

func TestBufferReorder(t *testing.T) {
	b := NewBuffer()
	now := time.Now()
	b.SetExpectedSeq(100)

	// second segment arrives first
	b.Add(105, []byte("world"), now)
	assert.Equal(t, 0, b.Available())
	assert.Equal(t, uint64(1), b.OOOSegments())
	assert.NotZero(t, b.GapAge(now.Add(time.Second)))

	b.Add(100, []byte("hello"), now)
	assert.Equal(t, 10, b.Available())
	assert.Equal(t, []byte("helloworld"), b.Drain(10))
	assert.Zero(t, b.GapAge(now.Add(time.Second)))
}

func TestBufferDuplicates(t *testing.T) {
	b := NewBuffer()
	now := time.Now()
	b.SetExpectedSeq(100)

	b.Add(100, []byte("data"), now)
	assert.Equal(t, []byte("data"), b.Drain(4))

	// retransmission of consumed data
	b.Add(100, []byte("data"), now)
	assert.Equal(t, 0, b.Available())
	assert.Equal(t, uint64(1), b.DupSegments())

	// duplicate of a queued out-of-order segment
	b.Add(200, []byte("ahead"), now)
	b.Add(200, []byte("ahead"), now)
	assert.Equal(t, uint64(2), b.DupSegments())
}

func TestBufferOverlapTrim(t *testing.T) {
	b := NewBuffer()
	now := time.Now()
	b.SetExpectedSeq(100)

	b.Add(100, []byte("hello"), now)
	assert.Equal(t, []byte("hello"), b.Drain(5))

	// retransmission straddling the consumed edge: the overlap is
	// dropped but the unseen tail survives
	b.Add(103, []byte("lo world"), now)
	assert.Equal(t, 6, b.Available())
	assert.Equal(t, []byte(" world"), b.Drain(6))
	assert.Equal(t, uint32(111), b.ExpectedSeq())
	assert.Equal(t, uint64(1), b.DupSegments())
}

func TestBufferWindowLimit(t *testing.T) {
	b := NewBuffer()
	now := time.Now()
	b.SetExpectedSeq(100)

	// far beyond the reassembly window, counted as stale
	b.Add(100+MaxWindowSize+1, []byte("x"), now)
	assert.Equal(t, 0, b.Available())
	assert.Equal(t, uint64(0), b.OOOSegments())
}

func TestBufferSeqWraparound(t *testing.T) {
	b := NewBuffer()
	now := time.Now()
	start := uint32(0xFFFFFFFD) // 3 bytes before wrap
	b.SetExpectedSeq(start)

	b.Add(start, []byte("abc"), now)
	assert.Equal(t, uint32(0), b.ExpectedSeq())

	b.Add(0, []byte("def"), now)
	assert.Equal(t, []byte("abcdef"), b.Drain(6))
	assert.Equal(t, uint32(3), b.ExpectedSeq())
}

func TestBufferAnchorsOnFirstSegment(t *testing.T) {
	b := NewBuffer()
	now := time.Now()

	// no SYN observed; first data segment anchors the stream
	b.Add(5000, []byte("late join"), now)
	assert.Equal(t, 9, b.Available())
}

func TestBufferCloseKeepsPending(t *testing.T) {
	b := NewBuffer()
	now := time.Now()
	b.SetExpectedSeq(1)
	b.Add(1, []byte("tail"), now)
	b.Close()

	assert.True(t, b.Closed())
	assert.Equal(t, []byte("tail"), b.Drain(4))
}
