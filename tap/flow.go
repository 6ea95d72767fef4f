package tap

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// View is one vantage point over an intercepted flow before it is
// started as a Conn: the reassembled byte stream of one wire
// direction.
type View struct {
	Vantage string
	dir     Dir // wire direction feeding this view
	buf     *Buffer
	tel     *Telemetry
	key     DirectConn // direction-specific endpoints, for watching
}

// close releases the view's underlying stream resources.
func (v *View) close() {
	v.buf.Close()
}

// Flow is one intercepted TCP connection, observed through two
// independent vantage points. The two Conns share the telemetry
// tracker but nothing mutable beyond it, and only the owning worker
// loop touches any of it.
type Flow struct {
	ID  string
	Key DirectConn // normalized: original client -> tapped server

	tel      *Telemetry
	server   *Conn // reads the client->server stream
	client   *Conn // reads the server->client stream
	created  time.Time
	lastSeen time.Time
}

func newFlow(key DirectConn, now time.Time) *Flow {
	return &Flow{
		ID:       uuid.NewString(),
		Key:      key,
		tel:      NewTelemetry(),
		created:  now,
		lastSeen: now,
	}
}

// conns returns the live connections of this flow, zero or two in any
// externally observable state.
func (f *Flow) conns() []*Conn {
	out := make([]*Conn, 0, 2)
	if f.server != nil && !f.server.done {
		out = append(out, f.server)
	}
	if f.client != nil && !f.client.done {
		out = append(out, f.client)
	}
	return out
}

func (f *Flow) finished() bool {
	return (f.server == nil || f.server.done) && (f.client == nil || f.client.done)
}

// viewLabel renders the vantage tag plus the socket addresses the way
// an operator reads them: local endpoint first, arrow showing where
// the bytes come from.
func viewLabel(vantage string, key DirectConn) string {
	// key is oriented in the stream's travel direction, so the local
	// endpoint of this vantage is the destination
	return fmt.Sprintf("%s (%s:%d <- %s:%d)", vantage,
		key.DstAddr.IP, key.DstAddr.Port, key.SrcAddr.IP, key.SrcAddr.Port)
}
