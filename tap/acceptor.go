package tap

import (
	"time"

	slog "github.com/vearne/simplelog"

	"github.com/vearne/tcptap/model"
)

// Vantage tags for the two sides of a flow.
const (
	VantageServer = model.VantageServer
	VantageClient = model.VantageClient
)

// PeerDeriver produces the complementary vantage point of a flow from
// its primary one. Live interception always has a peer (the reverse
// stream); the indirection exists so pairing can be exercised against
// a deriver that fails on demand.
type PeerDeriver interface {
	DerivePeer(f *Flow, primary *View) (*View, error)
}

// liveDeriver builds the reverse-direction view of the same flow.
type liveDeriver struct{}

func (liveDeriver) DerivePeer(f *Flow, primary *View) (*View, error) {
	return &View{
		Vantage: VantageClient,
		dir:     DirToClient,
		buf:     NewBuffer(),
		tel:     primary.tel,
		key:     primary.key.Reverse(),
	}, nil
}

// accept turns the first segment of an untracked flow into a matched
// pair of running Conns. Every failure rolls back everything this
// accept allocated: afterwards the flow has either two live
// connections or none, and the listener keeps serving either way.
func (l *Listener) accept(seg *Segment, key DirectConn, now time.Time) {
	// 1. accept the new socket
	if seg.Direction == DirUnknown {
		slog.Warn("tap %s: %s on accept: segment matches no direction, %v",
			l.name, KindAccept, key.String())
		return
	}
	f := newFlow(key, now)
	primary := &View{
		Vantage: VantageServer,
		dir:     DirToServer,
		buf:     NewBuffer(),
		tel:     f.tel,
		key:     key,
	}

	// 2. attach it to the loop
	if err := l.watch(f, primary); err != nil {
		primary.close()
		slog.Warn("tap %s: %s attaching accepted socket: %v", l.name, KindOf(err), err)
		return
	}

	// 3. derive the passive peer
	peer, err := l.deriver.DerivePeer(f, primary)
	if err != nil {
		l.unwatch(primary)
		primary.close()
		slog.Warn("tap %s: %s deriving peer for %v: %v", l.name, KindPairing, key.String(), err)
		return
	}

	// 4. attach the peer
	if err := l.watch(f, peer); err != nil {
		l.unwatch(primary)
		primary.close()
		peer.close()
		slog.Warn("tap %s: %s attaching peer socket: %v", l.name, KindOf(err), err)
		return
	}

	// 5. + 6. allocate both connection records, label them, start them
	f.server = l.startConn(f, primary)
	f.client = l.startConn(f, peer)
	l.flows[key] = f
	stats.Add("flows_intercepted", 1)
	l.observe(f, seg, now)

	slog.Info("tap %s: intercepted flow %v [%s | %s]",
		l.name, f.ID, f.server.Label, f.client.Label)
}

// startConn promotes a watched view into a running connection with its
// teardown ladder wired in.
func (l *Listener) startConn(f *Flow, v *View) *Conn {
	c := &Conn{
		FlowID:    f.ID,
		Label:     viewLabel(v.Vantage, v.key),
		Vantage:   v.Vantage,
		Ifname:    l.worker.Ifname,
		buf:       v.buf,
		tel:       v.tel,
		verbosity: l.verbosity,
		sink:      l.sink,
	}
	c.stopWatch = func() { l.unwatch(v) }
	c.closeSock = v.close
	c.release = func() { l.reap(f) }
	return c
}

// watch registers a view's wire direction with the listener's dispatch
// index. It fails when the flow table is at capacity or the direction
// is already claimed.
func (l *Listener) watch(f *Flow, v *View) error {
	if len(l.flows) >= l.maxFlows {
		return newError(KindPairing, "flow table full", nil)
	}
	if _, dup := l.watchers[v.key]; dup {
		return newError(KindPairing, "direction already watched", nil)
	}
	l.watchers[v.key] = v
	return nil
}

func (l *Listener) unwatch(v *View) {
	delete(l.watchers, v.key)
}

// watched reports whether a readability watcher is registered for the
// given wire direction.
func (l *Listener) watched(key DirectConn) bool {
	_, ok := l.watchers[key]
	return ok
}

// reap drops the flow once both its connections have ended.
func (l *Listener) reap(f *Flow) {
	if f.finished() {
		delete(l.flows, f.Key)
	}
}
