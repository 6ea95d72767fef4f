package tap

import (
	"errors"

	slog "github.com/vearne/simplelog"

	"github.com/vearne/tcptap/capture"
	"github.com/vearne/tcptap/model"
)

// Target is one configured (interface, address, port) to tap.
type Target struct {
	Ifname  string
	Address string
	Port    uint16
}

// CoordinatorConfig is the capture-side slice of the app settings.
type CoordinatorConfig struct {
	Targets     []Target
	Promiscuous []string // interfaces forced promiscuous
	Engine      capture.EngineType
	Options     capture.Options
	Verbosity   int
	MaxFlows    int
	Deadlines   Deadlines
}

// Coordinator builds one worker per tapped interface and the listeners
// on them, starts the workers, and joins them at teardown. Listeners
// that fail to build are logged and stay permanently absent; the
// coordinator only refuses to start when none survive.
type Coordinator struct {
	cfg       CoordinatorConfig
	workers   []*capture.Worker
	listeners []*Listener
	records   chan *model.Record
	done      chan struct{}
}

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	return &Coordinator{
		cfg:     cfg,
		records: make(chan *model.Record, 10000),
		done:    make(chan struct{}),
	}
}

// Listeners reports how many taps were successfully established.
func (c *Coordinator) Listeners() int {
	return len(c.listeners)
}

// Records is the stream of dump records every connection emits.
func (c *Coordinator) Records() <-chan *model.Record {
	return c.records
}

// sink forwards a record without ever blocking a worker loop.
func (c *Coordinator) sink(rec *model.Record) {
	select {
	case c.records <- rec:
	default:
		stats.Add("records_dropped", 1)
	}
}

// Start builds and launches everything. The error is terminal: either
// the configuration yields at least one live listener or the process
// has nothing to do.
func (c *Coordinator) Start() error {
	forced := make(map[string]bool, len(c.cfg.Promiscuous))
	for _, ifname := range c.cfg.Promiscuous {
		forced[ifname] = true
	}

	byIface := make(map[string]*capture.Worker)
	attached := make(map[*capture.Worker]int)
	for _, t := range c.cfg.Targets {
		w, ok := byIface[t.Ifname]
		if !ok {
			// the capture domain id isolates promiscuous observation
			// per interface
			w = capture.NewWorker(t.Ifname, uint32(len(byIface)), forced[t.Ifname])
			byIface[t.Ifname] = w
		}

		l, err := NewListener(w, ListenerConfig{
			Address:   t.Address,
			Port:      t.Port,
			Engine:    c.cfg.Engine,
			Options:   c.cfg.Options,
			Promisc:   w.Promisc,
			Verbosity: c.cfg.Verbosity,
			MaxFlows:  c.cfg.MaxFlows,
			Deadlines: c.cfg.Deadlines,
			Sink:      c.sink,
		})
		if err != nil {
			slog.Error("tap %s/%s:%d unavailable: %v", t.Ifname, t.Address, t.Port, err)
			continue
		}
		c.listeners = append(c.listeners, l)
		attached[w]++
	}

	if len(c.listeners) == 0 {
		return errors.New("no tap could be established")
	}

	// a worker whose listeners all failed has no sources and would
	// never exit; only start the ones actually serving taps
	for w, n := range attached {
		if n > 0 {
			c.workers = append(c.workers, w)
		}
	}
	for _, w := range c.workers {
		w.Start()
	}

	go func() {
		for _, w := range c.workers {
			w.Join()
		}
		close(c.records)
		close(c.done)
	}()
	return nil
}

// Done closes once every worker loop has exited.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Close tears the taps down: listeners stop and release their flows,
// which starves the worker loops into exit.
func (c *Coordinator) Close() {
	for _, l := range c.listeners {
		l.Close()
	}
}

// Join blocks until every worker thread has exited.
func (c *Coordinator) Join() {
	<-c.done
}
