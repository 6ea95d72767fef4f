// Package biz wires the capture side of tcptap to its outputs: it owns
// the input/output plugin registry and the pump that moves records from
// taps through the filter chain and rate limiter to every output.
package biz

import (
	"errors"
	"io"
	"sync"

	slog "github.com/vearne/simplelog"

	"github.com/vearne/tcptap/filter"
	"github.com/vearne/tcptap/plugin"
)

// Emitter manages the plugin communication: it runs one pump goroutine
// per input plugin and fans every surviving record out to all outputs.
type Emitter struct {
	sync.WaitGroup
	plugins     *InOutPlugins
	filterChain filter.Filter
	limiter     Limiter
}

// NewEmitter creates and initializes a new Emitter object.
func NewEmitter(f filter.Filter, lim Limiter) *Emitter {
	var e Emitter
	e.filterChain = f
	e.limiter = lim
	return &e
}

// Start the pump loops moving records from input plugins to output plugins.
func (e *Emitter) Start(plugins *InOutPlugins) {
	e.plugins = plugins
	for _, in := range plugins.Inputs {
		e.Add(1)
		go func(in PluginReader) {
			defer e.Done()
			if err := e.CopyMulty(in, plugins.Outputs...); err != nil {
				slog.Debug("[EMITTER] error during copy: %q", err)
			}
		}(in)
	}
}

// Close closes all the goroutine and waits for it to finish.
func (e *Emitter) Close() {
	for _, p := range e.plugins.All {
		if cp, ok := p.(io.Closer); ok {
			cp.Close()
		}
	}
	if len(e.plugins.All) > 0 {
		// wait for everything to stop
		e.Wait()
	}
	e.plugins.All = nil // avoid Close to make changes again
}

// CopyMulty copies from 1 reader to multiple writers. It returns when
// the reader reports it has stopped.
func (e *Emitter) CopyMulty(src PluginReader, writers ...PluginWriter) error {
	for {
		rec, err := src.Read()
		if err != nil {
			if errors.Is(err, plugin.ErrorStopped) {
				return nil
			}
			slog.Error("src.Read:%v", err)
			continue
		}
		rec, ok := e.filterChain.Filter(rec)
		if !ok {
			continue
		}

		if e.limiter != nil && !e.limiter.Allow() {
			continue
		}

		for _, dst := range writers {
			if err = dst.Write(rec); err != nil {
				slog.Error("dst.Write:%v", err)
			}
		}
	}
}
