package plugin

import (
	"errors"
	"fmt"
	"sync"

	slog "github.com/vearne/simplelog"

	"github.com/vearne/tcptap/model"
	"github.com/vearne/tcptap/tap"
)

// ErrorStopped is the error returned when the go routines reading the input is stopped.
var ErrorStopped = errors.New("reading stopped")

// TapsInput feeds the pipeline with the dump records every intercepted
// connection emits.
type TapsInput struct {
	sync.Mutex
	coordinator *tap.Coordinator
	closed      bool
}

// NewTapsInput builds the workers and listeners and starts capture.
// Construction failure is terminal: without taps the process has no
// purpose.
func NewTapsInput(cfg tap.CoordinatorConfig) *TapsInput {
	i := &TapsInput{coordinator: tap.NewCoordinator(cfg)}
	if err := i.coordinator.Start(); err != nil {
		slog.Fatal("taps input: %v", err)
	}
	return i
}

// Read returns the next dump record, blocking until one arrives or
// every worker loop has exited.
func (i *TapsInput) Read() (*model.Record, error) {
	rec, ok := <-i.coordinator.Records()
	if !ok {
		return nil, ErrorStopped
	}
	return rec, nil
}

// Done exposes worker-loop termination for the coordinator wait in
// main.
func (i *TapsInput) Done() <-chan struct{} {
	return i.coordinator.Done()
}

func (i *TapsInput) String() string {
	return fmt.Sprintf("Taps input, intercepting on %d listener(s)", i.coordinator.Listeners())
}

// Close stops capture; worker loops starve and exit, which in turn
// ends Read with ErrorStopped.
func (i *TapsInput) Close() error {
	i.Lock()
	defer i.Unlock()
	if i.closed {
		return nil
	}
	i.coordinator.Close()
	i.closed = true
	return nil
}
