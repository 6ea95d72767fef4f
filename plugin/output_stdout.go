package plugin

import (
	"os"

	"github.com/vearne/tcptap/model"
	"github.com/vearne/tcptap/render"
)

// StdOutput prints framed dump records to standard output, the default
// sink for interactive diagnosis.
type StdOutput struct{}

func NewStdOutput() *StdOutput {
	return &StdOutput{}
}

func (o *StdOutput) Close() error {
	return nil
}

func (o *StdOutput) Write(rec *model.Record) (err error) {
	_, err = os.Stdout.WriteString(render.Frame(rec))
	return err
}
