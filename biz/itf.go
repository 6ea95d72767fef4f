package biz

import "github.com/vearne/tcptap/model"

// PluginReader is an interface for input plugins
type PluginReader interface {
	Read() (rec *model.Record, err error)
}

// PluginWriter is an interface for output plugins
type PluginWriter interface {
	Write(rec *model.Record) error
}

// Limiter caps the record rate between inputs and outputs.
type Limiter interface {
	Allow() bool
}
