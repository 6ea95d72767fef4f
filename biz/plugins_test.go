package biz

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vearne/tcptap/capture"
	"github.com/vearne/tcptap/config"
	"github.com/vearne/tcptap/model"
	"github.com/vearne/tcptap/tap"
)

func TestCoordinatorConfig(t *testing.T) {
	settings := &config.AppSettings{
		Taps:        []string{"lo/127.0.0.1:2222", "eth0/0.0.0.0:0"},
		Promiscuous: []string{"eth0"},
		Engine:      capture.EnginePcap,
		Verbosity:   2,
		MaxFlows:    128,
	}
	err := settings.Validate()
	assert.Nil(t, err)

	cfg := coordinatorConfig(settings)
	assert.Equal(t, []tap.Target{
		{Ifname: "lo", Address: "127.0.0.1", Port: 2222},
		{Ifname: "eth0", Address: "0.0.0.0", Port: 0},
	}, cfg.Targets)
	assert.Equal(t, []string{"eth0"}, cfg.Promiscuous)
	assert.Equal(t, 2, cfg.Verbosity)
	assert.Equal(t, 128, cfg.MaxFlows)
	assert.Equal(t, tap.DefaultDeadlines(), cfg.Deadlines)
}

func TestRegisterPlugin(t *testing.T) {
	plugins := new(InOutPlugins)
	plugins.registerPlugin(func(cb func(*model.Record)) *testOutput {
		return &testOutput{cb: cb}
	}, func(*model.Record) {})

	assert.Equal(t, 0, len(plugins.Inputs))
	assert.Equal(t, 1, len(plugins.Outputs))
	assert.Equal(t, 1, len(plugins.All))
}
