package biz

import (
	"fmt"
	"reflect"

	slog "github.com/vearne/simplelog"

	"github.com/vearne/tcptap/config"
	"github.com/vearne/tcptap/plugin"
	"github.com/vearne/tcptap/tap"
)

// InOutPlugins struct for holding references to plugins
type InOutPlugins struct {
	Inputs  []PluginReader
	Outputs []PluginWriter
	All     []interface{}
}

// NewPlugins specify and initialize all available plugins
func NewPlugins(settings *config.AppSettings) *InOutPlugins {
	plugins := new(InOutPlugins)

	plugins.registerPlugin(plugin.NewTapsInput, coordinatorConfig(settings))

	// ----------output----------
	if settings.OutputStdout {
		slog.Debug("NewStdOutput")
		plugins.registerPlugin(plugin.NewStdOutput)
	}

	for _, path := range settings.OutputFileDir {
		err := plugin.IsValidDir(path)
		if err != nil {
			slog.Fatal("%v", err)
		}
		cf := &plugin.FileDirOutputConfig{
			MaxSize:    settings.OutputFileMaxSize,
			MaxBackups: settings.OutputFileMaxBackups,
			MaxAge:     settings.OutputFileMaxAge,
		}
		plugins.registerPlugin(plugin.NewFileDirOutput, path, cf)
	}

	if len(settings.OutputKafkaHost) > 0 {
		cf := &plugin.OutputKafkaConfig{
			Host:  settings.OutputKafkaHost,
			Topic: settings.OutputKafkaTopic,
			SASLConfig: plugin.SASLKafkaConfig{
				UseSASL:   settings.OutputKafkaUseSASL,
				Mechanism: settings.OutputKafkaMechanism,
				Username:  settings.OutputKafkaUsername,
				Password:  settings.OutputKafkaPassword,
			},
		}
		plugins.registerPlugin(plugin.NewKafkaOutput, cf)
	}

	return plugins
}

// coordinatorConfig maps the validated app settings onto the capture
// side. Validate must have succeeded before this is called.
func coordinatorConfig(settings *config.AppSettings) tap.CoordinatorConfig {
	cfg := tap.CoordinatorConfig{
		Promiscuous: settings.Promiscuous,
		Engine:      settings.Engine,
		Verbosity:   settings.Verbosity,
		MaxFlows:    settings.MaxFlows,
		Deadlines:   tap.DefaultDeadlines(),
	}
	cfg.Options.BufferSize = settings.BufferSize
	cfg.Options.BufferTimeout = settings.BufferTimeout
	cfg.Options.VXLANPort = settings.VXLANPort
	cfg.Options.VXLANVNIs = settings.VXLANVNIs

	for _, t := range settings.ParsedTaps() {
		cfg.Targets = append(cfg.Targets, tap.Target{
			Ifname:  t.Ifname,
			Address: t.Address,
			Port:    t.Port,
		})
	}
	return cfg
}

// Automatically detects type of plugin and initialize it
func (plugins *InOutPlugins) registerPlugin(constructor interface{}, options ...interface{}) {

	vc := reflect.ValueOf(constructor)

	// Pre-processing options to make it work with reflect
	vo := []reflect.Value{}
	for _, oi := range options {
		vo = append(vo, reflect.ValueOf(oi))
	}

	// Calling our constructor with list of given options
	plugin := vc.Call(vo)[0].Interface()

	// Some of the output can be Readers as well because return responses
	if r, ok := plugin.(PluginReader); ok {
		plugins.Inputs = append(plugins.Inputs, r)
	}

	if w, ok := plugin.(PluginWriter); ok {
		plugins.Outputs = append(plugins.Outputs, w)
	}
	plugins.All = append(plugins.All, plugin)
}

func (plugins *InOutPlugins) String() string {
	return fmt.Sprintf("#####  len(Inputs):%d, len(Outputs):%d, len(All):%d   #####",
		len(plugins.Inputs), len(plugins.Outputs), len(plugins.All))
}
