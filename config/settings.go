// Package config defines the application settings and the command line
// option helpers that fill them.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/buger/goreplay/size"

	"github.com/vearne/tcptap/capture"
	"github.com/vearne/tcptap/util"
)

// MultiStringOption allows the same flag to be passed several times,
// collecting every value.
// For example: --tap="lo/127.0.0.1:2222" --tap="eth0/10.0.0.1:80"
type MultiStringOption struct {
	Params *[]string
}

func (h *MultiStringOption) String() string {
	if h.Params == nil {
		return ""
	}
	return fmt.Sprint(*h.Params)
}

// Set gets called multiple times for each flag with same name
func (h *MultiStringOption) Set(value string) error {
	if h.Params == nil {
		return nil
	}

	*h.Params = append(*h.Params, value)
	return nil
}

// MultiIntOption is MultiStringOption for integer values.
type MultiIntOption struct {
	Params *[]int
}

func (h *MultiIntOption) String() string {
	if h.Params == nil {
		return ""
	}

	return fmt.Sprint(*h.Params)
}

// Set gets called multiple times for each flag with same name
func (h *MultiIntOption) Set(value string) error {
	if h.Params == nil {
		return nil
	}

	val, _ := strconv.Atoi(value)
	*h.Params = append(*h.Params, val)
	return nil
}

// TapSpec is one parsed --tap value.
type TapSpec struct {
	Ifname  string
	Address string
	Port    uint16
}

// ParseTap parses "iface/address:port". The address may be empty,
// "0.0.0.0" (observe every address) or a k8s:// pod selector; port 0
// observes every port.
func ParseTap(spec string) (TapSpec, error) {
	var t TapSpec

	parts := strings.SplitN(spec, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		return t, fmt.Errorf("tap %q: want iface/address:port", spec)
	}
	t.Ifname = parts[0]

	hostPort := parts[1]
	idx := strings.LastIndex(hostPort, ":")
	if idx < 0 {
		return t, fmt.Errorf("tap %q: missing port", spec)
	}
	t.Address = hostPort[:idx]

	port, err := strconv.Atoi(hostPort[idx+1:])
	if err != nil || port < 0 || port > 65535 {
		return t, fmt.Errorf("tap %q: port must be in [0, 65535]", spec)
	}
	t.Port = uint16(port)

	if t.Address != "" && t.Address != "0.0.0.0" &&
		!strings.HasPrefix(t.Address, "k8s://") {
		if !util.IsIPv4(t.Address) {
			return t, fmt.Errorf("tap %q: address must be IPv4, 0.0.0.0 or k8s://", spec)
		}
	}
	return t, nil
}

// AppSettings holds all application configuration, filled from the
// command line.
type AppSettings struct {
	ExitAfter time.Duration `json:"exit-after"`
	Verbosity int           `json:"verbosity"`

	RateLimitQPS int `json:"rate-limit-qps"`

	// ######################## capture #######################
	Taps        []string           `json:"tap"`
	Promiscuous []string           `json:"promiscuous"`
	Engine      capture.EngineType `json:"engine"`

	BufferSize    size.Size     `json:"buffer-size"`
	BufferTimeout time.Duration `json:"buffer-timeout"`
	MaxFlows      int           `json:"max-flows"`

	VXLANPort int   `json:"vxlan-port"`
	VXLANVNIs []int `json:"vxlan-vni"`

	// ######################## output ########################
	OutputStdout bool `json:"output-stdout"`

	// --- outputfile ---
	OutputFileDir []string `json:"output-file-directory"`
	// MaxSize is the maximum size in megabytes of the dump file before it gets rotated.
	OutputFileMaxSize int `json:"output-file-max-size"`
	// MaxBackups is the maximum number of old dump files to retain.
	OutputFileMaxBackups int `json:"output-file-max-backups"`
	// MaxAge is the maximum number of days to retain old dump files based on the
	// timestamp encoded in their filename.
	OutputFileMaxAge int `json:"output-file-max-age"`

	// --- output kafka ---
	OutputKafkaHost      string `json:"output-kafka-host"`
	OutputKafkaTopic     string `json:"output-kafka-topic"`
	OutputKafkaUseSASL   bool   `json:"output-kafka-use-sasl"`
	OutputKafkaMechanism string `json:"output-kafka-mechanism"`
	OutputKafkaUsername  string `json:"output-kafka-username"`
	OutputKafkaPassword  string `json:"output-kafka-password"`

	// --- filter ---
	IncludeFilterLabelMatch string `json:"include-filter-label-match"`
	ExcludeFilterLabelMatch string `json:"exclude-filter-label-match"`

	parsedTaps []TapSpec
}

// ParsedTaps returns the validated tap specs. Valid only after
// Validate succeeded.
func (s *AppSettings) ParsedTaps() []TapSpec {
	return s.parsedTaps
}

// Validate checks the settings once flags are parsed. Tap count is
// bounded only by MaxFlows-style explicit limits, never a fixed array.
func (s *AppSettings) Validate() error {
	if len(s.Taps) == 0 {
		return fmt.Errorf("at least one --tap is required")
	}
	s.parsedTaps = s.parsedTaps[:0]
	for _, spec := range s.Taps {
		t, err := ParseTap(spec)
		if err != nil {
			return err
		}
		s.parsedTaps = append(s.parsedTaps, t)
	}
	if s.Engine == 0 {
		s.Engine = capture.EnginePcap
	}
	if s.MaxFlows < 1 {
		return fmt.Errorf("--max-flows must be at least 1, got %d", s.MaxFlows)
	}
	if s.Verbosity < 0 {
		return fmt.Errorf("verbosity must not be negative")
	}
	return nil
}
