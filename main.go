package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	slog "github.com/vearne/simplelog"

	"github.com/vearne/tcptap/biz"
	"github.com/vearne/tcptap/config"
	"github.com/vearne/tcptap/consts"
	"github.com/vearne/tcptap/plugin"
)

const banner string = `
  ______ ______ ____  ______ ___     ____
 /_  __// ____// __ \/_  __//   |   / __ \
  / /  / /    / /_/ / / /  / /| |  / /_/ /
 / /  / /___ / ____/ / /  / ___ | / ____/
/_/   \____//_/     /_/  /_/  |_|/_/
`

var settings config.AppSettings
var version bool

func init() {
	flag.BoolVar(&version, "version", false,
		"print version")

	flag.DurationVar(&settings.ExitAfter, "exit-after", 0, "exit after specified duration")

	flag.IntVar(&settings.Verbosity, "verbosity", 1,
		`How much of each intercepted connection to report:
                0 prints only connection lifecycle messages,
                1 adds the data read from each side,
                2 adds a TCP telemetry snapshot before each read`)
	flag.IntVar(&settings.Verbosity, "v", 1, "shorthand for --verbosity")

	flag.IntVar(&settings.RateLimitQPS, "rate-limit-qps", 0,
		"Drop records beyond the given per-second rate. 0 disables limiting")

	// #################### capture ######################
	flag.Var(&config.MultiStringOption{Params: &settings.Taps}, "tap",
		`Intercept established TCP connections matching iface/address:port
                (use packet capture and require *sudo* access):
                # watch both directions of every connection to 10.0.0.7:2222 crossing eth0
                tcptap --tap="eth0/10.0.0.7:2222" --output-stdout
                Port 0 or address 0.0.0.0 watches everything (and forces
                promiscuous mode); k8s://... selects pod addresses`)

	flag.Var(&config.MultiStringOption{Params: &settings.Promiscuous}, "promiscuous",
		"Put the given interface in promiscuous mode even for narrow taps")

	flag.Var(&settings.Engine, "engine",
		`Capture engine: libpcap (default), pcap_file, raw_socket, af_packet or vxlan`)

	flag.Var(&settings.BufferSize, "buffer-size",
		"Controls the buffer size of the capture handle, e.g. 4mb")

	flag.DurationVar(&settings.BufferTimeout, "buffer-timeout", 0,
		"Controls the timeout of the capture handle")

	flag.IntVar(&settings.MaxFlows, "max-flows", 65536,
		"Upper bound on concurrently intercepted connections per tap")

	flag.IntVar(&settings.VXLANPort, "vxlan-port", 4789, "")
	flag.Var(&config.MultiIntOption{Params: &settings.VXLANVNIs}, "vxlan-vni",
		"VNI to accept; prefix with - to reject instead")

	// #################### output ######################
	flag.BoolVar(&settings.OutputStdout, "output-stdout", true,
		"Just prints intercepted data to console")

	flag.Var(&config.MultiStringOption{Params: &settings.OutputFileDir},
		"output-file-directory",
		`Write intercepted data to rotating dump files:
                tcptap --tap="eth0/10.0.0.7:2222" --output-file-directory="/tmp/mytaps"`)

	flag.IntVar(&settings.OutputFileMaxSize, "output-file-max-size", 500,
		"MaxSize is the maximum size in megabytes of the dump file before it gets rotated.")

	flag.IntVar(&settings.OutputFileMaxBackups, "output-file-max-backups", 10,
		"MaxBackups is the maximum number of old dump files to retain.")

	flag.IntVar(&settings.OutputFileMaxAge, "output-file-max-age", 30,
		`MaxAge is the maximum number of days to retain old dump files
                based on the timestamp encoded in their filename`)

	// kafka
	flag.StringVar(&settings.OutputKafkaHost, "output-kafka-host", "",
		`Send records to the given kafka brokers:
                tcptap --tap="eth0/10.0.0.7:2222" --output-kafka-host="192.168.0.1:9092,192.168.0.2:9092"`)
	flag.StringVar(&settings.OutputKafkaTopic, "output-kafka-topic", "tcptap", "")
	flag.BoolVar(&settings.OutputKafkaUseSASL, "output-kafka-use-sasl", false, "")
	flag.StringVar(&settings.OutputKafkaMechanism, "output-kafka-mechanism", "PLAIN", "")
	flag.StringVar(&settings.OutputKafkaUsername, "output-kafka-username", "", "")
	flag.StringVar(&settings.OutputKafkaPassword, "output-kafka-password", "", "")

	// #################### filter ######################
	flag.StringVar(&settings.IncludeFilterLabelMatch, "include-filter-label-match", "",
		`keep only records whose connection label matches the specified regular expression`)
	flag.StringVar(&settings.ExcludeFilterLabelMatch, "exclude-filter-label-match", "",
		`drop records whose connection label contains the specified substring`)
}

func main() {
	fmt.Print(banner)

	adjustLogLevel()

	flag.Parse()
	if version {
		fmt.Println("service: tcptap")
		fmt.Println("Version", consts.Version)
		fmt.Println("BuildTime", consts.BuildTime)
		fmt.Println("GitTag", consts.GitTag)
		return
	}

	if err := settings.Validate(); err != nil {
		slog.Fatal("invalid settings:%v", err)
	}

	printSettings(&settings)

	filterChain, err := biz.NewFilterChain(&settings)
	if err != nil {
		slog.Fatal("create FilterChain error:%v", err)
	}
	emitter := biz.NewEmitter(filterChain, biz.NewRateLimit(&settings))
	plugins := biz.NewPlugins(&settings)

	slog.Info("plugins:%v", plugins)

	emitter.Start(plugins)

	closeCh := make(chan int)
	if settings.ExitAfter > 0 {
		slog.Info("Running tcptap for a duration of %s\n", settings.ExitAfter)

		time.AfterFunc(settings.ExitAfter, func() {
			slog.Info("run timeout %s\n", settings.ExitAfter)
			close(closeCh)
		})
	}

	// with the pcap_file engine the taps run dry on their own
	var captureDone <-chan struct{}
	for _, in := range plugins.Inputs {
		if taps, ok := in.(*plugin.TapsInput); ok {
			captureDone = taps.Done()
		}
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGINT)
	exit := 0
	select {
	case <-c:
		exit = 1
	case <-closeCh:
		exit = 0
	case <-captureDone:
		exit = 0
	}
	emitter.Close()
	os.Exit(exit)
}

func printSettings(settings *config.AppSettings) {
	slog.Info("tap, %v", settings.Taps)
	slog.Info("promiscuous, %v", settings.Promiscuous)
	slog.Info("engine, %v", settings.Engine.String())
	slog.Info("max-flows, %v", settings.MaxFlows)
	slog.Info("verbosity, %v", settings.Verbosity)

	slog.Info("output-stdout, %v", settings.OutputStdout)
	slog.Info("output-file-directory, %v", settings.OutputFileDir)
	slog.Info("output-kafka-host, %v", settings.OutputKafkaHost)
}

func adjustLogLevel() {
	logLevel := os.Getenv("SIMPLE_LOG_LEVEL")
	if len(logLevel) > 0 {
		return
	}
	slog.SetLevel(slog.InfoLevel)
}
