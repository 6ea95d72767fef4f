package model

// Vantage tells which side of the intercepted connection a record
// describes: data flowing toward the original server or toward the
// original client.
const (
	VantageServer = "SERVER"
	VantageClient = "CLIENT"
)

// Record kinds
const (
	KindData      = "data"
	KindTelemetry = "telemetry"
)

// Record represents one observation crossing plugins: either a rendered
// chunk of application bytes read from one side of an intercepted flow,
// or a TCP telemetry snapshot for that side.
type Record struct {
	FlowID    string `json:"flowID"`
	Kind      string `json:"kind"`
	Label     string `json:"label"`
	Vantage   string `json:"vantage"`
	Interface string `json:"interface"`
	// Size is the number of bytes consumed by the read that produced
	// this record. Total is the connection's running byte counter after
	// the read.
	Size  int    `json:"size"`
	Total uint64 `json:"total"`
	// Nanosecond
	Timestamp int64 `json:"timestamp"`
	// Body holds rendered text for KindData, or the formatted telemetry
	// snapshot for KindTelemetry.
	Body string `json:"body"`
}
