package capture

import (
	"time"

	"github.com/google/gopacket"
)

// RawSocket is a receive-only packet socket. Interception never
// injects traffic, so the surface stops at reading and tuning.
type RawSocket interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	SetBPFFilter(string) error
	SetPromiscuous(bool) error
	SetSnapLen(int) error
	GetSnapLen() int
	SetTimeout(time.Duration) error
	SetLoopbackIndex(i int32)
	Close() error
}
