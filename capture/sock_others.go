//go:build (!linux && ignore) || arm64 || darwin
// +build !linux,ignore arm64 darwin

package capture

import (
	"errors"

	"github.com/google/gopacket/pcap"
)

// NewRawSocket returns new M'maped sock_raw on packet version 2.
func NewRawSocket(_ pcap.Interface) (RawSocket, error) {
	return nil, errors.New("raw_socket engine is only available on linux")
}
