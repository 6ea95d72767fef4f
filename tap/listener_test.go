package tap

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vearne/tcptap/capture"
	"github.com/vearne/tcptap/util"
)

// writeEmptyPcap writes a valid pcap file with no packets, enough to
// drive the construction ladder without a live interface.
func writeEmptyPcap(t *testing.T) string {
	t.Helper()
	header := make([]byte, 24)
	binary.LittleEndian.PutUint32(header[0:], 0xa1b2c3d4)
	binary.LittleEndian.PutUint16(header[4:], 2)  // major
	binary.LittleEndian.PutUint16(header[6:], 4)  // minor
	binary.LittleEndian.PutUint32(header[16:], 65535)
	binary.LittleEndian.PutUint32(header[20:], 1) // ethernet

	path := filepath.Join(t.TempDir(), "empty.pcap")
	if err := os.WriteFile(path, header, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func fileEngine() capture.EngineType {
	var eng capture.EngineType
	_ = eng.Set("pcap_file")
	return eng
}

func TestListenerAddressParseError(t *testing.T) {
	w := capture.NewWorker("eth0", 0, false)
	_, err := NewListener(w, ListenerConfig{
		Address: "not-an-address",
		Port:    2222,
		Engine:  fileEngine(),
	})
	assert.NotNil(t, err)
	assert.Equal(t, KindAddressParse, KindOf(err))
}

func TestListenerSocketCreateError(t *testing.T) {
	w := capture.NewWorker("/nonexistent/file.pcap", 0, false)
	_, err := NewListener(w, ListenerConfig{
		Address: "0.0.0.0",
		Port:    2222,
		Engine:  fileEngine(),
	})
	assert.NotNil(t, err)
	assert.Equal(t, KindSocketCreate, KindOf(err))
}

func TestListenerPortZeroForcesPromiscuity(t *testing.T) {
	path := writeEmptyPcap(t)
	w := capture.NewWorker(path, 0, false)

	l, err := NewListener(w, ListenerConfig{
		Address: "10.0.0.1",
		Port:    0,
		Engine:  fileEngine(),
	})
	assert.Nil(t, err)
	defer l.Close()

	assert.True(t, w.Promisc)
}

func TestListenerAnyAddressForcesPromiscuity(t *testing.T) {
	path := writeEmptyPcap(t)
	w := capture.NewWorker(path, 0, false)

	l, err := NewListener(w, ListenerConfig{
		Address: "0.0.0.0",
		Port:    2222,
		Engine:  fileEngine(),
	})
	assert.Nil(t, err)
	defer l.Close()

	assert.True(t, w.Promisc)
}

func TestListenerCloseDuringTicks(t *testing.T) {
	path := writeEmptyPcap(t)
	w := capture.NewWorker(path, 0, false)

	l, err := NewListener(w, ListenerConfig{
		Address: "10.0.0.1",
		Port:    2222,
		Engine:  fileEngine(),
	})
	assert.Nil(t, err)

	// seed a tracked flow so Close and the tick path touch the same
	// tables
	l.handleSegment(clientSYN(), time.Now())

	// Close lands off the loop goroutine while ticks are in flight;
	// both must serialize on the listener
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			l.onTick(time.Now())
		}
	}()
	l.Close()
	<-done

	assert.Equal(t, 0, l.Flows())
}

func TestListenerFilter(t *testing.T) {
	hosts := util.NewStringSet()
	hosts.Add("10.0.0.1")
	l := &Listener{port: 2222, hosts: hosts}
	assert.Equal(t,
		"((tcp dst port 2222) and (dst host 10.0.0.1)) or "+
			"((tcp src port 2222) and (src host 10.0.0.1))",
		l.filter())

	// k8s taps match pods at dispatch, so the filter stays port-wide
	l.k8sHost = "default/pod/api-0"
	assert.Equal(t, "(tcp dst port 2222) or (tcp src port 2222)", l.filter())
}
