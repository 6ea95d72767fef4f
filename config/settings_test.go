package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseTap(t *testing.T) {
	spec, err := ParseTap("lo/127.0.0.1:2222")
	assert.Nil(t, err)
	assert.Equal(t, "lo", spec.Ifname)
	assert.Equal(t, "127.0.0.1", spec.Address)
	assert.Equal(t, uint16(2222), spec.Port)
}

func TestParseTapAnyAddressAnyPort(t *testing.T) {
	spec, err := ParseTap("eth0/0.0.0.0:0")
	assert.Nil(t, err)
	assert.Equal(t, "0.0.0.0", spec.Address)
	assert.Equal(t, uint16(0), spec.Port)

	spec, err = ParseTap("eth0/:80")
	assert.Nil(t, err)
	assert.Equal(t, "", spec.Address)
}

func TestParseTapK8s(t *testing.T) {
	spec, err := ParseTap("eth0/k8s://default/deployment/api:8080")
	assert.Nil(t, err)
	assert.Equal(t, "eth0", spec.Ifname)
	assert.Equal(t, "k8s://default/deployment/api", spec.Address)
	assert.Equal(t, uint16(8080), spec.Port)
}

func TestParseTapInvalid(t *testing.T) {
	cases := []string{
		"",
		"eth0",
		"eth0/10.0.0.1",       // no port
		"eth0/10.0.0.1:70000", // port out of range
		"eth0/10.0.0.1:-1",
		"eth0/example.com:80",   // not an IP
		"eth0/fe80::1:80",       // IPv6 not accepted
		"/10.0.0.1:80",          // empty interface
	}
	for _, c := range cases {
		_, err := ParseTap(c)
		assert.NotNil(t, err, "spec %q", c)
	}
}

func TestValidate(t *testing.T) {
	s := AppSettings{MaxFlows: 1024}
	assert.NotNil(t, s.Validate(), "no taps")

	s.Taps = []string{"lo/127.0.0.1:2222"}
	assert.Nil(t, s.Validate())
	assert.Len(t, s.ParsedTaps(), 1)

	s.MaxFlows = 0
	assert.NotNil(t, s.Validate(), "max-flows")

	s.MaxFlows = 1
	s.Taps = append(s.Taps, "bad")
	assert.NotNil(t, s.Validate(), "bad tap spec")
}
