package mqttconn

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBrokerURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"localhost", "tcp://localhost:1883"},
		{" broker.lan:1884 ", "tcp://broker.lan:1884"},
		{"ssl://broker.lan:8883", "ssl://broker.lan:8883"},
		{"ws://broker.lan:9001/mqtt", "ws://broker.lan:9001/mqtt"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BrokerURL(tt.in), tt.in)
	}
}
