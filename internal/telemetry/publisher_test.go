package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/ftms-bridge/internal/fusion"
	"github.com/lowaak/smart-trainer/ftms-bridge/internal/gatt"
	"github.com/lowaak/smart-trainer/ftms-bridge/internal/mqttconn"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type fakeClient struct {
	mu        sync.Mutex
	connected bool
	published []Message
	err       error
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, Message{Topic: topic, Payload: payload.([]byte), QoS: qos, Retain: retained})
	return doneToken{err: c.err}
}

func (c *fakeClient) messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.published...)
}

func newTestPublisher() *Publisher {
	return NewPublisher(mqttconn.Config{Broker: "localhost"}, "bike", log.New(io.Discard, "", 0))
}

func TestPublisher_PublishesReadingsAndStatus(t *testing.T) {
	p := newTestPublisher()
	client := &fakeClient{connected: true}
	p.startWorker(context.Background(), client)
	defer p.Stop()

	p.OnSensorTick(fusion.Reading{
		Power:               200,
		Cadence:             90,
		Resistance:          40,
		SpeedKmh:            30,
		HasSpeed:            true,
		TotalDistanceMeters: 1234.56,
		TotalEnergyKJ:       12.3456,
		Elapsed:             90 * time.Second,
		Revolutions:         fusion.RevolutionSnapshot{CumulativeWheelRevolutions: 600, CumulativeCrankRevolutions: 130},
	})
	p.PublishServerState(gatt.ServerState{Running: false, Err: errors.New("adapter gone")})
	p.PublishMachineStatus(gatt.MachineStatus{
		State:   gatt.MachineManualMode,
		Targets: gatt.Targets{HasPower: true, PowerWatts: 180, HasResistance: true, ResistanceLevel: 55},
	})

	require.Eventually(t, func() bool { return len(client.messages()) == 3 }, time.Second, 5*time.Millisecond)
	msgs := client.messages()

	assert.Equal(t, "bike/reading", msgs[0].Topic)
	assert.False(t, msgs[0].Retain)
	var reading ReadingPayload
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &reading))
	assert.Equal(t, float32(200), reading.Power)
	require.NotNil(t, reading.SpeedKmh)
	assert.Equal(t, float32(30), *reading.SpeedKmh)
	assert.Equal(t, 1234.6, reading.DistanceMeters)
	assert.Equal(t, 12.35, reading.EnergyKJ)
	assert.Equal(t, 90.0, reading.ElapsedSeconds)
	assert.Equal(t, uint32(600), reading.WheelRevs)
	assert.Equal(t, uint16(130), reading.CrankRevs)

	assert.Equal(t, "bike/server", msgs[1].Topic)
	assert.True(t, msgs[1].Retain)
	assert.JSONEq(t, `{"running":false,"error":"adapter gone"}`, string(msgs[1].Payload))

	assert.Equal(t, "bike/machine", msgs[2].Topic)
	assert.JSONEq(t, `{"state":"ManualMode","target_power":180,"target_resistance":5.5}`, string(msgs[2].Payload))
}

func TestPublisher_ReadingWithoutSpeedOmitsField(t *testing.T) {
	p := newTestPublisher()
	p.OnSensorTick(fusion.Reading{Power: 50})

	msg := <-p.queue
	assert.NotContains(t, string(msg.Payload), "speed_kmh")
}

func TestPublisher_DropsWhenQueueFull(t *testing.T) {
	p := newTestPublisher()
	for i := 0; i < queueSize+3; i++ {
		p.OnSensorTick(fusion.Reading{})
	}
	assert.Equal(t, 3, p.Dropped())
}

func TestPublisher_SkipsWhileDisconnected(t *testing.T) {
	p := newTestPublisher()
	client := &fakeClient{}
	p.startWorker(context.Background(), client)

	p.OnSensorTick(fusion.Reading{})
	require.Eventually(t, func() bool { return len(p.queue) == 0 }, time.Second, 5*time.Millisecond)
	p.Stop()
	p.Stop()

	assert.Empty(t, client.messages())
}
