package sensor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/lowaak/smart-trainer/ftms-bridge/internal/mqttconn"
)

var ErrMissingPower = errors.New("sample payload has no power")

// SamplePayload is the JSON body of one sample on the MQTT feed.
type SamplePayload struct {
	Power      *float64 `json:"power"`
	Cadence    float64  `json:"cadence"`
	Resistance float64  `json:"resistance"`
	SpeedMph   *float64 `json:"speed_mph,omitempty"`
}

// ParseSamplePayload decodes a feed message. Power is required; the other
// fields default to zero and speed stays absent unless given.
func ParseSamplePayload(payload []byte, now time.Time) (Sample, error) {
	var p SamplePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Sample{}, fmt.Errorf("decode sample payload: %w", err)
	}
	if p.Power == nil {
		return Sample{}, ErrMissingPower
	}
	for _, v := range []float64{*p.Power, p.Cadence, p.Resistance} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Sample{}, fmt.Errorf("decode sample payload: non-finite value %v", v)
		}
	}

	var speed *float32
	if p.SpeedMph != nil {
		v := float32(*p.SpeedMph)
		speed = &v
	}
	return NewSample(float32(*p.Power), float32(p.Cadence), float32(p.Resistance), speed, now), nil
}

// MQTTSource subscribes to a topic carrying JSON samples, for bikes read by
// another process on the network.
type MQTTSource struct {
	cfg    mqttconn.Config
	topic  string
	logger *log.Logger
	now    func() time.Time

	mu     sync.Mutex
	client mqtt.Client
	emit   func(Sample)
	ctx    context.Context
}

func NewMQTTSource(cfg mqttconn.Config, topic string, logger *log.Logger) *MQTTSource {
	if logger == nil {
		panic("MQTTSource: logger cannot be nil")
	}
	return &MQTTSource{cfg: cfg, topic: topic, logger: logger, now: time.Now}
}

func (s *MQTTSource) Name() string { return "mqtt " + s.topic }

func (s *MQTTSource) Start(ctx context.Context, emit func(Sample)) error {
	s.mu.Lock()
	if s.client != nil {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.emit = emit
	s.ctx = ctx
	client := mqttconn.NewClient(s.cfg, s.logger, s.subscribe)
	s.client = client
	s.mu.Unlock()

	if err := mqttconn.Connect(client, s.cfg); err != nil {
		s.mu.Lock()
		s.client = nil
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *MQTTSource) subscribe(client mqtt.Client) {
	token := client.Subscribe(s.topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		s.onMessage(msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		s.logger.Printf("MQTTSource: subscribe %s: %v", s.topic, token.Error())
		return
	}
	s.logger.Printf("MQTTSource: subscribed to %s", s.topic)
}

func (s *MQTTSource) onMessage(payload []byte) {
	s.mu.Lock()
	emit := s.emit
	ctx := s.ctx
	s.mu.Unlock()
	if emit == nil || (ctx != nil && ctx.Err() != nil) {
		return
	}

	sample, err := ParseSamplePayload(payload, s.now())
	if err != nil {
		s.logger.Printf("MQTTSource: dropping message: %v", err)
		return
	}
	emit(sample)
}

func (s *MQTTSource) Stop() {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.emit = nil
	s.ctx = nil
	s.mu.Unlock()

	if client == nil {
		return
	}
	if client.IsConnected() {
		client.Unsubscribe(s.topic).WaitTimeout(time.Second)
		client.Disconnect(250)
	}
	s.logger.Println("MQTTSource: disconnected")
}
