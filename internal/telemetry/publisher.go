package telemetry

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/lowaak/smart-trainer/ftms-bridge/internal/fusion"
	"github.com/lowaak/smart-trainer/ftms-bridge/internal/gatt"
	"github.com/lowaak/smart-trainer/ftms-bridge/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/ftms-bridge/internal/mqttconn"
)

const (
	queueSize      = 64
	publishTimeout = 2 * time.Second
)

// Message is one outgoing MQTT publish.
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// ReadingPayload is published on <prefix>/reading every fusion tick.
type ReadingPayload struct {
	Timestamp      time.Time `json:"timestamp"`
	Power          float32   `json:"power"`
	Cadence        float32   `json:"cadence"`
	Resistance     float32   `json:"resistance"`
	SpeedKmh       *float32  `json:"speed_kmh,omitempty"`
	DistanceMeters float64   `json:"distance_m"`
	EnergyKJ       float64   `json:"energy_kj"`
	ElapsedSeconds float64   `json:"elapsed_s"`
	WheelRevs      uint32    `json:"wheel_revs"`
	CrankRevs      uint16    `json:"crank_revs"`
}

// ServerPayload is published retained on <prefix>/server.
type ServerPayload struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

// MachinePayload is published retained on <prefix>/machine.
type MachinePayload struct {
	State            string   `json:"state"`
	TargetPower      *int16   `json:"target_power,omitempty"`
	TargetResistance *float64 `json:"target_resistance,omitempty"`
}

type publisher interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Publisher mirrors fused readings and bridge status onto MQTT topics under
// a common prefix. Readings are dropped rather than queued when the broker
// falls behind.
type Publisher struct {
	cfg    mqttconn.Config
	prefix string
	logger *log.Logger

	queue chan Message

	mu      sync.Mutex
	client  mqtt.Client
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	dropped int
}

func NewPublisher(cfg mqttconn.Config, prefix string, logger *log.Logger) *Publisher {
	if logger == nil {
		panic("Publisher: logger cannot be nil")
	}
	return &Publisher{
		cfg:    cfg,
		prefix: prefix,
		logger: logger,
		queue:  make(chan Message, queueSize),
	}
}

// Start connects to the broker and begins publishing queued messages.
func (p *Publisher) Start(ctx context.Context) error {
	client := mqttconn.NewClient(p.cfg, p.logger, nil)
	if err := mqttconn.Connect(client, p.cfg); err != nil {
		return err
	}
	p.mu.Lock()
	p.client = client
	p.mu.Unlock()
	p.startWorker(ctx, client)
	return nil
}

func (p *Publisher) startWorker(ctx context.Context, client publisher) {
	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go_func_utils.SafeGo(p.logger, func() {
		defer p.wg.Done()
		p.run(runCtx, client)
	})
}

func (p *Publisher) run(ctx context.Context, client publisher) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-p.queue:
			if !client.IsConnected() {
				continue
			}
			token := client.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload)
			if !token.WaitTimeout(publishTimeout) {
				p.logger.Printf("Publisher: publish to %s timed out", msg.Topic)
				continue
			}
			if err := token.Error(); err != nil {
				p.logger.Printf("Publisher: publish to %s: %v", msg.Topic, err)
			}
		}
	}
}

func (p *Publisher) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	client := p.client
	p.cancel = nil
	p.client = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
	if client != nil {
		client.Disconnect(250)
	}
	p.logger.Println("Publisher: stopped")
}

// Dropped is the number of readings discarded on a full queue.
func (p *Publisher) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// OnSensorTick implements fusion.Sink.
func (p *Publisher) OnSensorTick(r fusion.Reading) {
	payload := ReadingPayload{
		Timestamp:      r.Timestamp,
		Power:          r.Power,
		Cadence:        r.Cadence,
		Resistance:     r.Resistance,
		DistanceMeters: math.Round(r.TotalDistanceMeters*10) / 10,
		EnergyKJ:       math.Round(r.TotalEnergyKJ*100) / 100,
		ElapsedSeconds: r.Elapsed.Seconds(),
		WheelRevs:      r.Revolutions.CumulativeWheelRevolutions,
		CrankRevs:      r.Revolutions.CumulativeCrankRevolutions,
	}
	if r.HasSpeed {
		speed := r.SpeedKmh
		payload.SpeedKmh = &speed
	}
	p.enqueue("reading", payload, 0, false)
}

func (p *Publisher) PublishServerState(state gatt.ServerState) {
	payload := ServerPayload{Running: state.Running}
	if state.Err != nil {
		payload.Error = state.Err.Error()
	}
	p.enqueue("server", payload, 1, true)
}

func (p *Publisher) PublishMachineStatus(status gatt.MachineStatus) {
	payload := MachinePayload{State: status.State.String()}
	if status.Targets.HasPower {
		watts := status.Targets.PowerWatts
		payload.TargetPower = &watts
	}
	if status.Targets.HasResistance {
		level := float64(status.Targets.ResistanceLevel) / 10
		payload.TargetResistance = &level
	}
	p.enqueue("machine", payload, 1, true)
}

func (p *Publisher) enqueue(suffix string, payload any, qos byte, retain bool) {
	raw, err := json.Marshal(payload)
	if err != nil {
		p.logger.Printf("Publisher: encode %s: %v", suffix, err)
		return
	}
	msg := Message{Topic: p.prefix + "/" + suffix, Payload: raw, QoS: qos, Retain: retain}
	select {
	case p.queue <- msg:
	default:
		p.mu.Lock()
		p.dropped++
		p.mu.Unlock()
	}
}
