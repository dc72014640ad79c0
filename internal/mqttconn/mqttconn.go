package mqttconn

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var ErrConnectTimeout = errors.New("timed out connecting to MQTT broker")

const DefaultConnectTimeout = 10 * time.Second

// Config is the broker connection shared by the sample feed and telemetry.
type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
}

// BrokerURL accepts "host", "host:port" or a full URL and returns a URL paho can dial.
func BrokerURL(broker string) string {
	broker = strings.TrimSpace(broker)
	if strings.Contains(broker, "://") {
		return broker
	}
	if !strings.Contains(broker, ":") {
		broker += ":1883"
	}
	return "tcp://" + broker
}

// NewClient builds an auto-reconnecting client. onConnect runs after every
// (re)connect, which is where subscriptions belong.
func NewClient(cfg Config, logger *log.Logger, onConnect func(mqtt.Client)) mqtt.Client {
	if logger == nil {
		panic("mqttconn: logger cannot be nil")
	}
	url := BrokerURL(cfg.Broker)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(url)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Printf("MQTT: connection to %s lost: %v", url, err)
	})
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		logger.Printf("MQTT: connected to %s as %s", url, cfg.ClientID)
		if onConnect != nil {
			onConnect(client)
		}
	})
	return mqtt.NewClient(opts)
}

// Connect dials the broker and waits up to cfg.ConnectTimeout.
func Connect(client mqtt.Client, cfg Config) error {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("%w %s", ErrConnectTimeout, BrokerURL(cfg.Broker))
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to MQTT broker %s: %w", BrokerURL(cfg.Broker), err)
	}
	return nil
}
