package util

import (
	"errors"
	"fmt"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
)

// QoS used for every publish and subscription: at least once.
const QoS byte = 1

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultSubscribeTimeout  = 5 * time.Second
	defaultDisconnectQuiesce = 1000 // milliseconds
)

var (
	ErrNotConnected     = errors.New("mqtt: client not connected")
	ErrConnectionFailed = errors.New("mqtt: connection failed")
	ErrPublishFailed    = errors.New("mqtt: publish failed")
	ErrSubscribeFailed  = errors.New("mqtt: subscribe failed")
)

// MessageHandler receives the topic and raw payload of an inbound message.
type MessageHandler func(topic string, payload []byte)

// Will is the last-will message the broker publishes if the connection
// drops without a clean disconnect.
type Will struct {
	Topic   string
	Payload []byte
}

// MQTTClient wraps a paho client. Publish is safe from any goroutine and
// registered subscriptions are re-applied on every (re)connect.
type MQTTClient struct {
	client         MQTT.Client
	publishTimeout time.Duration

	mu              sync.RWMutex
	subscriptions   map[string]MessageHandler
	connectHandlers map[string]func(MQTT.Client)
}

func NewMQTTClient(s Settings, will *Will) *MQTTClient {
	c := newMQTTClient(s.PublishTimeout)

	opts := MQTT.NewClientOptions()
	opts.AddBroker(s.BrokerURI())
	opts.SetClientID(s.DeviceID)
	opts.SetUsername(s.Username)
	opts.SetPassword(s.Password)
	opts.SetCleanSession(s.CleanSession)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(s.KeepAlive)
	opts.SetConnectTimeout(defaultConnectTimeout)
	if will != nil {
		opts.SetBinaryWill(will.Topic, will.Payload, QoS, false)
	}
	opts.OnConnectionLost = connectLostHandler
	opts.OnConnect = c.connectHandler
	opts.SetDefaultPublishHandler(receiver)

	c.client = MQTT.NewClient(opts)
	return c
}

func newMQTTClient(publishTimeout time.Duration) *MQTTClient {
	return &MQTTClient{
		publishTimeout:  publishTimeout,
		subscriptions:   make(map[string]MessageHandler),
		connectHandlers: make(map[string]func(MQTT.Client)),
	}
}

func (c *MQTTClient) connectHandler(client MQTT.Client) {
	Logger.Info().Msg("Connected")
	c.subscribe()

	c.mu.RLock()
	handlers := make([]func(MQTT.Client), 0, len(c.connectHandlers))
	for _, handler := range c.connectHandlers {
		handlers = append(handlers, handler)
	}
	c.mu.RUnlock()

	for _, handler := range handlers {
		handler(client)
	}
}

var connectLostHandler MQTT.ConnectionLostHandler = func(client MQTT.Client, err error) {
	Logger.Warn().Msgf("Connect lost: %v", err)
}

func receiver(client MQTT.Client, message MQTT.Message) {
	Logger.Warn().Msgf("Received message on %v but no handler", message.Topic())
}

// RegisterMQTTConnectHook runs handler after every successful connect.
// A nil handler removes the hook.
func (c *MQTTClient) RegisterMQTTConnectHook(name string, handler func(MQTT.Client)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if handler == nil {
		delete(c.connectHandlers, name)
	} else {
		c.connectHandlers[name] = handler
	}
}

// subscribe re-applies every registered subscription. Failures are logged:
// this runs from the reconnect path where nobody can act on an error.
func (c *MQTTClient) subscribe() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for topic, handler := range c.subscriptions {
		if err := c.subscribeNow(topic, handler); err != nil {
			Logger.Error().Err(err).Msgf("Error Subscribing to %s", topic)
		}
	}
}

func (c *MQTTClient) subscribeNow(topic string, handler MessageHandler) error {
	token := c.client.Subscribe(topic, QoS, wrapHandler(handler))
	if !token.WaitTimeout(defaultSubscribeTimeout) {
		return fmt.Errorf("%w: %s: timeout after %v", ErrSubscribeFailed, topic, defaultSubscribeTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, err)
	}
	return nil
}

// Subscribe registers handler for topic and, when connected, subscribes
// straight away so the caller sees the broker's answer.
func (c *MQTTClient) Subscribe(topic string, handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("%w: %s: nil handler", ErrSubscribeFailed, topic)
	}
	c.mu.Lock()
	c.subscriptions[topic] = handler
	c.mu.Unlock()

	if !c.IsConnected() {
		return nil
	}
	return c.subscribeNow(topic, handler)
}

func wrapHandler(handler MessageHandler) MQTT.MessageHandler {
	return func(_ MQTT.Client, msg MQTT.Message) {
		defer func() {
			if r := recover(); r != nil {
				Logger.Error().Msgf("MQTT handler panic on %s: %v", msg.Topic(), r)
			}
		}()
		handler(msg.Topic(), msg.Payload())
	}
}

func (c *MQTTClient) Connect() error {
	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return nil
}

func (c *MQTTClient) IsConnected() bool {
	return c.client != nil && c.client.IsConnected()
}

// Publish sends payload to topic at QoS 1 and waits for the broker to
// acknowledge it.
func (c *MQTTClient) Publish(topic string, payload []byte) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	token := c.client.Publish(topic, QoS, false, payload)
	if !token.WaitTimeout(c.publishTimeout) {
		return fmt.Errorf("%w: %s: timeout after %v", ErrPublishFailed, topic, c.publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
	return nil
}

func (c *MQTTClient) Close() {
	if c.client == nil {
		return
	}
	if c.client.IsConnected() {
		Logger.Debug().Msg("disconnecting from broker")
	}
	c.client.Disconnect(defaultDisconnectQuiesce)
}
