package util

import (
	"errors"
	"sync"
	"testing"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
)

// Mock MQTT client for testing
type MockMQTTClient struct {
	publishCalls   []PublishCall
	subscribeCalls []SubscribeCall
	connected      bool
	publishErr     error
	subscribeErr   error
	mu             sync.RWMutex
}

type PublishCall struct {
	Payload  interface{}
	Topic    string
	QoS      byte
	Retained bool
}

type SubscribeCall struct {
	Handler MQTT.MessageHandler
	Topic   string
	QoS     byte
}

func (m *MockMQTTClient) IsConnected() bool      { return m.connected }
func (m *MockMQTTClient) IsConnectionOpen() bool { return m.connected }
func (m *MockMQTTClient) Connect() MQTT.Token {
	m.connected = true
	return &MockToken{}
}
func (m *MockMQTTClient) Disconnect(quiesce uint) { m.connected = false }

func (m *MockMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) MQTT.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishCalls = append(m.publishCalls, PublishCall{
		Topic:    topic,
		QoS:      qos,
		Retained: retained,
		Payload:  payload,
	})
	return &MockToken{err: m.publishErr}
}

func (m *MockMQTTClient) Subscribe(topic string, qos byte, callback MQTT.MessageHandler) MQTT.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeCalls = append(m.subscribeCalls, SubscribeCall{
		Topic:   topic,
		QoS:     qos,
		Handler: callback,
	})
	return &MockToken{err: m.subscribeErr}
}

func (m *MockMQTTClient) SubscribeMultiple(filters map[string]byte, callback MQTT.MessageHandler) MQTT.Token {
	return &MockToken{}
}
func (m *MockMQTTClient) Unsubscribe(topics ...string) MQTT.Token             { return &MockToken{} }
func (m *MockMQTTClient) AddRoute(topic string, callback MQTT.MessageHandler) {}
func (m *MockMQTTClient) OptionsReader() MQTT.ClientOptionsReader             { return MQTT.ClientOptionsReader{} }

// Mock MQTT token
type MockToken struct {
	err error
}

func (m *MockToken) Wait() bool                     { return true }
func (m *MockToken) WaitTimeout(time.Duration) bool { return true }
func (m *MockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (m *MockToken) Error() error { return m.err }

// Mock MQTT message
type MockMessage struct {
	topic   string
	payload []byte
}

func (m *MockMessage) Duplicate() bool   { return false }
func (m *MockMessage) Qos() byte         { return 0 }
func (m *MockMessage) Retained() bool    { return false }
func (m *MockMessage) Topic() string     { return m.topic }
func (m *MockMessage) MessageID() uint16 { return 0 }
func (m *MockMessage) Payload() []byte   { return m.payload }
func (m *MockMessage) Ack()              {}

func newMockedClient(mock *MockMQTTClient) *MQTTClient {
	c := newMQTTClient(time.Second)
	c.client = mock
	return c
}

func TestRegisterMQTTConnectHook(t *testing.T) {
	mockClient := &MockMQTTClient{connected: true}
	c := newMockedClient(mockClient)

	called := false
	c.RegisterMQTTConnectHook("test_handler", func(client MQTT.Client) {
		called = true
	})

	if len(c.connectHandlers) != 1 {
		t.Errorf("Expected 1 connect handler, got %d", len(c.connectHandlers))
	}

	c.connectHandler(mockClient)

	if !called {
		t.Error("Connect handler should have been called")
	}

	c.RegisterMQTTConnectHook("test_handler", nil)
	if len(c.connectHandlers) != 0 {
		t.Errorf("Expected 0 connect handlers after removal, got %d", len(c.connectHandlers))
	}
}

func TestSubscribeWhenConnected(t *testing.T) {
	mockClient := &MockMQTTClient{connected: true}
	c := newMockedClient(mockClient)

	if err := c.Subscribe("test/topic", func(string, []byte) {}); err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}

	if len(mockClient.subscribeCalls) != 1 {
		t.Fatalf("Expected 1 subscribe call, got %d", len(mockClient.subscribeCalls))
	}
	call := mockClient.subscribeCalls[0]
	if call.Topic != "test/topic" || call.QoS != 1 {
		t.Errorf("subscribe call = %s qos %d, expected test/topic qos 1", call.Topic, call.QoS)
	}
}

func TestSubscribeDeferredUntilConnect(t *testing.T) {
	mockClient := &MockMQTTClient{}
	c := newMockedClient(mockClient)

	if err := c.Subscribe("test/topic1", func(string, []byte) {}); err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	if err := c.Subscribe("test/topic2", func(string, []byte) {}); err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	if len(mockClient.subscribeCalls) != 0 {
		t.Errorf("Expected no subscribe calls while disconnected, got %d", len(mockClient.subscribeCalls))
	}

	mockClient.connected = true
	c.connectHandler(mockClient)

	topics := make(map[string]bool)
	for _, call := range mockClient.subscribeCalls {
		topics[call.Topic] = true
	}
	if !topics["test/topic1"] || !topics["test/topic2"] {
		t.Error("Expected both test topics to be subscribed on connect")
	}
}

func TestSubscribeErrors(t *testing.T) {
	mockClient := &MockMQTTClient{connected: true, subscribeErr: errors.New("not authorized")}
	c := newMockedClient(mockClient)

	if err := c.Subscribe("test/topic", func(string, []byte) {}); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("Subscribe error = %v, expected ErrSubscribeFailed", err)
	}
	if err := c.Subscribe("test/topic", nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("Subscribe(nil) error = %v, expected ErrSubscribeFailed", err)
	}
}

func TestSubscribedHandlerReceivesPayload(t *testing.T) {
	mockClient := &MockMQTTClient{connected: true}
	c := newMockedClient(mockClient)

	var gotTopic string
	var gotPayload []byte
	if err := c.Subscribe("dev/command", func(topic string, payload []byte) {
		gotTopic = topic
		gotPayload = payload
	}); err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}

	mockClient.subscribeCalls[0].Handler(mockClient, &MockMessage{topic: "dev/command", payload: []byte("hello")})

	if gotTopic != "dev/command" || string(gotPayload) != "hello" {
		t.Errorf("handler got %s %q, expected dev/command hello", gotTopic, gotPayload)
	}
}

func TestWrapHandlerRecoversPanic(t *testing.T) {
	handler := wrapHandler(func(string, []byte) { panic("boom") })

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("wrapped handler should not panic: %v", r)
		}
	}()
	handler(&MockMQTTClient{}, &MockMessage{topic: "dev/command"})
}

func TestPublish(t *testing.T) {
	mockClient := &MockMQTTClient{connected: true}
	c := newMockedClient(mockClient)

	if err := c.Publish("dev/response", []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	if len(mockClient.publishCalls) != 1 {
		t.Fatalf("Expected 1 publish call, got %d", len(mockClient.publishCalls))
	}
	call := mockClient.publishCalls[0]
	if call.Topic != "dev/response" || call.QoS != 1 || call.Retained {
		t.Errorf("publish call = %+v, expected dev/response qos 1 not retained", call)
	}
	if payload, ok := call.Payload.([]byte); !ok || string(payload) != `{"ok":true}` {
		t.Errorf("publish payload = %v", call.Payload)
	}
}

func TestPublishErrors(t *testing.T) {
	c := newMockedClient(&MockMQTTClient{})
	if err := c.Publish("dev/response", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish while disconnected error = %v, expected ErrNotConnected", err)
	}

	c = newMockedClient(&MockMQTTClient{connected: true, publishErr: errors.New("broken pipe")})
	if err := c.Publish("dev/response", nil); !errors.Is(err, ErrPublishFailed) {
		t.Errorf("Publish error = %v, expected ErrPublishFailed", err)
	}
}

func TestClose(t *testing.T) {
	mockClient := &MockMQTTClient{connected: true}
	c := newMockedClient(mockClient)
	c.Close()
	if mockClient.connected {
		t.Error("Close should disconnect the client")
	}
	if c.IsConnected() {
		t.Error("IsConnected should be false after Close")
	}
}

func TestReceiverFunction(t *testing.T) {
	mockClient := &MockMQTTClient{}
	mockMessage := &MockMessage{
		topic:   "unknown/topic",
		payload: []byte("test payload"),
	}

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("receiver function should not panic: %v", r)
		}
	}()

	receiver(mockClient, mockMessage)
}
