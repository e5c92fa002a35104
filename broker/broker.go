// Package broker runs an in-process MQTT broker so the simulator can be
// started without external infrastructure.
package broker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/rs/zerolog"
)

var ErrNotRunning = errors.New("broker: not running")

// Broker is an embedded mochi server with one TCP listener. Inline
// Subscribe/Publish talk to it without a network client.
type Broker struct {
	server  *mochi.Server
	address string
	log     zerolog.Logger

	subscriberIdCounter atomic.Int32
	running             atomic.Bool
	closeOnce           sync.Once
}

// New prepares a broker listening on address, e.g. ":1883" or "127.0.0.1:0".
// Every client is allowed to connect and publish.
func New(address string, log zerolog.Logger) (*Broker, error) {
	server := mochi.New(&mochi.Options{
		InlineClient: true,
	})

	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, fmt.Errorf("broker: adding auth hook: %w", err)
	}

	tcp := listeners.NewTCP(listeners.Config{ID: "t1", Address: address})
	if err := server.AddListener(tcp); err != nil {
		return nil, fmt.Errorf("broker: adding listener on %s: %w", address, err)
	}

	return &Broker{
		server:  server,
		address: address,
		log:     log.With().Str("component", "broker").Logger(),
	}, nil
}

func (b *Broker) Start() error {
	if !b.running.CompareAndSwap(false, true) {
		return errors.New("broker: already running")
	}
	go func() {
		if err := b.server.Serve(); err != nil {
			b.log.Error().Err(err).Msg("embedded broker stopped")
		}
	}()
	b.log.Info().Msgf("embedded broker listening on %s", b.address)
	return nil
}

// Subscribe attaches an inline callback to topicFilter.
func (b *Broker) Subscribe(topicFilter string, callbackFn func(topic string, payload []byte)) error {
	if !b.running.Load() {
		return ErrNotRunning
	}
	id := int(b.subscriberIdCounter.Add(1))
	return b.server.Subscribe(topicFilter, id, func(cl *mochi.Client, sub packets.Subscription, pk packets.Packet) {
		callbackFn(pk.TopicName, pk.Payload)
	})
}

func (b *Broker) Publish(topic string, payload []byte) error {
	if !b.running.Load() {
		return ErrNotRunning
	}
	return b.server.Publish(topic, payload, false, 1)
}

func (b *Broker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.running.Store(false)
		err = b.server.Close()
	})
	return err
}
