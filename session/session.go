// Package session connects a simulated device to its MQTT topics: it
// announces the device, answers every inbound command with one response and
// announces the disconnect on the way out.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/elijahnyp/sim_device/device"
	"github.com/elijahnyp/sim_device/state"
)

// Device is the command target. Operate errors wrapping
// device.ErrInvalidParameter are reported as NoResponse, anything else as an
// invalid command.
type Device interface {
	Operate(command, parameter string) (string, error)
	Kind() state.Kind
	Metadata() device.Metadata
}

// Publisher must be safe to call from the loop and from Shutdown at the
// same time.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Event is handed to the observer after every publish.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

const (
	EventResponse  = "response"
	EventLifecycle = "lifecycle"
)

type Stats struct {
	Connected       bool      `json:"connected"`
	Handled         uint64    `json:"handled"`
	PublishFailures uint64    `json:"publish_failures"`
	LastResponse    *Response `json:"last_response,omitempty"`
}

type Session struct {
	deviceID string
	dev      Device
	pub      Publisher
	log      zerolog.Logger
	observer func(Event)
	now      func() time.Time
	newID    func() string

	queueMu sync.Mutex
	queue   [][]byte
	wake    chan struct{}
	done    chan struct{}

	stopping       atomic.Bool
	announced      atomic.Bool
	looping        atomic.Bool
	stopOnce       sync.Once
	disconnectOnce sync.Once

	mu    sync.RWMutex
	stats Stats
}

type Option func(*Session)

// WithObserver registers fn to see every response and lifecycle notice. fn
// runs on the publishing goroutine and must not block.
func WithObserver(fn func(Event)) Option {
	return func(s *Session) { s.observer = fn }
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

func New(deviceID string, dev Device, pub Publisher, log zerolog.Logger, opts ...Option) *Session {
	s := &Session{
		deviceID: deviceID,
		dev:      dev,
		pub:      pub,
		log:      log.With().Str("device_id", deviceID).Logger(),
		now:      time.Now,
		newID:    uuid.NewString,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) CommandTopic() string {
	return CommandTopic(s.deviceID)
}

// Notice builds the lifecycle message for status.
func (s *Session) Notice(status string) Notice {
	return NewNotice(s.deviceID, s.dev, status)
}

// Deliver queues an inbound payload for the loop and never blocks: it runs
// on the transport's routing goroutine, which also carries the acks the
// loop waits for. Once the session is stopping payloads are dropped.
func (s *Session) Deliver(payload []byte) {
	if s.stopping.Load() {
		s.log.Debug().Msg("session stopping, dropping inbound message")
		return
	}
	s.queueMu.Lock()
	s.queue = append(s.queue, payload)
	s.queueMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default: // a wake-up is already pending
	}
}

func (s *Session) next() ([]byte, bool) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	payload := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return payload, true
}

// Run announces the device and processes inbound messages until Shutdown is
// called or ctx is done. It publishes the disconnect notice before
// returning. Only a failed connect announcement is returned as an error.
func (s *Session) Run(ctx context.Context) error {
	if s.stopping.Load() {
		return nil
	}
	if err := s.announce(StatusConnected); err != nil {
		s.stop()
		return fmt.Errorf("announcing connection: %w", err)
	}
	s.looping.Store(true)
	s.announced.Store(true)
	s.log.Info().Msgf("Listening for messages on topic: %s", s.CommandTopic())

	for !s.stopping.Load() {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("inbound stream closed")
			s.stop()
		case <-s.done:
		case <-s.wake:
			for !s.stopping.Load() {
				payload, ok := s.next()
				if !ok {
					break
				}
				s.handle(payload)
			}
		}
	}

	// published here, after the last response, while the loop runs
	s.looping.Store(false)
	s.announceDisconnect()
	return nil
}

// Shutdown stops the loop after its current message. The loop publishes the
// disconnect notice on its way out; Shutdown publishes it only when no loop
// is running. Safe to call from any goroutine, any number of times.
func (s *Session) Shutdown() {
	s.stop()
	if s.announced.Load() && !s.looping.Load() {
		s.announceDisconnect()
	}
}

func (s *Session) stop() {
	s.stopOnce.Do(func() {
		s.stopping.Store(true)
		close(s.done)
	})
}

func (s *Session) announceDisconnect() {
	s.disconnectOnce.Do(func() {
		if err := s.announce(StatusDisconnected); err != nil {
			s.log.Error().Err(err).Msg("unable to announce disconnect")
		}
	})
}

func (s *Session) announce(status string) error {
	notice := s.Notice(status)
	data, err := json.Marshal(notice)
	if err != nil {
		return err
	}
	if err := s.pub.Publish(ConnectionsTopic, data); err != nil {
		return err
	}

	s.mu.Lock()
	s.stats.Connected = status == StatusConnected
	s.mu.Unlock()

	s.log.Info().Msgf("Published %s notice", status)
	s.emit(Event{Type: EventLifecycle, Data: notice})
	return nil
}

func (s *Session) handle(payload []byte) {
	message := strings.TrimSpace(string(payload))
	s.log.Info().Msgf("Received message: %s", message)

	resp := Response{
		DeviceID:  s.deviceID,
		Message:   message,
		Timestamp: s.now().UnixMilli(),
	}

	cmd, err := decodeCommand([]byte(message))
	if err != nil {
		s.log.Warn().Err(err).Msg("undecodable command")
		resp.ID = s.newID()
		resp.Response = stringPtr(InvalidMessageFormat)
		s.respond(resp)
		return
	}

	resp.ID = cmd.ID
	if resp.ID == "" {
		resp.ID = s.newID()
	}

	result, err := s.dev.Operate(cmd.Command, cmd.Parameter)
	switch {
	case err == nil:
		resp.Response = &result
	case errors.Is(err, device.ErrInvalidParameter):
		s.log.Warn().Err(err).Msgf("%s produced no result", cmd.Command)
	default:
		resp.Response = stringPtr("Invalid command: " + cmd.Command)
	}
	s.respond(resp)
}

func (s *Session) respond(resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error().Err(err).Msg("unable to encode response")
		return
	}

	topic := ResponseTopic(s.deviceID)
	pubErr := s.pub.Publish(topic, data)

	s.mu.Lock()
	s.stats.Handled++
	if pubErr != nil {
		s.stats.PublishFailures++
	}
	last := resp
	s.stats.LastResponse = &last
	s.mu.Unlock()

	if pubErr != nil {
		s.log.Error().Err(pubErr).Msgf("unable to publish response to %s", topic)
		return
	}
	s.log.Info().Msgf("Published message: %s", data)
	s.emit(Event{Type: EventResponse, Data: resp})
}

func (s *Session) emit(e Event) {
	if s.observer != nil {
		s.observer(e)
	}
}

func (s *Session) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

func stringPtr(v string) *string {
	return &v
}
