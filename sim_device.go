package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/elijahnyp/sim_device/broker"
	"github.com/elijahnyp/sim_device/device"
	"github.com/elijahnyp/sim_device/session"
	. "github.com/elijahnyp/sim_device/util"
)

const closeTimeout = 5 * time.Second

// App owns one simulated device and everything it talks through.
type App struct {
	settings Settings
	broker   *broker.Broker
	client   *MQTTClient
	device   *device.Device
	session  *session.Session
	monitor  *MonitorServer
	hub      *WSHub
}

// NewApp builds the device, connects it to the broker and subscribes its
// command topic. Nothing is announced until Run.
func NewApp(s Settings) (*App, error) {
	a := &App{settings: s, hub: NewHub()}

	if s.EmbeddedBroker {
		b, err := broker.New(fmt.Sprintf(":%d", s.Port), Logger)
		if err != nil {
			return nil, err
		}
		if err := b.Start(); err != nil {
			return nil, err
		}
		a.broker = b
	}

	meta, err := device.LoadMetadata(s.MetadataPath)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("loading metadata: %w", err)
	}
	a.device, err = device.New(s.DeviceType, meta, Logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	will, err := json.Marshal(session.NewNotice(s.DeviceID, a.device, session.StatusDisconnected))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("encoding last will: %w", err)
	}
	a.client = NewMQTTClient(s, &Will{Topic: session.ConnectionsTopic, Payload: will})
	a.session = session.New(s.DeviceID, a.device, a.client, Logger, session.WithObserver(a.hub.Observe))

	if s.HADiscovery {
		a.client.RegisterMQTTConnectHook("haadvertise", func(client MQTT.Client) {
			if err := AdvertiseHA(a.haDevice(), client); err != nil {
				Logger.Error().Msgf("Error advertising to home assistant: %v", err)
			}
		})
	}

	Logger.Info().Msgf("connecting to %s as %s", s.BrokerURI(), s.DeviceID)
	if err := a.client.Connect(); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.client.Subscribe(a.session.CommandTopic(), func(_ string, payload []byte) {
		a.session.Deliver(payload)
	}); err != nil {
		a.Close()
		return nil, err
	}

	if s.DetailsPort > 0 {
		a.monitor = NewMonitorServer(s.DetailsPort)
		a.monitor.AddHandler("/healthz", a.Healthz, "GET")
		a.monitor.AddHandler("/api/status", a.APIStatus, "GET")
		a.monitor.AddHandler("/ws", a.hub.ServeWebSocket)
	}
	return a, nil
}

func (a *App) haDevice() HADevice {
	return HADevice{
		ID:                a.settings.DeviceID,
		Name:              a.device.Metadata().Name,
		Kind:              a.device.Kind(),
		Version:           device.Version,
		ResponseTopic:     session.ResponseTopic(a.settings.DeviceID),
		AvailabilityTopic: session.ConnectionsTopic,
	}
}

// Run serves commands until Shutdown is called or ctx is done, then
// releases everything NewApp acquired.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()
	go a.hub.Run()
	if a.monitor != nil {
		if err := a.monitor.Start(); err != nil {
			Logger.Error().Msgf("Error starting monitor server: %v", err)
		}
	}
	return a.session.Run(ctx)
}

func (a *App) Shutdown() {
	a.session.Shutdown()
}

// Close is safe on a partially built App.
func (a *App) Close() {
	if a.monitor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		if err := a.monitor.Shutdown(ctx); err != nil {
			Logger.Warn().Msgf("Error shutting down monitor server: %v", err)
		}
		cancel()
	}
	a.hub.Stop()
	if a.client != nil {
		a.client.Close()
	}
	if a.broker != nil {
		if err := a.broker.Close(); err != nil {
			Logger.Warn().Msgf("Error closing embedded broker: %v", err)
		}
	}
}

func main() {
	LogInit("info")
	if err := SetupConfig(os.Args[1:]); err != nil {
		Logger.Fatal().Err(err).Msg("unable to load configuration")
	}
	RegisterNewConfigListener(func() { SetLogLevel(Config.GetString("log_level")) })
	OnNewConfig()

	settings, err := LoadSettings(Config)
	if err != nil {
		Logger.Fatal().Err(err).Msg("unable to load configuration")
	}

	app, err := NewApp(settings)
	if err != nil {
		Logger.Fatal().Err(err).Msg("unable to start device")
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		Logger.Info().Msgf("received %v, shutting down", sig)
		app.Shutdown()
	}()

	Logger.Info().Msg("ready")
	if err := app.Run(context.Background()); err != nil {
		Logger.Fatal().Err(err).Msg("device stopped")
	}
	Logger.Info().Msg("stopped")
}
