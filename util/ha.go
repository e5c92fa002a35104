package util

import (
	"encoding/json"
	"fmt"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/elijahnyp/sim_device/state"
)

const haDiscoveryPrefix = "homeassistant"

type HAAvailability struct {
	Topic               string `json:"topic"`
	ValueTemplate       string `json:"value_template"`
	PayloadAvailable    string `json:"payload_available"`
	PayloadNotAvailable string `json:"payload_not_available"`
}

type HADeviceSpec struct {
	Name        string   `json:"name"`
	Identifiers []string `json:"ids"`
	Model       string   `json:"mdl"`
	SWVersion   string   `json:"sw"`
}

type HAAdvertisement struct { //nolint:govet // struct layout optimized for JSON field order
	Availability  []HAAvailability `json:"availability"`
	Device        HADeviceSpec     `json:"device"`
	UniqueID      string           `json:"uniq_id"`
	Name          string           `json:"name"`
	StateTopic    string           `json:"state_topic"`
	ValueTemplate string           `json:"value_template"`
	DeviceClass   string           `json:"device_class,omitempty"`
	Platform      string           `json:"platform"`
	Qos           int              `json:"qos"`
}

// HADevice is what gets advertised: the response topic becomes a sensor
// holding the last command result, available while the connections topic
// says this device is connected.
type HADevice struct {
	ID                string
	Name              string
	Kind              state.Kind
	Version           string
	ResponseTopic     string
	AvailabilityTopic string
}

func (ha HAAdvertisement) ToJson() string {
	data, err := json.Marshal(ha)
	if err != nil {
		Logger.Error().Msgf("Error marshalling HAAdvertisement: %v", err)
		return ""
	}
	return string(data)
}

func (ha HAAdvertisement) ConfigTopic() string {
	return haDiscoveryPrefix + "/" + ha.Platform + "/" + ha.UniqueID + "/config"
}

func haDeviceClass(k state.Kind) string {
	switch k {
	case state.TemperatureSensor:
		return "temperature"
	case state.PressureSensor:
		return "pressure"
	case state.HumiditySensor:
		return "humidity"
	default:
		return ""
	}
}

func ConstructHAAdvertisement(d HADevice) HAAdvertisement {
	return HAAdvertisement{
		Name:          d.Name,
		StateTopic:    d.ResponseTopic,
		ValueTemplate: "{{ value_json.response }}",
		Availability: []HAAvailability{
			{
				Topic: d.AvailabilityTopic,
				// the connections topic is shared by every device
				ValueTemplate:       fmt.Sprintf("{{ value_json.status if value_json.device_id == '%s' else '' }}", d.ID),
				PayloadAvailable:    "connected",
				PayloadNotAvailable: "disconnected",
			},
		},
		Qos:         int(QoS),
		UniqueID:    "sim_device-" + d.ID,
		DeviceClass: haDeviceClass(d.Kind),
		Platform:    "sensor",
		Device: HADeviceSpec{
			Name:        d.Name,
			Identifiers: []string{d.ID},
			Model:       d.Kind.String(),
			SWVersion:   d.Version,
		},
	}
}

// AdvertiseHA publishes the discovery config. It is meant to run as a
// connect hook so Home Assistant relearns the device after a broker restart.
func AdvertiseHA(d HADevice, client MQTT.Client) error {
	ha := ConstructHAAdvertisement(d)
	token := client.Publish(ha.ConfigTopic(), QoS, true, ha.ToJson())
	if !token.WaitTimeout(defaultSubscribeTimeout) {
		return fmt.Errorf("%w: %s: timeout", ErrPublishFailed, ha.ConfigTopic())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, ha.ConfigTopic(), err)
	}
	Logger.Debug().Msgf("advertised %s to home assistant", d.ID)
	return nil
}
