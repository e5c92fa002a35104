package util

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/elijahnyp/sim_device/state"
)

func TestRegisterNewConfigListener(t *testing.T) {
	// Clear existing listeners
	config_listeners = []func(){}

	called1 := false
	called2 := false

	listener1 := func() { called1 = true }
	listener2 := func() { called2 = true }

	RegisterNewConfigListener(listener1)
	RegisterNewConfigListener(listener2)

	if len(config_listeners) != 2 {
		t.Errorf("Expected 2 listeners, got %d", len(config_listeners))
	}

	// duplicates are ignored
	RegisterNewConfigListener(listener1)

	if len(config_listeners) != 2 {
		t.Errorf("Expected 2 listeners after duplicate addition, got %d", len(config_listeners))
	}

	OnNewConfig()

	if !called1 || !called2 {
		t.Error("OnNewConfig should call all registered listeners")
	}
}

func TestSetupConfigDefaults(t *testing.T) {
	if err := SetupConfig(nil); err != nil {
		t.Fatalf("SetupConfig returned error: %v", err)
	}

	if got := Config.GetString("metadata_path"); got != "device.json" {
		t.Errorf("metadata_path default = %s, expected device.json", got)
	}
	if got := Config.GetDuration("keepalive"); got != 10*time.Second {
		t.Errorf("keepalive default = %v, expected 10s", got)
	}
	if got := Config.GetDuration("publish_timeout"); got != 5*time.Second {
		t.Errorf("publish_timeout default = %v, expected 5s", got)
	}
	if got := Config.GetString("log_level"); got != "info" {
		t.Errorf("log_level default = %s, expected info", got)
	}
	if Config.GetBool("embedded_broker") {
		t.Error("embedded_broker should default to false")
	}
	if Config.GetBool("ha_discovery") {
		t.Error("ha_discovery should default to false")
	}
}

func TestSetupConfigEnvironmentVariables(t *testing.T) {
	t.Setenv("DEVICE_TYPE", "dc_motor")
	t.Setenv("MQTT_PORT", "1884")
	t.Setenv("METADATA_PATH", "/tmp/motor.json")

	if err := SetupConfig(nil); err != nil {
		t.Fatalf("SetupConfig returned error: %v", err)
	}

	if got := Config.GetString("device_type"); got != "dc_motor" {
		t.Errorf("device_type = %s, expected dc_motor", got)
	}
	if got := Config.GetInt("mqtt_port"); got != 1884 {
		t.Errorf("mqtt_port = %d, expected 1884", got)
	}
	if got := Config.GetString("metadata_path"); got != "/tmp/motor.json" {
		t.Errorf("metadata_path = %s, expected /tmp/motor.json", got)
	}
}

func TestSetupConfigFlags(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")

	if err := SetupConfig([]string{"--log-level", "trace"}); err != nil {
		t.Fatalf("SetupConfig returned error: %v", err)
	}
	if got := Config.GetString("log_level"); got != "trace" {
		t.Errorf("log_level = %s, expected trace from the flag", got)
	}

	if err := SetupConfig([]string{"--no-such-flag"}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("SetupConfig with unknown flag error = %v, expected ErrInvalidConfig", err)
	}
}

func TestSetupConfigFileSearch(t *testing.T) {
	expectedName := "sim_device.json"
	content := `{
		"device_id": "from-file",
		"details_port": 8088
	}`
	if err := os.WriteFile(expectedName, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	defer func() { _ = os.Remove(expectedName) }() //nolint:errcheck // test cleanup

	if err := SetupConfig(nil); err != nil {
		t.Fatalf("SetupConfig returned error: %v", err)
	}

	if got := Config.GetString("device_id"); got != "from-file" {
		t.Errorf("Config file device_id = %s, expected from-file", got)
	}
	if got := Config.GetInt("details_port"); got != 8088 {
		t.Errorf("Config file details_port = %d, expected 8088", got)
	}

	// environment wins over the file
	t.Setenv("DEVICE_ID", "from-env")
	if err := SetupConfig(nil); err != nil {
		t.Fatalf("SetupConfig returned error: %v", err)
	}
	if got := Config.GetString("device_id"); got != "from-env" {
		t.Errorf("device_id = %s, expected from-env", got)
	}
}

func TestSetupConfigExplicitFileMissing(t *testing.T) {
	err := SetupConfig([]string{"--config", "/nonexistent/sim_device.yaml"})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("SetupConfig error = %v, expected ErrInvalidConfig", err)
	}
}

func TestSetupConfigDotEnv(t *testing.T) {
	const key = "SIM_DEVICE_DOTENV_CHECK"
	if err := os.WriteFile(".env", []byte(key+"=from-dotenv\n"), 0o644); err != nil {
		t.Fatalf("Failed to write .env: %v", err)
	}
	defer func() { _ = os.Remove(".env") }() //nolint:errcheck // test cleanup
	defer func() { _ = os.Unsetenv(key) }()  //nolint:errcheck // test cleanup

	if err := SetupConfig(nil); err != nil {
		t.Fatalf("SetupConfig returned error: %v", err)
	}
	if got := Config.GetString(key); got != "from-dotenv" {
		t.Errorf("%s = %q, expected from-dotenv", key, got)
	}
}

func validConfig() *viper.Viper {
	v := viper.New()
	v.Set("device_type", "stepper_motor")
	v.Set("device_id", "stepper-1")
	v.Set("mqtt_broker", "localhost")
	v.Set("mqtt_port", "1883")
	v.Set("keepalive", "10s")
	v.Set("publish_timeout", "5s")
	v.Set("metadata_path", "device.json")
	return v
}

func TestLoadSettings(t *testing.T) {
	s, err := LoadSettings(validConfig())
	if err != nil {
		t.Fatalf("LoadSettings returned error: %v", err)
	}
	if s.DeviceType != state.StepperMotorKind {
		t.Errorf("DeviceType = %v, expected stepper_motor", s.DeviceType)
	}
	if s.DeviceID != "stepper-1" {
		t.Errorf("DeviceID = %s, expected stepper-1", s.DeviceID)
	}
	if s.Port != 1883 {
		t.Errorf("Port = %d, expected 1883", s.Port)
	}
	if s.KeepAlive != 10*time.Second {
		t.Errorf("KeepAlive = %v, expected 10s", s.KeepAlive)
	}
}

func TestLoadSettingsErrors(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value any
	}{
		{"unknown device type", "device_type", "digital_port"},
		{"missing device type", "device_type", ""},
		{"missing device id", "device_id", "  "},
		{"device id with wildcard", "device_id", "motor/#"},
		{"missing broker", "mqtt_broker", ""},
		{"non numeric port", "mqtt_port", "mqtt"},
		{"port zero", "mqtt_port", "0"},
		{"port too large", "mqtt_port", "70000"},
		{"bad keepalive", "keepalive", "soon"},
		{"zero publish timeout", "publish_timeout", "0s"},
		{"negative details port", "details_port", -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := validConfig()
			v.Set(tt.key, tt.value)
			if _, err := LoadSettings(v); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("LoadSettings with %s=%v error = %v, expected ErrInvalidConfig", tt.key, tt.value, err)
			}
		})
	}
}

func TestBrokerURI(t *testing.T) {
	tests := []struct {
		broker   string
		port     int
		expected string
	}{
		{"localhost", 1883, "tcp://localhost:1883"},
		{"ssl://broker.example.com", 8883, "ssl://broker.example.com:8883"},
		{"::1", 1883, "tcp://[::1]:1883"},
	}
	for _, tt := range tests {
		s := Settings{Broker: tt.broker, Port: tt.port}
		if got := s.BrokerURI(); got != tt.expected {
			t.Errorf("BrokerURI(%s, %d) = %s, expected %s", tt.broker, tt.port, got, tt.expected)
		}
	}
}
