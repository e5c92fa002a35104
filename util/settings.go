package util

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/elijahnyp/sim_device/state"
)

const ENV_PREFIX = ""

var Config = viper.New()

var config_listeners []func()

var ErrInvalidConfig = errors.New("invalid configuration")

// Settings is the validated view of Config handed to constructors.
type Settings struct {
	DeviceType     state.Kind
	DeviceID       string
	Broker         string
	Port           int
	Username       string
	Password       string
	CleanSession   bool
	KeepAlive      time.Duration
	PublishTimeout time.Duration
	MetadataPath   string
	DetailsPort    int
	EmbeddedBroker bool
	HADiscovery    bool
	LogLevel       string
}

// BrokerURI joins the broker host and port, defaulting to plain tcp when
// MQTT_BROKER carries no scheme.
func (s Settings) BrokerURI() string {
	scheme, host := "tcp", s.Broker
	if i := strings.Index(s.Broker, "://"); i >= 0 {
		scheme, host = s.Broker[:i], s.Broker[i+3:]
	}
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(s.Port))
}

func RegisterNewConfigListener(new_listener func()) {
	for _, listener := range config_listeners {
		if reflect.ValueOf(new_listener).Pointer() == reflect.ValueOf(listener).Pointer() {
			Logger.Warn().Msg("config listener already registered")
			return
		}
	}
	config_listeners = append(config_listeners, new_listener)
}

func OnNewConfig() {
	for _, listener := range config_listeners {
		listener()
	}
}

// SetupConfig resets Config and loads it from, in rising precedence:
// defaults, the config file, a .env file, the environment and args.
func SetupConfig(args []string) error {
	Config = viper.New()

	// .env never overrides variables already set in the process
	if err := gotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		Logger.Error().Msgf("unable to read .env file: %v", err)
	}

	flags := pflag.NewFlagSet("sim_device", pflag.ContinueOnError)
	flags.String("config", "", "config file path (default: search for sim_device.*)")
	flags.String("log-level", "info", "trace, debug, info, warn or error")
	if err := flags.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	Config.SetEnvPrefix(ENV_PREFIX)
	// set defaults
	Config.SetDefault("Log_level", "info")
	Config.SetDefault("Metadata_path", "device.json")
	Config.SetDefault("Username", "")
	Config.SetDefault("Password", "")
	Config.SetDefault("Cleansess", false)
	Config.SetDefault("Keepalive", "10s")
	Config.SetDefault("Publish_timeout", "5s")
	Config.SetDefault("Details_port", 0)
	Config.SetDefault("Embedded_broker", false)
	Config.SetDefault("Ha_discovery", false)

	// flags
	if err := Config.BindPFlag("log_level", flags.Lookup("log-level")); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	// config file
	configFile, _ := flags.GetString("config")
	if configFile != "" {
		Config.SetConfigFile(configFile)
	} else {
		Config.SetConfigName("sim_device")
		Config.AddConfigPath("/")
		Config.AddConfigPath("./")
		Config.AddConfigPath("./config")
		Config.AddConfigPath("/etc")
	}

	err := Config.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	switch {
	case err == nil:
		Logger.Info().Msgf("using config file %s", Config.ConfigFileUsed())
	case configFile != "":
		return fmt.Errorf("%w: reading %s: %v", ErrInvalidConfig, configFile, err)
	case errors.As(err, &notFound):
		Logger.Debug().Msg("no config file found, using environment only")
	default:
		Logger.Error().Msgf("unable to read config file: %v", err)
	}

	// environment variables
	Config.AutomaticEnv()

	// watch for changes
	if Config.ConfigFileUsed() != "" {
		Config.WatchConfig()
		Config.OnConfigChange(func(e fsnotify.Event) {
			Logger.Info().Msgf("Config file changed: %v", e.Name)
			Logger.Debug().Msgf("Config Additional Info: %v", e.String())
			OnNewConfig()
		})
	}
	return nil
}

// LoadSettings validates the values in v. Every error wraps ErrInvalidConfig.
func LoadSettings(v *viper.Viper) (Settings, error) {
	var s Settings

	kind, err := state.ParseKind(v.GetString("device_type"))
	if err != nil {
		return s, fmt.Errorf("%w: DEVICE_TYPE: %v", ErrInvalidConfig, err)
	}
	s.DeviceType = kind

	if s.DeviceID = strings.TrimSpace(v.GetString("device_id")); s.DeviceID == "" {
		return s, fmt.Errorf("%w: DEVICE_ID is required", ErrInvalidConfig)
	}
	if strings.ContainsAny(s.DeviceID, "/+#") {
		return s, fmt.Errorf("%w: DEVICE_ID %q must not contain MQTT topic separators or wildcards", ErrInvalidConfig, s.DeviceID)
	}

	if s.Broker = strings.TrimSpace(v.GetString("mqtt_broker")); s.Broker == "" {
		return s, fmt.Errorf("%w: MQTT_BROKER is required", ErrInvalidConfig)
	}

	rawPort := strings.TrimSpace(v.GetString("mqtt_port"))
	port, err := strconv.Atoi(rawPort)
	if err != nil || port < 1 || port > 65535 {
		return s, fmt.Errorf("%w: MQTT_PORT %q is not a valid port", ErrInvalidConfig, rawPort)
	}
	s.Port = port

	if s.KeepAlive = v.GetDuration("keepalive"); s.KeepAlive <= 0 {
		return s, fmt.Errorf("%w: KEEPALIVE must be a positive duration", ErrInvalidConfig)
	}
	if s.PublishTimeout = v.GetDuration("publish_timeout"); s.PublishTimeout <= 0 {
		return s, fmt.Errorf("%w: PUBLISH_TIMEOUT must be a positive duration", ErrInvalidConfig)
	}

	s.DetailsPort = v.GetInt("details_port")
	if s.DetailsPort < 0 || s.DetailsPort > 65535 {
		return s, fmt.Errorf("%w: DETAILS_PORT %d is not a valid port", ErrInvalidConfig, s.DetailsPort)
	}

	s.Username = v.GetString("username")
	s.Password = v.GetString("password")
	s.CleanSession = v.GetBool("cleansess")
	s.MetadataPath = v.GetString("metadata_path")
	s.EmbeddedBroker = v.GetBool("embedded_broker")
	s.HADiscovery = v.GetBool("ha_discovery")
	s.LogLevel = v.GetString("log_level")
	return s, nil
}
