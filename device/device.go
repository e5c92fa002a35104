package device

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/elijahnyp/sim_device/state"
)

const (
	Status  = "Go Simulation"
	Version = "1.0.0"
)

var (
	// ErrUnknownCommand means the command is not served by this device kind.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrInvalidParameter means the command exists but its parameter was
	// rejected; device state is unchanged.
	ErrInvalidParameter = errors.New("invalid parameter")
)

type handler func(parameter string) (string, error)

// Device dispatches commands against the state of one simulated peripheral.
// It is not safe for concurrent use; a single goroutine owns it.
type Device struct {
	variant  state.Variant
	meta     *MetadataStore
	rng      *rand.Rand
	log      zerolog.Logger
	commands map[string]handler
}

type Option func(*Device)

// WithRand sets the source used for sensor readings.
func WithRand(r *rand.Rand) Option {
	return func(d *Device) { d.rng = r }
}

func New(kind state.Kind, meta *MetadataStore, log zerolog.Logger, opts ...Option) (*Device, error) {
	if meta == nil {
		return nil, errors.New("device: metadata store is required")
	}
	variant, err := state.New(kind)
	if err != nil {
		return nil, err
	}
	d := &Device{
		variant: variant,
		meta:    meta,
		log:     log.With().Str("device_type", kind.String()).Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.commands = d.buildCommands()
	return d, nil
}

func (d *Device) Kind() state.Kind {
	return d.variant.Kind()
}

func (d *Device) Metadata() Metadata {
	return d.meta.Get()
}

// Commands returns the sorted command names this device answers to.
func (d *Device) Commands() []string {
	names := make([]string, 0, len(d.commands))
	for name := range d.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Operate runs command with parameter and returns the textual result. A
// non-nil error wraps ErrUnknownCommand or ErrInvalidParameter and means no
// result was produced.
func (d *Device) Operate(command, parameter string) (string, error) {
	h, ok := d.commands[command]
	if !ok {
		d.log.Warn().Msgf("Unknown command for %v: %s", d.Kind(), command)
		return "", fmt.Errorf("%w: %s", ErrUnknownCommand, command)
	}
	return h(parameter)
}

func (d *Device) buildCommands() map[string]handler {
	commands := map[string]handler{
		"get_status":      d.getStatus,
		"get_version":     d.getVersion,
		"get_name":        d.getName,
		"get_description": d.getDescription,
		"set_name":        d.setName,
		"set_description": d.setDescription,
	}

	var motor *state.Motor
	switch v := d.variant.(type) {
	case *state.Sensor:
		commands[v.ReadCommand()] = d.readSensor(v)
	case *state.DcMotor:
		motor = &v.Motor
	case *state.StepperMotor:
		motor = &v.Motor
		commands["get_acceleration"] = func(string) (string, error) {
			d.log.Info().Msgf("acceleration: %.2f steps/second²", v.Acceleration)
			return formatFloat(v.Acceleration), nil
		}
		commands["set_acceleration"] = func(p string) (string, error) {
			d.log.Info().Msgf("Setting acceleration to %s steps/second²...", p)
			return d.applyFloat(p, v.SetAcceleration, func() float64 { return v.Acceleration })
		}
		commands["get_location"] = func(string) (string, error) {
			d.log.Info().Msgf("location: %.2f steps", v.Location)
			return formatFloat(v.Location), nil
		}
		commands["set_location_relative"] = func(p string) (string, error) {
			d.log.Info().Msgf("Moving location by %s steps...", p)
			return d.applyFloat(p, v.MoveRelative, func() float64 { return v.Location })
		}
		commands["set_location_absolute"] = func(p string) (string, error) {
			d.log.Info().Msgf("Setting absolute location to %s steps...", p)
			return d.applyFloat(p, v.MoveAbsolute, func() float64 { return v.Location })
		}
	}

	if motor != nil {
		commands["get_speed"] = func(string) (string, error) {
			d.log.Info().Msgf("speed: %.2f %%", motor.Speed)
			return formatFloat(motor.Speed), nil
		}
		commands["set_speed"] = func(p string) (string, error) {
			d.log.Info().Msgf("Setting speed to %s %%...", p)
			return d.applyFloat(p, motor.SetSpeed, func() float64 { return motor.Speed })
		}
		commands["get_direction"] = func(string) (string, error) {
			d.log.Info().Msgf("direction: %s", motor.Direction())
			return motor.Direction(), nil
		}
		commands["set_direction"] = func(p string) (string, error) {
			d.log.Info().Msgf("Setting direction to %s...", p)
			if err := motor.SetDirection(p); err != nil {
				d.log.Warn().Msgf("Invalid direction value: %s", p)
				return "", fmt.Errorf("%w: %v", ErrInvalidParameter, err)
			}
			d.log.Info().Msgf("Direction set to %s", motor.Direction())
			return motor.Direction(), nil
		}
	}
	return commands
}

// applyFloat parses p, hands it to set and echoes the resulting value.
func (d *Device) applyFloat(p string, set func(float64) error, get func() float64) (string, error) {
	v, err := strconv.ParseFloat(p, 64)
	if err != nil {
		d.log.Warn().Msgf("Invalid numeric parameter: %q", p)
		return "", fmt.Errorf("%w: %q is not a number", ErrInvalidParameter, p)
	}
	if err := set(v); err != nil {
		d.log.Warn().Msgf("Rejected value %s: %v", p, err)
		return "", fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	d.log.Info().Msgf("Value set to %.2f", get())
	return formatFloat(get()), nil
}

func (d *Device) readSensor(s *state.Sensor) handler {
	return func(string) (string, error) {
		d.log.Info().Msgf("Reading %s...", s.Quantity)
		var v float64
		if d.rng != nil {
			v = d.rng.Float64() * 100
		} else {
			v = rand.Float64() * 100
		}
		d.log.Info().Msgf("%s: %.2f", s.Quantity, v)
		return formatFloat(v), nil
	}
}

func (d *Device) getStatus(string) (string, error) {
	d.log.Info().Msgf("Status: %s", Status)
	return Status, nil
}

func (d *Device) getVersion(string) (string, error) {
	d.log.Info().Msgf("Version: %s", Version)
	return Version, nil
}

func (d *Device) getName(string) (string, error) {
	name := d.meta.Get().Name
	d.log.Info().Msgf("Name: %s", name)
	return name, nil
}

func (d *Device) getDescription(string) (string, error) {
	description := d.meta.Get().Description
	d.log.Info().Msgf("Description: %s", description)
	return description, nil
}

func (d *Device) setName(p string) (string, error) {
	d.log.Info().Msgf("Setting name to %q...", p)
	if err := d.meta.SetName(p); err != nil {
		d.log.Error().Err(err).Msg("Unable to persist name")
		return "", fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	return p, nil
}

func (d *Device) setDescription(p string) (string, error) {
	d.log.Info().Msgf("Setting description to %q...", p)
	if err := d.meta.SetDescription(p); err != nil {
		d.log.Error().Err(err).Msg("Unable to persist description")
		return "", fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	return p, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
