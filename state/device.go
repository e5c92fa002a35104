package state

import (
	"errors"
	"fmt"
)

// Kind is the category of simulated peripheral, fixed at startup.
type Kind int

const (
	TemperatureSensor Kind = iota
	PressureSensor
	HumiditySensor
	DcMotorKind
	StepperMotorKind
)

var ErrUnknownKind = errors.New("unknown device type")

var kindNames = map[Kind]string{
	TemperatureSensor: "temperature_sensor",
	PressureSensor:    "pressure_sensor",
	HumiditySensor:    "humidity_sensor",
	DcMotorKind:       "dc_motor",
	StepperMotorKind:  "stepper_motor",
}

// Kinds lists every supported kind in declaration order.
func Kinds() []Kind {
	return []Kind{TemperatureSensor, PressureSensor, HumiditySensor, DcMotorKind, StepperMotorKind}
}

func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) IsSensor() bool {
	return k == TemperatureSensor || k == PressureSensor || k == HumiditySensor
}

// Variant is the per-kind state. Exactly one of *Sensor, *DcMotor or
// *StepperMotor backs a device.
type Variant interface {
	Kind() Kind
	variant()
}

// New builds the zero state for k: motors start stopped and facing forward.
func New(k Kind) (Variant, error) {
	switch k {
	case TemperatureSensor:
		return &Sensor{kind: k, Quantity: "temperature"}, nil
	case PressureSensor:
		return &Sensor{kind: k, Quantity: "pressure"}, nil
	case HumiditySensor:
		return &Sensor{kind: k, Quantity: "humidity"}, nil
	case DcMotorKind:
		return &DcMotor{Motor: newMotor()}, nil
	case StepperMotorKind:
		return &StepperMotor{Motor: newMotor()}, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnknownKind, k)
}

// Sensor carries no state; every read is a fresh sample.
type Sensor struct {
	kind     Kind
	Quantity string
}

func (s *Sensor) Kind() Kind { return s.kind }
func (*Sensor) variant()     {}

// ReadCommand is the command name that samples this sensor, e.g. read_pressure.
func (s *Sensor) ReadCommand() string {
	return "read_" + s.Quantity
}
