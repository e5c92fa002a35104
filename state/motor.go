package state

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

const (
	MinSpeed = 0.0
	MaxSpeed = 100.0

	Forward  = "forward"
	Backward = "backward"
)

var (
	ErrSpeedOutOfRange  = errors.New("speed out of range")
	ErrInvalidDirection = errors.New("invalid direction")
	ErrNotFinite        = errors.New("value is not finite")
)

// Motor holds the fields shared by both motor kinds.
type Motor struct {
	Speed   float64
	Forward bool
}

func newMotor() Motor {
	return Motor{Forward: true}
}

// SetSpeed accepts values in [MinSpeed, MaxSpeed] and leaves the motor
// untouched otherwise.
func (m *Motor) SetSpeed(v float64) error {
	if math.IsNaN(v) || v < MinSpeed || v > MaxSpeed {
		return fmt.Errorf("%w: %v", ErrSpeedOutOfRange, v)
	}
	m.Speed = v
	return nil
}

func (m *Motor) Direction() string {
	if m.Forward {
		return Forward
	}
	return Backward
}

func (m *Motor) SetDirection(token string) error {
	forward, err := ParseDirection(token)
	if err != nil {
		return err
	}
	m.Forward = forward
	return nil
}

// ParseDirection maps a case-insensitive forward/backward token to the
// forward flag.
func ParseDirection(token string) (bool, error) {
	switch {
	case strings.EqualFold(token, Forward):
		return true, nil
	case strings.EqualFold(token, Backward):
		return false, nil
	}
	return false, fmt.Errorf("%w: %q", ErrInvalidDirection, token)
}

type DcMotor struct {
	Motor
}

func (*DcMotor) Kind() Kind { return DcMotorKind }
func (*DcMotor) variant()   {}

// StepperMotor tracks acceleration and an accumulated location on top of
// speed and direction. Neither is bounded.
type StepperMotor struct {
	Motor
	Acceleration float64
	Location     float64
}

func (*StepperMotor) Kind() Kind { return StepperMotorKind }
func (*StepperMotor) variant()   {}

func (m *StepperMotor) SetAcceleration(v float64) error {
	if err := finite(v); err != nil {
		return err
	}
	m.Acceleration = v
	return nil
}

func (m *StepperMotor) MoveRelative(delta float64) error {
	if err := finite(delta); err != nil {
		return err
	}
	next := m.Location + delta
	if err := finite(next); err != nil {
		return err
	}
	m.Location = next
	return nil
}

func (m *StepperMotor) MoveAbsolute(v float64) error {
	if err := finite(v); err != nil {
		return err
	}
	m.Location = v
	return nil
}

func finite(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: %v", ErrNotFinite, v)
	}
	return nil
}
