// Package gpio drives the status LEDs and the authorization pin
// through the periph.io GPIO registry.
package gpio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/esimov/gatecam"
	pgpio "periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

var (
	initOnce sync.Once
	initErr  error
)

// Init loads the host drivers. It is safe to call it more than once.
func Init() error {
	initOnce.Do(func() {
		_, initErr = host.Init()
	})
	return initErr
}

// Pin is a GPIO output used as an on/off indicator.
type Pin struct {
	pin       pgpio.PinOut
	activeLow bool
}

var _ gatecam.Indicator = (*Pin)(nil)

// NewPin wraps a pin. An active-low pin is driven low when turned on.
// The pin starts in the off state.
func NewPin(p pgpio.PinOut, activeLow bool) (*Pin, error) {
	if p == nil {
		return nil, errors.New("nil pin")
	}
	pin := &Pin{pin: p, activeLow: activeLow}
	if err := pin.Set(false); err != nil {
		return nil, err
	}
	return pin, nil
}

// Open looks up the pin by name (e.g. "GPIO17") in the host registry.
func Open(name string, activeLow bool) (*Pin, error) {
	if err := Init(); err != nil {
		return nil, fmt.Errorf("unable to initialize the host drivers: %w", err)
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("unknown gpio pin: %q", name)
	}
	return NewPin(p, activeLow)
}

// Set implements gatecam.Indicator.
func (p *Pin) Set(on bool) error {
	if err := p.pin.Out(pgpio.Level(on != p.activeLow)); err != nil {
		return fmt.Errorf("unable to drive pin %s: %w", p.pin.Name(), err)
	}
	return nil
}

// Name returns the pin name.
func (p *Pin) Name() string {
	return p.pin.Name()
}

// Release turns the pin off and puts it back to high impedance.
func (p *Pin) Release() error {
	return errors.Join(p.Set(false), p.pin.Halt())
}
