package gpio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	pgpio "periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

func TestPin_ActiveHigh(t *testing.T) {
	p := &gpiotest.Pin{N: "GPIO17", L: pgpio.High}

	pin, err := NewPin(p, false)
	require.NoError(t, err)
	assert.Equal(t, pgpio.Low, p.L, "a new pin starts off")
	assert.Equal(t, "GPIO17", pin.Name())

	require.NoError(t, pin.Set(true))
	assert.Equal(t, pgpio.High, p.L)

	require.NoError(t, pin.Set(false))
	assert.Equal(t, pgpio.Low, p.L)
}

func TestPin_ActiveLow(t *testing.T) {
	p := &gpiotest.Pin{N: "LED_RED"}

	pin, err := NewPin(p, true)
	require.NoError(t, err)
	assert.Equal(t, pgpio.High, p.L)

	require.NoError(t, pin.Set(true))
	assert.Equal(t, pgpio.Low, p.L)
}

func TestPin_NilPin(t *testing.T) {
	_, err := NewPin(nil, false)
	assert.Error(t, err)
}
